// Package budget accounts mission resource consumption against declared
// limits. It is pure bookkeeping over the event log; enforcement belongs to
// the orchestrator loop.
package budget

import (
	"fmt"

	"helmsman/internal/mission"
)

// Usage captures cumulative consumption derived from a mission's events.
type Usage struct {
	Steps     int   `json:"steps"`
	ToolCalls int   `json:"tool_calls"`
	ElapsedMs int64 `json:"elapsed_ms"`
}

// Dimension names a budget axis in exhaustion reasons.
type Dimension string

const (
	DimensionSteps     Dimension = "max_steps"
	DimensionToolCalls Dimension = "max_tool_calls"
	DimensionDuration  Dimension = "max_duration_ms"
)

// Consumed folds the event log into cumulative usage. Elapsed time is the
// span between MissionStarted and nowMs, so callers control the clock.
func Consumed(records []mission.Record, nowMs int64) Usage {
	var usage Usage
	var startedAt int64
	for _, record := range records {
		switch record.Event.(type) {
		case mission.MissionStarted:
			if startedAt == 0 {
				startedAt = record.AtMs
			}
		case mission.RunStarted:
			usage.Steps++
		case mission.ToolObserved:
			usage.ToolCalls++
		}
	}
	if startedAt > 0 && nowMs > startedAt {
		usage.ElapsedMs = nowMs - startedAt
	}
	return usage
}

// FromState derives usage from a projected state instead of the raw log.
func FromState(state *mission.MissionState, nowMs int64) Usage {
	usage := Usage{Steps: state.Steps, ToolCalls: state.ToolCalls}
	if state.StartedAtMs > 0 && nowMs > state.StartedAtMs {
		usage.ElapsedMs = nowMs - state.StartedAtMs
	}
	return usage
}

// Exhausted reports a budget dimension at or past its limit.
type Exhausted struct {
	Dimension Dimension
	Limit     int64
	Used      int64
}

func (e *Exhausted) Error() string {
	return fmt.Sprintf("%s exceeded (%d/%d)", e.Dimension, e.Used, e.Limit)
}

// Reason is the human-readable string carried by the terminal event.
func (e *Exhausted) Reason() string {
	return e.Error()
}

// Check compares usage against the declared budget. A zero limit means the
// dimension is unbounded. Already-running work is allowed to finish; the
// loop only stops issuing new runs.
func Check(b mission.Budget, usage Usage) *Exhausted {
	if b.MaxSteps > 0 && usage.Steps >= b.MaxSteps {
		return &Exhausted{Dimension: DimensionSteps, Limit: int64(b.MaxSteps), Used: int64(usage.Steps)}
	}
	if b.MaxToolCalls > 0 && usage.ToolCalls >= b.MaxToolCalls {
		return &Exhausted{Dimension: DimensionToolCalls, Limit: int64(b.MaxToolCalls), Used: int64(usage.ToolCalls)}
	}
	if b.MaxDurationMs > 0 && usage.ElapsedMs >= b.MaxDurationMs {
		return &Exhausted{Dimension: DimensionDuration, Limit: b.MaxDurationMs, Used: usage.ElapsedMs}
	}
	return nil
}
