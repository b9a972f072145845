// Package scheduler computes, per tick, which work items advance and which
// commands the orchestrator must execute. Planning is a pure function of the
// projected state and the tick timestamp: no ambient clock, no randomness,
// no writes.
package scheduler

import (
	"fmt"
	"sort"

	"helmsman/internal/mission"
)

// Approval request kinds produced by the planner.
const (
	KindGate   = "gate"
	KindReview = "review"
	KindTest   = "test"
)

// Planner derives the next batch of commands for a mission tick.
type Planner struct {
	// ConcurrencyLimit bounds simultaneously running work items.
	ConcurrencyLimit int
}

// New creates a Planner with the given concurrency limit.
func New(concurrencyLimit int) *Planner {
	if concurrencyLimit <= 0 {
		concurrencyLimit = 1
	}
	return &Planner{ConcurrencyLimit: concurrencyLimit}
}

// Plan returns the ordered commands for the current tick, as of nowMs.
//
// A work item is ready when it sits in todo or rework with every dependency
// done. Candidates are visited in ascending id order so identical states
// always produce identical plans. Items that fail the capability check or
// whose dependencies are parked stay where they are; they are never skipped
// into a failure state by the planner. A rework item inside its retry
// backoff window schedules a wake-up timer instead of a run.
func (p *Planner) Plan(state *mission.MissionState, nowMs int64) []mission.Command {
	if state == nil || state.Status != mission.StatusRunning {
		return nil
	}
	if state.AllDone() {
		return []mission.Command{mission.EmitNotice{
			Kind:    mission.NoticeMissionComplete,
			Message: fmt.Sprintf("mission %s: all work items done", state.ID),
		}}
	}

	ids := make([]string, 0, len(state.Items))
	for id := range state.Items {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	slots := p.ConcurrencyLimit - state.InProgressCount()
	var commands []mission.Command

	for _, id := range ids {
		item := state.Items[id]

		// Outstanding approvals are owned by the gate; nothing to plan.
		if item.PendingApproval != "" {
			continue
		}

		switch item.Status {
		case mission.ItemDone:
			// Declared deliverables are recorded once the item completes;
			// the projection dedupes, so re-planning converges.
			for _, ref := range item.Produces {
				if !item.HasArtifact(ref) {
					commands = append(commands, mission.PersistArtifact{WorkItemID: id, Ref: ref})
				}
			}

		case mission.ItemReview:
			commands = append(commands, mission.RequestApproval{
				WorkItemID: id,
				Kind:       KindReview,
				Summary:    fmt.Sprintf("review output of %q", item.Title),
			})

		case mission.ItemTest:
			commands = append(commands, mission.RequestApproval{
				WorkItemID: id,
				Kind:       KindTest,
				Summary:    fmt.Sprintf("verify test results of %q", item.Title),
			})

		case mission.ItemTodo, mission.ItemRework:
			if item.Status == mission.ItemRework && item.RetryAfterMs > nowMs {
				commands = append(commands, mission.ScheduleTimer{
					TimerID: "retry-" + id,
					DueAtMs: item.RetryAfterMs,
				})
				continue
			}
			if item.Status == mission.ItemTodo && item.RequiresApproval && !item.ApprovalCleared {
				commands = append(commands, mission.RequestApproval{
					WorkItemID: id,
					Kind:       KindGate,
					Summary:    fmt.Sprintf("allow scheduling of %q", item.Title),
				})
				continue
			}
			if !p.ready(state, item) {
				continue
			}
			if slots <= 0 {
				continue
			}
			commands = append(commands, mission.StartRun{
				WorkItemID: id,
				Agent:      item.Agent(state.Spec.DefaultAgent),
				Prompt:     item.Prompt(),
			})
			slots--
		}
	}
	return commands
}

// ready checks dependency completion and the mission capability gate.
func (p *Planner) ready(state *mission.MissionState, item *mission.WorkItem) bool {
	for _, dep := range item.DependsOn {
		depItem := state.Item(dep)
		if depItem == nil || depItem.Status != mission.ItemDone {
			return false
		}
	}
	if !state.Spec.Capabilities.AgentAllowed(item.Agent(state.Spec.DefaultAgent)) {
		return false
	}
	if !state.Spec.Capabilities.ToolsAllowed(item.RequiredTools) {
		return false
	}
	return true
}
