package dispatch

import (
	"context"
	"fmt"
	"strings"

	"helmsman/internal/errors"
	"helmsman/internal/logging"
	"helmsman/internal/mission"
)

// Dispatcher executes StartRun commands against the backend. The circuit
// breaker is keyed to the backend connection, not the mission: one mission's
// failures throttle dispatch for every mission sharing the backend, which is
// deliberate backpressure.
type Dispatcher struct {
	backend Backend
	breaker *errors.CircuitBreaker
	logger  logging.Logger
}

// NewDispatcher wraps backend with breaker protection.
func NewDispatcher(backend Backend, breakerCfg errors.CircuitBreakerConfig, logger logging.Logger) *Dispatcher {
	return &Dispatcher{
		backend: backend,
		breaker: errors.NewCircuitBreaker("execution-backend", breakerCfg),
		logger:  logging.OrNop(logger),
	}
}

// Allow reports whether the breaker currently admits new dispatches.
func (d *Dispatcher) Allow() error {
	return d.breaker.Allow()
}

// BreakerState exposes the breaker state for operator surfaces.
func (d *Dispatcher) BreakerState() errors.CircuitState {
	return d.breaker.State()
}

// Execute dispatches req and pumps the run to completion, calling emit for
// each ToolObserved and exactly one RunFinished. Dispatch-level failures are
// converted into a failed RunFinished so the work item re-enters the retry
// path; only breaker rejection surfaces as an error without a run outcome.
func (d *Dispatcher) Execute(ctx context.Context, req RunRequest, emit func(mission.Event)) error {
	if err := d.breaker.Allow(); err != nil {
		return err
	}

	handle, err := d.backend.Dispatch(ctx, req)
	if err != nil {
		classified := classifyDispatchError(err)
		if errors.IsTransient(classified) {
			// Connection-level failure: the breaker's concern.
			d.breaker.Mark(classified)
		} else {
			// The backend answered; its health is fine. "run not found" is
			// terminal for this run, not for the connection.
			d.breaker.Mark(nil)
		}
		d.logger.Warn("dispatch of %s failed: %v", req.WorkItemID, classified)
		emit(mission.RunFinished{WorkItemID: req.WorkItemID, RunID: req.RunID, Status: mission.RunStatusFailed})
		return classified
	}
	d.breaker.Mark(nil)

	runID := handle.RunID
	if runID == "" {
		runID = req.RunID
	}

	observations := handle.Observations
	done := handle.Done
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("run %s canceled: %v", runID, ctx.Err())
			return ctx.Err()

		case obs, ok := <-observations:
			if !ok {
				observations = nil
				continue
			}
			emit(mission.ToolObserved{RunID: runID, Tool: obs.Tool, Phase: obs.Phase})

		case result, ok := <-done:
			// The result is sent last, so anything still buffered on the
			// observation stream happened before it and must land first.
			d.drainObservations(ctx, observations, runID, emit)
			if !ok {
				// Stream ended without a terminal status; treat as failure.
				emit(mission.RunFinished{WorkItemID: req.WorkItemID, RunID: req.RunID, Status: mission.RunStatusFailed})
				return fmt.Errorf("backend closed run %s without a result", runID)
			}
			emit(mission.RunFinished{WorkItemID: req.WorkItemID, RunID: req.RunID, Status: result.Status})
			return nil
		}
	}
}

// drainObservations flushes the observation stream once the terminal result
// has arrived. The backend closes the stream right after sending its Result,
// so the drain always terminates.
func (d *Dispatcher) drainObservations(ctx context.Context, observations <-chan Observation, runID string, emit func(mission.Event)) {
	if observations == nil {
		return
	}
	for {
		select {
		case obs, ok := <-observations:
			if !ok {
				return
			}
			emit(mission.ToolObserved{RunID: runID, Tool: obs.Tool, Phase: obs.Phase})
		case <-ctx.Done():
			return
		}
	}
}

// classifyDispatchError tags backend errors for the retry policy: a missing
// run/session is permanent for the run, connection troubles are transient.
func classifyDispatchError(err error) error {
	if err == nil {
		return nil
	}
	lower := strings.ToLower(err.Error())
	if strings.Contains(lower, "run not found") || strings.Contains(lower, "session not found") {
		return errors.NewPermanentError(err, "")
	}
	if errors.IsTransient(err) {
		return errors.NewTransientError(err, "")
	}
	return err
}
