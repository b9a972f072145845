package orchestrator

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"helmsman/internal/approval"
	"helmsman/internal/budget"
	"helmsman/internal/dispatch"
	"helmsman/internal/errors"
	"helmsman/internal/eventstore"
	"helmsman/internal/id"
	"helmsman/internal/mission"
)

// runLoop drives one mission until it reaches a terminal status or the
// orchestrator shuts down. Ticks fire on the interval and on wake signals
// from collaborators (run events, approval verdicts, timers).
func (o *Orchestrator) runLoop(loop *missionLoop) {
	defer o.wg.Done()
	defer o.forgetLoop(loop.missionID)
	defer loop.cancel()

	ticker := time.NewTicker(o.config.TickInterval)
	defer ticker.Stop()

	for {
		if terminal := o.tick(loop); terminal {
			return
		}
		select {
		case <-loop.ctx.Done():
			return
		case <-loop.wake:
		case <-ticker.C:
		}
	}
}

func (o *Orchestrator) forgetLoop(missionID string) {
	o.mu.Lock()
	delete(o.loops, missionID)
	o.mu.Unlock()
}

// tick runs one project-check-plan-execute cycle. It reports true when the
// mission is terminal and the loop should stop.
func (o *Orchestrator) tick(loop *missionLoop) bool {
	ctx, span := o.tracer.Start(loop.ctx, "orchestrator.tick")
	span.SetAttributes(attribute.String("mission.id", loop.missionID))
	defer span.End()

	start := o.clock()
	status := "ok"
	defer func() {
		o.metrics.ObserveTick(status, o.clock().Sub(start))
	}()

	state, err := o.projections.Project(ctx, loop.missionID)
	if err != nil {
		status = "error"
		o.logger.Warn("tick: project %s: %v", loop.missionID, err)
		return false
	}

	if state.Status.Terminal() {
		status = "terminal"
		o.gate.CancelMission(loop.missionID)
		o.logger.Info("mission %s reached %s at revision %d", state.ID, state.Status, state.Revision)
		return true
	}

	o.reconcileOrphanedRuns(ctx, state)
	o.ensureApprovalWaiters(loop, state)

	if state.Status == mission.StatusPaused {
		status = "paused"
		return false
	}

	if exhausted := budget.Check(state.Spec.Budget, budget.FromState(state, o.clock().UnixMilli())); exhausted != nil {
		status = "budget"
		o.cancelForBudget(ctx, loop.missionID, exhausted)
		return false
	}

	for _, command := range o.planner.Plan(state, o.clock().UnixMilli()) {
		o.executeCommand(ctx, loop, command)
	}
	return false
}

// reconcileOrphanedRuns fails runs the log says are in flight but no local
// goroutine owns. This happens after a process restart: the backend run is
// gone from our point of view, so the item re-enters the retry path.
func (o *Orchestrator) reconcileOrphanedRuns(ctx context.Context, state *mission.MissionState) {
	for itemID, item := range state.Items {
		if item.Status != mission.ItemInProgress || item.RunID == "" {
			continue
		}
		o.mu.Lock()
		_, owned := o.activeRuns[item.RunID]
		o.mu.Unlock()
		if owned {
			continue
		}

		runID := item.RunID
		workItemID := itemID
		o.logger.Warn("mission %s: run %s for item %s has no owner, marking failed", state.ID, runID, workItemID)
		_, err := o.appendGuarded(ctx, state.ID, func(current *mission.MissionState) []mission.Event {
			item := current.Item(workItemID)
			if item == nil || item.RunID != runID {
				return nil
			}
			return []mission.Event{mission.RunFinished{WorkItemID: workItemID, RunID: runID, Status: mission.RunStatusFailed}}
		})
		if err != nil {
			o.logger.Warn("reconcile run %s: %v", runID, err)
		}
	}
}

// cancelForBudget terminally cancels a mission whose budget ran out. The
// append is guarded so a concurrent terminal transition wins cleanly.
func (o *Orchestrator) cancelForBudget(ctx context.Context, missionID string, exhausted *budget.Exhausted) {
	appended, err := o.appendGuarded(ctx, missionID, func(state *mission.MissionState) []mission.Event {
		if state.Status.Terminal() {
			return nil
		}
		return []mission.Event{mission.MissionCanceled{Reason: exhausted.Reason()}}
	})
	if err != nil {
		o.logger.Warn("cancel %s for budget: %v", missionID, err)
		return
	}
	if appended {
		o.logger.Info("mission %s canceled: %s", missionID, exhausted.Reason())
		o.gate.CancelMission(missionID)
	}
}

func (o *Orchestrator) executeCommand(ctx context.Context, loop *missionLoop, command mission.Command) {
	switch cmd := command.(type) {
	case mission.EmitNotice:
		o.logger.Info("mission %s notice [%s]: %s", loop.missionID, cmd.Kind, cmd.Message)

	case mission.PersistArtifact:
		o.persistArtifact(ctx, loop, cmd)

	case mission.ScheduleTimer:
		o.scheduleTimer(loop, cmd)

	case mission.RequestApproval:
		o.requestApproval(ctx, loop, cmd)

	case mission.StartRun:
		o.startRun(ctx, loop, cmd)

	default:
		o.logger.Warn("mission %s: unknown command %T", loop.missionID, command)
	}
}

func (o *Orchestrator) persistArtifact(ctx context.Context, loop *missionLoop, cmd mission.PersistArtifact) {
	_, err := o.appendGuarded(ctx, loop.missionID, func(state *mission.MissionState) []mission.Event {
		item := state.Item(cmd.WorkItemID)
		if item == nil || item.HasArtifact(cmd.Ref) {
			return nil
		}
		return []mission.Event{mission.ArtifactPersisted{WorkItemID: cmd.WorkItemID, Ref: cmd.Ref}}
	})
	if err != nil {
		o.metrics.IncCommandFailure(cmd.CommandType(), "append")
		o.logger.Warn("persist artifact for %s: %v", cmd.WorkItemID, err)
	}
}

func (o *Orchestrator) scheduleTimer(loop *missionLoop, cmd mission.ScheduleTimer) {
	timerID := cmd.TimerID
	if timerID == "" {
		timerID = id.NewTimerID()
	}
	missionID := loop.missionID
	o.timers.Schedule(timerID, time.UnixMilli(cmd.DueAtMs), func() {
		_, err := o.appendGuarded(context.Background(), missionID, func(state *mission.MissionState) []mission.Event {
			if state.Status.Terminal() {
				return nil
			}
			return []mission.Event{mission.TimerFired{TimerID: timerID}}
		})
		if err != nil {
			o.logger.Warn("timer %s fire: %v", timerID, err)
		}
		o.wake(missionID)
	})
}

// requestApproval registers the request with the gate, records it in the log,
// and parks a waiter goroutine on the verdict. A missing verdict (timeout,
// cancellation, shutdown) leaves the log untouched: absence is not denial.
func (o *Orchestrator) requestApproval(ctx context.Context, loop *missionLoop, cmd mission.RequestApproval) {
	request := o.gate.Request(loop.missionID, cmd.WorkItemID, cmd.Kind, cmd.Summary)

	appended, err := o.appendGuarded(ctx, loop.missionID, func(state *mission.MissionState) []mission.Event {
		item := state.Item(cmd.WorkItemID)
		if item == nil || item.PendingApproval != "" || item.Status.Terminal() {
			return nil
		}
		return []mission.Event{mission.ApprovalRequested{
			WorkItemID: cmd.WorkItemID,
			ApprovalID: request.ID,
			Kind:       cmd.Kind,
			Summary:    cmd.Summary,
		}}
	})
	if err != nil || !appended {
		if err != nil {
			o.metrics.IncCommandFailure(cmd.CommandType(), "append")
			o.logger.Warn("record approval request for %s: %v", cmd.WorkItemID, err)
		}
		return
	}

	if o.claimWaiter(request.ID) {
		o.watchApproval(loop, cmd.WorkItemID, request.ID)
	}
}

// ensureApprovalWaiters re-arms a watch for every pending approval without a
// live waiter. This covers waits that timed out before the operator replied
// and requests that survived a restart only in the event log.
func (o *Orchestrator) ensureApprovalWaiters(loop *missionLoop, state *mission.MissionState) {
	for itemID, item := range state.Items {
		if item.PendingApproval == "" || item.Status.Terminal() {
			continue
		}
		if !o.claimWaiter(item.PendingApproval) {
			continue
		}
		if o.gate.Restore(approval.Request{
			ID:         item.PendingApproval,
			MissionID:  state.ID,
			WorkItemID: itemID,
			Kind:       item.PendingKind,
			Summary:    item.PendingSummary,
			CreatedAt:  o.clock(),
		}) {
			o.logger.Info("mission %s: rehydrated approval %s for item %s", state.ID, item.PendingApproval, itemID)
		}
		o.watchApproval(loop, itemID, item.PendingApproval)
	}
}

// watchApproval parks a goroutine on the verdict for approvalID. The caller
// holds the waiter claim; it is released when the watch ends.
func (o *Orchestrator) watchApproval(loop *missionLoop, workItemID, approvalID string) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer o.releaseWaiter(approvalID)

		verdict, ok := o.gate.Wait(loop.ctx, approvalID, o.config.ApprovalTimeout)
		if !ok {
			return
		}

		_, err := o.appendGuarded(context.Background(), loop.missionID, func(state *mission.MissionState) []mission.Event {
			item := state.Item(workItemID)
			if item == nil || item.PendingApproval != approvalID {
				return nil
			}
			if verdict.Granted {
				return []mission.Event{mission.ApprovalGranted{WorkItemID: workItemID, ApprovalID: approvalID}}
			}
			return []mission.Event{mission.ApprovalDenied{WorkItemID: workItemID, ApprovalID: approvalID, Reason: verdict.Reason}}
		})
		if err != nil {
			o.logger.Warn("record approval verdict for %s: %v", workItemID, err)
		}
		o.wake(loop.missionID)
	}()
}

// startRun claims a slot by appending RunStarted under the optimistic guard,
// then hands the run to the dispatcher on its own goroutine. The guard is
// what makes the concurrency limit hold across concurrent appenders: a
// conflicting append forces a re-projection and the claim re-checks slots.
func (o *Orchestrator) startRun(ctx context.Context, loop *missionLoop, cmd mission.StartRun) {
	if err := o.dispatcher.Allow(); err != nil {
		o.metrics.IncCommandFailure(cmd.CommandType(), "breaker_open")
		o.logger.Debug("mission %s: dispatch of %s deferred: %v", loop.missionID, cmd.WorkItemID, err)
		return
	}

	runID := id.NewRunID()
	o.mu.Lock()
	o.activeRuns[runID] = struct{}{}
	o.mu.Unlock()

	appended, err := o.appendGuarded(ctx, loop.missionID, func(state *mission.MissionState) []mission.Event {
		if state.Status != mission.StatusRunning {
			return nil
		}
		item := state.Item(cmd.WorkItemID)
		if item == nil || (item.Status != mission.ItemTodo && item.Status != mission.ItemRework) {
			return nil
		}
		if item.PendingApproval != "" {
			return nil
		}
		if state.InProgressCount() >= o.planner.ConcurrencyLimit {
			return nil
		}
		return []mission.Event{mission.RunStarted{WorkItemID: cmd.WorkItemID, RunID: runID, Agent: cmd.Agent}}
	})
	if err != nil || !appended {
		o.mu.Lock()
		delete(o.activeRuns, runID)
		o.mu.Unlock()
		if err != nil {
			o.metrics.IncCommandFailure(cmd.CommandType(), "append")
			o.logger.Warn("claim run for %s: %v", cmd.WorkItemID, err)
		}
		return
	}

	request := dispatch.RunRequest{
		MissionID:  loop.missionID,
		WorkItemID: cmd.WorkItemID,
		RunID:      runID,
		Agent:      cmd.Agent,
		Prompt:     cmd.Prompt,
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer func() {
			o.mu.Lock()
			delete(o.activeRuns, runID)
			o.mu.Unlock()
			o.wake(loop.missionID)
		}()

		o.metrics.IncActiveRuns()
		defer o.metrics.DecActiveRuns()

		runCtx := id.WithRunID(loop.ctx, runID)
		err := o.dispatcher.Execute(runCtx, request, func(event mission.Event) {
			o.appendRunEvent(loop.missionID, runID, event)
		})
		if err != nil && loop.ctx.Err() == nil {
			if errors.IsDegraded(err) {
				o.logger.Warn("run %s rejected by breaker", runID)
			} else {
				o.logger.Warn("run %s failed: %v", runID, err)
			}
		}
	}()
}

// appendRunEvent persists one dispatcher-emitted event. RunFinished is
// guarded against the item's current run id so a stale stream can never
// complete a newer attempt. A run that outlives its mission still records
// its outcome; the projector keeps terminal statuses sticky.
func (o *Orchestrator) appendRunEvent(missionID, runID string, event mission.Event) {
	_, err := o.appendGuarded(context.Background(), missionID, func(state *mission.MissionState) []mission.Event {
		if finished, ok := event.(mission.RunFinished); ok {
			item := state.Item(finished.WorkItemID)
			if item == nil || item.RunID != runID {
				return nil
			}
		}
		return []mission.Event{event}
	})
	if err != nil {
		o.logger.Warn("append %s for run %s: %v", event.EventType(), runID, err)
	}
	o.wake(missionID)
}

// appendGuarded implements the optimistic-concurrency write path: project,
// rebuild the events against fresh state, append at the projected revision,
// and retry on conflict. A build that returns no events means the guard no
// longer holds and the write is dropped, which is success.
func (o *Orchestrator) appendGuarded(ctx context.Context, missionID string, build func(*mission.MissionState) []mission.Event) (bool, error) {
	for attempt := 0; attempt < o.config.AppendRetries; attempt++ {
		state, err := o.projections.Project(ctx, missionID)
		if err != nil {
			return false, err
		}

		events := build(state)
		if len(events) == 0 {
			return false, nil
		}

		_, err = o.store.Append(ctx, missionID, state.Revision, events...)
		if err == nil {
			for _, event := range events {
				o.metrics.IncEventAppended(event.EventType())
			}
			o.publishSince(ctx, missionID, state.Revision)
			return true, nil
		}
		if stderrors.Is(err, eventstore.ErrRevisionConflict) {
			o.metrics.IncAppendConflict()
			continue
		}
		return false, err
	}
	return false, fmt.Errorf("append to %s: retries exhausted after revision conflicts", missionID)
}
