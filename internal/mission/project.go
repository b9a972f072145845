package mission

import (
	"fmt"
	"sort"
)

// Fold projects an ordered event log into the current mission state.
//
// Fold is pure: it never touches the clock, never dispatches, and folding the
// same prefix twice yields identical state, so it is safe to run on every
// tick and during crash recovery.
func Fold(records []Record) *MissionState {
	state := &MissionState{Status: StatusDraft}
	for _, record := range records {
		Apply(state, record)
	}
	return state
}

// Apply folds a single record into state in place.
func Apply(state *MissionState, record Record) {
	switch e := record.Event.(type) {
	case MissionCreated:
		state.ID = e.Spec.ID
		state.Status = StatusDraft
		state.Spec = e.Spec
		state.Items = make(map[string]*WorkItem, len(e.Spec.Items))
		state.Resources = make(map[string]int64)
		for _, item := range e.Spec.Items {
			copied := item
			copied.Status = ItemTodo
			state.Items[copied.ID] = &copied
		}

	case MissionStarted:
		if state.Status == StatusDraft {
			state.Status = StatusRunning
			state.StartedAtMs = record.AtMs
		}

	case MissionPaused:
		if state.Status == StatusRunning {
			state.Status = StatusPaused
			state.Reason = e.Reason
		}

	case MissionResumed:
		if state.Status == StatusPaused {
			state.Status = StatusRunning
			state.Reason = ""
		}

	case MissionCanceled:
		if !state.Status.Terminal() {
			state.Status = StatusCanceled
			state.Reason = e.Reason
		}

	case RunStarted:
		state.Steps++
		if item := state.Item(e.WorkItemID); item != nil {
			item.Status = ItemInProgress
			item.RunID = e.RunID
			item.Attempts++
			item.RetryAfterMs = 0
		}

	case RunFinished:
		if item := state.Item(e.WorkItemID); item != nil && item.RunID == e.RunID {
			item.RunID = ""
			switch e.Status {
			case RunStatusOK:
				item.Status = ItemDone
			case RunStatusNeedsReview:
				item.Status = ItemReview
			case RunStatusNeedsTest:
				item.Status = ItemTest
			case RunStatusFailed:
				if item.Attempts < state.Spec.Retry.Attempts() {
					item.Status = ItemRework
					if backoff := state.Spec.Retry.BackoffMs; backoff > 0 {
						item.RetryAfterMs = record.AtMs + backoff
					}
				} else {
					item.Status = ItemBlocked
				}
			default:
				// Unknown backend statuses park the item rather than guess.
				item.Status = ItemBlocked
			}
		}

	case ToolObserved:
		state.ToolCalls++

	case ApprovalRequested:
		if item := state.Item(e.WorkItemID); item != nil {
			item.PendingApproval = e.ApprovalID
			item.PendingKind = e.Kind
			item.PendingSummary = e.Summary
			if item.Status == ItemTodo || item.Status == ItemRework {
				item.Status = ItemBlocked
			}
		}

	case ApprovalGranted:
		if item := state.Item(e.WorkItemID); item != nil && item.PendingApproval == e.ApprovalID {
			item.PendingApproval = ""
			item.PendingKind = ""
			item.PendingSummary = ""
			switch item.Status {
			case ItemBlocked:
				item.Status = ItemTodo
				item.ApprovalCleared = true
			case ItemReview, ItemTest:
				item.Status = ItemDone
			}
		}

	case ApprovalDenied:
		if item := state.Item(e.WorkItemID); item != nil && item.PendingApproval == e.ApprovalID {
			item.PendingApproval = ""
			item.PendingKind = ""
			item.PendingSummary = ""
			item.Status = ItemFailed
		}

	case ArtifactPersisted:
		if item := state.Item(e.WorkItemID); item != nil {
			item.Artifacts = append(item.Artifacts, e.Ref)
		}

	case TimerFired:
		// Wake-up only; no state change beyond the revision bump.

	case ResourceChanged:
		if state.Resources == nil {
			state.Resources = make(map[string]int64)
		}
		state.Resources[e.Key] = e.Rev
	}

	state.Revision = record.Revision
	state.UpdatedAtMs = record.AtMs
	deriveOutcome(state)
}

// deriveOutcome promotes a running mission to a terminal status when the
// item set decides it. Succeeded and Failed are derived rather than stored
// so replay needs no extra terminal event.
func deriveOutcome(state *MissionState) {
	if state.Status != StatusRunning {
		return
	}
	if state.AllDone() {
		state.Status = StatusSucceeded
		return
	}

	allTerminal := len(state.Items) > 0
	var failed []string
	for id, item := range state.Items {
		if !item.Status.Terminal() {
			allTerminal = false
			break
		}
		if item.Status == ItemFailed {
			failed = append(failed, id)
		}
	}
	if allTerminal && len(failed) > 0 {
		sort.Strings(failed)
		state.Status = StatusFailed
		state.Reason = fmt.Sprintf("work item %s failed", failed[0])
	}
}
