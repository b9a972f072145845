package mission

import (
	"encoding/json"
	"fmt"
)

// Event is a fact that happened to a mission. Events are append-only and
// immutable once written; the current state is always a fold over them.
//
// Events and commands are deliberately disjoint types: commands are tick-local
// intents and must never be persisted or replayed.
type Event interface {
	EventType() string
}

// Record wraps an event with its log position and timestamp as stored.
type Record struct {
	Revision int64 `json:"rev"`
	AtMs     int64 `json:"at_ms"`
	Event    Event `json:"-"`
}

const (
	TypeMissionCreated    = "mission_created"
	TypeMissionStarted    = "mission_started"
	TypeMissionPaused     = "mission_paused"
	TypeMissionResumed    = "mission_resumed"
	TypeMissionCanceled   = "mission_canceled"
	TypeRunStarted        = "run_started"
	TypeRunFinished       = "run_finished"
	TypeToolObserved      = "tool_observed"
	TypeApprovalRequested = "approval_requested"
	TypeApprovalGranted   = "approval_granted"
	TypeApprovalDenied    = "approval_denied"
	TypeArtifactPersisted = "artifact_persisted"
	TypeTimerFired        = "timer_fired"
	TypeResourceChanged   = "resource_changed"
)

// Backend run terminal statuses carried by RunFinished.
const (
	RunStatusOK          = "ok"
	RunStatusNeedsReview = "needs_review"
	RunStatusNeedsTest   = "needs_test"
	RunStatusFailed      = "failed"
)

// MissionCreated seeds the log with the immutable spec so replay from
// revision 0 needs no out-of-band storage.
type MissionCreated struct {
	Spec MissionSpec `json:"spec"`
}

// MissionStarted moves a draft mission to running.
type MissionStarted struct{}

// MissionPaused suspends scheduling; approvals and timers are still accepted.
type MissionPaused struct {
	Reason string `json:"reason,omitempty"`
}

// MissionResumed returns a paused mission to running.
type MissionResumed struct{}

// MissionCanceled terminally stops a mission with a human-readable reason.
type MissionCanceled struct {
	Reason string `json:"reason,omitempty"`
}

// RunStarted records a work item being handed to the execution backend.
type RunStarted struct {
	WorkItemID string `json:"work_item_id"`
	RunID      string `json:"run_id"`
	Agent      string `json:"agent,omitempty"`
}

// RunFinished records the backend's terminal status for a run.
type RunFinished struct {
	WorkItemID string `json:"work_item_id"`
	RunID      string `json:"run_id"`
	Status     string `json:"status"`
}

// ToolObserved records one streamed tool observation from a run.
type ToolObserved struct {
	RunID string `json:"run_id"`
	Tool  string `json:"tool"`
	Phase string `json:"phase"`
}

// ApprovalRequested parks a work item pending an explicit decision.
type ApprovalRequested struct {
	WorkItemID string `json:"work_item_id"`
	ApprovalID string `json:"approval_id"`
	Kind       string `json:"kind"`
	Summary    string `json:"summary,omitempty"`
}

// ApprovalGranted resolves a pending approval positively.
type ApprovalGranted struct {
	WorkItemID string `json:"work_item_id"`
	ApprovalID string `json:"approval_id"`
}

// ApprovalDenied resolves a pending approval negatively.
type ApprovalDenied struct {
	WorkItemID string `json:"work_item_id"`
	ApprovalID string `json:"approval_id"`
	Reason     string `json:"reason,omitempty"`
}

// ArtifactPersisted appends an artifact reference to a work item.
type ArtifactPersisted struct {
	WorkItemID string `json:"work_item_id"`
	Ref        string `json:"ref"`
}

// TimerFired records a scheduled timer elapsing.
type TimerFired struct {
	TimerID string `json:"timer_id"`
}

// ResourceChanged is advisory bookkeeping for an external resource revision.
type ResourceChanged struct {
	Key string `json:"key"`
	Rev int64  `json:"rev"`
}

func (MissionCreated) EventType() string    { return TypeMissionCreated }
func (MissionStarted) EventType() string    { return TypeMissionStarted }
func (MissionPaused) EventType() string     { return TypeMissionPaused }
func (MissionResumed) EventType() string    { return TypeMissionResumed }
func (MissionCanceled) EventType() string   { return TypeMissionCanceled }
func (RunStarted) EventType() string        { return TypeRunStarted }
func (RunFinished) EventType() string       { return TypeRunFinished }
func (ToolObserved) EventType() string      { return TypeToolObserved }
func (ApprovalRequested) EventType() string { return TypeApprovalRequested }
func (ApprovalGranted) EventType() string   { return TypeApprovalGranted }
func (ApprovalDenied) EventType() string    { return TypeApprovalDenied }
func (ArtifactPersisted) EventType() string { return TypeArtifactPersisted }
func (TimerFired) EventType() string        { return TypeTimerFired }
func (ResourceChanged) EventType() string   { return TypeResourceChanged }

type recordEnvelope struct {
	Revision int64           `json:"rev"`
	AtMs     int64           `json:"at_ms"`
	Type     string          `json:"type"`
	Data     json.RawMessage `json:"data"`
}

// MarshalJSON encodes the record as a tagged envelope.
func (r Record) MarshalJSON() ([]byte, error) {
	if r.Event == nil {
		return nil, fmt.Errorf("record at revision %d has no event", r.Revision)
	}
	data, err := json.Marshal(r.Event)
	if err != nil {
		return nil, fmt.Errorf("encode %s event: %w", r.Event.EventType(), err)
	}
	return json.Marshal(recordEnvelope{
		Revision: r.Revision,
		AtMs:     r.AtMs,
		Type:     r.Event.EventType(),
		Data:     data,
	})
}

// UnmarshalJSON decodes a tagged envelope back into a typed event.
func (r *Record) UnmarshalJSON(data []byte) error {
	var env recordEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	event, err := decodeEvent(env.Type, env.Data)
	if err != nil {
		return err
	}
	r.Revision = env.Revision
	r.AtMs = env.AtMs
	r.Event = event
	return nil
}

func decodeEvent(eventType string, data json.RawMessage) (Event, error) {
	var target Event
	switch eventType {
	case TypeMissionCreated:
		target = &MissionCreated{}
	case TypeMissionStarted:
		target = &MissionStarted{}
	case TypeMissionPaused:
		target = &MissionPaused{}
	case TypeMissionResumed:
		target = &MissionResumed{}
	case TypeMissionCanceled:
		target = &MissionCanceled{}
	case TypeRunStarted:
		target = &RunStarted{}
	case TypeRunFinished:
		target = &RunFinished{}
	case TypeToolObserved:
		target = &ToolObserved{}
	case TypeApprovalRequested:
		target = &ApprovalRequested{}
	case TypeApprovalGranted:
		target = &ApprovalGranted{}
	case TypeApprovalDenied:
		target = &ApprovalDenied{}
	case TypeArtifactPersisted:
		target = &ArtifactPersisted{}
	case TypeTimerFired:
		target = &TimerFired{}
	case TypeResourceChanged:
		target = &ResourceChanged{}
	default:
		return nil, fmt.Errorf("unknown event type %q", eventType)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, target); err != nil {
			return nil, fmt.Errorf("decode %s event: %w", eventType, err)
		}
	}
	return deref(target), nil
}

// deref returns the value form so folding can type-switch on values.
func deref(event Event) Event {
	switch e := event.(type) {
	case *MissionCreated:
		return *e
	case *MissionStarted:
		return *e
	case *MissionPaused:
		return *e
	case *MissionResumed:
		return *e
	case *MissionCanceled:
		return *e
	case *RunStarted:
		return *e
	case *RunFinished:
		return *e
	case *ToolObserved:
		return *e
	case *ApprovalRequested:
		return *e
	case *ApprovalGranted:
		return *e
	case *ApprovalDenied:
		return *e
	case *ArtifactPersisted:
		return *e
	case *TimerFired:
		return *e
	case *ResourceChanged:
		return *e
	default:
		return event
	}
}
