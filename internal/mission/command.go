package mission

// Command is an intent produced by the scheduler for the current tick and
// consumed immediately by the matching collaborator. Commands are ephemeral:
// they are never persisted and never replayed.
type Command interface {
	CommandType() string
}

const (
	CmdStartRun        = "start_run"
	CmdRequestApproval = "request_approval"
	CmdPersistArtifact = "persist_artifact"
	CmdScheduleTimer   = "schedule_timer"
	CmdEmitNotice      = "emit_notice"
)

// StartRun asks the dispatcher to execute a work item on the backend.
type StartRun struct {
	WorkItemID string
	Agent      string
	Prompt     string
}

// RequestApproval asks the approval gate to park a work item for a decision.
type RequestApproval struct {
	WorkItemID string
	Kind       string
	Summary    string
}

// PersistArtifact records an artifact reference against a work item.
type PersistArtifact struct {
	WorkItemID string
	Ref        string
}

// ScheduleTimer asks the timer service to fire at an absolute time.
type ScheduleTimer struct {
	TimerID string
	DueAtMs int64
}

// Notice kinds emitted by the scheduler.
const (
	NoticeMissionComplete = "mission_complete"
)

// EmitNotice surfaces a scheduling observation to the loop without any
// collaborator side effect.
type EmitNotice struct {
	Kind    string
	Message string
}

func (StartRun) CommandType() string        { return CmdStartRun }
func (RequestApproval) CommandType() string { return CmdRequestApproval }
func (PersistArtifact) CommandType() string { return CmdPersistArtifact }
func (ScheduleTimer) CommandType() string   { return CmdScheduleTimer }
func (EmitNotice) CommandType() string      { return CmdEmitNotice }
