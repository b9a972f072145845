// Package dispatch sends work items to the execution backend and translates
// its streamed observations into mission events, shielded by a circuit
// breaker shared across missions on the same backend connection.
package dispatch

import "context"

// RunRequest is the dispatch payload for one work item execution.
type RunRequest struct {
	MissionID  string `json:"mission_id"`
	WorkItemID string `json:"work_item_id"`
	RunID      string `json:"run_id"`
	Agent      string `json:"agent,omitempty"`
	Prompt     string `json:"prompt"`
}

// Observation is one streamed tool-call notification from a run.
type Observation struct {
	Tool  string `json:"tool"`
	Phase string `json:"phase"`
}

// Result is the backend's terminal notification for a run.
type Result struct {
	Status string `json:"status"` // ok | needs_review | needs_test | failed
}

// RunHandle carries a live run's event streams. The backend closes both
// channels after sending exactly one Result.
type RunHandle struct {
	RunID        string
	Observations <-chan Observation
	Done         <-chan Result
}

// Backend is the external execution engine. It is invoked and observed,
// never reimplemented here.
type Backend interface {
	Dispatch(ctx context.Context, req RunRequest) (*RunHandle, error)
}
