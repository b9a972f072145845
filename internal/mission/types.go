// Package mission defines the orchestration domain model: mission specs,
// work items, the event/command split, and the pure projector that folds an
// event log into the current mission state.
package mission

import "fmt"

// MissionStatus is the lifecycle state of a mission.
type MissionStatus string

const (
	StatusDraft     MissionStatus = "draft"
	StatusRunning   MissionStatus = "running"
	StatusPaused    MissionStatus = "paused"
	StatusSucceeded MissionStatus = "succeeded"
	StatusFailed    MissionStatus = "failed"
	StatusCanceled  MissionStatus = "canceled"
)

// Terminal reports whether the status permits no further transitions.
func (s MissionStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCanceled
}

// WorkItemStatus is the lifecycle state of a single work item.
type WorkItemStatus string

const (
	ItemTodo       WorkItemStatus = "todo"
	ItemInProgress WorkItemStatus = "in_progress"
	ItemBlocked    WorkItemStatus = "blocked"
	ItemReview     WorkItemStatus = "review"
	ItemTest       WorkItemStatus = "test"
	ItemRework     WorkItemStatus = "rework"
	ItemDone       WorkItemStatus = "done"
	// ItemFailed marks an item abandoned after an explicit denial. Terminal.
	ItemFailed WorkItemStatus = "failed"
)

// Terminal reports whether the item status permits no further transitions.
func (s WorkItemStatus) Terminal() bool {
	return s == ItemDone || s == ItemFailed
}

// Budget bounds a mission's resource consumption. Zero means unbounded.
type Budget struct {
	MaxSteps      int   `json:"max_steps,omitempty" yaml:"max_steps"`
	MaxToolCalls  int   `json:"max_tool_calls,omitempty" yaml:"max_tool_calls"`
	MaxDurationMs int64 `json:"max_duration_ms,omitempty" yaml:"max_duration_ms"`
}

// Capabilities restricts what a mission's runs may use. An empty set means
// the dimension is unrestricted.
type Capabilities struct {
	AllowedTools       []string `json:"allowed_tools,omitempty" yaml:"allowed_tools"`
	AllowedAgents      []string `json:"allowed_agents,omitempty" yaml:"allowed_agents"`
	AllowedMemoryTiers []string `json:"allowed_memory_tiers,omitempty" yaml:"allowed_memory_tiers"`
}

// AgentAllowed reports whether agent passes the capability check.
func (c Capabilities) AgentAllowed(agent string) bool {
	return allowed(c.AllowedAgents, agent)
}

// ToolsAllowed reports whether every named tool passes the capability check.
func (c Capabilities) ToolsAllowed(tools []string) bool {
	for _, tool := range tools {
		if !allowed(c.AllowedTools, tool) {
			return false
		}
	}
	return true
}

func allowed(set []string, value string) bool {
	if len(set) == 0 || value == "" {
		return true
	}
	for _, v := range set {
		if v == value {
			return true
		}
	}
	return false
}

// RetryPolicy bounds how often a failed work item is re-dispatched before it
// is parked as blocked. BackoffMs delays each re-dispatch; zero retries
// immediately.
type RetryPolicy struct {
	MaxAttempts int   `json:"max_attempts,omitempty" yaml:"max_attempts"`
	BackoffMs   int64 `json:"backoff_ms,omitempty" yaml:"backoff_ms"`
}

// Attempts returns the effective attempt bound.
func (p RetryPolicy) Attempts() int {
	if p.MaxAttempts <= 0 {
		return 3
	}
	return p.MaxAttempts
}

// MissionSpec is the immutable definition of a mission, created once from
// user input and never mutated afterwards.
type MissionSpec struct {
	ID              string            `json:"id" yaml:"id"`
	Title           string            `json:"title" yaml:"title"`
	Goal            string            `json:"goal" yaml:"goal"`
	SuccessCriteria []string          `json:"success_criteria,omitempty" yaml:"success_criteria"`
	Entrypoint      string            `json:"entrypoint,omitempty" yaml:"entrypoint"`
	DefaultAgent    string            `json:"default_agent,omitempty" yaml:"default_agent"`
	Budget          Budget            `json:"budget" yaml:"budget"`
	Capabilities    Capabilities      `json:"capabilities" yaml:"capabilities"`
	Retry           RetryPolicy       `json:"retry" yaml:"retry"`
	Items           []WorkItem        `json:"items" yaml:"items"`
	Metadata        map[string]string `json:"metadata,omitempty" yaml:"metadata"`
}

// WorkItem is one unit of work inside a mission's dependency graph.
//
// Items are mutated only by the projector applying events; the scheduler
// reads snapshots and never writes.
type WorkItem struct {
	ID               string            `json:"id" yaml:"id"`
	Title            string            `json:"title" yaml:"title"`
	Detail           string            `json:"detail,omitempty" yaml:"detail"`
	Status           WorkItemStatus    `json:"status" yaml:"status"`
	DependsOn        []string          `json:"depends_on,omitempty" yaml:"depends_on"`
	AssignedAgent    string            `json:"assigned_agent,omitempty" yaml:"assigned_agent"`
	RequiredTools    []string          `json:"required_tools,omitempty" yaml:"required_tools"`
	RequiresApproval bool              `json:"requires_approval,omitempty" yaml:"requires_approval"`
	Produces         []string          `json:"produces,omitempty" yaml:"produces"`
	RunID            string            `json:"run_id,omitempty" yaml:"-"`
	Attempts         int               `json:"attempts,omitempty" yaml:"-"`
	RetryAfterMs     int64             `json:"retry_after_ms,omitempty" yaml:"-"`
	PendingApproval  string            `json:"pending_approval,omitempty" yaml:"-"`
	PendingKind      string            `json:"pending_kind,omitempty" yaml:"-"`
	PendingSummary   string            `json:"pending_summary,omitempty" yaml:"-"`
	ApprovalCleared  bool              `json:"approval_cleared,omitempty" yaml:"-"`
	Artifacts        []string          `json:"artifacts,omitempty" yaml:"-"`
	Metadata         map[string]string `json:"metadata,omitempty" yaml:"metadata"`
}

// Agent resolves the agent that should run this item.
func (w WorkItem) Agent(defaultAgent string) string {
	if w.AssignedAgent != "" {
		return w.AssignedAgent
	}
	return defaultAgent
}

// HasArtifact reports whether ref is already recorded against the item.
func (w WorkItem) HasArtifact(ref string) bool {
	for _, have := range w.Artifacts {
		if have == ref {
			return true
		}
	}
	return false
}

// ArtifactsRecorded reports whether every declared deliverable has landed in
// the log.
func (w WorkItem) ArtifactsRecorded() bool {
	for _, ref := range w.Produces {
		if !w.HasArtifact(ref) {
			return false
		}
	}
	return true
}

// Prompt derives the backend prompt from the item's title and detail.
func (w WorkItem) Prompt() string {
	if w.Detail == "" {
		return w.Title
	}
	return fmt.Sprintf("%s\n\n%s", w.Title, w.Detail)
}

// MissionState is the projection of a mission's event log. It is owned by
// the orchestrator loop; every other component receives a copy per tick.
type MissionState struct {
	ID          string               `json:"id"`
	Status      MissionStatus        `json:"status"`
	Spec        MissionSpec          `json:"spec"`
	Items       map[string]*WorkItem `json:"items"`
	Revision    int64                `json:"revision"`
	Reason      string               `json:"reason,omitempty"`
	Steps       int                  `json:"steps"`
	ToolCalls   int                  `json:"tool_calls"`
	Resources   map[string]int64     `json:"resources,omitempty"`
	StartedAtMs int64                `json:"started_at_ms,omitempty"`
	UpdatedAtMs int64                `json:"updated_at_ms,omitempty"`
}

// Item returns the named work item, or nil.
func (s *MissionState) Item(id string) *WorkItem {
	if s.Items == nil {
		return nil
	}
	return s.Items[id]
}

// InProgressCount returns the number of items currently running.
func (s *MissionState) InProgressCount() int {
	n := 0
	for _, item := range s.Items {
		if item.Status == ItemInProgress {
			n++
		}
	}
	return n
}

// AllDone reports whether every work item has completed successfully and
// every declared deliverable has been recorded. A done item with an
// outstanding artifact holds the mission open until the scheduler persists
// the reference.
func (s *MissionState) AllDone() bool {
	if len(s.Items) == 0 {
		return false
	}
	for _, item := range s.Items {
		if item.Status != ItemDone || !item.ArtifactsRecorded() {
			return false
		}
	}
	return true
}

// Clone returns a deep copy safe to hand to collaborators.
func (s *MissionState) Clone() *MissionState {
	if s == nil {
		return nil
	}
	out := *s
	out.Items = make(map[string]*WorkItem, len(s.Items))
	for id, item := range s.Items {
		copied := *item
		copied.DependsOn = append([]string(nil), item.DependsOn...)
		copied.RequiredTools = append([]string(nil), item.RequiredTools...)
		copied.Produces = append([]string(nil), item.Produces...)
		copied.Artifacts = append([]string(nil), item.Artifacts...)
		out.Items[id] = &copied
	}
	if s.Resources != nil {
		out.Resources = make(map[string]int64, len(s.Resources))
		for k, v := range s.Resources {
			out.Resources[k] = v
		}
	}
	return &out
}
