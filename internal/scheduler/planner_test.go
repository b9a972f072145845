package scheduler

import (
	"reflect"
	"testing"

	"helmsman/internal/mission"
)

func projected(spec mission.MissionSpec, events ...mission.Event) *mission.MissionState {
	records := make([]mission.Record, 0, len(events)+1)
	records = append(records, mission.Record{Revision: 1, AtMs: 1000, Event: mission.MissionCreated{Spec: spec}})
	for i, e := range events {
		records = append(records, mission.Record{Revision: int64(i + 2), AtMs: int64(1001 + i), Event: e})
	}
	return mission.Fold(records)
}

func abSpec() mission.MissionSpec {
	return mission.MissionSpec{
		ID: "m",
		Items: []mission.WorkItem{
			{ID: "a", Title: "first"},
			{ID: "b", Title: "second", DependsOn: []string{"a"}},
		},
	}
}

func startRuns(commands []mission.Command) []string {
	var ids []string
	for _, cmd := range commands {
		if run, ok := cmd.(mission.StartRun); ok {
			ids = append(ids, run.WorkItemID)
		}
	}
	return ids
}

func TestPlanSchedulesOnlyReadyItems(t *testing.T) {
	state := projected(abSpec(), mission.MissionStarted{})
	commands := New(4).Plan(state, state.UpdatedAtMs)

	if got := startRuns(commands); !reflect.DeepEqual(got, []string{"a"}) {
		t.Fatalf("tick 1 schedules %v, want [a]", got)
	}
}

func TestPlanDependencyUnlocks(t *testing.T) {
	state := projected(abSpec(),
		mission.MissionStarted{},
		mission.RunStarted{WorkItemID: "a", RunID: "run-1"},
		mission.RunFinished{WorkItemID: "a", RunID: "run-1", Status: mission.RunStatusOK},
	)
	if got := startRuns(New(4).Plan(state, state.UpdatedAtMs)); !reflect.DeepEqual(got, []string{"b"}) {
		t.Fatalf("tick 2 schedules %v, want [b]", got)
	}
}

func TestPlanNeverStartsItemWithUnfinishedDeps(t *testing.T) {
	state := projected(abSpec(),
		mission.MissionStarted{},
		mission.RunStarted{WorkItemID: "a", RunID: "run-1"},
	)
	if got := startRuns(New(4).Plan(state, state.UpdatedAtMs)); len(got) != 0 {
		t.Fatalf("b must not start while a runs, got %v", got)
	}
}

func TestPlanRespectsConcurrencyLimit(t *testing.T) {
	spec := mission.MissionSpec{
		ID: "m",
		Items: []mission.WorkItem{
			{ID: "a"}, {ID: "b"}, {ID: "c"}, {ID: "d"},
		},
	}
	state := projected(spec,
		mission.MissionStarted{},
		mission.RunStarted{WorkItemID: "a", RunID: "run-1"},
	)
	got := startRuns(New(2).Plan(state, state.UpdatedAtMs))
	if !reflect.DeepEqual(got, []string{"b"}) {
		t.Fatalf("one slot left, schedules %v, want [b]", got)
	}
}

func TestPlanStableOrder(t *testing.T) {
	spec := mission.MissionSpec{
		ID:    "m",
		Items: []mission.WorkItem{{ID: "c"}, {ID: "a"}, {ID: "b"}},
	}
	state := projected(spec, mission.MissionStarted{})
	first := startRuns(New(10).Plan(state, state.UpdatedAtMs))
	for i := 0; i < 16; i++ {
		if got := startRuns(New(10).Plan(state, state.UpdatedAtMs)); !reflect.DeepEqual(got, first) {
			t.Fatalf("plan not stable: %v vs %v", got, first)
		}
	}
	if !reflect.DeepEqual(first, []string{"a", "b", "c"}) {
		t.Fatalf("candidates not in ascending id order: %v", first)
	}
}

func TestPlanCapabilityGateLeavesItemTodo(t *testing.T) {
	spec := mission.MissionSpec{
		ID:           "m",
		DefaultAgent: "forbidden",
		Capabilities: mission.Capabilities{AllowedAgents: []string{"coder"}},
		Items:        []mission.WorkItem{{ID: "a"}},
	}
	state := projected(spec, mission.MissionStarted{})
	if got := startRuns(New(4).Plan(state, state.UpdatedAtMs)); len(got) != 0 {
		t.Fatalf("capability-failing item must not schedule, got %v", got)
	}
	if state.Item("a").Status != mission.ItemTodo {
		t.Fatal("item must stay todo, never silently failed")
	}
}

func TestPlanReworkIsSchedulable(t *testing.T) {
	state := projected(abSpec(),
		mission.MissionStarted{},
		mission.RunStarted{WorkItemID: "a", RunID: "run-1"},
		mission.RunFinished{WorkItemID: "a", RunID: "run-1", Status: mission.RunStatusFailed},
	)
	if state.Item("a").Status != mission.ItemRework {
		t.Fatalf("precondition: item a should be rework, is %s", state.Item("a").Status)
	}
	if got := startRuns(New(4).Plan(state, state.UpdatedAtMs)); !reflect.DeepEqual(got, []string{"a"}) {
		t.Fatalf("rework item must be re-schedulable, got %v", got)
	}
}

func TestPlanRequestsApprovalForGatedItem(t *testing.T) {
	spec := mission.MissionSpec{
		ID:    "m",
		Items: []mission.WorkItem{{ID: "a", Title: "secret", RequiresApproval: true}},
	}
	state := projected(spec, mission.MissionStarted{})
	commands := New(4).Plan(state, state.UpdatedAtMs)
	if len(commands) != 1 {
		t.Fatalf("want a single approval request, got %v", commands)
	}
	req, ok := commands[0].(mission.RequestApproval)
	if !ok || req.Kind != KindGate || req.WorkItemID != "a" {
		t.Fatalf("unexpected command %+v", commands[0])
	}
}

func TestPlanReviewItemsAskForReviewApproval(t *testing.T) {
	state := projected(abSpec(),
		mission.MissionStarted{},
		mission.RunStarted{WorkItemID: "a", RunID: "run-1"},
		mission.RunFinished{WorkItemID: "a", RunID: "run-1", Status: mission.RunStatusNeedsReview},
	)
	commands := New(4).Plan(state, state.UpdatedAtMs)
	if len(commands) != 1 {
		t.Fatalf("want one command, got %v", commands)
	}
	req, ok := commands[0].(mission.RequestApproval)
	if !ok || req.Kind != KindReview {
		t.Fatalf("unexpected command %+v", commands[0])
	}
}

func TestPlanSkipsItemsAwaitingApproval(t *testing.T) {
	state := projected(abSpec(),
		mission.MissionStarted{},
		mission.ApprovalRequested{WorkItemID: "a", ApprovalID: "approval-1", Kind: KindGate},
	)
	if commands := New(4).Plan(state, state.UpdatedAtMs); len(commands) != 0 {
		t.Fatalf("blocked item awaiting approval must produce no commands, got %v", commands)
	}
}

func TestPlanSchedulesRetryTimerDuringBackoff(t *testing.T) {
	spec := abSpec()
	spec.Retry = mission.RetryPolicy{MaxAttempts: 3, BackoffMs: 5000}
	state := projected(spec,
		mission.MissionStarted{},
		mission.RunStarted{WorkItemID: "a", RunID: "run-1"},
		mission.RunFinished{WorkItemID: "a", RunID: "run-1", Status: mission.RunStatusFailed},
	)
	retryAt := state.Item("a").RetryAfterMs
	if retryAt == 0 {
		t.Fatal("failed item should carry a retry deadline")
	}

	// Inside the backoff window the planner arms a wake-up, never a run.
	commands := New(4).Plan(state, retryAt-1000)
	if len(commands) != 1 {
		t.Fatalf("commands = %v, want a single timer", commands)
	}
	timer, ok := commands[0].(mission.ScheduleTimer)
	if !ok || timer.DueAtMs != retryAt || timer.TimerID != "retry-a" {
		t.Fatalf("unexpected command %+v", commands[0])
	}

	if got := startRuns(New(4).Plan(state, retryAt)); !reflect.DeepEqual(got, []string{"a"}) {
		t.Fatalf("past the deadline the item must schedule, got %v", got)
	}
}

func TestPlanRecordsDeclaredArtifacts(t *testing.T) {
	spec := mission.MissionSpec{
		ID: "m",
		Items: []mission.WorkItem{
			{ID: "a", Title: "build", Produces: []string{"dist/app.tar.gz"}},
			{ID: "b", Title: "follow", DependsOn: []string{"a"}},
		},
	}
	state := projected(spec,
		mission.MissionStarted{},
		mission.RunStarted{WorkItemID: "a", RunID: "run-1"},
		mission.RunFinished{WorkItemID: "a", RunID: "run-1", Status: mission.RunStatusOK},
	)

	commands := New(4).Plan(state, state.UpdatedAtMs)
	var refs []string
	for _, cmd := range commands {
		if artifact, ok := cmd.(mission.PersistArtifact); ok {
			refs = append(refs, artifact.Ref)
			if artifact.WorkItemID != "a" {
				t.Fatalf("artifact bound to %s, want a", artifact.WorkItemID)
			}
		}
	}
	if !reflect.DeepEqual(refs, []string{"dist/app.tar.gz"}) {
		t.Fatalf("declared deliverables = %v, want the missing ref", refs)
	}

	// Once recorded, the plan stops emitting it.
	recorded := projected(spec,
		mission.MissionStarted{},
		mission.RunStarted{WorkItemID: "a", RunID: "run-1"},
		mission.RunFinished{WorkItemID: "a", RunID: "run-1", Status: mission.RunStatusOK},
		mission.ArtifactPersisted{WorkItemID: "a", Ref: "dist/app.tar.gz"},
	)
	for _, cmd := range New(4).Plan(recorded, recorded.UpdatedAtMs) {
		if _, ok := cmd.(mission.PersistArtifact); ok {
			t.Fatalf("recorded deliverable re-emitted: %+v", cmd)
		}
	}
}

func TestPlanEmitsCompletionNotice(t *testing.T) {
	state := projected(abSpec(),
		mission.MissionStarted{},
		mission.RunStarted{WorkItemID: "a", RunID: "run-1"},
		mission.RunFinished{WorkItemID: "a", RunID: "run-1", Status: mission.RunStatusOK},
		mission.RunStarted{WorkItemID: "b", RunID: "run-2"},
		mission.RunFinished{WorkItemID: "b", RunID: "run-2", Status: mission.RunStatusOK},
	)
	// Projection already derives succeeded; a still-running state with all
	// items done is only reachable transiently, so force it for the planner.
	state.Status = mission.StatusRunning
	commands := New(4).Plan(state, state.UpdatedAtMs)
	if len(commands) != 1 {
		t.Fatalf("want completion notice, got %v", commands)
	}
	notice, ok := commands[0].(mission.EmitNotice)
	if !ok || notice.Kind != mission.NoticeMissionComplete {
		t.Fatalf("unexpected command %+v", commands[0])
	}
}

func TestPlanDoesNothingUnlessRunning(t *testing.T) {
	state := projected(abSpec())
	if commands := New(4).Plan(state, state.UpdatedAtMs); commands != nil {
		t.Fatalf("draft mission must not plan, got %v", commands)
	}
	paused := projected(abSpec(), mission.MissionStarted{}, mission.MissionPaused{Reason: "hold"})
	if commands := New(4).Plan(paused, paused.UpdatedAtMs); commands != nil {
		t.Fatalf("paused mission must not plan, got %v", commands)
	}
}
