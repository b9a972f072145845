package budget

import (
	"testing"

	"helmsman/internal/mission"
)

func testRecords() []mission.Record {
	events := []mission.Event{
		mission.MissionCreated{Spec: mission.MissionSpec{ID: "m", Items: []mission.WorkItem{{ID: "a"}}}},
		mission.MissionStarted{},
		mission.RunStarted{WorkItemID: "a", RunID: "run-1"},
		mission.ToolObserved{RunID: "run-1", Tool: "bash", Phase: "start"},
		mission.ToolObserved{RunID: "run-1", Tool: "bash", Phase: "end"},
		mission.ToolObserved{RunID: "run-1", Tool: "edit", Phase: "start"},
	}
	records := make([]mission.Record, len(events))
	for i, e := range events {
		records[i] = mission.Record{Revision: int64(i + 1), AtMs: int64(1000 + i*100), Event: e}
	}
	return records
}

func TestConsumedCounts(t *testing.T) {
	usage := Consumed(testRecords(), 2000)
	if usage.Steps != 1 {
		t.Errorf("steps = %d, want 1", usage.Steps)
	}
	if usage.ToolCalls != 3 {
		t.Errorf("tool calls = %d, want 3", usage.ToolCalls)
	}
	// MissionStarted is at 1100; elapsed is measured from there.
	if usage.ElapsedMs != 900 {
		t.Errorf("elapsed = %d, want 900", usage.ElapsedMs)
	}
}

func TestCheckUnboundedByDefault(t *testing.T) {
	if exhausted := Check(mission.Budget{}, Usage{Steps: 1 << 20, ToolCalls: 1 << 20, ElapsedMs: 1 << 40}); exhausted != nil {
		t.Fatalf("zero budget means unbounded, got %v", exhausted)
	}
}

func TestCheckExhaustion(t *testing.T) {
	cases := []struct {
		name   string
		budget mission.Budget
		usage  Usage
		want   Dimension
	}{
		{"steps", mission.Budget{MaxSteps: 2}, Usage{Steps: 2}, DimensionSteps},
		{"tool calls", mission.Budget{MaxToolCalls: 3}, Usage{ToolCalls: 3}, DimensionToolCalls},
		{"duration", mission.Budget{MaxDurationMs: 500}, Usage{ElapsedMs: 600}, DimensionDuration},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			exhausted := Check(tc.budget, tc.usage)
			if exhausted == nil {
				t.Fatal("expected exhaustion")
			}
			if exhausted.Dimension != tc.want {
				t.Errorf("dimension = %s, want %s", exhausted.Dimension, tc.want)
			}
			if exhausted.Reason() == "" {
				t.Error("exhaustion must carry a reason")
			}
		})
	}
}

func TestCheckUnderLimit(t *testing.T) {
	budget := mission.Budget{MaxSteps: 5, MaxToolCalls: 10, MaxDurationMs: 60000}
	if exhausted := Check(budget, Usage{Steps: 4, ToolCalls: 9, ElapsedMs: 59999}); exhausted != nil {
		t.Fatalf("under limit, got %v", exhausted)
	}
}

func TestFromStateMatchesConsumed(t *testing.T) {
	records := testRecords()
	state := mission.Fold(records)
	fromLog := Consumed(records, 2000)
	fromState := FromState(state, 2000)
	if fromLog != fromState {
		t.Fatalf("FromState %+v != Consumed %+v", fromState, fromLog)
	}
}
