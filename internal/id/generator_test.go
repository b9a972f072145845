package id

import (
	"context"
	"strings"
	"testing"
)

func TestPrefixedIdentifiers(t *testing.T) {
	cases := map[string]func() string{
		"mission-":  NewMissionID,
		"run-":      NewRunID,
		"approval-": NewApprovalID,
		"timer-":    NewTimerID,
	}
	for prefix, gen := range cases {
		id := gen()
		if !strings.HasPrefix(id, prefix) {
			t.Fatalf("id %q missing prefix %q", id, prefix)
		}
		if id == gen() {
			t.Fatalf("generator produced a duplicate for %q", prefix)
		}
	}
}

func TestUUIDv7Strategy(t *testing.T) {
	SetStrategy(StrategyUUIDv7)
	defer SetStrategy(StrategyKSUID)

	id := NewRunID()
	body := strings.TrimPrefix(id, "run-")
	if strings.Count(body, "-") != 4 {
		t.Fatalf("expected uuid body, got %q", body)
	}
}

func TestContextRoundTrip(t *testing.T) {
	ctx := WithRunID(WithMissionID(context.Background(), "mission-1"), "run-1")
	if MissionIDFromContext(ctx) != "mission-1" || RunIDFromContext(ctx) != "run-1" {
		t.Fatal("context carriage lost an id")
	}
	if MissionIDFromContext(context.Background()) != "" {
		t.Fatal("empty context should yield empty id")
	}
}
