package mission

import (
	"strings"
	"testing"
)

func TestValidateSpecAcceptsDAG(t *testing.T) {
	spec := MissionSpec{
		ID: "m",
		Items: []WorkItem{
			{ID: "a"},
			{ID: "b", DependsOn: []string{"a"}},
			{ID: "c", DependsOn: []string{"a", "b"}},
		},
	}
	if err := ValidateSpec(spec); err != nil {
		t.Fatalf("ValidateSpec: %v", err)
	}
}

func TestValidateSpecRejectsCycle(t *testing.T) {
	spec := MissionSpec{
		ID: "m",
		Items: []WorkItem{
			{ID: "a", DependsOn: []string{"c"}},
			{ID: "b", DependsOn: []string{"a"}},
			{ID: "c", DependsOn: []string{"b"}},
		},
	}
	err := ValidateSpec(spec)
	if err == nil {
		t.Fatal("cyclic graph must fail construction")
	}
	if !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("error should name the cycle: %v", err)
	}
}

func TestValidateSpecRejectsUnknownDependency(t *testing.T) {
	spec := MissionSpec{
		ID:    "m",
		Items: []WorkItem{{ID: "a", DependsOn: []string{"ghost"}}},
	}
	if err := ValidateSpec(spec); err == nil {
		t.Fatal("unknown dependency must fail construction")
	}
}

func TestValidateSpecRejectsSelfDependency(t *testing.T) {
	spec := MissionSpec{
		ID:    "m",
		Items: []WorkItem{{ID: "a", DependsOn: []string{"a"}}},
	}
	if err := ValidateSpec(spec); err == nil {
		t.Fatal("self dependency must fail construction")
	}
}

func TestValidateSpecRejectsDuplicateIDs(t *testing.T) {
	spec := MissionSpec{
		ID:    "m",
		Items: []WorkItem{{ID: "a"}, {ID: "a"}},
	}
	if err := ValidateSpec(spec); err == nil {
		t.Fatal("duplicate item ids must fail construction")
	}
}

func TestValidateSpecCapabilityGate(t *testing.T) {
	spec := MissionSpec{
		ID:           "m",
		Capabilities: Capabilities{AllowedAgents: []string{"coder"}},
		Items:        []WorkItem{{ID: "a", AssignedAgent: "intruder"}},
	}
	if err := ValidateSpec(spec); err == nil {
		t.Fatal("unknown agent must fail construction")
	}

	spec.Items[0].AssignedAgent = "coder"
	spec.Items[0].RequiredTools = []string{"rm-rf"}
	spec.Capabilities.AllowedTools = []string{"editor"}
	if err := ValidateSpec(spec); err == nil {
		t.Fatal("unknown tool must fail construction")
	}
}
