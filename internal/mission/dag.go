package mission

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrInvalidSpec tags every spec construction failure so callers can map the
// whole family without matching message text.
var ErrInvalidSpec = errors.New("invalid mission spec")

// ValidateSpec rejects malformed mission definitions at construction time.
// Cyclic or dangling dependency graphs and capability violations are fatal
// here, never silently repaired or deferred to scheduling.
func ValidateSpec(spec MissionSpec) error {
	if err := validateSpec(spec); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSpec, err)
	}
	return nil
}

func validateSpec(spec MissionSpec) error {
	if strings.TrimSpace(spec.ID) == "" {
		return fmt.Errorf("mission id is required")
	}
	if len(spec.Items) == 0 {
		return fmt.Errorf("mission %s has no work items", spec.ID)
	}

	items := make(map[string]WorkItem, len(spec.Items))
	for _, item := range spec.Items {
		if strings.TrimSpace(item.ID) == "" {
			return fmt.Errorf("mission %s contains a work item without an id", spec.ID)
		}
		if _, dup := items[item.ID]; dup {
			return fmt.Errorf("duplicate work item id %q", item.ID)
		}
		items[item.ID] = item
	}

	for _, item := range spec.Items {
		for _, dep := range item.DependsOn {
			if _, ok := items[dep]; !ok {
				return fmt.Errorf("work item %q depends on unknown item %q", item.ID, dep)
			}
			if dep == item.ID {
				return fmt.Errorf("work item %q depends on itself", item.ID)
			}
		}
		agent := item.Agent(spec.DefaultAgent)
		if agent != "" && !spec.Capabilities.AgentAllowed(agent) {
			return fmt.Errorf("work item %q names agent %q outside mission capabilities", item.ID, agent)
		}
		if !spec.Capabilities.ToolsAllowed(item.RequiredTools) {
			return fmt.Errorf("work item %q requires tools outside mission capabilities", item.ID)
		}
	}

	if spec.Entrypoint != "" {
		if _, ok := items[spec.Entrypoint]; !ok {
			return fmt.Errorf("entrypoint %q is not a work item", spec.Entrypoint)
		}
	}

	if cycle := findCycle(items); len(cycle) > 0 {
		return fmt.Errorf("dependency cycle: %s", strings.Join(cycle, " -> "))
	}
	return nil
}

// findCycle runs a deterministic depth-first search and returns the first
// cycle found as an id path, or nil for an acyclic graph.
func findCycle(items map[string]WorkItem) []string {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(items))

	ids := make([]string, 0, len(items))
	for id := range items {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var stack []string
	var visit func(id string) []string
	visit = func(id string) []string {
		state[id] = visiting
		stack = append(stack, id)

		deps := append([]string(nil), items[id].DependsOn...)
		sort.Strings(deps)
		for _, dep := range deps {
			switch state[dep] {
			case visiting:
				// Close the loop for the error message.
				start := 0
				for i, v := range stack {
					if v == dep {
						start = i
						break
					}
				}
				return append(append([]string(nil), stack[start:]...), dep)
			case unvisited:
				if cycle := visit(dep); cycle != nil {
					return cycle
				}
			}
		}

		stack = stack[:len(stack)-1]
		state[id] = done
		return nil
	}

	for _, id := range ids {
		if state[id] == unvisited {
			if cycle := visit(id); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}
