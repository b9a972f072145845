package dispatch

import (
	"context"
	"sync"
	"time"

	"helmsman/internal/mission"
)

// Script describes how a simulated run behaves.
type Script struct {
	Observations []Observation
	Status       string
	Delay        time.Duration
}

// SimulatedBackend plays scripted runs without a real execution engine.
// It backs `helmsman run --simulate` and the orchestrator tests.
type SimulatedBackend struct {
	mu      sync.Mutex
	scripts map[string]Script
	runs    []RunRequest
}

// NewSimulatedBackend creates a backend where every run succeeds unless a
// script says otherwise.
func NewSimulatedBackend() *SimulatedBackend {
	return &SimulatedBackend{scripts: make(map[string]Script)}
}

// ScriptItem installs the behavior for a work item's next runs.
func (b *SimulatedBackend) ScriptItem(workItemID string, script Script) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.scripts[workItemID] = script
}

// Dispatched returns the requests seen so far, in dispatch order.
func (b *SimulatedBackend) Dispatched() []RunRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]RunRequest(nil), b.runs...)
}

// Dispatch implements Backend.
func (b *SimulatedBackend) Dispatch(ctx context.Context, req RunRequest) (*RunHandle, error) {
	b.mu.Lock()
	script, ok := b.scripts[req.WorkItemID]
	b.runs = append(b.runs, req)
	b.mu.Unlock()
	if !ok {
		script = Script{Status: mission.RunStatusOK}
	}
	if script.Status == "" {
		script.Status = mission.RunStatusOK
	}

	observations := make(chan Observation, len(script.Observations))
	done := make(chan Result, 1)

	go func() {
		defer close(observations)
		defer close(done)
		if script.Delay > 0 {
			select {
			case <-time.After(script.Delay):
			case <-ctx.Done():
				return
			}
		}
		for _, obs := range script.Observations {
			select {
			case observations <- obs:
			case <-ctx.Done():
				return
			}
		}
		select {
		case done <- Result{Status: script.Status}:
		case <-ctx.Done():
		}
	}()

	return &RunHandle{RunID: req.RunID, Observations: observations, Done: done}, nil
}
