// Package approval implements the blocking gate between the scheduler and a
// human (or policy) decision: a registry of per-request signal channels plus
// cancellation, never a polled shared flag.
package approval

import (
	"context"
	"sync"
	"time"

	"helmsman/internal/id"
	"helmsman/internal/logging"
)

// Request is one outstanding approval demand.
type Request struct {
	ID         string    `json:"id"`
	MissionID  string    `json:"mission_id"`
	WorkItemID string    `json:"work_item_id"`
	Kind       string    `json:"kind"`
	Summary    string    `json:"summary,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Verdict is an explicit decision on a request. Timeouts and cancellation
// never manufacture one.
type Verdict struct {
	Granted bool   `json:"granted"`
	Reason  string `json:"reason,omitempty"`
}

type pendingRequest struct {
	request  Request
	verdict  chan Verdict
	canceled chan struct{}
	once     sync.Once
}

// Gate tracks outstanding approvals. Waits suspend only the caller awaiting
// that specific approval; each request is addressed independently by id.
type Gate struct {
	logger logging.Logger

	mu       sync.Mutex
	pending  map[string]*pendingRequest
	resolved map[string]struct{}
	requests chan Request
}

// NewGate creates an empty approval gate.
func NewGate(logger logging.Logger) *Gate {
	return &Gate{
		logger:   logging.OrNop(logger),
		pending:  make(map[string]*pendingRequest),
		resolved: make(map[string]struct{}),
		requests: make(chan Request, 64),
	}
}

// Request registers a new approval demand and returns it with a fresh id.
func (g *Gate) Request(missionID, workItemID, kind, summary string) Request {
	request := Request{
		ID:         id.NewApprovalID(),
		MissionID:  missionID,
		WorkItemID: workItemID,
		Kind:       kind,
		Summary:    summary,
		CreatedAt:  time.Now(),
	}
	g.register(request)
	g.logger.Info("approval %s requested for item %s (%s)", request.ID, workItemID, kind)
	return request
}

// Restore re-registers a request recovered from the event log, keeping its
// persisted id so operator replies keep addressing it across restarts. It
// reports false when the id is already registered or already resolved;
// decisions are immutable, so a consumed id never comes back.
func (g *Gate) Restore(request Request) bool {
	if request.CreatedAt.IsZero() {
		request.CreatedAt = time.Now()
	}
	if !g.register(request) {
		return false
	}
	g.logger.Info("approval %s restored for item %s (%s)", request.ID, request.WorkItemID, request.Kind)
	return true
}

func (g *Gate) register(request Request) bool {
	g.mu.Lock()
	if _, done := g.resolved[request.ID]; done {
		g.mu.Unlock()
		return false
	}
	if _, exists := g.pending[request.ID]; exists {
		g.mu.Unlock()
		return false
	}
	g.pending[request.ID] = &pendingRequest{
		request:  request,
		verdict:  make(chan Verdict, 1),
		canceled: make(chan struct{}),
	}
	g.mu.Unlock()

	select {
	case g.requests <- request:
	default:
		g.logger.Warn("approval request feed full, dropping notification for %s", request.ID)
	}
	return true
}

// Reply resolves an outstanding request. It reports false when the id is
// unknown or already resolved. Resolution is append-style: the verdict is
// delivered to the waiter, never mutated in place afterwards.
func (g *Gate) Reply(approvalID string, granted bool, reason string) bool {
	g.mu.Lock()
	pending, ok := g.pending[approvalID]
	g.mu.Unlock()
	if !ok {
		return false
	}

	delivered := false
	pending.once.Do(func() {
		pending.verdict <- Verdict{Granted: granted, Reason: reason}
		delivered = true
	})
	if delivered {
		g.logger.Info("approval %s resolved: granted=%v", approvalID, granted)
	}
	return delivered
}

// Wait blocks until the request resolves, the context is done, the timeout
// elapses, or the mission is canceled. Absence of a verdict is reported as
// ok=false; it is never an implicit denial.
func (g *Gate) Wait(ctx context.Context, approvalID string, timeout time.Duration) (Verdict, bool) {
	g.mu.Lock()
	pending, ok := g.pending[approvalID]
	g.mu.Unlock()
	if !ok {
		return Verdict{}, false
	}

	// A verdict that arrived before the wait always wins over cancellation.
	select {
	case verdict := <-pending.verdict:
		g.remove(approvalID)
		return verdict, true
	default:
	}

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case verdict := <-pending.verdict:
		g.remove(approvalID)
		return verdict, true
	case <-pending.canceled:
		return Verdict{}, false
	case <-timeoutCh:
		g.logger.Warn("approval %s timed out waiting for a decision", approvalID)
		return Verdict{}, false
	case <-ctx.Done():
		return Verdict{}, false
	}
}

// CancelMission releases every waiter belonging to missionID with no
// verdict. Pending entries stay registered so a later Reply still lands.
func (g *Gate) CancelMission(missionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, pending := range g.pending {
		if pending.request.MissionID != missionID {
			continue
		}
		select {
		case <-pending.canceled:
		default:
			close(pending.canceled)
		}
	}
}

// Pending lists outstanding requests, optionally filtered by mission.
func (g *Gate) Pending(missionID string) []Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []Request
	for _, pending := range g.pending {
		if missionID == "" || pending.request.MissionID == missionID {
			out = append(out, pending.request)
		}
	}
	return out
}

// Requests exposes the feed of newly registered requests for interactive
// approvers and UIs.
func (g *Gate) Requests() <-chan Request {
	return g.requests
}

func (g *Gate) remove(approvalID string) {
	g.mu.Lock()
	delete(g.pending, approvalID)
	g.resolved[approvalID] = struct{}{}
	g.mu.Unlock()
}
