// Package orchestrator ties the mission engine together: per tick it
// projects state from the event log, enforces budgets, asks the planner for
// commands, executes them through the collaborators, and appends the
// resulting events with optimistic-concurrency retry.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"helmsman/internal/approval"
	"helmsman/internal/dispatch"
	"helmsman/internal/eventstore"
	"helmsman/internal/id"
	"helmsman/internal/logging"
	"helmsman/internal/mission"
	"helmsman/internal/observability"
	"helmsman/internal/scheduler"
)

// Config tunes the control loop.
type Config struct {
	ConcurrencyLimit int
	ApprovalTimeout  time.Duration
	TickInterval     time.Duration
	AppendRetries    int
}

func (c Config) withDefaults() Config {
	if c.ConcurrencyLimit <= 0 {
		c.ConcurrencyLimit = 4
	}
	if c.TickInterval <= 0 {
		c.TickInterval = time.Second
	}
	if c.AppendRetries <= 0 {
		c.AppendRetries = 8
	}
	return c
}

// Deps are the collaborators one orchestrator instance owns. Ownership is
// explicit: one instance, one store connection, one set of gate waiters.
type Deps struct {
	Store      eventstore.Store
	Snapshots  eventstore.Snapshotter
	Gate       *approval.Gate
	Dispatcher *dispatch.Dispatcher
	Logger     logging.Logger
	Metrics    *observability.Metrics
	Tracer     trace.Tracer
}

// Orchestrator drives every mission hosted by this process, one control
// loop per mission.
type Orchestrator struct {
	config      Config
	store       eventstore.Store
	projections *eventstore.ProjectionCache
	planner     *scheduler.Planner
	gate        *approval.Gate
	dispatcher  *dispatch.Dispatcher
	timers      *TimerService
	logger      logging.Logger
	metrics     *observability.Metrics
	tracer      trace.Tracer
	clock       func() time.Time

	mu         sync.Mutex
	loops      map[string]*missionLoop
	activeRuns map[string]struct{}
	waiters    map[string]struct{}
	subs       map[string]map[int]chan mission.Record
	nextSubID  int
	closed     bool

	wg sync.WaitGroup
}

type missionLoop struct {
	missionID string
	ctx       context.Context
	cancel    context.CancelFunc
	wake      chan struct{}
}

// New wires an orchestrator from its collaborators.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("orchestrator requires an event store")
	}
	if deps.Dispatcher == nil {
		return nil, fmt.Errorf("orchestrator requires a dispatcher")
	}
	cfg = cfg.withDefaults()

	cacheOpts := []eventstore.ProjectionCacheOption{}
	if deps.Snapshots != nil {
		cacheOpts = append(cacheOpts, eventstore.WithSnapshotter(deps.Snapshots))
	}
	projections, err := eventstore.NewProjectionCache(deps.Store, 256, cacheOpts...)
	if err != nil {
		return nil, err
	}

	gate := deps.Gate
	if gate == nil {
		gate = approval.NewGate(deps.Logger)
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("helmsman")
	}

	return &Orchestrator{
		config:      cfg,
		store:       deps.Store,
		projections: projections,
		planner:     scheduler.New(cfg.ConcurrencyLimit),
		gate:        gate,
		dispatcher:  deps.Dispatcher,
		timers:      NewTimerService(deps.Logger),
		logger:      logging.OrNop(deps.Logger),
		metrics:     deps.Metrics,
		tracer:      tracer,
		clock:       time.Now,
		loops:       make(map[string]*missionLoop),
		activeRuns:  make(map[string]struct{}),
		waiters:     make(map[string]struct{}),
		subs:        make(map[string]map[int]chan mission.Record),
	}, nil
}

// Gate returns the approval gate owned by this orchestrator.
func (o *Orchestrator) Gate() *approval.Gate {
	return o.gate
}

// CreateMission validates the spec and seeds its event log. Construction
// errors (cycles, unknown dependencies, capability violations) are fatal and
// nothing is appended.
func (o *Orchestrator) CreateMission(ctx context.Context, spec mission.MissionSpec) (*mission.MissionState, error) {
	if spec.ID == "" {
		spec.ID = id.NewMissionID()
	}
	if err := mission.ValidateSpec(spec); err != nil {
		return nil, err
	}

	if _, err := o.store.Append(ctx, spec.ID, 0, mission.MissionCreated{Spec: spec}); err != nil {
		return nil, fmt.Errorf("seed mission %s: %w", spec.ID, err)
	}
	o.publishSince(ctx, spec.ID, 0)
	o.logger.Info("mission %s created with %d work items", spec.ID, len(spec.Items))
	return o.projections.Project(ctx, spec.ID)
}

// StartMission moves a draft mission to running and spins up its loop.
func (o *Orchestrator) StartMission(ctx context.Context, missionID string) error {
	appended, err := o.appendGuarded(ctx, missionID, func(state *mission.MissionState) []mission.Event {
		if state.Status != mission.StatusDraft {
			return nil
		}
		return []mission.Event{mission.MissionStarted{}}
	})
	if err != nil {
		return err
	}
	if !appended {
		return fmt.Errorf("mission %s is not startable", missionID)
	}
	o.ensureLoop(missionID)
	return nil
}

// Pause suspends scheduling. Approval replies and timers are still accepted.
func (o *Orchestrator) Pause(ctx context.Context, missionID, reason string) error {
	appended, err := o.appendGuarded(ctx, missionID, func(state *mission.MissionState) []mission.Event {
		if state.Status != mission.StatusRunning {
			return nil
		}
		return []mission.Event{mission.MissionPaused{Reason: reason}}
	})
	if err != nil {
		return err
	}
	if !appended {
		return fmt.Errorf("mission %s is not pausable", missionID)
	}
	o.wake(missionID)
	return nil
}

// Resume returns a paused mission to running.
func (o *Orchestrator) Resume(ctx context.Context, missionID string) error {
	appended, err := o.appendGuarded(ctx, missionID, func(state *mission.MissionState) []mission.Event {
		if state.Status != mission.StatusPaused {
			return nil
		}
		return []mission.Event{mission.MissionResumed{}}
	})
	if err != nil {
		return err
	}
	if !appended {
		return fmt.Errorf("mission %s is not paused", missionID)
	}
	o.ensureLoop(missionID)
	o.wake(missionID)
	return nil
}

// Cancel terminally stops a mission. In-flight dispatches receive the
// cancellation signal and pending approval waits resolve to no verdict.
func (o *Orchestrator) Cancel(ctx context.Context, missionID, reason string) error {
	appended, err := o.appendGuarded(ctx, missionID, func(state *mission.MissionState) []mission.Event {
		if state.Status.Terminal() {
			return nil
		}
		return []mission.Event{mission.MissionCanceled{Reason: reason}}
	})
	if err != nil {
		return err
	}
	if !appended {
		return fmt.Errorf("mission %s is already terminal", missionID)
	}
	o.gate.CancelMission(missionID)
	o.stopLoop(missionID)
	return nil
}

// GetState projects the current mission state.
func (o *Orchestrator) GetState(ctx context.Context, missionID string) (*mission.MissionState, error) {
	return o.projections.Project(ctx, missionID)
}

// ListEvents returns the records with revision > sinceRevision.
func (o *Orchestrator) ListEvents(ctx context.Context, missionID string, sinceRevision int64) ([]mission.Record, error) {
	return o.store.LoadSince(ctx, missionID, sinceRevision)
}

// ListMissions returns every mission id known to the store.
func (o *Orchestrator) ListMissions(ctx context.Context) ([]string, error) {
	return o.store.List(ctx)
}

// SubmitApprovalReply resolves an outstanding approval request.
func (o *Orchestrator) SubmitApprovalReply(approvalID string, granted bool, reason string) bool {
	return o.gate.Reply(approvalID, granted, reason)
}

// PendingApprovals lists outstanding requests, optionally per mission.
func (o *Orchestrator) PendingApprovals(missionID string) []approval.Request {
	return o.gate.Pending(missionID)
}

// Recover restarts loops for every non-terminal, non-draft mission found in
// the store. Called once after process start.
func (o *Orchestrator) Recover(ctx context.Context) error {
	ids, err := o.store.List(ctx)
	if err != nil {
		return err
	}
	for _, missionID := range ids {
		state, err := o.projections.Project(ctx, missionID)
		if err != nil {
			o.logger.Warn("recovery: project %s: %v", missionID, err)
			continue
		}
		if state.Status == mission.StatusRunning || state.Status == mission.StatusPaused {
			o.logger.Info("recovery: resuming mission %s at revision %d", missionID, state.Revision)
			o.ensureLoop(missionID)
		}
	}
	return nil
}

// WaitUntilTerminal blocks until the mission reaches a terminal status or
// ctx is done.
func (o *Orchestrator) WaitUntilTerminal(ctx context.Context, missionID string) (*mission.MissionState, error) {
	records, unsubscribe := o.Subscribe(missionID)
	defer unsubscribe()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		state, err := o.projections.Project(ctx, missionID)
		if err != nil {
			return nil, err
		}
		if state.Status.Terminal() {
			return state, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-records:
		case <-ticker.C:
		}
	}
}

// Close stops every loop and waits for in-flight work to unwind.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	o.closed = true
	loops := make([]*missionLoop, 0, len(o.loops))
	for _, loop := range o.loops {
		loops = append(loops, loop)
	}
	o.mu.Unlock()

	for _, loop := range loops {
		loop.cancel()
	}
	o.timers.Stop()
	o.wg.Wait()
}

func (o *Orchestrator) ensureLoop(missionID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	if _, ok := o.loops[missionID]; ok {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	loop := &missionLoop{
		missionID: missionID,
		ctx:       id.WithMissionID(ctx, missionID),
		cancel:    cancel,
		wake:      make(chan struct{}, 1),
	}
	o.loops[missionID] = loop

	o.wg.Add(1)
	go o.runLoop(loop)
}

func (o *Orchestrator) stopLoop(missionID string) {
	o.mu.Lock()
	loop, ok := o.loops[missionID]
	if ok {
		delete(o.loops, missionID)
	}
	o.mu.Unlock()
	if ok {
		loop.cancel()
	}
}

// claimWaiter reserves the single waiter slot for an approval id. Claims are
// released when the watch ends, so a timed-out wait can be re-armed by a
// later tick without ever doubling up.
func (o *Orchestrator) claimWaiter(approvalID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.waiters[approvalID]; ok {
		return false
	}
	o.waiters[approvalID] = struct{}{}
	return true
}

func (o *Orchestrator) releaseWaiter(approvalID string) {
	o.mu.Lock()
	delete(o.waiters, approvalID)
	o.mu.Unlock()
}

func (o *Orchestrator) wake(missionID string) {
	o.mu.Lock()
	loop, ok := o.loops[missionID]
	o.mu.Unlock()
	if !ok {
		return
	}
	select {
	case loop.wake <- struct{}{}:
	default:
	}
}

// Subscribe returns a feed of newly appended records for a mission. The
// returned func unsubscribes.
func (o *Orchestrator) Subscribe(missionID string) (<-chan mission.Record, func()) {
	o.mu.Lock()
	defer o.mu.Unlock()

	ch := make(chan mission.Record, 64)
	if o.subs[missionID] == nil {
		o.subs[missionID] = make(map[int]chan mission.Record)
	}
	subID := o.nextSubID
	o.nextSubID++
	o.subs[missionID][subID] = ch

	return ch, func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		if set, ok := o.subs[missionID]; ok {
			delete(set, subID)
			if len(set) == 0 {
				delete(o.subs, missionID)
			}
		}
	}
}

// publishSince fans records beyond sinceRevision out to subscribers. Slow
// subscribers drop records rather than stall the loop.
func (o *Orchestrator) publishSince(ctx context.Context, missionID string, sinceRevision int64) {
	o.mu.Lock()
	hasSubs := len(o.subs[missionID]) > 0
	o.mu.Unlock()
	if !hasSubs {
		return
	}

	records, err := o.store.LoadSince(ctx, missionID, sinceRevision)
	if err != nil {
		o.logger.Warn("publish events for %s: %v", missionID, err)
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	for _, ch := range o.subs[missionID] {
		for _, record := range records {
			select {
			case ch <- record:
			default:
			}
		}
	}
}
