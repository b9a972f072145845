package eventstore

import (
	"context"
	"errors"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"helmsman/internal/logging"
	"helmsman/internal/mission"
)

const defaultSnapshotEvery = 32

// ProjectionCache memoizes folded mission states keyed by mission id so a
// tick does not replay the full log. Entries are revalidated against the log
// head before use; stale entries are advanced incrementally with LoadSince.
type ProjectionCache struct {
	store       Store
	snapshotter Snapshotter
	logger      logging.Logger

	mu            sync.Mutex
	states        *lru.Cache[string, *mission.MissionState]
	snapshotEvery int64
}

// ProjectionCacheOption customizes a ProjectionCache.
type ProjectionCacheOption func(*ProjectionCache)

// WithSnapshotter persists a snapshot every snapshotEvery revisions.
func WithSnapshotter(snapshotter Snapshotter) ProjectionCacheOption {
	return func(c *ProjectionCache) {
		c.snapshotter = snapshotter
	}
}

// WithSnapshotEvery overrides the snapshot cadence.
func WithSnapshotEvery(every int64) ProjectionCacheOption {
	return func(c *ProjectionCache) {
		if every > 0 {
			c.snapshotEvery = every
		}
	}
}

// NewProjectionCache creates a cache over store holding up to size states.
func NewProjectionCache(store Store, size int, opts ...ProjectionCacheOption) (*ProjectionCache, error) {
	if size <= 0 {
		size = 128
	}
	states, err := lru.New[string, *mission.MissionState](size)
	if err != nil {
		return nil, err
	}
	cache := &ProjectionCache{
		store:         store,
		logger:        logging.NewComponentLogger("ProjectionCache"),
		states:        states,
		snapshotEvery: defaultSnapshotEvery,
	}
	for _, opt := range opts {
		opt(cache)
	}
	return cache, nil
}

// Project returns the current state for missionID, folding only the log tail
// beyond the cached or snapshotted revision.
func (c *ProjectionCache) Project(ctx context.Context, missionID string) (*mission.MissionState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	head, err := c.store.Revision(ctx, missionID)
	if err != nil {
		return nil, err
	}

	base, _ := c.states.Get(missionID)
	if base == nil && c.snapshotter != nil {
		snap, snapErr := c.snapshotter.LoadSnapshot(ctx, missionID)
		if snapErr != nil {
			c.logger.Warn("load snapshot for %s: %v", missionID, snapErr)
		} else if snap != nil && snap.Revision <= head {
			base = snap
		}
	}
	if base != nil && base.Revision > head {
		// The cache is ahead of the log; drop it and replay from scratch.
		c.states.Remove(missionID)
		base = nil
	}

	var state *mission.MissionState
	if base == nil {
		records, err := c.store.Load(ctx, missionID)
		if err != nil {
			return nil, err
		}
		state = mission.Fold(records)
	} else if base.Revision == head {
		state = base
	} else {
		tail, err := c.store.LoadSince(ctx, missionID, base.Revision)
		if err != nil && !errors.Is(err, ErrMissionNotFound) {
			return nil, err
		}
		state = base.Clone()
		for _, record := range tail {
			mission.Apply(state, record)
		}
	}

	c.states.Add(missionID, state)
	c.maybeSnapshot(ctx, state)
	return state.Clone(), nil
}

// Invalidate drops the cached state for a mission.
func (c *ProjectionCache) Invalidate(missionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.states.Remove(missionID)
}

func (c *ProjectionCache) maybeSnapshot(ctx context.Context, state *mission.MissionState) {
	if c.snapshotter == nil || state == nil {
		return
	}
	if state.Revision%c.snapshotEvery != 0 && !state.Status.Terminal() {
		return
	}
	if err := c.snapshotter.SaveSnapshot(ctx, state.Clone()); err != nil {
		c.logger.Warn("save snapshot for %s: %v", state.ID, err)
	}
}
