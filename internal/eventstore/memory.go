package eventstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"helmsman/internal/mission"
)

// MemoryStore is an in-process Store for tests and embedded use.
type MemoryStore struct {
	mu    sync.RWMutex
	logs  map[string][]mission.Record
	clock Clock
}

// NewMemoryStore creates an empty in-memory event store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		logs:  make(map[string][]mission.Record),
		clock: time.Now,
	}
}

// WithClock overrides the timestamp source. Test hook.
func (s *MemoryStore) WithClock(clock Clock) *MemoryStore {
	s.clock = clock
	return s
}

// Append implements Store.
func (s *MemoryStore) Append(ctx context.Context, missionID string, expectedRevision int64, events ...mission.Event) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return expectedRevision, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.logs[missionID]
	head := int64(len(log))
	if head != expectedRevision {
		return head, ErrRevisionConflict
	}

	for _, event := range events {
		head++
		log = append(log, stamp(s.clock, head, event))
	}
	s.logs[missionID] = log
	return head, nil
}

// Load implements Store.
func (s *MemoryStore) Load(ctx context.Context, missionID string) ([]mission.Record, error) {
	return s.LoadSince(ctx, missionID, 0)
}

// LoadSince implements Store.
func (s *MemoryStore) LoadSince(ctx context.Context, missionID string, sinceRevision int64) ([]mission.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	log, ok := s.logs[missionID]
	if !ok {
		return nil, ErrMissionNotFound
	}
	if sinceRevision < 0 {
		sinceRevision = 0
	}
	if sinceRevision >= int64(len(log)) {
		return nil, nil
	}
	out := make([]mission.Record, len(log)-int(sinceRevision))
	copy(out, log[sinceRevision:])
	return out, nil
}

// Revision implements Store.
func (s *MemoryStore) Revision(ctx context.Context, missionID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	log, ok := s.logs[missionID]
	if !ok {
		return 0, ErrMissionNotFound
	}
	return int64(len(log)), nil
}

// List implements Store.
func (s *MemoryStore) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.logs))
	for id := range s.logs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}
