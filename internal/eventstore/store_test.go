package eventstore

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"helmsman/internal/mission"
)

func testSpec() mission.MissionSpec {
	return mission.MissionSpec{
		ID:    "mission-1",
		Title: "demo",
		Items: []mission.WorkItem{
			{ID: "a", Title: "first"},
			{ID: "b", Title: "second", DependsOn: []string{"a"}},
		},
	}
}

func fixedClock() Clock {
	at := time.UnixMilli(1700000000000)
	return func() time.Time {
		at = at.Add(time.Millisecond)
		return at
	}
}

func testStores(t *testing.T) map[string]Store {
	t.Helper()
	fileStore, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	return map[string]Store{
		"memory": NewMemoryStore().WithClock(fixedClock()),
		"file":   fileStore.WithClock(fixedClock()),
	}
}

func TestAppendAdvancesRevisionByOne(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			rev, err := store.Append(ctx, "mission-1", 0, mission.MissionCreated{Spec: testSpec()})
			require.NoError(t, err)
			require.Equal(t, int64(1), rev)

			rev, err = store.Append(ctx, "mission-1", 1,
				mission.MissionStarted{},
				mission.RunStarted{WorkItemID: "a", RunID: "run-1"},
			)
			require.NoError(t, err)
			require.Equal(t, int64(3), rev)

			records, err := store.Load(ctx, "mission-1")
			require.NoError(t, err)
			require.Len(t, records, 3)
			for i, record := range records {
				require.Equal(t, int64(i+1), record.Revision, "revision must increase by exactly one")
			}
		})
	}
}

func TestAppendConflictOnStaleRevision(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := store.Append(ctx, "mission-1", 0, mission.MissionCreated{Spec: testSpec()})
			require.NoError(t, err)

			// Two writers race from the same expected revision; one loses.
			_, err = store.Append(ctx, "mission-1", 1, mission.MissionStarted{})
			require.NoError(t, err)
			head, err := store.Append(ctx, "mission-1", 1, mission.MissionStarted{})
			require.ErrorIs(t, err, ErrRevisionConflict)
			require.Equal(t, int64(2), head, "conflict must report the current head")

			// Retry against the observed head succeeds.
			_, err = store.Append(ctx, "mission-1", head, mission.MissionPaused{Reason: "retry"})
			require.NoError(t, err)
		})
	}
}

func TestLoadSince(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := store.Append(ctx, "mission-1", 0,
				mission.MissionCreated{Spec: testSpec()},
				mission.MissionStarted{},
				mission.RunStarted{WorkItemID: "a", RunID: "run-1"},
			)
			require.NoError(t, err)

			tail, err := store.LoadSince(ctx, "mission-1", 2)
			require.NoError(t, err)
			require.Len(t, tail, 1)
			require.Equal(t, int64(3), tail[0].Revision)
		})
	}
}

func TestLoadUnknownMission(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.Load(context.Background(), "ghost")
			require.ErrorIs(t, err, ErrMissionNotFound)
		})
	}
}

func TestFileStoreReplayAfterRestart(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	store, err := NewFileStore(dir)
	require.NoError(t, err)
	store = store.WithClock(fixedClock())

	_, err = store.Append(ctx, "mission-1", 0,
		mission.MissionCreated{Spec: testSpec()},
		mission.MissionStarted{},
		mission.RunStarted{WorkItemID: "a", RunID: "run-1"},
		mission.ToolObserved{RunID: "run-1", Tool: "bash", Phase: "start"},
		mission.RunFinished{WorkItemID: "a", RunID: "run-1", Status: mission.RunStatusOK},
	)
	require.NoError(t, err)

	records, err := store.Load(ctx, "mission-1")
	require.NoError(t, err)
	before := mission.Fold(records)

	// Simulated crash: a fresh store over the same directory must replay to
	// byte-identical state.
	reopened, err := NewFileStore(dir)
	require.NoError(t, err)
	replayed, err := reopened.Load(ctx, "mission-1")
	require.NoError(t, err)
	after := mission.Fold(replayed)

	beforeJSON, err := json.Marshal(before)
	require.NoError(t, err)
	afterJSON, err := json.Marshal(after)
	require.NoError(t, err)
	require.Equal(t, beforeJSON, afterJSON)

	head, err := reopened.Revision(ctx, "mission-1")
	require.NoError(t, err)
	require.Equal(t, int64(5), head)
}

func TestFileStoreSnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.Append(ctx, "mission-1", 0,
		mission.MissionCreated{Spec: testSpec()},
		mission.MissionStarted{},
	)
	require.NoError(t, err)

	records, err := store.Load(ctx, "mission-1")
	require.NoError(t, err)
	state := mission.Fold(records)
	require.NoError(t, store.SaveSnapshot(ctx, state))

	snap, err := store.LoadSnapshot(ctx, "mission-1")
	require.NoError(t, err)
	require.NotNil(t, snap)
	require.Equal(t, state.Revision, snap.Revision)
	require.Equal(t, state.Status, snap.Status)

	// Missing snapshots are not an error.
	none, err := store.LoadSnapshot(ctx, "other")
	require.NoError(t, err)
	require.Nil(t, none)
}

func TestProjectionCacheIncrementalFold(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore().WithClock(fixedClock())
	cache, err := NewProjectionCache(store, 8)
	require.NoError(t, err)

	_, err = store.Append(ctx, "mission-1", 0,
		mission.MissionCreated{Spec: testSpec()},
		mission.MissionStarted{},
	)
	require.NoError(t, err)

	state, err := cache.Project(ctx, "mission-1")
	require.NoError(t, err)
	require.Equal(t, mission.StatusRunning, state.Status)

	_, err = store.Append(ctx, "mission-1", 2, mission.RunStarted{WorkItemID: "a", RunID: "run-1"})
	require.NoError(t, err)

	state, err = cache.Project(ctx, "mission-1")
	require.NoError(t, err)
	require.Equal(t, int64(3), state.Revision)
	require.Equal(t, mission.ItemInProgress, state.Item("a").Status)

	// Returned states are copies; mutating one must not poison the cache.
	state.Item("a").Status = mission.ItemDone
	fresh, err := cache.Project(ctx, "mission-1")
	require.NoError(t, err)
	require.Equal(t, mission.ItemInProgress, fresh.Item("a").Status)
}

func TestProjectionCacheUsesSnapshot(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)

	_, err = store.Append(ctx, "mission-1", 0,
		mission.MissionCreated{Spec: testSpec()},
		mission.MissionStarted{},
	)
	require.NoError(t, err)

	records, err := store.Load(ctx, "mission-1")
	require.NoError(t, err)
	require.NoError(t, store.SaveSnapshot(ctx, mission.Fold(records)))

	// More events after the snapshot: the cache must fold only the tail.
	_, err = store.Append(ctx, "mission-1", 2, mission.RunStarted{WorkItemID: "a", RunID: "run-1"})
	require.NoError(t, err)

	cache, err := NewProjectionCache(store, 8, WithSnapshotter(store))
	require.NoError(t, err)
	state, err := cache.Project(ctx, "mission-1")
	require.NoError(t, err)
	require.Equal(t, int64(3), state.Revision)
	require.Equal(t, mission.ItemInProgress, state.Item("a").Status)
}
