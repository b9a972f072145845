// Package eventstore provides the append-only, optimistically-versioned
// mission event log. The log is the only durable representation of mission
// history; everything else is a fold over it.
package eventstore

import (
	"context"
	"errors"
	"time"

	"helmsman/internal/mission"
)

// ErrRevisionConflict is returned when expectedRevision does not match the
// store head. The caller must re-project and retry, never overwrite.
var ErrRevisionConflict = errors.New("eventstore: revision conflict")

// ErrMissionNotFound is returned when no log exists for a mission id.
var ErrMissionNotFound = errors.New("eventstore: mission not found")

// Store is the mission event log contract.
//
// Append succeeds only when expectedRevision matches the current head; each
// appended event advances the revision by exactly one. Load returns the full
// ordered log; LoadSince returns records with revision > sinceRevision.
type Store interface {
	Append(ctx context.Context, missionID string, expectedRevision int64, events ...mission.Event) (int64, error)
	Load(ctx context.Context, missionID string) ([]mission.Record, error)
	LoadSince(ctx context.Context, missionID string, sinceRevision int64) ([]mission.Record, error)
	Revision(ctx context.Context, missionID string) (int64, error)
	List(ctx context.Context) ([]string, error)
}

// Snapshotter persists periodic projections beside the log so restart does
// not replay from revision 0. Snapshots are hints: they are always
// revalidated against the log head before use.
type Snapshotter interface {
	SaveSnapshot(ctx context.Context, state *mission.MissionState) error
	LoadSnapshot(ctx context.Context, missionID string) (*mission.MissionState, error)
}

// Clock supplies event timestamps; swapped out in tests.
type Clock func() time.Time

func stamp(clock Clock, rev int64, event mission.Event) mission.Record {
	return mission.Record{
		Revision: rev,
		AtMs:     clock().UnixMilli(),
		Event:    event,
	}
}
