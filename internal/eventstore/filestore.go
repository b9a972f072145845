package eventstore

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"helmsman/internal/logging"
	"helmsman/internal/mission"
)

// FileStore persists one JSONL event log per mission, with a sidecar head
// file holding the latest revision for fast resume and a periodic state
// snapshot. It also implements Snapshotter.
type FileStore struct {
	baseDir string
	logger  logging.Logger
	clock   Clock

	mu sync.Mutex
}

// NewFileStore creates the base directory if needed and returns a store.
func NewFileStore(baseDir string) (*FileStore, error) {
	if strings.HasPrefix(baseDir, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home dir: %w", err)
		}
		baseDir = filepath.Join(home, baseDir[2:])
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create event store dir: %w", err)
	}
	return &FileStore{
		baseDir: baseDir,
		logger:  logging.NewComponentLogger("EventFileStore"),
		clock:   time.Now,
	}, nil
}

// WithClock overrides the timestamp source. Test hook.
func (s *FileStore) WithClock(clock Clock) *FileStore {
	s.clock = clock
	return s
}

func (s *FileStore) logPath(missionID string) string {
	return filepath.Join(s.baseDir, missionID+".events.jsonl")
}

func (s *FileStore) headPath(missionID string) string {
	return filepath.Join(s.baseDir, missionID+".head")
}

func (s *FileStore) snapshotPath(missionID string) string {
	return filepath.Join(s.baseDir, missionID+".snapshot.json")
}

func validMissionID(missionID string) error {
	if missionID == "" || strings.ContainsAny(missionID, "/\\") || strings.Contains(missionID, "..") {
		return fmt.Errorf("invalid mission id %q", missionID)
	}
	return nil
}

// Append implements Store.
func (s *FileStore) Append(ctx context.Context, missionID string, expectedRevision int64, events ...mission.Event) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := validMissionID(missionID); err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return expectedRevision, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	head, err := s.headLocked(missionID)
	if err != nil {
		return 0, err
	}
	if head != expectedRevision {
		return head, ErrRevisionConflict
	}

	flags := os.O_WRONLY | os.O_APPEND | os.O_CREATE
	if head == 0 {
		// First append creates the log exclusively to catch id collisions.
		flags = os.O_WRONLY | os.O_CREATE | os.O_EXCL
	}
	f, err := os.OpenFile(s.logPath(missionID), flags, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open event log: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()

	writer := bufio.NewWriter(f)
	for _, event := range events {
		head++
		line, err := json.Marshal(stamp(s.clock, head, event))
		if err != nil {
			return 0, fmt.Errorf("encode event at revision %d: %w", head, err)
		}
		if _, err := writer.Write(append(line, '\n')); err != nil {
			return 0, fmt.Errorf("write event log: %w", err)
		}
	}
	if err := writer.Flush(); err != nil {
		return 0, fmt.Errorf("flush event log: %w", err)
	}
	if err := f.Sync(); err != nil {
		s.logger.Warn("fsync %s: %v", missionID, err)
	}

	if err := os.WriteFile(s.headPath(missionID), []byte(strconv.FormatInt(head, 10)), 0o644); err != nil {
		// The log is authoritative; a stale head is repaired on next read.
		s.logger.Warn("write head for %s: %v", missionID, err)
	}
	return head, nil
}

// headLocked reads the sidecar revision, falling back to a log scan when the
// sidecar is missing or stale.
func (s *FileStore) headLocked(missionID string) (int64, error) {
	data, err := os.ReadFile(s.headPath(missionID))
	if err == nil {
		if head, parseErr := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64); parseErr == nil {
			return head, nil
		}
		s.logger.Warn("corrupt head file for %s, rescanning log", missionID)
	}

	records, err := s.readLog(missionID)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, nil
	}
	return records[len(records)-1].Revision, nil
}

func (s *FileStore) readLog(missionID string) ([]mission.Record, error) {
	f, err := os.Open(s.logPath(missionID))
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = f.Close()
	}()

	var records []mission.Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var record mission.Record
		if err := json.Unmarshal([]byte(line), &record); err != nil {
			return nil, fmt.Errorf("decode event log %s: %w", missionID, err)
		}
		records = append(records, record)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read event log %s: %w", missionID, err)
	}
	return records, nil
}

// Load implements Store.
func (s *FileStore) Load(ctx context.Context, missionID string) ([]mission.Record, error) {
	return s.LoadSince(ctx, missionID, 0)
}

// LoadSince implements Store.
func (s *FileStore) LoadSince(ctx context.Context, missionID string, sinceRevision int64) ([]mission.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validMissionID(missionID); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.readLog(missionID)
	if os.IsNotExist(err) {
		return nil, ErrMissionNotFound
	}
	if err != nil {
		return nil, err
	}
	if sinceRevision <= 0 {
		return records, nil
	}
	out := records[:0:0]
	for _, record := range records {
		if record.Revision > sinceRevision {
			out = append(out, record)
		}
	}
	return out, nil
}

// Revision implements Store.
func (s *FileStore) Revision(ctx context.Context, missionID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := validMissionID(missionID); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(s.logPath(missionID)); os.IsNotExist(err) {
		return 0, ErrMissionNotFound
	}
	return s.headLocked(missionID)
}

// List implements Store.
func (s *FileStore) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".events.jsonl") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".events.jsonl"))
	}
	sort.Strings(ids)
	return ids, nil
}

type snapshotFile struct {
	Revision int64                 `json:"revision"`
	State    *mission.MissionState `json:"state"`
}

// SaveSnapshot implements Snapshotter.
func (s *FileStore) SaveSnapshot(ctx context.Context, state *mission.MissionState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if state == nil || state.ID == "" {
		return fmt.Errorf("snapshot requires a projected state")
	}
	if err := validMissionID(state.ID); err != nil {
		return err
	}
	data, err := json.MarshalIndent(snapshotFile{Revision: state.Revision, State: state}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	return os.WriteFile(s.snapshotPath(state.ID), data, 0o644)
}

// LoadSnapshot implements Snapshotter. A missing snapshot returns nil, nil;
// callers must revalidate the revision against the log before trusting it.
func (s *FileStore) LoadSnapshot(ctx context.Context, missionID string) (*mission.MissionState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validMissionID(missionID); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.snapshotPath(missionID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var snap snapshotFile
	if err := json.Unmarshal(data, &snap); err != nil {
		s.logger.Warn("corrupt snapshot for %s, ignoring: %v", missionID, err)
		return nil, nil
	}
	if snap.State == nil || snap.State.Revision != snap.Revision {
		return nil, nil
	}
	return snap.State, nil
}
