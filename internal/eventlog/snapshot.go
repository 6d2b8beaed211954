package eventlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"

	"github.com/ripdev/ripd/pkg/events"
)

// SnapshotStore persists and verifies terminal-event snapshots for one
// directory (sessions or tasks, per spec §4.1a — both are the same shape,
// parameterized by dir).
type SnapshotStore struct {
	dir string
}

func NewSnapshotStore(dir string) *SnapshotStore {
	return &SnapshotStore{dir: dir}
}

type snapshotFile struct {
	ID     string         `json:"id"`
	Events []events.Event `json:"events"`
}

// Write persists the given events for id to <dir>/<id>.json, atomically via
// tmp file + rename.
func (s *SnapshotStore) Write(id string, evs []events.Event) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("eventlog: mkdir snapshot dir: %w", err)
	}
	data, err := json.Marshal(snapshotFile{ID: id, Events: evs})
	if err != nil {
		return fmt.Errorf("eventlog: marshal snapshot: %w", err)
	}

	path := filepath.Join(s.dir, id+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("eventlog: write snapshot tmp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("eventlog: rename snapshot: %w", err)
	}
	return nil
}

// Read loads a previously written snapshot, or os.ErrNotExist if absent.
func (s *SnapshotStore) Read(id string) ([]events.Event, error) {
	path := filepath.Join(s.dir, id+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var sf snapshotFile
	if err := json.Unmarshal(data, &sf); err != nil {
		return nil, fmt.Errorf("eventlog: malformed snapshot %s: %w", path, err)
	}
	return sf.Events, nil
}

// Verify rehydrates the snapshot at id and asserts it matches the log's
// current view of the given partition.
func (s *SnapshotStore) Verify(l *Log, p events.Partition, id string) error {
	snap, err := s.Read(id)
	if err != nil {
		return fmt.Errorf("eventlog: read snapshot for verify: %w", err)
	}
	live, err := l.ReplayStream(p)
	if err != nil {
		return fmt.Errorf("eventlog: replay partition for verify: %w", err)
	}
	if len(snap) != len(live) {
		return fmt.Errorf("eventlog: snapshot/log length mismatch for %s: %d vs %d", id, len(snap), len(live))
	}
	for i := range snap {
		if !reflect.DeepEqual(snap[i], live[i]) {
			return fmt.Errorf("eventlog: snapshot/log diverge for %s at index %d", id, i)
		}
	}
	return nil
}
