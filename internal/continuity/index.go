package continuity

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const indexVersion = 1

// Meta is a continuity thread's materialized header, cached in
// continuities/index.json as a latency shortcut — the log remains truth.
type Meta struct {
	ContinuityID string `json:"continuity_id"`
	CreatedAtMs  int64  `json:"created_at_ms"`
	Title        string `json:"title,omitempty"`
	Archived     bool   `json:"archived"`
}

type indexFile struct {
	Version      int            `json:"version"`
	Workspaces   map[string]string `json:"workspaces"` // workspace key -> default continuity id
	Continuities map[string]Meta   `json:"continuities"`
}

func newIndexFile() indexFile {
	return indexFile{
		Version:      indexVersion,
		Workspaces:   make(map[string]string),
		Continuities: make(map[string]Meta),
	}
}

type threadIndex struct {
	mu   sync.Mutex
	path string
	data indexFile
}

func loadThreadIndex(dataDir string) *threadIndex {
	path := filepath.Join(dataDir, "continuities", "index.json")
	idx := &threadIndex{path: path, data: newIndexFile()}

	raw, err := os.ReadFile(path)
	if err != nil {
		return idx
	}
	var parsed indexFile
	if err := json.Unmarshal(raw, &parsed); err != nil || parsed.Version != indexVersion {
		return idx
	}
	if parsed.Workspaces == nil {
		parsed.Workspaces = make(map[string]string)
	}
	if parsed.Continuities == nil {
		parsed.Continuities = make(map[string]Meta)
	}
	idx.data = parsed
	return idx
}

func (t *threadIndex) save() error {
	if err := os.MkdirAll(filepath.Dir(t.path), 0o755); err != nil {
		return fmt.Errorf("continuity: mkdir index dir: %w", err)
	}
	raw, err := json.MarshalIndent(t.data, "", "  ")
	if err != nil {
		return err
	}
	tmp := t.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, t.path)
}

func (t *threadIndex) defaultForWorkspace(workspace string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.data.Workspaces[workspace]
	return id, ok
}

func (t *threadIndex) setDefaultForWorkspace(workspace, id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.data.Workspaces[workspace] = id
	return t.save()
}

func (t *threadIndex) put(workspace string, meta Meta, setDefault bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.data.Continuities[meta.ContinuityID] = meta
	if setDefault {
		t.data.Workspaces[workspace] = meta.ContinuityID
	}
	return t.save()
}

func (t *threadIndex) get(id string) (Meta, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.data.Continuities[id]
	return m, ok
}

func (t *threadIndex) list() []Meta {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Meta, 0, len(t.data.Continuities))
	for _, m := range t.data.Continuities {
		out = append(out, m)
	}
	return out
}
