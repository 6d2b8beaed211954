package tasks

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"unicode/utf8"

	"github.com/ripdev/ripd/pkg/events"
)

// logWriter accumulates one task output stream (stdout, stderr, or pty) to
// a workspace-relative artifact file, capping stored bytes at maxBytes while
// still counting every byte seen (spec §4.4: "further bytes are counted but
// not stored and truncated=true is set").
type logWriter struct {
	mu         sync.Mutex
	f          *os.File
	relPath    string
	artifactID string
	maxBytes   int64
	stored     int64
	total      int64
}

func newLogWriter(workspaceRoot, taskID string, stream events.TaskOutputStream, artifactID string, maxBytes int64) (*logWriter, error) {
	dir := filepath.Join(workspaceRoot, ".rip", "tasks", taskID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("tasks: mkdir log dir: %w", err)
	}
	relPath := filepath.ToSlash(filepath.Join(".rip", "tasks", taskID, string(stream)+".log"))
	abs := filepath.Join(workspaceRoot, filepath.FromSlash(relPath))
	f, err := os.OpenFile(abs, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("tasks: open log file: %w", err)
	}
	return &logWriter{f: f, relPath: relPath, artifactID: artifactID, maxBytes: maxBytes}, nil
}

// Write appends data up to the remaining budget and returns a short preview
// of what was just appended plus whether this write caused truncation.
func (w *logWriter) Write(data []byte) (preview string, truncated bool, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.total += int64(len(data))
	remaining := w.maxBytes - w.stored
	toStore := data
	if int64(len(toStore)) > remaining {
		if remaining < 0 {
			remaining = 0
		}
		toStore = data[:remaining]
		truncated = true
	}
	if len(toStore) > 0 {
		if _, err := w.f.Write(toStore); err != nil {
			return "", false, fmt.Errorf("tasks: write log: %w", err)
		}
		w.stored += int64(len(toStore))
	}

	const previewLimit = 256
	p := data
	if len(p) > previewLimit {
		p = p[:previewLimit]
	}
	return truncateUTF8Boundary(string(p), previewLimit), truncated, nil
}

// Ref returns the current artifact reference for this stream.
func (w *logWriter) Ref() events.ArtifactRef {
	w.mu.Lock()
	defer w.mu.Unlock()
	return events.ArtifactRef{
		ArtifactID: w.artifactID,
		Path:       w.relPath,
		Bytes:      w.total,
		Truncated:  w.stored < w.total,
	}
}

func (w *logWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Close()
}

// readAt implements the Output() API (spec §4.4): seek into the stored
// bytes, read up to maxBytes, UTF-8-truncate at a safe boundary, and report
// against the true total byte count (which may exceed what's on disk).
func (w *logWriter) readAt(offsetBytes, maxBytes int64) (content string, totalBytes int64, truncated bool, err error) {
	w.mu.Lock()
	stored := w.stored
	total := w.total
	path := w.f.Name()
	w.mu.Unlock()

	if offsetBytes < 0 || offsetBytes > stored {
		return "", total, false, fmt.Errorf("tasks: offset %d out of range (stored=%d)", offsetBytes, stored)
	}

	f, err := os.Open(path)
	if err != nil {
		return "", total, false, fmt.Errorf("tasks: reopen log: %w", err)
	}
	defer f.Close()

	toRead := maxBytes
	if offsetBytes+toRead > stored {
		toRead = stored - offsetBytes
	}
	buf := make([]byte, toRead)
	n, err := f.ReadAt(buf, offsetBytes)
	if err != nil && n == 0 && toRead > 0 {
		return "", total, false, fmt.Errorf("tasks: read log: %w", err)
	}
	buf = buf[:n]

	wasCut := offsetBytes+int64(n) < total
	safe := truncateUTF8Boundary(string(buf), len(buf))
	return safe, total, wasCut || int64(len(safe)) < int64(len(buf)), nil
}

// truncateUTF8Boundary cuts s to at most maxBytes, walking back at most 3
// bytes to avoid splitting a multi-byte rune (SPEC_FULL §11, matching
// rip-tools/src/runtime.rs's truncate_utf8_boundary).
func truncateUTF8Boundary(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	cut := maxBytes
	for back := 0; back < 4 && cut > 0; back++ {
		if utf8.RuneStart(s[cut]) {
			break
		}
		cut--
	}
	return s[:cut]
}
