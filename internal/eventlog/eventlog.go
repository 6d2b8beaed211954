// Package eventlog implements the authority's durable, append-only event
// log: one primary file of record, per-partition sidecars for O(partition)
// replay, and terminal-event snapshots. The continuity-only seek and
// message indexes of spec §4.1/§6 are kept by internal/continuity.
package eventlog

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ripdev/ripd/pkg/events"
)

var (
	ErrSeqConflict = errors.New("eventlog: seq does not match next expected for partition")
	ErrNotFound    = errors.New("eventlog: partition not found")
)

type partitionState struct {
	mu      sync.Mutex
	nextSeq uint64
	sidecar *os.File
}

// Log is the authority's single append-only event store. One Log owns one
// data directory; the authority process holds exactly one Log for its
// lifetime (enforced by internal/authority, not by this package).
type Log struct {
	dataDir string

	primaryMu sync.Mutex
	primary   *os.File

	partsMu sync.Mutex
	parts   map[events.Partition]*partitionState

	// onAppend lets continuity callers maintain the seek/message indexes
	// without this package knowing about their binary formats.
	onAppendMu sync.RWMutex
	onAppend   func(events.Partition, events.Event, int64)
}

// Open creates the data directory layout if missing and replays the
// primary log once to recover each partition's next-seq counter.
func Open(dataDir string) (*Log, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("eventlog: mkdir data dir: %w", err)
	}
	for _, sub := range []string{
		filepath.Join(dataDir, "streams", "session"),
		filepath.Join(dataDir, "streams", "task"),
		filepath.Join(dataDir, "streams", "continuity"),
		filepath.Join(dataDir, "snapshots"),
		filepath.Join(dataDir, "task_snapshots"),
		filepath.Join(dataDir, "continuities"),
	} {
		if err := os.MkdirAll(sub, 0o755); err != nil {
			return nil, fmt.Errorf("eventlog: mkdir %s: %w", sub, err)
		}
	}

	primaryPath := filepath.Join(dataDir, "events.jsonl")
	f, err := os.OpenFile(primaryPath, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("eventlog: open primary log: %w", err)
	}

	l := &Log{
		dataDir: dataDir,
		primary: f,
		parts:   make(map[events.Partition]*partitionState),
	}

	if err := l.recoverNextSeq(primaryPath); err != nil {
		f.Close()
		return nil, err
	}
	return l, nil
}

func (l *Log) recoverNextSeq(primaryPath string) error {
	f, err := os.Open(primaryPath)
	if err != nil {
		return fmt.Errorf("eventlog: reopen primary for recovery: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev events.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			return fmt.Errorf("eventlog: corrupt primary log: %w", err)
		}
		part := events.Partition{Kind: ev.StreamKind, ID: ev.StreamID}
		st := l.partitionState(part)
		if ev.Seq+1 > st.nextSeq {
			st.nextSeq = ev.Seq + 1
		}
	}
	return sc.Err()
}

func (l *Log) partitionState(p events.Partition) *partitionState {
	l.partsMu.Lock()
	defer l.partsMu.Unlock()
	st, ok := l.parts[p]
	if !ok {
		st = &partitionState{}
		l.parts[p] = st
	}
	return st
}

// SetAppendHook registers a callback invoked after every successful append,
// given the byte offset of the event's line within its partition sidecar.
// No caller in this tree registers one; internal/continuity derives sidecar
// offsets itself.
func (l *Log) SetAppendHook(fn func(events.Partition, events.Event, int64)) {
	l.onAppendMu.Lock()
	defer l.onAppendMu.Unlock()
	l.onAppend = fn
}

// NextSeq returns the next expected seq for a partition without mutating it.
func (l *Log) NextSeq(p events.Partition) uint64 {
	st := l.partitionState(p)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.nextSeq
}

// Append validates seq contiguity, writes the event to the primary log and
// then its partition sidecar, and advances the partition's next-seq counter.
// A failed append leaves next-seq unchanged — no gap is ever recorded.
func (l *Log) Append(ev events.Event) error {
	part := events.Partition{Kind: ev.StreamKind, ID: ev.StreamID}
	st := l.partitionState(part)

	st.mu.Lock()
	defer st.mu.Unlock()

	if ev.Seq != st.nextSeq {
		return fmt.Errorf("%w: partition %s/%s expected %d, got %d", ErrSeqConflict, part.Kind, part.ID, st.nextSeq, ev.Seq)
	}

	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("eventlog: marshal event: %w", err)
	}
	line = append(line, '\n')

	if _, err := l.appendPrimary(line); err != nil {
		return err
	}

	sidecarOffset, err := l.appendSidecar(st, part, line)
	if err != nil {
		return fmt.Errorf("eventlog: append sidecar: %w", err)
	}

	st.nextSeq++

	l.onAppendMu.RLock()
	hook := l.onAppend
	l.onAppendMu.RUnlock()
	if hook != nil {
		hook(part, ev, sidecarOffset)
	}
	return nil
}

func (l *Log) appendPrimary(line []byte) (int64, error) {
	l.primaryMu.Lock()
	defer l.primaryMu.Unlock()

	info, err := l.primary.Stat()
	if err != nil {
		return 0, fmt.Errorf("eventlog: stat primary: %w", err)
	}
	offset := info.Size()

	if _, err := l.primary.Write(line); err != nil {
		return 0, fmt.Errorf("eventlog: write primary: %w", err)
	}
	if err := l.primary.Sync(); err != nil {
		return 0, fmt.Errorf("eventlog: sync primary: %w", err)
	}
	return offset, nil
}

func (l *Log) sidecarPath(p events.Partition) string {
	return filepath.Join(l.dataDir, "streams", string(p.Kind), p.ID+".jsonl")
}

// SidecarPath exposes the on-disk sidecar path for a partition, used by
// internal/continuity to locate the file its byte offsets refer into.
func (l *Log) SidecarPath(p events.Partition) string {
	return l.sidecarPath(p)
}

func (l *Log) appendSidecar(st *partitionState, p events.Partition, line []byte) (int64, error) {
	if st.sidecar == nil {
		if err := os.MkdirAll(filepath.Dir(l.sidecarPath(p)), 0o755); err != nil {
			return 0, err
		}
		f, err := os.OpenFile(l.sidecarPath(p), os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
		if err != nil {
			return 0, err
		}
		st.sidecar = f
	}
	info, err := st.sidecar.Stat()
	if err != nil {
		return 0, err
	}
	offset := info.Size()
	if _, err := st.sidecar.Write(line); err != nil {
		return 0, err
	}
	return offset, st.sidecar.Sync()
}

// ReplayAll returns every event in the primary log, in file order.
func (l *Log) ReplayAll() ([]events.Event, error) {
	l.primaryMu.Lock()
	path := l.primary.Name()
	l.primaryMu.Unlock()
	return readJSONLEvents(path)
}

// ReplayStream returns a partition's events via its sidecar, rebuilding the
// sidecar from the primary log first if it is missing or fails to parse.
func (l *Log) ReplayStream(p events.Partition) ([]events.Event, error) {
	path := l.sidecarPath(p)
	evs, err := readJSONLEvents(path)
	if err == nil {
		return evs, nil
	}
	if !os.IsNotExist(err) {
		// Torn sidecar: fall through to rebuild.
	}
	rebuilt, rebuildErr := l.rebuildSidecar(p)
	if rebuildErr != nil {
		return nil, fmt.Errorf("eventlog: rebuild sidecar for %s/%s: %w", p.Kind, p.ID, rebuildErr)
	}
	return rebuilt, nil
}

func (l *Log) rebuildSidecar(p events.Partition) ([]events.Event, error) {
	all, err := l.ReplayAll()
	if err != nil {
		return nil, err
	}
	var filtered []events.Event
	for _, ev := range all {
		if ev.StreamKind == p.Kind && ev.StreamID == p.ID {
			filtered = append(filtered, ev)
		}
	}

	tmp := l.sidecarPath(p) + ".rebuild.tmp"
	if err := os.MkdirAll(filepath.Dir(tmp), 0o755); err != nil {
		return nil, err
	}
	f, err := os.Create(tmp)
	if err != nil {
		return nil, err
	}
	w := bufio.NewWriter(f)
	for _, ev := range filtered {
		line, err := json.Marshal(ev)
		if err != nil {
			f.Close()
			os.Remove(tmp)
			return nil, err
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			f.Close()
			os.Remove(tmp)
			return nil, err
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return nil, err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return nil, err
	}
	f.Close()

	if err := os.Rename(tmp, l.sidecarPath(p)); err != nil {
		return nil, err
	}

	// Reopen the live sidecar handle for the partition so future appends
	// continue onto the rebuilt file.
	st := l.partitionState(p)
	st.mu.Lock()
	if st.sidecar != nil {
		st.sidecar.Close()
		st.sidecar = nil
	}
	nf, err := os.OpenFile(l.sidecarPath(p), os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err == nil {
		st.sidecar = nf
	}
	st.mu.Unlock()

	return filtered, nil
}

func readJSONLEvents(path string) ([]events.Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []events.Event
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev events.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			return nil, fmt.Errorf("eventlog: malformed line in %s: %w", path, err)
		}
		out = append(out, ev)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Close flushes and releases all open file handles.
func (l *Log) Close() error {
	l.partsMu.Lock()
	for _, st := range l.parts {
		st.mu.Lock()
		if st.sidecar != nil {
			st.sidecar.Close()
			st.sidecar = nil
		}
		st.mu.Unlock()
	}
	l.partsMu.Unlock()

	l.primaryMu.Lock()
	defer l.primaryMu.Unlock()
	return l.primary.Close()
}

// DataDir returns the root directory this log was opened against.
func (l *Log) DataDir() string { return l.dataDir }
