package continuity

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Stride is the seq interval at which the seek index records an entry
// (spec §4.1: "one entry per STRIDE=256 events").
const Stride = 256

const seekIndexVersion = 1

type seekEntry struct {
	Version int    `json:"version"`
	Stride  int    `json:"stride"`
	Seq     uint64 `json:"seq"`
	Offset  int64  `json:"offset"`
}

// SeekIndex is the continuity-only seq→sidecar-offset cache (spec §6:
// `<id>.seek.v1.jsonl`). It lets a reader jump close to an arbitrary seq
// without scanning the whole sidecar from the start.
type SeekIndex struct {
	path    string
	entries []seekEntry
}

func seekIndexPath(dataDir, threadID string) string {
	return filepath.Join(dataDir, "streams", "continuity", threadID+".seek.v1.jsonl")
}

// LoadSeekIndex reads the on-disk index, or reports ok=false if it is
// missing or fails the version sanity check (spec §4.6a).
func LoadSeekIndex(dataDir, threadID string) (*SeekIndex, bool) {
	path := seekIndexPath(dataDir, threadID)
	f, err := os.Open(path)
	if err != nil {
		return nil, false
	}
	defer f.Close()

	idx := &SeekIndex{path: path}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 4096), 1<<20)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var e seekEntry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, false
		}
		if e.Version != seekIndexVersion || e.Stride != Stride {
			return nil, false
		}
		idx.entries = append(idx.entries, e)
	}
	if sc.Err() != nil {
		return nil, false
	}
	return idx, true
}

// Nearest returns the offset of the closest indexed seq at or below target,
// or (0, false) if the index has no entry that low (caller should scan from
// the sidecar's start).
func (s *SeekIndex) Nearest(target uint64) (offset int64, ok bool) {
	var best *seekEntry
	for i := range s.entries {
		e := &s.entries[i]
		if e.Seq <= target && (best == nil || e.Seq > best.Seq) {
			best = e
		}
	}
	if best == nil {
		return 0, false
	}
	return best.Offset, true
}

// RebuildSeekIndex recomputes the full index from a partition's ordered
// events and their sidecar byte offsets, then atomically replaces the file
// on disk (tmp+rename).
func RebuildSeekIndex(dataDir, threadID string, seqOffsets []SeqOffset) (*SeekIndex, error) {
	idx := &SeekIndex{path: seekIndexPath(dataDir, threadID)}
	for _, so := range seqOffsets {
		if so.Seq%Stride == 0 {
			idx.entries = append(idx.entries, seekEntry{
				Version: seekIndexVersion,
				Stride:  Stride,
				Seq:     so.Seq,
				Offset:  so.Offset,
			})
		}
	}
	if err := idx.flush(); err != nil {
		return nil, err
	}
	return idx, nil
}

// SeqOffset pairs a partition seq with its byte offset in the continuity
// sidecar file, as read back by scanSidecarWithOffsets.
type SeqOffset struct {
	Seq    uint64
	Offset int64
}

func (s *SeekIndex) flush() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("continuity: mkdir seek index dir: %w", err)
	}
	tmp := s.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("continuity: create seek index tmp: %w", err)
	}
	w := bufio.NewWriter(f)
	for _, e := range s.entries {
		line, err := json.Marshal(e)
		if err != nil {
			f.Close()
			os.Remove(tmp)
			return err
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			f.Close()
			os.Remove(tmp)
			return err
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	f.Close()
	return os.Rename(tmp, s.path)
}

// Append records a new entry if seq lands on a stride boundary, and
// appends it to the on-disk file directly (no full rewrite needed for the
// common incremental-append path).
func (s *SeekIndex) Append(seq uint64, offset int64) error {
	if seq%Stride != 0 {
		return nil
	}
	e := seekEntry{Version: seekIndexVersion, Stride: Stride, Seq: seq, Offset: offset}
	s.entries = append(s.entries, e)

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("continuity: open seek index for append: %w", err)
	}
	defer f.Close()
	line, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return err
	}
	return f.Sync()
}
