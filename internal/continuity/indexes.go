package continuity

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/ripdev/ripd/pkg/events"
)

type offsetEvent struct {
	events.Event
	Offset int64
}

// scanSidecarWithOffsets reads a partition sidecar, recording the byte
// offset each line begins at — the same offsets the seek/message indexes
// key on.
func scanSidecarWithOffsets(path string) ([]offsetEvent, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []offsetEvent
	r := bufio.NewReader(f)
	var offset int64
	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 {
			trimmed := line
			if trimmed[len(trimmed)-1] == '\n' {
				trimmed = trimmed[:len(trimmed)-1]
			}
			if len(trimmed) > 0 {
				var ev events.Event
				if uerr := json.Unmarshal(trimmed, &ev); uerr != nil {
					return nil, fmt.Errorf("continuity: malformed sidecar line in %s: %w", path, uerr)
				}
				out = append(out, offsetEvent{Event: ev, Offset: offset})
			}
			offset += int64(len(line))
		}
		if err != nil {
			break
		}
	}
	return out, nil
}

// ensureSeekIndex loads (or, per spec §4.6a, synchronously rebuilds) the
// seek index for threadID, caching the result in the store.
func (s *Store) ensureSeekIndex(threadID string) (*SeekIndex, error) {
	s.seekMu.Lock()
	if idx, ok := s.seeks[threadID]; ok {
		s.seekMu.Unlock()
		return idx, nil
	}
	s.seekMu.Unlock()

	if idx, ok := LoadSeekIndex(s.dataDir, threadID); ok {
		s.seekMu.Lock()
		s.seeks[threadID] = idx
		s.seekMu.Unlock()
		return idx, nil
	}

	offsetEvs, err := scanSidecarWithOffsets(s.log.SidecarPath(s.partition(threadID)))
	if err != nil {
		return nil, fmt.Errorf("continuity: rebuild seek index: %w", err)
	}
	seqOffsets := make([]SeqOffset, len(offsetEvs))
	for i, oe := range offsetEvs {
		seqOffsets[i] = SeqOffset{Seq: oe.Seq, Offset: oe.Offset}
	}
	idx, err := RebuildSeekIndex(s.dataDir, threadID, seqOffsets)
	if err != nil {
		return nil, err
	}
	s.seekMu.Lock()
	s.seeks[threadID] = idx
	s.seekMu.Unlock()
	return idx, nil
}

// ensureMessageIndex loads (or rebuilds) the message-id index for threadID.
func (s *Store) ensureMessageIndex(threadID string) (*MessageIndex, error) {
	s.msgMu.Lock()
	if idx, ok := s.msgs[threadID]; ok {
		s.msgMu.Unlock()
		return idx, nil
	}
	s.msgMu.Unlock()

	if idx, ok := LoadMessageIndex(s.dataDir, threadID); ok {
		s.msgMu.Lock()
		s.msgs[threadID] = idx
		s.msgMu.Unlock()
		return idx, nil
	}

	offsetEvs, err := scanSidecarWithOffsets(s.log.SidecarPath(s.partition(threadID)))
	if err != nil {
		return nil, fmt.Errorf("continuity: rebuild message index: %w", err)
	}
	var entries []MessageEntry
	for _, oe := range offsetEvs {
		if oe.Kind != events.KindContinuityMessageAppended {
			continue
		}
		id, err := uuid.Parse(oe.ID)
		if err != nil {
			continue
		}
		entries = append(entries, MessageEntry{MessageID: id, Seq: oe.Seq, Offset: oe.Offset})
	}
	idx, err := RebuildMessageIndex(s.dataDir, threadID, entries)
	if err != nil {
		return nil, err
	}
	s.msgMu.Lock()
	s.msgs[threadID] = idx
	s.msgMu.Unlock()
	return idx, nil
}

// recordIndexEntry maintains the seek and message indexes incrementally
// after a successful append, rebuilding lazily first if the caches are
// cold or invalid (spec §4.6a).
func (s *Store) recordIndexEntry(ev events.Event) {
	seek, err := s.ensureSeekIndex(ev.StreamID)
	if err == nil {
		offset, ok := s.sidecarOffsetOf(ev)
		if ok {
			_ = seek.Append(ev.Seq, offset)
		}
	}

	if ev.Kind != events.KindContinuityMessageAppended {
		return
	}
	msgIdx, err := s.ensureMessageIndex(ev.StreamID)
	if err != nil {
		return
	}
	id, err := uuid.Parse(ev.ID)
	if err != nil {
		return
	}
	offset, ok := s.sidecarOffsetOf(ev)
	if !ok {
		return
	}
	if msgIdx.LoadFactor() >= 0.7 {
		offsetEvs, rerr := scanSidecarWithOffsets(s.log.SidecarPath(s.partition(ev.StreamID)))
		if rerr == nil {
			var entries []MessageEntry
			for _, oe := range offsetEvs {
				if oe.Kind != events.KindContinuityMessageAppended {
					continue
				}
				mid, perr := uuid.Parse(oe.ID)
				if perr != nil {
					continue
				}
				entries = append(entries, MessageEntry{MessageID: mid, Seq: oe.Seq, Offset: oe.Offset})
			}
			if rebuilt, rerr2 := RebuildMessageIndex(s.dataDir, ev.StreamID, entries); rerr2 == nil {
				s.msgMu.Lock()
				s.msgs[ev.StreamID] = rebuilt
				s.msgMu.Unlock()
			}
		}
		return
	}
	_ = msgIdx.Insert(MessageEntry{MessageID: id, Seq: ev.Seq, Offset: offset})
}

// sidecarOffsetOf re-stats the sidecar to find where the just-appended
// event's line begins. Called right after Store.appendAt/createThread
// append, so the event is necessarily the last line in the file.
func (s *Store) sidecarOffsetOf(ev events.Event) (int64, bool) {
	info, err := os.Stat(s.log.SidecarPath(s.partition(ev.StreamID)))
	if err != nil {
		return 0, false
	}
	line, err := json.Marshal(ev)
	if err != nil {
		return 0, false
	}
	lineLen := int64(len(line)) + 1 // trailing newline
	offset := info.Size() - lineLen
	if offset < 0 {
		return 0, false
	}
	return offset, true
}

// LookupMessage resolves a message id to (seq, offset) via the message
// index, rebuilding it first if needed.
func (s *Store) LookupMessage(threadID, messageID string) (seq uint64, offset int64, ok bool, err error) {
	idx, err := s.ensureMessageIndex(threadID)
	if err != nil {
		return 0, 0, false, err
	}
	id, err := uuid.Parse(messageID)
	if err != nil {
		return 0, 0, false, fmt.Errorf("continuity: invalid message id %q: %w", messageID, err)
	}
	return idx.Lookup(id)
}
