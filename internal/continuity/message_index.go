package continuity

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// On-disk layout (spec §6, bit-exact):
//   header 32 bytes: magic "RIPMSGI1" | ver:u8 | _:7 | capacity:u64 | len:u64
//   slot   40 bytes: state:u8 | _:7 | key:16 | seq:u64 | offset:u64

const (
	messageIndexMagic    = "RIPMSGI1"
	messageIndexVersion  = 1
	headerSize           = 32
	slotSize             = 40
	slotStateEmpty       = 0
	slotStateOccupied    = 1
	maxLoadFactorPercent = 70
)

// MessageEntry is one continuity_message_appended event's identity, keyed
// by its event id (the "message id").
type MessageEntry struct {
	MessageID uuid.UUID
	Seq       uint64
	Offset    int64
}

// MessageIndex is the per-thread message-id → (seq, offset) open-addressed
// hash table used to answer branch/handoff cut lookups by message id
// without a full partition scan.
type MessageIndex struct {
	path     string
	capacity uint64
	length   uint64
}

func messageIndexPath(dataDir, threadID string) string {
	return filepath.Join(dataDir, "streams", "continuity", threadID+".messages.v1.bin")
}

func fnv1a16(key [16]byte) uint64 {
	h := fnv.New64a()
	h.Write(key[:])
	return h.Sum64()
}

// LoadMessageIndex opens an existing on-disk table and validates its
// header. Returns ok=false if missing or the magic/version sanity check
// fails (spec §4.6a rebuild trigger).
func LoadMessageIndex(dataDir, threadID string) (*MessageIndex, bool) {
	path := messageIndexPath(dataDir, threadID)
	f, err := os.Open(path)
	if err != nil {
		return nil, false
	}
	defer f.Close()

	hdr := make([]byte, headerSize)
	if _, err := f.Read(hdr); err != nil {
		return nil, false
	}
	if string(hdr[:8]) != messageIndexMagic {
		return nil, false
	}
	if hdr[8] != messageIndexVersion {
		return nil, false
	}
	cap_ := binary.LittleEndian.Uint64(hdr[16:24])
	length := binary.LittleEndian.Uint64(hdr[24:32])
	if cap_ == 0 {
		return nil, false
	}
	return &MessageIndex{path: path, capacity: cap_, length: length}, true
}

func writeHeader(f *os.File, capacity, length uint64) error {
	hdr := make([]byte, headerSize)
	copy(hdr[:8], messageIndexMagic)
	hdr[8] = messageIndexVersion
	binary.LittleEndian.PutUint64(hdr[16:24], capacity)
	binary.LittleEndian.PutUint64(hdr[24:32], length)
	if _, err := f.WriteAt(hdr, 0); err != nil {
		return err
	}
	return nil
}

func slotOffset(i uint64) int64 {
	return headerSize + int64(i)*slotSize
}

// RebuildMessageIndex recomputes the full table from scratch, sized so the
// resulting load factor is below 0.7, and atomically replaces the on-disk
// file (tmp+rename).
func RebuildMessageIndex(dataDir, threadID string, entries []MessageEntry) (*MessageIndex, error) {
	capacity := uint64(16)
	for capacity == 0 || len(entries)*100 >= int(capacity)*maxLoadFactorPercent {
		capacity *= 2
	}

	if err := os.MkdirAll(filepath.Dir(messageIndexPath(dataDir, threadID)), 0o755); err != nil {
		return nil, fmt.Errorf("continuity: mkdir message index dir: %w", err)
	}

	tmp := messageIndexPath(dataDir, threadID) + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return nil, fmt.Errorf("continuity: create message index tmp: %w", err)
	}

	total := headerSize + int64(capacity)*slotSize
	if err := f.Truncate(total); err != nil {
		f.Close()
		os.Remove(tmp)
		return nil, err
	}
	if err := writeHeader(f, capacity, 0); err != nil {
		f.Close()
		os.Remove(tmp)
		return nil, err
	}

	idx := &MessageIndex{path: tmp, capacity: capacity}
	for _, e := range entries {
		if err := idx.insertInto(f, e); err != nil {
			f.Close()
			os.Remove(tmp)
			return nil, err
		}
	}
	idx.length = uint64(len(entries))
	if err := writeHeader(f, capacity, idx.length); err != nil {
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

	finalPath := messageIndexPath(dataDir, threadID)
	if err := os.Rename(tmp, finalPath); err != nil {
		return nil, err
	}
	idx.path = finalPath
	return idx, nil
}

func (m *MessageIndex) insertInto(f *os.File, e MessageEntry) error {
	key := [16]byte(e.MessageID)
	h := fnv1a16(key)
	for probe := uint64(0); probe < m.capacity; probe++ {
		i := (h + probe) % m.capacity
		off := slotOffset(i)
		state := make([]byte, 1)
		if _, err := f.ReadAt(state, off); err != nil {
			return err
		}
		if state[0] == slotStateEmpty {
			slot := make([]byte, slotSize)
			slot[0] = slotStateOccupied
			copy(slot[8:24], key[:])
			binary.LittleEndian.PutUint64(slot[24:32], e.Seq)
			binary.LittleEndian.PutUint64(slot[32:40], uint64(e.Offset))
			_, err := f.WriteAt(slot, off)
			return err
		}
	}
	return fmt.Errorf("continuity: message index full (capacity %d)", m.capacity)
}

// Insert adds one new entry to the live on-disk table. Callers should
// trigger a RebuildMessageIndex instead once the load factor would exceed
// 0.7 (spec §4.1).
func (m *MessageIndex) Insert(e MessageEntry) error {
	f, err := os.OpenFile(m.path, os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := m.insertInto(f, e); err != nil {
		return err
	}
	m.length++
	return writeHeader(f, m.capacity, m.length)
}

// LoadFactor reports the table's current occupancy ratio.
func (m *MessageIndex) LoadFactor() float64 {
	if m.capacity == 0 {
		return 1
	}
	return float64(m.length) / float64(m.capacity)
}

// Lookup finds a message id's (seq, offset), or ok=false if absent.
func (m *MessageIndex) Lookup(id uuid.UUID) (seq uint64, offset int64, ok bool, err error) {
	f, ferr := os.Open(m.path)
	if ferr != nil {
		return 0, 0, false, ferr
	}
	defer f.Close()

	key := [16]byte(id)
	h := fnv1a16(key)
	slot := make([]byte, slotSize)
	for probe := uint64(0); probe < m.capacity; probe++ {
		i := (h + probe) % m.capacity
		if _, err := f.ReadAt(slot, slotOffset(i)); err != nil {
			return 0, 0, false, err
		}
		if slot[0] == slotStateEmpty {
			return 0, 0, false, nil
		}
		if slot[0] == slotStateOccupied && [16]byte(slot[8:24]) == key {
			seq = binary.LittleEndian.Uint64(slot[24:32])
			offset = int64(binary.LittleEndian.Uint64(slot[32:40]))
			return seq, offset, true, nil
		}
	}
	return 0, 0, false, nil
}
