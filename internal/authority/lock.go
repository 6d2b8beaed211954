// Package authority implements the filesystem-backed single-writer lock
// that designates one process as the authority allowed to append to the
// event log and mutate the workspace (spec §4.9/Component I).
package authority

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

const (
	lockFileName = "authority.lock"
	metaFileName = "authority.meta"
)

// LockInfo is the JSON shape written to both authority.lock and
// authority.meta.
type LockInfo struct {
	PID         int    `json:"pid"`
	Endpoint    string `json:"endpoint"`
	StartedAtMs int64  `json:"started_at_ms"`
}

// Lock holds the acquired authority lock for one data directory. Release
// must be called on graceful shutdown to remove both files.
type Lock struct {
	dataDir string
	info    LockInfo
}

// ErrHeld is returned by Acquire when another live process already holds
// the lock.
type ErrHeld struct {
	Info LockInfo
}

func (e *ErrHeld) Error() string {
	return fmt.Sprintf("authority: lock held by live pid %d (endpoint %s)", e.Info.PID, e.Info.Endpoint)
}

// Acquire takes the authority lock for dataDir, replacing any stale lock
// left by a dead process (spec §4.9 "if dead or absent, replace").
func Acquire(dataDir, endpoint string) (*Lock, error) {
	lockPath := filepath.Join(dataDir, lockFileName)

	if existing, err := readLockInfo(lockPath); err == nil {
		if pidAlive(existing.PID) {
			return nil, &ErrHeld{Info: existing}
		}
		// Stale: dead pid, fall through and replace.
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("authority: read existing lock: %w", err)
	}

	info := LockInfo{PID: os.Getpid(), Endpoint: endpoint, StartedAtMs: time.Now().UnixMilli()}
	if err := writeLockInfo(lockPath, info); err != nil {
		return nil, fmt.Errorf("authority: write lock: %w", err)
	}
	if err := writeLockInfo(filepath.Join(dataDir, metaFileName), info); err != nil {
		return nil, fmt.Errorf("authority: write meta: %w", err)
	}
	return &Lock{dataDir: dataDir, info: info}, nil
}

// Release removes both the lock and meta files. Safe to call once, on
// graceful shutdown (spec §4.9 "On graceful shutdown (SIGTERM), remove
// both").
func (l *Lock) Release() error {
	var firstErr error
	for _, name := range []string{lockFileName, metaFileName} {
		if err := os.Remove(filepath.Join(l.dataDir, name)); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Info reports the lock data this process wrote on Acquire.
func (l *Lock) Info() LockInfo { return l.info }

// Inspect reads a data directory's lock files without acquiring them, for
// `ripd doctor`-style health reporting. It reports whether a live process
// currently holds the lock.
func Inspect(dataDir string) (info LockInfo, alive bool, err error) {
	info, err = readLockInfo(filepath.Join(dataDir, lockFileName))
	if err != nil {
		return LockInfo{}, false, err
	}
	return info, pidAlive(info.PID), nil
}

// ClearStale removes a data directory's lock and meta files unconditionally.
// Callers (the `ripd doctor` stale-lock takeover prompt) must first confirm
// via Inspect that no live process holds the lock.
func ClearStale(dataDir string) error {
	var firstErr error
	for _, name := range []string{lockFileName, metaFileName} {
		if err := os.Remove(filepath.Join(dataDir, name)); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func readLockInfo(path string) (LockInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return LockInfo{}, err
	}
	var info LockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return LockInfo{}, fmt.Errorf("authority: parse lock file %s: %w", path, err)
	}
	return info, nil
}

// writeLockInfo writes via a temp file + rename so a concurrent reader
// (doctor, fsnotify watcher) never observes a half-written file.
func writeLockInfo(path string, info LockInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// pidAlive reports whether pid names a live process. Sending signal 0
// performs existence/permission checks only, without actually signalling.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	if err == syscall.ESRCH {
		return false
	}
	// EPERM: process exists but we can't signal it — still alive.
	return err != syscall.ESRCH
}
