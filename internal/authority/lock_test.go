package authority

import (
	"os"
	"path/filepath"
	"testing"
)

func TestAcquire_WritesLockAndMeta(t *testing.T) {
	dir := t.TempDir()
	lock, err := Acquire(dir, "http://127.0.0.1:9000")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer lock.Release()

	for _, name := range []string{lockFileName, metaFileName} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Fatalf("expected %s to exist: %v", name, err)
		}
	}
	if lock.Info().PID != os.Getpid() {
		t.Fatalf("expected lock pid to be this process")
	}
}

func TestAcquire_RejectsWhileLiveHolderPresent(t *testing.T) {
	dir := t.TempDir()
	first, err := Acquire(dir, "http://127.0.0.1:9000")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer first.Release()

	_, err = Acquire(dir, "http://127.0.0.1:9001")
	if err == nil {
		t.Fatalf("expected second acquire to fail while first is live")
	}
	if _, ok := err.(*ErrHeld); !ok {
		t.Fatalf("expected ErrHeld, got %T: %v", err, err)
	}
}

func TestAuthority_StaleLockTakeover(t *testing.T) {
	dir := t.TempDir()
	stale := LockInfo{PID: deadPID(t), Endpoint: "http://127.0.0.1:9002", StartedAtMs: 1}
	if err := writeLockInfo(filepath.Join(dir, lockFileName), stale); err != nil {
		t.Fatalf("seed stale lock: %v", err)
	}
	if err := writeLockInfo(filepath.Join(dir, metaFileName), stale); err != nil {
		t.Fatalf("seed stale meta: %v", err)
	}

	// Acquire replaces a stale lock itself (the `ripd serve` path).
	lock, err := Acquire(dir, "http://127.0.0.1:9003")
	if err != nil {
		t.Fatalf("expected stale lock takeover to succeed: %v", err)
	}
	if lock.Info().PID != os.Getpid() {
		t.Fatalf("expected lock to be rewritten to this process's pid")
	}
	lock.Release()

	// ClearStale is the explicit takeover path `ripd doctor` uses after the
	// operator confirms the prompt, given only Inspect's report.
	stale2 := LockInfo{PID: deadPID(t), Endpoint: "http://127.0.0.1:9005", StartedAtMs: 2}
	if err := writeLockInfo(filepath.Join(dir, lockFileName), stale2); err != nil {
		t.Fatalf("seed stale lock: %v", err)
	}
	if err := writeLockInfo(filepath.Join(dir, metaFileName), stale2); err != nil {
		t.Fatalf("seed stale meta: %v", err)
	}
	if _, alive, err := Inspect(dir); err != nil || alive {
		t.Fatalf("expected stale lock to report dead, got alive=%v err=%v", alive, err)
	}
	if err := ClearStale(dir); err != nil {
		t.Fatalf("ClearStale: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, lockFileName)); !os.IsNotExist(err) {
		t.Fatalf("expected lock file removed, got err=%v", err)
	}
}

func TestRelease_RemovesBothFiles(t *testing.T) {
	dir := t.TempDir()
	lock, err := Acquire(dir, "http://127.0.0.1:9004")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	for _, name := range []string{lockFileName, metaFileName} {
		if _, err := os.Stat(filepath.Join(dir, name)); !os.IsNotExist(err) {
			t.Fatalf("expected %s to be removed, stat err=%v", name, err)
		}
	}
}

func TestInspect_ReportsLiveness(t *testing.T) {
	dir := t.TempDir()
	lock, err := Acquire(dir, "http://127.0.0.1:9005")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer lock.Release()

	info, alive, err := Inspect(dir)
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if !alive {
		t.Fatalf("expected this process's own lock to be reported alive")
	}
	if info.PID != os.Getpid() {
		t.Fatalf("unexpected pid in inspected info")
	}
}

// deadPID returns a pid almost certainly not in use: the max of
// /proc/sys/kernel/pid_max-ish range is avoided, instead we just pick a
// very large number unlikely to be assigned on any test runner.
func deadPID(t *testing.T) int {
	t.Helper()
	return 1 << 30
}
