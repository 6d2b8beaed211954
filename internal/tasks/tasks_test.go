package tasks

import (
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/ripdev/ripd/internal/eventlog"
	"github.com/ripdev/ripd/internal/workspace"
	"github.com/ripdev/ripd/pkg/events"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dataDir := t.TempDir()
	workspaceRoot := t.TempDir()
	log, err := eventlog.Open(dataDir)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	t.Cleanup(func() { log.Close() })
	return NewManager(log, workspaceRoot, workspace.NewGuard())
}

func waitTerminal(t *testing.T, m *Manager, taskID string, timeout time.Duration) Status {
	t.Helper()
	st, ok := m.lookup(taskID)
	if !ok {
		t.Fatalf("task %s not found", taskID)
	}
	select {
	case <-st.done:
	case <-time.After(timeout):
		t.Fatalf("task %s did not finish within %s", taskID, timeout)
	}
	status, ok := m.Get(taskID)
	if !ok {
		t.Fatalf("task %s status missing after completion", taskID)
	}
	return status
}

func TestPipesTask_ShellExit(t *testing.T) {
	m := newTestManager(t)

	taskID, err := m.Spawn(SpawnRequest{
		ToolName:      "bash",
		Command:       "echo hello-pipes",
		ExecutionMode: events.ExecPipes,
	})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	status := waitTerminal(t, m, taskID, 5*time.Second)
	if status.Status != events.TaskExited {
		t.Fatalf("status = %s, want exited (error=%s)", status.Status, status.Error)
	}
	if status.ExitCode == nil || *status.ExitCode != 0 {
		t.Fatalf("exit code = %v, want 0", status.ExitCode)
	}

	content, _, total, _, err := m.Output(taskID, events.StreamStdout, 0, 4096)
	if err != nil {
		t.Fatalf("output: %v", err)
	}
	if !strings.Contains(content, "hello-pipes") {
		t.Fatalf("stdout = %q, want it to contain hello-pipes", content)
	}
	if total == 0 {
		t.Fatalf("total bytes = 0, want > 0")
	}

	evs, err := m.log.ReplayStream(events.Partition{Kind: events.StreamTask, ID: taskID})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	first, last := evs[0].Kind, evs[len(evs)-1].Kind
	if first != events.KindToolTaskSpawned {
		t.Fatalf("first event = %s, want tool_task_spawned", first)
	}
	if last != events.KindToolTaskStatus {
		t.Fatalf("last event = %s, want tool_task_status", last)
	}
}

func TestResize_RejectsPipesTask(t *testing.T) {
	m := newTestManager(t)

	taskID, err := m.Spawn(SpawnRequest{
		ToolName:      "bash",
		Command:       "sleep 1",
		ExecutionMode: events.ExecPipes,
	})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	if err := m.Resize(taskID, 40, 120); err != ErrNotPTY {
		t.Fatalf("err = %v, want ErrNotPTY", err)
	}

	evs, err := m.log.ReplayStream(events.Partition{Kind: events.StreamTask, ID: taskID})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	for _, ev := range evs {
		if ev.Kind == events.KindToolTaskResized {
			t.Fatalf("rejected resize must not append tool_task_resized")
		}
	}
}

func TestPTYTask_ControlOps(t *testing.T) {
	m := newTestManager(t)

	taskID, err := m.Spawn(SpawnRequest{
		ToolName:      "bash",
		Command:       "cat",
		ExecutionMode: events.ExecPTY,
		Rows:          24,
		Cols:          80,
	})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		status, _ := m.Get(taskID)
		if status.Status == events.TaskRunning {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("task never reached running, last status %s", status.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := m.Resize(taskID, 40, 120); err != nil {
		t.Fatalf("resize: %v", err)
	}
	if err := m.WriteStdin(taskID, base64.StdEncoding.EncodeToString([]byte("hi\n"))); err != nil {
		t.Fatalf("write_stdin: %v", err)
	}
	if err := m.Cancel(taskID, "test teardown"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	status := waitTerminal(t, m, taskID, 5*time.Second)
	if status.Status != events.TaskCancelled {
		t.Fatalf("status = %s, want cancelled", status.Status)
	}
}

func TestWriteStdin_RejectsOversizedChunk(t *testing.T) {
	m := newTestManager(t)
	oversized := base64.StdEncoding.EncodeToString(make([]byte, maxStdinBytes+1))
	if err := m.WriteStdin("does-not-matter", oversized); err != ErrStdinTooLarge {
		t.Fatalf("err = %v, want ErrStdinTooLarge", err)
	}
}

func TestResize_RejectsNonPositiveDimensions(t *testing.T) {
	m := newTestManager(t)
	if err := m.Resize("nope", 0, 10); err != ErrBadResize {
		t.Fatalf("err = %v, want ErrBadResize", err)
	}
}

func TestSignal_RejectsUnknownName(t *testing.T) {
	m := newTestManager(t)
	if err := m.Signal("nope", "BOGUS"); err != ErrBadSignal {
		t.Fatalf("err = %v, want ErrBadSignal", err)
	}
}

func TestLogWriter_CapsStoredBytesButCountsTotal(t *testing.T) {
	root := t.TempDir()
	w, err := newLogWriter(root, "task-1", events.StreamStdout, "artifact-1", 4)
	if err != nil {
		t.Fatalf("new log writer: %v", err)
	}
	defer w.Close()

	if _, truncated, err := w.Write([]byte("hello world")); err != nil || !truncated {
		t.Fatalf("write: truncated=%v err=%v", truncated, err)
	}

	ref := w.Ref()
	if ref.Bytes != int64(len("hello world")) {
		t.Fatalf("ref.Bytes = %d, want %d", ref.Bytes, len("hello world"))
	}
	if !ref.Truncated {
		t.Fatalf("ref.Truncated = false, want true")
	}

	content, total, _, err := w.readAt(0, 100)
	if err != nil {
		t.Fatalf("readAt: %v", err)
	}
	if content != "hell" {
		t.Fatalf("content = %q, want %q", content, "hell")
	}
	if total != int64(len("hello world")) {
		t.Fatalf("total = %d, want %d", total, len("hello world"))
	}
}
