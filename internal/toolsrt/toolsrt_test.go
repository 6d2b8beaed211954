package toolsrt

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/ripdev/ripd/internal/eventlog"
	"github.com/ripdev/ripd/pkg/broadcast"
	"github.com/ripdev/ripd/pkg/events"
)

func TestRunner_WriteTool_AutoCheckpointsAndEmitsEvents(t *testing.T) {
	dataDir := t.TempDir()
	workspaceRoot := t.TempDir()

	log, err := eventlog.Open(dataDir)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer log.Close()

	if err := os.WriteFile(filepath.Join(workspaceRoot, "a.txt"), []byte("before"), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	reg := NewRegistry()
	RegisterBuiltins(reg, workspaceRoot, 0)
	runner := NewRunner(reg, log, workspaceRoot, 4)

	sessionID := "sess-1"
	_, err = runner.Execute(context.Background(), sessionID, "write", map[string]interface{}{
		"path":    "a.txt",
		"content": "after",
	}, nil)
	if err != nil {
		t.Fatalf("execute write: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(workspaceRoot, "a.txt"))
	if err != nil || string(data) != "after" {
		t.Fatalf("expected file written, got %q err=%v", data, err)
	}

	evs, err := log.ReplayStream(events.Partition{Kind: events.StreamSession, ID: sessionID})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}

	var kinds []string
	for _, ev := range evs {
		kinds = append(kinds, ev.Kind)
	}
	wantSeq := []string{events.KindToolStarted, events.KindCheckpointCreated, events.KindToolStdout, events.KindToolEnded}
	if len(kinds) != len(wantSeq) {
		t.Fatalf("unexpected event sequence: %v", kinds)
	}
	for i, k := range wantSeq {
		if kinds[i] != k {
			t.Fatalf("event %d = %s, want %s (full: %v)", i, kinds[i], k, kinds)
		}
	}
}

func TestRunner_SetHub_PublishesSessionEventsLive(t *testing.T) {
	dataDir := t.TempDir()
	workspaceRoot := t.TempDir()

	log, err := eventlog.Open(dataDir)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer log.Close()

	reg := NewRegistry()
	RegisterBuiltins(reg, workspaceRoot, 0)
	runner := NewRunner(reg, log, workspaceRoot, 4)

	hub := broadcast.NewHub[events.Event]()
	runner.SetHub(hub)
	sub := hub.Subscribe()
	defer sub.Unsubscribe()

	sessionID := "sess-live"
	if _, err := runner.Execute(context.Background(), sessionID, "bash", map[string]interface{}{
		"command": "true",
	}, nil); err != nil {
		t.Fatalf("execute: %v", err)
	}

	var sawToolStarted, sawToolEnded bool
	for i := 0; i < 8; i++ {
		select {
		case ev := <-sub.C:
			switch ev.Kind {
			case events.KindToolStarted:
				sawToolStarted = true
			case events.KindToolEnded:
				sawToolEnded = true
			}
		default:
		}
		if sawToolStarted && sawToolEnded {
			break
		}
	}
	if !sawToolStarted || !sawToolEnded {
		t.Fatalf("expected tool_started/tool_ended published to the hub, not just appended to the log")
	}
}

func TestRunner_UnknownTool(t *testing.T) {
	dataDir := t.TempDir()
	workspaceRoot := t.TempDir()
	log, err := eventlog.Open(dataDir)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer log.Close()

	reg := NewRegistry()
	runner := NewRunner(reg, log, workspaceRoot, 2)
	if _, err := runner.Execute(context.Background(), "s1", "does_not_exist", nil, nil); err == nil {
		t.Fatalf("expected error for unknown tool")
	}
}

func TestTruncateUTF8_RespectsRuneBoundary(t *testing.T) {
	s := "héllo" // 'é' is 2 bytes
	truncated := truncateUTF8(s, 2)
	if truncated != "h" {
		t.Fatalf("expected safe truncation to %q, got %q", "h", truncated)
	}
}

func TestBashHandler_RunsCommand(t *testing.T) {
	root := t.TempDir()
	reg := NewRegistry()
	RegisterBuiltins(reg, root, 0)
	out, err := reg.ExecuteWithContext(context.Background(), "bash", map[string]interface{}{"command": "echo hi"})
	if err != nil {
		t.Fatalf("bash: %v", err)
	}
	if len(out.Stdout) != 1 {
		t.Fatalf("expected stdout, got %v", out)
	}
}
