package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ripdev/ripd/internal/contextcompiler"
	"github.com/ripdev/ripd/internal/continuity"
	"github.com/ripdev/ripd/internal/eventlog"
	"github.com/ripdev/ripd/internal/session"
	"github.com/ripdev/ripd/internal/tasks"
	"github.com/ripdev/ripd/internal/toolsrt"
	"github.com/ripdev/ripd/internal/workspace"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	dataDir := t.TempDir()
	workspaceRoot := t.TempDir()

	log, err := eventlog.Open(dataDir)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	t.Cleanup(func() { log.Close() })

	reg := toolsrt.NewRegistry()
	toolsrt.RegisterBuiltins(reg, workspaceRoot, 0)
	runner := toolsrt.NewRunner(reg, log, workspaceRoot, 4)
	cfg := session.Config{Endpoint: "http://unused.invalid", Model: "m", Provider: "openresponses"}
	eng := session.NewEngine(log, runner, reg, workspaceRoot, http.DefaultClient, nil, cfg)
	runner.SetHub(eng.Hub())

	store := continuity.New(log, workspaceRoot)
	compiler := contextcompiler.New("compiler-1", log, store, workspaceRoot)
	guard := workspace.NewGuard()
	manager := tasks.NewManager(log, workspaceRoot, guard)

	handler := NewServer(log, eng, store, compiler, manager, workspaceRoot)
	return httptest.NewServer(handler)
}

func TestSessionsHandler_Create(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/sessions", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var out map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["session_id"] == "" {
		t.Fatalf("expected non-empty session_id")
	}
}

func TestThreadsHandler_EnsureAndGet(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/threads/ensure", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	var out map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	threadID := out["thread_id"]
	if threadID == "" {
		t.Fatalf("expected non-empty thread_id")
	}

	getResp, err := http.Get(srv.URL + "/threads/" + threadID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer getResp.Body.Close()
	if getResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", getResp.StatusCode)
	}
}

func TestTasksHandler_SpawnListCancel(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	body, _ := json.Marshal(map[string]interface{}{
		"tool_name": "bash", "command": "sleep 5", "execution_mode": "pipes",
	})
	resp, err := http.Post(srv.URL+"/tasks", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var out map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	taskID := out["task_id"]
	if taskID == "" {
		t.Fatalf("expected non-empty task_id")
	}

	listResp, err := http.Get(srv.URL + "/tasks")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	defer listResp.Body.Close()
	if listResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", listResp.StatusCode)
	}

	cancelResp, err := http.Post(srv.URL+"/tasks/"+taskID+"/cancel", "application/json", bytes.NewReader([]byte(`{"reason":"test"}`)))
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	defer cancelResp.Body.Close()
	if cancelResp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", cancelResp.StatusCode)
	}
}
