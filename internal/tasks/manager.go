// Package tasks owns long-lived processes independent of any session:
// the pipes and PTY execution modes, control operations, and the
// queued→running→terminal lifecycle of spec §3.6/§4.4.
package tasks

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ripdev/ripd/internal/eventlog"
	"github.com/ripdev/ripd/internal/workspace"
	"github.com/ripdev/ripd/pkg/broadcast"
	"github.com/ripdev/ripd/pkg/events"
)

var (
	ErrTaskNotFound   = errors.New("tasks: task not found")
	ErrTaskNotRunning = errors.New("tasks: task is not accepting control input")
	ErrStdinTooLarge  = errors.New("tasks: stdin chunk exceeds 8KiB")
	ErrBadResize      = errors.New("tasks: rows and cols must both be > 0")
	ErrBadSignal      = errors.New("tasks: unknown signal name")

	// ErrNotPTY is the ConcurrencyError of spec §4.4/260: a non-PTY control
	// op was attempted against a PTY-only operation (currently just
	// resize). Surfaced as a caller error and never logged (no event is
	// appended for a rejected call).
	ErrNotPTY = errors.New("tasks: resize is PTY-only")
)

const maxStdinBytes = 8 * 1024

// SpawnRequest describes a task to start.
type SpawnRequest struct {
	ToolName        string
	Command         string
	Args            map[string]interface{}
	Title           string
	ExecutionMode   events.ExecutionMode
	Cwd             string
	Env             map[string]string
	Rows, Cols      int
	OriginSessionID  string
	ArtifactMaxBytes int64
	Timeout          *time.Duration
}

// Status is the in-memory fast-query cache mirrored from the log (spec
// §4.4: "a per-task status cache is held for fast queries; the log is
// still the truth").
type Status struct {
	TaskID        string
	ToolName      string
	Title         string
	ExecutionMode events.ExecutionMode
	Status        events.ToolTaskStatusKind
	ExitCode      *int
	StartedAtMs   *int64
	EndedAtMs     *int64
	Artifacts     []events.ArtifactRef
	Error         string
}

type controlKind int

const (
	ctrlWriteStdin controlKind = iota
	ctrlResize
	ctrlSignal
)

type controlMsg struct {
	kind     controlKind
	data     []byte
	rows     int
	cols     int
	signal   string
}

type taskState struct {
	mu      sync.Mutex
	status  Status
	control chan controlMsg
	cancel  chan string // reason, buffered 1
	done    chan struct{}

	stdout *logWriter
	stderr *logWriter
	pty    *logWriter
}

// Manager runs and tracks every task for one authority process.
type Manager struct {
	log           *eventlog.Log
	workspaceRoot string
	guard         *workspace.Guard
	hub           *broadcast.Hub[events.Event]

	mu    sync.RWMutex
	tasks map[string]*taskState
}

// NewManager builds a Manager backed by the shared event log and workspace
// mutation guard (spec §4.4, §4.9).
func NewManager(log *eventlog.Log, workspaceRoot string, guard *workspace.Guard) *Manager {
	return &Manager{
		log:           log,
		workspaceRoot: workspaceRoot,
		guard:         guard,
		hub:           broadcast.NewHub[events.Event](),
		tasks:         make(map[string]*taskState),
	}
}

// Subscribe returns a live feed of every task event across all tasks.
func (m *Manager) Subscribe() *broadcast.Subscription[events.Event] {
	return m.hub.Subscribe()
}

// Get returns the cached status for a task.
func (m *Manager) Get(taskID string) (Status, bool) {
	m.mu.RLock()
	st, ok := m.tasks[taskID]
	m.mu.RUnlock()
	if !ok {
		return Status{}, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.status, true
}

// List returns every known task's cached status.
func (m *Manager) List() []Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Status, 0, len(m.tasks))
	for _, st := range m.tasks {
		st.mu.Lock()
		out = append(out, st.status)
		st.mu.Unlock()
	}
	return out
}

// Spawn registers a task in the queued state and starts it asynchronously.
// It returns immediately with the task id; the caller observes progress via
// Subscribe or Get.
func (m *Manager) Spawn(req SpawnRequest) (string, error) {
	if req.ExecutionMode != events.ExecPipes && req.ExecutionMode != events.ExecPTY {
		return "", fmt.Errorf("tasks: unknown execution mode %q", req.ExecutionMode)
	}
	taskID := uuid.NewString()

	st := &taskState{
		control: make(chan controlMsg, 32),
		cancel:  make(chan string, 1),
		done:    make(chan struct{}),
		status: Status{
			TaskID:        taskID,
			ToolName:      req.ToolName,
			Title:         req.Title,
			ExecutionMode: req.ExecutionMode,
			Status:        events.TaskQueued,
		},
	}

	m.mu.Lock()
	m.tasks[taskID] = st
	m.mu.Unlock()

	if err := m.appendTask(taskID, events.KindToolTaskSpawned, events.ToolTaskSpawnedPayload{
		TaskID:          taskID,
		ToolName:        req.ToolName,
		Args:            req.Args,
		Cwd:             req.Cwd,
		Title:           req.Title,
		ExecutionMode:   req.ExecutionMode,
		OriginSessionID: req.OriginSessionID,
	}); err != nil {
		return "", err
	}

	go m.run(taskID, st, req)

	return taskID, nil
}

func (m *Manager) run(taskID string, st *taskState, req SpawnRequest) {
	defer close(st.done)

	ctx := context.Background()
	if err := m.guard.Acquire(ctx); err != nil {
		m.fail(taskID, st, fmt.Sprintf("workspace guard: %v", err))
		return
	}
	defer m.guard.Release()

	artifactMax := req.ArtifactMaxBytes
	if artifactMax <= 0 {
		artifactMax = 1024 * 1024
	}

	switch req.ExecutionMode {
	case events.ExecPipes:
		m.runPipes(taskID, st, req, artifactMax)
	case events.ExecPTY:
		m.runPTY(taskID, st, req, artifactMax)
	}
}

func (m *Manager) fail(taskID string, st *taskState, reason string) {
	st.mu.Lock()
	st.status.Status = events.TaskFailed
	st.status.Error = reason
	endedAt := time.Now().UnixMilli()
	st.status.EndedAtMs = &endedAt
	st.mu.Unlock()

	_ = m.appendTask(taskID, events.KindToolTaskStatus, events.ToolTaskStatusPayload{
		TaskID: taskID, Status: events.TaskFailed, EndedAtMs: &endedAt, Error: reason,
	})
}

// Cancel requests cooperative cancellation of a running task (spec §4.4:
// "set a shared cancel flag; on first change, kill the child").
func (m *Manager) Cancel(taskID, reason string) error {
	st, ok := m.lookup(taskID)
	if !ok {
		return ErrTaskNotFound
	}
	if reason == "" {
		reason = "cancelled"
	}
	select {
	case st.cancel <- reason:
		return m.appendTask(taskID, events.KindToolTaskCancelRequested, events.ToolTaskCancelRequestedPayload{
			TaskID: taskID, Reason: reason,
		})
	default:
		return nil // already requested
	}
}

// WriteStdin base64-decodes chunkB64 and forwards it to the task's stdin
// (pipes) or pty master (pty mode). Rejects chunks over 8KiB (spec §4.4).
func (m *Manager) WriteStdin(taskID, chunkB64 string) error {
	data, err := base64.StdEncoding.DecodeString(chunkB64)
	if err != nil {
		return fmt.Errorf("tasks: invalid base64 stdin chunk: %w", err)
	}
	if len(data) > maxStdinBytes {
		return ErrStdinTooLarge
	}
	st, ok := m.lookup(taskID)
	if !ok {
		return ErrTaskNotFound
	}
	if !m.send(st, controlMsg{kind: ctrlWriteStdin, data: data}) {
		return ErrTaskNotRunning
	}
	return m.appendTask(taskID, events.KindToolTaskStdinWritten, events.ToolTaskStdinWrittenPayload{
		TaskID: taskID, ChunkB64: chunkB64,
	})
}

// Resize applies a new PTY size. rows and cols must both be > 0. Resize is
// PTY-only (spec §4.4 route table, spec §260 ConcurrencyError): a pipes-
// mode task rejects it before the control channel send or any event
// append, since pipes mode has nothing to resize.
func (m *Manager) Resize(taskID string, rows, cols int) error {
	if rows <= 0 || cols <= 0 {
		return ErrBadResize
	}
	st, ok := m.lookup(taskID)
	if !ok {
		return ErrTaskNotFound
	}
	st.mu.Lock()
	mode := st.status.ExecutionMode
	st.mu.Unlock()
	if mode != events.ExecPTY {
		return ErrNotPTY
	}
	if !m.send(st, controlMsg{kind: ctrlResize, rows: rows, cols: cols}) {
		return ErrTaskNotRunning
	}
	return m.appendTask(taskID, events.KindToolTaskResized, events.ToolTaskResizedPayload{
		TaskID: taskID, Rows: rows, Cols: cols,
	})
}

var validSignals = map[string]bool{"INT": true, "QUIT": true, "TERM": true, "HUP": true, "KILL": true}

func normalizeSignal(name string) (string, error) {
	n := name
	if len(n) > 4 && n[:4] == "SIG-" {
		n = n[4:]
	}
	if !validSignals[n] {
		return "", ErrBadSignal
	}
	return n, nil
}

// Signal delivers one of {INT, QUIT, TERM, HUP, KILL} (optional SIG- prefix)
// to the task's child process (spec §4.4).
func (m *Manager) Signal(taskID, name string) error {
	sig, err := normalizeSignal(name)
	if err != nil {
		return err
	}
	st, ok := m.lookup(taskID)
	if !ok {
		return ErrTaskNotFound
	}
	if !m.send(st, controlMsg{kind: ctrlSignal, signal: sig}) {
		return ErrTaskNotRunning
	}
	return m.appendTask(taskID, events.KindToolTaskSignalled, events.ToolTaskSignalledPayload{
		TaskID: taskID, Signal: sig,
	})
}

// Output implements spec §4.4's output(stream, offset_bytes, max_bytes)
// read: seeks into the stream's artifact, UTF-8-truncates at a safe
// boundary, and reports {content, bytes, total_bytes, truncated}.
func (m *Manager) Output(taskID string, stream events.TaskOutputStream, offsetBytes, maxBytes int64) (content string, bytesRead int64, totalBytes int64, truncated bool, err error) {
	st, ok := m.lookup(taskID)
	if !ok {
		return "", 0, 0, false, ErrTaskNotFound
	}
	st.mu.Lock()
	var w *logWriter
	switch stream {
	case events.StreamStdout:
		w = st.stdout
	case events.StreamStderr:
		w = st.stderr
	case events.StreamPTY:
		w = st.pty
	}
	st.mu.Unlock()
	if w == nil {
		return "", 0, 0, false, fmt.Errorf("tasks: stream %q not produced by this task", stream)
	}
	content, total, truncated, err := w.readAt(offsetBytes, maxBytes)
	if err != nil {
		return "", 0, 0, false, err
	}
	return content, int64(len(content)), total, truncated, nil
}

func (m *Manager) lookup(taskID string) (*taskState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.tasks[taskID]
	return st, ok
}

func (m *Manager) send(st *taskState, msg controlMsg) bool {
	select {
	case <-st.done:
		return false
	default:
	}
	select {
	case st.control <- msg:
		return true
	case <-st.done:
		return false
	}
}

func (m *Manager) appendTask(taskID, kind string, payload interface{}) error {
	part := events.Partition{Kind: events.StreamTask, ID: taskID}
	seq := m.log.NextSeq(part)
	ev, err := events.Marshal(events.StreamTask, taskID, kind, seq, time.Now().UnixMilli(), uuid.NewString(), payload)
	if err != nil {
		return err
	}
	if err := m.log.Append(ev); err != nil {
		return err
	}
	m.hub.Publish(ev)
	return nil
}
