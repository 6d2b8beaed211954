package toolsrt

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ripdev/ripd/internal/eventlog"
	"github.com/ripdev/ripd/internal/workspace"
	"github.com/ripdev/ripd/pkg/broadcast"
	"github.com/ripdev/ripd/pkg/events"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
)

// Tracer is the subset of tracing.Provider the runner needs; wiring is
// optional via SetTracer so toolsrt doesn't import internal/tracing.
type Tracer interface {
	StartTool(ctx context.Context, name, toolID string) (context.Context, trace.Span)
}

// ChunkSize is the max size of a single tool_stdout/tool_stderr event
// payload before the remainder is materialized as an artifact (spec §4.3).
const ChunkSize = 8 * 1024

// Runner enforces admission control, timeouts, auto-checkpointing, and
// event emission around tool execution (spec §4.3). The concurrency cap
// is a semaphore, grounded on the teacher's existing (indirect) dependency
// on golang.org/x/sync promoted here to direct use.
type Runner struct {
	registry      *Registry
	log           *eventlog.Log
	hub           *broadcast.Hub[events.Event]
	sem           *semaphore.Weighted
	workspaceRoot string
	tracer        Tracer
}

// NewRunner builds a Runner with the given max concurrent executions.
func NewRunner(registry *Registry, log *eventlog.Log, workspaceRoot string, maxConcurrent int64) *Runner {
	return &Runner{
		registry:      registry,
		log:           log,
		sem:           semaphore.NewWeighted(maxConcurrent),
		workspaceRoot: workspaceRoot,
	}
}

// SetTracer wires an optional OTel tracer (internal/tracing.Provider
// satisfies Tracer); nil disables span creation.
func (r *Runner) SetTracer(t Tracer) { r.tracer = t }

// SetHub wires the session engine's broadcast hub so tool_*/checkpoint_*
// events reach live SSE subscribers (internal/httpapi/sessions.go's
// handleEvents) as they happen, not just via replay at subscribe time.
// nil disables live publication; the durable log append still happens.
func (r *Runner) SetHub(hub *broadcast.Hub[events.Event]) { r.hub = hub }

// checkpointedTools names the builtins that mutate the workspace and so
// require an auto-checkpoint before execution (spec §4.3).
var checkpointedTools = map[string]bool{
	"write":       true,
	"apply_patch": true,
}

// Execute runs one tool invocation under the given session partition,
// emitting tool_started/tool_stdout/tool_stderr/tool_ended|tool_failed to
// the event log, with the full admission/timeout/checkpoint wrapping. It
// returns the handler's raw output so callers (the session engine's tool
// loop) can fold the result into a follow-up provider request without
// re-reading the log.
func (r *Runner) Execute(ctx context.Context, sessionID, name string, args map[string]interface{}, timeout *time.Duration) (ToolOutput, error) {
	handler, ok := r.registry.Resolve(name)
	if !ok {
		return ToolOutput{}, fmt.Errorf("toolsrt: unknown tool %q", name)
	}

	if err := r.sem.Acquire(ctx, 1); err != nil {
		return ToolOutput{}, fmt.Errorf("toolsrt: admission wait: %w", err)
	}
	defer r.sem.Release(1)

	toolID := uuid.NewString()
	var timeoutMs *int64
	runCtx := ctx
	var cancel context.CancelFunc
	if timeout != nil {
		runCtx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
		ms := timeout.Milliseconds()
		timeoutMs = &ms
	}

	if err := r.appendSession(sessionID, events.KindToolStarted, events.ToolStartedPayload{
		ToolID: toolID, Name: name, Args: args, TimeoutMs: timeoutMs,
	}); err != nil {
		return ToolOutput{}, err
	}

	if checkpointedTools[name] {
		r.autoCheckpoint(sessionID, toolID, name, args)
	}

	spanCtx := runCtx
	var span trace.Span
	if r.tracer != nil {
		spanCtx, span = r.tracer.StartTool(runCtx, name, toolID)
	}

	start := time.Now()
	out, err := handler(spanCtx, Invocation{ToolID: toolID, Name: name, Args: args})
	duration := time.Since(start).Milliseconds()
	if span != nil {
		span.End()
	}

	if err != nil {
		reason := err.Error()
		if runCtx.Err() == context.DeadlineExceeded {
			reason = "timeout"
		}
		return ToolOutput{}, r.appendSession(sessionID, events.KindToolFailed, events.ToolFailedPayload{ToolID: toolID, Error: reason})
	}

	for _, chunk := range out.Stdout {
		if err := r.emitChunks(sessionID, toolID, events.KindToolStdout, chunk); err != nil {
			return ToolOutput{}, err
		}
	}
	for _, chunk := range out.Stderr {
		if err := r.emitChunks(sessionID, toolID, events.KindToolStderr, chunk); err != nil {
			return ToolOutput{}, err
		}
	}

	artifacts := make([]events.ArtifactRef, len(out.Artifacts))
	for i, a := range out.Artifacts {
		artifacts[i] = events.ArtifactRef{ArtifactID: a.ArtifactID, Path: a.Path, Bytes: a.Bytes, Truncated: a.Truncated}
	}

	if err := r.appendSession(sessionID, events.KindToolEnded, events.ToolEndedPayload{
		ToolID: toolID, ExitCode: out.ExitCode, DurationMs: duration, Artifacts: artifacts,
	}); err != nil {
		return ToolOutput{}, err
	}
	return out, nil
}

// emitChunks splits a blob into ≤8KiB event-sized pieces, materializing
// the full blob as an artifact when it exceeds one chunk (spec §4.3).
func (r *Runner) emitChunks(sessionID, toolID, kind, blob string) error {
	data := []byte(blob)
	if len(data) > ChunkSize {
		if _, err := workspace.WriteArtifact(r.workspaceRoot, data); err != nil {
			return fmt.Errorf("toolsrt: materialize output artifact: %w", err)
		}
	}
	for len(data) > 0 {
		n := ChunkSize
		if n > len(data) {
			n = len(data)
		}
		chunk := string(data[:n])
		data = data[n:]
		var payload interface{}
		switch kind {
		case events.KindToolStdout:
			payload = events.ToolStdoutPayload{ToolID: toolID, Chunk: chunk}
		case events.KindToolStderr:
			payload = events.ToolStderrPayload{ToolID: toolID, Chunk: chunk}
		}
		if err := r.appendSession(sessionID, kind, payload); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) autoCheckpoint(sessionID, toolID, name string, args map[string]interface{}) {
	paths, err := affectedPaths(name, args)
	if err != nil {
		r.emitCheckpointFailed(sessionID, "create", err.Error())
		return
	}
	id := uuid.NewString()
	meta, err := workspace.CreateCheckpoint(r.workspaceRoot, sessionID, id, time.Now().UnixMilli(), "", true, name, paths)
	if err != nil {
		r.emitCheckpointFailed(sessionID, "create", err.Error())
		return
	}
	files := make([]string, len(meta.Files))
	for i, f := range meta.Files {
		files[i] = f.Path
	}
	_ = r.appendSession(sessionID, events.KindCheckpointCreated, events.CheckpointCreatedPayload{
		ID: id, CreatedAtMs: meta.CreatedAtMs, Files: files, Auto: true, ToolName: name,
	})
}

func (r *Runner) emitCheckpointFailed(sessionID, action, errMsg string) {
	_ = r.appendSession(sessionID, events.KindCheckpointFailed, events.CheckpointFailedPayload{Action: action, Error: errMsg})
}

// affectedPaths computes the set of workspace-relative paths a write or
// apply_patch invocation will touch, so the auto-checkpoint covers
// everything about to change.
func affectedPaths(name string, args map[string]interface{}) ([]string, error) {
	switch name {
	case "write":
		path, _ := args["path"].(string)
		if path == "" {
			return nil, fmt.Errorf("toolsrt: write tool missing path arg")
		}
		return []string{path}, nil
	case "apply_patch":
		patchText, _ := args["patch"].(string)
		paths, err := workspace.AffectedPaths(patchText)
		if err != nil {
			return nil, fmt.Errorf("toolsrt: parse patch for checkpoint: %w", err)
		}
		return paths, nil
	default:
		return nil, nil
	}
}

func (r *Runner) appendSession(sessionID, kind string, payload interface{}) error {
	part := events.Partition{Kind: events.StreamSession, ID: sessionID}
	seq := r.log.NextSeq(part)
	ev, err := events.Marshal(events.StreamSession, sessionID, kind, seq, time.Now().UnixMilli(), uuid.NewString(), payload)
	if err != nil {
		return err
	}
	if err := r.log.Append(ev); err != nil {
		return err
	}
	if r.hub != nil {
		r.hub.Publish(ev)
	}
	return nil
}
