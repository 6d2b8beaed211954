package tasks

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"syscall"
	"time"

	"github.com/ripdev/ripd/pkg/events"
)

var osSignals = map[string]syscall.Signal{
	"INT":  syscall.SIGINT,
	"QUIT": syscall.SIGQUIT,
	"TERM": syscall.SIGTERM,
	"HUP":  syscall.SIGHUP,
	"KILL": syscall.SIGKILL,
}

// runPipes implements spec §4.4's pipes mode: spawn the command, stream
// stdout/stderr as tool_task_output_delta, and apply control ops against
// the child's stdin pipe / OS signals.
func (m *Manager) runPipes(taskID string, st *taskState, req SpawnRequest, artifactMax int64) {
	ctx, cancelCtx := context.WithCancel(context.Background())
	defer cancelCtx()
	if req.Timeout != nil {
		var timeoutCancel context.CancelFunc
		ctx, timeoutCancel = context.WithTimeout(ctx, *req.Timeout)
		defer timeoutCancel()
	}

	program, args := resolveShellProgram(osGetenv, exec.LookPath, req.Command)
	cmd := exec.CommandContext(ctx, program, args...)
	if req.Cwd != "" {
		abs, err := resolveCwd(m.workspaceRoot, req.Cwd)
		if err != nil {
			m.fail(taskID, st, err.Error())
			return
		}
		cmd.Dir = abs
	}
	applyEnv(cmd, req.Env)

	stdinPipe, err := cmd.StdinPipe()
	if err != nil {
		m.fail(taskID, st, fmt.Sprintf("stdin pipe: %v", err))
		return
	}
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		m.fail(taskID, st, fmt.Sprintf("stdout pipe: %v", err))
		return
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		m.fail(taskID, st, fmt.Sprintf("stderr pipe: %v", err))
		return
	}

	stdoutID, stderrID := "artifact-"+taskID+"-stdout", "artifact-"+taskID+"-stderr"
	stdoutLog, err := newLogWriter(m.workspaceRoot, taskID, events.StreamStdout, stdoutID, artifactMax)
	if err != nil {
		m.fail(taskID, st, err.Error())
		return
	}
	stderrLog, err := newLogWriter(m.workspaceRoot, taskID, events.StreamStderr, stderrID, artifactMax)
	if err != nil {
		m.fail(taskID, st, err.Error())
		return
	}
	defer stdoutLog.Close()
	defer stderrLog.Close()

	st.mu.Lock()
	st.stdout = stdoutLog
	st.stderr = stderrLog
	st.mu.Unlock()

	if err := cmd.Start(); err != nil {
		m.fail(taskID, st, fmt.Sprintf("spawn failed: %v", err))
		return
	}

	startedAt := time.Now().UnixMilli()
	st.mu.Lock()
	st.status.Status = events.TaskRunning
	st.status.StartedAtMs = &startedAt
	st.mu.Unlock()
	_ = m.appendTask(taskID, events.KindToolTaskStatus, events.ToolTaskStatusPayload{
		TaskID: taskID, Status: events.TaskRunning, StartedAtMs: &startedAt,
	})

	pumpDone := make(chan struct{}, 2)
	go m.pumpPipe(taskID, stdoutPipe, stdoutLog, events.StreamStdout, pumpDone)
	go m.pumpPipe(taskID, stderrPipe, stderrLog, events.StreamStderr, pumpDone)

	cancelled := false
	var cancelReason string

	controlDone := make(chan struct{})
	go func() {
		defer close(controlDone)
		for {
			select {
			case reason := <-st.cancel:
				cancelled = true
				cancelReason = reason
				_ = m.appendTask(taskID, events.KindToolTaskCancelRequested, events.ToolTaskCancelRequestedPayload{TaskID: taskID, Reason: reason})
				_ = cmd.Process.Signal(syscall.SIGTERM)
			case msg := <-st.control:
				switch msg.kind {
				case ctrlWriteStdin:
					_, _ = stdinPipe.Write(msg.data)
				case ctrlSignal:
					if sig, ok := osSignals[msg.signal]; ok {
						_ = cmd.Process.Signal(sig)
					}
				case ctrlResize:
					// No-op: pipes mode has no pty to resize.
				}
			case <-ctx.Done():
				return
			}
			if cancelled {
				return
			}
		}
	}()

	<-pumpDone
	<-pumpDone
	runErr := cmd.Wait()
	cancelCtx()
	<-controlDone

	endedAt := time.Now().UnixMilli()
	exitCode := 0
	if runErr != nil {
		var exitErr *exec.ExitError
		if asExitError(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
	}

	artifacts := []events.ArtifactRef{stdoutLog.Ref(), stderrLog.Ref()}

	if cancelled {
		wallMs := endedAt - startedAt
		st.mu.Lock()
		st.status.Status = events.TaskCancelled
		st.status.EndedAtMs = &endedAt
		st.status.Artifacts = artifacts
		st.mu.Unlock()
		_ = m.appendTask(taskID, events.KindToolTaskCancelled, events.ToolTaskCancelledPayload{
			TaskID: taskID, Reason: cancelReason, WallTimeMs: &wallMs,
		})
		_ = m.appendTask(taskID, events.KindToolTaskStatus, events.ToolTaskStatusPayload{
			TaskID: taskID, Status: events.TaskCancelled, EndedAtMs: &endedAt, Artifacts: artifacts,
		})
		return
	}

	st.mu.Lock()
	st.status.Status = events.TaskExited
	st.status.ExitCode = &exitCode
	st.status.EndedAtMs = &endedAt
	st.status.Artifacts = artifacts
	st.mu.Unlock()
	_ = m.appendTask(taskID, events.KindToolTaskStatus, events.ToolTaskStatusPayload{
		TaskID: taskID, Status: events.TaskExited, ExitCode: &exitCode, EndedAtMs: &endedAt, Artifacts: artifacts,
	})
}

func (m *Manager) pumpPipe(taskID string, r io.Reader, w *logWriter, stream events.TaskOutputStream, done chan<- struct{}) {
	defer func() { done <- struct{}{} }()
	buf := make([]byte, 8192)
	br := bufio.NewReader(r)
	for {
		n, err := br.Read(buf)
		if n > 0 {
			preview, truncated, werr := w.Write(buf[:n])
			if werr == nil {
				ref := w.Ref()
				_ = m.appendTask(taskID, events.KindToolTaskOutputDelta, events.ToolTaskOutputDeltaPayload{
					TaskID: taskID, Stream: stream, Chunk: preview, Artifacts: []events.ArtifactRef{ref},
				})
				_ = truncated
			}
		}
		if err != nil {
			return
		}
	}
}

func resolveCwd(root, rel string) (string, error) {
	abs, err := workspaceResolve(root, rel)
	if err != nil {
		return "", fmt.Errorf("tasks: cwd: %w", err)
	}
	return abs, nil
}
