package tasks

import (
	"context"
	"fmt"
	"os/exec"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/ripdev/ripd/pkg/events"
)

// runPTY implements spec §4.4's PTY mode: open a pseudo-terminal of
// configured size, spawn the command on the slave, pump master reads as
// deltas on a single pty stream, and apply the three control operations.
func (m *Manager) runPTY(taskID string, st *taskState, req SpawnRequest, artifactMax int64) {
	ctx, cancelCtx := context.WithCancel(context.Background())
	defer cancelCtx()
	if req.Timeout != nil {
		var timeoutCancel context.CancelFunc
		ctx, timeoutCancel = context.WithTimeout(ctx, *req.Timeout)
		defer timeoutCancel()
	}

	rows, cols := req.Rows, req.Cols
	if rows <= 0 {
		rows = 24
	}
	if cols <= 0 {
		cols = 80
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

	master, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)})
	if err != nil {
		m.fail(taskID, st, fmt.Sprintf("pty open/spawn failed: %v", err))
		return
	}
	defer master.Close()

	artifactID := "artifact-" + taskID + "-pty"
	ptyLog, err := newLogWriter(m.workspaceRoot, taskID, events.StreamPTY, artifactID, artifactMax)
	if err != nil {
		m.fail(taskID, st, err.Error())
		return
	}
	defer ptyLog.Close()

	st.mu.Lock()
	st.pty = ptyLog
	st.mu.Unlock()

	startedAt := time.Now().UnixMilli()
	st.mu.Lock()
	st.status.Status = events.TaskRunning
	st.status.StartedAtMs = &startedAt
	st.mu.Unlock()
	_ = m.appendTask(taskID, events.KindToolTaskStatus, events.ToolTaskStatusPayload{
		TaskID: taskID, Status: events.TaskRunning, StartedAtMs: &startedAt,
	})

	pumpDone := make(chan struct{}, 1)
	go m.pumpPipe(taskID, master, ptyLog, events.StreamPTY, pumpDone)

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
				return
			case msg := <-st.control:
				switch msg.kind {
				case ctrlWriteStdin:
					_, _ = master.Write(msg.data)
				case ctrlResize:
					_ = pty.Setsize(master, &pty.Winsize{Rows: uint16(msg.rows), Cols: uint16(msg.cols)})
				case ctrlSignal:
					switch msg.signal {
					case "INT":
						_, _ = master.Write([]byte{0x03})
					case "QUIT":
						_, _ = master.Write([]byte{0x1c})
					default:
						if sig, ok := osSignals[msg.signal]; ok {
							_ = cmd.Process.Signal(sig)
						}
					}
				}
			case <-ctx.Done():
				return
			}
		}
	}()

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

	artifacts := []events.ArtifactRef{ptyLog.Ref()}

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
