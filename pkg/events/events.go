// Package events defines the wire shape of the authority's append-only
// event log: the Event envelope, its stream partitioning, and the tagged
// kind taxonomy for the session, task, and continuity streams.
package events

import "encoding/json"

// StreamKind identifies which of the three independent partitions a
// stream_id belongs to.
type StreamKind string

const (
	StreamSession    StreamKind = "session"
	StreamTask       StreamKind = "task"
	StreamContinuity StreamKind = "continuity"
)

// Event is an immutable record on the log. Seq is strictly contiguous
// starting at 0 within its (StreamKind, StreamID) partition.
type Event struct {
	ID          string     `json:"id"`
	StreamKind  StreamKind `json:"stream_kind"`
	StreamID    string     `json:"stream_id"`
	TimestampMs int64      `json:"timestamp_ms"`
	Seq         uint64     `json:"seq"`
	Kind        string     `json:"kind"`
	Data        json.RawMessage `json:"data"`
}

// Partition identifies one gap-free seq sequence.
type Partition struct {
	Kind StreamKind
	ID   string
}

// Session stream kinds.
const (
	KindSessionStarted            = "session_started"
	KindOutputTextDelta            = "output_text_delta"
	KindSessionEnded                = "session_ended"
	KindProviderEvent                = "provider_event"
	KindOpenResponsesRequestStarted = "openresponses_request_started"
	KindOpenResponsesResponseHeaders = "openresponses_response_headers"
	KindOpenResponsesResponseFirstByte = "openresponses_response_first_byte"
	KindOpenResponsesRequest         = "openresponses_request"
	KindToolStarted                  = "tool_started"
	KindToolStdout                   = "tool_stdout"
	KindToolStderr                   = "tool_stderr"
	KindToolEnded                    = "tool_ended"
	KindToolFailed                   = "tool_failed"
	KindCheckpointCreated            = "checkpoint_created"
	KindCheckpointFailed             = "checkpoint_failed"
	KindCheckpointRewound            = "checkpoint_rewound"
)

// Task stream kinds.
const (
	KindToolTaskSpawned         = "tool_task_spawned"
	KindToolTaskStatus          = "tool_task_status"
	KindToolTaskOutputDelta     = "tool_task_output_delta"
	KindToolTaskCancelRequested = "tool_task_cancel_requested"
	KindToolTaskCancelled       = "tool_task_cancelled"
	KindToolTaskStdinWritten    = "tool_task_stdin_written"
	KindToolTaskResized         = "tool_task_resized"
	KindToolTaskSignalled       = "tool_task_signalled"
)

// Continuity stream kinds.
const (
	KindContinuityCreated                    = "continuity_created"
	KindContinuityMessageAppended             = "continuity_message_appended"
	KindContinuityRunSpawned                  = "continuity_run_spawned"
	KindContinuityRunEnded                    = "continuity_run_ended"
	KindContinuityBranched                    = "continuity_branched"
	KindContinuityHandoffCreated              = "continuity_handoff_created"
	KindContinuityContextCompiled             = "continuity_context_compiled"
	KindContinuityToolSideEffects             = "continuity_tool_side_effects"
	KindContinuityCompactionCheckpointCreated = "continuity_compaction_checkpoint_created"
	KindContinuityJobSpawned                  = "continuity_job_spawned"
	KindContinuityJobEnded                    = "continuity_job_ended"
)

// SessionEndedReason enumerates spec §4.8's terminal session reasons.
type SessionEndedReason string

const (
	ReasonDone         SessionEndedReason = "done"
	ReasonToolCap       SessionEndedReason = "tool_cap"
	ReasonProviderError SessionEndedReason = "provider_error"
	ReasonCancelled     SessionEndedReason = "cancelled"
	ReasonInternal      SessionEndedReason = "internal"
)

// ToolTaskStatusKind enumerates §3.6's task lifecycle states.
type ToolTaskStatusKind string

const (
	TaskQueued    ToolTaskStatusKind = "queued"
	TaskRunning   ToolTaskStatusKind = "running"
	TaskExited    ToolTaskStatusKind = "exited"
	TaskCancelled ToolTaskStatusKind = "cancelled"
	TaskFailed    ToolTaskStatusKind = "failed"
)

// ExecutionMode selects pipe vs PTY mode for a task (§3.6, §4.4).
type ExecutionMode string

const (
	ExecPipes ExecutionMode = "pipes"
	ExecPTY   ExecutionMode = "pty"
)

// TaskOutputStream names the three possible output channels for a task.
type TaskOutputStream string

const (
	StreamStdout TaskOutputStream = "stdout"
	StreamStderr TaskOutputStream = "stderr"
	StreamPTY    TaskOutputStream = "pty"
)

// Marshal encodes a typed payload into an Event's Data field.
func Marshal(streamKind StreamKind, streamID, kind string, seq uint64, tsMs int64, id string, payload interface{}) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{
		ID:          id,
		StreamKind:  streamKind,
		StreamID:    streamID,
		TimestampMs: tsMs,
		Seq:         seq,
		Kind:        kind,
		Data:        raw,
	}, nil
}
