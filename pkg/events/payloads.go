package events

// Payload types for each event kind in the taxonomy (spec.md §3.2). These
// are the Go mirror of the envelope's kind-specific fields; Event.Data
// holds the marshaled form of one of these per Event.Kind.

type SessionStartedPayload struct {
	Input string `json:"input"`
}

type OutputTextDeltaPayload struct {
	Delta string `json:"delta"`
}

type SessionEndedPayload struct {
	Reason SessionEndedReason `json:"reason"`
}

type ProviderEventPayload struct {
	Provider       string          `json:"provider"`
	Status         string          `json:"status"` // event|done|invalid_json
	EventName      string          `json:"event_name,omitempty"`
	Data           interface{}     `json:"data,omitempty"`
	Raw            string          `json:"raw,omitempty"`
	Errors         []string        `json:"errors,omitempty"`
	ResponseErrors []string        `json:"response_errors,omitempty"`
}

type OpenResponsesRequestStartedPayload struct {
	Endpoint string `json:"endpoint"`
	Model    string `json:"model,omitempty"`
}

type OpenResponsesRequestPayload struct {
	BodyArtifactID string `json:"body_artifact_id"`
}

type OpenResponsesResponseHeadersPayload struct {
	StatusCode int `json:"status_code"`
}

type OpenResponsesResponseFirstBytePayload struct{}

type ToolStartedPayload struct {
	ToolID    string                 `json:"tool_id"`
	Name      string                 `json:"name"`
	Args      map[string]interface{} `json:"args"`
	TimeoutMs *int64                 `json:"timeout_ms,omitempty"`
}

type ToolStdoutPayload struct {
	ToolID string `json:"tool_id"`
	Chunk  string `json:"chunk"`
}

type ToolStderrPayload struct {
	ToolID string `json:"tool_id"`
	Chunk  string `json:"chunk"`
}

type ArtifactRef struct {
	ArtifactID string `json:"artifact_id"`
	Path       string `json:"path"`
	Bytes      int64  `json:"bytes"`
	Truncated  bool   `json:"truncated,omitempty"`
}

type ToolEndedPayload struct {
	ToolID     string        `json:"tool_id"`
	ExitCode   int           `json:"exit_code"`
	DurationMs int64         `json:"duration_ms"`
	Artifacts  []ArtifactRef `json:"artifacts,omitempty"`
}

type ToolFailedPayload struct {
	ToolID string `json:"tool_id"`
	Error  string `json:"error"`
}

type CheckpointCreatedPayload struct {
	ID        string   `json:"id"`
	Label     string   `json:"label,omitempty"`
	CreatedAtMs int64  `json:"created_at_ms"`
	Files     []string `json:"files"`
	Auto      bool     `json:"auto"`
	ToolName  string   `json:"tool_name,omitempty"`
}

type CheckpointFailedPayload struct {
	Action string `json:"action"` // create|rewind
	Error  string `json:"error"`
}

type CheckpointRewoundPayload struct {
	ID    string   `json:"id"`
	Label string   `json:"label,omitempty"`
	Files []string `json:"files"`
}

// --- Task stream payloads ---

type ToolTaskSpawnedPayload struct {
	TaskID          string                 `json:"task_id"`
	ToolName        string                 `json:"tool_name"`
	Args            map[string]interface{} `json:"args"`
	Cwd             string                 `json:"cwd,omitempty"`
	Title           string                 `json:"title,omitempty"`
	ExecutionMode   ExecutionMode          `json:"execution_mode"`
	OriginSessionID string                 `json:"origin_session_id,omitempty"`
	Artifacts       []ArtifactRef          `json:"artifacts,omitempty"`
}

type ToolTaskStatusPayload struct {
	TaskID      string             `json:"task_id"`
	Status      ToolTaskStatusKind `json:"status"`
	ExitCode    *int               `json:"exit_code,omitempty"`
	StartedAtMs *int64             `json:"started_at_ms,omitempty"`
	EndedAtMs   *int64             `json:"ended_at_ms,omitempty"`
	Artifacts   []ArtifactRef      `json:"artifacts,omitempty"`
	Error       string             `json:"error,omitempty"`
}

type ToolTaskOutputDeltaPayload struct {
	TaskID    string           `json:"task_id"`
	Stream    TaskOutputStream `json:"stream"`
	Chunk     string           `json:"chunk"`
	Artifacts []ArtifactRef    `json:"artifacts,omitempty"`
}

type ToolTaskCancelRequestedPayload struct {
	TaskID string `json:"task_id"`
	Reason string `json:"reason"`
}

type ToolTaskCancelledPayload struct {
	TaskID     string `json:"task_id"`
	Reason     string `json:"reason"`
	WallTimeMs *int64 `json:"wall_time_ms,omitempty"`
}

type ToolTaskStdinWrittenPayload struct {
	TaskID  string `json:"task_id"`
	ChunkB64 string `json:"chunk_b64"`
}

type ToolTaskResizedPayload struct {
	TaskID string `json:"task_id"`
	Rows   int    `json:"rows"`
	Cols   int    `json:"cols"`
}

type ToolTaskSignalledPayload struct {
	TaskID string `json:"task_id"`
	Signal string `json:"signal"`
}

// --- Continuity stream payloads ---

type ContinuityCreatedPayload struct {
	Workspace string `json:"workspace"`
	Title     string `json:"title,omitempty"`
}

type ContinuityMessageAppendedPayload struct {
	ActorID string `json:"actor_id,omitempty"`
	Origin  string `json:"origin,omitempty"`
	Content string `json:"content"`
}

type ContinuityRunSpawnedPayload struct {
	RunSessionID string `json:"run_session_id"`
	MessageID    string `json:"message_id"`
	ActorID      string `json:"actor_id,omitempty"`
	Origin       string `json:"origin,omitempty"`
}

type ContinuityRunEndedPayload struct {
	RunSessionID string `json:"run_session_id"`
	MessageID    string `json:"message_id"`
	Reason       string `json:"reason"`
	ActorID      string `json:"actor_id,omitempty"`
	Origin       string `json:"origin,omitempty"`
}

type ContinuityBranchedPayload struct {
	ParentThreadID   string `json:"parent_thread_id"`
	ParentSeq        uint64 `json:"parent_seq"`
	ParentMessageID  string `json:"parent_message_id,omitempty"`
	ActorID          string `json:"actor_id,omitempty"`
	Origin           string `json:"origin,omitempty"`
}

type ContinuityHandoffCreatedPayload struct {
	FromThreadID     string `json:"from_thread_id"`
	FromSeq          uint64 `json:"from_seq"`
	FromMessageID    string `json:"from_message_id,omitempty"`
	SummaryArtifactID string `json:"summary_artifact_id,omitempty"`
	SummaryMarkdown  string `json:"summary_markdown,omitempty"`
	ActorID          string `json:"actor_id,omitempty"`
	Origin           string `json:"origin,omitempty"`
}

type ContinuityContextCompiledPayload struct {
	RunSessionID     string `json:"run_session_id"`
	BundleArtifactID string `json:"bundle_artifact_id"`
	CompilerID       string `json:"compiler_id"`
	CompilerStrategy string `json:"compiler_strategy"`
	FromSeq          uint64 `json:"from_seq"`
	FromMessageID    string `json:"from_message_id,omitempty"`
	ActorID          string `json:"actor_id,omitempty"`
	Origin           string `json:"origin,omitempty"`
}

type ContinuityToolSideEffectsPayload struct {
	RunSessionID  string   `json:"run_session_id"`
	ToolID        string   `json:"tool_id"`
	ToolName      string   `json:"tool_name"`
	AffectedPaths []string `json:"affected_paths,omitempty"`
	CheckpointID  string   `json:"checkpoint_id,omitempty"`
	ActorID       string   `json:"actor_id,omitempty"`
	Origin        string   `json:"origin,omitempty"`
}

type ContinuityCompactionCheckpointCreatedPayload struct {
	SummaryArtifactID string `json:"summary_artifact_id"`
	FromSeq           uint64 `json:"from_seq"`
	ToSeq             uint64 `json:"to_seq"`
	MessageCount      int    `json:"message_count"`
}

type ContinuityJobSpawnedPayload struct {
	JobID   string `json:"job_id"`
	JobKind string `json:"job_kind"`
}

type ContinuityJobEndedPayload struct {
	JobID   string `json:"job_id"`
	JobKind string `json:"job_kind"`
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
}
