// Package continuity implements the per-thread continuity stream (spec
// §3.5, §4.6): message/run/branch/handoff history plus the seek and
// message-id caches that make cut-point lookups cheap.
package continuity

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ripdev/ripd/internal/eventlog"
	"github.com/ripdev/ripd/pkg/broadcast"
	"github.com/ripdev/ripd/pkg/events"
)

var (
	ErrConflictingCutSelectors = errors.New("continuity: only one of from_message_id or from_seq may be set")
	ErrParentNotFound          = errors.New("continuity: parent thread does not exist")
	ErrSeqOutOfRange           = errors.New("continuity: from_seq is out of range")
	ErrMessageNotFound         = errors.New("continuity: from_message_id not found")
	ErrMissingSummary          = errors.New("continuity: handoff requires summary_markdown and/or summary_artifact_id")
)

// RunLink ties a continuity run span to its thread, message and provenance
// (SPEC_FULL §3.7). AppendToolSideEffects takes one, with the run's session
// id passed separately; AppendRunSpawned/AppendRunEnded take the same
// fields as plain arguments.
type RunLink struct {
	ContinuityID string
	MessageID    string
	ActorID      string
	Origin       string
}

// ToolSideEffects describes one tool invocation's workspace footprint, for
// append_tool_side_effects.
type ToolSideEffects struct {
	ToolID        string
	ToolName      string
	AffectedPaths []string
	CheckpointID  string
}

// Store owns one authority's set of continuity threads.
type Store struct {
	log           *eventlog.Log
	dataDir       string
	workspaceRoot string

	index *threadIndex
	hub   *broadcast.Hub[events.Event]

	seqMu   sync.Mutex
	nextSeq map[string]uint64

	seekMu sync.Mutex
	seeks  map[string]*SeekIndex

	msgMu sync.Mutex
	msgs  map[string]*MessageIndex
}

// New opens (or creates) a continuity store backed by log, rooted at
// workspaceRoot for the workspace-key cache.
func New(log *eventlog.Log, workspaceRoot string) *Store {
	return &Store{
		log:           log,
		dataDir:       log.DataDir(),
		workspaceRoot: workspaceRoot,
		index:         loadThreadIndex(log.DataDir()),
		hub:           broadcast.NewHub[events.Event](),
		nextSeq:       make(map[string]uint64),
		seeks:         make(map[string]*SeekIndex),
		msgs:          make(map[string]*MessageIndex),
	}
}

func nowMs() int64 { return time.Now().UnixMilli() }

func (s *Store) partition(threadID string) events.Partition {
	return events.Partition{Kind: events.StreamContinuity, ID: threadID}
}

// Subscribe returns a live feed of every continuity event across all
// threads; callers filter by stream_id == thread_id themselves (spec
// §4.6: "subscribers filter by session_id == thread_id").
func (s *Store) Subscribe() *broadcast.Subscription[events.Event] {
	return s.hub.Subscribe()
}

// ReplayEvents returns the ordered event list for one thread.
func (s *Store) ReplayEvents(threadID string) ([]events.Event, error) {
	return s.log.ReplayStream(s.partition(threadID))
}

// EnsureDefault returns the workspace's default thread id, creating one if
// none exists yet (spec §4.6).
func (s *Store) EnsureDefault() (string, error) {
	workspace := s.workspaceRoot

	if id, ok := s.index.defaultForWorkspace(workspace); ok {
		return id, nil
	}

	if id, err := s.findLatestForWorkspace(workspace); err != nil {
		return "", err
	} else if id != "" {
		if err := s.index.setDefaultForWorkspace(workspace, id); err != nil {
			return "", err
		}
		return id, nil
	}

	id := uuid.NewString()
	return s.createThread(workspace, id, "", true)
}

func (s *Store) findLatestForWorkspace(workspace string) (string, error) {
	all, err := s.log.ReplayAll()
	if err != nil {
		return "", fmt.Errorf("continuity: scan log for workspace default: %w", err)
	}
	var bestID string
	var bestTs int64 = -1
	for _, ev := range all {
		if ev.Kind != events.KindContinuityCreated {
			continue
		}
		var payload events.ContinuityCreatedPayload
		if err := unmarshalPayload(ev, &payload); err != nil {
			continue
		}
		if payload.Workspace != workspace {
			continue
		}
		if ev.TimestampMs >= bestTs {
			bestTs = ev.TimestampMs
			bestID = ev.StreamID
		}
	}
	return bestID, nil
}

func (s *Store) createThread(workspace, threadID, title string, setDefault bool) (string, error) {
	payload := events.ContinuityCreatedPayload{Workspace: workspace, Title: title}
	id := uuid.NewString()
	ev, err := events.Marshal(events.StreamContinuity, threadID, events.KindContinuityCreated, 0, nowMs(), id, payload)
	if err != nil {
		return "", err
	}
	if err := s.log.Append(ev); err != nil {
		return "", fmt.Errorf("continuity: append continuity_created: %w", err)
	}
	s.hub.Publish(ev)
	s.recordIndexEntry(ev)

	meta := Meta{ContinuityID: threadID, CreatedAtMs: ev.TimestampMs, Title: title, Archived: false}
	if err := s.index.put(workspace, meta, setDefault); err != nil {
		return "", err
	}

	s.seqMu.Lock()
	s.nextSeq[threadID] = 1
	s.seqMu.Unlock()
	return threadID, nil
}

// List returns the cached header for every known thread.
func (s *Store) List() []Meta { return s.index.list() }

// Get returns one thread's cached header.
func (s *Store) Get(threadID string) (Meta, bool) { return s.index.get(threadID) }

func (s *Store) nextSeqFor(threadID string) (uint64, error) {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	if seq, ok := s.nextSeq[threadID]; ok {
		return seq, nil
	}
	evs, err := s.log.ReplayStream(s.partition(threadID))
	if err != nil {
		return 0, fmt.Errorf("continuity: resolve next seq for %s: %w", threadID, err)
	}
	if len(evs) == 0 {
		return 0, fmt.Errorf("continuity: thread %s does not exist", threadID)
	}
	seq := evs[len(evs)-1].Seq + 1
	s.nextSeq[threadID] = seq
	return seq, nil
}

func (s *Store) advanceSeq(threadID string, seq uint64) {
	s.seqMu.Lock()
	s.nextSeq[threadID] = seq + 1
	s.seqMu.Unlock()
}

func (s *Store) appendAt(threadID, kind string, payload interface{}) (events.Event, error) {
	seq, err := s.nextSeqFor(threadID)
	if err != nil {
		return events.Event{}, err
	}
	id := uuid.NewString()
	ev, err := events.Marshal(events.StreamContinuity, threadID, kind, seq, nowMs(), id, payload)
	if err != nil {
		return events.Event{}, err
	}
	if err := s.log.Append(ev); err != nil {
		return events.Event{}, fmt.Errorf("continuity: append %s: %w", kind, err)
	}
	s.hub.Publish(ev)
	s.recordIndexEntry(ev)
	s.advanceSeq(threadID, seq)
	return ev, nil
}

// AppendMessage records a user/agent message and returns its message id
// (the event id).
func (s *Store) AppendMessage(threadID, actorID, origin, content string) (string, error) {
	ev, err := s.appendAt(threadID, events.KindContinuityMessageAppended, events.ContinuityMessageAppendedPayload{
		ActorID: actorID, Origin: origin, Content: content,
	})
	if err != nil {
		return "", err
	}
	return ev.ID, nil
}

// AppendRunSpawned records that a session run was spawned for a message.
func (s *Store) AppendRunSpawned(threadID, messageID, runSessionID, actorID, origin string) (string, error) {
	ev, err := s.appendAt(threadID, events.KindContinuityRunSpawned, events.ContinuityRunSpawnedPayload{
		RunSessionID: runSessionID, MessageID: messageID, ActorID: actorID, Origin: origin,
	})
	if err != nil {
		return "", err
	}
	return ev.ID, nil
}

// AppendRunEnded records a session run's terminal reason.
func (s *Store) AppendRunEnded(threadID, messageID, runSessionID, reason, actorID, origin string) (string, error) {
	ev, err := s.appendAt(threadID, events.KindContinuityRunEnded, events.ContinuityRunEndedPayload{
		RunSessionID: runSessionID, MessageID: messageID, Reason: reason, ActorID: actorID, Origin: origin,
	})
	if err != nil {
		return "", err
	}
	return ev.ID, nil
}

// AppendToolSideEffects records a tool invocation's workspace footprint.
func (s *Store) AppendToolSideEffects(run RunLink, runSessionID string, effects ToolSideEffects) (string, error) {
	ev, err := s.appendAt(run.ContinuityID, events.KindContinuityToolSideEffects, events.ContinuityToolSideEffectsPayload{
		RunSessionID:  runSessionID,
		ToolID:        effects.ToolID,
		ToolName:      effects.ToolName,
		AffectedPaths: effects.AffectedPaths,
		CheckpointID:  effects.CheckpointID,
		ActorID:       run.ActorID,
		Origin:        run.Origin,
	})
	if err != nil {
		return "", err
	}
	return ev.ID, nil
}

// ContextCompiledInput carries the fields needed to append a
// continuity_context_compiled event.
type ContextCompiledInput struct {
	RunSessionID     string
	BundleArtifactID string
	CompilerID       string
	CompilerStrategy string
	FromSeq          uint64
	FromMessageID    string
	ActorID          string
	Origin           string
}

// AppendContextCompiled records that a context bundle was compiled.
func (s *Store) AppendContextCompiled(threadID string, in ContextCompiledInput) (string, error) {
	ev, err := s.appendAt(threadID, events.KindContinuityContextCompiled, events.ContinuityContextCompiledPayload{
		RunSessionID: in.RunSessionID, BundleArtifactID: in.BundleArtifactID, CompilerID: in.CompilerID,
		CompilerStrategy: in.CompilerStrategy, FromSeq: in.FromSeq, FromMessageID: in.FromMessageID,
		ActorID: in.ActorID, Origin: in.Origin,
	})
	if err != nil {
		return "", err
	}
	return ev.ID, nil
}

// CompactionCheckpointInput carries the fields needed to append a
// continuity_compaction_checkpoint_created event (SPEC_FULL §3.8).
type CompactionCheckpointInput struct {
	SummaryArtifactID string
	FromSeq           uint64
	ToSeq             uint64
	MessageCount      int
}

// AppendCompactionCheckpoint records that a run of messages up to ToSeq was
// summarized into SummaryArtifactID, for later summary_ref inclusion by the
// context compiler.
func (s *Store) AppendCompactionCheckpoint(threadID string, in CompactionCheckpointInput) (string, error) {
	ev, err := s.appendAt(threadID, events.KindContinuityCompactionCheckpointCreated, events.ContinuityCompactionCheckpointCreatedPayload{
		SummaryArtifactID: in.SummaryArtifactID, FromSeq: in.FromSeq, ToSeq: in.ToSeq, MessageCount: in.MessageCount,
	})
	if err != nil {
		return "", err
	}
	return ev.ID, nil
}

// CutSelector picks a position on a parent thread by exactly one of
// message id or seq; the zero value selects the thread head.
type CutSelector struct {
	FromMessageID string
	FromSeq       *uint64
}

func (c CutSelector) validate() error {
	if c.FromMessageID != "" && c.FromSeq != nil {
		return ErrConflictingCutSelectors
	}
	return nil
}

// resolveCut finds (seq, message_id) for a cut selector against a replayed
// thread, exactly mirroring the original's branch/handoff cut-resolution:
// an explicit from_seq walks backward for the latest message at or before
// it; an explicit from_message_id also absorbs any run_spawned/run_ended
// referencing it into the cut seq; no selector means the thread head.
func resolveCut(threadEvents []events.Event, sel CutSelector) (seq uint64, messageID string, err error) {
	if err := sel.validate(); err != nil {
		return 0, "", err
	}
	if len(threadEvents) == 0 {
		return 0, "", ErrParentNotFound
	}
	headSeq := threadEvents[len(threadEvents)-1].Seq

	switch {
	case sel.FromSeq != nil:
		if *sel.FromSeq > headSeq {
			return 0, "", fmt.Errorf("%w: max_seq=%d, got %d", ErrSeqOutOfRange, headSeq, *sel.FromSeq)
		}
		var lastMsg string
		for i := len(threadEvents) - 1; i >= 0; i-- {
			ev := threadEvents[i]
			if ev.Seq <= *sel.FromSeq && ev.Kind == events.KindContinuityMessageAppended {
				lastMsg = ev.ID
				break
			}
		}
		return *sel.FromSeq, lastMsg, nil

	case sel.FromMessageID != "":
		var messageSeq uint64
		found := false
		var maxRelated uint64
		for _, ev := range threadEvents {
			switch ev.Kind {
			case events.KindContinuityMessageAppended:
				if ev.ID == sel.FromMessageID {
					messageSeq = ev.Seq
					maxRelated = ev.Seq
					found = true
				}
			case events.KindContinuityRunSpawned:
				var p events.ContinuityRunSpawnedPayload
				if unmarshalPayload(ev, &p) == nil && p.MessageID == sel.FromMessageID && ev.Seq > maxRelated {
					maxRelated = ev.Seq
				}
			case events.KindContinuityRunEnded:
				var p events.ContinuityRunEndedPayload
				if unmarshalPayload(ev, &p) == nil && p.MessageID == sel.FromMessageID && ev.Seq > maxRelated {
					maxRelated = ev.Seq
				}
			}
		}
		if !found {
			return 0, "", fmt.Errorf("%w: %s", ErrMessageNotFound, sel.FromMessageID)
		}
		_ = messageSeq
		return maxRelated, sel.FromMessageID, nil

	default:
		var lastMsg string
		for i := len(threadEvents) - 1; i >= 0; i-- {
			if threadEvents[i].Kind == events.KindContinuityMessageAppended {
				lastMsg = threadEvents[i].ID
				break
			}
		}
		return headSeq, lastMsg, nil
	}
}

// Branch creates a child thread whose first event records the parent cut.
func (s *Store) Branch(parentThreadID, title string, sel CutSelector, actorID, origin string) (threadID string, parentSeq uint64, parentMessageID string, err error) {
	parentEvents, err := s.ReplayEvents(parentThreadID)
	if err != nil {
		return "", 0, "", fmt.Errorf("continuity: branch parent replay failed: %w", err)
	}
	seq, msgID, err := resolveCut(parentEvents, sel)
	if err != nil {
		return "", 0, "", err
	}

	childID, err := s.createThread(s.workspaceRoot, uuid.NewString(), title, false)
	if err != nil {
		return "", 0, "", err
	}

	_, err = s.appendAt(childID, events.KindContinuityBranched, events.ContinuityBranchedPayload{
		ParentThreadID: parentThreadID, ParentSeq: seq, ParentMessageID: msgID, ActorID: actorID, Origin: origin,
	})
	if err != nil {
		return "", 0, "", err
	}
	return childID, seq, msgID, nil
}

// HandoffInput carries handoff's optional summary fields.
type HandoffInput struct {
	Title             string
	SummaryMarkdown   string
	SummaryArtifactID string
	Selector          CutSelector
	ActorID           string
	Origin            string
}

// HandoffSummaryWriter synthesizes a HandoffContextBundleV1 artifact from
// markdown when the caller supplies no pre-built artifact id.
type HandoffSummaryWriter func(markdown, fromThreadID string, fromSeq uint64, fromMessageID string) (artifactID string, err error)

// Handoff creates a child thread carrying a compiled summary cut from an
// existing thread.
func (s *Store) Handoff(fromThreadID string, in HandoffInput, writeSummary HandoffSummaryWriter) (threadID string, fromSeq uint64, fromMessageID string, err error) {
	if in.SummaryMarkdown == "" && in.SummaryArtifactID == "" {
		return "", 0, "", ErrMissingSummary
	}

	fromEvents, err := s.ReplayEvents(fromThreadID)
	if err != nil {
		return "", 0, "", fmt.Errorf("continuity: handoff parent replay failed: %w", err)
	}
	seq, msgID, err := resolveCut(fromEvents, in.Selector)
	if err != nil {
		return "", 0, "", err
	}

	artifactID := in.SummaryArtifactID
	if artifactID == "" && in.SummaryMarkdown != "" && writeSummary != nil {
		artifactID, err = writeSummary(in.SummaryMarkdown, fromThreadID, seq, msgID)
		if err != nil {
			return "", 0, "", fmt.Errorf("continuity: write handoff summary bundle: %w", err)
		}
	}

	childID, err := s.createThread(s.workspaceRoot, uuid.NewString(), in.Title, false)
	if err != nil {
		return "", 0, "", err
	}

	_, err = s.appendAt(childID, events.KindContinuityHandoffCreated, events.ContinuityHandoffCreatedPayload{
		FromThreadID: fromThreadID, FromSeq: seq, FromMessageID: msgID,
		SummaryArtifactID: artifactID, SummaryMarkdown: in.SummaryMarkdown,
		ActorID: in.ActorID, Origin: in.Origin,
	})
	if err != nil {
		return "", 0, "", err
	}
	return childID, seq, msgID, nil
}

func unmarshalPayload(ev events.Event, out interface{}) error {
	return jsonUnmarshal(ev.Data, out)
}
