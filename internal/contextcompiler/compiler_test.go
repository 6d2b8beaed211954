package contextcompiler

import (
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/ripdev/ripd/internal/continuity"
	"github.com/ripdev/ripd/internal/eventlog"
	"github.com/ripdev/ripd/internal/workspace"
	"github.com/ripdev/ripd/pkg/events"
)

func getArtifact(workspaceRoot, artifactID string) ([]byte, error) {
	return os.ReadFile(workspace.ArtifactPath(workspaceRoot, artifactID))
}

func appendSessionEvent(t *testing.T, log *eventlog.Log, sessionID, kind string, payload interface{}) events.Event {
	t.Helper()
	part := events.Partition{Kind: events.StreamSession, ID: sessionID}
	seq := log.NextSeq(part)
	ev, err := events.Marshal(events.StreamSession, sessionID, kind, seq, time.Now().UnixMilli(), uuid.NewString(), payload)
	if err != nil {
		t.Fatalf("marshal session event: %v", err)
	}
	if err := log.Append(ev); err != nil {
		t.Fatalf("append session event: %v", err)
	}
	return ev
}

func TestCompile_RecentMessagesV1_PairsUserAndAssistant(t *testing.T) {
	dataDir := t.TempDir()
	workspaceRoot := t.TempDir()
	log, err := eventlog.Open(dataDir)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer log.Close()

	store := continuity.New(log, workspaceRoot)
	threadID, err := store.EnsureDefault()
	if err != nil {
		t.Fatalf("ensure default: %v", err)
	}

	msgID, err := store.AppendMessage(threadID, "user-1", "cli", "hello there")
	if err != nil {
		t.Fatalf("append message: %v", err)
	}

	runSessionID := uuid.NewString()
	if _, err := store.AppendRunSpawned(threadID, msgID, runSessionID, "user-1", "cli"); err != nil {
		t.Fatalf("append run spawned: %v", err)
	}

	appendSessionEvent(t, log, runSessionID, events.KindOutputTextDelta, events.OutputTextDeltaPayload{Delta: "hi "})
	appendSessionEvent(t, log, runSessionID, events.KindOutputTextDelta, events.OutputTextDeltaPayload{Delta: "there"})

	endEv, err := func() (events.Event, error) {
		_, err := store.AppendRunEnded(threadID, msgID, runSessionID, "done", "user-1", "cli")
		if err != nil {
			return events.Event{}, err
		}
		evs, err := store.ReplayEvents(threadID)
		if err != nil {
			return events.Event{}, err
		}
		return evs[len(evs)-1], nil
	}()
	if err != nil {
		t.Fatalf("append run ended: %v", err)
	}

	compiler := New("compiler-1", log, store, workspaceRoot)
	artifactID, _, err := compiler.Compile(threadID, endEv.Seq, msgID, RecentMessagesV1, Provenance{
		RunSessionID: runSessionID, ActorID: "user-1", Origin: "cli",
	})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if artifactID == "" {
		t.Fatalf("want non-empty artifact id")
	}

	data, err := getArtifact(workspaceRoot, artifactID)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	var bundle Bundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		t.Fatalf("unmarshal bundle: %v", err)
	}
	if len(bundle.Items) != 2 {
		t.Fatalf("items = %+v, want 2 (user + derived assistant)", bundle.Items)
	}
	if bundle.Items[0].Role != "user" || bundle.Items[0].Content != "hello there" {
		t.Fatalf("items[0] = %+v, want the user message", bundle.Items[0])
	}
	if bundle.Items[1].Role != "assistant" || bundle.Items[1].Content != "hi there" {
		t.Fatalf("items[1] = %+v, want the concatenated assistant reply", bundle.Items[1])
	}

	replayed, err := store.ReplayEvents(threadID)
	if err != nil {
		t.Fatalf("replay thread: %v", err)
	}
	last := replayed[len(replayed)-1]
	if last.Kind != events.KindContinuityContextCompiled {
		t.Fatalf("last thread event = %s, want continuity_context_compiled", last.Kind)
	}
}

func TestCompile_SummariesRecentMessagesV1_PrependsOneSummaryRef(t *testing.T) {
	dataDir := t.TempDir()
	workspaceRoot := t.TempDir()
	log, err := eventlog.Open(dataDir)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer log.Close()

	store := continuity.New(log, workspaceRoot)
	threadID, err := store.EnsureDefault()
	if err != nil {
		t.Fatalf("ensure default: %v", err)
	}

	if _, err := store.AppendMessage(threadID, "user-1", "cli", "old message"); err != nil {
		t.Fatalf("append message 1: %v", err)
	}
	evsBeforeCheckpoint, err := store.ReplayEvents(threadID)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	checkpointToSeq := evsBeforeCheckpoint[len(evsBeforeCheckpoint)-1].Seq

	if _, err := store.AppendCompactionCheckpoint(threadID, continuity.CompactionCheckpointInput{
		SummaryArtifactID: "summary-artifact-1",
		FromSeq:           0,
		ToSeq:             checkpointToSeq,
		MessageCount:      1,
	}); err != nil {
		t.Fatalf("append compaction checkpoint: %v", err)
	}

	newMsgID, err := store.AppendMessage(threadID, "user-1", "cli", "new message")
	if err != nil {
		t.Fatalf("append message 2: %v", err)
	}

	evs, err := store.ReplayEvents(threadID)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	fromSeq := evs[len(evs)-1].Seq

	compiler := New("compiler-1", log, store, workspaceRoot)
	artifactID, _, err := compiler.Compile(threadID, fromSeq, newMsgID, SummariesRecentMessagesV1, Provenance{
		RunSessionID: uuid.NewString(), ActorID: "user-1", Origin: "cli",
	})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	data, err := getArtifact(workspaceRoot, artifactID)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	var bundle Bundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		t.Fatalf("unmarshal bundle: %v", err)
	}
	if len(bundle.Items) != 2 {
		t.Fatalf("items = %+v, want [summary_ref, message]", bundle.Items)
	}
	if bundle.Items[0].Type != "summary_ref" || bundle.Items[0].ArtifactID != "summary-artifact-1" {
		t.Fatalf("items[0] = %+v, want the compaction checkpoint's summary_ref", bundle.Items[0])
	}
	if bundle.Items[1].Role != "user" || bundle.Items[1].Content != "new message" {
		t.Fatalf("items[1] = %+v, want only the message above the checkpoint", bundle.Items[1])
	}
}
