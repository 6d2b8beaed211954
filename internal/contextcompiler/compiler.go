// Package contextcompiler builds the deterministic context bundle v1
// artifact a session run is seeded with (spec §4.7/G): a mix of summary
// references and user/assistant message pairs drawn from a continuity
// thread, content-addressed and recorded as continuity_context_compiled.
package contextcompiler

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/ripdev/ripd/internal/continuity"
	"github.com/ripdev/ripd/internal/eventlog"
	"github.com/ripdev/ripd/internal/workspace"
	"github.com/ripdev/ripd/pkg/events"
)

// Strategy names one of the three bundle strategies spec §4.7 defines.
type Strategy string

const (
	RecentMessagesV1                      Strategy = "recent_messages_v1"
	SummariesRecentMessagesV1             Strategy = "summaries_recent_messages_v1"
	HierarchicalSummariesRecentMessagesV1 Strategy = "hierarchical_summaries_recent_messages_v1"
)

const (
	recentMessageLimit       = 16
	maxHierarchicalSummaries = 3
)

// Provenance carries the run/actor/origin attribution recorded alongside
// the compiled bundle.
type Provenance struct {
	RunSessionID string
	ActorID      string
	Origin       string
}

// BundleItem is one entry in a compiled bundle: a summary_ref or a message.
type BundleItem struct {
	Type       string `json:"type"`
	ArtifactID string `json:"artifact_id,omitempty"`
	Note       string `json:"note,omitempty"`
	Role       string `json:"role,omitempty"`
	Content    string `json:"content,omitempty"`
}

type bundleSource struct {
	ThreadID      string `json:"thread_id"`
	FromSeq       uint64 `json:"from_seq"`
	FromMessageID string `json:"from_message_id,omitempty"`
}

type bundleCompiler struct {
	ID       string `json:"id"`
	Strategy string `json:"strategy"`
}

type bundleProvenance struct {
	RunSessionID string `json:"run_session_id"`
	ActorID      string `json:"actor_id,omitempty"`
	Origin       string `json:"origin,omitempty"`
}

// Bundle is the context bundle v1 wire shape.
type Bundle struct {
	Compiler   bundleCompiler   `json:"compiler"`
	Source     bundleSource     `json:"source"`
	Provenance bundleProvenance `json:"provenance"`
	Items      []BundleItem     `json:"items"`
}

// Compiler builds and persists context bundle artifacts for one authority.
type Compiler struct {
	id               string
	log              *eventlog.Log
	continuity       *continuity.Store
	workspaceRoot    string
	sessionSnapshots *eventlog.SnapshotStore
}

// New builds a Compiler identified by id (recorded in each bundle's
// compiler.id field).
func New(id string, log *eventlog.Log, store *continuity.Store, workspaceRoot string) *Compiler {
	return &Compiler{
		id:               id,
		log:              log,
		continuity:       store,
		workspaceRoot:    workspaceRoot,
		sessionSnapshots: eventlog.NewSnapshotStore(filepath.Join(log.DataDir(), "snapshots")),
	}
}

// Compile builds a bundle for threadID anchored at fromSeq using strategy,
// writes it as a content-addressed artifact, and records
// continuity_context_compiled. Returns the bundle artifact id and the
// bundle itself, so callers (the session run this bundle seeds) don't
// need to re-read the artifact back off disk.
func (c *Compiler) Compile(threadID string, fromSeq uint64, fromMessageID string, strategy Strategy, prov Provenance) (string, Bundle, error) {
	evs, err := c.continuity.ReplayEvents(threadID)
	if err != nil {
		return "", Bundle{}, fmt.Errorf("contextcompiler: replay thread %s: %w", threadID, err)
	}

	var items []BundleItem
	switch strategy {
	case RecentMessagesV1:
		items, err = c.recentMessages(evs, fromSeq, 0)
	case SummariesRecentMessagesV1:
		items, err = c.summariesRecentMessages(evs, fromSeq)
	case HierarchicalSummariesRecentMessagesV1:
		items, err = c.hierarchicalSummaries(evs, fromSeq)
	default:
		return "", Bundle{}, fmt.Errorf("contextcompiler: unknown strategy %q", strategy)
	}
	if err != nil {
		return "", Bundle{}, err
	}

	bundle := Bundle{
		Compiler:   bundleCompiler{ID: c.id, Strategy: string(strategy)},
		Source:     bundleSource{ThreadID: threadID, FromSeq: fromSeq, FromMessageID: fromMessageID},
		Provenance: bundleProvenance{RunSessionID: prov.RunSessionID, ActorID: prov.ActorID, Origin: prov.Origin},
		Items:      items,
	}

	data, err := json.Marshal(bundle)
	if err != nil {
		return "", Bundle{}, fmt.Errorf("contextcompiler: marshal bundle: %w", err)
	}
	artifactID, err := workspace.WriteArtifact(c.workspaceRoot, data)
	if err != nil {
		return "", Bundle{}, fmt.Errorf("contextcompiler: write bundle artifact: %w", err)
	}

	if _, err := c.continuity.AppendContextCompiled(threadID, continuity.ContextCompiledInput{
		RunSessionID:     prov.RunSessionID,
		BundleArtifactID: artifactID,
		CompilerID:       c.id,
		CompilerStrategy: string(strategy),
		FromSeq:          fromSeq,
		FromMessageID:    fromMessageID,
		ActorID:          prov.ActorID,
		Origin:           prov.Origin,
	}); err != nil {
		return "", Bundle{}, fmt.Errorf("contextcompiler: record context_compiled: %w", err)
	}

	return artifactID, bundle, nil
}

// ResolveItem returns an item's role and displayable content: a message
// item's fields pass through directly; a summary_ref is resolved by
// reading its artifact back off the workspace and surfaced under a
// "system" role. Callers (ThreadsHandler, seeding a session run) use
// this to turn a bundle's items into role/content pairs without this
// package importing internal/session.
func ResolveItem(workspaceRoot string, item BundleItem) (role, content string, err error) {
	switch item.Type {
	case "summary_ref":
		data, err := workspace.ReadArtifact(workspaceRoot, item.ArtifactID)
		if err != nil {
			return "", "", fmt.Errorf("contextcompiler: read summary artifact %s: %w", item.ArtifactID, err)
		}
		return "system", string(data), nil
	default:
		return item.Role, item.Content, nil
	}
}

// recentMessages implements recent_messages_v1: the last <= 16
// continuity_message_appended events with afterSeq < seq <= fromSeq, each
// paired with its derived assistant reply when one exists.
func (c *Compiler) recentMessages(evs []events.Event, fromSeq, afterSeq uint64) ([]BundleItem, error) {
	var messageEvents []events.Event
	for _, ev := range evs {
		if ev.Kind != events.KindContinuityMessageAppended {
			continue
		}
		if ev.Seq > fromSeq || ev.Seq <= afterSeq {
			continue
		}
		messageEvents = append(messageEvents, ev)
	}
	if len(messageEvents) > recentMessageLimit {
		messageEvents = messageEvents[len(messageEvents)-recentMessageLimit:]
	}

	var items []BundleItem
	for _, mev := range messageEvents {
		var payload events.ContinuityMessageAppendedPayload
		if err := json.Unmarshal(mev.Data, &payload); err != nil {
			return nil, fmt.Errorf("contextcompiler: decode message %s: %w", mev.ID, err)
		}
		items = append(items, BundleItem{Type: "message", Role: "user", Content: payload.Content})

		assistant, ok, err := c.deriveAssistantMessage(evs, mev.ID, fromSeq)
		if err != nil {
			return nil, err
		}
		if ok {
			items = append(items, BundleItem{Type: "message", Role: "assistant", Content: assistant})
		}
	}
	return items, nil
}

// deriveAssistantMessage finds the run ended for messageID (seq <=
// fromSeq) and concatenates that run's output_text_delta deltas, preferring
// the run's on-disk snapshot and falling back to a session replay when the
// snapshot is missing or structurally invalid (spec §4.7).
func (c *Compiler) deriveAssistantMessage(evs []events.Event, messageID string, fromSeq uint64) (string, bool, error) {
	var runSessionID string
	found := false
	for _, ev := range evs {
		if ev.Kind != events.KindContinuityRunEnded || ev.Seq > fromSeq {
			continue
		}
		var payload events.ContinuityRunEndedPayload
		if err := json.Unmarshal(ev.Data, &payload); err != nil {
			continue
		}
		if payload.MessageID != messageID {
			continue
		}
		runSessionID = payload.RunSessionID
		found = true
	}
	if !found {
		return "", false, nil
	}

	sessionEvents, err := c.sessionEventsFor(runSessionID)
	if err != nil {
		return "", false, fmt.Errorf("contextcompiler: load session %s: %w", runSessionID, err)
	}

	var sb strings.Builder
	for _, ev := range sessionEvents {
		if ev.Kind != events.KindOutputTextDelta {
			continue
		}
		var delta events.OutputTextDeltaPayload
		if err := json.Unmarshal(ev.Data, &delta); err != nil {
			continue
		}
		sb.WriteString(delta.Delta)
	}
	return sb.String(), true, nil
}

// sessionEventsFor prefers the run's on-disk snapshot, falling back to a
// live log replay when the snapshot is absent, malformed or empty. The
// snapshot is not checked against the log.
func (c *Compiler) sessionEventsFor(runSessionID string) ([]events.Event, error) {
	if snap, err := c.sessionSnapshots.Read(runSessionID); err == nil && len(snap) > 0 {
		return snap, nil
	}
	return c.log.ReplayStream(events.Partition{Kind: events.StreamSession, ID: runSessionID})
}

// summariesRecentMessages implements summaries_recent_messages_v1: exactly
// one summary_ref for the latest compaction checkpoint with to_seq <=
// fromSeq, then recent messages above that checkpoint's to_seq.
func (c *Compiler) summariesRecentMessages(evs []events.Event, fromSeq uint64) ([]BundleItem, error) {
	checkpoints := compactionCheckpointsUpTo(evs, fromSeq)
	if len(checkpoints) == 0 {
		return c.recentMessages(evs, fromSeq, 0)
	}
	latest := checkpoints[len(checkpoints)-1]

	items := []BundleItem{summaryRefItem(latest)}
	rest, err := c.recentMessages(evs, fromSeq, latest.toSeq)
	if err != nil {
		return nil, err
	}
	return append(items, rest...), nil
}

// hierarchicalSummaries implements hierarchical_summaries_recent_messages_v1:
// up to 3 summary_refs in ascending to_seq, then recent messages above the
// highest included checkpoint's to_seq.
func (c *Compiler) hierarchicalSummaries(evs []events.Event, fromSeq uint64) ([]BundleItem, error) {
	checkpoints := compactionCheckpointsUpTo(evs, fromSeq)
	if len(checkpoints) > maxHierarchicalSummaries {
		checkpoints = checkpoints[len(checkpoints)-maxHierarchicalSummaries:]
	}

	var items []BundleItem
	var afterSeq uint64
	for _, cp := range checkpoints {
		items = append(items, summaryRefItem(cp))
		if cp.toSeq > afterSeq {
			afterSeq = cp.toSeq
		}
	}

	rest, err := c.recentMessages(evs, fromSeq, afterSeq)
	if err != nil {
		return nil, err
	}
	return append(items, rest...), nil
}

type compactionCheckpoint struct {
	artifactID string
	toSeq      uint64
}

// compactionCheckpointsUpTo returns every continuity_compaction_checkpoint_created
// event with to_seq <= fromSeq, in ascending to_seq order.
func compactionCheckpointsUpTo(evs []events.Event, fromSeq uint64) []compactionCheckpoint {
	var out []compactionCheckpoint
	for _, ev := range evs {
		if ev.Kind != events.KindContinuityCompactionCheckpointCreated {
			continue
		}
		var payload events.ContinuityCompactionCheckpointCreatedPayload
		if err := json.Unmarshal(ev.Data, &payload); err != nil {
			continue
		}
		if payload.ToSeq > fromSeq {
			continue
		}
		out = append(out, compactionCheckpoint{artifactID: payload.SummaryArtifactID, toSeq: payload.ToSeq})
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1].toSeq > out[j].toSeq; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

func summaryRefItem(cp compactionCheckpoint) BundleItem {
	return BundleItem{Type: "summary_ref", ArtifactID: cp.artifactID}
}
