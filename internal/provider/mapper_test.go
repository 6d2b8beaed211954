package provider

import (
	"testing"

	"github.com/ripdev/ripd/internal/eventlog"
	"github.com/ripdev/ripd/pkg/broadcast"
	"github.com/ripdev/ripd/pkg/events"
)

func newTestMapper(t *testing.T) (*FrameMapper, *eventlog.Log) {
	t.Helper()
	log, err := eventlog.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	t.Cleanup(func() { log.Close() })
	hub := broadcast.NewHub[events.Event]()
	return NewFrameMapper(log, hub, "sess-1", "openresponses"), log
}

func TestFrameMapper_EmitsOneFrameForOrdinaryEvent(t *testing.T) {
	mapper, log := newTestMapper(t)
	d := NewDecoder()
	parsed := d.Push("event: response.completed\ndata: {\"type\":\"response.completed\",\"sequence_number\":1}\n\n")
	if len(parsed) != 1 {
		t.Fatalf("want one parsed event, got %d", len(parsed))
	}

	out, err := mapper.Map(parsed[0])
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("frames = %d, want 1 (no output_text_delta for this type)", len(out))
	}
	if out[0].Kind != events.KindProviderEvent {
		t.Fatalf("kind = %s, want provider_event", out[0].Kind)
	}

	replayed, err := log.ReplayStream(events.Partition{Kind: events.StreamSession, ID: "sess-1"})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(replayed) != 1 {
		t.Fatalf("replayed = %d events, want 1", len(replayed))
	}
}

func TestFrameMapper_EmitsTwoFramesForTextDelta(t *testing.T) {
	mapper, log := newTestMapper(t)
	d := NewDecoder()
	parsed := d.Push("event: response.output_text.delta\ndata: {\"type\":\"response.output_text.delta\",\"sequence_number\":2,\"delta\":\"hi\"}\n\n")
	if len(parsed) != 1 {
		t.Fatalf("want one parsed event, got %d", len(parsed))
	}

	out, err := mapper.Map(parsed[0])
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("frames = %d, want 2 (provider_event + output_text_delta)", len(out))
	}
	if out[0].Kind != events.KindProviderEvent || out[1].Kind != events.KindOutputTextDelta {
		t.Fatalf("kinds = %s, %s, want provider_event, output_text_delta", out[0].Kind, out[1].Kind)
	}
	if out[1].Seq != out[0].Seq+1 {
		t.Fatalf("seq = %d, %d, want contiguous", out[0].Seq, out[1].Seq)
	}

	replayed, err := log.ReplayStream(events.Partition{Kind: events.StreamSession, ID: "sess-1"})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(replayed) != 2 {
		t.Fatalf("replayed = %d events, want 2", len(replayed))
	}
}

func TestFrameMapper_EmitsFrameForDoneAndInvalidJSON(t *testing.T) {
	mapper, _ := newTestMapper(t)
	d := NewDecoder()

	done := d.Push("data: [DONE]\n\n")
	out, err := mapper.Map(done[0])
	if err != nil {
		t.Fatalf("map done: %v", err)
	}
	if len(out) != 1 || out[0].Kind != events.KindProviderEvent {
		t.Fatalf("done frames = %+v, want one provider_event", out)
	}

	bad := d.Push("data: {not json\n\n")
	out, err = mapper.Map(bad[0])
	if err != nil {
		t.Fatalf("map invalid json: %v", err)
	}
	if len(out) != 1 || out[0].Kind != events.KindProviderEvent {
		t.Fatalf("invalid_json frames = %+v, want one provider_event", out)
	}
}
