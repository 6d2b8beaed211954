package provider

import (
	"strings"
	"testing"
)

func TestDecoder_ParsesDoneSentinel(t *testing.T) {
	d := NewDecoder()
	out := d.Push("data: [DONE]\n\n")
	if len(out) != 1 || out[0].Kind != KindDone {
		t.Fatalf("out = %+v, want one done event", out)
	}
}

func TestDecoder_InvalidJSONIsReported(t *testing.T) {
	d := NewDecoder()
	out := d.Push("data: {not json\n\n")
	if len(out) != 1 || out[0].Kind != KindInvalidJSON {
		t.Fatalf("out = %+v, want one invalid_json event", out)
	}
	if len(out[0].Errors) == 0 {
		t.Fatalf("want at least one error message")
	}
}

func TestDecoder_EventNameMismatchIsReported(t *testing.T) {
	d := NewDecoder()
	out := d.Push("event: response.created\ndata: {\"type\":\"response.completed\",\"sequence_number\":1}\n\n")
	if len(out) != 1 || out[0].Kind != KindEvent {
		t.Fatalf("out = %+v, want one event", out)
	}
	found := false
	for _, e := range out[0].Errors {
		if strings.Contains(e, "does not match") {
			found = true
		}
	}
	if !found {
		t.Fatalf("errors = %v, want a name/type mismatch error", out[0].Errors)
	}
}

func TestDecoder_HandlesSplitChunks(t *testing.T) {
	d := NewDecoder()
	first := d.Push("event: response.completed\ndata: {\"typ")
	if len(first) != 0 {
		t.Fatalf("first push produced %d events, want 0 (message incomplete)", len(first))
	}
	second := d.Push("e\":\"response.completed\",\"sequence_number\":2}\n\n")
	if len(second) != 1 || second[0].Kind != KindEvent {
		t.Fatalf("second push = %+v, want one event", second)
	}
}

func TestDecoder_SkipsCommentLines(t *testing.T) {
	d := NewDecoder()
	out := d.Push(": keep-alive\nevent: response.completed\ndata: {\"type\":\"response.completed\",\"sequence_number\":3}\n\n")
	if len(out) != 1 || out[0].Kind != KindEvent {
		t.Fatalf("out = %+v, want one event despite the leading comment", out)
	}
}

func TestDecoder_EmptyEventNameClearsPending(t *testing.T) {
	d := NewDecoder()
	out := d.Push("event: response.completed\nevent: \ndata: {\"type\":\"response.completed\",\"sequence_number\":4}\n\n")
	if len(out) != 1 {
		t.Fatalf("out = %+v, want one event", out)
	}
	if out[0].EventName != "" {
		t.Fatalf("event_name = %q, want empty after the blank event: line cleared it", out[0].EventName)
	}
}

func TestDecoder_Finish_FlushesBufferedPartial(t *testing.T) {
	d := NewDecoder()
	d.Push("event: response.completed\ndata: {\"type\":\"response.completed\",\"sequence_number\":5}")
	out := d.Finish()
	if len(out) != 1 || out[0].Kind != KindEvent {
		t.Fatalf("finish out = %+v, want one flushed event", out)
	}
}

func TestDecoder_CompatMode_SynthesizesItemIDOnFunctionCallDelta(t *testing.T) {
	d := NewDecoderWithValidation(CompatMissingItemIDs())
	out := d.Push("event: response.function_call_arguments.delta\ndata: {\"type\":\"response.function_call_arguments.delta\",\"sequence_number\":6,\"output_index\":2,\"delta\":\"x\"}\n\n")
	if len(out) != 1 || out[0].Kind != KindEvent {
		t.Fatalf("out = %+v, want one event", out)
	}
	if out[0].Raw != `{"type":"response.function_call_arguments.delta","sequence_number":6,"output_index":2,"delta":"x"}` {
		t.Fatalf("raw bytes must be preserved verbatim even in compat mode, got %q", out[0].Raw)
	}
	if len(out[0].Errors) != 0 {
		t.Fatalf("errors = %v, want none", out[0].Errors)
	}
	normalized, err := normalizeEventForValidation([]byte(out[0].Raw))
	if err != nil || !strings.Contains(string(normalized), `"item_id":"item_2"`) {
		t.Fatalf("normalized copy = %s (err %v), want synthesized item_id \"item_2\"", normalized, err)
	}
}

func TestDecoder_ResponseResourceErrorsAreSeparate(t *testing.T) {
	d := NewDecoder()
	out := d.Push("event: response.completed\ndata: {\"type\":\"response.completed\",\"sequence_number\":7,\"response\":{\"output\":[],\"truncation\":\"disabled\"}}\n\n")
	if len(out) != 1 {
		t.Fatalf("out = %+v, want one event", out)
	}
	if len(out[0].ResponseErrors) != 0 {
		t.Fatalf("response_errors = %v, want none for a conforming response resource", out[0].ResponseErrors)
	}
}
