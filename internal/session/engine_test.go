package session

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/ripdev/ripd/internal/eventlog"
	"github.com/ripdev/ripd/internal/toolsrt"
	"github.com/ripdev/ripd/pkg/events"
)

// scriptedDoer replays one canned SSE body per call, in order, regardless
// of the request it receives.
type scriptedDoer struct {
	bodies []string
	calls  int32
}

func (d *scriptedDoer) Do(req *http.Request) (*http.Response, error) {
	i := int(atomic.AddInt32(&d.calls, 1)) - 1
	body := ""
	if i < len(d.bodies) {
		body = d.bodies[i]
	}
	return &http.Response{
		StatusCode: 200,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     make(http.Header),
	}, nil
}

func newTestEngine(t *testing.T, doer HTTPDoer) (*Engine, *eventlog.Log) {
	t.Helper()
	dataDir := t.TempDir()
	workspaceRoot := t.TempDir()

	log, err := eventlog.Open(dataDir)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	t.Cleanup(func() { log.Close() })

	reg := toolsrt.NewRegistry()
	reg.Register(toolsrt.ToolDef{Name: "echo", Description: "echoes its input"},
		func(ctx context.Context, inv toolsrt.Invocation) (toolsrt.ToolOutput, error) {
			msg, _ := inv.Args["message"].(string)
			return toolsrt.ToolOutput{Stdout: []string{msg}}, nil
		})
	runner := toolsrt.NewRunner(reg, log, workspaceRoot, 4)

	cfg := Config{Endpoint: "https://provider.example/v1/responses", Model: "test-model", Provider: "openresponses", MaxToolCalls: 2}
	eng := NewEngine(log, runner, reg, workspaceRoot, doer, nil, cfg)
	runner.SetHub(eng.Hub())
	return eng, log
}

func sseFunctionCall(callID, name, argsJSON string) string {
	var b strings.Builder
	b.WriteString("event: response.output_item.added\n")
	b.WriteString(`data: {"type":"response.output_item.added","output_index":0,"item":{"type":"function_call","id":"item-1","call_id":"` + callID + `","name":"` + name + `"}}` + "\n\n")
	b.WriteString("event: response.function_call_arguments.delta\n")
	b.WriteString(`data: {"type":"response.function_call_arguments.delta","output_index":0,"item_id":"item-1","delta":` + quoteJSON(argsJSON) + `}` + "\n\n")
	b.WriteString("event: response.function_call_arguments.done\n")
	b.WriteString(`data: {"type":"response.function_call_arguments.done","output_index":0,"item_id":"item-1","arguments":` + quoteJSON(argsJSON) + `}` + "\n\n")
	b.WriteString("data: [DONE]\n\n")
	return b.String()
}

func quoteJSON(s string) string {
	escaped := strings.ReplaceAll(s, `"`, `\"`)
	return `"` + escaped + `"`
}

func sseTextThenDone(text string) string {
	var b strings.Builder
	b.WriteString("event: response.output_text.delta\n")
	b.WriteString(`data: {"type":"response.output_text.delta","delta":"` + text + `"}` + "\n\n")
	b.WriteString("data: [DONE]\n\n")
	return b.String()
}

func TestEngine_ToolLoop_ExecutesCallAndEndsDone(t *testing.T) {
	doer := &scriptedDoer{bodies: []string{
		sseFunctionCall("call-1", "echo", `{"message":"hi"}`),
		sseTextThenDone("all done"),
	}}
	eng, log := newTestEngine(t, doer)

	sub := eng.Subscribe()
	live := make(chan events.Event, 32)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range sub.C {
			live <- ev
		}
	}()

	if err := eng.Run(context.Background(), "sess-1", nil, "please echo hi"); err != nil {
		t.Fatalf("run: %v", err)
	}
	sub.Unsubscribe()
	<-done
	close(live)

	var sawLiveToolStarted, sawLiveToolEnded bool
	for ev := range live {
		switch ev.Kind {
		case events.KindToolStarted:
			sawLiveToolStarted = true
		case events.KindToolEnded:
			sawLiveToolEnded = true
		}
	}
	if !sawLiveToolStarted || !sawLiveToolEnded {
		t.Fatalf("expected tool_started/tool_ended on the live hub subscription, not just the durable log")
	}

	evs, err := log.ReplayStream(events.Partition{Kind: events.StreamSession, ID: "sess-1"})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}

	var sawToolStarted, sawToolEnded bool
	var endedReason string
	for _, ev := range evs {
		switch ev.Kind {
		case events.KindToolStarted:
			sawToolStarted = true
		case events.KindToolEnded:
			sawToolEnded = true
		case events.KindSessionEnded:
			var p events.SessionEndedPayload
			if err := json.Unmarshal(ev.Data, &p); err != nil {
				t.Fatalf("unmarshal session_ended: %v", err)
			}
			endedReason = string(p.Reason)
		}
	}
	if !sawToolStarted || !sawToolEnded {
		t.Fatalf("expected tool_started/tool_ended in stream, got: %+v", kindsOf(evs))
	}
	if endedReason != string(events.ReasonDone) {
		t.Fatalf("expected session_ended reason done, got %q (events: %v)", endedReason, kindsOf(evs))
	}
	if doer.calls != 2 {
		t.Fatalf("expected exactly 2 provider requests, got %d", doer.calls)
	}
}

func TestEngine_ToolLoop_HitsToolCap(t *testing.T) {
	// Three calls scripted but MaxToolCalls is 2, so the third iteration
	// must end the session with reason tool_cap before exhausting the
	// script.
	call := sseFunctionCall("call-x", "echo", `{"message":"again"}`)
	doer := &scriptedDoer{bodies: []string{call, call, call}}
	eng, log := newTestEngine(t, doer)

	if err := eng.Run(context.Background(), "sess-2", nil, "loop forever"); err != nil {
		t.Fatalf("run: %v", err)
	}

	evs, err := log.ReplayStream(events.Partition{Kind: events.StreamSession, ID: "sess-2"})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	last := evs[len(evs)-1]
	if last.Kind != events.KindSessionEnded {
		t.Fatalf("expected last event to be session_ended, got %s", last.Kind)
	}
	var p events.SessionEndedPayload
	if err := json.Unmarshal(last.Data, &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if p.Reason != events.ReasonToolCap {
		t.Fatalf("expected reason tool_cap, got %q", p.Reason)
	}
}

func TestEngine_Cancellation_EndsWithCancelledReason(t *testing.T) {
	doer := &scriptedDoer{bodies: []string{sseTextThenDone("irrelevant")}}
	eng, log := newTestEngine(t, doer)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := eng.Run(ctx, "sess-3", nil, "hello"); err != nil {
		t.Fatalf("run: %v", err)
	}

	evs, err := log.ReplayStream(events.Partition{Kind: events.StreamSession, ID: "sess-3"})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	last := evs[len(evs)-1]
	var p events.SessionEndedPayload
	if err := json.Unmarshal(last.Data, &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if p.Reason != events.ReasonCancelled {
		t.Fatalf("expected reason cancelled, got %q", p.Reason)
	}
}

func kindsOf(evs []events.Event) []string {
	out := make([]string, len(evs))
	for i, ev := range evs {
		out[i] = ev.Kind
	}
	return out
}
