// Package session implements the per-run state machine that drives one
// provider conversation to completion: request building, SSE decoding via
// internal/provider, the function-call tool loop against internal/toolsrt,
// and the terminal session_ended reasons of spec §4.8/H.
package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/ripdev/ripd/internal/eventlog"
	"github.com/ripdev/ripd/internal/provider"
	"github.com/ripdev/ripd/internal/toolsrt"
	"github.com/ripdev/ripd/internal/workspace"
	"github.com/ripdev/ripd/pkg/broadcast"
	"github.com/ripdev/ripd/pkg/events"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

func newID() string { return uuid.NewString() }

const defaultMaxToolCalls = 32

// Config selects the provider endpoint and request shape for one Engine.
type Config struct {
	Endpoint     string
	Model        string
	Provider     string // recorded on provider_event frames, e.g. "openresponses"
	Stateful     bool   // true: resend only new items + previous_response_id; false: resend the full item list
	MaxToolCalls int
	Validation   provider.ValidationOptions

	tools []toolSchema
}

// HTTPDoer is the minimal client surface the engine needs; satisfied by
// *http.Client and easily faked in tests.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Tracer is the subset of tracing.Provider the engine needs, kept as an
// interface here so internal/session doesn't import internal/tracing
// directly; wiring is optional via SetTracer.
type Tracer interface {
	StartRun(ctx context.Context, sessionID string) (context.Context, trace.Span)
	StartProviderRequest(ctx context.Context, model string, iteration int) (context.Context, trace.Span)
}

// Engine runs sessions against one provider endpoint, sharing a tool
// runtime and event log with the rest of the authority.
type Engine struct {
	log           *eventlog.Log
	hub           *broadcast.Hub[events.Event]
	runner        *toolsrt.Runner
	workspaceRoot string
	client        HTTPDoer
	limiter       *rate.Limiter
	cfg           Config
	tracer        Tracer
}

// SetTracer wires an optional OTel tracer (internal/tracing.Provider
// satisfies Tracer); nil disables span creation.
func (e *Engine) SetTracer(t Tracer) { e.tracer = t }

// NewEngine builds an Engine. limiter may be nil to disable request pacing.
func NewEngine(log *eventlog.Log, runner *toolsrt.Runner, registry *toolsrt.Registry, workspaceRoot string, client HTTPDoer, limiter *rate.Limiter, cfg Config) *Engine {
	if cfg.MaxToolCalls <= 0 {
		cfg.MaxToolCalls = defaultMaxToolCalls
	}
	for _, def := range registry.ProviderDefs() {
		cfg.tools = append(cfg.tools, toolSchema{
			Type: "function", Name: def.Name, Description: def.Description, Parameters: def.Parameters,
		})
	}
	return &Engine{
		log:           log,
		hub:           broadcast.NewHub[events.Event](),
		runner:        runner,
		workspaceRoot: workspaceRoot,
		client:        client,
		limiter:       limiter,
		cfg:           cfg,
	}
}

// Subscribe returns a live feed of every session event across all runs.
func (e *Engine) Subscribe() *broadcast.Subscription[events.Event] { return e.hub.Subscribe() }

// Hub exposes the engine's broadcast hub so a toolsrt.Runner constructed
// ahead of this Engine (the usual wiring order) can be handed it via
// Runner.SetHub, letting tool_*/checkpoint_* events reach the same live
// subscribers as session events.
func (e *Engine) Hub() *broadcast.Hub[events.Event] { return e.hub }

// ReplaySession returns every event recorded for one session partition, for
// callers (httpapi's run-outcome lookup for thread messages) that need
// the durable log rather than the live feed.
func (e *Engine) ReplaySession(sessionID string) ([]events.Event, error) {
	return e.log.ReplayStream(events.Partition{Kind: events.StreamSession, ID: sessionID})
}

// SeedMessage is one prior-turn message a run is seeded with ahead of the
// new input, e.g. a compiled context bundle's messages/summary_refs
// (spec §4.7/G feeding into Component H).
type SeedMessage struct {
	Role    string
	Content string
}

// Run drives sessionID's state machine to a terminal session_ended event.
// seed carries any prior-turn context (typically a compiled context
// bundle's items, spec §4.7) to prepend before input, the new first-turn
// prompt (spec §4.8 Init). seed is nil for a bare, context-free run.
func (e *Engine) Run(ctx context.Context, sessionID string, seed []SeedMessage, input string) error {
	if err := e.emit(sessionID, events.KindSessionStarted, events.SessionStartedPayload{Input: input}); err != nil {
		return err
	}

	if e.tracer != nil {
		var span trace.Span
		ctx, span = e.tracer.StartRun(ctx, sessionID)
		defer span.End()
	}

	mapper := provider.NewFrameMapper(e.log, e.hub, sessionID, e.cfg.Provider)

	var items []map[string]interface{}
	for _, m := range seed {
		items = append(items, messageItem(m.Role, m.Content))
	}
	items = append(items, messageItem("user", input))

	var previousResponseID string
	iterations := 0

	for {
		if ctx.Err() != nil {
			return e.emit(sessionID, events.KindSessionEnded, events.SessionEndedPayload{Reason: events.ReasonCancelled})
		}

		var reqInput interface{} = items
		reqPrevID := ""
		if e.cfg.Stateful && previousResponseID != "" {
			reqInput = items[len(items)-pendingSuffixLen(items):]
			reqPrevID = previousResponseID
		}

		reqCtx := ctx
		var reqSpan trace.Span
		if e.tracer != nil {
			reqCtx, reqSpan = e.tracer.StartProviderRequest(ctx, e.cfg.Model, iterations)
		}

		body := buildRequest(e.cfg, reqInput, reqPrevID)
		call, newResponseID, reason, err := e.requestAndStream(reqCtx, sessionID, mapper, body)
		if reqSpan != nil {
			reqSpan.End()
		}
		if err != nil {
			return e.emit(sessionID, events.KindSessionEnded, events.SessionEndedPayload{Reason: events.ReasonProviderError})
		}
		if newResponseID != "" {
			previousResponseID = newResponseID
		}

		if reason == events.ReasonCancelled {
			return e.emit(sessionID, events.KindSessionEnded, events.SessionEndedPayload{Reason: events.ReasonCancelled})
		}

		if call == nil {
			return e.emit(sessionID, events.KindSessionEnded, events.SessionEndedPayload{Reason: events.ReasonDone})
		}

		iterations++
		if iterations > e.cfg.MaxToolCalls {
			return e.emit(sessionID, events.KindSessionEnded, events.SessionEndedPayload{Reason: events.ReasonToolCap})
		}

		out, err := e.runner.Execute(ctx, sessionID, call.Name, call.Args, nil)
		output := ""
		if err != nil {
			output = fmt.Sprintf("error: %v", err)
		} else {
			output = joinStrings(out.Stdout)
		}

		items = append(items, functionCallItem(call.CallID, call.Name, call.ArgsRaw))
		items = append(items, functionCallOutputItem(call.CallID, output))
	}
}

// pendingSuffixLen returns how many trailing items (the most recent
// function_call/function_call_output pair, or the whole list on the very
// first turn) constitute "new items" for stateful resend.
func pendingSuffixLen(items []map[string]interface{}) int {
	if len(items) <= 1 {
		return len(items)
	}
	return 2
}

func joinStrings(parts []string) string {
	out := ""
	for _, p := range parts {
		out += p
	}
	return out
}

// requestAndStream persists the request artifact, sends it, and feeds the
// response body through the decoder until a function call completes, the
// stream ends, or an unrecoverable error/cancellation occurs.
func (e *Engine) requestAndStream(ctx context.Context, sessionID string, mapper *provider.FrameMapper, body requestBody) (call *completedCall, responseID string, endReason events.SessionEndedReason, err error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, "", "", fmt.Errorf("session: marshal request body: %w", err)
	}
	artifactID, err := workspace.WriteArtifact(e.workspaceRoot, data)
	if err != nil {
		return nil, "", "", fmt.Errorf("session: write request artifact: %w", err)
	}
	if err := e.emit(sessionID, events.KindOpenResponsesRequestStarted, events.OpenResponsesRequestStartedPayload{
		Endpoint: e.cfg.Endpoint, Model: e.cfg.Model,
	}); err != nil {
		return nil, "", "", err
	}
	if err := e.emit(sessionID, events.KindOpenResponsesRequest, events.OpenResponsesRequestPayload{BodyArtifactID: artifactID}); err != nil {
		return nil, "", "", err
	}

	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, "", events.ReasonCancelled, nil
			}
			return nil, "", "", err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.Endpoint, bytes.NewReader(data))
	if err != nil {
		return nil, "", "", fmt.Errorf("session: build http request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, "", events.ReasonCancelled, nil
		}
		return nil, "", "", fmt.Errorf("session: provider request failed: %w", err)
	}
	defer resp.Body.Close()

	if err := e.emit(sessionID, events.KindOpenResponsesResponseHeaders, events.OpenResponsesResponseHeadersPayload{StatusCode: resp.StatusCode}); err != nil {
		return nil, "", "", err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", "", fmt.Errorf("session: provider returned status %d", resp.StatusCode)
	}

	decoder := provider.NewDecoderWithValidation(e.cfg.Validation)
	toolLoop := newToolLoopState()
	buf := make([]byte, 32*1024)
	firstByte := true

	for {
		if ctx.Err() != nil {
			return nil, "", events.ReasonCancelled, nil
		}

		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if firstByte {
				firstByte = false
				_ = e.emit(sessionID, events.KindOpenResponsesResponseFirstByte, events.OpenResponsesResponseFirstBytePayload{})
			}
			parsed := decoder.Push(string(buf[:n]))
			for _, pe := range parsed {
				frames, mapErr := mapper.Map(pe)
				if mapErr != nil {
					return nil, "", "", mapErr
				}
				if rid := extractResponseID(pe); rid != "" {
					responseID = rid
				}
				if pe.Kind == provider.KindDone {
					return nil, responseID, "", nil
				}
				if pe.Kind == provider.KindInvalidJSON {
					_ = frames
					return nil, "", "", fmt.Errorf("session: invalid provider event: %v", pe.Errors)
				}
				if c, ok := toolLoop.observe(pe); ok {
					return &c, responseID, "", nil
				}
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				parsed := decoder.Finish()
				for _, pe := range parsed {
					if _, mapErr := mapper.Map(pe); mapErr != nil {
						return nil, "", "", mapErr
					}
					if c, ok := toolLoop.observe(pe); ok {
						return &c, responseID, "", nil
					}
				}
				return nil, responseID, "", nil
			}
			if ctx.Err() != nil {
				return nil, "", events.ReasonCancelled, nil
			}
			return nil, "", "", fmt.Errorf("session: read provider response: %w", readErr)
		}
	}
}

func extractResponseID(pe provider.ParsedEvent) string {
	if pe.Kind != provider.KindEvent || len(pe.Data) == 0 {
		return ""
	}
	var envelope struct {
		Response struct {
			ID string `json:"id"`
		} `json:"response"`
	}
	if json.Unmarshal(pe.Data, &envelope) != nil {
		return ""
	}
	return envelope.Response.ID
}

func (e *Engine) emit(sessionID, kind string, payload interface{}) error {
	part := events.Partition{Kind: events.StreamSession, ID: sessionID}
	seq := e.log.NextSeq(part)
	ev, err := events.Marshal(events.StreamSession, sessionID, kind, seq, time.Now().UnixMilli(), newID(), payload)
	if err != nil {
		return err
	}
	if err := e.log.Append(ev); err != nil {
		return err
	}
	e.hub.Publish(ev)
	return nil
}
