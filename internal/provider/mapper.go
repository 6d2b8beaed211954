package provider

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/ripdev/ripd/internal/eventlog"
	"github.com/ripdev/ripd/pkg/broadcast"
	"github.com/ripdev/ripd/pkg/events"
)

// FrameMapper turns each ParsedEvent produced by a Decoder into the
// session stream's provider_event frame, plus a second output_text_delta
// frame whenever the payload's type is response.output_text.delta.
// Grounded on rip-provider-openresponses's EventFrameMapper.
type FrameMapper struct {
	log       *eventlog.Log
	hub       *broadcast.Hub[events.Event]
	sessionID string
	provider  string
}

// NewFrameMapper builds a mapper scoped to one session's stream.
func NewFrameMapper(log *eventlog.Log, hub *broadcast.Hub[events.Event], sessionID, provider string) *FrameMapper {
	return &FrameMapper{log: log, hub: hub, sessionID: sessionID, provider: provider}
}

// Map appends and publishes the frame(s) for one ParsedEvent, in order:
// the provider_event frame always, then output_text_delta when the
// underlying event is a text delta.
func (m *FrameMapper) Map(ev ParsedEvent) ([]events.Event, error) {
	var out []events.Event

	providerEv, err := m.emitProviderEvent(ev)
	if err != nil {
		return nil, err
	}
	out = append(out, providerEv)

	if ev.Kind == KindEvent {
		if delta, ok := outputTextDelta(ev.Data); ok {
			deltaEv, err := m.emit(events.KindOutputTextDelta, events.OutputTextDeltaPayload{Delta: delta})
			if err != nil {
				return nil, err
			}
			out = append(out, deltaEv)
		}
	}

	return out, nil
}

func (m *FrameMapper) emitProviderEvent(ev ParsedEvent) (events.Event, error) {
	payload := events.ProviderEventPayload{
		Provider:       m.provider,
		Status:         string(ev.Kind),
		EventName:      ev.EventName,
		Raw:            ev.Raw,
		Errors:         ev.Errors,
		ResponseErrors: ev.ResponseErrors,
	}
	if ev.Kind == KindEvent {
		payload.Data = ev.Data
	}
	return m.emit(events.KindProviderEvent, payload)
}

func (m *FrameMapper) emit(kind string, payload interface{}) (events.Event, error) {
	part := events.Partition{Kind: events.StreamSession, ID: m.sessionID}
	seq := m.log.NextSeq(part)
	ev, err := events.Marshal(events.StreamSession, m.sessionID, kind, seq, time.Now().UnixMilli(), uuid.NewString(), payload)
	if err != nil {
		return events.Event{}, err
	}
	if err := m.log.Append(ev); err != nil {
		return events.Event{}, err
	}
	m.hub.Publish(ev)
	return ev, nil
}

// outputTextDelta extracts the delta string when data.type is
// response.output_text.delta, matching EventFrameMapper::output_text_delta.
func outputTextDelta(data []byte) (string, bool) {
	var obj struct {
		Type  string `json:"type"`
		Delta string `json:"delta"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return "", false
	}
	if obj.Type != "response.output_text.delta" {
		return "", false
	}
	return obj.Delta, true
}
