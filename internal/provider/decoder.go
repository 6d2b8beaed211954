// Package provider implements the incremental OpenAI-Responses SSE decoder
// (spec §4.2/E): push(chunk) -> []ParsedEvent, validation against the
// event-envelope and response-resource contracts, optional compatibility
// normalization, and the FrameMapper that turns parsed events into the
// session stream's provider_event/output_text_delta frames.
package provider

import "encoding/json"

// ParsedEventKind tags what push() found at one SSE message boundary.
type ParsedEventKind string

const (
	KindDone        ParsedEventKind = "done"
	KindInvalidJSON ParsedEventKind = "invalid_json"
	KindEvent       ParsedEventKind = "event"
)

// ParsedEvent is one decoded SSE message (spec §4.2).
type ParsedEvent struct {
	Kind           ParsedEventKind
	EventName      string
	Raw            string
	Data           json.RawMessage
	Errors         []string
	ResponseErrors []string
}

// ValidationOptions controls the decoder's compatibility-mode normalization
// (SPEC_FULL §4.2a narrows this to exactly two trigger points).
type ValidationOptions struct {
	NormalizeMissingItemIDs bool
}

func StrictValidation() ValidationOptions { return ValidationOptions{} }

func CompatMissingItemIDs() ValidationOptions {
	return ValidationOptions{NormalizeMissingItemIDs: true}
}

// Decoder incrementally parses Server-Sent Events from caller-provided byte
// chunks, buffering across chunk boundaries (spec §4.2).
type Decoder struct {
	buffer       string
	currentEvent string
	currentData  []string
	validation   ValidationOptions
}

// NewDecoder returns a Decoder in strict validation mode.
func NewDecoder() *Decoder {
	return NewDecoderWithValidation(StrictValidation())
}

// NewDecoderWithValidation returns a Decoder with the given validation mode.
func NewDecoderWithValidation(v ValidationOptions) *Decoder {
	return &Decoder{validation: v}
}

// Push buffers chunk and returns every complete SSE message it completes.
// Grounded line-for-line on rip-provider-openresponses's SseDecoder::push:
// split on '\n', hold back an unterminated final line, track event:/data:
// lines, treat ':'-prefixed lines as comments, and flush on a blank line.
func (d *Decoder) Push(chunk string) []ParsedEvent {
	d.buffer += chunk
	var out []ParsedEvent

	lines := splitKeepEmpty(d.buffer)
	endsInNewline := len(d.buffer) > 0 && d.buffer[len(d.buffer)-1] == '\n'

	var pendingTail *string
	for i := 0; i < len(lines); i++ {
		line := lines[i]
		isLast := i == len(lines)-1
		if isLast && !endsInNewline {
			t := line
			pendingTail = &t
			break
		}

		line = trimTrailingCR(line)
		switch {
		case hasPrefix(line, "event:"):
			value := trimSpace(line[len("event:"):])
			if value == "" {
				d.currentEvent = ""
			} else {
				d.currentEvent = value
			}
		case hasPrefix(line, "data:"):
			value := trimLeadingSpace(line[len("data:"):])
			d.currentData = append(d.currentData, value)
		case line == "":
			if isLast {
				empty := ""
				pendingTail = &empty
				break
			}
			if len(d.currentData) > 0 {
				raw := joinLines(d.currentData)
				out = append(out, d.parseEvent(raw))
				d.currentData = nil
				d.currentEvent = ""
			}
		case hasPrefix(line, ":"):
			// comment line, ignored
		}
	}

	if pendingTail != nil {
		d.buffer = *pendingTail
	} else {
		d.buffer = ""
	}
	return out
}

// Finish flushes any buffered partial message (treated as if newline-
// terminated), matching SseDecoder::finish.
func (d *Decoder) Finish() []ParsedEvent {
	var out []ParsedEvent
	if d.buffer != "" {
		chunk := d.buffer + "\n"
		d.buffer = ""
		out = d.Push(chunk)
	}
	if len(d.currentData) > 0 {
		out = append(out, d.parseEvent(joinLines(d.currentData)))
		d.currentData = nil
		d.currentEvent = ""
	}
	return out
}

func (d *Decoder) parseEvent(raw string) ParsedEvent {
	if raw == "[DONE]" {
		return ParsedEvent{Kind: KindDone, Raw: raw}
	}

	var value interface{}
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		return ParsedEvent{Kind: KindInvalidJSON, EventName: d.currentEvent, Raw: raw, Errors: []string{err.Error()}}
	}

	validationData := json.RawMessage(raw)
	if d.validation.NormalizeMissingItemIDs {
		normalized, err := normalizeEventForValidation([]byte(raw))
		if err == nil {
			validationData = normalized
		}
	}

	var errs []string
	errs = append(errs, validateStreamEvent(validationData)...)

	eventName := d.currentEvent
	if eventName != "" {
		if obj, ok := value.(map[string]interface{}); ok {
			if typeName, ok := obj["type"].(string); ok && typeName != eventName {
				errs = append(errs, "event name '"+eventName+"' does not match type '"+typeName+"'")
			}
		}
	}

	var responseErrs []string
	if obj, ok := value.(map[string]interface{}); ok {
		if resp, ok := obj["response"]; ok {
			respRaw, err := json.Marshal(resp)
			if err == nil {
				responseErrs = append(responseErrs, validateResponseResource(respRaw)...)
			}
		}
	}

	return ParsedEvent{
		Kind:           KindEvent,
		EventName:      eventName,
		Raw:            raw,
		Data:           json.RawMessage(raw),
		Errors:         errs,
		ResponseErrors: responseErrs,
	}
}

func splitKeepEmpty(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}

func trimTrailingCR(s string) string {
	if len(s) > 0 && s[len(s)-1] == '\r' {
		return s[:len(s)-1]
	}
	return s
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

func trimSpace(s string) string {
	start, end := 0, len(s)
	for start < end && isSpace(s[start]) {
		start++
	}
	for end > start && isSpace(s[end-1]) {
		end--
	}
	return s[start:end]
}

func trimLeadingSpace(s string) string {
	start := 0
	for start < len(s) && isSpace(s[start]) {
		start++
	}
	return s[start:]
}

func isSpace(b byte) bool { return b == ' ' || b == '\t' }

func joinLines(lines []string) string {
	out := ""
	for i, l := range lines {
		if i > 0 {
			out += "\n"
		}
		out += l
	}
	return out
}
