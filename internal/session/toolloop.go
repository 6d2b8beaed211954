package session

import (
	"encoding/json"
	"strconv"

	"github.com/ripdev/ripd/internal/provider"
)

// pendingCall accumulates one function call's arguments as
// response.function_call_arguments.delta frames arrive, keyed by
// output_index (spec §4.8 "Tool loop").
type pendingCall struct {
	outputIndex int
	itemID      string
	callID      string
	name        string
	args        []byte
	done        bool
}

// completedCall is a fully materialized invocation ready to run.
type completedCall struct {
	CallID  string
	Name    string
	Args    map[string]interface{}
	ArgsRaw string
}

// toolLoopState tracks in-flight function calls across one streaming pass.
type toolLoopState struct {
	pending map[string]*pendingCall // keyed by output_index as a string
}

func newToolLoopState() *toolLoopState {
	return &toolLoopState{pending: make(map[string]*pendingCall)}
}

// observe feeds one parsed provider event into the tool-loop accumulator
// and returns a completed invocation whenever a
// response.function_call_arguments.done frame finalizes a call.
// response.output_item.added/.done frames only record the call's item id,
// call_id and name; they never complete a call.
func (s *toolLoopState) observe(ev provider.ParsedEvent) (completedCall, bool) {
	if ev.Kind != provider.KindEvent || len(ev.Data) == 0 {
		return completedCall{}, false
	}

	var envelope struct {
		Type        string          `json:"type"`
		OutputIndex *int            `json:"output_index"`
		ItemID      string          `json:"item_id"`
		Delta       string          `json:"delta"`
		Arguments   string          `json:"arguments"`
		Item        json.RawMessage `json:"item"`
	}
	if err := json.Unmarshal(ev.Data, &envelope); err != nil {
		return completedCall{}, false
	}

	switch envelope.Type {
	case "response.output_item.added", "response.output_item.done":
		var item struct {
			Type   string `json:"type"`
			ID     string `json:"id"`
			CallID string `json:"call_id"`
			Name   string `json:"name"`
		}
		if len(envelope.Item) == 0 || json.Unmarshal(envelope.Item, &item) != nil {
			return completedCall{}, false
		}
		if item.Type != "function_call" || envelope.OutputIndex == nil {
			return completedCall{}, false
		}
		key := strconv.Itoa(*envelope.OutputIndex)
		pc := s.get(key, *envelope.OutputIndex)
		if item.ID != "" {
			pc.itemID = item.ID
		}
		if item.CallID != "" {
			pc.callID = item.CallID
		}
		if item.Name != "" {
			pc.name = item.Name
		}
		return completedCall{}, false

	case "response.function_call_arguments.delta":
		if envelope.OutputIndex == nil {
			return completedCall{}, false
		}
		key := strconv.Itoa(*envelope.OutputIndex)
		pc := s.get(key, *envelope.OutputIndex)
		if envelope.ItemID != "" {
			pc.itemID = envelope.ItemID
		}
		pc.args = append(pc.args, []byte(envelope.Delta)...)
		return completedCall{}, false

	case "response.function_call_arguments.done":
		if envelope.OutputIndex == nil {
			return completedCall{}, false
		}
		key := strconv.Itoa(*envelope.OutputIndex)
		pc := s.get(key, *envelope.OutputIndex)
		if envelope.ItemID != "" {
			pc.itemID = envelope.ItemID
		}
		if envelope.Arguments != "" {
			pc.args = []byte(envelope.Arguments)
		}
		pc.done = true

		callID := pc.callID
		if callID == "" {
			callID = pc.itemID
		}
		var parsed map[string]interface{}
		if len(pc.args) == 0 {
			parsed = map[string]interface{}{}
		} else if err := json.Unmarshal(pc.args, &parsed); err != nil {
			parsed = map[string]interface{}{}
		}
		delete(s.pending, key)
		return completedCall{CallID: callID, Name: pc.name, Args: parsed, ArgsRaw: string(pc.args)}, true
	}

	return completedCall{}, false
}

func (s *toolLoopState) get(key string, outputIndex int) *pendingCall {
	pc, ok := s.pending[key]
	if !ok {
		pc = &pendingCall{outputIndex: outputIndex}
		s.pending[key] = pc
	}
	return pc
}
