package session

// requestBody is the OpenResponses-compatible wire shape the session
// engine sends to the provider (spec §4.8 "Request").
type requestBody struct {
	Model              string       `json:"model"`
	Input              interface{}  `json:"input"`
	Tools              []toolSchema `json:"tools,omitempty"`
	ToolChoice         string       `json:"tool_choice,omitempty"`
	ParallelToolCalls  bool         `json:"parallel_tool_calls"`
	MaxToolCalls       int          `json:"max_tool_calls"`
	Stream             bool         `json:"stream"`
	PreviousResponseID string       `json:"previous_response_id,omitempty"`
}

type toolSchema struct {
	Type        string                 `json:"type"`
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

// messageItem is a plain user/assistant message item.
func messageItem(role, content string) map[string]interface{} {
	return map[string]interface{}{"type": "message", "role": role, "content": content}
}

// functionCallItem is the item a completed tool-call round trips back as
// part of the follow-up input.
func functionCallItem(callID, name, arguments string) map[string]interface{} {
	return map[string]interface{}{
		"type": "function_call", "call_id": callID, "name": name, "arguments": arguments,
	}
}

// functionCallOutputItem pairs a tool's result with the call it answers.
func functionCallOutputItem(callID, output string) map[string]interface{} {
	return map[string]interface{}{
		"type": "function_call_output", "call_id": callID, "output": output,
	}
}

// buildRequest assembles the next request body. previousResponseID is
// empty on the first iteration or in stateless mode. items is either the
// full accumulated item list (stateless) or just this iteration's new
// items (stateful, alongside previousResponseID).
func buildRequest(cfg Config, input interface{}, previousResponseID string) requestBody {
	return requestBody{
		Model:              cfg.Model,
		Input:              input,
		Tools:              cfg.tools,
		ToolChoice:         "auto",
		ParallelToolCalls:  false,
		MaxToolCalls:       cfg.MaxToolCalls,
		Stream:             true,
		PreviousResponseID: previousResponseID,
	}
}
