package provider

import (
	"encoding/json"
	"fmt"
)

// normalizeEventForValidation applies compatibility-mode fixups (SPEC_FULL
// §4.2a) purely for the validator's benefit: the caller's raw bytes are
// never mutated, only this derived copy. Grounded on
// rip-provider-openresponses's normalize_event_for_validation.
func normalizeEventForValidation(raw []byte) (json.RawMessage, error) {
	var obj map[string]interface{}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, err
	}

	if typeName, _ := obj["type"].(string); typeName == "response.function_call_arguments.delta" ||
		typeName == "response.function_call_arguments.done" {
		if itemID, ok := obj["item_id"].(string); !ok || itemID == "" {
			if idx, ok := numberField(obj, "output_index"); ok {
				obj["item_id"] = fmt.Sprintf("item_%d", idx)
			}
		}
	}

	if resp, ok := obj["response"].(map[string]interface{}); ok {
		obj["response"] = normalizeResponseResource(resp)
	}

	return json.Marshal(obj)
}

// normalizeResponseResource walks a response resource's output items and
// materializes ids the same way normalize_response_resource does.
func normalizeResponseResource(response map[string]interface{}) map[string]interface{} {
	output, ok := response["output"].([]interface{})
	if !ok {
		return response
	}
	for i, item := range output {
		if obj, ok := item.(map[string]interface{}); ok {
			output[i] = normalizeOutputItem(obj, i)
		}
	}
	response["output"] = output
	return response
}

// normalizeOutputItem materializes a missing id on function_call and
// function_call_output items, derived from call_id when present and from
// the item's output index otherwise.
func normalizeOutputItem(item map[string]interface{}, outputIndex int) map[string]interface{} {
	typeName, _ := item["type"].(string)
	if id, ok := item["id"].(string); ok && id != "" {
		return item
	}
	callID, hasCallID := item["call_id"].(string)
	switch typeName {
	case "function_call":
		if hasCallID && callID != "" {
			item["id"] = callID
		} else {
			item["id"] = fmt.Sprintf("item_%d", outputIndex)
		}
	case "function_call_output":
		if hasCallID && callID != "" {
			item["id"] = "output_" + callID
		} else {
			item["id"] = fmt.Sprintf("output_%d", outputIndex)
		}
	}
	return item
}

func numberField(obj map[string]interface{}, key string) (int, bool) {
	v, ok := obj[key]
	if !ok {
		return 0, false
	}
	f, ok := v.(float64)
	if !ok {
		return 0, false
	}
	return int(f), true
}
