package provider

import (
	"bytes"
	"encoding/json"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// The embedded schemas below implement only the validator *contract* named
// in SPEC_FULL.md's Non-goals: a minimal event-envelope and response-
// resource shape, not the full OpenAI-Responses JSON Schema (out of scope
// by design — see DESIGN.md).
const eventEnvelopeSchemaJSON = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["type"],
	"properties": {
		"type": {"type": "string", "minLength": 1},
		"sequence_number": {"type": "integer"}
	}
}`

const responseResourceSchemaJSON = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"properties": {
		"output": {"type": "array"},
		"truncation": {"type": "string"},
		"previous_response_id": {"type": ["string", "null"]}
	}
}`

var (
	compileOnce       sync.Once
	eventEnvelopeSchema *jsonschema.Schema
	responseResourceSchemaCompiled *jsonschema.Schema
	compileErr        error
)

func compileSchemas() {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("event_envelope.json", bytes.NewReader([]byte(eventEnvelopeSchemaJSON))); err != nil {
		compileErr = err
		return
	}
	if err := compiler.AddResource("response_resource.json", bytes.NewReader([]byte(responseResourceSchemaJSON))); err != nil {
		compileErr = err
		return
	}
	s1, err := compiler.Compile("event_envelope.json")
	if err != nil {
		compileErr = err
		return
	}
	s2, err := compiler.Compile("response_resource.json")
	if err != nil {
		compileErr = err
		return
	}
	eventEnvelopeSchema = s1
	responseResourceSchemaCompiled = s2
}

func validateStreamEvent(data json.RawMessage) []string {
	compileOnce.Do(compileSchemas)
	if compileErr != nil {
		return []string{compileErr.Error()}
	}
	return validateWith(eventEnvelopeSchema, data)
}

func validateResponseResource(data json.RawMessage) []string {
	compileOnce.Do(compileSchemas)
	if compileErr != nil {
		return []string{compileErr.Error()}
	}
	return validateWith(responseResourceSchemaCompiled, data)
}

func validateWith(schema *jsonschema.Schema, data json.RawMessage) []string {
	var value interface{}
	if err := json.Unmarshal(data, &value); err != nil {
		return []string{err.Error()}
	}
	if err := schema.Validate(value); err != nil {
		if verr, ok := err.(*jsonschema.ValidationError); ok {
			var out []string
			for _, cause := range verr.Causes {
				out = append(out, cause.Error())
			}
			if len(out) == 0 {
				out = append(out, verr.Error())
			}
			return out
		}
		return []string{err.Error()}
	}
	return nil
}
