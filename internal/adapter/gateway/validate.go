package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"agentdeck/internal/domain"
)

// Request payload schemas, keyed by RPC method.
var methodSchemas = map[string]string{
	"chat.send": `{
		"type": "object",
		"required": ["content"],
		"properties": {
			"session_id": {"type": "string", "maxLength": 64},
			"thread_id": {"type": "string", "maxLength": 256},
			"content": {"type": "string", "minLength": 1, "maxLength": 65536}
		}
	}`,
	"chat.cancel": `{
		"type": "object",
		"required": ["session_id"],
		"properties": {"session_id": {"type": "string", "minLength": 1}}
	}`,
	"session.get": `{
		"type": "object",
		"required": ["session_id"],
		"properties": {"session_id": {"type": "string", "minLength": 1}}
	}`,
	"history.list": `{
		"type": "object",
		"required": ["thread_id"],
		"properties": {
			"thread_id": {"type": "string", "minLength": 1},
			"limit": {"type": "integer", "minimum": 1, "maximum": 500}
		}
	}`,
}

// payloadValidator checks RPC payloads before they reach a handler.
type payloadValidator struct {
	schemas map[string]*jsonschema.Schema
}

func newPayloadValidator() (*payloadValidator, error) {
	compiler := jsonschema.NewCompiler()
	v := &payloadValidator{schemas: make(map[string]*jsonschema.Schema, len(methodSchemas))}
	for method, raw := range methodSchemas {
		url := "mem://rpc/" + method + ".json"
		if err := compiler.AddResource(url, strings.NewReader(raw)); err != nil {
			return nil, fmt.Errorf("add schema resource for %q: %w", method, err)
		}
		compiled, err := compiler.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("compile schema for %q: %w", method, err)
		}
		v.schemas[method] = compiled
	}
	return v, nil
}

// Validate returns ErrRPCInvalidPayload when payload does not match the
// method's schema. Methods without a schema accept anything.
func (v *payloadValidator) Validate(method string, payload json.RawMessage) error {
	schema, ok := v.schemas[method]
	if !ok {
		return nil
	}
	if len(bytes.TrimSpace(payload)) == 0 {
		payload = json.RawMessage("{}")
	}
	var doc any
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return domain.NewDomainError(method, domain.ErrRPCInvalidPayload, err.Error())
	}
	if err := schema.Validate(doc); err != nil {
		return domain.NewDomainError(method, domain.ErrRPCInvalidPayload, err.Error())
	}
	return nil
}
