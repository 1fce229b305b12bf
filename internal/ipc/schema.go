package ipc

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const schemaBaseURL = "https://hwkeysd.invalid/ipc/"

// ErrInvalidPayload is returned for requests that fail their schema.
var ErrInvalidPayload = errors.New("invalid payload")

var requestSchemas = map[MessageType]string{
	MsgHandshake:     "handshake.json",
	MsgStatusRequest: "status.json",
	MsgHealthCheck:   "health.json",
	MsgGetBinding:    "binding_key.json",
	MsgDeleteBinding: "binding_key.json",
	MsgPutBinding:    "put_binding.json",
	MsgListBindings:  "list_bindings.json",
	MsgInjectKey:     "inject_key.json",
	MsgInjectGesture: "inject_gesture.json",
	MsgSetState:      "set_state.json",
}

// Validator checks request payloads against the embedded schemas.
type Validator struct {
	schemas map[MessageType]*jsonschema.Schema
}

// NewValidator compiles every request schema.
func NewValidator() (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	compiled := make(map[string]*jsonschema.Schema)
	v := &Validator{schemas: make(map[MessageType]*jsonschema.Schema, len(requestSchemas))}

	for t, name := range requestSchemas {
		s, ok := compiled[name]
		if !ok {
			data, err := schemaFS.ReadFile("schemas/" + name)
			if err != nil {
				return nil, fmt.Errorf("read schema %s: %w", name, err)
			}
			url := schemaBaseURL + name
			if err := compiler.AddResource(url, bytes.NewReader(data)); err != nil {
				return nil, fmt.Errorf("add schema %s: %w", name, err)
			}
			s, err = compiler.Compile(url)
			if err != nil {
				return nil, fmt.Errorf("compile schema %s: %w", name, err)
			}
			compiled[name] = s
		}
		v.schemas[t] = s
	}
	return v, nil
}

// Validate checks payload for a request of type t. Types without a
// schema carry no payload and always pass; an empty payload is checked
// as an empty object.
func (v *Validator) Validate(t MessageType, payload []byte) error {
	s, ok := v.schemas[t]
	if !ok {
		return nil
	}

	var doc any = map[string]any{}
	if len(payload) > 0 {
		dec := json.NewDecoder(bytes.NewReader(payload))
		dec.UseNumber()
		if err := dec.Decode(&doc); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
	}

	if err := s.Validate(doc); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPayload, t, err)
	}
	return nil
}
