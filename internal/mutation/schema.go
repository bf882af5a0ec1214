package mutation

import (
	"bytes"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

var bodySchemas = map[Type]string{
	TypeCreateSpot: `{
		"type": "object",
		"required": ["name", "lat", "lng"],
		"properties": {
			"name": {"type": "string", "minLength": 2, "maxLength": 100},
			"lat": {"type": "number", "minimum": -90, "maximum": 90},
			"lng": {"type": "number", "minimum": -180, "maximum": 180}
		}
	}`,
	TypeCreateCondition: `{
		"type": "object",
		"properties": {
			"waveHeight": {"type": "number", "minimum": 0, "maximum": 2.5, "multipleOf": 0.5},
			"windSpeed": {"type": "number", "minimum": 0, "maximum": 20, "multipleOf": 2},
			"windDirection": {"type": "integer", "minimum": 0, "maximum": 355, "multipleOf": 5}
		},
		"anyOf": [
			{"required": ["waveHeight"]},
			{"required": ["windSpeed"]},
			{"required": ["windDirection"]}
		]
	}`,
	TypeConfirmCondition: `{"type": "object", "maxProperties": 0}`,
	TypeCreateSession: `{
		"type": "object",
		"required": ["type", "sportType"],
		"properties": {
			"type": {"enum": ["now", "planned"]},
			"sportType": {"enum": ["WING_FOIL", "WINDSURF", "KITE", "OTHER"]},
			"scheduledAt": {"type": "string", "minLength": 1}
		},
		"if": {"properties": {"type": {"const": "planned"}}},
		"then": {"required": ["scheduledAt"]}
	}`,
	TypeLeaveSession: `{"type": ["object", "null"], "maxProperties": 0}`,
	TypeUpdateWiki: `{
		"type": "object",
		"required": ["content"],
		"properties": {
			"content": {"type": "string", "maxLength": 50000}
		}
	}`,
}

var (
	compileOnce sync.Once
	compiled    map[Type]*jsonschema.Schema
	compileErr  error
)

func schemas() (map[Type]*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		out := make(map[Type]*jsonschema.Schema, len(bodySchemas))
		for t, source := range bodySchemas {
			doc, err := jsonschema.UnmarshalJSON(strings.NewReader(source))
			if err != nil {
				compileErr = Error.New("%s schema: %v", t, err)
				return
			}
			loc := "mem://mutation/" + string(t) + ".json"
			if err := compiler.AddResource(loc, doc); err != nil {
				compileErr = Error.New("%s schema: %v", t, err)
				return
			}
			schema, err := compiler.Compile(loc)
			if err != nil {
				compileErr = Error.New("%s schema: %v", t, err)
				return
			}
			out[t] = schema
		}
		compiled = out
	})
	return compiled, compileErr
}

// Validate checks body against the schema of operation type t.
func Validate(t Type, body []byte) error {
	all, err := schemas()
	if err != nil {
		return err
	}
	schema, ok := all[t]
	if !ok {
		return ErrInvalid.New("unknown operation type %q", t)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		body = []byte("null")
		if t != TypeLeaveSession {
			body = []byte("{}")
		}
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return ErrInvalid.New("%s: body is not JSON: %v", t, err)
	}
	if err := schema.Validate(inst); err != nil {
		return ErrInvalid.New("%s: %v", t, err)
	}
	return nil
}
