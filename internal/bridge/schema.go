package bridge

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Param schemas for the locally-handled methods. Violations surface as
// -32602 with the validator's message in data.details.
var paramSchemaJSON = map[string]string{
	"fs/read_text_file": `{
		"type": "object",
		"properties": {
			"sessionId":   {"type": "string"},
			"path":        {"type": "string", "minLength": 1},
			"lineOffset":  {"type": "integer", "minimum": 1},
			"lineLimit":   {"type": "integer", "minimum": 0},
			"line_offset": {"type": "integer", "minimum": 1},
			"line_limit":  {"type": "integer", "minimum": 0}
		},
		"required": ["path"]
	}`,
	"fs/write_text_file": `{
		"type": "object",
		"properties": {
			"sessionId": {"type": "string"},
			"path":      {"type": "string", "minLength": 1},
			"content":   {"type": "string"}
		},
		"required": ["path", "content"]
	}`,
	"auth/cli_login": `{
		"type": ["object", "null"],
		"properties": {
			"agent": {"type": "string"}
		}
	}`,
}

type schemaSet struct {
	schemas map[string]*jsonschema.Schema
}

func compileSchemas() (*schemaSet, error) {
	set := &schemaSet{schemas: make(map[string]*jsonschema.Schema)}
	for method, raw := range paramSchemaJSON {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("unmarshal schema for %s: %w", method, err)
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("schema.json", doc); err != nil {
			return nil, fmt.Errorf("add schema resource for %s: %w", method, err)
		}
		schema, err := c.Compile("schema.json")
		if err != nil {
			return nil, fmt.Errorf("compile schema for %s: %w", method, err)
		}
		set.schemas[method] = schema
	}
	return set, nil
}

// validate checks raw params against the method's schema. Missing params
// validate as null so schemas can allow parameterless calls.
func (s *schemaSet) validate(method string, params []byte) (details string, ok bool) {
	schema, found := s.schemas[method]
	if !found {
		return "", true
	}
	if len(params) == 0 {
		params = []byte("null")
	}
	// UnmarshalJSON keeps numbers as json.Number, which the validator
	// requires for integer checks.
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(string(params)))
	if err != nil {
		return fmt.Sprintf("%s params are not valid JSON", method), false
	}
	if err := schema.Validate(parsed); err != nil {
		return fmt.Sprintf("%s params invalid: %s", method, err), false
	}
	return "", true
}
