package gateway

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const createTaskSchema = `{
	"type": "object",
	"required": ["requirement"],
	"properties": {
		"task_id": {"type": "string"},
		"requirement": {"type": "string", "minLength": 1}
	},
	"additionalProperties": false
}`

const editArtifactSchema = `{
	"type": "object",
	"required": ["file_path", "instruction"],
	"properties": {
		"file_path": {"type": "string", "minLength": 1},
		"instruction": {"type": "string", "minLength": 1}
	},
	"additionalProperties": false
}`

// requestSchema validates a request body against a compiled JSON Schema.
type requestSchema struct {
	schema *jsonschema.Schema
}

func compileRequestSchema(name, schemaJSON string) (*requestSchema, error) {
	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
	// validator requires.
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema JSON: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &requestSchema{schema: schema}, nil
}

// Validate checks the body against the schema and returns it for decoding.
func (rs *requestSchema) Validate(body io.Reader) ([]byte, error) {
	raw, err := io.ReadAll(io.LimitReader(body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}
	parsed, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if err := rs.schema.Validate(parsed); err != nil {
		return nil, fmt.Errorf("request validation failed: %w", err)
	}
	return raw, nil
}
