package chat

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/wesleyorama2/chatload/internal/loadgen/task"
)

// Response schemas for the operations whose bodies the session relies on.
var defaultSchemas = map[string]string{
	OpSignup: `{
		"type": "object",
		"required": ["token", "userId"],
		"properties": {
			"token": {"type": "string", "minLength": 1},
			"userId": {"type": ["string", "number"]}
		}
	}`,
	OpLogin: `{
		"type": "object",
		"required": ["token"],
		"properties": {
			"token": {"type": "string", "minLength": 1}
		}
	}`,
	task.RefreshToken: `{
		"type": "object",
		"properties": {
			"token": {"type": "string"}
		}
	}`,
	task.SearchUsers: searchSchema,
	OpDiscoverUsers:  searchSchema,
	OpStartConversation: `{
		"type": "object",
		"required": ["conversationId"],
		"properties": {
			"conversationId": {"type": ["string", "number"]}
		}
	}`,
}

const searchSchema = `{
	"type": "object",
	"required": ["results"],
	"properties": {
		"results": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["userId"]
			}
		}
	}
}`

// Contracts validates response bodies against per-operation JSON schemas.
// Compiled schemas are read-only and safe to share between sessions.
type Contracts struct {
	schemas map[string]*jsonschema.Schema
}

// NewContracts compiles the built-in schemas plus any overrides. An override
// for an operation replaces its built-in schema.
func NewContracts(overrides map[string]string) (*Contracts, error) {
	sources := make(map[string]string, len(defaultSchemas)+len(overrides))
	for op, s := range defaultSchemas {
		sources[op] = s
	}
	for op, s := range overrides {
		sources[op] = s
	}

	compiled := make(map[string]*jsonschema.Schema, len(sources))
	for op, src := range sources {
		compiler := jsonschema.NewCompiler()
		name := op + ".json"
		if err := compiler.AddResource(name, strings.NewReader(src)); err != nil {
			return nil, fmt.Errorf("invalid schema for %s: %w", op, err)
		}
		schema, err := compiler.Compile(name)
		if err != nil {
			return nil, fmt.Errorf("invalid schema for %s: %w", op, err)
		}
		compiled[op] = schema
	}

	return &Contracts{schemas: compiled}, nil
}

// Check validates body for op. Operations without a schema always pass.
func (c *Contracts) Check(op string, body []byte) error {
	schema, ok := c.schemas[op]
	if !ok {
		return nil
	}

	var doc interface{}
	if err := json.Unmarshal(body, &doc); err != nil {
		return fmt.Errorf("%w: %s: invalid JSON: %v", ErrContractViolation, op, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %s: %s", ErrContractViolation, op, describe(err))
	}
	return nil
}

// Has reports whether op has a schema.
func (c *Contracts) Has(op string) bool {
	_, ok := c.schemas[op]
	return ok
}

// describe flattens a validation error tree into one line.
func describe(err error) string {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return err.Error()
	}

	var parts []string
	var walk func(*jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 && e.Message != "" {
			parts = append(parts, fmt.Sprintf("at %q: %s", e.InstanceLocation, e.Message))
		}
		for _, cause := range e.Causes {
			walk(cause)
		}
	}
	walk(ve)

	if len(parts) == 0 {
		return ve.Error()
	}
	return strings.Join(parts, "; ")
}
