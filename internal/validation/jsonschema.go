package validation

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/glyphware/grimoire/pkg/schema"
)

// spellSchemaJSON is the JSON Schema for Spell validation.
// Embedded as a constant to avoid filesystem dependencies.
const spellSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://grimoire.dev/schemas/spell.json",
  "type": "object",
  "required": ["id", "steps"],
  "properties": {
    "id": { "type": "string", "minLength": 1 },
    "name": { "type": "string" },
    "description": { "type": "string" },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/step" }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "step": {
      "type": "object",
      "required": ["tool_id"],
      "properties": {
        "tool_id": { "type": "string", "minLength": 1 },
        "input_mapping": {
          "type": "object",
          "additionalProperties": { "type": "string" }
        },
        "output_mapping": {
          "type": "object",
          "additionalProperties": { "type": "string" }
        },
        "strategy": {
          "type": "string",
          "enum": ["immediate", "poll", "webhook", ""]
        }
      },
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator validates spell definitions and tool inputs using JSON
// Schema Draft 2020-12. It is safe for concurrent use.
type JSONSchemaValidator struct {
	spellSchema *jsonschema.Schema

	// mu guards the cache for dynamic tool input schema compilation.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator creates a validator with the spell schema pre-compiled.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := newInputCompiler()

	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(spellSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal spell schema: %w", err)
	}
	if err := c.AddResource("https://grimoire.dev/schemas/spell.json", schemaDoc); err != nil {
		return nil, fmt.Errorf("add spell schema resource: %w", err)
	}

	compiled, err := c.Compile("https://grimoire.dev/schemas/spell.json")
	if err != nil {
		return nil, fmt.Errorf("compile spell schema: %w", err)
	}

	return &JSONSchemaValidator{
		spellSchema: compiled,
		cache:       make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateSpell validates a spell against the spell JSON Schema plus the
// structural rules JSON Schema cannot express: input mappings may only
// reference steps earlier in the pipeline.
func (v *JSONSchemaValidator) ValidateSpell(sp *schema.Spell) error {
	if sp == nil {
		return schema.NewError(schema.ErrCodeValidation, "spell is nil")
	}

	doc, err := toJSONValue(sp)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize spell").WithCause(err)
	}

	if err := v.spellSchema.Validate(doc); err != nil {
		return toGrimoireError(err)
	}

	for i, step := range sp.Steps {
		for param, rule := range step.InputMapping {
			ref, ok := stepReference(rule)
			if !ok {
				continue
			}
			if ref >= i {
				return schema.NewErrorf(schema.ErrCodeValidation,
					"spell %s: step %d input %q references step %d, which has not run yet",
					sp.ID, i, param, ref)
			}
		}
	}

	return nil
}

// stepReference parses a "steps.N.path" mapping rule, reporting the step
// index it names.
func stepReference(rule string) (int, bool) {
	if !strings.HasPrefix(rule, "steps.") {
		return 0, false
	}
	rest := strings.TrimPrefix(rule, "steps.")
	idx := strings.IndexByte(rest, '.')
	if idx > 0 {
		rest = rest[:idx]
	}
	n, err := strconv.Atoi(rest)
	if err != nil {
		return 0, false
	}
	return n, true
}

// ValidateInput validates resolved step inputs against a tool's input schema.
// A nil schema means the tool accepts anything. The compiled schema is cached
// for subsequent calls.
func (v *JSONSchemaValidator) ValidateInput(input map[string]any, inputSchema map[string]any) error {
	if input == nil {
		return schema.NewError(schema.ErrCodeValidation, "input is nil")
	}
	if len(inputSchema) == 0 {
		return nil
	}

	compiled, err := v.getOrCompile(inputSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid tool input schema").WithCause(err)
	}

	// Convert input to JSON-compatible value (json.Number for numbers).
	doc, err := toJSONValue(input)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize input").WithCause(err)
	}

	if err := compiled.Validate(doc); err != nil {
		return toGrimoireError(err)
	}

	return nil
}

// getOrCompile returns a cached compiled schema or compiles and caches a new one.
func (v *JSONSchemaValidator) getOrCompile(inputSchema map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(inputSchema)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	key := string(raw)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	// Double-check after acquiring write lock.
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// Each dynamic schema gets a unique URL to avoid collisions in the compiler.
	url := fmt.Sprintf("grimoire://tool-schema/%d", len(v.cache))

	// Use a fresh compiler per dynamic schema to avoid resource collision.
	c := newInputCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}

	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

// newInputCompiler creates a Compiler configured for input validation.
func newInputCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toGrimoireError converts a jsonschema.ValidationError into a GrimoireError
// with one message per violated constraint.
func toGrimoireError(err error) *schema.GrimoireError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}

	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf error
// messages with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
