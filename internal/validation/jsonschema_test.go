package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glyphware/grimoire/pkg/schema"
)

func newValidator(t *testing.T) *JSONSchemaValidator {
	t.Helper()
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)
	return v
}

func validSpell() *schema.Spell {
	return &schema.Spell{
		ID: "illustrated-story",
		Steps: []schema.StepDefinition{
			{
				ToolID:        "textTool",
				InputMapping:  map[string]string{"prompt": "inputs.prompt"},
				OutputMapping: map[string]string{"story": "text"},
			},
			{
				ToolID:       "imageTool",
				InputMapping: map[string]string{"description": "steps.0.story"},
				Strategy:     schema.StrategyWebhook,
			},
		},
	}
}

func TestValidateSpell_Valid(t *testing.T) {
	v := newValidator(t)
	require.NoError(t, v.ValidateSpell(validSpell()))
}

func TestValidateSpell_MissingID(t *testing.T) {
	v := newValidator(t)
	sp := validSpell()
	sp.ID = ""
	err := v.ValidateSpell(sp)
	require.Error(t, err)
	gerr, ok := err.(*schema.GrimoireError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeValidation, gerr.Code)
}

func TestValidateSpell_EmptySteps(t *testing.T) {
	v := newValidator(t)
	err := v.ValidateSpell(&schema.Spell{ID: "sp"})
	require.Error(t, err)
}

func TestValidateSpell_StepWithoutTool(t *testing.T) {
	v := newValidator(t)
	err := v.ValidateSpell(&schema.Spell{
		ID:    "sp",
		Steps: []schema.StepDefinition{{}},
	})
	require.Error(t, err)
}

func TestValidateSpell_UnknownStrategy(t *testing.T) {
	v := newValidator(t)
	err := v.ValidateSpell(&schema.Spell{
		ID:    "sp",
		Steps: []schema.StepDefinition{{ToolID: "t", Strategy: "carrier-pigeon"}},
	})
	require.Error(t, err)
}

func TestValidateSpell_ForwardReference(t *testing.T) {
	v := newValidator(t)
	err := v.ValidateSpell(&schema.Spell{
		ID: "sp",
		Steps: []schema.StepDefinition{
			{ToolID: "a", InputMapping: map[string]string{"x": "steps.1.text"}},
			{ToolID: "b"},
		},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "has not run yet")
}

func TestValidateSpell_SelfReference(t *testing.T) {
	v := newValidator(t)
	err := v.ValidateSpell(&schema.Spell{
		ID: "sp",
		Steps: []schema.StepDefinition{
			{ToolID: "a", InputMapping: map[string]string{"x": "steps.0.text"}},
		},
	})
	require.Error(t, err)
}

func TestValidateSpell_ToolNamedStepRefIgnored(t *testing.T) {
	v := newValidator(t)
	// "steps.<toolID>.x" is a by-tool reference, not an index; order is
	// checked at runtime when the context is built.
	require.NoError(t, v.ValidateSpell(&schema.Spell{
		ID: "sp",
		Steps: []schema.StepDefinition{
			{ToolID: "a", OutputMapping: map[string]string{"text": "text"}},
			{ToolID: "b", InputMapping: map[string]string{"x": "steps.a.text"}},
		},
	}))
}

func TestValidateInput_SchemaEnforced(t *testing.T) {
	v := newValidator(t)
	inputSchema := map[string]any{
		"type":     "object",
		"required": []any{"prompt"},
		"properties": map[string]any{
			"prompt": map[string]any{"type": "string", "minLength": 1},
			"width":  map[string]any{"type": "integer", "minimum": 64},
		},
	}

	require.NoError(t, v.ValidateInput(map[string]any{"prompt": "a fox", "width": 512}, inputSchema))

	err := v.ValidateInput(map[string]any{"width": 512}, inputSchema)
	require.Error(t, err)

	err = v.ValidateInput(map[string]any{"prompt": "a fox", "width": 16}, inputSchema)
	require.Error(t, err)
}

func TestValidateInput_NilSchemaAcceptsAnything(t *testing.T) {
	v := newValidator(t)
	require.NoError(t, v.ValidateInput(map[string]any{"anything": true}, nil))
}

func TestValidateInput_SchemaCompilationCached(t *testing.T) {
	v := newValidator(t)
	inputSchema := map[string]any{"type": "object"}

	require.NoError(t, v.ValidateInput(map[string]any{}, inputSchema))
	require.NoError(t, v.ValidateInput(map[string]any{"x": 1}, inputSchema))

	v.mu.RLock()
	defer v.mu.RUnlock()
	assert.Len(t, v.cache, 1)
}
