package engine

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/glyphware/grimoire/internal/store"
	"github.com/glyphware/grimoire/pkg/schema"
)

// PipelineContextBuilder constructs the document that input mapping rules
// resolve against. The document is always rebuilt from persisted state, never
// carried in memory across steps: a continuation arriving hours later (or in
// another process) sees exactly the same context as an immediate one.
//
// Document shape:
//
//	{
//	  "inputs": { ...caster-supplied overrides... },
//	  "steps": {
//	    "0":        { ...step 0 exported values... },
//	    "<toolID>": { ...same values, keyed by tool... },
//	  },
//	  "cast": { "id": ..., "spell_id": ..., "initiator_id": ... }
//	}
type PipelineContextBuilder struct {
	output *OutputProcessor
}

func NewPipelineContextBuilder(output *OutputProcessor) *PipelineContextBuilder {
	return &PipelineContextBuilder{output: output}
}

// Build reconstructs the pipeline context for a cast from its stored records.
// Only completed records contribute; each one's exported values are recomputed
// from its persisted normalized output and the spell's output mapping.
func (b *PipelineContextBuilder) Build(ctx context.Context, spell *schema.Spell, cast *store.Cast, records []*store.GenerationRecord) (map[string]any, error) {
	inputs := map[string]any{}
	if len(cast.Overrides) > 0 {
		if err := json.Unmarshal(cast.Overrides, &inputs); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"cast %s has malformed overrides", cast.ID).WithCause(err)
		}
	}

	steps := map[string]any{}
	for _, rec := range records {
		if rec.Status != schema.RecordStatusCompleted {
			continue
		}
		if rec.StepIndex < 0 || rec.StepIndex >= len(spell.Steps) {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"record %s references step %d outside spell %s", rec.ID, rec.StepIndex, spell.ID)
		}

		var items []OutputItem
		if len(rec.NormalizedOutput) > 0 {
			if err := json.Unmarshal(rec.NormalizedOutput, &items); err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeStore,
					"record %s has malformed normalized output", rec.ID).WithCause(err)
			}
		}

		def := spell.Steps[rec.StepIndex]
		exported, err := b.output.ExtractMapped(ctx, items, def.OutputMapping)
		if err != nil {
			return nil, err
		}

		steps[strconv.Itoa(rec.StepIndex)] = exported
		if def.ToolID != "" {
			steps[def.ToolID] = exported
		}
	}

	return map[string]any{
		"inputs": inputs,
		"steps":  steps,
		"cast": map[string]any{
			"id":           cast.ID,
			"spell_id":     cast.SpellID,
			"initiator_id": cast.InitiatorID,
		},
	}, nil
}
