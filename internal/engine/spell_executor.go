package engine

import (
	"context"
	"log/slog"

	"github.com/glyphware/grimoire/internal/logging"
	"github.com/glyphware/grimoire/internal/store"
	"github.com/glyphware/grimoire/pkg/schema"
)

// SpellValidator checks a spell definition before any cast state exists.
type SpellValidator interface {
	ValidateSpell(sp *schema.Spell) error
}

// SpellExecutor starts a cast: validate the spell, persist the running cast,
// and dispatch step zero. Everything after that is driven by continuations.
type SpellExecutor struct {
	validator SpellValidator
	casts     *CastManager
	contexts  *PipelineContextBuilder
	executor  *StepExecutor
	logger    *slog.Logger
}

func NewSpellExecutor(
	validator SpellValidator,
	casts *CastManager,
	contexts *PipelineContextBuilder,
	executor *StepExecutor,
	logger *slog.Logger,
) *SpellExecutor {
	return &SpellExecutor{
		validator: validator,
		casts:     casts,
		contexts:  contexts,
		executor:  executor,
		logger:    logger,
	}
}

// Execute begins a cast of the spell and dispatches its first step. The
// returned cast is in the running state unless the first step was immediate,
// in which case the whole pipeline may already have run to completion.
func (e *SpellExecutor) Execute(ctx context.Context, spell *schema.Spell, castCtx *schema.CastContext) (*store.Cast, error) {
	if castCtx == nil {
		castCtx = &schema.CastContext{}
	}
	if err := e.validator.ValidateSpell(spell); err != nil {
		return nil, err
	}

	cast, err := e.casts.Begin(ctx, spell, castCtx)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithIDs(ctx, cast.ID, "", castCtx.InitiatorID)
	e.logger.InfoContext(ctx, "cast started",
		slog.String("spell_id", spell.ID),
		slog.String("initiator_id", castCtx.InitiatorID),
		slog.Int("steps", len(spell.Steps)))

	doc, err := e.contexts.Build(ctx, spell, cast, nil)
	if err != nil {
		return nil, err
	}

	if err := e.executor.ExecuteStep(ctx, spell, cast, doc, 0); err != nil {
		return cast, err
	}
	return cast, nil
}
