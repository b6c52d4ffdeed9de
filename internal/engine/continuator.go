package engine

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/glyphware/grimoire/internal/adapters"
	"github.com/glyphware/grimoire/internal/logging"
	"github.com/glyphware/grimoire/internal/store"
	"github.com/glyphware/grimoire/internal/tools"
	"github.com/glyphware/grimoire/pkg/schema"
)

// SpellSource resolves spell IDs to definitions. Spells live in an external
// catalog; the engine only ever reads them.
type SpellSource interface {
	GetSpell(ctx context.Context, id string) (*schema.Spell, error)
}

// NotificationSink receives delivery requests from the continuator. All
// methods must be non-blocking; delivery failures never affect the cast.
type NotificationSink interface {
	StepCompleted(ctx context.Context, cast *store.Cast, rec *store.GenerationRecord, items []OutputItem)
	CastCompleted(ctx context.Context, cast *store.Cast, rec *store.GenerationRecord, items []OutputItem)
	CastFailed(ctx context.Context, cast *store.Cast, rec *store.GenerationRecord, cause error)
}

// StepContinuator processes finished steps. All three strategies, the poller,
// and the inbound webhook handler converge here; the persistent continuation
// claim makes every entry path idempotent under at-least-once delivery.
type StepContinuator struct {
	store    store.Store
	spells   SpellSource
	tools    tools.Registry
	records  *RecordManager
	casts    *CastManager
	output   *OutputProcessor
	contexts *PipelineContextBuilder
	cost     *CostAggregator
	executor *StepExecutor
	notifier NotificationSink
	logger   *slog.Logger
}

func NewStepContinuator(
	s store.Store,
	spells SpellSource,
	toolReg tools.Registry,
	records *RecordManager,
	casts *CastManager,
	output *OutputProcessor,
	contexts *PipelineContextBuilder,
	cost *CostAggregator,
	executor *StepExecutor,
	notifier NotificationSink,
	logger *slog.Logger,
) *StepContinuator {
	return &StepContinuator{
		store:    s,
		spells:   spells,
		tools:    toolReg,
		records:  records,
		casts:    casts,
		output:   output,
		contexts: contexts,
		cost:     cost,
		executor: executor,
		notifier: notifier,
		logger:   logger,
	}
}

// Continue processes one finished step. Exactly one of result and stepErr is
// set. The first caller per record wins the continuation claim; every other
// delivery is absorbed with a duplicate event.
func (c *StepContinuator) Continue(ctx context.Context, recordID string, result *adapters.Result, stepErr error) error {
	ctx = logging.WithRecordID(ctx, recordID)

	claimed, err := c.store.ClaimContinuation(ctx, recordID)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "claim continuation").WithRecord(recordID).WithCause(err)
	}
	if !claimed {
		c.logger.InfoContext(ctx, "continuation already claimed, dropping duplicate")
		rec, gerr := c.store.GetRecord(ctx, recordID)
		if gerr == nil {
			_ = c.store.AppendEvent(ctx, &store.Event{
				CastID:   rec.CastID,
				RecordID: recordID,
				Type:     schema.EventContinuationDuplicate,
			})
		}
		return nil
	}

	rec, err := c.store.GetRecord(ctx, recordID)
	if err != nil {
		return err
	}
	if rec.Status.Terminal() {
		// Claim won but the record is already settled; nothing to do.
		c.logger.WarnContext(ctx, "claimed continuation for terminal record",
			slog.String("status", string(rec.Status)))
		return nil
	}

	cast, err := c.store.GetCast(ctx, rec.CastID)
	if err != nil {
		return err
	}
	ctx = logging.WithCastID(ctx, cast.ID)

	if cast.Status.Terminal() {
		// The cast failed while this job was in flight. Settle the record for
		// the audit trail but do not advance or notify.
		c.logger.InfoContext(ctx, "cast already terminal, settling record without continuation",
			slog.String("cast_status", string(cast.Status)))
		if stepErr != nil {
			return c.records.MarkFailed(ctx, rec, stepErr)
		}
		return c.settleCompleted(ctx, rec, result)
	}

	if stepErr != nil {
		return c.failCast(ctx, cast, rec, stepErr)
	}

	if err := c.settleCompleted(ctx, rec, result); err != nil {
		return c.failCast(ctx, cast, rec, err)
	}
	// Refresh the in-memory totals so the final notification and log carry the
	// aggregate including this step.
	cast.TotalCostUSD, cast.TotalPointsSpent, err = c.cost.Recompute(ctx, cast.ID)
	if err != nil {
		return c.failCast(ctx, cast, rec, err)
	}

	spell, err := c.spells.GetSpell(ctx, cast.SpellID)
	if err != nil {
		return c.failCast(ctx, cast, rec, err)
	}

	var items []OutputItem
	if len(rec.NormalizedOutput) > 0 {
		if err := json.Unmarshal(rec.NormalizedOutput, &items); err != nil {
			return c.failCast(ctx, cast, rec, err)
		}
	}

	nextStep := rec.StepIndex + 1
	if nextStep >= len(spell.Steps) {
		if err := c.casts.Finish(ctx, cast, schema.CastStatusCompleted, nil); err != nil {
			return err
		}
		c.notifier.CastCompleted(ctx, cast, rec, items)
		c.logger.InfoContext(ctx, "cast completed",
			slog.Int("steps", len(spell.Steps)),
			slog.Float64("total_cost_usd", cast.TotalCostUSD))
		return nil
	}

	c.notifier.StepCompleted(ctx, cast, rec, items)

	records, err := c.store.ListRecordsByCast(ctx, cast.ID)
	if err != nil {
		return c.failCast(ctx, cast, rec, err)
	}
	doc, err := c.contexts.Build(ctx, spell, cast, records)
	if err != nil {
		return c.failCast(ctx, cast, rec, err)
	}

	if err := c.executor.ExecuteStep(ctx, spell, cast, doc, nextStep); err != nil {
		return c.failCast(ctx, cast, rec, err)
	}
	return nil
}

// settleCompleted normalizes the backend result and marks the record
// completed, applying any flat cost the tool definition declares.
func (c *StepContinuator) settleCompleted(ctx context.Context, rec *store.GenerationRecord, result *adapters.Result) error {
	var raw json.RawMessage
	var costUSD float64
	var points int64
	if result != nil {
		raw = result.Output
		costUSD = result.CostUSD
		points = result.PointsSpent
	}

	if tool, err := c.tools.Get(ctx, rec.ToolID); err == nil {
		if tool.FlatCostUSD > 0 {
			costUSD = tool.FlatCostUSD
		}
		if tool.FlatPoints > 0 {
			points = tool.FlatPoints
		}
	}

	items, err := c.output.Normalize(raw)
	if err != nil {
		return err
	}
	var normalized json.RawMessage
	if items != nil {
		normalized, err = json.Marshal(items)
		if err != nil {
			return schema.NewError(schema.ErrCodeStore, "marshal normalized output").WithCause(err)
		}
	}

	return c.records.MarkCompleted(ctx, rec, raw, normalized, costUSD, points)
}

// failCast settles the record as failed (when it is not yet terminal), fails
// the cast, recomputes cost, and fires the failure notification. Fail-fast:
// steps after a failed one are never dispatched.
func (c *StepContinuator) failCast(ctx context.Context, cast *store.Cast, rec *store.GenerationRecord, cause error) error {
	c.logger.WarnContext(ctx, "failing cast",
		slog.Int("step_index", rec.StepIndex), slog.String("error", cause.Error()))

	if !rec.Status.Terminal() {
		if err := c.records.MarkFailed(ctx, rec, cause); err != nil {
			c.logger.ErrorContext(ctx, "mark record failed", slog.String("error", err.Error()))
		}
	}
	if err := c.casts.Finish(ctx, cast, schema.CastStatusFailed, cause); err != nil {
		var gerr *schema.GrimoireError
		if !asGrimoireError(err, &gerr) || gerr.Code != schema.ErrCodeInvalidTransition {
			return err
		}
		// Already terminal; someone else failed it first.
	}
	if usd, points, err := c.cost.Recompute(ctx, cast.ID); err != nil {
		c.logger.ErrorContext(ctx, "cost recompute after failure", slog.String("error", err.Error()))
	} else {
		cast.TotalCostUSD, cast.TotalPointsSpent = usd, points
	}
	c.notifier.CastFailed(ctx, cast, rec, cause)
	return nil
}

var _ Continuer = (*StepContinuator)(nil)
