package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/glyphware/grimoire/internal/adapters"
	"github.com/glyphware/grimoire/internal/expressions"
	"github.com/glyphware/grimoire/internal/store"
	"github.com/glyphware/grimoire/internal/tools"
	"github.com/glyphware/grimoire/pkg/schema"
)

// ServiceConfig carries the collaborators and tuning knobs for the execution
// service.
type ServiceConfig struct {
	Store     store.Store
	Spells    SpellSource
	Tools     tools.Registry
	Adapters  *adapters.Registry
	Validator interface {
		SpellValidator
		InputValidator
	}
	Notifier NotificationSink
	Logger   *slog.Logger

	PollInterval time.Duration
	MaxJobWait   time.Duration
}

// Service is the execution facade. Exactly two operations mutate cast state
// from the outside: Execute starts a cast, ContinueExecution feeds an
// asynchronous step result back in. Everything else is internal plumbing.
type Service struct {
	store       store.Store
	spells      SpellSource
	spellExec   *SpellExecutor
	continuator *StepContinuator
	poller      *AsyncJobPoller
	logger      *slog.Logger
}

// NewService wires the engine. The strategies, executor, continuator, and
// poller reference each other; construction order resolves the cycle.
func NewService(cfg ServiceConfig) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	castFSM := NewCastFSM(cfg.Store)
	recordFSM := NewRecordFSM(cfg.Store)
	casts := NewCastManager(cfg.Store, castFSM)
	records := NewRecordManager(cfg.Store, recordFSM)

	jq := expressions.NewGoJQEngine()
	output := NewOutputProcessor(jq)
	resolver := NewParameterResolver(jq, expressions.NewExprEngine())
	contexts := NewPipelineContextBuilder(output)
	cost := NewCostAggregator(cfg.Store)

	executor := NewStepExecutor(cfg.Store, cfg.Tools, cfg.Adapters, resolver, cfg.Validator, records, logger)

	continuator := NewStepContinuator(cfg.Store, cfg.Spells, cfg.Tools, records, casts,
		output, contexts, cost, executor, cfg.Notifier, logger)
	executor.SetContinuer(continuator)

	poller := NewAsyncJobPoller(continuator, cfg.PollInterval, cfg.MaxJobWait, logger)

	executor.RegisterStrategy(NewImmediateStrategy(continuator, logger))
	executor.RegisterStrategy(NewAsyncPollStrategy(records, poller, logger))
	executor.RegisterStrategy(NewWebhookStrategy(records, logger))

	spellExec := NewSpellExecutor(cfg.Validator, casts, contexts, executor, logger)

	return &Service{
		store:       cfg.Store,
		spells:      cfg.Spells,
		spellExec:   spellExec,
		continuator: continuator,
		poller:      poller,
		logger:      logger,
	}
}

// Start brings up the poller's watch context.
func (s *Service) Start(ctx context.Context) {
	s.poller.Start(ctx)
}

// Stop drains in-flight poll goroutines. In-flight backend jobs keep running;
// their results arrive via webhook or are picked up by a later poll cycle.
func (s *Service) Stop() {
	s.poller.Stop()
}

// Execute starts a cast of the named spell and returns the cast ID. The cast
// runs to completion asynchronously; callers observe progress through the
// store and the event log.
func (s *Service) Execute(ctx context.Context, spellID string, castCtx *schema.CastContext) (string, error) {
	spell, err := s.spells.GetSpell(ctx, spellID)
	if err != nil {
		return "", err
	}
	cast, err := s.spellExec.Execute(ctx, spell, castCtx)
	if cast == nil {
		return "", err
	}
	return cast.ID, err
}

// ContinueExecution feeds an asynchronous step result into the engine. The
// job handle is the backend's identifier from the original submission;
// webhook payloads and poll responses both carry it. Duplicate deliveries
// are absorbed by the continuation claim.
func (s *Service) ContinueExecution(ctx context.Context, jobHandle string, result *adapters.Result, jobErr error) error {
	rec, err := s.store.GetRecordByJobHandle(ctx, jobHandle)
	if err != nil {
		return err
	}
	return s.continuator.Continue(ctx, rec.ID, result, jobErr)
}

// Continuer exposes the continuation entry point for in-process callers that
// already know the record ID.
func (s *Service) Continuer() Continuer {
	return s.continuator
}
