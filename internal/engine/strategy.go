package engine

import (
	"context"
	"log/slog"

	"github.com/glyphware/grimoire/internal/adapters"
	"github.com/glyphware/grimoire/internal/logging"
	"github.com/glyphware/grimoire/internal/store"
	"github.com/glyphware/grimoire/internal/tools"
	"github.com/glyphware/grimoire/pkg/schema"
)

// Continuer receives a step's terminal result and drives the cast forward.
// Both the poller and the inbound webhook handler feed the same Continuer;
// the continuation claim inside it makes their race harmless.
type Continuer interface {
	// Continue processes a finished step. Exactly one of result and stepErr
	// is set. Safe to call more than once per record: duplicates are
	// absorbed by the persistent continuation claim.
	Continue(ctx context.Context, recordID string, result *adapters.Result, stepErr error) error
}

// ExecutionStrategy drives one step's backend call to completion.
type ExecutionStrategy interface {
	Kind() schema.StrategyKind
	// Dispatch sends the step to the backend. For the immediate strategy
	// this blocks through the continuation; for async strategies it returns
	// once the job is submitted.
	Dispatch(ctx context.Context, rec *store.GenerationRecord, tool *tools.Tool, adapter adapters.Adapter, input map[string]any) error
}

// --- Immediate ---

// ImmediateStrategy executes the tool synchronously and continues inline.
type ImmediateStrategy struct {
	continuer Continuer
	logger    *slog.Logger
}

func NewImmediateStrategy(continuer Continuer, logger *slog.Logger) *ImmediateStrategy {
	return &ImmediateStrategy{continuer: continuer, logger: logger}
}

func (s *ImmediateStrategy) Kind() schema.StrategyKind { return schema.StrategyImmediate }

func (s *ImmediateStrategy) Dispatch(ctx context.Context, rec *store.GenerationRecord, tool *tools.Tool, adapter adapters.Adapter, input map[string]any) error {
	result, err := adapter.Execute(ctx, tool.ToolID, input)
	if err != nil {
		s.logger.WarnContext(ctx, "immediate execution failed",
			slog.String("tool_id", tool.ToolID), slog.String("error", err.Error()))
		return s.continuer.Continue(ctx, rec.ID, nil, err)
	}
	return s.continuer.Continue(ctx, rec.ID, result, nil)
}

// --- Async poll ---

// JobWatcher is satisfied by the AsyncJobPoller.
type JobWatcher interface {
	Watch(rec *store.GenerationRecord, tool *tools.Tool, adapter adapters.Adapter)
}

// AsyncPollStrategy submits a backend job and hands the handle to the poller.
type AsyncPollStrategy struct {
	records *RecordManager
	poller  JobWatcher
	logger  *slog.Logger
}

func NewAsyncPollStrategy(records *RecordManager, poller JobWatcher, logger *slog.Logger) *AsyncPollStrategy {
	return &AsyncPollStrategy{records: records, poller: poller, logger: logger}
}

func (s *AsyncPollStrategy) Kind() schema.StrategyKind { return schema.StrategyPoll }

func (s *AsyncPollStrategy) Dispatch(ctx context.Context, rec *store.GenerationRecord, tool *tools.Tool, adapter adapters.Adapter, input map[string]any) error {
	jobHandle, err := adapter.StartJob(ctx, tool.ToolID, input)
	if err != nil {
		return err
	}
	if err := s.records.MarkProcessing(ctx, rec, jobHandle); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "job submitted for polling",
		slog.String("tool_id", tool.ToolID), slog.String("job_handle", jobHandle))
	s.poller.Watch(rec, tool, adapter)
	return nil
}

// --- Webhook ---

// WebhookStrategy submits a backend job that will call back over HTTP.
// Nothing more happens here; the inbound webhook handler resolves the job
// handle to this record and feeds the Continuer.
type WebhookStrategy struct {
	records *RecordManager
	logger  *slog.Logger
}

func NewWebhookStrategy(records *RecordManager, logger *slog.Logger) *WebhookStrategy {
	return &WebhookStrategy{records: records, logger: logger}
}

func (s *WebhookStrategy) Kind() schema.StrategyKind { return schema.StrategyWebhook }

func (s *WebhookStrategy) Dispatch(ctx context.Context, rec *store.GenerationRecord, tool *tools.Tool, adapter adapters.Adapter, input map[string]any) error {
	jobHandle, err := adapter.StartJob(ctx, tool.ToolID, input)
	if err != nil {
		return err
	}
	if err := s.records.MarkProcessing(ctx, rec, jobHandle); err != nil {
		return err
	}
	s.logger.InfoContext(logging.WithRecordID(ctx, rec.ID), "job submitted, awaiting callback",
		slog.String("tool_id", tool.ToolID), slog.String("job_handle", jobHandle))
	return nil
}
