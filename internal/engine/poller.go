package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/glyphware/grimoire/internal/adapters"
	"github.com/glyphware/grimoire/internal/logging"
	"github.com/glyphware/grimoire/internal/store"
	"github.com/glyphware/grimoire/internal/tools"
	"github.com/glyphware/grimoire/pkg/schema"
)

// AsyncJobPoller watches asynchronous backend jobs and feeds their terminal
// results to the Continuer. One goroutine per watched job; transient poll
// errors are retried on the next tick, and a job that outlives its deadline
// is failed with a timeout.
//
// The poller may race an inbound webhook for the same job. Both paths call
// Continue, and the continuation claim guarantees only one of them advances
// the cast.
type AsyncJobPoller struct {
	continuer   Continuer
	interval    time.Duration
	maxDuration time.Duration
	logger      *slog.Logger

	mu      sync.Mutex
	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

const (
	defaultPollInterval = 5 * time.Second
	defaultMaxJobWait   = 15 * time.Minute
)

func NewAsyncJobPoller(continuer Continuer, interval, maxDuration time.Duration, logger *slog.Logger) *AsyncJobPoller {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	if maxDuration <= 0 {
		maxDuration = defaultMaxJobWait
	}
	return &AsyncJobPoller{
		continuer:   continuer,
		interval:    interval,
		maxDuration: maxDuration,
		logger:      logger,
	}
}

// Start establishes the base context for watch goroutines.
func (p *AsyncJobPoller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.baseCtx, p.cancel = context.WithCancel(ctx)
}

// Stop cancels all watch goroutines and waits for them to drain.
func (p *AsyncJobPoller) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	p.wg.Wait()
}

// Watch begins polling the record's backend job. The record must already be
// in the processing state with a job handle.
func (p *AsyncJobPoller) Watch(rec *store.GenerationRecord, tool *tools.Tool, adapter adapters.Adapter) {
	p.mu.Lock()
	base := p.baseCtx
	p.mu.Unlock()
	if base == nil {
		base = context.Background()
	}

	deadline := p.maxDuration
	if tool.MaxJobSeconds > 0 {
		deadline = time.Duration(tool.MaxJobSeconds) * time.Second
	}

	recordID := rec.ID
	jobHandle := rec.JobHandle
	castID := rec.CastID

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		ctx := logging.WithIDs(base, castID, recordID, "")
		logger := p.logger.With(slog.String("job_handle", jobHandle))

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		expiry := time.NewTimer(deadline)
		defer expiry.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-expiry.C:
				logger.WarnContext(ctx, "job timed out", slog.Duration("deadline", deadline))
				err := schema.NewErrorf(schema.ErrCodeTimeout,
					"job %s did not finish within %s", jobHandle, deadline).WithRecord(recordID)
				if cerr := p.continuer.Continue(ctx, recordID, nil, err); cerr != nil {
					logger.ErrorContext(ctx, "timeout continuation failed", slog.String("error", cerr.Error()))
				}
				return
			case <-ticker.C:
				state, err := adapter.PollJob(ctx, jobHandle)
				if err != nil {
					// Transient: the next tick retries, the deadline bounds it.
					logger.WarnContext(ctx, "poll attempt failed", slog.String("error", err.Error()))
					continue
				}
				if !state.Done {
					continue
				}

				var result *adapters.Result
				var stepErr error
				if state.Failed {
					stepErr = schema.NewErrorf(schema.ErrCodeAdapter,
						"job %s failed: %s", jobHandle, state.Error).WithRecord(recordID)
				} else {
					result = state.Result
				}
				if cerr := p.continuer.Continue(ctx, recordID, result, stepErr); cerr != nil {
					logger.ErrorContext(ctx, "poll continuation failed", slog.String("error", cerr.Error()))
				}
				return
			}
		}
	}()
}

var _ JobWatcher = (*AsyncJobPoller)(nil)
