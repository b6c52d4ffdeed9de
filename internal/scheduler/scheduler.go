package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/glyphware/grimoire/internal/store"
	"github.com/glyphware/grimoire/pkg/schema"
)

// CastRunner is the interface the scheduler uses to start casts. Satisfied by
// the execution service (avoids an import cycle).
type CastRunner interface {
	Execute(ctx context.Context, spellID string, castCtx *schema.CastContext) (string, error)
}

// Scheduler polls the store for due scheduled casts and fires them.
type Scheduler struct {
	store  store.Store
	runner CastRunner
	parser cron.Parser
	logger *slog.Logger
	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{} // scheduled cast IDs currently firing (dedup)
}

// NewScheduler creates a new Scheduler.
func NewScheduler(s store.Store, runner CastRunner, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		store:    s,
		runner:   runner,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:   logger,
		inflight: make(map[string]struct{}),
	}
}

// Start launches the background scheduling loop with a 60s ticker.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started")
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	// Run an initial tick immediately.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick checks all enabled scheduled casts and fires those that are due.
func (s *Scheduler) tick(ctx context.Context) {
	enabled := true
	jobs, err := s.store.ListScheduledCasts(ctx, store.ScheduledCastFilter{Enabled: &enabled})
	if err != nil {
		s.logger.Error("failed to list scheduled casts", slog.String("error", err.Error()))
		return
	}

	now := time.Now().UTC()
	for _, job := range jobs {
		if job.NextRunAt == nil || !job.NextRunAt.After(now) {
			if !s.tryAcquire(job.ID) {
				continue // already firing (dedup)
			}
			if err := s.fire(ctx, job, now); err != nil {
				s.logger.Error("failed to fire scheduled cast",
					slog.String("scheduled_id", job.ID),
					slog.String("error", err.Error()),
				)
			}
			s.release(job.ID)
		}
	}
}

// fire starts a cast for the scheduled entry and updates its timestamps.
func (s *Scheduler) fire(ctx context.Context, job *store.ScheduledCast, now time.Time) error {
	s.logger.Info("firing scheduled cast",
		slog.String("scheduled_id", job.ID),
		slog.String("spell_id", job.SpellID),
	)

	var overrides map[string]any
	if len(job.Overrides) > 0 {
		if err := json.Unmarshal(job.Overrides, &overrides); err != nil {
			return s.updateStatus(ctx, job, now, "error")
		}
	}

	castID, err := s.runner.Execute(ctx, job.SpellID, &schema.CastContext{
		InitiatorID: job.InitiatorID,
		Platform:    job.Platform,
		TargetID:    job.TargetID,
		Overrides:   overrides,
	})
	status := "success"
	if err != nil {
		status = "error"
		s.logger.Error("scheduled cast failed to start",
			slog.String("scheduled_id", job.ID),
			slog.String("error", err.Error()),
		)
	} else {
		_ = s.store.AppendEvent(ctx, &store.Event{
			CastID:  castID,
			Type:    schema.EventScheduledCastFired,
			Payload: json.RawMessage(fmt.Sprintf(`{"scheduled_id":%q}`, job.ID)),
		})
	}

	return s.updateStatus(ctx, job, now, status)
}

func (s *Scheduler) updateStatus(ctx context.Context, job *store.ScheduledCast, now time.Time, status string) error {
	nextRun, err := s.CalculateNextRun(job.CronExpression, now)
	if err != nil {
		return fmt.Errorf("calculate next run for %q: %w", job.ID, err)
	}

	return s.store.UpdateScheduledCast(ctx, job.ID, store.ScheduledCastUpdate{
		LastRunAt:     &now,
		NextRunAt:     &nextRun,
		LastRunStatus: status,
	})
}

// tryAcquire returns true and marks the entry as in-flight if it is not
// already firing.
func (s *Scheduler) tryAcquire(id string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Scheduler) release(id string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, id)
}

// CalculateNextRun computes the next run time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}
