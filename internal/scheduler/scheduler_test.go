package scheduler

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glyphware/grimoire/internal/store"
	"github.com/glyphware/grimoire/pkg/schema"
)

type fakeRunner struct {
	mu     sync.Mutex
	runs   []string
	runErr error
}

func (r *fakeRunner) Execute(_ context.Context, spellID string, _ *schema.CastContext) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, spellID)
	if r.runErr != nil {
		return "", r.runErr
	}
	return "cast-sched-1", nil
}

func (r *fakeRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs)
}

func newTestScheduler(t *testing.T) (*Scheduler, *store.LibSQLStore, *fakeRunner) {
	t.Helper()
	st, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "sched.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })

	runner := &fakeRunner{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewScheduler(st, runner, logger), st, runner
}

func seedSchedule(t *testing.T, st *store.LibSQLStore, id string, nextRun *time.Time, enabled bool) {
	t.Helper()
	require.NoError(t, st.CreateScheduledCast(context.Background(), &store.ScheduledCast{
		ID:             id,
		SpellID:        "daily-digest",
		CronExpression: "0 9 * * *",
		InitiatorID:    "user-1",
		Enabled:        enabled,
		NextRunAt:      nextRun,
		CreatedAt:      time.Now().UTC(),
	}))
}

func TestCalculateNextRun(t *testing.T) {
	s, _, _ := newTestScheduler(t)

	from := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	next, err := s.CalculateNextRun("0 9 * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC), next)

	// Already past today's slot: rolls to tomorrow.
	next, err = s.CalculateNextRun("0 9 * * *", time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 11, 9, 0, 0, 0, time.UTC), next)
}

func TestCalculateNextRun_InvalidExpression(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	_, err := s.CalculateNextRun("every full moon", time.Now())
	require.Error(t, err)
}

func TestTick_FiresDueSchedules(t *testing.T) {
	s, st, runner := newTestScheduler(t)
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Minute)
	future := time.Now().UTC().Add(time.Hour)
	seedSchedule(t, st, "due", &past, true)
	seedSchedule(t, st, "not-due", &future, true)
	seedSchedule(t, st, "disabled", &past, false)

	s.tick(ctx)

	assert.Equal(t, 1, runner.count())

	enabled := true
	jobs, err := st.ListScheduledCasts(ctx, store.ScheduledCastFilter{Enabled: &enabled})
	require.NoError(t, err)
	for _, job := range jobs {
		if job.ID != "due" {
			continue
		}
		assert.Equal(t, "success", job.LastRunStatus)
		require.NotNil(t, job.LastRunAt)
		require.NotNil(t, job.NextRunAt)
		assert.True(t, job.NextRunAt.After(time.Now().UTC()))
	}
}

func TestTick_RunnerErrorRecordedAndRescheduled(t *testing.T) {
	s, st, runner := newTestScheduler(t)
	ctx := context.Background()

	runner.runErr = schema.NewError(schema.ErrCodeNotFound, "spell not found")
	past := time.Now().UTC().Add(-time.Minute)
	seedSchedule(t, st, "due", &past, true)

	s.tick(ctx)

	enabled := true
	jobs, err := st.ListScheduledCasts(ctx, store.ScheduledCastFilter{Enabled: &enabled})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "error", jobs[0].LastRunStatus)
	require.NotNil(t, jobs[0].NextRunAt)
	assert.True(t, jobs[0].NextRunAt.After(time.Now().UTC()))
}

func TestStartStop(t *testing.T) {
	s, st, runner := newTestScheduler(t)

	past := time.Now().UTC().Add(-time.Minute)
	seedSchedule(t, st, "due", &past, true)

	require.NoError(t, s.Start(context.Background()))
	require.Error(t, s.Start(context.Background()))

	// The loop runs an immediate tick on start.
	require.Eventually(t, func() bool { return runner.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())
}
