package engine

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glyphware/grimoire/internal/store"
	"github.com/glyphware/grimoire/pkg/schema"
)

type fakeAppender struct {
	mu     sync.Mutex
	events []*store.Event
}

func (a *fakeAppender) AppendEvent(_ context.Context, event *store.Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	return nil
}

func (a *fakeAppender) types() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []string
	for _, ev := range a.events {
		out = append(out, ev.Type)
	}
	return out
}

func TestCastFSM_ValidTransitionsEmitEvents(t *testing.T) {
	app := &fakeAppender{}
	fsm := NewCastFSM(app)
	ctx := context.Background()

	require.NoError(t, fsm.Transition(ctx, "c-1", schema.CastStatusRunning, schema.CastStatusCompleted))
	require.NoError(t, fsm.Transition(ctx, "c-2", schema.CastStatusRunning, schema.CastStatusFailed))
	assert.Equal(t, []string{schema.EventCastCompleted, schema.EventCastFailed}, app.types())
}

func TestCastFSM_TerminalStatesAreFinal(t *testing.T) {
	fsm := NewCastFSM(&fakeAppender{})
	ctx := context.Background()

	for _, from := range []schema.CastStatus{schema.CastStatusCompleted, schema.CastStatusFailed} {
		err := fsm.Transition(ctx, "c-1", from, schema.CastStatusRunning)
		require.Error(t, err)
		var gerr *schema.GrimoireError
		require.True(t, asGrimoireError(err, &gerr))
		assert.Equal(t, schema.ErrCodeInvalidTransition, gerr.Code)
	}
}

func TestCastFSM_Hooks(t *testing.T) {
	fsm := NewCastFSM(&fakeAppender{})
	var order []string
	fsm.OnBefore(schema.CastStatusRunning, schema.CastStatusCompleted, func(from, to string) error {
		order = append(order, "before")
		return nil
	})
	fsm.OnAfter(schema.CastStatusRunning, schema.CastStatusCompleted, func(from, to string) error {
		order = append(order, "after")
		return nil
	})

	require.NoError(t, fsm.Transition(context.Background(), "c-1",
		schema.CastStatusRunning, schema.CastStatusCompleted))
	assert.Equal(t, []string{"before", "after"}, order)
}

func TestRecordFSM_Transitions(t *testing.T) {
	app := &fakeAppender{}
	fsm := NewRecordFSM(app)
	ctx := context.Background()

	require.NoError(t, fsm.Transition(ctx, "c-1", "r-1",
		schema.RecordStatusPending, schema.RecordStatusProcessing))
	require.NoError(t, fsm.Transition(ctx, "c-1", "r-1",
		schema.RecordStatusProcessing, schema.RecordStatusCompleted))

	// Dispatch failure: pending straight to failed is allowed.
	require.NoError(t, fsm.Transition(ctx, "c-1", "r-2",
		schema.RecordStatusPending, schema.RecordStatusFailed))

	// Terminal records never move again.
	err := fsm.Transition(ctx, "c-1", "r-1",
		schema.RecordStatusCompleted, schema.RecordStatusFailed)
	require.Error(t, err)

	assert.Equal(t, []string{
		schema.EventStepProcessing,
		schema.EventStepCompleted,
		schema.EventStepFailed,
	}, app.types())
}
