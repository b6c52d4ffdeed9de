package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glyphware/grimoire/internal/engine"
	"github.com/glyphware/grimoire/internal/expressions"
	"github.com/glyphware/grimoire/internal/store"
	"github.com/glyphware/grimoire/pkg/schema"
)

func jsonDecode(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

func newTestStore(t *testing.T) *store.LibSQLStore {
	t.Helper()
	s, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "notify.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedDelivery(t *testing.T, s *store.LibSQLStore, platform, targetID string) (*store.Cast, *store.GenerationRecord) {
	t.Helper()
	ctx := context.Background()
	cast := &store.Cast{
		ID:          uuid.NewString(),
		SpellID:     "sp",
		InitiatorID: "agent-1",
		Platform:    platform,
		TargetID:    targetID,
		Status:      schema.CastStatusCompleted,
	}
	require.NoError(t, s.CreateCast(ctx, cast))
	rec := &store.GenerationRecord{
		ID:             uuid.NewString(),
		CastID:         cast.ID,
		StepIndex:      0,
		ToolID:         "textTool",
		BackendName:    "mock",
		Status:         schema.RecordStatusCompleted,
		DeliveryStatus: schema.DeliveryPending,
	}
	require.NoError(t, s.CreateRecord(ctx, rec))
	return cast, rec
}

// scriptNotifier fails a configurable number of leading attempts.
type scriptNotifier struct {
	platform  string
	failFirst int // -1 means fail forever

	mu       sync.Mutex
	attempts []time.Time
}

func (n *scriptNotifier) Platform() string { return n.platform }

func (n *scriptNotifier) Deliver(context.Context, *Delivery) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.attempts = append(n.attempts, time.Now())
	if n.failFirst < 0 || len(n.attempts) <= n.failFirst {
		return schema.NewError(schema.ErrCodeDelivery, "delivery refused")
	}
	return nil
}

func (n *scriptNotifier) attemptTimes() []time.Time {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]time.Time{}, n.attempts...)
}

func newTestDispatcher(t *testing.T, s *store.LibSQLStore, filters map[string]string) *Dispatcher {
	t.Helper()
	cel, err := expressions.NewCELEngine()
	require.NoError(t, err)
	return NewDispatcher(DispatcherConfig{
		Store:       s,
		Hub:         NewMemoryHub(),
		CEL:         cel,
		Filters:     filters,
		RetryDelays: []time.Duration{time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond},
	})
}

func deliveryStatus(t *testing.T, s *store.LibSQLStore, recordID string) (schema.DeliveryStatus, int) {
	t.Helper()
	rec, err := s.GetRecord(context.Background(), recordID)
	require.NoError(t, err)
	return rec.DeliveryStatus, rec.DeliveryAttempts
}

func TestDispatcher_SuccessOnFirstAttempt(t *testing.T) {
	s := newTestStore(t)
	d := newTestDispatcher(t, s, nil)
	n := &scriptNotifier{platform: "slack"}
	d.Register(n)

	cast, rec := seedDelivery(t, s, "slack", "C012345")
	d.CastCompleted(context.Background(), cast, rec, []engine.OutputItem{{Type: engine.ItemText, Text: "done"}})
	d.Wait()

	status, attempts := deliveryStatus(t, s, rec.ID)
	assert.Equal(t, schema.DeliverySent, status)
	assert.Equal(t, 1, attempts)
	assert.Len(t, n.attemptTimes(), 1)
}

func TestDispatcher_RetriesWithBackoffThenDrops(t *testing.T) {
	s := newTestStore(t)
	d := newTestDispatcher(t, s, nil)
	n := &scriptNotifier{platform: "slack", failFirst: -1}
	d.Register(n)

	cast, rec := seedDelivery(t, s, "slack", "C012345")
	d.CastCompleted(context.Background(), cast, rec, nil)
	d.Wait()

	// Exactly three attempts, then the notification is dropped for good.
	times := n.attemptTimes()
	require.Len(t, times, 3)

	status, attempts := deliveryStatus(t, s, rec.ID)
	assert.Equal(t, schema.DeliveryDropped, status)
	assert.Equal(t, 3, attempts)

	// Waits between attempts follow the increasing delay schedule.
	gap1 := times[1].Sub(times[0])
	gap2 := times[2].Sub(times[1])
	assert.GreaterOrEqual(t, gap1, 20*time.Millisecond)
	assert.GreaterOrEqual(t, gap2, 40*time.Millisecond)

	// No dead-letter, no further retries: the event log records the drop.
	events, err := s.GetEvents(context.Background(), cast.ID, 0)
	require.NoError(t, err)
	var sawDropped bool
	for _, ev := range events {
		sawDropped = sawDropped || ev.Type == schema.EventNotificationDropped
	}
	assert.True(t, sawDropped)
}

func TestDispatcher_AttemptBudgetFollowsSchedule(t *testing.T) {
	s := newTestStore(t)
	cel, err := expressions.NewCELEngine()
	require.NoError(t, err)
	d := NewDispatcher(DispatcherConfig{
		Store:       s,
		Hub:         NewMemoryHub(),
		CEL:         cel,
		RetryDelays: []time.Duration{time.Millisecond, 10 * time.Millisecond},
	})
	n := &scriptNotifier{platform: "slack", failFirst: -1}
	d.Register(n)

	cast, rec := seedDelivery(t, s, "slack", "C012345")
	d.CastCompleted(context.Background(), cast, rec, nil)
	d.Wait()

	// A two-entry schedule means two attempts, then the drop.
	assert.Len(t, n.attemptTimes(), 2)
	status, attempts := deliveryStatus(t, s, rec.ID)
	assert.Equal(t, schema.DeliveryDropped, status)
	assert.Equal(t, 2, attempts)
}

func TestDispatcher_RecoversWithinBudget(t *testing.T) {
	s := newTestStore(t)
	d := newTestDispatcher(t, s, nil)
	n := &scriptNotifier{platform: "slack", failFirst: 2}
	d.Register(n)

	cast, rec := seedDelivery(t, s, "slack", "C012345")
	d.CastCompleted(context.Background(), cast, rec, nil)
	d.Wait()

	status, attempts := deliveryStatus(t, s, rec.ID)
	assert.Equal(t, schema.DeliverySent, status)
	assert.Equal(t, 3, attempts)
}

func TestDispatcher_UnknownPlatformSkipped(t *testing.T) {
	s := newTestStore(t)
	d := newTestDispatcher(t, s, nil)
	n := &scriptNotifier{platform: "slack"}
	d.Register(n)

	cast, rec := seedDelivery(t, s, "pigeon", "coop-7")
	d.CastCompleted(context.Background(), cast, rec, nil)
	d.Wait()

	status, _ := deliveryStatus(t, s, rec.ID)
	assert.Equal(t, schema.DeliverySkipped, status)
	assert.Empty(t, n.attemptTimes())
}

func TestDispatcher_NoPlatformSkipped(t *testing.T) {
	s := newTestStore(t)
	d := newTestDispatcher(t, s, nil)

	cast, rec := seedDelivery(t, s, "", "")
	d.StepCompleted(context.Background(), cast, rec, nil)
	d.Wait()

	status, _ := deliveryStatus(t, s, rec.ID)
	assert.Equal(t, schema.DeliverySkipped, status)
}

func TestDispatcher_CELFilter(t *testing.T) {
	s := newTestStore(t)
	d := newTestDispatcher(t, s, map[string]string{
		"slack": `delivery.kind == "final"`,
	})
	n := &scriptNotifier{platform: "slack"}
	d.Register(n)

	cast, rec := seedDelivery(t, s, "slack", "C012345")

	// Step progress fails the predicate and is skipped.
	d.StepCompleted(context.Background(), cast, rec, nil)
	d.Wait()
	status, _ := deliveryStatus(t, s, rec.ID)
	assert.Equal(t, schema.DeliverySkipped, status)
	assert.Empty(t, n.attemptTimes())

	// The final delivery passes.
	d.CastCompleted(context.Background(), cast, rec, nil)
	d.Wait()
	status, _ = deliveryStatus(t, s, rec.ID)
	assert.Equal(t, schema.DeliverySent, status)
	assert.Len(t, n.attemptTimes(), 1)
}

func TestDispatcher_PublishesToHub(t *testing.T) {
	s := newTestStore(t)
	hub := NewMemoryHub()
	cel, err := expressions.NewCELEngine()
	require.NoError(t, err)
	d := NewDispatcher(DispatcherConfig{Store: s, Hub: hub, CEL: cel})

	cast, rec := seedDelivery(t, s, "", "")
	ch, cancel, err := hub.Subscribe(context.Background(), EventFilter{CastID: cast.ID})
	require.NoError(t, err)
	defer cancel()

	d.CastCompleted(context.Background(), cast, rec, nil)
	d.Wait()

	select {
	case ev := <-ch:
		assert.Equal(t, schema.EventCastCompleted, ev.EventType)
		assert.Equal(t, cast.ID, ev.CastID)
	case <-time.After(time.Second):
		t.Fatal("expected a stream event")
	}
}

// --- Webhook notifier ---

func TestWebhookNotifier_DeliversPayload(t *testing.T) {
	var gotToken string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotToken = r.Header.Get("X-Grimoire-Token")
		require.NoError(t, jsonDecode(r, &gotBody))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewWebhookNotifier("s3cret")
	cast := &store.Cast{ID: "c-1", SpellID: "sp", Status: schema.CastStatusCompleted, TotalCostUSD: 0.08}
	rec := &store.GenerationRecord{ID: "r-1", StepIndex: 2}

	err := n.Deliver(context.Background(), &Delivery{
		Kind:     schema.DeliveryFinal,
		Cast:     cast,
		Record:   rec,
		Items:    []engine.OutputItem{{Type: engine.ItemImage, URL: "https://x.test/a.png"}},
		TargetID: srv.URL,
	})
	require.NoError(t, err)
	assert.Equal(t, "s3cret", gotToken)
	assert.Equal(t, "final", gotBody["kind"])
	assert.Equal(t, "c-1", gotBody["cast_id"])
	assert.InDelta(t, 0.08, gotBody["total_cost_usd"].(float64), 1e-9)
}

func TestWebhookNotifier_RejectsBadTarget(t *testing.T) {
	n := NewWebhookNotifier("")
	err := n.Deliver(context.Background(), &Delivery{
		Cast:     &store.Cast{ID: "c-1"},
		Record:   &store.GenerationRecord{ID: "r-1"},
		TargetID: "ftp://nope",
	})
	require.Error(t, err)
}

func TestWebhookNotifier_Non2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	n := NewWebhookNotifier("")
	err := n.Deliver(context.Background(), &Delivery{
		Cast:     &store.Cast{ID: "c-1"},
		Record:   &store.GenerationRecord{ID: "r-1"},
		TargetID: srv.URL,
	})
	require.Error(t, err)
}

// --- Slack rendering ---

func TestRenderText_Failure(t *testing.T) {
	d := &Delivery{
		Cast:   &store.Cast{SpellID: "daily-report"},
		Record: &store.GenerationRecord{StepIndex: 1},
		Cause:  schema.NewError(schema.ErrCodeAdapter, "backend exploded"),
	}
	text := renderText(d)
	assert.Contains(t, text, "daily-report")
	assert.Contains(t, text, "step 2")
	assert.Contains(t, text, "backend exploded")
}

func TestRenderText_FinalWithItems(t *testing.T) {
	d := &Delivery{
		Kind:   schema.DeliveryFinal,
		Cast:   &store.Cast{SpellID: "sp", TotalCostUSD: 0.08},
		Record: &store.GenerationRecord{},
		Items: []engine.OutputItem{
			{Type: engine.ItemText, Text: "a fox story"},
			{Type: engine.ItemImage, URL: "https://x.test/fox.png"},
		},
	}
	text := renderText(d)
	assert.Contains(t, text, "$0.0800")
	assert.Contains(t, text, "a fox story")
	assert.Contains(t, text, "https://x.test/fox.png")
}

func TestRenderBlocks_TextOnlyReturnsNil(t *testing.T) {
	d := &Delivery{
		Cast:   &store.Cast{SpellID: "sp"},
		Record: &store.GenerationRecord{},
		Items:  []engine.OutputItem{{Type: engine.ItemText, Text: "hi"}},
	}
	assert.Nil(t, renderBlocks(d))
}

func TestRenderBlocks_ImagesGetBlocks(t *testing.T) {
	d := &Delivery{
		Cast:   &store.Cast{SpellID: "sp"},
		Record: &store.GenerationRecord{},
		Items: []engine.OutputItem{
			{Type: engine.ItemImage, URL: "https://x.test/a.png"},
			{Type: engine.ItemImage, URL: "https://x.test/b.png"},
		},
	}
	blocks := renderBlocks(d)
	assert.Len(t, blocks, 3) // headline + two images
}
