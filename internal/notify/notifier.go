package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/glyphware/grimoire/internal/engine"
	"github.com/glyphware/grimoire/internal/expressions"
	"github.com/glyphware/grimoire/internal/logging"
	"github.com/glyphware/grimoire/internal/store"
	"github.com/glyphware/grimoire/pkg/schema"
)

// Delivery carries everything a notifier needs to render one message.
type Delivery struct {
	Kind     schema.DeliveryKind
	Cast     *store.Cast
	Record   *store.GenerationRecord
	Items    []engine.OutputItem
	Cause    error // set when the cast failed
	TargetID string
}

// Notifier delivers one message to one platform.
type Notifier interface {
	Platform() string
	Deliver(ctx context.Context, d *Delivery) error
}

// defaultRetrySchedule is the wait before each delivery attempt. Its length is
// the attempt budget: three attempts at 1s/5s/30s, then the message is dropped.
var defaultRetrySchedule = []time.Duration{1 * time.Second, 5 * time.Second, 30 * time.Second}

// Dispatcher fans step results out to notification platforms. Delivery is
// fire-and-forget from the engine's point of view: it runs on its own
// goroutine, retries a bounded number of times, and records the outcome on
// the generation record. A dropped notification never fails a cast.
type Dispatcher struct {
	store       store.Store
	hub         EventHub
	cel         *expressions.CELEngine
	notifiers   map[string]Notifier
	filters     map[string]string // platform -> CEL predicate
	retryDelays []time.Duration
	logger      *slog.Logger

	wg sync.WaitGroup
}

// DispatcherConfig configures the notification dispatcher.
type DispatcherConfig struct {
	Store store.Store
	Hub   EventHub
	CEL   *expressions.CELEngine
	// Filters maps platform names to CEL predicates evaluated per delivery.
	// A platform with no filter receives everything.
	Filters map[string]string
	// RetryDelays overrides the default 1s/5s/30s schedule; one wait per
	// attempt, so its length also sets the attempt budget. Used by tests.
	RetryDelays []time.Duration
	Logger      *slog.Logger
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	delays := cfg.RetryDelays
	if len(delays) == 0 {
		delays = defaultRetrySchedule
	}
	return &Dispatcher{
		store:       cfg.Store,
		hub:         cfg.Hub,
		cel:         cfg.CEL,
		notifiers:   make(map[string]Notifier),
		filters:     cfg.Filters,
		retryDelays: delays,
		logger:      logger,
	}
}

// Register installs a platform notifier.
func (d *Dispatcher) Register(n Notifier) {
	d.notifiers[n.Platform()] = n
}

// Wait blocks until all in-flight deliveries settle. Used in shutdown and tests.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// --- engine.NotificationSink ---

func (d *Dispatcher) StepCompleted(ctx context.Context, cast *store.Cast, rec *store.GenerationRecord, items []engine.OutputItem) {
	d.dispatch(ctx, &Delivery{
		Kind:     schema.DeliveryStepProgress,
		Cast:     cast,
		Record:   rec,
		Items:    items,
		TargetID: cast.TargetID,
	})
}

func (d *Dispatcher) CastCompleted(ctx context.Context, cast *store.Cast, rec *store.GenerationRecord, items []engine.OutputItem) {
	d.dispatch(ctx, &Delivery{
		Kind:     schema.DeliveryFinal,
		Cast:     cast,
		Record:   rec,
		Items:    items,
		TargetID: cast.TargetID,
	})
}

func (d *Dispatcher) CastFailed(ctx context.Context, cast *store.Cast, rec *store.GenerationRecord, cause error) {
	d.dispatch(ctx, &Delivery{
		Kind:     schema.DeliveryFinal,
		Cast:     cast,
		Record:   rec,
		Cause:    cause,
		TargetID: cast.TargetID,
	})
}

func (d *Dispatcher) dispatch(ctx context.Context, delivery *Delivery) {
	d.publishStream(ctx, delivery)

	platform := delivery.Cast.Platform
	if platform == "" {
		d.settle(ctx, delivery, schema.DeliverySkipped, 0)
		return
	}
	notifier, ok := d.notifiers[platform]
	if !ok {
		d.logger.WarnContext(ctx, "no notifier for platform", slog.String("platform", platform))
		d.settle(ctx, delivery, schema.DeliverySkipped, 0)
		return
	}

	if pass, err := d.passesFilter(ctx, platform, delivery); err != nil {
		d.logger.WarnContext(ctx, "notification filter error, skipping delivery",
			slog.String("platform", platform), slog.String("error", err.Error()))
		d.settle(ctx, delivery, schema.DeliverySkipped, 0)
		return
	} else if !pass {
		d.settle(ctx, delivery, schema.DeliverySkipped, 0)
		return
	}

	// Detach from the caller's context: the engine moves on while delivery
	// retries play out.
	bg := logging.WithIDs(context.Background(),
		delivery.Cast.ID, delivery.Record.ID, delivery.Cast.InitiatorID)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.deliverWithRetry(bg, notifier, delivery)
	}()
}

func (d *Dispatcher) deliverWithRetry(ctx context.Context, notifier Notifier, delivery *Delivery) {
	var lastErr error
	budget := len(d.retryDelays)
	for attempt := 1; attempt <= budget; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-time.After(d.retryDelays[attempt-1]):
		}

		if err := notifier.Deliver(ctx, delivery); err != nil {
			lastErr = err
			d.logger.WarnContext(ctx, "notification attempt failed",
				slog.String("platform", notifier.Platform()),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()))
			continue
		}

		d.settle(ctx, delivery, schema.DeliverySent, attempt)
		return
	}

	d.logger.ErrorContext(ctx, "notification dropped after retries",
		slog.String("platform", notifier.Platform()),
		slog.String("error", lastErr.Error()))
	d.settle(ctx, delivery, schema.DeliveryDropped, budget)
}

// settle records the delivery outcome on the generation record and in the
// event log. Failures here are logged and swallowed: delivery bookkeeping
// must never propagate into cast execution.
func (d *Dispatcher) settle(ctx context.Context, delivery *Delivery, status schema.DeliveryStatus, attempts int) {
	err := d.store.UpdateRecord(ctx, delivery.Record.ID, store.RecordUpdate{
		DeliveryStatus:   &status,
		DeliveryAttempts: &attempts,
	})
	if err != nil {
		d.logger.ErrorContext(ctx, "record delivery status", slog.String("error", err.Error()))
	}

	var eventType string
	switch status {
	case schema.DeliverySent:
		eventType = schema.EventNotificationSent
	case schema.DeliveryDropped:
		eventType = schema.EventNotificationDropped
	case schema.DeliverySkipped:
		eventType = schema.EventNotificationSkipped
	default:
		return
	}
	err = d.store.AppendEvent(ctx, &store.Event{
		CastID:   delivery.Cast.ID,
		RecordID: delivery.Record.ID,
		Type:     eventType,
	})
	if err != nil {
		d.logger.ErrorContext(ctx, "append delivery event", slog.String("error", err.Error()))
	}
}

// passesFilter evaluates the platform's CEL predicate, when one is configured.
func (d *Dispatcher) passesFilter(ctx context.Context, platform string, delivery *Delivery) (bool, error) {
	predicate, ok := d.filters[platform]
	if !ok || predicate == "" || d.cel == nil {
		return true, nil
	}

	output := map[string]any{}
	for _, item := range delivery.Items {
		if item.Type == engine.ItemText && output["text"] == nil {
			output["text"] = item.Text
		}
		if item.URL != "" {
			output["has_media"] = true
		}
	}

	data := map[string]any{
		"cast": map[string]any{
			"id":             delivery.Cast.ID,
			"spell_id":       delivery.Cast.SpellID,
			"initiator_id":   delivery.Cast.InitiatorID,
			"status":         string(delivery.Cast.Status),
			"total_cost_usd": delivery.Cast.TotalCostUSD,
		},
		"step": map[string]any{
			"index":   delivery.Record.StepIndex,
			"tool_id": delivery.Record.ToolID,
			"status":  string(delivery.Record.Status),
			"failed":  delivery.Cause != nil,
		},
		"output": output,
		"delivery": map[string]any{
			"kind":     string(delivery.Kind),
			"platform": platform,
		},
	}
	return d.cel.EvaluateBool(ctx, predicate, data)
}

// publishStream mirrors the delivery onto the in-process event hub for SSE
// and websocket observers.
func (d *Dispatcher) publishStream(ctx context.Context, delivery *Delivery) {
	if d.hub == nil {
		return
	}
	eventType := schema.EventStepCompleted
	if delivery.Kind == schema.DeliveryFinal {
		eventType = schema.EventCastCompleted
		if delivery.Cause != nil {
			eventType = schema.EventCastFailed
		}
	}
	payload := map[string]any{"items": delivery.Items, "step_index": delivery.Record.StepIndex}
	if delivery.Cause != nil {
		payload["error"] = delivery.Cause.Error()
	}
	err := d.hub.Publish(ctx, StreamEvent{
		CastID:    delivery.Cast.ID,
		RecordID:  delivery.Record.ID,
		EventType: eventType,
		Payload:   payload,
	})
	if err != nil {
		d.logger.WarnContext(ctx, "publish stream event", slog.String("error", err.Error()))
	}
}

var _ engine.NotificationSink = (*Dispatcher)(nil)
