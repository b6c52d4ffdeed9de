package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/glyphware/grimoire/pkg/schema"
)

// WebhookNotifier POSTs delivery payloads to a caller-supplied URL. The
// delivery's target ID is the destination URL.
type WebhookNotifier struct {
	client *http.Client
	secret string
}

const webhookTimeout = 15 * time.Second

// NewWebhookNotifier creates a webhook notifier. When secret is non-empty it
// is sent as the X-Grimoire-Token header so receivers can authenticate us.
func NewWebhookNotifier(secret string) *WebhookNotifier {
	return &WebhookNotifier{
		client: &http.Client{Timeout: webhookTimeout},
		secret: secret,
	}
}

func (n *WebhookNotifier) Platform() string { return "webhook" }

func (n *WebhookNotifier) Deliver(ctx context.Context, d *Delivery) error {
	target, err := url.ParseRequestURI(d.TargetID)
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") {
		return schema.NewErrorf(schema.ErrCodeDelivery, "invalid webhook target %q", d.TargetID)
	}

	payload := map[string]any{
		"kind":       string(d.Kind),
		"cast_id":    d.Cast.ID,
		"spell_id":   d.Cast.SpellID,
		"status":     string(d.Cast.Status),
		"step_index": d.Record.StepIndex,
		"items":      d.Items,
	}
	if d.Kind == schema.DeliveryFinal {
		payload["total_cost_usd"] = d.Cast.TotalCostUSD
		payload["total_points_spent"] = d.Cast.TotalPointsSpent
	}
	if d.Cause != nil {
		payload["error"] = d.Cause.Error()
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return schema.NewError(schema.ErrCodeDelivery, "marshal webhook payload").WithCause(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.TargetID, bytes.NewReader(body))
	if err != nil {
		return schema.NewError(schema.ErrCodeDelivery, "build webhook request").WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if n.secret != "" {
		req.Header.Set("X-Grimoire-Token", n.secret)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return schema.NewError(schema.ErrCodeDelivery, "webhook request failed").WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return schema.NewErrorf(schema.ErrCodeDelivery, "webhook target returned %d", resp.StatusCode)
	}
	return nil
}

var _ Notifier = (*WebhookNotifier)(nil)
