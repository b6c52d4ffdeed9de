package notify

import (
	"context"
	"sync"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/glyphware/grimoire/pkg/schema"
)

// WebSocketNotifier pushes delivery payloads to attached websocket clients.
// Clients attach through the HTTP API with a connection ID; a cast whose
// target ID names that connection gets its deliveries streamed there.
type WebSocketNotifier struct {
	mu    sync.RWMutex
	conns map[string]*websocket.Conn
}

func NewWebSocketNotifier() *WebSocketNotifier {
	return &WebSocketNotifier{conns: make(map[string]*websocket.Conn)}
}

func (n *WebSocketNotifier) Platform() string { return "websocket" }

// Attach registers a connection under the given ID, replacing any previous
// connection with the same ID.
func (n *WebSocketNotifier) Attach(connID string, conn *websocket.Conn) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if old, ok := n.conns[connID]; ok {
		_ = old.Close(websocket.StatusPolicyViolation, "replaced by new connection")
	}
	n.conns[connID] = conn
}

// Detach removes a connection. The caller owns closing it.
func (n *WebSocketNotifier) Detach(connID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.conns, connID)
}

func (n *WebSocketNotifier) Deliver(ctx context.Context, d *Delivery) error {
	n.mu.RLock()
	conn, ok := n.conns[d.TargetID]
	n.mu.RUnlock()
	if !ok {
		return schema.NewErrorf(schema.ErrCodeDelivery, "no websocket connection %q", d.TargetID)
	}

	payload := map[string]any{
		"kind":       string(d.Kind),
		"cast_id":    d.Cast.ID,
		"spell_id":   d.Cast.SpellID,
		"step_index": d.Record.StepIndex,
		"items":      d.Items,
	}
	if d.Kind == schema.DeliveryFinal {
		payload["status"] = string(d.Cast.Status)
		payload["total_cost_usd"] = d.Cast.TotalCostUSD
	}
	if d.Cause != nil {
		payload["error"] = d.Cause.Error()
	}

	if err := wsjson.Write(ctx, conn, payload); err != nil {
		return schema.NewError(schema.ErrCodeDelivery, "websocket write failed").WithCause(err)
	}
	return nil
}

var _ Notifier = (*WebSocketNotifier)(nil)
