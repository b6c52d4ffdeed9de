package mcp

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/server"

	"github.com/glyphware/grimoire/internal/notify"
	"github.com/glyphware/grimoire/pkg/schema"
)

// AgentNotifier delivers cast results back to the MCP session that started
// the cast, using server-to-client notifications. Registered with the
// dispatcher under platform "agent".
type AgentNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
}

// NewAgentNotifier creates a notifier that pushes over MCP.
func NewAgentNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *AgentNotifier {
	return &AgentNotifier{mcpServer: mcpServer, sessions: sessions}
}

func (n *AgentNotifier) Platform() string { return "agent" }

// Deliver pushes a notifications/message to the initiator's session. A
// missing or expired session is a delivery failure; the dispatcher's retry
// and drop bookkeeping takes it from there.
func (n *AgentNotifier) Deliver(ctx context.Context, d *notify.Delivery) error {
	initiatorID := d.TargetID
	if initiatorID == "" {
		initiatorID = d.Cast.InitiatorID
	}
	sessionID, ok := n.sessions.SessionFor(initiatorID)
	if !ok {
		return schema.NewErrorf(schema.ErrCodeDelivery, "no MCP session for initiator %s", initiatorID)
	}

	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", n.payload(d))
	if errors.Is(err, server.ErrSessionNotFound) {
		n.sessions.Remove(sessionID)
		return schema.NewErrorf(schema.ErrCodeDelivery, "MCP session %s expired", sessionID).WithCause(err)
	}
	return err
}

func (n *AgentNotifier) payload(d *notify.Delivery) map[string]any {
	payload := map[string]any{
		"kind":       string(d.Kind),
		"cast_id":    d.Cast.ID,
		"spell_id":   d.Cast.SpellID,
		"status":     string(d.Cast.Status),
		"step_index": d.Record.StepIndex,
		"tool_id":    d.Record.ToolID,
	}
	if len(d.Items) > 0 {
		payload["items"] = d.Items
	}
	if d.Kind == schema.DeliveryFinal {
		payload["total_cost_usd"] = d.Cast.TotalCostUSD
		payload["total_points_spent"] = d.Cast.TotalPointsSpent
	}
	if d.Cause != nil {
		payload["error"] = d.Cause.Error()
	}
	return payload
}

var _ notify.Notifier = (*AgentNotifier)(nil)
