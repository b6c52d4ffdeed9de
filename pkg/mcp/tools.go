package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/glyphware/grimoire/pkg/schema"
)

func (s *GrimoireServer) handleCast(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	spellID, err := req.RequireString("spell_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	initiatorID, err := req.RequireString("initiator_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	overrides := mcp.ParseStringMap(req, "overrides", nil)
	platform := req.GetString("platform", "")
	targetID := req.GetString("target_id", "")

	// When the caller wants results delivered back over MCP, remember which
	// session asked so the agent notifier can find it later.
	if platform == "agent" {
		s.captureSession(ctx, initiatorID)
		if targetID == "" {
			targetID = initiatorID
		}
	}

	castID, execErr := s.service.Execute(ctx, spellID, &schema.CastContext{
		InitiatorID: initiatorID,
		Platform:    platform,
		TargetID:    targetID,
		Overrides:   overrides,
	})
	if execErr != nil {
		if castID == "" {
			return mcp.NewToolResultError(fmt.Sprintf("cast failed: %v", execErr)), nil
		}
		return marshalResult(map[string]any{
			"cast_id": castID,
			"error":   execErr.Error(),
		})
	}

	s.logger.InfoContext(ctx, "cast started via MCP",
		slog.String("cast_id", castID),
		slog.String("spell_id", spellID),
		slog.String("initiator_id", initiatorID),
	)
	return marshalResult(map[string]any{
		"cast_id": castID,
		"status":  string(schema.CastStatusRunning),
	})
}

func (s *GrimoireServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	castID, err := req.RequireString("cast_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	cast, err := s.store.GetCast(ctx, castID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("get cast: %v", err)), nil
	}
	records, err := s.store.ListRecordsByCast(ctx, castID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("list records: %v", err)), nil
	}

	steps := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		steps = append(steps, map[string]any{
			"step_index": rec.StepIndex,
			"tool_id":    rec.ToolID,
			"status":     rec.Status,
		})
	}
	return marshalResult(map[string]any{
		"cast_id":            cast.ID,
		"spell_id":           cast.SpellID,
		"status":             cast.Status,
		"total_cost_usd":     cast.TotalCostUSD,
		"total_points_spent": cast.TotalPointsSpent,
		"steps":              steps,
	})
}

func (s *GrimoireServer) handleRecords(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	castID, err := req.RequireString("cast_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	records, err := s.store.ListRecordsByCast(ctx, castID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("list records: %v", err)), nil
	}

	out := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		entry := map[string]any{
			"record_id":    rec.ID,
			"step_index":   rec.StepIndex,
			"tool_id":      rec.ToolID,
			"backend_name": rec.BackendName,
			"status":       rec.Status,
			"cost_usd":     rec.CostUSD,
		}
		if len(rec.NormalizedOutput) > 0 {
			entry["output"] = json.RawMessage(rec.NormalizedOutput)
		}
		if len(rec.Error) > 0 {
			entry["error"] = json.RawMessage(rec.Error)
		}
		out = append(out, entry)
	}
	return marshalResult(map[string]any{"records": out})
}

func (s *GrimoireServer) handleTools(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	defs, err := s.tools.List(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("list tools: %v", err)), nil
	}
	out := make([]map[string]any, 0, len(defs))
	for _, def := range defs {
		out = append(out, map[string]any{
			"tool_id":       def.ToolID,
			"backend_name":  def.BackendName,
			"delivery_mode": def.DeliveryMode,
			"input_schema":  def.InputSchema,
		})
	}
	return marshalResult(map[string]any{"tools": out})
}

// marshalResult marshals a value as a JSON tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
