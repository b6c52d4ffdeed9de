package tools

import (
	"context"
	"sort"
	"sync"

	"github.com/glyphware/grimoire/pkg/schema"
)

// Tool describes one invokable AI capability: which backend serves it, how
// results come back, and the JSON Schema its inputs must satisfy.
type Tool struct {
	// ToolID is the stable identifier referenced by spell steps.
	ToolID string `json:"tool_id"`
	// BackendName selects the adapter that executes this tool.
	BackendName string `json:"backend_name"`
	// DeliveryMode is how the backend reports completion: "sync" for an
	// immediate response, "poll" for a job handle the caller polls, or
	// "webhook" for a callback.
	DeliveryMode string `json:"delivery_mode"`
	// InputSchema is a JSON Schema document validated before dispatch.
	InputSchema map[string]any `json:"input_schema,omitempty"`
	// FlatCostUSD, when > 0, overrides the adapter-reported cost.
	FlatCostUSD float64 `json:"flat_cost_usd,omitempty"`
	// FlatPoints, when > 0, overrides the adapter-reported point spend.
	FlatPoints int64 `json:"flat_points,omitempty"`
	// Timeout bounds for async jobs, in seconds. Zero means the engine default.
	MaxJobSeconds int `json:"max_job_seconds,omitempty"`
}

// DeliveryMode values.
const (
	DeliverySync    = "sync"
	DeliveryPoll    = "poll"
	DeliveryWebhook = "webhook"
)

// Registry resolves tool IDs to tool definitions.
type Registry interface {
	Get(ctx context.Context, toolID string) (*Tool, error)
	List(ctx context.Context) ([]*Tool, error)
	Register(tool *Tool) error
}

// MemoryRegistry is a thread-safe in-memory Registry, populated at startup
// from configuration.
type MemoryRegistry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{tools: make(map[string]*Tool)}
}

func (r *MemoryRegistry) Register(tool *Tool) error {
	if tool.ToolID == "" {
		return schema.NewError(schema.ErrCodeValidation, "tool_id is required")
	}
	if tool.BackendName == "" {
		return schema.NewErrorf(schema.ErrCodeValidation, "tool %s: backend_name is required", tool.ToolID)
	}
	switch tool.DeliveryMode {
	case DeliverySync, DeliveryPoll, DeliveryWebhook:
	default:
		return schema.NewErrorf(schema.ErrCodeValidation,
			"tool %s: unknown delivery mode %q", tool.ToolID, tool.DeliveryMode)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.ToolID] = tool
	return nil
}

func (r *MemoryRegistry) Get(ctx context.Context, toolID string) (*Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[toolID]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "tool not found: %s", toolID)
	}
	return tool, nil
}

func (r *MemoryRegistry) List(ctx context.Context) ([]*Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ToolID < out[j].ToolID })
	return out, nil
}

var _ Registry = (*MemoryRegistry)(nil)
