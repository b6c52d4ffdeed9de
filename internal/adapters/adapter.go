package adapters

import (
	"context"
	"encoding/json"
)

// Result is what an adapter returns for a finished generation: the backend's
// raw output plus the resources it consumed.
type Result struct {
	Output      json.RawMessage `json:"output"`
	CostUSD     float64         `json:"cost_usd"`
	PointsSpent int64           `json:"points_spent"`
}

// JobState reports the progress of an asynchronous backend job.
type JobState struct {
	Done   bool    `json:"done"`
	Failed bool    `json:"failed"`
	Error  string  `json:"error,omitempty"`
	Result *Result `json:"result,omitempty"`
}

// Capabilities declares which delivery modes a backend supports.
type Capabilities struct {
	Sync    bool `json:"sync"`
	Poll    bool `json:"poll"`
	Webhook bool `json:"webhook"`
}

// Adapter bridges the engine to one AI backend. Execute serves synchronous
// tools; StartJob and PollJob serve asynchronous ones. A job handle returned
// by StartJob identifies the backend job in PollJob calls and in inbound
// webhook payloads.
type Adapter interface {
	// Name is the backend identifier that tools reference.
	Name() string
	// Capabilities reports the delivery modes this backend can serve.
	Capabilities() Capabilities
	// Execute runs the tool and blocks until the backend responds.
	Execute(ctx context.Context, toolID string, input map[string]any) (*Result, error)
	// StartJob submits the tool invocation and returns the backend job handle.
	StartJob(ctx context.Context, toolID string, input map[string]any) (string, error)
	// PollJob checks the state of a previously started job.
	PollJob(ctx context.Context, jobHandle string) (*JobState, error)
}
