package store

import (
	"encoding/json"
	"time"

	"github.com/glyphware/grimoire/pkg/schema"
)

// Cast is the aggregate record of one spell invocation. It is never deleted:
// finished casts serve as the audit log and the historical sample set for
// cost estimation.
type Cast struct {
	ID               string            `json:"id"`
	SpellID          string            `json:"spell_id"`
	InitiatorID      string            `json:"initiator_id"`
	Platform         string            `json:"platform,omitempty"`
	TargetID         string            `json:"target_id,omitempty"`
	Status           schema.CastStatus `json:"status"`
	StepRecordIDs    []string          `json:"step_record_ids"`
	Overrides        json.RawMessage   `json:"overrides,omitempty"`
	TotalCostUSD     float64           `json:"total_cost_usd"`
	TotalPointsSpent int64             `json:"total_points_spent"`
	LastError        json.RawMessage   `json:"last_error,omitempty"`
	StartedAt        time.Time         `json:"started_at"`
	CompletedAt      *time.Time        `json:"completed_at,omitempty"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// GenerationRecord tracks one step execution attempt. The pair
// (CastID, StepIndex) is unique — it is the idempotency key that prevents a
// step from being dispatched or continued twice.
type GenerationRecord struct {
	ID               string                `json:"id"`
	CastID           string                `json:"cast_id"`
	StepIndex        int                   `json:"step_index"`
	ToolID           string                `json:"tool_id"`
	BackendName      string                `json:"backend_name"`
	Status           schema.RecordStatus   `json:"status"`
	JobHandle        string                `json:"job_handle,omitempty"`
	InputPayload     json.RawMessage       `json:"input_payload,omitempty"`
	RawResult        json.RawMessage       `json:"raw_result,omitempty"`
	NormalizedOutput json.RawMessage       `json:"normalized_output,omitempty"`
	CostUSD          float64               `json:"cost_usd"`
	PointsSpent      int64                 `json:"points_spent"`
	DeliveryStatus   schema.DeliveryStatus `json:"delivery_status"`
	DeliveryAttempts int                   `json:"delivery_attempts"`
	Error            json.RawMessage       `json:"error,omitempty"`
	CreatedAt        time.Time             `json:"created_at"`
	UpdatedAt        time.Time             `json:"updated_at"`
}

// Event is an immutable entry in the cast event log.
type Event struct {
	ID        int64           `json:"id"`
	CastID    string          `json:"cast_id"`
	RecordID  string          `json:"record_id,omitempty"`
	Type      string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
}

// ScheduledCast is a cron-triggered recurring spell invocation.
type ScheduledCast struct {
	ID             string          `json:"id"`
	SpellID        string          `json:"spell_id"`
	CronExpression string          `json:"cron_expression"`
	InitiatorID    string          `json:"initiator_id"`
	Platform       string          `json:"platform,omitempty"`
	TargetID       string          `json:"target_id,omitempty"`
	Overrides      json.RawMessage `json:"overrides,omitempty"`
	Enabled        bool            `json:"enabled"`
	LastRunAt      *time.Time      `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time      `json:"next_run_at,omitempty"`
	LastRunStatus  string          `json:"last_run_status,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// --- Filter and update types ---

// CastFilter specifies criteria for listing casts.
type CastFilter struct {
	Status      *schema.CastStatus `json:"status,omitempty"`
	SpellID     string             `json:"spell_id,omitempty"`
	InitiatorID string             `json:"initiator_id,omitempty"`
	Since       *time.Time         `json:"since,omitempty"`
	Limit       int                `json:"limit,omitempty"`
	Offset      int                `json:"offset,omitempty"`
}

// CastUpdate specifies mutable fields of a cast.
type CastUpdate struct {
	Status           *schema.CastStatus `json:"status,omitempty"`
	TotalCostUSD     *float64           `json:"total_cost_usd,omitempty"`
	TotalPointsSpent *int64             `json:"total_points_spent,omitempty"`
	LastError        json.RawMessage    `json:"last_error,omitempty"`
	CompletedAt      *time.Time         `json:"completed_at,omitempty"`
}

// RecordUpdate specifies mutable fields of a generation record.
type RecordUpdate struct {
	Status           *schema.RecordStatus   `json:"status,omitempty"`
	JobHandle        *string                `json:"job_handle,omitempty"`
	RawResult        json.RawMessage        `json:"raw_result,omitempty"`
	NormalizedOutput json.RawMessage        `json:"normalized_output,omitempty"`
	CostUSD          *float64               `json:"cost_usd,omitempty"`
	PointsSpent      *int64                 `json:"points_spent,omitempty"`
	DeliveryStatus   *schema.DeliveryStatus `json:"delivery_status,omitempty"`
	DeliveryAttempts *int                   `json:"delivery_attempts,omitempty"`
	Error            json.RawMessage        `json:"error,omitempty"`
}

// ScheduledCastUpdate specifies mutable fields of a scheduled cast.
type ScheduledCastUpdate struct {
	Enabled       *bool      `json:"enabled,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
}

// ScheduledCastFilter specifies criteria for listing scheduled casts.
type ScheduledCastFilter struct {
	Enabled *bool  `json:"enabled,omitempty"`
	SpellID string `json:"spell_id,omitempty"`
	Limit   int    `json:"limit,omitempty"`
}
