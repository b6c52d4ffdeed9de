package engine

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/glyphware/grimoire/internal/store"
	"github.com/glyphware/grimoire/pkg/schema"
)

// RecordManager owns the generation record lifecycle. Creating the record is
// the idempotency gate for a step: the store rejects a second record for the
// same (cast, step index), so a duplicated dispatch dies here instead of
// reaching a backend twice.
type RecordManager struct {
	store store.Store
	fsm   *RecordFSM
}

func NewRecordManager(s store.Store, fsm *RecordFSM) *RecordManager {
	return &RecordManager{store: s, fsm: fsm}
}

// CreatePending inserts the pending record for a step, claiming the
// (cast, step index) slot. Returns a CONFLICT error when the slot is taken.
func (m *RecordManager) CreatePending(ctx context.Context, castID string, stepIndex int, toolID, backendName string, input map[string]any) (*store.GenerationRecord, error) {
	payload, err := json.Marshal(input)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "marshal input payload").WithCause(err)
	}

	now := time.Now().UTC()
	rec := &store.GenerationRecord{
		ID:             uuid.NewString(),
		CastID:         castID,
		StepIndex:      stepIndex,
		ToolID:         toolID,
		BackendName:    backendName,
		Status:         schema.RecordStatusPending,
		InputPayload:   payload,
		DeliveryStatus: schema.DeliveryPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := m.store.CreateRecord(ctx, rec); err != nil {
		return nil, err
	}

	event := &store.Event{
		CastID:   castID,
		RecordID: rec.ID,
		Type:     schema.EventStepDispatched,
		Payload:  mustPayload(map[string]any{"step_index": stepIndex, "tool_id": toolID}),
	}
	if err := m.store.AppendEvent(ctx, event); err != nil {
		return nil, err
	}
	return rec, nil
}

// MarkProcessing records the backend job handle and moves the record to
// processing. Used by the async strategies after job submission.
func (m *RecordManager) MarkProcessing(ctx context.Context, rec *store.GenerationRecord, jobHandle string) error {
	if err := m.fsm.Transition(ctx, rec.CastID, rec.ID, rec.Status, schema.RecordStatusProcessing); err != nil {
		return err
	}
	status := schema.RecordStatusProcessing
	err := m.store.UpdateRecord(ctx, rec.ID, store.RecordUpdate{
		Status:    &status,
		JobHandle: &jobHandle,
	})
	if err != nil {
		return err
	}
	rec.Status = status
	rec.JobHandle = jobHandle
	return nil
}

// MarkCompleted persists the step's results and moves the record to completed.
func (m *RecordManager) MarkCompleted(ctx context.Context, rec *store.GenerationRecord, raw, normalized json.RawMessage, costUSD float64, points int64) error {
	if err := m.fsm.Transition(ctx, rec.CastID, rec.ID, rec.Status, schema.RecordStatusCompleted); err != nil {
		return err
	}
	status := schema.RecordStatusCompleted
	err := m.store.UpdateRecord(ctx, rec.ID, store.RecordUpdate{
		Status:           &status,
		RawResult:        raw,
		NormalizedOutput: normalized,
		CostUSD:          &costUSD,
		PointsSpent:      &points,
	})
	if err != nil {
		return err
	}
	rec.Status = status
	rec.RawResult = raw
	rec.NormalizedOutput = normalized
	rec.CostUSD = costUSD
	rec.PointsSpent = points
	return nil
}

// MarkFailed persists the failure cause and moves the record to failed.
func (m *RecordManager) MarkFailed(ctx context.Context, rec *store.GenerationRecord, cause error) error {
	if err := m.fsm.Transition(ctx, rec.CastID, rec.ID, rec.Status, schema.RecordStatusFailed); err != nil {
		return err
	}
	status := schema.RecordStatusFailed
	err := m.store.UpdateRecord(ctx, rec.ID, store.RecordUpdate{
		Status: &status,
		Error:  errorJSON(cause),
	})
	if err != nil {
		return err
	}
	rec.Status = status
	rec.Error = errorJSON(cause)
	return nil
}

// errorJSON serializes an error for storage, preserving structure when it is
// a GrimoireError.
func errorJSON(err error) json.RawMessage {
	if err == nil {
		return nil
	}
	var gerr *schema.GrimoireError
	if errors.As(err, &gerr) {
		if encoded, merr := json.Marshal(gerr); merr == nil {
			return encoded
		}
	}
	encoded, merr := json.Marshal(map[string]string{"message": err.Error()})
	if merr != nil {
		return nil
	}
	return encoded
}

// asGrimoireError unwraps err into a *GrimoireError if one is in the chain.
func asGrimoireError(err error, target **schema.GrimoireError) bool {
	return errors.As(err, target)
}

func mustPayload(v map[string]any) json.RawMessage {
	encoded, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return encoded
}
