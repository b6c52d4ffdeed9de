package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/glyphware/grimoire/internal/store"
	"github.com/glyphware/grimoire/pkg/schema"
)

// CastManager owns the cast lifecycle: creation in the running state and the
// single transition to a terminal state.
type CastManager struct {
	store store.Store
	fsm   *CastFSM
}

func NewCastManager(s store.Store, fsm *CastFSM) *CastManager {
	return &CastManager{store: s, fsm: fsm}
}

// Begin creates a running cast for the spell and appends the start event.
func (m *CastManager) Begin(ctx context.Context, spell *schema.Spell, castCtx *schema.CastContext) (*store.Cast, error) {
	var overrides json.RawMessage
	if len(castCtx.Overrides) > 0 {
		encoded, err := json.Marshal(castCtx.Overrides)
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeValidation, "marshal overrides").WithCause(err)
		}
		overrides = encoded
	}

	now := time.Now().UTC()
	cast := &store.Cast{
		ID:            uuid.NewString(),
		SpellID:       spell.ID,
		InitiatorID:   castCtx.InitiatorID,
		Platform:      castCtx.Platform,
		TargetID:      castCtx.TargetID,
		Status:        schema.CastStatusRunning,
		StepRecordIDs: []string{},
		Overrides:     overrides,
		StartedAt:     now,
		UpdatedAt:     now,
	}
	if err := m.store.CreateCast(ctx, cast); err != nil {
		return nil, err
	}

	event := &store.Event{
		CastID:  cast.ID,
		Type:    schema.EventCastStarted,
		Payload: mustPayload(map[string]any{"spell_id": spell.ID, "steps": len(spell.Steps)}),
	}
	if err := m.store.AppendEvent(ctx, event); err != nil {
		return nil, err
	}
	return cast, nil
}

// Finish moves a cast to a terminal state. The FSM rejects anything but
// running -> completed|failed, so a cast that already finished stays put.
func (m *CastManager) Finish(ctx context.Context, cast *store.Cast, to schema.CastStatus, cause error) error {
	if err := m.fsm.Transition(ctx, cast.ID, cast.Status, to); err != nil {
		return err
	}

	now := time.Now().UTC()
	update := store.CastUpdate{
		Status:      &to,
		CompletedAt: &now,
	}
	if cause != nil {
		update.LastError = errorJSON(cause)
	}
	if err := m.store.UpdateCast(ctx, cast.ID, update); err != nil {
		return err
	}
	cast.Status = to
	cast.CompletedAt = &now
	return nil
}
