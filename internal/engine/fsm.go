package engine

import (
	"context"
	"sync"

	"github.com/glyphware/grimoire/internal/store"
	"github.com/glyphware/grimoire/pkg/schema"
)

// TransitionHook is called before or after a state transition.
type TransitionHook func(from, to string) error

// EventAppender is satisfied by the Store; used by FSMs to emit events on
// transitions.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

// --- Cast FSM ---

type castHookKey struct {
	from, to schema.CastStatus
}

// CastFSM manages cast lifecycle state transitions.
type CastFSM struct {
	mu       sync.Mutex
	appender EventAppender
	before   map[castHookKey][]TransitionHook
	after    map[castHookKey][]TransitionHook
}

// NewCastFSM creates a new CastFSM that emits events via the given appender.
func NewCastFSM(appender EventAppender) *CastFSM {
	return &CastFSM{
		appender: appender,
		before:   make(map[castHookKey][]TransitionHook),
		after:    make(map[castHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a cast transition.
func (f *CastFSM) OnBefore(from, to schema.CastStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := castHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a cast transition.
func (f *CastFSM) OnAfter(from, to schema.CastStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := castHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates and executes a cast state transition, emitting the
// corresponding event. The caller is responsible for persisting the new state.
func (f *CastFSM) Transition(ctx context.Context, castID string, from, to schema.CastStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !isValidCastTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid cast transition: %s -> %s", from, to).
			WithDetails(map[string]any{"cast_id": castID, "from": string(from), "to": string(to)})
	}

	key := castHookKey{from, to}

	for _, hook := range f.before[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	eventType := castEventType(to)
	if eventType != "" {
		event := &store.Event{
			CastID: castID,
			Type:   eventType,
		}
		if err := f.appender.AppendEvent(ctx, event); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit cast event: %s", err.Error()).WithCause(err)
		}
	}

	for _, hook := range f.after[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	return nil
}

func isValidCastTransition(from, to schema.CastStatus) bool {
	allowed, ok := ValidCastTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

func castEventType(to schema.CastStatus) string {
	switch to {
	case schema.CastStatusCompleted:
		return schema.EventCastCompleted
	case schema.CastStatusFailed:
		return schema.EventCastFailed
	default:
		return ""
	}
}

// --- Record FSM ---

type recordHookKey struct {
	from, to schema.RecordStatus
}

// RecordFSM manages generation record lifecycle state transitions.
type RecordFSM struct {
	mu       sync.Mutex
	appender EventAppender
	before   map[recordHookKey][]TransitionHook
	after    map[recordHookKey][]TransitionHook
}

// NewRecordFSM creates a new RecordFSM that emits events via the given appender.
func NewRecordFSM(appender EventAppender) *RecordFSM {
	return &RecordFSM{
		appender: appender,
		before:   make(map[recordHookKey][]TransitionHook),
		after:    make(map[recordHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a record transition.
func (f *RecordFSM) OnBefore(from, to schema.RecordStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := recordHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a record transition.
func (f *RecordFSM) OnAfter(from, to schema.RecordStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := recordHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates and executes a record state transition, emitting the
// corresponding event.
func (f *RecordFSM) Transition(ctx context.Context, castID, recordID string, from, to schema.RecordStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !isValidRecordTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid record transition: %s -> %s", from, to).
			WithRecord(recordID).
			WithDetails(map[string]any{"cast_id": castID, "from": string(from), "to": string(to)})
	}

	key := recordHookKey{from, to}

	for _, hook := range f.before[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	eventType := recordEventType(to)
	if eventType != "" {
		event := &store.Event{
			CastID:   castID,
			RecordID: recordID,
			Type:     eventType,
		}
		if err := f.appender.AppendEvent(ctx, event); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit record event: %s", err.Error()).
				WithRecord(recordID).WithCause(err)
		}
	}

	for _, hook := range f.after[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	return nil
}

func isValidRecordTransition(from, to schema.RecordStatus) bool {
	allowed, ok := ValidRecordTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

func recordEventType(to schema.RecordStatus) string {
	switch to {
	case schema.RecordStatusProcessing:
		return schema.EventStepProcessing
	case schema.RecordStatusCompleted:
		return schema.EventStepCompleted
	case schema.RecordStatusFailed:
		return schema.EventStepFailed
	default:
		return ""
	}
}

// --- Transition tables ---

// ValidCastTransitions defines the allowed state transitions for casts.
// There is no paused or cancelled state: a running cast either finishes or fails.
var ValidCastTransitions = map[schema.CastStatus][]schema.CastStatus{
	schema.CastStatusRunning:   {schema.CastStatusCompleted, schema.CastStatusFailed},
	schema.CastStatusCompleted: {},
	schema.CastStatusFailed:    {},
}

// ValidRecordTransitions defines the allowed state transitions for generation
// records. A pending record may fail directly when dispatch itself fails.
var ValidRecordTransitions = map[schema.RecordStatus][]schema.RecordStatus{
	schema.RecordStatusPending:    {schema.RecordStatusProcessing, schema.RecordStatusCompleted, schema.RecordStatusFailed},
	schema.RecordStatusProcessing: {schema.RecordStatusCompleted, schema.RecordStatusFailed},
	schema.RecordStatusCompleted:  {},
	schema.RecordStatusFailed:     {},
}
