package notify

import "context"

// StreamEvent is a real-time event emitted during cast execution. The HTTP
// SSE endpoint and websocket attachments both consume these.
type StreamEvent struct {
	CastID    string `json:"cast_id"`
	RecordID  string `json:"record_id,omitempty"`
	EventType string `json:"event_type"`
	Payload   any    `json:"payload,omitempty"`
}

// EventFilter specifies which events a subscriber wants to receive.
type EventFilter struct {
	CastID     string   `json:"cast_id,omitempty"`
	EventTypes []string `json:"event_types,omitempty"`
}

// matches reports whether the event passes the filter. A zero filter matches
// everything.
func (f EventFilter) matches(e StreamEvent) bool {
	if f.CastID != "" && f.CastID != e.CastID {
		return false
	}
	if len(f.EventTypes) == 0 {
		return true
	}
	for _, t := range f.EventTypes {
		if t == e.EventType {
			return true
		}
	}
	return false
}

// EventHub provides pub/sub for real-time cast events.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}
