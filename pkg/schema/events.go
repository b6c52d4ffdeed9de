package schema

// Event type constants for the cast event log.
const (
	EventCastStarted   = "cast_started"
	EventCastCompleted = "cast_completed"
	EventCastFailed    = "cast_failed"

	EventStepDispatched = "step_dispatched"
	EventStepProcessing = "step_processing"
	EventStepCompleted  = "step_completed"
	EventStepFailed     = "step_failed"
	EventStepTimedOut   = "step_timed_out"

	EventContinuationDuplicate = "continuation_duplicate"

	EventNotificationSent    = "notification_sent"
	EventNotificationDropped = "notification_dropped"
	EventNotificationSkipped = "notification_skipped"

	EventScheduledCastFired = "scheduled_cast_fired"
)

// CastStatus represents the lifecycle state of a cast.
type CastStatus string

const (
	CastStatusRunning   CastStatus = "running"
	CastStatusCompleted CastStatus = "completed"
	CastStatusFailed    CastStatus = "failed"
)

// Terminal reports whether the cast status is final.
func (s CastStatus) Terminal() bool {
	return s == CastStatusCompleted || s == CastStatusFailed
}

// RecordStatus represents the lifecycle state of a generation record.
type RecordStatus string

const (
	RecordStatusPending    RecordStatus = "pending"
	RecordStatusProcessing RecordStatus = "processing"
	RecordStatusCompleted  RecordStatus = "completed"
	RecordStatusFailed     RecordStatus = "failed"
)

// Terminal reports whether the record status is final.
func (s RecordStatus) Terminal() bool {
	return s == RecordStatusCompleted || s == RecordStatusFailed
}

// DeliveryStatus tracks notification delivery for a generation record.
type DeliveryStatus string

const (
	DeliveryPending DeliveryStatus = "pending"
	DeliverySent    DeliveryStatus = "sent"
	DeliveryDropped DeliveryStatus = "dropped"
	DeliverySkipped DeliveryStatus = "skipped"
)

// DeliveryKind distinguishes intermediate from final notifications.
type DeliveryKind string

const (
	DeliveryStepProgress DeliveryKind = "step_progress"
	DeliveryFinal        DeliveryKind = "final"
)
