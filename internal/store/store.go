package store

import "context"

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Casts
	CreateCast(ctx context.Context, cast *Cast) error
	GetCast(ctx context.Context, id string) (*Cast, error)
	UpdateCast(ctx context.Context, id string, update CastUpdate) error
	AppendStepRecordID(ctx context.Context, castID, recordID string) error
	ListCasts(ctx context.Context, filter CastFilter) ([]*Cast, error)

	// Generation records
	CreateRecord(ctx context.Context, rec *GenerationRecord) error
	GetRecord(ctx context.Context, id string) (*GenerationRecord, error)
	GetRecordByJobHandle(ctx context.Context, jobHandle string) (*GenerationRecord, error)
	GetRecordsByIDs(ctx context.Context, ids []string) ([]*GenerationRecord, error)
	UpdateRecord(ctx context.Context, id string, update RecordUpdate) error
	ListRecordsByCast(ctx context.Context, castID string) ([]*GenerationRecord, error)

	// Continuation claims. ClaimContinuation atomically marks a record's
	// continuation as taken and reports whether this caller won the claim.
	// The claim must be a compare-and-set against persistent storage: the
	// poller and the webhook handler may race from different processes.
	ClaimContinuation(ctx context.Context, recordID string) (bool, error)

	// Event log (append-only)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, castID string, since int64) ([]*Event, error)

	// Scheduled casts
	CreateScheduledCast(ctx context.Context, job *ScheduledCast) error
	GetScheduledCast(ctx context.Context, id string) (*ScheduledCast, error)
	UpdateScheduledCast(ctx context.Context, id string, update ScheduledCastUpdate) error
	ListScheduledCasts(ctx context.Context, filter ScheduledCastFilter) ([]*ScheduledCast, error)
	DeleteScheduledCast(ctx context.Context, id string) error

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}
