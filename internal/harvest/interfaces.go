package harvest

import (
	"context"
	"time"
)

// Queue provides durable lease-based scheduling for work items. A dequeued
// item is exclusively leased until acked, retried, dead-lettered, or reaped
// after its visibility deadline expires.
type Queue interface {
	// Enqueue adds an item and reports whether it was newly inserted.
	// Idempotent on the item ID: re-enqueueing an existing
	// (run, cell, category) is a no-op returning false.
	Enqueue(ctx context.Context, item WorkItem) (bool, error)

	// Dequeue leases the next eligible pending item, blocking until one is
	// available or the context ends.
	Dequeue(ctx context.Context) (WorkItem, error)

	// Ack marks a leased item succeeded and releases the lease.
	Ack(ctx context.Context, itemID string) error

	// Retry returns a leased item to pending with an incremented attempt
	// count, eligible again at retryAt.
	Retry(ctx context.Context, itemID string, retryAt time.Time, kind FetchErrorKind) error

	// Release returns a leased item to pending without counting an attempt.
	// Used when the failure was ours (store down), not the item's.
	Release(ctx context.Context, itemID string, retryAt time.Time) error

	// DeadLetter parks a leased item for manual resubmission. Dead-lettered
	// items are never auto-retried.
	DeadLetter(ctx context.Context, itemID string, kind FetchErrorKind) error

	// ReapExpired returns items whose lease deadline passed to pending and
	// reports how many were recovered.
	ReapExpired(ctx context.Context) (int, error)

	// CancelPending removes all pending items for a run. Leased items are
	// left to finish.
	CancelPending(ctx context.Context, runID string) (int, error)

	// ListDeadLetters returns the dead-lettered items for a run.
	ListDeadLetters(ctx context.Context, runID string) ([]WorkItem, error)

	// Resubmit moves a dead-lettered item back to pending with a reset
	// attempt count.
	Resubmit(ctx context.Context, itemID string) error

	Close() error
}

// Adapter executes one search against the map provider and extracts candidate
// records. Failures are typed *FetchError values; the adapter is stateless
// from the core's perspective.
type Adapter interface {
	Execute(ctx context.Context, item WorkItem) (FetchResult, error)
}

// PlaceStore persists canonical places. Upsert must be atomic per identity
// key so two workers resolving the same place concurrently merge instead of
// duplicating.
type PlaceStore interface {
	Upsert(ctx context.Context, place Place) (UpsertOutcome, error)
	Get(ctx context.Context, key string) (Place, error)
}

// CoverageStore persists coverage records keyed by (cell, category).
type CoverageStore interface {
	MarkComplete(ctx context.Context, rec CoverageRecord) error
	Get(ctx context.Context, cellToken, category string) (CoverageRecord, bool, error)
	ListStale(ctx context.Context, olderThan time.Time) ([]CoverageRecord, error)
	CountForRun(ctx context.Context, runID string) (int, error)
}

// RunStore persists run metadata.
type RunStore interface {
	CreateRun(ctx context.Context, run Run) error
	GetRun(ctx context.Context, runID string) (Run, error)
	UpdateRunStatus(ctx context.Context, runID string, status RunStatus, message string) error

	// IncrementItemCount grows a run's expected item total, used when
	// subdivision enqueues child items after submission.
	IncrementItemCount(ctx context.Context, runID string, delta int) error

	ActiveRun(ctx context.Context, regionKey string) (Run, bool, error)
}

// BlobStore archives raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes discovery events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests for payload archival paths.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
