package harvest

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced across component boundaries.
var (
	// ErrInvalidRegion rejects malformed regions before any cell is produced.
	ErrInvalidRegion = errors.New("invalid region")

	// ErrRunNotFound is returned when a run ID does not resolve.
	ErrRunNotFound = errors.New("run not found")

	// ErrAlreadyRunning is returned when a region already has an active run.
	ErrAlreadyRunning = errors.New("region already has an active run")

	// ErrItemNotFound is returned by queue operations on unknown item IDs.
	ErrItemNotFound = errors.New("work item not found")

	// ErrPlaceNotFound is returned by place lookups on unknown identity keys.
	ErrPlaceNotFound = errors.New("place not found")

	// ErrQueueClosed is returned by queue operations after shutdown.
	ErrQueueClosed = errors.New("queue closed")

	// ErrQueueEmpty is returned by a non-blocking dequeue with nothing eligible.
	ErrQueueEmpty = errors.New("no eligible work item")

	// ErrStoreUnavailable wraps transient persistence failures. The scheduler
	// retries these at the operation level and pauses the run past a ceiling.
	ErrStoreUnavailable = errors.New("store unavailable")
)

// FetchErrorKind is the closed set of typed adapter failures. The core only
// ever branches on the kind, never on provider-specific error text.
type FetchErrorKind string

// Adapter failure kinds.
const (
	FetchRateLimited       FetchErrorKind = "rate_limited"
	FetchBlocked           FetchErrorKind = "blocked"
	FetchTimeout           FetchErrorKind = "timeout"
	FetchParseFailure      FetchErrorKind = "parse_failure"
	FetchResultCapExceeded FetchErrorKind = "result_cap_exceeded"
)

// FetchError is the typed failure returned by the fetch/parse adapter.
type FetchError struct {
	Kind FetchErrorKind
	Err  error
}

// NewFetchError wraps err with a kind.
func NewFetchError(kind FetchErrorKind, err error) *FetchError {
	return &FetchError{Kind: kind, Err: err}
}

func (e *FetchError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

// Unwrap exposes the underlying cause.
func (e *FetchError) Unwrap() error { return e.Err }

// Transient reports whether the failure should feed the full backoff path.
// Blocked and parse failures are likely structural and get a lower attempt
// ceiling; the result cap is a subdivision signal, not a failure.
func (e *FetchError) Transient() bool {
	return e.Kind == FetchRateLimited || e.Kind == FetchTimeout
}

// Structural reports whether the failure should use the reduced ceiling.
func (e *FetchError) Structural() bool {
	return e.Kind == FetchBlocked || e.Kind == FetchParseFailure
}

// AsFetchError extracts a *FetchError from an error chain.
func AsFetchError(err error) (*FetchError, bool) {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}
