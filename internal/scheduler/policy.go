package scheduler

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"

	"github.com/placegrid/harvester/internal/harvest"
)

// Retry policy defaults. Transient failures (rate limits, timeouts) get the
// full attempt ceiling; structural failures (blocked, parse) retry fewer
// times because there is rarely a recovery until a human intervenes.
const (
	DefaultMaxAttempts           = 5
	DefaultStructuralMaxAttempts = 2
	DefaultBaseDelay             = 2 * time.Second
	DefaultMaxDelay              = 5 * time.Minute
)

// RetryPolicy decides retry eligibility and backoff for failed work items.
type RetryPolicy struct {
	maxAttempts           int
	structuralMaxAttempts int
	baseDelay             time.Duration
	maxDelay              time.Duration
}

// NewRetryPolicy builds a policy, applying defaults for zero values.
func NewRetryPolicy(maxAttempts, structuralMaxAttempts int, baseDelay, maxDelay time.Duration) *RetryPolicy {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if structuralMaxAttempts <= 0 {
		structuralMaxAttempts = DefaultStructuralMaxAttempts
	}
	if baseDelay <= 0 {
		baseDelay = DefaultBaseDelay
	}
	if maxDelay <= 0 {
		maxDelay = DefaultMaxDelay
	}
	return &RetryPolicy{
		maxAttempts:           maxAttempts,
		structuralMaxAttempts: structuralMaxAttempts,
		baseDelay:             baseDelay,
		maxDelay:              maxDelay,
	}
}

// ShouldRetry reports whether an item that has already consumed attempt
// attempts may try again after a failure of the given kind.
func (p *RetryPolicy) ShouldRetry(kind harvest.FetchErrorKind, attempt int) bool {
	ceiling := p.maxAttempts
	if kind == harvest.FetchBlocked || kind == harvest.FetchParseFailure {
		ceiling = p.structuralMaxAttempts
	}
	return attempt < ceiling
}

// Backoff returns the jittered wait before the next attempt. Successive
// delays are strictly non-decreasing below the ceiling: the minimum jittered
// delay for attempt n equals the maximum for attempt n-1.
func (p *RetryPolicy) Backoff(attempt int) time.Duration {
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	jitter := randomJitter(time.Duration(delay) / 2)
	return time.Duration(delay/2) + jitter
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	bound := big.NewInt(int64(limit))
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
