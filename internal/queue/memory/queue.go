// Package memory provides an in-process queue for tests and local development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/placegrid/harvester/internal/harvest"
)

const defaultPollInterval = 25 * time.Millisecond

// Queue is an in-memory lease queue with the same semantics as the Redis
// implementation: exclusive leases with a visibility deadline, scheduled
// retries, and a dead-letter pool.
type Queue struct {
	mu         sync.Mutex
	items      map[string]*harvest.WorkItem
	closed     bool
	visibility time.Duration
	clock      harvest.Clock
	notify     chan struct{}
}

// New constructs a Queue with the provided visibility timeout.
func New(visibility time.Duration, clock harvest.Clock) *Queue {
	return &Queue{
		items:      make(map[string]*harvest.WorkItem),
		visibility: visibility,
		clock:      clock,
		notify:     make(chan struct{}, 1),
	}
}

// Enqueue adds an item, idempotent on the item ID. Reports whether the item
// was newly inserted.
func (q *Queue) Enqueue(_ context.Context, item harvest.WorkItem) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false, harvest.ErrQueueClosed
	}
	if _, exists := q.items[item.ID]; exists {
		return false, nil
	}
	item.Status = harvest.StatusPending
	q.items[item.ID] = &item
	q.signal()
	return true, nil
}

// Dequeue leases the next eligible pending item, blocking until one becomes
// available or the context ends. Priority orders eligible items, then
// eligibility time, then ID.
func (q *Queue) Dequeue(ctx context.Context) (harvest.WorkItem, error) {
	for {
		item, wait, err := q.tryClaim()
		if err != nil {
			return harvest.WorkItem{}, err
		}
		if item != nil {
			return *item, nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return harvest.WorkItem{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
		case <-q.notify:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (q *Queue) tryClaim() (*harvest.WorkItem, time.Duration, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, 0, harvest.ErrQueueClosed
	}
	now := q.clock.Now()

	var eligible []*harvest.WorkItem
	wait := defaultPollInterval
	for _, item := range q.items {
		if item.Status != harvest.StatusPending {
			continue
		}
		if item.NextEligible.After(now) {
			if until := item.NextEligible.Sub(now); until < wait {
				wait = until
			}
			continue
		}
		eligible = append(eligible, item)
	}
	if len(eligible) == 0 {
		return nil, wait, nil
	}
	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].Priority != eligible[j].Priority {
			return eligible[i].Priority > eligible[j].Priority
		}
		if !eligible[i].NextEligible.Equal(eligible[j].NextEligible) {
			return eligible[i].NextEligible.Before(eligible[j].NextEligible)
		}
		return eligible[i].ID < eligible[j].ID
	})

	claimed := eligible[0]
	claimed.Status = harvest.StatusInFlight
	claimed.LeaseDeadline = now.Add(q.visibility)
	out := *claimed
	return &out, 0, nil
}

// Ack marks a leased item succeeded.
func (q *Queue) Ack(_ context.Context, itemID string) error {
	return q.transition(itemID, harvest.StatusInFlight, func(item *harvest.WorkItem) {
		item.Status = harvest.StatusSucceeded
		item.LeaseDeadline = time.Time{}
	})
}

// Retry returns a leased item to pending with an incremented attempt count.
func (q *Queue) Retry(_ context.Context, itemID string, retryAt time.Time, kind harvest.FetchErrorKind) error {
	return q.transition(itemID, harvest.StatusInFlight, func(item *harvest.WorkItem) {
		item.Status = harvest.StatusPending
		item.Attempt++
		item.NextEligible = retryAt
		item.LastErrorKind = kind
		item.LeaseDeadline = time.Time{}
	})
}

// Release returns a leased item to pending without counting an attempt.
func (q *Queue) Release(_ context.Context, itemID string, retryAt time.Time) error {
	return q.transition(itemID, harvest.StatusInFlight, func(item *harvest.WorkItem) {
		item.Status = harvest.StatusPending
		item.NextEligible = retryAt
		item.LeaseDeadline = time.Time{}
	})
}

// DeadLetter parks a leased item for manual resubmission.
func (q *Queue) DeadLetter(_ context.Context, itemID string, kind harvest.FetchErrorKind) error {
	return q.transition(itemID, harvest.StatusInFlight, func(item *harvest.WorkItem) {
		item.Status = harvest.StatusDeadLettered
		item.LastErrorKind = kind
		item.LeaseDeadline = time.Time{}
	})
}

// ReapExpired returns expired leases to pending.
func (q *Queue) ReapExpired(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0, harvest.ErrQueueClosed
	}
	now := q.clock.Now()
	reaped := 0
	for _, item := range q.items {
		if item.Status == harvest.StatusInFlight && !item.LeaseDeadline.After(now) {
			item.Status = harvest.StatusPending
			item.NextEligible = now
			item.LeaseDeadline = time.Time{}
			reaped++
		}
	}
	if reaped > 0 {
		q.signal()
	}
	return reaped, nil
}

// CancelPending cancels all pending items for a run. Leased items finish.
func (q *Queue) CancelPending(_ context.Context, runID string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0, harvest.ErrQueueClosed
	}
	canceled := 0
	for _, item := range q.items {
		if item.RunID == runID && item.Status == harvest.StatusPending {
			item.Status = harvest.StatusCanceled
			canceled++
		}
	}
	return canceled, nil
}

// ListDeadLetters returns dead-lettered items for a run, ordered by ID.
func (q *Queue) ListDeadLetters(_ context.Context, runID string) ([]harvest.WorkItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, harvest.ErrQueueClosed
	}
	var out []harvest.WorkItem
	for _, item := range q.items {
		if item.RunID == runID && item.Status == harvest.StatusDeadLettered {
			out = append(out, *item)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Resubmit moves a dead-lettered item back to pending with attempt reset.
func (q *Queue) Resubmit(_ context.Context, itemID string) error {
	return q.transition(itemID, harvest.StatusDeadLettered, func(item *harvest.WorkItem) {
		item.Status = harvest.StatusPending
		item.Attempt = 0
		item.NextEligible = q.clock.Now()
		item.LastErrorKind = ""
	})
}

// Close shuts the queue down; further operations fail with ErrQueueClosed.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.signal()
	return nil
}

// Item returns a snapshot of an item by ID, for tests and inspection.
func (q *Queue) Item(itemID string) (harvest.WorkItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.items[itemID]
	if !ok {
		return harvest.WorkItem{}, false
	}
	return *item, true
}

func (q *Queue) transition(itemID string, from harvest.WorkItemStatus, apply func(*harvest.WorkItem)) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return harvest.ErrQueueClosed
	}
	item, ok := q.items[itemID]
	if !ok {
		return harvest.ErrItemNotFound
	}
	if item.Status != from {
		return fmt.Errorf("item %s is %s, expected %s", itemID, item.Status, from)
	}
	apply(item)
	if item.Status == harvest.StatusPending {
		q.signal()
	}
	return nil
}

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
