// Package redis implements the durable work queue on Redis. Items live in
// hashes; scheduling state lives in sorted sets keyed by eligibility time and
// lease deadline, so claims and lease recovery are single atomic operations.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/placegrid/harvester/internal/harvest"
)

const (
	defaultPrefix       = "harvest"
	defaultPollInterval = 250 * time.Millisecond
	connectTimeout      = 2 * time.Second

	// priorityLevels is the number of distinct priorities packed into the
	// low bits of a pending score. Millisecond timestamps times 1024 stay
	// well inside float64's exact integer range.
	priorityLevels = 1024
)

// claimScript atomically moves the first eligible pending item to the lease
// set and flips its status. Returning the id and moving it in one script is
// what guarantees an item is in flight to at most one worker.
var claimScript = redis.NewScript(`
local id = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)[1]
if not id then return false end
redis.call('ZREM', KEYS[1], id)
redis.call('ZADD', KEYS[2], ARGV[2], id)
redis.call('HSET', ARGV[3] .. id, 'status', 'in_flight')
return id
`)

// reapScript returns every expired lease to the pending set. ARGV[1] is the
// lease deadline cutoff in milliseconds; ARGV[2] is the packed pending score
// making the reaped items eligible immediately.
var reapScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for _, id in ipairs(ids) do
	redis.call('ZREM', KEYS[1], id)
	redis.call('ZADD', KEYS[2], ARGV[2], id)
	redis.call('HSET', ARGV[3] .. id, 'status', 'pending')
end
return #ids
`)

// Config controls the Redis queue.
type Config struct {
	Addr         string
	Password     string
	DB           int
	Prefix       string
	Visibility   time.Duration
	PollInterval time.Duration
}

// Queue is a Redis-backed implementation of harvest.Queue.
type Queue struct {
	client       *redis.Client
	prefix       string
	visibility   time.Duration
	pollInterval time.Duration
	clock        harvest.Clock
}

// New connects to Redis and verifies the connection.
func New(cfg Config, clock harvest.Clock) (*Queue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewWithClient(client, cfg, clock), nil
}

// NewWithClient wraps an existing client (primarily for testing).
func NewWithClient(client *redis.Client, cfg Config, clock harvest.Clock) *Queue {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = defaultPrefix
	}
	visibility := cfg.Visibility
	if visibility <= 0 {
		visibility = 2 * time.Minute
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	return &Queue{
		client:       client,
		prefix:       prefix,
		visibility:   visibility,
		pollInterval: poll,
		clock:        clock,
	}
}

func (q *Queue) pendingKey() string  { return q.prefix + ":pending" }
func (q *Queue) leasesKey() string   { return q.prefix + ":leases" }
func (q *Queue) deadKey() string     { return q.prefix + ":dead" }
func (q *Queue) itemPrefix() string  { return q.prefix + ":item:" }
func (q *Queue) itemKey(id string) string { return q.itemPrefix() + id }
func (q *Queue) runKey(runID string) string { return q.prefix + ":run:" + runID }

// Enqueue adds an item. HSETNX on the item hash makes this idempotent: a
// second enqueue of the same (run, cell, category) is a no-op reporting false.
func (q *Queue) Enqueue(ctx context.Context, item harvest.WorkItem) (bool, error) {
	item.Status = harvest.StatusPending
	data, err := json.Marshal(item)
	if err != nil {
		return false, fmt.Errorf("marshal work item: %w", err)
	}
	created, err := q.client.HSetNX(ctx, q.itemKey(item.ID), "data", data).Result()
	if err != nil {
		return false, fmt.Errorf("enqueue item: %w", err)
	}
	if !created {
		return false, nil
	}
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.itemKey(item.ID), "status", string(harvest.StatusPending))
	pipe.ZAdd(ctx, q.pendingKey(), redis.Z{Score: q.pendingScore(item), Member: item.ID})
	pipe.SAdd(ctx, q.runKey(item.RunID), item.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("schedule item: %w", err)
	}
	return true, nil
}

// pendingScore packs eligibility and priority into one sortable score: the
// eligibility millisecond shifted up by priorityLevels, with priority in the
// low bits as a tie-breaker. Priority can reorder items within the same
// millisecond but can never pull an item ahead of its eligibility time.
func (q *Queue) pendingScore(item harvest.WorkItem) float64 {
	prio := int64(item.Priority)
	if prio < 0 {
		prio = 0
	}
	if prio > priorityLevels-1 {
		prio = priorityLevels - 1
	}
	return float64(item.NextEligible.UnixMilli()*priorityLevels + (priorityLevels - 1 - prio))
}

// claimCutoff is the highest packed score eligible at now: any priority
// whose eligibility millisecond has passed.
func claimCutoff(now time.Time) int64 {
	return now.UnixMilli()*priorityLevels + priorityLevels - 1
}

// Dequeue claims the next eligible item, polling until one appears or the
// context ends.
func (q *Queue) Dequeue(ctx context.Context) (harvest.WorkItem, error) {
	for {
		now := q.clock.Now()
		deadline := now.Add(q.visibility)
		res, err := claimScript.Run(ctx, q.client,
			[]string{q.pendingKey(), q.leasesKey()},
			claimCutoff(now), deadline.UnixMilli(), q.itemPrefix(),
		).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return harvest.WorkItem{}, fmt.Errorf("claim item: %w", err)
		}
		if id, ok := res.(string); ok && id != "" {
			item, err := q.loadItem(ctx, id)
			if err != nil {
				return harvest.WorkItem{}, err
			}
			item.Status = harvest.StatusInFlight
			item.LeaseDeadline = deadline
			if err := q.saveItem(ctx, item); err != nil {
				return harvest.WorkItem{}, err
			}
			return item, nil
		}
		timer := time.NewTimer(q.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return harvest.WorkItem{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
		case <-timer.C:
		}
	}
}

// Ack marks a leased item succeeded and releases the lease.
func (q *Queue) Ack(ctx context.Context, itemID string) error {
	removed, err := q.client.ZRem(ctx, q.leasesKey(), itemID).Result()
	if err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	if removed == 0 {
		return harvest.ErrItemNotFound
	}
	return q.updateItem(ctx, itemID, func(item *harvest.WorkItem) {
		item.Status = harvest.StatusSucceeded
		item.LeaseDeadline = time.Time{}
	})
}

// Retry returns a leased item to pending, counting the attempt.
func (q *Queue) Retry(ctx context.Context, itemID string, retryAt time.Time, kind harvest.FetchErrorKind) error {
	return q.reschedule(ctx, itemID, retryAt, func(item *harvest.WorkItem) {
		item.Attempt++
		item.LastErrorKind = kind
	})
}

// Release returns a leased item to pending without counting an attempt.
func (q *Queue) Release(ctx context.Context, itemID string, retryAt time.Time) error {
	return q.reschedule(ctx, itemID, retryAt, nil)
}

func (q *Queue) reschedule(ctx context.Context, itemID string, retryAt time.Time, mutate func(*harvest.WorkItem)) error {
	removed, err := q.client.ZRem(ctx, q.leasesKey(), itemID).Result()
	if err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	if removed == 0 {
		return harvest.ErrItemNotFound
	}
	var score float64
	if err := q.updateItem(ctx, itemID, func(item *harvest.WorkItem) {
		if mutate != nil {
			mutate(item)
		}
		item.Status = harvest.StatusPending
		item.NextEligible = retryAt
		item.LeaseDeadline = time.Time{}
		score = q.pendingScore(*item)
	}); err != nil {
		return err
	}
	if err := q.client.ZAdd(ctx, q.pendingKey(), redis.Z{Score: score, Member: itemID}).Err(); err != nil {
		return fmt.Errorf("requeue item: %w", err)
	}
	return nil
}

// DeadLetter parks a leased item in the dead set.
func (q *Queue) DeadLetter(ctx context.Context, itemID string, kind harvest.FetchErrorKind) error {
	removed, err := q.client.ZRem(ctx, q.leasesKey(), itemID).Result()
	if err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	if removed == 0 {
		return harvest.ErrItemNotFound
	}
	if err := q.updateItem(ctx, itemID, func(item *harvest.WorkItem) {
		item.Status = harvest.StatusDeadLettered
		item.LastErrorKind = kind
		item.LeaseDeadline = time.Time{}
	}); err != nil {
		return err
	}
	score := float64(q.clock.Now().UnixMilli())
	if err := q.client.ZAdd(ctx, q.deadKey(), redis.Z{Score: score, Member: itemID}).Err(); err != nil {
		return fmt.Errorf("dead letter item: %w", err)
	}
	return nil
}

// ReapExpired returns items with expired leases to the pending set.
func (q *Queue) ReapExpired(ctx context.Context) (int, error) {
	now := q.clock.Now()
	res, err := reapScript.Run(ctx, q.client,
		[]string{q.leasesKey(), q.pendingKey()},
		now.UnixMilli(), now.UnixMilli()*priorityLevels, q.itemPrefix(),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("reap expired leases: %w", err)
	}
	return res, nil
}

// CancelPending removes every pending item of a run from the schedule.
func (q *Queue) CancelPending(ctx context.Context, runID string) (int, error) {
	ids, err := q.client.SMembers(ctx, q.runKey(runID)).Result()
	if err != nil {
		return 0, fmt.Errorf("list run items: %w", err)
	}
	canceled := 0
	for _, id := range ids {
		removed, err := q.client.ZRem(ctx, q.pendingKey(), id).Result()
		if err != nil {
			return canceled, fmt.Errorf("cancel item %s: %w", id, err)
		}
		if removed == 0 {
			continue
		}
		if err := q.updateItem(ctx, id, func(item *harvest.WorkItem) {
			item.Status = harvest.StatusCanceled
		}); err != nil {
			return canceled, err
		}
		canceled++
	}
	return canceled, nil
}

// ListDeadLetters returns the dead-lettered items belonging to a run.
func (q *Queue) ListDeadLetters(ctx context.Context, runID string) ([]harvest.WorkItem, error) {
	ids, err := q.client.ZRange(ctx, q.deadKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	var out []harvest.WorkItem
	for _, id := range ids {
		item, err := q.loadItem(ctx, id)
		if err != nil {
			return nil, err
		}
		if item.RunID == runID {
			out = append(out, item)
		}
	}
	return out, nil
}

// Resubmit moves a dead-lettered item back to pending with attempt reset.
func (q *Queue) Resubmit(ctx context.Context, itemID string) error {
	removed, err := q.client.ZRem(ctx, q.deadKey(), itemID).Result()
	if err != nil {
		return fmt.Errorf("remove dead letter: %w", err)
	}
	if removed == 0 {
		return harvest.ErrItemNotFound
	}
	var score float64
	if err := q.updateItem(ctx, itemID, func(item *harvest.WorkItem) {
		item.Status = harvest.StatusPending
		item.Attempt = 0
		item.LastErrorKind = ""
		item.NextEligible = q.clock.Now()
		score = q.pendingScore(*item)
	}); err != nil {
		return err
	}
	if err := q.client.ZAdd(ctx, q.pendingKey(), redis.Z{Score: score, Member: itemID}).Err(); err != nil {
		return fmt.Errorf("requeue item: %w", err)
	}
	return nil
}

// Close releases the Redis client.
func (q *Queue) Close() error {
	if err := q.client.Close(); err != nil {
		return fmt.Errorf("close redis client: %w", err)
	}
	return nil
}

func (q *Queue) loadItem(ctx context.Context, itemID string) (harvest.WorkItem, error) {
	fields, err := q.client.HGetAll(ctx, q.itemKey(itemID)).Result()
	if err != nil {
		return harvest.WorkItem{}, fmt.Errorf("load item %s: %w", itemID, err)
	}
	data, ok := fields["data"]
	if !ok {
		return harvest.WorkItem{}, harvest.ErrItemNotFound
	}
	var item harvest.WorkItem
	if err := json.Unmarshal([]byte(data), &item); err != nil {
		return harvest.WorkItem{}, fmt.Errorf("unmarshal item %s: %w", itemID, err)
	}
	// The hash status field is authoritative: the claim and reap scripts
	// update it without rewriting the JSON blob.
	if status, ok := fields["status"]; ok && status != "" {
		item.Status = harvest.WorkItemStatus(status)
	}
	return item, nil
}

func (q *Queue) saveItem(ctx context.Context, item harvest.WorkItem) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal item %s: %w", item.ID, err)
	}
	if err := q.client.HSet(ctx, q.itemKey(item.ID), "data", data, "status", string(item.Status)).Err(); err != nil {
		return fmt.Errorf("save item %s: %w", item.ID, err)
	}
	return nil
}

func (q *Queue) updateItem(ctx context.Context, itemID string, mutate func(*harvest.WorkItem)) error {
	item, err := q.loadItem(ctx, itemID)
	if err != nil {
		return err
	}
	mutate(&item)
	return q.saveItem(ctx, item)
}
