// Package scheduler implements the work item execution loop: lease an item,
// run the provider search, archive the payload, resolve candidates into
// places, record coverage and decide retry, dead-letter or subdivision.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/placegrid/harvester/internal/harvest"
	"github.com/placegrid/harvester/internal/metrics"
)

// Resolver turns raw candidates into canonical place rows.
type Resolver interface {
	ResolveAll(ctx context.Context, candidates []harvest.CandidatePlace) ([]harvest.UpsertOutcome, error)
}

// CoverageMarker records that a (cell, category) search finished.
type CoverageMarker interface {
	MarkComplete(ctx context.Context, item harvest.WorkItem, foundCount int, needsSubdivision bool) error
}

// Subdivider splits a saturated cell into finer-resolution children.
type Subdivider interface {
	Children(cell harvest.Cell, finerResolution int) ([]harvest.Cell, error)
}

// Config controls Worker behavior.
type Config struct {
	// ProviderResultCap is the provider's hard ceiling on results per
	// search. A successful fetch returning this many candidates is treated
	// as truncated and the cell is subdivided.
	ProviderResultCap int

	// MaxSubdivideResolution bounds how fine subdivision may go. Saturated
	// cells already at this resolution are recorded as-is.
	MaxSubdivideResolution int

	// StoreRetries is how many times a transient store failure is retried
	// in place before the item is released and the run paused.
	StoreRetries int

	// StoreRetryDelay separates in-place store retries.
	StoreRetryDelay time.Duration

	// BlobPrefix prefixes archived payload paths.
	BlobPrefix string

	// Topic, when set, receives a discovery event per completed item.
	Topic string

	// ContentType is the archived payload content type.
	ContentType string
}

func (c Config) withDefaults() Config {
	if c.ProviderResultCap <= 0 {
		c.ProviderResultCap = 100
	}
	if c.MaxSubdivideResolution <= 0 {
		c.MaxSubdivideResolution = 12
	}
	if c.StoreRetries <= 0 {
		c.StoreRetries = 3
	}
	if c.StoreRetryDelay <= 0 {
		c.StoreRetryDelay = 2 * time.Second
	}
	if c.ContentType == "" {
		c.ContentType = "text/html; charset=utf-8"
	}
	return c
}

// Worker consumes leased work items and executes the harvest pipeline.
type Worker struct {
	queue     harvest.Queue
	adapter   harvest.Adapter
	resolver  Resolver
	coverage  CoverageMarker
	grid      Subdivider
	runs      harvest.RunStore
	blobStore harvest.BlobStore
	publisher harvest.Publisher
	hasher    harvest.Hasher
	clock     harvest.Clock
	policy    *RetryPolicy
	limiter   *rate.Limiter
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Worker. The limiter paces provider requests across all
// items this worker processes; pass nil to disable pacing.
func New(
	queue harvest.Queue,
	adapter harvest.Adapter,
	resolver Resolver,
	coverage CoverageMarker,
	grid Subdivider,
	runs harvest.RunStore,
	blobStore harvest.BlobStore,
	publisher harvest.Publisher,
	hasher harvest.Hasher,
	clock harvest.Clock,
	policy *RetryPolicy,
	limiter *rate.Limiter,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	return &Worker{
		queue:     queue,
		adapter:   adapter,
		resolver:  resolver,
		coverage:  coverage,
		grid:      grid,
		runs:      runs,
		blobStore: blobStore,
		publisher: publisher,
		hasher:    hasher,
		clock:     clock,
		policy:    policy,
		limiter:   limiter,
		cfg:       cfg.withDefaults(),
		logger:    logger,
	}
}

// Run blocks, consuming queue items until the context finishes.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, harvest.ErrQueueClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued work item", zap.String("item_id", item.ID))
		metrics.IncActiveWorkers()
		w.processItem(ctx, item)
		metrics.DecActiveWorkers()
	}
}

func (w *Worker) processItem(ctx context.Context, item harvest.WorkItem) {
	if err := w.waitForSlot(ctx); err != nil {
		// Shutting down mid-lease; the reaper returns the item to pending.
		return
	}

	start := w.clock.Now()
	result, err := w.adapter.Execute(ctx, item)
	if err != nil {
		w.handleFetchFailure(ctx, item, result, err)
		return
	}
	metrics.ObserveFetch("ok", w.clock.Now().Sub(start))

	saturated := len(result.Candidates) >= w.cfg.ProviderResultCap
	w.finishItem(ctx, item, result, saturated)
}

func (w *Worker) waitForSlot(ctx context.Context) error {
	if w.limiter == nil {
		return nil
	}
	start := time.Now()
	if err := w.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(waited)
	}
	return nil
}

func (w *Worker) handleFetchFailure(ctx context.Context, item harvest.WorkItem, result harvest.FetchResult, err error) {
	fe, ok := harvest.AsFetchError(err)
	if !ok {
		if ctx.Err() != nil {
			return
		}
		// Unclassified adapter failures are paced like timeouts.
		fe = harvest.NewFetchError(harvest.FetchTimeout, err)
	}
	metrics.ObserveFetch(string(fe.Kind), 0)

	if fe.Kind == harvest.FetchResultCapExceeded {
		// Not a failure: the cell holds more places than one search can
		// return. Keep whatever the truncated page yielded and subdivide.
		w.finishItem(ctx, item, result, true)
		return
	}

	// Keep the fetched page when there is one, so a dead-lettered parse
	// failure can be diagnosed from the archived payload.
	if len(result.Payload) > 0 {
		if _, aerr := w.archivePayload(ctx, item, result.Payload); aerr != nil {
			w.logger.Warn("failed payload archive", zap.String("item_id", item.ID), zap.Error(aerr))
		}
	}

	if w.policy.ShouldRetry(fe.Kind, item.Attempt+1) {
		retryAt := w.clock.Now().Add(w.policy.Backoff(item.Attempt))
		if qerr := w.queue.Retry(ctx, item.ID, retryAt, fe.Kind); qerr != nil {
			w.logger.Error("retry scheduling failed", zap.String("item_id", item.ID), zap.Error(qerr))
			return
		}
		metrics.ObserveItem("retried")
		w.logger.Warn("work item failed, retrying",
			zap.String("item_id", item.ID),
			zap.String("kind", string(fe.Kind)),
			zap.Int("attempt", item.Attempt+1),
			zap.Time("retry_at", retryAt),
			zap.Error(fe.Err),
		)
		return
	}

	if qerr := w.queue.DeadLetter(ctx, item.ID, fe.Kind); qerr != nil {
		w.logger.Error("dead-letter failed", zap.String("item_id", item.ID), zap.Error(qerr))
		return
	}
	metrics.ObserveItem("dead_lettered")
	w.logger.Error("work item dead-lettered",
		zap.String("item_id", item.ID),
		zap.String("kind", string(fe.Kind)),
		zap.Int("attempt", item.Attempt+1),
		zap.Error(fe.Err),
	)
}

// finishItem runs the success path: archive, resolve, record coverage, ack
// and publish. When saturated is set the cell is also subdivided.
func (w *Worker) finishItem(ctx context.Context, item harvest.WorkItem, result harvest.FetchResult, saturated bool) {
	blobURI, err := w.archivePayload(ctx, item, result.Payload)
	if err != nil {
		w.persistFailure(ctx, item, fmt.Errorf("archiving payload: %w", err))
		return
	}

	var inserted, merged int
	if len(result.Candidates) > 0 {
		outcomes, err := w.resolveWithRetries(ctx, result.Candidates)
		if err != nil {
			w.persistFailure(ctx, item, fmt.Errorf("resolving candidates: %w", err))
			return
		}
		for _, outcome := range outcomes {
			metrics.ObservePlace(string(outcome))
			switch outcome {
			case harvest.OutcomeInserted:
				inserted++
			case harvest.OutcomeMerged:
				merged++
			}
		}
	}

	if saturated {
		w.subdivide(ctx, item)
	}

	if err := w.markCoverageWithRetries(ctx, item, len(result.Candidates), saturated); err != nil {
		w.persistFailure(ctx, item, fmt.Errorf("recording coverage: %w", err))
		return
	}

	if err := w.queue.Ack(ctx, item.ID); err != nil {
		w.logger.Error("ack failed", zap.String("item_id", item.ID), zap.Error(err))
		return
	}
	metrics.ObserveItem("succeeded")

	w.publishEvent(ctx, item, blobURI, len(result.Candidates), inserted, merged)

	w.logger.Info("work item completed",
		zap.String("item_id", item.ID),
		zap.String("cell", item.Cell.Token),
		zap.String("category", item.Category.Name),
		zap.Int("found", len(result.Candidates)),
		zap.Int("inserted", inserted),
		zap.Int("merged", merged),
		zap.Bool("subdivided", saturated),
	)
}

// subdivide enqueues the cell's children at the next finer resolution for
// the same category. Cells already at the resolution floor are recorded
// saturated without children; their coverage flag keeps them out of the
// covered set so a later run with a finer limit can revisit them.
func (w *Worker) subdivide(ctx context.Context, item harvest.WorkItem) {
	finer := item.Cell.Resolution + 1
	if finer > w.cfg.MaxSubdivideResolution {
		w.logger.Warn("saturated cell at resolution floor",
			zap.String("cell", item.Cell.Token),
			zap.String("category", item.Category.Name),
		)
		return
	}

	children, err := w.grid.Children(item.Cell, finer)
	if err != nil {
		w.logger.Error("cell subdivision failed", zap.String("cell", item.Cell.Token), zap.Error(err))
		return
	}

	now := w.clock.Now()
	added := 0
	for _, child := range children {
		childItem := harvest.WorkItem{
			ID:           harvest.WorkItemID(item.RunID, child.Token, item.Category.Name),
			RunID:        item.RunID,
			Cell:         child,
			Category:     item.Category,
			Status:       harvest.StatusPending,
			Priority:     item.Priority,
			NextEligible: now,
			EnqueuedAt:   now,
		}
		inserted, err := w.queue.Enqueue(ctx, childItem)
		if err != nil {
			w.logger.Error("child enqueue failed", zap.String("item_id", childItem.ID), zap.Error(err))
			continue
		}
		if inserted {
			added++
		}
	}
	// Grow the run's expected total so progress tracking accounts for the
	// children before the parent's coverage row lands.
	if added > 0 {
		err := w.withStoreRetries(ctx, func() error {
			return w.runs.IncrementItemCount(ctx, item.RunID, added)
		})
		if err != nil {
			w.logger.Error("item count increment failed",
				zap.String("run_id", item.RunID),
				zap.Int("added", added),
				zap.Error(err),
			)
		}
	}
	metrics.ObserveSubdivision()
	w.logger.Info("subdivided saturated cell",
		zap.String("cell", item.Cell.Token),
		zap.String("category", item.Category.Name),
		zap.Int("children", len(children)),
	)
}

func (w *Worker) archivePayload(ctx context.Context, item harvest.WorkItem, payload []byte) (string, error) {
	if len(payload) == 0 || w.blobStore == nil {
		return "", nil
	}
	hash, err := w.hasher.Hash(payload)
	if err != nil {
		return "", fmt.Errorf("hashing payload: %w", err)
	}
	uri, err := w.blobStore.PutObject(ctx, w.buildBlobPath(item, hash), w.cfg.ContentType, payload)
	if err != nil {
		return "", fmt.Errorf("putting object: %w", err)
	}
	return uri, nil
}

func (w *Worker) buildBlobPath(item harvest.WorkItem, hash string) string {
	leaf := fmt.Sprintf("%s/%s/%s-%s.html", item.RunID, item.Cell.Token, item.Category.Name, hash)
	prefix := strings.Trim(w.cfg.BlobPrefix, "/")
	if prefix == "" {
		return leaf
	}
	return prefix + "/" + leaf
}

// resolveWithRetries retries transient store failures in place so one
// flapping connection does not burn the item's attempt budget.
func (w *Worker) resolveWithRetries(ctx context.Context, candidates []harvest.CandidatePlace) ([]harvest.UpsertOutcome, error) {
	var outcomes []harvest.UpsertOutcome
	err := w.withStoreRetries(ctx, func() error {
		var rerr error
		outcomes, rerr = w.resolver.ResolveAll(ctx, candidates)
		return rerr
	})
	return outcomes, err
}

func (w *Worker) markCoverageWithRetries(ctx context.Context, item harvest.WorkItem, found int, saturated bool) error {
	return w.withStoreRetries(ctx, func() error {
		return w.coverage.MarkComplete(ctx, item, found, saturated)
	})
}

func (w *Worker) withStoreRetries(ctx context.Context, op func() error) error {
	var err error
	for attempt := 0; attempt < w.cfg.StoreRetries; attempt++ {
		err = op()
		if err == nil || !errors.Is(err, harvest.ErrStoreUnavailable) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.cfg.StoreRetryDelay):
		}
	}
	return err
}

// persistFailure routes a post-fetch persistence error. A store outage,
// still failing after in-place retries, is on our side: the item goes back
// to pending with no attempt burned and the run pauses. Any other error is
// the item's own data refusing to persist, so it follows the structural
// retry policy and eventually dead-letters instead of wedging the run.
func (w *Worker) persistFailure(ctx context.Context, item harvest.WorkItem, err error) {
	if ctx.Err() != nil {
		return
	}
	if errors.Is(err, harvest.ErrStoreUnavailable) {
		w.releaseAndPause(ctx, item, err)
		return
	}
	w.handleFetchFailure(ctx, item, harvest.FetchResult{}, harvest.NewFetchError(harvest.FetchParseFailure, err))
}

// releaseAndPause returns the item to pending without burning an attempt and
// pauses the run. The failure is on our side, not the item's.
func (w *Worker) releaseAndPause(ctx context.Context, item harvest.WorkItem, cause error) {
	w.logger.Error("persistence failed, releasing item and pausing run",
		zap.String("item_id", item.ID),
		zap.String("run_id", item.RunID),
		zap.Error(cause),
	)
	retryAt := w.clock.Now().Add(w.cfg.StoreRetryDelay * time.Duration(w.cfg.StoreRetries))
	if err := w.queue.Release(ctx, item.ID, retryAt); err != nil {
		w.logger.Error("release failed", zap.String("item_id", item.ID), zap.Error(err))
	}
	if err := w.runs.UpdateRunStatus(ctx, item.RunID, harvest.RunStatusPaused, cause.Error()); err != nil {
		w.logger.Error("run pause failed", zap.String("run_id", item.RunID), zap.Error(err))
	}
	metrics.ObserveItem("released")
}

func (w *Worker) publishEvent(ctx context.Context, item harvest.WorkItem, blobURI string, found, inserted, merged int) {
	if w.cfg.Topic == "" || w.publisher == nil {
		return
	}
	payload := map[string]any{
		"run_id":    item.RunID,
		"item_id":   item.ID,
		"cell":      item.Cell.Token,
		"category":  item.Category.Name,
		"found":     found,
		"inserted":  inserted,
		"merged":    merged,
		"blob_uri":  blobURI,
		"timestamp": w.clock.Now().Format(time.RFC3339),
	}
	if _, err := w.publisher.Publish(ctx, w.cfg.Topic, payload); err != nil {
		w.logger.Warn("event publish failed", zap.String("item_id", item.ID), zap.Error(err))
	}
}
