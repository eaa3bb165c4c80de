// Package coverage tracks which (cell, category) pairs have been searched,
// so interrupted or repeated runs skip work that is already done.
package coverage

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/placegrid/harvester/internal/harvest"
)

// Tracker wraps a CoverageStore with the freshness and subdivision rules
// the generator and scheduler care about.
type Tracker struct {
	store  harvest.CoverageStore
	clock  harvest.Clock
	logger *zap.Logger
}

// New creates a Tracker over store.
func New(store harvest.CoverageStore, clock harvest.Clock, logger *zap.Logger) *Tracker {
	return &Tracker{store: store, clock: clock, logger: logger}
}

// MarkComplete records that a (cell, category) search finished. When the
// found count reached the provider result cap the record is flagged for
// subdivision instead of counting as covered.
func (t *Tracker) MarkComplete(ctx context.Context, item harvest.WorkItem, foundCount int, needsSubdivision bool) error {
	rec := harvest.CoverageRecord{
		CellToken:        item.Cell.Token,
		Category:         item.Category.Name,
		RunID:            item.RunID,
		CompletedAt:      t.clock.Now().UTC(),
		FoundCount:       foundCount,
		NeedsSubdivision: needsSubdivision,
	}
	if err := t.store.MarkComplete(ctx, rec); err != nil {
		return fmt.Errorf("marking coverage for %s/%s: %w", rec.CellToken, rec.Category, err)
	}
	if needsSubdivision {
		t.logger.Info("cell saturated provider result cap",
			zap.String("cell", rec.CellToken),
			zap.String("category", rec.Category),
			zap.Int("found", foundCount),
		)
	}
	return nil
}

// IsCovered reports whether a (cell, category) pair was completed within
// maxAge and does not need subdivision. A zero maxAge means records never
// go stale.
func (t *Tracker) IsCovered(ctx context.Context, cellToken, category string, maxAge time.Duration) (bool, error) {
	rec, ok, err := t.store.Get(ctx, cellToken, category)
	if err != nil {
		return false, fmt.Errorf("reading coverage for %s/%s: %w", cellToken, category, err)
	}
	if !ok || rec.NeedsSubdivision {
		return false, nil
	}
	if maxAge > 0 && t.clock.Now().Sub(rec.CompletedAt) > maxAge {
		return false, nil
	}
	return true, nil
}

// ListStale returns coverage records older than maxAge, candidates for a
// refresh pass.
func (t *Tracker) ListStale(ctx context.Context, maxAge time.Duration) ([]harvest.CoverageRecord, error) {
	cutoff := t.clock.Now().Add(-maxAge)
	recs, err := t.store.ListStale(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("listing stale coverage: %w", err)
	}
	return recs, nil
}

// Progress reports run completion as the fraction of the run's work items
// that have produced a coverage record.
func (t *Tracker) Progress(ctx context.Context, run harvest.Run) (harvest.RunProgress, error) {
	covered, err := t.store.CountForRun(ctx, run.ID)
	if err != nil {
		return harvest.RunProgress{}, fmt.Errorf("counting coverage for run %s: %w", run.ID, err)
	}
	progress := harvest.RunProgress{
		RunID:        run.ID,
		ItemsTotal:   run.ItemCount,
		ItemsCovered: covered,
	}
	if run.ItemCount > 0 {
		progress.Percent = 100 * float64(covered) / float64(run.ItemCount)
	}
	return progress, nil
}
