// Package run coordinates the lifecycle of region harvests: submission,
// work item generation, progress, cancelation and dead-letter handling.
package run

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/placegrid/harvester/internal/generator"
	"github.com/placegrid/harvester/internal/harvest"
)

// Partitioner decomposes a region into cells. Satisfied by grid.Partitioner.
type Partitioner interface {
	Partition(region harvest.Region) ([]harvest.Cell, error)
}

// ItemGenerator produces a run's ordered work item sequence. Satisfied by
// generator.Generator.
type ItemGenerator interface {
	Generate(
		ctx context.Context,
		runID string,
		cells []harvest.Cell,
		categories []harvest.Category,
		cov generator.CoverageChecker,
		maxAge time.Duration,
		now time.Time,
	) ([]harvest.WorkItem, error)
}

// ProgressReporter reports run completion. Satisfied by coverage.Tracker.
type ProgressReporter interface {
	generator.CoverageChecker
	Progress(ctx context.Context, run harvest.Run) (harvest.RunProgress, error)
}

// Config controls Manager behavior.
type Config struct {
	// DefaultResolution is used when a submitted region does not name one.
	DefaultResolution int

	// CoverageMaxAge is the freshness window for skipping covered pairs.
	// Zero means coverage never goes stale.
	CoverageMaxAge time.Duration

	// Topic, when set, receives a completion event when a run finishes.
	Topic string
}

// Manager owns run lifecycle operations.
type Manager struct {
	partitioner Partitioner
	gen         ItemGenerator
	queue       harvest.Queue
	runs        harvest.RunStore
	coverage    ProgressReporter
	publisher   harvest.Publisher
	clock       harvest.Clock
	ids         harvest.IDGenerator
	hasher      harvest.Hasher
	cfg         Config
	logger      *zap.Logger
}

// New constructs a Manager. The publisher is optional; pass nil to skip
// run completion events.
func New(
	partitioner Partitioner,
	gen ItemGenerator,
	queue harvest.Queue,
	runs harvest.RunStore,
	coverage ProgressReporter,
	publisher harvest.Publisher,
	clock harvest.Clock,
	ids harvest.IDGenerator,
	hasher harvest.Hasher,
	cfg Config,
	logger *zap.Logger,
) *Manager {
	if cfg.DefaultResolution <= 0 {
		cfg.DefaultResolution = 9
	}
	return &Manager{
		partitioner: partitioner,
		gen:         gen,
		queue:       queue,
		runs:        runs,
		coverage:    coverage,
		publisher:   publisher,
		clock:       clock,
		ids:         ids,
		hasher:      hasher,
		cfg:         cfg,
		logger:      logger,
	}
}

// Submit validates and decomposes the region, generates the uncovered
// (cell, category) work items and enqueues them under a new run. A region
// with an active or paused run is rejected with ErrAlreadyRunning. A fully
// covered region creates a run that completes immediately with zero items.
func (m *Manager) Submit(ctx context.Context, region harvest.Region, categories []harvest.Category) (harvest.Run, error) {
	if region.Resolution == 0 {
		region.Resolution = m.cfg.DefaultResolution
	}
	if len(categories) == 0 {
		return harvest.Run{}, fmt.Errorf("%w: at least one category is required", harvest.ErrInvalidRegion)
	}

	cells, err := m.partitioner.Partition(region)
	if err != nil {
		return harvest.Run{}, fmt.Errorf("partitioning region: %w", err)
	}

	regionKey, err := m.regionKey(region)
	if err != nil {
		return harvest.Run{}, err
	}
	if existing, active, err := m.runs.ActiveRun(ctx, regionKey); err != nil {
		return harvest.Run{}, fmt.Errorf("checking active run: %w", err)
	} else if active {
		return harvest.Run{}, fmt.Errorf("%w: run %s", harvest.ErrAlreadyRunning, existing.ID)
	}

	runID, err := m.ids.NewID()
	if err != nil {
		return harvest.Run{}, fmt.Errorf("generating run id: %w", err)
	}

	now := m.clock.Now().UTC()
	items, err := m.gen.Generate(ctx, runID, cells, categories, m.coverage, m.cfg.CoverageMaxAge, now)
	if err != nil {
		return harvest.Run{}, fmt.Errorf("generating work items: %w", err)
	}

	run := harvest.Run{
		ID:         runID,
		RegionKey:  regionKey,
		Status:     harvest.RunStatusActive,
		Resolution: region.Resolution,
		Categories: categories,
		CellCount:  len(cells),
		ItemCount:  len(items),
		Submitted:  now,
	}
	if len(items) == 0 {
		run.Status = harvest.RunStatusCompleted
		run.StatusMessage = "region already covered"
	}
	if err := m.runs.CreateRun(ctx, run); err != nil {
		return harvest.Run{}, fmt.Errorf("creating run: %w", err)
	}

	for _, item := range items {
		if _, err := m.queue.Enqueue(ctx, item); err != nil {
			return harvest.Run{}, fmt.Errorf("enqueueing item %s: %w", item.ID, err)
		}
	}

	m.logger.Info("run submitted",
		zap.String("run_id", runID),
		zap.String("region_key", regionKey),
		zap.Int("cells", len(cells)),
		zap.Int("items", len(items)),
	)
	return run, nil
}

// Progress reports completion for a run, opportunistically marking active
// runs completed once every item has a coverage record.
func (m *Manager) Progress(ctx context.Context, runID string) (harvest.RunProgress, error) {
	run, err := m.runs.GetRun(ctx, runID)
	if err != nil {
		return harvest.RunProgress{}, err
	}
	progress, err := m.coverage.Progress(ctx, run)
	if err != nil {
		return harvest.RunProgress{}, err
	}
	if run.Status == harvest.RunStatusActive && progress.ItemsTotal > 0 && progress.ItemsCovered >= progress.ItemsTotal {
		if err := m.runs.UpdateRunStatus(ctx, runID, harvest.RunStatusCompleted, ""); err != nil {
			m.logger.Warn("run completion update failed", zap.String("run_id", runID), zap.Error(err))
		} else {
			m.publishCompletion(ctx, run, progress)
		}
	}
	return progress, nil
}

func (m *Manager) publishCompletion(ctx context.Context, run harvest.Run, progress harvest.RunProgress) {
	if m.publisher == nil {
		return
	}
	event := map[string]any{
		"event":       "run_completed",
		"run_id":      run.ID,
		"region_key":  run.RegionKey,
		"item_count":  progress.ItemsTotal,
		"finished_at": m.clock.Now().UTC().Format(time.RFC3339),
	}
	if _, err := m.publisher.Publish(ctx, m.cfg.Topic, event); err != nil {
		m.logger.Warn("run completion publish failed", zap.String("run_id", run.ID), zap.Error(err))
	}
}

// Cancel removes the run's pending items and marks it canceled. In-flight
// leases are left to finish; their results are kept.
func (m *Manager) Cancel(ctx context.Context, runID string) (int, error) {
	if _, err := m.runs.GetRun(ctx, runID); err != nil {
		return 0, err
	}
	removed, err := m.queue.CancelPending(ctx, runID)
	if err != nil {
		return 0, fmt.Errorf("canceling pending items: %w", err)
	}
	if err := m.runs.UpdateRunStatus(ctx, runID, harvest.RunStatusCanceled, "canceled by operator"); err != nil {
		return removed, err
	}
	m.logger.Info("run canceled", zap.String("run_id", runID), zap.Int("removed", removed))
	return removed, nil
}

// Resume reactivates a paused run. Items released during the pause are
// still pending, so workers pick them up immediately.
func (m *Manager) Resume(ctx context.Context, runID string) error {
	run, err := m.runs.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status != harvest.RunStatusPaused {
		return fmt.Errorf("run %s is %s, not paused", runID, run.Status)
	}
	return m.runs.UpdateRunStatus(ctx, runID, harvest.RunStatusActive, "")
}

// DeadLetters lists the run's dead-lettered items.
func (m *Manager) DeadLetters(ctx context.Context, runID string) ([]harvest.WorkItem, error) {
	if _, err := m.runs.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	return m.queue.ListDeadLetters(ctx, runID)
}

// ResubmitDeadLetter returns a dead-lettered item to pending with a fresh
// attempt budget.
func (m *Manager) ResubmitDeadLetter(ctx context.Context, itemID string) error {
	return m.queue.Resubmit(ctx, itemID)
}

// regionKey derives a stable digest of the region geometry and resolution,
// used to detect concurrent runs over the same region.
func (m *Manager) regionKey(region harvest.Region) (string, error) {
	geom, err := json.Marshal(struct {
		Polygon    any `json:"polygon"`
		Resolution int `json:"resolution"`
	}{Polygon: region.Polygon, Resolution: region.Resolution})
	if err != nil {
		return "", fmt.Errorf("serializing region: %w", err)
	}
	key, err := m.hasher.Hash(geom)
	if err != nil {
		return "", fmt.Errorf("hashing region: %w", err)
	}
	return key, nil
}
