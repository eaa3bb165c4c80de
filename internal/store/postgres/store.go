// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/placegrid/harvester/internal/harvest"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// querier is the subset of pgxpool.Pool the stores use; pgxmock pools
// satisfy it too.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// NewPool creates a pgx connection pool from the config and pings it.
func NewPool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

// wrapErr tags connection-level failures with ErrStoreUnavailable so the
// scheduler retries them in place instead of burning the item's attempts.
func wrapErr(op string, err error) error {
	var netErr net.Error
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) || errors.As(err, &netErr) {
		return fmt.Errorf("%s: %w: %w", op, harvest.ErrStoreUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// PlaceStore persists canonical places.
type PlaceStore struct {
	pool querier
}

// NewPlaceStore creates a PlaceStore over an existing pool.
func NewPlaceStore(pool querier) *PlaceStore {
	return &PlaceStore{pool: pool}
}

// Close releases the underlying pool resources.
func (s *PlaceStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// upsertPlaceSQL merges on the identity key in a single atomic statement:
// set columns union, newest non-empty scalar wins, first_seen is never
// touched, last_seen only moves forward. The xmax check distinguishes a
// fresh insert from a conflict update.
const upsertPlaceSQL = `
INSERT INTO places (
	key, provider_id, name, address, lat, lng, categories, source_cells,
	phone, website, rating, review_count, first_seen, last_seen
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14
)
ON CONFLICT (key) DO UPDATE SET
	provider_id  = COALESCE(NULLIF(EXCLUDED.provider_id, ''), places.provider_id),
	name         = COALESCE(NULLIF(EXCLUDED.name, ''), places.name),
	address      = COALESCE(NULLIF(EXCLUDED.address, ''), places.address),
	lat          = EXCLUDED.lat,
	lng          = EXCLUDED.lng,
	categories   = ARRAY(SELECT DISTINCT unnest(places.categories || EXCLUDED.categories) ORDER BY 1),
	source_cells = ARRAY(SELECT DISTINCT unnest(places.source_cells || EXCLUDED.source_cells) ORDER BY 1),
	phone        = COALESCE(NULLIF(EXCLUDED.phone, ''), places.phone),
	website      = COALESCE(NULLIF(EXCLUDED.website, ''), places.website),
	rating       = CASE WHEN EXCLUDED.rating <> 0 THEN EXCLUDED.rating ELSE places.rating END,
	review_count = CASE WHEN EXCLUDED.review_count <> 0 THEN EXCLUDED.review_count ELSE places.review_count END,
	last_seen    = GREATEST(places.last_seen, EXCLUDED.last_seen)
RETURNING (xmax = 0)`

// Upsert atomically inserts or merges a place under its identity key.
func (s *PlaceStore) Upsert(ctx context.Context, place harvest.Place) (harvest.UpsertOutcome, error) {
	if place.Key == "" {
		return "", fmt.Errorf("place key is required")
	}
	var inserted bool
	err := s.pool.QueryRow(ctx, upsertPlaceSQL,
		place.Key,
		place.ProviderID,
		place.Name,
		place.Address,
		place.Lat,
		place.Lng,
		place.Categories,
		place.SourceCells,
		place.Phone,
		place.Website,
		place.Rating,
		place.ReviewCount,
		place.FirstSeen,
		place.LastSeen,
	).Scan(&inserted)
	if err != nil {
		return "", wrapErr("upsert place", err)
	}
	if inserted {
		return harvest.OutcomeInserted, nil
	}
	return harvest.OutcomeMerged, nil
}

const getPlaceSQL = `
SELECT key, provider_id, name, address, lat, lng, categories, source_cells,
	phone, website, rating, review_count, first_seen, last_seen
FROM places
WHERE key = $1`

// Get loads a place by identity key.
func (s *PlaceStore) Get(ctx context.Context, key string) (harvest.Place, error) {
	var place harvest.Place
	err := s.pool.QueryRow(ctx, getPlaceSQL, key).Scan(
		&place.Key,
		&place.ProviderID,
		&place.Name,
		&place.Address,
		&place.Lat,
		&place.Lng,
		&place.Categories,
		&place.SourceCells,
		&place.Phone,
		&place.Website,
		&place.Rating,
		&place.ReviewCount,
		&place.FirstSeen,
		&place.LastSeen,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return harvest.Place{}, harvest.ErrPlaceNotFound
		}
		return harvest.Place{}, wrapErr("get place", err)
	}
	return place, nil
}

// CoverageStore persists coverage records keyed by (cell, category).
type CoverageStore struct {
	pool querier
}

// NewCoverageStore creates a CoverageStore over an existing pool.
func NewCoverageStore(pool querier) *CoverageStore {
	return &CoverageStore{pool: pool}
}

// Close releases the underlying pool resources.
func (s *CoverageStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

const markCoverageSQL = `
INSERT INTO coverage (cell_token, category, run_id, completed_at, found_count, needs_subdivision)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (cell_token, category) DO UPDATE SET
	run_id            = EXCLUDED.run_id,
	completed_at      = EXCLUDED.completed_at,
	found_count       = EXCLUDED.found_count,
	needs_subdivision = EXCLUDED.needs_subdivision`

// MarkComplete upserts a coverage record.
func (s *CoverageStore) MarkComplete(ctx context.Context, rec harvest.CoverageRecord) error {
	_, err := s.pool.Exec(ctx, markCoverageSQL,
		rec.CellToken,
		rec.Category,
		rec.RunID,
		rec.CompletedAt,
		rec.FoundCount,
		rec.NeedsSubdivision,
	)
	if err != nil {
		return wrapErr("mark coverage", err)
	}
	return nil
}

const getCoverageSQL = `
SELECT cell_token, category, run_id, completed_at, found_count, needs_subdivision
FROM coverage
WHERE cell_token = $1 AND category = $2`

// Get loads the coverage record for a (cell, category) pair.
func (s *CoverageStore) Get(ctx context.Context, cellToken, category string) (harvest.CoverageRecord, bool, error) {
	var rec harvest.CoverageRecord
	err := s.pool.QueryRow(ctx, getCoverageSQL, cellToken, category).Scan(
		&rec.CellToken,
		&rec.Category,
		&rec.RunID,
		&rec.CompletedAt,
		&rec.FoundCount,
		&rec.NeedsSubdivision,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return harvest.CoverageRecord{}, false, nil
		}
		return harvest.CoverageRecord{}, false, wrapErr("get coverage", err)
	}
	return rec, true, nil
}

const listStaleCoverageSQL = `
SELECT cell_token, category, run_id, completed_at, found_count, needs_subdivision
FROM coverage
WHERE completed_at < $1
ORDER BY cell_token, category`

// ListStale returns records completed before olderThan.
func (s *CoverageStore) ListStale(ctx context.Context, olderThan time.Time) ([]harvest.CoverageRecord, error) {
	rows, err := s.pool.Query(ctx, listStaleCoverageSQL, olderThan)
	if err != nil {
		return nil, wrapErr("list stale coverage", err)
	}
	defer rows.Close()

	var recs []harvest.CoverageRecord
	for rows.Next() {
		var rec harvest.CoverageRecord
		if err := rows.Scan(
			&rec.CellToken,
			&rec.Category,
			&rec.RunID,
			&rec.CompletedAt,
			&rec.FoundCount,
			&rec.NeedsSubdivision,
		); err != nil {
			return nil, fmt.Errorf("scan coverage row: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("list stale coverage", err)
	}
	return recs, nil
}

// CountForRun counts coverage records written by a run.
func (s *CoverageStore) CountForRun(ctx context.Context, runID string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM coverage WHERE run_id = $1`, runID).Scan(&count)
	if err != nil {
		return 0, wrapErr("count coverage", err)
	}
	return count, nil
}

// RunStore persists run metadata.
type RunStore struct {
	pool querier
}

// NewRunStore creates a RunStore over an existing pool.
func NewRunStore(pool querier) *RunStore {
	return &RunStore{pool: pool}
}

// Close releases the underlying pool resources.
func (s *RunStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

const createRunSQL = `
INSERT INTO runs (id, region_key, status, resolution, categories, cell_count, item_count, submitted_at, status_message)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`

// CreateRun stores a new run.
func (s *RunStore) CreateRun(ctx context.Context, run harvest.Run) error {
	categories, err := json.Marshal(run.Categories)
	if err != nil {
		return fmt.Errorf("marshal categories: %w", err)
	}
	_, err = s.pool.Exec(ctx, createRunSQL,
		run.ID,
		run.RegionKey,
		run.Status,
		run.Resolution,
		categories,
		run.CellCount,
		run.ItemCount,
		run.Submitted,
		run.StatusMessage,
	)
	if err != nil {
		return wrapErr("create run", err)
	}
	return nil
}

const getRunSQL = `
SELECT id, region_key, status, resolution, categories, cell_count, item_count, submitted_at, finished_at, status_message
FROM runs
WHERE id = $1`

// GetRun loads a run by ID.
func (s *RunStore) GetRun(ctx context.Context, runID string) (harvest.Run, error) {
	run, err := s.scanRun(s.pool.QueryRow(ctx, getRunSQL, runID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return harvest.Run{}, harvest.ErrRunNotFound
		}
		return harvest.Run{}, wrapErr("get run", err)
	}
	return run, nil
}

const updateRunStatusSQL = `
UPDATE runs
SET status = $2,
	status_message = $3,
	finished_at = CASE WHEN $2 IN ('completed', 'canceled') THEN NOW() ELSE finished_at END
WHERE id = $1`

// UpdateRunStatus transitions a run's status, stamping finished_at on
// terminal transitions.
func (s *RunStore) UpdateRunStatus(ctx context.Context, runID string, status harvest.RunStatus, message string) error {
	tag, err := s.pool.Exec(ctx, updateRunStatusSQL, runID, status, message)
	if err != nil {
		return wrapErr("update run status", err)
	}
	if tag.RowsAffected() == 0 {
		return harvest.ErrRunNotFound
	}
	return nil
}

const incrementItemCountSQL = `
UPDATE runs
SET item_count = item_count + $2
WHERE id = $1`

// IncrementItemCount grows a run's expected item total, used when
// subdivision enqueues child items after submission.
func (s *RunStore) IncrementItemCount(ctx context.Context, runID string, delta int) error {
	tag, err := s.pool.Exec(ctx, incrementItemCountSQL, runID, delta)
	if err != nil {
		return wrapErr("increment item count", err)
	}
	if tag.RowsAffected() == 0 {
		return harvest.ErrRunNotFound
	}
	return nil
}

const activeRunSQL = `
SELECT id, region_key, status, resolution, categories, cell_count, item_count, submitted_at, finished_at, status_message
FROM runs
WHERE region_key = $1 AND status IN ('active', 'paused')
ORDER BY submitted_at DESC
LIMIT 1`

// ActiveRun returns the active or paused run for a region key, if any.
func (s *RunStore) ActiveRun(ctx context.Context, regionKey string) (harvest.Run, bool, error) {
	run, err := s.scanRun(s.pool.QueryRow(ctx, activeRunSQL, regionKey))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return harvest.Run{}, false, nil
		}
		return harvest.Run{}, false, wrapErr("find active run", err)
	}
	return run, true, nil
}

func (s *RunStore) scanRun(row pgx.Row) (harvest.Run, error) {
	var (
		run        harvest.Run
		categories []byte
	)
	err := row.Scan(
		&run.ID,
		&run.RegionKey,
		&run.Status,
		&run.Resolution,
		&categories,
		&run.CellCount,
		&run.ItemCount,
		&run.Submitted,
		&run.Finished,
		&run.StatusMessage,
	)
	if err != nil {
		return harvest.Run{}, err
	}
	if len(categories) > 0 {
		if err := json.Unmarshal(categories, &run.Categories); err != nil {
			return harvest.Run{}, fmt.Errorf("unmarshal categories: %w", err)
		}
	}
	return run, nil
}
