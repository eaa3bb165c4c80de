// Package memory provides in-memory store implementations for tests and
// local development. The merge semantics mirror the Postgres stores.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/placegrid/harvester/internal/harvest"
)

// PlaceStore keeps places in a map keyed by identity key.
type PlaceStore struct {
	mu     sync.Mutex
	places map[string]harvest.Place
}

// NewPlaceStore creates an empty PlaceStore.
func NewPlaceStore() *PlaceStore {
	return &PlaceStore{places: make(map[string]harvest.Place)}
}

// Upsert inserts or merges a place under its identity key, applying the same
// policy as the Postgres store: sets union, newest non-null scalar wins,
// first-seen is kept, last-seen is monotonically non-decreasing.
func (s *PlaceStore) Upsert(_ context.Context, place harvest.Place) (harvest.UpsertOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.places[place.Key]
	if !ok {
		place.Categories = sortedUnion(nil, place.Categories)
		place.SourceCells = sortedUnion(nil, place.SourceCells)
		s.places[place.Key] = place
		return harvest.OutcomeInserted, nil
	}

	merged := existing
	merged.Categories = sortedUnion(existing.Categories, place.Categories)
	merged.SourceCells = sortedUnion(existing.SourceCells, place.SourceCells)
	if place.ProviderID != "" {
		merged.ProviderID = place.ProviderID
	}
	if place.Name != "" {
		merged.Name = place.Name
	}
	if place.Address != "" {
		merged.Address = place.Address
	}
	if place.Phone != "" {
		merged.Phone = place.Phone
	}
	if place.Website != "" {
		merged.Website = place.Website
	}
	if place.Rating != 0 {
		merged.Rating = place.Rating
	}
	if place.ReviewCount != 0 {
		merged.ReviewCount = place.ReviewCount
	}
	merged.Lat = place.Lat
	merged.Lng = place.Lng
	if place.LastSeen.After(merged.LastSeen) {
		merged.LastSeen = place.LastSeen
	}
	s.places[place.Key] = merged
	return harvest.OutcomeMerged, nil
}

// Get returns a place by identity key.
func (s *PlaceStore) Get(_ context.Context, key string) (harvest.Place, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	place, ok := s.places[key]
	if !ok {
		return harvest.Place{}, harvest.ErrPlaceNotFound
	}
	return place, nil
}

// Len reports the number of stored places.
func (s *PlaceStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.places)
}

func sortedUnion(a, b []string) []string {
	set := make(map[string]struct{}, len(a)+len(b))
	for _, v := range a {
		set[v] = struct{}{}
	}
	for _, v := range b {
		set[v] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// CoverageStore keeps coverage records keyed by (cell, category).
type CoverageStore struct {
	mu      sync.Mutex
	records map[string]harvest.CoverageRecord
}

// NewCoverageStore creates an empty CoverageStore.
func NewCoverageStore() *CoverageStore {
	return &CoverageStore{records: make(map[string]harvest.CoverageRecord)}
}

func coverageKey(cellToken, category string) string {
	return cellToken + "/" + category
}

// MarkComplete upserts a coverage record.
func (s *CoverageStore) MarkComplete(_ context.Context, rec harvest.CoverageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[coverageKey(rec.CellToken, rec.Category)] = rec
	return nil
}

// Get returns the coverage record for a (cell, category) pair.
func (s *CoverageStore) Get(_ context.Context, cellToken, category string) (harvest.CoverageRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[coverageKey(cellToken, category)]
	return rec, ok, nil
}

// ListStale returns records completed before olderThan.
func (s *CoverageStore) ListStale(_ context.Context, olderThan time.Time) ([]harvest.CoverageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []harvest.CoverageRecord
	for _, rec := range s.records {
		if rec.CompletedAt.Before(olderThan) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return coverageKey(out[i].CellToken, out[i].Category) < coverageKey(out[j].CellToken, out[j].Category)
	})
	return out, nil
}

// CountForRun counts coverage records written by a run.
func (s *CoverageStore) CountForRun(_ context.Context, runID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, rec := range s.records {
		if rec.RunID == runID {
			n++
		}
	}
	return n, nil
}

// RunStore keeps run metadata in a map.
type RunStore struct {
	mu   sync.Mutex
	runs map[string]harvest.Run
}

// NewRunStore creates an empty RunStore.
func NewRunStore() *RunStore {
	return &RunStore{runs: make(map[string]harvest.Run)}
}

// CreateRun stores a new run.
func (s *RunStore) CreateRun(_ context.Context, run harvest.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = run
	return nil
}

// GetRun returns a run by ID.
func (s *RunStore) GetRun(_ context.Context, runID string) (harvest.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return harvest.Run{}, harvest.ErrRunNotFound
	}
	return run, nil
}

// UpdateRunStatus transitions a run's status.
func (s *RunStore) UpdateRunStatus(_ context.Context, runID string, status harvest.RunStatus, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return harvest.ErrRunNotFound
	}
	run.Status = status
	run.StatusMessage = message
	s.runs[runID] = run
	return nil
}

// IncrementItemCount grows a run's expected item total.
func (s *RunStore) IncrementItemCount(_ context.Context, runID string, delta int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return harvest.ErrRunNotFound
	}
	run.ItemCount += delta
	s.runs[runID] = run
	return nil
}

// ActiveRun returns the active run for a region key, if any.
func (s *RunStore) ActiveRun(_ context.Context, regionKey string) (harvest.Run, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, run := range s.runs {
		if run.RegionKey == regionKey && (run.Status == harvest.RunStatusActive || run.Status == harvest.RunStatusPaused) {
			return run, true, nil
		}
	}
	return harvest.Run{}, false, nil
}
