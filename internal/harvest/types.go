// Package harvest defines core types shared across subsystems.
package harvest

import (
	"time"

	"github.com/paulmach/orb"
)

// Region is the immutable input to a harvest run: a polygon plus the H3
// resolution the region should be tiled at.
type Region struct {
	Polygon    orb.Polygon `json:"polygon"`
	Resolution int         `json:"resolution"`
}

// Cell is one hexagonal tile of a partitioned region. The token is the H3
// index in string form and is treated as opaque everywhere outside the grid
// package. Cells are immutable once produced.
type Cell struct {
	Token      string   `json:"token"`
	Resolution int      `json:"resolution"`
	Lat        float64  `json:"lat"`
	Lng        float64  `json:"lng"`
	Boundary   orb.Ring `json:"boundary,omitempty"`
}

// Category is one leaf of the place taxonomy. Query is the provider search
// text submitted for the category; Priority orders categories within a cell,
// higher first. The category set is loaded once per run and never mutated.
type Category struct {
	Name     string `json:"name"`
	Query    string `json:"query"`
	Priority int    `json:"priority"`
}

// WorkItemStatus represents the lifecycle state of a work item.
type WorkItemStatus string

// Work item status values persisted by the queue.
const (
	StatusPending      WorkItemStatus = "pending"
	StatusInFlight     WorkItemStatus = "in_flight"
	StatusSucceeded    WorkItemStatus = "succeeded"
	StatusFailed       WorkItemStatus = "failed"
	StatusDeadLettered WorkItemStatus = "dead_lettered"
	StatusCanceled     WorkItemStatus = "canceled"
)

// WorkItem is one scheduled (cell, category) search. The ID is deterministic
// over (run, cell, category) so a second enqueue of the same pair is a no-op.
type WorkItem struct {
	ID            string         `json:"id"`
	RunID         string         `json:"run_id"`
	Cell          Cell           `json:"cell"`
	Category      Category       `json:"category"`
	Status        WorkItemStatus `json:"status"`
	Attempt       int            `json:"attempt"`
	Priority      int            `json:"priority"`
	NextEligible  time.Time      `json:"next_eligible"`
	LeaseDeadline time.Time      `json:"lease_deadline,omitempty"`
	LastErrorKind FetchErrorKind `json:"last_error_kind,omitempty"`
	EnqueuedAt    time.Time      `json:"enqueued_at"`
}

// WorkItemID builds the deterministic item ID for a (run, cell, category)
// triple. Keeping this in one place is what makes enqueue idempotent.
func WorkItemID(runID, cellToken, category string) string {
	return runID + ":" + cellToken + ":" + category
}

// CandidatePlace is a raw, unvalidated extraction from a single fetch. It is
// consumed immediately by the dedup engine and never persisted as-is.
type CandidatePlace struct {
	ProviderID  string  `json:"provider_id,omitempty"`
	Name        string  `json:"name"`
	Address     string  `json:"address,omitempty"`
	Lat         float64 `json:"lat"`
	Lng         float64 `json:"lng"`
	Category    string  `json:"category"`
	SourceCell  string  `json:"source_cell"`
	Phone       string  `json:"phone,omitempty"`
	Website     string  `json:"website,omitempty"`
	Rating      float64 `json:"rating,omitempty"`
	ReviewCount int     `json:"review_count,omitempty"`
	SourceURL   string  `json:"source_url,omitempty"`
}

// Place is the canonical deduplicated record for a physical point of
// interest. Exactly one row exists per identity key; merges union the
// category and source-cell sets and never touch first-seen.
type Place struct {
	Key         string    `json:"key"`
	ProviderID  string    `json:"provider_id,omitempty"`
	Name        string    `json:"name"`
	Address     string    `json:"address,omitempty"`
	Lat         float64   `json:"lat"`
	Lng         float64   `json:"lng"`
	Categories  []string  `json:"categories"`
	SourceCells []string  `json:"source_cells"`
	Phone       string    `json:"phone,omitempty"`
	Website     string    `json:"website,omitempty"`
	Rating      float64   `json:"rating,omitempty"`
	ReviewCount int       `json:"review_count,omitempty"`
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`
}

// UpsertOutcome describes what the place store did with a resolved candidate.
type UpsertOutcome string

// Upsert outcomes returned by Resolve.
const (
	OutcomeInserted         UpsertOutcome = "inserted"
	OutcomeMerged           UpsertOutcome = "merged"
	OutcomeSkippedDuplicate UpsertOutcome = "skipped_duplicate"
)

// CoverageRecord marks a (cell, category) pair as searched. A record whose
// FoundCount reached the provider result cap carries NeedsSubdivision instead
// of counting as covered.
type CoverageRecord struct {
	CellToken        string    `json:"cell_token"`
	Category         string    `json:"category"`
	RunID            string    `json:"run_id"`
	CompletedAt      time.Time `json:"completed_at"`
	FoundCount       int       `json:"found_count"`
	NeedsSubdivision bool      `json:"needs_subdivision"`
}

// RunStatus represents the lifecycle state of a harvest run.
type RunStatus string

// Run status values persisted in the run store.
const (
	RunStatusActive    RunStatus = "active"
	RunStatusPaused    RunStatus = "paused"
	RunStatusCompleted RunStatus = "completed"
	RunStatusCanceled  RunStatus = "canceled"
)

// Run is the metadata persisted for each submitted region harvest.
type Run struct {
	ID            string     `json:"id"`
	RegionKey     string     `json:"region_key"`
	Status        RunStatus  `json:"status"`
	Resolution    int        `json:"resolution"`
	Categories    []Category `json:"categories"`
	CellCount     int        `json:"cell_count"`
	ItemCount     int        `json:"item_count"`
	Submitted     time.Time  `json:"submitted_at"`
	Finished      *time.Time `json:"finished_at,omitempty"`
	StatusMessage string     `json:"status_message,omitempty"`
}

// RunProgress reports completion of a run as counted coverage records.
type RunProgress struct {
	RunID        string  `json:"run_id"`
	ItemsTotal   int     `json:"items_total"`
	ItemsCovered int     `json:"items_covered"`
	Percent      float64 `json:"percent"`
}

// FetchResult is what the adapter hands back for a successful execution:
// zero or more candidate records plus the raw payload they were extracted
// from, archived before parsing for replay and audit.
type FetchResult struct {
	Candidates []CandidatePlace
	Payload    []byte
	SourceURL  string
}
