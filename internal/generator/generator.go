// Package generator turns cell and category sets into ordered work items.
package generator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/placegrid/harvester/internal/harvest"
)

// CoverageChecker answers whether a (cell, category) pair is already covered
// within its validity window. Satisfied by coverage.Tracker.
type CoverageChecker interface {
	IsCovered(ctx context.Context, cellToken, category string, maxAge time.Duration) (bool, error)
}

// NeighborFinder exposes cell adjacency. Satisfied by grid.Partitioner.
type NeighborFinder interface {
	Neighbors(cell harvest.Cell) ([]harvest.Cell, error)
}

// Generator produces the (cell x category) work item sequence for a run. It
// has no side effects: the caller enqueues the returned items.
type Generator struct {
	neighbors NeighborFinder
}

// New creates a Generator.
func New(neighbors NeighborFinder) *Generator {
	return &Generator{neighbors: neighbors}
}

// Generate returns work items for every (cell, category) pair not already
// covered within maxAge, ordered so geographically adjacent cells stay
// temporally close and categories run by descending priority within each
// cell. Re-running over a fully covered region yields zero items.
func (g *Generator) Generate(
	ctx context.Context,
	runID string,
	cells []harvest.Cell,
	categories []harvest.Category,
	cov CoverageChecker,
	maxAge time.Duration,
	now time.Time,
) ([]harvest.WorkItem, error) {
	if len(cells) == 0 || len(categories) == 0 {
		return nil, nil
	}

	ordered := g.orderCells(cells)

	cats := make([]harvest.Category, len(categories))
	copy(cats, categories)
	sort.SliceStable(cats, func(i, j int) bool {
		if cats[i].Priority != cats[j].Priority {
			return cats[i].Priority > cats[j].Priority
		}
		return cats[i].Name < cats[j].Name
	})

	items := make([]harvest.WorkItem, 0, len(ordered)*len(cats))
	for _, cell := range ordered {
		for _, cat := range cats {
			if cov != nil {
				covered, err := cov.IsCovered(ctx, cell.Token, cat.Name, maxAge)
				if err != nil {
					return nil, fmt.Errorf("coverage check %s/%s: %w", cell.Token, cat.Name, err)
				}
				if covered {
					continue
				}
			}
			items = append(items, harvest.WorkItem{
				ID:           harvest.WorkItemID(runID, cell.Token, cat.Name),
				RunID:        runID,
				Cell:         cell,
				Category:     cat,
				Status:       harvest.StatusPending,
				Priority:     cat.Priority,
				NextEligible: now,
				EnqueuedAt:   now,
			})
		}
	}
	return items, nil
}

// orderCells walks the cell set preferring an unvisited neighbor of the
// current cell, falling back to the nearest remaining centroid. The walk is
// deterministic: ties break on the token.
func (g *Generator) orderCells(cells []harvest.Cell) []harvest.Cell {
	remaining := make(map[string]harvest.Cell, len(cells))
	for _, c := range cells {
		remaining[c.Token] = c
	}

	tokens := make([]string, 0, len(cells))
	for token := range remaining {
		tokens = append(tokens, token)
	}
	sort.Strings(tokens)

	ordered := make([]harvest.Cell, 0, len(cells))
	current := remaining[tokens[0]]
	for {
		ordered = append(ordered, current)
		delete(remaining, current.Token)
		if len(remaining) == 0 {
			break
		}
		next, ok := g.adjacentNext(current, remaining)
		if !ok {
			next = nearestNext(current, remaining)
		}
		current = next
	}
	return ordered
}

func (g *Generator) adjacentNext(current harvest.Cell, remaining map[string]harvest.Cell) (harvest.Cell, bool) {
	if g.neighbors == nil {
		return harvest.Cell{}, false
	}
	ns, err := g.neighbors.Neighbors(current)
	if err != nil {
		return harvest.Cell{}, false
	}
	for _, n := range ns { // Neighbors returns cells sorted by token
		if cell, ok := remaining[n.Token]; ok {
			return cell, true
		}
	}
	return harvest.Cell{}, false
}

func nearestNext(current harvest.Cell, remaining map[string]harvest.Cell) harvest.Cell {
	var (
		best     harvest.Cell
		bestDist = -1.0
	)
	for _, cell := range remaining {
		dLat := cell.Lat - current.Lat
		dLng := cell.Lng - current.Lng
		dist := dLat*dLat + dLng*dLng
		if bestDist < 0 || dist < bestDist || (dist == bestDist && cell.Token < best.Token) {
			best = cell
			bestDist = dist
		}
	}
	return best
}
