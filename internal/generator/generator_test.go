package generator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/placegrid/harvester/internal/harvest"
)

type fakeCoverage struct {
	covered map[string]bool
	calls   int
}

func (f *fakeCoverage) IsCovered(_ context.Context, cellToken, category string, _ time.Duration) (bool, error) {
	f.calls++
	return f.covered[cellToken+"/"+category], nil
}

type fakeNeighbors struct {
	adj map[string][]harvest.Cell
}

func (f *fakeNeighbors) Neighbors(cell harvest.Cell) ([]harvest.Cell, error) {
	return f.adj[cell.Token], nil
}

func testCells() []harvest.Cell {
	// A small chain: a - b - c, with d off on its own.
	return []harvest.Cell{
		{Token: "a", Resolution: 9, Lat: 0, Lng: 0},
		{Token: "b", Resolution: 9, Lat: 0, Lng: 1},
		{Token: "c", Resolution: 9, Lat: 0, Lng: 2},
		{Token: "d", Resolution: 9, Lat: 5, Lng: 5},
	}
}

func chainNeighbors(cells []harvest.Cell) *fakeNeighbors {
	return &fakeNeighbors{adj: map[string][]harvest.Cell{
		"a": {cells[1]},
		"b": {cells[0], cells[2]},
		"c": {cells[1]},
		"d": {},
	}}
}

func testCategories() []harvest.Category {
	return []harvest.Category{
		{Name: "pharmacy", Query: "pharmacy", Priority: 1},
		{Name: "cafe", Query: "cafe", Priority: 5},
	}
}

func TestGenerate_CrossProductAndOrdering(t *testing.T) {
	t.Parallel()

	cells := testCells()
	g := New(chainNeighbors(cells))

	items, err := g.Generate(context.Background(), "run-1", cells, testCategories(), nil, 0, time.Unix(100, 0))
	require.NoError(t, err)
	require.Len(t, items, 8)

	// Adjacency-preserving walk: a, b, c then the outlier d.
	var cellOrder []string
	for i := 0; i < len(items); i += 2 {
		cellOrder = append(cellOrder, items[i].Cell.Token)
	}
	require.Equal(t, []string{"a", "b", "c", "d"}, cellOrder)

	// Higher-priority category first within each cell.
	require.Equal(t, "cafe", items[0].Category.Name)
	require.Equal(t, "pharmacy", items[1].Category.Name)

	require.Equal(t, harvest.WorkItemID("run-1", "a", "cafe"), items[0].ID)
	require.Equal(t, harvest.StatusPending, items[0].Status)
	require.Equal(t, 5, items[0].Priority)
}

func TestGenerate_Deterministic(t *testing.T) {
	t.Parallel()

	cells := testCells()
	g := New(chainNeighbors(cells))
	now := time.Unix(100, 0)

	first, err := g.Generate(context.Background(), "run-1", cells, testCategories(), nil, 0, now)
	require.NoError(t, err)
	second, err := g.Generate(context.Background(), "run-1", cells, testCategories(), nil, 0, now)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestGenerate_SkipsCoveredPairs(t *testing.T) {
	t.Parallel()

	cells := testCells()
	g := New(chainNeighbors(cells))
	cov := &fakeCoverage{covered: map[string]bool{
		"a/cafe":     true,
		"b/pharmacy": true,
	}}

	items, err := g.Generate(context.Background(), "run-1", cells, testCategories(), cov, time.Hour, time.Unix(100, 0))
	require.NoError(t, err)
	require.Len(t, items, 6)
	for _, item := range items {
		require.NotEqual(t, "a/cafe", item.Cell.Token+"/"+item.Category.Name)
		require.NotEqual(t, "b/pharmacy", item.Cell.Token+"/"+item.Category.Name)
	}
}

func TestGenerate_FullyCoveredRegionYieldsNothing(t *testing.T) {
	t.Parallel()

	cells := testCells()
	g := New(chainNeighbors(cells))
	covered := make(map[string]bool)
	for _, c := range cells {
		for _, cat := range testCategories() {
			covered[c.Token+"/"+cat.Name] = true
		}
	}

	items, err := g.Generate(context.Background(), "run-1", cells, testCategories(), &fakeCoverage{covered: covered}, time.Hour, time.Unix(100, 0))
	require.NoError(t, err)
	require.Empty(t, items)
}

func TestGenerate_EmptyInputs(t *testing.T) {
	t.Parallel()

	g := New(nil)
	items, err := g.Generate(context.Background(), "run-1", nil, testCategories(), nil, 0, time.Unix(100, 0))
	require.NoError(t, err)
	require.Empty(t, items)

	items, err = g.Generate(context.Background(), "run-1", testCells(), nil, nil, 0, time.Unix(100, 0))
	require.NoError(t, err)
	require.Empty(t, items)
}
