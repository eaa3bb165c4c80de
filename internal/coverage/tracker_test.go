package coverage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/placegrid/harvester/internal/harvest"
	storemem "github.com/placegrid/harvester/internal/store/memory"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func testItem() harvest.WorkItem {
	return harvest.WorkItem{
		ID:       "run-1:891f1d48a87ffff:cafe",
		RunID:    "run-1",
		Cell:     harvest.Cell{Token: "891f1d48a87ffff", Resolution: 9},
		Category: harvest.Category{Name: "cafe", Query: "cafe"},
	}
}

func TestMarkCompleteAndIsCovered(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	tracker := New(storemem.NewCoverageStore(), clock, zap.NewNop())

	covered, err := tracker.IsCovered(context.Background(), "891f1d48a87ffff", "cafe", 0)
	require.NoError(t, err)
	require.False(t, covered)

	require.NoError(t, tracker.MarkComplete(context.Background(), testItem(), 42, false))

	covered, err = tracker.IsCovered(context.Background(), "891f1d48a87ffff", "cafe", 0)
	require.NoError(t, err)
	require.True(t, covered)

	// A different category over the same cell is independent.
	covered, err = tracker.IsCovered(context.Background(), "891f1d48a87ffff", "restaurant", 0)
	require.NoError(t, err)
	require.False(t, covered)
}

func TestSaturatedCellDoesNotCountAsCovered(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	tracker := New(storemem.NewCoverageStore(), clock, zap.NewNop())

	require.NoError(t, tracker.MarkComplete(context.Background(), testItem(), 120, true))

	covered, err := tracker.IsCovered(context.Background(), "891f1d48a87ffff", "cafe", 0)
	require.NoError(t, err)
	require.False(t, covered)
}

func TestCoverageGoesStaleAfterMaxAge(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := storemem.NewCoverageStore()
	tracker := New(store, clock, zap.NewNop())

	require.NoError(t, tracker.MarkComplete(context.Background(), testItem(), 42, false))

	clock.now = clock.now.Add(48 * time.Hour)

	covered, err := tracker.IsCovered(context.Background(), "891f1d48a87ffff", "cafe", 24*time.Hour)
	require.NoError(t, err)
	require.False(t, covered)

	// Unbounded freshness still counts it.
	covered, err = tracker.IsCovered(context.Background(), "891f1d48a87ffff", "cafe", 0)
	require.NoError(t, err)
	require.True(t, covered)

	stale, err := tracker.ListStale(context.Background(), 24*time.Hour)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	require.Equal(t, "891f1d48a87ffff", stale[0].CellToken)
}

func TestProgressCountsCoverageForRun(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	tracker := New(storemem.NewCoverageStore(), clock, zap.NewNop())

	item := testItem()
	require.NoError(t, tracker.MarkComplete(context.Background(), item, 10, false))
	other := item
	other.Category = harvest.Category{Name: "restaurant", Query: "restaurant"}
	require.NoError(t, tracker.MarkComplete(context.Background(), other, 5, false))

	progress, err := tracker.Progress(context.Background(), harvest.Run{ID: "run-1", ItemCount: 4})
	require.NoError(t, err)
	require.Equal(t, 2, progress.ItemsCovered)
	require.Equal(t, 4, progress.ItemsTotal)
	require.InDelta(t, 50.0, progress.Percent, 0.001)
}
