package stub

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/placegrid/harvester/internal/harvest"
)

func TestExecuteIsDeterministic(t *testing.T) {
	t.Parallel()

	item := harvest.WorkItem{
		ID:       "run-1:891f1d48a87ffff:cafe",
		Cell:     harvest.Cell{Token: "891f1d48a87ffff", Lat: 52.52, Lng: 13.405},
		Category: harvest.Category{Name: "cafe"},
	}

	adapter := New(3)
	first, err := adapter.Execute(context.Background(), item)
	require.NoError(t, err)
	second, err := adapter.Execute(context.Background(), item)
	require.NoError(t, err)

	require.Len(t, first.Candidates, 3)
	require.Equal(t, first.Candidates, second.Candidates)
	for _, c := range first.Candidates {
		require.NotEmpty(t, c.ProviderID)
		require.InDelta(t, 52.52, c.Lat, 0.01)
		require.InDelta(t, 13.405, c.Lng, 0.01)
		require.Equal(t, "891f1d48a87ffff", c.SourceCell)
	}
}

func TestDifferentCellsYieldDifferentPlaces(t *testing.T) {
	t.Parallel()

	adapter := New(2)
	a, err := adapter.Execute(context.Background(), harvest.WorkItem{
		Cell:     harvest.Cell{Token: "891f1d48a87ffff"},
		Category: harvest.Category{Name: "cafe"},
	})
	require.NoError(t, err)
	b, err := adapter.Execute(context.Background(), harvest.WorkItem{
		Cell:     harvest.Cell{Token: "891f1d48a8fffff"},
		Category: harvest.Category{Name: "cafe"},
	})
	require.NoError(t, err)
	require.NotEqual(t, a.Candidates[0].ProviderID, b.Candidates[0].ProviderID)
}
