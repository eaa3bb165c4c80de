// Package stub implements a deterministic offline adapter. It fabricates
// stable candidates from the work item's cell token so the full pipeline
// can run without a browser or network access.
package stub

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/placegrid/harvester/internal/harvest"
)

// Adapter fabricates deterministic results per (cell, category).
type Adapter struct {
	placesPerCell int
}

// New creates a stub Adapter yielding placesPerCell candidates per item.
func New(placesPerCell int) *Adapter {
	if placesPerCell <= 0 {
		placesPerCell = 5
	}
	return &Adapter{placesPerCell: placesPerCell}
}

// Execute fabricates candidates scattered around the cell centroid. The
// same item always yields the same candidates, so redelivery exercises the
// dedup merge path exactly like a real provider would.
func (a *Adapter) Execute(_ context.Context, item harvest.WorkItem) (harvest.FetchResult, error) {
	candidates := make([]harvest.CandidatePlace, 0, a.placesPerCell)
	for i := 0; i < a.placesPerCell; i++ {
		seed := digest(fmt.Sprintf("%s/%s/%d", item.Cell.Token, item.Category.Name, i))
		candidates = append(candidates, harvest.CandidatePlace{
			ProviderID:  fmt.Sprintf("stub-%x", seed[:8]),
			Name:        fmt.Sprintf("%s %s %d", item.Category.Name, item.Cell.Token[:6], i),
			Lat:         item.Cell.Lat + jitter(seed, 0),
			Lng:         item.Cell.Lng + jitter(seed, 8),
			Category:    item.Category.Name,
			SourceCell:  item.Cell.Token,
			Rating:      float64(1+int(seed[16])%9) / 2,
			ReviewCount: int(seed[17]),
		})
	}
	payload := []byte(fmt.Sprintf("<html><!-- stub results for %s --></html>", item.ID))
	return harvest.FetchResult{
		Candidates: candidates,
		Payload:    payload,
		SourceURL:  "stub://" + item.ID,
	}, nil
}

func digest(s string) [32]byte {
	return sha256.Sum256([]byte(s))
}

// jitter maps 8 digest bytes to a small coordinate offset within about
// 500 meters of the centroid.
func jitter(seed [32]byte, offset int) float64 {
	v := binary.BigEndian.Uint64(seed[offset : offset+8])
	return (float64(v%10000)/10000 - 0.5) / 100
}
