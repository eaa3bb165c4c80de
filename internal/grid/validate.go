package grid

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"

	"github.com/placegrid/harvester/internal/harvest"
)

// ValidateRegion rejects malformed regions: missing or degenerate polygons,
// zero area, self-intersecting outer rings, out-of-range coordinates, and
// resolutions outside [0, MaxResolution].
func ValidateRegion(region harvest.Region) error {
	if region.Resolution < 0 || region.Resolution > MaxResolution {
		return fmt.Errorf("%w: resolution %d out of range [0, %d]",
			harvest.ErrInvalidRegion, region.Resolution, MaxResolution)
	}
	if len(region.Polygon) == 0 {
		return fmt.Errorf("%w: polygon has no rings", harvest.ErrInvalidRegion)
	}
	outer := region.Polygon[0]
	if len(outer) < 4 {
		return fmt.Errorf("%w: outer ring needs at least 4 points, got %d",
			harvest.ErrInvalidRegion, len(outer))
	}
	if !outer.Closed() {
		return fmt.Errorf("%w: outer ring is not closed", harvest.ErrInvalidRegion)
	}
	for _, pt := range outer {
		if pt.Lat() < -90 || pt.Lat() > 90 || pt.Lon() < -180 || pt.Lon() > 180 {
			return fmt.Errorf("%w: coordinate (%f, %f) out of range",
				harvest.ErrInvalidRegion, pt.Lat(), pt.Lon())
		}
	}
	if math.Abs(planar.Area(outer)) == 0 {
		return fmt.Errorf("%w: polygon has zero area", harvest.ErrInvalidRegion)
	}
	if selfIntersects(outer) {
		return fmt.Errorf("%w: outer ring self-intersects", harvest.ErrInvalidRegion)
	}
	return nil
}

// selfIntersects checks every non-adjacent segment pair of the ring. Rings
// here are small operator inputs, so the quadratic scan is fine.
func selfIntersects(ring orb.Ring) bool {
	n := len(ring) - 1 // ring is closed, last point repeats the first
	for i := 0; i < n; i++ {
		for j := i + 2; j < n; j++ {
			// Skip the closing segment against the first segment: they share
			// a vertex by construction.
			if i == 0 && j == n-1 {
				continue
			}
			if segmentsCross(ring[i], ring[i+1], ring[j], ring[j+1]) {
				return true
			}
		}
	}
	return false
}

func segmentsCross(a, b, c, d orb.Point) bool {
	d1 := cross(c, d, a)
	d2 := cross(c, d, b)
	d3 := cross(a, b, c)
	d4 := cross(a, b, d)
	return ((d1 > 0 && d2 < 0) || (d1 < 0 && d2 > 0)) &&
		((d3 > 0 && d4 < 0) || (d3 < 0 && d4 > 0))
}

func cross(o, a, b orb.Point) float64 {
	return (a[0]-o[0])*(b[1]-o[1]) - (a[1]-o[1])*(b[0]-o[0])
}
