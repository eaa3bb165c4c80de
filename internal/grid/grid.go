// Package grid partitions geographic regions into H3 hexagonal cells.
package grid

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/paulmach/orb"
	h3 "github.com/uber/h3-go/v4"

	"github.com/placegrid/harvester/internal/harvest"
)

// MaxResolution is the finest H3 resolution accepted for partitioning.
const MaxResolution = 15

// Partitioner converts regions to cell sets and exposes the neighbor and
// parent/child relationships used for adaptive refinement. It is stateless;
// the zero value is ready to use.
type Partitioner struct{}

// New returns a Partitioner.
func New() *Partitioner {
	return &Partitioner{}
}

// Partition tiles the region with cells at the region's resolution. The
// result is deterministic: the same region and resolution always produce the
// same cells in the same order. Malformed regions fail with ErrInvalidRegion
// before any cell is produced.
func (p *Partitioner) Partition(region harvest.Region) ([]harvest.Cell, error) {
	if err := ValidateRegion(region); err != nil {
		return nil, err
	}

	loop := make(h3.GeoLoop, 0, len(region.Polygon[0]))
	for _, pt := range region.Polygon[0] {
		loop = append(loop, h3.LatLng{Lat: pt.Lat(), Lng: pt.Lon()})
	}
	holes := make([]h3.GeoLoop, 0, len(region.Polygon)-1)
	for _, ring := range region.Polygon[1:] {
		hole := make(h3.GeoLoop, 0, len(ring))
		for _, pt := range ring {
			hole = append(hole, h3.LatLng{Lat: pt.Lat(), Lng: pt.Lon()})
		}
		holes = append(holes, hole)
	}

	indexes, err := h3.PolygonToCells(h3.GeoPolygon{GeoLoop: loop, Holes: holes}, region.Resolution)
	if err != nil {
		return nil, fmt.Errorf("polygon to cells: %w", err)
	}
	if len(indexes) == 0 {
		// Region smaller than one cell at this resolution: fall back to the
		// cell containing the polygon's first vertex so tiny regions still
		// get searched.
		first := region.Polygon[0][0]
		idx, err := h3.LatLngToCell(h3.LatLng{Lat: first.Lat(), Lng: first.Lon()}, region.Resolution)
		if err != nil {
			return nil, fmt.Errorf("lat/lng to cell: %w", err)
		}
		indexes = []h3.Cell{idx}
	}

	sort.Slice(indexes, func(i, j int) bool { return indexes[i] < indexes[j] })

	cells := make([]harvest.Cell, 0, len(indexes))
	for _, idx := range indexes {
		cell, err := toCell(idx)
		if err != nil {
			return nil, err
		}
		cells = append(cells, cell)
	}
	return cells, nil
}

// Children subdivides a cell into its descendants at a finer resolution.
func (p *Partitioner) Children(cell harvest.Cell, finerResolution int) ([]harvest.Cell, error) {
	if finerResolution <= cell.Resolution || finerResolution > MaxResolution {
		return nil, fmt.Errorf("children resolution %d must be in (%d, %d]",
			finerResolution, cell.Resolution, MaxResolution)
	}
	idx, err := parseToken(cell.Token)
	if err != nil {
		return nil, err
	}
	children, err := idx.Children(finerResolution)
	if err != nil {
		return nil, fmt.Errorf("cell to children: %w", err)
	}
	sort.Slice(children, func(i, j int) bool { return children[i] < children[j] })
	out := make([]harvest.Cell, 0, len(children))
	for _, child := range children {
		c, err := toCell(child)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// Neighbors returns the ring of cells adjacent to the given cell.
func (p *Partitioner) Neighbors(cell harvest.Cell) ([]harvest.Cell, error) {
	idx, err := parseToken(cell.Token)
	if err != nil {
		return nil, err
	}
	disk, err := h3.GridDisk(idx, 1)
	if err != nil {
		return nil, fmt.Errorf("grid disk: %w", err)
	}
	out := make([]harvest.Cell, 0, len(disk)-1)
	for _, n := range disk {
		if n == idx {
			continue
		}
		c, err := toCell(n)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Token < out[j].Token })
	return out, nil
}

func toCell(idx h3.Cell) (harvest.Cell, error) {
	center, err := h3.CellToLatLng(idx)
	if err != nil {
		return harvest.Cell{}, fmt.Errorf("cell centroid: %w", err)
	}
	boundary, err := h3.CellToBoundary(idx)
	if err != nil {
		return harvest.Cell{}, fmt.Errorf("cell boundary: %w", err)
	}
	ring := make(orb.Ring, 0, len(boundary)+1)
	for _, v := range boundary {
		ring = append(ring, orb.Point{v.Lng, v.Lat})
	}
	if len(ring) > 0 {
		ring = append(ring, ring[0])
	}
	return harvest.Cell{
		Token:      idx.String(),
		Resolution: idx.Resolution(),
		Lat:        center.Lat,
		Lng:        center.Lng,
		Boundary:   ring,
	}, nil
}

func parseToken(token string) (h3.Cell, error) {
	v, err := strconv.ParseUint(token, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("parse cell token %q: %w", token, err)
	}
	idx := h3.Cell(v)
	if !idx.IsValid() {
		return 0, fmt.Errorf("cell token %q is not a valid h3 index", token)
	}
	return idx, nil
}
