// Package hexbin aggregates geolocated sources into H3 cells so the
// map surface can draw density hexes instead of one marker per source.
package hexbin

import (
	"fmt"
	"slices"
	"strings"

	h3 "github.com/uber/h3-go/v4"

	"github.com/mohammed-shakir/decoynet-collector/internal/core/model"
)

// DefaultResolution trades hex size against marker count; res 5 cells
// average ~250 km2, city scale.
const DefaultResolution = 5

// Bin assigns each point its H3 cell at res and folds points sharing a
// cell into one aggregate. Cells come back densest first. Points whose
// coordinates H3 rejects keep an empty cell and stay off the hex layer.
func Bin(points []model.MapPoint, res int) ([]model.MapPoint, []model.MapCell, error) {
	if res < 0 || res > 15 {
		return nil, nil, fmt.Errorf("invalid H3 resolution %d (must be 0..15)", res)
	}

	type acc struct {
		count    int64
		weighted float64
	}
	byCell := make(map[string]*acc)

	out := make([]model.MapPoint, len(points))
	for i, p := range points {
		cell, err := h3.LatLngToCell(h3.NewLatLng(p.Latitude, p.Longitude), res)
		if err != nil {
			out[i] = p
			continue
		}
		p.Cell = cell.String()
		out[i] = p

		a := byCell[p.Cell]
		if a == nil {
			a = &acc{}
			byCell[p.Cell] = a
		}
		a.count += p.Count
		a.weighted += p.AvgScore * float64(p.Count)
	}

	cells := make([]model.MapCell, 0, len(byCell))
	for id, a := range byCell {
		c := model.MapCell{Cell: id, Count: a.count}
		if a.count > 0 {
			c.AvgScore = a.weighted / float64(a.count)
		}
		cells = append(cells, c)
	}
	slices.SortFunc(cells, func(a, b model.MapCell) int {
		if a.Count != b.Count {
			if a.Count > b.Count {
				return -1
			}
			return 1
		}
		return strings.Compare(a.Cell, b.Cell)
	})
	return out, cells, nil
}
