// Package raster holds the in-memory grid model used by the pipeline's native
// stages and the codecs that load and store it.
package raster

import (
	"errors"
	"fmt"
	"math"
)

// ErrGeometryMismatch is returned when two grids combined in one operation
// disagree on extent, resolution or coordinate reference system.
var ErrGeometryMismatch = errors.New("raster geometry mismatch")

// Geometry is the georeferencing of a grid.
type Geometry struct {
	Rows    int     `json:"rows"`
	Columns int     `json:"columns"`
	North   float64 `json:"north"`
	South   float64 `json:"south"`
	East    float64 `json:"east"`
	West    float64 `json:"west"`
	EPSG    int     `json:"epsg,omitempty"`
	WKT     string  `json:"-"`
}

// CellSize returns the cell width and height in map units.
func (g Geometry) CellSize() (dx, dy float64) {
	if g.Columns == 0 || g.Rows == 0 {
		return 0, 0
	}
	return (g.East - g.West) / float64(g.Columns), (g.North - g.South) / float64(g.Rows)
}

// Match reports why two geometries cannot be combined cell by cell, or nil.
// Bounds are compared to within a millionth of a cell. A zero EPSG code means
// unknown and is not compared.
func (g Geometry) Match(o Geometry) error {
	if g.Rows != o.Rows || g.Columns != o.Columns {
		return fmt.Errorf("%w: %dx%d vs %dx%d cells", ErrGeometryMismatch, g.Rows, g.Columns, o.Rows, o.Columns)
	}
	if g.EPSG != 0 && o.EPSG != 0 && g.EPSG != o.EPSG {
		return fmt.Errorf("%w: EPSG:%d vs EPSG:%d", ErrGeometryMismatch, g.EPSG, o.EPSG)
	}
	dx, dy := g.CellSize()
	tol := 1e-6 * math.Max(math.Abs(dx), math.Abs(dy))
	if tol == 0 {
		tol = 1e-9
	}
	bounds := []struct {
		name string
		a, b float64
	}{
		{"north", g.North, o.North},
		{"south", g.South, o.South},
		{"east", g.East, o.East},
		{"west", g.West, o.West},
	}
	for _, b := range bounds {
		if math.Abs(b.a-b.b) > tol {
			return fmt.Errorf("%w: %s edge %.6f vs %.6f", ErrGeometryMismatch, b.name, b.a, b.b)
		}
	}
	return nil
}

// String formats the geometry for log lines.
func (g Geometry) String() string {
	dx, dy := g.CellSize()
	return fmt.Sprintf("%dx%d cells, %.3gx%.3g, EPSG:%d", g.Rows, g.Columns, dx, dy, g.EPSG)
}

// Grid is a single-band raster with row-major values. Row 0 is the northern edge.
type Grid struct {
	Geometry
	NoData float64
	Values []float64
}

// New allocates a grid filled with the nodata value.
func New(geom Geometry, nodata float64) *Grid {
	g := &Grid{Geometry: geom, NoData: nodata, Values: make([]float64, geom.Rows*geom.Columns)}
	for i := range g.Values {
		g.Values[i] = nodata
	}
	return g
}

// Like allocates an empty grid with the same geometry and nodata value as g.
func (g *Grid) Like() *Grid {
	return New(g.Geometry, g.NoData)
}

// At returns the value at row, col.
func (g *Grid) At(row, col int) float64 {
	return g.Values[row*g.Columns+col]
}

// Set stores v at row, col.
func (g *Grid) Set(row, col int, v float64) {
	g.Values[row*g.Columns+col] = v
}

// IsNoData reports whether v is the grid's nodata value. NaN only counts as
// nodata when the grid declares NaN as its nodata value.
func (g *Grid) IsNoData(v float64) bool {
	if math.IsNaN(g.NoData) {
		return math.IsNaN(v)
	}
	return v == g.NoData
}
