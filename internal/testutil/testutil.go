// Package testutil provides shared test fixtures: synthetic terrain grids,
// an on-disk input set and a fake raster engine.
//
// This package centralises common test helpers to reduce code duplication
// across test files and improve test maintainability.
package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/banshee-data/terrain.covariates/internal/raster"
)

// NoData is the nodata value used by every fixture grid.
const NoData = -32768.0

// Geometry returns a UTM 17N geometry of rows x cols one-metre cells.
func Geometry(rows, cols int) raster.Geometry {
	return raster.Geometry{
		Rows: rows, Columns: cols,
		North: 4_980_000 + float64(rows), South: 4_980_000,
		East: 500_000 + float64(cols), West: 500_000,
		EPSG: 26917,
	}
}

// Flat returns a grid with every cell set to v.
func Flat(rows, cols int, v float64) *raster.Grid {
	g := raster.New(Geometry(rows, cols), NoData)
	for i := range g.Values {
		g.Values[i] = v
	}
	return g
}

// Ramp returns a surface that falls from north-west to south-east, so flow
// accumulates towards the bottom-right corner.
func Ramp(rows, cols int) *raster.Grid {
	g := raster.New(Geometry(rows, cols), NoData)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			g.Set(r, c, 200-float64(r+c))
		}
	}
	return g
}

// Pit returns a ramp with a single-cell depression at row, col.
func Pit(rows, cols, row, col int) *raster.Grid {
	g := Ramp(rows, cols)
	g.Set(row, col, g.At(row, col)-25)
	return g
}

// WriteGrid writes g to path, creating parent directories.
func WriteGrid(t testing.TB, g *raster.Grid, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", filepath.Dir(path), err)
	}
	if err := raster.Write(g, path); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// Inputs is an on-disk set of pipeline inputs.
type Inputs struct {
	Dir   string
	DEM   string
	Slope string
	DSM   string
}

// WriteInputs writes dem.tif, slope.tif and dsm.tif into dir/inputs. The DSM
// is the DEM raised by canopy, the slope is constant unless slope is nil.
func WriteInputs(t testing.TB, dir string, dem, slope *raster.Grid, canopy float64) Inputs {
	t.Helper()
	in := Inputs{
		Dir:   filepath.Join(dir, "inputs"),
		DEM:   filepath.Join(dir, "inputs", "dem.tif"),
		Slope: filepath.Join(dir, "inputs", "slope.tif"),
		DSM:   filepath.Join(dir, "inputs", "dsm.tif"),
	}
	if slope == nil {
		slope = Flat(dem.Rows, dem.Columns, 5)
	}
	dsm := dem.Like()
	for i, v := range dem.Values {
		if dem.IsNoData(v) {
			continue
		}
		dsm.Values[i] = v + canopy
	}
	WriteGrid(t, dem, in.DEM)
	WriteGrid(t, slope, in.Slope)
	WriteGrid(t, dsm, in.DSM)
	return in
}

// ReadGrid reads path or fails the test.
func ReadGrid(t testing.TB, path string) *raster.Grid {
	t.Helper()
	g, err := raster.Read(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return g
}
