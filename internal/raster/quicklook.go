package raster

import (
	"fmt"
	"image/color"
	"math"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// maxQuicklookCells bounds the number of cells drawn per side; larger grids
// are sampled with a fixed stride.
const maxQuicklookCells = 512

// gridXYZ adapts a Grid to plotter.GridXYZ. Plot rows run south to north,
// the reverse of raster rows.
type gridXYZ struct {
	g        *Grid
	stride   int
	min, max float64
}

func newGridXYZ(g *Grid) *gridXYZ {
	stride := 1
	if n := max(g.Rows, g.Columns); n > maxQuicklookCells {
		stride = (n + maxQuicklookCells - 1) / maxQuicklookCells
	}
	s := Summarize(g)
	lo, hi := s.Min, s.Max
	if s.Valid == 0 {
		lo, hi = 0, 1
	}
	if hi <= lo {
		hi = lo + 1
	}
	return &gridXYZ{g: g, stride: stride, min: lo, max: hi}
}

func (x *gridXYZ) Dims() (c, r int) {
	return (x.g.Columns + x.stride - 1) / x.stride, (x.g.Rows + x.stride - 1) / x.stride
}

func (x *gridXYZ) Z(c, r int) float64 {
	_, rows := x.Dims()
	row := (rows - 1 - r) * x.stride
	v := x.g.At(row, c*x.stride)
	if x.g.IsNoData(v) || math.IsInf(v, 0) {
		return math.NaN()
	}
	return v
}

func (x *gridXYZ) X(c int) float64 {
	dx, _ := x.g.CellSize()
	return x.g.West + (float64(c*x.stride)+0.5)*dx
}

func (x *gridXYZ) Y(r int) float64 {
	_, dy := x.g.CellSize()
	_, rows := x.Dims()
	row := (rows - 1 - r) * x.stride
	return x.g.North - (float64(row)+0.5)*dy
}

func (x *gridXYZ) Min() float64 { return x.min }
func (x *gridXYZ) Max() float64 { return x.max }

// WriteQuicklook renders g as a heat map PNG (or any format plot.Save accepts
// from the extension of path).
func WriteQuicklook(g *Grid, path, title string) error {
	if g.Rows == 0 || g.Columns == 0 {
		return fmt.Errorf("cannot render empty grid")
	}
	xyz := newGridXYZ(g)

	hm := plotter.NewHeatMap(xyz, palette.Heat(32, 1))
	hm.Min, hm.Max = xyz.min, xyz.max
	hm.NaN = color.Transparent
	hm.Rasterized = true

	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "easting"
	p.Y.Label.Text = "northing"
	p.Add(hm)

	if err := p.Save(8*vg.Inch, 8*vg.Inch, path); err != nil {
		return fmt.Errorf("failed to save quicklook %s: %w", path, err)
	}
	return nil
}
