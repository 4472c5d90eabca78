package raster

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Stats summarises the data cells of a grid.
type Stats struct {
	Cells     int     `json:"cells"`
	Valid     int     `json:"valid"`
	NoData    int     `json:"nodata"`
	NonFinite int     `json:"non_finite,omitempty"`
	Min       float64 `json:"min"`
	Max       float64 `json:"max"`
	Mean      float64 `json:"mean"`
	StdDev    float64 `json:"std_dev"`
}

// Summarize computes cell counts and moments of the finite data cells.
// Min, Max, Mean and StdDev are zero when no cell is valid.
func Summarize(g *Grid) Stats {
	s := Stats{Cells: len(g.Values)}
	valid := make([]float64, 0, len(g.Values))
	for _, v := range g.Values {
		switch {
		case g.IsNoData(v):
			s.NoData++
		case math.IsNaN(v) || math.IsInf(v, 0):
			s.NonFinite++
		default:
			valid = append(valid, v)
		}
	}
	s.Valid = len(valid)
	if s.Valid == 0 {
		return s
	}
	s.Min = floats.Min(valid)
	s.Max = floats.Max(valid)
	if s.Valid == 1 {
		s.Mean = valid[0]
		return s
	}
	s.Mean, s.StdDev = stat.MeanStdDev(valid, nil)
	return s
}
