package raster

import (
	"fmt"
	"math"
)

// NegativePolicy decides what Subtract does with negative differences.
type NegativePolicy int

const (
	// KeepNegative stores negative differences unchanged.
	KeepNegative NegativePolicy = iota
	// ClampNegative replaces negative differences with zero.
	ClampNegative
	// NoDataNegative replaces negative differences with nodata.
	NoDataNegative
)

// ParseNegativePolicy maps the config names keep, clamp and nodata.
func ParseNegativePolicy(s string) (NegativePolicy, error) {
	switch s {
	case "", "keep":
		return KeepNegative, nil
	case "clamp":
		return ClampNegative, nil
	case "nodata":
		return NoDataNegative, nil
	}
	return KeepNegative, fmt.Errorf("unknown negative policy %q", s)
}

// Threshold returns a 0/1 mask that is 1 where g is strictly greater than t.
// Nodata cells stay nodata.
func Threshold(g *Grid, t float64) *Grid {
	out := g.Like()
	for i, v := range g.Values {
		switch {
		case g.IsNoData(v):
		case v > t:
			out.Values[i] = 1
		default:
			out.Values[i] = 0
		}
	}
	return out
}

// Subtract returns a - b cell by cell. Cells that are nodata in either input
// are nodata in the result, which uses a's nodata value. The negative policy
// applies to the remaining cells.
func Subtract(a, b *Grid, policy NegativePolicy) (*Grid, int, error) {
	if err := a.Match(b.Geometry); err != nil {
		return nil, 0, err
	}
	out := a.Like()
	negatives := 0
	for i, av := range a.Values {
		bv := b.Values[i]
		if a.IsNoData(av) || b.IsNoData(bv) {
			continue
		}
		d := av - bv
		if d < 0 {
			negatives++
			switch policy {
			case ClampNegative:
				d = 0
			case NoDataNegative:
				continue
			}
		}
		out.Values[i] = d
	}
	return out, negatives, nil
}

// MaskWhere copies g and sets to nodata every cell for which undefined
// returns true. ref supplies the second argument cell by cell; ref cells that
// are nodata are passed as NaN. The number of newly masked cells is returned.
func MaskWhere(g, ref *Grid, undefined func(v, r float64) bool) (*Grid, int, error) {
	if err := g.Match(ref.Geometry); err != nil {
		return nil, 0, err
	}
	out := g.Like()
	masked := 0
	for i, v := range g.Values {
		if g.IsNoData(v) {
			continue
		}
		r := ref.Values[i]
		if ref.IsNoData(r) {
			r = math.NaN()
		}
		if undefined(v, r) {
			masked++
			continue
		}
		out.Values[i] = v
	}
	return out, masked, nil
}

// RangeError reports the first cell outside an expected value range.
type RangeError struct {
	Row, Col int
	Value    float64
	Lo, Hi   float64
	Count    int
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("%d cells outside [%g, %g], first at row %d col %d = %g",
		e.Count, e.Lo, e.Hi, e.Row, e.Col, e.Value)
}

// CheckRange verifies every data cell lies in [lo, hi]. Non-finite values
// fail the check.
func CheckRange(g *Grid, lo, hi float64) error {
	var first *RangeError
	for i, v := range g.Values {
		if g.IsNoData(v) {
			continue
		}
		if v >= lo && v <= hi {
			continue
		}
		if first == nil {
			first = &RangeError{Row: i / g.Columns, Col: i % g.Columns, Value: v, Lo: lo, Hi: hi}
		}
		first.Count++
	}
	if first != nil {
		return first
	}
	return nil
}

// Count returns the number of data cells for which pred is true.
func Count(g *Grid, pred func(v float64) bool) int {
	n := 0
	for _, v := range g.Values {
		if !g.IsNoData(v) && pred(v) {
			n++
		}
	}
	return n
}
