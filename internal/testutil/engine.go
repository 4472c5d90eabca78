package testutil

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/banshee-data/terrain.covariates/internal/engine"
	"github.com/banshee-data/terrain.covariates/internal/raster"
)

// Operation names recorded by FakeEngine.
const (
	OpSmooth       = "Smooth"
	OpBreach       = "BreachDepressions"
	OpD8           = "D8FlowAccumulation"
	OpDInf         = "DInfFlowAccumulation"
	OpVectorLines  = "RasterToVectorLines"
	OpStochastic   = "StochasticDepressionAnalysis"
	OpWetness      = "WetnessIndex"
	OpDaylight     = "TimeInDaylight"
	OpHillshade    = "Hillshade"
	OpDepthToWater = "DepthToWater"
	OpVersion      = "Version"
)

// Call is one recorded engine invocation.
type Call struct {
	Op     string
	Inputs []string
	Output string
}

// FakeEngine implements engine.Engine with small deterministic stand-ins for
// the terrain algorithms. It reads and writes real raster files so the
// pipeline's persistence contract is exercised end to end.
type FakeEngine struct {
	mu    sync.Mutex
	calls []Call

	// FailOn makes the named operation return the error without writing output.
	FailOn map[string]error

	// PDep overrides the depression probability written for each cell.
	PDep func(row, col int, pit bool) float64

	// Before runs ahead of every operation; a non-nil error aborts it.
	Before func(ctx context.Context, op string) error
}

var _ engine.Engine = (*FakeEngine)(nil)

// NewFakeEngine returns an engine with no failures configured.
func NewFakeEngine() *FakeEngine {
	return &FakeEngine{FailOn: map[string]error{}}
}

// Calls returns a copy of every recorded call.
func (f *FakeEngine) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// Count returns how many times op was invoked.
func (f *FakeEngine) Count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

// Total returns the number of terrain operations invoked, excluding Version.
func (f *FakeEngine) Total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.Op != OpVersion {
			n++
		}
	}
	return n
}

// Reset forgets recorded calls.
func (f *FakeEngine) Reset() {
	f.mu.Lock()
	f.calls = nil
	f.mu.Unlock()
}

func (f *FakeEngine) record(ctx context.Context, op, out string, inputs ...string) error {
	f.mu.Lock()
	f.calls = append(f.calls, Call{Op: op, Inputs: inputs, Output: out})
	err := f.FailOn[op]
	before := f.Before
	f.mu.Unlock()

	if before != nil {
		if err := before(ctx, op); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return err
}

func (f *FakeEngine) Smooth(ctx context.Context, dem, out string, p engine.SmoothParams) error {
	if err := f.record(ctx, OpSmooth, out, dem); err != nil {
		return err
	}
	g, err := raster.Read(dem)
	if err != nil {
		return err
	}
	return raster.Write(g, out)
}

// BreachDepressions raises every single-cell pit to its lowest neighbour.
func (f *FakeEngine) BreachDepressions(ctx context.Context, dem, out string, p engine.BreachParams) error {
	if err := f.record(ctx, OpBreach, out, dem); err != nil {
		return err
	}
	g, err := raster.Read(dem)
	if err != nil {
		return err
	}
	res := g.Like()
	copy(res.Values, g.Values)
	for r := 1; r < g.Rows-1; r++ {
		for c := 1; c < g.Columns-1; c++ {
			if low, ok := pitFloor(g, r, c); ok {
				res.Set(r, c, low)
			}
		}
	}
	return raster.Write(res, out)
}

func (f *FakeEngine) D8FlowAccumulation(ctx context.Context, dem, out string) error {
	if err := f.record(ctx, OpD8, out, dem); err != nil {
		return err
	}
	return accumulate(dem, out)
}

func (f *FakeEngine) DInfFlowAccumulation(ctx context.Context, dem, out string, p engine.FlowParams) error {
	if err := f.record(ctx, OpDInf, out, dem); err != nil {
		return err
	}
	return accumulate(dem, out)
}

// RasterToVectorLines writes a stub shapefile with its .shx and .dbf sidecars.
func (f *FakeEngine) RasterToVectorLines(ctx context.Context, in, out string) error {
	if err := f.record(ctx, OpVectorLines, out, in); err != nil {
		return err
	}
	g, err := raster.Read(in)
	if err != nil {
		return err
	}
	n := raster.Count(g, func(v float64) bool { return v == 1 })
	base := strings.TrimSuffix(out, filepath.Ext(out))
	for _, ext := range []string{".shp", ".shx", ".dbf"} {
		body := fmt.Sprintf("%s stream cells=%d\n", ext, n)
		if err := os.WriteFile(base+ext, []byte(body), 0o644); err != nil {
			return err
		}
	}
	return nil
}

// StochasticDepressionAnalysis marks pit cells with probability one.
func (f *FakeEngine) StochasticDepressionAnalysis(ctx context.Context, dem, out string, p engine.StochasticParams) error {
	if err := f.record(ctx, OpStochastic, out, dem); err != nil {
		return err
	}
	g, err := raster.Read(dem)
	if err != nil {
		return err
	}
	res := g.Like()
	for r := 0; r < g.Rows; r++ {
		for c := 0; c < g.Columns; c++ {
			if g.IsNoData(g.At(r, c)) {
				continue
			}
			_, pit := pitFloor(g, r, c)
			v := 0.0
			if pit {
				v = 1
			}
			if f.PDep != nil {
				v = f.PDep(r, c, pit)
			}
			res.Set(r, c, v)
		}
	}
	return raster.Write(res, out)
}

// WetnessIndex writes ln(sca / tan(slope)). Zero slope yields +Inf, as the
// real tool does not guard it either.
func (f *FakeEngine) WetnessIndex(ctx context.Context, sca, slope, out string) error {
	if err := f.record(ctx, OpWetness, out, sca, slope); err != nil {
		return err
	}
	a, err := raster.Read(sca)
	if err != nil {
		return err
	}
	s, err := raster.Read(slope)
	if err != nil {
		return err
	}
	if err := a.Match(s.Geometry); err != nil {
		return err
	}
	res := a.Like()
	for i, av := range a.Values {
		sv := s.Values[i]
		if a.IsNoData(av) || s.IsNoData(sv) {
			continue
		}
		res.Values[i] = math.Log(av / math.Tan(sv*math.Pi/180))
	}
	return raster.Write(res, out)
}

func (f *FakeEngine) TimeInDaylight(ctx context.Context, dsm, out string, p engine.DaylightParams) error {
	if err := f.record(ctx, OpDaylight, out, dsm); err != nil {
		return err
	}
	return constant(dsm, out, 0.5)
}

func (f *FakeEngine) Hillshade(ctx context.Context, dem, out string, p engine.HillshadeParams) error {
	if err := f.record(ctx, OpHillshade, out, dem); err != nil {
		return err
	}
	return constant(dem, out, 180)
}

func (f *FakeEngine) DepthToWater(ctx context.Context, dem, streams, out string) error {
	if err := f.record(ctx, OpDepthToWater, out, dem, streams); err != nil {
		return err
	}
	if _, err := os.Stat(streams); err != nil {
		return err
	}
	return constant(dem, out, 1.25)
}

func (f *FakeEngine) Version(ctx context.Context) (string, error) {
	if err := f.record(ctx, OpVersion, ""); err != nil {
		return "", err
	}
	return "fake 1.0", nil
}

// HasPit reports whether any interior cell of g is strictly lower than all
// eight neighbours.
func HasPit(g *raster.Grid) bool {
	for r := 1; r < g.Rows-1; r++ {
		for c := 1; c < g.Columns-1; c++ {
			if _, ok := pitFloor(g, r, c); ok {
				return true
			}
		}
	}
	return false
}

var neighbours = [8][2]int{{-1, -1}, {-1, 0}, {-1, 1}, {0, -1}, {0, 1}, {1, -1}, {1, 0}, {1, 1}}

// pitFloor returns the lowest neighbour of an interior pit cell.
func pitFloor(g *raster.Grid, r, c int) (float64, bool) {
	if r == 0 || c == 0 || r == g.Rows-1 || c == g.Columns-1 {
		return 0, false
	}
	v := g.At(r, c)
	if g.IsNoData(v) {
		return 0, false
	}
	low := math.Inf(1)
	for _, d := range neighbours {
		n := g.At(r+d[0], c+d[1])
		if g.IsNoData(n) || n <= v {
			return 0, false
		}
		low = math.Min(low, n)
	}
	return low, true
}

// accumulate routes each cell to its steepest downslope neighbour and writes
// the upslope cell count times the cell width.
func accumulate(dem, out string) error {
	g, err := raster.Read(dem)
	if err != nil {
		return err
	}
	dx, _ := g.CellSize()
	order := make([]int, 0, len(g.Values))
	count := make([]float64, len(g.Values))
	for i, v := range g.Values {
		if !g.IsNoData(v) {
			order = append(order, i)
			count[i] = 1
		}
	}
	sort.SliceStable(order, func(a, b int) bool { return g.Values[order[a]] > g.Values[order[b]] })
	for _, i := range order {
		r, c := i/g.Columns, i%g.Columns
		best, to := 0.0, -1
		for _, d := range neighbours {
			nr, nc := r+d[0], c+d[1]
			if nr < 0 || nc < 0 || nr >= g.Rows || nc >= g.Columns {
				continue
			}
			n := g.At(nr, nc)
			if g.IsNoData(n) {
				continue
			}
			drop := (g.Values[i] - n) / math.Hypot(float64(d[0]), float64(d[1]))
			if drop > best {
				best, to = drop, nr*g.Columns+nc
			}
		}
		if to >= 0 {
			count[to] += count[i]
		}
	}
	res := g.Like()
	for _, i := range order {
		res.Values[i] = count[i] * dx
	}
	return raster.Write(res, out)
}

func constant(in, out string, v float64) error {
	g, err := raster.Read(in)
	if err != nil {
		return err
	}
	res := g.Like()
	for i, x := range g.Values {
		if !g.IsNoData(x) {
			res.Values[i] = v
		}
	}
	return raster.Write(res, out)
}
