package whitebox

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/banshee-data/terrain.covariates/internal/engine"
)

// Tool names as registered in WhiteboxTools.
const (
	ToolSmooth       = "FeaturePreservingSmoothing"
	ToolBreach       = "BreachDepressionsLeastCost"
	ToolD8           = "D8FlowAccumulation"
	ToolDInf         = "DInfFlowAccumulation"
	ToolVectorLines  = "RasterToVectorLines"
	ToolStochastic   = "StochasticDepressionAnalysis"
	ToolWetness      = "WetnessIndex"
	ToolDaylight     = "TimeInDaylight"
	ToolHillshade    = "Hillshade"
	ToolDepthToWater = "DepthToWater"
)

// Engine implements engine.Engine on top of an Executor.
type Engine struct {
	exec *Executor
}

var _ engine.Engine = (*Engine)(nil)

// New creates a WhiteboxTools engine for cfg.
func New(cfg engine.Config) *Engine {
	return &Engine{exec: NewExecutor(cfg)}
}

// NewWithExecutor wraps an existing executor, typically one with a fake Runner.
func NewWithExecutor(e *Executor) *Engine {
	return &Engine{exec: e}
}

// Executor exposes the underlying executor for logger wiring.
func (w *Engine) Executor() *Executor { return w.exec }

func f64(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }

func (w *Engine) Smooth(ctx context.Context, dem, out string, p engine.SmoothParams) error {
	_, err := w.exec.RunTool(ctx, ToolSmooth,
		"--dem="+dem,
		"--output="+out,
		fmt.Sprintf("--filter=%d", p.FilterSize),
		"--norm_diff="+f64(p.NormalDiffThreshold),
		fmt.Sprintf("--num_iter=%d", p.Iterations),
	)
	return err
}

func (w *Engine) BreachDepressions(ctx context.Context, dem, out string, p engine.BreachParams) error {
	args := []string{
		"--dem=" + dem,
		"--output=" + out,
		fmt.Sprintf("--dist=%d", p.MaxDist),
	}
	if p.FillDeps {
		args = append(args, "--fill")
	}
	_, err := w.exec.RunTool(ctx, ToolBreach, args...)
	return err
}

func (w *Engine) D8FlowAccumulation(ctx context.Context, dem, out string) error {
	_, err := w.exec.RunTool(ctx, ToolD8,
		"--input="+dem,
		"--output="+out,
		"--out_type=specific contributing area",
	)
	return err
}

func (w *Engine) DInfFlowAccumulation(ctx context.Context, dem, out string, p engine.FlowParams) error {
	args := []string{
		"--input=" + dem,
		"--output=" + out,
		"--out_type=Specific Contributing Area",
	}
	if p.Log {
		args = append(args, "--log")
	}
	_, err := w.exec.RunTool(ctx, ToolDInf, args...)
	return err
}

func (w *Engine) RasterToVectorLines(ctx context.Context, in, out string) error {
	_, err := w.exec.RunTool(ctx, ToolVectorLines, "--input="+in, "--output="+out)
	return err
}

func (w *Engine) StochasticDepressionAnalysis(ctx context.Context, dem, out string, p engine.StochasticParams) error {
	_, err := w.exec.RunTool(ctx, ToolStochastic,
		"--dem="+dem,
		"--output="+out,
		"--rmse="+f64(p.RMSE),
		"--range="+f64(p.Range),
		fmt.Sprintf("--iterations=%d", p.Iterations),
	)
	return err
}

func (w *Engine) WetnessIndex(ctx context.Context, sca, slope, out string) error {
	_, err := w.exec.RunTool(ctx, ToolWetness, "--sca="+sca, "--slope="+slope, "--output="+out)
	return err
}

func (w *Engine) TimeInDaylight(ctx context.Context, dsm, out string, p engine.DaylightParams) error {
	_, err := w.exec.RunTool(ctx, ToolDaylight,
		"--dem="+dsm,
		"--output="+out,
		"--az_fraction="+f64(p.AzFraction),
		"--max_dist="+f64(p.MaxDist),
		"--lat="+f64(p.Lat),
		"--long="+f64(p.Long),
		"--utc_offset="+utcOffset(p.UTCOffset),
		fmt.Sprintf("--start_day=%d", p.StartDay),
		fmt.Sprintf("--end_day=%d", p.EndDay),
		"--start_time="+p.StartTime,
		"--end_time="+p.EndTime,
	)
	return err
}

// utcOffset normalises "-05:00" to the "UTC-05:00" form the tool expects.
func utcOffset(s string) string {
	if strings.HasPrefix(s, "UTC") {
		return s
	}
	return "UTC" + s
}

func (w *Engine) Hillshade(ctx context.Context, dem, out string, p engine.HillshadeParams) error {
	_, err := w.exec.RunTool(ctx, ToolHillshade,
		"--dem="+dem,
		"--output="+out,
		"--azimuth="+f64(p.Azimuth),
		"--altitude="+f64(p.Altitude),
	)
	return err
}

func (w *Engine) DepthToWater(ctx context.Context, dem, streams, out string) error {
	_, err := w.exec.RunTool(ctx, ToolDepthToWater, "--dem="+dem, "--streams="+streams, "--output="+out)
	return err
}

// Version returns the first line of `whitebox_tools --version`.
func (w *Engine) Version(ctx context.Context) (string, error) {
	out, err := w.exec.run(ctx, "version", []string{"--version"})
	if err != nil {
		return "", err
	}
	line, _, _ := strings.Cut(strings.TrimSpace(out), "\n")
	return strings.TrimSpace(line), nil
}
