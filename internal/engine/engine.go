// Package engine defines the contract between the pipeline and the external
// raster-processing engine that implements the terrain algorithms.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrEngineUnavailable is returned when the engine executable cannot be started.
var ErrEngineUnavailable = errors.New("raster engine unavailable")

// Config is the engine environment. It is constructed explicitly by the
// orchestrator and passed to the engine; nothing about it is process-wide.
type Config struct {
	Binary     string
	WorkingDir string
	MaxProcs   int // -1 uses every core
	Verbose    bool
	Compress   bool
	Timeout    time.Duration // per tool; zero means none
	Env        []string      // extra KEY=VALUE entries for the engine process
}

// SmoothParams configures feature-preserving DEM smoothing.
type SmoothParams struct {
	FilterSize          int     `json:"filter_size"`
	NormalDiffThreshold float64 `json:"normal_diff_threshold"`
	Iterations          int     `json:"iterations"`
}

// BreachParams configures least-cost depression breaching.
type BreachParams struct {
	MaxDist  int  `json:"max_dist"`
	FillDeps bool `json:"fill_deps"`
}

// FlowParams configures flow accumulation. Output is always specific
// contributing area.
type FlowParams struct {
	Log bool `json:"log"`
}

// StochasticParams configures stochastic depression analysis.
type StochasticParams struct {
	RMSE       float64 `json:"rmse"`
	Range      float64 `json:"range"`
	Iterations int     `json:"iterations"`
}

// DaylightParams configures the time-in-daylight model.
type DaylightParams struct {
	Lat        float64 `json:"lat"`
	Long       float64 `json:"long"`
	AzFraction float64 `json:"az_fraction"`
	MaxDist    float64 `json:"max_dist"`
	UTCOffset  string  `json:"utc_offset"`
	StartDay   int     `json:"start_day"`
	EndDay     int     `json:"end_day"`
	StartTime  string  `json:"start_time"`
	EndTime    string  `json:"end_time"`
}

// HillshadeParams configures hillshading.
type HillshadeParams struct {
	Azimuth  float64 `json:"azimuth"`
	Altitude float64 `json:"altitude"`
}

// Engine runs the opaque terrain operations. Every method reads its inputs
// from and writes its output to the given file paths.
type Engine interface {
	Smooth(ctx context.Context, dem, out string, p SmoothParams) error
	BreachDepressions(ctx context.Context, dem, out string, p BreachParams) error
	D8FlowAccumulation(ctx context.Context, dem, out string) error
	DInfFlowAccumulation(ctx context.Context, dem, out string, p FlowParams) error
	RasterToVectorLines(ctx context.Context, in, out string) error
	StochasticDepressionAnalysis(ctx context.Context, dem, out string, p StochasticParams) error
	WetnessIndex(ctx context.Context, sca, slope, out string) error
	TimeInDaylight(ctx context.Context, dsm, out string, p DaylightParams) error
	Hillshade(ctx context.Context, dem, out string, p HillshadeParams) error
	DepthToWater(ctx context.Context, dem, streams, out string) error
	Version(ctx context.Context) (string, error)
}

// ToolError is a failed engine tool invocation.
type ToolError struct {
	Tool     string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ToolError) Error() string {
	msg := fmt.Sprintf("%s exited with code %d", e.Tool, e.ExitCode)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *ToolError) Unwrap() error { return e.Err }
