package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/banshee-data/terrain.covariates/internal/artifact"
	"github.com/banshee-data/terrain.covariates/internal/config"
	"github.com/banshee-data/terrain.covariates/internal/engine"
	"github.com/banshee-data/terrain.covariates/internal/raster"
)

// Artifact names.
const (
	ArtifactDEM          = "dem"
	ArtifactSlope        = "slope"
	ArtifactDSM          = "dsm"
	ArtifactDEMSmoothed  = "dem_smoothed"
	ArtifactDEMCorrected = "dem_corrected"
	ArtifactD8           = "d8"
	ArtifactStreams      = "streams"
	ArtifactStreamsVec   = "streams_vector"
	ArtifactDInf         = "dinf"
	ArtifactPDep         = "pdep"
	ArtifactTWI          = "twi"
	ArtifactCHM          = "chm"
	ArtifactDaylight     = "daylight"
	ArtifactHillshade    = "hillshade"
	ArtifactDepthToWater = "depth_to_water"
)

// Stage names, in declaration order.
const (
	StageLoadDEM      = "load-dem"
	StageSmooth       = "smooth"
	StageBreach       = "breach"
	StageD8           = "d8"
	StageStreams      = "streams"
	StageDInf         = "dinf"
	StagePDep         = "pdep"
	StageTWI          = "twi"
	StageCHM          = "chm"
	StageDaylight     = "daylight"
	StageHillshade    = "hillshade"
	StageDepthToWater = "depth-to-water"
)

// outputFiles are the default file names of produced artifacts, relative to
// the output directory.
var outputFiles = []struct {
	name string
	kind artifact.Kind
	file string
}{
	{ArtifactDEMSmoothed, artifact.KindRaster, "dem_smoothed.tif"},
	{ArtifactDEMCorrected, artifact.KindRaster, "dem_corrected.tif"},
	{ArtifactD8, artifact.KindRaster, "d8.tif"},
	{ArtifactStreams, artifact.KindRaster, "streams.tif"},
	{ArtifactStreamsVec, artifact.KindVector, "streams_vector.shp"},
	{ArtifactDInf, artifact.KindRaster, "dinf.tif"},
	{ArtifactPDep, artifact.KindRaster, "pdep.tif"},
	{ArtifactTWI, artifact.KindRaster, "twi.tif"},
	{ArtifactCHM, artifact.KindRaster, "canopyHeight.tif"},
	{ArtifactDaylight, artifact.KindRaster, "timeInDaylight.tif"},
	{ArtifactHillshade, artifact.KindRaster, "corrected_hillshade.tif"},
	{ArtifactDepthToWater, artifact.KindRaster, "depthToWater.tif"},
}

// Artifacts declares every artifact with the paths configured in cfg.
func Artifacts(cfg *config.Config) ([]artifact.Def, error) {
	inputDir, err := filepath.Abs(cfg.GetInputDir())
	if err != nil {
		return nil, err
	}
	var defs []artifact.Def
	for _, name := range []string{ArtifactDEM, ArtifactSlope, ArtifactDSM} {
		p := cfg.GetInput(name)
		if !filepath.IsAbs(p) {
			p = filepath.Join(inputDir, p)
		}
		defs = append(defs, artifact.Def{Name: name, Kind: artifact.KindInput, Path: p})
	}
	for _, o := range outputFiles {
		defs = append(defs, artifact.Def{Name: o.name, Kind: o.kind, Path: cfg.GetOutput(o.name, o.file)})
	}
	return defs, nil
}

// streamParams and canopyParams are the fingerprinted parameters of the
// native stages.
type streamParams struct {
	Threshold float64 `json:"threshold"`
}

type canopyParams struct {
	NegativePolicy string `json:"negative_policy"`
}

// Stages builds the enabled stages from cfg in declaration order.
func Stages(cfg *config.Config) ([]*Stage, error) {
	negative, err := raster.ParseNegativePolicy(cfg.Canopy.GetNegativePolicy())
	if err != nil {
		return nil, err
	}

	smooth := engine.SmoothParams{
		FilterSize:          cfg.Smoothing.GetFilterSize(),
		NormalDiffThreshold: cfg.Smoothing.GetNormalDiffThreshold(),
		Iterations:          cfg.Smoothing.GetIterations(),
	}
	breach := engine.BreachParams{
		MaxDist:  cfg.Breaching.GetMaxDist(),
		FillDeps: cfg.Breaching.GetFillDeps(),
	}
	streams := streamParams{Threshold: cfg.Streams.GetThreshold()}
	dinf := engine.FlowParams{Log: cfg.DInf.GetLog()}
	stochastic := engine.StochasticParams{
		RMSE:       cfg.Stochastic.GetRMSE(),
		Range:      cfg.Stochastic.GetRange(),
		Iterations: cfg.Stochastic.GetIterations(),
	}
	canopy := canopyParams{NegativePolicy: cfg.Canopy.GetNegativePolicy()}
	daylight := engine.DaylightParams{
		Lat:        cfg.Daylight.GetLat(),
		Long:       cfg.Daylight.GetLong(),
		AzFraction: cfg.Daylight.GetAzFraction(),
		MaxDist:    cfg.Daylight.GetMaxDist(),
		UTCOffset:  cfg.Daylight.GetUTCOffset(),
		StartDay:   cfg.Daylight.GetStartDay(),
		EndDay:     cfg.Daylight.GetEndDay(),
		StartTime:  cfg.Daylight.GetStartTime(),
		EndTime:    cfg.Daylight.GetEndTime(),
	}
	located := cfg.Daylight.Located()

	stages := []*Stage{
		{
			Name:   StageLoadDEM,
			Inputs: []string{ArtifactDEM},
			Run:    runLoadDEM,
		},
		{
			Name:    StageSmooth,
			Inputs:  []string{ArtifactDEM},
			Outputs: []string{ArtifactDEMSmoothed},
			Params:  smooth,
			Run: func(ctx context.Context, x *Exec) error {
				return engineOp(x, "FeaturePreservingSmoothing",
					x.Engine.Smooth(ctx, x.In(ArtifactDEM), x.Out(ArtifactDEMSmoothed), smooth))
			},
		},
		{
			Name:    StageBreach,
			Inputs:  []string{ArtifactDEMSmoothed},
			Outputs: []string{ArtifactDEMCorrected},
			Params:  breach,
			Run: func(ctx context.Context, x *Exec) error {
				return engineOp(x, "BreachDepressionsLeastCost",
					x.Engine.BreachDepressions(ctx, x.In(ArtifactDEMSmoothed), x.Out(ArtifactDEMCorrected), breach))
			},
		},
		{
			Name:    StageD8,
			Inputs:  []string{ArtifactDEMCorrected},
			Outputs: []string{ArtifactD8},
			Run: func(ctx context.Context, x *Exec) error {
				return engineOp(x, "D8FlowAccumulation",
					x.Engine.D8FlowAccumulation(ctx, x.In(ArtifactDEMCorrected), x.Out(ArtifactD8)))
			},
		},
		{
			Name:    StageStreams,
			Inputs:  []string{ArtifactD8},
			Outputs: []string{ArtifactStreams, ArtifactStreamsVec},
			Params:  streams,
			Run: func(ctx context.Context, x *Exec) error {
				return runStreams(ctx, x, streams.Threshold)
			},
		},
		{
			Name:    StageDInf,
			Inputs:  []string{ArtifactDEMCorrected},
			Outputs: []string{ArtifactDInf},
			Params:  dinf,
			Run: func(ctx context.Context, x *Exec) error {
				return engineOp(x, "DInfFlowAccumulation",
					x.Engine.DInfFlowAccumulation(ctx, x.In(ArtifactDEMCorrected), x.Out(ArtifactDInf), dinf))
			},
		},
		{
			Name:    StagePDep,
			Inputs:  []string{ArtifactDEMCorrected},
			Outputs: []string{ArtifactPDep},
			Params:  stochastic,
			Run: func(ctx context.Context, x *Exec) error {
				return runPDep(ctx, x, stochastic)
			},
		},
		{
			Name:    StageTWI,
			Inputs:  []string{ArtifactDInf, ArtifactSlope},
			Outputs: []string{ArtifactTWI},
			Run:     runTWI,
		},
		{
			Name:    StageCHM,
			Inputs:  []string{ArtifactDSM, ArtifactDEMCorrected},
			Outputs: []string{ArtifactCHM},
			Params:  canopy,
			Run: func(ctx context.Context, x *Exec) error {
				return runCHM(x, negative)
			},
		},
		{
			Name:    StageDaylight,
			Inputs:  []string{ArtifactDSM},
			Outputs: []string{ArtifactDaylight},
			Params:  daylight,
			Ready: func() error {
				if !located {
					return errors.New("daylight.lat and daylight.long must be set")
				}
				return nil
			},
			Run: func(ctx context.Context, x *Exec) error {
				return engineOp(x, "TimeInDaylight",
					x.Engine.TimeInDaylight(ctx, x.In(ArtifactDSM), x.Out(ArtifactDaylight), daylight))
			},
		},
	}

	if cfg.Hillshade.GetEnabled() {
		hs := engine.HillshadeParams{Azimuth: cfg.Hillshade.GetAzimuth(), Altitude: cfg.Hillshade.GetAltitude()}
		stages = append(stages, &Stage{
			Name:    StageHillshade,
			Inputs:  []string{ArtifactDEMCorrected},
			Outputs: []string{ArtifactHillshade},
			Params:  hs,
			Run: func(ctx context.Context, x *Exec) error {
				return engineOp(x, "Hillshade",
					x.Engine.Hillshade(ctx, x.In(ArtifactDEMCorrected), x.Out(ArtifactHillshade), hs))
			},
		})
	}
	if cfg.DepthToWater.GetEnabled() {
		stages = append(stages, &Stage{
			Name:    StageDepthToWater,
			Inputs:  []string{ArtifactDEMCorrected, ArtifactStreamsVec},
			Outputs: []string{ArtifactDepthToWater},
			Run: func(ctx context.Context, x *Exec) error {
				return engineOp(x, "DepthToWater",
					x.Engine.DepthToWater(ctx, x.In(ArtifactDEMCorrected), x.In(ArtifactStreamsVec), x.Out(ArtifactDepthToWater)))
			},
		})
	}
	return stages, nil
}

func engineOp(x *Exec, op string, err error) error {
	if err != nil {
		return &ProcessingError{Stage: x.Stage, Operation: op, Err: err}
	}
	return nil
}

func runLoadDEM(ctx context.Context, x *Exec) error {
	path := x.In(ArtifactDEM)
	g, err := raster.Read(path)
	if err != nil {
		return &MissingInputError{Stage: x.Stage, Artifact: ArtifactDEM, Path: path, Err: err}
	}
	stats := raster.Summarize(g)
	x.Count("cells", stats.Cells)
	x.Count("nodata_cells", stats.NoData)
	x.Logger.Info("DEM loaded",
		zap.String("path", path),
		zap.Stringer("geometry", g.Geometry),
		zap.Float64("min", stats.Min),
		zap.Float64("max", stats.Max),
	)
	return nil
}

func runStreams(ctx context.Context, x *Exec, threshold float64) error {
	d8, err := raster.Read(x.In(ArtifactD8))
	if err != nil {
		return &ProcessingError{Stage: x.Stage, Operation: "read d8", Err: err}
	}
	mask := raster.Threshold(d8, threshold)
	cells := raster.Count(mask, func(v float64) bool { return v == 1 })
	x.Count("stream_cells", cells)
	x.Logger.Info("stream network extracted", zap.Float64("threshold", threshold), zap.Int("stream_cells", cells))

	if err := raster.Write(mask, x.Out(ArtifactStreams)); err != nil {
		return &ProcessingError{Stage: x.Stage, Operation: "write streams", Err: err}
	}
	return engineOp(x, "RasterToVectorLines",
		x.Engine.RasterToVectorLines(ctx, x.Out(ArtifactStreams), x.Out(ArtifactStreamsVec)))
}

func runPDep(ctx context.Context, x *Exec, p engine.StochasticParams) error {
	if p.Iterations < 1 {
		return &ProcessingError{Stage: x.Stage, Operation: "configure", Err: fmt.Errorf("iterations must be at least 1, got %d", p.Iterations)}
	}
	if err := engineOp(x, "StochasticDepressionAnalysis",
		x.Engine.StochasticDepressionAnalysis(ctx, x.In(ArtifactDEMCorrected), x.Out(ArtifactPDep), p)); err != nil {
		return err
	}
	g, err := raster.Read(x.Out(ArtifactPDep))
	if err != nil {
		return &ProcessingError{Stage: x.Stage, Operation: "read pdep", Err: err}
	}
	if err := raster.CheckRange(g, 0, 1); err != nil {
		return &ProcessingError{Stage: x.Stage, Operation: "probability range check", Err: err}
	}
	return nil
}

// twiUndefined marks index cells that carry no information: flat or unknown
// slope, or a non-finite index.
func twiUndefined(v, slope float64) bool {
	return math.IsNaN(slope) || slope == 0 || math.IsNaN(v) || math.IsInf(v, 0)
}

func runTWI(ctx context.Context, x *Exec) error {
	sca, err := raster.Read(x.In(ArtifactDInf))
	if err != nil {
		return &ProcessingError{Stage: x.Stage, Operation: "read dinf", Err: err}
	}
	slope, err := raster.Read(x.In(ArtifactSlope))
	if err != nil {
		return &MissingInputError{Stage: x.Stage, Artifact: ArtifactSlope, Path: x.In(ArtifactSlope), Err: err}
	}
	if err := sca.Match(slope.Geometry); err != nil {
		return &InputMismatchError{Stage: x.Stage, Left: ArtifactDInf, Right: ArtifactSlope, Detail: err.Error()}
	}

	out := x.Out(ArtifactTWI)
	if err := engineOp(x, "WetnessIndex", x.Engine.WetnessIndex(ctx, x.In(ArtifactDInf), x.In(ArtifactSlope), out)); err != nil {
		return err
	}
	twi, err := raster.Read(out)
	if err != nil {
		return &ProcessingError{Stage: x.Stage, Operation: "read twi", Err: err}
	}
	masked, flagged, err := raster.MaskWhere(twi, slope, twiUndefined)
	if err != nil {
		return &InputMismatchError{Stage: x.Stage, Left: ArtifactTWI, Right: ArtifactSlope, Detail: err.Error()}
	}
	x.Count("flagged_cells", flagged)
	if flagged > 0 {
		x.Logger.Info("wetness index undefined cells set to nodata", zap.Int("flagged_cells", flagged))
	}
	if err := raster.Write(masked, out); err != nil {
		return &ProcessingError{Stage: x.Stage, Operation: "write twi", Err: err}
	}
	return nil
}

func runCHM(x *Exec, policy raster.NegativePolicy) error {
	dsm, err := raster.Read(x.In(ArtifactDSM))
	if err != nil {
		return &MissingInputError{Stage: x.Stage, Artifact: ArtifactDSM, Path: x.In(ArtifactDSM), Err: err}
	}
	dem, err := raster.Read(x.In(ArtifactDEMCorrected))
	if err != nil {
		return &ProcessingError{Stage: x.Stage, Operation: "read dem_corrected", Err: err}
	}
	if err := dsm.Match(dem.Geometry); err != nil {
		return &InputMismatchError{Stage: x.Stage, Left: ArtifactDSM, Right: ArtifactDEMCorrected, Detail: err.Error()}
	}
	chm, negatives, err := raster.Subtract(dsm, dem, policy)
	if err != nil {
		return &ProcessingError{Stage: x.Stage, Operation: "subtract", Err: err}
	}
	x.Count("negative_cells", negatives)
	if negatives > 0 {
		x.Logger.Info("canopy height has cells below ground", zap.Int("negative_cells", negatives))
	}
	if err := raster.Write(chm, x.Out(ArtifactCHM)); err != nil {
		return &ProcessingError{Stage: x.Stage, Operation: "write chm", Err: err}
	}
	return nil
}
