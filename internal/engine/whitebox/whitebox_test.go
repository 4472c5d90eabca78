package whitebox

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/terrain.covariates/internal/engine"
)

type call struct {
	dir  string
	env  []string
	name string
	args []string
}

type fakeRunner struct {
	mu     sync.Mutex
	calls  []call
	stdout string
	stderr string
	code   int
	err    error
	block  bool
}

func (f *fakeRunner) Run(ctx context.Context, dir string, env []string, name string, args ...string) ([]byte, []byte, int, error) {
	f.mu.Lock()
	f.calls = append(f.calls, call{dir: dir, env: env, name: name, args: args})
	f.mu.Unlock()
	if f.block {
		<-ctx.Done()
		return nil, nil, -1, ctx.Err()
	}
	return []byte(f.stdout), []byte(f.stderr), f.code, f.err
}

func (f *fakeRunner) last() call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

type testLogger struct {
	logs []string
}

func (l *testLogger) Debugf(format string, args ...interface{}) {
	l.logs = append(l.logs, format)
}

func newTestEngine(cfg engine.Config) (*Engine, *fakeRunner) {
	runner := &fakeRunner{}
	exec := NewExecutor(cfg)
	exec.Runner = runner
	return NewWithExecutor(exec), runner
}

func TestExecutorArgs(t *testing.T) {
	e := NewExecutor(engine.Config{WorkingDir: "/data/site", MaxProcs: -1, Verbose: true, Compress: true})
	got := e.Args(ToolD8, "--input=a.tif")
	want := []string{"--run=D8FlowAccumulation", "--wd=/data/site", "--max_procs=-1", "--compress_rasters=true", "-v", "--input=a.tif"}
	assert.Equal(t, want, got)

	quiet := NewExecutor(engine.Config{})
	assert.Equal(t, []string{"--run=Hillshade", "--compress_rasters=false"}, quiet.Args(ToolHillshade))
}

func TestToolArguments(t *testing.T) {
	ctx := context.Background()
	w, runner := newTestEngine(engine.Config{Binary: "/opt/wbt/whitebox_tools", WorkingDir: "/w", Env: []string{"RUST_BACKTRACE=1"}})

	tests := []struct {
		name string
		run  func() error
		want []string
	}{
		{"smooth", func() error {
			return w.Smooth(ctx, "/w/dem.tif", "/w/s.tif", engine.SmoothParams{FilterSize: 10, NormalDiffThreshold: 8, Iterations: 3})
		}, []string{"--run=FeaturePreservingSmoothing", "--dem=/w/dem.tif", "--output=/w/s.tif", "--filter=10", "--norm_diff=8", "--num_iter=3"}},
		{"breach", func() error {
			return w.BreachDepressions(ctx, "/w/s.tif", "/w/c.tif", engine.BreachParams{MaxDist: 7})
		}, []string{"--run=BreachDepressionsLeastCost", "--dem=/w/s.tif", "--output=/w/c.tif", "--dist=7"}},
		{"breach with fill", func() error {
			return w.BreachDepressions(ctx, "/w/s.tif", "/w/c.tif", engine.BreachParams{MaxDist: 50, FillDeps: true})
		}, []string{"--dist=50", "--fill"}},
		{"d8", func() error {
			return w.D8FlowAccumulation(ctx, "/w/c.tif", "/w/d8.tif")
		}, []string{"--run=D8FlowAccumulation", "--input=/w/c.tif", "--output=/w/d8.tif", "--out_type=specific contributing area"}},
		{"dinf", func() error {
			return w.DInfFlowAccumulation(ctx, "/w/c.tif", "/w/dinf.tif", engine.FlowParams{Log: true})
		}, []string{"--run=DInfFlowAccumulation", "--out_type=Specific Contributing Area", "--log"}},
		{"vector lines", func() error {
			return w.RasterToVectorLines(ctx, "/w/streams.tif", "/w/streams.shp")
		}, []string{"--run=RasterToVectorLines", "--input=/w/streams.tif", "--output=/w/streams.shp"}},
		{"stochastic", func() error {
			return w.StochasticDepressionAnalysis(ctx, "/w/c.tif", "/w/pdep.tif", engine.StochasticParams{RMSE: 1.63, Range: 90, Iterations: 100})
		}, []string{"--run=StochasticDepressionAnalysis", "--rmse=1.63", "--range=90", "--iterations=100"}},
		{"wetness", func() error {
			return w.WetnessIndex(ctx, "/w/dinf.tif", "/w/slope.tif", "/w/twi.tif")
		}, []string{"--run=WetnessIndex", "--sca=/w/dinf.tif", "--slope=/w/slope.tif", "--output=/w/twi.tif"}},
		{"daylight", func() error {
			return w.TimeInDaylight(ctx, "/w/dsm.tif", "/w/tid.tif", engine.DaylightParams{
				Lat: 44.938, Long: -82.495, AzFraction: 15, MaxDist: 100, UTCOffset: "-05:00",
				StartDay: 91, EndDay: 273, StartTime: "00:00:00", EndTime: "23:59:59",
			})
		}, []string{"--run=TimeInDaylight", "--dem=/w/dsm.tif", "--az_fraction=15", "--max_dist=100",
			"--lat=44.938", "--long=-82.495", "--utc_offset=UTC-05:00", "--start_day=91", "--end_day=273",
			"--start_time=00:00:00", "--end_time=23:59:59"}},
		{"hillshade", func() error {
			return w.Hillshade(ctx, "/w/c.tif", "/w/hs.tif", engine.HillshadeParams{Azimuth: 315, Altitude: 30})
		}, []string{"--run=Hillshade", "--azimuth=315", "--altitude=30"}},
		{"depth to water", func() error {
			return w.DepthToWater(ctx, "/w/c.tif", "/w/streams.shp", "/w/dtw.tif")
		}, []string{"--run=DepthToWater", "--dem=/w/c.tif", "--streams=/w/streams.shp", "--output=/w/dtw.tif"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, tt.run())
			c := runner.last()
			assert.Equal(t, "/opt/wbt/whitebox_tools", c.name)
			assert.Equal(t, "/w", c.dir)
			assert.Equal(t, []string{"RUST_BACKTRACE=1"}, c.env)
			for _, arg := range tt.want {
				assert.Contains(t, c.args, arg)
			}
		})
	}

	// Fill is a flag and must be absent when disabled.
	require.NoError(t, w.BreachDepressions(ctx, "a", "b", engine.BreachParams{MaxDist: 7}))
	assert.NotContains(t, runner.last().args, "--fill")
}

func TestUTCOffset(t *testing.T) {
	assert.Equal(t, "UTC-05:00", utcOffset("-05:00"))
	assert.Equal(t, "UTC+01:00", utcOffset("UTC+01:00"))
}

func TestToolFailure(t *testing.T) {
	w, runner := newTestEngine(engine.Config{})
	logger := &testLogger{}
	w.Executor().SetLogger(logger)
	runner.code = 1
	runner.err = errors.New("exit status 1")
	runner.stdout = "progress 10%\nprogress 20%\n"
	runner.stderr = "thread 'main' panicked\nError: memory allocation of 8589934592 bytes failed\n"

	err := w.StochasticDepressionAnalysis(context.Background(), "a", "b", engine.StochasticParams{Iterations: 1000})
	var toolErr *engine.ToolError
	require.ErrorAs(t, err, &toolErr)
	assert.Equal(t, ToolStochastic, toolErr.Tool)
	assert.Equal(t, 1, toolErr.ExitCode)
	assert.Contains(t, toolErr.Error(), "memory allocation")
	assert.NotEmpty(t, logger.logs)
}

func TestEngineUnavailable(t *testing.T) {
	w, runner := newTestEngine(engine.Config{Binary: "missing_whitebox"})
	runner.code = 127
	runner.err = &exec.Error{Name: "missing_whitebox", Err: exec.ErrNotFound}

	err := w.Smooth(context.Background(), "a", "b", engine.SmoothParams{})
	assert.ErrorIs(t, err, engine.ErrEngineUnavailable)
}

func TestToolTimeout(t *testing.T) {
	w, runner := newTestEngine(engine.Config{Timeout: 10 * time.Millisecond})
	runner.block = true

	err := w.D8FlowAccumulation(context.Background(), "a", "b")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestVersion(t *testing.T) {
	w, runner := newTestEngine(engine.Config{})
	runner.stdout = "WhiteboxTools v2.4.0 (c) Dr. John Lindsay 2017-2023\n\nWhiteboxTools is an advanced geospatial data analysis platform\n"

	v, err := w.Version(context.Background())
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(v, "WhiteboxTools v2.4.0"))
	assert.Equal(t, []string{"--version"}, runner.last().args)
}

func TestTail(t *testing.T) {
	assert.Equal(t, "c\nd", tail("a\nb\n\nc\nd\n\n", 2))
	assert.Equal(t, "", tail("", 3))
}

func TestExecRunner(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	r := ExecRunner{}
	out, _, code, err := r.Run(context.Background(), t.TempDir(), []string{"COVARIATES_TEST=1"}, "sh", "-c", "echo $COVARIATES_TEST")
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, "1\n", string(out))

	_, _, code, err = r.Run(context.Background(), "", nil, "sh", "-c", "exit 3")
	assert.Error(t, err)
	assert.Equal(t, 3, code)

	_, _, code, err = r.Run(context.Background(), "", nil, "definitely-not-a-whitebox-binary")
	assert.Error(t, err)
	assert.Equal(t, 127, code)
}
