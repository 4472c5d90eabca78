// Package pipeline orders the covariate stages, checks their dependencies and
// commits their outputs so that an interrupted or repeated run only redoes
// the work whose inputs or parameters changed.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/banshee-data/terrain.covariates/internal/artifact"
	"github.com/banshee-data/terrain.covariates/internal/config"
	"github.com/banshee-data/terrain.covariates/internal/engine"
	"github.com/banshee-data/terrain.covariates/internal/fsutil"
	"github.com/banshee-data/terrain.covariates/internal/monitoring"
	"github.com/banshee-data/terrain.covariates/internal/raster"
	"github.com/banshee-data/terrain.covariates/internal/security"
	"github.com/banshee-data/terrain.covariates/internal/timeutil"
)

// Status is the outcome of one stage.
type Status string

const (
	StatusRan     Status = "ran"
	StatusSkipped Status = "skipped"
	StatusFailed  Status = "failed"
)

// OutputResult describes one committed output.
type OutputResult struct {
	Artifact  string        `json:"artifact"`
	Path      string        `json:"path"`
	SHA256    string        `json:"sha256"`
	Stats     *raster.Stats `json:"stats,omitempty"`
	Quicklook string        `json:"quicklook,omitempty"`
}

// StageResult is the outcome of one Ensure call.
type StageResult struct {
	Stage    string         `json:"stage"`
	Status   Status         `json:"status"`
	Reason   string         `json:"reason,omitempty"`
	Started  time.Time      `json:"started"`
	Duration time.Duration  `json:"duration"`
	Outputs  []OutputResult `json:"outputs,omitempty"`
	Counters map[string]int `json:"counters,omitempty"`
	Err      error          `json:"-"`
}

// RunSummary collects the stage results of one Run.
type RunSummary struct {
	RunID    string        `json:"run_id"`
	Targets  []string      `json:"targets,omitempty"`
	Started  time.Time     `json:"started"`
	Finished time.Time     `json:"finished"`
	Stages   []StageResult `json:"stages"`
	Err      error         `json:"-"`

	// EngineVersion stays empty until some stage has needed the engine.
	EngineVersion string `json:"engine_version,omitempty"`
}

// Count returns the number of stages with the given status.
func (s *RunSummary) Count(status Status) int {
	n := 0
	for _, r := range s.Stages {
		if r.Status == status {
			n++
		}
	}
	return n
}

// Observer is notified as a run progresses. Returned errors are logged as
// warnings and never change the outcome of the run. Stage notifications may
// arrive concurrently when parallel waves are enabled.
type Observer interface {
	RunStarted(ctx context.Context, sum *RunSummary) error
	StageFinished(ctx context.Context, runID string, res StageResult) error
	RunFinished(ctx context.Context, sum *RunSummary) error
}

// BaseObserver implements Observer with no-ops for embedding.
type BaseObserver struct{}

func (BaseObserver) RunStarted(context.Context, *RunSummary) error            { return nil }
func (BaseObserver) StageFinished(context.Context, string, StageResult) error { return nil }
func (BaseObserver) RunFinished(context.Context, *RunSummary) error           { return nil }

// Options carries the collaborators of an Orchestrator.
type Options struct {
	Engine    engine.Engine
	FS        fsutil.FileSystem
	Logger    *zap.Logger
	Clock     timeutil.Clock
	Observers []Observer

	// QuicklookDir receives a PNG per committed raster when set.
	QuicklookDir string
	// Stats computes summary statistics for every committed raster.
	Stats bool

	NewRunID func() string
}

// Orchestrator runs stages against an artifact store.
type Orchestrator struct {
	store     *artifact.Store
	graph     *graph
	engine    engine.Engine
	logger    *zap.Logger
	clock     timeutil.Clock
	observers []Observer

	policy      artifact.Policy
	parallel    bool
	maxParallel int
	keepGoing   bool
	targets     []string

	quicklookDir string
	stats        bool
	newRunID     func() string

	versionOnce sync.Once
	version     string
}

// New builds the stage graph for cfg. Disabled stages are left out.
func New(cfg *config.Config, opts Options) (*Orchestrator, error) {
	if opts.Engine == nil {
		return nil, errors.New("pipeline needs an engine")
	}
	if cfg == nil {
		cfg = config.EmptyConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if opts.NewRunID == nil {
		opts.NewRunID = uuid.NewString
	}

	policy, err := artifact.ParsePolicy(cfg.Run.GetSkipPolicy())
	if err != nil {
		return nil, err
	}
	defs, err := Artifacts(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve artifact paths: %w", err)
	}
	store, err := artifact.NewStore(artifact.Options{
		FS:        opts.FS,
		WorkDir:   cfg.GetWorkingDir(),
		OutputDir: cfg.GetOutputDir(),
		Now:       opts.Clock.Now,
	}, defs...)
	if err != nil {
		return nil, err
	}
	stages, err := Stages(cfg)
	if err != nil {
		return nil, err
	}
	external := map[string]bool{}
	for _, d := range defs {
		if d.Kind == artifact.KindInput {
			external[d.Name] = true
		}
	}
	g, err := newGraph(stages, external)
	if err != nil {
		return nil, err
	}
	if _, err := g.closure(cfg.Run.Stages); err != nil {
		return nil, fmt.Errorf("run.stages: %w", err)
	}

	return &Orchestrator{
		store:        store,
		graph:        g,
		engine:       opts.Engine,
		logger:       opts.Logger,
		clock:        opts.Clock,
		observers:    opts.Observers,
		policy:       policy,
		parallel:     cfg.Run.GetParallel(),
		maxParallel:  cfg.Run.GetMaxParallel(),
		keepGoing:    cfg.Run.GetKeepGoing(),
		targets:      cfg.Run.Stages,
		quicklookDir: opts.QuicklookDir,
		stats:        opts.Stats,
		newRunID:     opts.NewRunID,
	}, nil
}

// Store returns the artifact store.
func (o *Orchestrator) Store() *artifact.Store { return o.store }

// Stages returns the enabled stage names in execution order.
func (o *Orchestrator) Stages() []string {
	out := make([]string, len(o.graph.stages))
	for i, s := range o.graph.stages {
		out[i] = s.Name
	}
	return out
}

// Ensure brings one stage up to date. Its inputs must already be committed;
// Ensure never runs upstream stages.
func (o *Orchestrator) Ensure(ctx context.Context, stage string) (StageResult, error) {
	s, ok := o.graph.byName[stage]
	if !ok {
		return StageResult{Stage: stage, Status: StatusFailed}, fmt.Errorf("unknown or disabled stage %q", stage)
	}
	runID := o.newRunID()
	res := o.ensure(ctx, runID, s)
	o.notify(ctx, func(ctx context.Context, ob Observer) error { return ob.StageFinished(ctx, runID, res) })
	return res, res.Err
}

// Run brings the targets and everything upstream of them up to date, in
// topological order. Without targets it uses run.stages, or every stage.
// The summary is returned even when the run fails.
func (o *Orchestrator) Run(ctx context.Context, targets ...string) (*RunSummary, error) {
	if len(targets) == 0 {
		targets = o.targets
	}
	stages, err := o.graph.closure(targets)
	if err != nil {
		return nil, err
	}

	sum := &RunSummary{RunID: o.newRunID(), Targets: targets, Started: o.clock.Now()}
	o.notify(ctx, func(ctx context.Context, ob Observer) error { return ob.RunStarted(ctx, sum) })
	o.logger.Info("run started",
		zap.String("run_id", sum.RunID),
		zap.Int("stages", len(stages)),
		zap.String("skip_policy", string(o.policy)),
		zap.Bool("parallel", o.parallel),
	)

	if o.parallel {
		err = o.runWaves(ctx, sum, stages)
	} else {
		err = o.runSequential(ctx, sum, stages)
	}

	sum.Finished = o.clock.Now()
	sum.Err = err
	sum.EngineVersion = o.version
	fields := []zap.Field{
		zap.String("run_id", sum.RunID),
		zap.Int("ran", sum.Count(StatusRan)),
		zap.Int("skipped", sum.Count(StatusSkipped)),
		zap.Int("failed", sum.Count(StatusFailed)),
		zap.Duration("duration", sum.Finished.Sub(sum.Started)),
	}
	if err != nil {
		o.logger.Error("run failed", append(fields, zap.Error(err))...)
	} else {
		o.logger.Info("run finished", fields...)
	}
	o.notify(ctx, func(ctx context.Context, ob Observer) error { return ob.RunFinished(ctx, sum) })
	return sum, err
}

func (o *Orchestrator) runSequential(ctx context.Context, sum *RunSummary, stages []*Stage) error {
	failed := map[string]bool{}
	var errs []error
	for _, s := range stages {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		res := o.step(ctx, sum.RunID, s, failed)
		sum.Stages = append(sum.Stages, res)
		if res.Status == StatusFailed {
			failed[s.Name] = true
			errs = append(errs, res.Err)
			if !o.keepGoing {
				break
			}
		}
	}
	return o.runError(errs)
}

func (o *Orchestrator) runError(errs []error) error {
	switch {
	case len(errs) == 0:
		return nil
	case !o.keepGoing:
		return errs[0]
	}
	return errors.Join(errs...)
}

// step ensures s unless a stage it depends on failed earlier in this run.
func (o *Orchestrator) step(ctx context.Context, runID string, s *Stage, failed map[string]bool) StageResult {
	var res StageResult
	blocked := false
	for _, in := range s.Inputs {
		p, ok := o.graph.producer[in]
		if !ok || !failed[p.Name] {
			continue
		}
		err := &UnmetDependencyError{Stage: s.Name, Artifact: in, Path: o.store.Path(in), Reason: "upstream stage " + p.Name + " failed"}
		res = StageResult{Stage: s.Name, Status: StatusFailed, Reason: err.Reason, Started: o.clock.Now(), Err: err}
		monitoring.StageLogger(o.logger, s.Name).Warn("stage blocked", zap.Error(err))
		blocked = true
		break
	}
	if !blocked {
		res = o.ensure(ctx, runID, s)
	}
	o.notify(ctx, func(ctx context.Context, ob Observer) error { return ob.StageFinished(ctx, runID, res) })
	return res
}

func (o *Orchestrator) ensure(ctx context.Context, runID string, s *Stage) StageResult {
	log := monitoring.StageLogger(o.logger, s.Name)
	res := StageResult{Stage: s.Name, Started: o.clock.Now()}
	fail := func(err error) StageResult {
		if !isStageError(err) {
			err = &ProcessingError{Stage: s.Name, Operation: "run", Err: err}
		}
		res.Status = StatusFailed
		res.Err = err
		res.Duration = o.clock.Since(res.Started)
		log.Error("stage failed", zap.Duration("duration", res.Duration), zap.Error(err))
		return res
	}

	if s.Ready != nil {
		if err := s.Ready(); err != nil {
			return fail(&ProcessingError{Stage: s.Name, Operation: "configure", Err: err})
		}
	}
	sums, err := o.checkInputs(s)
	if err != nil {
		return fail(err)
	}
	fp, err := s.Fingerprint()
	if err != nil {
		return fail(err)
	}
	expect := artifact.Expect{Policy: o.policy, Params: fp, Inputs: sums}

	current, reason := o.upToDate(s, expect)
	if current {
		res.Status = StatusSkipped
		res.Reason = "outputs valid"
		res.Duration = o.clock.Since(res.Started)
		for _, out := range s.Outputs {
			res.Outputs = append(res.Outputs, OutputResult{Artifact: out, Path: o.store.Path(out)})
		}
		log.Debug("stage skipped", zap.String("policy", string(o.policy)))
		return res
	}
	res.Reason = reason
	log.Info("stage started", zap.String("reason", reason))

	x := &Exec{Stage: s.Name, Engine: o.engine, Logger: log, in: map[string]string{}, out: map[string]string{}}
	for _, in := range s.Inputs {
		x.in[in] = o.store.Path(in)
	}
	for _, out := range s.Outputs {
		p, err := o.store.Stage(out)
		if err != nil {
			o.discard(log, s)
			return fail(&ProcessingError{Stage: s.Name, Operation: "prepare " + out, Err: err})
		}
		x.out[out] = p
	}

	err = s.Run(ctx, x)
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		o.discard(log, s)
		return fail(err)
	}

	version := o.engineVersion(ctx)
	for _, out := range s.Outputs {
		m, err := o.store.Commit(artifact.Manifest{
			Artifact:      out,
			Stage:         s.Name,
			Params:        fp,
			Inputs:        sums,
			RunID:         runID,
			EngineVersion: version,
		})
		if err != nil {
			o.discard(log, s)
			return fail(&ProcessingError{Stage: s.Name, Operation: "commit " + out, Err: err})
		}
		res.Outputs = append(res.Outputs, o.inspect(log, out, m))
	}

	res.Status = StatusRan
	res.Counters = x.counters
	res.Duration = o.clock.Since(res.Started)
	log.Info("stage finished", zap.Duration("duration", res.Duration), zap.Int("outputs", len(s.Outputs)))
	return res
}

// checkInputs verifies every input of s and returns their checksums.
func (o *Orchestrator) checkInputs(s *Stage) (map[string]string, error) {
	sums := make(map[string]string, len(s.Inputs))
	for _, in := range s.Inputs {
		path := o.store.Path(in)
		def, _ := o.store.Def(in)
		if def.Kind == artifact.KindInput {
			if !o.store.Exists(in) {
				return nil, &MissingInputError{Stage: s.Name, Artifact: in, Path: path, Err: fs.ErrNotExist}
			}
		} else if ok, reason := o.committed(in); !ok {
			return nil, &UnmetDependencyError{Stage: s.Name, Artifact: in, Path: path, Reason: reason}
		}
		sum, err := o.store.Checksum(in)
		if err != nil {
			if def.Kind == artifact.KindInput {
				return nil, &MissingInputError{Stage: s.Name, Artifact: in, Path: path, Err: err}
			}
			return nil, &UnmetDependencyError{Stage: s.Name, Artifact: in, Path: path, Reason: err.Error()}
		}
		sums[in] = sum
	}
	return sums, nil
}

// committed applies the skip policy's notion of a usable produced artifact.
func (o *Orchestrator) committed(name string) (bool, string) {
	if o.policy == artifact.PolicyExists {
		if o.store.Exists(name) {
			return true, ""
		}
		return false, "missing " + o.store.Path(name)
	}
	m, reason := o.store.Committed(name)
	return m != nil, reason
}

// upToDate reports whether every output of s satisfies expect, or the first
// reason it does not. Stages without outputs always run.
func (o *Orchestrator) upToDate(s *Stage, expect artifact.Expect) (bool, string) {
	if len(s.Outputs) == 0 {
		return false, "checks inputs"
	}
	for _, out := range s.Outputs {
		if ok, reason := o.store.Valid(out, expect); !ok {
			return false, out + ": " + reason
		}
	}
	return true, ""
}

func (o *Orchestrator) discard(log *zap.Logger, s *Stage) {
	if err := o.store.Discard(s.Outputs...); err != nil {
		log.Warn("failed to clean staging", zap.Error(err))
	}
}

// engineVersion asks the engine once, on the first stage that actually runs.
func (o *Orchestrator) engineVersion(ctx context.Context) string {
	o.versionOnce.Do(func() {
		v, err := o.engine.Version(ctx)
		if err != nil {
			o.logger.Debug("engine version unavailable", zap.Error(err))
			return
		}
		o.version = v
	})
	return o.version
}

// inspect computes statistics and a quicklook for a committed raster when
// those are enabled. Failures are logged and do not fail the stage.
func (o *Orchestrator) inspect(log *zap.Logger, name string, m *artifact.Manifest) OutputResult {
	res := OutputResult{Artifact: name, Path: o.store.Path(name), SHA256: m.SHA256}
	def, _ := o.store.Def(name)
	if def.Kind != artifact.KindRaster || (!o.stats && o.quicklookDir == "") {
		return res
	}
	g, err := raster.Read(res.Path)
	if err != nil {
		log.Warn("failed to re-read output", zap.String("artifact", name), zap.Error(err))
		return res
	}
	if o.stats {
		st := raster.Summarize(g)
		res.Stats = &st
	}
	if o.quicklookDir != "" {
		if err := os.MkdirAll(o.quicklookDir, 0o755); err != nil {
			log.Warn("failed to create quicklook directory", zap.Error(err))
			return res
		}
		p := filepath.Join(o.quicklookDir, security.SanitizeFilename(name)+".png")
		if err := raster.WriteQuicklook(g, p, name); err != nil {
			log.Warn("failed to write quicklook", zap.String("artifact", name), zap.Error(err))
			return res
		}
		res.Quicklook = p
	}
	return res
}

// notify calls every observer. Observers get a context that outlives the
// run's cancellation so an interrupted run is still recorded as failed.
func (o *Orchestrator) notify(ctx context.Context, call func(context.Context, Observer) error) {
	ctx = context.WithoutCancel(ctx)
	for _, ob := range o.observers {
		if err := call(ctx, ob); err != nil {
			var lic *LicenseError
			if errors.As(err, &lic) {
				o.logger.Warn("license check-in failed", zap.String("endpoint", lic.Endpoint), zap.Error(lic.Err))
				continue
			}
			o.logger.Warn("run observer failed", zap.Error(err))
		}
	}
}

// Action is what Plan expects a stage to do.
type Action string

const (
	ActionRun     Action = "run"
	ActionSkip    Action = "skip"
	ActionBlocked Action = "blocked"
)

// PlannedStage is one line of a plan.
type PlannedStage struct {
	Stage  string `json:"stage"`
	Action Action `json:"action"`
	Reason string `json:"reason,omitempty"`
}

// Plan evaluates what Run would do for targets without running anything.
func (o *Orchestrator) Plan(ctx context.Context, targets ...string) ([]PlannedStage, error) {
	if len(targets) == 0 {
		targets = o.targets
	}
	stages, err := o.graph.closure(targets)
	if err != nil {
		return nil, err
	}
	actions := map[string]Action{}
	plan := make([]PlannedStage, 0, len(stages))
	for _, s := range stages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p := o.planStage(s, actions)
		actions[s.Name] = p.Action
		plan = append(plan, p)
	}
	return plan, nil
}

func (o *Orchestrator) planStage(s *Stage, actions map[string]Action) PlannedStage {
	p := PlannedStage{Stage: s.Name}
	if s.Ready != nil {
		if err := s.Ready(); err != nil {
			p.Action, p.Reason = ActionBlocked, err.Error()
			return p
		}
	}
	pending := ""
	for _, in := range s.Inputs {
		if prod, ok := o.graph.producer[in]; ok {
			switch actions[prod.Name] {
			case ActionBlocked:
				p.Action, p.Reason = ActionBlocked, "upstream stage "+prod.Name+" blocked"
				return p
			case ActionRun:
				if pending == "" {
					pending = "upstream stage " + prod.Name + " runs"
				}
			}
			continue
		}
		if !o.store.Exists(in) {
			p.Action, p.Reason = ActionBlocked, fmt.Sprintf("missing input %s at %s", in, o.store.Path(in))
			return p
		}
	}
	if pending != "" && o.policy != artifact.PolicyExists {
		p.Action, p.Reason = ActionRun, pending
		return p
	}

	sums, err := o.checkInputs(s)
	if err != nil {
		p.Action, p.Reason = ActionRun, err.Error()
		if pending == "" {
			p.Action = ActionBlocked
		}
		return p
	}
	fp, err := s.Fingerprint()
	if err != nil {
		p.Action, p.Reason = ActionBlocked, err.Error()
		return p
	}
	if ok, reason := o.upToDate(s, artifact.Expect{Policy: o.policy, Params: fp, Inputs: sums}); !ok {
		p.Action, p.Reason = ActionRun, reason
		return p
	}
	p.Action, p.Reason = ActionSkip, "outputs valid"
	return p
}

// ArtifactStatus is one row of Status.
type ArtifactStatus struct {
	Name      string             `json:"name"`
	Kind      artifact.Kind      `json:"kind"`
	Path      string             `json:"path"`
	Exists    bool               `json:"exists"`
	Committed bool               `json:"committed"`
	Reason    string             `json:"reason,omitempty"`
	Manifest  *artifact.Manifest `json:"manifest,omitempty"`
}

// Status reports every declared artifact and whether its committed files
// still match their manifests.
func (o *Orchestrator) Status() []ArtifactStatus {
	var out []ArtifactStatus
	for _, d := range o.store.Defs() {
		st := ArtifactStatus{Name: d.Name, Kind: d.Kind, Path: o.store.Path(d.Name), Exists: o.store.Exists(d.Name)}
		if d.Kind == artifact.KindInput {
			st.Committed = st.Exists
		} else {
			st.Manifest, st.Reason = o.store.Committed(d.Name)
			st.Committed = st.Manifest != nil
		}
		out = append(out, st)
	}
	return out
}
