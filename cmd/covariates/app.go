package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/banshee-data/terrain.covariates/internal/config"
	"github.com/banshee-data/terrain.covariates/internal/engine"
	"github.com/banshee-data/terrain.covariates/internal/engine/whitebox"
	"github.com/banshee-data/terrain.covariates/internal/ledger"
	"github.com/banshee-data/terrain.covariates/internal/license"
	"github.com/banshee-data/terrain.covariates/internal/metrics"
	"github.com/banshee-data/terrain.covariates/internal/monitoring"
	"github.com/banshee-data/terrain.covariates/internal/pipeline"
	"github.com/banshee-data/terrain.covariates/internal/report"
)

// app holds the process-wide collaborators shared by every command.
type app struct {
	configPath string
	logLevel   string
	logFormat  string

	logger    *zap.Logger
	getenv    func(string) string
	newEngine func(engine.Config, *zap.Logger) engine.Engine
}

func newApp() *app {
	return &app{getenv: os.Getenv, newEngine: whiteboxEngine}
}

func whiteboxEngine(cfg engine.Config, logger *zap.Logger) engine.Engine {
	e := whitebox.New(cfg)
	e.Executor().SetLogger(logger.Named("whitebox").Sugar())
	return e
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "covariates",
		Short: "Derive terrain covariate rasters from a DEM",
		Long: `covariates runs the terrain covariate pipeline: hydrological conditioning of a
DEM, D8 and D-infinity flow accumulation, stream extraction, depression
probability, topographic wetness, canopy height and time in daylight.

Stages whose outputs are still valid for the current inputs and parameters
are skipped, so re-running after a change only recomputes what it affects.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if a.logger != nil {
				return nil
			}
			logger, err := monitoring.NewLogger(monitoring.Options{Level: a.logLevel, Format: a.logFormat})
			if err != nil {
				return err
			}
			a.logger = logger
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}

	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "config file (.json, .yaml or .yml)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "info", "log level: debug, info, warn or error")
	root.PersistentFlags().StringVar(&a.logFormat, "log-format", "console", "log format: console or json")

	root.AddCommand(
		newRunCmd(a),
		newPlanCmd(a),
		newStatusCmd(a),
		newInitCmd(a),
		newWatchCmd(a),
		newLedgerCmd(a),
		newVersionCmd(a),
	)
	return root
}

// loadConfig reads --config, or uses the defaults when it is not given. The
// working directory is made absolute so the engine and the store agree on
// every path.
func (a *app) loadConfig() (*config.Config, error) {
	cfg := config.EmptyConfig()
	if a.configPath != "" {
		var err error
		if cfg, err = config.LoadConfig(a.configPath); err != nil {
			return nil, err
		}
	}
	wd, err := filepath.Abs(cfg.GetWorkingDir())
	if err != nil {
		return nil, fmt.Errorf("failed to resolve working directory: %w", err)
	}
	cfg.WorkingDir = &wd
	return cfg, nil
}

func (a *app) engineConfig(cfg *config.Config) engine.Config {
	return engine.Config{
		Binary:     cfg.Engine.GetBinary(a.getenv),
		WorkingDir: cfg.GetWorkingDir(),
		MaxProcs:   cfg.Engine.GetMaxProcs(),
		Verbose:    cfg.Engine.GetVerbose(),
		Compress:   cfg.Engine.GetCompress(),
		Timeout:    cfg.Engine.GetTimeout(),
	}
}

// session is an orchestrator together with the observers it owns.
type session struct {
	orch   *pipeline.Orchestrator
	ledger *ledger.DB
}

func (s *session) Close() error {
	if s.ledger == nil {
		return nil
	}
	return s.ledger.Close()
}

// open builds an orchestrator for cfg. With observe set, the run ledger,
// metrics, report and license check-in are attached as configured.
func (a *app) open(cfg *config.Config, observe bool) (*session, error) {
	opts := pipeline.Options{
		Engine: a.newEngine(a.engineConfig(cfg), a.logger),
		Logger: a.logger,
	}
	s := &session{}

	if observe {
		if cfg.Run.GetLedger() {
			db, err := ledger.Open(cfg.LedgerFile(), a.logger)
			if err != nil {
				return nil, err
			}
			s.ledger = db
			opts.Observers = append(opts.Observers, db)
		}
		if path := cfg.MetricsFile(); path != "" {
			opts.Observers = append(opts.Observers, metrics.NewCollector(path))
		}
		if path := cfg.ReportFile(); path != "" {
			opts.Observers = append(opts.Observers, report.NewWriter(path, a.logger))
			opts.Stats = true
		}
		if c := license.New(&cfg.License, a.logger); c != nil {
			c.Getenv = a.getenv
			opts.Observers = append(opts.Observers, c)
		}
		if cfg.Run.GetQuicklooks() {
			opts.QuicklookDir = filepath.Join(cfg.StateDir(), "quicklooks")
		}
	}

	orch, err := pipeline.New(cfg, opts)
	if err != nil {
		return nil, errors.Join(err, s.Close())
	}
	s.orch = orch
	return s, nil
}

// openLedger opens the ledger read side without creating it.
func (a *app) openLedger(cfg *config.Config) (*ledger.DB, error) {
	path := cfg.LedgerFile()
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("no run ledger at %s: %w", path, err)
	}
	return ledger.Open(path, a.logger)
}
