package main

import (
	"context"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/banshee-data/terrain.covariates/internal/artifact"
	"github.com/banshee-data/terrain.covariates/internal/watch"
)

func newWatchCmd(a *app) *cobra.Command {
	var skipInitial bool
	cmd := &cobra.Command{
		Use:   "watch [stage...]",
		Short: "Re-run the pipeline whenever an input raster changes",
		Long: `Watch runs the pipeline once, then again every time one of the input rasters
changes and has been quiet for watch.debounce. Stages whose inputs did not
change are skipped. Stop it with Ctrl-C.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			s, err := a.open(cfg, true)
			if err != nil {
				return err
			}
			defer s.Close()

			var inputs []string
			store := s.orch.Store()
			for _, d := range store.Defs() {
				if d.Kind == artifact.KindInput {
					inputs = append(inputs, store.Path(d.Name))
				}
			}

			out := cmd.OutOrStdout()
			run := func(ctx context.Context, changed []string) error {
				sum, err := s.orch.Run(ctx, args...)
				if sum != nil {
					printSummary(out, sum)
				}
				return err
			}

			w, err := watch.New(inputs, run, watch.Options{Debounce: cfg.Watch.GetDebounce(), Logger: a.logger})
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if !skipInitial {
				if err := run(ctx, nil); err != nil {
					a.logger.Warn("initial run failed", zap.Error(err))
				}
			}
			return w.Run(ctx)
		},
	}
	cmd.Flags().BoolVar(&skipInitial, "skip-initial", false, "wait for a change before the first run")
	return cmd
}
