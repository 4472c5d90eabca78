package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/banshee-data/terrain.covariates/internal/version"
)

func newVersionCmd(a *app) *cobra.Command {
	var withEngine bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, version.String())
			if !withEngine {
				return nil
			}
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			v, err := a.newEngine(a.engineConfig(cfg), a.logger).Version(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(out, "engine:", v)
			return nil
		},
	}
	cmd.Flags().BoolVar(&withEngine, "engine", false, "also query the raster engine version")
	return cmd
}
