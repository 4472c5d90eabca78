package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/banshee-data/terrain.covariates/internal/config"
)

func newInitCmd(a *app) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write a config file populated with every default",
		Long: `Init writes a config template with every option set to its default. The
format follows the extension: .json, .yaml or .yml. The daylight coordinates
are an example location and must be replaced for other study areas.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "covariates.yaml"
			if len(args) == 1 {
				path = args[0]
			}
			if err := config.WriteTemplate(path, force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}
