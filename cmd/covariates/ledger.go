package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/banshee-data/terrain.covariates/internal/ledger"
)

func newLedgerCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect and maintain the run ledger database",
	}
	cmd.AddCommand(newLedgerMigrateCmd(a), newLedgerRunsCmd(a), newLedgerShowCmd(a), newLedgerPruneCmd(a))
	return cmd
}

func newLedgerMigrateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:       "migrate up|down|version",
		Short:     "Apply, roll back or report ledger schema migrations",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"up", "down", "version"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			db, err := ledger.OpenDB(cfg.LedgerFile(), a.logger)
			if err != nil {
				return err
			}
			defer db.Close()

			migrations := ledger.Migrations()
			out := cmd.OutOrStdout()
			switch args[0] {
			case "up":
				if err := db.MigrateUp(migrations); err != nil {
					return err
				}
			case "down":
				if err := db.MigrateDown(migrations); err != nil {
					return err
				}
			case "version":
			default:
				return fmt.Errorf("unknown migrate action %q", args[0])
			}

			version, dirty, err := db.MigrateVersion(migrations)
			if err != nil {
				return err
			}
			latest, err := ledger.LatestVersion(migrations)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "schema version %d (latest %d)", version, latest)
			if dirty {
				fmt.Fprint(out, " dirty")
			}
			fmt.Fprintln(out)
			return nil
		},
	}
}

func newLedgerRunsCmd(a *app) *cobra.Command {
	var (
		limit  int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			db, err := a.openLedger(cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			runs, err := db.RecentRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), runs)
			}
			printRuns(cmd.OutOrStdout(), runs)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of runs")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}

func newLedgerShowCmd(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show one run and its stages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			db, err := a.openLedger(cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			run, err := db.GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			stages, err := db.StageRuns(cmd.Context(), run.ID)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				return writeJSON(out, struct {
					*ledger.Run
					Stages []ledger.StageRun `json:"stages"`
				}{run, stages})
			}
			printRuns(out, []ledger.Run{*run})
			if run.Error != "" {
				fmt.Fprintln(out, "error:", run.Error)
			}
			fmt.Fprintln(out)
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "STAGE\tSTATUS\tDURATION\tDETAIL")
			for _, s := range stages {
				detail := s.Reason
				if s.Error != "" {
					detail = s.Error
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", s.Stage, s.Status, s.Duration.Round(time.Millisecond), detail)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}

func newLedgerPruneCmd(a *app) *cobra.Command {
	var keep int
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete all but the most recent runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			if keep < 0 {
				return fmt.Errorf("--keep must not be negative, got %d", keep)
			}
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			db, err := a.openLedger(cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			n, err := db.Prune(cmd.Context(), keep)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pruned %d runs\n", n)
			return nil
		},
	}
	cmd.Flags().IntVar(&keep, "keep", 100, "number of runs to keep")
	return cmd
}
