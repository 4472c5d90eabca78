package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/banshee-data/terrain.covariates/internal/ledger"
	"github.com/banshee-data/terrain.covariates/internal/pipeline"
)

func newStatusCmd(a *app) *cobra.Command {
	var (
		runs   int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "List artifacts, whether they are committed, and recent runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			s, err := a.open(cfg, false)
			if err != nil {
				return err
			}
			defer s.Close()
			artifacts := s.orch.Status()

			var recent []ledger.Run
			if cfg.Run.GetLedger() && runs > 0 {
				if db, err := a.openLedger(cfg); err == nil {
					recent, err = db.RecentRuns(cmd.Context(), runs)
					db.Close()
					if err != nil {
						return err
					}
				} else {
					a.logger.Debug(err.Error())
				}
			}

			out := cmd.OutOrStdout()
			if asJSON {
				return writeJSON(out, struct {
					Artifacts []pipeline.ArtifactStatus `json:"artifacts"`
					Runs      []ledger.Run              `json:"runs,omitempty"`
				}{artifacts, recent})
			}
			printArtifacts(out, artifacts)
			if len(recent) > 0 {
				fmt.Fprintln(out)
				printRuns(out, recent)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&runs, "runs", 5, "number of recent runs to list from the ledger")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}

func printArtifacts(w io.Writer, artifacts []pipeline.ArtifactStatus) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ARTIFACT\tKIND\tSTATE\tPATH")
	for _, st := range artifacts {
		state := "committed"
		switch {
		case !st.Committed && st.Reason != "":
			state = st.Reason
		case !st.Committed:
			state = "missing"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", st.Name, st.Kind, state, st.Path)
	}
	_ = tw.Flush()
}

func printRuns(w io.Writer, runs []ledger.Run) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tSTARTED\tSTATUS\tRAN\tSKIPPED\tFAILED\tTARGETS")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			r.ID, r.Started.Local().Format(time.DateTime), r.Status,
			r.Ran, r.Skipped, r.Failed, strings.Join(r.Targets, ","))
	}
	_ = tw.Flush()
}
