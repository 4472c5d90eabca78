package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/banshee-data/terrain.covariates/internal/config"
	"github.com/banshee-data/terrain.covariates/internal/pipeline"
)

func newRunCmd(a *app) *cobra.Command {
	var (
		force     bool
		parallel  bool
		keepGoing bool
		asJSON    bool
	)
	cmd := &cobra.Command{
		Use:   "run [stage...]",
		Short: "Bring the named stages and everything upstream of them up to date",
		Long: `Run executes the named stages and every stage they depend on, in dependency
order. Without arguments it runs run.stages from the config, or every enabled
stage. Stages whose outputs are valid for the current inputs and parameters
are skipped unless --force is given.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			if force {
				cfg.Run.SkipPolicy = ptr(config.SkipNever)
			}
			if cmd.Flags().Changed("parallel") {
				cfg.Run.Parallel = &parallel
			}
			if cmd.Flags().Changed("keep-going") {
				cfg.Run.KeepGoing = &keepGoing
			}

			s, err := a.open(cfg, true)
			if err != nil {
				return err
			}
			defer s.Close()

			sum, runErr := s.orch.Run(cmd.Context(), args...)
			if sum == nil {
				return runErr
			}
			out := cmd.OutOrStdout()
			if asJSON {
				if err := writeJSON(out, newSummaryJSON(sum)); err != nil {
					return err
				}
			} else {
				printSummary(out, sum)
			}
			return runErr
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "recompute every selected stage")
	cmd.Flags().BoolVar(&parallel, "parallel", false, "run independent stages concurrently")
	cmd.Flags().BoolVar(&keepGoing, "keep-going", false, "continue with independent stages after a failure")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the run summary as JSON")
	return cmd
}

func newPlanCmd(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "plan [stage...]",
		Short: "Show what run would do without running anything",
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

			plan, err := s.orch.Plan(cmd.Context(), args...)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), plan)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "STAGE\tACTION\tREASON")
			for _, p := range plan {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", p.Stage, p.Action, p.Reason)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the plan as JSON")
	return cmd
}

// summaryJSON adds the run error, which RunSummary leaves out of its JSON.
type summaryJSON struct {
	*pipeline.RunSummary
	Error  string            `json:"error,omitempty"`
	Errors map[string]string `json:"stage_errors,omitempty"`
}

func newSummaryJSON(sum *pipeline.RunSummary) summaryJSON {
	out := summaryJSON{RunSummary: sum}
	if sum.Err != nil {
		out.Error = sum.Err.Error()
	}
	for _, st := range sum.Stages {
		if st.Err == nil {
			continue
		}
		if out.Errors == nil {
			out.Errors = map[string]string{}
		}
		out.Errors[st.Stage] = st.Err.Error()
	}
	return out
}

func printSummary(w io.Writer, sum *pipeline.RunSummary) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STAGE\tSTATUS\tDURATION\tDETAIL")
	for _, st := range sum.Stages {
		detail := st.Reason
		if st.Err != nil {
			detail = st.Err.Error()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", st.Stage, st.Status, st.Duration.Round(time.Millisecond), detail)
	}
	_ = tw.Flush()
	fmt.Fprintf(w, "run %s: ran %d, skipped %d, failed %d in %s\n",
		sum.RunID,
		sum.Count(pipeline.StatusRan), sum.Count(pipeline.StatusSkipped), sum.Count(pipeline.StatusFailed),
		sum.Finished.Sub(sum.Started).Round(time.Millisecond))
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func ptr[T any](v T) *T { return &v }
