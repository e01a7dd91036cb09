package commands

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/metasim/metasim/pkg/config"
	"github.com/metasim/metasim/pkg/engine"
	"github.com/metasim/metasim/pkg/meta"
	"github.com/metasim/metasim/pkg/policy"
)

// planReport is the structured form of the plan command output.
type planReport struct {
	Summary policy.PlanSummary     `json:"summary"`
	Batches int                    `json:"batches"`
	Runs    []engine.RunDescriptor `json:"runs,omitempty"`
}

func newPlanCommand() *cobra.Command {
	var (
		overrides []string
		showRuns  bool
		limit     int
	)

	cmd := &cobra.Command{
		Use:   "plan <plan-file>",
		Short: "Show the runs a plan expands to",
		Long: `Classify a plan file and show its shape: the input, replicate and
propagate axes, the outputs with their integration and aggregations, the
number of runs and batches, and optionally the parameter assignments of
each run.`,
		Example: `  # Show the plan summary
  metasim plan plan.yaml

  # Show the first 20 runs with their assignments
  metasim plan plan.yaml --runs --limit 20

  # Machine-readable output
  metasim plan plan.yaml --runs -o json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sets, err := parseOverrides(overrides)
			if err != nil {
				return err
			}
			raw, err := loadPlan(cmd.Context(), args[0], sets)
			if err != nil {
				return err
			}
			plan, err := config.Classify(raw, config.ClassifyOptions{})
			if err != nil {
				return err
			}

			report := buildPlanReport(plan, showRuns, limit)
			if outputFormat != "text" {
				return printStructured(cmd.OutOrStdout(), outputFormat, report)
			}
			return printPlan(cmd.OutOrStdout(), report)
		},
	}

	cmd.Flags().StringArrayVarP(&overrides, "set", "s", nil, "override a plan key (key=value)")
	cmd.Flags().BoolVar(&showRuns, "runs", false, "list the runs with their assignments")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum number of runs to list (0 = all)")

	return cmd
}

func buildPlanReport(plan *config.Plan, showRuns bool, limit int) planReport {
	total := plan.NbRuns()
	batch := max(plan.BatchSize(), 1)
	report := planReport{
		Summary: policy.Summarize(plan),
		Batches: (total + batch - 1) / batch,
	}
	if showRuns {
		n := total
		if limit > 0 && limit < n {
			n = limit
		}
		report.Runs = meta.BuildRuns(plan, 0, n)
	}
	return report
}

func printPlan(w io.Writer, r planReport) error {
	s := r.Summary
	fmt.Fprintf(w, "Experiment: %s (%s/%s)\n", s.Name, s.Package, s.Vpz)
	fmt.Fprintf(w, "Backend:    %s, %d slots, %d runs per batch\n", s.Backend, s.Slots, s.MaxExpes)
	fmt.Fprintf(w, "Runs:       %d inputs x %d replicates = %d runs in %d batches\n",
		s.NbInputs, s.NbReplicates, s.NbRuns, r.Batches)
	if len(s.Inputs) > 0 {
		fmt.Fprintf(w, "Inputs:     %s\n", strings.Join(s.Inputs, ", "))
	}
	if s.Replicate != "" {
		fmt.Fprintf(w, "Replicate:  %s\n", s.Replicate)
	}
	if len(s.Propagates) > 0 {
		fmt.Fprintf(w, "Propagate:  %s\n", strings.Join(s.Propagates, ", "))
	}

	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "OUTPUT\tVIEW\tCOLUMN\tINTEGRATION\tREPLICATES\tINPUTS")
	for _, o := range s.Outputs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			o.ID, o.View, o.Column, o.Integration, o.AggregationReplicate, o.AggregationInput)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if len(r.Runs) == 0 {
		return nil
	}
	fmt.Fprintln(w)
	tw = tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tINPUT\tREPLICATE\tASSIGNMENTS")
	for _, run := range r.Runs {
		parts := make([]string, 0, len(run.Assignments))
		for _, a := range run.Assignments {
			parts = append(parts, fmt.Sprintf("%s.%s=%v", a.Condition, a.Port, a.Value))
		}
		fmt.Fprintf(tw, "%d\t%d\t%d\t%s\n", run.Index, run.InputIndex, run.ReplicateIndex, strings.Join(parts, " "))
	}
	return tw.Flush()
}
