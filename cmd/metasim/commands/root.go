package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

// Persistent flags, shared by every subcommand.
var (
	historyPath  string
	noHistory    bool
	verbose      bool
	outputFormat string
	metricsAddr  string
	traceOutput  string

	buildVersion = "dev"
)

// Execute runs the command line under ctx.
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	buildVersion = version
	rootCmd := &cobra.Command{
		Use:   "metasim",
		Short: "metasim - meta-simulation experiment runner",
		Long: `metasim runs a base simulation model many times over a plan of input
combinations and replicates, then reduces the observed time series into
aggregated results.

Features:
  - Plan files in YAML, JSON, CUE, Starlark or HCL
  - Single, threaded and distributed (MPI launcher, SSH) backends
  - Mean, variance, quantile, min, max and keep-all aggregations
  - Admission policies via OPA/rego
  - Experiment history in SQLite`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&historyPath, "history", defaultHistoryPath(), "experiment history database path")
	rootCmd.PersistentFlags().BoolVar(&noHistory, "no-history", false, "do not record experiments")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "text", "output format (text, json, yaml)")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")
	rootCmd.PersistentFlags().StringVar(&traceOutput, "trace", "", "trace exporter: none, stdout or otlp (default $METASIM_TRACE_EXPORTER or none)")

	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newPolicyCommand())

	return rootCmd
}

// defaultHistoryPath returns $METASIM_HISTORY or <user config dir>/metasim/history.db.
func defaultHistoryPath() string {
	if p := os.Getenv("METASIM_HISTORY"); p != "" {
		return p
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "metasim-history.db"
	}
	return filepath.Join(dir, "metasim", "history.db")
}
