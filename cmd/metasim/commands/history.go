package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/metasim/metasim/pkg/engine"
	"github.com/metasim/metasim/pkg/stores"
)

func newHistoryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect recorded experiments",
		Long: `Inspect the experiments recorded in the history database.

Every 'metasim run' records the experiment, its final status, its results and
its progress events unless --no-history is set.`,
	}

	cmd.AddCommand(newHistoryListCommand())
	cmd.AddCommand(newHistoryShowCommand())
	cmd.AddCommand(newHistoryDeleteCommand())

	return cmd
}

func newHistoryListCommand() *cobra.Command {
	var (
		name   string
		status string
		limit  int
		offset int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded experiments, newest first",
		Example: `  # List the last 50 experiments
  metasim history list

  # List failed runs of one experiment
  metasim history list --name crop --status failed`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openHistory(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			records, err := store.ListExperiments(cmd.Context(), stores.ListOptions{
				Name:   name,
				Status: engine.ExperimentStatus(status),
				Limit:  limit,
				Offset: offset,
			})
			if err != nil {
				return err
			}
			return printExperiments(cmd.OutOrStdout(), outputFormat, records)
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "only experiments with this name")
	cmd.Flags().StringVar(&status, "status", "", "only experiments with this status (running, succeeded, failed, cancelled)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of experiments")
	cmd.Flags().IntVar(&offset, "offset", 0, "number of experiments to skip")

	return cmd
}

func newHistoryShowCommand() *cobra.Command {
	var showEvents bool

	cmd := &cobra.Command{
		Use:   "show <experiment-id>",
		Short: "Show one experiment with its results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := openHistory(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			rec, err := store.GetExperiment(ctx, args[0])
			if err != nil {
				return err
			}
			var events []*engine.Event
			if showEvents {
				if events, err = store.GetEvents(ctx, rec.ID, 0, 0); err != nil {
					return err
				}
			}

			w := cmd.OutOrStdout()
			if outputFormat != "text" {
				return printStructured(w, outputFormat, struct {
					*engine.ExperimentRecord
					Events []*engine.Event `json:"events,omitempty"`
				}{rec, events})
			}

			fmt.Fprintf(w, "ID:        %s\n", rec.ID)
			fmt.Fprintf(w, "Name:      %s\n", rec.Name)
			fmt.Fprintf(w, "Status:    %s\n", rec.Status)
			fmt.Fprintf(w, "Backend:   %s\n", rec.Backend)
			fmt.Fprintf(w, "Runs:      %d inputs x %d replicates\n", rec.NbInputs, rec.NbReplicates)
			fmt.Fprintf(w, "Started:   %s\n", rec.StartedAt.Local().Format(time.RFC3339))
			if rec.CompletedAt != nil {
				fmt.Fprintf(w, "Completed: %s (%s)\n", rec.CompletedAt.Local().Format(time.RFC3339),
					rec.CompletedAt.Sub(rec.StartedAt).Round(time.Millisecond))
			}
			if rec.Error != "" {
				fmt.Fprintf(w, "Error:     %s\n", rec.Error)
			}
			if len(rec.Results) > 0 {
				fmt.Fprintln(w)
				if err := printResults(w, "text", rec.Results); err != nil {
					return err
				}
			}
			if len(events) > 0 {
				fmt.Fprintln(w)
				for _, e := range events {
					fmt.Fprintf(w, "%s  %-22s %s\n", e.Timestamp.Local().Format("15:04:05.000"), e.Type, e.Message)
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&showEvents, "events", false, "also show progress events")

	return cmd
}

func newHistoryDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <experiment-id>...",
		Short: "Delete recorded experiments",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openHistory(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			for _, id := range args {
				if err := store.DeleteExperiment(cmd.Context(), id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", id)
			}
			return nil
		},
	}
}
