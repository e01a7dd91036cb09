package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newPolicyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect admission policies",
		Long: `Inspect the admission policies evaluated before every run: the built-in
policies plus the .rego and .json files given with --policy.`,
	}
	cmd.AddCommand(newPolicyListCommand())
	cmd.AddCommand(newPolicyShowCommand())
	return cmd
}

func newPolicyListCommand() *cobra.Command {
	var popts policyOptions

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the built-in and loaded policies",
		Example: `  # Built-in policies only
  metasim policy list

  # Including site policies, with one built-in turned off
  metasim policy list --policy ./policies --disable-policy output-size`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			env, err := setup(ctx, popts, false)
			if err != nil {
				return err
			}
			defer env.Close(ctx)

			policies := env.policies.ListPolicies()
			w := cmd.OutOrStdout()
			if outputFormat != "text" {
				return printStructured(w, outputFormat, policies)
			}

			tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tSEVERITY\tENABLED\tDESCRIPTION")
			for _, p := range policies {
				fmt.Fprintf(tw, "%s\t%s\t%t\t%s\n", p.Name, p.Severity, p.Enabled, p.Description)
			}
			return tw.Flush()
		},
	}
	addPolicyFlags(cmd, &popts, false)
	return cmd
}

func newPolicyShowCommand() *cobra.Command {
	var popts policyOptions

	cmd := &cobra.Command{
		Use:   "show <name>",
		Short: "Print the Rego source of one policy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			env, err := setup(ctx, popts, false)
			if err != nil {
				return err
			}
			defer env.Close(ctx)

			p, err := env.policies.GetPolicy(args[0])
			if err != nil {
				return err
			}
			if outputFormat != "text" {
				return printStructured(cmd.OutOrStdout(), outputFormat, p)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "# %s (%s, enabled: %t)\n%s", p.Name, p.Severity, p.Enabled, p.Rego)
			return nil
		},
	}
	addPolicyFlags(cmd, &popts, false)
	return cmd
}

// addPolicyFlags registers the admission flags. Limits only matter to
// commands that admit a plan.
func addPolicyFlags(cmd *cobra.Command, popts *policyOptions, withLimits bool) {
	cmd.Flags().StringSliceVar(&popts.paths, "policy", nil, "policy files or directories (.rego, .json)")
	cmd.Flags().StringSliceVar(&popts.disabled, "disable-policy", nil, "skip the named policies")
	if withLimits {
		cmd.Flags().IntVar(&popts.maxRuns, "max-runs", 0, "reject plans with more runs (0 = unlimited)")
		cmd.Flags().IntVar(&popts.maxSlots, "max-slots", 0, "reject plans with more slots (0 = unlimited)")
	}
}
