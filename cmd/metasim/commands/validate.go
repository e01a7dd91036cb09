package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newValidateCommand() *cobra.Command {
	var (
		overrides []string
		popts     policyOptions
	)

	cmd := &cobra.Command{
		Use:   "validate <plan-file>",
		Short: "Validate a plan file without running it",
		Long: `Validate a plan file: load it, classify every key, size the plan and
evaluate the admission policies. No model is loaded and nothing is run.

This command checks:
  - Plan file syntax (and the CUE #Plan schema for .cue files)
  - Knob values and ranges
  - Axis sizes (multi-valued inputs must have one common length)
  - Output paths and aggregation settings
  - Policy compliance (OPA/rego)`,
		Example: `  # Validate a plan
  metasim validate plan.yaml

  # Validate against site policies
  metasim validate plan.yaml --policy ./policies --max-runs 10000`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			sets, err := parseOverrides(overrides)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			env, err := setup(ctx, popts, false)
			if err != nil {
				return err
			}
			defer env.Close(ctx)

			raw, err := loadPlan(ctx, path, sets)
			if err != nil {
				return err
			}

			log.Debug().Str("plan", path).Msg("Validating plan")
			plan, err := env.manager().Validate(ctx, raw)
			if err != nil {
				return err
			}

			if outputFormat != "text" {
				return printStructured(cmd.OutOrStdout(), outputFormat, map[string]interface{}{
					"valid":         true,
					"name":          plan.Settings.Name,
					"nb_inputs":     plan.NbInputs,
					"nb_replicates": plan.NbReplicates,
					"nb_runs":       plan.NbRuns(),
				})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: valid (%d inputs x %d replicates = %d runs)\n",
				plan.Settings.Name, plan.NbInputs, plan.NbReplicates, plan.NbRuns())
			return nil
		},
	}

	cmd.Flags().StringArrayVarP(&overrides, "set", "s", nil, "override a plan key (key=value)")
	addPolicyFlags(cmd, &popts, true)

	return cmd
}
