package commands

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/metasim/metasim/pkg/config"
	"github.com/metasim/metasim/pkg/engine"
)

// rerunDelay debounces editor save bursts in --watch mode.
const rerunDelay = 300 * time.Millisecond

func newRunCommand() *cobra.Command {
	var (
		overrides []string
		popts     policyOptions
		watch     bool
	)

	cmd := &cobra.Command{
		Use:   "run <plan-file>",
		Short: "Run a meta-simulation experiment",
		Long: `Run every simulation of a plan and print the aggregated outputs.

The plan file is a flat map of keys:
  - config_* / expe_* knobs select the backend and its limits
  - input_<cond>.<port> keys list the values of each input axis
  - replicate_<cond>.<port> lists replicate values (at most one)
  - propagate_<cond>.<port> sets a constant in every run
  - output_<id> keys name "view/column" series and their aggregation

Runs are dispatched in batches of config_parallel_max_expes and each batch is
reduced into the outputs before the next one starts.`,
		Example: `  # Run a YAML plan
  metasim run plan.yaml

  # Override knobs from the command line
  metasim run plan.cue --set config_parallel_type=threads --set config_parallel_nb_slots=8

  # Enforce site policies and limits
  metasim run plan.yaml --policy ./policies --max-runs 100000

  # Re-run whenever the plan changes
  metasim run plan.star --watch`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			sets, err := parseOverrides(overrides)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			popts.watch = watch
			env, err := setup(ctx, popts, true)
			if err != nil {
				return err
			}
			defer env.Close(ctx)
			ctx = env.tel.WithContext(ctx)

			run := func() error {
				return runPlan(ctx, cmd, env, path, sets)
			}
			if !watch {
				return run()
			}
			return watchPlan(ctx, path, run)
		},
	}

	cmd.Flags().StringArrayVarP(&overrides, "set", "s", nil, "override a plan key (key=value, value parsed as YAML)")
	addPolicyFlags(cmd, &popts, true)
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "re-run when the plan file changes")

	return cmd
}

func runPlan(ctx context.Context, cmd *cobra.Command, env *environment, path string, sets map[string]interface{}) error {
	raw, err := loadPlan(ctx, path, sets)
	if err != nil {
		return err
	}

	log.Info().Str("plan", path).Msg("Running experiment")
	start := time.Now()
	results, err := env.manager().Run(ctx, raw)
	if err != nil {
		var ee *engine.EngineError
		if errors.As(err, &ee) && ee.Code == engine.ErrCodePolicyDenied {
			violations, _ := ee.Details["violations"].([]string)
			_ = env.tel.Events.PublishPolicyViolation(path, violations)
		}
		return err
	}

	log.Info().
		Int("outputs", len(results)).
		Dur("duration", time.Since(start)).
		Msg("Experiment completed")
	return printResults(cmd.OutOrStdout(), outputFormat, results)
}

// loadPlan reads a plan file and applies command line overrides.
func loadPlan(ctx context.Context, path string, sets map[string]interface{}) (map[string]interface{}, error) {
	raw, err := config.LoadFile(ctx, path)
	if err != nil {
		return nil, err
	}
	for k, v := range sets {
		raw[k] = v
	}
	return raw, nil
}

// parseOverrides parses key=value pairs; values are decoded as YAML scalars or lists.
func parseOverrides(pairs []string) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid override %q, expected key=value", pair)
		}
		var v interface{}
		if err := yaml.Unmarshal([]byte(value), &v); err != nil {
			return nil, fmt.Errorf("invalid value for %s: %w", key, err)
		}
		if v == nil {
			v = value
		}
		out[key] = config.Normalize(v)
	}
	return out, nil
}

// watchPlan runs fn once, then again each time path is written, until ctx is done.
// Failed runs are logged and do not stop watching.
func watchPlan(ctx context.Context, path string, fn func() error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	// Editors replace files on save, so the directory is watched.
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", path, err)
	}

	if err := fn(); err != nil {
		log.Error().Err(err).Msg("Experiment failed")
	}
	log.Info().Str("plan", path).Msg("Watching for changes")

	var timer <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs || event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			timer = time.After(rerunDelay)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("Watcher error")
		case <-timer:
			timer = nil
			if err := fn(); err != nil {
				log.Error().Err(err).Msg("Experiment failed")
			}
		}
	}
}
