package config

import (
	"fmt"
	"math/rand/v2"
	"sort"
	"strings"
	"time"

	"github.com/metasim/metasim/pkg/accu"
	"github.com/metasim/metasim/pkg/engine"
	"github.com/metasim/metasim/pkg/telemetry"
)

// ClassifyOptions carries the collaborators of Classify.
type ClassifyOptions struct {
	// Rand generates distribution-based sequences. When nil, a generator is seeded from
	// expe_seed, or from the clock if no seed is configured.
	Rand *rand.Rand

	// Logger receives unknown-key warnings. Optional.
	Logger *telemetry.Logger
}

// NewRand returns a deterministic generator for seed.
func NewRand(seed int64) *rand.Rand {
	return rand.New(rand.NewPCG(uint64(seed), uint64(seed)^0x9e3779b97f4a7c15))
}

// Classify parses a flat configuration map into a sized plan.
// Any malformed entry aborts the whole plan before anything is dispatched.
func Classify(raw map[string]interface{}, opts ClassifyOptions) (*Plan, error) {
	settings, err := ParseSettings(raw)
	if err != nil {
		return nil, err
	}

	rng := opts.Rand
	if rng == nil {
		seed := time.Now().UnixNano()
		if settings.Seed != nil {
			seed = *settings.Seed
		}
		rng = NewRand(seed)
	}

	plan := &Plan{Settings: settings}

	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		val := raw[key]
		switch {
		case IsKnob(key):
			continue

		case strings.HasPrefix(key, PrefixPropagate):
			axis, err := splitAxis(key, strings.TrimPrefix(key, PrefixPropagate))
			if err != nil {
				return nil, err
			}
			plan.Propagates = append(plan.Propagates, Propagate{Axis: axis, Value: Normalize(val)})

		case strings.HasPrefix(key, PrefixReplicate):
			axis, err := splitAxis(key, strings.TrimPrefix(key, PrefixReplicate))
			if err != nil {
				return nil, err
			}
			if plan.Replicate != nil {
				return nil, engine.NewConfigurationError("more than one replicate axis declared", nil).
					WithCode(engine.ErrCodeMultipleReplicate).
					WithDetail("first", plan.Replicate.Axis.String()).
					WithDetail("second", axis.String())
			}
			values, err := axisValues(key, val, rng)
			if err != nil {
				return nil, err
			}
			plan.Replicate = &Replicate{Axis: axis, Values: values}

		case strings.HasPrefix(key, PrefixInput):
			axis, err := splitAxis(key, strings.TrimPrefix(key, PrefixInput))
			if err != nil {
				return nil, err
			}
			values, err := axisValues(key, val, rng)
			if err != nil {
				return nil, err
			}
			plan.Inputs = append(plan.Inputs, Input{Axis: axis, Values: values, Key: key})

		case strings.HasPrefix(key, PrefixOutput):
			out, err := parseOutput(strings.TrimPrefix(key, PrefixOutput), val)
			if err != nil {
				return nil, err
			}
			plan.Outputs = append(plan.Outputs, out)

		case !strings.HasPrefix(key, PrefixDefine) && strings.Contains(key, "."):
			axis, err := splitAxis(key, key)
			if err != nil {
				return nil, err
			}
			values, err := axisValues(key, val, rng)
			if err != nil {
				return nil, err
			}
			plan.Inputs = append(plan.Inputs, Input{Axis: axis, Values: values, Key: key})

		default:
			plan.Unknown = append(plan.Unknown, key)
		}
	}

	if err := checkCollisions(plan); err != nil {
		return nil, err
	}
	if err := applyUnknownKeyPolicy(plan, opts.Logger); err != nil {
		return nil, err
	}
	if err := SizePlan(plan); err != nil {
		return nil, err
	}
	if err := checkOutputs(plan); err != nil {
		return nil, err
	}
	return plan, nil
}

// SizePlan computes NbInputs and NbReplicates.
// Two multi-valued inputs with different counts are a plan size error.
func SizePlan(plan *Plan) error {
	plan.NbInputs = 1
	var sizedBy string
	for i := range plan.Inputs {
		in := &plan.Inputs[i]
		n := in.Count()
		if n <= 1 {
			continue
		}
		if plan.NbInputs > 1 && n != plan.NbInputs {
			return engine.NewPlanSizeError(
				fmt.Sprintf("input %s has %d values but %s has %d", in.Key, n, sizedBy, plan.NbInputs), nil).
				WithDetail("input", in.Key).
				WithDetail("expected", plan.NbInputs).
				WithDetail("actual", n)
		}
		plan.NbInputs = n
		sizedBy = in.Key
	}

	plan.NbReplicates = 1
	if plan.Replicate != nil {
		plan.NbReplicates = plan.Replicate.Count()
	}
	return nil
}

func splitAxis(key, payload string) (Axis, error) {
	cond, port, ok := strings.Cut(payload, ".")
	if !ok || cond == "" || port == "" || strings.Contains(port, ".") {
		return Axis{}, engine.NewConfigurationError(
			fmt.Sprintf("%s: expected <condition>.<port>, got %q", key, payload), nil).
			WithCode(engine.ErrCodeMalformedKey).
			WithDetail("key", key)
	}
	return Axis{Condition: cond, Port: port}, nil
}

func checkCollisions(plan *Plan) error {
	inputs := make(map[Axis]string, len(plan.Inputs))
	for _, in := range plan.Inputs {
		if prev, ok := inputs[in.Axis]; ok {
			return engine.NewConfigurationError(
				fmt.Sprintf("input %s declared twice (%s and %s)", in.Axis, prev, in.Key), nil).
				WithCode(engine.ErrCodeDuplicateAxis).
				WithDetail("axis", in.Axis.String())
		}
		inputs[in.Axis] = in.Key
	}

	propagates := make(map[Axis]bool, len(plan.Propagates))
	for _, p := range plan.Propagates {
		propagates[p.Axis] = true
		if _, ok := inputs[p.Axis]; ok {
			return engine.NewConfigurationError(
				fmt.Sprintf("%s is declared both as input and propagate", p.Axis), nil).
				WithCode(engine.ErrCodeAxisCollision).
				WithDetail("axis", p.Axis.String())
		}
	}

	if r := plan.Replicate; r != nil {
		if _, ok := inputs[r.Axis]; ok {
			return engine.NewConfigurationError(
				fmt.Sprintf("%s is declared both as replicate and input", r.Axis), nil).
				WithCode(engine.ErrCodeAxisCollision).
				WithDetail("axis", r.Axis.String())
		}
		if propagates[r.Axis] {
			return engine.NewConfigurationError(
				fmt.Sprintf("%s is declared both as replicate and propagate", r.Axis), nil).
				WithCode(engine.ErrCodeAxisCollision).
				WithDetail("axis", r.Axis.String())
		}
	}

	outputs := make(map[string]bool, len(plan.Outputs))
	for _, o := range plan.Outputs {
		if outputs[o.ID] {
			return engine.NewConfigurationError(fmt.Sprintf("output %s declared twice", o.ID), nil).
				WithCode(engine.ErrCodeDuplicateAxis)
		}
		outputs[o.ID] = true
	}
	return nil
}

func applyUnknownKeyPolicy(plan *Plan, logger *telemetry.Logger) error {
	if len(plan.Unknown) == 0 {
		return nil
	}
	switch plan.Settings.UnknownKeys {
	case UnknownKeysError:
		return engine.NewConfigurationError(
			fmt.Sprintf("unrecognized configuration keys: %s", strings.Join(plan.Unknown, ", ")), nil).
			WithCode(engine.ErrCodeUnknownKey).
			WithDetail("keys", plan.Unknown)
	case UnknownKeysWarn:
		if logger != nil {
			for _, k := range plan.Unknown {
				logger.WithField("key", k).Warn("ignoring unrecognized configuration key")
			}
		}
	}
	return nil
}

func checkOutputs(plan *Plan) error {
	if len(plan.Outputs) == 0 {
		return engine.NewConfigurationError("no output declared", nil)
	}
	for _, o := range plan.Outputs {
		if o.ReplicateAggregation == accu.All && plan.NbReplicates > 1 {
			return engine.NewConfigurationError(
				"aggregation_replicate 'all' requires a single replicate", nil).
				WithOutput(o.ID).
				WithDetail("nb_replicates", plan.NbReplicates)
		}
	}
	return nil
}
