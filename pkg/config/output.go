package config

import (
	"fmt"
	"strings"

	"github.com/metasim/metasim/pkg/accu"
	"github.com/metasim/metasim/pkg/engine"
)

// Output defaults.
const (
	DefaultIntegration          = IntegrationLast
	DefaultReplicateAggregation = accu.Mean
	DefaultInputAggregation     = accu.All
	DefaultQuantile             = 0.5
)

// parseOutput builds an Output from either a "view/column" string or a map.
func parseOutput(id string, val interface{}) (Output, error) {
	out := Output{
		ID:                   id,
		Integration:          DefaultIntegration,
		ReplicateAggregation: DefaultReplicateAggregation,
		InputAggregation:     DefaultInputAggregation,
		ReplicateQuantile:    DefaultQuantile,
		InputQuantile:        DefaultQuantile,
	}
	fail := func(msg string, err error) (Output, error) {
		return Output{}, engine.NewConfigurationError(msg, err).WithOutput(id)
	}

	if id == "" {
		return fail("output key has an empty id", nil)
	}

	var path string
	switch x := Normalize(val).(type) {
	case string:
		path = x
	case map[string]interface{}:
		for k, v := range x {
			var err error
			switch k {
			case "path":
				path, err = ToString(v)
			case "integration":
				var s string
				if s, err = ToString(v); err == nil {
					out.Integration = Integration(strings.ToLower(s))
					err = out.Integration.Validate()
				}
			case "aggregation_replicate":
				var s string
				if s, err = ToString(v); err == nil {
					out.ReplicateAggregation, err = accu.ParseKind(s)
				}
			case "aggregation_input":
				var s string
				if s, err = ToString(v); err == nil {
					out.InputAggregation, err = accu.ParseKind(s)
				}
			case "replicate_quantile":
				out.ReplicateQuantile, err = ToFloat(v)
			case "input_quantile":
				out.InputQuantile, err = ToFloat(v)
			case "mse_times":
				out.MSETimes, err = ToFloatSlice(v)
			case "mse_observations":
				out.MSEObservations, err = ToFloatSlice(v)
			default:
				err = fmt.Errorf("unknown field")
			}
			if err != nil {
				return fail(fmt.Sprintf("output %s: invalid '%s'", id, k), err)
			}
		}
	default:
		return fail(fmt.Sprintf("output %s: expected \"view/port\" or a map, got %T", id, val), nil)
	}

	view, column, ok := strings.Cut(path, "/")
	if !ok || view == "" || column == "" {
		return fail(fmt.Sprintf("output %s: path %q is not \"view/port\"", id, path), nil)
	}
	out.View = view
	out.Column = column

	for _, q := range []float64{out.ReplicateQuantile, out.InputQuantile} {
		if q < 0 || q > 1 {
			return fail(fmt.Sprintf("output %s: quantile %v outside [0,1]", id, q), nil)
		}
	}

	if out.Integration == IntegrationMSE {
		if len(out.MSETimes) == 0 || len(out.MSETimes) != len(out.MSEObservations) {
			return fail(fmt.Sprintf(
				"output %s: mse needs mse_times and mse_observations of equal, non-zero length", id), nil)
		}
	}
	return out, nil
}
