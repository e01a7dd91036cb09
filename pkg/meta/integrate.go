package meta

import (
	"math"

	"github.com/metasim/metasim/pkg/config"
	"github.com/metasim/metasim/pkg/engine"
)

// integrateScalar collapses one run's column into a single cell.
// Only "last" may return a text cell; the other kinds require numbers.
func integrateScalar(spec *config.Output, col []engine.Cell) (engine.Cell, error) {
	switch spec.Integration {
	case config.IntegrationLast:
		if len(col) == 0 {
			return engine.NA(), nil
		}
		return col[len(col)-1], nil

	case config.IntegrationMax:
		values, err := numericColumn(spec, col)
		if err != nil {
			return engine.Cell{}, err
		}
		return engine.Num(maxOf(values)), nil

	case config.IntegrationSum:
		values, err := numericColumn(spec, col)
		if err != nil {
			return engine.Cell{}, err
		}
		var sum float64
		for _, v := range values {
			sum += v
		}
		return engine.Num(sum), nil

	case config.IntegrationMSE:
		values, err := numericColumn(spec, col)
		if err != nil {
			return engine.Cell{}, err
		}
		return engine.Num(meanSquaredError(values, spec.MSETimes, spec.MSEObservations)), nil

	default:
		return engine.Cell{}, engine.NewUnsupportedAggregationError(
			"integration does not produce a scalar: "+string(spec.Integration), nil).
			WithOutput(spec.ID)
	}
}

// meanSquaredError compares values[t] with each reference observation.
// Times are truncated to row indices; out-of-range times are skipped.
func meanSquaredError(values, times, observations []float64) float64 {
	var sum float64
	var n int
	for i, t := range times {
		if i >= len(observations) || math.IsNaN(t) {
			continue
		}
		idx := int(t)
		if t < 0 || idx >= len(values) {
			continue
		}
		d := values[idx] - observations[i]
		sum += d * d
		n++
	}
	if n == 0 {
		return math.NaN()
	}
	return sum / float64(n)
}

func maxOf(values []float64) float64 {
	best := math.NaN()
	for _, v := range values {
		if math.IsNaN(v) {
			continue
		}
		if math.IsNaN(best) || v > best {
			best = v
		}
	}
	return best
}

// numericColumn converts a column to floats, rejecting text cells.
func numericColumn(spec *config.Output, col []engine.Cell) ([]float64, error) {
	out := make([]float64, len(col))
	for i, c := range col {
		f, ok := c.Float()
		if !ok {
			return nil, nonNumericError(spec, "column holds text values")
		}
		out[i] = f
	}
	return out, nil
}

func nonNumericError(spec *config.Output, msg string) *engine.EngineError {
	return engine.NewUnsupportedAggregationError(msg, nil).
		WithCode(engine.ErrCodeNonNumeric).
		WithOutput(spec.ID).
		WithDetail("integration", string(spec.Integration)).
		WithDetail("aggregation_replicate", string(spec.ReplicateAggregation)).
		WithDetail("aggregation_input", string(spec.InputAggregation))
}
