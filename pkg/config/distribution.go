package config

import (
	"fmt"
	"math/rand/v2"
	"strings"

	"github.com/metasim/metasim/pkg/engine"
)

// DistributionUniform draws values uniformly in [min, max].
const DistributionUniform = "uniform"

// Distribution describes a generated axis sequence.
type Distribution struct {
	Name string  `json:"distribution"`
	Nb   int     `json:"nb"`
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
}

// ParseDistribution decodes a distribution descriptor map.
func ParseDistribution(m map[string]interface{}) (Distribution, error) {
	var d Distribution

	name, ok := m["distribution"]
	if !ok {
		return d, fmt.Errorf("missing 'distribution'")
	}
	str, err := ToString(name)
	if err != nil {
		return d, fmt.Errorf("distribution: %w", err)
	}
	d.Name = strings.ToLower(str)
	if d.Name != DistributionUniform {
		return d, fmt.Errorf("unsupported distribution %q", str)
	}

	for _, field := range []string{"nb", "min", "max"} {
		if _, ok := m[field]; !ok {
			return d, fmt.Errorf("missing '%s'", field)
		}
	}
	if d.Nb, err = ToInt(m["nb"]); err != nil {
		return d, fmt.Errorf("nb: %w", err)
	}
	if d.Min, err = ToFloat(m["min"]); err != nil {
		return d, fmt.Errorf("min: %w", err)
	}
	if d.Max, err = ToFloat(m["max"]); err != nil {
		return d, fmt.Errorf("max: %w", err)
	}
	if d.Nb < 1 {
		return d, fmt.Errorf("nb must be at least 1, got %d", d.Nb)
	}
	if d.Min > d.Max {
		return d, fmt.Errorf("min %v is greater than max %v", d.Min, d.Max)
	}
	return d, nil
}

// Generate draws Nb values from rng.
func (d Distribution) Generate(rng *rand.Rand) []interface{} {
	out := make([]interface{}, d.Nb)
	for i := range out {
		v := d.Min + rng.Float64()*(d.Max-d.Min)
		if v > d.Max {
			v = d.Max
		}
		out[i] = v
	}
	return out
}

// axisValues turns an axis payload into its value sequence.
func axisValues(key string, val interface{}, rng *rand.Rand) ([]interface{}, error) {
	switch x := Normalize(val).(type) {
	case []interface{}:
		if len(x) == 0 {
			return nil, engine.NewConfigurationError(fmt.Sprintf("%s: empty sequence", key), nil).
				WithDetail("key", key)
		}
		return x, nil
	case map[string]interface{}:
		d, err := ParseDistribution(x)
		if err != nil {
			return nil, engine.NewConfigurationError(fmt.Sprintf("%s: invalid distribution", key), err).
				WithCode(engine.ErrCodeBadDistribution).
				WithDetail("key", key)
		}
		return d.Generate(rng), nil
	case nil:
		return nil, engine.NewConfigurationError(fmt.Sprintf("%s: missing value", key), nil).
			WithDetail("key", key)
	default:
		return []interface{}{x}, nil
	}
}
