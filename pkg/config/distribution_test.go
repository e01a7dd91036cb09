package config

import (
	"testing"
)

func TestDistributionBoundsAndLength(t *testing.T) {
	tests := []struct {
		name     string
		nb       int
		min, max float64
	}{
		{"unit", 100, 0, 1},
		{"negative", 37, -5, -2},
		{"degenerate", 4, 3, 3},
	}

	rng := NewRand(7)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := ParseDistribution(map[string]interface{}{
				"distribution": "uniform", "nb": tt.nb, "min": tt.min, "max": tt.max,
			})
			if err != nil {
				t.Fatal(err)
			}
			values := d.Generate(rng)
			if len(values) != tt.nb {
				t.Fatalf("len = %d, want %d", len(values), tt.nb)
			}
			for i, v := range values {
				f := v.(float64)
				if f < tt.min || f > tt.max {
					t.Errorf("value %d = %v outside [%v, %v]", i, f, tt.min, tt.max)
				}
			}
		})
	}
}

func TestParseDistributionErrors(t *testing.T) {
	tests := []map[string]interface{}{
		{"nb": 3, "min": 0, "max": 1},
		{"distribution": "normal", "nb": 3, "min": 0, "max": 1},
		{"distribution": "uniform", "min": 0, "max": 1},
		{"distribution": "uniform", "nb": 3, "max": 1},
		{"distribution": "uniform", "nb": 0, "min": 0, "max": 1},
		{"distribution": "uniform", "nb": 3, "min": 2, "max": 1},
		{"distribution": "uniform", "nb": 2.5, "min": 0, "max": 1},
	}
	for i, m := range tests {
		if _, err := ParseDistribution(m); err == nil {
			t.Errorf("case %d: expected error for %v", i, m)
		}
	}
}
