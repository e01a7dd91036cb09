package accu

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func near(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestMonoStatistics(t *testing.T) {
	values := []float64{2, 4, 4, 4, 5, 5, 7, 9}

	tests := []struct {
		kind Kind
		q    float64
		want float64
	}{
		{Mean, 0, 5},
		{Variance, 0, 32.0 / 7.0},
		{Min, 0, 2},
		{Max, 0, 9},
		{Quantile, 0.5, 4.5},
		{Quantile, 0, 2},
		{Quantile, 1, 9},
		{Quantile, 0.25, 4},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			a := NewMono(tt.kind, tt.q)
			for _, v := range values {
				a.Insert(v)
			}
			if got := a.Result(); !near(got, tt.want) {
				t.Errorf("Result() = %v, want %v", got, tt.want)
			}
			if a.Count() != len(values) {
				t.Errorf("Count() = %d", a.Count())
			}
		})
	}
}

func TestMonoMeanIsExactForPairs(t *testing.T) {
	a := NewMono(Mean, 0)
	a.Insert(10)
	a.Insert(12)
	if a.Result() != 11 {
		t.Errorf("mean = %v, want 11", a.Result())
	}
}

func TestMonoEmpty(t *testing.T) {
	a := NewMono(Mean, 0)
	if !math.IsNaN(a.Mean()) || !math.IsNaN(a.Min()) || !math.IsNaN(a.Max()) {
		t.Error("empty accumulator should report NaN")
	}
	if a.Variance() != 0 {
		t.Error("variance of fewer than two values is 0")
	}
	if !math.IsNaN(NewMono(Quantile, 0.5).Result()) {
		t.Error("empty quantile should be NaN")
	}
}

func TestMonoKeepsValuesOnlyWhenNeeded(t *testing.T) {
	mean := NewMono(Mean, 0)
	all := NewMono(All, 0)
	for _, v := range []float64{3, 1, 2} {
		mean.Insert(v)
		all.Insert(v)
	}
	if len(mean.Values()) != 0 {
		t.Error("mean should not keep values")
	}
	if diff := cmp.Diff([]float64{3, 1, 2}, all.Values()); diff != "" {
		t.Errorf("kept values (-want +got):\n%s", diff)
	}
	if !math.IsNaN(all.Result()) {
		t.Error("All has no scalar reduction")
	}
}

func TestQuantileClamp(t *testing.T) {
	a := NewMono(Quantile, 3)
	a.Insert(1)
	a.Insert(2)
	if a.Result() != 2 {
		t.Errorf("q>1 should clamp to max, got %v", a.Result())
	}
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind(" Variance ")
	if err != nil || k != Variance {
		t.Errorf("ParseKind = %v, %v", k, err)
	}
	if _, err := ParseKind("median"); err == nil {
		t.Error("expected error for unknown kind")
	}
	if !Quantile.KeepsValues() || Mean.KeepsValues() {
		t.Error("KeepsValues mismatch")
	}
}
