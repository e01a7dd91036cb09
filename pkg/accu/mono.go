package accu

import (
	"math"
	"sort"
)

// Mono accumulates scalars and reduces them with one Kind.
type Mono struct {
	kind     Kind
	quantile float64

	count int
	sum   float64
	mean  float64
	m2    float64
	min   float64
	max   float64

	values []float64
}

// NewMono returns an empty accumulator. q is only used by Quantile and is clamped to [0,1].
func NewMono(kind Kind, q float64) *Mono {
	return &Mono{
		kind:     kind,
		quantile: clamp01(q),
		min:      math.Inf(1),
		max:      math.Inf(-1),
	}
}

// Kind returns the reduction kind.
func (a *Mono) Kind() Kind {
	return a.kind
}

// Insert adds one value.
func (a *Mono) Insert(v float64) {
	a.count++
	a.sum += v
	delta := v - a.mean
	a.mean += delta / float64(a.count)
	a.m2 += delta * (v - a.mean)
	if v < a.min {
		a.min = v
	}
	if v > a.max {
		a.max = v
	}
	if a.kind.KeepsValues() {
		a.values = append(a.values, v)
	}
}

// Count returns the number of inserted values.
func (a *Mono) Count() int {
	return a.count
}

// Mean returns the arithmetic mean, NaN when empty.
func (a *Mono) Mean() float64 {
	if a.count == 0 {
		return math.NaN()
	}
	return a.sum / float64(a.count)
}

// Variance returns the sample variance, 0 with fewer than two values.
func (a *Mono) Variance() float64 {
	if a.count < 2 {
		return 0
	}
	return a.m2 / float64(a.count-1)
}

// Min returns the minimum, NaN when empty.
func (a *Mono) Min() float64 {
	if a.count == 0 {
		return math.NaN()
	}
	return a.min
}

// Max returns the maximum, NaN when empty.
func (a *Mono) Max() float64 {
	if a.count == 0 {
		return math.NaN()
	}
	return a.max
}

// Quantile returns the q-quantile of the kept values, NaN when none were kept.
func (a *Mono) Quantile(q float64) float64 {
	return quantileOf(a.values, clamp01(q))
}

// Values returns the kept values in insertion order. Empty unless the kind keeps values.
func (a *Mono) Values() []float64 {
	return a.values
}

// Result reduces the accumulated values with the accumulator's kind.
// All has no scalar reduction and yields NaN; use Values instead.
func (a *Mono) Result() float64 {
	switch a.kind {
	case Mean:
		return a.Mean()
	case Variance:
		return a.Variance()
	case Min:
		return a.Min()
	case Max:
		return a.Max()
	case Quantile:
		return a.Quantile(a.quantile)
	default:
		return math.NaN()
	}
}

func quantileOf(values []float64, q float64) float64 {
	n := len(values)
	if n == 0 {
		return math.NaN()
	}
	sorted := make([]float64, n)
	copy(sorted, values)
	sort.Float64s(sorted)

	h := float64(n-1) * q
	lo := int(math.Floor(h))
	if lo >= n-1 {
		return sorted[n-1]
	}
	return sorted[lo] + (h-float64(lo))*(sorted[lo+1]-sorted[lo])
}

func clamp01(q float64) float64 {
	switch {
	case math.IsNaN(q):
		return 0.5
	case q < 0:
		return 0
	case q > 1:
		return 1
	}
	return q
}
