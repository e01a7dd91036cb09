package accu

import (
	"fmt"
)

// Multi accumulates equal-length vectors and reduces them element-wise.
type Multi struct {
	kind  Kind
	accus []*Mono
}

// NewMulti returns an accumulator for vectors of length size.
func NewMulti(size int, kind Kind, q float64) *Multi {
	accus := make([]*Mono, size)
	for i := range accus {
		accus[i] = NewMono(kind, q)
	}
	return &Multi{kind: kind, accus: accus}
}

// Kind returns the reduction kind.
func (a *Multi) Kind() Kind {
	return a.kind
}

// Size returns the expected vector length.
func (a *Multi) Size() int {
	return len(a.accus)
}

// Count returns the number of inserted vectors.
func (a *Multi) Count() int {
	if len(a.accus) == 0 {
		return 0
	}
	return a.accus[0].Count()
}

// Insert adds one vector. It must have exactly Size elements.
func (a *Multi) Insert(v []float64) error {
	if len(v) != len(a.accus) {
		return fmt.Errorf("vector length %d does not match accumulator size %d", len(v), len(a.accus))
	}
	for i, x := range v {
		a.accus[i].Insert(x)
	}
	return nil
}

// Results reduces each position with the accumulator's kind.
func (a *Multi) Results() []float64 {
	out := make([]float64, len(a.accus))
	for i, m := range a.accus {
		out[i] = m.Result()
	}
	return out
}

// Position returns the scalar accumulator of one position.
func (a *Multi) Position(i int) *Mono {
	return a.accus[i]
}
