package accu

import (
	"fmt"
	"strings"
)

// Kind is an aggregation mode.
type Kind string

const (
	// Mean is the arithmetic mean.
	Mean Kind = "mean"

	// Variance is the sample variance (n-1 denominator).
	Variance Kind = "variance"

	// Min is the minimum.
	Min Kind = "min"

	// Max is the maximum.
	Max Kind = "max"

	// Quantile is a quantile with linear interpolation between order statistics.
	Quantile Kind = "quantile"

	// All keeps every value.
	All Kind = "all"
)

// ParseKind parses an aggregation name, case-insensitively.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	if err := k.Validate(); err != nil {
		return "", err
	}
	return k, nil
}

// Validate checks if the kind is valid.
func (k Kind) Validate() error {
	switch k {
	case Mean, Variance, Min, Max, Quantile, All:
		return nil
	default:
		return fmt.Errorf("unknown aggregation %q", string(k))
	}
}

// KeepsValues reports whether the kind needs raw values to be stored.
func (k Kind) KeepsValues() bool {
	return k == Quantile || k == All
}
