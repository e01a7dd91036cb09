package config

import (
	"fmt"

	"github.com/metasim/metasim/pkg/accu"
)

// Key prefixes recognized by the classifier.
const (
	PrefixPropagate = "propagate_"
	PrefixReplicate = "replicate_"
	PrefixInput     = "input_"
	PrefixOutput    = "output_"
	PrefixDefine    = "define_"
)

// Axis identifies one model parameter slot.
type Axis struct {
	Condition string `json:"condition"`
	Port      string `json:"port"`
}

// String returns "condition.port".
func (a Axis) String() string {
	return a.Condition + "." + a.Port
}

// Propagate broadcasts one constant value into every run.
type Propagate struct {
	Axis
	Value interface{} `json:"value"`
}

// Input is one axis of the factorial grid.
type Input struct {
	Axis
	Values []interface{} `json:"values"`

	// Key is the configuration key the input was declared with.
	Key string `json:"key"`
}

// Count returns the number of values on the axis.
func (in *Input) Count() int {
	return len(in.Values)
}

// At returns the value for an index, broadcasting scalars.
func (in *Input) At(index int) interface{} {
	if len(in.Values) == 1 {
		return in.Values[0]
	}
	return in.Values[index]
}

// Replicate is the repetition axis. At most one per plan.
type Replicate struct {
	Axis
	Values []interface{} `json:"values"`
}

// Count returns the number of replicates.
func (r *Replicate) Count() int {
	return len(r.Values)
}

// Integration collapses one run's series into a scalar or keeps it.
type Integration string

const (
	// IntegrationLast keeps the final row.
	IntegrationLast Integration = "last"

	// IntegrationMax keeps the maximum over rows.
	IntegrationMax Integration = "max"

	// IntegrationSum sums over rows.
	IntegrationSum Integration = "sum"

	// IntegrationMSE is the mean squared error against reference observations.
	IntegrationMSE Integration = "mse"

	// IntegrationAll keeps the full series.
	IntegrationAll Integration = "all"
)

// Validate checks if the integration is valid.
func (i Integration) Validate() error {
	switch i {
	case IntegrationLast, IntegrationMax, IntegrationSum, IntegrationMSE, IntegrationAll:
		return nil
	default:
		return fmt.Errorf("unknown integration %q", string(i))
	}
}

// Output is one requested aggregated result.
type Output struct {
	// ID is the key suffix after "output_".
	ID string `json:"id"`

	// View is the view holding the column.
	View string `json:"view"`

	// Column is the qualified column name ("modelPath.port") in the view's header.
	Column string `json:"column"`

	Integration          Integration `json:"integration"`
	ReplicateAggregation accu.Kind   `json:"aggregation_replicate"`
	InputAggregation     accu.Kind   `json:"aggregation_input"`
	ReplicateQuantile    float64     `json:"replicate_quantile"`
	InputQuantile        float64     `json:"input_quantile"`

	// MSETimes and MSEObservations are the reference pairs for IntegrationMSE.
	MSETimes        []float64 `json:"mse_times,omitempty"`
	MSEObservations []float64 `json:"mse_observations,omitempty"`
}

// Plan is a fully classified and sized experiment plan.
type Plan struct {
	Settings   Settings    `json:"settings"`
	Propagates []Propagate `json:"propagates"`
	Inputs     []Input     `json:"inputs"`
	Replicate  *Replicate  `json:"replicate,omitempty"`
	Outputs    []Output    `json:"outputs"`

	NbInputs     int `json:"nb_inputs"`
	NbReplicates int `json:"nb_replicates"`

	// Unknown lists keys that matched no rule.
	Unknown []string `json:"unknown,omitempty"`
}

// NbRuns returns the total number of runs.
func (p *Plan) NbRuns() int {
	return p.NbInputs * p.NbReplicates
}

// BatchSize returns the number of runs dispatched at once: MaxExpes when set,
// otherwise every run of the plan.
func (p *Plan) BatchSize() int {
	if p.Settings.MaxExpes > 0 && p.Settings.MaxExpes < p.NbRuns() {
		return p.Settings.MaxExpes
	}
	return p.NbRuns()
}

// Views returns the distinct views referenced by outputs, in declaration order.
func (p *Plan) Views() []string {
	seen := make(map[string]bool)
	var views []string
	for _, o := range p.Outputs {
		if !seen[o.View] {
			seen[o.View] = true
			views = append(views, o.View)
		}
	}
	return views
}

// ValidationError describes a problem found while loading a plan file.
type ValidationError struct {
	File     string `json:"file,omitempty"`
	Line     int    `json:"line,omitempty"`
	Column   int    `json:"column,omitempty"`
	Path     string `json:"path,omitempty"`
	Message  string `json:"message"`
	Severity string `json:"severity"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	if e.File != "" && e.Line > 0 {
		return fmt.Sprintf("%s:%d:%d: %s", e.File, e.Line, e.Column, e.Message)
	}
	if e.Path != "" {
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	}
	return e.Message
}
