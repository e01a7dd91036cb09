package policy

import (
	"time"

	"github.com/metasim/metasim/pkg/config"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for warnings that should be reviewed.
	SeverityWarning Severity = "warning"

	// SeverityError is for errors that block the experiment.
	SeverityError Severity = "error"

	// SeverityCritical is for critical violations that must be addressed immediately.
	SeverityCritical Severity = "critical"
)

// Blocks reports whether a violation of this severity rejects the plan.
func (s Severity) Blocks() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy represents a policy rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity applies to deny messages that do not carry their own.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Metadata contains additional policy metadata.
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Violation is one deny or warn message produced by a policy.
type Violation struct {
	// Policy is the name of the policy that produced the message.
	Policy string `json:"policy"`

	// Output is the output id the message refers to, if any.
	Output string `json:"output,omitempty"`

	// Message is a human-readable message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`
}

// Result represents the result of evaluating every enabled policy against a plan.
type Result struct {
	// Allowed is false when any violation blocks the plan.
	Allowed bool `json:"allowed"`

	// Violations lists deny messages.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists warn messages and non-blocking deny messages.
	Warnings []Violation `json:"warnings,omitempty"`

	// EvaluatedPolicies lists the names of policies that were evaluated.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

// Input is the document policies see as input.
type Input struct {
	Plan    PlanSummary `json:"plan"`
	Limits  Limits      `json:"limits"`
	Context Context     `json:"context"`
}

// Limits are site limits policies may compare the plan against. Zero means unlimited.
type Limits struct {
	MaxRuns  int `json:"max_runs"`
	MaxSlots int `json:"max_slots"`
}

// Context provides context information for policy evaluation.
type Context struct {
	// User is the user starting the experiment.
	User string `json:"user,omitempty"`

	// Operation is "validate" or "run".
	Operation string `json:"operation"`

	// Timestamp is when the evaluation is occurring.
	Timestamp time.Time `json:"timestamp"`
}

// PlanSummary is the policy view of a classified plan.
type PlanSummary struct {
	Name         string          `json:"name"`
	Backend      string          `json:"backend"`
	Slots        int             `json:"slots"`
	MaxExpes     int             `json:"max_expes"`
	RemoveFiles  bool            `json:"rm_files"`
	Host         string          `json:"host,omitempty"`
	Format       string          `json:"format"`
	TimeoutSec   float64         `json:"timeout_seconds"`
	Package      string          `json:"package"`
	Vpz          string          `json:"vpz"`
	NbInputs     int             `json:"nb_inputs"`
	NbReplicates int             `json:"nb_replicates"`
	NbRuns       int             `json:"nb_runs"`
	Inputs       []string        `json:"inputs"`
	Propagates   []string        `json:"propagates"`
	Replicate    string          `json:"replicate,omitempty"`
	Outputs      []OutputSummary `json:"outputs"`
	Unknown      []string        `json:"unknown,omitempty"`
}

// OutputSummary is the policy view of one output.
type OutputSummary struct {
	ID                   string `json:"id"`
	View                 string `json:"view"`
	Column               string `json:"column"`
	Integration          string `json:"integration"`
	AggregationReplicate string `json:"aggregation_replicate"`
	AggregationInput     string `json:"aggregation_input"`
}

// Summarize builds the policy view of plan.
func Summarize(plan *config.Plan) PlanSummary {
	s := plan.Settings
	summary := PlanSummary{
		Name:         s.Name,
		Backend:      string(s.ParallelType),
		Slots:        s.Slots,
		MaxExpes:     plan.BatchSize(),
		RemoveFiles:  s.RemoveFiles,
		Host:         s.Host,
		Format:       string(s.Format),
		TimeoutSec:   s.Timeout.Seconds(),
		Package:      s.Package,
		Vpz:          s.Vpz,
		NbInputs:     plan.NbInputs,
		NbReplicates: plan.NbReplicates,
		NbRuns:       plan.NbRuns(),
		Inputs:       make([]string, 0, len(plan.Inputs)),
		Propagates:   make([]string, 0, len(plan.Propagates)),
		Outputs:      make([]OutputSummary, 0, len(plan.Outputs)),
		Unknown:      plan.Unknown,
	}
	for _, in := range plan.Inputs {
		summary.Inputs = append(summary.Inputs, in.Axis.String())
	}
	for _, p := range plan.Propagates {
		summary.Propagates = append(summary.Propagates, p.Axis.String())
	}
	if plan.Replicate != nil {
		summary.Replicate = plan.Replicate.Axis.String()
	}
	for _, o := range plan.Outputs {
		summary.Outputs = append(summary.Outputs, OutputSummary{
			ID:                   o.ID,
			View:                 o.View,
			Column:               o.Column,
			Integration:          string(o.Integration),
			AggregationReplicate: string(o.ReplicateAggregation),
			AggregationInput:     string(o.InputAggregation),
		})
	}
	return summary
}
