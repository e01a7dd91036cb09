package engine

import (
	"errors"
	"fmt"
)

// ErrorClass classifies an orchestration failure by the stage that produced it.
type ErrorClass string

const (
	// ErrorClassConfiguration covers malformed, ambiguous or missing plan keys.
	// Always detected before any run is dispatched.
	ErrorClassConfiguration ErrorClass = "configuration"

	// ErrorClassPlanSize indicates inconsistent axis sizes between multi-valued inputs.
	ErrorClassPlanSize ErrorClass = "plan_size"

	// ErrorClassColumnNotFound indicates a requested output port is absent from a run's view.
	ErrorClassColumnNotFound ErrorClass = "column_not_found"

	// ErrorClassUnsupportedAggregation indicates non-numeric data combined with a reduction
	// that needs numbers, or series of mismatched shapes.
	ErrorClassUnsupportedAggregation ErrorClass = "unsupported_aggregation"

	// ErrorClassDispatch covers simulator failures, spawn failures and non-zero worker exits.
	ErrorClassDispatch ErrorClass = "dispatch"

	// ErrorClassResultRead indicates a missing or malformed per-run result file.
	ErrorClassResultRead ErrorClass = "result_read"

	// ErrorClassCancelled indicates the experiment was cancelled or timed out.
	ErrorClassCancelled ErrorClass = "cancelled"
)

// EngineError is a classified error carrying enough context to locate the failing run.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// RunIndex is the run index that failed, or -1 when not tied to a run.
	RunIndex int `json:"run_index"`

	// OutputID is the output being accumulated when the error occurred.
	OutputID string `json:"output_id,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	switch {
	case e.RunIndex >= 0 && e.OutputID != "":
		msg += fmt.Sprintf(" (run=%d, output=%s)", e.RunIndex, e.OutputID)
	case e.RunIndex >= 0:
		msg += fmt.Sprintf(" (run=%d)", e.RunIndex)
	case e.OutputID != "":
		msg += fmt.Sprintf(" (output=%s)", e.OutputID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

func newError(class ErrorClass, message string, err error) *EngineError {
	return &EngineError{
		Class:    class,
		Message:  message,
		RunIndex: -1,
		Err:      err,
	}
}

// NewConfigurationError creates a new configuration error.
func NewConfigurationError(message string, err error) *EngineError {
	return newError(ErrorClassConfiguration, message, err)
}

// NewPlanSizeError creates a new plan size error.
func NewPlanSizeError(message string, err error) *EngineError {
	return newError(ErrorClassPlanSize, message, err)
}

// NewColumnNotFoundError creates a new column-not-found error.
func NewColumnNotFoundError(message string, err error) *EngineError {
	return newError(ErrorClassColumnNotFound, message, err)
}

// NewUnsupportedAggregationError creates a new unsupported aggregation error.
func NewUnsupportedAggregationError(message string, err error) *EngineError {
	return newError(ErrorClassUnsupportedAggregation, message, err)
}

// NewDispatchError creates a new dispatch error.
func NewDispatchError(message string, err error) *EngineError {
	return newError(ErrorClassDispatch, message, err)
}

// NewResultReadError creates a new result read error.
func NewResultReadError(message string, err error) *EngineError {
	return newError(ErrorClassResultRead, message, err)
}

// NewCancelledError creates a new cancellation error.
func NewCancelledError(message string, err error) *EngineError {
	return newError(ErrorClassCancelled, message, err)
}

// WithRun adds run index context to an error.
func (e *EngineError) WithRun(runIndex int) *EngineError {
	e.RunIndex = runIndex
	return e
}

// WithOutput adds output context to an error.
func (e *EngineError) WithOutput(outputID string) *EngineError {
	e.OutputID = outputID
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// ClassOf returns the class of the first EngineError in err's chain, or "" if none.
func ClassOf(err error) ErrorClass {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class
	}
	return ""
}

// IsConfiguration returns true if the error is classified as a configuration error.
func IsConfiguration(err error) bool {
	return ClassOf(err) == ErrorClassConfiguration
}

// IsPlanSize returns true if the error is classified as a plan size error.
func IsPlanSize(err error) bool {
	return ClassOf(err) == ErrorClassPlanSize
}

// IsColumnNotFound returns true if the error is classified as column-not-found.
func IsColumnNotFound(err error) bool {
	return ClassOf(err) == ErrorClassColumnNotFound
}

// IsUnsupportedAggregation returns true if the error is classified as unsupported aggregation.
func IsUnsupportedAggregation(err error) bool {
	return ClassOf(err) == ErrorClassUnsupportedAggregation
}

// IsDispatch returns true if the error is classified as a dispatch error.
func IsDispatch(err error) bool {
	return ClassOf(err) == ErrorClassDispatch
}

// IsResultRead returns true if the error is classified as a result read error.
func IsResultRead(err error) bool {
	return ClassOf(err) == ErrorClassResultRead
}

// IsCancelled returns true if the error is classified as a cancellation.
func IsCancelled(err error) bool {
	return ClassOf(err) == ErrorClassCancelled
}

// IsPreDispatch returns true for errors that are always raised before any simulation work.
func IsPreDispatch(err error) bool {
	c := ClassOf(err)
	return c == ErrorClassConfiguration || c == ErrorClassPlanSize
}

// Common error codes.
const (
	ErrCodeMalformedKey      = "MALFORMED_KEY"
	ErrCodeDuplicateAxis     = "DUPLICATE_AXIS"
	ErrCodeAxisCollision     = "AXIS_COLLISION"
	ErrCodeMultipleReplicate = "MULTIPLE_REPLICATE"
	ErrCodeBadDistribution   = "BAD_DISTRIBUTION"
	ErrCodeBadKnob           = "BAD_KNOB"
	ErrCodeUnknownKey        = "UNKNOWN_KEY"
	ErrCodePolicyDenied      = "POLICY_DENIED"
	ErrCodeShapeMismatch     = "SHAPE_MISMATCH"
	ErrCodeNonNumeric        = "NON_NUMERIC"
	ErrCodeSpawnFailed       = "SPAWN_FAILED"
	ErrCodeNonZeroExit       = "NON_ZERO_EXIT"
	ErrCodeMissingFile       = "MISSING_FILE"
	ErrCodeMalformedFile     = "MALFORMED_FILE"
	ErrCodeTimeout           = "TIMEOUT"
)
