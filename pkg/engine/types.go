package engine

import (
	"encoding/json"
	"math"
	"path/filepath"
	"strconv"
	"time"
)

// Cell is one value of an output matrix or result table.
// A cell holds either a number or a text value.
type Cell struct {
	Num    float64
	Text   string
	IsText bool
}

// Num returns a numeric cell.
func Num(v float64) Cell {
	return Cell{Num: v}
}

// Text returns a text cell.
func Text(s string) Cell {
	return Cell{Text: s, IsText: true}
}

// NA returns a missing numeric cell.
func NA() Cell {
	return Cell{Num: math.NaN()}
}

// Float returns the numeric value and true, or 0 and false for text cells.
func (c Cell) Float() (float64, bool) {
	if c.IsText {
		return 0, false
	}
	return c.Num, true
}

// String formats the cell the way it is written to result files.
func (c Cell) String() string {
	if c.IsText {
		return c.Text
	}
	if math.IsNaN(c.Num) {
		return "NA"
	}
	return strconv.FormatFloat(c.Num, 'g', -1, 64)
}

// MarshalJSON encodes numbers as JSON numbers, NaN and infinities as null, text as strings.
func (c Cell) MarshalJSON() ([]byte, error) {
	if c.IsText {
		return json.Marshal(c.Text)
	}
	if math.IsNaN(c.Num) || math.IsInf(c.Num, 0) {
		return []byte("null"), nil
	}
	return json.Marshal(c.Num)
}

// UnmarshalJSON accepts a number, a string or null.
func (c *Cell) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*c = NA()
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*c = Text(s)
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*c = Num(f)
	return nil
}

// Matrix is the output of one view for one run.
// Header holds one column name per observed port, qualified as "modelPath.port".
// Rows holds the timestamped samples; the header is not a row.
type Matrix struct {
	Header []string `json:"header"`
	Rows   [][]Cell `json:"rows"`
}

// ColumnIndex returns the index of the column whose header equals name, or -1.
func (m *Matrix) ColumnIndex(name string) int {
	for i, h := range m.Header {
		if h == name {
			return i
		}
	}
	return -1
}

// Column returns the cells of column idx, one per row.
// Rows shorter than idx contribute a missing value.
func (m *Matrix) Column(idx int) []Cell {
	col := make([]Cell, len(m.Rows))
	for r, row := range m.Rows {
		if idx < len(row) {
			col[r] = row[idx]
		} else {
			col[r] = NA()
		}
	}
	return col
}

// IsNumericColumn reports whether column idx holds no text cells.
func (m *Matrix) IsNumericColumn(idx int) bool {
	for _, row := range m.Rows {
		if idx < len(row) && row[idx].IsText {
			return false
		}
	}
	return true
}

// Table is an aggregated result with one row per input or a single aggregated row.
// Rows may have different lengths when series of different lengths were kept.
type Table struct {
	Rows [][]Cell `json:"rows"`
}

// Dims returns the number of rows and the length of the longest row.
func (t *Table) Dims() (rows, cols int) {
	for _, r := range t.Rows {
		if len(r) > cols {
			cols = len(r)
		}
	}
	return len(t.Rows), cols
}

// ValueKind discriminates Value.
type ValueKind int

const (
	// ValueScalar is a single number.
	ValueScalar ValueKind = iota

	// ValueTable is a table of cells.
	ValueTable
)

// String returns the kind name.
func (k ValueKind) String() string {
	if k == ValueTable {
		return "table"
	}
	return "scalar"
}

// Value is one aggregated result.
type Value struct {
	Kind   ValueKind
	Scalar float64
	Table  *Table
}

// ScalarValue returns a scalar value.
func ScalarValue(v float64) Value {
	return Value{Kind: ValueScalar, Scalar: v}
}

// TableValue returns a table value taking ownership of rows.
func TableValue(rows [][]Cell) Value {
	return Value{Kind: ValueTable, Table: &Table{Rows: rows}}
}

// MarshalJSON encodes scalars as numbers and tables as arrays of rows.
func (v Value) MarshalJSON() ([]byte, error) {
	if v.Kind == ValueTable {
		if v.Table == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.Table.Rows)
	}
	return Num(v.Scalar).MarshalJSON()
}

// UnmarshalJSON decodes the form produced by MarshalJSON.
func (v *Value) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '[' {
		var rows [][]Cell
		if err := json.Unmarshal(data, &rows); err != nil {
			return err
		}
		*v = TableValue(rows)
		return nil
	}
	var c Cell
	if err := c.UnmarshalJSON(data); err != nil {
		return err
	}
	*v = ScalarValue(c.Num)
	return nil
}

// ModelRef identifies the base simulation model.
type ModelRef struct {
	// Root is the packages directory.
	Root string `json:"root,omitempty"`

	// Package is the package holding the model.
	Package string `json:"package"`

	// Vpz is the model file name inside the package's exp directory.
	Vpz string `json:"vpz"`
}

// Path returns the model file location: <root>/<package>/exp/<vpz>.
func (r ModelRef) Path() string {
	return filepath.Join(r.Root, r.Package, "exp", r.Vpz)
}

// Assignment writes one value into one model parameter slot.
type Assignment struct {
	Condition string      `json:"condition"`
	Port      string      `json:"port"`
	Value     interface{} `json:"value"`
}

// RunDescriptor is one parameterized run of the base model.
type RunDescriptor struct {
	Index          int          `json:"index"`
	InputIndex     int          `json:"input_index"`
	ReplicateIndex int          `json:"replicate_index"`
	Assignments    []Assignment `json:"assignments"`
}

// RunOutput maps view name to the matrix one run produced for that view.
type RunOutput map[string]*Matrix

// Batch is a contiguous range of runs dispatched together.
type Batch struct {
	// Experiment is the experiment name used in result file names.
	Experiment string `json:"experiment"`

	// Model is the base model.
	Model ModelRef `json:"model"`

	// Views are the views whose matrices must be collected.
	Views []string `json:"views"`

	// Runs are the run descriptors in increasing index order.
	Runs []RunDescriptor `json:"runs"`
}

// ExperimentRecord is the persisted summary of one experiment.
type ExperimentRecord struct {
	ID           string           `json:"id"`
	Name         string           `json:"name"`
	Status       ExperimentStatus `json:"status"`
	Backend      ParallelType     `json:"backend"`
	NbInputs     int              `json:"nb_inputs"`
	NbReplicates int              `json:"nb_replicates"`
	StartedAt    time.Time        `json:"started_at"`
	CompletedAt  *time.Time       `json:"completed_at,omitempty"`
	Error        string           `json:"error,omitempty"`
	Results      map[string]Value `json:"results,omitempty"`
}

// EventType identifies an orchestration event.
type EventType string

const (
	EventTypeExperimentStarted   EventType = "experiment.started"
	EventTypeBatchCompleted      EventType = "batch.completed"
	EventTypeOutputCompleted     EventType = "output.completed"
	EventTypeExperimentCompleted EventType = "experiment.completed"
	EventTypeExperimentFailed    EventType = "experiment.failed"
)

// Event is a progress event emitted during an experiment.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Type is the type of event.
	Type EventType `json:"type"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// ExperimentID is the experiment the event belongs to.
	ExperimentID string `json:"experiment_id"`

	// OutputID is the output, if applicable.
	OutputID string `json:"output_id,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Details contains additional event-specific data.
	Details map[string]interface{} `json:"details,omitempty"`

	// Level is the log level (info, warning, error).
	Level string `json:"level"`
}
