package meta

import (
	"fmt"

	"github.com/metasim/metasim/pkg/accu"
	"github.com/metasim/metasim/pkg/config"
	"github.com/metasim/metasim/pkg/engine"
)

// Output accumulates one requested result across all runs of an experiment.
// It is not safe for concurrent use; each output must be fed by a single goroutine.
type Output struct {
	Spec         config.Output
	NbInputs     int
	NbReplicates int

	strategy    Strategy
	columnIndex int
	numeric     bool
	delegate    delegate
	inserted    int

	complete bool
	result   *engine.Value
}

// NewOutput creates an output accumulator for a plan of nbInputs x nbReplicates runs.
func NewOutput(spec config.Output, nbInputs, nbReplicates int) *Output {
	return &Output{
		Spec:         spec,
		NbInputs:     nbInputs,
		NbReplicates: nbReplicates,
		strategy:     StrategyFor(spec.Integration, spec.InputAggregation),
		columnIndex:  -1,
	}
}

// Strategy returns the accumulation strategy of the output.
func (o *Output) Strategy() Strategy {
	return o.strategy
}

// ColumnIndex returns the resolved column index, or -1 before the first insertion.
func (o *Output) ColumnIndex() int {
	return o.columnIndex
}

// Inserted returns the number of run matrices consumed so far.
func (o *Output) Inserted() int {
	return o.inserted
}

// Complete reports whether every input has been absorbed.
func (o *Output) Complete() bool {
	return o.complete
}

// InsertReplicate folds one run's matrix for this output's view into the accumulator.
// It returns the final value and true when this insertion completed the output.
func (o *Output) InsertReplicate(m *engine.Matrix, inputIndex int) (engine.Value, bool, error) {
	if o.complete {
		return engine.Value{}, false, engine.NewDispatchError("output already complete", nil).
			WithOutput(o.Spec.ID)
	}
	if m == nil {
		return engine.Value{}, false, engine.NewColumnNotFoundError(
			fmt.Sprintf("run produced no matrix for view %q", o.Spec.View), nil).
			WithOutput(o.Spec.ID)
	}

	if o.delegate == nil {
		if err := o.resolve(m); err != nil {
			return engine.Value{}, false, err
		}
		o.delegate = newDelegate(o.strategy, &o.Spec, o.NbInputs, o.NbReplicates)
	}

	v, done, err := o.delegate.insertReplicate(m.Column(o.columnIndex), inputIndex)
	if err != nil {
		return engine.Value{}, false, err
	}
	o.inserted++
	if done {
		o.complete = true
		o.delegate = nil
		o.result = &v
	}
	return v, done, nil
}

// resolve fixes the column index from the first matrix and checks the data type.
func (o *Output) resolve(m *engine.Matrix) error {
	idx := m.ColumnIndex(o.Spec.Column)
	if idx < 0 {
		return engine.NewColumnNotFoundError(
			fmt.Sprintf("column %q not found in view %q", o.Spec.Column, o.Spec.View), nil).
			WithOutput(o.Spec.ID).
			WithDetail("header", m.Header)
	}
	o.columnIndex = idx
	o.numeric = m.IsNumericColumn(idx)

	if !o.numeric && !o.textAllowed() {
		return nonNumericError(&o.Spec,
			"non-numeric column requires a single replicate, integration last or all, and aggregation_input all")
	}
	return nil
}

func (o *Output) textAllowed() bool {
	integration := o.Spec.Integration
	return o.NbReplicates == 1 &&
		(integration == config.IntegrationLast || integration == config.IntegrationAll) &&
		o.Spec.InputAggregation == accu.All
}

// Take returns the final value and clears it from the output.
func (o *Output) Take() (engine.Value, bool) {
	if o.result == nil {
		return engine.Value{}, false
	}
	v := *o.result
	o.result = nil
	return v, true
}
