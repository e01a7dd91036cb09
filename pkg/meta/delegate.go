package meta

import (
	"fmt"

	"github.com/metasim/metasim/pkg/accu"
	"github.com/metasim/metasim/pkg/config"
	"github.com/metasim/metasim/pkg/engine"
)

// Strategy is the accumulation algorithm selected by (integration, aggregation_input).
type Strategy int

const (
	// StandardReduce integrates to a scalar and reduces inputs to one number.
	StandardReduce Strategy = iota

	// AggregateAllInputs integrates to a scalar and keeps one value per input.
	AggregateAllInputs

	// IntegrateAllKeepSeries keeps one series per input.
	IntegrateAllKeepSeries

	// IntegrateAllAggregateInputs reduces the per-input series element-wise to one series.
	IntegrateAllAggregateInputs
)

// StrategyFor selects the strategy for an output.
func StrategyFor(integration config.Integration, inputAggregation accu.Kind) Strategy {
	keepInputs := inputAggregation == accu.All
	if integration == config.IntegrationAll {
		if keepInputs {
			return IntegrateAllKeepSeries
		}
		return IntegrateAllAggregateInputs
	}
	if keepInputs {
		return AggregateAllInputs
	}
	return StandardReduce
}

// String returns the strategy name.
func (s Strategy) String() string {
	switch s {
	case StandardReduce:
		return "StandardReduce"
	case AggregateAllInputs:
		return "AggregateAllInputs"
	case IntegrateAllKeepSeries:
		return "IntegrateAllKeepSeries"
	case IntegrateAllAggregateInputs:
		return "IntegrateAllAggregateInputs"
	default:
		return fmt.Sprintf("Strategy(%d)", int(s))
	}
}

// delegate accumulates one output. insertReplicate returns the final value and true once
// every input has been absorbed.
type delegate interface {
	insertReplicate(col []engine.Cell, inputIndex int) (engine.Value, bool, error)
}

func newDelegate(s Strategy, spec *config.Output, nbInputs, nbReplicates int) delegate {
	progress := newInputProgress(spec, nbInputs)
	switch s {
	case StandardReduce:
		return &standardReduce{
			spec:     spec,
			progress: progress,
			reps:     newScalarReplicates(spec, nbInputs, nbReplicates),
			inputs:   accu.NewMono(spec.InputAggregation, spec.InputQuantile),
		}
	case AggregateAllInputs:
		return &aggregateAllInputs{
			spec:     spec,
			progress: progress,
			reps:     newScalarReplicates(spec, nbInputs, nbReplicates),
			cells:    make([]engine.Cell, nbInputs),
		}
	case IntegrateAllKeepSeries:
		return &integrateAllKeepSeries{
			spec:     spec,
			progress: progress,
			reps:     newSeriesReplicates(spec, nbInputs, nbReplicates),
			rows:     make([][]engine.Cell, nbInputs),
		}
	default:
		return &integrateAllAggregateInputs{
			spec:     spec,
			progress: progress,
			reps:     newSeriesReplicates(spec, nbInputs, nbReplicates),
		}
	}
}

// inputProgress tracks which input indices have been folded into the input level.
type inputProgress struct {
	spec     *config.Output
	done     []bool
	absorbed int
}

func newInputProgress(spec *config.Output, nbInputs int) *inputProgress {
	return &inputProgress{spec: spec, done: make([]bool, nbInputs)}
}

func (p *inputProgress) check(inputIndex int) error {
	if inputIndex < 0 || inputIndex >= len(p.done) {
		return engine.NewDispatchError(
			fmt.Sprintf("input index %d outside [0,%d)", inputIndex, len(p.done)), nil).
			WithOutput(p.spec.ID)
	}
	if p.done[inputIndex] {
		return engine.NewDispatchError(
			fmt.Sprintf("input index %d received more replicates than expected", inputIndex), nil).
			WithOutput(p.spec.ID)
	}
	return nil
}

// absorb marks inputIndex complete and reports whether every input is now absorbed.
func (p *inputProgress) absorb(inputIndex int) bool {
	p.done[inputIndex] = true
	p.absorbed++
	return p.absorbed == len(p.done)
}

// scalarReplicates holds one pending replicate accumulator per input index.
type scalarReplicates struct {
	nbReplicates int
	kind         accu.Kind
	quantile     float64
	pending      []*accu.Mono
}

func newScalarReplicates(spec *config.Output, nbInputs, nbReplicates int) *scalarReplicates {
	r := &scalarReplicates{
		nbReplicates: nbReplicates,
		kind:         spec.ReplicateAggregation,
		quantile:     spec.ReplicateQuantile,
	}
	if nbReplicates > 1 {
		r.pending = make([]*accu.Mono, nbInputs)
	}
	return r
}

// add returns the reduced value of inputIndex once all its replicates arrived.
// With a single replicate the value passes through unchanged.
func (r *scalarReplicates) add(v float64, inputIndex int) (float64, bool) {
	if r.nbReplicates == 1 {
		return v, true
	}
	acc := r.pending[inputIndex]
	if acc == nil {
		acc = accu.NewMono(r.kind, r.quantile)
		r.pending[inputIndex] = acc
	}
	acc.Insert(v)
	if acc.Count() < r.nbReplicates {
		return 0, false
	}
	r.pending[inputIndex] = nil
	return acc.Result(), true
}

// seriesReplicates is the series counterpart of scalarReplicates.
type seriesReplicates struct {
	spec         *config.Output
	nbReplicates int
	pending      []*accu.Multi
}

func newSeriesReplicates(spec *config.Output, nbInputs, nbReplicates int) *seriesReplicates {
	r := &seriesReplicates{spec: spec, nbReplicates: nbReplicates}
	if nbReplicates > 1 {
		r.pending = make([]*accu.Multi, nbInputs)
	}
	return r
}

func (r *seriesReplicates) add(v []float64, inputIndex int) ([]float64, bool, error) {
	if r.nbReplicates == 1 {
		return v, true, nil
	}
	acc := r.pending[inputIndex]
	if acc == nil {
		acc = accu.NewMulti(len(v), r.spec.ReplicateAggregation, r.spec.ReplicateQuantile)
		r.pending[inputIndex] = acc
	}
	if err := acc.Insert(v); err != nil {
		return nil, false, shapeMismatch(r.spec, "replicate series lengths differ", err)
	}
	if acc.Count() < r.nbReplicates {
		return nil, false, nil
	}
	r.pending[inputIndex] = nil
	return acc.Results(), true, nil
}

func shapeMismatch(spec *config.Output, msg string, err error) *engine.EngineError {
	return engine.NewUnsupportedAggregationError(msg, err).
		WithCode(engine.ErrCodeShapeMismatch).
		WithOutput(spec.ID)
}

func scalarOf(spec *config.Output, col []engine.Cell) (float64, error) {
	cell, err := integrateScalar(spec, col)
	if err != nil {
		return 0, err
	}
	v, ok := cell.Float()
	if !ok {
		return 0, nonNumericError(spec, "integrated value is text")
	}
	return v, nil
}

func numbersToCells(values []float64) []engine.Cell {
	out := make([]engine.Cell, len(values))
	for i, v := range values {
		out[i] = engine.Num(v)
	}
	return out
}

type standardReduce struct {
	spec     *config.Output
	progress *inputProgress
	reps     *scalarReplicates
	inputs   *accu.Mono
}

func (d *standardReduce) insertReplicate(col []engine.Cell, inputIndex int) (engine.Value, bool, error) {
	if err := d.progress.check(inputIndex); err != nil {
		return engine.Value{}, false, err
	}
	v, err := scalarOf(d.spec, col)
	if err != nil {
		return engine.Value{}, false, err
	}
	reduced, ok := d.reps.add(v, inputIndex)
	if !ok {
		return engine.Value{}, false, nil
	}
	d.inputs.Insert(reduced)
	if !d.progress.absorb(inputIndex) {
		return engine.Value{}, false, nil
	}
	return engine.ScalarValue(d.inputs.Result()), true, nil
}

type aggregateAllInputs struct {
	spec     *config.Output
	progress *inputProgress
	reps     *scalarReplicates
	cells    []engine.Cell
}

func (d *aggregateAllInputs) insertReplicate(col []engine.Cell, inputIndex int) (engine.Value, bool, error) {
	if err := d.progress.check(inputIndex); err != nil {
		return engine.Value{}, false, err
	}

	var cell engine.Cell
	if d.reps.nbReplicates == 1 {
		c, err := integrateScalar(d.spec, col)
		if err != nil {
			return engine.Value{}, false, err
		}
		cell = c
	} else {
		v, err := scalarOf(d.spec, col)
		if err != nil {
			return engine.Value{}, false, err
		}
		reduced, ok := d.reps.add(v, inputIndex)
		if !ok {
			return engine.Value{}, false, nil
		}
		cell = engine.Num(reduced)
	}

	d.cells[inputIndex] = cell
	if !d.progress.absorb(inputIndex) {
		return engine.Value{}, false, nil
	}
	row := d.cells
	d.cells = nil
	return engine.TableValue([][]engine.Cell{row}), true, nil
}

type integrateAllKeepSeries struct {
	spec     *config.Output
	progress *inputProgress
	reps     *seriesReplicates
	rows     [][]engine.Cell
}

func (d *integrateAllKeepSeries) insertReplicate(col []engine.Cell, inputIndex int) (engine.Value, bool, error) {
	if err := d.progress.check(inputIndex); err != nil {
		return engine.Value{}, false, err
	}

	var row []engine.Cell
	if d.reps.nbReplicates == 1 {
		row = col
	} else {
		values, err := numericColumn(d.spec, col)
		if err != nil {
			return engine.Value{}, false, err
		}
		reduced, ok, err := d.reps.add(values, inputIndex)
		if err != nil || !ok {
			return engine.Value{}, false, err
		}
		row = numbersToCells(reduced)
	}

	d.rows[inputIndex] = row
	if !d.progress.absorb(inputIndex) {
		return engine.Value{}, false, nil
	}
	rows := d.rows
	d.rows = nil
	return engine.TableValue(rows), true, nil
}

type integrateAllAggregateInputs struct {
	spec     *config.Output
	progress *inputProgress
	reps     *seriesReplicates
	inputs   *accu.Multi
}

func (d *integrateAllAggregateInputs) insertReplicate(col []engine.Cell, inputIndex int) (engine.Value, bool, error) {
	if err := d.progress.check(inputIndex); err != nil {
		return engine.Value{}, false, err
	}
	values, err := numericColumn(d.spec, col)
	if err != nil {
		return engine.Value{}, false, err
	}
	reduced, ok, err := d.reps.add(values, inputIndex)
	if err != nil || !ok {
		return engine.Value{}, false, err
	}

	if d.inputs == nil {
		d.inputs = accu.NewMulti(len(reduced), d.spec.InputAggregation, d.spec.InputQuantile)
	}
	if err := d.inputs.Insert(reduced); err != nil {
		return engine.Value{}, false, shapeMismatch(d.spec, "input series lengths differ", err)
	}
	if !d.progress.absorb(inputIndex) {
		return engine.Value{}, false, nil
	}
	return engine.TableValue([][]engine.Cell{numbersToCells(d.inputs.Results())}), true, nil
}
