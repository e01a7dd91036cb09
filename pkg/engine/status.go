package engine

import (
	"fmt"
)

// RunState is a state of the orchestration state machine for one experiment.
type RunState string

const (
	// RunStateIdle is the state before a plan has been accepted.
	RunStateIdle RunState = "idle"

	// RunStateValidated indicates knobs and keys were classified and sized without error.
	RunStateValidated RunState = "validated"

	// RunStateDispatching indicates a batch of runs is being executed.
	RunStateDispatching RunState = "dispatching"

	// RunStateCollecting indicates completed runs are being folded into the output delegates.
	RunStateCollecting RunState = "collecting"

	// RunStateDone indicates every output completed and the result map was assembled.
	RunStateDone RunState = "done"

	// RunStateFailed indicates the experiment aborted.
	RunStateFailed RunState = "failed"
)

var runStateTransitions = map[RunState][]RunState{
	RunStateIdle:        {RunStateValidated},
	RunStateValidated:   {RunStateDispatching},
	RunStateDispatching: {RunStateCollecting},
	RunStateCollecting:  {RunStateDispatching, RunStateDone},
}

// IsTerminal returns true if the state is final.
func (s RunState) IsTerminal() bool {
	return s == RunStateDone || s == RunStateFailed
}

// CanTransition reports whether moving from s to next is legal.
// Failed is reachable from any non-terminal state.
func (s RunState) CanTransition(next RunState) bool {
	if s.IsTerminal() {
		return false
	}
	if next == RunStateFailed {
		return true
	}
	for _, allowed := range runStateTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Validate checks if the state is valid.
func (s RunState) Validate() error {
	switch s {
	case RunStateIdle, RunStateValidated, RunStateDispatching,
		RunStateCollecting, RunStateDone, RunStateFailed:
		return nil
	default:
		return fmt.Errorf("invalid run state: %s", s)
	}
}

// StateMachine tracks the state of one experiment and rejects illegal transitions.
type StateMachine struct {
	state   RunState
	history []RunState
}

// NewStateMachine returns a state machine in the Idle state.
func NewStateMachine() *StateMachine {
	return &StateMachine{state: RunStateIdle, history: []RunState{RunStateIdle}}
}

// State returns the current state.
func (m *StateMachine) State() RunState {
	return m.state
}

// History returns every state visited, in order.
func (m *StateMachine) History() []RunState {
	out := make([]RunState, len(m.history))
	copy(out, m.history)
	return out
}

// Transition moves to next or returns an error if the move is illegal.
func (m *StateMachine) Transition(next RunState) error {
	if !m.state.CanTransition(next) {
		return fmt.Errorf("illegal state transition %s -> %s", m.state, next)
	}
	m.state = next
	m.history = append(m.history, next)
	return nil
}

// Fail moves to Failed unless already terminal.
func (m *StateMachine) Fail() {
	if m.state.IsTerminal() {
		return
	}
	m.state = RunStateFailed
	m.history = append(m.history, RunStateFailed)
}

// ExperimentStatus is the persisted status of an experiment.
type ExperimentStatus string

const (
	// ExperimentStatusRunning indicates the experiment is executing.
	ExperimentStatusRunning ExperimentStatus = "running"

	// ExperimentStatusSucceeded indicates the experiment completed with a full result map.
	ExperimentStatusSucceeded ExperimentStatus = "succeeded"

	// ExperimentStatusFailed indicates the experiment aborted with an error.
	ExperimentStatusFailed ExperimentStatus = "failed"

	// ExperimentStatusCancelled indicates the experiment was cancelled or timed out.
	ExperimentStatusCancelled ExperimentStatus = "cancelled"
)

// IsTerminal returns true if the experiment status represents a final state.
func (s ExperimentStatus) IsTerminal() bool {
	return s == ExperimentStatusSucceeded || s == ExperimentStatusFailed ||
		s == ExperimentStatusCancelled
}

// Validate checks if the experiment status is valid.
func (s ExperimentStatus) Validate() error {
	switch s {
	case ExperimentStatusRunning, ExperimentStatusSucceeded,
		ExperimentStatusFailed, ExperimentStatusCancelled:
		return nil
	default:
		return fmt.Errorf("invalid experiment status: %s", s)
	}
}

// ParallelType selects the dispatch backend.
type ParallelType string

const (
	// ParallelSingle runs every simulation sequentially in-process.
	ParallelSingle ParallelType = "single"

	// ParallelThreads runs simulations in-process on a bounded pool of slots.
	ParallelThreads ParallelType = "threads"

	// ParallelDistributed spawns external worker processes and reads result files.
	ParallelDistributed ParallelType = "distributed"
)

// Validate checks if the parallel type is valid.
func (p ParallelType) Validate() error {
	switch p {
	case ParallelSingle, ParallelThreads, ParallelDistributed:
		return nil
	default:
		return fmt.Errorf("invalid parallel type: %s", p)
	}
}

// ResultFormat is the on-disk format of per-run result files.
type ResultFormat string

const (
	// ResultFormatCSV writes one CSV file per run and view.
	ResultFormatCSV ResultFormat = "csv"

	// ResultFormatArrow writes one Arrow IPC file per run and view.
	ResultFormatArrow ResultFormat = "arrow"
)

// Ext returns the file extension used for the format.
func (f ResultFormat) Ext() string {
	return string(f)
}

// Validate checks if the result format is valid.
func (f ResultFormat) Validate() error {
	switch f {
	case ResultFormatCSV, ResultFormatArrow:
		return nil
	default:
		return fmt.Errorf("invalid result format: %s", f)
	}
}
