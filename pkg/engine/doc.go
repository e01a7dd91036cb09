// Package engine provides the shared types and boundary interfaces of the metasim orchestrator.
//
// # Overview
//
// A meta-simulation expands a plan into a grid of runs (inputs crossed with replicates),
// dispatches every run to a simulation engine and reduces the output matrices to a small
// result map. This package holds what every other package agrees on:
//
//   - Cell, Matrix, Table, Value: output matrices and aggregated results
//   - ModelRef, Assignment, RunDescriptor, Batch: what gets executed
//   - Simulator, Model: the boundary to a simulation engine
//   - Dispatcher: the boundary to an execution backend
//   - Recorder, EventPublisher: history and progress sinks
//
// # State Machine
//
// One experiment moves through
//
//	Idle -> Validated -> Dispatching -> Collecting -> Done
//
// with Collecting looping back to Dispatching for each further batch, and Failed reachable
// from any non-terminal state. StateMachine enforces these transitions.
//
// # Errors
//
// Failures are reported as *EngineError with a class per stage (configuration, plan_size,
// column_not_found, unsupported_aggregation, dispatch, result_read, cancelled). Use the
// IsXxx helpers or ClassOf to inspect an error chain:
//
//	if engine.IsPreDispatch(err) {
//	    // no simulation was started
//	}
package engine
