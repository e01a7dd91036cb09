// Package meta runs meta-simulation experiments.
//
// A Manager takes the flat configuration map of an experiment, classifies it into a
// plan (see package config), expands the plan into nbInputs x nbReplicates runs and
// hands them to a dispatcher in batches of at most config_parallel_max_expes runs.
// Every run's output matrices are streamed into one Output accumulator per declared
// output as soon as the dispatcher hands them over, so memory stays bounded by the
// number of inputs rather than the number of runs.
//
// # Run layout
//
// Run i has input index i / nbReplicates and replicate index i % nbReplicates. Its
// assignments are written in a fixed order: propagates, then inputs, then the
// replicate value.
//
// # Accumulation
//
// Each output selects one of four strategies from its integration and its input
// aggregation:
//
//	integration != all, aggregation_input != all  StandardReduce
//	integration != all, aggregation_input == all  AggregateAllInputs
//	integration == all, aggregation_input == all  IntegrateAllKeepSeries
//	integration == all, aggregation_input != all  IntegrateAllAggregateInputs
//
// Replicates of one input are reduced with aggregation_replicate first; the per-input
// values are then kept or reduced with aggregation_input.
//
// # Usage
//
//	m := meta.NewManager(meta.WithLogger(logger))
//	results, err := m.Run(ctx, raw)
//	if err != nil {
//	    return err
//	}
//	fmt.Println(results["y"].Scalar)
package meta
