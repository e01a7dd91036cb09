// Package config turns an experiment plan into typed, sized axes and outputs.
//
// A plan is a flat map from string keys to scalars, sequences or maps. Keys are
// classified by prefix:
//
//	propagate_<cond>.<port>   constant written into every run
//	input_<cond>.<port>       one axis of the factorial grid
//	replicate_<cond>.<port>   the repetition axis (at most one)
//	output_<id>               a requested aggregated result
//	<cond>.<port>             alias for input_
//
// Global knobs (config_parallel_*, expe_*, package, vpz, working_dir, ...) share the same
// map and decode into Settings, validated with go-playground/validator.
//
// Axis payloads are a sequence, a scalar (broadcast), or a distribution descriptor:
//
//	input_cond.alpha: {distribution: uniform, nb: 10, min: 0, max: 1}
//
// Distribution values are drawn from a caller-supplied generator (ClassifyOptions.Rand).
//
// # Plan files
//
// LoadFile reads a plan from YAML/JSON, CUE (unified with the built-in #Plan schema),
// Starlark (the global "plan" dict) or HCL (attributes plus input/replicate/propagate/output
// blocks). Every loader produces the same flat map.
package config
