// Package policy provides Open Policy Agent (OPA) admission checks for metasim plans.
//
// After a configuration map has been classified, the Engine evaluates every enabled
// Rego policy against a summary of the plan (backend, slots, sizes, outputs) and the
// site limits. A policy contributes two sets:
//
//   - deny: messages that reject the plan when their severity is error or critical
//   - warn: messages that are logged and never block
//
// Members of either set are a string or an object with "message" and optional
// "severity" and "output" fields.
//
// # Usage
//
//	eng, err := policy.NewEngine(logger)
//	if err != nil {
//	    return err
//	}
//	eng.SetLimits(policy.Limits{MaxRuns: 100000})
//	if err := eng.LoadPolicies(ctx, []string{"/etc/metasim/policies"}); err != nil {
//	    return err
//	}
//	manager := meta.NewManager(meta.WithAdmission(eng))
//
// A custom policy:
//
//	package site.arrow_only
//
//	import rego.v1
//
//	deny contains msg if {
//	    input.plan.backend == "distributed"
//	    input.plan.format != "arrow"
//	    msg := "distributed experiments must use arrow result files"
//	}
//
// # Built-in Policies
//
//  1. run-limits - rejects plans above Limits.MaxRuns runs or Limits.MaxSlots slots
//  2. distributed-setup - warns about kept result files, missing timeouts and large single runs
//  3. output-size - warns about full series kept for more than 1000 inputs
//
// # Hot Reload
//
// Engine.Watch reloads policy files with fsnotify when they change.
package policy
