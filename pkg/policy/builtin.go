package policy

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		runLimitsPolicy(),
		distributedSetupPolicy(),
		outputSizePolicy(),
	}
}

// runLimitsPolicy rejects plans exceeding the site limits.
func runLimitsPolicy() Policy {
	return Policy{
		Name:        "run-limits",
		Description: "Rejects plans with more runs or slots than the configured limits",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package metasim.policies.limits

import rego.v1

deny contains violation if {
	input.limits.max_runs > 0
	input.plan.nb_runs > input.limits.max_runs
	violation := {
		"message": sprintf("plan has %d runs, the limit is %d", [input.plan.nb_runs, input.limits.max_runs]),
		"severity": "error",
	}
}

deny contains violation if {
	input.limits.max_slots > 0
	input.plan.slots > input.limits.max_slots
	violation := {
		"message": sprintf("plan asks for %d slots, the limit is %d", [input.plan.slots, input.limits.max_slots]),
		"severity": "error",
	}
}
`,
	}
}

// distributedSetupPolicy flags distributed settings that are likely mistakes.
func distributedSetupPolicy() Policy {
	return Policy{
		Name:        "distributed-setup",
		Description: "Warns about distributed settings that leave files behind or waste the launcher",
		Severity:    SeverityWarning,
		Enabled:     true,
		Rego: `package metasim.policies.distributed

import rego.v1

warn contains msg if {
	input.plan.backend == "distributed"
	not input.plan.rm_files
	msg := "result files are kept in the working directory after each batch"
}

warn contains msg if {
	input.plan.backend == "distributed"
	input.plan.timeout_seconds == 0
	msg := "distributed experiment without config_parallel_timeout may wait forever on a stuck worker"
}

warn contains msg if {
	input.plan.backend == "single"
	input.plan.nb_runs > 1000
	msg := sprintf("%d runs on the single backend, consider threads or distributed", [input.plan.nb_runs])
}
`,
	}
}

// outputSizePolicy warns about outputs whose result grows with inputs and rows.
func outputSizePolicy() Policy {
	return Policy{
		Name:        "output-size",
		Description: "Warns about outputs keeping one full series per input on large plans",
		Severity:    SeverityWarning,
		Enabled:     true,
		Rego: `package metasim.policies.outputs

import rego.v1

warn contains violation if {
	some output in input.plan.outputs
	output.integration == "all"
	output.aggregation_input == "all"
	input.plan.nb_inputs > 1000
	violation := {
		"message": sprintf("output %s keeps a full series for each of %d inputs", [output.id, input.plan.nb_inputs]),
		"output": output.id,
	}
}
`,
	}
}
