package config

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/metasim/metasim/pkg/accu"
	"github.com/metasim/metasim/pkg/engine"
	"github.com/metasim/metasim/pkg/telemetry"
)

func basePlan() map[string]interface{} {
	return map[string]interface{}{
		"package":  "pkg",
		"vpz":      "model.star",
		"output_y": "view/top:model.y",
	}
}

func withKeys(extra map[string]interface{}) map[string]interface{} {
	raw := basePlan()
	for k, v := range extra {
		raw[k] = v
	}
	return raw
}

func TestClassifyPrefixes(t *testing.T) {
	raw := withKeys(map[string]interface{}{
		"propagate_cond.a": 4,
		"input_cond.b":     []interface{}{1, 2, 3},
		"cond.c":           []interface{}{"x", "y", "z"},
		"replicate_cond.d": []interface{}{10, 20},
	})

	plan, err := Classify(raw, ClassifyOptions{Rand: NewRand(1)})
	if err != nil {
		t.Fatalf("Classify failed: %v", err)
	}

	if len(plan.Propagates) != 1 || plan.Propagates[0].Axis != (Axis{"cond", "a"}) {
		t.Errorf("unexpected propagates: %+v", plan.Propagates)
	}
	if plan.Propagates[0].Value != int64(4) {
		t.Errorf("propagate value = %#v", plan.Propagates[0].Value)
	}
	if len(plan.Inputs) != 2 {
		t.Fatalf("expected 2 inputs, got %d", len(plan.Inputs))
	}
	// keys are processed in sorted order: "cond.c" < "input_cond.b"
	if plan.Inputs[0].Axis != (Axis{"cond", "c"}) || plan.Inputs[1].Axis != (Axis{"cond", "b"}) {
		t.Errorf("unexpected inputs: %+v", plan.Inputs)
	}
	if plan.Replicate == nil || plan.Replicate.Count() != 2 {
		t.Fatalf("unexpected replicate: %+v", plan.Replicate)
	}
	if plan.NbInputs != 3 || plan.NbReplicates != 2 || plan.NbRuns() != 6 {
		t.Errorf("sizes = %d x %d", plan.NbInputs, plan.NbReplicates)
	}

	want := Output{
		ID:                   "y",
		View:                 "view",
		Column:               "top:model.y",
		Integration:          IntegrationLast,
		ReplicateAggregation: accu.Mean,
		InputAggregation:     accu.All,
		ReplicateQuantile:    0.5,
		InputQuantile:        0.5,
	}
	if diff := cmp.Diff([]Output{want}, plan.Outputs); diff != "" {
		t.Errorf("outputs mismatch (-want +got):\n%s", diff)
	}
}

func TestClassifyOutputMap(t *testing.T) {
	raw := withKeys(map[string]interface{}{
		"output_y": map[string]interface{}{
			"path":                  "view/top:model.y",
			"integration":           "mse",
			"aggregation_replicate": "quantile",
			"replicate_quantile":    0.9,
			"aggregation_input":     "max",
			"mse_times":             []interface{}{1, 3},
			"mse_observations":      []interface{}{2.0, 4.0},
		},
	})

	plan, err := Classify(raw, ClassifyOptions{Rand: NewRand(1)})
	if err != nil {
		t.Fatalf("Classify failed: %v", err)
	}
	o := plan.Outputs[0]
	if o.Integration != IntegrationMSE || o.ReplicateAggregation != accu.Quantile ||
		o.InputAggregation != accu.Max || o.ReplicateQuantile != 0.9 {
		t.Errorf("unexpected output: %+v", o)
	}
	if diff := cmp.Diff([]float64{1, 3}, o.MSETimes); diff != "" {
		t.Errorf("mse times (-want +got):\n%s", diff)
	}
}

func TestClassifyErrors(t *testing.T) {
	tests := []struct {
		name  string
		extra map[string]interface{}
		class engine.ErrorClass
		code  string
	}{
		{
			name:  "malformed axis",
			extra: map[string]interface{}{"input_nodot": []interface{}{1}},
			class: engine.ErrorClassConfiguration,
			code:  engine.ErrCodeMalformedKey,
		},
		{
			name:  "too many dots",
			extra: map[string]interface{}{"input_a.b.c": []interface{}{1}},
			class: engine.ErrorClassConfiguration,
			code:  engine.ErrCodeMalformedKey,
		},
		{
			name: "two replicates",
			extra: map[string]interface{}{
				"replicate_c.a": []interface{}{1, 2},
				"replicate_c.b": []interface{}{1, 2},
			},
			class: engine.ErrorClassConfiguration,
			code:  engine.ErrCodeMultipleReplicate,
		},
		{
			name: "replicate collides with input",
			extra: map[string]interface{}{
				"replicate_c.a": []interface{}{1, 2},
				"input_c.a":     []interface{}{1, 2},
			},
			class: engine.ErrorClassConfiguration,
			code:  engine.ErrCodeAxisCollision,
		},
		{
			name: "replicate collides with propagate",
			extra: map[string]interface{}{
				"replicate_c.a": []interface{}{1, 2},
				"propagate_c.a": 3,
			},
			class: engine.ErrorClassConfiguration,
			code:  engine.ErrCodeAxisCollision,
		},
		{
			name: "input collides with propagate",
			extra: map[string]interface{}{
				"c.a":           []interface{}{1, 2},
				"propagate_c.a": 3,
			},
			class: engine.ErrorClassConfiguration,
			code:  engine.ErrCodeAxisCollision,
		},
		{
			name: "alias duplicates input",
			extra: map[string]interface{}{
				"c.a":       []interface{}{1, 2},
				"input_c.a": []interface{}{1, 2},
			},
			class: engine.ErrorClassConfiguration,
			code:  engine.ErrCodeDuplicateAxis,
		},
		{
			name: "distribution without max",
			extra: map[string]interface{}{
				"input_c.a": map[string]interface{}{"distribution": "uniform", "nb": 3, "min": 0},
			},
			class: engine.ErrorClassConfiguration,
			code:  engine.ErrCodeBadDistribution,
		},
		{
			name: "input size mismatch",
			extra: map[string]interface{}{
				"input_c.a": []interface{}{1, 2, 3},
				"input_c.b": []interface{}{1, 2},
			},
			class: engine.ErrorClassPlanSize,
		},
		{
			name:  "max expes below slots",
			extra: map[string]interface{}{"config_parallel_type": "threads", "config_parallel_nb_slots": 4, "config_parallel_max_expes": 2},
			class: engine.ErrorClassConfiguration,
			code:  engine.ErrCodeBadKnob,
		},
		{
			name:  "distributed without working dir",
			extra: map[string]interface{}{"config_parallel_type": "distributed"},
			class: engine.ErrorClassConfiguration,
			code:  engine.ErrCodeBadKnob,
		},
		{
			name:  "unknown backend",
			extra: map[string]interface{}{"config_parallel_type": "gpu"},
			class: engine.ErrorClassConfiguration,
			code:  engine.ErrCodeBadKnob,
		},
		{
			name:  "bad output path",
			extra: map[string]interface{}{"output_y": "noslash"},
			class: engine.ErrorClassConfiguration,
		},
		{
			name: "replicate all with several replicates",
			extra: map[string]interface{}{
				"replicate_c.r": []interface{}{1, 2},
				"output_y":      map[string]interface{}{"path": "v/c", "aggregation_replicate": "all"},
			},
			class: engine.ErrorClassConfiguration,
		},
		{
			name:  "unknown key rejected",
			extra: map[string]interface{}{"config_unknown_keys": "error", "define_c": true},
			class: engine.ErrorClassConfiguration,
			code:  engine.ErrCodeUnknownKey,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Classify(withKeys(tt.extra), ClassifyOptions{Rand: NewRand(1)})
			if err == nil {
				t.Fatal("expected error")
			}
			var ee *engine.EngineError
			if !asEngineError(err, &ee) {
				t.Fatalf("expected *engine.EngineError, got %T: %v", err, err)
			}
			if ee.Class != tt.class {
				t.Errorf("class = %s, want %s (%v)", ee.Class, tt.class, err)
			}
			if tt.code != "" && ee.Code != tt.code {
				t.Errorf("code = %s, want %s (%v)", ee.Code, tt.code, err)
			}
			if !engine.IsPreDispatch(err) {
				t.Error("classification errors must be pre-dispatch")
			}
		})
	}
}

func TestClassifyUnknownKeysPolicy(t *testing.T) {
	for _, policy := range []string{"ignore", "warn"} {
		raw := withKeys(map[string]interface{}{
			"config_unknown_keys": policy,
			"define_cond":         true,
			"legacy":              1,
		})
		plan, err := Classify(raw, ClassifyOptions{Rand: NewRand(1), Logger: telemetry.NewNopLogger()})
		if err != nil {
			t.Fatalf("%s: unexpected error %v", policy, err)
		}
		if diff := cmp.Diff([]string{"define_cond", "legacy"}, plan.Unknown); diff != "" {
			t.Errorf("%s: unknown keys (-want +got):\n%s", policy, diff)
		}
	}
}

func TestClassifyScalarInputBroadcast(t *testing.T) {
	raw := withKeys(map[string]interface{}{
		"input_c.a": 7,
		"input_c.b": []interface{}{1, 2, 3, 4},
	})
	plan, err := Classify(raw, ClassifyOptions{Rand: NewRand(1)})
	if err != nil {
		t.Fatal(err)
	}
	if plan.NbInputs != 4 {
		t.Errorf("NbInputs = %d, want 4", plan.NbInputs)
	}
	for i := 0; i < 4; i++ {
		if plan.Inputs[0].At(i) != int64(7) {
			t.Errorf("scalar input must broadcast, At(%d) = %v", i, plan.Inputs[0].At(i))
		}
	}
}

func TestClassifyNoInputs(t *testing.T) {
	plan, err := Classify(basePlan(), ClassifyOptions{Rand: NewRand(1)})
	if err != nil {
		t.Fatal(err)
	}
	if plan.NbInputs != 1 || plan.NbReplicates != 1 {
		t.Errorf("sizes = %d x %d, want 1 x 1", plan.NbInputs, plan.NbReplicates)
	}
	if plan.Settings.Name != "model" {
		t.Errorf("experiment name = %q, want derived from vpz", plan.Settings.Name)
	}
}

func TestClassifyDistributionIsSeeded(t *testing.T) {
	raw := withKeys(map[string]interface{}{
		"replicate_c.seed": map[string]interface{}{"distribution": "uniform", "nb": 5, "min": -1, "max": 1},
		"expe_seed":        42,
	})
	a, err := Classify(raw, ClassifyOptions{})
	if err != nil {
		t.Fatal(err)
	}
	b, err := Classify(raw, ClassifyOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(a.Replicate.Values, b.Replicate.Values); diff != "" {
		t.Errorf("expe_seed must make generation reproducible:\n%s", diff)
	}
}
