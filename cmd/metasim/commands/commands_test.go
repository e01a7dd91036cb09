package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/metasim/metasim/pkg/engine"
)

const linearModel = `
conditions = {"cond": {"a": 1.0}}
views = {"view": ["top:model.y"]}
duration = 3

def observe(t, params, state):
    return {"top:model.y": params["cond"]["a"] * t}
`

// writePlan lays out <dir>/pkg/exp/model.star and a YAML plan using it.
func writePlan(t *testing.T, extra string) (dir, plan string) {
	t.Helper()
	dir = t.TempDir()
	exp := filepath.Join(dir, "pkg", "exp")
	if err := os.MkdirAll(exp, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(exp, "model.star"), []byte(linearModel), 0o644); err != nil {
		t.Fatal(err)
	}

	plan = filepath.Join(dir, "plan.yaml")
	content := "package: pkg\n" +
		"vpz: model.star\n" +
		"packages_dir: " + dir + "\n" +
		"input_cond.a: [1, 2, 3]\n" +
		"output_y: view/top:model.y\n" + extra
	if err := os.WriteFile(plan, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir, plan
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand("test", "none", "today")
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRunCommand(t *testing.T) {
	dir, plan := writePlan(t, "")
	history := filepath.Join(dir, "history.db")

	out, err := execute(t, "run", plan, "--history", history, "-o", "json")
	if err != nil {
		t.Fatalf("run error = %v\n%s", err, out)
	}

	var results map[string][][]float64
	if err := json.Unmarshal([]byte(out), &results); err != nil {
		t.Fatalf("invalid JSON output: %v\n%s", err, out)
	}
	if diff := cmp.Diff(map[string][][]float64{"y": {{3, 6, 9}}}, results); diff != "" {
		t.Errorf("results mismatch (-want +got):\n%s", diff)
	}

	out, err = execute(t, "history", "list", "--history", history, "-o", "json")
	if err != nil {
		t.Fatalf("history list error = %v", err)
	}
	var records []engine.ExperimentRecord
	if err := json.Unmarshal([]byte(out), &records); err != nil {
		t.Fatalf("invalid JSON output: %v\n%s", err, out)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	rec := records[0]
	if rec.Name != "model" || rec.Status != engine.ExperimentStatusSucceeded || rec.NbInputs != 3 {
		t.Errorf("record = %+v", rec)
	}

	out, err = execute(t, "history", "show", rec.ID, "--history", history, "--events")
	if err != nil {
		t.Fatalf("history show error = %v", err)
	}
	for _, want := range []string{"Status:    succeeded", "y (1x3):", string(engine.EventTypeExperimentCompleted)} {
		if !strings.Contains(out, want) {
			t.Errorf("show output missing %q:\n%s", want, out)
		}
	}
}

func TestRunCommandOverridesAndNoHistory(t *testing.T) {
	dir, plan := writePlan(t, "")
	history := filepath.Join(dir, "history.db")

	out, err := execute(t, "run", plan, "--history", history, "--no-history",
		"--set", "input_cond.a=[10, 20]", "--set", "config_parallel_type=threads")
	if err != nil {
		t.Fatalf("run error = %v\n%s", err, out)
	}
	if !strings.Contains(out, "y (1x2):") {
		t.Errorf("unexpected output:\n%s", out)
	}
	if _, err := os.Stat(history); !os.IsNotExist(err) {
		t.Errorf("history database created with --no-history: %v", err)
	}
}

func TestRunCommandPolicyDenied(t *testing.T) {
	dir, plan := writePlan(t, "")

	_, err := execute(t, "run", plan, "--history", filepath.Join(dir, "h.db"), "--max-runs", "2")
	if !engine.IsConfiguration(err) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestPolicyCommands(t *testing.T) {
	out, err := execute(t, "policy", "list", "--disable-policy", "output-size")
	if err != nil {
		t.Fatalf("policy list error = %v", err)
	}
	for _, want := range []string{"run-limits", "distributed-setup"} {
		if !strings.Contains(out, want) {
			t.Errorf("list output missing %q:\n%s", want, out)
		}
	}
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, "output-size") && !strings.Contains(line, "false") {
			t.Errorf("output-size should be listed as disabled: %q", line)
		}
	}

	out, err = execute(t, "policy", "show", "run-limits")
	if err != nil {
		t.Fatalf("policy show error = %v", err)
	}
	if !strings.Contains(out, "input.limits.max_runs") {
		t.Errorf("show output = %q", out)
	}

	if _, err := execute(t, "policy", "show", "missing"); err == nil {
		t.Error("expected error for unknown policy")
	}
}

func TestRunCommandDisabledPolicy(t *testing.T) {
	dir, plan := writePlan(t, "")

	_, err := execute(t, "run", plan, "--history", filepath.Join(dir, "h.db"),
		"--max-runs", "2", "--disable-policy", "run-limits")
	if err != nil {
		t.Fatalf("run with run-limits disabled: %v", err)
	}
}

func TestValidateCommand(t *testing.T) {
	_, plan := writePlan(t, "replicate_cond.seed: [1, 2]\n")

	out, err := execute(t, "validate", plan)
	if err != nil {
		t.Fatalf("validate error = %v", err)
	}
	if strings.TrimSpace(out) != "model: valid (3 inputs x 2 replicates = 6 runs)" {
		t.Errorf("output = %q", out)
	}

	bad := filepath.Join(filepath.Dir(plan), "bad.yaml")
	if err := os.WriteFile(bad, []byte("package: pkg\nvpz: model.star\ninput_c.a: [1, 2]\ninput_c.b: [1, 2, 3]\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := execute(t, "validate", bad); err == nil {
		t.Error("expected error for mismatched input lengths")
	}
}

func TestPlanCommand(t *testing.T) {
	_, plan := writePlan(t, "replicate_cond.seed: [1, 2]\nconfig_parallel_type: threads\nconfig_parallel_nb_slots: 2\nconfig_parallel_max_expes: 4\n")

	out, err := execute(t, "plan", plan, "--runs", "--limit", "3", "-o", "json")
	if err != nil {
		t.Fatalf("plan error = %v", err)
	}

	var report struct {
		Summary struct {
			NbRuns int    `json:"nb_runs"`
			Slots  int    `json:"slots"`
			Name   string `json:"name"`
		} `json:"summary"`
		Batches int `json:"batches"`
		Runs    []struct {
			Index          int `json:"index"`
			InputIndex     int `json:"input_index"`
			ReplicateIndex int `json:"replicate_index"`
		} `json:"runs"`
	}
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("invalid JSON output: %v\n%s", err, out)
	}
	if report.Summary.NbRuns != 6 || report.Summary.Slots != 2 || report.Batches != 2 {
		t.Errorf("report = %+v", report)
	}
	if len(report.Runs) != 3 || report.Runs[2].InputIndex != 1 || report.Runs[2].ReplicateIndex != 0 {
		t.Errorf("runs = %+v", report.Runs)
	}

	text, err := execute(t, "plan", plan)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(text, "3 inputs x 2 replicates = 6 runs in 2 batches") {
		t.Errorf("text output:\n%s", text)
	}
}

func TestParseOverrides(t *testing.T) {
	got, err := parseOverrides([]string{
		"config_parallel_nb_slots=4",
		"input_c.x=[1, 2.5]",
		"expe_name=trial",
		"config_parallel_rm_files=false",
		"expe_seed=",
	})
	if err != nil {
		t.Fatalf("parseOverrides() error = %v", err)
	}
	want := map[string]interface{}{
		"config_parallel_nb_slots": int64(4),
		"input_c.x":                []interface{}{int64(1), 2.5},
		"expe_name":                "trial",
		"config_parallel_rm_files": false,
		"expe_seed":                "",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("overrides mismatch (-want +got):\n%s", diff)
	}

	for _, bad := range []string{"novalue", "=3", "k=[1,"} {
		if _, err := parseOverrides([]string{bad}); err == nil {
			t.Errorf("parseOverrides(%q) expected error", bad)
		}
	}
}

func TestPrintResultsText(t *testing.T) {
	var buf bytes.Buffer
	err := printResults(&buf, "text", map[string]engine.Value{
		"b": engine.TableValue([][]engine.Cell{{engine.Num(1), engine.NA()}}),
		"a": engine.ScalarValue(2.5),
	})
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 || lines[0] != "a = 2.5" || lines[1] != "b (1x2):" {
		t.Fatalf("output:\n%s", buf.String())
	}
	if fields := strings.Fields(lines[2]); !cmp.Equal(fields, []string{"1", "NA"}) {
		t.Errorf("row fields = %v", fields)
	}
}

func TestWatchPlanReruns(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "plan.yaml")
	if err := os.WriteFile(path, []byte("a: 1\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- watchPlan(ctx, path, func() error {
			calls.Add(1)
			return nil
		})
	}()

	deadline := time.Now().Add(5 * time.Second)
	for calls.Load() < 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	// Give the watcher a moment to be registered before editing.
	time.Sleep(50 * time.Millisecond)
	if err := os.WriteFile(path, []byte("a: 2\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	for calls.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("watchPlan() error = %v", err)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("calls = %d, want 2", got)
	}
}
