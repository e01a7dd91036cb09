package starsim

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/metasim/metasim/pkg/engine"
)

const linearModel = `
conditions = {"cond": {"a": 1.0, "label": "x"}}
views = {"view": ["top:model.y", "top:model.label"], "noise": ["top:model.n"]}
duration = 3

def observe(t, params, state):
    state["calls"] = state.get("calls", 0) + 1
    return {
        "top:model.y": params["cond"]["a"] * t,
        "top:model.label": params["cond"]["label"],
        "top:model.n": uniform(0, 1),
    }
`

func compile(t *testing.T, src string) *Model {
	t.Helper()
	m, err := Compile("model.star", []byte(src))
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	return m
}

func TestCompileDeclarations(t *testing.T) {
	m := compile(t, linearModel)

	if diff := cmp.Diff([]string{"noise", "view"}, m.Views()); diff != "" {
		t.Errorf("Views() mismatch (-want +got):\n%s", diff)
	}
	if got := m.Steps(); got != 4 {
		t.Errorf("Steps() = %d, want 4", got)
	}
}

func TestSimulateAppliesAssignments(t *testing.T) {
	m := compile(t, linearModel)

	out, err := m.Simulate(context.Background(), []engine.Assignment{
		{Condition: "cond", Port: "a", Value: 2.0},
	})
	if err != nil {
		t.Fatalf("Simulate() error = %v", err)
	}

	view := out["view"]
	if view == nil {
		t.Fatal("missing view matrix")
	}
	if diff := cmp.Diff([]string{"time", "top:model.y", "top:model.label"}, view.Header); diff != "" {
		t.Errorf("header mismatch (-want +got):\n%s", diff)
	}
	if len(view.Rows) != 4 {
		t.Fatalf("rows = %d, want 4", len(view.Rows))
	}
	last := view.Rows[3]
	if last[0].Num != 3 || last[1].Num != 6 {
		t.Errorf("last row = %v, want time 3 and y 6", last)
	}
	if !last[2].IsText || last[2].Text != "x" {
		t.Errorf("label cell = %+v, want text x", last[2])
	}
}

func TestSimulateIsReproducible(t *testing.T) {
	m := compile(t, linearModel)
	assign := []engine.Assignment{{Condition: "cond", Port: "a", Value: int64(1)}}

	a, err := m.Simulate(context.Background(), assign)
	if err != nil {
		t.Fatal(err)
	}
	b, err := m.Simulate(context.Background(), assign)
	if err != nil {
		t.Fatal(err)
	}

	for i := range a["noise"].Rows {
		x, y := a["noise"].Rows[i][1].Num, b["noise"].Rows[i][1].Num
		if x != y {
			t.Fatalf("row %d differs: %v vs %v", i, x, y)
		}
		if x < 0 || x > 1 {
			t.Errorf("uniform draw %v out of [0,1]", x)
		}
	}
}

func TestSimulateUnknownPort(t *testing.T) {
	m := compile(t, linearModel)

	_, err := m.Simulate(context.Background(), []engine.Assignment{
		{Condition: "cond", Port: "missing", Value: 1.0},
	})
	if err == nil || !strings.Contains(err.Error(), "unknown port") {
		t.Errorf("expected unknown port error, got %v", err)
	}

	_, err = m.Simulate(context.Background(), []engine.Assignment{
		{Condition: "other", Port: "a", Value: 1.0},
	})
	if err == nil || !strings.Contains(err.Error(), "unknown condition") {
		t.Errorf("expected unknown condition error, got %v", err)
	}
}

func TestSimulateMissingObservationIsNA(t *testing.T) {
	m := compile(t, `
conditions = {}
views = {"view": ["top:model.y", "top:model.z"]}
duration = 1

def observe(t, params, state):
    if t == 0:
        return {"top:model.y": 1.0, "top:model.z": 2.0}
    return {"top:model.y": 3.0}
`)

	out, err := m.Simulate(context.Background(), nil)
	if err != nil {
		t.Fatalf("Simulate() error = %v", err)
	}
	rows := out["view"].Rows
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if z, _ := rows[0][2].Float(); z != 2 {
		t.Errorf("z at t=0 = %v, want 2", z)
	}
	if z, _ := rows[1][2].Float(); !math.IsNaN(z) {
		t.Errorf("z at t=1 = %v, want NA", rows[1][2])
	}
}

func TestSimulateCancelled(t *testing.T) {
	m := compile(t, linearModel)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := m.Simulate(ctx, nil); err == nil {
		t.Error("expected error for cancelled context")
	}
}

func TestCompileErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{"no views", "duration = 1\ndef observe(t, p, s):\n    return {}\n", "views"},
		{"no duration", "views = {}\ndef observe(t, p, s):\n    return {}\n", "duration"},
		{"no observe", "views = {}\nduration = 1\n", "observe"},
		{"bad step", "views = {}\nduration = 1\ntime_step = 0\ndef observe(t, p, s):\n    return {}\n", "time_step"},
		{"syntax", "views = {", "execution failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile("bad.star", []byte(tt.src))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Compile() error = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestLoadFromPackagesTree(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "pkg", "exp")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "model.star"), []byte(linearModel), 0o644); err != nil {
		t.Fatal(err)
	}

	model, err := NewSimulator().Load(context.Background(), engine.ModelRef{
		Root: root, Package: "pkg", Vpz: "model.star",
	})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(model.Views()) != 2 {
		t.Errorf("Views() = %v", model.Views())
	}
}
