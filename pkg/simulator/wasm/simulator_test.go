package wasm

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/metasim/metasim/pkg/engine"
)

const (
	testDescribe = `{"views": ["view", "debug"]}`
	testSimulate = `{"views": {"view": {"header": ["time", "top:model.y"], "rows": [[0, 1.5], [1, 2.5]]}}}`
)

// emptyModule is a valid WASM binary with no sections.
var emptyModule = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

func TestCompileInvalidModule(t *testing.T) {
	_, err := Compile(context.Background(), []byte("not wasm"), Config{})
	if err == nil || !strings.Contains(err.Error(), "compile") {
		t.Errorf("expected compile error, got %v", err)
	}
}

func TestCompileMissingExports(t *testing.T) {
	tests := []struct {
		name   string
		module []byte
		want   string
	}{
		{name: "empty module", module: emptyModule, want: "does not export memory"},
		{name: "memory", module: buildModule(testDescribe, testSimulate, exportMemory), want: "does not export memory"},
		{name: "malloc", module: buildModule(testDescribe, testSimulate, exportMalloc), want: "does not export malloc"},
		{name: "free", module: buildModule(testDescribe, testSimulate, exportFree), want: "does not export free"},
		{name: "describe", module: buildModule(testDescribe, testSimulate, exportDescribe), want: "does not export describe"},
		{name: "simulate", module: buildModule(testDescribe, testSimulate, exportSimulate), want: "does not export simulate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile(context.Background(), tt.module, Config{})
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected %q error, got %v", tt.want, err)
			}
		})
	}
}

func TestCompileReadsViews(t *testing.T) {
	ctx := context.Background()
	m, err := Compile(ctx, buildModule(testDescribe, testSimulate), Config{})
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	defer m.Close(ctx)

	if diff := cmp.Diff([]string{"debug", "view"}, m.Views()); diff != "" {
		t.Errorf("views mismatch (-want +got):\n%s", diff)
	}
}

func TestSimulate(t *testing.T) {
	ctx := context.Background()
	m, err := Compile(ctx, buildModule(testDescribe, testSimulate), Config{})
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	defer m.Close(ctx)

	// Each call gets a fresh instance; running twice must give the same output.
	for i := 0; i < 2; i++ {
		out, err := m.Simulate(ctx, []engine.Assignment{{Condition: "cond", Port: "a", Value: 2.0}})
		if err != nil {
			t.Fatalf("Simulate() error = %v", err)
		}
		want := engine.RunOutput{"view": {
			Header: []string{"time", "top:model.y"},
			Rows: [][]engine.Cell{
				{engine.Num(0), engine.Num(1.5)},
				{engine.Num(1), engine.Num(2.5)},
			},
		}}
		if diff := cmp.Diff(want, out); diff != "" {
			t.Errorf("run %d output mismatch (-want +got):\n%s", i, diff)
		}
	}
}

func TestSimulateModelError(t *testing.T) {
	ctx := context.Background()
	m, err := Compile(ctx, buildModule(testDescribe, `{"error": "solver diverged"}`), Config{})
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	defer m.Close(ctx)

	_, err = m.Simulate(ctx, nil)
	if err == nil || !strings.Contains(err.Error(), "model error: solver diverged") {
		t.Errorf("expected model error, got %v", err)
	}
}

func TestSimulateInvalidResponse(t *testing.T) {
	ctx := context.Background()
	m, err := Compile(ctx, buildModule(testDescribe, `{"views": [`), Config{})
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	defer m.Close(ctx)

	if _, err := m.Simulate(ctx, nil); err == nil || !strings.Contains(err.Error(), "invalid simulate response") {
		t.Errorf("expected decode error, got %v", err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m, err := Compile(ctx, buildModule(testDescribe, testSimulate), Config{})
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	if err := m.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := m.Close(ctx); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	sim := NewSimulator(Config{})
	_, err := sim.Load(context.Background(), engine.ModelRef{
		Root: t.TempDir(), Package: "pkg", Vpz: "model.wasm",
	})
	if err == nil || !strings.Contains(err.Error(), "failed to read model") {
		t.Errorf("expected read error, got %v", err)
	}
}

func TestLoadFromPackagesTree(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "pkg", "exp")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "model.wasm"), buildModule(testDescribe, testSimulate), 0o644); err != nil {
		t.Fatal(err)
	}

	model, err := NewSimulator(Config{MemoryLimitPages: 16}).Load(context.Background(), engine.ModelRef{
		Root: root, Package: "pkg", Vpz: "model.wasm",
	})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	defer model.(*Model).Close(context.Background())

	if diff := cmp.Diff([]string{"debug", "view"}, model.Views()); diff != "" {
		t.Errorf("views mismatch (-want +got):\n%s", diff)
	}
}
