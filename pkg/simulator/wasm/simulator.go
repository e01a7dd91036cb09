// Package wasm hosts simulation models compiled to WebAssembly.
//
// A model module exports memory, malloc, free and two JSON functions with the signature
// fn(ptr, len u32) -> u64, the result packing (output_ptr << 32) | output_len:
//
//	describe() -> {"views": ["view", ...]}
//	simulate({"assignments": [...]}) -> {"views": {"view": {"header": [...], "rows": [[...]]}}}
//
// A simulate payload with a non-empty "error" field fails the run. Every run gets a fresh
// module instance, so a Model is safe for concurrent use.
package wasm

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/metasim/metasim/pkg/engine"
)

// Config contains configuration for the WASM host.
type Config struct {
	// MemoryLimitPages is the maximum memory limit in pages (64KB each).
	// Default is 256 pages (16MB).
	MemoryLimitPages uint32
}

// Simulator loads WASM models from the packages tree.
type Simulator struct {
	config Config
}

// NewSimulator creates a WASM simulator.
func NewSimulator(cfg Config) *Simulator {
	if cfg.MemoryLimitPages == 0 {
		cfg.MemoryLimitPages = 256
	}
	return &Simulator{config: cfg}
}

// Load implements engine.Simulator.
func (s *Simulator) Load(ctx context.Context, ref engine.ModelRef) (engine.Model, error) {
	module, err := os.ReadFile(ref.Path())
	if err != nil {
		return nil, fmt.Errorf("failed to read model: %w", err)
	}
	return Compile(ctx, module, s.config)
}

// Model is a compiled WASM model.
type Model struct {
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	views    []string

	closeOnce sync.Once
}

type describeResponse struct {
	Views []string `json:"views"`
}

type simulateRequest struct {
	Assignments []engine.Assignment `json:"assignments"`
}

type simulateResponse struct {
	Views map[string]*engine.Matrix `json:"views"`
	Error string                    `json:"error,omitempty"`
}

// Compile compiles module and reads its views.
func Compile(ctx context.Context, module []byte, cfg Config) (*Model, error) {
	if cfg.MemoryLimitPages == 0 {
		cfg.MemoryLimitPages = 256
	}
	runtimeConfig := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(cfg.MemoryLimitPages).
		WithCloseOnContextDone(true)
	runtime := wazero.NewRuntimeWithConfig(ctx, runtimeConfig)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}

	compiled, err := runtime.CompileModule(ctx, module)
	if err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("failed to compile WASM module: %w", err)
	}

	m := &Model{runtime: runtime, compiled: compiled}

	var desc describeResponse
	if err := m.invoke(ctx, exportDescribe, nil, &desc); err != nil {
		m.Close(ctx)
		return nil, err
	}
	sort.Strings(desc.Views)
	m.views = desc.Views
	return m, nil
}

// Views implements engine.Model.
func (m *Model) Views() []string {
	out := make([]string, len(m.views))
	copy(out, m.views)
	return out
}

// Simulate implements engine.Model.
func (m *Model) Simulate(ctx context.Context, assignments []engine.Assignment) (engine.RunOutput, error) {
	input, err := json.Marshal(simulateRequest{Assignments: assignments})
	if err != nil {
		return nil, fmt.Errorf("failed to encode run request: %w", err)
	}

	var resp simulateResponse
	if err := m.invoke(ctx, exportSimulate, input, &resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("model error: %s", resp.Error)
	}
	return engine.RunOutput(resp.Views), nil
}

// invoke runs one exported function in a fresh instance and decodes its JSON output.
func (m *Model) invoke(ctx context.Context, name string, input []byte, out interface{}) error {
	instance, err := m.runtime.InstantiateModule(ctx, m.compiled,
		wazero.NewModuleConfig().WithName("").WithStartFunctions("_initialize"))
	if err != nil {
		return fmt.Errorf("failed to instantiate WASM module: %w", err)
	}
	defer instance.Close(ctx)

	b, err := newBridge(instance)
	if err != nil {
		return err
	}
	data, err := b.call(ctx, name, input)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("invalid %s response: %w", name, err)
	}
	return nil
}

// Close releases the runtime.
func (m *Model) Close(ctx context.Context) error {
	var err error
	m.closeOnce.Do(func() {
		if cerr := m.runtime.Close(ctx); cerr != nil {
			err = fmt.Errorf("failed to close WASM runtime: %w", cerr)
		}
	})
	return err
}
