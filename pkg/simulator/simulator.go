// Package simulator selects the simulation engine for a model by its file extension.
package simulator

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/metasim/metasim/pkg/engine"
	"github.com/metasim/metasim/pkg/simulator/starsim"
	"github.com/metasim/metasim/pkg/simulator/wasm"
)

// Selector is an engine.Simulator delegating to the engine registered for the model's
// file extension.
type Selector struct {
	mu      sync.RWMutex
	engines map[string]engine.Simulator
}

// New returns a selector with the built-in engines: ".star" models run on Starlark and
// ".wasm" models on wazero.
func New() *Selector {
	s := &Selector{engines: make(map[string]engine.Simulator)}
	s.Register(".star", starsim.NewSimulator())
	s.Register(".wasm", wasm.NewSimulator(wasm.Config{}))
	return s
}

// Register binds ext (with its leading dot) to sim, replacing any previous engine.
func (s *Selector) Register(ext string, sim engine.Simulator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.engines[strings.ToLower(ext)] = sim
}

// Extensions returns the registered extensions.
func (s *Selector) Extensions() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	exts := make([]string, 0, len(s.engines))
	for ext := range s.engines {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	return exts
}

// Load implements engine.Simulator.
func (s *Selector) Load(ctx context.Context, ref engine.ModelRef) (engine.Model, error) {
	ext := strings.ToLower(filepath.Ext(ref.Vpz))
	s.mu.RLock()
	sim, ok := s.engines[ext]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no simulation engine for model %q (known extensions: %s)",
			ref.Vpz, strings.Join(s.Extensions(), ", "))
	}
	return sim.Load(ctx, ref)
}
