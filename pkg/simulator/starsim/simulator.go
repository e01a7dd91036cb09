// Package starsim is a simulation engine whose models are Starlark scripts.
//
// A model script declares its experimental conditions, the columns of each view and an
// observe function evaluated at every time step:
//
//	conditions = {"cond": {"a": 1.0}}
//	views = {"view": ["top:model.y"]}
//	duration = 10
//	time_step = 1
//
//	def observe(t, params, state):
//	    return {"top:model.y": params["cond"]["a"] * t + uniform(0, 1)}
//
// Each view yields a matrix whose first column is "time", with one row per step from 0 to
// duration inclusive. A column observe leaves out at a step is NA in that row. The builtins uniform and normal draw from a generator seeded by the
// run's assignments, so a run is reproducible.
package starsim

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand/v2"
	"os"
	"sort"

	"go.starlark.net/starlark"

	"github.com/metasim/metasim/pkg/config"
	"github.com/metasim/metasim/pkg/engine"
)

// Script globals.
const (
	GlobalConditions = "conditions"
	GlobalViews      = "views"
	GlobalDuration   = "duration"
	GlobalTimeStep   = "time_step"
	GlobalObserve    = "observe"

	// TimeColumn is the first column of every view.
	TimeColumn = "time"
)

const rngLocal = "starsim.rng"

// Simulator loads Starlark models from the packages tree.
type Simulator struct{}

// NewSimulator creates a Starlark simulator.
func NewSimulator() *Simulator {
	return &Simulator{}
}

// Load implements engine.Simulator.
func (s *Simulator) Load(_ context.Context, ref engine.ModelRef) (engine.Model, error) {
	path := ref.Path()
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model: %w", err)
	}
	return Compile(path, src)
}

// Model is a compiled Starlark model. Its globals are frozen, so Simulate may run
// concurrently.
type Model struct {
	filename   string
	conditions map[string]map[string]interface{}
	views      map[string][]string
	viewNames  []string
	duration   float64
	timeStep   float64
	observe    starlark.Callable
}

// Compile executes a model script and extracts its declarations.
func Compile(filename string, src []byte) (*Model, error) {
	thread := &starlark.Thread{
		Name:  "load",
		Print: func(_ *starlark.Thread, _ string) {},
	}
	globals, err := starlark.ExecFile(thread, filename, src, builtins())
	if err != nil {
		return nil, fmt.Errorf("starlark model execution failed: %w", err)
	}
	globals.Freeze()

	m := &Model{filename: filename, timeStep: 1}

	if err := m.readConditions(globals); err != nil {
		return nil, err
	}
	if err := m.readViews(globals); err != nil {
		return nil, err
	}

	d, ok := globals[GlobalDuration]
	if !ok {
		return nil, fmt.Errorf("model must define %q", GlobalDuration)
	}
	if m.duration, err = toFloat(d); err != nil || m.duration < 0 {
		return nil, fmt.Errorf("%q must be a non-negative number", GlobalDuration)
	}
	if ts, ok := globals[GlobalTimeStep]; ok {
		if m.timeStep, err = toFloat(ts); err != nil || m.timeStep <= 0 {
			return nil, fmt.Errorf("%q must be a positive number", GlobalTimeStep)
		}
	}

	fn, ok := globals[GlobalObserve].(starlark.Callable)
	if !ok {
		return nil, fmt.Errorf("model must define a function %q", GlobalObserve)
	}
	m.observe = fn
	return m, nil
}

func (m *Model) readConditions(globals starlark.StringDict) error {
	m.conditions = make(map[string]map[string]interface{})
	v, ok := globals[GlobalConditions]
	if !ok {
		return nil
	}
	goVal, err := config.FromStarlark(v)
	if err != nil {
		return fmt.Errorf("invalid %q: %w", GlobalConditions, err)
	}
	conds, ok := goVal.(map[string]interface{})
	if !ok {
		return fmt.Errorf("%q must be a dict", GlobalConditions)
	}
	for name, ports := range conds {
		pm, ok := ports.(map[string]interface{})
		if !ok {
			return fmt.Errorf("condition %q must be a dict of ports", name)
		}
		m.conditions[name] = pm
	}
	return nil
}

func (m *Model) readViews(globals starlark.StringDict) error {
	v, ok := globals[GlobalViews]
	if !ok {
		return fmt.Errorf("model must define %q", GlobalViews)
	}
	goVal, err := config.FromStarlark(v)
	if err != nil {
		return fmt.Errorf("invalid %q: %w", GlobalViews, err)
	}
	views, ok := goVal.(map[string]interface{})
	if !ok {
		return fmt.Errorf("%q must be a dict", GlobalViews)
	}

	m.views = make(map[string][]string, len(views))
	for name, cols := range views {
		list, ok := cols.([]interface{})
		if !ok {
			return fmt.Errorf("view %q must be a list of column names", name)
		}
		names := make([]string, 0, len(list))
		for _, c := range list {
			s, ok := c.(string)
			if !ok {
				return fmt.Errorf("view %q has a non-string column", name)
			}
			names = append(names, s)
		}
		m.views[name] = names
		m.viewNames = append(m.viewNames, name)
	}
	sort.Strings(m.viewNames)
	return nil
}

// Views implements engine.Model.
func (m *Model) Views() []string {
	out := make([]string, len(m.viewNames))
	copy(out, m.viewNames)
	return out
}

// Steps returns the number of rows each view produces.
func (m *Model) Steps() int {
	return int(math.Floor(m.duration/m.timeStep+1e-9)) + 1
}

// Simulate implements engine.Model.
func (m *Model) Simulate(ctx context.Context, assignments []engine.Assignment) (engine.RunOutput, error) {
	params, err := m.params(assignments)
	if err != nil {
		return nil, err
	}

	thread := &starlark.Thread{
		Name:  "simulate",
		Print: func(_ *starlark.Thread, _ string) {},
	}
	thread.SetLocal(rngLocal, runRand(assignments))
	stop := context.AfterFunc(ctx, func() { thread.Cancel("cancelled") })
	defer stop()

	state := starlark.NewDict(8)
	steps := m.Steps()

	out := make(engine.RunOutput, len(m.views))
	for name, cols := range m.views {
		header := append([]string{TimeColumn}, cols...)
		out[name] = &engine.Matrix{Header: header, Rows: make([][]engine.Cell, 0, steps)}
	}

	for k := 0; k < steps; k++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		t := float64(k) * m.timeStep
		res, err := starlark.Call(thread, m.observe, starlark.Tuple{starlark.Float(t), params, state}, nil)
		if err != nil {
			return nil, fmt.Errorf("observe failed at t=%g: %w", t, err)
		}
		observed, err := observations(res)
		if err != nil {
			return nil, fmt.Errorf("observe at t=%g: %w", t, err)
		}
		for name, cols := range m.views {
			row := make([]engine.Cell, 0, len(cols)+1)
			row = append(row, engine.Num(t))
			for _, c := range cols {
				cell, ok := observed[c]
				if !ok {
					cell = engine.NA()
				}
				row = append(row, cell)
			}
			out[name].Rows = append(out[name].Rows, row)
		}
	}
	return out, nil
}

// params builds the condition dict for one run: defaults overridden by assignments.
func (m *Model) params(assignments []engine.Assignment) (*starlark.Dict, error) {
	merged := make(map[string]map[string]interface{}, len(m.conditions))
	for cond, ports := range m.conditions {
		cp := make(map[string]interface{}, len(ports))
		for k, v := range ports {
			cp[k] = v
		}
		merged[cond] = cp
	}
	for _, a := range assignments {
		ports, ok := merged[a.Condition]
		if !ok {
			return nil, fmt.Errorf("unknown condition %q", a.Condition)
		}
		if _, ok := ports[a.Port]; !ok {
			return nil, fmt.Errorf("unknown port %q in condition %q", a.Port, a.Condition)
		}
		ports[a.Port] = a.Value
	}

	dict := starlark.NewDict(len(merged))
	for cond, ports := range merged {
		pd := starlark.NewDict(len(ports))
		for k, v := range ports {
			sv, err := config.ToStarlark(v)
			if err != nil {
				return nil, fmt.Errorf("condition %s.%s: %w", cond, k, err)
			}
			if err := pd.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		if err := dict.SetKey(starlark.String(cond), pd); err != nil {
			return nil, err
		}
	}
	return dict, nil
}

// observations converts the dict returned by observe into cells keyed by column.
func observations(v starlark.Value) (map[string]engine.Cell, error) {
	dict, ok := v.(*starlark.Dict)
	if !ok {
		return nil, fmt.Errorf("observe must return a dict, got %s", v.Type())
	}
	out := make(map[string]engine.Cell, dict.Len())
	for _, item := range dict.Items() {
		key, ok := starlark.AsString(item[0])
		if !ok {
			return nil, fmt.Errorf("observation keys must be strings")
		}
		out[key] = toCell(item[1])
	}
	return out, nil
}

func toCell(v starlark.Value) engine.Cell {
	switch x := v.(type) {
	case starlark.Float:
		return engine.Num(float64(x))
	case starlark.Int:
		f, _ := starlark.AsFloat(x)
		return engine.Num(f)
	case starlark.Bool:
		if x {
			return engine.Num(1)
		}
		return engine.Num(0)
	case starlark.String:
		return engine.Text(string(x))
	default:
		return engine.NA()
	}
}

func toFloat(v starlark.Value) (float64, error) {
	f, ok := starlark.AsFloat(v)
	if !ok {
		return 0, fmt.Errorf("not a number: %s", v.Type())
	}
	return f, nil
}

// runRand seeds a generator from the run's assignments.
func runRand(assignments []engine.Assignment) *rand.Rand {
	h := fnv.New64a()
	data, _ := json.Marshal(assignments)
	_, _ = h.Write(data)
	seed := h.Sum64()
	return rand.New(rand.NewPCG(seed, seed^0x5851f42d4c957f2d))
}

func builtins() starlark.StringDict {
	return starlark.StringDict{
		"uniform": starlark.NewBuiltin("uniform", uniform),
		"normal":  starlark.NewBuiltin("normal", normal),
	}
}

func threadRand(thread *starlark.Thread) (*rand.Rand, error) {
	r, ok := thread.Local(rngLocal).(*rand.Rand)
	if !ok {
		return nil, fmt.Errorf("random draws are only available inside observe")
	}
	return r, nil
}

func uniform(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var lo, hi starlark.Value
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 2, &lo, &hi); err != nil {
		return nil, err
	}
	r, err := threadRand(thread)
	if err != nil {
		return nil, err
	}
	l, err := toFloat(lo)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	h, err := toFloat(hi)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	return starlark.Float(l + r.Float64()*(h-l)), nil
}

func normal(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var mu, sigma starlark.Value
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 2, &mu, &sigma); err != nil {
		return nil, err
	}
	r, err := threadRand(thread)
	if err != nil {
		return nil, err
	}
	m, err := toFloat(mu)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	s, err := toFloat(sigma)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	return starlark.Float(m + s*r.NormFloat64()), nil
}
