package config

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// PlanGlobal is the Starlark global holding the plan dict.
const PlanGlobal = "plan"

// StarlarkLoader executes a Starlark plan script and reads its global "plan" dict.
type StarlarkLoader struct {
	timeout time.Duration
}

// NewStarlarkLoader creates a Starlark loader. A zero timeout means 30 seconds.
func NewStarlarkLoader(timeout time.Duration) *StarlarkLoader {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &StarlarkLoader{timeout: timeout}
}

// Load implements Loader.
func (sl *StarlarkLoader) Load(ctx context.Context, path string) (map[string]interface{}, error) {
	script, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan file: %w", err)
	}
	return sl.Evaluate(ctx, path, string(script))
}

// Evaluate runs script and returns its plan dict.
func (sl *StarlarkLoader) Evaluate(ctx context.Context, filename, script string) (map[string]interface{}, error) {
	evalCtx, cancel := context.WithTimeout(ctx, sl.timeout)
	defer cancel()

	thread := &starlark.Thread{
		Name:  "plan",
		Print: func(_ *starlark.Thread, _ string) {},
	}

	type result struct {
		raw map[string]interface{}
		err error
	}
	resultCh := make(chan result, 1)

	go func() {
		raw, err := sl.evaluateSync(thread, filename, script)
		resultCh <- result{raw: raw, err: err}
	}()

	select {
	case <-evalCtx.Done():
		thread.Cancel("timeout")
		return nil, fmt.Errorf("starlark plan evaluation timeout after %v", sl.timeout)
	case r := <-resultCh:
		return r.raw, r.err
	}
}

func (sl *StarlarkLoader) evaluateSync(thread *starlark.Thread, filename, script string) (map[string]interface{}, error) {
	predeclared := starlark.StringDict{
		"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),
	}

	globals, err := starlark.ExecFile(thread, filename, script, predeclared)
	if err != nil {
		return nil, fmt.Errorf("starlark execution failed: %w", err)
	}

	planVal, ok := globals[PlanGlobal]
	if !ok {
		return nil, fmt.Errorf("starlark plan must define a global %q", PlanGlobal)
	}
	goVal, err := FromStarlark(planVal)
	if err != nil {
		return nil, fmt.Errorf("failed to convert plan: %w", err)
	}
	raw, ok := goVal.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("global %q must be a dict, got %s", PlanGlobal, planVal.Type())
	}
	return raw, nil
}

// ToStarlark converts a Go value to a Starlark value.
func ToStarlark(v interface{}) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := normalizeScalar(v).(type) {
	case bool:
		return starlark.Bool(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []interface{}:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			starlarkItem, err := ToStarlark(item)
			if err != nil {
				return nil, err
			}
			list[i] = starlarkItem
		}
		return starlark.NewList(list), nil
	case map[string]interface{}:
		dict := starlark.NewDict(len(val))
		for k, v := range val {
			starlarkVal, err := ToStarlark(v)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), starlarkVal); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

// FromStarlark converts a Starlark value to a Go value.
func FromStarlark(v starlark.Value) (interface{}, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large")
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case *starlark.List:
		list := make([]interface{}, val.Len())
		for i := 0; i < val.Len(); i++ {
			item, err := FromStarlark(val.Index(i))
			if err != nil {
				return nil, err
			}
			list[i] = item
		}
		return list, nil
	case starlark.Tuple:
		list := make([]interface{}, len(val))
		for i, item := range val {
			goItem, err := FromStarlark(item)
			if err != nil {
				return nil, err
			}
			list[i] = goItem
		}
		return list, nil
	case *starlark.Dict:
		dict := make(map[string]interface{})
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be string")
			}
			value, err := FromStarlark(item[1])
			if err != nil {
				return nil, err
			}
			dict[string(key)] = value
		}
		return dict, nil
	case *starlarkstruct.Struct:
		dict := make(map[string]interface{})
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				continue
			}
			value, err := FromStarlark(attr)
			if err != nil {
				return nil, err
			}
			dict[name] = value
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}
