package config

import (
	"context"
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SchemaRegistry manages CUE definitions used to validate plans.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with the built-in plan schema.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}
	if err := sr.RegisterSchema("plan", builtinPlanSchema, "#Plan"); err != nil {
		panic(fmt.Sprintf("built-in plan schema: %v", err))
	}
	return sr
}

// Context returns the CUE context schemas are compiled in.
func (sr *SchemaRegistry) Context() *cue.Context {
	return sr.ctx
}

// RegisterSchema compiles schema and registers the definition def under name.
func (sr *SchemaRegistry) RegisterSchema(name, schema, def string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(schema, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}
	defVal := val.LookupPath(cue.ParsePath(def))
	if !defVal.Exists() {
		return fmt.Errorf("schema %s has no definition %s", name, def)
	}

	sr.schemas[name] = defVal
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// Unify unifies val with a named schema and checks the result is concrete.
func (sr *SchemaRegistry) Unify(schemaName string, val cue.Value) (cue.Value, error) {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return cue.Value{}, fmt.Errorf("schema %s not found", schemaName)
	}
	unified := schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return cue.Value{}, err
	}
	return unified, nil
}

// ValidateAgainstSchema validates Go data against a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(_ context.Context, schemaName string, data interface{}) error {
	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}
	if _, err := sr.Unify(schemaName, dataVal); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

// ValidatePlan validates a flat configuration map against the plan schema.
func (sr *SchemaRegistry) ValidatePlan(ctx context.Context, raw map[string]interface{}) error {
	return sr.ValidateAgainstSchema(ctx, "plan", raw)
}

// ListSchemas returns all registered schema names.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	return names
}

const builtinPlanSchema = `
#Aggregation: "mean" | "variance" | "min" | "max" | "quantile" | "all"

#Distribution: {
	distribution: "uniform"
	nb:           int & >=1
	min:          number
	max:          number & >=min
}

#Output: string & =~"^[^/]+/.+$" | {
	path:                   string & =~"^[^/]+/.+$"
	integration?:           "last" | "max" | "sum" | "mse" | "all"
	aggregation_replicate?: #Aggregation
	aggregation_input?:     #Aggregation
	replicate_quantile?:    number & >=0 & <=1
	input_quantile?:        number & >=0 & <=1
	mse_times?: [...number]
	mse_observations?: [...number]
}

#Axis: [_, ...] | #Distribution | number | string | bool

#Plan: {
	"package": string
	vpz:       string

	config_parallel_type?:      "single" | "threads" | "distributed"
	config_parallel_nb_slots?:  int & >=1
	config_parallel_max_expes?: int & >=1
	config_parallel_rm_files?:  bool
	config_parallel_launcher?:  string
	config_parallel_worker?:    string
	config_parallel_host?:      string
	config_parallel_format?:    "csv" | "arrow"
	config_parallel_timeout?:   string | number
	config_unknown_keys?:       "ignore" | "warn" | "error"
	expe_debug?:                bool
	expe_seed?:                 int
	expe_name?:                 string
	packages_dir?:              string
	working_dir?:               string

	[=~"^output_"]:              #Output
	[=~"^(input|replicate)_"]:   #Axis

	...
}
`
