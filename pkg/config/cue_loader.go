package config

import (
	"context"
	"fmt"
	"os"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
)

// CUELoader loads CUE plan files. The file's top-level struct is unified with the
// built-in #Plan schema before it is decoded into the flat map.
type CUELoader struct {
	schemaRegistry *SchemaRegistry
}

// NewCUELoader creates a CUE loader with the built-in schemas.
func NewCUELoader() *CUELoader {
	return &CUELoader{schemaRegistry: NewSchemaRegistry()}
}

// SchemaRegistry returns the loader's schema registry.
func (cl *CUELoader) SchemaRegistry() *SchemaRegistry {
	return cl.schemaRegistry
}

// Load implements Loader.
func (cl *CUELoader) Load(ctx context.Context, path string) (map[string]interface{}, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan file: %w", err)
	}
	return cl.parse(content, path)
}

// ParseInline parses inline CUE content.
func (cl *CUELoader) ParseInline(_ context.Context, content string) (map[string]interface{}, error) {
	return cl.parse([]byte(content), "inline")
}

func (cl *CUELoader) parse(content []byte, filename string) (map[string]interface{}, error) {
	val := cl.schemaRegistry.Context().CompileBytes(content, cue.Filename(filename))
	if err := val.Err(); err != nil {
		return nil, joinValidationErrors(convertCUEErrors(err))
	}

	unified, err := cl.schemaRegistry.Unify("plan", val)
	if err != nil {
		return nil, joinValidationErrors(convertCUEErrors(err))
	}

	var raw map[string]interface{}
	if err := unified.Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to decode plan: %w", err)
	}
	return raw, nil
}

// convertCUEErrors converts CUE errors to ValidationError slice.
func convertCUEErrors(err error) []ValidationError {
	var validationErrors []ValidationError

	for _, e := range errors.Errors(err) {
		pos := errors.Positions(e)
		var file string
		var line, column int

		if len(pos) > 0 {
			file = pos[0].Filename()
			line = pos[0].Line()
			column = pos[0].Column()
		}

		validationErrors = append(validationErrors, ValidationError{
			File:     file,
			Line:     line,
			Column:   column,
			Message:  errors.Details(e, nil),
			Severity: "error",
		})
	}

	return validationErrors
}

// PlanLoadError groups the problems found while loading one plan file.
type PlanLoadError struct {
	Errors []ValidationError
}

// Error implements the error interface.
func (e *PlanLoadError) Error() string {
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	return fmt.Sprintf("%s (and %d more)", e.Errors[0].Error(), len(e.Errors)-1)
}

func joinValidationErrors(errs []ValidationError) error {
	if len(errs) == 0 {
		return fmt.Errorf("invalid plan")
	}
	return &PlanLoadError{Errors: errs}
}
