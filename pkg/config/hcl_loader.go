package config

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"sort"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"
)

// HCLLoader loads HCL plan files.
//
// Top-level attributes map to keys directly. Keys that are not HCL identifiers are
// written as blocks:
//
//	input "cond.port" { values = [1, 2, 3] }
//	replicate "cond.seed" { distribution = "uniform" nb = 10 min = 0 max = 1 }
//	propagate "cond.port" { value = 4 }
//	output "y" { path = "view/top:model.y" integration = "max" }
//
// A top-level "plan" object attribute is merged in as-is.
type HCLLoader struct{}

// Load implements Loader.
func (HCLLoader) Load(_ context.Context, path string) (map[string]interface{}, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan file: %w", err)
	}
	return ParseHCL(src, path)
}

// ParseHCL decodes HCL source into the flat configuration map.
func ParseHCL(src []byte, filename string) (map[string]interface{}, error) {
	file, diags := hclsyntax.ParseConfig(src, filename, hcl.InitialPos)
	if diags.HasErrors() {
		return nil, hclDiagnosticsError(diags)
	}
	body, ok := file.Body.(*hclsyntax.Body)
	if !ok {
		return nil, fmt.Errorf("unexpected HCL body type %T", file.Body)
	}

	raw := make(map[string]interface{})

	attrs, err := evalAttributes(body.Attributes)
	if err != nil {
		return nil, err
	}
	for name, val := range attrs {
		if name == "plan" {
			nested, ok := val.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("%s: attribute \"plan\" must be an object", filename)
			}
			for k, v := range nested {
				raw[k] = v
			}
			continue
		}
		raw[name] = val
	}

	for _, block := range body.Blocks {
		if len(block.Labels) != 1 {
			return nil, fmt.Errorf("%s: block %q needs exactly one label", block.DefRange().String(), block.Type)
		}
		label := block.Labels[0]
		fields, err := evalAttributes(block.Body.Attributes)
		if err != nil {
			return nil, err
		}

		switch block.Type {
		case "input", "replicate":
			key := block.Type + "_" + label
			if values, ok := fields["values"]; ok {
				raw[key] = values
			} else {
				raw[key] = fields
			}
		case "propagate":
			raw[PrefixPropagate+label] = fields["value"]
		case "output":
			raw[PrefixOutput+label] = fields
		default:
			return nil, fmt.Errorf("%s: unknown block type %q", block.DefRange().String(), block.Type)
		}
	}

	return raw, nil
}

func evalAttributes(attrs hclsyntax.Attributes) (map[string]interface{}, error) {
	names := make([]string, 0, len(attrs))
	for name := range attrs {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make(map[string]interface{}, len(attrs))
	for _, name := range names {
		attr := attrs[name]
		val, diags := attr.Expr.Value(nil)
		if diags.HasErrors() {
			return nil, hclDiagnosticsError(diags)
		}
		native, err := ctyToNative(val)
		if err != nil {
			return nil, fmt.Errorf("attribute %q: %w", name, err)
		}
		out[name] = native
	}
	return out, nil
}

// ctyToNative recursively converts a cty.Value to its natural Go counterpart.
// Integral numbers become int64, other numbers float64.
func ctyToNative(v cty.Value) (interface{}, error) {
	if v.IsNull() || !v.IsKnown() {
		return nil, nil
	}

	ty := v.Type()
	switch {
	case ty == cty.String:
		return v.AsString(), nil

	case ty == cty.Number:
		bf := v.AsBigFloat()
		if bf.IsInt() {
			if i, acc := bf.Int64(); acc == big.Exact {
				return i, nil
			}
		}
		f, _ := bf.Float64()
		return f, nil

	case ty == cty.Bool:
		return v.True(), nil

	case ty.IsListType() || ty.IsTupleType() || ty.IsSetType():
		slice := make([]interface{}, 0, v.LengthInt())
		it := v.ElementIterator()
		for it.Next() {
			_, elem := it.Element()
			native, err := ctyToNative(elem)
			if err != nil {
				return nil, err
			}
			slice = append(slice, native)
		}
		return slice, nil

	case ty.IsObjectType() || ty.IsMapType():
		goMap := make(map[string]interface{})
		it := v.ElementIterator()
		for it.Next() {
			key, elem := it.Element()
			keyStr := key.AsString()
			native, err := ctyToNative(elem)
			if err != nil {
				return nil, fmt.Errorf("in attribute '%s': %w", keyStr, err)
			}
			goMap[keyStr] = native
		}
		return goMap, nil

	default:
		return nil, fmt.Errorf("unsupported value type %s", ty.FriendlyName())
	}
}

func hclDiagnosticsError(diags hcl.Diagnostics) error {
	var errs []ValidationError
	for _, d := range diags {
		if d.Severity != hcl.DiagError {
			continue
		}
		ve := ValidationError{Message: d.Summary, Severity: "error"}
		if d.Detail != "" {
			ve.Message += ": " + d.Detail
		}
		if d.Subject != nil {
			ve.File = d.Subject.Filename
			ve.Line = d.Subject.Start.Line
			ve.Column = d.Subject.Start.Column
		}
		errs = append(errs, ve)
	}
	return joinValidationErrors(errs)
}
