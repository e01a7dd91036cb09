package config

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// normalizeScalar maps the numeric types produced by the different plan loaders onto
// int64 and float64.
func normalizeScalar(v interface{}) interface{} {
	switch x := v.(type) {
	case int:
		return int64(x)
	case int8:
		return int64(x)
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case uint:
		return int64(x)
	case uint8:
		return int64(x)
	case uint16:
		return int64(x)
	case uint32:
		return int64(x)
	case uint64:
		return int64(x)
	case float32:
		return float64(x)
	default:
		return v
	}
}

// Normalize recursively normalizes a configuration value.
func Normalize(v interface{}) interface{} {
	switch x := v.(type) {
	case []interface{}:
		out := make([]interface{}, len(x))
		for i, item := range x {
			out[i] = Normalize(item)
		}
		return out
	case []float64:
		out := make([]interface{}, len(x))
		for i, item := range x {
			out[i] = item
		}
		return out
	case []int:
		out := make([]interface{}, len(x))
		for i, item := range x {
			out[i] = int64(item)
		}
		return out
	case []string:
		out := make([]interface{}, len(x))
		for i, item := range x {
			out[i] = item
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(x))
		for k, item := range x {
			out[k] = Normalize(item)
		}
		return out
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(x))
		for k, item := range x {
			out[fmt.Sprint(k)] = Normalize(item)
		}
		return out
	default:
		return normalizeScalar(v)
	}
}

// ToFloat converts a numeric or numeric-string value to float64.
func ToFloat(v interface{}) (float64, error) {
	switch x := normalizeScalar(v).(type) {
	case int64:
		return float64(x), nil
	case float64:
		return x, nil
	case bool:
		if x {
			return 1, nil
		}
		return 0, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, fmt.Errorf("%q is not a number", x)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("expected a number, got %T", v)
	}
}

// ToInt converts a numeric or numeric-string value to int. Floats must be integral.
func ToInt(v interface{}) (int, error) {
	switch x := normalizeScalar(v).(type) {
	case int64:
		return int(x), nil
	case float64:
		if x != math.Trunc(x) {
			return 0, fmt.Errorf("%v is not an integer", x)
		}
		return int(x), nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(x))
		if err != nil {
			return 0, fmt.Errorf("%q is not an integer", x)
		}
		return i, nil
	default:
		return 0, fmt.Errorf("expected an integer, got %T", v)
	}
}

// ToBool converts a bool, number or string value to bool.
func ToBool(v interface{}) (bool, error) {
	switch x := normalizeScalar(v).(type) {
	case bool:
		return x, nil
	case int64:
		return x != 0, nil
	case float64:
		return x != 0, nil
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(x))
		if err != nil {
			return false, fmt.Errorf("%q is not a boolean", x)
		}
		return b, nil
	default:
		return false, fmt.Errorf("expected a boolean, got %T", v)
	}
}

// ToString converts a scalar value to a string.
func ToString(v interface{}) (string, error) {
	switch x := normalizeScalar(v).(type) {
	case string:
		return x, nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64), nil
	case bool:
		return strconv.FormatBool(x), nil
	default:
		return "", fmt.Errorf("expected a string, got %T", v)
	}
}

// ToDuration converts a duration string or a number of seconds to a duration.
func ToDuration(v interface{}) (time.Duration, error) {
	if s, ok := v.(string); ok {
		d, err := time.ParseDuration(strings.TrimSpace(s))
		if err != nil {
			return 0, fmt.Errorf("%q is not a duration", s)
		}
		return d, nil
	}
	f, err := ToFloat(v)
	if err != nil {
		return 0, err
	}
	return time.Duration(f * float64(time.Second)), nil
}

// ToFloatSlice converts a sequence of numbers to []float64.
func ToFloatSlice(v interface{}) ([]float64, error) {
	seq, ok := Normalize(v).([]interface{})
	if !ok {
		return nil, fmt.Errorf("expected a sequence, got %T", v)
	}
	out := make([]float64, len(seq))
	for i, item := range seq {
		f, err := ToFloat(item)
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
		out[i] = f
	}
	return out, nil
}
