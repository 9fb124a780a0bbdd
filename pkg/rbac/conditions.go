package rbac

import (
	"fmt"
	"reflect"
)

// validateConditions rejects values outside the closed set of comparable types
func validateConditions(conds Conditions) error {
	for name, expected := range conds {
		if name == "" {
			return fmt.Errorf("%w: condition with empty attribute name", ErrValidation)
		}
		if list, ok := asList(expected); ok {
			if len(list) == 0 {
				return fmt.Errorf("%w: condition %q has an empty list", ErrValidation, name)
			}
			for _, item := range list {
				if !isScalar(item) {
					return fmt.Errorf("%w: condition %q contains unsupported value %v (%T)", ErrValidation, name, item, item)
				}
			}
			continue
		}
		if !isScalar(expected) {
			return fmt.Errorf("%w: condition %q has unsupported value %v (%T)", ErrValidation, name, expected, expected)
		}
	}
	return nil
}

// matchConditions reports whether every condition holds against the request context.
// A context missing one of the attributes never matches.
func matchConditions(conds Conditions, attrs map[string]any) bool {
	for name, expected := range conds {
		actual, ok := attrs[name]
		if !ok {
			return false
		}
		if !matchValue(expected, actual) {
			return false
		}
	}
	return true
}

func matchValue(expected, actual any) bool {
	if list, ok := asList(expected); ok {
		// list condition: the context value must be one of the listed values
		for _, item := range list {
			if scalarEqual(item, actual) {
				return true
			}
		}
		return false
	}
	if list, ok := asList(actual); ok {
		// list context value: it must contain the expected value
		for _, item := range list {
			if scalarEqual(expected, item) {
				return true
			}
		}
		return false
	}
	return scalarEqual(expected, actual)
}

func scalarEqual(a, b any) bool {
	if af, ok := toFloat(a); ok {
		bf, ok := toFloat(b)
		return ok && af == bf
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	}
	return false
}

func isScalar(v any) bool {
	switch v.(type) {
	case string, bool:
		return true
	}
	_, ok := toFloat(v)
	return ok
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// asList unpacks []any, []string and other slices decoded from JSON or YAML
func asList(v any) ([]any, bool) {
	switch l := v.(type) {
	case []any:
		return l, true
	case []string:
		out := make([]any, len(l))
		for i, s := range l {
			out[i] = s
		}
		return out, true
	case nil, string:
		return nil, false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

// cloneConditions copies the map so callers cannot mutate stored rules
func cloneConditions(conds Conditions) Conditions {
	if len(conds) == 0 {
		return nil
	}
	out := make(Conditions, len(conds))
	for k, v := range conds {
		if list, ok := asList(v); ok {
			cp := make([]any, len(list))
			copy(cp, list)
			out[k] = cp
			continue
		}
		out[k] = v
	}
	return out
}
