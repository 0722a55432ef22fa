package internal

import (
	"reflect"
)

// copyMapDeep creates a deep copy of a JSON map
func copyMapDeep(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	result := make(map[string]any, len(m))
	for key, value := range m {
		result[key] = deepCopyValue(value)
	}
	return result
}

// deepCopyValue creates a deep copy of a JSON value
func deepCopyValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		return copyMapDeep(v)
	case []any:
		result := make([]any, len(v))
		for i, item := range v {
			result[i] = deepCopyValue(item)
		}
		return result
	default:
		return value
	}
}

// jsonEqual compares two JSON values structurally.
func jsonEqual(a, b any) bool {
	return reflect.DeepEqual(a, b)
}

func stringValue(v any) string {
	s, _ := v.(string)
	return s
}
