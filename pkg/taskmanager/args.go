package taskmanager

import "fmt"

// Task args round-trip through JSON, so numbers arrive as float64 and
// lists as []interface{}. These helpers decode them for workflow handlers.

// ArgUint64 reads a numeric arg as an ID.
func ArgUint64(args map[string]interface{}, key string) (uint64, error) {
	v, ok := args[key]
	if !ok {
		return 0, fmt.Errorf("missing task arg %s", key)
	}
	switch n := v.(type) {
	case float64:
		return uint64(n), nil
	case uint64:
		return n, nil
	case int:
		return uint64(n), nil
	default:
		return 0, fmt.Errorf("task arg %s is not a number", key)
	}
}

// ArgString reads a string arg, returning "" when absent.
func ArgString(args map[string]interface{}, key string) string {
	s, _ := args[key].(string)
	return s
}

// ArgBool reads a bool arg, returning false when absent.
func ArgBool(args map[string]interface{}, key string) bool {
	b, _ := args[key].(bool)
	return b
}

// ArgStringSlice reads a list arg as strings, skipping non-string items.
func ArgStringSlice(args map[string]interface{}, key string) []string {
	list, ok := args[key].([]interface{})
	if !ok {
		return nil
	}
	result := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok {
			result = append(result, s)
		}
	}
	return result
}
