// ABOUTME: Record is one backend entity as a loosely typed attribute map
// ABOUTME: Typed getters tolerate the numeric types D-Bus and JSON produce

package backend

import (
	"fmt"
	"maps"
	"reflect"
)

// Record is a backend entity. Values are plain Go values: strings, bools,
// numbers, []any and map[string]any.
type Record map[string]any

// String returns the value at key formatted as a string, or "" if absent.
func (r Record) String(key string) string {
	v, ok := r[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Float returns the numeric value at key.
func (r Record) Float(key string) (float64, bool) {
	return ToFloat(r[key])
}

// Bool returns the boolean value at key.
func (r Record) Bool(key string) (bool, bool) {
	b, ok := r[key].(bool)
	return b, ok
}

// Map returns the nested object at key, or nil.
func (r Record) Map(key string) map[string]any {
	m, _ := r[key].(map[string]any)
	return m
}

// Clone returns a shallow copy.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	return maps.Clone(r)
}

// Equal reports whether both records hold the same attributes.
func (r Record) Equal(other Record) bool {
	return reflect.DeepEqual(map[string]any(r), map[string]any(other))
}

// ToFloat converts any Go numeric value to float64.
func ToFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
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
	default:
		return 0, false
	}
}
