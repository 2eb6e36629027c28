// Package planner decides what repository writes a decoded, name-resolved,
// normalized metric record requires. Decisions are pure functions over the
// desired record and the current store snapshot, so repeated planning with
// identical input yields no-ops everywhere.
package planner

import (
	"fmt"
	"math"
	"strings"

	"github.com/secil-digital/uns-metadata-sync/internal/sparkplug"
)

// PropertyType enumerates the typed storage columns for metric properties.
type PropertyType string

const (
	TypeInt    PropertyType = "int"
	TypeLong   PropertyType = "long"
	TypeFloat  PropertyType = "float"
	TypeDouble PropertyType = "double"
	TypeString PropertyType = "string"
	TypeBool   PropertyType = "boolean"
)

// Valid reports whether t is one of the enumerated property types.
func (t PropertyType) Valid() bool {
	switch t {
	case TypeInt, TypeLong, TypeFloat, TypeDouble, TypeString, TypeBool:
		return true
	}
	return false
}

// PropertyValue is a typed property in canonical form: int/long carry int64,
// float/double carry float64, boolean carries bool, string carries string.
type PropertyValue struct {
	Type  PropertyType
	Value any
}

// Equal performs a type-aware comparison.
func (p PropertyValue) Equal(other PropertyValue) bool {
	return p.Type == other.Type && p.Value == other.Value
}

// UnsupportedTypeError reports a property whose declared type falls outside
// the enumerated set. The property is skipped; the metric is still accepted.
type UnsupportedTypeError struct {
	Key      string
	Declared uint32
}

func (e *UnsupportedTypeError) Error() string {
	return fmt.Sprintf("property %q: unsupported datatype %s", e.Key, sparkplug.DataTypeName(e.Declared))
}

const (
	minInt32 = math.MinInt32
	maxInt32 = math.MaxInt32
)

// PropertyFromSparkplug converts a decoded frame property into its storage
// form, honouring the declared per-property type without coercion between
// families. Null values and empty strings yield ok=false and are dropped.
func PropertyFromSparkplug(key string, pv sparkplug.PropertyValue) (PropertyValue, bool, error) {
	if pv.IsNull || pv.Value == nil {
		return PropertyValue{}, false, nil
	}
	switch pv.Type {
	case sparkplug.DataTypeInt8, sparkplug.DataTypeInt16, sparkplug.DataTypeInt32,
		sparkplug.DataTypeUInt8, sparkplug.DataTypeUInt16:
		v, ok := asInt64(pv.Value)
		if !ok {
			return PropertyValue{}, false, &UnsupportedTypeError{Key: key, Declared: pv.Type}
		}
		return PropertyValue{Type: TypeInt, Value: v}, true, nil
	case sparkplug.DataTypeInt64, sparkplug.DataTypeUInt32, sparkplug.DataTypeUInt64:
		v, ok := asInt64(pv.Value)
		if !ok {
			return PropertyValue{}, false, &UnsupportedTypeError{Key: key, Declared: pv.Type}
		}
		return PropertyValue{Type: TypeLong, Value: v}, true, nil
	case sparkplug.DataTypeFloat:
		v, ok := asFloat64(pv.Value)
		if !ok {
			return PropertyValue{}, false, &UnsupportedTypeError{Key: key, Declared: pv.Type}
		}
		return PropertyValue{Type: TypeFloat, Value: v}, true, nil
	case sparkplug.DataTypeDouble:
		v, ok := asFloat64(pv.Value)
		if !ok {
			return PropertyValue{}, false, &UnsupportedTypeError{Key: key, Declared: pv.Type}
		}
		return PropertyValue{Type: TypeDouble, Value: v}, true, nil
	case sparkplug.DataTypeBoolean:
		v, ok := pv.Value.(bool)
		if !ok {
			return PropertyValue{}, false, &UnsupportedTypeError{Key: key, Declared: pv.Type}
		}
		return PropertyValue{Type: TypeBool, Value: v}, true, nil
	case sparkplug.DataTypeString, sparkplug.DataTypeText, sparkplug.DataTypeUUID:
		s, ok := pv.Value.(string)
		if !ok {
			return PropertyValue{}, false, &UnsupportedTypeError{Key: key, Declared: pv.Type}
		}
		if strings.TrimSpace(s) == "" {
			return PropertyValue{}, false, nil
		}
		return PropertyValue{Type: TypeString, Value: s}, true, nil
	case sparkplug.DataTypeUnknown:
		// Some publishers omit the property type; fall back to value-kind
		// inference.
		return InferProperty(pv.Value)
	default:
		return PropertyValue{}, false, &UnsupportedTypeError{Key: key, Declared: pv.Type}
	}
}

// InferProperty derives a typed property from a bare value: booleans map to
// boolean, integers to int or long by range, floats to double, non-empty
// strings to string. Nil, empty strings, and non-scalar values are dropped.
func InferProperty(value any) (PropertyValue, bool, error) {
	switch v := value.(type) {
	case nil:
		return PropertyValue{}, false, nil
	case bool:
		return PropertyValue{Type: TypeBool, Value: v}, true, nil
	case int64:
		if v >= minInt32 && v <= maxInt32 {
			return PropertyValue{Type: TypeInt, Value: v}, true, nil
		}
		return PropertyValue{Type: TypeLong, Value: v}, true, nil
	case int:
		return InferProperty(int64(v))
	case int32:
		return InferProperty(int64(v))
	case uint64:
		if v <= maxInt32 {
			return PropertyValue{Type: TypeInt, Value: int64(v)}, true, nil
		}
		return PropertyValue{Type: TypeLong, Value: int64(v)}, true, nil
	case float32:
		return PropertyValue{Type: TypeDouble, Value: float64(v)}, true, nil
	case float64:
		return PropertyValue{Type: TypeDouble, Value: v}, true, nil
	case string:
		if strings.TrimSpace(v) == "" {
			return PropertyValue{}, false, nil
		}
		return PropertyValue{Type: TypeString, Value: v}, true, nil
	default:
		return PropertyValue{}, false, nil
	}
}

func asInt64(value any) (int64, bool) {
	switch v := value.(type) {
	case int64:
		return v, true
	case uint64:
		return int64(v), true
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	default:
		return 0, false
	}
}

func asFloat64(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}
