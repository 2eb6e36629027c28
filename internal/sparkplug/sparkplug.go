// Package sparkplug decodes Sparkplug B payloads and topics.
//
// The payload decoder reads the protobuf wire format directly so the service
// does not depend on generated bindings for the spBv1.0 schema. Compressed
// wrappers (SPBV1.0_COMPRESSED) are unwrapped transparently.
package sparkplug

import "fmt"

// Sparkplug B datatype codes, shared by metric datatypes and property value
// types.
const (
	DataTypeUnknown  uint32 = 0
	DataTypeInt8     uint32 = 1
	DataTypeInt16    uint32 = 2
	DataTypeInt32    uint32 = 3
	DataTypeInt64    uint32 = 4
	DataTypeUInt8    uint32 = 5
	DataTypeUInt16   uint32 = 6
	DataTypeUInt32   uint32 = 7
	DataTypeUInt64   uint32 = 8
	DataTypeFloat    uint32 = 9
	DataTypeDouble   uint32 = 10
	DataTypeBoolean  uint32 = 11
	DataTypeString   uint32 = 12
	DataTypeDateTime uint32 = 13
	DataTypeText     uint32 = 14
	DataTypeUUID     uint32 = 15
	DataTypeDataSet  uint32 = 16
	DataTypeBytes    uint32 = 17
	DataTypeFile     uint32 = 18
	DataTypeTemplate uint32 = 19
)

// DataTypeName returns a human-readable name for a Sparkplug datatype code.
func DataTypeName(code uint32) string {
	switch code {
	case DataTypeInt8:
		return "Int8"
	case DataTypeInt16:
		return "Int16"
	case DataTypeInt32:
		return "Int32"
	case DataTypeInt64:
		return "Int64"
	case DataTypeUInt8:
		return "UInt8"
	case DataTypeUInt16:
		return "UInt16"
	case DataTypeUInt32:
		return "UInt32"
	case DataTypeUInt64:
		return "UInt64"
	case DataTypeFloat:
		return "Float"
	case DataTypeDouble:
		return "Double"
	case DataTypeBoolean:
		return "Boolean"
	case DataTypeString:
		return "String"
	case DataTypeDateTime:
		return "DateTime"
	case DataTypeText:
		return "Text"
	case DataTypeUUID:
		return "UUID"
	case DataTypeDataSet:
		return "DataSet"
	case DataTypeBytes:
		return "Bytes"
	case DataTypeFile:
		return "File"
	case DataTypeTemplate:
		return "Template"
	default:
		return fmt.Sprintf("Unknown(%d)", code)
	}
}

// Payload is a decoded Sparkplug B payload.
type Payload struct {
	Timestamp uint64
	Metrics   []Metric
	Seq       uint64
	UUID      string
	Body      []byte
}

// Metric is a single metric entry from a Sparkplug payload. Value is one of
// int64, uint64, float32, float64, bool, string, []byte, or *DataSet
// depending on the wire oneof and declared datatype; nil when is_null was set
// or no value field was present.
type Metric struct {
	Name       string
	Alias      uint64
	HasAlias   bool
	Timestamp  uint64
	Datatype   uint32
	IsNull     bool
	Value      any
	Properties map[string]PropertyValue
}

// Unresolved reports whether the metric carries only an alias, requiring the
// alias cache to supply its name.
func (m *Metric) Unresolved() bool {
	return m.Name == "" && m.HasAlias
}

// PropertyValue is one entry of a metric property set. Value is a scalar
// (int64, uint64, float32, float64, bool, string), a nested
// map[string]PropertyValue, or a []map[string]PropertyValue for property set
// lists.
type PropertyValue struct {
	Type   uint32
	IsNull bool
	Value  any
}

// DataSet is the flattened {columns, rows} projection of a Sparkplug dataset
// value. Row cells keep their decoded scalar types.
type DataSet struct {
	Columns []string
	Types   []uint32
	Rows    [][]any
}

// MalformedPayloadError reports that the binary envelope could not be parsed.
type MalformedPayloadError struct {
	Cause error
}

func (e *MalformedPayloadError) Error() string {
	return fmt.Sprintf("malformed sparkplug payload: %v", e.Cause)
}

func (e *MalformedPayloadError) Unwrap() error { return e.Cause }

// CompressionError reports that a payload claims compression but could not be
// decompressed.
type CompressionError struct {
	Cause error
}

func (e *CompressionError) Error() string {
	return fmt.Sprintf("sparkplug compression: %v", e.Cause)
}

func (e *CompressionError) Unwrap() error { return e.Cause }
