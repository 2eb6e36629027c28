package sparkplug

import (
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the spBv1.0 Payload message and its nested messages.
const (
	fieldPayloadTimestamp = 1
	fieldPayloadMetrics   = 2
	fieldPayloadSeq       = 3
	fieldPayloadUUID      = 4
	fieldPayloadBody      = 5

	fieldMetricName       = 1
	fieldMetricAlias      = 2
	fieldMetricTimestamp  = 3
	fieldMetricDatatype   = 4
	fieldMetricIsNull     = 7
	fieldMetricProperties = 9
	fieldMetricIntValue   = 10
	fieldMetricLongValue  = 11
	fieldMetricFloat      = 12
	fieldMetricDouble     = 13
	fieldMetricBoolean    = 14
	fieldMetricString     = 15
	fieldMetricBytes      = 16
	fieldMetricDataSet    = 17

	fieldPropertySetKeys   = 1
	fieldPropertySetValues = 2

	fieldPropertyValueType    = 1
	fieldPropertyValueIsNull  = 2
	fieldPropertyValueInt     = 3
	fieldPropertyValueLong    = 4
	fieldPropertyValueFloat   = 5
	fieldPropertyValueDouble  = 6
	fieldPropertyValueBoolean = 7
	fieldPropertyValueString  = 8
	fieldPropertyValueSet     = 9
	fieldPropertyValueSetList = 10

	fieldPropertySetListSets = 1

	fieldDataSetNumColumns = 1
	fieldDataSetColumns    = 2
	fieldDataSetTypes      = 3
	fieldDataSetRows       = 4

	fieldDataSetRowElements = 1

	fieldDataSetValueInt     = 1
	fieldDataSetValueLong    = 2
	fieldDataSetValueFloat   = 3
	fieldDataSetValueDouble  = 4
	fieldDataSetValueBoolean = 5
	fieldDataSetValueString  = 6
)

// DecodePayload parses a Sparkplug B frame and transparently unwraps any
// compression wrapper.
func DecodePayload(blob []byte) (*Payload, error) {
	outer, err := parsePayload(blob)
	if err != nil {
		return nil, &MalformedPayloadError{Cause: err}
	}
	return unwrapIfCompressed(outer)
}

func parsePayload(b []byte) (*Payload, error) {
	p := &Payload{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		switch num {
		case fieldPayloadTimestamp:
			v, n, err := consumeVarint(b, typ)
			if err != nil {
				return nil, err
			}
			p.Timestamp = v
			b = b[n:]
		case fieldPayloadMetrics:
			raw, n, err := consumeBytes(b, typ)
			if err != nil {
				return nil, err
			}
			m, err := parseMetric(raw)
			if err != nil {
				return nil, err
			}
			p.Metrics = append(p.Metrics, *m)
			b = b[n:]
		case fieldPayloadSeq:
			v, n, err := consumeVarint(b, typ)
			if err != nil {
				return nil, err
			}
			p.Seq = v
			b = b[n:]
		case fieldPayloadUUID:
			raw, n, err := consumeBytes(b, typ)
			if err != nil {
				return nil, err
			}
			p.UUID = string(raw)
			b = b[n:]
		case fieldPayloadBody:
			raw, n, err := consumeBytes(b, typ)
			if err != nil {
				return nil, err
			}
			p.Body = append([]byte(nil), raw...)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return p, nil
}

func parseMetric(b []byte) (*Metric, error) {
	m := &Metric{}
	// The value oneof is resolved after the loop so a datatype field that
	// follows the value on the wire is still honoured.
	var rawValue any
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		switch num {
		case fieldMetricName:
			raw, n, err := consumeBytes(b, typ)
			if err != nil {
				return nil, err
			}
			m.Name = string(raw)
			b = b[n:]
		case fieldMetricAlias:
			v, n, err := consumeVarint(b, typ)
			if err != nil {
				return nil, err
			}
			m.Alias = v
			m.HasAlias = true
			b = b[n:]
		case fieldMetricTimestamp:
			v, n, err := consumeVarint(b, typ)
			if err != nil {
				return nil, err
			}
			m.Timestamp = v
			b = b[n:]
		case fieldMetricDatatype:
			v, n, err := consumeVarint(b, typ)
			if err != nil {
				return nil, err
			}
			m.Datatype = uint32(v)
			b = b[n:]
		case fieldMetricIsNull:
			v, n, err := consumeVarint(b, typ)
			if err != nil {
				return nil, err
			}
			m.IsNull = v != 0
			b = b[n:]
		case fieldMetricProperties:
			raw, n, err := consumeBytes(b, typ)
			if err != nil {
				return nil, err
			}
			props, err := parsePropertySet(raw)
			if err != nil {
				return nil, err
			}
			m.Properties = props
			b = b[n:]
		case fieldMetricIntValue:
			v, n, err := consumeVarint(b, typ)
			if err != nil {
				return nil, err
			}
			rawValue = uint32(v)
			b = b[n:]
		case fieldMetricLongValue:
			v, n, err := consumeVarint(b, typ)
			if err != nil {
				return nil, err
			}
			rawValue = v
			b = b[n:]
		case fieldMetricFloat:
			v, n, err := consumeFixed32(b, typ)
			if err != nil {
				return nil, err
			}
			rawValue = math.Float32frombits(v)
			b = b[n:]
		case fieldMetricDouble:
			v, n, err := consumeFixed64(b, typ)
			if err != nil {
				return nil, err
			}
			rawValue = math.Float64frombits(v)
			b = b[n:]
		case fieldMetricBoolean:
			v, n, err := consumeVarint(b, typ)
			if err != nil {
				return nil, err
			}
			rawValue = v != 0
			b = b[n:]
		case fieldMetricString:
			raw, n, err := consumeBytes(b, typ)
			if err != nil {
				return nil, err
			}
			rawValue = string(raw)
			b = b[n:]
		case fieldMetricBytes:
			raw, n, err := consumeBytes(b, typ)
			if err != nil {
				return nil, err
			}
			rawValue = append([]byte(nil), raw...)
			b = b[n:]
		case fieldMetricDataSet:
			raw, n, err := consumeBytes(b, typ)
			if err != nil {
				return nil, err
			}
			ds, err := parseDataSet(raw)
			if err != nil {
				return nil, err
			}
			rawValue = ds
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	if !m.IsNull {
		m.Value = normalizeMetricValue(rawValue, m.Datatype)
	}
	return m, nil
}

// normalizeMetricValue widens wire scalars according to the declared
// datatype. Signed 8/16/32-bit values travel as two's-complement uint32 on
// the wire and are restored here.
func normalizeMetricValue(raw any, datatype uint32) any {
	switch v := raw.(type) {
	case uint32:
		switch datatype {
		case DataTypeInt8, DataTypeInt16, DataTypeInt32:
			return int64(int32(v))
		default:
			return int64(v)
		}
	case uint64:
		switch datatype {
		case DataTypeInt64:
			return int64(v)
		case DataTypeDateTime:
			return v
		default:
			return v
		}
	default:
		return raw
	}
}

func parsePropertySet(b []byte) (map[string]PropertyValue, error) {
	var keys []string
	var values []PropertyValue
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		switch num {
		case fieldPropertySetKeys:
			raw, n, err := consumeBytes(b, typ)
			if err != nil {
				return nil, err
			}
			keys = append(keys, string(raw))
			b = b[n:]
		case fieldPropertySetValues:
			raw, n, err := consumeBytes(b, typ)
			if err != nil {
				return nil, err
			}
			pv, err := parsePropertyValue(raw)
			if err != nil {
				return nil, err
			}
			values = append(values, *pv)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	if len(keys) != len(values) {
		return nil, fmt.Errorf("property set has %d keys but %d values", len(keys), len(values))
	}
	if len(keys) == 0 {
		return nil, nil
	}
	props := make(map[string]PropertyValue, len(keys))
	for i, key := range keys {
		props[key] = values[i]
	}
	return props, nil
}

func parsePropertyValue(b []byte) (*PropertyValue, error) {
	pv := &PropertyValue{}
	var rawValue any
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		switch num {
		case fieldPropertyValueType:
			v, n, err := consumeVarint(b, typ)
			if err != nil {
				return nil, err
			}
			pv.Type = uint32(v)
			b = b[n:]
		case fieldPropertyValueIsNull:
			v, n, err := consumeVarint(b, typ)
			if err != nil {
				return nil, err
			}
			pv.IsNull = v != 0
			b = b[n:]
		case fieldPropertyValueInt:
			v, n, err := consumeVarint(b, typ)
			if err != nil {
				return nil, err
			}
			rawValue = uint32(v)
			b = b[n:]
		case fieldPropertyValueLong:
			v, n, err := consumeVarint(b, typ)
			if err != nil {
				return nil, err
			}
			rawValue = v
			b = b[n:]
		case fieldPropertyValueFloat:
			v, n, err := consumeFixed32(b, typ)
			if err != nil {
				return nil, err
			}
			rawValue = math.Float32frombits(v)
			b = b[n:]
		case fieldPropertyValueDouble:
			v, n, err := consumeFixed64(b, typ)
			if err != nil {
				return nil, err
			}
			rawValue = math.Float64frombits(v)
			b = b[n:]
		case fieldPropertyValueBoolean:
			v, n, err := consumeVarint(b, typ)
			if err != nil {
				return nil, err
			}
			rawValue = v != 0
			b = b[n:]
		case fieldPropertyValueString:
			raw, n, err := consumeBytes(b, typ)
			if err != nil {
				return nil, err
			}
			rawValue = string(raw)
			b = b[n:]
		case fieldPropertyValueSet:
			raw, n, err := consumeBytes(b, typ)
			if err != nil {
				return nil, err
			}
			nested, err := parsePropertySet(raw)
			if err != nil {
				return nil, err
			}
			rawValue = nested
			b = b[n:]
		case fieldPropertyValueSetList:
			raw, n, err := consumeBytes(b, typ)
			if err != nil {
				return nil, err
			}
			list, err := parsePropertySetList(raw)
			if err != nil {
				return nil, err
			}
			rawValue = list
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	if !pv.IsNull {
		pv.Value = normalizePropertyValue(rawValue, pv.Type)
	}
	return pv, nil
}

func normalizePropertyValue(raw any, propType uint32) any {
	switch v := raw.(type) {
	case uint32:
		switch propType {
		case DataTypeInt8, DataTypeInt16, DataTypeInt32:
			return int64(int32(v))
		default:
			return int64(v)
		}
	case uint64:
		if propType == DataTypeInt64 {
			return int64(v)
		}
		return v
	default:
		return raw
	}
}

func parsePropertySetList(b []byte) ([]map[string]PropertyValue, error) {
	var sets []map[string]PropertyValue
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		if num != fieldPropertySetListSets {
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
			continue
		}
		raw, n, err := consumeBytes(b, typ)
		if err != nil {
			return nil, err
		}
		set, err := parsePropertySet(raw)
		if err != nil {
			return nil, err
		}
		sets = append(sets, set)
		b = b[n:]
	}
	return sets, nil
}

func parseDataSet(b []byte) (*DataSet, error) {
	ds := &DataSet{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		switch num {
		case fieldDataSetNumColumns:
			_, n, err := consumeVarint(b, typ)
			if err != nil {
				return nil, err
			}
			b = b[n:]
		case fieldDataSetColumns:
			raw, n, err := consumeBytes(b, typ)
			if err != nil {
				return nil, err
			}
			ds.Columns = append(ds.Columns, string(raw))
			b = b[n:]
		case fieldDataSetTypes:
			v, n, err := consumeVarint(b, typ)
			if err != nil {
				return nil, err
			}
			ds.Types = append(ds.Types, uint32(v))
			b = b[n:]
		case fieldDataSetRows:
			raw, n, err := consumeBytes(b, typ)
			if err != nil {
				return nil, err
			}
			row, err := parseDataSetRow(raw)
			if err != nil {
				return nil, err
			}
			ds.Rows = append(ds.Rows, row)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return ds, nil
}

func parseDataSetRow(b []byte) ([]any, error) {
	var row []any
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		if num != fieldDataSetRowElements {
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
			continue
		}
		raw, n, err := consumeBytes(b, typ)
		if err != nil {
			return nil, err
		}
		cell, err := parseDataSetValue(raw)
		if err != nil {
			return nil, err
		}
		row = append(row, cell)
		b = b[n:]
	}
	return row, nil
}

func parseDataSetValue(b []byte) (any, error) {
	var value any
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		switch num {
		case fieldDataSetValueInt:
			v, n, err := consumeVarint(b, typ)
			if err != nil {
				return nil, err
			}
			value = int64(uint32(v))
			b = b[n:]
		case fieldDataSetValueLong:
			v, n, err := consumeVarint(b, typ)
			if err != nil {
				return nil, err
			}
			value = v
			b = b[n:]
		case fieldDataSetValueFloat:
			v, n, err := consumeFixed32(b, typ)
			if err != nil {
				return nil, err
			}
			value = math.Float32frombits(v)
			b = b[n:]
		case fieldDataSetValueDouble:
			v, n, err := consumeFixed64(b, typ)
			if err != nil {
				return nil, err
			}
			value = math.Float64frombits(v)
			b = b[n:]
		case fieldDataSetValueBoolean:
			v, n, err := consumeVarint(b, typ)
			if err != nil {
				return nil, err
			}
			value = v != 0
			b = b[n:]
		case fieldDataSetValueString:
			raw, n, err := consumeBytes(b, typ)
			if err != nil {
				return nil, err
			}
			value = string(raw)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return value, nil
}

// ── wire helpers ──

var errWrongWireType = errors.New("unexpected wire type")

func consumeVarint(b []byte, typ protowire.Type) (uint64, int, error) {
	if typ != protowire.VarintType {
		return 0, 0, errWrongWireType
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func consumeFixed32(b []byte, typ protowire.Type) (uint32, int, error) {
	if typ != protowire.Fixed32Type {
		return 0, 0, errWrongWireType
	}
	v, n := protowire.ConsumeFixed32(b)
	if n < 0 {
		return 0, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func consumeFixed64(b []byte, typ protowire.Type) (uint64, int, error) {
	if typ != protowire.Fixed64Type {
		return 0, 0, errWrongWireType
	}
	v, n := protowire.ConsumeFixed64(b)
	if n < 0 {
		return 0, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func consumeBytes(b []byte, typ protowire.Type) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, errWrongWireType
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, protowire.ParseError(n)
	}
	return v, n, nil
}
