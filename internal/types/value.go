package types

import (
	"bytes"
	"fmt"

	"github.com/xtxerr/featstore/internal/errors"
)

// ValueType indicates the declared data type of a feature.
type ValueType int

const (
	// ValueTypeInt64 is a 64-bit signed integer feature.
	ValueTypeInt64 ValueType = iota
	// ValueTypeFloat64 is a double-precision float feature.
	ValueTypeFloat64
	// ValueTypeString is a UTF-8 string feature.
	ValueTypeString
	// ValueTypeBool is a boolean feature.
	ValueTypeBool
	// ValueTypeBytes is an opaque binary feature.
	ValueTypeBytes
)

// String returns a human-readable representation of the ValueType.
func (v ValueType) String() string {
	switch v {
	case ValueTypeInt64:
		return "int64"
	case ValueTypeFloat64:
		return "float64"
	case ValueTypeString:
		return "string"
	case ValueTypeBool:
		return "bool"
	case ValueTypeBytes:
		return "bytes"
	default:
		return "unknown"
	}
}

// ParseValueType parses a dtype string into a ValueType.
func ParseValueType(s string) (ValueType, error) {
	switch s {
	case "int64":
		return ValueTypeInt64, nil
	case "float64":
		return ValueTypeFloat64, nil
	case "string":
		return ValueTypeString, nil
	case "bool":
		return ValueTypeBool, nil
	case "bytes":
		return ValueTypeBytes, nil
	default:
		return 0, fmt.Errorf("unknown dtype %q", s)
	}
}

// Value is a closed tagged variant holding one feature value.
// Exactly one slot is meaningful, selected by Type.
type Value struct {
	Type  ValueType `msgpack:"t"`
	Int   int64     `msgpack:"i,omitempty"`
	Float float64   `msgpack:"f,omitempty"`
	Str   string    `msgpack:"s,omitempty"`
	Bool  bool      `msgpack:"b,omitempty"`
	Bytes []byte    `msgpack:"y,omitempty"`
}

// IntValue constructs an int64 Value.
func IntValue(v int64) Value { return Value{Type: ValueTypeInt64, Int: v} }

// FloatValue constructs a float64 Value.
func FloatValue(v float64) Value { return Value{Type: ValueTypeFloat64, Float: v} }

// StringValue constructs a string Value.
func StringValue(v string) Value { return Value{Type: ValueTypeString, Str: v} }

// BoolValue constructs a bool Value.
func BoolValue(v bool) Value { return Value{Type: ValueTypeBool, Bool: v} }

// BytesValue constructs a bytes Value.
func BytesValue(v []byte) Value { return Value{Type: ValueTypeBytes, Bytes: v} }

// Validate checks the value against a declared dtype.
func (v Value) Validate(expected ValueType) error {
	if v.Type != expected {
		return fmt.Errorf("expected %s, got %s: %w", expected, v.Type, errors.ErrTypeMismatch)
	}
	return nil
}

// AsFloat returns the numeric content of the value.
// Non-numeric types return 0.
func (v Value) AsFloat() float64 {
	switch v.Type {
	case ValueTypeInt64:
		return float64(v.Int)
	case ValueTypeFloat64:
		return v.Float
	default:
		return 0
	}
}

// Equal reports whether two values have the same type and content.
func (v Value) Equal(other Value) bool {
	if v.Type != other.Type {
		return false
	}
	switch v.Type {
	case ValueTypeInt64:
		return v.Int == other.Int
	case ValueTypeFloat64:
		return v.Float == other.Float
	case ValueTypeString:
		return v.Str == other.Str
	case ValueTypeBool:
		return v.Bool == other.Bool
	case ValueTypeBytes:
		return bytes.Equal(v.Bytes, other.Bytes)
	default:
		return false
	}
}

// String returns a human-readable rendering of the value content.
func (v Value) String() string {
	switch v.Type {
	case ValueTypeInt64:
		return fmt.Sprintf("%d", v.Int)
	case ValueTypeFloat64:
		return fmt.Sprintf("%g", v.Float)
	case ValueTypeString:
		return v.Str
	case ValueTypeBool:
		return fmt.Sprintf("%t", v.Bool)
	case ValueTypeBytes:
		return fmt.Sprintf("bytes[%d]", len(v.Bytes))
	default:
		return "unknown"
	}
}
