package model

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// BasicType is the type of a single attribute value
type BasicType string

const (
	BasicTypeBoolean  BasicType = "BOOLEAN"
	BasicTypeInteger  BasicType = "INTEGER"
	BasicTypeFloat    BasicType = "FLOAT"
	BasicTypeString   BasicType = "STRING"
	BasicTypeDate     BasicType = "DATE"
	BasicTypeDateTime BasicType = "DATETIME"
)

// IsValid reports whether t is a supported attribute type
func (t BasicType) IsValid() bool {
	switch t {
	case BasicTypeBoolean, BasicTypeInteger, BasicTypeFloat,
		BasicTypeString, BasicTypeDate, BasicTypeDateTime:
		return true
	default:
		return false
	}
}

// Value is a typed attribute value. Only the field matching Type is meaningful.
type Value struct {
	Type    BasicType
	Boolean bool
	Integer int64
	Float   float64
	String  string
	Time    time.Time
}

func BooleanValue(b bool) Value {
	return Value{Type: BasicTypeBoolean, Boolean: b}
}

func IntegerValue(i int64) Value {
	return Value{Type: BasicTypeInteger, Integer: i}
}

func FloatValue(f float64) Value {
	return Value{Type: BasicTypeFloat, Float: f}
}

func StringValue(s string) Value {
	return Value{Type: BasicTypeString, String: s}
}

// DateValue keeps only the calendar date of t, in UTC
func DateValue(t time.Time) Value {
	y, m, d := t.Date()
	return Value{Type: BasicTypeDate, Time: time.Date(y, m, d, 0, 0, 0, 0, time.UTC)}
}

// DateTimeValue normalises t to UTC with microsecond precision, which is what
// the relational backend can hold
func DateTimeValue(t time.Time) Value {
	return Value{Type: BasicTypeDateTime, Time: t.UTC().Truncate(time.Microsecond)}
}

// Equal compares type and the value held for that type
func (v Value) Equal(other Value) bool {
	if v.Type != other.Type {
		return false
	}
	switch v.Type {
	case BasicTypeBoolean:
		return v.Boolean == other.Boolean
	case BasicTypeInteger:
		return v.Integer == other.Integer
	case BasicTypeFloat:
		return v.Float == other.Float || (math.IsNaN(v.Float) && math.IsNaN(other.Float))
	case BasicTypeString:
		return v.String == other.String
	case BasicTypeDate, BasicTypeDateTime:
		return v.Time.Equal(other.Time)
	default:
		return false
	}
}

// Validate checks the value carries a supported type
func (v Value) Validate() error {
	if !v.Type.IsValid() {
		return fmt.Errorf("unsupported attribute type: %q", v.Type)
	}
	if v.Type == BasicTypeFloat && (math.IsNaN(v.Float) || math.IsInf(v.Float, 0)) {
		return fmt.Errorf("float attribute must be finite")
	}
	return nil
}

type valueJSON struct {
	Type  BasicType       `json:"type"`
	Value json.RawMessage `json:"value"`
}

// MarshalJSON encodes the value as {"type": ..., "value": ...}
func (v Value) MarshalJSON() ([]byte, error) {
	var raw any
	switch v.Type {
	case BasicTypeBoolean:
		raw = v.Boolean
	case BasicTypeInteger:
		raw = v.Integer
	case BasicTypeFloat:
		raw = v.Float
	case BasicTypeString:
		raw = v.String
	case BasicTypeDate:
		raw = v.Time.Format(time.DateOnly)
	case BasicTypeDateTime:
		raw = v.Time.Format(time.RFC3339Nano)
	default:
		return nil, fmt.Errorf("unsupported attribute type: %q", v.Type)
	}

	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	return json.Marshal(valueJSON{Type: v.Type, Value: encoded})
}

// UnmarshalJSON decodes the {"type": ..., "value": ...} form
func (v *Value) UnmarshalJSON(data []byte) error {
	var wire valueJSON
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	var decoded Value
	var err error

	switch wire.Type {
	case BasicTypeBoolean:
		var b bool
		err = json.Unmarshal(wire.Value, &b)
		decoded = BooleanValue(b)
	case BasicTypeInteger:
		var i int64
		err = json.Unmarshal(wire.Value, &i)
		decoded = IntegerValue(i)
	case BasicTypeFloat:
		var f float64
		err = json.Unmarshal(wire.Value, &f)
		decoded = FloatValue(f)
	case BasicTypeString:
		var s string
		err = json.Unmarshal(wire.Value, &s)
		decoded = StringValue(s)
	case BasicTypeDate, BasicTypeDateTime:
		var s string
		if err = json.Unmarshal(wire.Value, &s); err != nil {
			break
		}
		layout := time.RFC3339Nano
		if wire.Type == BasicTypeDate {
			layout = time.DateOnly
		}
		var t time.Time
		if t, err = time.Parse(layout, s); err != nil {
			break
		}
		if wire.Type == BasicTypeDate {
			decoded = DateValue(t)
		} else {
			decoded = DateTimeValue(t)
		}
	default:
		return fmt.Errorf("unsupported attribute type: %q", wire.Type)
	}

	if err != nil {
		return fmt.Errorf("invalid %s attribute value: %w", wire.Type, err)
	}

	*v = decoded
	return nil
}
