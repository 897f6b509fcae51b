/*
 * Copyright 2024 the uns authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at https://mozilla.org/MPL/2.0/.
 */

package unsdata

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// ValueKind discriminates the variants of a Value.
type ValueKind int

// The kinds of payload value a data point may carry.
const (
	KindNull ValueKind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindBytes
)

func (k ValueKind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindBytes:
		return "bytes"
	}
	return fmt.Sprintf("ValueKind(%d)", int(k))
}

// Value is a tagged union over the payload types we ingest.  The zero
// Value is the null value.
type Value struct {
	kind ValueKind
	b    bool
	i    int64
	f    float64
	s    string
	raw  []byte
}

// NullValue returns the null Value.
func NullValue() Value {
	return Value{}
}

// BoolValue wraps a bool.
func BoolValue(b bool) Value {
	return Value{kind: KindBool, b: b}
}

// IntValue wraps an int64.
func IntValue(i int64) Value {
	return Value{kind: KindInt, i: i}
}

// FloatValue wraps a float64.
func FloatValue(f float64) Value {
	return Value{kind: KindFloat, f: f}
}

// StringValue wraps a string.
func StringValue(s string) Value {
	return Value{kind: KindString, s: s}
}

// BytesValue wraps an uninterpreted byte payload.
func BytesValue(raw []byte) Value {
	return Value{kind: KindBytes, raw: raw}
}

// Kind returns the variant carried by this Value.
func (v Value) Kind() ValueKind {
	return v.kind
}

// IsNull reports whether this is the null value.
func (v Value) IsNull() bool {
	return v.kind == KindNull
}

// Bool returns the bool payload; false if the Value is another kind.
func (v Value) Bool() bool {
	return v.b
}

// Int returns the int64 payload; 0 if the Value is another kind.
func (v Value) Int() int64 {
	return v.i
}

// Float returns the float64 payload, converting an int payload if
// necessary.
func (v Value) Float() float64 {
	if v.kind == KindInt {
		return float64(v.i)
	}
	return v.f
}

// Str returns the string payload; "" if the Value is another kind.
func (v Value) Str() string {
	return v.s
}

// Bytes returns the raw payload; nil if the Value is another kind.
func (v Value) Bytes() []byte {
	return v.raw
}

// Equal compares two values for equality.  Nulls compare equal to each
// other, and numeric values compare across int/float variants.
func (v Value) Equal(o Value) bool {
	if v.kind == KindNull || o.kind == KindNull {
		return v.kind == o.kind
	}
	if (v.kind == KindInt || v.kind == KindFloat) &&
		(o.kind == KindInt || o.kind == KindFloat) {
		return v.Float() == o.Float()
	}
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindBool:
		return v.b == o.b
	case KindString:
		return v.s == o.s
	case KindBytes:
		if len(v.raw) != len(o.raw) {
			return false
		}
		for i := range v.raw {
			if v.raw[i] != o.raw[i] {
				return false
			}
		}
		return true
	}
	return false
}

// String renders the value as UTF-8 text, which is also the Raw export
// format.
func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return ""
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindFloat:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindString:
		return v.s
	case KindBytes:
		return string(v.raw)
	}
	return ""
}

// MarshalJSON renders the native JSON form of the value.  Byte payloads
// are emitted as JSON strings.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNull:
		return []byte("null"), nil
	case KindBool:
		return json.Marshal(v.b)
	case KindInt:
		return json.Marshal(v.i)
	case KindFloat:
		return json.Marshal(v.f)
	case KindString:
		return json.Marshal(v.s)
	case KindBytes:
		return json.Marshal(string(v.raw))
	}
	return nil, fmt.Errorf("unknown value kind %d", int(v.kind))
}

// UnmarshalJSON accepts any JSON scalar, preferring the int variant for
// numbers without a fractional part.
func (v *Value) UnmarshalJSON(data []byte) error {
	*v = FromJSONScalar(data)
	return nil
}

// FromJSONScalar converts the raw bytes of a JSON scalar token into a
// Value.  Non-scalar input is carried as a byte payload.
func FromJSONScalar(data []byte) Value {
	s := string(data)
	switch {
	case s == "null":
		return NullValue()
	case s == "true":
		return BoolValue(true)
	case s == "false":
		return BoolValue(false)
	}
	if len(s) >= 2 && s[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err == nil {
			return StringValue(str)
		}
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return IntValue(i)
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return FloatValue(f)
	}
	return BytesValue(append([]byte(nil), data...))
}
