// Package feed defines the change-feed boundary: the typed attribute values
// carried by change records, the record envelope itself, the decoder that
// unwraps records into raw events, and the Kafka consumer/publisher pair
// that transports them.
package feed

import (
	"fmt"
	"sort"
	"strconv"
)

// Value is the tagged union carried by change-record images. Exactly one
// variant is set per value. The wire names mirror the source store's typed
// attribute encoding.
type Value struct {
	S    *string          `json:"S,omitempty"`
	N    *string          `json:"N,omitempty"`
	Bool *bool            `json:"BOOL,omitempty"`
	Null bool             `json:"NULL,omitempty"`
	M    map[string]Value `json:"M,omitempty"`
	L    []Value          `json:"L,omitempty"`
}

// AsString returns the string variant.
func (v Value) AsString() (string, bool) {
	if v.S == nil {
		return "", false
	}
	return *v.S, true
}

// AsInt64 returns the number variant parsed as an integer.
func (v Value) AsInt64() (int64, bool) {
	if v.N == nil {
		return 0, false
	}
	n, err := strconv.ParseInt(*v.N, 10, 64)
	if err != nil {
		// Numbers may arrive with a fractional part.
		f, ferr := strconv.ParseFloat(*v.N, 64)
		if ferr != nil {
			return 0, false
		}
		return int64(f), true
	}
	return n, true
}

// AsFloat64 returns the number variant parsed as a float.
func (v Value) AsFloat64() (float64, bool) {
	if v.N == nil {
		return 0, false
	}
	f, err := strconv.ParseFloat(*v.N, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// AsBool returns the boolean variant.
func (v Value) AsBool() (bool, bool) {
	if v.Bool == nil {
		return false, false
	}
	return *v.Bool, true
}

// AsMap returns the map variant.
func (v Value) AsMap() (map[string]Value, bool) {
	if v.M == nil {
		return nil, false
	}
	return v.M, true
}

// AsList returns the list variant.
func (v Value) AsList() ([]Value, bool) {
	if v.L == nil {
		return nil, false
	}
	return v.L, true
}

// ToNative recursively converts the value into native Go types: string,
// float64, bool, nil, map[string]interface{}, or []interface{}.
func (v Value) ToNative() interface{} {
	switch {
	case v.S != nil:
		return *v.S
	case v.N != nil:
		if f, err := strconv.ParseFloat(*v.N, 64); err == nil {
			return f
		}
		return *v.N
	case v.Bool != nil:
		return *v.Bool
	case v.M != nil:
		m := make(map[string]interface{}, len(v.M))
		for k, inner := range v.M {
			m[k] = inner.ToNative()
		}
		return m
	case v.L != nil:
		l := make([]interface{}, len(v.L))
		for i, inner := range v.L {
			l[i] = inner.ToNative()
		}
		return l
	default:
		return nil
	}
}

// NativeMap converts an image into a native map. Nil images yield nil.
func NativeMap(image map[string]Value) map[string]interface{} {
	if image == nil {
		return nil
	}
	m := make(map[string]interface{}, len(image))
	for k, v := range image {
		m[k] = v.ToNative()
	}
	return m
}

// StringValue builds a string Value.
func StringValue(s string) Value {
	return Value{S: &s}
}

// NumberValue builds a number Value from an integer.
func NumberValue(n int64) Value {
	s := strconv.FormatInt(n, 10)
	return Value{N: &s}
}

// FloatValue builds a number Value from a float.
func FloatValue(f float64) Value {
	s := strconv.FormatFloat(f, 'g', -1, 64)
	return Value{N: &s}
}

// BoolValue builds a boolean Value.
func BoolValue(b bool) Value {
	return Value{Bool: &b}
}

// NullValue builds a null Value.
func NullValue() Value {
	return Value{Null: true}
}

// FromNative recursively converts a native Go value into a Value.
// Unsupported types are rendered through fmt.Sprint as strings.
func FromNative(v interface{}) Value {
	switch t := v.(type) {
	case nil:
		return NullValue()
	case string:
		return StringValue(t)
	case bool:
		return BoolValue(t)
	case int:
		return NumberValue(int64(t))
	case int64:
		return NumberValue(t)
	case float64:
		return FloatValue(t)
	case map[string]interface{}:
		m := make(map[string]Value, len(t))
		// Deterministic iteration keeps encoded images stable for tests.
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			m[k] = FromNative(t[k])
		}
		return Value{M: m}
	case []interface{}:
		l := make([]Value, len(t))
		for i, inner := range t {
			l[i] = FromNative(inner)
		}
		return Value{L: l}
	default:
		return StringValue(fmt.Sprint(t))
	}
}
