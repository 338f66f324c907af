package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
)

// ValueType is the explicit type tag carried by every memory value.
type ValueType string

const (
	TypeString  ValueType = "string"
	TypeInteger ValueType = "integer"
	TypeFloat   ValueType = "float"
	TypeBoolean ValueType = "boolean"
	TypeArray   ValueType = "array"
	TypeObject  ValueType = "object"
)

// Valid reports whether t is one of the supported tags.
func (t ValueType) Valid() bool {
	switch t {
	case TypeString, TypeInteger, TypeFloat, TypeBoolean, TypeArray, TypeObject:
		return true
	}
	return false
}

// Value is a typed memory value. V holds string, int64, float64, bool,
// []any or map[string]any according to Type. Numbers nested inside arrays
// and objects are always float64.
type Value struct {
	Type ValueType
	V    any
}

func String(s string) Value { return Value{Type: TypeString, V: s} }
func Int(i int64) Value { return Value{Type: TypeInteger, V: i} }
func Float(f float64) Value { return Value{Type: TypeFloat, V: f} }
func Bool(b bool) Value { return Value{Type: TypeBoolean, V: b} }
func Array(a []any) Value { return Value{Type: TypeArray, V: normalize(a)} }
func Object(o map[string]any) Value {
	return Value{Type: TypeObject, V: normalize(o)}
}

// ValueOf infers a Value from a Go value.
func ValueOf(x any) (Value, error) {
	switch v := x.(type) {
	case Value:
		return v, nil
	case string:
		return String(v), nil
	case bool:
		return Bool(v), nil
	case int:
		return Int(int64(v)), nil
	case int32:
		return Int(int64(v)), nil
	case int64:
		return Int(v), nil
	case uint32:
		return Int(int64(v)), nil
	case float32:
		return Float(float64(v)), nil
	case float64:
		return Float(v), nil
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return Int(i), nil
		}
		f, err := v.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("invalid number %q", v)
		}
		return Float(f), nil
	case []any:
		return Array(v), nil
	case map[string]any:
		return Object(v), nil
	case nil:
		return Value{}, fmt.Errorf("null is not a memory value")
	}
	return Value{}, fmt.Errorf("unsupported memory value type %T", x)
}

// Validate checks that V matches Type.
func (v Value) Validate() error {
	if !v.Type.Valid() {
		return fmt.Errorf("unknown value type %q", v.Type)
	}
	ok := false
	switch v.Type {
	case TypeString:
		_, ok = v.V.(string)
	case TypeInteger:
		_, ok = v.V.(int64)
	case TypeFloat:
		var f float64
		f, ok = v.V.(float64)
		if ok && (math.IsNaN(f) || math.IsInf(f, 0)) {
			return fmt.Errorf("float value must be finite")
		}
	case TypeBoolean:
		_, ok = v.V.(bool)
	case TypeArray:
		_, ok = v.V.([]any)
	case TypeObject:
		_, ok = v.V.(map[string]any)
	}
	if !ok {
		return fmt.Errorf("value %T does not match type %s", v.V, v.Type)
	}
	return nil
}

// Encode returns the JSON encoding of the bare value, without the type tag.
func (v Value) Encode() ([]byte, error) {
	if err := v.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(v.V)
}

// DecodeValue reverses Encode for the given type tag.
func DecodeValue(t ValueType, raw []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var x any
	if err := dec.Decode(&x); err != nil {
		return Value{}, fmt.Errorf("decode %s value: %w", t, err)
	}
	return coerce(t, x)
}

func coerce(t ValueType, x any) (Value, error) {
	switch t {
	case TypeString:
		if s, ok := x.(string); ok {
			return String(s), nil
		}
	case TypeInteger:
		if n, ok := x.(json.Number); ok {
			i, err := n.Int64()
			if err != nil {
				return Value{}, fmt.Errorf("integer value %q: %w", n, err)
			}
			return Int(i), nil
		}
	case TypeFloat:
		if n, ok := x.(json.Number); ok {
			f, err := n.Float64()
			if err != nil {
				return Value{}, fmt.Errorf("float value %q: %w", n, err)
			}
			return Float(f), nil
		}
	case TypeBoolean:
		if b, ok := x.(bool); ok {
			return Bool(b), nil
		}
	case TypeArray:
		if a, ok := x.([]any); ok {
			return Array(a), nil
		}
	case TypeObject:
		if o, ok := x.(map[string]any); ok {
			return Object(o), nil
		}
	default:
		return Value{}, fmt.Errorf("unknown value type %q", t)
	}
	return Value{}, fmt.Errorf("stored value %T does not match type %s", x, t)
}

// normalize converts nested numbers to float64 so arrays and objects
// compare equal after a JSON round trip.
func normalize[T any](x T) T {
	return normalizeAny(x).(T)
}

func normalizeAny(x any) any {
	switch v := x.(type) {
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = normalizeAny(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, e := range v {
			out[k] = normalizeAny(e)
		}
		return out
	case json.Number:
		f, _ := v.Float64()
		return f
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case int32:
		return float64(v)
	case float32:
		return float64(v)
	}
	return x
}

// Equal compares type tag and value.
func (v Value) Equal(o Value) bool {
	return v.Type == o.Type && reflect.DeepEqual(v.V, o.V)
}

// MarshalJSON encodes the value as {"type": ..., "value": ...}.
func (v Value) MarshalJSON() ([]byte, error) {
	raw, err := v.Encode()
	if err != nil {
		return nil, err
	}
	return json.Marshal(struct {
		Type  ValueType       `json:"type"`
		Value json.RawMessage `json:"value"`
	}{v.Type, raw})
}

// UnmarshalJSON accepts the tagged form. A bare JSON value is accepted too and
// its type inferred, which is what interpreters usually send.
func (v *Value) UnmarshalJSON(data []byte) error {
	var tagged struct {
		Type  ValueType       `json:"type"`
		Value json.RawMessage `json:"value"`
	}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		if err := json.Unmarshal(trimmed, &tagged); err == nil && tagged.Type.Valid() && tagged.Value != nil {
			decoded, err := DecodeValue(tagged.Type, tagged.Value)
			if err != nil {
				return err
			}
			*v = decoded
			return nil
		}
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var x any
	if err := dec.Decode(&x); err != nil {
		return err
	}
	inferred, err := ValueOf(x)
	if err != nil {
		return err
	}
	*v = inferred
	return nil
}
