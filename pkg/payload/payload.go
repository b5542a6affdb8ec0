// Package payload models the schema-less record payloads fetched from the
// source. Values are a closed tagged union rather than untyped maps so that
// deep equality and fingerprinting are well-defined.
package payload

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Kind enumerates the value variants a payload field can hold.
type Kind int

const (
	KindNull Kind = iota
	KindString
	KindNumber
	KindBool
	KindObject
	KindArray
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindObject:
		return "object"
	case KindArray:
		return "array"
	default:
		return "unknown"
	}
}

// Value is one tagged payload value. The zero Value is JSON null.
type Value struct {
	kind Kind
	str  string // string content, or the numeric literal for KindNumber
	b    bool
	obj  map[string]Value
	arr  []Value
}

// Constructors.

func Null() Value { return Value{kind: KindNull} }

func String(s string) Value { return Value{kind: KindString, str: s} }

func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

func Object(m map[string]Value) Value { return Value{kind: KindObject, obj: m} }

func Array(vs []Value) Value { return Value{kind: KindArray, arr: vs} }

// Number builds a numeric value from its JSON literal. The literal is kept
// verbatim so large source identifiers survive without float rounding.
func Number(literal string) Value {
	return Value{kind: KindNumber, str: literal}
}

// Kind returns the variant tag.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether the value is JSON null.
func (v Value) IsNull() bool { return v.kind == KindNull }

// Text returns the value rendered as a plain string: string content for
// strings, the literal for numbers, "true"/"false" for booleans. Natural
// keys are extracted through this so numeric ids and business numbers
// compare uniformly.
func (v Value) Text() string {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return v.str
	case KindBool:
		if v.b {
			return "true"
		}
		return "false"
	default:
		return ""
	}
}

// Field returns a member of an object value.
func (v Value) Field(name string) (Value, bool) {
	if v.kind != KindObject {
		return Value{}, false
	}
	child, ok := v.obj[name]
	return child, ok
}

// Items returns the elements of an array value.
func (v Value) Items() []Value {
	return v.arr
}

// UnmarshalJSON parses an arbitrary JSON value into the tagged form.
func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	parsed, err := fromAny(raw)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// MarshalJSON renders the canonical serialization.
func (v Value) MarshalJSON() ([]byte, error) {
	var sb strings.Builder
	v.canonicalize(&sb)
	return []byte(sb.String()), nil
}

func fromAny(raw any) (Value, error) {
	switch t := raw.(type) {
	case nil:
		return Null(), nil
	case string:
		return String(t), nil
	case bool:
		return Bool(t), nil
	case json.Number:
		return Number(t.String()), nil
	case map[string]any:
		obj := make(map[string]Value, len(t))
		for key, member := range t {
			parsed, err := fromAny(member)
			if err != nil {
				return Value{}, err
			}
			obj[key] = parsed
		}
		return Object(obj), nil
	case []any:
		arr := make([]Value, 0, len(t))
		for _, member := range t {
			parsed, err := fromAny(member)
			if err != nil {
				return Value{}, err
			}
			arr = append(arr, parsed)
		}
		return Array(arr), nil
	default:
		return Value{}, fmt.Errorf("unsupported JSON value %T", raw)
	}
}

// canonicalize writes a deterministic serialization: object keys sorted,
// numeric literals verbatim, no insignificant whitespace.
func (v Value) canonicalize(sb *strings.Builder) {
	switch v.kind {
	case KindNull:
		sb.WriteString("null")
	case KindString:
		encoded, _ := json.Marshal(v.str)
		sb.Write(encoded)
	case KindNumber:
		sb.WriteString(v.str)
	case KindBool:
		if v.b {
			sb.WriteString("true")
		} else {
			sb.WriteString("false")
		}
	case KindObject:
		keys := make([]string, 0, len(v.obj))
		for key := range v.obj {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		sb.WriteByte('{')
		for i, key := range keys {
			if i > 0 {
				sb.WriteByte(',')
			}
			encoded, _ := json.Marshal(key)
			sb.Write(encoded)
			sb.WriteByte(':')
			v.obj[key].canonicalize(sb)
		}
		sb.WriteByte('}')
	case KindArray:
		sb.WriteByte('[')
		for i, member := range v.arr {
			if i > 0 {
				sb.WriteByte(',')
			}
			member.canonicalize(sb)
		}
		sb.WriteByte(']')
	}
}

// Canonical returns the deterministic serialization of the value.
func (v Value) Canonical() string {
	var sb strings.Builder
	v.canonicalize(&sb)
	return sb.String()
}

// Equal reports deep equality between two values.
func Equal(a, b Value) bool {
	return a.Canonical() == b.Canonical()
}

// Payload is one record's full attribute set.
type Payload struct {
	root Value
}

// Parse decodes raw JSON into a payload. The top level must be an object.
func Parse(data []byte) (Payload, error) {
	var v Value
	if err := json.Unmarshal(data, &v); err != nil {
		return Payload{}, fmt.Errorf("invalid payload: %w", err)
	}
	if v.Kind() != KindObject {
		return Payload{}, fmt.Errorf("invalid payload: expected object, got %s", v.Kind())
	}
	return Payload{root: v}, nil
}

// Field returns a top-level payload field.
func (p Payload) Field(name string) (Value, bool) {
	return p.root.Field(name)
}

// Canonical returns the payload's deterministic serialization.
func (p Payload) Canonical() string {
	return p.root.Canonical()
}

// Equal reports deep equality between two payloads.
func (p Payload) Equal(other Payload) bool {
	return p.Canonical() == other.Canonical()
}
