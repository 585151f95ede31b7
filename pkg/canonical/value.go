// Package canonical implements the deterministic JSON encoding used for every
// hash in the audit ledger.
//
// Both the integrity chain and the Merkle leaf hasher encode events through
// Encode, so a payload always produces the same bytes on the recorder, the
// snapshot builder, the proof generator and any client that re-derives a leaf.
//
// Encoding rules:
//   - object keys sorted by byte order, separators "," and ":" with no spaces
//   - strings are UTF-8 JSON strings; HTML characters are not escaped
//   - whole numbers are written as plain decimal digits at any magnitude,
//     however they were spelled: 1e21, 1000000000000000000000.0 and
//     1000000000000000000000 encode alike
//   - other numbers use the shortest round-trip form of a float64
//     ('g' format, e.g. 1.5, 1.5e-07); NaN and Inf are rejected
package canonical

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/big"
	"sort"
	"strconv"
	"strings"
)

// ErrUnsupported is returned when a Go value has no canonical representation.
var ErrUnsupported = errors.New("canonical: unsupported value")

// Kind identifies the variant held by a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindList
	KindMap
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	}
	return "unknown"
}

// Value is an immutable JSON-like tree: null, bool, number, string, list or map.
// The zero Value is null.
type Value struct {
	kind Kind
	b    bool
	num  string // canonical number text
	str  string
	list []Value
	m    map[string]Value
}

// Null returns the null value.
func Null() Value { return Value{} }

// Bool wraps a boolean.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// String wraps a string.
func String(s string) Value { return Value{kind: KindString, str: s} }

// Int wraps an integer.
func Int(n int64) Value { return Value{kind: KindNumber, num: strconv.FormatInt(n, 10)} }

// Float wraps a float64. NaN and infinities are rejected.
func Float(f float64) (Value, error) {
	num, err := formatFloat(f)
	if err != nil {
		return Value{}, err
	}
	return Value{kind: KindNumber, num: num}, nil
}

// List wraps a sequence of values.
func List(items ...Value) Value {
	cp := make([]Value, len(items))
	copy(cp, items)
	return Value{kind: KindList, list: cp}
}

// Map wraps a string-keyed mapping.
func Map(fields map[string]Value) Value {
	cp := make(map[string]Value, len(fields))
	for k, v := range fields {
		cp[k] = v
	}
	return Value{kind: KindMap, m: cp}
}

// Kind reports which variant v holds.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether v is null.
func (v Value) IsNull() bool { return v.kind == KindNull }

// Get returns the field named key of a map value.
func (v Value) Get(key string) (Value, bool) {
	if v.kind != KindMap {
		return Value{}, false
	}
	f, ok := v.m[key]
	return f, ok
}

// Items returns a copy of the elements of a list value.
func (v Value) Items() []Value {
	if v.kind != KindList {
		return nil
	}
	cp := make([]Value, len(v.list))
	copy(cp, v.list)
	return cp
}

// Text returns the string content of a string value, or the canonical digits
// of a number value.
func (v Value) Text() string {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return v.num
	}
	return ""
}

// With returns a copy of map value v with key set to field. Non-map values
// are treated as an empty map.
func (v Value) With(key string, field Value) Value {
	out := make(map[string]Value, len(v.m)+1)
	if v.kind == KindMap {
		for k, f := range v.m {
			out[k] = f
		}
	}
	out[key] = field
	return Value{kind: KindMap, m: out}
}

// FromAny converts a decoded JSON tree or ordinary Go value into a Value.
// Structs and other types are round-tripped through encoding/json first.
func FromAny(x any) (Value, error) {
	switch val := x.(type) {
	case nil:
		return Null(), nil
	case Value:
		return val, nil
	case bool:
		return Bool(val), nil
	case string:
		return String(val), nil
	case json.Number:
		return numberFromText(val.String())
	case float64:
		return Float(val)
	case float32:
		return Float(float64(val))
	case int:
		return Int(int64(val)), nil
	case int8:
		return Int(int64(val)), nil
	case int16:
		return Int(int64(val)), nil
	case int32:
		return Int(int64(val)), nil
	case int64:
		return Int(val), nil
	case uint:
		return Value{kind: KindNumber, num: strconv.FormatUint(uint64(val), 10)}, nil
	case uint8:
		return Int(int64(val)), nil
	case uint16:
		return Int(int64(val)), nil
	case uint32:
		return Int(int64(val)), nil
	case uint64:
		return Value{kind: KindNumber, num: strconv.FormatUint(val, 10)}, nil
	case []any:
		items := make([]Value, 0, len(val))
		for i, item := range val {
			cv, err := FromAny(item)
			if err != nil {
				return Value{}, fmt.Errorf("index %d: %w", i, err)
			}
			items = append(items, cv)
		}
		return Value{kind: KindList, list: items}, nil
	case map[string]any:
		fields := make(map[string]Value, len(val))
		for k, item := range val {
			cv, err := FromAny(item)
			if err != nil {
				return Value{}, fmt.Errorf("key %q: %w", k, err)
			}
			fields[k] = cv
		}
		return Value{kind: KindMap, m: fields}, nil
	case map[string]string:
		fields := make(map[string]Value, len(val))
		for k, s := range val {
			fields[k] = String(s)
		}
		return Value{kind: KindMap, m: fields}, nil
	default:
		raw, err := json.Marshal(val)
		if err != nil {
			return Value{}, fmt.Errorf("%w: %T: %v", ErrUnsupported, x, err)
		}
		return Parse(raw)
	}
}

// Parse decodes JSON bytes into a Value, preserving integer precision.
func Parse(data []byte) (Value, error) {
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.UseNumber()
	var decoded any
	if err := dec.Decode(&decoded); err != nil {
		return Value{}, fmt.Errorf("canonical: decode: %w", err)
	}
	if dec.More() {
		return Value{}, fmt.Errorf("canonical: trailing data after JSON value")
	}
	return FromAny(decoded)
}

// MarshalJSON implements json.Marshaler using the canonical encoding.
func (v Value) MarshalJSON() ([]byte, error) {
	return Encode(v), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *Value) UnmarshalJSON(data []byte) error {
	parsed, err := Parse(data)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// Equal reports whether a and b encode to the same canonical bytes.
func Equal(a, b Value) bool {
	return string(Encode(a)) == string(Encode(b))
}

func numberFromText(s string) (Value, error) {
	if !strings.ContainsAny(s, ".eE") {
		n, ok := new(big.Int).SetString(s, 10)
		if !ok {
			return Value{}, fmt.Errorf("%w: number %q", ErrUnsupported, s)
		}
		return Value{kind: KindNumber, num: n.String()}, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return Value{}, fmt.Errorf("%w: number %q", ErrUnsupported, s)
	}
	// Whole numbers written with a fraction or exponent ("2.0", "1e21")
	// encode as the exact integer, the same as their plain-digit spelling.
	if f != 0 && f == math.Trunc(f) && len(s) <= maxExactNumberLen {
		if r, ok := new(big.Rat).SetString(s); ok && r.IsInt() {
			return Value{kind: KindNumber, num: r.Num().String()}, nil
		}
	}
	return Float(f)
}

// maxExactNumberLen bounds the text handed to big.Rat, whose cost grows
// with the exponent.
const maxExactNumberLen = 512

// formatFloat writes integral floats as plain digits at any magnitude, using
// the shortest digits that round-trip (1e23 encodes as 1 and 23 zeros).
// Fractions use the shortest 'g' form.
func formatFloat(f float64) (string, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "", fmt.Errorf("%w: %v", ErrUnsupported, f)
	}
	if f == math.Trunc(f) {
		if f == 0 {
			return "0", nil
		}
		return strconv.FormatFloat(f, 'f', -1, 64), nil
	}
	return strconv.FormatFloat(f, 'g', -1, 64), nil
}

func sortedKeys(m map[string]Value) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
