package tabkv

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"math"
	"strconv"

	"github.com/vmihailenco/msgpack/v5"
)

type Kind uint8

const (
	KindNull Kind = iota
	KindString
	KindNumber
	KindBool
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
	default:
		return fmt.Sprintf("invalid kind %d", int(k))
	}
}

// Value is a scalar field value: null, string, number or bool. The zero Value
// is null. Values are comparable with ==.
type Value struct {
	kind Kind
	s    string
	n    float64
	b    bool
}

func Null() Value            { return Value{} }
func String(s string) Value  { return Value{kind: KindString, s: s} }
func Number(n float64) Value { return Value{kind: KindNumber, n: n} }
func Int(n int64) Value      { return Value{kind: KindNumber, n: float64(n)} }
func Bool(b bool) Value      { return Value{kind: KindBool, b: b} }
func (v Value) Kind() Kind   { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }

func (v Value) AsString() (string, bool)  { return v.s, v.kind == KindString }
func (v Value) AsNumber() (float64, bool) { return v.n, v.kind == KindNumber }
func (v Value) AsBool() (bool, bool)      { return v.b, v.kind == KindBool }

// Any returns the value as nil, string, float64 or bool.
func (v Value) Any() any {
	switch v.kind {
	case KindString:
		return v.s
	case KindNumber:
		return v.n
	case KindBool:
		return v.b
	default:
		return nil
	}
}

func (v Value) String() string {
	if s, ok := v.text(); ok {
		return s
	}
	return "null"
}

// text is the form used inside composite index keys. Null has none.
func (v Value) text() (string, bool) {
	switch v.kind {
	case KindString:
		return v.s, true
	case KindNumber:
		return formatNumber(v.n), true
	case KindBool:
		return strconv.FormatBool(v.b), true
	default:
		return "", false
	}
}

func formatNumber(n float64) string {
	if math.Abs(n) < 1e21 {
		return strconv.FormatFloat(n, 'f', -1, 64)
	}
	return strconv.FormatFloat(n, 'g', -1, 64)
}

// ValueOf converts a Go scalar into a Value.
func ValueOf(x any) (Value, error) {
	switch x := x.(type) {
	case nil:
		return Null(), nil
	case Value:
		return x, nil
	case string:
		return String(x), nil
	case bool:
		return Bool(x), nil
	case float64:
		return Number(x), nil
	case float32:
		return Number(float64(x)), nil
	case int:
		return Int(int64(x)), nil
	case int8:
		return Int(int64(x)), nil
	case int16:
		return Int(int64(x)), nil
	case int32:
		return Int(int64(x)), nil
	case int64:
		return Int(x), nil
	case uint:
		return Number(float64(x)), nil
	case uint8:
		return Number(float64(x)), nil
	case uint16:
		return Number(float64(x)), nil
	case uint32:
		return Number(float64(x)), nil
	case uint64:
		return Number(float64(x)), nil
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return Value{}, invalidf("number %q: %v", x, err)
		}
		return Number(f), nil
	default:
		return Value{}, invalidf("unsupported field value of type %T", x)
	}
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindString:
		return json.Marshal(v.s)
	case KindNumber:
		return json.Marshal(v.n)
	case KindBool:
		return json.Marshal(v.b)
	default:
		return []byte("null"), nil
	}
}

func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var x any
	if err := dec.Decode(&x); err != nil {
		return err
	}
	if _, ok := x.(map[string]any); ok {
		return invalidf("nested objects are not supported as field values")
	}
	if _, ok := x.([]any); ok {
		return invalidf("arrays are not supported as field values")
	}
	nv, err := ValueOf(x)
	if err != nil {
		return err
	}
	*v = nv
	return nil
}

var (
	_ msgpack.CustomEncoder = Value{}
	_ msgpack.CustomDecoder = (*Value)(nil)
)

func (v Value) EncodeMsgpack(enc *msgpack.Encoder) error {
	switch v.kind {
	case KindString:
		return enc.EncodeString(v.s)
	case KindNumber:
		if v.n == math.Trunc(v.n) && math.Abs(v.n) < 1<<53 {
			return enc.EncodeInt(int64(v.n))
		}
		return enc.EncodeFloat64(v.n)
	case KindBool:
		return enc.EncodeBool(v.b)
	default:
		return enc.EncodeNil()
	}
}

func (v *Value) DecodeMsgpack(dec *msgpack.Decoder) error {
	x, err := dec.DecodeInterfaceLoose()
	if err != nil {
		return err
	}
	switch x := x.(type) {
	case []byte:
		*v = String(string(x))
		return nil
	case int64:
		*v = Int(x)
		return nil
	case uint64:
		*v = Number(float64(x))
		return nil
	}
	nv, err := ValueOf(x)
	if err != nil {
		return err
	}
	*v = nv
	return nil
}

// Row is a flat record: field name to scalar value.
type Row map[string]Value

// RowFromJSON decodes a flat JSON object.
func RowFromJSON(body []byte) (Row, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 || body[0] != '{' {
		return nil, invalidf("row body must be a JSON object")
	}
	var row Row
	if err := json.Unmarshal(body, &row); err != nil {
		if isInvalidInput(err) {
			return nil, err
		}
		return nil, invalidf("row body: %v", err)
	}
	return row, nil
}

// RowFromMap converts a map of Go scalars into a Row.
func RowFromMap(m map[string]any) (Row, error) {
	row := make(Row, len(m))
	for k, x := range m {
		v, err := ValueOf(x)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		row[k] = v
	}
	return row, nil
}

// MustRow is RowFromMap that panics on error; handy for literals.
func MustRow(m map[string]any) Row {
	return must(RowFromMap(m))
}

func (r Row) Clone() Row {
	return maps.Clone(r)
}

// Map returns the row as plain Go values.
func (r Row) Map() map[string]any {
	m := make(map[string]any, len(r))
	for k, v := range r {
		m[k] = v.Any()
	}
	return m
}
