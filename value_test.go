package tabkv

import (
	"context"
	"encoding/json"
	"math"
	"testing"
)

func TestValueBasics(t *testing.T) {
	deepEqual(t, Null().IsNull(), true)
	deepEqual(t, Value{}, Null())
	deepEqual(t, Int(3), Number(3))
	deepEqual(t, String("x").Kind(), KindString)
	deepEqual(t, Bool(true).String(), "true")
	deepEqual(t, Number(1.5).String(), "1.5")
	deepEqual(t, Number(1e21).String(), "1e+21")
	deepEqual(t, Number(-0.000001).String(), "-0.000001")
	deepEqual(t, Null().String(), "null")
	deepEqual(t, Number(2).Any(), any(2.0))
}

func TestValueOf(t *testing.T) {
	for _, tt := range []struct {
		in   any
		want Value
	}{
		{nil, Null()},
		{"s", String("s")},
		{true, Bool(true)},
		{int8(-3), Int(-3)},
		{uint32(7), Number(7)},
		{float32(0.5), Number(0.5)},
		{json.Number("12.5"), Number(12.5)},
	} {
		deepEqual(t, must(ValueOf(tt.in)), tt.want)
	}
	_, err := ValueOf([]int{1})
	errIs(t, err, ErrInvalidInput)
	_, err = ValueOf(json.Number("x"))
	errIs(t, err, ErrInvalidInput)
}

func TestRowFromJSON(t *testing.T) {
	row := must(RowFromJSON([]byte(` {"a":1,"b":"x","c":true,"d":null,"e":-2.5} `)))
	deepEqual(t, row, Row{"a": Int(1), "b": String("x"), "c": Bool(true), "d": Null(), "e": Number(-2.5)})

	for _, body := range []string{"", "null", "[]", `"x"`, `{"a":[1]}`, `{"a":{"b":1}}`, `{"a":`} {
		_, err := RowFromJSON([]byte(body))
		errIs(t, err, ErrInvalidInput)
	}
}

func TestRowCodecs(t *testing.T) {
	row := Row{
		"int":   Int(-42),
		"big":   Number(1 << 60),
		"frac":  Number(math.Pi),
		"str":   String("héllo\x00"),
		"bool":  Bool(false),
		"null":  Null(),
		"empty": String(""),
	}
	for _, enc := range []Encoding{MsgPack, JSON} {
		raw := must(enc.EncodeValue(nil, row))
		var back Row
		noErr(t, decodeValue(raw, &back))
		deepEqual(t, back, row)
	}
}

func TestMsgpackIsDeterministic(t *testing.T) {
	a := Row{"a": Int(1), "b": Int(2), "c": Int(3), "d": Int(4)}
	first := must(MsgPack.EncodeValue(nil, a))
	for range 10 {
		deepEqual(t, must(MsgPack.EncodeValue(nil, a.Clone())), first)
	}
}

func TestDecodeGarbage(t *testing.T) {
	var row Row
	err := decodeValue([]byte{0xc1}, &row)
	if err == nil {
		t.Fatalf("** decoded garbage")
	}
	if _, ok := err.(*DataError); !ok {
		t.Errorf("** got %T, wanted *DataError", err)
	}
}

func TestParseEncoding(t *testing.T) {
	deepEqual(t, must(ParseEncoding("")), MsgPack)
	deepEqual(t, must(ParseEncoding("JSON")), JSON)
	if _, err := ParseEncoding("cbor"); err == nil {
		t.Errorf("** accepted cbor")
	}
	deepEqual(t, JSON.String(), "json")
}

func TestRowMap(t *testing.T) {
	row := MustRow(map[string]any{"a": 1, "b": "x", "c": nil})
	deepEqual(t, row.Map(), map[string]any{"a": 1.0, "b": "x", "c": nil})
}

func TestUnsupportedEncodingFails(t *testing.T) {
	_, err := Encoding(7).EncodeValue(nil, Row{"a": Int(1)})
	errIs(t, err, ErrInvalidInput)
	deepEqual(t, err.Error(), "invalid input: unsupported encoding(7)")

	db := setup(t, Options{Encoding: Encoding(7)})
	_, err = db.CreateTable(context.Background(), testTenant, "t", TableMetadata{Name: "t"})
	errIs(t, err, ErrInvalidInput)
	_, err = db.ListTables(context.Background(), testTenant)
	noErr(t, err)
}
