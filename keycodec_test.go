package tabkv

import (
	"bytes"
	"slices"
	"testing"
)

func TestKeyFraming(t *testing.T) {
	deepEqual(t, RowKey("t", "u", "1"), x("72 74 0001 75 0001 31 0001"))
	deepEqual(t, RowKey("t\x00", "u", "1"), x("72 74 00ff 0001 75 0001 31 0001"))
	deepEqual(t, MetaKey("t", "u"), x("6d 74 0001 75 0001"))
	deepEqual(t, IndexKey("t", "u", "i", "k", "1"), x("78 74 0001 75 0001 69 0001 6b 0001 31 0001"))
}

func TestKeyOrderMatchesComponentOrder(t *testing.T) {
	ids := []string{"", "\x00", "\x00\x00", "\x00a", "\x01", "a", "a\x00", "a\x00b", "a\x01", "aa", "ab", "b", "\xff", "\xff\xff"}
	var keys [][]byte
	for _, id := range ids {
		keys = append(keys, RowKey("t", "u", id))
	}
	if !slices.IsSortedFunc(keys, bytes.Compare) {
		t.Errorf("** row keys are not ordered like their ids")
	}
	for i := range keys {
		for j := range keys {
			if i != j && bytes.HasPrefix(keys[j], keys[i]) {
				t.Errorf("** key for %q is a prefix of key for %q", ids[i], ids[j])
			}
		}
	}
}

func TestComponentsCannotForgeBoundaries(t *testing.T) {
	// a table id containing the terminator must not land inside another table
	forged := RowKey("t", "u\x00\x01x", "1")
	r := RowRange("t", "u")
	if r.contains(forged) {
		t.Errorf("** forged key %x falls inside %x..%x", forged, r.Lower, r.Upper)
	}
	if !r.contains(RowKey("t", "u", "\x00\x01x")) {
		t.Errorf("** row with terminator bytes in its id falls outside its table")
	}

	ir := IndexPrefixRange("t", "u", "by", "")
	if ir.contains(IndexKey("t", "u", "byX", "a", "1")) {
		t.Errorf("** index range of by covers byX")
	}
	if !ir.contains(IndexKey("t", "u", "by", "a", "1")) {
		t.Errorf("** index range of by misses its own entry")
	}
}

func TestIndexPrefixRange(t *testing.T) {
	r := IndexPrefixRange("t", "u", "i", "ab")
	for _, k := range []string{"ab", "abc", "ab#x", "ab\x00"} {
		if !r.contains(IndexKey("t", "u", "i", k, "1")) {
			t.Errorf("** prefix ab misses %q", k)
		}
	}
	for _, k := range []string{"a", "aa", "b", "ac"} {
		if r.contains(IndexKey("t", "u", "i", k, "1")) {
			t.Errorf("** prefix ab covers %q", k)
		}
	}
}

func TestRowRangeBetween(t *testing.T) {
	r := RowRangeBetween("t", "u", "b", "d")
	for id, want := range map[string]bool{"a": false, "b": false, "b\x00": true, "c": true, "d": true, "d\x00": false, "e": false} {
		if got := r.contains(RowKey("t", "u", id)); got != want {
			t.Errorf("** contains(%q) = %v, wanted %v", id, got, want)
		}
	}
}

func TestPrefixEnd(t *testing.T) {
	deepEqual(t, prefixEnd(x("01 02")), x("01 03"))
	deepEqual(t, prefixEnd(x("01 ff")), x("02"))
	deepEqual(t, prefixEnd(x("ff ff")), []byte(nil))
	deepEqual(t, successor(x("01")), x("01 00"))
}

func TestDecodeKeys(t *testing.T) {
	tenant, table, row, err := DecodeRowKey(RowKey("t\x00x", "", "r\x00"))
	noErr(t, err)
	deepEqual(t, []string{tenant, table, row}, []string{"t\x00x", "", "r\x00"})

	tenant, table, err = DecodeMetaKey(MetaKey("a", "b"))
	noErr(t, err)
	deepEqual(t, tenant+"/"+table, "a/b")

	parts, err := DecodeIndexKey(IndexKey("a", "b", "c", "d#e", "f"))
	noErr(t, err)
	deepEqual(t, parts, IndexKeyParts{"a", "b", "c", "d#e", "f"})

	for _, bad := range [][]byte{
		nil,
		MetaKey("a", "b"),
		x("72 61 0001 62"),
		x("72 61 0002"),
		append(RowKey("a", "b", "c"), 'z'),
	} {
		if _, _, _, err := DecodeRowKey(bad); err == nil {
			t.Errorf("** decoded invalid row key %x", bad)
		}
	}
}
