package rediskv

import (
	"context"
	"testing"

	"github.com/andreyvit/tabkv"
)

func TestIteratorSkipsKeysDeletedBeforeHMGET(t *testing.T) {
	it := &iterator{
		ctx:  context.Background(),
		opt:  tabkv.IterOptions{},
		keys: []string{"a", "b", "c", "d"},
		vals: []any{"1", nil, "3", nil},
		pos:  -1,
		done: true,
	}
	var got []string
	for it.Next() {
		got = append(got, string(it.Key())+"="+string(it.Value()))
	}
	if err := it.Err(); err != nil {
		t.Fatal(err)
	}
	if a, e := len(got), 2; a != e {
		t.Fatalf("** got %v, wanted [a=1 c=3]", got)
	}
	if got[0] != "a=1" || got[1] != "c=3" {
		t.Errorf("** got %v, wanted [a=1 c=3]", got)
	}
}

func TestIteratorKeysOnlyKeepsEveryKey(t *testing.T) {
	it := &iterator{
		ctx:  context.Background(),
		opt:  tabkv.IterOptions{KeysOnly: true},
		keys: []string{"a", "b"},
		pos:  -1,
		done: true,
	}
	var n int
	for it.Next() {
		n++
	}
	if n != 2 {
		t.Errorf("** got %d keys, wanted 2", n)
	}
}
