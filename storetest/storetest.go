// Package storetest checks that a tabkv.Store honours the store contract.
package storetest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"

	"github.com/andreyvit/tabkv"
)

// Run exercises a Store produced by open. Each subtest gets a fresh store.
func Run(t *testing.T, open func(t *testing.T) tabkv.Store) {
	tests := []struct {
		name string
		f    func(t *testing.T, s tabkv.Store)
	}{
		{"get_missing", testGetMissing},
		{"put_get", testPutGet},
		{"overwrite", testOverwrite},
		{"delete", testDelete},
		{"batch_order", testBatchOrder},
		{"iterate_order", testIterateOrder},
		{"iterate_bounds", testIterateBounds},
		{"iterate_keys_only", testIterateKeysOnly},
		{"delete_during_iteration", testDeleteDuringIteration},
		{"iterate_binary_keys", testIterateBinaryKeys},
		{"empty_value", testEmptyValue},
		{"canceled", testCanceled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := open(t)
			t.Cleanup(func() { s.Close() })
			tt.f(t, s)
		})
	}
}

func testGetMissing(t *testing.T, s tabkv.Store) {
	_, err := s.Get(context.Background(), []byte("nope"))
	if !errors.Is(err, tabkv.ErrKeyNotFound) {
		t.Errorf("** Get(missing) = %v, wanted ErrKeyNotFound", err)
	}
}

func testPutGet(t *testing.T, s tabkv.Store) {
	ctx := context.Background()
	Write(t, s, tabkv.PutOp([]byte("a"), []byte("1")), tabkv.PutOp([]byte("b"), []byte("2")))
	GetEq(t, s, "a", "1")
	GetEq(t, s, "b", "2")
	_, err := s.Get(ctx, []byte("c"))
	if !errors.Is(err, tabkv.ErrKeyNotFound) {
		t.Errorf("** Get(c) = %v, wanted ErrKeyNotFound", err)
	}
}

func testOverwrite(t *testing.T, s tabkv.Store) {
	Write(t, s, tabkv.PutOp([]byte("a"), []byte("1")))
	Write(t, s, tabkv.PutOp([]byte("a"), []byte("2")))
	GetEq(t, s, "a", "2")
}

func testDelete(t *testing.T, s tabkv.Store) {
	Write(t, s, tabkv.PutOp([]byte("a"), []byte("1")), tabkv.PutOp([]byte("b"), []byte("2")))
	Write(t, s, tabkv.DeleteOp([]byte("a")), tabkv.DeleteOp([]byte("zzz")))
	_, err := s.Get(context.Background(), []byte("a"))
	if !errors.Is(err, tabkv.ErrKeyNotFound) {
		t.Errorf("** Get(a) after delete = %v, wanted ErrKeyNotFound", err)
	}
	KeysEq(t, s, tabkv.IterOptions{}, "b")
}

func testBatchOrder(t *testing.T, s tabkv.Store) {
	Write(t, s,
		tabkv.PutOp([]byte("a"), []byte("1")),
		tabkv.DeleteOp([]byte("a")),
		tabkv.PutOp([]byte("b"), []byte("1")),
		tabkv.PutOp([]byte("b"), []byte("2")),
	)
	KeysEq(t, s, tabkv.IterOptions{}, "b")
	GetEq(t, s, "b", "2")
}

func testIterateOrder(t *testing.T, s tabkv.Store) {
	Write(t, s,
		tabkv.PutOp([]byte("c"), []byte("3")),
		tabkv.PutOp([]byte("a"), []byte("1")),
		tabkv.PutOp([]byte("ab"), []byte("x")),
		tabkv.PutOp([]byte("b"), []byte("2")),
	)
	KeysEq(t, s, tabkv.IterOptions{}, "a", "ab", "b", "c")
	PairsEq(t, s, tabkv.IterOptions{}, "a=1", "ab=x", "b=2", "c=3")
}

func testIterateBounds(t *testing.T, s tabkv.Store) {
	var ops []tabkv.Op
	for _, k := range []string{"a", "b", "ba", "bb", "c", "d"} {
		ops = append(ops, tabkv.PutOp([]byte(k), []byte(k)))
	}
	Write(t, s, ops...)
	KeysEq(t, s, tabkv.IterOptions{Lower: []byte("b"), Upper: []byte("c")}, "b", "ba", "bb")
	KeysEq(t, s, tabkv.IterOptions{Lower: []byte("b0")}, "ba", "bb", "c", "d")
	KeysEq(t, s, tabkv.IterOptions{Upper: []byte("b")}, "a")
	KeysEq(t, s, tabkv.IterOptions{Lower: []byte("x")})
	KeysEq(t, s, tabkv.IterOptions{Lower: []byte("c"), Upper: []byte("c")})
}

func testIterateKeysOnly(t *testing.T, s tabkv.Store) {
	Write(t, s, tabkv.PutOp([]byte("a"), []byte("1")))
	it, err := s.Iterate(context.Background(), tabkv.IterOptions{KeysOnly: true})
	if err != nil {
		t.Fatal(err)
	}
	defer it.Close()
	if !it.Next() {
		t.Fatalf("** no keys")
	}
	if a, e := string(it.Key()), "a"; a != e {
		t.Errorf("** key = %q, wanted %q", a, e)
	}
}

// A key deleted while an iterator is open is either still yielded with its
// old value (snapshot stores) or skipped (paged stores), never yielded empty.
func testDeleteDuringIteration(t *testing.T, s tabkv.Store) {
	Write(t, s,
		tabkv.PutOp([]byte("a"), []byte("1")),
		tabkv.PutOp([]byte("b"), []byte("2")),
		tabkv.PutOp([]byte("c"), []byte("3")),
	)
	it, err := s.Iterate(context.Background(), tabkv.IterOptions{})
	if err != nil {
		t.Fatal(err)
	}
	defer it.Close()
	if !it.Next() {
		t.Fatalf("** no keys")
	}
	Write(t, s, tabkv.DeleteOp([]byte("b")))

	want := map[string]string{"a": "1", "b": "2", "c": "3"}
	seen := []string{string(it.Key())}
	if a, e := string(it.Value()), want[string(it.Key())]; a != e {
		t.Errorf("** %s = %q, wanted %q", it.Key(), a, e)
	}
	for it.Next() {
		k := string(it.Key())
		seen = append(seen, k)
		if a, e := string(it.Value()), want[k]; a != e {
			t.Errorf("** %s = %q, wanted %q", k, a, e)
		}
	}
	if err := it.Err(); err != nil {
		t.Fatalf("** iteration failed: %v", err)
	}
	if len(seen) == 0 || seen[0] != "a" || seen[len(seen)-1] != "c" {
		t.Errorf("** keys = %v, wanted a ... c", seen)
	}
}

func testIterateBinaryKeys(t *testing.T, s tabkv.Store) {
	keys := [][]byte{{0x00}, {0x00, 0x01}, {0x01}, {0x7f}, {0x80}, {0xff}, {0xff, 0x00}}
	var ops []tabkv.Op
	for i := len(keys) - 1; i >= 0; i-- {
		ops = append(ops, tabkv.PutOp(keys[i], []byte{byte(i)}))
	}
	Write(t, s, ops...)
	got := Keys(t, s, tabkv.IterOptions{})
	if len(got) != len(keys) {
		t.Fatalf("** got %d keys, wanted %d", len(got), len(keys))
	}
	for i := range keys {
		if !bytes.Equal(got[i], keys[i]) {
			t.Errorf("** key[%d] = %x, wanted %x", i, got[i], keys[i])
		}
	}
}

func testEmptyValue(t *testing.T, s tabkv.Store) {
	Write(t, s, tabkv.PutOp([]byte("idx"), []byte{}))
	v, err := s.Get(context.Background(), []byte("idx"))
	if err != nil {
		t.Fatalf("** Get(idx) failed: %v", err)
	}
	if len(v) != 0 {
		t.Errorf("** Get(idx) = %x, wanted empty", v)
	}
}

func testCanceled(t *testing.T, s tabkv.Store) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.Write(ctx, []tabkv.Op{tabkv.PutOp([]byte("a"), []byte("1"))})
	if err == nil {
		t.Errorf("** Write with canceled context succeeded")
	}
}

func Write(t testing.TB, s tabkv.Store, ops ...tabkv.Op) {
	t.Helper()
	if err := s.Write(context.Background(), ops); err != nil {
		t.Fatalf("** Write failed: %v", err)
	}
}

func GetEq(t testing.TB, s tabkv.Store, key, expected string) {
	t.Helper()
	v, err := s.Get(context.Background(), []byte(key))
	if err != nil {
		t.Errorf("** Get(%q) failed: %v", key, err)
		return
	}
	if a := string(v); a != expected {
		t.Errorf("** Get(%q) = %q, wanted %q", key, a, expected)
	}
}

func Keys(t testing.TB, s tabkv.Store, opt tabkv.IterOptions) [][]byte {
	t.Helper()
	it, err := s.Iterate(context.Background(), opt)
	if err != nil {
		t.Fatalf("** Iterate failed: %v", err)
	}
	defer it.Close()
	var keys [][]byte
	for it.Next() {
		keys = append(keys, bytes.Clone(it.Key()))
	}
	if err := it.Err(); err != nil {
		t.Fatalf("** iteration failed: %v", err)
	}
	return keys
}

func KeysEq(t testing.TB, s tabkv.Store, opt tabkv.IterOptions, expected ...string) {
	t.Helper()
	var actual []string
	for _, k := range Keys(t, s, opt) {
		actual = append(actual, string(k))
	}
	if a, e := strings.Join(actual, " "), strings.Join(expected, " "); a != e {
		t.Errorf("** keys = [%s], wanted [%s]", a, e)
	}
}

func PairsEq(t testing.TB, s tabkv.Store, opt tabkv.IterOptions, expected ...string) {
	t.Helper()
	it, err := s.Iterate(context.Background(), opt)
	if err != nil {
		t.Fatalf("** Iterate failed: %v", err)
	}
	defer it.Close()
	var actual []string
	for it.Next() {
		actual = append(actual, fmt.Sprintf("%s=%s", it.Key(), it.Value()))
	}
	if err := it.Err(); err != nil {
		t.Fatalf("** iteration failed: %v", err)
	}
	if a, e := strings.Join(actual, " "), strings.Join(expected, " "); a != e {
		t.Errorf("** pairs = [%s], wanted [%s]", a, e)
	}
}

// Logger returns a logger that writes through t.Log.
func Logger(t testing.TB) *slog.Logger {
	return slog.New(slog.NewTextHandler(&logWriter{t}, &slog.HandlerOptions{
		AddSource: false,
		Level:     slog.LevelDebug,
	}))
}

type logWriter struct{ t testing.TB }

func (c *logWriter) Write(buf []byte) (int, error) {
	msg := string(buf)
	origLen := len(msg)
	msg = strings.TrimSuffix(msg, "\n")
	c.t.Log(msg)
	return origLen, nil
}
