package changelog_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"slices"
	"testing"
	"time"

	"github.com/andreyvit/tabkv"
	"github.com/andreyvit/tabkv/changelog"
	"github.com/andreyvit/tabkv/storetest"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type clock struct{ t time.Time }

func (c *clock) Now() time.Time { return c.t }

func open(t testing.TB, dir string, o changelog.Options) *changelog.Log {
	t.Helper()
	if o.Now == nil {
		o.Now = (&clock{epoch}).Now
	}
	if o.Logger == nil {
		o.Logger = storetest.Logger(t)
	}
	l, err := changelog.Open(dir, o)
	if err != nil {
		t.Fatalf("** Open failed: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func records(t testing.TB, l *changelog.Log) []string {
	t.Helper()
	var out []string
	err := l.Replay(context.Background(), func(rec changelog.Record) error {
		out = append(out, string(rec.Data))
		return nil
	})
	if err != nil {
		t.Fatalf("** Replay failed: %v", err)
	}
	return out
}

func files(t testing.TB, dir string) []string {
	t.Helper()
	ents, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, e := range ents {
		names = append(names, e.Name())
	}
	return names
}

func TestChangelog_trivial(t *testing.T) {
	dir := t.TempDir()
	c := &clock{epoch}
	l := open(t, dir, changelog.Options{FileName: "c*.log", Now: c.Now})
	ensure(l.WriteRecord([]byte("hello")))
	c.t = c.t.Add(1000 * time.Second)
	ensure(l.WriteRecord([]byte("world")))
	ensure(l.WriteRecord(nil))

	deepEq(t, files(t, dir), []string{"c000000000001-20240101T000000-0000000000000001.log"})

	var times []time.Time
	var seqs []uint64
	ensure(l.Replay(context.Background(), func(rec changelog.Record) error {
		times = append(times, rec.Time)
		seqs = append(seqs, rec.Seq)
		return nil
	}))
	deepEq(t, seqs, []uint64{1, 2})
	deepEq(t, times, []time.Time{epoch, epoch.Add(1000 * time.Second)})
}

func TestChangelog_reopenAppends(t *testing.T) {
	dir := t.TempDir()
	l := open(t, dir, changelog.Options{})
	ensure(l.WriteRecord([]byte("a")))
	ensure(l.WriteRecord([]byte("b")))
	ensure(l.Close())

	l = open(t, dir, changelog.Options{})
	ensure(l.WriteRecord([]byte("c")))
	deepEq(t, records(t, l), []string{"a", "b", "c"})
	deepEq(t, len(files(t, dir)), 1)

	ensure(l.Close())
	if err := l.WriteRecord([]byte("d")); !errors.Is(err, changelog.ErrClosed) {
		t.Errorf("** got %v, wanted ErrClosed", err)
	}
}

func TestChangelog_rotation(t *testing.T) {
	dir := t.TempDir()
	l := open(t, dir, changelog.Options{MaxFileSize: 64})
	var want []string
	for _, s := range []string{"alpha", "bravo", "charlie", "delta", "echo", "foxtrot"} {
		ensure(l.WriteRecord([]byte(s)))
		want = append(want, s)
	}
	names := files(t, dir)
	if len(names) < 2 {
		t.Fatalf("** got %d segments, wanted rotation: %v", len(names), names)
	}
	deepEq(t, records(t, l), want)

	var seqs []uint64
	ensure(l.Replay(context.Background(), func(rec changelog.Record) error {
		seqs = append(seqs, rec.Seq)
		return nil
	}))
	deepEq(t, seqs, []uint64{1, 2, 3, 4, 5, 6})
}

func TestChangelog_truncatesCorruptTail(t *testing.T) {
	dir := t.TempDir()
	l := open(t, dir, changelog.Options{})
	ensure(l.WriteRecord([]byte("one")))
	ensure(l.WriteRecord([]byte("two")))
	ensure(l.Close())

	fn := filepath.Join(dir, files(t, dir)[0])
	data := must(os.ReadFile(fn))
	data[len(data)-1] ^= 0xFF // break the checksum of "two"
	data = append(data, 0x42, 0x42)
	ensure(os.WriteFile(fn, data, 0o666))

	l = open(t, dir, changelog.Options{})
	deepEq(t, records(t, l), []string{"one"})
	ensure(l.WriteRecord([]byte("three")))
	deepEq(t, records(t, l), []string{"one", "three"})
}

func TestChangelog_deletesCorruptHeader(t *testing.T) {
	dir := t.TempDir()
	l := open(t, dir, changelog.Options{MaxFileSize: 50})
	ensure(l.WriteRecord([]byte("first record")))
	ensure(l.WriteRecord([]byte("second record")))
	ensure(l.Close())
	names := files(t, dir)
	deepEq(t, len(names), 2)

	last := filepath.Join(dir, names[1])
	ensure(os.WriteFile(last, []byte("garbage"), 0o666))

	l = open(t, dir, changelog.Options{MaxFileSize: 50})
	deepEq(t, files(t, dir), names[:1])
	deepEq(t, records(t, l), []string{"first record"})
}

func TestChangelog_corruptMiddleSegmentFails(t *testing.T) {
	dir := t.TempDir()
	l := open(t, dir, changelog.Options{MaxFileSize: 50})
	ensure(l.WriteRecord([]byte("first record")))
	ensure(l.WriteRecord([]byte("second record")))
	names := files(t, dir)

	first := filepath.Join(dir, names[0])
	data := must(os.ReadFile(first))
	ensure(os.WriteFile(first, append(data, 0x01), 0o666))

	err := l.Replay(context.Background(), func(rec changelog.Record) error { return nil })
	if !errors.Is(err, changelog.ErrCorrupted) {
		t.Errorf("** got %v, wanted ErrCorrupted", err)
	}
}

func TestChangelog_sinkAndApply(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	l := open(t, dir, changelog.Options{Sync: true, Verbose: true})

	src := tabkv.Open(tabkv.NewMemStore(), tabkv.Options{Logger: storetest.Logger(t), Sinks: []tabkv.ChangeSink{l}})
	defer src.Close()
	_, err := src.CreateTable(ctx, "acme", "users", tabkv.TableMetadata{
		IndexDefs: []tabkv.IndexDef{{Name: "byEmail", Fields: []string{"email"}}},
	})
	ensure(err)
	must(src.InsertRow(ctx, "acme", "users", "u1", tabkv.MustRow(map[string]any{"email": "a@x"})))
	must(src.InsertRow(ctx, "acme", "users", "u2", tabkv.MustRow(map[string]any{"email": "b@x", "age": 7})))
	ensure(src.DeleteRow(ctx, "acme", "users", "u1"))

	var ops []string
	ensure(l.ReplayChanges(ctx, func(seq uint64, chg tabkv.Change) error {
		ops = append(ops, chg.Op.String()+":"+chg.RowID)
		return nil
	}))
	deepEq(t, ops, []string{"createTable:", "insert:u1", "insert:u2", "delete:u1"})

	dstStore := tabkv.NewMemStore()
	dst := tabkv.Open(dstStore, tabkv.Options{Logger: storetest.Logger(t)})
	defer dst.Close()
	n, err := l.Apply(ctx, dst)
	ensure(err)
	deepEq(t, n, 4)

	row, err := dst.GetRow(ctx, "acme", "users", "u2")
	ensure(err)
	deepEq(t, row, tabkv.MustRow(map[string]any{"email": "b@x", "age": 7}))
	res, err := dst.ScanByIndexPrefix(ctx, tabkv.IndexScanRequest{TenantID: "acme", TableID: "users", IndexName: "byEmail"})
	ensure(err)
	deepEq(t, res.RowIDs, []string{"u2"})

	srcKeys := storetest.Keys(t, src.Store(), tabkv.IterOptions{})
	dstKeys := storetest.Keys(t, dstStore, tabkv.IterOptions{})
	if !slices.EqualFunc(srcKeys, dstKeys, bytes.Equal) {
		t.Errorf("** replayed store differs: %q vs %q", dstKeys, srcKeys)
	}
}

func deepEq[T any](t testing.TB, a, e T) bool {
	if !reflect.DeepEqual(a, e) {
		t.Helper()
		t.Errorf("** got %v, wanted %v", a, e)
		return false
	}
	return true
}

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}

func ensure(err error) {
	if err != nil {
		panic(err)
	}
}
