package tabkv_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/andreyvit/tabkv"
	"github.com/andreyvit/tabkv/storetest"
)

func TestMemStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) tabkv.Store {
		return tabkv.NewMemStore()
	})
}

func TestBoltStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) tabkv.Store {
		s, err := tabkv.OpenBolt(filepath.Join(t.TempDir(), "store.db"), tabkv.BoltOptions{IsTesting: true})
		if err != nil {
			t.Fatal(err)
		}
		return s
	})
}

func TestMemStoreIteratorIsSnapshot(t *testing.T) {
	ctx := context.Background()
	s := tabkv.NewMemStore()
	storetest.Write(t, s, tabkv.PutOp([]byte("a"), []byte("1")), tabkv.PutOp([]byte("b"), []byte("2")))

	it, err := s.Iterate(ctx, tabkv.IterOptions{})
	if err != nil {
		t.Fatal(err)
	}
	defer it.Close()
	storetest.Write(t, s, tabkv.DeleteOp([]byte("b")), tabkv.PutOp([]byte("c"), []byte("3")))

	var got []string
	for it.Next() {
		got = append(got, string(it.Key())+"="+string(it.Value()))
	}
	if it.Err() != nil {
		t.Fatal(it.Err())
	}
	if len(got) != 2 || got[0] != "a=1" || got[1] != "b=2" {
		t.Errorf("** got %v, wanted [a=1 b=2]", got)
	}
	if s.Len() != 2 {
		t.Errorf("** got %d keys, wanted 2", s.Len())
	}
}

func TestBoltStoreReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.db")
	s, err := tabkv.OpenBolt(path, tabkv.BoltOptions{Bucket: "data", IsTesting: true})
	if err != nil {
		t.Fatal(err)
	}
	storetest.Write(t, s, tabkv.PutOp([]byte("k"), []byte("v")))
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s, err = tabkv.OpenBolt(path, tabkv.BoltOptions{Bucket: "data", IsTesting: true})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	storetest.GetEq(t, s, "k", "v")
}
