package tabkv

import (
	"context"
	"fmt"
	"slices"
	"time"

	"go.etcd.io/bbolt"
)

var defaultBoltBucket = []byte("tabkv")

// BoltStore is a Store backed by a single Bolt bucket. Every Write is one Bolt
// update transaction; every iterator holds a read transaction until closed.
type BoltStore struct {
	bdb  *bbolt.DB
	buck []byte
}

var _ Store = (*BoltStore)(nil)

type BoltOptions struct {
	Bucket    string
	IsTesting bool
	MmapSize  int
}

func OpenBolt(path string, opt BoltOptions) (*BoltStore, error) {
	bopt := &bbolt.Options{}
	*bopt = *bbolt.DefaultOptions
	bopt.Timeout = 10 * time.Second
	if opt.IsTesting {
		bopt.NoSync = true
		bopt.NoFreelistSync = true
		bopt.InitialMmapSize = 1024 * 1024 * 5
	} else {
		bopt.InitialMmapSize = 1024 * 1024 * 64
		bopt.FreelistType = bbolt.FreelistMapType
	}
	if opt.MmapSize != 0 {
		bopt.InitialMmapSize = opt.MmapSize
	}

	bdb, err := bbolt.Open(path, 0666, bopt)
	if err != nil {
		return nil, fmt.Errorf("tabkv: %w", err)
	}
	return NewBoltStore(bdb, opt.Bucket)
}

// NewBoltStore wraps an already open Bolt database, creating the bucket if
// needed. An empty bucket name selects the default one.
func NewBoltStore(bdb *bbolt.DB, bucket string) (*BoltStore, error) {
	buck := defaultBoltBucket
	if bucket != "" {
		buck = []byte(bucket)
	}
	err := bdb.Update(func(btx *bbolt.Tx) error {
		_, err := btx.CreateBucketIfNotExists(buck)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("tabkv: creating bucket %q: %w", buck, err)
	}
	return &BoltStore{bdb: bdb, buck: buck}, nil
}

func (s *BoltStore) Bolt() *bbolt.DB {
	return s.bdb
}

func (s *BoltStore) Get(ctx context.Context, key []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var result []byte
	err := s.bdb.View(func(btx *bbolt.Tx) error {
		v := nonNil(btx.Bucket(s.buck)).Get(key)
		if v == nil {
			return ErrKeyNotFound
		}
		// Bolt values are only valid for the life of the transaction.
		result = slices.Clone(v)
		return nil
	})
	return result, err
}

func (s *BoltStore) Write(ctx context.Context, ops []Op) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.bdb.Update(func(btx *bbolt.Tx) error {
		b := nonNil(btx.Bucket(s.buck))
		for _, op := range ops {
			var err error
			switch op.Kind {
			case OpPut:
				v := op.Value
				if v == nil {
					v = []byte{}
				}
				err = b.Put(op.Key, v)
			case OpDelete:
				err = b.Delete(op.Key)
			default:
				err = fmt.Errorf("invalid op kind %d", op.Kind)
			}
			if err != nil {
				return fmt.Errorf("%v %s: %w", op.Kind, hexstr(op.Key), err)
			}
		}
		return nil
	})
}

func (s *BoltStore) Iterate(ctx context.Context, opt IterOptions) (Iterator, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	btx, err := s.bdb.Begin(false)
	if err != nil {
		return nil, err
	}
	c := nonNil(btx.Bucket(s.buck)).Cursor()
	return &boltIterator{ctx: ctx, btx: btx, c: c, opt: opt}, nil
}

func (s *BoltStore) Close() error {
	return s.bdb.Close()
}

type boltIterator struct {
	ctx  context.Context
	btx  *bbolt.Tx
	c    *bbolt.Cursor
	opt  IterOptions
	k, v []byte
	init bool
	err  error
}

func (it *boltIterator) Next() bool {
	if it.btx == nil {
		return false
	}
	if err := it.ctx.Err(); err != nil {
		it.err = err
		it.Close()
		return false
	}
	if it.init {
		it.k, it.v = it.c.Next()
	} else {
		it.init = true
		if it.opt.Lower != nil {
			it.k, it.v = it.c.Seek(it.opt.Lower)
		} else {
			it.k, it.v = it.c.First()
		}
	}
	if it.k == nil || !it.opt.contains(it.k) {
		it.Close()
		return false
	}
	return true
}

func (it *boltIterator) Key() []byte { return it.k }

func (it *boltIterator) Value() []byte {
	if it.opt.KeysOnly {
		return nil
	}
	return it.v
}

func (it *boltIterator) Err() error { return it.err }

func (it *boltIterator) Close() error {
	if it.btx == nil {
		return nil
	}
	btx := it.btx
	it.btx = nil
	err := btx.Rollback()
	if err == bbolt.ErrTxClosed {
		return nil
	}
	return err
}
