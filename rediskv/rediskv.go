// Package rediskv stores tabkv data in Redis.
//
// Keys live as members of one sorted set (all with score 0, so ZRANGE BYLEX
// orders them bytewise) and values in one hash, both named after a
// namespace. Batches run inside MULTI/EXEC. Iteration pages through the
// sorted set, so a long scan may observe batches committed while it runs.
package rediskv

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/andreyvit/tabkv"
)

const defaultPageSize = 256

type Options struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Namespace prefixes the two Redis keys used. Defaults to "tabkv".
	Namespace string
	PageSize  int
}

type Store struct {
	client   *redis.Client
	keysKey  string
	valsKey  string
	pageSize int64
	owned    bool
}

var _ tabkv.Store = (*Store)(nil)

// Dial connects to Redis and verifies the connection with PING.
func Dial(ctx context.Context, opt Options) (*Store, error) {
	if opt.Addr == "" {
		return nil, errors.New("rediskv: address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:         opt.Addr,
		Password:     opt.Password,
		DB:           opt.DB,
		PoolSize:     opt.PoolSize,
		DialTimeout:  opt.DialTimeout,
		ReadTimeout:  opt.ReadTimeout,
		WriteTimeout: opt.WriteTimeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrapf(err, "rediskv: connecting to %s", opt.Addr)
	}
	s := New(client, opt.Namespace)
	s.owned = true
	if opt.PageSize > 0 {
		s.pageSize = int64(opt.PageSize)
	}
	return s, nil
}

// New wraps an existing client. Close does not close it.
func New(client *redis.Client, namespace string) *Store {
	if namespace == "" {
		namespace = "tabkv"
	}
	return &Store{
		client:   client,
		keysKey:  namespace + ":keys",
		valsKey:  namespace + ":vals",
		pageSize: defaultPageSize,
	}
}

func (s *Store) Client() *redis.Client {
	return s.client
}

func (s *Store) Get(ctx context.Context, key []byte) ([]byte, error) {
	v, err := s.client.HGet(ctx, s.valsKey, string(key)).Bytes()
	if err == redis.Nil {
		return nil, tabkv.ErrKeyNotFound
	} else if err != nil {
		return nil, errors.Wrapf(err, "rediskv: HGET %x", key)
	}
	return v, nil
}

func (s *Store) Write(ctx context.Context, ops []tabkv.Op) error {
	if len(ops) == 0 {
		return ctx.Err()
	}
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, op := range ops {
			member := string(op.Key)
			switch op.Kind {
			case tabkv.OpPut:
				pipe.ZAdd(ctx, s.keysKey, redis.Z{Score: 0, Member: member})
				pipe.HSet(ctx, s.valsKey, member, op.Value)
			case tabkv.OpDelete:
				pipe.ZRem(ctx, s.keysKey, member)
				pipe.HDel(ctx, s.valsKey, member)
			default:
				return fmt.Errorf("invalid op kind %d", op.Kind)
			}
		}
		return nil
	})
	return errors.Wrapf(err, "rediskv: MULTI/EXEC of %d ops", len(ops))
}

func (s *Store) Iterate(ctx context.Context, opt tabkv.IterOptions) (tabkv.Iterator, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := "-"
	if opt.Lower != nil {
		start = "[" + string(opt.Lower)
	}
	stop := "+"
	if opt.Upper != nil {
		stop = "(" + string(opt.Upper)
	}
	return &iterator{s: s, ctx: ctx, opt: opt, start: start, stop: stop, pos: -1}, nil
}

func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Close()
}

type iterator struct {
	s     *Store
	ctx   context.Context
	opt   tabkv.IterOptions
	start string
	stop  string

	keys []string
	vals []any
	pos  int
	done bool
	err  error
}

func (it *iterator) fetch() bool {
	keys, err := it.s.client.ZRangeArgs(it.ctx, redis.ZRangeArgs{
		Key:   it.s.keysKey,
		Start: it.start,
		Stop:  it.stop,
		ByLex: true,
		Count: it.s.pageSize,
	}).Result()
	if err != nil {
		it.err = errors.Wrap(err, "rediskv: ZRANGE BYLEX")
		return false
	}
	it.keys, it.vals, it.pos = keys, nil, 0
	if len(keys) == 0 {
		return false
	}
	if int64(len(keys)) < it.s.pageSize {
		it.done = true
	} else {
		it.start = "(" + keys[len(keys)-1]
	}
	if !it.opt.KeysOnly {
		it.vals, err = it.s.client.HMGet(it.ctx, it.s.valsKey, keys...).Result()
		if err != nil {
			it.err = errors.Wrap(err, "rediskv: HMGET")
			return false
		}
	}
	return true
}

func (it *iterator) Next() bool {
	if it.err != nil {
		return false
	}
	it.pos++
	for {
		for it.pos >= len(it.keys) {
			if it.done || !it.fetch() {
				it.keys = nil
				return false
			}
		}
		// deleted between ZRANGE and HMGET
		if it.vals != nil && it.vals[it.pos] == nil {
			it.pos++
			continue
		}
		return true
	}
}

func (it *iterator) Key() []byte {
	return []byte(it.keys[it.pos])
}

func (it *iterator) Value() []byte {
	if it.vals == nil {
		return nil
	}
	v, _ := it.vals[it.pos].(string)
	return []byte(v)
}

func (it *iterator) Err() error { return it.err }

func (it *iterator) Close() error {
	it.done = true
	it.keys = nil
	return nil
}
