package tabkv

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
)

// MemStore is a transient in-memory Store. Writes copy the sorted item slice,
// so every iterator reads an immutable snapshot taken when it was opened.
type MemStore struct {
	mu     sync.Mutex
	items  []memKV // sorted by key, never mutated in place
	closed bool
}

type memKV struct {
	key   []byte
	value []byte
}

var _ Store = (*MemStore)(nil)

func NewMemStore() *MemStore {
	return &MemStore{}
}

func (s *MemStore) snapshot() ([]memKV, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("storage closed")
	}
	return s.items, nil
}

func (s *MemStore) Get(ctx context.Context, key []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	items, err := s.snapshot()
	if err != nil {
		return nil, err
	}
	i, ok := memFind(items, key)
	if !ok {
		return nil, ErrKeyNotFound
	}
	return slices.Clone(items[i].value), nil
}

func (s *MemStore) Write(ctx context.Context, ops []Op) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("storage closed")
	}

	items := slices.Clone(s.items)
	for _, op := range ops {
		i, ok := memFind(items, op.Key)
		switch op.Kind {
		case OpPut:
			kv := memKV{key: slices.Clone(op.Key), value: slices.Clone(op.Value)}
			if kv.value == nil {
				kv.value = []byte{}
			}
			if ok {
				items[i] = kv
			} else {
				items = slices.Insert(items, i, kv)
			}
		case OpDelete:
			if ok {
				items = slices.Delete(items, i, i+1)
			}
		default:
			return fmt.Errorf("invalid op kind %d", op.Kind)
		}
	}
	s.items = items
	return nil
}

func (s *MemStore) Iterate(ctx context.Context, opt IterOptions) (Iterator, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	items, err := s.snapshot()
	if err != nil {
		return nil, err
	}
	start := 0
	if opt.Lower != nil {
		start, _ = memFind(items, opt.Lower)
	}
	return &memIterator{ctx: ctx, items: items, opt: opt, pos: start - 1}, nil
}

func (s *MemStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.items = nil
	return nil
}

// Len returns the number of keys in the store.
func (s *MemStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

func memFind(items []memKV, key []byte) (idx int, ok bool) {
	i := sort.Search(len(items), func(i int) bool {
		return bytes.Compare(items[i].key, key) >= 0
	})
	if i < len(items) && bytes.Equal(items[i].key, key) {
		return i, true
	}
	return i, false
}

type memIterator struct {
	ctx   context.Context
	items []memKV
	opt   IterOptions
	pos   int
	err   error
	done  bool
}

func (it *memIterator) Next() bool {
	if it.done {
		return false
	}
	if err := it.ctx.Err(); err != nil {
		it.err = err
		it.done = true
		return false
	}
	it.pos++
	if it.pos >= len(it.items) || !it.opt.contains(it.items[it.pos].key) {
		it.done = true
		return false
	}
	return true
}

func (it *memIterator) Key() []byte {
	return it.items[it.pos].key
}

func (it *memIterator) Value() []byte {
	if it.opt.KeysOnly {
		return nil
	}
	return it.items[it.pos].value
}

func (it *memIterator) Err() error { return it.err }

func (it *memIterator) Close() error {
	it.done = true
	return nil
}
