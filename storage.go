package tabkv

import (
	"bytes"
	"context"
)

// Store is an ordered key-value store the engine is built on. Keys compare
// bytewise.
type Store interface {
	// Get returns the value stored under key, or ErrKeyNotFound.
	Get(ctx context.Context, key []byte) ([]byte, error)

	// Write applies all ops atomically: either every op is applied or none is.
	// Ops are applied in order, so a later op on the same key wins.
	Write(ctx context.Context, ops []Op) error

	// Iterate opens a lazy ascending iterator over [Lower, Upper). The caller
	// must Close it.
	Iterate(ctx context.Context, opt IterOptions) (Iterator, error)

	// Close releases the store.
	Close() error
}

type OpKind uint8

const (
	OpPut OpKind = iota + 1
	OpDelete
)

func (k OpKind) String() string {
	switch k {
	case OpPut:
		return "put"
	case OpDelete:
		return "del"
	default:
		return "invalid"
	}
}

// Op is a single mutation inside a Store.Write batch.
type Op struct {
	Kind  OpKind
	Key   []byte
	Value []byte
}

func PutOp(key, value []byte) Op { return Op{OpPut, key, value} }
func DeleteOp(key []byte) Op     { return Op{OpDelete, key, nil} }

// IterOptions bounds an iteration. Lower is inclusive, Upper exclusive; a nil
// bound is open.
type IterOptions struct {
	Lower    []byte
	Upper    []byte
	KeysOnly bool
}

func (o IterOptions) contains(k []byte) bool {
	if o.Lower != nil && bytes.Compare(k, o.Lower) < 0 {
		return false
	}
	if o.Upper != nil && bytes.Compare(k, o.Upper) >= 0 {
		return false
	}
	return true
}

// Iterator walks a key range in ascending order. Key and Value are only valid
// until the next call to Next.
type Iterator interface {
	Next() bool
	Key() []byte
	Value() []byte
	Err() error
	Close() error
}

// InRange reports whether k falls within o. Backends that cannot express an
// exclusive upper bound natively use it to stop early.
func InRange(o IterOptions, k []byte) bool {
	return o.contains(k)
}
