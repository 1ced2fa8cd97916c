package tabkv

import (
	"context"
	"log/slog"
)

const (
	debugLogRawScans = false
)

// scanRange calls f for each key in r, in ascending order, until f returns
// false or limit keys were visited (limit <= 0 means no limit). Any iterator
// error aborts the scan.
func (db *DB) scanRange(ctx context.Context, r IterOptions, limit int, f func(k, v []byte) (bool, error)) (int, error) {
	it, err := db.store.Iterate(ctx, r)
	if err != nil {
		return 0, storeErr("iterate", r.Lower, err)
	}
	defer it.Close()
	if debugLogRawScans {
		db.logger.LogAttrs(ctx, slog.LevelDebug, "SCAN", hexAttr("lower", r.Lower), hexAttr("upper", r.Upper))
	}

	var n int
	for (limit <= 0 || n < limit) && it.Next() {
		k, v := it.Key(), it.Value()
		if debugLogRawScans {
			db.logger.LogAttrs(ctx, slog.LevelDebug, "SCAN.NEXT", hexAttr("key", k), slog.Int("vlen", len(v)))
		}
		n++
		more, err := f(k, v)
		if err != nil {
			return n, err
		}
		if !more {
			break
		}
	}
	if err := it.Err(); err != nil {
		return n, storeErr("iterate", r.Lower, err)
	}
	return n, nil
}

// countRange counts the keys in r without reading values.
func (db *DB) countRange(ctx context.Context, r IterOptions) (int, error) {
	r.KeysOnly = true
	return db.scanRange(ctx, r, 0, func(k, v []byte) (bool, error) {
		return true, nil
	})
}
