package tabkv

import (
	"context"
	"log/slog"
)

// Reindex rebuilds the entries of one index, or of every index when index is
// empty, from the table's current rows. It repairs entries left behind by
// writers that bypassed the DB, and fills indexes that previously produced no
// entries. The rebuild is one batch and returns the number of entries
// written.
func (db *DB) Reindex(ctx context.Context, tenant, table, index string) (int, error) {
	meta, err := db.getMeta(ctx, tenant, table)
	if err != nil {
		return 0, err
	}
	r := IndexTableRange(tenant, table)
	if index != "" {
		def := meta.Index(index)
		if def == nil {
			return 0, tableErrf(tenant, table, index, "", invalidf("unknown index"), "")
		}
		r = IndexPrefixRange(tenant, table, index, "")
		// index entries of the other indexes are left alone
		meta = &TableMetadata{Name: meta.Name, Columns: meta.Columns, IndexDefs: []IndexDef{*def}}
	}
	r.KeysOnly = true

	ops, err := db.collectKeys(ctx, r, nil, func(key []byte) Op {
		return DeleteOp(key)
	})
	if err != nil {
		return 0, tableErrf(tenant, table, index, "", err, "collecting index keys")
	}
	dels := len(ops)

	var puts int
	_, err = db.scanRange(ctx, RowRange(tenant, table), 0, func(k, v []byte) (bool, error) {
		_, _, rowID, err := DecodeRowKey(k)
		if err != nil {
			return false, err
		}
		row, err := decodeRow(tenant, table, rowID, v)
		if err != nil {
			return false, err
		}
		w := computeIndexWrites(tenant, table, rowID, row, meta)
		puts += len(w)
		ops = append(ops, w...)
		return true, nil
	})
	if err != nil {
		return 0, tableErrf(tenant, table, index, "", err, "scanning rows")
	}

	if len(ops) > 0 {
		if err := db.store.Write(ctx, ops); err != nil {
			return 0, tableErrf(tenant, table, index, "", storeErr("write", nil, err), "reindexing")
		}
		db.WriteCount.Add(1)
	}
	if db.verbose {
		db.logger.Debug("db: REINDEX", "tenant", tenant, "table", table, "index", index, slog.Int("dels", dels), slog.Int("puts", puts))
	}
	return puts, nil
}
