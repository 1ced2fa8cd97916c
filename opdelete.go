package tabkv

import (
	"context"
	"log/slog"
)

// DeleteRow removes a row together with its index entries. Deleting a row
// that does not exist fails with ErrRowNotFound.
func (db *DB) DeleteRow(ctx context.Context, tenant, table, rowID string) error {
	meta, err := db.getMeta(ctx, tenant, table)
	if err != nil {
		return err
	}
	if rowID == "" {
		return tableErrf(tenant, table, "", "", invalidf("rowId is required"), "")
	}
	oldRow, err := db.loadRow(ctx, tenant, table, rowID)
	if err != nil {
		return err
	}

	rowKey := RowKey(tenant, table, rowID)
	dels := computeIndexDeletes(tenant, table, rowID, meta, oldRow, nil)
	ops := make([]Op, 0, len(dels)+1)
	ops = append(ops, DeleteOp(rowKey))
	ops = append(ops, dels...)

	if err := db.store.Write(ctx, ops); err != nil {
		return tableErrf(tenant, table, "", rowID, storeErr("write", rowKey, err), "deleting row")
	}
	db.WriteCount.Add(1)

	if db.verbose {
		db.logger.Debug("db: DELETE", "tenant", tenant, "table", table, "row", rowID, slog.Int("indexDels", len(dels)))
	}
	db.publish(ctx, Change{Op: ChangeDelete, TenantID: tenant, TableID: table, RowID: rowID, OldRow: oldRow, Time: db.now()})
	return nil
}
