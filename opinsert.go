package tabkv

import (
	"context"
	"errors"
	"log/slog"
)

// InsertRow stores row under rowID, generating an id when rowID is empty, and
// returns the id. An existing row with the same id is replaced wholesale; its
// index entries that the new row does not produce are removed in the same
// batch.
func (db *DB) InsertRow(ctx context.Context, tenant, table, rowID string, row Row) (string, error) {
	meta, err := db.getMeta(ctx, tenant, table)
	if err != nil {
		return "", err
	}
	if row == nil {
		return "", tableErrf(tenant, table, "", rowID, invalidf("row is required"), "")
	}
	if err := meta.validateRow(row, db.strictColumns); err != nil {
		return "", tableErrf(tenant, table, "", rowID, err, "")
	}
	if db.indexFieldPolicy == IndexFieldsReject {
		for i := range meta.IndexDefs {
			if f, bad := meta.undeclaredField(&meta.IndexDefs[i]); bad {
				return "", tableErrf(tenant, table, meta.IndexDefs[i].Name, rowID, invalidf("index references undeclared column %q", f), "")
			}
		}
	}
	if rowID == "" {
		rowID = db.newRowID()
	}

	oldRow, err := db.loadRow(ctx, tenant, table, rowID)
	if err != nil && !errors.Is(err, ErrRowNotFound) {
		return "", err
	}

	rowKey := RowKey(tenant, table, rowID)
	raw, err := db.enc.EncodeValue(nil, row)
	if err != nil {
		return "", tableErrf(tenant, table, "", rowID, err, "encoding row")
	}

	puts := computeIndexWrites(tenant, table, rowID, row, meta)
	dels := computeIndexDeletes(tenant, table, rowID, meta, oldRow, puts)
	ops := make([]Op, 0, len(dels)+1+len(puts))
	ops = append(ops, dels...)
	ops = append(ops, PutOp(rowKey, raw))
	ops = append(ops, puts...)

	if err := db.store.Write(ctx, ops); err != nil {
		return "", tableErrf(tenant, table, "", rowID, storeErr("write", rowKey, err), "inserting row")
	}
	db.WriteCount.Add(1)

	if db.verbose {
		op := "db: INSERT"
		if oldRow != nil {
			op = "db: INSERT.REPLACE"
		}
		db.logger.Debug(op, "tenant", tenant, "table", table, "row", rowID, slog.Int("indexPuts", len(puts)), slog.Int("indexDels", len(dels)))
	}
	db.publish(ctx, Change{Op: ChangeInsert, TenantID: tenant, TableID: table, RowID: rowID, Row: row, OldRow: oldRow, Time: db.now()})
	return rowID, nil
}

// InsertJSON is InsertRow for a row given as a flat JSON object.
func (db *DB) InsertJSON(ctx context.Context, tenant, table, rowID string, body []byte) (string, error) {
	row, err := RowFromJSON(body)
	if err != nil {
		return "", tableErrf(tenant, table, "", rowID, err, "")
	}
	return db.InsertRow(ctx, tenant, table, rowID, row)
}
