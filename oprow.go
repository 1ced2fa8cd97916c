package tabkv

import (
	"context"
	"errors"
)

// GetRow returns the row stored under rowID.
func (db *DB) GetRow(ctx context.Context, tenant, table, rowID string) (Row, error) {
	if _, err := db.getMeta(ctx, tenant, table); err != nil {
		return nil, err
	}
	if rowID == "" {
		return nil, tableErrf(tenant, table, "", "", invalidf("rowId is required"), "")
	}
	return db.loadRow(ctx, tenant, table, rowID)
}

func (db *DB) loadRow(ctx context.Context, tenant, table, rowID string) (Row, error) {
	key := RowKey(tenant, table, rowID)
	raw, err := db.store.Get(ctx, key)
	if errors.Is(err, ErrKeyNotFound) {
		return nil, tableErrf(tenant, table, "", rowID, ErrRowNotFound, "")
	} else if err != nil {
		return nil, tableErrf(tenant, table, "", rowID, storeErr("get", key, err), "reading row")
	}
	db.ReadCount.Add(1)
	return decodeRow(tenant, table, rowID, raw)
}

func decodeRow(tenant, table, rowID string, raw []byte) (Row, error) {
	var row Row
	if err := decodeValue(raw, &row); err != nil {
		return nil, tableErrf(tenant, table, "", rowID, err, "decoding row")
	}
	if row == nil {
		row = Row{}
	}
	return row, nil
}
