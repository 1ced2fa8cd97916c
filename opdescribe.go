package tabkv

import (
	"context"
)

type TableStats struct {
	RowCount int `json:"rowCount"`
	// IndexSize is the number of index entries across all indexes.
	IndexSize    int            `json:"indexSize"`
	IndexEntries map[string]int `json:"indexEntries"`
}

type TableDescription struct {
	TenantID string         `json:"tenantId"`
	TableID  string         `json:"tableId"`
	Meta     *TableMetadata `json:"meta"`
	Stats    *TableStats    `json:"stats,omitempty"`
}

// DescribeTable returns the table's metadata. withStats adds live counts,
// which walk every row and index key of the table: O(rows + index entries).
func (db *DB) DescribeTable(ctx context.Context, tenant, table string, withStats bool) (*TableDescription, error) {
	meta, err := db.getMeta(ctx, tenant, table)
	if err != nil {
		return nil, err
	}
	desc := &TableDescription{TenantID: tenant, TableID: table, Meta: meta}
	if !withStats {
		return desc, nil
	}

	stats := &TableStats{IndexEntries: make(map[string]int, len(meta.IndexDefs))}
	stats.RowCount, err = db.countRange(ctx, RowRange(tenant, table))
	if err != nil {
		return nil, tableErrf(tenant, table, "", "", err, "counting rows")
	}
	for i := range meta.IndexDefs {
		stats.IndexEntries[meta.IndexDefs[i].Name] = 0
	}
	r := IndexTableRange(tenant, table)
	r.KeysOnly = true
	stats.IndexSize, err = db.scanRange(ctx, r, 0, func(k, v []byte) (bool, error) {
		parts, err := DecodeIndexKey(k)
		if err != nil {
			return false, err
		}
		stats.IndexEntries[parts.Index]++
		return true, nil
	})
	if err != nil {
		return nil, tableErrf(tenant, table, "", "", err, "counting index entries")
	}
	desc.Stats = stats
	return desc, nil
}
