package tabkv

import (
	"context"
)

type ScanRequest struct {
	TenantID string `json:"tenantId"`
	TableID  string `json:"tableId"`

	// AfterRowID resumes strictly after this row, typically the LastRowID of
	// the previous page.
	AfterRowID string `json:"afterRowId,omitempty"`
	// EndRowID is the last row to return, inclusive.
	EndRowID string `json:"endRowId,omitempty"`

	// Limit of 0 selects the default page size; larger values are clamped.
	Limit int `json:"limit,omitempty"`
}

type RowEntry struct {
	ID  string `json:"id"`
	Row Row    `json:"row"`
}

type ScanResult struct {
	Rows      []RowEntry `json:"rows"`
	LastRowID string     `json:"lastRowId,omitempty"`
}

// ScanRows returns up to Limit rows of a table in ascending row id order.
func (db *DB) ScanRows(ctx context.Context, req ScanRequest) (*ScanResult, error) {
	tenant, table := req.TenantID, req.TableID
	if _, err := db.getMeta(ctx, tenant, table); err != nil {
		return nil, err
	}
	limit, err := db.effectiveLimit(req.Limit)
	if err != nil {
		return nil, tableErrf(tenant, table, "", "", err, "")
	}

	res := &ScanResult{Rows: []RowEntry{}}
	r := RowRangeBetween(tenant, table, req.AfterRowID, req.EndRowID)
	_, err = db.scanRange(ctx, r, limit, func(k, v []byte) (bool, error) {
		_, _, rowID, err := DecodeRowKey(k)
		if err != nil {
			return false, tableErrf(tenant, table, "", "", err, "decoding row key")
		}
		row, err := decodeRow(tenant, table, rowID, v)
		if err != nil {
			return false, err
		}
		res.Rows = append(res.Rows, RowEntry{ID: rowID, Row: row})
		return true, nil
	})
	if err != nil {
		return nil, tableErrf(tenant, table, "", "", err, "scanning rows")
	}
	db.ReadCount.Add(uint64(len(res.Rows)))
	if n := len(res.Rows); n > 0 {
		res.LastRowID = res.Rows[n-1].ID
	}
	return res, nil
}

type IndexScanRequest struct {
	TenantID  string `json:"tenantId"`
	TableID   string `json:"tableId"`
	IndexName string `json:"indexName"`

	// Prefix of the composite index key (field values joined by '#'); empty
	// matches every entry.
	Prefix string `json:"indexKeyPrefix,omitempty"`
	Limit  int    `json:"limit,omitempty"`

	// WithData loads every matched row with one extra read per row.
	WithData bool `json:"withData,omitempty"`
}

type IndexScanResult struct {
	RowIDs []string `json:"rowIds"`
	Rows   []Row    `json:"rows,omitempty"`
}

type IndexEntry struct {
	IndexKey string `json:"indexKey"`
	RowID    string `json:"rowId"`
}

// ScanByIndexPrefix returns the ids, and optionally the rows, of up to Limit
// index entries whose composite key starts with Prefix, in index order.
func (db *DB) ScanByIndexPrefix(ctx context.Context, req IndexScanRequest) (*IndexScanResult, error) {
	entries, err := db.ScanIndexEntries(ctx, req)
	if err != nil {
		return nil, err
	}
	res := &IndexScanResult{RowIDs: make([]string, len(entries))}
	for i, e := range entries {
		res.RowIDs[i] = e.RowID
	}
	if req.WithData {
		res.Rows = make([]Row, 0, len(entries))
		for _, e := range entries {
			row, err := db.loadRow(ctx, req.TenantID, req.TableID, e.RowID)
			if err != nil {
				return nil, err
			}
			res.Rows = append(res.Rows, row)
		}
	}
	return res, nil
}

// ScanIndexEntries is ScanByIndexPrefix returning the raw index entries.
// WithData is ignored.
func (db *DB) ScanIndexEntries(ctx context.Context, req IndexScanRequest) ([]IndexEntry, error) {
	tenant, table, index := req.TenantID, req.TableID, req.IndexName
	meta, err := db.getMeta(ctx, tenant, table)
	if err != nil {
		return nil, err
	}
	if index == "" {
		return nil, tableErrf(tenant, table, "", "", invalidf("indexName is required"), "")
	}
	if meta.Index(index) == nil {
		return nil, tableErrf(tenant, table, index, "", invalidf("unknown index"), "")
	}
	limit, err := db.effectiveLimit(req.Limit)
	if err != nil {
		return nil, tableErrf(tenant, table, index, "", err, "")
	}

	entries := []IndexEntry{}
	r := IndexPrefixRange(tenant, table, index, req.Prefix)
	r.KeysOnly = true
	_, err = db.scanRange(ctx, r, limit, func(k, v []byte) (bool, error) {
		parts, err := DecodeIndexKey(k)
		if err != nil {
			return false, err
		}
		entries = append(entries, IndexEntry{IndexKey: parts.IndexKey, RowID: parts.RowID})
		return true, nil
	})
	if err != nil {
		return nil, tableErrf(tenant, table, index, "", err, "scanning index")
	}
	return entries, nil
}
