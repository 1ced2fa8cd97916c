package tabkv

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

type DumpFlags uint64

const (
	DumpTableHeaders = DumpFlags(1 << iota)
	DumpRows
	DumpStats
	DumpIndices
	DumpIndexRows

	DumpAll = DumpFlags(0xFFFFFFFFFFFFFFFF)
)

var (
	dumpSep1 = strings.Repeat("=", 80)
	dumpSep2 = strings.Repeat("-", 60)
)

func (f DumpFlags) Contains(v DumpFlags) bool {
	return (f & v) == v
}

// Dump renders every table of a tenant as text, for debugging and tests.
func (db *DB) Dump(ctx context.Context, tenant string, f DumpFlags) (string, error) {
	if tenant == "" {
		return "", invalidf("tenantId is required")
	}
	r := MetaTenantRange(tenant)
	r.KeysOnly = true
	var tables []string
	_, err := db.scanRange(ctx, r, 0, func(k, v []byte) (bool, error) {
		_, table, err := DecodeMetaKey(k)
		if err != nil {
			return false, err
		}
		tables = append(tables, table)
		return true, nil
	})
	if err != nil {
		return "", err
	}

	var buf strings.Builder
	for _, table := range tables {
		if err := db.dumpTable(ctx, &buf, tenant, table, f); err != nil {
			return buf.String(), err
		}
	}
	return buf.String(), nil
}

func (db *DB) dumpTable(ctx context.Context, w *strings.Builder, tenant, table string, f DumpFlags) error {
	desc, err := db.DescribeTable(ctx, tenant, table, f.Contains(DumpStats) || f.Contains(DumpTableHeaders))
	if err != nil {
		return err
	}
	meta := desc.Meta
	prefix := tenant + "/" + table

	if f.Contains(DumpTableHeaders) {
		fmt.Fprintln(w, dumpSep1)
		fmt.Fprintf(w, "%s (%d rows)\n", prefix, desc.Stats.RowCount)
	}
	if f.Contains(DumpStats) {
		fmt.Fprintf(w, "%s.stats: index_size = %d, indexes = %d, columns = %d\n", prefix, desc.Stats.IndexSize, len(meta.IndexDefs), len(meta.Columns))
	}

	if f.Contains(DumpRows) {
		if f.Contains(DumpStats) {
			fmt.Fprintln(w, dumpSep2)
		}
		var rowPos int
		_, err := db.scanRange(ctx, RowRange(tenant, table), 0, func(k, v []byte) (bool, error) {
			rowPos++
			db.dumpRow(w, prefix, rowPos, k, v)
			return true, nil
		})
		if err != nil {
			return err
		}
	}

	if f.Contains(DumpIndices) {
		for i := range meta.IndexDefs {
			if err := db.dumpIndex(ctx, w, tenant, table, f, &meta.IndexDefs[i], desc.Stats); err != nil {
				return err
			}
		}
	}
	return nil
}

func (db *DB) dumpIndex(ctx context.Context, w *strings.Builder, tenant, table string, f DumpFlags, def *IndexDef, stats *TableStats) error {
	fmt.Fprintln(w, dumpSep2)
	prefix := tenant + "/" + table + ".i." + def.Name
	if stats != nil {
		fmt.Fprintf(w, "%s (%s) %d entries\n", prefix, strings.Join(def.Fields, ", "), stats.IndexEntries[def.Name])
	} else {
		fmt.Fprintf(w, "%s (%s)\n", prefix, strings.Join(def.Fields, ", "))
	}

	if !f.Contains(DumpIndexRows) {
		return nil
	}
	r := IndexPrefixRange(tenant, table, def.Name, "")
	r.KeysOnly = true
	var rowPos int
	_, err := db.scanRange(ctx, r, 0, func(k, v []byte) (bool, error) {
		rowPos++
		parts, err := DecodeIndexKey(k)
		if err != nil {
			fmt.Fprintf(w, "%s.%d: ** ERROR: %v\n", prefix, rowPos, err)
			return true, nil
		}
		fmt.Fprintf(w, "%s.%d: %s => %s\n", prefix, rowPos, parts.IndexKey, parts.RowID)
		return true, nil
	})
	return err
}

func (db *DB) dumpRow(w *strings.Builder, prefix string, rowPos int, k, v []byte) {
	_, _, rowID, err := DecodeRowKey(k)
	if err != nil {
		fmt.Fprintf(w, "%s.%d = ** ERROR: %v\n", prefix, rowPos, err)
		return
	}
	row, err := decodeRow("", "", rowID, v)
	if err != nil {
		fmt.Fprintf(w, "%s.%d = %s ** ERROR: %v\n", prefix, rowPos, rowID, err)
		return
	}
	fmt.Fprintf(w, "%s.%d = %s %s\n", prefix, rowPos, rowID, must(json.Marshal(row)))
}
