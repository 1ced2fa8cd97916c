package tabkv

import (
	"strings"
)

// CompositeKey joins index field values the way index entries are keyed,
// with '#' between values. Values are not escaped: rows whose joined values
// coincide share the composite key and are told apart by row id.
func CompositeKey(values ...string) string {
	return strings.Join(values, "#")
}

// indexKeyString builds the composite key of row for def. It reports false
// when any field is missing, null or an empty string; such rows get no entry.
func indexKeyString(row Row, def *IndexDef) (string, bool) {
	var sb strings.Builder
	for i, f := range def.Fields {
		s, ok := row[f].text()
		if !ok || s == "" {
			return "", false
		}
		if i > 0 {
			sb.WriteByte('#')
		}
		sb.WriteString(s)
	}
	return sb.String(), true
}

// indexEntryKeys returns the index keys row contributes, in declaration order
// of the table's indexes.
func indexEntryKeys(tenant, table, rowID string, row Row, meta *TableMetadata) [][]byte {
	if row == nil {
		return nil
	}
	var keys [][]byte
	for i := range meta.IndexDefs {
		def := &meta.IndexDefs[i]
		if _, bad := meta.undeclaredField(def); bad {
			continue
		}
		iks, ok := indexKeyString(row, def)
		if !ok {
			continue
		}
		keys = append(keys, IndexKey(tenant, table, def.Name, iks, rowID))
	}
	return keys
}

// computeIndexWrites returns the index puts accompanying a row write.
func computeIndexWrites(tenant, table, rowID string, row Row, meta *TableMetadata) []Op {
	keys := indexEntryKeys(tenant, table, rowID, row, meta)
	ops := make([]Op, len(keys))
	for i, k := range keys {
		ops[i] = PutOp(k, []byte{})
	}
	return ops
}

// computeIndexDeletes returns the index deletes for the previously stored
// oldRow. Entries whose key is also in keep are left alone.
func computeIndexDeletes(tenant, table, rowID string, meta *TableMetadata, oldRow Row, keep []Op) []Op {
	keys := indexEntryKeys(tenant, table, rowID, oldRow, meta)
	if len(keys) == 0 {
		return nil
	}
	kept := make(map[string]bool, len(keep))
	for _, op := range keep {
		kept[string(op.Key)] = true
	}
	var ops []Op
	for _, k := range keys {
		if !kept[string(k)] {
			ops = append(ops, DeleteOp(k))
		}
	}
	return ops
}
