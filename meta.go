package tabkv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strings"
)

// TableMetadata is the descriptor stored once per table.
type TableMetadata struct {
	Name      string     `json:"name" msgpack:"name"`
	Columns   []Column   `json:"columns" msgpack:"columns"`
	IndexDefs []IndexDef `json:"indexDefs" msgpack:"indexDefs"`
	CreatedAt int64      `json:"createdAt" msgpack:"createdAt"` // Unix milliseconds
}

type Column struct {
	Name string `json:"name" msgpack:"name"`
	Type string `json:"type" msgpack:"type"`
}

// IndexDef declares a secondary index over one or more fields. Entries are
// keyed by the composite key of the fields' values in declaration order.
type IndexDef struct {
	Name   string   `json:"name" msgpack:"name"`
	Fields []string `json:"fields" msgpack:"fields"`
}

// IndexFieldPolicy decides what happens to index fields that name no
// declared column.
type IndexFieldPolicy int

const (
	// IndexFieldsTolerate accepts such indexes; they never produce entries.
	IndexFieldsTolerate IndexFieldPolicy = iota
	// IndexFieldsReject fails CreateTable and InsertRow with ErrInvalidInput.
	IndexFieldsReject
)

func (p IndexFieldPolicy) String() string {
	switch p {
	case IndexFieldsTolerate:
		return "tolerate"
	case IndexFieldsReject:
		return "reject"
	default:
		return fmt.Sprintf("IndexFieldPolicy(%d)", int(p))
	}
}

func ParseIndexFieldPolicy(s string) (IndexFieldPolicy, error) {
	switch strings.ToLower(s) {
	case "", "tolerate":
		return IndexFieldsTolerate, nil
	case "reject":
		return IndexFieldsReject, nil
	default:
		return 0, fmt.Errorf("unknown index field policy %q", s)
	}
}

type columnType int

const (
	colAny columnType = iota
	colString
	colNumber
	colInteger
	colBool
)

func parseColumnType(s string) (columnType, bool) {
	switch strings.ToLower(s) {
	case "", "any", "json":
		return colAny, true
	case "string", "text":
		return colString, true
	case "number", "float", "double":
		return colNumber, true
	case "integer", "int":
		return colInteger, true
	case "boolean", "bool":
		return colBool, true
	default:
		return colAny, false
	}
}

func (ct columnType) accepts(v Value) bool {
	if v.IsNull() {
		return true
	}
	switch ct {
	case colString:
		return v.Kind() == KindString
	case colNumber:
		return v.Kind() == KindNumber
	case colInteger:
		n, ok := v.AsNumber()
		return ok && n == math.Trunc(n) && !math.IsInf(n, 0)
	case colBool:
		return v.Kind() == KindBool
	default:
		return true
	}
}

func (m *TableMetadata) Column(name string) *Column {
	for i := range m.Columns {
		if m.Columns[i].Name == name {
			return &m.Columns[i]
		}
	}
	return nil
}

func (m *TableMetadata) Index(name string) *IndexDef {
	for i := range m.IndexDefs {
		if m.IndexDefs[i].Name == name {
			return &m.IndexDefs[i]
		}
	}
	return nil
}

// undeclaredField returns the first field of def that names no column. Tables
// without declared columns are schemaless, so every field counts as declared.
func (m *TableMetadata) undeclaredField(def *IndexDef) (string, bool) {
	if len(m.Columns) == 0 {
		return "", false
	}
	for _, f := range def.Fields {
		if m.Column(f) == nil {
			return f, true
		}
	}
	return "", false
}

func (m *TableMetadata) validate(policy IndexFieldPolicy) error {
	if m.Name == "" {
		return invalidf("table name is empty")
	}
	seenCols := make(map[string]bool, len(m.Columns))
	for _, col := range m.Columns {
		if col.Name == "" {
			return invalidf("column name is empty")
		}
		if seenCols[col.Name] {
			return invalidf("duplicate column %q", col.Name)
		}
		seenCols[col.Name] = true
		if _, ok := parseColumnType(col.Type); !ok {
			return invalidf("column %q has unknown type %q", col.Name, col.Type)
		}
	}
	seenIdx := make(map[string]bool, len(m.IndexDefs))
	for i := range m.IndexDefs {
		def := &m.IndexDefs[i]
		if def.Name == "" {
			return invalidf("index name is empty")
		}
		if seenIdx[def.Name] {
			return invalidf("duplicate index %q", def.Name)
		}
		seenIdx[def.Name] = true
		if len(def.Fields) == 0 {
			return invalidf("index %q has no fields", def.Name)
		}
		if slices.Contains(def.Fields, "") {
			return invalidf("index %q has an empty field name", def.Name)
		}
		if policy == IndexFieldsReject {
			if f, bad := m.undeclaredField(def); bad {
				return invalidf("index %q references undeclared column %q", def.Name, f)
			}
		}
	}
	return nil
}

func (m *TableMetadata) validateRow(row Row, strictColumns bool) error {
	for name, v := range row {
		if name == "" {
			return invalidf("empty field name")
		}
		col := m.Column(name)
		if col == nil {
			if strictColumns && len(m.Columns) > 0 {
				return invalidf("field %q is not a declared column", name)
			}
			continue
		}
		ct, _ := parseColumnType(col.Type)
		if !ct.accepts(v) {
			return invalidf("field %q: %s value does not fit column type %q", name, v.Kind(), col.Type)
		}
	}
	return nil
}

func checkTableArgs(tenant, table string) error {
	if tenant == "" {
		return invalidf("tenantId is required")
	}
	if table == "" {
		return invalidf("tableId is required")
	}
	return nil
}

func (db *DB) getMeta(ctx context.Context, tenant, table string) (*TableMetadata, error) {
	if err := checkTableArgs(tenant, table); err != nil {
		return nil, err
	}
	key := MetaKey(tenant, table)
	raw, err := db.store.Get(ctx, key)
	if errors.Is(err, ErrKeyNotFound) {
		return nil, tableErrf(tenant, table, "", "", ErrTableNotFound, "")
	} else if err != nil {
		return nil, tableErrf(tenant, table, "", "", storeErr("get", key, err), "reading metadata")
	}
	db.ReadCount.Add(1)
	meta := new(TableMetadata)
	if err := decodeValue(raw, meta); err != nil {
		return nil, tableErrf(tenant, table, "", "", err, "decoding metadata")
	}
	return meta, nil
}

// CreateTable stores the descriptor of a new table. meta.Name defaults to
// table, and a zero CreatedAt is stamped with the current time.
func (db *DB) CreateTable(ctx context.Context, tenant, table string, meta TableMetadata) (*TableMetadata, error) {
	if err := checkTableArgs(tenant, table); err != nil {
		return nil, err
	}
	if meta.Name == "" {
		meta.Name = table
	}
	if meta.CreatedAt == 0 {
		meta.CreatedAt = db.now().UnixMilli()
	}
	if err := meta.validate(db.indexFieldPolicy); err != nil {
		return nil, tableErrf(tenant, table, "", "", err, "")
	}

	key := MetaKey(tenant, table)
	_, err := db.store.Get(ctx, key)
	if err == nil {
		return nil, tableErrf(tenant, table, "", "", ErrTableExists, "")
	} else if !errors.Is(err, ErrKeyNotFound) {
		return nil, tableErrf(tenant, table, "", "", storeErr("get", key, err), "checking metadata")
	}

	raw, err := db.enc.EncodeValue(nil, &meta)
	if err != nil {
		return nil, tableErrf(tenant, table, "", "", err, "encoding metadata")
	}
	if err := db.store.Write(ctx, []Op{PutOp(key, raw)}); err != nil {
		return nil, tableErrf(tenant, table, "", "", storeErr("write", nil, err), "creating table")
	}
	db.WriteCount.Add(1)
	if db.verbose {
		db.logger.Debug("db: CREATE TABLE", "tenant", tenant, "table", table, "columns", len(meta.Columns), "indexes", len(meta.IndexDefs))
	}
	db.publish(ctx, Change{Op: ChangeCreateTable, TenantID: tenant, TableID: table, Meta: &meta, Time: db.now()})
	return &meta, nil
}

// DropTable removes the descriptor, every row and every index entry of the
// table in one batch.
func (db *DB) DropTable(ctx context.Context, tenant, table string) error {
	if _, err := db.getMeta(ctx, tenant, table); err != nil {
		return err
	}
	ops := []Op{DeleteOp(MetaKey(tenant, table))}
	var err error
	for _, r := range []IterOptions{RowRange(tenant, table), IndexTableRange(tenant, table)} {
		r.KeysOnly = true
		ops, err = db.collectKeys(ctx, r, ops, func(key []byte) Op {
			return DeleteOp(key)
		})
		if err != nil {
			return tableErrf(tenant, table, "", "", err, "collecting keys")
		}
	}
	if err := db.store.Write(ctx, ops); err != nil {
		return tableErrf(tenant, table, "", "", storeErr("write", nil, err), "dropping table")
	}
	db.WriteCount.Add(1)
	if db.verbose {
		db.logger.Debug("db: DROP TABLE", "tenant", tenant, "table", table, slog.Int("keys", len(ops)))
	}
	db.publish(ctx, Change{Op: ChangeDropTable, TenantID: tenant, TableID: table, Time: db.now()})
	return nil
}

// ListTables returns the descriptors of all tables of a tenant, ordered by
// table id.
func (db *DB) ListTables(ctx context.Context, tenant string) ([]*TableMetadata, error) {
	if tenant == "" {
		return nil, invalidf("tenantId is required")
	}
	it, err := db.store.Iterate(ctx, MetaTenantRange(tenant))
	if err != nil {
		return nil, storeErr("iterate", nil, err)
	}
	defer it.Close()
	var result []*TableMetadata
	for it.Next() {
		_, table, err := DecodeMetaKey(it.Key())
		if err != nil {
			return nil, err
		}
		meta := new(TableMetadata)
		if err := decodeValue(it.Value(), meta); err != nil {
			return nil, tableErrf(tenant, table, "", "", err, "decoding metadata")
		}
		result = append(result, meta)
	}
	if err := it.Err(); err != nil {
		return nil, storeErr("iterate", nil, err)
	}
	db.ReadCount.Add(uint64(len(result)))
	return result, nil
}

func (db *DB) collectKeys(ctx context.Context, r IterOptions, ops []Op, f func(key []byte) Op) ([]Op, error) {
	it, err := db.store.Iterate(ctx, r)
	if err != nil {
		return ops, storeErr("iterate", r.Lower, err)
	}
	defer it.Close()
	for it.Next() {
		ops = append(ops, f(slices.Clone(it.Key())))
	}
	if err := it.Err(); err != nil {
		return ops, storeErr("iterate", r.Lower, err)
	}
	return ops, nil
}
