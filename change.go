package tabkv

import (
	"context"
	"fmt"
	"time"
)

type ChangeOp int

const (
	ChangeInsert ChangeOp = iota + 1
	ChangeDelete
	ChangeCreateTable
	ChangeDropTable
)

func (v ChangeOp) String() string {
	switch v {
	case ChangeInsert:
		return "insert"
	case ChangeDelete:
		return "delete"
	case ChangeCreateTable:
		return "createTable"
	case ChangeDropTable:
		return "dropTable"
	default:
		return fmt.Sprintf("invalid op %d", int(v))
	}
}

func ParseChangeOp(s string) (ChangeOp, error) {
	for op := ChangeInsert; op <= ChangeDropTable; op++ {
		if op.String() == s {
			return op, nil
		}
	}
	return 0, fmt.Errorf("unknown change op %q", s)
}

func (v ChangeOp) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

func (v *ChangeOp) UnmarshalText(b []byte) error {
	op, err := ParseChangeOp(string(b))
	if err != nil {
		return err
	}
	*v = op
	return nil
}

// Change describes one committed operation. Row is set for inserts, OldRow
// for deletes and for inserts that replaced a row, Meta for table creation.
type Change struct {
	Op       ChangeOp       `json:"op" msgpack:"op"`
	TenantID string         `json:"tenantId" msgpack:"tenant"`
	TableID  string         `json:"tableId" msgpack:"table"`
	RowID    string         `json:"rowId,omitempty" msgpack:"row,omitempty"`
	Row      Row            `json:"row,omitempty" msgpack:"data,omitempty"`
	OldRow   Row            `json:"oldRow,omitempty" msgpack:"old,omitempty"`
	Meta     *TableMetadata `json:"meta,omitempty" msgpack:"meta,omitempty"`
	Time     time.Time      `json:"time" msgpack:"time"`
}

// ChangeSink receives changes after their batch has been committed.
type ChangeSink interface {
	PublishChanges(ctx context.Context, changes []Change) error
}

type ChangeSinkFunc func(ctx context.Context, changes []Change) error

func (f ChangeSinkFunc) PublishChanges(ctx context.Context, changes []Change) error {
	return f(ctx, changes)
}

// Apply replays a change against db, as when rebuilding a store from a
// change log. Replaying an insert or createTable that already took effect is
// harmless; deletes and drops of missing rows or tables are ignored.
func (db *DB) Apply(ctx context.Context, chg Change) error {
	switch chg.Op {
	case ChangeInsert:
		_, err := db.InsertRow(ctx, chg.TenantID, chg.TableID, chg.RowID, chg.Row)
		return err
	case ChangeDelete:
		err := db.DeleteRow(ctx, chg.TenantID, chg.TableID, chg.RowID)
		if isNotFound(err) {
			return nil
		}
		return err
	case ChangeCreateTable:
		if chg.Meta == nil {
			return invalidf("createTable change without metadata")
		}
		_, err := db.CreateTable(ctx, chg.TenantID, chg.TableID, *chg.Meta)
		if isErr(err, ErrTableExists) {
			return nil
		}
		return err
	case ChangeDropTable:
		err := db.DropTable(ctx, chg.TenantID, chg.TableID)
		if isErr(err, ErrTableNotFound) {
			return nil
		}
		return err
	default:
		return invalidf("unknown change op %v", chg.Op)
	}
}
