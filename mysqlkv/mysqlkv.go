// Package mysqlkv stores tabkv data in a MySQL table with a VARBINARY
// primary key. InnoDB keeps the primary key in bytewise order, so range
// iteration is an ordered index scan. Batches run in one SQL transaction;
// iteration pages through the table, one query per page.
package mysqlkv

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"

	"github.com/andreyvit/tabkv"
)

const defaultPageSize = 256

// MaxKeySize is the longest key InnoDB can index.
const MaxKeySize = 3072

type Options struct {
	DSN   string
	Table string // defaults to "tabkv"

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	PageSize        int

	// CreateTable issues CREATE TABLE IF NOT EXISTS on open.
	CreateTable bool
}

type Store struct {
	db       *sql.DB
	table    string
	pageSize int
}

var _ tabkv.Store = (*Store)(nil)

func Open(ctx context.Context, opt Options) (*Store, error) {
	cfg, err := mysql.ParseDSN(opt.DSN)
	if err != nil {
		return nil, errors.Wrap(err, "mysqlkv: parsing DSN")
	}
	conn, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "mysqlkv: creating connector")
	}
	db := sql.OpenDB(conn)
	if opt.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opt.MaxOpenConns)
	}
	if opt.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opt.MaxIdleConns)
	}
	if opt.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opt.ConnMaxLifetime)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "mysqlkv: connecting to %s", cfg.Addr)
	}

	s, err := New(db, opt.Table)
	if err != nil {
		db.Close()
		return nil, err
	}
	if opt.PageSize > 0 {
		s.pageSize = opt.PageSize
	}
	if opt.CreateTable {
		if err := s.CreateTable(ctx); err != nil {
			db.Close()
			return nil, err
		}
	}
	return s, nil
}

// New wraps an open database handle. Close closes it.
func New(db *sql.DB, table string) (*Store, error) {
	if table == "" {
		table = "tabkv"
	}
	if !isIdent(table) {
		return nil, fmt.Errorf("mysqlkv: invalid table name %q", table)
	}
	return &Store{db: db, table: table, pageSize: defaultPageSize}, nil
}

func isIdent(s string) bool {
	for _, c := range s {
		if !(c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9') {
			return false
		}
	}
	return s != "" && len(s) <= 64
}

func (s *Store) CreateTable(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf("CREATE TABLE IF NOT EXISTS `%s` (k VARBINARY(%d) NOT NULL PRIMARY KEY, v LONGBLOB NOT NULL) ENGINE=InnoDB", s.table, MaxKeySize))
	return errors.Wrapf(err, "mysqlkv: creating table %s", s.table)
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Get(ctx context.Context, key []byte) ([]byte, error) {
	var v []byte
	err := s.db.QueryRowContext(ctx, "SELECT v FROM `"+s.table+"` WHERE k = ?", key).Scan(&v)
	if err == sql.ErrNoRows {
		return nil, tabkv.ErrKeyNotFound
	} else if err != nil {
		return nil, errors.Wrapf(err, "mysqlkv: get %x", key)
	}
	if v == nil {
		v = []byte{}
	}
	return v, nil
}

func (s *Store) Write(ctx context.Context, ops []tabkv.Op) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "mysqlkv: begin")
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	putQ := "INSERT INTO `" + s.table + "` (k, v) VALUES (?, ?) ON DUPLICATE KEY UPDATE v = VALUES(v)"
	delQ := "DELETE FROM `" + s.table + "` WHERE k = ?"
	for _, op := range ops {
		switch op.Kind {
		case tabkv.OpPut:
			if len(op.Key) > MaxKeySize {
				return fmt.Errorf("mysqlkv: key of %d bytes exceeds %d", len(op.Key), MaxKeySize)
			}
			v := op.Value
			if v == nil {
				v = []byte{}
			}
			_, err = tx.ExecContext(ctx, putQ, op.Key, v)
		case tabkv.OpDelete:
			_, err = tx.ExecContext(ctx, delQ, op.Key)
		default:
			err = fmt.Errorf("invalid op kind %d", op.Kind)
		}
		if err != nil {
			return errors.Wrapf(err, "mysqlkv: %v %x", op.Kind, op.Key)
		}
	}
	return errors.Wrap(tx.Commit(), "mysqlkv: commit")
}

func (s *Store) Iterate(ctx context.Context, opt tabkv.IterOptions) (tabkv.Iterator, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &iterator{s: s, ctx: ctx, opt: opt, lower: opt.Lower, inclusive: true, pos: -1}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

type kv struct {
	k, v []byte
}

type iterator struct {
	s         *Store
	ctx       context.Context
	opt       tabkv.IterOptions
	lower     []byte
	inclusive bool

	page []kv
	pos  int
	done bool
	err  error
}

func (it *iterator) query() (string, []any) {
	var buf strings.Builder
	if it.opt.KeysOnly {
		buf.WriteString("SELECT k FROM `")
	} else {
		buf.WriteString("SELECT k, v FROM `")
	}
	buf.WriteString(it.s.table)
	buf.WriteString("`")
	var conds []string
	var args []any
	if it.lower != nil {
		if it.inclusive {
			conds = append(conds, "k >= ?")
		} else {
			conds = append(conds, "k > ?")
		}
		args = append(args, it.lower)
	}
	if it.opt.Upper != nil {
		conds = append(conds, "k < ?")
		args = append(args, it.opt.Upper)
	}
	if len(conds) > 0 {
		buf.WriteString(" WHERE ")
		buf.WriteString(strings.Join(conds, " AND "))
	}
	buf.WriteString(" ORDER BY k LIMIT ?")
	args = append(args, it.s.pageSize)
	return buf.String(), args
}

func (it *iterator) fetch() bool {
	q, args := it.query()
	rows, err := it.s.db.QueryContext(it.ctx, q, args...)
	if err != nil {
		it.err = errors.Wrap(err, "mysqlkv: range query")
		return false
	}
	defer rows.Close()
	it.page, it.pos = it.page[:0], 0
	for rows.Next() {
		var e kv
		if it.opt.KeysOnly {
			err = rows.Scan(&e.k)
		} else {
			err = rows.Scan(&e.k, &e.v)
		}
		if err != nil {
			it.err = errors.Wrap(err, "mysqlkv: scanning row")
			return false
		}
		it.page = append(it.page, e)
	}
	if err := rows.Err(); err != nil {
		it.err = errors.Wrap(err, "mysqlkv: range query")
		return false
	}
	if len(it.page) < it.s.pageSize {
		it.done = true
	} else {
		it.lower, it.inclusive = it.page[len(it.page)-1].k, false
	}
	return len(it.page) > 0
}

func (it *iterator) Next() bool {
	if it.err != nil {
		return false
	}
	it.pos++
	for it.pos >= len(it.page) {
		if it.done || !it.fetch() {
			it.page = nil
			return false
		}
	}
	return true
}

func (it *iterator) Key() []byte   { return it.page[it.pos].k }
func (it *iterator) Value() []byte { return it.page[it.pos].v }
func (it *iterator) Err() error    { return it.err }

func (it *iterator) Close() error {
	it.done = true
	it.page = nil
	return nil
}
