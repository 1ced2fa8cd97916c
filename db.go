package tabkv

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// DB runs table operations against a Store. It holds no cache and takes no
// locks of its own; each write is a single atomic Store batch.
type DB struct {
	store            Store
	logger           *slog.Logger
	verbose          bool
	enc              Encoding
	strictColumns    bool
	indexFieldPolicy IndexFieldPolicy
	newRowID         func() string
	now              func() time.Time
	defaultLimit     int
	maxLimit         int
	sinks            []ChangeSink

	ReadCount  atomic.Uint64
	WriteCount atomic.Uint64
}

type Options struct {
	Logger  *slog.Logger
	Verbose bool

	// Encoding of rows and descriptors written from now on. Either format is
	// always readable.
	Encoding Encoding

	// StrictColumns rejects row fields that name no declared column.
	StrictColumns    bool
	IndexFieldPolicy IndexFieldPolicy

	// NewRowID generates ids for rows inserted without one. Defaults to
	// UUIDv7, whose string order follows creation order.
	NewRowID func() string
	Now      func() time.Time

	DefaultLimit int
	MaxLimit     int

	// Sinks receive every committed change. Their failures are logged and
	// never fail the operation.
	Sinks []ChangeSink
}

func Open(store Store, opt Options) *DB {
	if store == nil {
		panic("tabkv: nil store")
	}
	db := &DB{
		store:            store,
		logger:           opt.Logger,
		verbose:          opt.Verbose,
		enc:              opt.Encoding,
		strictColumns:    opt.StrictColumns,
		indexFieldPolicy: opt.IndexFieldPolicy,
		newRowID:         opt.NewRowID,
		now:              opt.Now,
		defaultLimit:     opt.DefaultLimit,
		maxLimit:         opt.MaxLimit,
		sinks:            opt.Sinks,
	}
	if db.logger == nil {
		db.logger = slog.Default()
	}
	if db.newRowID == nil {
		db.newRowID = NewRowID
	}
	if db.now == nil {
		db.now = time.Now
	}
	if db.maxLimit <= 0 {
		db.maxLimit = MaxLimit
	}
	if db.defaultLimit <= 0 {
		db.defaultLimit = DefaultLimit
	}
	if db.defaultLimit > db.maxLimit {
		db.defaultLimit = db.maxLimit
	}
	return db
}

func (db *DB) Store() Store {
	return db.store
}

func (db *DB) Logger() *slog.Logger {
	return db.logger
}

// AddSink registers a change sink. It must not be called concurrently with
// operations.
func (db *DB) AddSink(sink ChangeSink) {
	db.sinks = append(db.sinks, sink)
}

// Close closes the underlying store.
func (db *DB) Close() error {
	return db.store.Close()
}

func (db *DB) effectiveLimit(limit int) (int, error) {
	switch {
	case limit < 0:
		return 0, invalidf("limit must not be negative, got %d", limit)
	case limit == 0:
		return db.defaultLimit, nil
	case limit > db.maxLimit:
		return db.maxLimit, nil
	default:
		return limit, nil
	}
}

func (db *DB) publish(ctx context.Context, chg Change) {
	for _, sink := range db.sinks {
		err := sink.PublishChanges(ctx, []Change{chg})
		if err != nil {
			db.logger.Error("db: change sink failed", "op", chg.Op.String(), "tenant", chg.TenantID, "table", chg.TableID, "row", chg.RowID, "err", err)
		}
	}
}
