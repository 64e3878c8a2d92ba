// Package load writes transformed records into a feed's SQLite database.
//
// Each call to Engine.Load is one batch: the DDL is executed, then every
// insert runs inside a single transaction. Either the whole batch is
// committed or nothing is. Callers record batch membership in the state
// tracker only after Load returns nil.
package load

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/feedpipe/dbopen"
	"github.com/hazyhaar/feedpipe/feedpipe/internal/transform"
)

// ErrIncomplete is returned when fewer statements executed than records
// were submitted.
var ErrIncomplete = errors.New("load: batch incomplete")

// Result counts one batch.
type Result struct {
	// Attempted is the number of records submitted.
	Attempted int
	// Committed is the number of insert statements executed in the
	// committed transaction.
	Committed int
	// Inserted is the number of rows actually added. It is lower than
	// Committed when the insert ignores rows already present.
	Inserted int64
}

// Engine owns one open feed database.
type Engine struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
}

// Option configures Open.
type Option func(*options)

type options struct {
	driver string
}

// WithDriver opens the database through another registered driver, such as
// the tracing wrapper "sqlite-trace".
func WithDriver(name string) Option { return func(o *options) { o.driver = name } }

// Open opens or creates the database at path, creating its directory.
func Open(path string, logger *slog.Logger, opts ...Option) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	o := options{driver: "sqlite"}
	for _, fn := range opts {
		fn(&o)
	}
	db, err := dbopen.Open(path, dbopen.WithMkdirAll(), dbopen.WithDriver(o.driver))
	if err != nil {
		return nil, fmt.Errorf("load: %w", err)
	}
	return &Engine{db: db, path: path, logger: logger}, nil
}

// NewEngine wraps an already open database.
func NewEngine(db *sql.DB, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{db: db, logger: logger}
}

// DB returns the underlying handle.
func (e *Engine) DB() *sql.DB { return e.db }

// Close closes the database.
func (e *Engine) Close() error { return e.db.Close() }

// Load executes the DDL, then inserts records in one transaction.
func (e *Engine) Load(ctx context.Context, st *Statement, records []transform.Record) (Result, error) {
	res := Result{Attempted: len(records)}

	if _, err := e.db.ExecContext(ctx, st.DDL); err != nil {
		return res, fmt.Errorf("load: ddl: %w", err)
	}
	if len(records) == 0 {
		return res, nil
	}

	err := dbopen.RunTx(ctx, e.db, func(tx *sql.Tx) error {
		// RunTx may call again after BUSY; counts restart with the transaction.
		res.Committed, res.Inserted = 0, 0

		stmt, err := tx.PrepareContext(ctx, st.Insert)
		if err != nil {
			return fmt.Errorf("load: prepare insert: %w", err)
		}
		defer stmt.Close()

		for i, rec := range records {
			r, err := stmt.ExecContext(ctx, st.args(rec)...)
			if err != nil {
				return fmt.Errorf("load: record %d: %w", i, err)
			}
			res.Committed++
			if n, err := r.RowsAffected(); err == nil {
				res.Inserted += n
			}
		}
		if res.Committed != res.Attempted {
			return fmt.Errorf("%w: %d of %d", ErrIncomplete, res.Committed, res.Attempted)
		}
		return nil
	})
	if err != nil {
		res.Committed, res.Inserted = 0, 0
		return res, err
	}

	e.logger.Debug("load: batch committed",
		"table", st.Table, "attempted", res.Attempted,
		"committed", res.Committed, "inserted", res.Inserted)
	return res, nil
}

// Count returns the number of rows in table.
func (e *Engine) Count(ctx context.Context, table string) (int64, error) {
	return count(ctx, e.db, table)
}

// Load opens the database at dbPath, loads one batch and closes it.
func Load(ctx context.Context, dbPath string, st *Statement, records []transform.Record) (Result, error) {
	e, err := Open(dbPath, nil)
	if err != nil {
		return Result{}, err
	}
	defer e.Close()
	return e.Load(ctx, st, records)
}

// CountFile counts table rows through a read-only connection. It never
// creates dbPath; a missing file yields an error wrapping dbopen.ErrNotExist.
func CountFile(ctx context.Context, dbPath, table string) (int64, error) {
	db, err := dbopen.Open(dbPath, dbopen.WithReadOnly())
	if err != nil {
		return 0, fmt.Errorf("load: %w", err)
	}
	defer db.Close()
	return count(ctx, db, table)
}

func count(ctx context.Context, db *sql.DB, table string) (int64, error) {
	if !identRe.MatchString(table) {
		return 0, fmt.Errorf("load: count: bad table name %q", table)
	}
	var n int64
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+quote(table)).Scan(&n); err != nil {
		return 0, fmt.Errorf("load: count %s: %w", table, err)
	}
	return n, nil
}

func (st *Statement) args(rec transform.Record) []any {
	args := make([]any, len(st.Binds))
	for i, b := range st.Binds {
		if st.Named {
			args[i] = sql.Named(b.Param, rec[b.Field])
		} else {
			args[i] = rec[b.Field]
		}
	}
	return args
}
