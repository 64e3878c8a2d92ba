// Package sqltrace registers a "sqlite-trace" database/sql driver that wraps
// modernc.org/sqlite and logs every statement through slog:
//
//	import _ "github.com/hazyhaar/feedpipe/sqltrace"
//	db, err := dbopen.Open("db/feed.db", dbopen.WithDriver(sqltrace.DriverName))
//
// Statements log at Debug, at Warn when slower than the threshold and at
// Error on failure. The run ID set with kit.WithTraceID is attached as
// trace_id.
package sqltrace

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	sqlite "modernc.org/sqlite"

	"github.com/hazyhaar/feedpipe/kit"
)

// DriverName is the name the tracing driver is registered under.
const DriverName = "sqlite-trace"

var slowThreshold atomic.Int64

func init() {
	slowThreshold.Store(int64(100 * time.Millisecond))
	sql.Register(DriverName, &Driver{Driver: &sqlite.Driver{}})
}

// SetSlowThreshold sets the duration above which statements log at Warn.
func SetSlowThreshold(d time.Duration) { slowThreshold.Store(int64(d)) }

// Driver wraps a driver.Driver, tracing the statements of its connections.
type Driver struct {
	driver.Driver
}

func (d *Driver) Open(name string) (driver.Conn, error) {
	c, err := d.Driver.Open(name)
	if err != nil {
		return nil, err
	}
	return &conn{Conn: c}, nil
}

type conn struct {
	driver.Conn
}

func (c *conn) Prepare(query string) (driver.Stmt, error) {
	st, err := c.Conn.Prepare(query)
	if err != nil {
		return nil, err
	}
	return &stmt{Stmt: st, query: query}, nil
}

func (c *conn) PrepareContext(ctx context.Context, query string) (driver.Stmt, error) {
	if pc, ok := c.Conn.(driver.ConnPrepareContext); ok {
		st, err := pc.PrepareContext(ctx, query)
		if err != nil {
			return nil, err
		}
		return &stmt{Stmt: st, query: query}, nil
	}
	return c.Prepare(query)
}

func (c *conn) BeginTx(ctx context.Context, opts driver.TxOptions) (driver.Tx, error) {
	if bc, ok := c.Conn.(driver.ConnBeginTx); ok {
		return bc.BeginTx(ctx, opts)
	}
	return c.Conn.Begin()
}

type stmt struct {
	driver.Stmt
	query string
}

func (s *stmt) ExecContext(ctx context.Context, args []driver.NamedValue) (driver.Result, error) {
	start := time.Now()
	var (
		res driver.Result
		err error
	)
	if ec, ok := s.Stmt.(driver.StmtExecContext); ok {
		res, err = ec.ExecContext(ctx, args)
	} else {
		res, err = s.Stmt.Exec(values(args))
	}
	record(ctx, "exec", s.query, time.Since(start), err)
	return res, err
}

func (s *stmt) QueryContext(ctx context.Context, args []driver.NamedValue) (driver.Rows, error) {
	start := time.Now()
	var (
		rows driver.Rows
		err  error
	)
	if qc, ok := s.Stmt.(driver.StmtQueryContext); ok {
		rows, err = qc.QueryContext(ctx, args)
	} else {
		rows, err = s.Stmt.Query(values(args))
	}
	record(ctx, "query", s.query, time.Since(start), err)
	return rows, err
}

func record(ctx context.Context, op, query string, d time.Duration, err error) {
	// Pragmas are issued on every open; only slow or failing ones matter.
	if err == nil && d < 10*time.Millisecond && strings.HasPrefix(strings.ToUpper(query), "PRAGMA ") {
		return
	}
	level := slog.LevelDebug
	switch {
	case err != nil:
		level = slog.LevelError
	case d > time.Duration(slowThreshold.Load()):
		level = slog.LevelWarn
	}
	if !slog.Default().Enabled(ctx, level) {
		return
	}
	attrs := []slog.Attr{
		slog.String("op", op),
		slog.String("query", compact(query)),
		slog.Duration("duration", d),
	}
	if id := kit.GetTraceID(ctx); id != "" {
		attrs = append(attrs, slog.String("trace_id", id))
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	slog.LogAttrs(ctx, level, "sqltrace: statement", attrs...)
}

// compact folds whitespace so multi-line DDL logs on one line.
func compact(q string) string {
	return strings.Join(strings.Fields(q), " ")
}

func values(named []driver.NamedValue) []driver.Value {
	vals := make([]driver.Value, len(named))
	for i, nv := range named {
		vals[i] = nv.Value
	}
	return vals
}
