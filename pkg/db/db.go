// SPDX-License-Identifier: Apache-2.0

// Package db implements the dialect-abstracted driver at the center of the
// engine. Every query, statement and transaction passes through a Tracker so
// in-flight work can be drained or cancelled deterministically at shutdown.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cloudflare/backoff"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/rs/zerolog"

	_ "github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"

	"github.com/launchpadhq/lpdb/internal/connstr"
	"github.com/launchpadhq/lpdb/pkg/dialect"
)

const (
	lockNotAvailableErrorCode pq.ErrorCode = "55P03"
	maxBackoffDuration                     = 1 * time.Minute
	backoffInterval                        = 1 * time.Second

	// DefaultMaxOpenConns is the pool size for server backends. SQLite
	// serializes through a single connection.
	DefaultMaxOpenConns = 20
)

// Row is a single result row keyed by column name.
type Row map[string]any

// Result holds the materialized rows of a read query.
type Result struct {
	Rows     []Row
	RowCount int
}

// ExecResult reports the outcome of a non-row statement.
type ExecResult struct {
	RowCount int64
}

// Querier is the read/write surface shared by the driver and transactions.
type Querier interface {
	Query(ctx context.Context, query string, args ...any) (*Result, error)
	Exec(ctx context.Context, query string, args ...any) (ExecResult, error)
}

// DB is the driver contract the rest of the engine depends on.
type DB interface {
	Querier
	WithTransaction(ctx context.Context, fn func(context.Context, Querier) error) error
	Dialect() dialect.Dialect
	Close() error
}

// PoolStats is a snapshot of the underlying connection pool.
type PoolStats struct {
	Total   int
	Active  int
	Idle    int
	Waiting int
	Max     int
}

// Driver routes queries to one of the three supported backends and tracks
// every in-flight operation for drain support.
type Driver struct {
	sqlDB     *sql.DB
	dsn       string
	driverDSN string
	dlct      dialect.Dialect
	tracker   *Tracker
	logger    zerolog.Logger

	maxOpenConns int

	health healthState
	drain  drainState
}

var _ DB = (*Driver)(nil)

// Open connects to the database identified by dsn, detecting the dialect
// from the connection-string prefix.
func Open(ctx context.Context, dsn string, opts ...Option) (*Driver, error) {
	d, err := dialect.Detect(dsn)
	if err != nil {
		return nil, err
	}

	driverDSN, err := connstr.DriverDSN(dsn, d.String())
	if err != nil {
		return nil, err
	}

	sqlDB, err := sql.Open(d.DriverName(), driverDSN)
	if err != nil {
		return nil, err
	}

	drv := NewDriver(sqlDB, d, opts...)
	drv.dsn = dsn
	drv.driverDSN = driverDSN

	maxConns := drv.maxOpenConns
	if d == dialect.SQLite {
		maxConns = 1
	}
	sqlDB.SetMaxOpenConns(maxConns)

	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("connecting to %s database: %w", d, err)
	}

	return drv, nil
}

// NewDriver wraps an existing *sql.DB with tracking and drain support.
func NewDriver(sqlDB *sql.DB, d dialect.Dialect, opts ...Option) *Driver {
	drv := &Driver{
		sqlDB:        sqlDB,
		dlct:         d,
		tracker:      NewTracker(),
		logger:       zerolog.Nop(),
		maxOpenConns: DefaultMaxOpenConns,
	}
	drv.health.interval = defaultHealthInterval
	drv.health.timeout = defaultHealthTimeout
	for _, o := range opts {
		o(drv)
	}
	return drv
}

// Dialect returns the dialect the driver was opened with.
func (d *Driver) Dialect() dialect.Dialect {
	return d.dlct
}

// Tracker exposes the driver's query tracker.
func (d *Driver) Tracker() *Tracker {
	return d.tracker
}

// ActiveQueryCount returns the number of in-flight queries.
func (d *Driver) ActiveQueryCount() int {
	return d.tracker.Active()
}

// Draining reports whether a drain has begun.
func (d *Driver) Draining() bool {
	return d.tracker.Draining()
}

// queryable is satisfied by *sql.DB, *sql.Conn and *sql.Tx.
type queryable interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Query runs a parameterized read and materializes the result rows.
func (d *Driver) Query(ctx context.Context, query string, args ...any) (*Result, error) {
	op, err := d.beginOp(ctx, query)
	if err != nil {
		return nil, err
	}
	defer op.finish()

	rows, err := d.queryContext(ctx, op.conn(), query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanRows(rows)
}

// Exec runs a statement that returns no rows.
func (d *Driver) Exec(ctx context.Context, query string, args ...any) (ExecResult, error) {
	op, err := d.beginOp(ctx, query)
	if err != nil {
		return ExecResult{}, err
	}
	defer op.finish()

	res, err := d.execContext(ctx, op.conn(), query, args...)
	if err != nil {
		return ExecResult{}, err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		affected = 0
	}
	return ExecResult{RowCount: affected}, nil
}

// WithTransaction begins a transaction, invokes fn with a transaction-scoped
// Querier, and commits on success. Any error or panic from fn rolls the
// transaction back; panics are re-raised after rollback.
func (d *Driver) WithTransaction(ctx context.Context, fn func(context.Context, Querier) error) error {
	op, err := d.beginOp(ctx, "transaction")
	if err != nil {
		return err
	}
	defer op.finish()

	tx, err := d.beginTx(ctx, op)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(ctx, &Tx{tx: tx, d: d}); err != nil {
		if errRollback := tx.Rollback(); errRollback != nil && !errors.Is(errRollback, sql.ErrTxDone) {
			d.logger.Error().Err(errRollback).Msg("transaction rollback failed")
		}
		return err
	}

	return tx.Commit()
}

func (d *Driver) beginTx(ctx context.Context, op *operation) (*sql.Tx, error) {
	if op.sqlConn != nil {
		return op.sqlConn.BeginTx(ctx, nil)
	}
	return d.sqlDB.BeginTx(ctx, nil)
}

// operation carries the per-call tracking state. For server backends it pins
// a dedicated connection so the backend process id is known at cancel time.
type operation struct {
	d       *Driver
	id      string
	sqlConn *sql.Conn
}

func (o *operation) conn() queryable {
	if o.sqlConn != nil {
		return o.sqlConn
	}
	return o.d.sqlDB
}

func (o *operation) finish() {
	o.d.tracker.Untrack(o.id)
	if o.sqlConn != nil {
		o.sqlConn.Close()
	}
}

// beginOp registers a handle before any statement reaches the backend. The
// handle is removed by operation.finish on every path.
func (d *Driver) beginOp(ctx context.Context, query string) (*operation, error) {
	id := uuid.NewString()
	if err := d.tracker.Track(id, query, 0); err != nil {
		return nil, err
	}

	op := &operation{d: d, id: id}

	if q := d.dlct.BackendPIDQuery(); q != "" {
		conn, err := d.sqlDB.Conn(ctx)
		if err != nil {
			d.tracker.Untrack(id)
			return nil, err
		}
		op.sqlConn = conn

		var pid int
		if err := conn.QueryRowContext(ctx, q).Scan(&pid); err == nil {
			d.tracker.SetBackendPID(id, pid)
		}
	}

	return op, nil
}

// execContext retries lock_timeout errors with exponential backoff on the
// Postgres path.
func (d *Driver) execContext(ctx context.Context, q queryable, query string, args ...any) (sql.Result, error) {
	if d.dlct != dialect.Postgres {
		return q.ExecContext(ctx, query, args...)
	}

	b := backoff.New(maxBackoffDuration, backoffInterval)
	for {
		res, err := q.ExecContext(ctx, query, args...)
		if err == nil {
			return res, nil
		}

		pqErr := &pq.Error{}
		if errors.As(err, &pqErr) && pqErr.Code == lockNotAvailableErrorCode {
			if err := sleepCtx(ctx, b.Duration()); err != nil {
				return nil, err
			}
			continue
		}

		return nil, err
	}
}

func (d *Driver) queryContext(ctx context.Context, q queryable, query string, args ...any) (*sql.Rows, error) {
	if d.dlct != dialect.Postgres {
		return q.QueryContext(ctx, query, args...)
	}

	b := backoff.New(maxBackoffDuration, backoffInterval)
	for {
		rows, err := q.QueryContext(ctx, query, args...)
		if err == nil {
			return rows, nil
		}

		pqErr := &pq.Error{}
		if errors.As(err, &pqErr) && pqErr.Code == lockNotAvailableErrorCode {
			if err := sleepCtx(ctx, b.Duration()); err != nil {
				return nil, err
			}
			continue
		}

		return nil, err
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func scanRows(rows *sql.Rows) (*Result, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	out := make([]Row, 0)
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}

		row := make(Row, len(cols))
		for i, c := range cols {
			v := vals[i]
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			row[c] = v
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &Result{Rows: out, RowCount: len(out)}, nil
}

// PoolStats returns a snapshot of the connection pool. SQLite reports a
// fixed single-connection pool.
func (d *Driver) PoolStats() PoolStats {
	s := d.sqlDB.Stats()
	max := s.MaxOpenConnections
	if d.dlct == dialect.SQLite {
		max = 1
	}
	return PoolStats{
		Total:   s.OpenConnections,
		Active:  s.InUse,
		Idle:    s.Idle,
		Waiting: int(s.WaitCount),
		Max:     max,
	}
}

// Close closes the pool without draining. Safe to call repeatedly and after
// DrainAndClose.
func (d *Driver) Close() error {
	d.StopHealthChecks()
	return d.sqlDB.Close()
}

// Tx is the Querier bound to one transaction. Statements inside the
// transaction are covered by the handle registered for the transaction
// itself and are not tracked individually.
type Tx struct {
	tx *sql.Tx
	d  *Driver
}

var _ Querier = (*Tx)(nil)

func (t *Tx) Query(ctx context.Context, query string, args ...any) (*Result, error) {
	rows, err := t.d.queryContext(ctx, t.tx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRows(rows)
}

func (t *Tx) Exec(ctx context.Context, query string, args ...any) (ExecResult, error) {
	res, err := t.d.execContext(ctx, t.tx, query, args...)
	if err != nil {
		return ExecResult{}, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		affected = 0
	}
	return ExecResult{RowCount: affected}, nil
}
