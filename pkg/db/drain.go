// SPDX-License-Identifier: Apache-2.0

package db

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"time"

	"github.com/launchpadhq/lpdb/pkg/dialect"
)

// DefaultDrainTimeout bounds how long DrainAndClose waits for in-flight
// queries before forcing cancellation.
const DefaultDrainTimeout = 30 * time.Second

// DrainPhase is one step of the shutdown sequence. Phases only ever advance.
type DrainPhase string

const (
	PhaseIdle       DrainPhase = "idle"
	PhaseDraining   DrainPhase = "draining"
	PhaseCancelling DrainPhase = "cancelling"
	PhaseClosing    DrainPhase = "closing"
	PhaseComplete   DrainPhase = "complete"
)

// DrainProgress is reported to the OnProgress callback at each phase change.
type DrainProgress struct {
	Phase     DrainPhase
	Active    int
	Completed int
	Cancelled int
}

// DrainResult summarizes a completed drain.
type DrainResult struct {
	Success          bool
	TimedOut         bool
	CompletedQueries int
	CancelledQueries int
	Elapsed          time.Duration
}

type drainState struct {
	mu     sync.Mutex
	phase  DrainPhase
	result *DrainResult
}

type drainOptions struct {
	timeout     time.Duration
	forceCancel bool
	onProgress  func(DrainProgress)
}

type DrainOption func(*drainOptions)

// WithDrainTimeout overrides the default 30s drain timeout.
func WithDrainTimeout(timeout time.Duration) DrainOption {
	return func(o *drainOptions) {
		if timeout > 0 {
			o.timeout = timeout
		}
	}
}

// WithoutForceCancel leaves queries running at the backend when the drain
// times out instead of cancelling them.
func WithoutForceCancel() DrainOption {
	return func(o *drainOptions) {
		o.forceCancel = false
	}
}

// WithDrainProgress registers a callback invoked at each phase change.
func WithDrainProgress(fn func(DrainProgress)) DrainOption {
	return func(o *drainOptions) {
		o.onProgress = fn
	}
}

// DrainPhaseNow returns the current drain phase.
func (d *Driver) DrainPhaseNow() DrainPhase {
	d.drain.mu.Lock()
	defer d.drain.mu.Unlock()
	if d.drain.phase == "" {
		return PhaseIdle
	}
	return d.drain.phase
}

// DrainAndClose waits for in-flight queries to finish, optionally cancels
// the stragglers at the backend, and closes the pool. Once a drain begins
// the driver refuses new work. Repeated calls after completion return the
// first result.
func (d *Driver) DrainAndClose(ctx context.Context, opts ...DrainOption) (*DrainResult, error) {
	o := drainOptions{
		timeout:     DefaultDrainTimeout,
		forceCancel: true,
	}
	for _, opt := range opts {
		opt(&o)
	}

	d.drain.mu.Lock()
	defer d.drain.mu.Unlock()
	if d.drain.result != nil {
		return d.drain.result, nil
	}

	start := time.Now()
	before := d.tracker.Stats()
	initialActive := before.Active

	d.logger.Info().Int("active", initialActive).Msg("drain started")
	d.setPhaseLocked(PhaseDraining, o.onProgress)

	drained := d.tracker.StartDrain()

	timer := time.NewTimer(o.timeout)
	defer timer.Stop()

	var timedOut bool
	select {
	case <-drained:
	case <-timer.C:
		timedOut = true
	case <-ctx.Done():
		timedOut = true
	}

	if timedOut && o.forceCancel {
		d.setPhaseLocked(PhaseCancelling, o.onProgress)
		d.cancelActive(ctx)
	}

	d.setPhaseLocked(PhaseClosing, o.onProgress)
	d.StopHealthChecks()
	closeErr := d.sqlDB.Close()
	d.setPhaseLocked(PhaseComplete, o.onProgress)

	after := d.tracker.Stats()
	result := &DrainResult{
		Success:          closeErr == nil && after.Active == 0,
		TimedOut:         timedOut,
		CompletedQueries: after.Completed - before.Completed,
		CancelledQueries: after.Cancelled - before.Cancelled,
		Elapsed:          time.Since(start),
	}
	d.drain.result = result

	d.logger.Info().
		Bool("timed_out", timedOut).
		Int("completed", result.CompletedQueries).
		Int("cancelled", result.CancelledQueries).
		Dur("elapsed", result.Elapsed).
		Msg("drain complete")

	return result, closeErr
}

func (d *Driver) setPhaseLocked(phase DrainPhase, onProgress func(DrainProgress)) {
	d.drain.phase = phase
	if onProgress != nil {
		stats := d.tracker.Stats()
		onProgress(DrainProgress{
			Phase:     phase,
			Active:    stats.Active,
			Completed: stats.Completed,
			Cancelled: stats.Cancelled,
		})
	}
}

// cancelActive cancels the remaining in-flight queries at the backend. The
// SQLite path has nothing to cancel: its single connection executes queries
// to completion. Cancellation happens over a fresh connection because the
// pool may be fully occupied by the queries being cancelled.
func (d *Driver) cancelActive(ctx context.Context) {
	if d.dlct == dialect.SQLite {
		return
	}

	handles := d.tracker.ActiveHandles()
	if len(handles) == 0 {
		return
	}

	cancelDB, cleanup := d.cancelConn()
	defer cleanup()

	for _, h := range handles {
		if err := d.cancelHandle(ctx, cancelDB, h); err != nil {
			d.logger.Warn().Err(err).Str("query_id", h.ID).Msg("backend cancel failed")
		}
		d.tracker.MarkCancelled(h.ID)
	}
}

func (d *Driver) cancelConn() (queryable, func()) {
	if d.driverDSN == "" {
		return d.sqlDB, func() {}
	}
	fresh, err := sql.Open(d.dlct.DriverName(), d.driverDSN)
	if err != nil {
		return d.sqlDB, func() {}
	}
	return fresh, func() { fresh.Close() }
}

func (d *Driver) cancelHandle(ctx context.Context, q queryable, h QueryHandle) error {
	switch d.dlct {
	case dialect.MySQL:
		if h.BackendPID == 0 {
			return nil
		}
		_, err := q.ExecContext(ctx, "KILL QUERY ?", h.BackendPID)
		return err
	default:
		if h.BackendPID != 0 {
			_, err := q.ExecContext(ctx, "SELECT pg_cancel_backend($1)", h.BackendPID)
			return err
		}
		// No pid was captured for this handle; fall back to matching the
		// tracked SQL prefix against the server's activity view.
		_, err := q.ExecContext(ctx,
			"SELECT pg_cancel_backend(pid) FROM pg_stat_activity WHERE pid <> pg_backend_pid() AND state = 'active' AND query LIKE $1",
			escapeLikePrefix(h.SQL)+"%")
		return err
	}
}

func escapeLikePrefix(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}
