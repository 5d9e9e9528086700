// SPDX-License-Identifier: Apache-2.0

package db

import (
	"errors"
	"sync"
	"time"
)

// maxTrackedSQLLen bounds the SQL text retained per handle.
const maxTrackedSQLLen = 200

// ErrDraining is returned when new work is submitted after a drain has begun.
var ErrDraining = errors.New("driver is draining, no new queries accepted")

// QueryHandle describes one in-flight query.
type QueryHandle struct {
	ID         string
	SQL        string
	StartedAt  time.Time
	BackendPID int
}

// TrackerStats is a point-in-time snapshot of tracker counters.
type TrackerStats struct {
	Active    int
	Completed int
	Cancelled int
}

// Tracker maintains the set of in-flight query handles and the drain
// synchronization. All mutations happen under a single mutex so the
// drain-resolution check is atomic with the counter updates.
type Tracker struct {
	mu        sync.Mutex
	handles   map[string]QueryHandle
	completed int
	cancelled int
	draining  bool
	drained   chan struct{}
}

func NewTracker() *Tracker {
	return &Tracker{handles: make(map[string]QueryHandle)}
}

// Track registers a new in-flight query. It fails with ErrDraining once a
// drain has started so no new work enters during shutdown.
func (t *Tracker) Track(id, sql string, backendPID int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.draining {
		return ErrDraining
	}

	if len(sql) > maxTrackedSQLLen {
		sql = sql[:maxTrackedSQLLen]
	}
	t.handles[id] = QueryHandle{
		ID:         id,
		SQL:        sql,
		StartedAt:  time.Now(),
		BackendPID: backendPID,
	}
	return nil
}

// SetBackendPID records the backend process id for an in-flight query once
// it is known. Unknown ids are ignored.
func (t *Tracker) SetBackendPID(id string, pid int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if h, ok := t.handles[id]; ok {
		h.BackendPID = pid
		t.handles[id] = h
	}
}

// Untrack removes a completed query and resolves the drain when the active
// count reaches zero.
func (t *Tracker) Untrack(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.handles[id]; !ok {
		return
	}
	delete(t.handles, id)
	t.completed++
	t.maybeResolveDrainLocked()
}

// MarkCancelled removes a query that was cancelled at the backend.
func (t *Tracker) MarkCancelled(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.handles[id]; !ok {
		return
	}
	delete(t.handles, id)
	t.cancelled++
	t.maybeResolveDrainLocked()
}

// StartDrain flips the tracker into draining mode and returns a channel that
// is closed once the active count reaches zero. Calling StartDrain again
// returns the same channel.
func (t *Tracker) StartDrain() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.drained == nil {
		t.drained = make(chan struct{})
	}
	t.draining = true
	t.maybeResolveDrainLocked()
	return t.drained
}

func (t *Tracker) maybeResolveDrainLocked() {
	if t.draining && len(t.handles) == 0 {
		select {
		case <-t.drained:
		default:
			close(t.drained)
		}
	}
}

// Draining reports whether a drain has started.
func (t *Tracker) Draining() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.draining
}

// Active returns the number of in-flight queries.
func (t *Tracker) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.handles)
}

// ActiveHandles returns a snapshot of the in-flight query handles.
func (t *Tracker) ActiveHandles() []QueryHandle {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]QueryHandle, 0, len(t.handles))
	for _, h := range t.handles {
		out = append(out, h)
	}
	return out
}

// Stats returns a snapshot of the tracker counters.
func (t *Tracker) Stats() TrackerStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return TrackerStats{
		Active:    len(t.handles),
		Completed: t.completed,
		Cancelled: t.cancelled,
	}
}

// Reset clears all handles, counters and drain state.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handles = make(map[string]QueryHandle)
	t.completed = 0
	t.cancelled = 0
	t.draining = false
	t.drained = nil
}
