// SPDX-License-Identifier: Apache-2.0

package db

import (
	"context"
	"sync"
	"time"
)

const (
	defaultHealthInterval = 30 * time.Second
	defaultHealthTimeout  = 5 * time.Second
)

// Health is the outcome of a single health probe.
type Health struct {
	Healthy     bool
	Latency     time.Duration
	LastChecked time.Time
	Err         error
}

type healthState struct {
	interval time.Duration
	timeout  time.Duration
	onChange func(Health)

	mu      sync.Mutex
	last    *Health
	stop    chan struct{}
	stopped sync.WaitGroup
}

// HealthCheck runs a single `SELECT 1` probe bounded by the configured
// timeout and records the observed state.
func (d *Driver) HealthCheck(ctx context.Context) Health {
	ctx, cancel := context.WithTimeout(ctx, d.health.timeout)
	defer cancel()

	start := time.Now()
	var one int
	err := d.sqlDB.QueryRowContext(ctx, "SELECT 1").Scan(&one)

	h := Health{
		Healthy:     err == nil,
		Latency:     time.Since(start),
		LastChecked: time.Now(),
		Err:         err,
	}
	d.observeHealth(h)
	return h
}

// LastHealth returns the most recent probe result, if any.
func (d *Driver) LastHealth() (Health, bool) {
	d.health.mu.Lock()
	defer d.health.mu.Unlock()
	if d.health.last == nil {
		return Health{}, false
	}
	return *d.health.last, true
}

func (d *Driver) observeHealth(h Health) {
	d.health.mu.Lock()
	prev := d.health.last
	cp := h
	d.health.last = &cp
	onChange := d.health.onChange
	d.health.mu.Unlock()

	// Fire once per transition, not per probe.
	if prev != nil && prev.Healthy != h.Healthy {
		if h.Healthy {
			d.logger.Info().Dur("latency", h.Latency).Msg("database healthy")
		} else {
			d.logger.Warn().Err(h.Err).Msg("database unhealthy")
		}
		if onChange != nil {
			onChange(h)
		}
	}
}

// StartHealthChecks begins periodic probes at the configured interval.
// Calling it while checks are running is a no-op.
func (d *Driver) StartHealthChecks() {
	d.health.mu.Lock()
	if d.health.stop != nil {
		d.health.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	d.health.stop = stop
	d.health.stopped.Add(1)
	d.health.mu.Unlock()

	go func() {
		defer d.health.stopped.Done()
		ticker := time.NewTicker(d.health.interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				d.HealthCheck(context.Background())
			}
		}
	}()
}

// StopHealthChecks stops the periodic probes. Safe to call repeatedly and
// when checks were never started.
func (d *Driver) StopHealthChecks() {
	d.health.mu.Lock()
	stop := d.health.stop
	d.health.stop = nil
	d.health.mu.Unlock()

	if stop != nil {
		close(stop)
		d.health.stopped.Wait()
	}
}
