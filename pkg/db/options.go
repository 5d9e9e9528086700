// SPDX-License-Identifier: Apache-2.0

package db

import (
	"time"

	"github.com/rs/zerolog"
)

type Option func(*Driver)

// WithLogger sets the structured logger used by the driver. The default
// discards all output.
func WithLogger(logger zerolog.Logger) Option {
	return func(d *Driver) {
		d.logger = logger
	}
}

// WithMaxOpenConns sets the pool size for server backends. SQLite always
// uses a single connection.
func WithMaxOpenConns(n int) Option {
	return func(d *Driver) {
		if n > 0 {
			d.maxOpenConns = n
		}
	}
}

// WithHealthCheckInterval sets the period of the background health checker.
func WithHealthCheckInterval(interval time.Duration) Option {
	return func(d *Driver) {
		if interval > 0 {
			d.health.interval = interval
		}
	}
}

// WithHealthCheckTimeout bounds each health probe.
func WithHealthCheckTimeout(timeout time.Duration) Option {
	return func(d *Driver) {
		if timeout > 0 {
			d.health.timeout = timeout
		}
	}
}

// WithOnHealthChange registers a callback fired once per health transition.
func WithOnHealthChange(fn func(Health)) Option {
	return func(d *Driver) {
		d.health.onChange = fn
	}
}
