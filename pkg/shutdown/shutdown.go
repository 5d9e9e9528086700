// SPDX-License-Identifier: Apache-2.0

// Package shutdown connects process signals to the driver's drain sequence.
package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/launchpadhq/lpdb/pkg/db"
)

// DrainCloser is the slice of the driver the handler needs.
type DrainCloser interface {
	DrainAndClose(ctx context.Context, opts ...db.DrainOption) (*db.DrainResult, error)
}

// Handler drains the driver on SIGTERM/SIGINT. The first signal starts the
// drain; signals received while shutting down are logged and ignored.
type Handler struct {
	driver         DrainCloser
	logger         zerolog.Logger
	autoExit       bool
	forcedExitCode int
	drainTimeout   time.Duration

	shuttingDown atomic.Bool
	exit         func(int)
	done         chan struct{}
}

type HandlerOption func(*Handler)

// WithLogger sets the handler's structured logger.
func WithLogger(logger zerolog.Logger) HandlerOption {
	return func(h *Handler) { h.logger = logger }
}

// WithAutoExit makes the handler call os.Exit once the drain completes:
// code 0 on a clean drain, the forced exit code when queries were cancelled.
func WithAutoExit() HandlerOption {
	return func(h *Handler) { h.autoExit = true }
}

// WithForcedExitCode overrides the exit code used when the drain had to
// cancel queries. Defaults to 1.
func WithForcedExitCode(code int) HandlerOption {
	return func(h *Handler) { h.forcedExitCode = code }
}

// WithDrainTimeout bounds the drain started by a signal.
func WithDrainTimeout(timeout time.Duration) HandlerOption {
	return func(h *Handler) { h.drainTimeout = timeout }
}

func NewHandler(driver DrainCloser, opts ...HandlerOption) *Handler {
	h := &Handler{
		driver:         driver,
		logger:         zerolog.Nop(),
		forcedExitCode: 1,
		drainTimeout:   db.DefaultDrainTimeout,
		exit:           os.Exit,
		done:           make(chan struct{}),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Register installs the signal listeners and returns a function that removes
// them, so tests can restore the previous disposition.
func (h *Handler) Register() (unregister func()) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	quit := make(chan struct{})
	go func() {
		for {
			select {
			case sig := <-sigCh:
				h.handleSignal(sig)
			case <-quit:
				return
			}
		}
	}()

	return func() {
		signal.Stop(sigCh)
		close(quit)
	}
}

// Done is closed once a signal-initiated drain has completed.
func (h *Handler) Done() <-chan struct{} {
	return h.done
}

func (h *Handler) handleSignal(sig os.Signal) {
	if !h.shuttingDown.CompareAndSwap(false, true) {
		h.logger.Warn().Str("signal", sig.String()).Msg("already shutting down, signal ignored")
		return
	}

	h.logger.Info().Str("signal", sig.String()).Msg("shutdown signal received, draining")

	result, err := h.driver.DrainAndClose(context.Background(), db.WithDrainTimeout(h.drainTimeout))
	if err != nil {
		h.logger.Error().Err(err).Msg("drain failed")
	}

	code := 0
	if result == nil || result.CancelledQueries > 0 {
		code = h.forcedExitCode
	}

	if result != nil {
		h.logger.Info().
			Int("completed", result.CompletedQueries).
			Int("cancelled", result.CancelledQueries).
			Dur("elapsed", result.Elapsed).
			Msg("drain finished")
	}

	close(h.done)

	if h.autoExit {
		h.exit(code)
	}
}
