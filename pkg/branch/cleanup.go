// SPDX-License-Identifier: Apache-2.0

package branch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultCleanupInterval is how often the scheduler sweeps for stale
	// branches.
	DefaultCleanupInterval = 24 * time.Hour

	// DefaultMaxAge is the staleness horizon used when a run does not
	// specify one.
	DefaultMaxAge = 7 * 24 * time.Hour

	// historyLimit caps the retained cleanup job records.
	historyLimit = 100

	// defaultDeleteConcurrency bounds parallel branch deletions per run.
	defaultDeleteConcurrency = 4
)

// CleanupStore is the slice of the metadata store the scheduler reads.
type CleanupStore interface {
	ListStale(ctx context.Context, cutoff time.Time, skipProtected bool) ([]*Branch, error)
	MarkStale(ctx context.Context, cutoff time.Time) (int, error)
	List(ctx context.Context, f Filter) ([]*Branch, error)
}

// BranchDeleter removes one branch; implemented by Manager.
type BranchDeleter interface {
	Delete(ctx context.Context, slug string, hard bool) error
}

// SkippedBranch records why a stale branch survived a cleanup run.
type SkippedBranch struct {
	Slug   string
	Reason string
}

// CleanupResult is the outcome of one run.
type CleanupResult struct {
	Deleted []string
	Skipped []SkippedBranch
	DryRun  bool
}

// CleanupJob is one entry of the scheduler's run history.
type CleanupJob struct {
	ID          string
	StartedAt   time.Time
	CompletedAt time.Time
	Result      *CleanupResult
	Err         error
}

// CleanupOptions tunes a single run.
type CleanupOptions struct {
	// MaxAge overrides the staleness horizon.
	MaxAge time.Duration

	// DryRun reports candidates without deleting anything.
	DryRun bool

	// SkipProtected excludes protected branches from the candidate set.
	SkipProtected bool
}

// Scheduler periodically discovers and deletes stale branches.
type Scheduler struct {
	store   CleanupStore
	deleter BranchDeleter
	logger  zerolog.Logger

	interval    time.Duration
	maxAge      time.Duration
	concurrency int
	onError     func(error)

	isRunning atomic.Bool
	stop      chan struct{}
	stopOnce  sync.Once
	stopped   sync.WaitGroup

	histMu  sync.Mutex
	history []CleanupJob
}

type SchedulerOption func(*Scheduler)

// WithInterval overrides the 24h sweep interval.
func WithInterval(interval time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if interval > 0 {
			s.interval = interval
		}
	}
}

// WithMaxAge overrides the default staleness horizon.
func WithMaxAge(maxAge time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if maxAge > 0 {
			s.maxAge = maxAge
		}
	}
}

// WithDeleteConcurrency bounds parallel deletions within a run.
func WithDeleteConcurrency(n int) SchedulerOption {
	return func(s *Scheduler) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// WithOnError registers a callback for top-level run failures during
// scheduled sweeps.
func WithOnError(fn func(error)) SchedulerOption {
	return func(s *Scheduler) { s.onError = fn }
}

// WithSchedulerLogger sets the scheduler's structured logger.
func WithSchedulerLogger(logger zerolog.Logger) SchedulerOption {
	return func(s *Scheduler) { s.logger = logger }
}

func NewScheduler(store CleanupStore, deleter BranchDeleter, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		store:       store,
		deleter:     deleter,
		logger:      zerolog.Nop(),
		interval:    DefaultCleanupInterval,
		maxAge:      DefaultMaxAge,
		concurrency: defaultDeleteConcurrency,
		stop:        make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start runs one cleanup immediately, then sweeps at the configured
// interval until Stop is called.
func (s *Scheduler) Start() {
	s.stopped.Add(1)
	go func() {
		defer s.stopped.Done()

		s.scheduledRun()

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				s.scheduledRun()
			}
		}
	}()
}

// Stop cancels the periodic sweeps. Safe to call repeatedly.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.stopped.Wait()
}

func (s *Scheduler) scheduledRun() {
	_, err := s.RunCleanup(context.Background(), CleanupOptions{SkipProtected: true})
	if err != nil {
		s.logger.Error().Err(err).Msg("scheduled cleanup failed")
		if s.onError != nil {
			s.onError(err)
		}
	}
}

// RunCleanup performs one sweep. Overlapping invocations fail with
// ErrCleanupAlreadyRunning. Per-branch delete failures are collected in
// Skipped and do not abort the run.
func (s *Scheduler) RunCleanup(ctx context.Context, opts CleanupOptions) (*CleanupResult, error) {
	if !s.isRunning.CompareAndSwap(false, true) {
		return nil, ErrCleanupAlreadyRunning
	}
	defer s.isRunning.Store(false)

	job := CleanupJob{ID: uuid.NewString(), StartedAt: time.Now().UTC()}

	maxAge := opts.MaxAge
	if maxAge <= 0 {
		maxAge = s.maxAge
	}
	cutoff := time.Now().Add(-maxAge)

	stale, err := s.store.ListStale(ctx, cutoff, opts.SkipProtected)
	if err != nil {
		job.CompletedAt = time.Now().UTC()
		job.Err = err
		s.recordJob(job)
		return nil, err
	}

	result := &CleanupResult{
		Deleted: []string{},
		Skipped: []SkippedBranch{},
		DryRun:  opts.DryRun,
	}

	if opts.DryRun {
		for _, b := range stale {
			result.Deleted = append(result.Deleted, b.Slug)
		}
		job.CompletedAt = time.Now().UTC()
		job.Result = result
		s.recordJob(job)
		return result, nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)

	for _, b := range stale {
		g.Go(func() error {
			if b.IsProtected || b.Status == StatusProtected {
				mu.Lock()
				result.Skipped = append(result.Skipped, SkippedBranch{Slug: b.Slug, Reason: "protected"})
				mu.Unlock()
				return nil
			}

			if err := s.deleter.Delete(gctx, b.Slug, false); err != nil {
				s.logger.Warn().Err(err).Str("slug", b.Slug).Msg("stale branch delete failed")
				mu.Lock()
				result.Skipped = append(result.Skipped, SkippedBranch{Slug: b.Slug, Reason: err.Error()})
				mu.Unlock()
				return nil
			}

			mu.Lock()
			result.Deleted = append(result.Deleted, b.Slug)
			mu.Unlock()
			return nil
		})
	}
	g.Wait() //nolint:errcheck // per-branch failures are collected in Skipped

	job.CompletedAt = time.Now().UTC()
	job.Result = result
	s.recordJob(job)

	s.logger.Info().
		Int("deleted", len(result.Deleted)).
		Int("skipped", len(result.Skipped)).
		Msg("cleanup run complete")

	return result, nil
}

// MarkAsStale flips active branches older than maxAge to the stale status,
// an auditable midway state before physical deletion.
func (s *Scheduler) MarkAsStale(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		maxAge = s.maxAge
	}
	return s.store.MarkStale(ctx, time.Now().Add(-maxAge))
}

// UpcomingCleanups projects branches whose auto-delete policy expires within
// the window.
func (s *Scheduler) UpcomingCleanups(ctx context.Context, daysAhead int) ([]*Branch, error) {
	branches, err := s.store.List(ctx, Filter{})
	if err != nil {
		return nil, err
	}

	horizon := time.Now().AddDate(0, 0, daysAhead)
	var upcoming []*Branch
	for _, b := range branches {
		if b.AutoDeleteDays <= 0 || b.IsProtected || b.Status == StatusProtected {
			continue
		}
		expiry := b.LastAccessedAt.AddDate(0, 0, b.AutoDeleteDays)
		if expiry.Before(horizon) {
			upcoming = append(upcoming, b)
		}
	}
	return upcoming, nil
}

// History returns the retained cleanup job records, most recent last.
func (s *Scheduler) History() []CleanupJob {
	s.histMu.Lock()
	defer s.histMu.Unlock()
	out := make([]CleanupJob, len(s.history))
	copy(out, s.history)
	return out
}

func (s *Scheduler) recordJob(job CleanupJob) {
	s.histMu.Lock()
	defer s.histMu.Unlock()
	s.history = append(s.history, job)
	if len(s.history) > historyLimit {
		s.history = s.history[len(s.history)-historyLimit:]
	}
}
