// SPDX-License-Identifier: Apache-2.0

package seed

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/launchpadhq/lpdb/pkg/db"
	"github.com/launchpadhq/lpdb/pkg/dialect"
)

// DefaultTable is the seed tracking table.
const DefaultTable = "lp_seeds"

// SeederStatus is the per-seeder outcome of a run.
type SeederStatus string

const (
	StatusApplied SeederStatus = "applied"
	StatusSkipped SeederStatus = "skipped"
	StatusFailed  SeederStatus = "failed"
)

// SeederResult reports one seeder's outcome.
type SeederResult struct {
	Name     string
	Status   SeederStatus
	Count    int
	Duration time.Duration
	Err      error
}

// RunResult reports a whole run.
type RunResult struct {
	Results    []SeederResult
	TotalCount int
}

// Options tunes a run.
type Options struct {
	// Force re-runs seeders whose (name, version) is already recorded.
	Force bool

	// DryRun executes each seeder inside a rolled-back transaction so no
	// state persists.
	DryRun bool

	// Fresh truncates seeder tables in reverse order and clears the
	// tracking table before running.
	Fresh bool

	// Only restricts the run to one seeder and its transitive
	// dependencies.
	Only string

	// AllowProduction overrides the production guard.
	AllowProduction bool
}

// errDryRun forces the transaction wrapping a dry-run seeder to roll back.
var errDryRun = errors.New("seed dry-run rollback")

// Runner executes registered seeders in dependency order.
type Runner struct {
	db      db.DB
	table   string
	seeders []Seeder
	logger  zerolog.Logger
	getenv  func(string) string
}

type RunnerOption func(*Runner)

// WithTable overrides the tracking table name.
func WithTable(table string) RunnerOption {
	return func(r *Runner) { r.table = table }
}

// WithLogger sets the runner's structured logger.
func WithLogger(logger zerolog.Logger) RunnerOption {
	return func(r *Runner) { r.logger = logger }
}

// WithEnvLookup replaces the environment lookup used by the production
// guard.
func WithEnvLookup(getenv func(string) string) RunnerOption {
	return func(r *Runner) { r.getenv = getenv }
}

func NewRunner(d db.DB, opts ...RunnerOption) *Runner {
	r := &Runner{
		db:     d,
		table:  DefaultTable,
		logger: zerolog.Nop(),
		getenv: os.Getenv,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Register adds seeders to the runner.
func (r *Runner) Register(seeders ...Seeder) {
	r.seeders = append(r.seeders, seeders...)
}

// Init creates the tracking table if needed.
func (r *Runner) Init(ctx context.Context) error {
	body := `
	name TEXT NOT NULL,
	version INTEGER NOT NULL,
	executed_at TIMESTAMP NOT NULL,
	execution_time_ms BIGINT NOT NULL DEFAULT 0,
	record_count INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (name, version)`

	_, err := r.db.Exec(ctx, r.db.Dialect().CreateTableIfNotExists(r.table, body))
	if err != nil {
		return fmt.Errorf("creating %s: %w", r.table, err)
	}
	return nil
}

func (r *Runner) isProduction() bool {
	for _, key := range []string{"LPDB_ENV", "APP_ENV"} {
		if r.getenv(key) == "production" {
			return true
		}
	}
	return false
}

// Run executes the selected seeders in topological order. A failing seeder
// stops the run; already-recorded (name, version) pairs are skipped unless
// forced.
func (r *Runner) Run(ctx context.Context, opts Options) (*RunResult, error) {
	if r.isProduction() && !opts.AllowProduction {
		return nil, ErrProductionGuard
	}

	selected := r.seeders
	if opts.Only != "" {
		var err error
		selected, err = transitiveClosure(r.seeders, opts.Only)
		if err != nil {
			return nil, err
		}
	}

	ordered, err := Sort(selected)
	if err != nil {
		return nil, err
	}

	if opts.Fresh && !opts.DryRun {
		if err := r.fresh(ctx, ordered); err != nil {
			return nil, err
		}
	}

	result := &RunResult{}
	for _, s := range ordered {
		res := r.runOne(ctx, s, opts)
		result.Results = append(result.Results, res)

		switch res.Status {
		case StatusFailed:
			return result, fmt.Errorf("seeder %q failed: %w", s.Name(), res.Err)
		case StatusApplied:
			result.TotalCount += res.Count
		}
	}
	return result, nil
}

func (r *Runner) runOne(ctx context.Context, s Seeder, opts Options) SeederResult {
	executed, err := r.isExecuted(ctx, s.Name(), s.Version())
	if err != nil {
		return SeederResult{Name: s.Name(), Status: StatusFailed, Err: err}
	}
	if executed && !opts.Force {
		r.logger.Debug().Str("seeder", s.Name()).Msg("seeder already executed, skipping")
		return SeederResult{Name: s.Name(), Status: StatusSkipped}
	}

	start := time.Now()
	var count int

	runInTx := opts.DryRun || r.db.Dialect().SupportsTransactionalDDL()
	if runInTx {
		err = r.db.WithTransaction(ctx, func(ctx context.Context, q db.Querier) error {
			n, runErr := s.Run(ctx, q)
			if runErr != nil {
				return runErr
			}
			count = n
			if opts.DryRun {
				return errDryRun
			}
			return nil
		})
		if errors.Is(err, errDryRun) {
			err = nil
		}
	} else {
		count, err = s.Run(ctx, r.db)
	}

	elapsed := time.Since(start)
	if err != nil {
		return SeederResult{Name: s.Name(), Status: StatusFailed, Duration: elapsed, Err: err}
	}

	if !opts.DryRun {
		if err := r.record(ctx, s, count, elapsed); err != nil {
			return SeederResult{Name: s.Name(), Status: StatusFailed, Duration: elapsed, Err: err}
		}
	}

	r.logger.Info().Str("seeder", s.Name()).Int("count", count).Dur("took", elapsed).Msg("seeder applied")
	return SeederResult{Name: s.Name(), Status: StatusApplied, Count: count, Duration: elapsed}
}

func (r *Runner) isExecuted(ctx context.Context, name string, version int) (bool, error) {
	query := r.db.Dialect().Rebind(fmt.Sprintf(
		"SELECT name FROM %s WHERE name = ? AND version = ?", r.table))
	res, err := r.db.Query(ctx, query, name, version)
	if err != nil {
		return false, err
	}
	return res.RowCount > 0, nil
}

func (r *Runner) record(ctx context.Context, s Seeder, count int, elapsed time.Duration) error {
	d := r.db.Dialect()
	query := d.Rebind(d.Upsert(r.table,
		[]string{"name", "version", "executed_at", "execution_time_ms", "record_count"},
		[]string{"name", "version"},
		[]string{"executed_at", "execution_time_ms", "record_count"}))
	_, err := r.db.Exec(ctx, query,
		s.Name(), s.Version(), time.Now().UTC(), elapsed.Milliseconds(), count)
	return err
}

// fresh truncates seeder tables in reverse topological order, then clears
// the tracking table.
func (r *Runner) fresh(ctx context.Context, ordered []Seeder) error {
	for i := len(ordered) - 1; i >= 0; i-- {
		tn, ok := ordered[i].(TableNamer)
		if !ok {
			continue
		}
		if err := r.truncate(ctx, tn.Table()); err != nil {
			return err
		}
	}

	_, err := r.db.Exec(ctx, fmt.Sprintf("DELETE FROM %s", r.table))
	return err
}

func (r *Runner) truncate(ctx context.Context, table string) error {
	d := r.db.Dialect()
	quoted, err := d.QuoteIdent(table)
	if err != nil {
		return fmt.Errorf("invalid seed table %q: %w", table, err)
	}

	switch d {
	case dialect.Postgres:
		_, err = r.db.Exec(ctx, fmt.Sprintf("TRUNCATE TABLE %s CASCADE", quoted))
	case dialect.MySQL:
		if _, err = r.db.Exec(ctx, "SET FOREIGN_KEY_CHECKS=0"); err != nil {
			return err
		}
		if _, err = r.db.Exec(ctx, fmt.Sprintf("TRUNCATE TABLE %s", quoted)); err != nil {
			return err
		}
		_, err = r.db.Exec(ctx, "SET FOREIGN_KEY_CHECKS=1")
	default:
		_, err = r.db.Exec(ctx, fmt.Sprintf("DELETE FROM %s", quoted))
	}
	if err != nil {
		return fmt.Errorf("truncating %s: %w", table, err)
	}
	return nil
}
