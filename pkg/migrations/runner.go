// SPDX-License-Identifier: Apache-2.0

package migrations

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/launchpadhq/lpdb/pkg/db"
)

const (
	// DefaultTable is the migration state table.
	DefaultTable = "lp_migrations"

	// ScopeCore marks global migrations; ScopeTemplate marks per-template
	// ones keyed by a template key.
	ScopeCore     = "core"
	ScopeTemplate = "template"
)

// Runner applies and rolls back migrations for one (scope, templateKey).
type Runner struct {
	db          db.DB
	dir         fs.FS
	table       string
	scope       string
	templateKey string
	logger      zerolog.Logger
}

type RunnerOption func(*Runner)

// WithTable overrides the state table name.
func WithTable(table string) RunnerOption {
	return func(r *Runner) { r.table = table }
}

// WithScope selects the migration scope. templateKey is only meaningful for
// the template scope.
func WithScope(scope, templateKey string) RunnerOption {
	return func(r *Runner) {
		r.scope = scope
		r.templateKey = templateKey
	}
}

// WithLogger sets the runner's structured logger.
func WithLogger(logger zerolog.Logger) RunnerOption {
	return func(r *Runner) { r.logger = logger }
}

func NewRunner(d db.DB, dir fs.FS, opts ...RunnerOption) *Runner {
	r := &Runner{
		db:     d,
		dir:    dir,
		table:  DefaultTable,
		scope:  ScopeCore,
		logger: zerolog.Nop(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Init creates the migration state table if needed.
func (r *Runner) Init(ctx context.Context) error {
	body := `
	version BIGINT NOT NULL,
	name TEXT NOT NULL,
	checksum TEXT NOT NULL,
	applied_at TIMESTAMP NOT NULL,
	scope TEXT NOT NULL,
	template_key TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (scope, template_key, version)`

	_, err := r.db.Exec(ctx, r.db.Dialect().CreateTableIfNotExists(r.table, body))
	if err != nil {
		return fmt.Errorf("creating %s: %w", r.table, err)
	}
	return nil
}

// Applied returns the applied records for the runner's scope key, ascending.
func (r *Runner) Applied(ctx context.Context) ([]Record, error) {
	query := r.db.Dialect().Rebind(fmt.Sprintf(
		`SELECT version, name, checksum, applied_at, scope, template_key
		 FROM %s WHERE scope = ? AND template_key = ? ORDER BY version ASC`, r.table))

	res, err := r.db.Query(ctx, query, r.scope, r.templateKey)
	if err != nil {
		return nil, err
	}

	records := make([]Record, 0, res.RowCount)
	for _, row := range res.Rows {
		records = append(records, recordFromRow(row))
	}
	return records, nil
}

// Status reports applied vs pending migrations.
type Status struct {
	Applied []Record
	Pending []*Migration
}

func (r *Runner) Status(ctx context.Context) (*Status, error) {
	applied, pending, err := r.plan(ctx)
	if err != nil {
		return nil, err
	}
	return &Status{Applied: applied, Pending: pending}, nil
}

// plan loads discovered and applied migrations and computes the pending
// tail, enforcing the contiguous-prefix invariant.
func (r *Runner) plan(ctx context.Context) ([]Record, []*Migration, error) {
	discovered, err := ReadDir(r.dir)
	if err != nil {
		return nil, nil, err
	}
	applied, err := r.Applied(ctx)
	if err != nil {
		return nil, nil, err
	}

	appliedSet := make(map[int64]Record, len(applied))
	var maxApplied int64
	for _, rec := range applied {
		appliedSet[rec.Version] = rec
		if rec.Version > maxApplied {
			maxApplied = rec.Version
		}
	}

	var pending []*Migration
	for _, m := range discovered {
		if _, ok := appliedSet[m.Version]; ok {
			continue
		}
		if m.Version < maxApplied {
			return nil, nil, fmt.Errorf("%w: version %d is unapplied but %d is already applied",
				ErrOutOfOrder, m.Version, maxApplied)
		}
		pending = append(pending, m)
	}
	return applied, pending, nil
}

// UpOptions tunes an Up run.
type UpOptions struct {
	// Steps caps the number of migrations applied; 0 applies all pending.
	Steps int

	// ToVersion stops after the given version; 0 means no bound.
	ToVersion int64

	// DryRun reports the plan without executing it.
	DryRun bool
}

// UpResult reports an Up run.
type UpResult struct {
	Applied []*Migration
	DryRun  bool
}

// Up applies pending migrations in ascending order. Each migration runs in
// a transaction when the dialect supports transactional DDL; otherwise the
// statements run directly with a best-effort rollback from the down section
// on failure.
func (r *Runner) Up(ctx context.Context, opts UpOptions) (*UpResult, error) {
	_, pending, err := r.plan(ctx)
	if err != nil {
		return nil, err
	}

	var selected []*Migration
	for _, m := range pending {
		if opts.ToVersion > 0 && m.Version > opts.ToVersion {
			break
		}
		selected = append(selected, m)
		if opts.Steps > 0 && len(selected) == opts.Steps {
			break
		}
	}

	if opts.DryRun {
		return &UpResult{Applied: selected, DryRun: true}, nil
	}

	applied := make([]*Migration, 0, len(selected))
	for _, m := range selected {
		if err := r.applyUp(ctx, m); err != nil {
			return &UpResult{Applied: applied}, fmt.Errorf("applying %s: %w", m.Filename, err)
		}
		applied = append(applied, m)
		r.logger.Info().Int64("version", m.Version).Str("name", m.Name).Msg("migration applied")
	}

	return &UpResult{Applied: applied}, nil
}

func (r *Runner) applyUp(ctx context.Context, m *Migration) error {
	if r.db.Dialect().SupportsTransactionalDDL() {
		return r.db.WithTransaction(ctx, func(ctx context.Context, q db.Querier) error {
			if _, err := q.Exec(ctx, m.UpSQL); err != nil {
				return err
			}
			return r.insertRecord(ctx, q, m)
		})
	}

	// No transactional DDL: run statement by statement and attempt the down
	// section if a statement fails partway.
	for _, stmt := range splitStatements(m.UpSQL) {
		if _, err := r.db.Exec(ctx, stmt); err != nil {
			r.bestEffortDown(ctx, m)
			return err
		}
	}
	return r.insertRecord(ctx, r.db, m)
}

func (r *Runner) bestEffortDown(ctx context.Context, m *Migration) {
	if m.DownSQL == "" {
		return
	}
	for _, stmt := range splitStatements(m.DownSQL) {
		if _, err := r.db.Exec(ctx, stmt); err != nil {
			r.logger.Warn().Err(err).Int64("version", m.Version).Msg("best-effort rollback statement failed")
		}
	}
}

func (r *Runner) insertRecord(ctx context.Context, q db.Querier, m *Migration) error {
	query := r.db.Dialect().Rebind(fmt.Sprintf(
		"INSERT INTO %s (version, name, checksum, applied_at, scope, template_key) VALUES (?, ?, ?, ?, ?, ?)",
		r.table))
	_, err := q.Exec(ctx, query, m.Version, m.Name, m.Checksum, time.Now().UTC(), r.scope, r.templateKey)
	return err
}

func (r *Runner) deleteRecord(ctx context.Context, q db.Querier, version int64) error {
	query := r.db.Dialect().Rebind(fmt.Sprintf(
		"DELETE FROM %s WHERE scope = ? AND template_key = ? AND version = ?", r.table))
	_, err := q.Exec(ctx, query, r.scope, r.templateKey, version)
	return err
}

// DownOptions tunes a Down run.
type DownOptions struct {
	// Steps is how many applied migrations to roll back. Defaults to 1.
	Steps int

	// DryRun reports the plan without executing it.
	DryRun bool
}

// DownResult reports a Down run.
type DownResult struct {
	RolledBack []*Migration
	DryRun     bool
}

// Down rolls back the most recent applied migrations in descending order.
func (r *Runner) Down(ctx context.Context, opts DownOptions) (*DownResult, error) {
	steps := opts.Steps
	if steps <= 0 {
		steps = 1
	}

	discovered, err := ReadDir(r.dir)
	if err != nil {
		return nil, err
	}
	byVersion := make(map[int64]*Migration, len(discovered))
	for _, m := range discovered {
		byVersion[m.Version] = m
	}

	applied, err := r.Applied(ctx)
	if err != nil {
		return nil, err
	}

	var selected []*Migration
	for i := len(applied) - 1; i >= 0 && len(selected) < steps; i-- {
		rec := applied[i]
		m, ok := byVersion[rec.Version]
		if !ok {
			return nil, fmt.Errorf("%w: version %d", ErrFileNotFound, rec.Version)
		}
		if m.DownSQL == "" {
			return nil, fmt.Errorf("%w: %s", ErrMissingDown, m.Filename)
		}
		selected = append(selected, m)
	}

	if opts.DryRun {
		return &DownResult{RolledBack: selected, DryRun: true}, nil
	}

	rolledBack := make([]*Migration, 0, len(selected))
	for _, m := range selected {
		if err := r.applyDown(ctx, m); err != nil {
			return &DownResult{RolledBack: rolledBack}, fmt.Errorf("rolling back %s: %w", m.Filename, err)
		}
		rolledBack = append(rolledBack, m)
		r.logger.Info().Int64("version", m.Version).Str("name", m.Name).Msg("migration rolled back")
	}

	return &DownResult{RolledBack: rolledBack}, nil
}

func (r *Runner) applyDown(ctx context.Context, m *Migration) error {
	if r.db.Dialect().SupportsTransactionalDDL() {
		return r.db.WithTransaction(ctx, func(ctx context.Context, q db.Querier) error {
			if _, err := q.Exec(ctx, m.DownSQL); err != nil {
				return err
			}
			return r.deleteRecord(ctx, q, m.Version)
		})
	}

	for _, stmt := range splitStatements(m.DownSQL) {
		if _, err := r.db.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return r.deleteRecord(ctx, r.db, m.Version)
}

// Verify recomputes checksums for applied migrations and reports drift.
// Drift is reported, never auto-corrected.
func (r *Runner) Verify(ctx context.Context) ([]Drift, error) {
	discovered, err := ReadDir(r.dir)
	if err != nil {
		return nil, err
	}
	byVersion := make(map[int64]*Migration, len(discovered))
	for _, m := range discovered {
		byVersion[m.Version] = m
	}

	applied, err := r.Applied(ctx)
	if err != nil {
		return nil, err
	}

	var drift []Drift
	for _, rec := range applied {
		m, ok := byVersion[rec.Version]
		if !ok {
			drift = append(drift, Drift{Version: rec.Version, Name: rec.Name, Expected: rec.Checksum})
			continue
		}
		if m.Checksum != rec.Checksum {
			drift = append(drift, Drift{
				Version:  rec.Version,
				Name:     rec.Name,
				Expected: rec.Checksum,
				Actual:   m.Checksum,
			})
		}
	}
	return drift, nil
}

func recordFromRow(row db.Row) Record {
	rec := Record{
		Name:        asString(row["name"]),
		Checksum:    asString(row["checksum"]),
		Scope:       asString(row["scope"]),
		TemplateKey: asString(row["template_key"]),
	}
	switch v := row["version"].(type) {
	case int64:
		rec.Version = v
	case int:
		rec.Version = int64(v)
	case string:
		rec.Version, _ = strconv.ParseInt(v, 10, 64)
	}
	if ts, ok := row["applied_at"].(time.Time); ok {
		rec.AppliedAt = ts
	}
	return rec
}

func asString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case []byte:
		return string(x)
	default:
		return ""
	}
}

// CreateFile scaffolds the next migration file in dir and returns its path.
func CreateFile(dir, name string) (string, error) {
	slug := strings.ToLower(strings.TrimSpace(name))
	slug = strings.ReplaceAll(slug, " ", "_")
	if !fileRe.MatchString("0001_" + slug + ".sql") {
		return "", fmt.Errorf("invalid migration name %q", name)
	}

	existing, err := ReadDir(os.DirFS(dir))
	if err != nil {
		return "", err
	}
	var next int64 = 1
	if n := len(existing); n > 0 {
		next = existing[n-1].Version + 1
	}

	path := filepath.Join(dir, fmt.Sprintf("%04d_%s.sql", next, slug))
	content := upMarker + "\n\n" + downMarker + "\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", err
	}
	return path, nil
}
