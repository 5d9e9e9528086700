// SPDX-License-Identifier: Apache-2.0

package branch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/launchpadhq/lpdb/pkg/db"
	"github.com/launchpadhq/lpdb/pkg/dialect"
)

// DefaultAutoDeleteDays is the cleanup policy applied to branches created
// without an explicit one.
const DefaultAutoDeleteDays = 7

// Config carries the manager's policy knobs.
type Config struct {
	// SchemaPrefix is prepended to slugs when deriving schema names.
	SchemaPrefix string

	// MaxBranches caps non-deleted branches globally; 0 means unlimited.
	MaxBranches int

	// MaxBranchesPerUser caps non-deleted branches per creator; 0 means
	// unlimited.
	MaxBranchesPerUser int

	// DefaultAutoDeleteDays is applied when CreateOptions omits a policy.
	DefaultAutoDeleteDays int

	// PIIMasking maps table name to column name to the SQL expression that
	// replaces the column value when cloning with masking enabled.
	PIIMasking map[string]map[string]string
}

// Manager creates, clones and removes branches, enforcing quotas and
// protection.
type Manager struct {
	db     db.DB
	store  *Store
	cfg    Config
	logger zerolog.Logger
}

type ManagerOption func(*Manager)

// WithConfig replaces the manager's policy configuration.
func WithConfig(cfg Config) ManagerOption {
	return func(m *Manager) { m.cfg = cfg }
}

// WithManagerLogger sets the manager's structured logger.
func WithManagerLogger(logger zerolog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = logger }
}

func NewManager(d db.DB, store *Store, opts ...ManagerOption) *Manager {
	m := &Manager{
		db:     d,
		store:  store,
		logger: zerolog.Nop(),
		cfg: Config{
			SchemaPrefix:          DefaultSchemaPrefix,
			DefaultAutoDeleteDays: DefaultAutoDeleteDays,
		},
	}
	for _, o := range opts {
		o(m)
	}
	if m.cfg.SchemaPrefix == "" {
		m.cfg.SchemaPrefix = DefaultSchemaPrefix
	}
	if m.cfg.DefaultAutoDeleteDays == 0 {
		m.cfg.DefaultAutoDeleteDays = DefaultAutoDeleteDays
	}
	return m
}

// Store returns the metadata store the manager writes through.
func (m *Manager) Store() *Store {
	return m.store
}

// CreateOptions describes a branch to create.
type CreateOptions struct {
	Name           string
	Slug           string // derived from Name when empty
	ParentSlug     string // clone source; empty creates an empty schema
	CopyData       bool
	PIIMasking     bool
	AutoDeleteDays int
	GitBranch      string
	PRNumber       int
	PRURL          string
	CreatedBy      string
}

// Create validates the slug, checks quotas and materializes the branch:
// schema creation, optional clone from the parent and the metadata insert
// happen in one transaction, so a failure leaves nothing behind.
func (m *Manager) Create(ctx context.Context, opts CreateOptions) (*Branch, error) {
	if err := m.requireSchemaSupport(); err != nil {
		return nil, err
	}

	slug := opts.Slug
	if slug == "" {
		slug = Slugify(opts.Name)
	} else if !ValidSlug(slug) {
		return nil, fmt.Errorf("%w: %q", ErrSlugInvalid, slug)
	}

	slug, err := m.resolveFreeSlug(ctx, slug)
	if err != nil {
		return nil, err
	}

	if err := m.checkQuotas(ctx, opts.CreatedBy); err != nil {
		return nil, err
	}

	var parent *Branch
	if opts.ParentSlug != "" {
		parent, err = m.store.GetBySlug(ctx, opts.ParentSlug)
		if err != nil {
			return nil, err
		}
	}

	schemaName := SchemaNameFor(m.cfg.SchemaPrefix, slug)
	if !dialect.ValidIdentifier(schemaName) {
		return nil, fmt.Errorf("%w: schema name %q", ErrSlugInvalid, schemaName)
	}

	autoDelete := opts.AutoDeleteDays
	if autoDelete == 0 {
		autoDelete = m.cfg.DefaultAutoDeleteDays
	}

	now := time.Now().UTC()
	b := &Branch{
		ID:             uuid.NewString(),
		Slug:           slug,
		Name:           opts.Name,
		SchemaName:     schemaName,
		Status:         StatusActive,
		CreatedAt:      now,
		LastAccessedAt: now,
		AutoDeleteDays: autoDelete,
		CopyData:       opts.CopyData,
		PIIMasking:     opts.PIIMasking,
		GitBranch:      opts.GitBranch,
		PRNumber:       opts.PRNumber,
		PRURL:          opts.PRURL,
		CreatedBy:      opts.CreatedBy,
	}
	if parent != nil {
		b.ParentBranchID = parent.ID
	}

	quoted, err := m.db.Dialect().QuoteIdent(schemaName)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrSlugInvalid, schemaName)
	}

	err = m.db.WithTransaction(ctx, func(ctx context.Context, q db.Querier) error {
		if _, err := q.Exec(ctx, "CREATE SCHEMA "+quoted); err != nil {
			return fmt.Errorf("creating schema %s: %w", schemaName, err)
		}
		if parent != nil {
			spec := cloneSpec{
				copyData: opts.CopyData,
				masking:  nil,
			}
			if opts.PIIMasking {
				spec.masking = m.cfg.PIIMasking
			}
			if err := cloneSchema(ctx, q, m.db.Dialect(), parent.SchemaName, schemaName, spec); err != nil {
				return fmt.Errorf("cloning from %s: %w", parent.Slug, err)
			}
		}
		return m.store.Insert(ctx, q, b)
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info().Str("slug", b.Slug).Str("schema", b.SchemaName).Msg("branch created")

	if err := m.RefreshCounters(ctx, b.Slug); err != nil {
		m.logger.Debug().Err(err).Str("slug", b.Slug).Msg("counter refresh failed")
	}

	return b, nil
}

// resolveFreeSlug appends -<n> (n >= 2) until the slug is unused.
func (m *Manager) resolveFreeSlug(ctx context.Context, slug string) (string, error) {
	candidate := slug
	for n := 2; ; n++ {
		_, err := m.store.GetBySlug(ctx, candidate)
		if errors.Is(err, ErrBranchNotFound) {
			return candidate, nil
		}
		if err != nil {
			return "", err
		}
		candidate = fmt.Sprintf("%s-%d", slug, n)
	}
}

func (m *Manager) checkQuotas(ctx context.Context, createdBy string) error {
	if m.cfg.MaxBranches > 0 {
		n, err := m.store.CountActive(ctx)
		if err != nil {
			return err
		}
		if n >= m.cfg.MaxBranches {
			return &QuotaError{Scope: "global", Limit: m.cfg.MaxBranches, Current: n}
		}
	}
	if m.cfg.MaxBranchesPerUser > 0 && createdBy != "" {
		n, err := m.store.CountByCreator(ctx, createdBy)
		if err != nil {
			return err
		}
		if n >= m.cfg.MaxBranchesPerUser {
			return &QuotaError{Scope: "user", Limit: m.cfg.MaxBranchesPerUser, Current: n}
		}
	}
	return nil
}

// Delete removes a branch. Protected branches are refused unless hard is
// set. The row is marked deleting first, then the schema drop and the row
// removal run in one transaction.
func (m *Manager) Delete(ctx context.Context, slug string, hard bool) error {
	b, err := m.store.GetBySlug(ctx, slug)
	if err != nil {
		return err
	}
	if (b.IsProtected || b.Status == StatusProtected) && !hard {
		return fmt.Errorf("%w: %q", ErrBranchProtected, slug)
	}

	if err := m.store.UpdateStatus(ctx, m.db, slug, StatusDeleting); err != nil {
		return err
	}

	quoted, err := m.db.Dialect().QuoteIdent(b.SchemaName)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrSlugInvalid, b.SchemaName)
	}

	err = m.db.WithTransaction(ctx, func(ctx context.Context, q db.Querier) error {
		if _, err := q.Exec(ctx, "DROP SCHEMA IF EXISTS "+quoted+" CASCADE"); err != nil {
			return fmt.Errorf("dropping schema %s: %w", b.SchemaName, err)
		}
		return m.store.Delete(ctx, q, b.ID)
	})
	if err != nil {
		return err
	}

	m.logger.Info().Str("slug", slug).Bool("hard", hard).Msg("branch deleted")
	return nil
}

// Protect marks the branch protected so cleanup never removes it.
func (m *Manager) Protect(ctx context.Context, slug string) error {
	return m.store.SetProtection(ctx, slug, true)
}

// Unprotect clears the protection flag.
func (m *Manager) Unprotect(ctx context.Context, slug string) error {
	return m.store.SetProtection(ctx, slug, false)
}

// Rename changes the display name; slug and schema name never change.
func (m *Manager) Rename(ctx context.Context, slug, name string) error {
	return m.store.Rename(ctx, slug, name)
}

// List returns branches matching the filter.
func (m *Manager) List(ctx context.Context, f Filter) ([]*Branch, error) {
	return m.store.List(ctx, f)
}

// Get returns the branch with the given slug.
func (m *Manager) Get(ctx context.Context, slug string) (*Branch, error) {
	return m.store.GetBySlug(ctx, slug)
}

// Touch bumps the branch's last access time.
func (m *Manager) Touch(ctx context.Context, slug string) error {
	return m.store.Touch(ctx, slug)
}

// RefreshCounters recomputes table count and storage size from the catalog.
func (m *Manager) RefreshCounters(ctx context.Context, slug string) error {
	if m.db.Dialect() != dialect.Postgres {
		return nil
	}

	b, err := m.store.GetBySlug(ctx, slug)
	if err != nil {
		return err
	}

	res, err := m.db.Query(ctx,
		"SELECT COUNT(*) AS n FROM pg_tables WHERE schemaname = $1", b.SchemaName)
	if err != nil {
		return err
	}
	tables := 0
	if res.RowCount > 0 {
		tables = int(rowInt(res.Rows[0]["n"]))
	}

	res, err = m.db.Query(ctx,
		`SELECT COALESCE(SUM(pg_total_relation_size(quote_ident(schemaname) || '.' || quote_ident(tablename))), 0) AS bytes
		 FROM pg_tables WHERE schemaname = $1`, b.SchemaName)
	if err != nil {
		return err
	}
	var bytes int64
	if res.RowCount > 0 {
		bytes = rowInt(res.Rows[0]["bytes"])
	}

	return m.store.UpdateCounters(ctx, slug, b.MigrationCount, tables, bytes)
}

func (m *Manager) requireSchemaSupport() error {
	if m.db.Dialect() != dialect.Postgres {
		return fmt.Errorf("%w: branching requires schema support (%s)",
			dialect.ErrUnsupportedDialect, m.db.Dialect())
	}
	return nil
}
