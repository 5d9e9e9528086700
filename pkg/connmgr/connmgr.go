// SPDX-License-Identifier: Apache-2.0

// Package connmgr binds sessions and transactions to branch schemas via the
// dialect's search-path mechanism.
package connmgr

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/launchpadhq/lpdb/internal/connstr"
	"github.com/launchpadhq/lpdb/pkg/branch"
	"github.com/launchpadhq/lpdb/pkg/db"
)

// DefaultMainSchema is where unbranched work lives.
const DefaultMainSchema = "public"

// SchemaResolver resolves slugs to branches; implemented by branch.Store.
type SchemaResolver interface {
	GetBySlug(ctx context.Context, slug string) (*branch.Branch, error)
	Touch(ctx context.Context, slug string) error
}

// Manager routes connections to branch schemas. currentSchema is
// process-local bookkeeping; correctness of scoped work relies on the LOCAL
// search path inside transactions, not on this field.
type Manager struct {
	db       db.DB
	resolver SchemaResolver
	dsn      string
	main     string
	logger   zerolog.Logger

	mu            sync.Mutex
	currentSchema string
}

type Option func(*Manager)

// WithMainSchema overrides the schema used for main/public routing.
func WithMainSchema(schema string) Option {
	return func(m *Manager) {
		if schema != "" {
			m.main = schema
		}
	}
}

// WithLogger sets the manager's structured logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// New builds a Manager over the driver. dsn is the base connection string
// used when generating branch-pinned connection strings.
func New(d db.DB, resolver SchemaResolver, dsn string, opts ...Option) *Manager {
	m := &Manager{
		db:       d,
		resolver: resolver,
		dsn:      dsn,
		main:     DefaultMainSchema,
		logger:   zerolog.Nop(),
	}
	for _, o := range opts {
		o(m)
	}
	m.currentSchema = m.main
	return m
}

// CurrentSchema returns the last schema bound at session level.
func (m *Manager) CurrentSchema() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentSchema
}

// resolveSchema maps a slug to its physical schema. The reserved slugs
// main and public route to the configured main schema.
func (m *Manager) resolveSchema(ctx context.Context, slug string) (string, error) {
	if slug == "main" || slug == "public" {
		return m.main, nil
	}
	b, err := m.resolver.GetBySlug(ctx, slug)
	if err != nil {
		return "", err
	}
	return b.SchemaName, nil
}

// SwitchToBranch binds the session search path to the branch schema and
// records the access.
func (m *Manager) SwitchToBranch(ctx context.Context, slug string) error {
	schema, err := m.resolveSchema(ctx, slug)
	if err != nil {
		return err
	}

	if err := m.setSearchPath(ctx, m.db, schema, false); err != nil {
		return err
	}

	m.mu.Lock()
	m.currentSchema = schema
	m.mu.Unlock()

	if schema != m.main {
		if err := m.resolver.Touch(ctx, slug); err != nil {
			m.logger.Debug().Err(err).Str("slug", slug).Msg("touch failed")
		}
	}

	m.logger.Debug().Str("slug", slug).Str("schema", schema).Msg("switched branch")
	return nil
}

// SwitchToMain resets the session search path to the main schema.
func (m *Manager) SwitchToMain(ctx context.Context) error {
	if err := m.setSearchPath(ctx, m.db, m.main, false); err != nil {
		return err
	}
	m.mu.Lock()
	m.currentSchema = m.main
	m.mu.Unlock()
	return nil
}

// WithBranch runs fn inside a transaction whose search path is bound to the
// branch schema with LOCAL scope, so the binding cannot leak past the
// transaction boundary even when the pooled connection is reused.
func (m *Manager) WithBranch(ctx context.Context, slug string, fn func(context.Context, db.Querier) error) error {
	schema, err := m.resolveSchema(ctx, slug)
	if err != nil {
		return err
	}
	return m.WithSchema(ctx, schema, fn)
}

// WithSchema is WithBranch for a raw schema name.
func (m *Manager) WithSchema(ctx context.Context, schema string, fn func(context.Context, db.Querier) error) error {
	return m.db.WithTransaction(ctx, func(ctx context.Context, q db.Querier) error {
		if err := m.setSearchPath(ctx, q, schema, true); err != nil {
			return err
		}
		return fn(ctx, q)
	})
}

func (m *Manager) setSearchPath(ctx context.Context, q db.Querier, schema string, local bool) error {
	quoted, err := m.db.Dialect().QuoteIdent(schema)
	if err != nil {
		return fmt.Errorf("invalid schema %q: %w", schema, err)
	}

	stmt := "SET search_path TO " + quoted
	if local {
		stmt = "SET LOCAL search_path TO " + quoted
	}
	if _, err := q.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("setting search path to %s: %w", schema, err)
	}
	return nil
}

// ValidateSchema checks that the schema physically exists.
func (m *Manager) ValidateSchema(ctx context.Context, schema string) (bool, error) {
	res, err := m.db.Query(ctx,
		m.db.Dialect().Rebind("SELECT schema_name FROM information_schema.schemata WHERE schema_name = ?"),
		schema)
	if err != nil {
		return false, err
	}
	return res.RowCount > 0, nil
}

// ConnectionString rewrites the base DSN to pin the search path to the
// schema, preserving existing query parameters.
func (m *Manager) ConnectionString(schema string) (string, error) {
	return connstr.AppendSearchPathOption(m.dsn, schema)
}

// EnvVars emits the environment expected by provisioned preview
// environments.
func (m *Manager) EnvVars(schema string) (map[string]string, error) {
	url, err := m.ConnectionString(schema)
	if err != nil {
		return nil, err
	}
	return map[string]string{
		"DATABASE_URL":   url,
		"DB_SCHEMA":      schema,
		"DB_SEARCH_PATH": schema,
	}, nil
}
