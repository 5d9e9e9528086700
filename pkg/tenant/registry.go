// SPDX-License-Identifier: Apache-2.0

package tenant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/launchpadhq/lpdb/pkg/db"
)

// DefaultRegistryTable holds registered module definitions.
const DefaultRegistryTable = "lp_module_registry"

var (
	// ErrUnknownModule is returned when a dependency names an unregistered
	// module.
	ErrUnknownModule = errors.New("unknown module")

	// ErrPrefixTaken is returned when a module's migration prefix collides
	// with an already registered one.
	ErrPrefixTaken = errors.New("migration prefix already registered")
)

// ModuleDefinition describes one application module and its migration
// namespace.
type ModuleDefinition struct {
	Name            string
	DisplayName     string
	Description     string
	Version         string
	Dependencies    []string
	MigrationPrefix string
}

// Registry persists module definitions.
type Registry struct {
	db    db.DB
	table string
}

func NewRegistry(d db.DB, table string) *Registry {
	if table == "" {
		table = DefaultRegistryTable
	}
	return &Registry{db: d, table: table}
}

// Init creates the registry table if needed.
func (r *Registry) Init(ctx context.Context) error {
	body := `
	name TEXT PRIMARY KEY,
	display_name TEXT NOT NULL,
	description TEXT,
	version TEXT NOT NULL,
	dependencies TEXT NOT NULL DEFAULT '',
	migration_prefix TEXT NOT NULL,
	registered_at TIMESTAMP NOT NULL`

	if _, err := r.db.Exec(ctx, r.db.Dialect().CreateTableIfNotExists(r.table, body)); err != nil {
		return fmt.Errorf("creating %s: %w", r.table, err)
	}
	_, err := r.db.Exec(ctx, fmt.Sprintf(
		"CREATE UNIQUE INDEX IF NOT EXISTS %s_prefix_key ON %s (migration_prefix)", r.table, r.table))
	return err
}

// Register upserts a module definition. Dependencies must already be
// registered, and the migration prefix must be free or owned by the module.
func (r *Registry) Register(ctx context.Context, def ModuleDefinition) error {
	existing, err := r.List(ctx)
	if err != nil {
		return err
	}

	byName := make(map[string]ModuleDefinition, len(existing))
	for _, m := range existing {
		byName[m.Name] = m
	}
	for _, dep := range def.Dependencies {
		if _, ok := byName[dep]; !ok {
			return fmt.Errorf("%w: %q required by %q", ErrUnknownModule, dep, def.Name)
		}
	}
	for _, m := range existing {
		if m.Name != def.Name && m.MigrationPrefix == def.MigrationPrefix {
			return fmt.Errorf("%w: %q owned by %q", ErrPrefixTaken, def.MigrationPrefix, m.Name)
		}
	}

	d := r.db.Dialect()
	query := d.Rebind(d.Upsert(r.table,
		[]string{"name", "display_name", "description", "version", "dependencies", "migration_prefix", "registered_at"},
		[]string{"name"},
		[]string{"display_name", "description", "version", "dependencies", "migration_prefix"}))

	_, err = r.db.Exec(ctx, query,
		def.Name, def.DisplayName, def.Description, def.Version,
		strings.Join(def.Dependencies, ","), def.MigrationPrefix, time.Now().UTC())
	return err
}

// List returns all registered modules.
func (r *Registry) List(ctx context.Context) ([]ModuleDefinition, error) {
	res, err := r.db.Query(ctx, fmt.Sprintf(
		"SELECT name, display_name, description, version, dependencies, migration_prefix FROM %s ORDER BY name",
		r.table))
	if err != nil {
		return nil, err
	}

	out := make([]ModuleDefinition, 0, res.RowCount)
	for _, row := range res.Rows {
		def := ModuleDefinition{
			Name:            asString(row["name"]),
			DisplayName:     asString(row["display_name"]),
			Description:     asString(row["description"]),
			Version:         asString(row["version"]),
			MigrationPrefix: asString(row["migration_prefix"]),
		}
		if deps := asString(row["dependencies"]); deps != "" {
			def.Dependencies = strings.Split(deps, ",")
		}
		out = append(out, def)
	}
	return out, nil
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
