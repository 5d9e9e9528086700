// SPDX-License-Identifier: Apache-2.0

package tenant_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/launchpadhq/lpdb/pkg/db"
	"github.com/launchpadhq/lpdb/pkg/dialect"
	"github.com/launchpadhq/lpdb/pkg/tenant"
)

func TestContextValidate(t *testing.T) {
	t.Parallel()

	valid := tenant.Context{AppID: "app-1", OrganizationID: "org-1"}
	require.NoError(t, valid.Validate())

	tests := []tenant.Context{
		{AppID: "", OrganizationID: "org-1"},
		{AppID: "   ", OrganizationID: "org-1"},
		{AppID: "app-1", OrganizationID: ""},
		{AppID: "app-1", OrganizationID: "\t"},
		{},
	}
	for i, tc := range tests {
		err := tc.Validate()
		require.ErrorIs(t, err, tenant.ErrInvalidTenant, "case %d", i)
	}
}

func TestContextRoundTrip(t *testing.T) {
	t.Parallel()

	tc := tenant.Context{AppID: "app-1", OrganizationID: "org-1", UserID: "u-1"}
	ctx := tenant.NewContext(context.Background(), tc)

	got, ok := tenant.FromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, tc, got)

	_, ok = tenant.FromContext(context.Background())
	assert.False(t, ok)
}

// registryDB keeps module rows in memory.
type registryDB struct {
	rows []db.Row
}

var _ db.DB = (*registryDB)(nil)

func (m *registryDB) Query(ctx context.Context, query string, args ...any) (*db.Result, error) {
	if strings.Contains(query, "FROM lp_module_registry") {
		return &db.Result{Rows: m.rows, RowCount: len(m.rows)}, nil
	}
	return &db.Result{}, nil
}

func (m *registryDB) Exec(ctx context.Context, query string, args ...any) (db.ExecResult, error) {
	if strings.HasPrefix(query, "INSERT INTO lp_module_registry") {
		name := args[0].(string)
		row := db.Row{
			"name": name, "display_name": args[1], "description": args[2],
			"version": args[3], "dependencies": args[4], "migration_prefix": args[5],
		}
		for i, existing := range m.rows {
			if existing["name"] == name {
				m.rows[i] = row
				return db.ExecResult{RowCount: 1}, nil
			}
		}
		m.rows = append(m.rows, row)
	}
	return db.ExecResult{RowCount: 1}, nil
}

func (m *registryDB) WithTransaction(ctx context.Context, fn func(context.Context, db.Querier) error) error {
	return fn(ctx, m)
}

func (m *registryDB) Dialect() dialect.Dialect { return dialect.SQLite }
func (m *registryDB) Close() error             { return nil }

func TestRegistryRegisterAndList(t *testing.T) {
	t.Parallel()

	r := tenant.NewRegistry(&registryDB{}, "")

	core := tenant.ModuleDefinition{
		Name: "core", DisplayName: "Core", Version: "1.0.0", MigrationPrefix: "core",
	}
	require.NoError(t, r.Register(context.Background(), core))

	billing := tenant.ModuleDefinition{
		Name: "billing", DisplayName: "Billing", Version: "0.3.0",
		Dependencies: []string{"core"}, MigrationPrefix: "bill",
	}
	require.NoError(t, r.Register(context.Background(), billing))

	mods, err := r.List(context.Background())
	require.NoError(t, err)
	require.Len(t, mods, 2)

	byName := make(map[string]tenant.ModuleDefinition, len(mods))
	for _, m := range mods {
		byName[m.Name] = m
	}
	assert.Equal(t, []string{"core"}, byName["billing"].Dependencies)
	assert.Equal(t, "bill", byName["billing"].MigrationPrefix)
}

func TestRegistryRejectsUnknownDependency(t *testing.T) {
	t.Parallel()

	r := tenant.NewRegistry(&registryDB{}, "")

	err := r.Register(context.Background(), tenant.ModuleDefinition{
		Name: "billing", DisplayName: "Billing", Version: "0.1.0",
		Dependencies: []string{"core"}, MigrationPrefix: "bill",
	})
	require.ErrorIs(t, err, tenant.ErrUnknownModule)
}

func TestRegistryRejectsPrefixCollision(t *testing.T) {
	t.Parallel()

	r := tenant.NewRegistry(&registryDB{}, "")
	require.NoError(t, r.Register(context.Background(), tenant.ModuleDefinition{
		Name: "core", DisplayName: "Core", Version: "1.0.0", MigrationPrefix: "core",
	}))

	err := r.Register(context.Background(), tenant.ModuleDefinition{
		Name: "other", DisplayName: "Other", Version: "1.0.0", MigrationPrefix: "core",
	})
	require.ErrorIs(t, err, tenant.ErrPrefixTaken)

	// re-registering the same module with its own prefix is fine
	require.NoError(t, r.Register(context.Background(), tenant.ModuleDefinition{
		Name: "core", DisplayName: "Core v2", Version: "2.0.0", MigrationPrefix: "core",
	}))
}

func TestRegistryListSplitsDependencies(t *testing.T) {
	t.Parallel()

	mdb := &registryDB{rows: []db.Row{{
		"name": "crm", "display_name": "CRM", "description": "",
		"version": "1.0.0", "dependencies": "core,billing", "migration_prefix": "crm",
	}}}
	r := tenant.NewRegistry(mdb, "")

	mods, err := r.List(context.Background())
	require.NoError(t, err)
	require.Len(t, mods, 1)
	assert.Equal(t, []string{"core", "billing"}, mods[0].Dependencies)
}
