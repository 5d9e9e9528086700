// SPDX-License-Identifier: Apache-2.0

package seed_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/launchpadhq/lpdb/pkg/db"
	"github.com/launchpadhq/lpdb/pkg/dialect"
	"github.com/launchpadhq/lpdb/pkg/seed"
)

// seedDB tracks lp_seeds rows in memory and records executed statements.
type seedDB struct {
	executed map[string]bool // "name@version"
	execs    []string
}

var _ db.DB = (*seedDB)(nil)

func newSeedDB() *seedDB {
	return &seedDB{executed: make(map[string]bool)}
}

func (m *seedDB) Query(ctx context.Context, query string, args ...any) (*db.Result, error) {
	if strings.Contains(query, "FROM lp_seeds") && len(args) >= 2 {
		key := fmt.Sprintf("%v@%v", args[0], args[1])
		if m.executed[key] {
			return &db.Result{Rows: []db.Row{{"name": args[0]}}, RowCount: 1}, nil
		}
	}
	return &db.Result{}, nil
}

func (m *seedDB) Exec(ctx context.Context, query string, args ...any) (db.ExecResult, error) {
	m.execs = append(m.execs, query)
	switch {
	case strings.HasPrefix(query, "INSERT INTO lp_seeds"):
		m.executed[fmt.Sprintf("%v@%v", args[0], args[1])] = true
	case query == "DELETE FROM lp_seeds":
		m.executed = make(map[string]bool)
	}
	return db.ExecResult{RowCount: 1}, nil
}

func (m *seedDB) WithTransaction(ctx context.Context, fn func(context.Context, db.Querier) error) error {
	return fn(ctx, m)
}

func (m *seedDB) Dialect() dialect.Dialect { return dialect.SQLite }
func (m *seedDB) Close() error             { return nil }

func newChain(ran *[]string) []seed.Seeder {
	return []seed.Seeder{
		&fakeSeeder{name: "A", order: 1, count: 3, ran: ran},
		&fakeSeeder{name: "B", order: 2, deps: []string{"A"}, count: 2, ran: ran},
		&fakeSeeder{name: "C", order: 3, deps: []string{"B"}, count: 1, ran: ran},
	}
}

func TestRunAppliesSeedersInDependencyOrder(t *testing.T) {
	t.Parallel()

	var ran []string
	mdb := newSeedDB()
	r := seed.NewRunner(mdb)
	r.Register(newChain(&ran)...)

	res, err := r.Run(context.Background(), seed.Options{})
	require.NoError(t, err)

	assert.Equal(t, []string{"A", "B", "C"}, ran)
	assert.Equal(t, 6, res.TotalCount)
	for _, sr := range res.Results {
		assert.Equal(t, seed.StatusApplied, sr.Status)
	}
}

func TestSecondRunSkipsEverything(t *testing.T) {
	t.Parallel()

	var ran []string
	mdb := newSeedDB()
	r := seed.NewRunner(mdb)
	r.Register(newChain(&ran)...)

	_, err := r.Run(context.Background(), seed.Options{})
	require.NoError(t, err)

	ran = ran[:0]
	res, err := r.Run(context.Background(), seed.Options{})
	require.NoError(t, err)

	assert.Empty(t, ran)
	assert.Equal(t, 0, res.TotalCount)
	for _, sr := range res.Results {
		assert.Equal(t, seed.StatusSkipped, sr.Status)
	}
}

func TestForceReRunsRecordedSeeders(t *testing.T) {
	t.Parallel()

	var ran []string
	mdb := newSeedDB()
	r := seed.NewRunner(mdb)
	r.Register(newChain(&ran)...)

	_, err := r.Run(context.Background(), seed.Options{})
	require.NoError(t, err)

	ran = ran[:0]
	res, err := r.Run(context.Background(), seed.Options{Force: true})
	require.NoError(t, err)

	assert.Equal(t, []string{"A", "B", "C"}, ran)
	assert.Equal(t, 6, res.TotalCount)
}

func TestFailingSeederStopsTheRun(t *testing.T) {
	t.Parallel()

	var ran []string
	mdb := newSeedDB()
	r := seed.NewRunner(mdb)
	r.Register(
		&fakeSeeder{name: "A", order: 1, ran: &ran},
		&fakeSeeder{name: "B", order: 2, deps: []string{"A"}, err: errors.New("constraint violation"), ran: &ran},
		&fakeSeeder{name: "C", order: 3, deps: []string{"B"}, ran: &ran},
	)

	res, err := r.Run(context.Background(), seed.Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `seeder "B" failed`)

	assert.Equal(t, []string{"A"}, ran)
	require.Len(t, res.Results, 2)
	assert.Equal(t, seed.StatusFailed, res.Results[1].Status)
}

func TestProductionGuard(t *testing.T) {
	t.Parallel()

	env := func(key string) string {
		if key == "APP_ENV" {
			return "production"
		}
		return ""
	}

	r := seed.NewRunner(newSeedDB(), seed.WithEnvLookup(env))
	r.Register(&fakeSeeder{name: "A", order: 1})

	_, err := r.Run(context.Background(), seed.Options{})
	require.ErrorIs(t, err, seed.ErrProductionGuard)

	_, err = r.Run(context.Background(), seed.Options{AllowProduction: true})
	require.NoError(t, err)
}

func TestDryRunPersistsNothing(t *testing.T) {
	t.Parallel()

	var ran []string
	mdb := newSeedDB()
	r := seed.NewRunner(mdb)
	r.Register(newChain(&ran)...)

	res, err := r.Run(context.Background(), seed.Options{DryRun: true})
	require.NoError(t, err)

	assert.Equal(t, []string{"A", "B", "C"}, ran)
	assert.Equal(t, 6, res.TotalCount)
	assert.Empty(t, mdb.executed)

	// a later real run still applies everything
	ran = ran[:0]
	_, err = r.Run(context.Background(), seed.Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C"}, ran)
}

func TestOnlyRunsTargetAndTransitiveDependencies(t *testing.T) {
	t.Parallel()

	var ran []string
	mdb := newSeedDB()
	r := seed.NewRunner(mdb)
	r.Register(newChain(&ran)...)
	r.Register(&fakeSeeder{name: "unrelated", order: 0, ran: &ran})

	_, err := r.Run(context.Background(), seed.Options{Only: "B"})
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, ran)

	_, err = r.Run(context.Background(), seed.Options{Only: "ghost"})
	require.ErrorIs(t, err, seed.ErrSeederNotFound)
}

// tableSeeder is a fakeSeeder whose data lives in a named table.
type tableSeeder struct {
	fakeSeeder
	table string
}

func (t *tableSeeder) Table() string { return t.table }

func TestFreshTruncatesInReverseOrderAndClearsTracking(t *testing.T) {
	t.Parallel()

	mdb := newSeedDB()
	r := seed.NewRunner(mdb)
	r.Register(
		&tableSeeder{fakeSeeder: fakeSeeder{name: "users", order: 1}, table: "users"},
		&tableSeeder{fakeSeeder: fakeSeeder{name: "orders", order: 2, deps: []string{"users"}}, table: "orders"},
	)

	_, err := r.Run(context.Background(), seed.Options{})
	require.NoError(t, err)

	mdb.execs = nil
	_, err = r.Run(context.Background(), seed.Options{Fresh: true, Force: true})
	require.NoError(t, err)

	var truncates []string
	for _, e := range mdb.execs {
		if strings.HasPrefix(e, "DELETE FROM") {
			truncates = append(truncates, e)
		}
	}
	// sqlite path deletes rows; dependents cleared before their dependencies,
	// then the tracking table
	require.Len(t, truncates, 3)
	assert.Equal(t, `DELETE FROM "orders"`, truncates[0])
	assert.Equal(t, `DELETE FROM "users"`, truncates[1])
	assert.Equal(t, "DELETE FROM lp_seeds", truncates[2])
}

func TestLoadDir(t *testing.T) {
	t.Parallel()

	fsys := fstest.MapFS{
		"01_roles.sql": {Data: []byte("INSERT INTO roles(name) VALUES ('admin');")},
		"02_users.sql": {Data: []byte("INSERT INTO users(name) VALUES ('ada');")},
		"ignore.txt":   {Data: []byte("junk")},
	}

	seeders, err := seed.LoadDir(fsys)
	require.NoError(t, err)
	require.Len(t, seeders, 2)

	ordered, err := seed.Sort(seeders)
	require.NoError(t, err)
	assert.Equal(t, []string{"roles", "users"}, names(ordered))
	assert.Equal(t, 1, ordered[0].Version())
	assert.Empty(t, ordered[0].Dependencies())
}
