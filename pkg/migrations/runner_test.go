// SPDX-License-Identifier: Apache-2.0

package migrations

import (
	"context"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/launchpadhq/lpdb/pkg/db"
	"github.com/launchpadhq/lpdb/pkg/dialect"
)

// memDB keeps migration records in memory and records every executed
// statement, standing in for the real driver.
type memDB struct {
	dlct    dialect.Dialect
	records []Record
	execs   []string
}

var _ db.DB = (*memDB)(nil)

func (m *memDB) Query(ctx context.Context, query string, args ...any) (*db.Result, error) {
	if !strings.Contains(query, "lp_migrations") {
		return &db.Result{}, nil
	}
	rows := make([]db.Row, 0, len(m.records))
	for _, rec := range m.records {
		rows = append(rows, db.Row{
			"version": rec.Version, "name": rec.Name, "checksum": rec.Checksum,
			"applied_at": rec.AppliedAt, "scope": rec.Scope, "template_key": rec.TemplateKey,
		})
	}
	return &db.Result{Rows: rows, RowCount: len(rows)}, nil
}

func (m *memDB) Exec(ctx context.Context, query string, args ...any) (db.ExecResult, error) {
	m.execs = append(m.execs, query)

	switch {
	case strings.HasPrefix(query, "INSERT INTO lp_migrations"):
		m.records = append(m.records, Record{
			Version:     args[0].(int64),
			Name:        args[1].(string),
			Checksum:    args[2].(string),
			AppliedAt:   args[3].(time.Time),
			Scope:       args[4].(string),
			TemplateKey: args[5].(string),
		})
	case strings.HasPrefix(query, "DELETE FROM lp_migrations"):
		version := args[2].(int64)
		kept := m.records[:0]
		for _, rec := range m.records {
			if rec.Version != version {
				kept = append(kept, rec)
			}
		}
		m.records = kept
	}
	return db.ExecResult{RowCount: 1}, nil
}

func (m *memDB) WithTransaction(ctx context.Context, fn func(context.Context, db.Querier) error) error {
	return fn(ctx, m)
}

func (m *memDB) Dialect() dialect.Dialect {
	if m.dlct == "" {
		return dialect.SQLite
	}
	return m.dlct
}

func (m *memDB) Close() error { return nil }

func testFS() fstest.MapFS {
	return fstest.MapFS{
		"0001_init.sql": {Data: []byte(
			"-- migrate:up\nCREATE TABLE accounts(id int);\n-- migrate:down\nDROP TABLE accounts;\n")},
		"0002_add_index.sql": {Data: []byte(
			"-- migrate:up\nCREATE INDEX accounts_id_idx ON accounts(id);\n-- migrate:down\nDROP INDEX accounts_id_idx;\n")},
	}
}

func appliedVersions(records []Record) []int64 {
	out := make([]int64, 0, len(records))
	for _, r := range records {
		out = append(out, r.Version)
	}
	return out
}

func TestUpAppliesAllPendingInOrder(t *testing.T) {
	t.Parallel()

	mdb := &memDB{}
	r := NewRunner(mdb, testFS())

	res, err := r.Up(context.Background(), UpOptions{})
	require.NoError(t, err)

	require.Len(t, res.Applied, 2)
	assert.Equal(t, []int64{1, 2}, appliedVersions(mdb.records))
	assert.Contains(t, mdb.execs, "CREATE TABLE accounts(id int);")
	assert.Contains(t, mdb.execs, "CREATE INDEX accounts_id_idx ON accounts(id);")
}

func TestUpEmptyDirectoryIsNoop(t *testing.T) {
	t.Parallel()

	mdb := &memDB{}
	r := NewRunner(mdb, fstest.MapFS{})

	res, err := r.Up(context.Background(), UpOptions{})
	require.NoError(t, err)
	assert.Empty(t, res.Applied)
	assert.Empty(t, mdb.execs)
}

func TestUpRespectsStepsAndToVersion(t *testing.T) {
	t.Parallel()

	t.Run("steps", func(t *testing.T) {
		mdb := &memDB{}
		r := NewRunner(mdb, testFS())
		res, err := r.Up(context.Background(), UpOptions{Steps: 1})
		require.NoError(t, err)
		require.Len(t, res.Applied, 1)
		assert.Equal(t, int64(1), res.Applied[0].Version)
	})

	t.Run("to version", func(t *testing.T) {
		mdb := &memDB{}
		r := NewRunner(mdb, testFS())
		res, err := r.Up(context.Background(), UpOptions{ToVersion: 1})
		require.NoError(t, err)
		require.Len(t, res.Applied, 1)
		assert.Equal(t, int64(1), res.Applied[0].Version)
	})
}

func TestUpSkipsAlreadyApplied(t *testing.T) {
	t.Parallel()

	mdb := &memDB{records: []Record{{Version: 1, Name: "init", Scope: ScopeCore}}}
	r := NewRunner(mdb, testFS())

	res, err := r.Up(context.Background(), UpOptions{})
	require.NoError(t, err)
	require.Len(t, res.Applied, 1)
	assert.Equal(t, int64(2), res.Applied[0].Version)
}

func TestUpDetectsOutOfOrderMigrations(t *testing.T) {
	t.Parallel()

	// v2 applied without v1: the applied set is no longer a contiguous
	// prefix of the discovered versions
	mdb := &memDB{records: []Record{{Version: 2, Name: "add_index", Scope: ScopeCore}}}
	r := NewRunner(mdb, testFS())

	_, err := r.Up(context.Background(), UpOptions{})
	require.ErrorIs(t, err, ErrOutOfOrder)
}

func TestUpDryRunExecutesNothing(t *testing.T) {
	t.Parallel()

	mdb := &memDB{}
	r := NewRunner(mdb, testFS())

	res, err := r.Up(context.Background(), UpOptions{DryRun: true})
	require.NoError(t, err)
	assert.True(t, res.DryRun)
	assert.Len(t, res.Applied, 2)
	assert.Empty(t, mdb.execs)
	assert.Empty(t, mdb.records)
}

func TestDownRollsBackMostRecentFirst(t *testing.T) {
	t.Parallel()

	mdb := &memDB{}
	r := NewRunner(mdb, testFS())
	_, err := r.Up(context.Background(), UpOptions{})
	require.NoError(t, err)

	res, err := r.Down(context.Background(), DownOptions{})
	require.NoError(t, err)

	require.Len(t, res.RolledBack, 1)
	assert.Equal(t, int64(2), res.RolledBack[0].Version)
	assert.Equal(t, []int64{1}, appliedVersions(mdb.records))
	assert.Contains(t, mdb.execs, "DROP INDEX accounts_id_idx;")
}

func TestDownRequiresDownSection(t *testing.T) {
	t.Parallel()

	fsys := fstest.MapFS{
		"0001_no_down.sql": {Data: []byte("-- migrate:up\nCREATE TABLE t(x int);\n")},
	}
	mdb := &memDB{}
	r := NewRunner(mdb, fsys)
	_, err := r.Up(context.Background(), UpOptions{})
	require.NoError(t, err)

	_, err = r.Down(context.Background(), DownOptions{})
	require.ErrorIs(t, err, ErrMissingDown)
}

func TestUpDownUpRoundTrip(t *testing.T) {
	t.Parallel()

	mdb := &memDB{}
	r := NewRunner(mdb, testFS())

	_, err := r.Up(context.Background(), UpOptions{})
	require.NoError(t, err)
	firstChecksums := map[int64]string{}
	for _, rec := range mdb.records {
		firstChecksums[rec.Version] = rec.Checksum
	}

	_, err = r.Down(context.Background(), DownOptions{Steps: 2})
	require.NoError(t, err)
	assert.Empty(t, mdb.records)

	_, err = r.Up(context.Background(), UpOptions{})
	require.NoError(t, err)

	assert.Equal(t, []int64{1, 2}, appliedVersions(mdb.records))
	for _, rec := range mdb.records {
		assert.Equal(t, firstChecksums[rec.Version], rec.Checksum)
	}
}

func TestVerifyReportsDriftForTamperedFileOnly(t *testing.T) {
	t.Parallel()

	mdb := &memDB{}
	r := NewRunner(mdb, testFS())
	_, err := r.Up(context.Background(), UpOptions{})
	require.NoError(t, err)

	drift, err := r.Verify(context.Background())
	require.NoError(t, err)
	assert.Empty(t, drift)

	// tamper v1 on disk
	tampered := testFS()
	tampered["0001_init.sql"] = &fstest.MapFile{Data: []byte(
		"-- migrate:up\nCREATE TABLE accounts(id bigint);\n-- migrate:down\nDROP TABLE accounts;\n")}
	r2 := NewRunner(mdb, tampered)

	drift, err = r2.Verify(context.Background())
	require.NoError(t, err)
	require.Len(t, drift, 1)
	assert.Equal(t, int64(1), drift[0].Version)
	assert.NotEqual(t, drift[0].Expected, drift[0].Actual)
	assert.NotEmpty(t, drift[0].Actual)
}

func TestVerifyReportsMissingFile(t *testing.T) {
	t.Parallel()

	mdb := &memDB{records: []Record{{Version: 9, Name: "gone", Checksum: "abc", Scope: ScopeCore}}}
	r := NewRunner(mdb, fstest.MapFS{})

	drift, err := r.Verify(context.Background())
	require.NoError(t, err)
	require.Len(t, drift, 1)
	assert.Equal(t, int64(9), drift[0].Version)
	assert.Empty(t, drift[0].Actual)
}

func TestStatusSplitsAppliedAndPending(t *testing.T) {
	t.Parallel()

	mdb := &memDB{}
	r := NewRunner(mdb, testFS())
	_, err := r.Up(context.Background(), UpOptions{Steps: 1})
	require.NoError(t, err)

	status, err := r.Status(context.Background())
	require.NoError(t, err)

	require.Len(t, status.Applied, 1)
	assert.Equal(t, int64(1), status.Applied[0].Version)
	require.Len(t, status.Pending, 1)
	assert.Equal(t, int64(2), status.Pending[0].Version)
}
