// SPDX-License-Identifier: Apache-2.0

package db_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/launchpadhq/lpdb/pkg/db"
	"github.com/launchpadhq/lpdb/pkg/dialect"
)

func TestDrainAndCloseCleanDrain(t *testing.T) {
	t.Parallel()

	drv, mock := newMockDriver(t, dialect.SQLite)
	mock.ExpectQuery("SELECT slow").
		WillDelayFor(200 * time.Millisecond).
		WillReturnRows(sqlmock.NewRows([]string{"x"}).AddRow(1))
	mock.ExpectClose()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := drv.Query(context.Background(), "SELECT slow")
		assert.NoError(t, err)
	}()

	// let the query register before draining
	require.Eventually(t, func() bool { return drv.ActiveQueryCount() == 1 },
		time.Second, 5*time.Millisecond)

	var phases []db.DrainPhase
	res, err := drv.DrainAndClose(context.Background(),
		db.WithDrainTimeout(2*time.Second),
		db.WithDrainProgress(func(p db.DrainProgress) { phases = append(phases, p.Phase) }))
	require.NoError(t, err)
	wg.Wait()

	assert.True(t, res.Success)
	assert.False(t, res.TimedOut)
	assert.Equal(t, 1, res.CompletedQueries)
	assert.Equal(t, 0, res.CancelledQueries)
	assert.Equal(t, []db.DrainPhase{db.PhaseDraining, db.PhaseClosing, db.PhaseComplete}, phases)
}

func TestDrainAndCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	drv, mock := newMockDriver(t, dialect.SQLite)
	mock.ExpectClose()

	first, err := drv.DrainAndClose(context.Background())
	require.NoError(t, err)
	second, err := drv.DrainAndClose(context.Background())
	require.NoError(t, err)
	assert.Same(t, first, second)
}

func TestDrainAndCloseSQLiteSkipsCancel(t *testing.T) {
	t.Parallel()

	drv, mock := newMockDriver(t, dialect.SQLite)
	mock.ExpectQuery("SELECT slow").
		WillDelayFor(500 * time.Millisecond).
		WillReturnRows(sqlmock.NewRows([]string{"x"}).AddRow(1))
	mock.ExpectClose()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		drv.Query(context.Background(), "SELECT slow") //nolint:errcheck
	}()

	require.Eventually(t, func() bool { return drv.ActiveQueryCount() == 1 },
		time.Second, 5*time.Millisecond)

	var phases []db.DrainPhase
	res, err := drv.DrainAndClose(context.Background(),
		db.WithDrainTimeout(50*time.Millisecond),
		db.WithDrainProgress(func(p db.DrainProgress) { phases = append(phases, p.Phase) }))
	require.NoError(t, err)

	assert.True(t, res.TimedOut)
	// cancellation is skipped on the single-connection backend, but the
	// cancelling phase is still announced before closing
	assert.Equal(t, []db.DrainPhase{db.PhaseDraining, db.PhaseCancelling, db.PhaseClosing, db.PhaseComplete}, phases)
	wg.Wait()
}

func TestDrainAndCloseForceCancelsPostgresBackends(t *testing.T) {
	t.Parallel()

	mockDB, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	mock.MatchExpectationsInOrder(false)

	drv := db.NewDriver(mockDB, dialect.Postgres)

	pidRows := func(pid int) *sqlmock.Rows {
		return sqlmock.NewRows([]string{"pg_backend_pid"}).AddRow(pid)
	}
	mock.ExpectQuery("SELECT pg_backend_pid()").WillReturnRows(pidRows(101))
	mock.ExpectQuery("SELECT pg_backend_pid()").WillReturnRows(pidRows(102))
	slowRows := func() *sqlmock.Rows { return sqlmock.NewRows([]string{"pg_sleep"}).AddRow("") }
	mock.ExpectQuery("SELECT pg_sleep(5)").WillDelayFor(time.Second).WillReturnRows(slowRows())
	mock.ExpectQuery("SELECT pg_sleep(5)").WillDelayFor(time.Second).WillReturnRows(slowRows())
	mock.ExpectExec("SELECT pg_cancel_backend($1)").WithArgs(101).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("SELECT pg_cancel_backend($1)").WithArgs(102).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectClose()

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			drv.Query(context.Background(), "SELECT pg_sleep(5)") //nolint:errcheck
		}()
	}

	require.Eventually(t, func() bool { return drv.ActiveQueryCount() == 2 },
		time.Second, 5*time.Millisecond)

	res, err := drv.DrainAndClose(context.Background(), db.WithDrainTimeout(50*time.Millisecond))
	require.NoError(t, err)
	wg.Wait()

	assert.True(t, res.TimedOut)
	assert.Equal(t, 2, res.CancelledQueries)
	assert.Equal(t, 0, res.CompletedQueries)
}
