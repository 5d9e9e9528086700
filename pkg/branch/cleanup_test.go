// SPDX-License-Identifier: Apache-2.0

package branch_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/launchpadhq/lpdb/pkg/branch"
)

type fakeCleanupStore struct {
	stale      []*branch.Branch
	all        []*branch.Branch
	markedFrom time.Time
}

func (f *fakeCleanupStore) ListStale(ctx context.Context, cutoff time.Time, skipProtected bool) ([]*branch.Branch, error) {
	if skipProtected {
		var out []*branch.Branch
		for _, b := range f.stale {
			if !b.IsProtected && b.Status != branch.StatusProtected {
				out = append(out, b)
			}
		}
		return out, nil
	}
	return f.stale, nil
}

func (f *fakeCleanupStore) MarkStale(ctx context.Context, cutoff time.Time) (int, error) {
	f.markedFrom = cutoff
	return len(f.stale), nil
}

func (f *fakeCleanupStore) List(ctx context.Context, fl branch.Filter) ([]*branch.Branch, error) {
	return f.all, nil
}

type fakeDeleter struct {
	mu      sync.Mutex
	deleted []string
	failOn  map[string]error
	block   chan struct{}
	entered chan struct{}
}

func (f *fakeDeleter) Delete(ctx context.Context, slug string, hard bool) error {
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.block != nil {
		<-f.block
	}
	if err, ok := f.failOn[slug]; ok {
		return err
	}
	f.mu.Lock()
	f.deleted = append(f.deleted, slug)
	f.mu.Unlock()
	return nil
}

func staleBranch(slug string, protected bool) *branch.Branch {
	b := &branch.Branch{
		Slug:           slug,
		Status:         branch.StatusStale,
		LastAccessedAt: time.Now().Add(-8 * 24 * time.Hour),
		AutoDeleteDays: 7,
	}
	if protected {
		b.IsProtected = true
		b.Status = branch.StatusProtected
	}
	return b
}

func TestRunCleanupDeletesStaleBranches(t *testing.T) {
	t.Parallel()

	store := &fakeCleanupStore{stale: []*branch.Branch{
		staleBranch("feature-x", false),
		staleBranch("feature-y", false),
	}}
	deleter := &fakeDeleter{}
	s := branch.NewScheduler(store, deleter)

	res, err := s.RunCleanup(context.Background(), branch.CleanupOptions{})
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"feature-x", "feature-y"}, res.Deleted)
	assert.Empty(t, res.Skipped)
	assert.ElementsMatch(t, []string{"feature-x", "feature-y"}, deleter.deleted)
}

func TestRunCleanupNeverDeletesProtected(t *testing.T) {
	t.Parallel()

	store := &fakeCleanupStore{stale: []*branch.Branch{
		staleBranch("feature-x", false),
		staleBranch("prod-mirror", true),
	}}
	deleter := &fakeDeleter{}
	s := branch.NewScheduler(store, deleter)

	res, err := s.RunCleanup(context.Background(), branch.CleanupOptions{})
	require.NoError(t, err)

	assert.Equal(t, []string{"feature-x"}, res.Deleted)
	require.Len(t, res.Skipped, 1)
	assert.Equal(t, "prod-mirror", res.Skipped[0].Slug)
	assert.Equal(t, "protected", res.Skipped[0].Reason)
}

func TestRunCleanupCollectsPerBranchFailures(t *testing.T) {
	t.Parallel()

	store := &fakeCleanupStore{stale: []*branch.Branch{
		staleBranch("ok-branch", false),
		staleBranch("broken-branch", false),
	}}
	deleter := &fakeDeleter{failOn: map[string]error{"broken-branch": errors.New("schema drop failed")}}
	s := branch.NewScheduler(store, deleter)

	res, err := s.RunCleanup(context.Background(), branch.CleanupOptions{})
	require.NoError(t, err)

	assert.Equal(t, []string{"ok-branch"}, res.Deleted)
	require.Len(t, res.Skipped, 1)
	assert.Equal(t, "broken-branch", res.Skipped[0].Slug)
	assert.Contains(t, res.Skipped[0].Reason, "schema drop failed")
}

func TestRunCleanupDryRunReportsOnly(t *testing.T) {
	t.Parallel()

	store := &fakeCleanupStore{stale: []*branch.Branch{staleBranch("feature-x", false)}}
	deleter := &fakeDeleter{}
	s := branch.NewScheduler(store, deleter)

	res, err := s.RunCleanup(context.Background(), branch.CleanupOptions{DryRun: true})
	require.NoError(t, err)

	assert.True(t, res.DryRun)
	assert.Equal(t, []string{"feature-x"}, res.Deleted)
	assert.Empty(t, deleter.deleted)
}

func TestRunCleanupEmptyResult(t *testing.T) {
	t.Parallel()

	s := branch.NewScheduler(&fakeCleanupStore{}, &fakeDeleter{})
	res, err := s.RunCleanup(context.Background(), branch.CleanupOptions{})
	require.NoError(t, err)

	assert.Empty(t, res.Deleted)
	assert.Empty(t, res.Skipped)
}

func TestRunCleanupRejectsOverlap(t *testing.T) {
	t.Parallel()

	store := &fakeCleanupStore{stale: []*branch.Branch{staleBranch("feature-x", false)}}
	deleter := &fakeDeleter{block: make(chan struct{}), entered: make(chan struct{}, 1)}
	s := branch.NewScheduler(store, deleter)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := s.RunCleanup(context.Background(), branch.CleanupOptions{})
		assert.NoError(t, err)
	}()

	// wait until the first run holds the guard and is blocked in Delete
	<-deleter.entered

	require.Eventually(t, func() bool {
		_, err := s.RunCleanup(context.Background(), branch.CleanupOptions{})
		return errors.Is(err, branch.ErrCleanupAlreadyRunning)
	}, time.Second, 5*time.Millisecond)

	close(deleter.block)
	wg.Wait()

	// once the first run finishes, a new run is accepted again
	_, err := s.RunCleanup(context.Background(), branch.CleanupOptions{})
	require.NoError(t, err)
}

func TestRunCleanupRecordsHistory(t *testing.T) {
	t.Parallel()

	store := &fakeCleanupStore{stale: []*branch.Branch{staleBranch("feature-x", false)}}
	s := branch.NewScheduler(store, &fakeDeleter{})

	_, err := s.RunCleanup(context.Background(), branch.CleanupOptions{})
	require.NoError(t, err)

	history := s.History()
	require.Len(t, history, 1)
	assert.NotEmpty(t, history[0].ID)
	assert.NotNil(t, history[0].Result)
	assert.False(t, history[0].CompletedAt.Before(history[0].StartedAt))
}

func TestMarkAsStale(t *testing.T) {
	t.Parallel()

	store := &fakeCleanupStore{stale: []*branch.Branch{staleBranch("feature-x", false)}}
	s := branch.NewScheduler(store, &fakeDeleter{}, branch.WithMaxAge(7*24*time.Hour))

	n, err := s.MarkAsStale(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.WithinDuration(t, time.Now().Add(-7*24*time.Hour), store.markedFrom, time.Minute)
}

func TestUpcomingCleanups(t *testing.T) {
	t.Parallel()

	now := time.Now()
	store := &fakeCleanupStore{all: []*branch.Branch{
		{Slug: "due-soon", LastAccessedAt: now.Add(-6 * 24 * time.Hour), AutoDeleteDays: 7, Status: branch.StatusActive},
		{Slug: "far-out", LastAccessedAt: now, AutoDeleteDays: 30, Status: branch.StatusActive},
		{Slug: "protected", LastAccessedAt: now.Add(-6 * 24 * time.Hour), AutoDeleteDays: 7, IsProtected: true, Status: branch.StatusProtected},
		{Slug: "no-policy", LastAccessedAt: now.Add(-100 * 24 * time.Hour), AutoDeleteDays: 0, Status: branch.StatusActive},
	}}
	s := branch.NewScheduler(store, &fakeDeleter{})

	upcoming, err := s.UpcomingCleanups(context.Background(), 3)
	require.NoError(t, err)

	require.Len(t, upcoming, 1)
	assert.Equal(t, "due-soon", upcoming[0].Slug)
}

func TestSchedulerStartRunsImmediately(t *testing.T) {
	t.Parallel()

	store := &fakeCleanupStore{stale: []*branch.Branch{staleBranch("feature-x", false)}}
	deleter := &fakeDeleter{}
	s := branch.NewScheduler(store, deleter, branch.WithInterval(time.Hour))

	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool {
		deleter.mu.Lock()
		defer deleter.mu.Unlock()
		return len(deleter.deleted) == 1
	}, time.Second, 5*time.Millisecond)
}
