package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/insight-sync/internal/errors"
	"github.com/insight-sync/internal/models"
	"github.com/insight-sync/internal/queue"
	"github.com/insight-sync/internal/types"
)

type fakeFetcher struct {
	insights []*models.Insight
	err      error
	calls    int
	onFetch  func() // runs inside FetchRange, before returning
}

func (f *fakeFetcher) FetchRange(_ context.Context, _, _ string, _, _ time.Time, _ types.EntityLevel) ([]*models.Insight, error) {
	f.calls++
	if f.onFetch != nil {
		f.onFetch()
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.insights, nil
}

type fakeConnStore struct {
	conn          *models.Connection
	active        bool
	statusUpdates []types.SyncStatus
	completedAt   *time.Time
	errorMarked   bool
}

func (s *fakeConnStore) GetByID(context.Context, string) (*models.Connection, error) {
	return s.conn, nil
}

func (s *fakeConnStore) IsActive(context.Context, string) (bool, error) {
	return s.active, nil
}

func (s *fakeConnStore) UpdateSyncStatus(_ context.Context, _ string, status types.SyncStatus) error {
	s.statusUpdates = append(s.statusUpdates, status)
	s.conn.SyncStatus = status
	return nil
}

func (s *fakeConnStore) MarkSyncCompleted(_ context.Context, _ string, at time.Time) error {
	s.completedAt = &at
	return nil
}

func (s *fakeConnStore) MarkError(context.Context, string) error {
	s.errorMarked = true
	return nil
}

type fakeWriter struct {
	batches [][]*models.Insight
	err     error
}

func (w *fakeWriter) UpsertBatch(_ context.Context, insights []*models.Insight) (int, error) {
	if w.err != nil {
		return 0, w.err
	}
	w.batches = append(w.batches, insights)
	return len(insights), nil
}

type fakeCache struct {
	invalidated []string
}

func (c *fakeCache) InvalidateStatus(_ context.Context, brandID string) error {
	c.invalidated = append(c.invalidated, brandID)
	return nil
}

type poolFixture struct {
	pool    *SyncPool
	queue   *queue.MemoryQueue
	fetcher *fakeFetcher
	conns   *fakeConnStore
	writer  *fakeWriter
	cache   *fakeCache
}

func newPoolFixture(t *testing.T) *poolFixture {
	t.Helper()

	f := &poolFixture{
		queue:   queue.NewMemoryQueue(nil),
		fetcher: &fakeFetcher{},
		writer:  &fakeWriter{},
		cache:   &fakeCache{},
		conns: &fakeConnStore{
			active: true,
			conn: &models.Connection{
				ID:          "conn-1",
				BrandID:     "brand-1",
				Platform:    types.PlatformMeta,
				AccessToken: "tok",
				AccountID:   "12345",
				Status:      types.ConnectionActive,
				SyncStatus:  types.SyncPending,
			},
		},
	}

	pool, err := NewSyncPool(&SyncPoolConfig{
		Queue:       f.queue,
		Fetcher:     f.fetcher,
		Connections: f.conns,
		Writer:      f.writer,
		Cache:       f.cache,
	})
	require.NoError(t, err)
	f.pool = pool
	return f
}

// claim enqueues the job and dequeues it so it is in the active state runJob
// expects.
func (f *poolFixture) claim(t *testing.T, job *models.SyncJob) *models.SyncJob {
	t.Helper()
	require.NoError(t, f.queue.Enqueue(context.Background(), job))
	claimed, ok := f.queue.Dequeue(context.Background())
	require.True(t, ok)
	return claimed
}

func chunkJob(id string, start time.Time) *models.SyncJob {
	return &models.SyncJob{
		ID:           id,
		Type:         types.JobHistoricalChunk,
		BrandID:      "brand-1",
		ConnectionID: "conn-1",
		StartDate:    start,
		EndDate:      start.AddDate(0, 0, 29),
		Priority:     50,
		MaxAttempts:  3,
	}
}

func TestRunJobSuccess(t *testing.T) {
	f := newPoolFixture(t)
	f.fetcher.insights = []*models.Insight{
		{EntityID: "ad-1", EntityLevel: types.LevelAd, Date: time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC), Spend: 10},
	}

	job := f.claim(t, chunkJob("j1", time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)))
	f.pool.runJob(context.Background(), job)

	// pending flips to in_progress, and the last drained job completes the sync
	assert.Equal(t, []types.SyncStatus{types.SyncInProgress}, f.conns.statusUpdates)
	require.NotNil(t, f.conns.completedAt)
	require.Len(t, f.writer.batches, 1)
	assert.Equal(t, 0, f.queue.Outstanding("conn-1"))
	assert.Contains(t, f.cache.invalidated, "brand-1")
}

func TestRunJobStampsBrandOnFetchedRows(t *testing.T) {
	f := newPoolFixture(t)
	// The provider payload has no brand on it
	f.fetcher.insights = []*models.Insight{
		{EntityID: "ad-1", EntityLevel: types.LevelAd, Date: time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC), Spend: 10},
		{EntityID: "ad-2", EntityLevel: types.LevelAd, Date: time.Date(2025, 5, 2, 0, 0, 0, 0, time.UTC), Spend: 3},
	}

	job := f.claim(t, chunkJob("j1", time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)))
	f.pool.runJob(context.Background(), job)

	require.Len(t, f.writer.batches, 1)
	for _, ins := range f.writer.batches[0] {
		assert.Equal(t, "brand-1", ins.BrandID, "every stored row carries the job's brand")
	}
}

func TestRunJobDiscardsChunkOnDisconnectMidFetch(t *testing.T) {
	f := newPoolFixture(t)
	f.fetcher.insights = []*models.Insight{
		{EntityID: "ad-1", EntityLevel: types.LevelAd, Date: time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC), Spend: 10},
	}
	// The disconnect lands while the fetch is in flight
	f.fetcher.onFetch = func() { f.conns.active = false }

	job := f.claim(t, chunkJob("j1", time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)))
	f.pool.runJob(context.Background(), job)

	assert.Equal(t, 1, f.fetcher.calls)
	assert.Empty(t, f.writer.batches, "no rows written for a revoked connection")
	assert.Nil(t, f.conns.completedAt)
	assert.Empty(t, f.queue.Inspect(queue.Filter{ConnectionID: "conn-1"}))
}

func TestRunJobDoesNotCompleteSyncWithJobsOutstanding(t *testing.T) {
	f := newPoolFixture(t)
	f.conns.conn.SyncStatus = types.SyncInProgress

	job := f.claim(t, chunkJob("j1", time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)))
	require.NoError(t, f.queue.Enqueue(context.Background(), chunkJob("j2", time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC))))

	f.pool.runJob(context.Background(), job)

	assert.Nil(t, f.conns.completedAt)
	assert.Equal(t, 1, f.queue.Outstanding("conn-1"))
}

func TestRunJobDiscardsWhenConnectionInactive(t *testing.T) {
	f := newPoolFixture(t)
	f.conns.active = false

	job := f.claim(t, chunkJob("j1", time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)))
	f.pool.runJob(context.Background(), job)

	assert.Zero(t, f.fetcher.calls, "no provider call for a revoked connection")
	assert.Empty(t, f.writer.batches)
	assert.Equal(t, 0, f.queue.Outstanding("conn-1"))
	assert.Empty(t, f.queue.Inspect(queue.Filter{ConnectionID: "conn-1"}))
}

func TestRunJobCredentialErrorHaltsConnection(t *testing.T) {
	f := newPoolFixture(t)
	f.fetcher.err = apperrors.NewCredentialError("access token rejected", nil)

	job := f.claim(t, chunkJob("j1", time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)))
	require.NoError(t, f.queue.Enqueue(context.Background(), chunkJob("j2", time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC))))

	f.pool.runJob(context.Background(), job)

	assert.True(t, f.conns.errorMarked)
	assert.Contains(t, f.conns.statusUpdates, types.SyncFailed)

	// Queued sibling jobs pruned, the failing job in the dead set
	dead := f.queue.Inspect(queue.Filter{Statuses: []types.JobStatus{types.JobDead}})
	require.Len(t, dead, 1)
	assert.Equal(t, "j1", dead[0].ID)
	assert.Equal(t, 0, f.queue.Outstanding("conn-1"))
}

func TestRunJobInvalidRangeGoesStraightToDead(t *testing.T) {
	f := newPoolFixture(t)
	f.fetcher.err = apperrors.NewInvalidRangeError("provider rejected request", nil)

	job := f.claim(t, chunkJob("j1", time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)))
	f.pool.runJob(context.Background(), job)

	dead := f.queue.Inspect(queue.Filter{Statuses: []types.JobStatus{types.JobDead}})
	require.Len(t, dead, 1)
	assert.Equal(t, dead[0].MaxAttempts, dead[0].Attempts)
	assert.False(t, f.conns.errorMarked)
	assert.Contains(t, f.conns.statusUpdates, types.SyncFailed)
}

func TestRunJobTransientErrorRequeues(t *testing.T) {
	f := newPoolFixture(t)
	f.fetcher.err = apperrors.NewTransientError("provider temporary failure", nil)

	job := f.claim(t, chunkJob("j1", time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)))
	f.pool.runJob(context.Background(), job)

	queued := f.queue.Inspect(queue.Filter{Statuses: []types.JobStatus{types.JobQueued}})
	require.Len(t, queued, 1)
	assert.Equal(t, 1, queued[0].Attempts)
	assert.NotContains(t, f.conns.statusUpdates, types.SyncFailed)
}

func TestNewSyncPoolValidation(t *testing.T) {
	base := func() *SyncPoolConfig {
		return &SyncPoolConfig{
			Queue:       queue.NewMemoryQueue(nil),
			Fetcher:     &fakeFetcher{},
			Connections: &fakeConnStore{conn: &models.Connection{}},
			Writer:      &fakeWriter{},
		}
	}

	tests := []struct {
		name   string
		mutate func(*SyncPoolConfig)
	}{
		{"nil queue", func(c *SyncPoolConfig) { c.Queue = nil }},
		{"nil fetcher", func(c *SyncPoolConfig) { c.Fetcher = nil }},
		{"nil connections", func(c *SyncPoolConfig) { c.Connections = nil }},
		{"nil writer", func(c *SyncPoolConfig) { c.Writer = nil }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			_, err := NewSyncPool(cfg)
			assert.Error(t, err)
		})
	}

	pool, err := NewSyncPool(base())
	require.NoError(t, err)
	assert.Equal(t, 4, pool.workers)
	assert.Equal(t, 1*time.Second, pool.pollInterval)
}

func TestStartStop(t *testing.T) {
	f := newPoolFixture(t)

	require.NoError(t, f.pool.Start(context.Background()))
	assert.Error(t, f.pool.Start(context.Background()), "double start must fail")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.pool.Stop(ctx))
	assert.Error(t, f.pool.Stop(ctx), "double stop must fail")
}
