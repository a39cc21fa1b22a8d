package worker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/insight-sync/internal/errors"
	"github.com/insight-sync/internal/meta"
	"github.com/insight-sync/internal/models"
	"github.com/insight-sync/internal/types"
)

type fakeLedger struct {
	ensured      map[string][]time.Time // connectionID -> dates
	maxAttempts  int
	pending      []*models.DemographicsJob
	completed    []int64
	failed       map[int64]string
	retries      int
	releases     int
	releaseAge   time.Duration
	upserted     []*models.DemographicInsight
	ensureErr    error
	retryErr     error
	releaseErr   error
	upsertErr    error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		ensured: map[string][]time.Time{},
		failed:  map[int64]string{},
	}
}

func (l *fakeLedger) EnsureJobs(_ context.Context, _, connectionID string, dates []time.Time, breakdowns []types.Breakdown, maxAttempts int) (int, error) {
	if l.ensureErr != nil {
		return 0, l.ensureErr
	}
	l.ensured[connectionID] = append(l.ensured[connectionID], dates...)
	l.maxAttempts = maxAttempts
	return len(dates) * len(breakdowns), nil
}

func (l *fakeLedger) ClaimPending(_ context.Context, limit int) ([]*models.DemographicsJob, error) {
	if len(l.pending) > limit {
		claimed := l.pending[:limit]
		l.pending = l.pending[limit:]
		return claimed, nil
	}
	claimed := l.pending
	l.pending = nil
	return claimed, nil
}

func (l *fakeLedger) MarkCompleted(_ context.Context, id int64) error {
	l.completed = append(l.completed, id)
	return nil
}

func (l *fakeLedger) MarkFailed(_ context.Context, id int64, cause error) error {
	l.failed[id] = cause.Error()
	return nil
}

func (l *fakeLedger) RetryFailed(context.Context) (int, error) {
	if l.retryErr != nil {
		return 0, l.retryErr
	}
	l.retries++
	return 0, nil
}

func (l *fakeLedger) ReleaseStuck(_ context.Context, olderThan time.Duration) (int, error) {
	if l.releaseErr != nil {
		return 0, l.releaseErr
	}
	l.releases++
	l.releaseAge = olderThan
	return 0, nil
}

func (l *fakeLedger) UpsertBatch(_ context.Context, rows []*models.DemographicInsight) (int, error) {
	if l.upsertErr != nil {
		return 0, l.upsertErr
	}
	l.upserted = append(l.upserted, rows...)
	return len(rows), nil
}

type fakeSpendDays struct {
	days map[string][]time.Time
	err  error
}

func (s *fakeSpendDays) SpendDays(_ context.Context, brandID string, _ types.DateRange) ([]time.Time, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.days[brandID], nil
}

type fakeConnLister struct {
	conns    []*models.Connection
	inactive map[string]bool
}

func (c *fakeConnLister) ListActive(_ context.Context, _ types.Platform) ([]*models.Connection, error) {
	return c.conns, nil
}

func (c *fakeConnLister) GetByID(_ context.Context, id string) (*models.Connection, error) {
	for _, conn := range c.conns {
		if conn.ID == id {
			return conn, nil
		}
	}
	return nil, fmt.Errorf("connection %s not found", id)
}

func (c *fakeConnLister) IsActive(_ context.Context, id string) (bool, error) {
	return !c.inactive[id], nil
}

type fakeDemoFetcher struct {
	rows    []meta.RawInsight
	err     error
	calls   int
	onFetch func() // runs inside FetchDemographics, before returning
}

func (f *fakeDemoFetcher) FetchDemographics(_ context.Context, _, _ string, _ time.Time, _ types.Breakdown) ([]meta.RawInsight, error) {
	f.calls++
	if f.onFetch != nil {
		f.onFetch()
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.rows, nil
}

func testConn(id, brandID string) *models.Connection {
	return &models.Connection{
		ID:          id,
		BrandID:     brandID,
		Platform:    types.PlatformMeta,
		AccessToken: "tok",
		AccountID:   "12345",
		Status:      types.ConnectionActive,
	}
}

func TestDispatchPopulatesLedgerFromSpendDays(t *testing.T) {
	ledger := newFakeLedger()
	d1 := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	d2 := time.Date(2025, 5, 3, 0, 0, 0, 0, time.UTC)
	spend := &fakeSpendDays{days: map[string][]time.Time{
		"brand-1": {d1, d2},
		"brand-2": nil, // no spend, no ledger rows
	}}
	conns := &fakeConnLister{conns: []*models.Connection{
		testConn("conn-1", "brand-1"),
		testConn("conn-2", "brand-2"),
	}}

	d := NewDemographicsDispatcher(ledger, spend, conns, 30*24*time.Hour, 5)
	require.NoError(t, d.Dispatch(context.Background()))

	assert.Equal(t, []time.Time{d1, d2}, ledger.ensured["conn-1"])
	assert.NotContains(t, ledger.ensured, "conn-2")
	assert.Equal(t, 5, ledger.maxAttempts)
	assert.Equal(t, 1, ledger.retries, "failed entries re-pended once per pass")
	assert.Equal(t, 1, ledger.releases, "abandoned running claims released once per pass")
	assert.Equal(t, stuckClaimAge, ledger.releaseAge)
}

func TestDispatchSurfacesReleaseError(t *testing.T) {
	ledger := newFakeLedger()
	ledger.releaseErr = errors.New("db down")
	d := NewDemographicsDispatcher(ledger, &fakeSpendDays{}, &fakeConnLister{}, 0, 5)

	assert.Error(t, d.Dispatch(context.Background()))
	assert.Zero(t, ledger.retries, "failed-entry retry waits for the release to succeed")
}

func TestDispatchSurfacesRetryError(t *testing.T) {
	ledger := newFakeLedger()
	ledger.retryErr = errors.New("db down")
	d := NewDemographicsDispatcher(ledger, &fakeSpendDays{}, &fakeConnLister{}, 0, 5)

	assert.Error(t, d.Dispatch(context.Background()))
}

func TestDispatchContinuesPastBrokenBrand(t *testing.T) {
	ledger := newFakeLedger()
	spend := &fakeSpendDays{days: map[string][]time.Time{
		"brand-2": {time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)},
	}}
	spendErrFirst := &brandErrSpendDays{inner: spend, failBrand: "brand-1"}
	conns := &fakeConnLister{conns: []*models.Connection{
		testConn("conn-1", "brand-1"),
		testConn("conn-2", "brand-2"),
	}}

	d := NewDemographicsDispatcher(ledger, spendErrFirst, conns, 0, 5)
	require.NoError(t, d.Dispatch(context.Background()))
	assert.Contains(t, ledger.ensured, "conn-2")
}

type brandErrSpendDays struct {
	inner     *fakeSpendDays
	failBrand string
}

func (s *brandErrSpendDays) SpendDays(ctx context.Context, brandID string, rng types.DateRange) ([]time.Time, error) {
	if brandID == s.failBrand {
		return nil, errors.New("storage failure")
	}
	return s.inner.SpendDays(ctx, brandID, rng)
}

func ledgerEntry(id int64, breakdown types.Breakdown) *models.DemographicsJob {
	return &models.DemographicsJob{
		ID:           id,
		BrandID:      "brand-1",
		ConnectionID: "conn-1",
		Date:         time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC),
		Breakdown:    breakdown,
		Status:       types.DemographicsRunning,
	}
}

func newRunnerFixture(t *testing.T, ledger *fakeLedger, fetcher *fakeDemoFetcher, conns *fakeConnLister) *DemographicsRunner {
	t.Helper()
	r, err := NewDemographicsRunner(&DemographicsRunnerConfig{
		Ledger:      ledger,
		Fetcher:     fetcher,
		Connections: conns,
		Workers:     2,
	})
	require.NoError(t, err)
	return r
}

func TestRunBatchStoresAndCompletes(t *testing.T) {
	ledger := newFakeLedger()
	ledger.pending = []*models.DemographicsJob{
		ledgerEntry(1, types.BreakdownAge),
		ledgerEntry(2, types.BreakdownGender),
	}
	fetcher := &fakeDemoFetcher{rows: []meta.RawInsight{
		{Age: "25-34", Spend: "10.00", Impressions: "500", Clicks: "20"},
	}}
	conns := &fakeConnLister{conns: []*models.Connection{testConn("conn-1", "brand-1")}}

	r := newRunnerFixture(t, ledger, fetcher, conns)
	require.NoError(t, r.RunBatch(context.Background()))

	assert.Equal(t, 2, fetcher.calls)
	assert.ElementsMatch(t, []int64{1, 2}, ledger.completed)
	assert.Len(t, ledger.upserted, 2)
	assert.Equal(t, "brand-1", ledger.upserted[0].BrandID)
}

func TestRunBatchMarksFailedOnFetchError(t *testing.T) {
	ledger := newFakeLedger()
	ledger.pending = []*models.DemographicsJob{ledgerEntry(7, types.BreakdownDevice)}
	fetcher := &fakeDemoFetcher{err: apperrors.NewTransientError("provider temporary failure", nil)}
	conns := &fakeConnLister{conns: []*models.Connection{testConn("conn-1", "brand-1")}}

	r := newRunnerFixture(t, ledger, fetcher, conns)
	require.NoError(t, r.RunBatch(context.Background()))

	assert.Empty(t, ledger.completed)
	assert.Contains(t, ledger.failed[7], "provider temporary failure")
}

func TestRunBatchSkipsInactiveConnection(t *testing.T) {
	ledger := newFakeLedger()
	ledger.pending = []*models.DemographicsJob{ledgerEntry(3, types.BreakdownAge)}
	fetcher := &fakeDemoFetcher{}
	conns := &fakeConnLister{
		conns:    []*models.Connection{testConn("conn-1", "brand-1")},
		inactive: map[string]bool{"conn-1": true},
	}

	r := newRunnerFixture(t, ledger, fetcher, conns)
	require.NoError(t, r.RunBatch(context.Background()))

	assert.Zero(t, fetcher.calls)
	assert.Contains(t, ledger.failed, int64(3))
}

func TestRunBatchDiscardsEntryOnDisconnectMidFetch(t *testing.T) {
	ledger := newFakeLedger()
	ledger.pending = []*models.DemographicsJob{ledgerEntry(5, types.BreakdownAge)}
	conns := &fakeConnLister{
		conns:    []*models.Connection{testConn("conn-1", "brand-1")},
		inactive: map[string]bool{},
	}
	fetcher := &fakeDemoFetcher{
		rows: []meta.RawInsight{{Age: "25-34", Spend: "10.00"}},
		// The disconnect lands while the fetch is in flight
		onFetch: func() { conns.inactive["conn-1"] = true },
	}

	r := newRunnerFixture(t, ledger, fetcher, conns)
	require.NoError(t, r.RunBatch(context.Background()))

	assert.Equal(t, 1, fetcher.calls)
	assert.Empty(t, ledger.upserted, "no rows stored for a revoked connection")
	assert.Empty(t, ledger.completed)
	assert.Contains(t, ledger.failed[5], "revoked")
}

func TestRunBatchEmptyLedgerIsNoOp(t *testing.T) {
	ledger := newFakeLedger()
	fetcher := &fakeDemoFetcher{}
	conns := &fakeConnLister{}

	r := newRunnerFixture(t, ledger, fetcher, conns)
	require.NoError(t, r.RunBatch(context.Background()))
	assert.Zero(t, fetcher.calls)
}

func TestNewDemographicsRunnerCapsWorkers(t *testing.T) {
	cfg := &DemographicsRunnerConfig{
		Ledger:      newFakeLedger(),
		Fetcher:     &fakeDemoFetcher{},
		Connections: &fakeConnLister{},
		Workers:     3,
	}
	_, err := NewDemographicsRunner(cfg)
	assert.Error(t, err)

	cfg.Workers = 0
	r, err := NewDemographicsRunner(cfg)
	require.NoError(t, err)
	assert.Equal(t, 1, r.workers)
}
