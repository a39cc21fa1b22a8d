package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/insight-sync/internal/errors"
	"github.com/insight-sync/internal/logging"
	"github.com/insight-sync/internal/meta"
	"github.com/insight-sync/internal/models"
	"github.com/insight-sync/internal/storage"
	"github.com/insight-sync/internal/types"
)

// DemographicFetcher fetches raw breakdown rows for a single day
type DemographicFetcher interface {
	FetchDemographics(ctx context.Context, accessToken, accountID string, day time.Time, breakdown types.Breakdown) ([]meta.RawInsight, error)
}

// SpendDayLister returns the dates with non-zero spend for a brand
type SpendDayLister interface {
	SpendDays(ctx context.Context, brandID string, rng types.DateRange) ([]time.Time, error)
}

// DemographicsLedger is the slice of the demographics repository the
// sub-pipeline uses
type DemographicsLedger interface {
	EnsureJobs(ctx context.Context, brandID, connectionID string, dates []time.Time, breakdowns []types.Breakdown, maxAttempts int) (int, error)
	ClaimPending(ctx context.Context, limit int) ([]*models.DemographicsJob, error)
	MarkCompleted(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, cause error) error
	RetryFailed(ctx context.Context) (int, error)
	ReleaseStuck(ctx context.Context, olderThan time.Duration) (int, error)
	UpsertBatch(ctx context.Context, rows []*models.DemographicInsight) (int, error)
}

// stuckClaimAge is how long a ledger entry may sit in running before the
// dispatcher assumes its runner died and re-pends it. Generous next to the
// seconds a single-day breakdown fetch takes.
const stuckClaimAge = 15 * time.Minute

// ConnectionLister lists active connections for the dispatcher
type ConnectionLister interface {
	ListActive(ctx context.Context, platform types.Platform) ([]*models.Connection, error)
	GetByID(ctx context.Context, id string) (*models.Connection, error)
	IsActive(ctx context.Context, id string) (bool, error)
}

// DemographicsDispatcher populates the ledger. Each run it lists days with
// spend but no ledger row, inserts them pending, and re-pends failed rows
// that still have attempts left. It never fetches anything itself.
type DemographicsDispatcher struct {
	ledger      DemographicsLedger
	spendDays   SpendDayLister
	connections ConnectionLister
	lookback    time.Duration
	maxAttempts int
	logger      *logging.Logger
}

// NewDemographicsDispatcher creates a dispatcher
func NewDemographicsDispatcher(ledger DemographicsLedger, spendDays SpendDayLister, connections ConnectionLister, lookback time.Duration, maxAttempts int) *DemographicsDispatcher {
	if lookback <= 0 {
		lookback = 365 * 24 * time.Hour
	}
	return &DemographicsDispatcher{
		ledger:      ledger,
		spendDays:   spendDays,
		connections: connections,
		lookback:    lookback,
		maxAttempts: maxAttempts,
		logger:      logging.GetGlobalLogger().WithField("component", "demographics_dispatcher"),
	}
}

// Dispatch runs one dispatcher pass over every active connection
func (d *DemographicsDispatcher) Dispatch(ctx context.Context) error {
	conns, err := d.connections.ListActive(ctx, types.PlatformMeta)
	if err != nil {
		return fmt.Errorf("failed to list active connections: %w", err)
	}

	end := types.Date(time.Now().UTC())
	start := end.Add(-d.lookback)

	for _, conn := range conns {
		days, err := d.spendDays.SpendDays(ctx, conn.BrandID, types.DateRange{Start: start, End: end})
		if err != nil {
			d.logger.WithField("brandId", conn.BrandID).ErrorWithErr("Failed to list spend days", err)
			continue
		}
		if len(days) == 0 {
			continue
		}

		// Only days with spend get ledger rows. The insert is a no-op for
		// days already tracked in any state, so re-dispatching is safe.
		created, err := d.ledger.EnsureJobs(ctx, conn.BrandID, conn.ID, days, types.AllBreakdowns, d.maxAttempts)
		if err != nil {
			d.logger.WithField("brandId", conn.BrandID).ErrorWithErr("Failed to populate ledger", err)
			continue
		}
		if created > 0 {
			d.logger.WithFields(map[string]interface{}{
				"brandId": conn.BrandID,
				"created": created,
			}).Info("Ledger entries created")
		}
	}

	// Claims abandoned by a dead runner stay in running forever unless
	// someone releases them.
	released, err := d.ledger.ReleaseStuck(ctx, stuckClaimAge)
	if err != nil {
		return fmt.Errorf("failed to release stuck entries: %w", err)
	}
	if released > 0 {
		d.logger.Infof("Released %d stuck ledger claims", released)
	}

	retried, err := d.ledger.RetryFailed(ctx)
	if err != nil {
		return fmt.Errorf("failed to re-pend failed entries: %w", err)
	}
	if retried > 0 {
		d.logger.Infof("Re-pended %d failed ledger entries", retried)
	}
	return nil
}

// DemographicsRunner drains the ledger with a small pool. The breakdown
// endpoint rate-limits much harder than the main insights endpoint, so the
// pool is capped at two runners.
type DemographicsRunner struct {
	ledger      DemographicsLedger
	fetcher     DemographicFetcher
	connections ConnectionLister

	workers      int
	claimBatch   int
	pollInterval time.Duration
	logger       *logging.Logger

	running bool
	mu      sync.Mutex
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// DemographicsRunnerConfig holds configuration for the runner pool
type DemographicsRunnerConfig struct {
	Ledger       DemographicsLedger
	Fetcher      DemographicFetcher
	Connections  ConnectionLister
	Workers      int
	ClaimBatch   int
	PollInterval time.Duration
}

// NewDemographicsRunner creates a runner pool
func NewDemographicsRunner(cfg *DemographicsRunnerConfig) (*DemographicsRunner, error) {
	if cfg.Ledger == nil {
		return nil, fmt.Errorf("ledger cannot be nil")
	}
	if cfg.Fetcher == nil {
		return nil, fmt.Errorf("fetcher cannot be nil")
	}
	if cfg.Connections == nil {
		return nil, fmt.Errorf("connection store cannot be nil")
	}

	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	if workers > 2 {
		return nil, fmt.Errorf("demographics workers must be 1 or 2, got %d", workers)
	}
	claimBatch := cfg.ClaimBatch
	if claimBatch <= 0 {
		claimBatch = 10
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = 30 * time.Second
	}

	return &DemographicsRunner{
		ledger:       cfg.Ledger,
		fetcher:      cfg.Fetcher,
		connections:  cfg.Connections,
		workers:      workers,
		claimBatch:   claimBatch,
		pollInterval: pollInterval,
		logger:       logging.GetGlobalLogger().WithField("component", "demographics_runner"),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}, nil
}

// Start launches the claim loop
func (r *DemographicsRunner) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("demographics runner is already running")
	}
	r.running = true
	r.mu.Unlock()

	r.logger.Infof("Starting demographics runner with %d workers", r.workers)
	go r.claimLoop(ctx)
	return nil
}

// Stop signals the claim loop and waits for it to drain
func (r *DemographicsRunner) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return fmt.Errorf("demographics runner is not running")
	}
	r.mu.Unlock()

	close(r.stopCh)

	select {
	case <-r.doneCh:
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(30 * time.Second):
		return fmt.Errorf("stop timeout")
	}

	r.mu.Lock()
	r.running = false
	r.mu.Unlock()
	return nil
}

func (r *DemographicsRunner) claimLoop(ctx context.Context) {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			if err := r.RunBatch(ctx); err != nil {
				r.logger.ErrorWithErr("Demographics batch failed", err)
			}
		}
	}
}

// RunBatch claims one batch of pending entries and processes it with the
// runner pool. Exposed so the scheduler can trigger a pass directly.
func (r *DemographicsRunner) RunBatch(ctx context.Context) error {
	jobs, err := r.ledger.ClaimPending(ctx, r.claimBatch)
	if err != nil {
		return fmt.Errorf("failed to claim pending entries: %w", err)
	}
	if len(jobs) == 0 {
		return nil
	}

	work := make(chan *models.DemographicsJob)
	var wg sync.WaitGroup
	for i := 0; i < r.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range work {
				r.runEntry(ctx, job)
			}
		}()
	}

	for _, job := range jobs {
		work <- job
	}
	close(work)
	wg.Wait()
	return nil
}

// runEntry fetches and stores one (date, breakdown) tuple
func (r *DemographicsRunner) runEntry(ctx context.Context, job *models.DemographicsJob) {
	logger := r.logger.WithFields(map[string]interface{}{
		"ledgerId":  job.ID,
		"brandId":   job.BrandID,
		"date":      types.FormatDate(job.Date),
		"breakdown": string(job.Breakdown),
	})

	active, err := r.connections.IsActive(ctx, job.ConnectionID)
	if err != nil {
		r.finish(ctx, logger, job, apperrors.NewDatabaseError("connection lookup failed", err))
		return
	}
	if !active {
		r.finish(ctx, logger, job, apperrors.NewConflictError("connection no longer active"))
		return
	}

	conn, err := r.connections.GetByID(ctx, job.ConnectionID)
	if err != nil {
		r.finish(ctx, logger, job, apperrors.NewDatabaseError("connection load failed", err))
		return
	}

	raw, err := r.fetcher.FetchDemographics(ctx, conn.AccessToken, conn.AccountID, job.Date, job.Breakdown)
	if err != nil {
		r.finish(ctx, logger, job, err)
		return
	}

	// Re-check right before writing. A disconnect during the fetch must not
	// leave the revoked connection's rows in storage.
	active, err = r.connections.IsActive(ctx, job.ConnectionID)
	if err != nil {
		r.finish(ctx, logger, job, apperrors.NewDatabaseError("connection lookup failed", err))
		return
	}
	if !active {
		r.finish(ctx, logger, job, apperrors.NewConflictError("connection revoked during fetch"))
		return
	}

	rows := make([]*models.DemographicInsight, 0, len(raw))
	for i := range raw {
		rows = append(rows, meta.NormalizeDemographic(&raw[i], job.BrandID, job.Date, job.Breakdown))
	}

	if _, err := r.ledger.UpsertBatch(ctx, rows); err != nil {
		r.finish(ctx, logger, job, apperrors.NewDatabaseError("demographic upsert failed", err))
		return
	}

	r.finish(ctx, logger, job, nil)
	logger.WithField("rows", len(rows)).Debug("Demographics day stored")
}

// finish records the terminal state of one claimed entry
func (r *DemographicsRunner) finish(ctx context.Context, logger *logging.Logger, job *models.DemographicsJob, cause error) {
	if cause == nil {
		if err := r.ledger.MarkCompleted(ctx, job.ID); err != nil {
			logger.ErrorWithErr("Failed to mark ledger entry completed", err)
		}
		return
	}

	logger.ErrorWithErr("Demographics entry failed", cause)
	if err := r.ledger.MarkFailed(ctx, job.ID, cause); err != nil {
		logger.ErrorWithErr("Failed to mark ledger entry failed", err)
	}
}

var _ DemographicsLedger = (*storage.DemographicsRepository)(nil)
var _ SpendDayLister = (*storage.InsightRepository)(nil)
var _ ConnectionLister = (*storage.ConnectionRepository)(nil)
var _ DemographicFetcher = (*meta.InsightsClient)(nil)
