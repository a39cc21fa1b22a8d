// Package worker contains the goroutine pools that drain the job queue and
// the demographics ledger.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/insight-sync/internal/errors"
	"github.com/insight-sync/internal/logging"
	"github.com/insight-sync/internal/models"
	"github.com/insight-sync/internal/queue"
	"github.com/insight-sync/internal/storage"
	"github.com/insight-sync/internal/types"
)

// InsightFetcher fetches normalized insight rows for a date range
type InsightFetcher interface {
	FetchRange(ctx context.Context, accessToken, accountID string, start, end time.Time, level types.EntityLevel) ([]*models.Insight, error)
}

// ConnectionStore is the slice of the connection repository the workers need
type ConnectionStore interface {
	GetByID(ctx context.Context, id string) (*models.Connection, error)
	IsActive(ctx context.Context, id string) (bool, error)
	UpdateSyncStatus(ctx context.Context, id string, status types.SyncStatus) error
	MarkSyncCompleted(ctx context.Context, id string, at time.Time) error
	MarkError(ctx context.Context, id string) error
}

// InsightWriter persists fetched rows idempotently
type InsightWriter interface {
	UpsertBatch(ctx context.Context, insights []*models.Insight) (int, error)
}

// StatusCache invalidates cached status payloads after job transitions
type StatusCache interface {
	InvalidateStatus(ctx context.Context, brandID string) error
}

// SyncPool drains the job queue with a bounded number of concurrent jobs.
// A ticker wakes the drain loop; a semaphore caps in-flight work.
type SyncPool struct {
	queue       queue.Queue
	fetcher     InsightFetcher
	connections ConnectionStore
	writer      InsightWriter
	cache       StatusCache

	workers      int
	pollInterval time.Duration
	logger       *logging.Logger

	running bool
	mu      sync.Mutex
	stopCh  chan struct{}
	doneCh  chan struct{}
	inWork  sync.WaitGroup
}

// SyncPoolConfig holds configuration for the sync pool
type SyncPoolConfig struct {
	Queue        queue.Queue
	Fetcher      InsightFetcher
	Connections  ConnectionStore
	Writer       InsightWriter
	Cache        StatusCache
	Workers      int
	PollInterval time.Duration
}

// NewSyncPool creates a sync pool
func NewSyncPool(cfg *SyncPoolConfig) (*SyncPool, error) {
	if cfg.Queue == nil {
		return nil, fmt.Errorf("queue cannot be nil")
	}
	if cfg.Fetcher == nil {
		return nil, fmt.Errorf("fetcher cannot be nil")
	}
	if cfg.Connections == nil {
		return nil, fmt.Errorf("connection store cannot be nil")
	}
	if cfg.Writer == nil {
		return nil, fmt.Errorf("insight writer cannot be nil")
	}

	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = 1 * time.Second
	}

	return &SyncPool{
		queue:        cfg.Queue,
		fetcher:      cfg.Fetcher,
		connections:  cfg.Connections,
		writer:       cfg.Writer,
		cache:        cfg.Cache,
		workers:      workers,
		pollInterval: pollInterval,
		logger:       logging.GetGlobalLogger().WithField("component", "sync_pool"),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}, nil
}

// Start launches the drain loop
func (p *SyncPool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("sync pool is already running")
	}
	p.running = true
	p.mu.Unlock()

	p.logger.Infof("Starting sync pool with %d workers", p.workers)
	go p.drainLoop(ctx)
	return nil
}

// Stop signals the drain loop and waits for in-flight jobs to finish
func (p *SyncPool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return fmt.Errorf("sync pool is not running")
	}
	p.mu.Unlock()

	close(p.stopCh)

	select {
	case <-p.doneCh:
		p.logger.Info("Sync pool stopped gracefully")
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(30 * time.Second):
		return fmt.Errorf("stop timeout")
	}

	p.mu.Lock()
	p.running = false
	p.mu.Unlock()
	return nil
}

// drainLoop pulls eligible jobs on each tick up to the worker cap
func (p *SyncPool) drainLoop(ctx context.Context) {
	defer close(p.doneCh)

	sem := make(chan struct{}, p.workers)
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.inWork.Wait()
			return
		case <-p.stopCh:
			p.inWork.Wait()
			return
		case <-ticker.C:
			p.drainOnce(ctx, sem)
		}
	}
}

// drainOnce claims jobs until the queue is empty or all worker slots are busy
func (p *SyncPool) drainOnce(ctx context.Context, sem chan struct{}) {
	for {
		select {
		case sem <- struct{}{}:
		default:
			return // all slots busy
		}

		job, ok := p.queue.Dequeue(ctx)
		if !ok {
			<-sem
			return
		}

		p.inWork.Add(1)
		go func(job *models.SyncJob) {
			defer func() {
				<-sem
				p.inWork.Done()
			}()
			p.runJob(ctx, job)
		}(job)
	}
}

// runJob executes one claimed job end to end
func (p *SyncPool) runJob(ctx context.Context, job *models.SyncJob) {
	logger := p.logger.WithFields(map[string]interface{}{
		"jobId":        job.ID,
		"type":         string(job.Type),
		"connectionId": job.ConnectionID,
		"range":        job.Range().String(),
		"attempt":      job.Attempts,
	})
	ctx = logging.WithLogger(ctx, logger)

	// The connection may have been revoked while the job sat in the queue.
	// Re-read before doing any work or writes.
	active, err := p.connections.IsActive(ctx, job.ConnectionID)
	if err != nil {
		logger.ErrorWithErr("Failed to check connection before job", err)
		p.failJob(ctx, job, apperrors.NewDatabaseError("connection lookup failed", err))
		return
	}
	if !active {
		logger.Info("Connection no longer active, discarding job")
		if err := p.queue.Remove(ctx, job.ID); err != nil {
			logger.ErrorWithErr("Failed to remove orphaned job", err)
		}
		return
	}

	conn, err := p.connections.GetByID(ctx, job.ConnectionID)
	if err != nil {
		p.failJob(ctx, job, apperrors.NewDatabaseError("connection load failed", err))
		return
	}

	// First chunk processed for this connection flips the brand to
	// in_progress so the status endpoint reflects the running sync.
	if conn.SyncStatus == types.SyncPending || conn.SyncStatus == types.SyncIdle {
		if err := p.connections.UpdateSyncStatus(ctx, conn.ID, types.SyncInProgress); err != nil {
			logger.ErrorWithErr("Failed to mark sync in progress", err)
		}
		p.invalidateStatus(ctx, job.BrandID)
	}

	insights, err := p.fetcher.FetchRange(ctx, conn.AccessToken, conn.AccountID, job.StartDate, job.EndDate, types.LevelAd)
	if err != nil {
		p.handleFetchError(ctx, job, conn, err)
		return
	}

	// The Graph payload carries no brand. Stamp the job's brand on every row
	// so the per-brand queries (gaps, spend days, totals) can find them.
	for _, ins := range insights {
		ins.BrandID = job.BrandID
	}

	// A disconnect can land while a multi-page fetch is in flight. Re-check
	// right before writing so a revoked connection's rows are never stored.
	active, err = p.connections.IsActive(ctx, job.ConnectionID)
	if err != nil {
		p.failJob(ctx, job, apperrors.NewDatabaseError("connection lookup failed", err))
		return
	}
	if !active {
		logger.Info("Connection revoked during fetch, discarding chunk")
		if err := p.queue.Remove(ctx, job.ID); err != nil {
			logger.ErrorWithErr("Failed to remove orphaned job", err)
		}
		return
	}

	written, err := p.writer.UpsertBatch(ctx, insights)
	if err != nil {
		p.failJob(ctx, job, apperrors.NewDatabaseError("insight upsert failed", err))
		return
	}

	if err := p.queue.Complete(ctx, job.ID); err != nil {
		logger.ErrorWithErr("Failed to complete job", err)
		return
	}

	logger.WithFields(map[string]interface{}{
		"fetched": len(insights),
		"written": written,
	}).Info("Job completed")

	// Last outstanding job for the connection closes out the sync
	if p.queue.Outstanding(job.ConnectionID) == 0 {
		if err := p.connections.MarkSyncCompleted(ctx, job.ConnectionID, time.Now().UTC()); err != nil {
			logger.ErrorWithErr("Failed to mark sync completed", err)
		} else {
			logger.Info("All jobs drained, sync completed")
		}
	}
	p.invalidateStatus(ctx, job.BrandID)
}

// handleFetchError routes a provider failure by its category
func (p *SyncPool) handleFetchError(ctx context.Context, job *models.SyncJob, conn *models.Connection, err error) {
	logger := logging.FromContext(ctx)

	switch {
	case apperrors.IsCredential(err):
		// A bad token fails every remaining job for the connection. Flag the
		// connection for re-auth and drop its queued work.
		logger.ErrorWithErr("Credential rejected, halting sync for connection", err)
		if merr := p.connections.MarkError(ctx, conn.ID); merr != nil {
			logger.ErrorWithErr("Failed to mark connection errored", merr)
		}
		pruned := p.queue.PruneConnection(ctx, conn.ID)
		logger.Infof("Pruned %d queued jobs after credential failure", pruned)
		p.killJob(ctx, job, err)
		p.invalidateStatus(ctx, job.BrandID)

	case apperrors.IsFatal(err):
		// Retrying an invalid range produces the same rejection
		logger.ErrorWithErr("Provider rejected range, job will not be retried", err)
		p.killJob(ctx, job, err)

	default:
		p.failJob(ctx, job, err)
	}
}

// failJob records a retryable failure; the queue applies backoff or moves
// the job to the dead set on exhaustion.
func (p *SyncPool) failJob(ctx context.Context, job *models.SyncJob, cause error) {
	if err := p.queue.Fail(ctx, job.ID, cause); err != nil {
		logging.FromContext(ctx).ErrorWithErr("Failed to record job failure", err)
		return
	}
	if job.Status == types.JobDead {
		p.onJobDead(ctx, job)
	}
}

// killJob sends a job straight to the dead set, skipping remaining attempts
func (p *SyncPool) killJob(ctx context.Context, job *models.SyncJob, cause error) {
	job.Attempts = job.MaxAttempts
	if err := p.queue.Fail(ctx, job.ID, cause); err != nil {
		logging.FromContext(ctx).ErrorWithErr("Failed to record fatal job failure", err)
		return
	}
	p.onJobDead(ctx, job)
}

// onJobDead flips the connection to failed so the status endpoint surfaces
// the exhausted job. The dead set keeps the job inspectable and the next gap
// sweep will resurface its range.
func (p *SyncPool) onJobDead(ctx context.Context, job *models.SyncJob) {
	if err := p.connections.UpdateSyncStatus(ctx, job.ConnectionID, types.SyncFailed); err != nil {
		logging.FromContext(ctx).ErrorWithErr("Failed to mark sync failed", err)
	}
	p.invalidateStatus(ctx, job.BrandID)
}

func (p *SyncPool) invalidateStatus(ctx context.Context, brandID string) {
	if p.cache == nil {
		return
	}
	if err := p.cache.InvalidateStatus(ctx, brandID); err != nil {
		logging.FromContext(ctx).ErrorWithErr("Failed to invalidate status cache", err)
	}
}

var _ ConnectionStore = (*storage.ConnectionRepository)(nil)
var _ InsightWriter = (*storage.InsightRepository)(nil)
var _ StatusCache = (*storage.RedisCache)(nil)
