// Package service orchestrates the sync engine: it turns inbound triggers
// into planned jobs, computes the status surface, and handles disconnects.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	apperrors "github.com/insight-sync/internal/errors"
	"github.com/insight-sync/internal/logging"
	"github.com/insight-sync/internal/models"
	"github.com/insight-sync/internal/planner"
	"github.com/insight-sync/internal/queue"
	"github.com/insight-sync/internal/storage"
	"github.com/insight-sync/internal/types"
)

// statusCacheTTL bounds how stale the polled status surface can get
const statusCacheTTL = 15 * time.Second

// avgChunkSeconds is the assumed wall-clock cost of one chunk, used only for
// the estimatedTimeRemaining hint on the status surface.
const avgChunkSeconds = 25

// ConnectionRegistry is the slice of the connection repository the service
// mutates and reads
type ConnectionRegistry interface {
	GetByID(ctx context.Context, id string) (*models.Connection, error)
	GetActive(ctx context.Context, brandID string, platform types.Platform) (*models.Connection, error)
	ListActive(ctx context.Context, platform types.Platform) ([]*models.Connection, error)
	UpdateSyncStatus(ctx context.Context, id string, status types.SyncStatus) error
	Disconnect(ctx context.Context, id string) error
	IsActive(ctx context.Context, id string) (bool, error)
}

// InsightReader provides the aggregates and coverage view the service reads
type InsightReader interface {
	ListInsightDates(ctx context.Context, brandID string, rng types.DateRange) ([]time.Time, error)
	Totals(ctx context.Context, brandID string) (*storage.BrandTotals, error)
}

// LedgerPruner removes non-terminal demographics entries on disconnect
type LedgerPruner interface {
	PruneConnection(ctx context.Context, connectionID string) (int, error)
}

// StatusStore caches computed status payloads
type StatusStore interface {
	GetStatus(ctx context.Context, brandID string) (string, error)
	SetStatus(ctx context.Context, brandID string, payload string, ttl time.Duration) error
	InvalidateStatus(ctx context.Context, brandID string) error
}

// SyncService wires the planner, queue, registry, and storage views together
type SyncService struct {
	connections ConnectionRegistry
	insights    InsightReader
	ledger      LedgerPruner
	queue       queue.Queue
	planner     *planner.ChunkPlanner
	detector    *planner.GapDetector
	cache       StatusStore

	defaultHistory   time.Duration
	recentWindowDays int
	gapLookbackDays  int
	maxAttempts      int
	logger           *logging.Logger
}

// SyncServiceConfig holds the service's collaborators and tuning
type SyncServiceConfig struct {
	Connections      ConnectionRegistry
	Insights         InsightReader
	Ledger           LedgerPruner
	Queue            queue.Queue
	Planner          *planner.ChunkPlanner
	Detector         *planner.GapDetector
	Cache            StatusStore
	DefaultHistory   time.Duration
	RecentWindowDays int
	GapLookbackDays  int
	MaxAttempts      int
}

// NewSyncService creates the service
func NewSyncService(cfg *SyncServiceConfig) (*SyncService, error) {
	if cfg.Connections == nil {
		return nil, fmt.Errorf("connection registry cannot be nil")
	}
	if cfg.Queue == nil {
		return nil, fmt.Errorf("queue cannot be nil")
	}
	if cfg.Planner == nil {
		return nil, fmt.Errorf("planner cannot be nil")
	}

	defaultHistory := cfg.DefaultHistory
	if defaultHistory <= 0 {
		defaultHistory = 365 * 24 * time.Hour
	}
	recentWindowDays := cfg.RecentWindowDays
	if recentWindowDays <= 0 {
		recentWindowDays = 3
	}
	gapLookbackDays := cfg.GapLookbackDays
	if gapLookbackDays <= 0 {
		gapLookbackDays = 90
	}

	return &SyncService{
		connections:      cfg.Connections,
		insights:         cfg.Insights,
		ledger:           cfg.Ledger,
		queue:            cfg.Queue,
		planner:          cfg.Planner,
		detector:         cfg.Detector,
		cache:            cfg.Cache,
		defaultHistory:   defaultHistory,
		recentWindowDays: recentWindowDays,
		gapLookbackDays:  gapLookbackDays,
		maxAttempts:      cfg.MaxAttempts,
		logger:           logging.GetGlobalLogger().WithField("component", "sync_service"),
	}, nil
}

// StartSyncRequest is the inbound trigger payload
type StartSyncRequest struct {
	BrandID      string           `json:"brandId"`
	ConnectionID string           `json:"connectionId"`
	DateRange    *types.DateRange `json:"dateRange,omitempty"`
}

// SyncPlan summarizes what a trigger enqueued
type SyncPlan struct {
	BrandID    string          `json:"brandId"`
	Range      types.DateRange `json:"range"`
	Chunks     int             `json:"chunks"`
	Enqueued   int             `json:"enqueued"`
	Duplicates int             `json:"duplicates"`
}

// StartSync plans a full historical sync for the connection and enqueues one
// job per chunk. Absent an explicit date range the span defaults to the
// configured history window ending today.
func (s *SyncService) StartSync(ctx context.Context, req *StartSyncRequest) (*SyncPlan, error) {
	if req.BrandID == "" {
		return nil, apperrors.NewInvalidParameterError("brandId", "required")
	}
	if req.ConnectionID == "" {
		return nil, apperrors.NewInvalidParameterError("connectionId", "required")
	}

	conn, err := s.connections.GetByID(ctx, req.ConnectionID)
	if err != nil {
		if errors.Is(err, storage.ErrConnectionNotFound) {
			return nil, apperrors.NewNotFoundError("connection", req.ConnectionID)
		}
		return nil, apperrors.NewDatabaseError("connection lookup failed", err)
	}
	if conn.BrandID != req.BrandID {
		return nil, apperrors.NewInvalidParameterError("connectionId", "connection does not belong to brand")
	}
	if !conn.IsActive() {
		return nil, apperrors.NewConflictError("connection is not active")
	}

	rng := req.DateRange
	if rng == nil {
		end := types.Date(time.Now().UTC())
		rng = &types.DateRange{Start: end.Add(-s.defaultHistory), End: end}
	}
	if rng.End.Before(rng.Start) {
		return nil, apperrors.NewInvalidParameterError("dateRange", "end precedes start")
	}

	jobs := s.planner.PlanJobs(req.BrandID, conn.ID, rng.Start, rng.End, s.maxAttempts)
	plan := &SyncPlan{
		BrandID: req.BrandID,
		Range:   types.DateRange{Start: types.Date(rng.Start), End: types.Date(rng.End)},
		Chunks:  len(jobs),
	}

	if err := s.connections.UpdateSyncStatus(ctx, conn.ID, types.SyncPending); err != nil {
		return nil, apperrors.NewDatabaseError("failed to mark sync pending", err)
	}

	for _, job := range jobs {
		if err := s.queue.Enqueue(ctx, job); err != nil {
			if errors.Is(err, queue.ErrDuplicateJob) {
				plan.Duplicates++
				continue
			}
			return nil, err
		}
		plan.Enqueued++
	}

	s.invalidateStatus(ctx, req.BrandID)
	s.logger.WithFields(map[string]interface{}{
		"brandId":    req.BrandID,
		"range":      plan.Range.String(),
		"chunks":     plan.Chunks,
		"enqueued":   plan.Enqueued,
		"duplicates": plan.Duplicates,
	}).Info("Sync started")

	return plan, nil
}

// Backfill enqueues elevated-priority jobs for an explicit list of dates.
// Consecutive dates merge into single ranges before planning.
func (s *SyncService) Backfill(ctx context.Context, brandID string, dates []time.Time) (*SyncPlan, error) {
	if brandID == "" {
		return nil, apperrors.NewInvalidParameterError("brandId", "required")
	}
	if len(dates) == 0 {
		return nil, apperrors.NewInvalidParameterError("dates", "at least one date is required")
	}

	conn, err := s.connections.GetActive(ctx, brandID, types.PlatformMeta)
	if err != nil {
		if errors.Is(err, storage.ErrConnectionNotFound) {
			return nil, apperrors.NewNotFoundError("active connection for brand", brandID)
		}
		return nil, apperrors.NewDatabaseError("connection lookup failed", err)
	}

	ranges := mergeDates(dates)
	plan := &SyncPlan{
		BrandID: brandID,
		Range:   types.DateRange{Start: ranges[0].Start, End: ranges[len(ranges)-1].End},
	}

	for i, rng := range ranges {
		job := &models.SyncJob{
			ID:           uuid.New().String(),
			Type:         types.JobHistoricalChunk,
			BrandID:      brandID,
			ConnectionID: conn.ID,
			StartDate:    rng.Start,
			EndDate:      rng.End,
			Priority:     planner.GapPriority - i,
			ChunkIndex:   i,
			ChunkTotal:   len(ranges),
			MaxAttempts:  s.maxAttempts,
			Status:       types.JobQueued,
		}
		plan.Chunks++
		if err := s.queue.Enqueue(ctx, job); err != nil {
			if errors.Is(err, queue.ErrDuplicateJob) {
				plan.Duplicates++
				continue
			}
			return nil, err
		}
		plan.Enqueued++
	}

	s.invalidateStatus(ctx, brandID)
	s.logger.WithFields(map[string]interface{}{
		"brandId":  brandID,
		"ranges":   len(ranges),
		"enqueued": plan.Enqueued,
	}).Info("Backfill enqueued")

	return plan, nil
}

// mergeDates sorts and deduplicates the input, then folds consecutive days
// into inclusive ranges
func mergeDates(dates []time.Time) []types.DateRange {
	days := make([]time.Time, 0, len(dates))
	seen := make(map[time.Time]bool, len(dates))
	for _, d := range dates {
		day := types.Date(d)
		if !seen[day] {
			seen[day] = true
			days = append(days, day)
		}
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })

	var ranges []types.DateRange
	for _, day := range days {
		if n := len(ranges); n > 0 && ranges[n-1].End.AddDate(0, 0, 1).Equal(day) {
			ranges[n-1].End = day
			continue
		}
		ranges = append(ranges, types.DateRange{Start: day, End: day})
	}
	return ranges
}

// SweepGaps runs gap detection for every active connection and re-enqueues
// each missing range at elevated priority. The sweep is idempotent: already
// queued ranges hit the dedup index and are skipped.
func (s *SyncService) SweepGaps(ctx context.Context) error {
	if s.detector == nil {
		return fmt.Errorf("gap detector not configured")
	}

	conns, err := s.connections.ListActive(ctx, types.PlatformMeta)
	if err != nil {
		return apperrors.NewDatabaseError("failed to list active connections", err)
	}

	end := types.Date(time.Now().UTC())
	start := end.AddDate(0, 0, -(s.gapLookbackDays - 1))

	for _, conn := range conns {
		report, err := s.detector.Detect(ctx, conn.BrandID, start, end)
		if err != nil {
			s.logger.WithField("brandId", conn.BrandID).ErrorWithErr("Gap detection failed", err)
			continue
		}
		if len(report.Gaps) == 0 {
			continue
		}

		enqueued := 0
		for i, gap := range report.Gaps {
			job := &models.SyncJob{
				ID:           uuid.New().String(),
				Type:         types.JobHistoricalChunk,
				BrandID:      conn.BrandID,
				ConnectionID: conn.ID,
				StartDate:    gap.Range.Start,
				EndDate:      gap.Range.End,
				Priority:     gap.Priority,
				ChunkIndex:   i,
				ChunkTotal:   len(report.Gaps),
				MaxAttempts:  s.maxAttempts,
				Status:       types.JobQueued,
			}
			if err := s.queue.Enqueue(ctx, job); err != nil {
				if errors.Is(err, queue.ErrDuplicateJob) {
					continue
				}
				return err
			}
			enqueued++
		}

		if enqueued > 0 {
			s.logger.WithFields(map[string]interface{}{
				"brandId":     conn.BrandID,
				"gaps":        len(report.Gaps),
				"missingDays": report.MissingDays(),
				"enqueued":    enqueued,
			}).Info("Gap backfill enqueued")
			s.invalidateStatus(ctx, conn.BrandID)
		}
	}
	return nil
}

// EnqueueRecent enqueues one leading-edge job per active connection
func (s *SyncService) EnqueueRecent(ctx context.Context) error {
	conns, err := s.connections.ListActive(ctx, types.PlatformMeta)
	if err != nil {
		return apperrors.NewDatabaseError("failed to list active connections", err)
	}

	for _, conn := range conns {
		job := s.planner.RecentJob(conn.BrandID, conn.ID, s.recentWindowDays, s.maxAttempts)
		if err := s.queue.Enqueue(ctx, job); err != nil {
			if errors.Is(err, queue.ErrDuplicateJob) {
				continue
			}
			return err
		}
	}
	return nil
}

// Disconnect revokes a connection: registry flip, queue prune, ledger prune.
// In-flight jobs are left to the workers' write-time guard.
func (s *SyncService) Disconnect(ctx context.Context, connectionID string) error {
	conn, err := s.connections.GetByID(ctx, connectionID)
	if err != nil {
		if errors.Is(err, storage.ErrConnectionNotFound) {
			return apperrors.NewNotFoundError("connection", connectionID)
		}
		return apperrors.NewDatabaseError("connection lookup failed", err)
	}

	if err := s.connections.Disconnect(ctx, connectionID); err != nil {
		return apperrors.NewDatabaseError("failed to disconnect", err)
	}

	pruned := s.queue.PruneConnection(ctx, connectionID)
	ledgerPruned := 0
	if s.ledger != nil {
		if ledgerPruned, err = s.ledger.PruneConnection(ctx, connectionID); err != nil {
			s.logger.ErrorWithErr("Failed to prune demographics ledger", err)
		}
	}

	s.invalidateStatus(ctx, conn.BrandID)
	s.logger.WithFields(map[string]interface{}{
		"connectionId": connectionID,
		"brandId":      conn.BrandID,
		"jobsPruned":   pruned,
		"ledgerPruned": ledgerPruned,
	}).Info("Connection disconnected")

	return nil
}

// PruneStale drops queued jobs whose connection is no longer active
func (s *SyncService) PruneStale(ctx context.Context) int {
	return s.queue.PruneStale(ctx, func(connectionID string) bool {
		active, err := s.connections.IsActive(ctx, connectionID)
		if err != nil {
			// Keep the job on lookup failure; the write-time guard still
			// protects storage.
			return true
		}
		return active
	})
}

// StatusReport is the polling surface for a brand
type StatusReport struct {
	BrandID                string  `json:"brandId"`
	Status                 string  `json:"status"`
	QueuedJobs             int     `json:"queuedJobs"`
	TotalRecords           int64   `json:"totalRecords"`
	TotalSpent             float64 `json:"totalSpent"`
	EstimatedTimeRemaining int64   `json:"estimatedTimeRemaining"` // seconds
}

// Status computes the per-brand polling surface, served from the Redis cache
// when fresh
func (s *SyncService) Status(ctx context.Context, brandID string) (*StatusReport, error) {
	if brandID == "" {
		return nil, apperrors.NewInvalidParameterError("brandId", "required")
	}

	if s.cache != nil {
		if payload, err := s.cache.GetStatus(ctx, brandID); err == nil && payload != "" {
			var cached StatusReport
			if err := json.Unmarshal([]byte(payload), &cached); err == nil {
				return &cached, nil
			}
		}
	}

	report := &StatusReport{BrandID: brandID, Status: string(types.SyncIdle)}

	conn, err := s.connections.GetActive(ctx, brandID, types.PlatformMeta)
	switch {
	case err == nil:
		report.Status = string(conn.SyncStatus)
	case errors.Is(err, storage.ErrConnectionNotFound):
		// No active connection: report idle with whatever data exists
	default:
		return nil, apperrors.NewDatabaseError("connection lookup failed", err)
	}

	report.QueuedJobs = s.queue.Depth(brandID)
	report.EstimatedTimeRemaining = int64(report.QueuedJobs) * avgChunkSeconds

	if s.insights != nil {
		totals, err := s.insights.Totals(ctx, brandID)
		if err != nil {
			return nil, apperrors.NewDatabaseError("failed to aggregate totals", err)
		}
		report.TotalRecords = totals.TotalRecords
		report.TotalSpent = totals.TotalSpent
	}

	if s.cache != nil {
		if payload, err := json.Marshal(report); err == nil {
			if err := s.cache.SetStatus(ctx, brandID, string(payload), statusCacheTTL); err != nil {
				s.logger.ErrorWithErr("Failed to cache status", err)
			}
		}
	}
	return report, nil
}

// Jobs exposes queue inspection, dead set included
func (s *SyncService) Jobs(filter queue.Filter) []*models.SyncJob {
	return s.queue.Inspect(filter)
}

func (s *SyncService) invalidateStatus(ctx context.Context, brandID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.InvalidateStatus(ctx, brandID); err != nil {
		s.logger.ErrorWithErr("Failed to invalidate status cache", err)
	}
}

var _ ConnectionRegistry = (*storage.ConnectionRepository)(nil)
var _ InsightReader = (*storage.InsightRepository)(nil)
var _ LedgerPruner = (*storage.DemographicsRepository)(nil)
var _ StatusStore = (*storage.RedisCache)(nil)
