package storage

import (
	"context"
	"fmt"

	"github.com/insight-sync/internal/models"
	"github.com/insight-sync/internal/types"
)

// SyncJobRepository mirrors queue transitions into the sync_jobs table so the
// queue survives restarts. It implements queue.Persister.
type SyncJobRepository struct {
	db *PostgresDB
}

// NewSyncJobRepository creates a new sync job repository
func NewSyncJobRepository(db *PostgresDB) *SyncJobRepository {
	return &SyncJobRepository{db: db}
}

// SaveJob inserts a freshly enqueued job
func (r *SyncJobRepository) SaveJob(ctx context.Context, job *models.SyncJob) error {
	_, err := r.db.Pool().Exec(ctx, `
		INSERT INTO sync_jobs (
			id, job_type, brand_id, connection_id, start_date, end_date,
			priority, chunk_index, chunk_total, attempts, max_attempts,
			status, last_error, enqueued_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, NOW())
	`,
		job.ID, job.Type, job.BrandID, job.ConnectionID,
		types.Date(job.StartDate), types.Date(job.EndDate),
		job.Priority, job.ChunkIndex, job.ChunkTotal,
		job.Attempts, job.MaxAttempts, job.Status, job.LastError, job.EnqueuedAt)
	if err != nil {
		return fmt.Errorf("failed to save sync job: %w", err)
	}
	return nil
}

// UpdateJob persists a status transition
func (r *SyncJobRepository) UpdateJob(ctx context.Context, job *models.SyncJob) error {
	_, err := r.db.Pool().Exec(ctx, `
		UPDATE sync_jobs
		SET status = $2, attempts = $3, last_error = $4, updated_at = NOW()
		WHERE id = $1
	`, job.ID, job.Status, job.Attempts, job.LastError)
	if err != nil {
		return fmt.Errorf("failed to update sync job: %w", err)
	}
	return nil
}

// LoadQueuedJobs returns jobs that were queued or active when the process
// last stopped. Active jobs never confirmed completion, so they run again;
// the writer's upserts make the replay harmless.
func (r *SyncJobRepository) LoadQueuedJobs(ctx context.Context, limit int) ([]*models.SyncJob, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT id, job_type, brand_id, connection_id, start_date, end_date,
		       priority, chunk_index, chunk_total, attempts, max_attempts,
		       status, last_error, enqueued_at
		FROM sync_jobs
		WHERE status IN ($1, $2)
		ORDER BY priority DESC, enqueued_at ASC
		LIMIT $3
	`, types.JobQueued, types.JobActive, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load queued jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.SyncJob
	for rows.Next() {
		var j models.SyncJob
		err := rows.Scan(&j.ID, &j.Type, &j.BrandID, &j.ConnectionID,
			&j.StartDate, &j.EndDate, &j.Priority, &j.ChunkIndex, &j.ChunkTotal,
			&j.Attempts, &j.MaxAttempts, &j.Status, &j.LastError, &j.EnqueuedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync job: %w", err)
		}
		jobs = append(jobs, &j)
	}
	return jobs, rows.Err()
}

// DeleteTerminal removes completed and dead rows older than the given number
// of days, keeping the table from growing without bound.
func (r *SyncJobRepository) DeleteTerminal(ctx context.Context, olderThanDays int) (int, error) {
	tag, err := r.db.Pool().Exec(ctx, `
		DELETE FROM sync_jobs
		WHERE status IN ($1, $2)
		  AND updated_at < NOW() - make_interval(days => $3)
	`, types.JobCompleted, types.JobDead, olderThanDays)
	if err != nil {
		return 0, fmt.Errorf("failed to delete terminal sync jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
