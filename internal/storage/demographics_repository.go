package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/insight-sync/internal/models"
	"github.com/insight-sync/internal/types"
)

// DemographicsRepository owns the demographics job ledger and the breakdown
// insight rows. The ledger is a persisted, queryable record of per-day sync
// state, with explicit status rather than inferring state from row absence.
type DemographicsRepository struct {
	db *PostgresDB
}

// NewDemographicsRepository creates a new demographics repository
func NewDemographicsRepository(db *PostgresDB) *DemographicsRepository {
	return &DemographicsRepository{db: db}
}

// EnsureJobs inserts pending ledger entries for the given (date, breakdown)
// tuples, skipping tuples that already have a row in any state. Returns the
// number of entries created. Non-terminal rows left over from a superseded
// connection are re-pointed at the current one, otherwise a reconnect would
// strand them on an id that is no longer active.
func (r *DemographicsRepository) EnsureJobs(ctx context.Context, brandID, connectionID string, dates []time.Time, breakdowns []types.Breakdown, maxAttempts int) (int, error) {
	if maxAttempts <= 0 {
		maxAttempts = models.DefaultMaxAttempts
	}

	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	batch := &pgx.Batch{}
	for _, d := range dates {
		for _, b := range breakdowns {
			batch.Queue(`
				INSERT INTO demographics_jobs (brand_id, connection_id, date, breakdown, status, attempts, max_attempts, created_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, 0, $6, NOW(), NOW())
				ON CONFLICT (brand_id, date, breakdown) DO NOTHING
			`, brandID, connectionID, types.Date(d), b, types.DemographicsPending, maxAttempts)
		}
	}

	br := tx.SendBatch(ctx, batch)
	created := 0
	for i := 0; i < batch.Len(); i++ {
		tag, err := br.Exec()
		if err != nil {
			br.Close() //nolint:errcheck
			return 0, fmt.Errorf("failed to ensure demographics job: %w", err)
		}
		created += int(tag.RowsAffected())
	}
	if err := br.Close(); err != nil {
		return 0, fmt.Errorf("failed to close demographics job batch: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE demographics_jobs
		SET connection_id = $2, updated_at = NOW()
		WHERE brand_id = $1 AND connection_id <> $2 AND status IN ($3, $4)
	`, brandID, connectionID, types.DemographicsPending, types.DemographicsFailed)
	if err != nil {
		return 0, fmt.Errorf("failed to re-point demographics jobs: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit demographics jobs: %w", err)
	}
	return created, nil
}

const demographicsJobColumns = `id, brand_id, connection_id, date, breakdown, status, attempts, max_attempts, last_error, created_at, updated_at`

// ClaimPending atomically claims up to limit pending entries, oldest dates
// first, flipping them to running. SKIP LOCKED keeps concurrent runners from
// claiming the same entry.
func (r *DemographicsRepository) ClaimPending(ctx context.Context, limit int) ([]*models.DemographicsJob, error) {
	rows, err := r.db.Pool().Query(ctx, `
		UPDATE demographics_jobs
		SET status = $1, attempts = attempts + 1, updated_at = NOW()
		WHERE id IN (
			SELECT id FROM demographics_jobs
			WHERE status = $2
			ORDER BY date ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+demographicsJobColumns,
		types.DemographicsRunning, types.DemographicsPending, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim demographics jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.DemographicsJob
	for rows.Next() {
		var j models.DemographicsJob
		err := rows.Scan(&j.ID, &j.BrandID, &j.ConnectionID, &j.Date, &j.Breakdown,
			&j.Status, &j.Attempts, &j.MaxAttempts, &j.LastError, &j.CreatedAt, &j.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan demographics job: %w", err)
		}
		jobs = append(jobs, &j)
	}
	return jobs, rows.Err()
}

// MarkCompleted transitions a running entry to completed
func (r *DemographicsRepository) MarkCompleted(ctx context.Context, id int64) error {
	_, err := r.db.Pool().Exec(ctx, `
		UPDATE demographics_jobs SET status = $2, last_error = NULL, updated_at = NOW() WHERE id = $1
	`, id, types.DemographicsCompleted)
	if err != nil {
		return fmt.Errorf("failed to mark demographics job completed: %w", err)
	}
	return nil
}

// MarkFailed transitions a running entry to failed with the cause recorded
func (r *DemographicsRepository) MarkFailed(ctx context.Context, id int64, cause error) error {
	msg := cause.Error()
	_, err := r.db.Pool().Exec(ctx, `
		UPDATE demographics_jobs SET status = $2, last_error = $3, updated_at = NOW() WHERE id = $1
	`, id, types.DemographicsFailed, msg)
	if err != nil {
		return fmt.Errorf("failed to mark demographics job failed: %w", err)
	}
	return nil
}

// RetryFailed flips failed entries with attempts remaining back to pending.
// Entries at their attempt cap stay terminally failed.
func (r *DemographicsRepository) RetryFailed(ctx context.Context) (int, error) {
	tag, err := r.db.Pool().Exec(ctx, `
		UPDATE demographics_jobs
		SET status = $1, updated_at = NOW()
		WHERE status = $2 AND attempts < max_attempts
	`, types.DemographicsPending, types.DemographicsFailed)
	if err != nil {
		return 0, fmt.Errorf("failed to retry demographics jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ReleaseStuck re-pends running entries whose claim has not moved since the
// cutoff. A runner that died mid-batch leaves its claims stuck in running;
// without this they would never be picked up again.
func (r *DemographicsRepository) ReleaseStuck(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	tag, err := r.db.Pool().Exec(ctx, `
		UPDATE demographics_jobs
		SET status = $1, updated_at = NOW()
		WHERE status = $2 AND updated_at < $3
	`, types.DemographicsPending, types.DemographicsRunning, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to release stuck demographics jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// PruneConnection deletes non-terminal ledger entries for a revoked
// connection
func (r *DemographicsRepository) PruneConnection(ctx context.Context, connectionID string) (int, error) {
	tag, err := r.db.Pool().Exec(ctx, `
		DELETE FROM demographics_jobs
		WHERE connection_id = $1 AND status IN ($2, $3)
	`, connectionID, types.DemographicsPending, types.DemographicsFailed)
	if err != nil {
		return 0, fmt.Errorf("failed to prune demographics jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// CountByStatus returns ledger counts per status for a brand, for progress
// reporting
func (r *DemographicsRepository) CountByStatus(ctx context.Context, brandID string) (map[types.DemographicsStatus]int, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT status, COUNT(*) FROM demographics_jobs WHERE brand_id = $1 GROUP BY status
	`, brandID)
	if err != nil {
		return nil, fmt.Errorf("failed to count demographics jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[types.DemographicsStatus]int)
	for rows.Next() {
		var status types.DemographicsStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

const upsertDemographicSQL = `
	INSERT INTO demographic_insights (
		brand_id, date, breakdown, breakdown_value, spend, impressions, clicks, updated_at
	)
	VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
	ON CONFLICT (brand_id, date, breakdown, breakdown_value)
	DO UPDATE SET
		spend = EXCLUDED.spend,
		impressions = EXCLUDED.impressions,
		clicks = EXCLUDED.clicks,
		updated_at = NOW()
`

// UpsertBatch idempotently writes breakdown rows keyed by
// (brand, date, breakdown, breakdown_value)
func (r *DemographicsRepository) UpsertBatch(ctx context.Context, rows []*models.DemographicInsight) (int, error) {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	batch := &pgx.Batch{}
	for _, row := range rows {
		batch.Queue(upsertDemographicSQL,
			row.BrandID,
			types.Date(row.Date),
			row.Breakdown,
			row.BreakdownValue,
			row.Spend,
			row.Impressions,
			row.Clicks,
		)
	}

	br := tx.SendBatch(ctx, batch)
	written := 0
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			br.Close() //nolint:errcheck
			return 0, fmt.Errorf("failed to upsert demographic row: %w", err)
		}
		written++
	}
	if err := br.Close(); err != nil {
		return 0, fmt.Errorf("failed to close demographic batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit demographic batch: %w", err)
	}
	return written, nil
}
