package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/insight-sync/internal/models"
	"github.com/insight-sync/internal/types"
)

// upsertBatchSize bounds the number of statements per transaction
const upsertBatchSize = 500

// InsightRepository is the storage writer for ad insight rows. All writes
// are idempotent upserts on the natural key (entity_id, date): re-running a
// chunk after a crash never double-counts spend.
type InsightRepository struct {
	db *PostgresDB
}

// NewInsightRepository creates a new insight repository
func NewInsightRepository(db *PostgresDB) *InsightRepository {
	return &InsightRepository{db: db}
}

const upsertInsightSQL = `
	INSERT INTO ad_insights (
		brand_id, entity_id, entity_level, entity_name, date,
		spend, impressions, clicks, reach, conversions, conversion_value, updated_at
	)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW())
	ON CONFLICT (entity_id, date)
	DO UPDATE SET
		brand_id = EXCLUDED.brand_id,
		entity_level = EXCLUDED.entity_level,
		entity_name = EXCLUDED.entity_name,
		spend = EXCLUDED.spend,
		impressions = EXCLUDED.impressions,
		clicks = EXCLUDED.clicks,
		reach = EXCLUDED.reach,
		conversions = EXCLUDED.conversions,
		conversion_value = EXCLUDED.conversion_value,
		updated_at = NOW()
`

// UpsertBatch writes insight rows in bounded transactions and returns the
// number of rows written. A failure rolls back the current transaction and
// surfaces to the caller; the worker treats that as a job failure and the
// whole chunk is retried, which is safe given idempotency.
func (r *InsightRepository) UpsertBatch(ctx context.Context, insights []*models.Insight) (int, error) {
	written := 0
	for start := 0; start < len(insights); start += upsertBatchSize {
		end := start + upsertBatchSize
		if end > len(insights) {
			end = len(insights)
		}
		n, err := r.upsertTx(ctx, insights[start:end])
		written += n
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

func (r *InsightRepository) upsertTx(ctx context.Context, insights []*models.Insight) (int, error) {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	batch := &pgx.Batch{}
	for _, ins := range insights {
		// Records whose natural key could not be parsed are dropped rather
		// than stored under a bogus key.
		if ins.EntityID == "" || ins.Date.IsZero() {
			continue
		}
		batch.Queue(upsertInsightSQL,
			ins.BrandID,
			ins.EntityID,
			ins.EntityLevel,
			ins.EntityName,
			types.Date(ins.Date),
			ins.Spend,
			ins.Impressions,
			ins.Clicks,
			ins.Reach,
			ins.Conversions,
			ins.ConversionValue,
		)
	}

	br := tx.SendBatch(ctx, batch)
	written := 0
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			br.Close() //nolint:errcheck
			return 0, fmt.Errorf("failed to upsert insight batch: %w", err)
		}
		written++
	}
	if err := br.Close(); err != nil {
		return 0, fmt.Errorf("failed to close insight batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit insight batch: %w", err)
	}
	return written, nil
}

// ListInsightDates returns the distinct dates with stored data for a brand
// within the range. The gap detector subtracts this from the expected set.
func (r *InsightRepository) ListInsightDates(ctx context.Context, brandID string, rng types.DateRange) ([]time.Time, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT DISTINCT date FROM ad_insights
		WHERE brand_id = $1 AND date >= $2 AND date <= $3
		ORDER BY date
	`, brandID, rng.Start, rng.End)
	if err != nil {
		return nil, fmt.Errorf("failed to list insight dates: %w", err)
	}
	defer rows.Close()

	var dates []time.Time
	for rows.Next() {
		var d time.Time
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("failed to scan date: %w", err)
		}
		dates = append(dates, d)
	}
	return dates, rows.Err()
}

// SpendDays returns the dates within the range on which the brand recorded
// non-zero spend. The demographics dispatcher only enqueues those days: a
// zero-spend day has no breakdown data to fetch.
func (r *InsightRepository) SpendDays(ctx context.Context, brandID string, rng types.DateRange) ([]time.Time, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT date FROM ad_insights
		WHERE brand_id = $1 AND date >= $2 AND date <= $3
		GROUP BY date
		HAVING SUM(spend) > 0
		ORDER BY date
	`, brandID, rng.Start, rng.End)
	if err != nil {
		return nil, fmt.Errorf("failed to list spend days: %w", err)
	}
	defer rows.Close()

	var dates []time.Time
	for rows.Next() {
		var d time.Time
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("failed to scan date: %w", err)
		}
		dates = append(dates, d)
	}
	return dates, rows.Err()
}

// BrandTotals holds the insight aggregates for the status surface
type BrandTotals struct {
	TotalRecords int64   `json:"totalRecords"`
	TotalSpent   float64 `json:"totalSpent"`
}

// Totals returns record count and total spend for a brand
func (r *InsightRepository) Totals(ctx context.Context, brandID string) (*BrandTotals, error) {
	var t BrandTotals
	err := r.db.Pool().QueryRow(ctx, `
		SELECT COUNT(*), COALESCE(SUM(spend), 0) FROM ad_insights WHERE brand_id = $1
	`, brandID).Scan(&t.TotalRecords, &t.TotalSpent)
	if err != nil {
		return nil, fmt.Errorf("failed to compute brand totals: %w", err)
	}
	return &t, nil
}
