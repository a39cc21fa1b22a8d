package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/insight-sync/internal/models"
	"github.com/insight-sync/internal/types"
	"github.com/jackc/pgx/v5"
)

// ErrConnectionNotFound is returned when no connection matches the lookup
var ErrConnectionNotFound = errors.New("connection not found")

// ConnectionRepository owns the connections table: one record per
// (brand, platform) credential pairing with sync state.
type ConnectionRepository struct {
	db *PostgresDB
}

// NewConnectionRepository creates a new connection repository
func NewConnectionRepository(db *PostgresDB) *ConnectionRepository {
	return &ConnectionRepository{db: db}
}

const connectionColumns = `id, brand_id, platform, access_token, account_id, status, sync_status, last_synced_at, created_at, updated_at`

func scanConnection(row pgx.Row) (*models.Connection, error) {
	var c models.Connection
	err := row.Scan(
		&c.ID,
		&c.BrandID,
		&c.Platform,
		&c.AccessToken,
		&c.AccountID,
		&c.Status,
		&c.SyncStatus,
		&c.LastSyncedAt,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrConnectionNotFound
		}
		return nil, fmt.Errorf("failed to scan connection: %w", err)
	}
	return &c, nil
}

// Create inserts a new connection as the active one for its (brand,
// platform) pair, superseding any prior active connection in the same
// transaction.
func (r *ConnectionRepository) Create(ctx context.Context, conn *models.Connection) error {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	// Supersede the prior active connection for this pair
	_, err = tx.Exec(ctx, `
		UPDATE connections
		SET status = $1, updated_at = NOW()
		WHERE brand_id = $2 AND platform = $3 AND status = $4
	`, types.ConnectionInactive, conn.BrandID, conn.Platform, types.ConnectionActive)
	if err != nil {
		return fmt.Errorf("failed to supersede prior connection: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO connections (id, brand_id, platform, access_token, account_id, status, sync_status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
	`, conn.ID, conn.BrandID, conn.Platform, conn.AccessToken, conn.AccountID, types.ConnectionActive, types.SyncIdle)
	if err != nil {
		return fmt.Errorf("failed to create connection: %w", err)
	}

	return tx.Commit(ctx)
}

// GetByID retrieves a connection by id
func (r *ConnectionRepository) GetByID(ctx context.Context, id string) (*models.Connection, error) {
	row := r.db.Pool().QueryRow(ctx,
		`SELECT `+connectionColumns+` FROM connections WHERE id = $1`, id)
	return scanConnection(row)
}

// GetActive retrieves the single active connection for a (brand, platform) pair
func (r *ConnectionRepository) GetActive(ctx context.Context, brandID string, platform types.Platform) (*models.Connection, error) {
	row := r.db.Pool().QueryRow(ctx,
		`SELECT `+connectionColumns+` FROM connections WHERE brand_id = $1 AND platform = $2 AND status = $3`,
		brandID, platform, types.ConnectionActive)
	return scanConnection(row)
}

// ListActive returns every active connection for a platform, for the
// scheduled recent-sync tick.
func (r *ConnectionRepository) ListActive(ctx context.Context, platform types.Platform) ([]*models.Connection, error) {
	rows, err := r.db.Pool().Query(ctx,
		`SELECT `+connectionColumns+` FROM connections WHERE platform = $1 AND status = $2 ORDER BY brand_id`,
		platform, types.ConnectionActive)
	if err != nil {
		return nil, fmt.Errorf("failed to list active connections: %w", err)
	}
	defer rows.Close()

	var conns []*models.Connection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		conns = append(conns, c)
	}
	return conns, rows.Err()
}

// UpdateSyncStatus transitions a connection's sync_status
func (r *ConnectionRepository) UpdateSyncStatus(ctx context.Context, id string, status types.SyncStatus) error {
	tag, err := r.db.Pool().Exec(ctx, `
		UPDATE connections SET sync_status = $2, updated_at = NOW() WHERE id = $1
	`, id, status)
	if err != nil {
		return fmt.Errorf("failed to update sync status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConnectionNotFound
	}
	return nil
}

// MarkSyncCompleted flips sync_status to completed and stamps last_synced_at
func (r *ConnectionRepository) MarkSyncCompleted(ctx context.Context, id string, at time.Time) error {
	tag, err := r.db.Pool().Exec(ctx, `
		UPDATE connections SET sync_status = $2, last_synced_at = $3, updated_at = NOW() WHERE id = $1
	`, id, types.SyncCompleted, at.UTC())
	if err != nil {
		return fmt.Errorf("failed to mark sync completed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConnectionNotFound
	}
	return nil
}

// MarkError flags a connection whose credentials were rejected. The sync is
// halted; the record surfaces for re-authorization.
func (r *ConnectionRepository) MarkError(ctx context.Context, id string) error {
	tag, err := r.db.Pool().Exec(ctx, `
		UPDATE connections SET status = $2, sync_status = $3, updated_at = NOW() WHERE id = $1
	`, id, types.ConnectionError, types.SyncFailed)
	if err != nil {
		return fmt.Errorf("failed to mark connection error: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConnectionNotFound
	}
	return nil
}

// Disconnect marks a connection inactive. Queue pruning and the workers'
// write-time guard handle in-flight jobs.
func (r *ConnectionRepository) Disconnect(ctx context.Context, id string) error {
	tag, err := r.db.Pool().Exec(ctx, `
		UPDATE connections SET status = $2, sync_status = $3, updated_at = NOW() WHERE id = $1
	`, id, types.ConnectionInactive, types.SyncIdle)
	if err != nil {
		return fmt.Errorf("failed to disconnect connection: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConnectionNotFound
	}
	return nil
}

// IsActive reports whether the connection still exists and is active.
// Workers call this immediately before writing fetched records so a
// disconnect that lands mid-fetch cannot resurrect deleted data.
func (r *ConnectionRepository) IsActive(ctx context.Context, id string) (bool, error) {
	var status types.ConnectionStatus
	err := r.db.Pool().QueryRow(ctx,
		`SELECT status FROM connections WHERE id = $1`, id).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check connection status: %w", err)
	}
	return status == types.ConnectionActive, nil
}
