package models

import (
	"time"

	"github.com/insight-sync/internal/types"
)

// Connection represents one authorized link between a brand and an ad platform.
// Exactly one active connection exists per (brand, platform) pair; activating
// a new connection supersedes the prior one.
type Connection struct {
	ID           string                 `json:"id" db:"id"`
	BrandID      string                 `json:"brandId" db:"brand_id"`
	Platform     types.Platform         `json:"platform" db:"platform"`
	AccessToken  string                 `json:"-" db:"access_token"`
	AccountID    string                 `json:"accountId" db:"account_id"`
	Status       types.ConnectionStatus `json:"status" db:"status"`
	SyncStatus   types.SyncStatus       `json:"syncStatus" db:"sync_status"`
	LastSyncedAt *time.Time             `json:"lastSyncedAt,omitempty" db:"last_synced_at"`
	CreatedAt    time.Time              `json:"createdAt" db:"created_at"`
	UpdatedAt    time.Time              `json:"updatedAt" db:"updated_at"`
}

// IsActive reports whether the connection may still be synced against
func (c *Connection) IsActive() bool {
	return c.Status == types.ConnectionActive
}
