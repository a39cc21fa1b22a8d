package models

import (
	"time"

	"github.com/insight-sync/internal/types"
)

// DemographicsJob is one ledger entry: the sync state of a single
// (brand, date, breakdown) tuple. Unlike SyncJob it is a persisted,
// queryable record so progress survives restarts and absence of data can be
// told apart from data not yet fetched.
//
// State machine: pending -> running -> {completed | failed}; a failed entry
// with attempts remaining is flipped back to pending by the dispatcher, and
// becomes terminally failed once attempts reach MaxAttempts.
type DemographicsJob struct {
	ID           int64                    `json:"id" db:"id"`
	BrandID      string                   `json:"brandId" db:"brand_id"`
	ConnectionID string                   `json:"connectionId" db:"connection_id"`
	Date         time.Time                `json:"date" db:"date"`
	Breakdown    types.Breakdown          `json:"breakdown" db:"breakdown"`
	Status       types.DemographicsStatus `json:"status" db:"status"`
	Attempts     int                      `json:"attempts" db:"attempts"`
	MaxAttempts  int                      `json:"maxAttempts" db:"max_attempts"`
	LastError    *string                  `json:"lastError,omitempty" db:"last_error"`
	CreatedAt    time.Time                `json:"createdAt" db:"created_at"`
	UpdatedAt    time.Time                `json:"updatedAt" db:"updated_at"`
}

// Retryable reports whether a failed entry may be re-pended
func (j *DemographicsJob) Retryable() bool {
	return j.Status == types.DemographicsFailed && j.Attempts < j.MaxAttempts
}
