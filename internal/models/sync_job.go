package models

import (
	"fmt"
	"time"

	"github.com/insight-sync/internal/types"
)

// SyncJob represents one unit of sync work. The Type tag selects the variant:
// a bounded historical chunk, a leading-edge recent sync, or a single-day
// demographics fetch routed through the main queue.
type SyncJob struct {
	ID           string           `json:"id" db:"id"`
	Type         types.JobType    `json:"type" db:"job_type"`
	BrandID      string           `json:"brandId" db:"brand_id"`
	ConnectionID string           `json:"connectionId" db:"connection_id"`
	StartDate    time.Time        `json:"startDate" db:"start_date"`
	EndDate      time.Time        `json:"endDate" db:"end_date"`
	Priority     int              `json:"priority" db:"priority"`
	Delay        time.Duration    `json:"delay" db:"-"`
	ChunkIndex   int              `json:"chunkIndex" db:"chunk_index"`
	ChunkTotal   int              `json:"chunkTotal" db:"chunk_total"`
	Attempts     int              `json:"attempts" db:"attempts"`
	MaxAttempts  int              `json:"maxAttempts" db:"max_attempts"`
	Status       types.JobStatus  `json:"status" db:"status"`
	LastError    *string          `json:"lastError,omitempty" db:"last_error"`
	EnqueuedAt   time.Time        `json:"enqueuedAt" db:"enqueued_at"`
}

// DefaultMaxAttempts is applied when a job is created without an explicit cap
const DefaultMaxAttempts = 3

// DedupKey identifies the (connection, date range) tuple on which the queue
// rejects duplicate non-terminal jobs.
func (j *SyncJob) DedupKey() string {
	return fmt.Sprintf("%s:%s:%s", j.ConnectionID, types.FormatDate(j.StartDate), types.FormatDate(j.EndDate))
}

// Range returns the job's inclusive date range
func (j *SyncJob) Range() types.DateRange {
	return types.DateRange{Start: j.StartDate, End: j.EndDate}
}

// Terminal reports whether the job can no longer run
func (j *SyncJob) Terminal() bool {
	return j.Status == types.JobCompleted || j.Status == types.JobDead
}
