// Package queue provides the durable, priority-and-delay-aware job queue
// that feeds the sync workers.
package queue

import (
	"context"
	"errors"

	"github.com/insight-sync/internal/models"
	"github.com/insight-sync/internal/types"
)

// ErrDuplicateJob is returned by Enqueue when a non-terminal job already
// holds the same (connection, date range) tuple.
var ErrDuplicateJob = errors.New("a job for this connection and date range is already queued or running")

// ErrJobNotFound is returned when a job id is not known to the queue
var ErrJobNotFound = errors.New("job not found")

// Filter selects jobs for Inspect
type Filter struct {
	BrandID      string
	ConnectionID string
	Type         types.JobType
	Statuses     []types.JobStatus
}

// Matches reports whether a job passes the filter
func (f Filter) Matches(j *models.SyncJob) bool {
	if f.BrandID != "" && j.BrandID != f.BrandID {
		return false
	}
	if f.ConnectionID != "" && j.ConnectionID != f.ConnectionID {
		return false
	}
	if f.Type != "" && j.Type != f.Type {
		return false
	}
	if len(f.Statuses) > 0 {
		ok := false
		for _, s := range f.Statuses {
			if j.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// Queue is the work queue the planner feeds and the workers drain. All
// mutation of pending sync work goes through this interface; tests
// substitute an in-memory instance, production wires a persisted one.
type Queue interface {
	// Enqueue adds a job. Returns ErrDuplicateJob if a non-terminal job
	// already holds the same (connection, date range) tuple.
	Enqueue(ctx context.Context, job *models.SyncJob) error

	// Dequeue atomically claims the highest-priority eligible job. Among
	// eligible jobs higher priority wins; ties break by insertion order.
	// Returns false when no job is eligible.
	Dequeue(ctx context.Context) (*models.SyncJob, bool)

	// Complete marks a claimed job done and releases its dedup slot.
	Complete(ctx context.Context, jobID string) error

	// Fail records a failed attempt. The job is requeued with exponential
	// backoff until its attempt cap, then moved to the dead set where it
	// stays visible to operators and the gap detector.
	Fail(ctx context.Context, jobID string, cause error) error

	// Remove deletes a job in any state.
	Remove(ctx context.Context, jobID string) error

	// PruneConnection removes every non-terminal job referencing the
	// connection. In-flight jobs are left to the worker's write-time guard.
	PruneConnection(ctx context.Context, connectionID string) int

	// PruneStale removes queued jobs whose connection id the callback no
	// longer recognizes as live.
	PruneStale(ctx context.Context, live func(connectionID string) bool) int

	// Inspect returns copies of jobs matching the filter, dead set included.
	Inspect(filter Filter) []*models.SyncJob

	// Depth returns the number of non-terminal jobs for a brand.
	Depth(brandID string) int

	// Outstanding returns the number of non-terminal jobs for a connection.
	Outstanding(connectionID string) int
}
