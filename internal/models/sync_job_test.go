package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/insight-sync/internal/types"
)

func TestDedupKeyIgnoresEverythingButConnectionAndRange(t *testing.T) {
	start := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2025, 5, 30, 0, 0, 0, 0, time.UTC)

	a := &SyncJob{ID: "a", ConnectionID: "conn-1", StartDate: start, EndDate: end, Priority: 1}
	b := &SyncJob{ID: "b", ConnectionID: "conn-1", StartDate: start, EndDate: end, Priority: 99, Type: types.JobRecentSync}
	assert.Equal(t, a.DedupKey(), b.DedupKey())

	c := &SyncJob{ID: "c", ConnectionID: "conn-2", StartDate: start, EndDate: end}
	assert.NotEqual(t, a.DedupKey(), c.DedupKey())

	d := &SyncJob{ID: "d", ConnectionID: "conn-1", StartDate: start, EndDate: end.AddDate(0, 0, 1)}
	assert.NotEqual(t, a.DedupKey(), d.DedupKey())
}

func TestTerminal(t *testing.T) {
	job := &SyncJob{}
	for status, want := range map[types.JobStatus]bool{
		types.JobQueued:    false,
		types.JobActive:    false,
		types.JobFailed:    false,
		types.JobCompleted: true,
		types.JobDead:      true,
	} {
		job.Status = status
		assert.Equal(t, want, job.Terminal(), string(status))
	}
}

func TestDemographicsRetryable(t *testing.T) {
	job := &DemographicsJob{Status: types.DemographicsFailed, Attempts: 2, MaxAttempts: 3}
	assert.True(t, job.Retryable())

	job.Attempts = 3
	assert.False(t, job.Retryable())

	job.Attempts = 1
	job.Status = types.DemographicsCompleted
	assert.False(t, job.Retryable())
}
