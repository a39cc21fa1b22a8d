// Package planner splits requested date spans into bounded sync chunks and
// detects gaps between expected and stored data.
package planner

import (
	"time"

	"github.com/insight-sync/internal/models"
	"github.com/insight-sync/internal/types"
	"github.com/google/uuid"
)

// Default planner tuning values.
const (
	DefaultChunkDays      = 30
	DefaultBasePriority   = 100
	DefaultPacingInterval = 2 * time.Second
	// GapPriority outranks every routine chunk so backfills of missing
	// ranges jump the queue.
	GapPriority = 500
	// RecentPriority sits above historical chunks: the leading edge is what
	// dashboards read first.
	RecentPriority = 200
)

// Chunk represents one bounded sub-range of a requested span
type Chunk struct {
	Start    time.Time
	End      time.Time
	Index    int
	Total    int
	Priority int
	Delay    time.Duration
}

// Range returns the chunk's inclusive date range
func (c Chunk) Range() types.DateRange {
	return types.DateRange{Start: c.Start, End: c.End}
}

// ChunkPlanner splits date spans into fixed-size windows
type ChunkPlanner struct {
	chunkDays    int
	basePriority int
	pacing       time.Duration
}

// NewChunkPlanner creates a planner. Zero values select the defaults.
func NewChunkPlanner(chunkDays int, pacing time.Duration) *ChunkPlanner {
	if chunkDays <= 0 {
		chunkDays = DefaultChunkDays
	}
	if pacing <= 0 {
		pacing = DefaultPacingInterval
	}
	return &ChunkPlanner{
		chunkDays:    chunkDays,
		basePriority: DefaultBasePriority,
		pacing:       pacing,
	}
}

// Plan splits [start, end] into windows of at most chunkDays calendar days.
// Windows are emitted in reverse chronological order so partial syncs make
// the freshest data available first. Windows never overlap and their union
// equals the requested span exactly; the oldest window is truncated to start.
//
// Each chunk's priority decreases with its index and its delay grows by the
// pacing interval, smoothing request bursts against the provider's rate
// limiter. This is soft pacing, not a hard rate limit.
func (p *ChunkPlanner) Plan(start, end time.Time) []Chunk {
	start = types.Date(start)
	end = types.Date(end)
	if end.Before(start) {
		return nil
	}

	totalDays := types.DateRange{Start: start, End: end}.Days()
	total := (totalDays + p.chunkDays - 1) / p.chunkDays

	chunks := make([]Chunk, 0, total)
	chunkEnd := end
	for i := 0; i < total; i++ {
		chunkStart := chunkEnd.AddDate(0, 0, -(p.chunkDays - 1))
		if chunkStart.Before(start) {
			chunkStart = start
		}

		chunks = append(chunks, Chunk{
			Start:    chunkStart,
			End:      chunkEnd,
			Index:    i,
			Total:    total,
			Priority: p.basePriority - i,
			Delay:    time.Duration(i) * p.pacing,
		})

		chunkEnd = chunkStart.AddDate(0, 0, -1)
	}

	return chunks
}

// PlanJobs plans the span and materializes one historical-chunk job per
// window for the given connection.
func (p *ChunkPlanner) PlanJobs(brandID, connectionID string, start, end time.Time, maxAttempts int) []*models.SyncJob {
	if maxAttempts <= 0 {
		maxAttempts = models.DefaultMaxAttempts
	}

	chunks := p.Plan(start, end)
	jobs := make([]*models.SyncJob, 0, len(chunks))
	for _, c := range chunks {
		jobs = append(jobs, &models.SyncJob{
			ID:           uuid.New().String(),
			Type:         types.JobHistoricalChunk,
			BrandID:      brandID,
			ConnectionID: connectionID,
			StartDate:    c.Start,
			EndDate:      c.End,
			Priority:     c.Priority,
			Delay:        c.Delay,
			ChunkIndex:   c.Index,
			ChunkTotal:   c.Total,
			MaxAttempts:  maxAttempts,
			Status:       types.JobQueued,
		})
	}
	return jobs
}

// RecentJob builds a single leading-edge job covering the last windowDays
// calendar days ending today.
func (p *ChunkPlanner) RecentJob(brandID, connectionID string, windowDays, maxAttempts int) *models.SyncJob {
	if windowDays <= 0 {
		windowDays = 3
	}
	if maxAttempts <= 0 {
		maxAttempts = models.DefaultMaxAttempts
	}

	end := types.Date(time.Now())
	return &models.SyncJob{
		ID:           uuid.New().String(),
		Type:         types.JobRecentSync,
		BrandID:      brandID,
		ConnectionID: connectionID,
		StartDate:    end.AddDate(0, 0, -(windowDays - 1)),
		EndDate:      end,
		Priority:     RecentPriority,
		ChunkIndex:   0,
		ChunkTotal:   1,
		MaxAttempts:  maxAttempts,
		Status:       types.JobQueued,
	}
}
