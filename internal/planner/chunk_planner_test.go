package planner

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/insight-sync/internal/types"
)

func day(s string) time.Time {
	t, err := types.ParseDate(s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestPlanSixMonthSpan(t *testing.T) {
	p := NewChunkPlanner(30, 2*time.Second)

	chunks := p.Plan(day("2025-03-01"), day("2025-09-12"))

	require.Len(t, chunks, 7)

	// Reverse chronological: the newest window comes first.
	assert.Equal(t, day("2025-08-14"), chunks[0].Start)
	assert.Equal(t, day("2025-09-12"), chunks[0].End)

	// The oldest window is truncated to the span start.
	last := chunks[len(chunks)-1]
	assert.Equal(t, day("2025-03-01"), last.Start)
	assert.Equal(t, day("2025-03-16"), last.End)

	for i, c := range chunks {
		assert.Equal(t, i, c.Index)
		assert.Equal(t, 7, c.Total)
		assert.Equal(t, DefaultBasePriority-i, c.Priority)
		assert.Equal(t, time.Duration(i)*2*time.Second, c.Delay)
	}
}

func TestPlanSingleDay(t *testing.T) {
	p := NewChunkPlanner(30, time.Second)

	chunks := p.Plan(day("2025-06-15"), day("2025-06-15"))

	require.Len(t, chunks, 1)
	assert.Equal(t, day("2025-06-15"), chunks[0].Start)
	assert.Equal(t, day("2025-06-15"), chunks[0].End)
	assert.Equal(t, 0, chunks[0].Index)
	assert.Equal(t, 1, chunks[0].Total)
}

func TestPlanEmptyWhenEndPrecedesStart(t *testing.T) {
	p := NewChunkPlanner(30, time.Second)

	assert.Empty(t, p.Plan(day("2025-06-15"), day("2025-06-14")))
}

func TestPlanExactMultiple(t *testing.T) {
	p := NewChunkPlanner(30, time.Second)

	// 60 days: exactly two full windows, no truncation.
	chunks := p.Plan(day("2025-01-01"), day("2025-03-01"))

	require.Len(t, chunks, 2)
	assert.Equal(t, day("2025-01-31"), chunks[0].Start)
	assert.Equal(t, day("2025-03-01"), chunks[0].End)
	assert.Equal(t, day("2025-01-01"), chunks[1].Start)
	assert.Equal(t, day("2025-01-30"), chunks[1].End)
}

// Coverage property: for any span and chunk size, the windows never overlap
// and their union is exactly the requested span.
func TestPlanCoverageProperty(t *testing.T) {
	properties := gopter.NewProperties(nil)
	base := day("2024-01-01")

	properties.Property("union of chunks equals the span, no overlaps", prop.ForAll(
		func(spanDays, chunkDays int) bool {
			p := NewChunkPlanner(chunkDays, time.Second)
			start := base
			end := base.AddDate(0, 0, spanDays-1)

			chunks := p.Plan(start, end)
			if len(chunks) == 0 {
				return false
			}

			covered := make(map[time.Time]int)
			for _, c := range chunks {
				if c.End.Before(c.Start) {
					return false
				}
				for d := c.Start; !d.After(c.End); d = d.AddDate(0, 0, 1) {
					covered[d]++
				}
			}

			total := 0
			for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
				if covered[d] != 1 {
					return false
				}
				total++
			}
			return total == len(covered)
		},
		gen.IntRange(1, 400),
		gen.IntRange(1, 45),
	))

	properties.Property("chunks are reverse chronological and contiguous", prop.ForAll(
		func(spanDays, chunkDays int) bool {
			p := NewChunkPlanner(chunkDays, time.Second)
			start := base
			end := base.AddDate(0, 0, spanDays-1)

			chunks := p.Plan(start, end)
			for i := 1; i < len(chunks); i++ {
				// Each window ends the day before the previous one starts.
				if !chunks[i].End.AddDate(0, 0, 1).Equal(chunks[i-1].Start) {
					return false
				}
			}
			return chunks[0].End.Equal(end) && chunks[len(chunks)-1].Start.Equal(start)
		},
		gen.IntRange(1, 400),
		gen.IntRange(1, 45),
	))

	properties.TestingRun(t)
}

func TestPlanJobs(t *testing.T) {
	p := NewChunkPlanner(30, 2*time.Second)

	jobs := p.PlanJobs("brand-1", "conn-1", day("2025-03-01"), day("2025-09-12"), 3)

	require.Len(t, jobs, 7)
	seen := make(map[string]bool)
	for i, job := range jobs {
		assert.NotEmpty(t, job.ID)
		assert.False(t, seen[job.ID], "job ids must be unique")
		seen[job.ID] = true

		assert.Equal(t, types.JobHistoricalChunk, job.Type)
		assert.Equal(t, "brand-1", job.BrandID)
		assert.Equal(t, "conn-1", job.ConnectionID)
		assert.Equal(t, i, job.ChunkIndex)
		assert.Equal(t, 3, job.MaxAttempts)
		assert.Equal(t, types.JobQueued, job.Status)
	}
}

func TestRecentJob(t *testing.T) {
	p := NewChunkPlanner(30, time.Second)

	job := p.RecentJob("brand-1", "conn-1", 3, 3)

	assert.Equal(t, types.JobRecentSync, job.Type)
	assert.Equal(t, RecentPriority, job.Priority)
	assert.Equal(t, 3, types.DateRange{Start: job.StartDate, End: job.EndDate}.Days())
	assert.Equal(t, types.Date(time.Now()), job.EndDate)
}
