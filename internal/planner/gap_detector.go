package planner

import (
	"context"
	"time"

	"github.com/insight-sync/internal/logging"
	"github.com/insight-sync/internal/types"
)

// InsightDateLister is the read-only storage view the gap detector needs:
// the set of dates for which a brand actually has insight rows.
type InsightDateLister interface {
	ListInsightDates(ctx context.Context, brandID string, r types.DateRange) ([]time.Time, error)
}

// Gap is one contiguous range of missing dates, annotated with a priority.
// More recent gaps outrank older ones: they are what users notice first.
type Gap struct {
	Range    types.DateRange `json:"range"`
	Priority int             `json:"priority"`
}

// GapReport is the transient result of a detection pass. It is never
// persisted; re-running detection without new data yields the same report.
type GapReport struct {
	BrandID    string          `json:"brandId"`
	Expected   types.DateRange `json:"expected"`
	Gaps       []Gap           `json:"gaps"`
	DatesFound int             `json:"datesFound"`
	GeneratedAt time.Time      `json:"generatedAt"`
}

// MissingDays returns the total number of missing dates across all gaps
func (r *GapReport) MissingDays() int {
	n := 0
	for _, g := range r.Gaps {
		n += g.Range.Days()
	}
	return n
}

// GapDetector compares expected coverage against stored data
type GapDetector struct {
	dates InsightDateLister
}

// NewGapDetector creates a gap detector over the given storage view
func NewGapDetector(dates InsightDateLister) *GapDetector {
	return &GapDetector{dates: dates}
}

// Detect computes the full set of calendar dates in [start, end], subtracts
// the dates present in storage for the brand, and groups consecutive missing
// dates into contiguous ranges. A single missing day is a range of length
// one. Detect performs no writes.
//
// Gaps are ordered most recent first; each gap's priority decreases with its
// distance from the leading edge but always stays above routine chunk
// priorities so re-enqueued gaps jump the queue.
func (d *GapDetector) Detect(ctx context.Context, brandID string, start, end time.Time) (*GapReport, error) {
	start = types.Date(start)
	end = types.Date(end)

	report := &GapReport{
		BrandID:     brandID,
		Expected:    types.DateRange{Start: start, End: end},
		GeneratedAt: time.Now().UTC(),
	}
	if end.Before(start) {
		return report, nil
	}

	stored, err := d.dates.ListInsightDates(ctx, brandID, report.Expected)
	if err != nil {
		return nil, err
	}

	present := make(map[time.Time]bool, len(stored))
	for _, t := range stored {
		present[types.Date(t)] = true
	}
	report.DatesFound = len(present)

	// Walk backwards from the leading edge so gaps come out most recent
	// first and contiguous runs group naturally.
	var gaps []Gap
	var run *types.DateRange
	for day := end; !day.Before(start); day = day.AddDate(0, 0, -1) {
		if present[day] {
			if run != nil {
				gaps = append(gaps, Gap{Range: *run})
				run = nil
			}
			continue
		}
		if run == nil {
			run = &types.DateRange{Start: day, End: day}
		} else {
			// walking backwards, so the run extends at its start
			run.Start = day
		}
	}
	if run != nil {
		gaps = append(gaps, Gap{Range: *run})
	}

	for i := range gaps {
		gaps[i].Priority = GapPriority - i
	}
	report.Gaps = gaps

	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"brandId":     brandID,
		"expected":    report.Expected.String(),
		"gaps":        len(gaps),
		"missingDays": report.MissingDays(),
	}).Debug("Gap detection complete")

	return report, nil
}
