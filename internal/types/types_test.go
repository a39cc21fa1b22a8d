package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDateTruncatesToUTCMidnight(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	// 23:30 New York on May 1 is already May 2 in UTC
	local := time.Date(2025, 5, 1, 23, 30, 0, 0, loc)
	got := Date(local)

	assert.Equal(t, time.Date(2025, 5, 2, 0, 0, 0, 0, time.UTC), got)
	assert.Equal(t, time.UTC, got.Location())
}

func TestParseDateRoundTrip(t *testing.T) {
	d, err := ParseDate("2025-02-28")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 2, 28, 0, 0, 0, 0, time.UTC), d)
	assert.Equal(t, "2025-02-28", FormatDate(d))
}

func TestParseDateRejectsOtherLayouts(t *testing.T) {
	for _, s := range []string{"02/28/2025", "2025-2-28", "2025-02-28T00:00:00Z", ""} {
		_, err := ParseDate(s)
		assert.Error(t, err, s)
	}
}

func TestDateRangeDays(t *testing.T) {
	d := func(s string) time.Time {
		v, err := ParseDate(s)
		require.NoError(t, err)
		return v
	}

	tests := []struct {
		start, end string
		want       int
	}{
		{"2025-05-01", "2025-05-01", 1},
		{"2025-05-01", "2025-05-30", 30},
		{"2025-02-27", "2025-03-02", 4}, // non-leap year boundary
		{"2024-02-27", "2024-03-02", 5}, // leap year boundary
		{"2024-12-30", "2025-01-02", 4},
	}

	for _, tt := range tests {
		rng := DateRange{Start: d(tt.start), End: d(tt.end)}
		assert.Equal(t, tt.want, rng.Days(), rng.String())
	}
}

func TestDateRangeContains(t *testing.T) {
	rng := DateRange{
		Start: time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2025, 5, 10, 0, 0, 0, 0, time.UTC),
	}

	assert.True(t, rng.Contains(time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)))
	assert.True(t, rng.Contains(time.Date(2025, 5, 10, 23, 59, 0, 0, time.UTC)))
	assert.True(t, rng.Contains(time.Date(2025, 5, 5, 12, 0, 0, 0, time.UTC)))
	assert.False(t, rng.Contains(time.Date(2025, 4, 30, 0, 0, 0, 0, time.UTC)))
	assert.False(t, rng.Contains(time.Date(2025, 5, 11, 0, 0, 0, 0, time.UTC)))
}

func TestDateRangeString(t *testing.T) {
	rng := DateRange{
		Start: time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2025, 5, 30, 0, 0, 0, 0, time.UTC),
	}
	assert.Equal(t, "2025-05-01..2025-05-30", rng.String())
}
