// Package types provides common type definitions for the ad-data sync engine.
package types

import (
	"fmt"
	"time"
)

// Platform represents a connected data source platform
type Platform string

const (
	// PlatformMeta represents the Meta Ads platform
	PlatformMeta Platform = "meta"
	// PlatformShopify represents the Shopify commerce platform
	PlatformShopify Platform = "shopify"
)

// ConnectionStatus represents the health of a platform connection
type ConnectionStatus string

const (
	// ConnectionInactive represents a superseded or disconnected connection
	ConnectionInactive ConnectionStatus = "inactive"
	// ConnectionActive represents the single live connection for a (brand, platform) pair
	ConnectionActive ConnectionStatus = "active"
	// ConnectionError represents a connection whose credentials were rejected
	ConnectionError ConnectionStatus = "error"
)

// SyncStatus represents the sync lifecycle of a connection
type SyncStatus string

const (
	// SyncIdle represents a connection with no sync activity
	SyncIdle SyncStatus = "idle"
	// SyncPending represents a connection with chunks queued but not started
	SyncPending SyncStatus = "pending"
	// SyncInProgress represents a connection with chunks being processed
	SyncInProgress SyncStatus = "in_progress"
	// SyncCompleted represents a connection whose last full sync finished
	SyncCompleted SyncStatus = "completed"
	// SyncFailed represents a connection whose sync exhausted retries
	SyncFailed SyncStatus = "failed"
)

// JobType identifies the variant of a sync job
type JobType string

const (
	// JobHistoricalChunk represents one bounded window of a full historical sync
	JobHistoricalChunk JobType = "historical_chunk"
	// JobRecentSync represents a leading-edge sync of the last few days
	JobRecentSync JobType = "recent_sync"
	// JobDemographicsDay represents a single-day breakdown fetch
	JobDemographicsDay JobType = "demographics_day"
)

// JobStatus represents the durable state of a sync job
type JobStatus string

const (
	// JobQueued represents a job waiting to be claimed
	JobQueued JobStatus = "queued"
	// JobActive represents a job claimed by exactly one worker
	JobActive JobStatus = "active"
	// JobCompleted represents a successfully finished job
	JobCompleted JobStatus = "completed"
	// JobFailed represents a job awaiting a backoff retry
	JobFailed JobStatus = "failed"
	// JobDead represents a job that exhausted its retry budget
	JobDead JobStatus = "dead"
)

// EntityLevel identifies the granularity of an insight row
type EntityLevel string

const (
	// LevelAd represents per-ad insight rows
	LevelAd EntityLevel = "ad"
	// LevelCampaign represents per-campaign insight rows
	LevelCampaign EntityLevel = "campaign"
)

// Breakdown represents a demographics breakdown dimension
type Breakdown string

const (
	// BreakdownAge represents the age-bucket breakdown
	BreakdownAge Breakdown = "age"
	// BreakdownGender represents the gender breakdown
	BreakdownGender Breakdown = "gender"
	// BreakdownDevice represents the device platform breakdown
	BreakdownDevice Breakdown = "device_platform"
)

// AllBreakdowns lists every breakdown dimension the sub-pipeline tracks
var AllBreakdowns = []Breakdown{BreakdownAge, BreakdownGender, BreakdownDevice}

// DemographicsStatus represents the ledger state of a demographics job
type DemographicsStatus string

const (
	// DemographicsPending represents a day waiting to be fetched
	DemographicsPending DemographicsStatus = "pending"
	// DemographicsRunning represents a day claimed by a runner
	DemographicsRunning DemographicsStatus = "running"
	// DemographicsCompleted represents a successfully stored day
	DemographicsCompleted DemographicsStatus = "completed"
	// DemographicsFailed represents a day whose fetch failed
	DemographicsFailed DemographicsStatus = "failed"
)

// ServiceError represents a structured error response
type ServiceError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *ServiceError) Error() string {
	return e.Message
}

// DateLayout is the wire and storage format for calendar dates
const DateLayout = "2006-01-02"

// Date truncates t to UTC midnight, the canonical representation for
// calendar-dated records throughout the engine.
func Date(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDate parses a YYYY-MM-DD string into a UTC-midnight time
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return t, nil
}

// FormatDate renders a time as YYYY-MM-DD
func FormatDate(t time.Time) string {
	return t.UTC().Format(DateLayout)
}

// DateRange represents an inclusive span of calendar dates
type DateRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Days returns the number of calendar dates in the range, inclusive
func (r DateRange) Days() int {
	return int(r.End.Sub(r.Start).Hours()/24) + 1
}

// Contains reports whether d falls inside the range
func (r DateRange) Contains(d time.Time) bool {
	d = Date(d)
	return !d.Before(r.Start) && !d.After(r.End)
}

func (r DateRange) String() string {
	return FormatDate(r.Start) + ".." + FormatDate(r.End)
}
