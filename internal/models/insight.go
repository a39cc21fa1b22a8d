package models

import (
	"time"

	"github.com/insight-sync/internal/types"
)

// Insight represents one row of ad performance data for a single entity on a
// single calendar date. The natural key is (EntityID, Date); all writes are
// upserts on that key.
type Insight struct {
	BrandID     string            `json:"brandId" db:"brand_id"`
	EntityID    string            `json:"entityId" db:"entity_id"`
	EntityLevel types.EntityLevel `json:"entityLevel" db:"entity_level"`
	EntityName  string            `json:"entityName" db:"entity_name"`
	Date        time.Time         `json:"date" db:"date"`
	Spend       float64           `json:"spend" db:"spend"`
	Impressions int64             `json:"impressions" db:"impressions"`
	Clicks      int64             `json:"clicks" db:"clicks"`
	Reach       int64             `json:"reach" db:"reach"`
	// Conversions is strictly a count of conversion events; the monetary
	// value lives in ConversionValue.
	Conversions     int64     `json:"conversions" db:"conversions"`
	ConversionValue float64   `json:"conversionValue" db:"conversion_value"`
	UpdatedAt       time.Time `json:"updatedAt" db:"updated_at"`
}

// CTR returns clicks/impressions as a percentage, 0 when there were no impressions
func (i *Insight) CTR() float64 {
	if i.Impressions == 0 {
		return 0
	}
	return float64(i.Clicks) / float64(i.Impressions) * 100
}

// CPC returns spend per click, 0 when there were no clicks
func (i *Insight) CPC() float64 {
	if i.Clicks == 0 {
		return 0
	}
	return i.Spend / float64(i.Clicks)
}

// ROAS returns conversion value per unit of spend, 0 when spend is 0
func (i *Insight) ROAS() float64 {
	if i.Spend == 0 {
		return 0
	}
	return i.ConversionValue / i.Spend
}

// DemographicInsight represents one breakdown row: metrics for a single
// breakdown value (for example age bucket "25-34") on a single date. The
// natural key is (BrandID, Date, Breakdown, BreakdownValue).
type DemographicInsight struct {
	BrandID        string          `json:"brandId" db:"brand_id"`
	Date           time.Time       `json:"date" db:"date"`
	Breakdown      types.Breakdown `json:"breakdown" db:"breakdown"`
	BreakdownValue string          `json:"breakdownValue" db:"breakdown_value"`
	Spend          float64         `json:"spend" db:"spend"`
	Impressions    int64           `json:"impressions" db:"impressions"`
	Clicks         int64           `json:"clicks" db:"clicks"`
	UpdatedAt      time.Time       `json:"updatedAt" db:"updated_at"`
}
