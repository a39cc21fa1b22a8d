package meta

import (
	"strconv"
	"time"

	"github.com/insight-sync/internal/models"
	"github.com/insight-sync/internal/types"
)

// conversionActionTypes are the action_type values counted as conversions.
// Checked in order; the first one present wins so purchases are not double
// counted with their offsite mirror.
var conversionActionTypes = []string{"purchase", "offsite_conversion.fb_pixel_purchase", "omni_purchase"}

// normalizeInsight converts a raw wire record into the internal insight
// shape. Missing or non-numeric fields coerce to zero, never error: the
// provider omits metrics that are zero and occasionally returns malformed
// strings for low-volume rows.
func normalizeInsight(raw *RawInsight, level types.EntityLevel) *models.Insight {
	entityID := raw.AdID
	entityName := raw.AdName
	if level == types.LevelCampaign || entityID == "" {
		entityID = raw.CampaignID
		entityName = raw.CampaignName
	}

	date, err := types.ParseDate(raw.DateStart)
	if err != nil {
		// A record without a parseable date would corrupt the natural key;
		// pin it to zero so the storage layer drops it.
		date = time.Time{}
	}

	return &models.Insight{
		EntityID:        entityID,
		EntityLevel:     level,
		EntityName:      entityName,
		Date:            date,
		Spend:           parseFloat(raw.Spend),
		Impressions:     parseInt(raw.Impressions),
		Clicks:          parseInt(raw.Clicks),
		Reach:           parseInt(raw.Reach),
		Conversions:     int64(actionValue(raw.Actions)),
		ConversionValue: actionValue(raw.ActionValues),
	}
}

// NormalizeDemographic converts a raw breakdown record for the given
// dimension into the internal demographic insight shape.
func NormalizeDemographic(raw *RawInsight, brandID string, day time.Time, breakdown types.Breakdown) *models.DemographicInsight {
	value := ""
	switch breakdown {
	case types.BreakdownAge:
		value = raw.Age
	case types.BreakdownGender:
		value = raw.Gender
	case types.BreakdownDevice:
		value = raw.Device
	}
	if value == "" {
		value = "unknown"
	}

	return &models.DemographicInsight{
		BrandID:        brandID,
		Date:           types.Date(day),
		Breakdown:      breakdown,
		BreakdownValue: value,
		Spend:          parseFloat(raw.Spend),
		Impressions:    parseInt(raw.Impressions),
		Clicks:         parseInt(raw.Clicks),
	}
}

// actionValue sums the first matching conversion action type
func actionValue(actions []RawAction) float64 {
	for _, wanted := range conversionActionTypes {
		for _, a := range actions {
			if a.ActionType == wanted {
				return parseFloat(a.Value)
			}
		}
	}
	return 0
}

// parseFloat coerces a wire numeric string, returning 0 on anything invalid
func parseFloat(s string) float64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

// parseInt coerces a wire integer string, returning 0 on anything invalid
func parseInt(s string) int64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return v
}
