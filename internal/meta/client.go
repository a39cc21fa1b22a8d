// Package meta wraps the Meta Graph insights API: date-ranged, paginated
// requests, cursor following, and normalization of raw records into the
// internal insight shape.
package meta

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/insight-sync/internal/config"
	apperrors "github.com/insight-sync/internal/errors"
	"github.com/insight-sync/internal/logging"
	"github.com/insight-sync/internal/models"
	"github.com/insight-sync/internal/retry"
	"github.com/insight-sync/internal/types"
	"golang.org/x/time/rate"
)

// insightFields is the field list requested for every insights call
const insightFields = "ad_id,ad_name,campaign_id,campaign_name,date_start,spend,impressions,clicks,reach,actions,action_values"

// demographicFields is the field list for breakdown calls
const demographicFields = "date_start,spend,impressions,clicks"

// transientRetries caps per-page retries for 5xx/timeout failures before the
// error is surfaced to the worker
const transientRetries = 3

// InsightsClient fetches ad insights from the Meta Graph API
type InsightsClient struct {
	baseURL    string
	apiVersion string
	pageSize   int
	client     *http.Client
	limiter    *rate.Limiter
}

// NewInsightsClient creates a Graph API client from configuration
func NewInsightsClient(cfg *config.MetaConfig) *InsightsClient {
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 2.0
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = 500
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &InsightsClient{
		baseURL:    cfg.BaseURL,
		apiVersion: cfg.APIVersion,
		pageSize:   pageSize,
		client:     &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Limit(rps), 1),
	}
}

// graphPage is one page of an insights response
type graphPage struct {
	Data   []RawInsight `json:"data"`
	Paging struct {
		Next string `json:"next"`
	} `json:"paging"`
	Error *graphError `json:"error"`
}

// RawInsight is the wire shape of one insights record. Numeric metrics come
// back as strings and are parsed defensively.
type RawInsight struct {
	AdID         string      `json:"ad_id"`
	AdName       string      `json:"ad_name"`
	CampaignID   string      `json:"campaign_id"`
	CampaignName string      `json:"campaign_name"`
	DateStart    string      `json:"date_start"`
	Spend        string      `json:"spend"`
	Impressions  string      `json:"impressions"`
	Clicks       string      `json:"clicks"`
	Reach        string      `json:"reach"`
	Age          string      `json:"age"`
	Gender       string      `json:"gender"`
	Device       string      `json:"device_platform"`
	Actions      []RawAction `json:"actions"`
	ActionValues []RawAction `json:"action_values"`
}

// RawAction is one entry of the actions / action_values arrays
type RawAction struct {
	ActionType string `json:"action_type"`
	Value      string `json:"value"`
}

// graphError is the Graph API error envelope
type graphError struct {
	Message   string `json:"message"`
	Type      string `json:"type"`
	Code      int    `json:"code"`
	Subcode   int    `json:"error_subcode"`
	TraceID   string `json:"fbtrace_id"`
}

// FetchRange fetches normalized insight records for [start, end], following
// pagination cursors until exhausted. Transient page failures are retried a
// few times before surfacing; credential and invalid-range errors surface
// immediately as fatal.
func (c *InsightsClient) FetchRange(ctx context.Context, accessToken, accountID string, start, end time.Time, level types.EntityLevel) ([]*models.Insight, error) {
	params := url.Values{}
	params.Set("access_token", accessToken)
	params.Set("level", string(level))
	params.Set("fields", insightFields)
	params.Set("time_range", timeRangeJSON(start, end))
	params.Set("time_increment", "1")
	params.Set("limit", fmt.Sprintf("%d", c.pageSize))

	pageURL := fmt.Sprintf("%s/%s/act_%s/insights?%s", c.baseURL, c.apiVersion, accountID, params.Encode())

	var records []*models.Insight
	pages := 0
	for pageURL != "" {
		page, err := c.fetchPage(ctx, pageURL)
		if err != nil {
			return nil, err
		}
		pages++

		for i := range page.Data {
			records = append(records, normalizeInsight(&page.Data[i], level))
		}
		pageURL = page.Paging.Next
	}

	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"accountId": accountID,
		"range":     types.DateRange{Start: start, End: end}.String(),
		"level":     level,
		"pages":     pages,
		"records":   len(records),
	}).Debug("Fetched insight range")

	return records, nil
}

// FetchDemographics fetches one breakdown dimension for a single day. The
// breakdown endpoint silently truncates wide ranges, so callers always pass
// exactly one date.
func (c *InsightsClient) FetchDemographics(ctx context.Context, accessToken, accountID string, day time.Time, breakdown types.Breakdown) ([]RawInsight, error) {
	params := url.Values{}
	params.Set("access_token", accessToken)
	params.Set("level", "account")
	params.Set("fields", demographicFields)
	params.Set("breakdowns", string(breakdown))
	params.Set("time_range", timeRangeJSON(day, day))
	params.Set("limit", fmt.Sprintf("%d", c.pageSize))

	pageURL := fmt.Sprintf("%s/%s/act_%s/insights?%s", c.baseURL, c.apiVersion, accountID, params.Encode())

	var rows []RawInsight
	for pageURL != "" {
		page, err := c.fetchPage(ctx, pageURL)
		if err != nil {
			return nil, err
		}
		rows = append(rows, page.Data...)
		pageURL = page.Paging.Next
	}
	return rows, nil
}

// fetchPage issues one paginated request, retrying transient failures
func (c *InsightsClient) fetchPage(ctx context.Context, pageURL string) (*graphPage, error) {
	var page *graphPage

	result := retry.WithExponentialBackoff(ctx, &retry.Config{
		MaxAttempts:  transientRetries,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
	}, func(ctx context.Context, attempt int) error {
		p, err := c.doRequest(ctx, pageURL)
		if err != nil {
			return err
		}
		page = p
		return nil
	}, apperrors.IsRetryable)

	if !result.Success {
		return nil, result.LastError
	}
	return page, nil
}

// doRequest performs one HTTP round trip and classifies the response
func (c *InsightsClient) doRequest(ctx context.Context, pageURL string) (*graphPage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build request", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		// Network failure or timeout: retryable
		return nil, apperrors.NewTransientError("request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, apperrors.NewTransientError("failed to read response body", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, classifyHTTPError(resp.StatusCode, body)
	}

	var page graphPage
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, apperrors.NewTransientError("failed to parse response", err)
	}
	if page.Error != nil {
		return nil, classifyGraphError(http.StatusOK, page.Error)
	}

	return &page, nil
}

// classifyHTTPError maps an HTTP failure to the engine's error taxonomy
func classifyHTTPError(status int, body []byte) error {
	var envelope struct {
		Error *graphError `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error != nil {
		return classifyGraphError(status, envelope.Error)
	}

	if status >= 500 {
		return apperrors.NewTransientError(fmt.Sprintf("provider returned HTTP %d", status), nil)
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return apperrors.NewCredentialError(fmt.Sprintf("provider rejected credentials with HTTP %d", status), nil)
	}
	if status == http.StatusTooManyRequests {
		return apperrors.NewTransientError("provider rate limit hit", nil)
	}
	return apperrors.NewInvalidRangeError(fmt.Sprintf("provider rejected request with HTTP %d", status), nil)
}

// Graph API error codes that indicate the token itself is bad
// (190 invalid token, 10/200 missing permission).
func classifyGraphError(status int, gerr *graphError) error {
	cause := fmt.Errorf("graph error %d/%d: %s", gerr.Code, gerr.Subcode, gerr.Message)

	switch gerr.Code {
	case 190, 10, 200:
		return apperrors.NewCredentialError("access token rejected", cause)
	case 4, 17, 32, 613:
		// Application or account level rate limiting
		return apperrors.NewTransientError("provider rate limit hit", cause)
	case 1, 2:
		// Unknown/temporary API errors
		return apperrors.NewTransientError("provider temporary failure", cause)
	}

	if status >= 500 {
		return apperrors.NewTransientError("provider temporary failure", cause)
	}
	return apperrors.NewInvalidRangeError("provider rejected request", cause)
}

// timeRangeJSON renders the since/until parameter
func timeRangeJSON(start, end time.Time) string {
	return fmt.Sprintf(`{"since":"%s","until":"%s"}`, types.FormatDate(start), types.FormatDate(end))
}
