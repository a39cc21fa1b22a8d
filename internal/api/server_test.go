package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/insight-sync/internal/errors"
	"github.com/insight-sync/internal/models"
	"github.com/insight-sync/internal/queue"
	"github.com/insight-sync/internal/service"
	"github.com/insight-sync/internal/types"
)

type fakeSyncService struct {
	startReq    *service.StartSyncRequest
	startPlan   *service.SyncPlan
	startErr    error
	backfillID  string
	backfillLen int
	backfillErr error
	statusRep   *service.StatusReport
	statusErr   error
	jobs        []*models.SyncJob
	lastFilter  queue.Filter
	dropped     []string
	dropErr     error
}

func (f *fakeSyncService) StartSync(_ context.Context, req *service.StartSyncRequest) (*service.SyncPlan, error) {
	f.startReq = req
	if f.startErr != nil {
		return nil, f.startErr
	}
	return f.startPlan, nil
}

func (f *fakeSyncService) Backfill(_ context.Context, brandID string, dates []time.Time) (*service.SyncPlan, error) {
	f.backfillID = brandID
	f.backfillLen = len(dates)
	if f.backfillErr != nil {
		return nil, f.backfillErr
	}
	return &service.SyncPlan{BrandID: brandID, Chunks: len(dates), Enqueued: len(dates)}, nil
}

func (f *fakeSyncService) Status(_ context.Context, brandID string) (*service.StatusReport, error) {
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	return f.statusRep, nil
}

func (f *fakeSyncService) Jobs(filter queue.Filter) []*models.SyncJob {
	f.lastFilter = filter
	return f.jobs
}

func (f *fakeSyncService) Disconnect(_ context.Context, connectionID string) error {
	f.dropped = append(f.dropped, connectionID)
	return f.dropErr
}

func newTestServer(svc SyncServiceInterface) *Server {
	return NewServer(&ServerConfig{Host: "127.0.0.1", Port: "0"}, svc)
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	server := newTestServer(&fakeSyncService{})

	rec := doJSON(t, server.Router(), http.MethodGet, "/health", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
}

func TestStartSyncAccepted(t *testing.T) {
	svc := &fakeSyncService{startPlan: &service.SyncPlan{BrandID: "brand-1", Chunks: 13, Enqueued: 13}}
	server := newTestServer(svc)

	rec := doJSON(t, server.Router(), http.MethodPost, "/api/v1/sync", map[string]interface{}{
		"brandId":      "brand-1",
		"connectionId": "conn-1",
		"dateRange":    map[string]string{"start": "2025-01-01", "end": "2025-05-30"},
	})

	require.Equal(t, http.StatusAccepted, rec.Code)

	require.NotNil(t, svc.startReq)
	assert.Equal(t, "brand-1", svc.startReq.BrandID)
	require.NotNil(t, svc.startReq.DateRange)
	assert.Equal(t, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), svc.startReq.DateRange.Start)

	var plan service.SyncPlan
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &plan))
	assert.Equal(t, 13, plan.Chunks)
}

func TestStartSyncWithoutRangeOmitsIt(t *testing.T) {
	svc := &fakeSyncService{startPlan: &service.SyncPlan{}}
	server := newTestServer(svc)

	rec := doJSON(t, server.Router(), http.MethodPost, "/api/v1/sync", map[string]string{
		"brandId": "brand-1", "connectionId": "conn-1",
	})

	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Nil(t, svc.startReq.DateRange)
}

func TestStartSyncRejectsBadBody(t *testing.T) {
	server := newTestServer(&fakeSyncService{})

	tests := []struct {
		name string
		body interface{}
	}{
		{"unknown field", map[string]string{"brand": "brand-1"}},
		{"bad date format", map[string]interface{}{
			"brandId": "b", "connectionId": "c",
			"dateRange": map[string]string{"start": "01/05/2025", "end": "2025-05-30"},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, server.Router(), http.MethodPost, "/api/v1/sync", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)

			var body ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, "INVALID_INPUT", body.Error.Code)
		})
	}
}

func TestStartSyncMapsServiceErrors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantBody string
	}{
		{"not found", apperrors.NewNotFoundError("connection", "c1"), http.StatusNotFound, "NOT_FOUND"},
		{"conflict", apperrors.NewConflictError("connection is not active"), http.StatusConflict, "CONFLICT"},
		{"bad parameter", apperrors.NewInvalidParameterError("brandId", "required"), http.StatusBadRequest, "INVALID_PARAMETER"},
		{"unclassified", assert.AnError, http.StatusInternalServerError, "INTERNAL_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := newTestServer(&fakeSyncService{startErr: tt.err})

			rec := doJSON(t, server.Router(), http.MethodPost, "/api/v1/sync", map[string]string{
				"brandId": "brand-1", "connectionId": "conn-1",
			})

			assert.Equal(t, tt.wantCode, rec.Code)
			var body ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.wantBody, body.Error.Code)
		})
	}
}

func TestBackfillAccepted(t *testing.T) {
	svc := &fakeSyncService{}
	server := newTestServer(svc)

	rec := doJSON(t, server.Router(), http.MethodPost, "/api/v1/backfill", map[string]interface{}{
		"brandId": "brand-1",
		"dates":   []string{"2025-05-01", "2025-05-02", "2025-05-07"},
	})

	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "brand-1", svc.backfillID)
	assert.Equal(t, 3, svc.backfillLen)
}

func TestBackfillRejectsBadDate(t *testing.T) {
	server := newTestServer(&fakeSyncService{})

	rec := doJSON(t, server.Router(), http.MethodPost, "/api/v1/backfill", map[string]interface{}{
		"brandId": "brand-1",
		"dates":   []string{"2025-05-01", "yesterday"},
	})

	require.Equal(t, http.StatusBadRequest, rec.Code)
	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "yesterday", body.Error.Details["date"])
}

func TestStatusEndpoint(t *testing.T) {
	svc := &fakeSyncService{statusRep: &service.StatusReport{
		BrandID:                "brand-1",
		Status:                 string(types.SyncInProgress),
		QueuedJobs:             4,
		TotalRecords:           9000,
		TotalSpent:             123.45,
		EstimatedTimeRemaining: 100,
	}}
	server := newTestServer(svc)

	rec := doJSON(t, server.Router(), http.MethodGet, "/api/v1/sync/status/brand-1", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var report service.StatusReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, "in_progress", report.Status)
	assert.Equal(t, int64(100), report.EstimatedTimeRemaining)
}

func TestJobsEndpointBuildsFilter(t *testing.T) {
	svc := &fakeSyncService{jobs: []*models.SyncJob{
		{ID: "j1", BrandID: "brand-1", Status: types.JobDead},
	}}
	server := newTestServer(svc)

	rec := doJSON(t, server.Router(), http.MethodGet, "/api/v1/sync/jobs?brandId=brand-1&status=dead", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "brand-1", svc.lastFilter.BrandID)
	assert.Equal(t, []types.JobStatus{types.JobDead}, svc.lastFilter.Statuses)

	var body struct {
		Jobs  []*models.SyncJob `json:"jobs"`
		Count int               `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Count)
}

func TestDisconnectEndpoint(t *testing.T) {
	svc := &fakeSyncService{}
	server := newTestServer(svc)

	rec := doJSON(t, server.Router(), http.MethodDelete, "/api/v1/connections/conn-1", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"conn-1"}, svc.dropped)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "disconnected", body["status"])
}

func TestDisconnectNotFound(t *testing.T) {
	svc := &fakeSyncService{dropErr: apperrors.NewNotFoundError("connection", "nope")}
	server := newTestServer(svc)

	rec := doJSON(t, server.Router(), http.MethodDelete, "/api/v1/connections/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMethodNotAllowed(t *testing.T) {
	server := newTestServer(&fakeSyncService{})

	rec := doJSON(t, server.Router(), http.MethodGet, "/api/v1/sync", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
