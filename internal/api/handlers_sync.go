package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/insight-sync/internal/queue"
	"github.com/insight-sync/internal/service"
	"github.com/insight-sync/internal/types"
)

// handleStartSync triggers a historical sync for a connection.
// POST /api/v1/sync
func (s *Server) handleStartSync(w http.ResponseWriter, r *http.Request) {
	var body struct {
		BrandID      string `json:"brandId"`
		ConnectionID string `json:"connectionId"`
		DateRange    *struct {
			Start string `json:"start"`
			End   string `json:"end"`
		} `json:"dateRange"`
	}
	if err := parseJSONBody(r, &body); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_INPUT", "Invalid request body", nil)
		return
	}

	req := &service.StartSyncRequest{
		BrandID:      body.BrandID,
		ConnectionID: body.ConnectionID,
	}
	if body.DateRange != nil {
		start, err := types.ParseDate(body.DateRange.Start)
		if err != nil {
			respondError(w, http.StatusBadRequest, "INVALID_INPUT", "Invalid dateRange.start, expected YYYY-MM-DD", nil)
			return
		}
		end, err := types.ParseDate(body.DateRange.End)
		if err != nil {
			respondError(w, http.StatusBadRequest, "INVALID_INPUT", "Invalid dateRange.end, expected YYYY-MM-DD", nil)
			return
		}
		req.DateRange = &types.DateRange{Start: start, End: end}
	}

	plan, err := s.syncService.StartSync(r.Context(), req)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusAccepted, plan)
}

// handleBackfill enqueues explicit dates at elevated priority.
// POST /api/v1/backfill
func (s *Server) handleBackfill(w http.ResponseWriter, r *http.Request) {
	var body struct {
		BrandID string   `json:"brandId"`
		Dates   []string `json:"dates"`
	}
	if err := parseJSONBody(r, &body); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_INPUT", "Invalid request body", nil)
		return
	}

	dates := make([]time.Time, 0, len(body.Dates))
	for _, raw := range body.Dates {
		d, err := types.ParseDate(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "INVALID_INPUT", "Invalid date, expected YYYY-MM-DD", map[string]interface{}{
				"date": raw,
			})
			return
		}
		dates = append(dates, d)
	}

	plan, err := s.syncService.Backfill(r.Context(), body.BrandID, dates)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusAccepted, plan)
}

// handleStatus returns the polling surface for a brand.
// GET /api/v1/sync/status/{brandId}
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	brandID := mux.Vars(r)["brandId"]

	report, err := s.syncService.Status(r.Context(), brandID)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, report)
}

// handleJobs returns queue contents, dead set included.
// GET /api/v1/sync/jobs?brandId=&connectionId=&status=
func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	filter := queue.Filter{
		BrandID:      r.URL.Query().Get("brandId"),
		ConnectionID: r.URL.Query().Get("connectionId"),
	}
	if status := r.URL.Query().Get("status"); status != "" {
		filter.Statuses = []types.JobStatus{types.JobStatus(status)}
	}

	jobs := s.syncService.Jobs(filter)
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

// handleDisconnect revokes a connection and prunes its pending work.
// DELETE /api/v1/connections/{id}
func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	connectionID := mux.Vars(r)["id"]

	if err := s.syncService.Disconnect(r.Context(), connectionID); err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"connectionId": connectionID,
		"status":       "disconnected",
	})
}
