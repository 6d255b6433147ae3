package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/lumenlayer/usage-engine/pkg/apperrors"
	"github.com/lumenlayer/usage-engine/pkg/models"
	"github.com/lumenlayer/usage-engine/pkg/services"
)

// IngestEventsRequest for POST /api/events: a batch of raw query records
// from the query-execution layer.
type IngestEventsRequest struct {
	Events []models.RawQueryRecord `json:"events"`
}

// IngestEventsResponse reports how many records were accepted into the
// queue. Acceptance is not application: malformed records are dropped
// later by the pipeline and surface in the stats counters.
type IngestEventsResponse struct {
	Accepted int `json:"accepted"`
	Rejected int `json:"rejected"`
}

// EventHandler accepts usage events over HTTP.
type EventHandler struct {
	pipeline *services.IngestPipeline
	logger   *zap.Logger
}

// NewEventHandler creates a new event handler.
func NewEventHandler(pipeline *services.IngestPipeline, logger *zap.Logger) *EventHandler {
	return &EventHandler{pipeline: pipeline, logger: logger}
}

// RegisterRoutes registers the event handler's routes on the given mux.
func (h *EventHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/events", h.Ingest)
}

// Ingest handles POST /api/events
func (h *EventHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	var req IngestEventsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_request", "Invalid request body"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}
	if len(req.Events) == 0 {
		if err := ErrorResponse(w, http.StatusBadRequest, "empty_batch", "events must be non-empty"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	var response IngestEventsResponse
	for _, raw := range req.Events {
		err := h.pipeline.Submit(r.Context(), raw)
		switch {
		case err == nil:
			response.Accepted++
		case errors.Is(err, apperrors.ErrQueueFull):
			response.Rejected++
		case errors.Is(err, apperrors.ErrPipelineStopped):
			if err := ErrorResponse(w, http.StatusServiceUnavailable, "pipeline_stopped", "ingestion pipeline is shut down"); err != nil {
				h.logger.Error("Failed to write error response", zap.Error(err))
			}
			return
		default:
			h.logger.Error("Failed to submit event",
				zap.String("query_id", raw.QueryID),
				zap.Error(err))
			response.Rejected++
		}
	}

	status := http.StatusAccepted
	if response.Rejected > 0 {
		status = http.StatusTooManyRequests
	}
	if err := WriteJSON(w, status, ApiResponse{Success: response.Rejected == 0, Data: response}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}
