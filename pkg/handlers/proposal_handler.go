package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lumenlayer/usage-engine/pkg/apperrors"
	"github.com/lumenlayer/usage-engine/pkg/models"
	"github.com/lumenlayer/usage-engine/pkg/services"
)

// ProposalListResponse for GET /api/proposals
type ProposalListResponse struct {
	Proposals []*models.Proposal `json:"proposals"`
	Total     int                `json:"total"`
}

// DecideProposalRequest for POST /api/proposals/{pid}/decision
type DecideProposalRequest struct {
	Decision string `json:"decision"`
	Actor    string `json:"actor"`
}

// ProposalHandler handles proposal review HTTP requests.
type ProposalHandler struct {
	proposalService services.ProposalService
	logger          *zap.Logger
}

// NewProposalHandler creates a new proposal handler.
func NewProposalHandler(proposalService services.ProposalService, logger *zap.Logger) *ProposalHandler {
	return &ProposalHandler{
		proposalService: proposalService,
		logger:          logger,
	}
}

// RegisterRoutes registers the proposal handler's routes on the given mux.
func (h *ProposalHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/proposals", h.List)
	mux.HandleFunc("GET /api/proposals/{pid}", h.Get)
	mux.HandleFunc("POST /api/proposals/{pid}/decision", h.Decide)
}

// List handles GET /api/proposals
func (h *ProposalHandler) List(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			if err := ErrorResponse(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer"); err != nil {
				h.logger.Error("Failed to write error response", zap.Error(err))
			}
			return
		}
		limit = n
	}

	proposals, err := h.proposalService.ListPending(r.Context(), limit)
	if err != nil {
		h.logger.Error("Failed to list proposals", zap.Error(err))
		if err := ErrorResponse(w, http.StatusInternalServerError, "list_proposals_failed", err.Error()); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	response := ProposalListResponse{
		Proposals: proposals,
		Total:     len(proposals),
	}

	if err := WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Data: response}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// Get handles GET /api/proposals/{pid}
func (h *ProposalHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := parseProposalID(w, r, h.logger)
	if !ok {
		return
	}

	proposal, err := h.proposalService.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			if err := ErrorResponse(w, http.StatusNotFound, "proposal_not_found", "Proposal not found"); err != nil {
				h.logger.Error("Failed to write error response", zap.Error(err))
			}
			return
		}
		h.logger.Error("Failed to get proposal",
			zap.String("proposal_id", id.String()),
			zap.Error(err))
		if err := ErrorResponse(w, http.StatusInternalServerError, "get_proposal_failed", err.Error()); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	if err := WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Data: proposal}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// Decide handles POST /api/proposals/{pid}/decision
func (h *ProposalHandler) Decide(w http.ResponseWriter, r *http.Request) {
	id, ok := parseProposalID(w, r, h.logger)
	if !ok {
		return
	}

	var req DecideProposalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_request", "Invalid request body"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}
	if req.Actor == "" {
		if err := ErrorResponse(w, http.StatusBadRequest, "missing_actor", "actor is required"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	result, err := h.proposalService.Decide(r.Context(), id, req.Decision, req.Actor)
	if err != nil {
		switch {
		case errors.Is(err, apperrors.ErrNotFound):
			if err := ErrorResponse(w, http.StatusNotFound, "proposal_not_found", "Proposal not found"); err != nil {
				h.logger.Error("Failed to write error response", zap.Error(err))
			}
		case errors.Is(err, apperrors.ErrInvalidArgument):
			if err := ErrorResponse(w, http.StatusBadRequest, "invalid_decision", err.Error()); err != nil {
				h.logger.Error("Failed to write error response", zap.Error(err))
			}
		default:
			h.logger.Error("Failed to decide proposal",
				zap.String("proposal_id", id.String()),
				zap.Error(err))
			if err := ErrorResponse(w, http.StatusInternalServerError, "decide_proposal_failed", err.Error()); err != nil {
				h.logger.Error("Failed to write error response", zap.Error(err))
			}
		}
		return
	}

	if err := WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Data: result}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// parseProposalID extracts and validates the proposal ID from the request
// path. Expects path parameter: pid
func parseProposalID(w http.ResponseWriter, r *http.Request, logger *zap.Logger) (uuid.UUID, bool) {
	idStr := r.PathValue("pid")
	id, err := uuid.Parse(idStr)
	if err != nil {
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_proposal_id", "Invalid proposal ID format"); err != nil {
			logger.Error("Failed to write error response", zap.Error(err))
		}
		return uuid.Nil, false
	}
	return id, true
}
