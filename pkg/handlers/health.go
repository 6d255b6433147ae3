package handlers

import (
	"net/http"
	"os"
	"runtime"

	"go.uber.org/zap"

	"github.com/lumenlayer/usage-engine/pkg/config"
	"github.com/lumenlayer/usage-engine/pkg/graph"
	"github.com/lumenlayer/usage-engine/pkg/repositories"
	"github.com/lumenlayer/usage-engine/pkg/services"
)

// PingResponse contains service status and version information.
type PingResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	Service     string `json:"service"`
	GoVersion   string `json:"go_version"`
	Hostname    string `json:"hostname"`
	Environment string `json:"environment"`
}

// StatsResponse is the observability surface: graph size plus counters
// from every stage of the pipeline.
type StatsResponse struct {
	Tables  int `json:"tables"`
	Edges   int `json:"edges"`
	Metrics int `json:"metrics"`

	QueueDepth  int                     `json:"queue_depth"`
	Pipeline    services.PipelineStats  `json:"pipeline"`
	Updater     services.UpdaterStats   `json:"updater"`
	Scheduler   services.SchedulerStats `json:"scheduler"`
	DeadLetters int64                   `json:"dead_letters"`
}

// HealthHandler handles health check, ping, and stats endpoints.
type HealthHandler struct {
	cfg         *config.Config
	store       *graph.Store
	pipeline    *services.IngestPipeline
	updater     services.GraphUpdater
	scheduler   *services.Scheduler
	deadLetters repositories.DeadLetterRepository
	logger      *zap.Logger
}

// NewHealthHandler creates a new HealthHandler.
func NewHealthHandler(
	cfg *config.Config,
	store *graph.Store,
	pipeline *services.IngestPipeline,
	updater services.GraphUpdater,
	scheduler *services.Scheduler,
	deadLetters repositories.DeadLetterRepository,
	logger *zap.Logger,
) *HealthHandler {
	return &HealthHandler{
		cfg:         cfg,
		store:       store,
		pipeline:    pipeline,
		updater:     updater,
		scheduler:   scheduler,
		deadLetters: deadLetters,
		logger:      logger,
	}
}

// RegisterRoutes registers the health handler's routes on the given mux.
func (h *HealthHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.Health)
	mux.HandleFunc("/ping", h.Ping)
	mux.HandleFunc("GET /api/stats", h.Stats)
	mux.HandleFunc("POST /api/discovery/run", h.RunDiscovery)
}

// Health handles GET /health requests.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Ping handles GET /ping requests.
func (h *HealthHandler) Ping(w http.ResponseWriter, r *http.Request) {
	hostname, err := os.Hostname()
	if err != nil {
		http.Error(w, "failed to get hostname", http.StatusInternalServerError)
		return
	}

	response := PingResponse{
		Status:      "ok",
		Version:     h.cfg.Version,
		Service:     "usage-engine",
		GoVersion:   runtime.Version(),
		Hostname:    hostname,
		Environment: h.cfg.Env,
	}

	if err := WriteJSON(w, http.StatusOK, response); err != nil {
		h.logger.Error("Failed to encode ping response", zap.Error(err))
	}
}

// Stats handles GET /api/stats requests.
func (h *HealthHandler) Stats(w http.ResponseWriter, r *http.Request) {
	tables, edges, metrics := h.store.Counts()

	response := StatsResponse{
		Tables:     tables,
		Edges:      edges,
		Metrics:    metrics,
		QueueDepth: h.pipeline.QueueDepth(),
		Pipeline:   h.pipeline.Stats(),
		Updater:    h.updater.Stats(),
		Scheduler:  h.scheduler.Stats(),
	}

	count, err := h.deadLetters.Count(r.Context())
	if err != nil {
		h.logger.Error("Failed to count dead letters", zap.Error(err))
	} else {
		response.DeadLetters = count
	}

	if err := WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Data: response}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// RunDiscovery handles POST /api/discovery/run: an operator-triggered
// discovery run outside the schedule.
func (h *HealthHandler) RunDiscovery(w http.ResponseWriter, r *http.Request) {
	result, err := h.scheduler.RunDiscoveryNow(r.Context())
	if err != nil {
		h.logger.Error("Failed to run discovery", zap.Error(err))
		if err := ErrorResponse(w, http.StatusInternalServerError, "discovery_failed", err.Error()); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	if err := WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Data: result}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}
