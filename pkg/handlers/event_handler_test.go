package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lumenlayer/usage-engine/pkg/config"
	"github.com/lumenlayer/usage-engine/pkg/graph"
	"github.com/lumenlayer/usage-engine/pkg/models"
	"github.com/lumenlayer/usage-engine/pkg/repositories"
	"github.com/lumenlayer/usage-engine/pkg/services"
)

func newTestPipeline(t *testing.T, queueSize int) *services.IngestPipeline {
	t.Helper()
	store := graph.New(zap.NewNop())
	updater := services.NewGraphUpdater(
		store,
		repositories.NewMemoryGraphLogRepository(),
		repositories.NewMemoryDeadLetterRepository(),
		nil,
		zap.NewNop(),
	)
	return services.NewIngestPipeline(updater, config.IngestConfig{QueueSize: queueSize}, zap.NewNop())
}

func eventBatch(n int) []byte {
	var records []models.RawQueryRecord
	for i := 0; i < n; i++ {
		records = append(records, models.RawQueryRecord{
			QueryID:    fmt.Sprintf("q-%d", i),
			StartedAt:  time.Date(2026, 8, 1, 10, i, 0, 0, time.UTC),
			DurationMs: 120,
			Success:    true,
			Tables:     []string{"orders"},
			Metrics:    []string{"SUM(revenue)"},
		})
	}
	body, _ := json.Marshal(IngestEventsRequest{Events: records})
	return body
}

func TestEventHandler_Ingest(t *testing.T) {
	pipeline := newTestPipeline(t, 16)
	pipeline.Start()
	defer pipeline.Stop()

	handler := NewEventHandler(pipeline, zap.NewNop())

	req := httptest.NewRequest("POST", "/api/events", bytes.NewReader(eventBatch(3)))
	rr := httptest.NewRecorder()

	handler.Ingest(rr, req)

	assert.Equal(t, http.StatusAccepted, rr.Code)

	var resp ApiResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.True(t, resp.Success)

	data := resp.Data.(map[string]any)
	assert.Equal(t, float64(3), data["accepted"])
	assert.Equal(t, float64(0), data["rejected"])
}

func TestEventHandler_Ingest_EmptyBatch(t *testing.T) {
	handler := NewEventHandler(newTestPipeline(t, 16), zap.NewNop())

	req := httptest.NewRequest("POST", "/api/events", strings.NewReader(`{"events":[]}`))
	rr := httptest.NewRecorder()

	handler.Ingest(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestEventHandler_Ingest_InvalidBody(t *testing.T) {
	handler := NewEventHandler(newTestPipeline(t, 16), zap.NewNop())

	req := httptest.NewRequest("POST", "/api/events", strings.NewReader("not json"))
	rr := httptest.NewRecorder()

	handler.Ingest(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestEventHandler_Ingest_QueueFull(t *testing.T) {
	// Queue of two with no drain goroutine: the third record is rejected.
	pipeline := newTestPipeline(t, 2)
	handler := NewEventHandler(pipeline, zap.NewNop())

	req := httptest.NewRequest("POST", "/api/events", bytes.NewReader(eventBatch(3)))
	rr := httptest.NewRecorder()

	handler.Ingest(rr, req)

	assert.Equal(t, http.StatusTooManyRequests, rr.Code)

	var resp ApiResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.False(t, resp.Success)

	data := resp.Data.(map[string]any)
	assert.Equal(t, float64(2), data["accepted"])
	assert.Equal(t, float64(1), data["rejected"])
}

func TestEventHandler_Ingest_PipelineStopped(t *testing.T) {
	pipeline := newTestPipeline(t, 16)
	pipeline.Start()
	pipeline.Stop()

	handler := NewEventHandler(pipeline, zap.NewNop())

	req := httptest.NewRequest("POST", "/api/events", bytes.NewReader(eventBatch(1)))
	rr := httptest.NewRecorder()

	handler.Ingest(rr, req)

	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}
