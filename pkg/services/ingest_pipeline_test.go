package services

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lumenlayer/usage-engine/pkg/apperrors"
	"github.com/lumenlayer/usage-engine/pkg/config"
	"github.com/lumenlayer/usage-engine/pkg/graph"
	"github.com/lumenlayer/usage-engine/pkg/models"
	"github.com/lumenlayer/usage-engine/pkg/repositories"
)

func testRawRecord(id string) models.RawQueryRecord {
	return models.RawQueryRecord{
		QueryID:    id,
		StartedAt:  time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC),
		DurationMs: 50,
		Success:    true,
		Tables:     []string{"orders"},
		Metrics:    []string{"SUM(revenue)"},
	}
}

func newTestPipeline(t *testing.T, cfg config.IngestConfig) (*IngestPipeline, *graph.Store) {
	t.Helper()
	store := graph.New(zap.NewNop())
	updater := NewGraphUpdater(store, repositories.NewMemoryGraphLogRepository(),
		repositories.NewMemoryDeadLetterRepository(), nil, zap.NewNop())
	return NewIngestPipeline(updater, cfg, zap.NewNop()), store
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestIngestPipeline_AppliesSubmittedEvents(t *testing.T) {
	p, store := newTestPipeline(t, config.IngestConfig{QueueSize: 16, BlockWhenFull: true})
	p.Start()
	defer p.Stop()

	for i := 0; i < 5; i++ {
		err := p.Submit(context.Background(), testRawRecord(fmt.Sprintf("q-%d", i)))
		require.NoError(t, err)
	}

	waitFor(t, func() bool {
		m, ok := store.Metric("sum(revenue)")
		return ok && m.UsageCount == 5
	})

	stats := p.Stats()
	assert.Equal(t, int64(5), stats.Submitted)
	assert.Equal(t, int64(0), stats.Malformed)
}

func TestIngestPipeline_DropsMalformedWithoutStopping(t *testing.T) {
	p, store := newTestPipeline(t, config.IngestConfig{QueueSize: 16, BlockWhenFull: true})
	p.Start()
	defer p.Stop()

	bad := testRawRecord("q-bad")
	bad.Tables = nil
	require.NoError(t, p.Submit(context.Background(), bad))
	require.NoError(t, p.Submit(context.Background(), testRawRecord("q-good")))

	waitFor(t, func() bool {
		_, ok := store.Metric("sum(revenue)")
		return ok
	})

	stats := p.Stats()
	assert.Equal(t, int64(1), stats.Malformed)
	assert.Contains(t, stats.LastError, "no referenced tables")
}

func TestIngestPipeline_RejectsWhenFull(t *testing.T) {
	// No drain goroutine: the queue fills and rejects.
	p, _ := newTestPipeline(t, config.IngestConfig{QueueSize: 2, BlockWhenFull: false})

	require.NoError(t, p.Submit(context.Background(), testRawRecord("q-1")))
	require.NoError(t, p.Submit(context.Background(), testRawRecord("q-2")))

	err := p.Submit(context.Background(), testRawRecord("q-3"))
	assert.ErrorIs(t, err, apperrors.ErrQueueFull)
	assert.Equal(t, int64(1), p.Stats().Rejected)
	assert.Equal(t, 2, p.QueueDepth())
}

func TestIngestPipeline_BlockingSubmitHonorsContext(t *testing.T) {
	p, _ := newTestPipeline(t, config.IngestConfig{QueueSize: 1, BlockWhenFull: true})

	require.NoError(t, p.Submit(context.Background(), testRawRecord("q-1")))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := p.Submit(ctx, testRawRecord("q-2"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestIngestPipeline_StopReleasesBlockedSubmit(t *testing.T) {
	// No drain goroutine: the second Submit blocks in the send until
	// Stop releases it.
	p, _ := newTestPipeline(t, config.IngestConfig{QueueSize: 1, BlockWhenFull: true})

	require.NoError(t, p.Submit(context.Background(), testRawRecord("q-1")))

	errCh := make(chan error, 1)
	go func() {
		errCh <- p.Submit(context.Background(), testRawRecord("q-2"))
	}()

	time.Sleep(20 * time.Millisecond)
	p.Stop()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, apperrors.ErrPipelineStopped)
	case <-time.After(2 * time.Second):
		t.Fatal("blocked submit was not released by Stop")
	}
}

func TestIngestPipeline_StopDrainsQueue(t *testing.T) {
	p, store := newTestPipeline(t, config.IngestConfig{QueueSize: 64, BlockWhenFull: true})
	p.Start()

	for i := 0; i < 20; i++ {
		require.NoError(t, p.Submit(context.Background(), testRawRecord(fmt.Sprintf("q-%d", i))))
	}
	p.Stop()

	m, ok := store.Metric("sum(revenue)")
	require.True(t, ok)
	assert.Equal(t, int64(20), m.UsageCount)

	err := p.Submit(context.Background(), testRawRecord("q-after"))
	assert.ErrorIs(t, err, apperrors.ErrPipelineStopped)
}
