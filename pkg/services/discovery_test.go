package services

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lumenlayer/usage-engine/pkg/config"
	"github.com/lumenlayer/usage-engine/pkg/graph"
	"github.com/lumenlayer/usage-engine/pkg/models"
	"github.com/lumenlayer/usage-engine/pkg/repositories"
)

func testDiscoveryConfig() config.DiscoveryConfig {
	return config.DiscoveryConfig{
		MinOccurrences:    10,
		MinSamples:        5,
		StaleAfter:        90 * 24 * time.Hour,
		SignificanceLevel: 0.05,
	}
}

func recordMetricUsages(store *graph.Store, signature string, n int) {
	base := time.Now().UTC().Add(-time.Hour)
	store.UpsertMetric(signature, signature, base)
	for i := 0; i < n; i++ {
		store.RecordMetricUsage(signature, base.Add(time.Duration(i)*time.Minute), fmt.Sprintf("q-%d", i))
	}
}

func TestDiscover_UndefinedMetricThreshold(t *testing.T) {
	store := graph.New(zap.NewNop())
	repo := repositories.NewMemoryProposalRepository()
	svc := NewDiscoveryService(store, repo, testDiscoveryConfig(), zap.NewNop())

	// One usage below the threshold: no proposal.
	recordMetricUsages(store, "sum(revenue)", 9)

	result, err := svc.Discover(context.Background(), models.TimeWindow{})
	require.NoError(t, err)
	assert.Empty(t, result.Proposals)

	// Crossing the threshold triggers exactly one proposal.
	store.RecordMetricUsage("sum(revenue)", time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC), "q-10")

	result, err = svc.Discover(context.Background(), models.TimeWindow{})
	require.NoError(t, err)
	require.Len(t, result.Proposals, 1)

	p := result.Proposals[0]
	assert.Equal(t, models.ProposalKindNewMetric, p.Kind)
	assert.Equal(t, "sum(revenue)", p.Signature)
	assert.Equal(t, 10, p.Evidence.EventCount)
	assert.InDelta(t, 0.5, p.Evidence.Confidence, 1e-9)
	assert.NotEmpty(t, p.Evidence.SampleQueryIDs)
}

func TestDiscover_RerunDoesNotDuplicate(t *testing.T) {
	store := graph.New(zap.NewNop())
	repo := repositories.NewMemoryProposalRepository()
	svc := NewDiscoveryService(store, repo, testDiscoveryConfig(), zap.NewNop())

	recordMetricUsages(store, "sum(revenue)", 12)

	result, err := svc.Discover(context.Background(), models.TimeWindow{})
	require.NoError(t, err)
	require.Len(t, result.Proposals, 1)

	// Usage keeps growing; the rerun refreshes evidence in place.
	store.RecordMetricUsage("sum(revenue)", time.Date(2026, 8, 1, 13, 0, 0, 0, time.UTC), "q-extra")

	result, err = svc.Discover(context.Background(), models.TimeWindow{})
	require.NoError(t, err)
	assert.Empty(t, result.Proposals)

	pending, err := repo.ListPending(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 13, pending[0].Evidence.EventCount)
}

func TestDiscover_IgnoresCertifiedMetrics(t *testing.T) {
	store := graph.New(zap.NewNop())
	repo := repositories.NewMemoryProposalRepository()
	svc := NewDiscoveryService(store, repo, testDiscoveryConfig(), zap.NewNop())

	recordMetricUsages(store, "sum(revenue)", 20)
	require.True(t, store.SetMetricCertification("sum(revenue)", models.CertificationCertified, "Revenue", nil))

	result, err := svc.Discover(context.Background(), models.TimeWindow{})
	require.NoError(t, err)
	assert.Empty(t, result.Proposals)
}

func TestDiscover_StaleCertifiedMetric(t *testing.T) {
	store := graph.New(zap.NewNop())
	repo := repositories.NewMemoryProposalRepository()
	svc := NewDiscoveryService(store, repo, testDiscoveryConfig(), zap.NewNop())

	old := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	store.UpsertMetric("sum(legacy)", "SUM(legacy)", old)
	store.RecordMetricUsage("sum(legacy)", old, "q-old")
	require.True(t, store.SetMetricCertification("sum(legacy)", models.CertificationCertified, "Legacy", nil))

	result, err := svc.Discover(context.Background(), models.TimeWindow{})
	require.NoError(t, err)
	require.Len(t, result.Proposals, 1)

	p := result.Proposals[0]
	assert.Equal(t, models.ProposalKindDeprecateMetric, p.Kind)
	assert.Equal(t, "sum(legacy)", p.Signature)
	assert.InDelta(t, 1.0, p.Evidence.Confidence, 1e-9)
}

func seedJoinAlternatives(store *graph.Store, fastSig, slowSig string, fastMs, slowMs float64) {
	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 8; i++ {
		jitter := float64(i%3) * 2
		store.UpsertJoinEdge("orders", "users", fastSig, fastMs+jitter, base.Add(time.Duration(i)*time.Minute))
		store.UpsertJoinEdge("orders", "users", slowSig, slowMs+jitter, base.Add(time.Duration(i)*time.Minute))
	}
}

func TestDiscover_JoinRanking(t *testing.T) {
	store := graph.New(zap.NewNop())
	repo := repositories.NewMemoryProposalRepository()
	svc := NewDiscoveryService(store, repo, testDiscoveryConfig(), zap.NewNop())

	seedJoinAlternatives(store, "via_id", "via_email", 100, 500)

	result, err := svc.Discover(context.Background(), models.TimeWindow{})
	require.NoError(t, err)
	require.Len(t, result.Proposals, 1)

	p := result.Proposals[0]
	assert.Equal(t, models.ProposalKindNewJoinRec, p.Kind)
	assert.Equal(t, "orders|users|via_id", p.FavoredEdge)
	require.NotNil(t, p.Evidence.SpeedupRatio)
	assert.InDelta(t, 5.0, *p.Evidence.SpeedupRatio, 0.2)
	require.NotNil(t, p.Evidence.DiffCILowMs)
	assert.Greater(t, *p.Evidence.DiffCILowMs, 0.0)

	// Per-edge latency intervals were refreshed on the graph.
	edge, ok := store.JoinEdge("orders|users|via_id")
	require.True(t, ok)
	assert.Greater(t, edge.LatencyCIHighMs, edge.LatencyCILowMs)
}

func TestDiscover_JoinRankingFollowsTheData(t *testing.T) {
	// Same setup with the latencies swapped favors the other edge.
	store := graph.New(zap.NewNop())
	repo := repositories.NewMemoryProposalRepository()
	svc := NewDiscoveryService(store, repo, testDiscoveryConfig(), zap.NewNop())

	seedJoinAlternatives(store, "via_id", "via_email", 500, 100)

	result, err := svc.Discover(context.Background(), models.TimeWindow{})
	require.NoError(t, err)
	require.Len(t, result.Proposals, 1)
	assert.Equal(t, "orders|users|via_email", result.Proposals[0].FavoredEdge)
}

func TestDiscover_JoinRankingNeedsMinSamples(t *testing.T) {
	store := graph.New(zap.NewNop())
	repo := repositories.NewMemoryProposalRepository()
	svc := NewDiscoveryService(store, repo, testDiscoveryConfig(), zap.NewNop())

	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		store.UpsertJoinEdge("orders", "users", "via_id", 100, base)
		store.UpsertJoinEdge("orders", "users", "via_email", 500, base)
	}

	result, err := svc.Discover(context.Background(), models.TimeWindow{})
	require.NoError(t, err)
	assert.Empty(t, result.Proposals)
}

func TestDiscover_BudgetExpiryTruncates(t *testing.T) {
	store := graph.New(zap.NewNop())
	repo := repositories.NewMemoryProposalRepository()
	svc := NewDiscoveryService(store, repo, testDiscoveryConfig(), zap.NewNop())

	recordMetricUsages(store, "sum(revenue)", 12)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := svc.Discover(ctx, models.TimeWindow{})
	require.NoError(t, err)
	assert.True(t, result.Truncated)
	assert.Empty(t, result.Proposals)
}

func TestDiscover_OrderedByConfidence(t *testing.T) {
	store := graph.New(zap.NewNop())
	repo := repositories.NewMemoryProposalRepository()
	svc := NewDiscoveryService(store, repo, testDiscoveryConfig(), zap.NewNop())

	recordMetricUsages(store, "sum(revenue)", 12)    // confidence 0.6
	recordMetricUsages(store, "avg(basket)", 25)     // confidence 1.0
	recordMetricUsages(store, "count(sessions)", 10) // confidence 0.5

	result, err := svc.Discover(context.Background(), models.TimeWindow{})
	require.NoError(t, err)
	require.Len(t, result.Proposals, 3)

	assert.Equal(t, "avg(basket)", result.Proposals[0].Signature)
	assert.Equal(t, "sum(revenue)", result.Proposals[1].Signature)
	assert.Equal(t, "count(sessions)", result.Proposals[2].Signature)
}
