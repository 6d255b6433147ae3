package services

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/lumenlayer/usage-engine/pkg/config"
	"github.com/lumenlayer/usage-engine/pkg/graph"
	"github.com/lumenlayer/usage-engine/pkg/models"
	"github.com/lumenlayer/usage-engine/pkg/repositories"
)

// DiscoveryResult is the outcome of one discovery run. Truncated marks a
// run aborted by its wall-clock budget: the proposals present were
// computed over the partial set and remaining analyses are deferred to
// the next scheduled run.
type DiscoveryResult struct {
	Proposals []*models.Proposal `json:"proposals"`
	Truncated bool               `json:"truncated"`
	Window    models.TimeWindow  `json:"window"`
	RanAt     time.Time          `json:"ran_at"`
}

// DiscoveryService mines graph snapshots for patterns worth reviewing:
// repeatedly computed metrics that lack a formal definition, join paths
// with a statistically supported performance difference, and certified
// metrics that have gone stale.
type DiscoveryService interface {
	Discover(ctx context.Context, window models.TimeWindow) (*DiscoveryResult, error)
}

type discoveryService struct {
	store     *graph.Store
	proposals repositories.ProposalRepository
	cfg       config.DiscoveryConfig
	now       func() time.Time
	logger    *zap.Logger
}

// NewDiscoveryService creates a DiscoveryService over the given graph.
func NewDiscoveryService(
	store *graph.Store,
	proposals repositories.ProposalRepository,
	cfg config.DiscoveryConfig,
	logger *zap.Logger,
) DiscoveryService {
	return &discoveryService{
		store:     store,
		proposals: proposals,
		cfg:       cfg,
		now:       time.Now,
		logger:    logger.Named("discovery"),
	}
}

var _ DiscoveryService = (*discoveryService)(nil)

// Discover runs the three analyses over an immutable snapshot. The
// caller bounds the run with a context deadline; on expiry the partial
// result is returned with Truncated=true, which is not an error.
func (s *discoveryService) Discover(ctx context.Context, window models.TimeWindow) (*DiscoveryResult, error) {
	view := s.store.Snapshot(window)
	result := &DiscoveryResult{
		Window: window,
		RanAt:  view.AsOf,
	}

	analyses := []func(context.Context, *graph.View, *DiscoveryResult) error{
		s.discoverUndefinedMetrics,
		s.rankJoinPaths,
		s.discoverStaleMetrics,
	}

	for _, analyze := range analyses {
		if ctx.Err() != nil {
			result.Truncated = true
			break
		}
		if err := analyze(ctx, view, result); err != nil {
			if ctx.Err() != nil {
				result.Truncated = true
				break
			}
			return nil, err
		}
	}

	// Stable output: descending confidence, then ascending signature.
	sort.Slice(result.Proposals, func(i, j int) bool {
		pi, pj := result.Proposals[i], result.Proposals[j]
		if pi.Evidence.Confidence != pj.Evidence.Confidence {
			return pi.Evidence.Confidence > pj.Evidence.Confidence
		}
		return pi.Signature < pj.Signature
	})

	s.logger.Info("discovery run complete",
		zap.Int("proposals", len(result.Proposals)),
		zap.Bool("truncated", result.Truncated))

	return result, nil
}

// discoverUndefinedMetrics emits a new_metric proposal for every
// uncertified metric whose usage inside the window crossed the
// occurrence threshold.
func (s *discoveryService) discoverUndefinedMetrics(ctx context.Context, view *graph.View, result *DiscoveryResult) error {
	minOcc := int64(s.cfg.MinOccurrences)

	for i := range view.Metrics {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		mv := &view.Metrics[i]
		if mv.Certification != models.CertificationUncertified || mv.WindowUsage < minOcc {
			continue
		}

		evidence := models.Evidence{
			EventCount:     int(mv.WindowUsage),
			Confidence:     confidenceFromUsage(mv.WindowUsage, minOcc),
			SampleQueryIDs: mv.SampleQueryIDs,
		}

		p, err := s.emit(ctx, &models.Proposal{
			Kind:       models.ProposalKindNewMetric,
			Signature:  mv.Signature,
			Expression: mv.Signature,
			Evidence:   evidence,
		})
		if err != nil {
			return err
		}
		if p != nil {
			result.Proposals = append(result.Proposals, p)
		}
	}
	return nil
}

// rankJoinPaths compares alternative join edges between the same table
// pair using Welch's two-sample procedure on observed latencies and
// proposes the faster edge when the confidence interval on the
// difference excludes zero improvement.
func (s *discoveryService) rankJoinPaths(ctx context.Context, view *graph.View, result *DiscoveryResult) error {
	for _, group := range view.EdgeGroups() {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		// Only edges with enough window observations participate.
		eligible := group[:0:0]
		for _, e := range group {
			if len(e.Latencies) >= s.cfg.MinSamples {
				eligible = append(eligible, e)
			}
		}
		if len(eligible) < 2 {
			continue
		}

		// Fastest by window mean; deterministic tie-break on edge key.
		sort.Slice(eligible, func(i, j int) bool {
			mi := mean(eligible[i].Latencies)
			mj := mean(eligible[j].Latencies)
			if mi != mj {
				return mi < mj
			}
			return eligible[i].Key() < eligible[j].Key()
		})
		fastest := eligible[0]

		// Refresh each participating edge's own latency interval.
		for _, e := range eligible {
			if low, high, ok := oneSampleCI(e.Latencies, s.cfg.SignificanceLevel); ok {
				s.store.SetJoinConfidenceInterval(e.Key(), low, high)
			}
		}

		for _, other := range eligible[1:] {
			w, ok := welchCompare(other.Latencies, fastest.Latencies, s.cfg.SignificanceLevel)
			if !ok || !w.Significant || w.Diff <= 0 {
				continue
			}

			speedup := w.MeanA / w.MeanB
			low, high := w.DiffCILow, w.DiffCIHigh
			evidence := models.Evidence{
				EventCount:   len(fastest.Latencies) + len(other.Latencies),
				Confidence:   1 - s.cfg.SignificanceLevel,
				SpeedupRatio: &speedup,
				DiffCILowMs:  &low,
				DiffCIHighMs: &high,
			}

			p, err := s.emit(ctx, &models.Proposal{
				Kind:        models.ProposalKindNewJoinRec,
				Signature:   fastest.Key(),
				FavoredEdge: fastest.Key(),
				Evidence:    evidence,
			})
			if err != nil {
				return err
			}
			if p != nil {
				result.Proposals = append(result.Proposals, p)
			}
			// One recommendation per table pair: the fastest edge
			// against its closest eligible alternative.
			break
		}
	}
	return nil
}

// discoverStaleMetrics proposes deprecation for certified metrics unseen
// for longer than the staleness horizon.
func (s *discoveryService) discoverStaleMetrics(ctx context.Context, view *graph.View, result *DiscoveryResult) error {
	cutoff := s.now().Add(-s.cfg.StaleAfter)

	for i := range view.Metrics {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		mv := &view.Metrics[i]
		if mv.Certification != models.CertificationCertified || !mv.LastSeen.Before(cutoff) {
			continue
		}

		evidence := models.Evidence{
			EventCount: int(mv.UsageCount),
			Confidence: 1.0,
		}

		p, err := s.emit(ctx, &models.Proposal{
			Kind:      models.ProposalKindDeprecateMetric,
			Signature: mv.Signature,
			Evidence:  evidence,
		})
		if err != nil {
			return err
		}
		if p != nil {
			result.Proposals = append(result.Proposals, p)
		}
	}
	return nil
}

// emit creates a proposal unless one already exists for the same kind and
// canonical signature: a pending proposal gets its evidence refreshed in
// place, a decided one suppresses re-emission entirely. Returns nil when
// nothing new was created.
func (s *discoveryService) emit(ctx context.Context, p *models.Proposal) (*models.Proposal, error) {
	existing, err := s.proposals.FindBySignature(ctx, p.Kind, p.Signature)
	if err != nil {
		return nil, fmt.Errorf("failed to check existing proposals: %w", err)
	}
	if existing != nil {
		if existing.Status == models.ProposalStatusPending {
			if err := s.proposals.UpdateEvidence(ctx, existing.ID, p.Evidence); err != nil {
				return nil, fmt.Errorf("failed to refresh proposal evidence: %w", err)
			}
			s.logger.Debug("refreshed evidence on pending proposal",
				zap.String("signature", p.Signature),
				zap.String("kind", p.Kind))
		}
		return nil, nil
	}

	p.Status = models.ProposalStatusPending
	p.CreatedAt = s.now()
	if err := s.proposals.Create(ctx, p); err != nil {
		return nil, fmt.Errorf("failed to create proposal: %w", err)
	}

	s.logger.Info("proposal emitted",
		zap.String("kind", p.Kind),
		zap.String("signature", p.Signature),
		zap.Float64("confidence", p.Evidence.Confidence))

	return p, nil
}

// confidenceFromUsage maps a usage count to min(1, usage/(2*threshold)).
func confidenceFromUsage(usage, threshold int64) float64 {
	c := float64(usage) / float64(2*threshold)
	if c > 1 {
		c = 1
	}
	return c
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}
