package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lumenlayer/usage-engine/pkg/apperrors"
	"github.com/lumenlayer/usage-engine/pkg/models"
	"github.com/lumenlayer/usage-engine/pkg/repositories"
)

// GraphWriter is the slice of the graph store the proposal workflow needs
// to apply approved decisions. Satisfied by *graph.Store; mutations funnel
// through the store's own synchronization so the single-writer discipline
// is preserved.
type GraphWriter interface {
	SetMetricCertification(signature, status, name string, expression *string) bool
	SetJoinRecommendation(edgeKey string, weight float64)
}

// ChangeSink receives change records for the external metric/code
// generation layer whenever an approved proposal changes certified state.
type ChangeSink interface {
	Emit(ctx context.Context, record models.ChangeRecord) error
}

// DecisionResult reports the outcome of a decide call. AlreadyDecided is
// true when the proposal had a terminal status before the call; the
// embedded proposal then carries the original decision and no side
// effects were re-applied.
type DecisionResult struct {
	Proposal       *models.Proposal `json:"proposal"`
	AlreadyDecided bool             `json:"already_decided"`
}

// ProposalService is the review workflow over the proposal registry:
// discovery submits, humans decide, approved decisions flow back into the
// graph and out to the generation layer.
type ProposalService interface {
	Submit(ctx context.Context, p *models.Proposal) (uuid.UUID, error)
	Get(ctx context.Context, id uuid.UUID) (*models.Proposal, error)
	ListPending(ctx context.Context, limit int) ([]*models.Proposal, error)

	// Decide transitions pending -> {approved, rejected, modified}.
	// Decisions are terminal and idempotent: deciding an already-decided
	// proposal returns the original decision without re-applying side
	// effects. Unknown ids fail with apperrors.ErrNotFound; invalid
	// decision values with apperrors.ErrInvalidArgument.
	Decide(ctx context.Context, id uuid.UUID, decision, actor string) (*DecisionResult, error)
}

type proposalService struct {
	repo   repositories.ProposalRepository
	writer GraphWriter
	sink   ChangeSink
	now    func() time.Time
	logger *zap.Logger
}

// NewProposalService creates a ProposalService. sink may be nil when no
// generation layer is attached.
func NewProposalService(
	repo repositories.ProposalRepository,
	writer GraphWriter,
	sink ChangeSink,
	logger *zap.Logger,
) ProposalService {
	return &proposalService{
		repo:   repo,
		writer: writer,
		sink:   sink,
		now:    time.Now,
		logger: logger.Named("proposal-workflow"),
	}
}

var _ ProposalService = (*proposalService)(nil)

func (s *proposalService) Submit(ctx context.Context, p *models.Proposal) (uuid.UUID, error) {
	switch p.Kind {
	case models.ProposalKindNewMetric, models.ProposalKindDeprecateMetric,
		models.ProposalKindNewSkill, models.ProposalKindNewJoinRec:
	default:
		return uuid.Nil, fmt.Errorf("%w: unknown proposal kind %q", apperrors.ErrInvalidArgument, p.Kind)
	}
	if p.Signature == "" {
		return uuid.Nil, fmt.Errorf("%w: proposal has no signature", apperrors.ErrInvalidArgument)
	}

	p.Status = models.ProposalStatusPending
	if err := s.repo.Create(ctx, p); err != nil {
		return uuid.Nil, fmt.Errorf("failed to submit proposal: %w", err)
	}
	return p.ID, nil
}

func (s *proposalService) Get(ctx context.Context, id uuid.UUID) (*models.Proposal, error) {
	p, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get proposal: %w", err)
	}
	if p == nil {
		return nil, fmt.Errorf("proposal %s: %w", id, apperrors.ErrNotFound)
	}
	return p, nil
}

func (s *proposalService) ListPending(ctx context.Context, limit int) ([]*models.Proposal, error) {
	return s.repo.ListPending(ctx, limit)
}

func (s *proposalService) Decide(ctx context.Context, id uuid.UUID, decision, actor string) (*DecisionResult, error) {
	if !models.ValidDecision(decision) {
		return nil, fmt.Errorf("%w: invalid decision %q", apperrors.ErrInvalidArgument, decision)
	}

	p, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get proposal: %w", err)
	}
	if p == nil {
		return nil, fmt.Errorf("proposal %s: %w", id, apperrors.ErrNotFound)
	}

	if p.Decided() {
		return &DecisionResult{Proposal: p, AlreadyDecided: true}, nil
	}

	decidedAt := s.now()
	if err := s.repo.UpdateDecision(ctx, id, decision, actor, decidedAt); err != nil {
		return nil, fmt.Errorf("failed to record decision: %w", err)
	}

	p.Status = decision
	p.DecisionActor = &actor
	p.DecidedAt = &decidedAt

	if decision == models.ProposalStatusApproved {
		if err := s.apply(ctx, p); err != nil {
			// The decision stands; the application failure is surfaced
			// for the reviewer to retry via a fresh proposal.
			s.logger.Error("failed to apply approved proposal",
				zap.String("proposal_id", p.ID.String()),
				zap.String("kind", p.Kind),
				zap.Error(err))
			return nil, fmt.Errorf("decision recorded but application failed: %w", err)
		}
	}

	s.logger.Info("proposal decided",
		zap.String("proposal_id", p.ID.String()),
		zap.String("kind", p.Kind),
		zap.String("decision", decision),
		zap.String("actor", actor))

	return &DecisionResult{Proposal: p}, nil
}

// apply performs the graph-side and downstream effects of an approval.
func (s *proposalService) apply(ctx context.Context, p *models.Proposal) error {
	switch p.Kind {
	case models.ProposalKindNewMetric:
		expr := p.Expression
		if expr == "" {
			expr = p.Signature
		}
		if !s.writer.SetMetricCertification(p.Signature, models.CertificationCertified, "", &expr) {
			return fmt.Errorf("metric %s: %w", p.Signature, apperrors.ErrNotFound)
		}
		return s.emitChange(ctx, models.ChangeRecord{
			Signature:       p.Signature,
			Action:          models.ChangeActionCertify,
			Expression:      expr,
			EvidenceSummary: p.Evidence,
		})

	case models.ProposalKindDeprecateMetric:
		if !s.writer.SetMetricCertification(p.Signature, models.CertificationDeprecated, "", nil) {
			return fmt.Errorf("metric %s: %w", p.Signature, apperrors.ErrNotFound)
		}
		return s.emitChange(ctx, models.ChangeRecord{
			Signature:       p.Signature,
			Action:          models.ChangeActionDeprecate,
			EvidenceSummary: p.Evidence,
		})

	case models.ProposalKindNewJoinRec:
		weight := 1.0
		if p.Evidence.SpeedupRatio != nil {
			weight = *p.Evidence.SpeedupRatio
		}
		s.writer.SetJoinRecommendation(p.FavoredEdge, weight)
		return nil

	case models.ProposalKindNewSkill:
		// Skills are written by the consolidator; approval here only
		// records the human sign-off.
		return nil

	default:
		return fmt.Errorf("%w: unknown proposal kind %q", apperrors.ErrInvalidArgument, p.Kind)
	}
}

func (s *proposalService) emitChange(ctx context.Context, record models.ChangeRecord) error {
	if s.sink == nil {
		return nil
	}
	if err := s.sink.Emit(ctx, record); err != nil {
		return fmt.Errorf("failed to emit change record: %w", err)
	}
	return nil
}

// LogChangeSink logs change records; the default sink when no generation
// layer is attached.
type LogChangeSink struct {
	Logger *zap.Logger
}

var _ ChangeSink = (*LogChangeSink)(nil)

// Emit implements ChangeSink.
func (s *LogChangeSink) Emit(_ context.Context, record models.ChangeRecord) error {
	s.Logger.Info("change record",
		zap.String("signature", record.Signature),
		zap.String("action", record.Action),
		zap.String("expression", record.Expression),
		zap.Int("event_count", record.EvidenceSummary.EventCount),
		zap.Float64("confidence", record.EvidenceSummary.Confidence))
	return nil
}
