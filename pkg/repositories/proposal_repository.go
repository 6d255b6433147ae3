package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/lumenlayer/usage-engine/pkg/database"
	"github.com/lumenlayer/usage-engine/pkg/models"
)

// ProposalRepository provides data access for the proposal registry.
// Proposals are keyed by (kind, canonical signature) for idempotent
// emission: discovery re-runs update confidence in place instead of
// creating duplicates.
type ProposalRepository interface {
	// Create inserts a new proposal.
	Create(ctx context.Context, p *models.Proposal) error

	// GetByID returns a proposal by id, or nil when absent.
	GetByID(ctx context.Context, id uuid.UUID) (*models.Proposal, error)

	// ListPending returns pending proposals ordered by descending
	// confidence, then ascending signature.
	ListPending(ctx context.Context, limit int) ([]*models.Proposal, error)

	// FindBySignature returns the most recent proposal for the given
	// kind and canonical signature, pending or decided, or nil.
	FindBySignature(ctx context.Context, kind, signature string) (*models.Proposal, error)

	// UpdateEvidence refreshes the evidence on a still-pending proposal.
	UpdateEvidence(ctx context.Context, id uuid.UUID, evidence models.Evidence) error

	// UpdateDecision records a terminal decision.
	UpdateDecision(ctx context.Context, id uuid.UUID, status, actor string, decidedAt time.Time) error
}

type proposalRepository struct {
	db *database.DB
}

// NewProposalRepository creates a PostgreSQL-backed ProposalRepository.
func NewProposalRepository(db *database.DB) ProposalRepository {
	return &proposalRepository{db: db}
}

var _ ProposalRepository = (*proposalRepository)(nil)

func (r *proposalRepository) Create(ctx context.Context, p *models.Proposal) error {
	evidence, err := json.Marshal(p.Evidence)
	if err != nil {
		return fmt.Errorf("failed to marshal evidence: %w", err)
	}

	query := `
		INSERT INTO engine_proposals (
			id, kind, signature, expression, favored_edge, evidence, status, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}

	_, err = r.db.Exec(ctx, query,
		p.ID, p.Kind, p.Signature,
		nullableString(p.Expression), nullableString(p.FavoredEdge),
		evidence, p.Status, p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create proposal: %w", err)
	}
	return nil
}

func (r *proposalRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Proposal, error) {
	query := selectProposal + ` WHERE id = $1`
	return scanProposal(r.db.QueryRow(ctx, query, id))
}

func (r *proposalRepository) ListPending(ctx context.Context, limit int) ([]*models.Proposal, error) {
	if limit <= 0 {
		limit = 500
	}

	query := selectProposal + `
		WHERE status = $1
		ORDER BY (evidence->>'confidence')::float DESC, signature ASC
		LIMIT $2`

	rows, err := r.db.Query(ctx, query, models.ProposalStatusPending, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending proposals: %w", err)
	}
	defer rows.Close()

	return scanProposals(rows)
}

func (r *proposalRepository) FindBySignature(ctx context.Context, kind, signature string) (*models.Proposal, error) {
	query := selectProposal + `
		WHERE kind = $1 AND signature = $2
		ORDER BY created_at DESC
		LIMIT 1`
	return scanProposal(r.db.QueryRow(ctx, query, kind, signature))
}

func (r *proposalRepository) UpdateEvidence(ctx context.Context, id uuid.UUID, evidence models.Evidence) error {
	payload, err := json.Marshal(evidence)
	if err != nil {
		return fmt.Errorf("failed to marshal evidence: %w", err)
	}

	query := `UPDATE engine_proposals SET evidence = $2 WHERE id = $1 AND status = $3`
	result, err := r.db.Exec(ctx, query, id, payload, models.ProposalStatusPending)
	if err != nil {
		return fmt.Errorf("failed to update proposal evidence: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("proposal %s is not pending", id)
	}
	return nil
}

func (r *proposalRepository) UpdateDecision(ctx context.Context, id uuid.UUID, status, actor string, decidedAt time.Time) error {
	query := `
		UPDATE engine_proposals
		SET status = $2, decision_actor = $3, decided_at = $4
		WHERE id = $1`

	result, err := r.db.Exec(ctx, query, id, status, actor, decidedAt)
	if err != nil {
		return fmt.Errorf("failed to update proposal decision: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("proposal %s not found", id)
	}
	return nil
}

const selectProposal = `
	SELECT id, kind, signature, expression, favored_edge, evidence,
	       status, created_at, decided_at, decision_actor
	FROM engine_proposals`

func scanProposals(rows pgx.Rows) ([]*models.Proposal, error) {
	var proposals []*models.Proposal
	for rows.Next() {
		p, err := scanProposalRow(rows)
		if err != nil {
			return nil, err
		}
		proposals = append(proposals, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating proposals: %w", err)
	}
	return proposals, nil
}

func scanProposal(row pgx.Row) (*models.Proposal, error) {
	p, err := scanProposalRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return p, nil
}

func scanProposalRow(row pgx.Row) (*models.Proposal, error) {
	var p models.Proposal
	var expression, favoredEdge *string
	var evidence []byte

	err := row.Scan(
		&p.ID, &p.Kind, &p.Signature, &expression, &favoredEdge,
		&evidence, &p.Status, &p.CreatedAt, &p.DecidedAt, &p.DecisionActor,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan proposal: %w", err)
	}

	if expression != nil {
		p.Expression = *expression
	}
	if favoredEdge != nil {
		p.FavoredEdge = *favoredEdge
	}
	if len(evidence) > 0 {
		if err := json.Unmarshal(evidence, &p.Evidence); err != nil {
			return nil, fmt.Errorf("failed to unmarshal evidence: %w", err)
		}
	}
	return &p, nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
