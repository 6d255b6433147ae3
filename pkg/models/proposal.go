package models

import (
	"time"

	"github.com/google/uuid"
)

// Proposal kind constants.
const (
	ProposalKindNewMetric       = "new_metric"
	ProposalKindDeprecateMetric = "deprecate_metric"
	ProposalKindNewSkill        = "new_skill"
	ProposalKindNewJoinRec      = "new_join_recommendation"
)

// Proposal status constants.
const (
	ProposalStatusPending  = "pending"
	ProposalStatusApproved = "approved"
	ProposalStatusRejected = "rejected"
	ProposalStatusModified = "modified"
)

// ValidDecision reports whether s is a terminal decision value.
func ValidDecision(s string) bool {
	switch s {
	case ProposalStatusApproved, ProposalStatusRejected, ProposalStatusModified:
		return true
	}
	return false
}

// Evidence summarizes the observations backing a proposal.
type Evidence struct {
	EventCount     int      `json:"event_count" yaml:"event_count"`
	Confidence     float64  `json:"confidence" yaml:"confidence"`
	SampleQueryIDs []string `json:"sample_query_ids,omitempty" yaml:"sample_query_ids,omitempty"`

	// Join recommendation evidence: relative speed-up of the favored
	// edge and the confidence interval on the latency difference.
	SpeedupRatio *float64 `json:"speedup_ratio,omitempty" yaml:"speedup_ratio,omitempty"`
	DiffCILowMs  *float64 `json:"diff_ci_low_ms,omitempty" yaml:"diff_ci_low_ms,omitempty"`
	DiffCIHighMs *float64 `json:"diff_ci_high_ms,omitempty" yaml:"diff_ci_high_ms,omitempty"`
}

// Proposal is a pending change to the metric or skill registry. Created by
// pattern discovery when a threshold is crossed; terminal once decided.
type Proposal struct {
	ID   uuid.UUID `json:"id"`
	Kind string    `json:"kind"`

	// Signature is the canonical key the proposal is about: a metric
	// expression signature, a join edge key, or a skill fingerprint.
	// Re-running discovery never creates a duplicate pending proposal
	// for the same signature.
	Signature string `json:"signature"`

	// Expression is the inferred defining expression for new_metric
	// proposals.
	Expression string `json:"expression,omitempty"`

	// FavoredEdge names the faster edge for join recommendations.
	FavoredEdge string `json:"favored_edge,omitempty"`

	Evidence Evidence `json:"evidence"`

	Status        string     `json:"status"`
	CreatedAt     time.Time  `json:"created_at"`
	DecidedAt     *time.Time `json:"decided_at,omitempty"`
	DecisionActor *string    `json:"decision_actor,omitempty"`
}

// Decided reports whether the proposal has reached a terminal status.
func (p *Proposal) Decided() bool {
	return p.Status != ProposalStatusPending
}

// ChangeRecord is emitted to the external metric/code-generation layer
// whenever an approved proposal changes a metric's certified state. The
// engine does not generate SQL, YAML, or any downstream artifact.
type ChangeRecord struct {
	Signature       string   `json:"signature" yaml:"signature"`
	Action          string   `json:"action" yaml:"action"` // "certify" or "deprecate"
	Expression      string   `json:"expression,omitempty" yaml:"expression,omitempty"`
	EvidenceSummary Evidence `json:"evidence_summary" yaml:"evidence_summary"`
}

// Change record action constants.
const (
	ChangeActionCertify   = "certify"
	ChangeActionDeprecate = "deprecate"
)
