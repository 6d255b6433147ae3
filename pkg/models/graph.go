package models

import (
	"time"
)

// Certification status constants for Metric nodes.
const (
	CertificationUncertified = "uncertified"
	CertificationProposed    = "proposed"
	CertificationCertified   = "certified"
	CertificationDeprecated  = "deprecated"
)

// Table represents a physical or modeled relation in the usage graph.
// Created on first reference, never deleted, only marked stale.
type Table struct {
	ID          string    `json:"id"`
	ApproxRows  int64     `json:"approx_rows"`
	LastSeen    time.Time `json:"last_seen"`
	Stale       bool      `json:"stale"`
	UsageCount  int64     `json:"usage_count"`
	FirstSeen   time.Time `json:"first_seen"`
}

// JoinEdge represents one observed way of joining two tables. Multiple
// edges may exist between the same pair with different predicate
// signatures; they are distinct entities keyed by (pair, predicate sig).
type JoinEdge struct {
	TableA       string    `json:"table_a"`
	TableB       string    `json:"table_b"`
	PredicateSig string    `json:"predicate_sig"`
	UsageCount   int64     `json:"usage_count"`
	AvgLatencyMs float64   `json:"avg_latency_ms"`
	LastUsed     time.Time `json:"last_used"`

	// Confidence interval on latency, refreshed by pattern discovery.
	LatencyCILowMs  float64 `json:"latency_ci_low_ms"`
	LatencyCIHighMs float64 `json:"latency_ci_high_ms"`

	// RecommendationWeight is written when an approved join
	// recommendation favors this edge. Zero means no recommendation.
	RecommendationWeight float64 `json:"recommendation_weight"`
}

// Key returns the natural identity of the edge.
func (e *JoinEdge) Key() string {
	return e.TableA + "|" + e.TableB + "|" + e.PredicateSig
}

// Metric is a named, possibly still-informal computation. At most one
// Metric node exists per canonical expression signature.
type Metric struct {
	Signature     string    `json:"signature"`
	Name          string    `json:"name"`
	Expression    *string   `json:"expression,omitempty"` // nil until certified
	RawExpr       string    `json:"raw_expr"`
	UsageCount    int64     `json:"usage_count"`
	FirstSeen     time.Time `json:"first_seen"`
	LastSeen      time.Time `json:"last_seen"`
	Certification string    `json:"certification"`

	// SampleQueryIDs holds a bounded sample of event ids that computed
	// this metric, carried into proposal evidence.
	SampleQueryIDs []string `json:"sample_query_ids,omitempty"`
}

// TimeWindow bounds a batch analysis. A zero-valued bound is open.
type TimeWindow struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Contains reports whether ts falls inside the window.
func (w TimeWindow) Contains(ts time.Time) bool {
	if !w.From.IsZero() && ts.Before(w.From) {
		return false
	}
	if !w.To.IsZero() && ts.After(w.To) {
		return false
	}
	return true
}
