package models

import (
	"time"
)

// JoinRef describes one observed join between two tables as reported by the
// query-execution layer. Left/Right are table identifiers; Predicate is the
// raw join predicate text before canonicalization.
type JoinRef struct {
	Left      string `json:"left"`
	Right     string `json:"right"`
	Predicate string `json:"predicate"`
}

// RawQueryRecord is the boundary contract with the query-execution layer:
// one record per completed (successful or failed) query, with the feature
// set pre-extracted upstream. The engine never parses SQL text itself.
type RawQueryRecord struct {
	QueryID    string    `json:"query_id"`
	Principal  string    `json:"principal"`
	RawQuery   string    `json:"raw_query"`
	StartedAt  time.Time `json:"started_at"`
	DurationMs int64     `json:"duration_ms"`
	RowCount   *int64    `json:"row_count,omitempty"`
	Success    bool      `json:"success"`
	Error      *string   `json:"error,omitempty"`

	Tables     []string  `json:"tables"`
	Joins      []JoinRef `json:"joins"`
	Metrics    []string  `json:"metrics"`
	Dimensions []string  `json:"dimensions"`
	Filters    []string  `json:"filters"`
}

// JoinObservation is a canonicalized join from a normalized event.
// TableA/TableB are ordered lexically so the pair is undirected, and
// PredicateSig is the canonical predicate signature.
type JoinObservation struct {
	TableA       string `json:"table_a"`
	TableB       string `json:"table_b"`
	PredicateSig string `json:"predicate_sig"`
}

// MetricObservation is a canonicalized metric expression from a normalized
// event. Signature is the canonical expression signature used as the Metric
// node key; RawExpr preserves the original text for review surfaces.
type MetricObservation struct {
	Signature string `json:"signature"`
	RawExpr   string `json:"raw_expr"`
}

// QueryEvent is one executed query after validation and canonicalization.
// Immutable once created; consumed exactly once by the graph updater.
type QueryEvent struct {
	ID         string    `json:"id"`
	Principal  string    `json:"principal"`
	RawQuery   string    `json:"raw_query"`
	Timestamp  time.Time `json:"timestamp"`
	DurationMs int64     `json:"duration_ms"`
	RowCount   *int64    `json:"row_count,omitempty"`
	Success    bool      `json:"success"`
	Error      *string   `json:"error,omitempty"`

	Tables     []string            `json:"tables"`
	Joins      []JoinObservation   `json:"joins"`
	Metrics    []MetricObservation `json:"metrics"`
	Dimensions []string            `json:"dimensions"`
	Filters    []string            `json:"filters"`

	// Fingerprint is the structural fingerprint (table set + join set +
	// metric set, parameters abstracted) used by skill consolidation.
	Fingerprint string `json:"fingerprint"`
}
