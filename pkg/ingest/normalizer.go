// Package ingest validates and canonicalizes raw query-execution records
// into QueryEvents. It does not parse SQL: the feature set (tables, joins,
// metrics, filters) is pre-extracted by the query-execution layer.
package ingest

import (
	"fmt"
	"strings"

	"github.com/lumenlayer/usage-engine/pkg/apperrors"
	"github.com/lumenlayer/usage-engine/pkg/models"
)

// Normalize validates a raw query record and produces an immutable
// QueryEvent with canonical join and metric signatures. Pure function: no
// side effects beyond the returned value.
//
// Required fields: query id, at least one table, timestamp. Violations
// return an error wrapping apperrors.ErrMalformedEvent and the record is
// expected to be dropped with a logged reason, never retried.
func Normalize(raw models.RawQueryRecord) (*models.QueryEvent, error) {
	if strings.TrimSpace(raw.QueryID) == "" {
		return nil, fmt.Errorf("%w: missing query id", apperrors.ErrMalformedEvent)
	}
	if raw.StartedAt.IsZero() {
		return nil, fmt.Errorf("%w: missing timestamp (query %s)", apperrors.ErrMalformedEvent, raw.QueryID)
	}
	if len(raw.Tables) == 0 {
		return nil, fmt.Errorf("%w: no referenced tables (query %s)", apperrors.ErrMalformedEvent, raw.QueryID)
	}
	if raw.DurationMs < 0 {
		return nil, fmt.Errorf("%w: negative duration (query %s)", apperrors.ErrMalformedEvent, raw.QueryID)
	}

	tables := make([]string, 0, len(raw.Tables))
	seen := make(map[string]struct{}, len(raw.Tables))
	for _, t := range raw.Tables {
		id := strings.ToLower(strings.TrimSpace(t))
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		tables = append(tables, id)
	}
	if len(tables) == 0 {
		return nil, fmt.Errorf("%w: no referenced tables (query %s)", apperrors.ErrMalformedEvent, raw.QueryID)
	}

	joins := make([]models.JoinObservation, 0, len(raw.Joins))
	joinSigs := make([]string, 0, len(raw.Joins))
	for _, j := range raw.Joins {
		if strings.TrimSpace(j.Left) == "" || strings.TrimSpace(j.Right) == "" {
			return nil, fmt.Errorf("%w: join with missing table (query %s)", apperrors.ErrMalformedEvent, raw.QueryID)
		}
		a, b := OrderTablePair(j.Left, j.Right)
		sig := CanonicalPredicate(j.Predicate)
		joins = append(joins, models.JoinObservation{TableA: a, TableB: b, PredicateSig: sig})
		joinSigs = append(joinSigs, JoinKey(a, b, sig))
	}

	metrics := make([]models.MetricObservation, 0, len(raw.Metrics))
	metricSigs := make([]string, 0, len(raw.Metrics))
	metricSeen := make(map[string]struct{}, len(raw.Metrics))
	for _, expr := range raw.Metrics {
		if strings.TrimSpace(expr) == "" {
			continue
		}
		sig := CanonicalSignature(expr)
		if _, dup := metricSeen[sig]; dup {
			continue
		}
		metricSeen[sig] = struct{}{}
		metrics = append(metrics, models.MetricObservation{Signature: sig, RawExpr: expr})
		metricSigs = append(metricSigs, sig)
	}

	return &models.QueryEvent{
		ID:          raw.QueryID,
		Principal:   raw.Principal,
		RawQuery:    raw.RawQuery,
		Timestamp:   raw.StartedAt.UTC(),
		DurationMs:  raw.DurationMs,
		RowCount:    raw.RowCount,
		Success:     raw.Success,
		Error:       raw.Error,
		Tables:      tables,
		Joins:       joins,
		Metrics:     metrics,
		Dimensions:  append([]string(nil), raw.Dimensions...),
		Filters:     append([]string(nil), raw.Filters...),
		Fingerprint: Fingerprint(tables, joinSigs, metricSigs),
	}, nil
}
