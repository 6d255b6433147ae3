// Package graph implements the in-memory usage graph: Table, JoinEdge and
// Metric nodes with incrementally maintained usage statistics. The store
// has an explicit lifecycle: callers construct it, feed it mutations, and
// tear it down; there is no ambient singleton. Mutations are expected to
// arrive from a single writer (the ingestion pipeline); batch analyses
// read immutable snapshots and never touch live state.
package graph

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lumenlayer/usage-engine/pkg/models"
)

const (
	// maxMetricSamples bounds the sample query ids retained per metric
	// for proposal evidence.
	maxMetricSamples = 10

	// maxLatencySamples bounds the per-edge latency observations kept
	// for the discovery engine's two-sample comparison.
	maxLatencySamples = 512

	// maxUsageTimestamps bounds per-metric usage timestamps kept for
	// window-scoped discovery counts.
	maxUsageTimestamps = 8192
)

type latencySample struct {
	at        time.Time
	latencyMs float64
}

type edgeState struct {
	// mu guards the running average and sample buffer. Many events may
	// touch the same edge; the average update must not lose increments.
	mu      sync.Mutex
	edge    models.JoinEdge
	samples []latencySample
}

type metricState struct {
	metric     models.Metric
	usageTimes []time.Time
}

// Store is the live usage graph. It exclusively owns Table, JoinEdge and
// Metric nodes; discovery and consolidation write only to their own
// registries.
type Store struct {
	mu      sync.RWMutex
	tables  map[string]*models.Table
	edges   map[string]*edgeState
	metrics map[string]*metricState
	applied map[string]struct{}

	now    func() time.Time
	logger *zap.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source, used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates an empty usage graph.
func New(logger *zap.Logger, opts ...Option) *Store {
	s := &Store{
		tables:  make(map[string]*models.Table),
		edges:   make(map[string]*edgeState),
		metrics: make(map[string]*metricState),
		applied: make(map[string]struct{}),
		now:     time.Now,
		logger:  logger.Named("graph"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// MarkEventApplied records the event id in the applied set. Returns false
// when the event was already applied, giving the updater at-most-once
// semantics under at-least-once delivery.
func (s *Store) MarkEventApplied(eventID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.applied[eventID]; dup {
		return false
	}
	s.applied[eventID] = struct{}{}
	return true
}

// EventApplied reports whether the event id has been applied.
func (s *Store) EventApplied(eventID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.applied[eventID]
	return ok
}

// UpsertTable merges a table node by id: created on first reference,
// usage counter and last-seen updated on every call. Returns a copy.
func (s *Store) UpsertTable(id string, seenAt time.Time) models.Table {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tables[id]
	if !ok {
		t = &models.Table{ID: id, FirstSeen: seenAt}
		s.tables[id] = t
	}
	t.UsageCount++
	t.Stale = false
	if seenAt.After(t.LastSeen) {
		t.LastSeen = seenAt
	}
	return *t
}

// SetTableApproxRows refreshes the approximate row count of a table.
// No-op for unknown tables.
func (s *Store) SetTableApproxRows(id string, rows int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tables[id]; ok {
		t.ApproxRows = rows
	}
}

// MarkTableStale flags a table no longer present upstream. Tables are
// never deleted.
func (s *Store) MarkTableStale(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tables[id]; ok {
		t.Stale = true
	}
}

// UpsertJoinEdge merges a join edge keyed by (ordered table pair,
// predicate signature) and feeds it one latency observation. The running
// average is the cumulative average of all observations so far:
//
//	newAvg = oldAvg + (observed - oldAvg) / (count + 1)
//
// computed under the edge's own lock so concurrent observations of the
// same edge never lose updates. Returns a copy of the merged edge.
func (s *Store) UpsertJoinEdge(tableA, tableB, predicateSig string, observedLatencyMs float64, seenAt time.Time) models.JoinEdge {
	key := tableA + "|" + tableB + "|" + predicateSig

	s.mu.Lock()
	es, ok := s.edges[key]
	if !ok {
		es = &edgeState{edge: models.JoinEdge{
			TableA:       tableA,
			TableB:       tableB,
			PredicateSig: predicateSig,
		}}
		s.edges[key] = es
	}
	s.mu.Unlock()

	es.mu.Lock()
	defer es.mu.Unlock()

	es.edge.AvgLatencyMs += (observedLatencyMs - es.edge.AvgLatencyMs) / float64(es.edge.UsageCount+1)
	es.edge.UsageCount++
	if seenAt.After(es.edge.LastUsed) {
		es.edge.LastUsed = seenAt
	}
	es.samples = append(es.samples, latencySample{at: seenAt, latencyMs: observedLatencyMs})
	if len(es.samples) > maxLatencySamples {
		es.samples = es.samples[len(es.samples)-maxLatencySamples:]
	}
	return es.edge
}

// SetJoinConfidenceInterval writes the latency confidence interval
// computed by pattern discovery onto an edge.
func (s *Store) SetJoinConfidenceInterval(edgeKey string, lowMs, highMs float64) {
	s.mu.RLock()
	es, ok := s.edges[edgeKey]
	s.mu.RUnlock()
	if !ok {
		return
	}
	es.mu.Lock()
	es.edge.LatencyCILowMs = lowMs
	es.edge.LatencyCIHighMs = highMs
	es.mu.Unlock()
}

// SetJoinRecommendation writes an approved recommendation weight onto an
// edge for future path-ranking consumers.
func (s *Store) SetJoinRecommendation(edgeKey string, weight float64) {
	s.mu.RLock()
	es, ok := s.edges[edgeKey]
	s.mu.RUnlock()
	if !ok {
		s.logger.Warn("join recommendation for unknown edge", zap.String("edge", edgeKey))
		return
	}
	es.mu.Lock()
	es.edge.RecommendationWeight = weight
	es.mu.Unlock()
}

// UpsertMetric merges a metric node keyed by canonical expression
// signature. A new node starts uncertified, named after its signature
// until a formal name is assigned at certification. Returns a copy.
func (s *Store) UpsertMetric(signature, rawExpr string, seenAt time.Time) models.Metric {
	s.mu.Lock()
	defer s.mu.Unlock()

	ms, ok := s.metrics[signature]
	if !ok {
		ms = &metricState{metric: models.Metric{
			Signature:     signature,
			Name:          signature,
			RawExpr:       rawExpr,
			FirstSeen:     seenAt,
			Certification: models.CertificationUncertified,
		}}
		s.metrics[signature] = ms
	}
	if seenAt.After(ms.metric.LastSeen) {
		ms.metric.LastSeen = seenAt
	}
	return ms.metric
}

// RecordMetricUsage increments a metric's usage counter and retains the
// event id in the bounded evidence sample. No-op for unknown signatures.
func (s *Store) RecordMetricUsage(signature string, ts time.Time, eventID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ms, ok := s.metrics[signature]
	if !ok {
		return
	}
	ms.metric.UsageCount++
	if ts.After(ms.metric.LastSeen) {
		ms.metric.LastSeen = ts
	}
	if len(ms.metric.SampleQueryIDs) < maxMetricSamples {
		ms.metric.SampleQueryIDs = append(ms.metric.SampleQueryIDs, eventID)
	}
	ms.usageTimes = append(ms.usageTimes, ts)
	if len(ms.usageTimes) > maxUsageTimestamps {
		ms.usageTimes = ms.usageTimes[len(ms.usageTimes)-maxUsageTimestamps:]
	}
}

// SetMetricCertification transitions a metric's certification status,
// recording the defining expression and formal name when certifying.
// Returns false for unknown signatures.
func (s *Store) SetMetricCertification(signature, status string, name string, expression *string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	ms, ok := s.metrics[signature]
	if !ok {
		return false
	}
	ms.metric.Certification = status
	if name != "" {
		ms.metric.Name = name
	}
	if expression != nil {
		ms.metric.Expression = expression
	}
	return true
}

// Metric returns a copy of the metric node for the signature.
func (s *Store) Metric(signature string) (models.Metric, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ms, ok := s.metrics[signature]
	if !ok {
		return models.Metric{}, false
	}
	return ms.metric, true
}

// Table returns a copy of the table node for the id.
func (s *Store) Table(id string) (models.Table, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tables[id]
	if !ok {
		return models.Table{}, false
	}
	return *t, true
}

// JoinEdge returns a copy of the edge for the key.
func (s *Store) JoinEdge(key string) (models.JoinEdge, bool) {
	s.mu.RLock()
	es, ok := s.edges[key]
	s.mu.RUnlock()
	if !ok {
		return models.JoinEdge{}, false
	}
	es.mu.Lock()
	defer es.mu.Unlock()
	return es.edge, true
}

// Counts returns the number of tables, edges and metrics in the graph.
func (s *Store) Counts() (tables, edges, metrics int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tables), len(s.edges), len(s.metrics)
}
