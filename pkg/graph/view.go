package graph

import (
	"sort"
	"time"

	"github.com/lumenlayer/usage-engine/pkg/models"
)

// MetricView is a metric node plus its usage count restricted to the
// snapshot window.
type MetricView struct {
	models.Metric
	WindowUsage int64
}

// EdgeView is a join edge plus the latency observations that fall inside
// the snapshot window, in observation order.
type EdgeView struct {
	models.JoinEdge
	Latencies []float64
}

// View is an immutable point-in-time snapshot of the usage graph. Batch
// analyses read views so they never block or race with the live writer.
// Entries are sorted by natural identifier for deterministic iteration.
type View struct {
	AsOf    time.Time
	Window  models.TimeWindow
	Tables  []models.Table
	Edges   []EdgeView
	Metrics []MetricView
}

// Snapshot copies the graph into an immutable View scoped to the given
// window. Window-scoped statistics (metric usage, edge latencies) count
// only observations inside the window; node-level counters keep their
// lifetime values.
func (s *Store) Snapshot(window models.TimeWindow) *View {
	v := &View{
		AsOf:   s.now(),
		Window: window,
	}

	s.mu.RLock()
	tables := make([]*models.Table, 0, len(s.tables))
	for _, t := range s.tables {
		tables = append(tables, t)
	}
	edges := make([]*edgeState, 0, len(s.edges))
	for _, es := range s.edges {
		edges = append(edges, es)
	}
	metrics := make([]*metricState, 0, len(s.metrics))
	for _, ms := range s.metrics {
		metrics = append(metrics, ms)
	}

	v.Tables = make([]models.Table, 0, len(tables))
	for _, t := range tables {
		v.Tables = append(v.Tables, *t)
	}

	v.Metrics = make([]MetricView, 0, len(metrics))
	for _, ms := range metrics {
		mv := MetricView{Metric: ms.metric}
		mv.SampleQueryIDs = append([]string(nil), ms.metric.SampleQueryIDs...)
		for _, ts := range ms.usageTimes {
			if window.Contains(ts) {
				mv.WindowUsage++
			}
		}
		v.Metrics = append(v.Metrics, mv)
	}
	s.mu.RUnlock()

	// Edge state has its own lock; copy outside the store lock.
	v.Edges = make([]EdgeView, 0, len(edges))
	for _, es := range edges {
		es.mu.Lock()
		ev := EdgeView{JoinEdge: es.edge}
		for _, sample := range es.samples {
			if window.Contains(sample.at) {
				ev.Latencies = append(ev.Latencies, sample.latencyMs)
			}
		}
		es.mu.Unlock()
		v.Edges = append(v.Edges, ev)
	}

	sort.Slice(v.Tables, func(i, j int) bool { return v.Tables[i].ID < v.Tables[j].ID })
	sort.Slice(v.Edges, func(i, j int) bool { return v.Edges[i].Key() < v.Edges[j].Key() })
	sort.Slice(v.Metrics, func(i, j int) bool { return v.Metrics[i].Signature < v.Metrics[j].Signature })

	return v
}

// EdgeGroups returns window-scoped edges grouped by table pair, keeping
// only groups with at least two alternative predicates. Group keys are
// sorted for deterministic iteration.
func (v *View) EdgeGroups() [][]EdgeView {
	byPair := make(map[string][]EdgeView)
	for _, e := range v.Edges {
		pair := e.TableA + "|" + e.TableB
		byPair[pair] = append(byPair[pair], e)
	}

	keys := make([]string, 0, len(byPair))
	for k, group := range byPair {
		if len(group) >= 2 {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	groups := make([][]EdgeView, 0, len(keys))
	for _, k := range keys {
		groups = append(groups, byPair[k])
	}
	return groups
}
