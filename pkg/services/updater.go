package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/lumenlayer/usage-engine/pkg/graph"
	"github.com/lumenlayer/usage-engine/pkg/models"
	"github.com/lumenlayer/usage-engine/pkg/repositories"
	"github.com/lumenlayer/usage-engine/pkg/retry"
)

// ApplyResult summarizes the graph mutations performed for one event.
type ApplyResult struct {
	Duplicate bool `json:"duplicate"`
	Tables    int  `json:"tables"`
	Edges     int  `json:"edges"`
	Metrics   int  `json:"metrics"`
}

// UpdaterStats exposes updater counters to the observability surface.
type UpdaterStats struct {
	Applied      int64  `json:"applied"`
	Duplicates   int64  `json:"duplicates"`
	DeadLettered int64  `json:"dead_lettered"`
	LastError    string `json:"last_error,omitempty"`
}

// GraphUpdater applies normalized QueryEvents to the usage graph, at most
// once per event id. Log-append failures are retried with bounded backoff
// and then parked in the dead-letter registry; updates are never silently
// dropped.
type GraphUpdater interface {
	Apply(ctx context.Context, event *models.QueryEvent) (ApplyResult, error)

	// Replay rebuilds the in-memory graph from the append-only event log.
	Replay(ctx context.Context) (int, error)

	Stats() UpdaterStats
}

type graphUpdater struct {
	store      *graph.Store
	log        repositories.GraphLogRepository
	deadLetter repositories.DeadLetterRepository
	retryCfg   *retry.Config
	logger     *zap.Logger

	mu    sync.Mutex
	stats UpdaterStats
}

// NewGraphUpdater creates a GraphUpdater. retryCfg may be nil for defaults.
func NewGraphUpdater(
	store *graph.Store,
	log repositories.GraphLogRepository,
	deadLetter repositories.DeadLetterRepository,
	retryCfg *retry.Config,
	logger *zap.Logger,
) GraphUpdater {
	return &graphUpdater{
		store:      store,
		log:        log,
		deadLetter: deadLetter,
		retryCfg:   retryCfg,
		logger:     logger.Named("graph-updater"),
	}
}

var _ GraphUpdater = (*graphUpdater)(nil)

func (u *graphUpdater) Apply(ctx context.Context, event *models.QueryEvent) (ApplyResult, error) {
	if u.store.EventApplied(event.ID) {
		u.mu.Lock()
		u.stats.Duplicates++
		u.mu.Unlock()
		return ApplyResult{Duplicate: true}, nil
	}

	// Durability first: the event must be in the log before the graph
	// reflects it, so a crash between the two is repaired by replay.
	err := retry.DoIfRetryable(ctx, u.retryCfg, func() error {
		return u.log.Append(ctx, event)
	})
	if err != nil {
		u.park(ctx, event, err)
		return ApplyResult{}, fmt.Errorf("failed to log event %s: %w", event.ID, err)
	}

	if !u.store.MarkEventApplied(event.ID) {
		u.mu.Lock()
		u.stats.Duplicates++
		u.mu.Unlock()
		return ApplyResult{Duplicate: true}, nil
	}

	result := u.mutate(event)

	u.mu.Lock()
	u.stats.Applied++
	u.mu.Unlock()

	u.logger.Debug("event applied",
		zap.String("event_id", event.ID),
		zap.Int("tables", result.Tables),
		zap.Int("edges", result.Edges),
		zap.Int("metrics", result.Metrics))

	return result, nil
}

// mutate performs the in-memory graph upserts for one event.
func (u *graphUpdater) mutate(event *models.QueryEvent) ApplyResult {
	var result ApplyResult

	for _, table := range event.Tables {
		u.store.UpsertTable(table, event.Timestamp)
		result.Tables++
	}
	for _, join := range event.Joins {
		u.store.UpsertJoinEdge(join.TableA, join.TableB, join.PredicateSig,
			float64(event.DurationMs), event.Timestamp)
		result.Edges++
	}
	for _, metric := range event.Metrics {
		u.store.UpsertMetric(metric.Signature, metric.RawExpr, event.Timestamp)
		u.store.RecordMetricUsage(metric.Signature, event.Timestamp, event.ID)
		result.Metrics++
	}
	return result
}

func (u *graphUpdater) Replay(ctx context.Context) (int, error) {
	replayed := 0
	err := u.log.Replay(ctx, func(event *models.QueryEvent) error {
		if !u.store.MarkEventApplied(event.ID) {
			return nil
		}
		u.mutate(event)
		replayed++
		return nil
	})
	if err != nil {
		return replayed, fmt.Errorf("graph replay failed: %w", err)
	}
	u.logger.Info("graph rebuilt from event log", zap.Int("events", replayed))
	return replayed, nil
}

func (u *graphUpdater) park(ctx context.Context, event *models.QueryEvent, cause error) {
	payload, err := json.Marshal(event)
	if err != nil {
		payload = []byte(fmt.Sprintf(`{"id":%q}`, event.ID))
	}

	letter := &models.DeadLetter{
		EventID:  event.ID,
		Payload:  payload,
		Reason:   cause.Error(),
		Attempts: u.retryCfg.MaxRetriesOrDefault(),
	}
	if err := u.deadLetter.Park(ctx, letter); err != nil {
		u.logger.Error("failed to park dead letter; event lost from registries but still logged",
			zap.String("event_id", event.ID),
			zap.Error(err))
	}

	u.mu.Lock()
	u.stats.DeadLettered++
	u.stats.LastError = cause.Error()
	u.mu.Unlock()

	u.logger.Error("event dead-lettered after retries",
		zap.String("event_id", event.ID),
		zap.Error(cause))
}

func (u *graphUpdater) Stats() UpdaterStats {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.stats
}
