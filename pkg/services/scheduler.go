package services

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lumenlayer/usage-engine/pkg/config"
	"github.com/lumenlayer/usage-engine/pkg/models"
)

// SchedulerStats exposes background-job health counters.
type SchedulerStats struct {
	DiscoveryRuns      int64     `json:"discovery_runs"`
	TruncatedRuns      int64     `json:"truncated_runs"`
	ConsolidationRuns  int64     `json:"consolidation_runs"`
	LastDiscoveryAt    time.Time `json:"last_discovery_at"`
	LastConsolidation  time.Time `json:"last_consolidation_at"`
	LastError          string    `json:"last_error,omitempty"`
	ProposalsDiscovery int64     `json:"proposals_from_discovery"`
}

// Scheduler drives the periodic batch jobs: pattern discovery and skill
// consolidation run on independent tickers, each bounded by a per-run
// timeout. Overlapping or repeated runs converge because every downstream
// write is an upsert by natural key.
type Scheduler struct {
	discovery    DiscoveryService
	consolidator SkillConsolidator
	discoveryCfg config.DiscoveryConfig
	skillsCfg    config.SkillsConfig
	logger       *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	stats SchedulerStats
}

// NewScheduler creates a Scheduler; Start launches the tickers.
func NewScheduler(
	discovery DiscoveryService,
	consolidator SkillConsolidator,
	discoveryCfg config.DiscoveryConfig,
	skillsCfg config.SkillsConfig,
	logger *zap.Logger,
) *Scheduler {
	return &Scheduler{
		discovery:    discovery,
		consolidator: consolidator,
		discoveryCfg: discoveryCfg,
		skillsCfg:    skillsCfg,
		logger:       logger.Named("scheduler"),
	}
}

// Start launches both job loops.
func (s *Scheduler) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(2)
	go s.runLoop(ctx, s.discoveryCfg.Interval, s.runDiscovery)
	go s.runLoop(ctx, s.skillsCfg.Interval, s.runConsolidation)

	s.logger.Info("scheduler started",
		zap.Duration("discovery_interval", s.discoveryCfg.Interval),
		zap.Duration("consolidation_interval", s.skillsCfg.Interval))
}

// Stop cancels in-flight runs and waits for both loops to exit.
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) runLoop(ctx context.Context, interval time.Duration, job func(context.Context)) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			job(ctx)
		}
	}
}

// RunDiscoveryNow triggers one discovery run outside the schedule, e.g.
// from an operator surface. Uses the same per-run budget.
func (s *Scheduler) RunDiscoveryNow(ctx context.Context) (*DiscoveryResult, error) {
	runCtx, cancel := context.WithTimeout(ctx, s.discoveryCfg.Budget)
	defer cancel()
	return s.discoverOnce(runCtx)
}

func (s *Scheduler) runDiscovery(ctx context.Context) {
	runCtx, cancel := context.WithTimeout(ctx, s.discoveryCfg.Budget)
	defer cancel()

	result, err := s.discoverOnce(runCtx)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.DiscoveryRuns++
	s.stats.LastDiscoveryAt = time.Now()
	if err != nil {
		s.stats.LastError = err.Error()
		s.logger.Error("discovery run failed", zap.Error(err))
		return
	}
	s.stats.ProposalsDiscovery += int64(len(result.Proposals))
	if result.Truncated {
		s.stats.TruncatedRuns++
		s.logger.Warn("discovery run truncated by budget",
			zap.Duration("budget", s.discoveryCfg.Budget))
	}
}

func (s *Scheduler) discoverOnce(ctx context.Context) (*DiscoveryResult, error) {
	now := time.Now()
	window := models.TimeWindow{From: now.Add(-s.discoveryCfg.Lookback), To: now}
	return s.discovery.Discover(ctx, window)
}

func (s *Scheduler) runConsolidation(ctx context.Context) {
	runCtx, cancel := context.WithTimeout(ctx, s.skillsCfg.Budget)
	defer cancel()

	now := time.Now()
	window := models.TimeWindow{From: now.Add(-s.skillsCfg.Lookback), To: now}
	_, err := s.consolidator.Consolidate(runCtx, window)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.ConsolidationRuns++
	s.stats.LastConsolidation = time.Now()
	if err != nil {
		s.stats.LastError = err.Error()
		s.logger.Error("consolidation run failed", zap.Error(err))
	}
}

// Stats returns a copy of the scheduler counters.
func (s *Scheduler) Stats() SchedulerStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}
