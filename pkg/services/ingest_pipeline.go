package services

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/lumenlayer/usage-engine/pkg/apperrors"
	"github.com/lumenlayer/usage-engine/pkg/config"
	"github.com/lumenlayer/usage-engine/pkg/ingest"
	"github.com/lumenlayer/usage-engine/pkg/models"
)

// PipelineStats exposes ingestion counters to the observability surface.
type PipelineStats struct {
	Submitted int64  `json:"submitted"`
	Malformed int64  `json:"malformed"`
	Rejected  int64  `json:"rejected"`
	LastError string `json:"last_error,omitempty"`
}

// IngestPipeline serializes concurrently-arriving raw query records
// through a bounded queue into the single graph writer. Producers call
// Submit from any goroutine; exactly one goroutine drains the queue and
// applies events, which removes the need for fine-grained locking in the
// graph beyond the per-edge average update.
type IngestPipeline struct {
	queue   chan models.RawQueryRecord
	stopCh  chan struct{}
	updater GraphUpdater
	cfg     config.IngestConfig
	logger  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	stats   PipelineStats
	started bool
	stopped bool
}

// NewIngestPipeline creates a pipeline with a queue bounded by
// cfg.QueueSize.
func NewIngestPipeline(updater GraphUpdater, cfg config.IngestConfig, logger *zap.Logger) *IngestPipeline {
	ctx, cancel := context.WithCancel(context.Background())
	return &IngestPipeline{
		queue:   make(chan models.RawQueryRecord, cfg.QueueSize),
		stopCh:  make(chan struct{}),
		updater: updater,
		cfg:     cfg,
		logger:  logger.Named("ingest-pipeline"),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start launches the single writer goroutine. Safe to call once.
func (p *IngestPipeline) Start() {
	p.mu.Lock()
	if p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	p.wg.Add(1)
	go p.drain()
	p.logger.Info("ingestion pipeline started", zap.Int("queue_size", p.cfg.QueueSize))
}

// Stop prevents further submissions, releases producers blocked in
// Submit, drains the queue, and waits for the writer to finish.
func (p *IngestPipeline) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	started := p.started
	p.mu.Unlock()

	// The queue channel is never closed: a producer may be mid-send.
	// Closing stopCh unblocks those sends with ErrPipelineStopped and
	// tells the writer to finish the remaining records.
	close(p.stopCh)
	if started {
		p.wg.Wait()
	}
	p.cancel()
	p.logger.Info("ingestion pipeline stopped")
}

// Submit enqueues one raw record. When the queue is full the call blocks
// until space is available or ctx is done (BlockWhenFull), or returns
// apperrors.ErrQueueFull immediately. Returns apperrors.ErrPipelineStopped
// after Stop.
func (p *IngestPipeline) Submit(ctx context.Context, raw models.RawQueryRecord) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return apperrors.ErrPipelineStopped
	}
	p.mu.Unlock()

	if p.cfg.BlockWhenFull {
		select {
		case p.queue <- raw:
		case <-ctx.Done():
			return ctx.Err()
		case <-p.stopCh:
			return apperrors.ErrPipelineStopped
		}
	} else {
		select {
		case p.queue <- raw:
		default:
			p.mu.Lock()
			p.stats.Rejected++
			p.mu.Unlock()
			return apperrors.ErrQueueFull
		}
	}

	p.mu.Lock()
	p.stats.Submitted++
	p.mu.Unlock()
	return nil
}

// drain is the single writer loop. On stop it finishes whatever is
// already enqueued before returning.
func (p *IngestPipeline) drain() {
	defer p.wg.Done()

	for {
		select {
		case raw := <-p.queue:
			p.process(raw)
		case <-p.stopCh:
			for {
				select {
				case raw := <-p.queue:
					p.process(raw)
				default:
					return
				}
			}
		}
	}
}

// process normalizes and applies one record. Malformed records are
// dropped with a logged reason and never retried; apply errors are
// already retried and dead-lettered by the updater, so a single bad
// event never stops the pipeline.
func (p *IngestPipeline) process(raw models.RawQueryRecord) {
	event, err := ingest.Normalize(raw)
	if err != nil {
		if errors.Is(err, apperrors.ErrMalformedEvent) {
			p.mu.Lock()
			p.stats.Malformed++
			p.stats.LastError = err.Error()
			p.mu.Unlock()
			p.logger.Warn("dropping malformed event",
				zap.String("query_id", raw.QueryID),
				zap.Error(err))
			return
		}
		p.logger.Error("unexpected normalization failure",
			zap.String("query_id", raw.QueryID),
			zap.Error(err))
		return
	}

	if _, err := p.updater.Apply(p.ctx, event); err != nil {
		p.mu.Lock()
		p.stats.LastError = err.Error()
		p.mu.Unlock()
	}
}

// Stats returns a copy of the pipeline counters.
func (p *IngestPipeline) Stats() PipelineStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// QueueDepth returns the number of records waiting in the queue.
func (p *IngestPipeline) QueueDepth() int {
	return len(p.queue)
}
