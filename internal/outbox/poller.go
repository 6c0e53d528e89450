package outbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tasklane/settlement/internal/models"
)

// Store is what the poller needs from outbox persistence.
type Store interface {
	EnqueueBatch(ctx context.Context, limit int32, enqueue func(e *models.OutboxEvent) (string, error)) (int, error)
	RequeueFailed(ctx context.Context, before time.Time) (int64, error)
	CountPending(ctx context.Context) (int, error)
}

type Config struct {
	PollInterval     time.Duration
	BatchSize        int32
	SweepInterval    time.Duration
	RetryFailedAfter time.Duration
}

func DefaultConfig() Config {
	return Config{
		PollInterval:     2 * time.Second,
		BatchSize:        100,
		SweepInterval:    time.Minute,
		RetryFailedAfter: 5 * time.Minute,
	}
}

// Poller drains pending outbox rows to the broker and periodically sweeps
// failed rows back to pending. Enqueueing is safe against concurrent pollers
// (SKIP LOCKED) and against crash-between-publish-and-mark (broker message
// id dedup).
type Poller struct {
	store     Store
	publisher EventPublisher
	config    Config
	metrics   MetricsCollector
	logger    zerolog.Logger

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

func NewPoller(store Store, publisher EventPublisher, cfg Config, metrics MetricsCollector, logger zerolog.Logger) *Poller {
	if metrics == nil {
		metrics = NoOpMetricsCollector{}
	}
	return &Poller{
		store:     store,
		publisher: publisher,
		config:    cfg,
		metrics:   metrics,
		logger:    logger.With().Str("component", "outbox_poller").Logger(),
		stopChan:  make(chan struct{}),
	}
}

func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("outbox poller already running")
	}
	p.running = true
	p.mu.Unlock()

	p.wg.Add(1)
	go p.run(ctx)

	p.logger.Info().
		Dur("poll_interval", p.config.PollInterval).
		Int32("batch_size", p.config.BatchSize).
		Msg("outbox poller started")
	return nil
}

func (p *Poller) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return fmt.Errorf("outbox poller not running")
	}
	p.running = false
	p.mu.Unlock()

	close(p.stopChan)
	p.wg.Wait()

	p.logger.Info().Msg("outbox poller stopped")
	return nil
}

// Running reports whether the poll loop is active.
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *Poller) run(ctx context.Context) {
	defer p.wg.Done()

	poll := time.NewTicker(p.config.PollInterval)
	defer poll.Stop()
	sweep := time.NewTicker(p.config.SweepInterval)
	defer sweep.Stop()

	// Drain immediately on start
	p.drain(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopChan:
			return
		case <-poll.C:
			p.drain(ctx)
		case <-sweep.C:
			p.sweepFailed(ctx)
		}
	}
}

func (p *Poller) drain(ctx context.Context) {
	for {
		start := time.Now()
		enqueued, err := p.store.EnqueueBatch(ctx, p.config.BatchSize, func(e *models.OutboxEvent) (string, error) {
			return p.publisher.Publish(ctx, e)
		})
		if err != nil {
			p.logger.Error().Err(err).Msg("failed to enqueue outbox batch")
			return
		}
		p.metrics.RecordBatch(int(p.config.BatchSize), enqueued, time.Since(start))
		if enqueued > 0 {
			p.logger.Debug().Int("enqueued", enqueued).Msg("enqueued outbox events")
		}
		// A full batch means there is probably more waiting.
		if enqueued < int(p.config.BatchSize) {
			break
		}
	}

	if pending, err := p.store.CountPending(ctx); err == nil {
		p.metrics.RecordBacklog(pending)
	}
}

func (p *Poller) sweepFailed(ctx context.Context) {
	cutoff := time.Now().Add(-p.config.RetryFailedAfter)
	requeued, err := p.store.RequeueFailed(ctx, cutoff)
	if err != nil {
		p.logger.Error().Err(err).Msg("failed to requeue failed outbox rows")
		return
	}
	if requeued > 0 {
		p.metrics.RecordRequeued(requeued)
		p.logger.Info().Int64("requeued", requeued).Msg("returned failed outbox rows to pending")
	}
}
