package outbox

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/tasklane/settlement/internal/models"
)

// MetricsCollector receives delivery-pipeline measurements.
type MetricsCollector interface {
	RecordEventEnqueued(eventType string, success bool, duration time.Duration)
	RecordBatch(count int, enqueued int, duration time.Duration)
	RecordBacklog(pending int)
	RecordRequeued(count int64)
}

// NoOpMetricsCollector is used when metrics aren't wired.
type NoOpMetricsCollector struct{}

func (NoOpMetricsCollector) RecordEventEnqueued(eventType string, success bool, duration time.Duration) {
}
func (NoOpMetricsCollector) RecordBatch(count int, enqueued int, duration time.Duration) {}
func (NoOpMetricsCollector) RecordBacklog(pending int)                                  {}
func (NoOpMetricsCollector) RecordRequeued(count int64)                                 {}

// LogMetricsCollector emits pipeline measurements as structured log events.
// Deployed builds swap in a real metrics backend the same way the providers
// swap in real adapters.
type LogMetricsCollector struct {
	logger zerolog.Logger
}

func NewLogMetricsCollector(logger zerolog.Logger) *LogMetricsCollector {
	return &LogMetricsCollector{logger: logger.With().Str("component", "outbox_metrics").Logger()}
}

func (c *LogMetricsCollector) RecordEventEnqueued(eventType string, success bool, duration time.Duration) {
	c.logger.Debug().
		Str("event_type", eventType).
		Bool("success", success).
		Dur("duration", duration).
		Msg("event enqueued")
}

func (c *LogMetricsCollector) RecordBatch(count int, enqueued int, duration time.Duration) {
	c.logger.Debug().
		Int("count", count).
		Int("enqueued", enqueued).
		Dur("duration", duration).
		Msg("batch drained")
}

func (c *LogMetricsCollector) RecordBacklog(pending int) {
	c.logger.Debug().Int("pending", pending).Msg("outbox backlog")
}

func (c *LogMetricsCollector) RecordRequeued(count int64) {
	c.logger.Debug().Int64("count", count).Msg("failed rows requeued")
}

// InstrumentedPublisher wraps an EventPublisher with per-event measurements.
type InstrumentedPublisher struct {
	publisher EventPublisher
	metrics   MetricsCollector
}

func NewInstrumentedPublisher(publisher EventPublisher, metrics MetricsCollector) *InstrumentedPublisher {
	return &InstrumentedPublisher{publisher: publisher, metrics: metrics}
}

func (p *InstrumentedPublisher) Publish(ctx context.Context, e *models.OutboxEvent) (string, error) {
	start := time.Now()
	jobID, err := p.publisher.Publish(ctx, e)
	p.metrics.RecordEventEnqueued(e.EventType, err == nil, time.Since(start))
	return jobID, err
}
