package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// Disposition is the broker-facing outcome of handling one message.
type Disposition int

const (
	// DispositionAck acknowledges the message; it is done.
	DispositionAck Disposition = iota
	// DispositionRetry negatively acknowledges; the broker redelivers per
	// the queue's backoff policy.
	DispositionRetry
	// DispositionReject terminates delivery; the message is never retried.
	DispositionReject
)

// Router consumes each configured queue with its own concurrency and retry
// policy and dispatches jobs to registered handlers by event kind.
type Router struct {
	js       jetstream.JetStream
	config   Config
	handlers map[string]map[Kind]Handler
	logger   zerolog.Logger

	mu          sync.Mutex
	running     bool
	consumeCtxs []jetstream.ConsumeContext
	wg          sync.WaitGroup
}

func NewRouter(js jetstream.JetStream, cfg Config, logger zerolog.Logger) *Router {
	return &Router{
		js:       js,
		config:   cfg,
		handlers: make(map[string]map[Kind]Handler),
		logger:   logger,
	}
}

// Register binds a handler to one event kind on one queue. The kind must be
// inside the queue's closed kind set.
func (r *Router) Register(queueName string, kind Kind, h Handler) error {
	if _, ok := r.config.queue(queueName); !ok {
		return fmt.Errorf("queue %q is not configured", queueName)
	}
	if _, err := ParseKind(queueName, string(kind)); err != nil {
		return err
	}
	byKind := r.handlers[queueName]
	if byKind == nil {
		byKind = make(map[Kind]Handler)
		r.handlers[queueName] = byKind
	}
	if _, dup := byKind[kind]; dup {
		return fmt.Errorf("handler for %s on queue %q already registered", kind, queueName)
	}
	byKind[kind] = h
	return nil
}

// Start creates one durable JetStream consumer per queue and begins consuming.
func (r *Router) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return fmt.Errorf("queue router already running")
	}

	stream, err := r.js.Stream(ctx, r.config.Stream)
	if err != nil {
		return fmt.Errorf("get stream %s: %w", r.config.Stream, err)
	}

	for _, q := range r.config.Queues {
		q := q
		consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
			Name:          "settlement-" + q.Name,
			Durable:       "settlement-" + q.Name,
			Description:   fmt.Sprintf("settlement worker consumer for the %s queue", q.Name),
			FilterSubject: fmt.Sprintf("%s.%s.>", r.config.SubjectPrefix, q.Name),
			DeliverPolicy: jetstream.DeliverAllPolicy,
			AckPolicy:     jetstream.AckExplicitPolicy,
			MaxDeliver:    q.MaxDeliver,
			AckWait:       q.AckWait,
			BackOff:       q.Backoff,
			MaxAckPending: q.Concurrency,
			ReplayPolicy:  jetstream.ReplayInstantPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer for queue %s: %w", q.Name, err)
		}

		// Consume invokes the callback serially, so each delivery is handed
		// to a pool bounded at the queue's concurrency. MaxAckPending caps
		// outstanding deliveries at the same size; the payments pool of one
		// preserves strict ordering.
		sem := make(chan struct{}, q.Concurrency)
		cc, err := consumer.Consume(func(msg jetstream.Msg) {
			r.dispatch(ctx, q.Name, sem, msg.Data(), func(d Disposition) {
				switch d {
				case DispositionAck:
					msg.Ack()
				case DispositionRetry:
					msg.Nak()
				case DispositionReject:
					msg.Term()
				}
			})
		})
		if err != nil {
			return fmt.Errorf("start consumer for queue %s: %w", q.Name, err)
		}
		r.consumeCtxs = append(r.consumeCtxs, cc)

		r.logger.Info().
			Str("queue", q.Name).
			Int("concurrency", q.Concurrency).
			Int("max_deliver", q.MaxDeliver).
			Msg("queue consumer started")
	}

	r.running = true
	return nil
}

// Stop drains the consumers and waits for in-flight handlers.
func (r *Router) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return
	}
	for _, cc := range r.consumeCtxs {
		cc.Stop()
	}
	r.wg.Wait()
	r.consumeCtxs = nil
	r.running = false
	r.logger.Info().Msg("queue router stopped")
}

// dispatch runs one delivery on the queue's worker pool. It blocks until a
// slot frees up, then handles the message on its own goroutine and reports
// the disposition through done.
func (r *Router) dispatch(ctx context.Context, queueName string, sem chan struct{}, data []byte, done func(Disposition)) {
	sem <- struct{}{}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() { <-sem }()
		done(r.handleMessage(ctx, queueName, data))
	}()
}

// handleMessage decodes, kind-checks and dispatches one message. It is the
// broker-independent core of the router.
func (r *Router) handleMessage(ctx context.Context, queueName string, data []byte) Disposition {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		r.logger.Error().Err(err).Str("queue", queueName).Msg("rejecting undecodable job")
		return DispositionReject
	}

	logger := r.logger.With().
		Str("queue", queueName).
		Str("event_type", env.EventType).
		Str("idempotency_key", env.IdempotencyKey).
		Logger()

	kind, err := ParseKind(queueName, env.EventType)
	if err != nil {
		logger.Error().Err(err).Msg("rejecting event outside queue allow-list")
		return DispositionReject
	}

	handler := r.handlers[queueName][kind]
	if handler == nil {
		logger.Error().Msg("rejecting event with no registered handler")
		return DispositionReject
	}

	job := Job{
		Kind:           kind,
		AggregateType:  env.AggregateType,
		AggregateID:    env.AggregateID,
		EventVersion:   env.EventVersion,
		IdempotencyKey: env.IdempotencyKey,
		Payload:        env.Payload,
	}
	if err := handler.Handle(ctx, job); err != nil {
		if IsReject(err) {
			logger.Error().Err(err).Msg("job rejected")
			return DispositionReject
		}
		logger.Warn().Err(err).Msg("job failed, leaving to broker retry")
		return DispositionRetry
	}
	return DispositionAck
}
