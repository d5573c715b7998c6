package queue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"evolution-crm-bridge/internal/apperrors"
	"evolution-crm-bridge/internal/models"
	"evolution-crm-bridge/internal/retry"
)

// Handler processes one envelope.
type Handler func(ctx context.Context, env models.QueueEnvelope) error

// Config tunes the worker pool.
type Config struct {
	Concurrency int
	Policy      retry.Policy
	// Timeout bounds a single handler invocation.
	Timeout time.Duration
}

// Stats is a snapshot of the pipeline counters.
type Stats struct {
	Enabled          bool  `json:"enabled"`
	Connected        bool  `json:"connected"`
	Concurrency      int   `json:"concurrency"`
	MaxAttempts      int   `json:"maxAttempts"`
	InitialBackoffMs int64 `json:"initialBackoffMs"`
	MaxBackoffMs     int64 `json:"maxBackoffMs"`
	Enqueued         int64 `json:"enqueued"`
	InFlight         int64 `json:"inFlight"`
	Acknowledged     int64 `json:"acknowledged"`
	Requeued         int64 `json:"requeued"`
	DeadLettered     int64 `json:"deadLettered"`
	Synchronous      int64 `json:"synchronous"`
}

// Pipeline runs envelopes through a handler, either via the broker and a
// worker pool or inline when no broker is configured.
type Pipeline struct {
	broker  Broker
	handler Handler
	sink    DeadLetterSink
	cfg     Config

	enqueued     atomic.Int64
	inFlight     atomic.Int64
	acknowledged atomic.Int64
	requeued     atomic.Int64
	deadLettered atomic.Int64
	synchronous  atomic.Int64
	consumerDown atomic.Bool
}

// NewPipeline creates a new Pipeline. broker may be nil for synchronous
// ingestion; sink may be nil when only the broker's dead-letter queue is used.
func NewPipeline(broker Broker, handler Handler, sink DeadLetterSink, cfg Config) (*Pipeline, error) {
	if handler == nil {
		return nil, fmt.Errorf("handler cannot be nil for Pipeline")
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if sink == nil && broker != nil {
		sink = broker
	}
	if broker == nil {
		log.Warn().Msg("No broker configured, webhook deliveries are processed synchronously")
	}
	return &Pipeline{broker: broker, handler: handler, sink: sink, cfg: cfg}, nil
}

// NewEnvelope fills in the id and enqueue time of env when missing.
func NewEnvelope(env models.QueueEnvelope) models.QueueEnvelope {
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	if env.EnqueuedAt.IsZero() {
		env.EnqueuedAt = time.Now().UTC()
	}
	return env
}

// Async reports whether deliveries go through the broker: it is connected
// and its consumer has not stopped.
func (p *Pipeline) Async() bool {
	return p.broker != nil && !p.consumerDown.Load() && p.broker.Connected()
}

// Enqueue publishes env to the broker.
func (p *Pipeline) Enqueue(ctx context.Context, env models.QueueEnvelope) error {
	if p.broker == nil {
		return fmt.Errorf("no broker configured")
	}
	if err := p.broker.Publish(ctx, env); err != nil {
		return err
	}
	p.enqueued.Add(1)
	return nil
}

// Submit enqueues env when the broker is reachable and otherwise runs the
// handler inline. queued reports which path was taken; err is the handler's
// error on the inline path.
func (p *Pipeline) Submit(ctx context.Context, env models.QueueEnvelope) (queued bool, err error) {
	env = NewEnvelope(env)
	if p.Async() {
		err := p.Enqueue(ctx, env)
		if err == nil {
			return true, nil
		}
		log.Warn().Err(err).Str("envelopeID", env.ID).Msg("Enqueue failed, processing delivery synchronously")
	}
	p.synchronous.Add(1)
	return false, p.handler(ctx, env)
}

// Run consumes from the broker with Concurrency workers until ctx is done.
// When the consumer stops while ctx is live it is re-opened with the
// policy's backoff; Submit processes deliveries inline in the meantime.
func (p *Pipeline) Run(ctx context.Context) error {
	if p.broker == nil {
		return fmt.Errorf("no broker configured")
	}
	failures := 0
	for {
		deliveries, err := p.broker.Consume(ctx, p.cfg.Concurrency)
		if err == nil {
			failures = 0
			p.consumerDown.Store(false)
			p.work(ctx, deliveries)
		}
		if ctx.Err() != nil {
			log.Info().Msg("Queue workers stopped")
			return nil
		}

		p.consumerDown.Store(true)
		failures++
		delay := p.cfg.Policy.Delay(failures)
		if err != nil {
			log.Error().Err(err).Dur("delay", delay).Msg("Failed to start queue consumer, processing deliveries synchronously")
		} else {
			log.Warn().Dur("delay", delay).Msg("Queue consumer stopped, processing deliveries synchronously until it resumes")
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// work drains deliveries with the worker pool and returns once the channel
// is closed.
func (p *Pipeline) work(ctx context.Context, deliveries <-chan Delivery) {
	log.Info().Int("workers", p.cfg.Concurrency).Int("maxAttempts", p.cfg.Policy.Attempts()).Msg("Queue workers started")
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for d := range deliveries {
				p.handle(ctx, d)
			}
			log.Debug().Int("worker", worker).Msg("Queue worker stopped")
		}(i)
	}
	wg.Wait()
}

func (p *Pipeline) handle(ctx context.Context, d Delivery) {
	p.inFlight.Add(1)
	defer p.inFlight.Add(-1)

	env := d.Envelope
	logger := log.With().
		Str("envelopeID", env.ID).
		Str("event", env.EventKind.String()).
		Str("instance", env.InstanceName).
		Int("retryCount", env.RetryCount).
		Logger()

	hctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	err := p.handler(hctx, env)
	cancel()
	if err == nil {
		p.ack(d)
		p.acknowledged.Add(1)
		return
	}

	if !apperrors.IsRetryable(err) || p.cfg.Policy.Exhausted(env.RetryCount) {
		logger.Error().Err(err).Str("code", apperrors.TextCode(err)).Msg("Envelope failed permanently, dead-lettering")
		p.deadLetter(ctx, d, err.Error())
		return
	}

	delay := p.cfg.Policy.Delay(env.RetryCount + 1)
	logger.Warn().Err(err).Dur("delay", delay).Msg("Envelope failed, requeueing")
	timer := time.NewTimer(delay)
	select {
	case <-ctx.Done():
		timer.Stop()
		p.nack(d, true)
		return
	case <-timer.C:
	}

	next := env
	next.RetryCount++
	if err := p.broker.Publish(ctx, next); err != nil {
		logger.Error().Err(err).Msg("Failed to republish envelope, returning it to the broker")
		p.nack(d, true)
		return
	}
	p.ack(d)
	p.requeued.Add(1)
}

// deadLetter hands the envelope as received to the sink. If the sink fails
// the delivery is rejected so the broker's own dead-letter routing keeps it.
func (p *Pipeline) deadLetter(ctx context.Context, d Delivery, reason string) {
	if p.sink == nil {
		p.nack(d, false)
		p.deadLettered.Add(1)
		return
	}
	if err := p.sink.DeadLetter(ctx, d.Envelope, reason); err != nil {
		log.Error().Err(err).Str("envelopeID", d.Envelope.ID).Msg("Dead-letter sink failed, rejecting delivery")
		p.nack(d, false)
	} else {
		p.ack(d)
	}
	p.deadLettered.Add(1)
}

func (p *Pipeline) ack(d Delivery) {
	if d.Ack == nil {
		return
	}
	if err := d.Ack(); err != nil {
		log.Error().Err(err).Str("envelopeID", d.Envelope.ID).Msg("Failed to ack delivery")
	}
}

func (p *Pipeline) nack(d Delivery, requeue bool) {
	if d.Nack == nil {
		return
	}
	if err := d.Nack(requeue); err != nil {
		log.Error().Err(err).Str("envelopeID", d.Envelope.ID).Msg("Failed to nack delivery")
	}
}

// Stats returns the current counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Enabled:          p.broker != nil,
		Connected:        p.Async(),
		Concurrency:      p.cfg.Concurrency,
		MaxAttempts:      p.cfg.Policy.Attempts(),
		InitialBackoffMs: p.cfg.Policy.Delay(1).Milliseconds(),
		MaxBackoffMs:     p.cfg.Policy.Delay(64).Milliseconds(),
		Enqueued:         p.enqueued.Load(),
		InFlight:         p.inFlight.Load(),
		Acknowledged:     p.acknowledged.Load(),
		Requeued:         p.requeued.Load(),
		DeadLettered:     p.deadLettered.Load(),
		Synchronous:      p.synchronous.Load(),
	}
}
