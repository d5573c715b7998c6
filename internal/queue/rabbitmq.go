package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"

	"evolution-crm-bridge/internal/apperrors"
	"evolution-crm-bridge/internal/models"
)

// RabbitConfig configures RabbitBroker.
type RabbitConfig struct {
	URL             string
	Queue           string
	DeadLetterQueue string
	Timeout         time.Duration
}

// RabbitBroker publishes envelopes to a durable queue whose rejected
// messages are routed to a dead-letter queue.
type RabbitBroker struct {
	cfg RabbitConfig

	mu    sync.Mutex
	conn  *amqp091.Connection
	pubCh *amqp091.Channel
}

// DialRabbit connects and declares both queues.
func DialRabbit(cfg RabbitConfig) (*RabbitBroker, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("RabbitMQ URL cannot be empty")
	}
	if cfg.Queue == "" {
		cfg.Queue = "evolution.events"
	}
	if cfg.DeadLetterQueue == "" {
		cfg.DeadLetterQueue = cfg.Queue + ".dead-letter"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}

	conn, err := amqp091.DialConfig(cfg.URL, amqp091.Config{Dial: amqp091.DefaultDial(cfg.Timeout)})
	if err != nil {
		return nil, fmt.Errorf("could not connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("could not open RabbitMQ channel: %w", err)
	}
	b := &RabbitBroker{cfg: cfg, conn: conn, pubCh: ch}
	if err := b.declare(ch); err != nil {
		conn.Close()
		return nil, err
	}

	log.Info().
		Str("queue", cfg.Queue).
		Str("deadLetterQueue", cfg.DeadLetterQueue).
		Msg("RabbitMQ connection established")
	return b, nil
}

func (b *RabbitBroker) declare(ch *amqp091.Channel) error {
	if _, err := ch.QueueDeclare(b.cfg.DeadLetterQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("could not declare queue %s: %w", b.cfg.DeadLetterQueue, err)
	}
	args := amqp091.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": b.cfg.DeadLetterQueue,
	}
	if _, err := ch.QueueDeclare(b.cfg.Queue, true, false, false, false, args); err != nil {
		return fmt.Errorf("could not declare queue %s: %w", b.cfg.Queue, err)
	}
	return nil
}

// Publish sends env to the work queue with persistent delivery.
func (b *RabbitBroker) Publish(ctx context.Context, env models.QueueEnvelope) error {
	return b.publish(ctx, b.cfg.Queue, env, nil)
}

// DeadLetter sends env unchanged to the dead-letter queue, with the reason
// in a header.
func (b *RabbitBroker) DeadLetter(ctx context.Context, env models.QueueEnvelope, reason string) error {
	return b.publish(ctx, b.cfg.DeadLetterQueue, env, amqp091.Table{"x-failure-reason": reason})
}

func (b *RabbitBroker) publish(ctx context.Context, queueName string, env models.QueueEnvelope, headers amqp091.Table) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope %s: %w", env.ID, err)
	}

	ctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pubCh == nil || b.pubCh.IsClosed() {
		return apperrors.DownstreamTimeout(amqp091.ErrClosed, "RabbitMQ channel is closed")
	}
	err = b.pubCh.PublishWithContext(ctx, "", queueName, false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    env.ID,
		Timestamp:    env.EnqueuedAt,
		Type:         env.EventKind.String(),
		Headers:      headers,
		Body:         body,
	})
	if err != nil {
		log.Error().Err(err).Str("queue", queueName).Str("envelopeID", env.ID).Msg("Could not publish to RabbitMQ")
		return apperrors.DownstreamTimeout(err, "failed to publish to "+queueName)
	}
	log.Debug().Str("queue", queueName).Str("envelopeID", env.ID).Msg("Published envelope to RabbitMQ")
	return nil
}

// Consume opens a dedicated channel with the given prefetch and streams
// decoded envelopes until ctx is done. Bodies that are not envelopes are
// rejected straight to the dead-letter queue.
func (b *RabbitBroker) Consume(ctx context.Context, prefetch int) (<-chan Delivery, error) {
	if prefetch < 1 {
		prefetch = 1
	}
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil || conn.IsClosed() {
		return nil, fmt.Errorf("RabbitMQ connection is closed")
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("could not open consumer channel: %w", err)
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("could not set prefetch: %w", err)
	}
	msgs, err := ch.Consume(b.cfg.Queue, "", false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("could not consume %s: %w", b.cfg.Queue, err)
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		defer ch.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					log.Warn().Str("queue", b.cfg.Queue).Msg("RabbitMQ delivery channel closed")
					return
				}
				var env models.QueueEnvelope
				if err := json.Unmarshal(msg.Body, &env); err != nil {
					log.Error().Err(err).Str("messageID", msg.MessageId).Msg("Rejecting undecodable envelope")
					_ = msg.Nack(false, false)
					continue
				}
				d := Delivery{
					Envelope: env,
					Ack:      func() error { return msg.Ack(false) },
					Nack:     func(requeue bool) error { return msg.Nack(false, requeue) },
				}
				select {
				case out <- d:
				case <-ctx.Done():
					_ = msg.Nack(false, true)
					return
				}
			}
		}
	}()
	return out, nil
}

// Connected reports whether the connection is open.
func (b *RabbitBroker) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn != nil && !b.conn.IsClosed()
}

// Close closes the publishing channel and the connection.
func (b *RabbitBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return nil
	}
	if b.pubCh != nil {
		_ = b.pubCh.Close()
	}
	err := b.conn.Close()
	b.conn, b.pubCh = nil, nil
	return err
}
