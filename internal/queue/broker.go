// Package queue moves webhook deliveries through a broker so ingestion can
// be retried independently of the HTTP request that carried them.
package queue

import (
	"context"

	"evolution-crm-bridge/internal/models"
)

// Delivery is one envelope handed to a worker. Exactly one of Ack or Nack
// must be called.
type Delivery struct {
	Envelope models.QueueEnvelope
	Ack      func() error
	Nack     func(requeue bool) error
}

// Broker is the transport behind the pipeline. RabbitBroker is the
// production implementation.
type Broker interface {
	Publish(ctx context.Context, env models.QueueEnvelope) error
	Consume(ctx context.Context, prefetch int) (<-chan Delivery, error)
	DeadLetter(ctx context.Context, env models.QueueEnvelope, reason string) error
	Connected() bool
	Close() error
}

// DeadLetterSink receives envelopes that will not be retried.
type DeadLetterSink interface {
	DeadLetter(ctx context.Context, env models.QueueEnvelope, reason string) error
}
