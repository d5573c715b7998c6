package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"evolution-crm-bridge/internal/models"
	"evolution-crm-bridge/internal/store"
)

// StoreSink keeps dead letters in the dead_letters table for listing and
// replay.
type StoreSink struct {
	store *store.Store
}

// NewStoreSink creates a new StoreSink.
func NewStoreSink(st *store.Store) (*StoreSink, error) {
	if st == nil {
		return nil, fmt.Errorf("store cannot be nil for StoreSink")
	}
	return &StoreSink{store: st}, nil
}

// DeadLetter saves env as received.
func (s *StoreSink) DeadLetter(ctx context.Context, env models.QueueEnvelope, reason string) error {
	dl := models.NewDeadLetter(env, reason, time.Now().UTC())
	if err := s.store.SaveDeadLetter(ctx, dl); err != nil {
		return err
	}
	log.Warn().
		Str("envelopeID", env.ID).
		Str("event", env.EventKind.String()).
		Str("instance", env.InstanceName).
		Int("retryCount", env.RetryCount).
		Str("reason", reason).
		Msg("Envelope dead-lettered")
	return nil
}

// MultiSink delivers to every sink and succeeds if at least one did.
type MultiSink []DeadLetterSink

// DeadLetter implements DeadLetterSink.
func (m MultiSink) DeadLetter(ctx context.Context, env models.QueueEnvelope, reason string) error {
	var errs []error
	for _, sink := range m {
		if sink == nil {
			continue
		}
		if err := sink.DeadLetter(ctx, env, reason); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 && len(errs) == len(m.nonNil()) {
		return errors.Join(errs...)
	}
	for _, err := range errs {
		log.Error().Err(err).Str("envelopeID", env.ID).Msg("Dead-letter sink failed")
	}
	return nil
}

func (m MultiSink) nonNil() []DeadLetterSink {
	out := make([]DeadLetterSink, 0, len(m))
	for _, sink := range m {
		if sink != nil {
			out = append(out, sink)
		}
	}
	return out
}
