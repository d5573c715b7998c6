package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"evolution-crm-bridge/internal/apperrors"
	"evolution-crm-bridge/internal/models"
	"evolution-crm-bridge/internal/normalizer"
	"evolution-crm-bridge/internal/store"
)

// WriteInput is one normalized message ready to persist.
type WriteInput struct {
	InstanceName    string
	ExternalID      string
	Ticket          *models.Ticket
	Customer        *models.Customer
	Participant     string
	Direction       models.Direction
	Message         normalizer.Message
	SourceTimestamp time.Time
	AckStatus       string
}

// Writer persists messages together with their ticket bump.
type Writer struct {
	store *store.Store
	now   func() time.Time
}

// NewWriter creates a new Writer.
func NewWriter(st *store.Store) (*Writer, error) {
	if st == nil {
		return nil, fmt.Errorf("store cannot be nil for Writer")
	}
	return &Writer{store: st, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Write stores the message. written is false when the message already
// existed, in which case nothing changed and the returned record is nil.
func (w *Writer) Write(ctx context.Context, in WriteInput) (*models.Message, bool, error) {
	if in.Ticket == nil || in.Customer == nil {
		return nil, false, fmt.Errorf("ticket and customer are required to write message %s", in.ExternalID)
	}

	now := w.now()
	rec := models.Message{
		ID:              uuid.NewString(),
		InstanceName:    in.InstanceName,
		ExternalID:      in.ExternalID,
		TicketID:        in.Ticket.ID,
		SenderID:        in.Customer.ID,
		Participant:     in.Participant,
		Direction:       in.Direction,
		Kind:            string(in.Message.Kind),
		DisplayText:     in.Message.DisplayText,
		AckStatus:       in.AckStatus,
		SourceTimestamp: in.SourceTimestamp,
		CreatedAt:       now,
	}
	if rec.SourceTimestamp.IsZero() {
		rec.SourceTimestamp = now
	}
	if in.Message.Media != nil {
		if b, err := json.Marshal(in.Message.Media); err == nil {
			rec.Media = string(b)
		}
	}
	if len(in.Message.Extra) > 0 {
		if b, err := json.Marshal(in.Message.Extra); err == nil {
			rec.Extra = string(b)
		} else {
			log.Warn().Err(err).Str("externalID", in.ExternalID).Msg("Dropping unencodable message extras")
		}
	}

	written, err := w.store.RecordMessage(ctx, rec, store.TicketBump{
		TicketID: in.Ticket.ID,
		At:       now,
		Unread:   in.Direction == models.DirectionInbound,
	})
	if err != nil {
		log.Error().Err(err).Str("instance", in.InstanceName).Str("externalID", in.ExternalID).Msg("Failed to persist message")
		return nil, false, apperrors.Persistence(err, "failed to persist message "+in.ExternalID)
	}
	if !written {
		return nil, false, nil
	}
	return &rec, true, nil
}

// UpdateAck records a delivery status. store.ErrNotFound is returned for
// messages this service never stored.
func (w *Writer) UpdateAck(ctx context.Context, instanceName, externalID, status string) (*models.Message, error) {
	msg, err := w.store.UpdateMessageAck(ctx, instanceName, externalID, status)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, err
		}
		return nil, apperrors.Persistence(err, "failed to update ack for message "+externalID)
	}
	return msg, nil
}
