package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"evolution-crm-bridge/internal/apperrors"
	"evolution-crm-bridge/internal/events"
	"evolution-crm-bridge/internal/idempotency"
	"evolution-crm-bridge/internal/media"
	"evolution-crm-bridge/internal/models"
	"evolution-crm-bridge/internal/normalizer"
	"evolution-crm-bridge/internal/realtime"
	"evolution-crm-bridge/internal/store"
)

// MediaArchiver stores inline media. media.S3Archiver implements it.
type MediaArchiver interface {
	Archive(ctx context.Context, in media.Upload) (*media.Object, error)
}

// Outcome summarizes one processed delivery.
type Outcome struct {
	Kind       events.Kind `json:"event"`
	Instance   string      `json:"instance"`
	Processed  int         `json:"processed"`
	Duplicates int         `json:"duplicates"`
	Skipped    int         `json:"skipped"`
}

// Ingestor dispatches classified events to the services that handle them.
type Ingestor struct {
	store     *store.Store
	instances *InstanceService
	guard     *idempotency.Guard
	resolver  *Resolver
	writer    *Writer
	publisher realtime.Publisher
	archiver  MediaArchiver
}

// IngestorDeps groups the Ingestor collaborators. Archiver is optional.
type IngestorDeps struct {
	Store     *store.Store
	Instances *InstanceService
	Guard     *idempotency.Guard
	Resolver  *Resolver
	Writer    *Writer
	Publisher realtime.Publisher
	Archiver  MediaArchiver
}

// NewIngestor creates a new Ingestor.
func NewIngestor(deps IngestorDeps) (*Ingestor, error) {
	switch {
	case deps.Store == nil:
		return nil, fmt.Errorf("store cannot be nil for Ingestor")
	case deps.Instances == nil:
		return nil, fmt.Errorf("instance service cannot be nil for Ingestor")
	case deps.Guard == nil:
		return nil, fmt.Errorf("idempotency guard cannot be nil for Ingestor")
	case deps.Resolver == nil:
		return nil, fmt.Errorf("resolver cannot be nil for Ingestor")
	case deps.Writer == nil:
		return nil, fmt.Errorf("writer cannot be nil for Ingestor")
	case deps.Publisher == nil:
		return nil, fmt.Errorf("publisher cannot be nil for Ingestor")
	}
	return &Ingestor{
		store:     deps.Store,
		instances: deps.Instances,
		guard:     deps.Guard,
		resolver:  deps.Resolver,
		writer:    deps.Writer,
		publisher: deps.Publisher,
		archiver:  deps.Archiver,
	}, nil
}

// Replay processes a queued envelope.
func (ing *Ingestor) Replay(ctx context.Context, env models.QueueEnvelope) (Outcome, error) {
	return ing.Process(ctx, env.EventKind, env.InstanceName, env.Data)
}

// Process handles one delivery. Duplicate messages are counted in the
// outcome, not reported as errors. Returned errors are classified by
// apperrors so callers can tell retryable failures from rejections.
func (ing *Ingestor) Process(ctx context.Context, kind events.Kind, instanceName string, data json.RawMessage) (Outcome, error) {
	out := Outcome{Kind: kind, Instance: instanceName}
	if !kind.Valid() {
		return out, apperrors.UnknownEvent(kind.String())
	}
	if err := ing.instances.Ensure(ctx, instanceName); err != nil {
		return out, err
	}

	var err error
	switch kind {
	case events.MessagesUpsert, events.SendMessage:
		err = ing.handleMessages(ctx, kind, instanceName, data, &out)
	case events.MessagesUpdate:
		err = ing.handleAcks(ctx, instanceName, data, &out)
	case events.MessagesDelete:
		err = ing.handleDeletes(ctx, instanceName, data, &out)
	case events.ConnectionUpdate:
		_, err = ing.instances.ApplyConnection(ctx, instanceName, data)
		out.Processed = 1
	case events.QRCodeUpdated:
		_, err = ing.instances.ApplyQRCode(ctx, instanceName, data)
		out.Processed = 1
	case events.ApplicationStartup:
		err = ing.instances.ApplyStartup(ctx, instanceName)
		out.Processed = 1
	case events.ContactsUpsert, events.ContactsUpdate:
		ing.renameContacts(ctx, instanceName, data)
		ing.passthrough(ctx, kind, instanceName, data, &out)
	case events.ContactsSet,
		events.ChatsSet, events.ChatsUpsert, events.ChatsUpdate, events.ChatsDelete,
		events.GroupsUpsert, events.GroupUpdate, events.GroupParticipantsUpdate,
		events.PresenceUpdate, events.Call, events.NewJWTToken,
		events.TypebotStart, events.TypebotChangeStatus:
		ing.passthrough(ctx, kind, instanceName, data, &out)
	default:
		return out, fmt.Errorf("event %s has no handler", kind)
	}
	if err != nil {
		out.Processed = 0
		return out, err
	}
	return out, nil
}

func (ing *Ingestor) handleMessages(ctx context.Context, kind events.Kind, instanceName string, data json.RawMessage, out *Outcome) error {
	items, err := normalizer.Items(data)
	if err != nil {
		return apperrors.Validation(err.Error(), map[string]any{"event": kind.String()})
	}
	if items == nil {
		return apperrors.Validation("data is required", map[string]any{"event": kind.String()})
	}
	invalid := 0
	for _, raw := range items {
		env, err := normalizer.DecodeEnvelope(raw)
		if err != nil {
			invalid++
			log.Warn().Err(err).Str("instance", instanceName).Msg("Skipping malformed message item")
			continue
		}
		result, err := ing.ingestMessage(ctx, kind, instanceName, env)
		if err != nil {
			return err
		}
		switch result {
		case resultWritten:
			out.Processed++
		case resultDuplicate:
			out.Duplicates++
		case resultSkipped:
			out.Skipped++
		}
	}
	if len(items) > 0 && invalid == len(items) {
		return apperrors.Validation("no valid message in payload", map[string]any{"event": kind.String(), "items": len(items)})
	}
	out.Skipped += invalid
	return nil
}

type ingestResult int

const (
	resultWritten ingestResult = iota
	resultDuplicate
	resultSkipped
)

func (ing *Ingestor) ingestMessage(ctx context.Context, kind events.Kind, instanceName string, env normalizer.Envelope) (ingestResult, error) {
	logger := log.With().Str("instance", instanceName).Str("messageID", env.ID).Logger()

	identity, err := normalizer.ParseIdentity(env.RemoteJID)
	if err != nil {
		logger.Warn().Err(err).Msg("Skipping message with unparseable sender")
		return resultSkipped, nil
	}
	if identity.StatusBroadcast() {
		logger.Debug().Msg("Skipping status broadcast")
		return resultSkipped, nil
	}
	outbound := env.FromMe || kind == events.SendMessage

	seen, err := ing.guard.Seen(ctx, instanceName, env.ID)
	if err != nil {
		// The unique index still catches the duplicate.
		logger.Warn().Err(err).Msg("Idempotency lookup failed, continuing")
	}
	if seen {
		logger.Debug().Msg("Duplicate delivery ignored")
		return resultDuplicate, nil
	}

	msg := normalizer.Normalize(env.Message)
	if !outbound {
		ing.archiveMedia(ctx, instanceName, identity, env, &msg)
	}

	customer, err := ing.resolver.ResolveCustomer(ctx, identity, env.PushName, outbound)
	if err != nil {
		return 0, err
	}
	ticket, _, err := ing.resolver.ResolveTicket(ctx, customer, instanceName)
	if err != nil {
		return 0, err
	}

	direction := models.DirectionInbound
	if outbound {
		direction = models.DirectionOutbound
	}
	rec, written, err := ing.writer.Write(ctx, WriteInput{
		InstanceName:    instanceName,
		ExternalID:      env.ID,
		Ticket:          ticket,
		Customer:        customer,
		Participant:     env.Participant,
		Direction:       direction,
		Message:         msg,
		SourceTimestamp: env.Timestamp,
		AckStatus:       env.Status,
	})
	if err != nil {
		return 0, err
	}
	ing.guard.MarkProcessed(ctx, instanceName, env.ID)
	if !written {
		logger.Debug().Msg("Message already stored")
		return resultDuplicate, nil
	}

	if fresh, err := ing.store.GetTicket(ctx, ticket.ID); err == nil {
		ticket = fresh
	} else {
		logger.Warn().Err(err).Str("ticketID", ticket.ID).Msg("Failed to reload ticket after write")
	}

	logger.Info().
		Str("ticketID", ticket.ID).
		Str("customerID", customer.ID).
		Str("kind", rec.Kind).
		Str("direction", string(rec.Direction)).
		Msg("Message ingested")

	now := time.Now().UTC()
	ing.publisher.Publish(ctx, realtime.Event{
		Room: realtime.TicketRoom(ticket.ID),
		Name: realtime.EventNewMessage,
		Payload: map[string]any{
			"message":  rec.View(),
			"ticket":   ticket,
			"customer": customer,
			"instance": instanceName,
		},
		Timestamp: now,
	})
	ing.publisher.Publish(ctx, realtime.Event{
		Room:      realtime.InstanceRoom(instanceName),
		Name:      realtime.EventTicketUpdated,
		Payload:   ticket,
		Timestamp: now,
	})
	return resultWritten, nil
}

// archiveMedia uploads inline media and points the message's media
// reference at the stored object. Failures never fail ingestion.
func (ing *Ingestor) archiveMedia(ctx context.Context, instanceName string, identity normalizer.Identity, env normalizer.Envelope, msg *normalizer.Message) {
	if ing.archiver == nil || msg.Media == nil || msg.InlineData == "" {
		return
	}
	data, mimeType, err := media.DecodePayload(msg.InlineData)
	if err != nil {
		log.Warn().Err(err).Str("instance", instanceName).Str("messageID", env.ID).Msg("Failed to decode inline media")
		return
	}
	if msg.Media.MimeType != "" {
		mimeType = msg.Media.MimeType
	}
	obj, err := ing.archiver.Archive(ctx, media.Upload{
		InstanceName: instanceName,
		ContactJID:   identity.JID,
		MessageID:    env.ID,
		Kind:         string(msg.Kind),
		MimeType:     mimeType,
		Data:         data,
		At:           env.Timestamp,
	})
	if err != nil {
		log.Error().Err(err).Str("instance", instanceName).Str("messageID", env.ID).Msg("Failed to archive media")
		return
	}
	msg.Media.StorageKey = obj.Key
	msg.Media.PublicURL = obj.PublicURL
	msg.Media.ThumbnailKey = obj.ThumbnailKey
}

func (ing *Ingestor) handleAcks(ctx context.Context, instanceName string, data json.RawMessage, out *Outcome) error {
	items, err := normalizer.Items(data)
	if err != nil {
		return apperrors.Validation(err.Error(), map[string]any{"event": events.MessagesUpdate.String()})
	}
	for _, raw := range items {
		ref, err := normalizer.DecodeMessageRef(raw)
		if err != nil || ref.Status == "" {
			out.Skipped++
			continue
		}
		msg, err := ing.writer.UpdateAck(ctx, instanceName, ref.ID, ref.Status)
		if errors.Is(err, store.ErrNotFound) {
			log.Debug().Str("instance", instanceName).Str("messageID", ref.ID).Msg("Ack for unknown message ignored")
			out.Skipped++
			continue
		}
		if err != nil {
			return err
		}
		out.Processed++
		ing.publisher.Publish(ctx, realtime.Event{
			Room: realtime.TicketRoom(msg.TicketID),
			Name: realtime.EventMessageStatus,
			Payload: map[string]any{
				"messageId":  msg.ID,
				"externalId": msg.ExternalID,
				"ticketId":   msg.TicketID,
				"status":     msg.AckStatus,
			},
			Timestamp: time.Now().UTC(),
		})
	}
	return nil
}

func (ing *Ingestor) handleDeletes(ctx context.Context, instanceName string, data json.RawMessage, out *Outcome) error {
	items, err := normalizer.Items(data)
	if err != nil {
		return apperrors.Validation(err.Error(), map[string]any{"event": events.MessagesDelete.String()})
	}
	for _, raw := range items {
		ref, err := normalizer.DecodeMessageRef(raw)
		if err != nil {
			out.Skipped++
			continue
		}
		msg, err := ing.store.GetMessage(ctx, instanceName, ref.ID)
		if errors.Is(err, store.ErrNotFound) {
			out.Skipped++
			continue
		}
		if err != nil {
			return apperrors.Persistence(err, "failed to load deleted message "+ref.ID)
		}
		out.Processed++
		ing.publisher.Publish(ctx, realtime.Event{
			Room: realtime.TicketRoom(msg.TicketID),
			Name: realtime.EventMessageDeleted,
			Payload: map[string]any{
				"messageId":  msg.ID,
				"externalId": msg.ExternalID,
				"ticketId":   msg.TicketID,
			},
			Timestamp: time.Now().UTC(),
		})
	}
	return nil
}

// renameContacts upgrades customer names from contact events. It is best
// effort: the event is forwarded regardless.
func (ing *Ingestor) renameContacts(ctx context.Context, instanceName string, data json.RawMessage) {
	items, err := normalizer.Items(data)
	if err != nil {
		return
	}
	for _, raw := range items {
		contact, err := normalizer.DecodeContact(raw)
		if err != nil || contact.PushName == "" {
			continue
		}
		identity, err := normalizer.ParseIdentity(contact.JID)
		if err != nil || identity.Group || contact.PushName == identity.Key {
			continue
		}
		renamed, err := ing.store.RenameCustomer(ctx, identity.Key, contact.PushName)
		if err != nil {
			log.Warn().Err(err).Str("instance", instanceName).Str("identityKey", identity.Key).Msg("Failed to rename customer from contact event")
			continue
		}
		if renamed {
			log.Info().Str("instance", instanceName).Str("identityKey", identity.Key).Str("name", contact.PushName).Msg("Customer renamed from contact event")
		}
	}
}

func (ing *Ingestor) passthrough(ctx context.Context, kind events.Kind, instanceName string, data json.RawMessage, out *Outcome) {
	ing.publisher.Publish(ctx, realtime.Event{
		Room:      realtime.InstanceRoom(instanceName),
		Name:      kind.Slug(),
		Payload:   data,
		Timestamp: time.Now().UTC(),
	})
	out.Processed = 1
}
