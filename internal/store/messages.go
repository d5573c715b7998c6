package store

import (
	"context"
	"fmt"
	"time"

	"evolution-crm-bridge/internal/models"
)

const messageColumns = `id, instance_name, external_id, ticket_id, sender_id, participant, direction, kind,
	display_text, media, extra, ack_status, source_timestamp, created_at`

// TicketBump describes the ticket update that accompanies a new message.
type TicketBump struct {
	TicketID string
	At       time.Time
	// Unread marks an inbound message: the unread counter grows and the
	// caught-up flag clears.
	Unread bool
}

// RecordMessage inserts msg and applies bump in one transaction. If a
// message with the same (instance, external id) already exists nothing is
// written and written is false. The unique index is the arbiter, so two
// concurrent deliveries of one message produce exactly one row and one bump.
func (s *Store) RecordMessage(ctx context.Context, msg models.Message, bump TicketBump) (written bool, err error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin message tx: %w", err)
	}
	defer func() {
		if err != nil || !written {
			_ = tx.Rollback()
		}
	}()

	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}
	_, err = tx.ExecContext(ctx, s.q(`
		INSERT INTO messages (id, instance_name, external_id, ticket_id, sender_id, participant, direction, kind,
			display_text, media, extra, ack_status, source_timestamp, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		msg.ID, msg.InstanceName, msg.ExternalID, msg.TicketID, msg.SenderID, msg.Participant, msg.Direction, msg.Kind,
		msg.DisplayText, msg.Media, msg.Extra, msg.AckStatus, msg.SourceTimestamp, msg.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("insert message %s: %w", msg.ExternalID, err)
	}

	at := bump.At
	if at.IsZero() {
		at = s.now()
	}
	unread := 0
	if bump.Unread {
		unread = 1
	}
	res, err := tx.ExecContext(ctx, s.q(`
		UPDATE tickets SET
			last_activity_at = ?,
			unread_count = unread_count + ?,
			caught_up = CASE WHEN ? THEN FALSE ELSE caught_up END,
			updated_at = ?
		WHERE id = ?`),
		at, unread, bump.Unread, at, bump.TicketID)
	if err != nil {
		return false, fmt.Errorf("bump ticket %s: %w", bump.TicketID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, fmt.Errorf("bump ticket %s: %w", bump.TicketID, ErrNotFound)
	}

	if err = tx.Commit(); err != nil {
		return false, fmt.Errorf("commit message %s: %w", msg.ExternalID, err)
	}
	return true, nil
}

// MessageExists reports whether the external id was already stored for the
// instance.
func (s *Store) MessageExists(ctx context.Context, instanceName, externalID string) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var n int
	err := s.db.GetContext(ctx, &n, s.q(`SELECT COUNT(*) FROM messages WHERE instance_name = ? AND external_id = ?`),
		instanceName, externalID)
	if err != nil {
		return false, fmt.Errorf("check message %s: %w", externalID, err)
	}
	return n > 0, nil
}

// GetMessage loads a message by its gateway id.
func (s *Store) GetMessage(ctx context.Context, instanceName, externalID string) (*models.Message, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var m models.Message
	err := s.db.GetContext(ctx, &m, s.q(`SELECT `+messageColumns+` FROM messages WHERE instance_name = ? AND external_id = ?`),
		instanceName, externalID)
	if err != nil {
		return nil, notFound(err)
	}
	return &m, nil
}

// UpdateMessageAck stores a delivery status on an existing message and
// returns the updated row, or ErrNotFound.
func (s *Store) UpdateMessageAck(ctx context.Context, instanceName, externalID, status string) (*models.Message, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, s.q(`UPDATE messages SET ack_status = ? WHERE instance_name = ? AND external_id = ?`),
		status, instanceName, externalID)
	if err != nil {
		return nil, fmt.Errorf("update ack %s: %w", externalID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	var m models.Message
	err = s.db.GetContext(ctx, &m, s.q(`SELECT `+messageColumns+` FROM messages WHERE instance_name = ? AND external_id = ?`),
		instanceName, externalID)
	if err != nil {
		return nil, notFound(err)
	}
	return &m, nil
}

// ListTicketMessages returns a ticket's messages oldest first.
func (s *Store) ListTicketMessages(ctx context.Context, ticketID string, limit int) ([]models.Message, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if limit <= 0 {
		limit = 100
	}
	var out []models.Message
	err := s.db.SelectContext(ctx, &out, s.q(`
		SELECT `+messageColumns+` FROM messages WHERE ticket_id = ?
		ORDER BY source_timestamp, created_at LIMIT ?`), ticketID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages for ticket %s: %w", ticketID, err)
	}
	return out, nil
}
