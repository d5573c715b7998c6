package store

import (
	"context"
	"fmt"

	"evolution-crm-bridge/internal/models"
)

const ticketColumns = `id, customer_id, instance_name, channel, status, title, department_id, department_name,
	unread_count, caught_up, last_activity_at, created_at, updated_at`

// FindActiveTicket returns the open or in-progress ticket for the pair.
func (s *Store) FindActiveTicket(ctx context.Context, customerID, channel string) (*models.Ticket, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var t models.Ticket
	err := s.db.GetContext(ctx, &t, s.q(`
		SELECT `+ticketColumns+` FROM tickets
		WHERE customer_id = ? AND channel = ? AND status IN ('open', 'in_progress')`),
		customerID, channel)
	if err != nil {
		return nil, notFound(err)
	}
	return &t, nil
}

// OpenTicket creates t as an open ticket unless the customer already has an
// active ticket on the channel, in which case that ticket is returned. The
// partial unique index arbitrates concurrent callers. created reports
// whether t was inserted.
func (s *Store) OpenTicket(ctx context.Context, t models.Ticket) (*models.Ticket, bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	now := s.now()
	if t.LastActivityAt.IsZero() {
		t.LastActivityAt = now
	}
	var out models.Ticket
	err := s.db.QueryRowxContext(ctx, s.q(`
		INSERT INTO tickets (id, customer_id, instance_name, channel, status, title, department_id, department_name,
			unread_count, caught_up, last_activity_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, FALSE, ?, ?, ?)
		ON CONFLICT (customer_id, channel) WHERE status IN ('open', 'in_progress')
		DO UPDATE SET updated_at = tickets.updated_at
		RETURNING `+ticketColumns),
		t.ID, t.CustomerID, t.InstanceName, t.Channel, models.TicketOpen, t.Title, t.DepartmentID, t.DepartmentName,
		t.LastActivityAt, now, now,
	).StructScan(&out)
	if err != nil {
		return nil, false, fmt.Errorf("open ticket for customer %s: %w", t.CustomerID, err)
	}
	return &out, out.ID == t.ID, nil
}

// GetTicket loads a ticket by id.
func (s *Store) GetTicket(ctx context.Context, id string) (*models.Ticket, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var t models.Ticket
	if err := s.db.GetContext(ctx, &t, s.q(`SELECT `+ticketColumns+` FROM tickets WHERE id = ?`), id); err != nil {
		return nil, notFound(err)
	}
	return &t, nil
}

// SetTicketStatus changes a ticket's status. Closing and resolving are
// external actions; ingestion never calls this.
func (s *Store) SetTicketStatus(ctx context.Context, id string, status models.TicketStatus) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, s.q(`UPDATE tickets SET status = ?, updated_at = ? WHERE id = ?`), status, s.now(), id)
	if err != nil {
		return fmt.Errorf("set ticket %s status: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountActiveTickets returns how many open or in-progress tickets the
// customer has on the channel.
func (s *Store) CountActiveTickets(ctx context.Context, customerID, channel string) (int, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var n int
	err := s.db.GetContext(ctx, &n, s.q(`
		SELECT COUNT(*) FROM tickets WHERE customer_id = ? AND channel = ? AND status IN ('open', 'in_progress')`),
		customerID, channel)
	return n, err
}
