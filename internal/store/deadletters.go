package store

import (
	"context"
	"fmt"

	"evolution-crm-bridge/internal/models"
)

const deadLetterColumns = `id, event_kind, instance_name, data, enqueued_at, retry_count, reason, dead_at`

// SaveDeadLetter stores a dead-lettered envelope. Saving the same envelope
// id again overwrites the reason and counters.
func (s *Store) SaveDeadLetter(ctx context.Context, dl models.DeadLetter) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if dl.DeadAt.IsZero() {
		dl.DeadAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO dead_letters (`+deadLetterColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			retry_count = excluded.retry_count,
			reason = excluded.reason,
			dead_at = excluded.dead_at`),
		dl.ID, dl.EventKind, dl.InstanceName, dl.Data, dl.EnqueuedAt, dl.RetryCount, dl.Reason, dl.DeadAt)
	if err != nil {
		return fmt.Errorf("save dead letter %s: %w", dl.ID, err)
	}
	return nil
}

// ListDeadLetters returns the newest dead letters first.
func (s *Store) ListDeadLetters(ctx context.Context, limit int) ([]models.DeadLetter, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if limit <= 0 || limit > 500 {
		limit = 50
	}
	out := []models.DeadLetter{}
	if err := s.db.SelectContext(ctx, &out, s.q(`SELECT `+deadLetterColumns+` FROM dead_letters ORDER BY dead_at DESC LIMIT ?`), limit); err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	return out, nil
}

// GetDeadLetter loads one dead letter.
func (s *Store) GetDeadLetter(ctx context.Context, id string) (*models.DeadLetter, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var dl models.DeadLetter
	if err := s.db.GetContext(ctx, &dl, s.q(`SELECT `+deadLetterColumns+` FROM dead_letters WHERE id = ?`), id); err != nil {
		return nil, notFound(err)
	}
	return &dl, nil
}

// DeleteDeadLetter removes a dead letter after a successful replay.
func (s *Store) DeleteDeadLetter(ctx context.Context, id string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM dead_letters WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("delete dead letter %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
