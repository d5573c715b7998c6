package store

import (
	"context"
	"fmt"

	"evolution-crm-bridge/internal/models"
)

const customerColumns = `id, identity_key, display_name, name_is_placeholder, whatsapp_jid, source,
	last_interaction_at, created_at, updated_at`

// UpsertCustomer inserts c or, when its identity key already exists, merges
// into the existing row: a real name replaces the stored one, a placeholder
// never does. The stored row is returned either way.
func (s *Store) UpsertCustomer(ctx context.Context, c models.Customer) (*models.Customer, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	now := s.now()
	if c.LastInteractionAt.IsZero() {
		c.LastInteractionAt = now
	}
	var out models.Customer
	err := s.db.QueryRowxContext(ctx, s.q(`
		INSERT INTO customers (id, identity_key, display_name, name_is_placeholder, whatsapp_jid, source,
			last_interaction_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (identity_key) DO UPDATE SET
			display_name = CASE WHEN excluded.name_is_placeholder THEN customers.display_name ELSE excluded.display_name END,
			name_is_placeholder = CASE WHEN excluded.name_is_placeholder THEN customers.name_is_placeholder ELSE FALSE END,
			whatsapp_jid = CASE WHEN customers.whatsapp_jid = '' THEN excluded.whatsapp_jid ELSE customers.whatsapp_jid END,
			last_interaction_at = excluded.last_interaction_at,
			updated_at = excluded.updated_at
		RETURNING `+customerColumns),
		c.ID, c.IdentityKey, c.DisplayName, c.NameIsPlaceholder, c.WhatsAppJID, c.Source,
		c.LastInteractionAt, now, now,
	).StructScan(&out)
	if err != nil {
		return nil, fmt.Errorf("upsert customer %s: %w", c.IdentityKey, err)
	}
	return &out, nil
}

// GetCustomerByIdentity loads a customer by identity key.
func (s *Store) GetCustomerByIdentity(ctx context.Context, identityKey string) (*models.Customer, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var c models.Customer
	if err := s.db.GetContext(ctx, &c, s.q(`SELECT `+customerColumns+` FROM customers WHERE identity_key = ?`), identityKey); err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

// GetCustomer loads a customer by id.
func (s *Store) GetCustomer(ctx context.Context, id string) (*models.Customer, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var c models.Customer
	if err := s.db.GetContext(ctx, &c, s.q(`SELECT `+customerColumns+` FROM customers WHERE id = ?`), id); err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

// RenameCustomer sets a real display name for an existing customer when
// the stored name is a placeholder or differs. It reports whether a row changed.
func (s *Store) RenameCustomer(ctx context.Context, identityKey, displayName string) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE customers SET display_name = ?, name_is_placeholder = FALSE, updated_at = ?
		WHERE identity_key = ? AND (name_is_placeholder OR display_name <> ?)`),
		displayName, s.now(), identityKey, displayName)
	if err != nil {
		return false, fmt.Errorf("rename customer %s: %w", identityKey, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// CountCustomers returns the number of customers with the identity key.
func (s *Store) CountCustomers(ctx context.Context, identityKey string) (int, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var n int
	err := s.db.GetContext(ctx, &n, s.q(`SELECT COUNT(*) FROM customers WHERE identity_key = ?`), identityKey)
	return n, err
}
