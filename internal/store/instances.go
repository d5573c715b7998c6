package store

import (
	"context"
	"fmt"

	"evolution-crm-bridge/internal/models"
)

const instanceColumns = `name, state, webhook_url, events, department_id, department_name,
	owner_jid, profile_name, qr_code, pairing_code, created_via, created_at, updated_at`

// EnsureInstance returns the named instance, creating it in state "created"
// when the name has never been seen.
func (s *Store) EnsureInstance(ctx context.Context, name, createdVia string) (*models.Instance, bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	now := s.now()
	res, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO instances (name, state, created_via, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (name) DO NOTHING`),
		name, models.InstanceCreated, createdVia, now, now)
	if err != nil {
		return nil, false, fmt.Errorf("ensure instance %s: %w", name, err)
	}
	created := false
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		created = true
	}

	var inst models.Instance
	if err := s.db.GetContext(ctx, &inst, s.q(`SELECT `+instanceColumns+` FROM instances WHERE name = ?`), name); err != nil {
		return nil, false, fmt.Errorf("load instance %s: %w", name, notFound(err))
	}
	return &inst, created, nil
}

// GetInstance loads one instance or returns ErrNotFound.
func (s *Store) GetInstance(ctx context.Context, name string) (*models.Instance, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var inst models.Instance
	if err := s.db.GetContext(ctx, &inst, s.q(`SELECT `+instanceColumns+` FROM instances WHERE name = ?`), name); err != nil {
		return nil, notFound(err)
	}
	return &inst, nil
}

// ListInstances returns every instance ordered by name.
func (s *Store) ListInstances(ctx context.Context) ([]models.Instance, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var out []models.Instance
	if err := s.db.SelectContext(ctx, &out, `SELECT `+instanceColumns+` FROM instances ORDER BY name`); err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	return out, nil
}

// ProvisionInstance upserts routing and webhook settings for an instance
// without touching its connection state.
func (s *Store) ProvisionInstance(ctx context.Context, inst models.Instance) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	now := s.now()
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO instances (name, state, webhook_url, events, department_id, department_name, created_via, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 'provisioning', ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			webhook_url = excluded.webhook_url,
			events = excluded.events,
			department_id = excluded.department_id,
			department_name = excluded.department_name,
			updated_at = excluded.updated_at`),
		inst.Name, models.InstanceCreated, inst.WebhookURL, inst.Events, inst.DepartmentID, inst.DepartmentName, now, now)
	if err != nil {
		return fmt.Errorf("provision instance %s: %w", inst.Name, err)
	}
	return nil
}

// UpdateInstanceConnection records a connection state change. Empty owner
// or profile values leave the stored ones intact.
func (s *Store) UpdateInstanceConnection(ctx context.Context, name string, state models.InstanceState, ownerJID, profileName string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	clearQR := state == models.InstanceConnected
	_, err := s.db.ExecContext(ctx, s.q(`
		UPDATE instances SET
			state = ?,
			owner_jid = CASE WHEN ? = '' THEN owner_jid ELSE ? END,
			profile_name = CASE WHEN ? = '' THEN profile_name ELSE ? END,
			qr_code = CASE WHEN ? THEN '' ELSE qr_code END,
			pairing_code = CASE WHEN ? THEN '' ELSE pairing_code END,
			updated_at = ?
		WHERE name = ?`),
		state, ownerJID, ownerJID, profileName, profileName, clearQR, clearQR, s.now(), name)
	if err != nil {
		return fmt.Errorf("update instance %s connection: %w", name, err)
	}
	return nil
}

// UpdateInstanceQR stores the latest QR code and pairing code.
func (s *Store) UpdateInstanceQR(ctx context.Context, name, qrCode, pairingCode string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, s.q(`
		UPDATE instances SET qr_code = ?, pairing_code = ?, state = ?, updated_at = ? WHERE name = ?`),
		qrCode, pairingCode, models.InstanceConnecting, s.now(), name)
	if err != nil {
		return fmt.Errorf("update instance %s qr: %w", name, err)
	}
	return nil
}

// UpdateInstanceState sets only the connection state.
func (s *Store) UpdateInstanceState(ctx context.Context, name string, state models.InstanceState) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, s.q(`UPDATE instances SET state = ?, updated_at = ? WHERE name = ?`), state, s.now(), name)
	if err != nil {
		return fmt.Errorf("update instance %s state: %w", name, err)
	}
	return nil
}
