package db

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

func init() {
	sqlx.BindDriver(DriverSQLite, sqlx.QUESTION)
}

// Open connects to the database and verifies the connection.
func Open(ctx context.Context, driver, dsn string) (*sqlx.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database DSN cannot be empty")
	}
	switch driver {
	case DriverPostgres, DriverSQLite:
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	conn, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if driver == DriverSQLite {
		// SQLite allows one writer; a single connection serializes
		// transactions instead of surfacing SQLITE_BUSY.
		conn.SetMaxOpenConns(1)
	} else {
		conn.SetMaxOpenConns(20)
		conn.SetMaxIdleConns(5)
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	log.Info().Str("driver", driver).Msg("Database connection established successfully.")
	return conn, nil
}

// Migrate creates the schema if it does not exist. Statements are portable
// between PostgreSQL and SQLite.
func Migrate(ctx context.Context, conn *sqlx.DB) error {
	for i, stmt := range schema {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema statement %d: %w", i, err)
		}
	}
	log.Info().Int("statements", len(schema)).Msg("Database migration completed successfully.")
	return nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS instances (
		name            TEXT PRIMARY KEY,
		state           TEXT NOT NULL DEFAULT 'created',
		webhook_url     TEXT NOT NULL DEFAULT '',
		events          TEXT NOT NULL DEFAULT '',
		department_id   TEXT NOT NULL DEFAULT '',
		department_name TEXT NOT NULL DEFAULT '',
		owner_jid       TEXT NOT NULL DEFAULT '',
		profile_name    TEXT NOT NULL DEFAULT '',
		qr_code         TEXT NOT NULL DEFAULT '',
		pairing_code    TEXT NOT NULL DEFAULT '',
		created_via     TEXT NOT NULL DEFAULT 'webhook',
		created_at      TIMESTAMP NOT NULL,
		updated_at      TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS customers (
		id                  TEXT PRIMARY KEY,
		identity_key        TEXT NOT NULL,
		display_name        TEXT NOT NULL DEFAULT '',
		name_is_placeholder BOOLEAN NOT NULL DEFAULT TRUE,
		whatsapp_jid        TEXT NOT NULL DEFAULT '',
		source              TEXT NOT NULL DEFAULT '',
		last_interaction_at TIMESTAMP NOT NULL,
		created_at          TIMESTAMP NOT NULL,
		updated_at          TIMESTAMP NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_customers_identity_key ON customers (identity_key)`,
	`CREATE TABLE IF NOT EXISTS tickets (
		id               TEXT PRIMARY KEY,
		customer_id      TEXT NOT NULL REFERENCES customers (id),
		instance_name    TEXT NOT NULL REFERENCES instances (name),
		channel          TEXT NOT NULL,
		status           TEXT NOT NULL DEFAULT 'open',
		title            TEXT NOT NULL DEFAULT '',
		department_id    TEXT NOT NULL DEFAULT '',
		department_name  TEXT NOT NULL DEFAULT '',
		unread_count     INTEGER NOT NULL DEFAULT 0,
		caught_up        BOOLEAN NOT NULL DEFAULT FALSE,
		last_activity_at TIMESTAMP NOT NULL,
		created_at       TIMESTAMP NOT NULL,
		updated_at       TIMESTAMP NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_tickets_active_customer_channel
		ON tickets (customer_id, channel) WHERE status IN ('open', 'in_progress')`,
	`CREATE INDEX IF NOT EXISTS ix_tickets_instance ON tickets (instance_name)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id               TEXT PRIMARY KEY,
		instance_name    TEXT NOT NULL,
		external_id      TEXT NOT NULL,
		ticket_id        TEXT NOT NULL REFERENCES tickets (id),
		sender_id        TEXT NOT NULL DEFAULT '',
		participant      TEXT NOT NULL DEFAULT '',
		direction        TEXT NOT NULL,
		kind             TEXT NOT NULL,
		display_text     TEXT NOT NULL DEFAULT '',
		media            TEXT NOT NULL DEFAULT '',
		extra            TEXT NOT NULL DEFAULT '',
		ack_status       TEXT NOT NULL DEFAULT '',
		source_timestamp TIMESTAMP NOT NULL,
		created_at       TIMESTAMP NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_messages_instance_external ON messages (instance_name, external_id)`,
	`CREATE INDEX IF NOT EXISTS ix_messages_ticket ON messages (ticket_id)`,
	`CREATE TABLE IF NOT EXISTS dead_letters (
		id            TEXT PRIMARY KEY,
		event_kind    TEXT NOT NULL,
		instance_name TEXT NOT NULL,
		data          TEXT NOT NULL,
		enqueued_at   TIMESTAMP NOT NULL,
		retry_count   INTEGER NOT NULL DEFAULT 0,
		reason        TEXT NOT NULL DEFAULT '',
		dead_at       TIMESTAMP NOT NULL
	)`,
}
