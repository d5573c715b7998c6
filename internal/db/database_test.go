package db

import (
	"context"
	"path/filepath"
	"testing"
)

func TestOpenAndMigrateSQLite(t *testing.T) {
	ctx := context.Background()
	dsn := "file:" + filepath.Join(t.TempDir(), "crm.db")
	conn, err := Open(ctx, DriverSQLite, dsn)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer conn.Close()

	if err := Migrate(ctx, conn); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	// Migrations are idempotent.
	if err := Migrate(ctx, conn); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}

	var tables []string
	if err := conn.SelectContext(ctx, &tables, `SELECT name FROM sqlite_master WHERE type = 'table' ORDER BY name`); err != nil {
		t.Fatalf("list tables: %v", err)
	}
	want := map[string]bool{"customers": true, "dead_letters": true, "instances": true, "messages": true, "tickets": true}
	for _, name := range tables {
		delete(want, name)
	}
	if len(want) != 0 {
		t.Fatalf("missing tables: %v (have %v)", want, tables)
	}
}

func TestOpenRejectsBadInput(t *testing.T) {
	ctx := context.Background()
	if _, err := Open(ctx, DriverSQLite, ""); err == nil {
		t.Error("expected error for empty dsn")
	}
	if _, err := Open(ctx, "mysql", "user@/db"); err == nil {
		t.Error("expected error for unsupported driver")
	}
}
