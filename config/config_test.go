package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	for _, key := range []string{"PORT", "DATABASE_DRIVER", "QUEUE_CONCURRENCY", "RETRY_INITIAL_BACKOFF", "DEFAULT_CHANNEL", "WS_ALLOWED_ORIGINS"} {
		t.Setenv(key, "")
	}

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Port != "8080" {
		t.Errorf("port = %q", cfg.Port)
	}
	if cfg.DatabaseDriver != "sqlite" {
		t.Errorf("driver = %q", cfg.DatabaseDriver)
	}
	if cfg.QueueConcurrency != 5 {
		t.Errorf("concurrency = %d", cfg.QueueConcurrency)
	}
	if cfg.RetryInitialBackoff != time.Second {
		t.Errorf("initial backoff = %s", cfg.RetryInitialBackoff)
	}
	if cfg.DefaultChannel != "whatsapp" {
		t.Errorf("channel = %q", cfg.DefaultChannel)
	}
	if len(cfg.WSAllowedOrigins) != 1 || cfg.WSAllowedOrigins[0] != "*" {
		t.Errorf("origins = %v", cfg.WSAllowedOrigins)
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("QUEUE_CONCURRENCY", "0")
	t.Setenv("RETRY_MAX_BACKOFF", "2m")
	t.Setenv("S3_ENABLED", "true")
	t.Setenv("EVOLUTION_API_URL", "http://gateway:8080/")
	t.Setenv("WS_ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("STORE_TIMEOUT", "nonsense")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.QueueConcurrency != 1 {
		t.Errorf("concurrency = %d, want clamped to 1", cfg.QueueConcurrency)
	}
	if cfg.RetryMaxBackoff != 2*time.Minute {
		t.Errorf("max backoff = %s", cfg.RetryMaxBackoff)
	}
	if !cfg.S3.Enabled {
		t.Error("expected S3 enabled")
	}
	if cfg.EvolutionAPIURL != "http://gateway:8080" {
		t.Errorf("api url = %q", cfg.EvolutionAPIURL)
	}
	if len(cfg.WSAllowedOrigins) != 2 {
		t.Errorf("origins = %v", cfg.WSAllowedOrigins)
	}
	if cfg.StoreTimeout != 5*time.Second {
		t.Errorf("invalid duration should fall back, got %s", cfg.StoreTimeout)
	}
}

func TestLoadConfigReadsDotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("WEBHOOK_SECRET", "")
	os.Unsetenv("WEBHOOK_SECRET")
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("WEBHOOK_SECRET=from-dotenv\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.WebhookSecret != "from-dotenv" {
		t.Fatalf("secret = %q", cfg.WebhookSecret)
	}
}

func TestParseInstances(t *testing.T) {
	raw := []byte(`
instances:
  - name: acme
    department_id: 7b1c0b7e-0000-4000-a000-000000000001
    department_name: Sales
    events: [MESSAGES_UPSERT, CONNECTION_UPDATE]
  - name: " support "
`)
	specs, err := ParseInstances(raw)
	if err != nil {
		t.Fatalf("ParseInstances: %v", err)
	}
	if len(specs) != 2 {
		t.Fatalf("got %d instances", len(specs))
	}
	if specs[0].DepartmentName != "Sales" || len(specs[0].Events) != 2 {
		t.Errorf("unexpected first spec: %+v", specs[0])
	}
	if specs[1].Name != "support" {
		t.Errorf("name not trimmed: %q", specs[1].Name)
	}
}

func TestParseInstancesRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"missing name": "instances:\n  - department_name: x\n",
		"duplicate":    "instances:\n  - name: a\n  - name: a\n",
		"bad yaml":     "instances: [",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseInstances([]byte(raw)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestLoadInstancesEmptyPath(t *testing.T) {
	specs, err := LoadInstances("")
	if err != nil || specs != nil {
		t.Fatalf("expected nil, nil; got %v, %v", specs, err)
	}
}
