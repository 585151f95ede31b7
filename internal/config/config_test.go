package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmerrifield20/auditledger/internal/config"
	"go.uber.org/zap"
)

func TestLoad_defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := config.Load(config.New(), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.HTTPPort != 8080 || cfg.Server.GRPCPort != 9090 {
		t.Errorf("ports = %d/%d", cfg.Server.HTTPPort, cfg.Server.GRPCPort)
	}
	if cfg.Server.IssuerURL != "http://localhost:8080" {
		t.Errorf("issuer_url = %q", cfg.Server.IssuerURL)
	}
	if cfg.Snapshot.Schedule != "0 */5 * * * *" {
		t.Errorf("schedule = %q", cfg.Snapshot.Schedule)
	}
	if cfg.Auth.TokenTTL != time.Hour || cfg.Anchor.Timeout != 10*time.Second {
		t.Errorf("durations = %v/%v", cfg.Auth.TokenTTL, cfg.Anchor.Timeout)
	}
}

func TestLoad_fileAndEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	if err := os.Mkdir(filepath.Join(dir, "configs"), 0o755); err != nil {
		t.Fatal(err)
	}
	yaml := `
database:
  driver: sqlite
  sqlite_path: /tmp/ledger.db
auth:
  clients:
    ingest: "$2a$10$abcdefghijklmnopqrstuv"
notify:
  driver: nats
`
	if err := os.WriteFile(filepath.Join(dir, "configs", "ledgerd.yaml"), []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SNAPSHOT_SCHEDULE", "*/30 * * * * *")
	t.Setenv("SERVER_HTTP_PORT", "9999")

	cfg, err := config.Load(config.New(), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Database.Driver != "sqlite" || cfg.Database.SQLitePath != "/tmp/ledger.db" {
		t.Errorf("database = %+v", cfg.Database)
	}
	if _, ok := cfg.Auth.Clients["ingest"]; !ok {
		t.Errorf("clients = %v", cfg.Auth.Clients)
	}
	if cfg.Notify.Driver != "nats" {
		t.Errorf("notify.driver = %q", cfg.Notify.Driver)
	}
	if cfg.Snapshot.Schedule != "*/30 * * * * *" {
		t.Errorf("env override not applied: %q", cfg.Snapshot.Schedule)
	}
	if cfg.Server.HTTPPort != 9999 {
		t.Errorf("http_port = %d", cfg.Server.HTTPPort)
	}
}

func TestLoad_rejectsUnknownDriver(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("DATABASE_DRIVER", "mongo")

	if _, err := config.Load(config.New(), zap.NewNop()); err == nil {
		t.Error("expected error for unknown driver")
	}
}

func TestLoad_anchorNeedsEndpoint(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("ANCHOR_ENABLED", "true")

	if _, err := config.Load(config.New(), zap.NewNop()); err == nil {
		t.Error("expected error when anchoring has no endpoint")
	}
}

func TestNewLogger(t *testing.T) {
	if _, err := config.NewLogger(config.LogConfig{Level: "debug", Development: true}); err != nil {
		t.Fatal(err)
	}
	if _, err := config.NewLogger(config.LogConfig{Level: "loud"}); err == nil {
		t.Error("expected error for bad level")
	}
}

func TestLoad_webhookNeedsURLs(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("NOTIFY_DRIVER", "webhook")

	if _, err := config.Load(config.New(), zap.NewNop()); err == nil {
		t.Error("expected error for webhook driver without URLs")
	}

	t.Setenv("NOTIFY_WEBHOOK_URLS", "https://hooks.example.com/ledger")
	cfg, err := config.Load(config.New(), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Notify.WebhookURLs) != 1 {
		t.Errorf("webhook_urls = %v", cfg.Notify.WebhookURLs)
	}
}
