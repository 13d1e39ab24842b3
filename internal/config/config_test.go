// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, env var expansion, defaults and validation

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, "gateway.yaml", `
server:
  http_addr: "0.0.0.0:8080"

database:
  path: "./test.db"

gateway:
  base_url: "https://waha.example.com/api"
  api_key: "secret-key"
  timeout: "5s"

webhook:
  callback_base_url: "https://hooks.example.com/"
  sweep_schedule: "@every 10m"

session:
  settle_delay: "3s"
  poll_interval: "1s"
  max_poll_attempts: 10

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "0.0.0.0:8080" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "0.0.0.0:8080")
	}
	if cfg.Gateway.BaseURL != "https://waha.example.com/api" {
		t.Errorf("Gateway.BaseURL = %q", cfg.Gateway.BaseURL)
	}
	if cfg.Gateway.Timeout != 5*time.Second {
		t.Errorf("Gateway.Timeout = %v, want 5s", cfg.Gateway.Timeout)
	}
	if cfg.Session.SettleDelay != 3*time.Second {
		t.Errorf("Session.SettleDelay = %v, want 3s", cfg.Session.SettleDelay)
	}
	if cfg.Session.PollInterval != time.Second {
		t.Errorf("Session.PollInterval = %v, want 1s", cfg.Session.PollInterval)
	}
	if cfg.Session.MaxPollAttempts != 10 {
		t.Errorf("Session.MaxPollAttempts = %d, want 10", cfg.Session.MaxPollAttempts)
	}
	if got := cfg.CallbackURL(); got != "https://hooks.example.com/webhooks/waha" {
		t.Errorf("CallbackURL() = %q", got)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format = %q, want json", cfg.Logging.Format)
	}
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, "gateway.yaml", `
server:
  http_addr: "localhost:8080"
database:
  path: ":memory:"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Database.Driver != "sqlite" {
		t.Errorf("Database.Driver = %q, want sqlite", cfg.Database.Driver)
	}
	if cfg.Session.Namespace != "ws_" || cfg.Session.PrefixLength != 12 {
		t.Errorf("unexpected session naming defaults: %+v", cfg.Session)
	}
	if cfg.Session.MaxPollAttempts != 15 {
		t.Errorf("Session.MaxPollAttempts = %d, want 15", cfg.Session.MaxPollAttempts)
	}
	if cfg.Session.EmergencyScanLimit != 100 {
		t.Errorf("Session.EmergencyScanLimit = %d, want 100", cfg.Session.EmergencyScanLimit)
	}
	if cfg.Webhook.TenantHeader != "X-Tenant-ID" {
		t.Errorf("Webhook.TenantHeader = %q", cfg.Webhook.TenantHeader)
	}
	if cfg.CallbackURL() != "" {
		t.Errorf("CallbackURL() should be empty without a base, got %q", cfg.CallbackURL())
	}
}

func TestLoad_TOML(t *testing.T) {
	path := writeConfig(t, "gateway.toml", `
[server]
http_addr = "localhost:9090"

[database]
path = "gw.db"
driver = "sqlite3"

[session]
settle_delay = "500ms"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.HTTPAddr != "localhost:9090" {
		t.Errorf("Server.HTTPAddr = %q", cfg.Server.HTTPAddr)
	}
	if cfg.Database.Driver != "sqlite3" {
		t.Errorf("Database.Driver = %q", cfg.Database.Driver)
	}
	if cfg.Session.SettleDelay != 500*time.Millisecond {
		t.Errorf("Session.SettleDelay = %v", cfg.Session.SettleDelay)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_WAHA_KEY", "from-env")

	path := writeConfig(t, "gateway.yaml", `
server:
  http_addr: "localhost:8080"
database:
  path: "gw.db"
gateway:
  base_url: "http://waha:3000"
  api_key: "${TEST_WAHA_KEY}"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Gateway.APIKey != "from-env" {
		t.Errorf("Gateway.APIKey = %q, want from-env", cfg.Gateway.APIKey)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestParse_ValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "missing http addr",
			content: "database:\n  path: x.db\n",
			wantErr: "server.http_addr",
		},
		{
			name:    "missing database path",
			content: "server:\n  http_addr: :8080\n",
			wantErr: "database.path",
		},
		{
			name:    "half ambient pair",
			content: "server:\n  http_addr: :8080\ndatabase:\n  path: x.db\ngateway:\n  base_url: http://waha\n",
			wantErr: "must be set together",
		},
		{
			name:    "bad base url scheme",
			content: "server:\n  http_addr: :8080\ndatabase:\n  path: x.db\ngateway:\n  base_url: ftp://waha\n  api_key: k\n",
			wantErr: "scheme",
		},
		{
			name:    "bad driver",
			content: "server:\n  http_addr: :8080\ndatabase:\n  path: x.db\n  driver: postgres\n",
			wantErr: "database.driver",
		},
		{
			name:    "bad duration",
			content: "server:\n  http_addr: :8080\ndatabase:\n  path: x.db\nsession:\n  settle_delay: soon\n",
			wantErr: "settle_delay",
		},
		{
			name:    "short jwt secret",
			content: "server:\n  http_addr: :8080\ndatabase:\n  path: x.db\nauth:\n  jwt_secret: short\n",
			wantErr: "jwt_secret",
		},
		{
			name:    "tailscale without hostname",
			content: "tailscale:\n  enabled: true\ndatabase:\n  path: x.db\n",
			wantErr: "tailscale.hostname",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.content), ".yaml")
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want substring %q", err, tt.wantErr)
			}
		})
	}
}
