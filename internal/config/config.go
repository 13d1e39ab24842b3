// ABOUTME: Configuration loading and parsing for wa-gateway
// ABOUTME: Supports YAML or TOML files with .env loading, variable expansion and duration parsing

package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the complete wa-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Gateway   GatewayConfig   `yaml:"gateway" toml:"gateway"`
	Webhook   WebhookConfig   `yaml:"webhook" toml:"webhook"`
	Session   SessionConfig   `yaml:"session" toml:"session"`
	Dedupe    DedupeConfig    `yaml:"dedupe" toml:"dedupe"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	HTTPS     bool   `yaml:"https" toml:"https"`
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // public HTTPS, needed for inbound webhooks
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Driver string `yaml:"driver" toml:"driver"` // sqlite (pure Go, default) or sqlite3 (cgo)
	Path   string `yaml:"path" toml:"path"`
}

// GatewayConfig holds the ambient (process-wide) messaging gateway endpoint.
// Both values must be set for the ambient tier to resolve.
type GatewayConfig struct {
	BaseURL string        `yaml:"base_url" toml:"base_url"`
	APIKey  string        `yaml:"api_key" toml:"api_key"`
	Timeout time.Duration `yaml:"-" toml:"-"`

	TimeoutRaw string `yaml:"timeout" toml:"timeout"`
}

// WebhookConfig holds the inbound callback configuration
type WebhookConfig struct {
	// CallbackBaseURL is this service's externally reachable base URL.
	CallbackBaseURL string `yaml:"callback_base_url" toml:"callback_base_url"`
	Path            string `yaml:"path" toml:"path"`
	TenantHeader    string `yaml:"tenant_header" toml:"tenant_header"`
	// SweepSchedule is a cron spec for the re-registration sweep; empty disables it.
	SweepSchedule string `yaml:"sweep_schedule" toml:"sweep_schedule"`
}

// SessionConfig holds session naming and lifecycle timing
type SessionConfig struct {
	Namespace          string `yaml:"namespace" toml:"namespace"`
	PrefixLength       int    `yaml:"prefix_length" toml:"prefix_length"`
	MaxPollAttempts    int    `yaml:"max_poll_attempts" toml:"max_poll_attempts"`
	EmergencyScanLimit int    `yaml:"emergency_scan_limit" toml:"emergency_scan_limit"` // -1 disables the shared scan

	SettleDelay  time.Duration `yaml:"-" toml:"-"`
	CreateDelay  time.Duration `yaml:"-" toml:"-"`
	PollInterval time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	SettleDelayRaw  string `yaml:"settle_delay" toml:"settle_delay"`
	CreateDelayRaw  string `yaml:"create_delay" toml:"create_delay"`
	PollIntervalRaw string `yaml:"poll_interval" toml:"poll_interval"`
}

// DedupeConfig sizes the inbound webhook event dedupe cache
type DedupeConfig struct {
	MaxEntries int           `yaml:"max_entries" toml:"max_entries"`
	TTL        time.Duration `yaml:"-" toml:"-"`

	TTLRaw string `yaml:"ttl" toml:"ttl"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// A .env file next to the working directory is loaded first (existing variables win).
// Environment variables in the format ${VAR_NAME} are expanded.
// Files ending in .toml are decoded as TOML, everything else as YAML.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes raw configuration bytes. ext selects the format (".toml" or YAML).
func Parse(data []byte, ext string) (*Config, error) {
	// Expand environment variables in the raw content
	expanded := expandEnvVars(string(data))

	var cfg Config
	switch strings.ToLower(ext) {
	case ".toml":
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	default:
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills zero values with the documented defaults.
func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Gateway.Timeout == 0 {
		c.Gateway.Timeout = 15 * time.Second
	}
	if c.Webhook.Path == "" {
		c.Webhook.Path = "/webhooks/waha"
	}
	if c.Webhook.TenantHeader == "" {
		c.Webhook.TenantHeader = "X-Tenant-ID"
	}
	if c.Session.Namespace == "" {
		c.Session.Namespace = "ws_"
	}
	if c.Session.PrefixLength == 0 {
		c.Session.PrefixLength = 12
	}
	if c.Session.MaxPollAttempts == 0 {
		c.Session.MaxPollAttempts = 15
	}
	if c.Session.EmergencyScanLimit == 0 {
		c.Session.EmergencyScanLimit = 100
	}
	if c.Session.SettleDelay == 0 {
		c.Session.SettleDelay = 2 * time.Second
	}
	if c.Session.CreateDelay == 0 {
		c.Session.CreateDelay = 1500 * time.Millisecond
	}
	if c.Session.PollInterval == 0 {
		c.Session.PollInterval = 2 * time.Second
	}
	if c.Dedupe.TTL == 0 {
		c.Dedupe.TTL = 10 * time.Minute
	}
	if c.Dedupe.MaxEntries == 0 {
		c.Dedupe.MaxEntries = 50_000
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	switch c.Database.Driver {
	case "sqlite", "sqlite3":
	default:
		return fmt.Errorf("database.driver must be sqlite or sqlite3, got %q", c.Database.Driver)
	}

	// Half an ambient pair is almost always a deployment mistake.
	if (c.Gateway.BaseURL == "") != (c.Gateway.APIKey == "") {
		return fmt.Errorf("gateway.base_url and gateway.api_key must be set together")
	}
	if c.Gateway.BaseURL != "" {
		if err := validateURL(c.Gateway.BaseURL); err != nil {
			return fmt.Errorf("gateway.base_url: %w", err)
		}
	}

	if c.Webhook.CallbackBaseURL != "" {
		if err := validateURL(c.Webhook.CallbackBaseURL); err != nil {
			return fmt.Errorf("webhook.callback_base_url: %w", err)
		}
	}
	if !strings.HasPrefix(c.Webhook.Path, "/") {
		return fmt.Errorf("webhook.path must start with /")
	}

	if c.Session.PrefixLength < 8 {
		return fmt.Errorf("session.prefix_length must be at least 8")
	}
	if c.Session.MaxPollAttempts < 1 {
		return fmt.Errorf("session.max_poll_attempts must be positive")
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 bytes")
	}

	return nil
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("host is required")
	}
	return nil
}

// CallbackURL returns the full inbound webhook URL, or "" when no callback base is configured.
func (c *Config) CallbackURL() string {
	if c.Webhook.CallbackBaseURL == "" {
		return ""
	}
	return strings.TrimRight(c.Webhook.CallbackBaseURL, "/") + c.Webhook.Path
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"gateway.timeout", cfg.Gateway.TimeoutRaw, &cfg.Gateway.Timeout},
		{"session.settle_delay", cfg.Session.SettleDelayRaw, &cfg.Session.SettleDelay},
		{"session.create_delay", cfg.Session.CreateDelayRaw, &cfg.Session.CreateDelay},
		{"session.poll_interval", cfg.Session.PollIntervalRaw, &cfg.Session.PollInterval},
		{"dedupe.ttl", cfg.Dedupe.TTLRaw, &cfg.Dedupe.TTL},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative", f.name)
		}
		*f.dst = d
	}

	return nil
}
