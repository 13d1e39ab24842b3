// ABOUTME: Entry point for the wa-gateway server
// ABOUTME: Subcommands to serve, write a config, check health and mint tenant tokens

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/wa-gateway/internal/auth"
	"github.com/2389/wa-gateway/internal/config"
	"github.com/2389/wa-gateway/internal/gateway"
	"github.com/2389/wa-gateway/internal/identity"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                                  _
 __      ____ _        __ _  __ _| |_ _____      ____ _ _   _
 \ \ /\ / / _' |_____ / _' |/ _' | __/ _ \ \ /\ / / _' | | | |
  \ V  V / (_| |_____| (_| | (_| | ||  __/\ V  V / (_| | |_| |
   \_/\_/ \__,_|      \__, |\__,_|\__\___| \_/\_/ \__,_|\__, |
                      |___/                             |___/
`

// getConfigPath returns the path to the gateway config file.
// Priority: WAGW_CONFIG env var > XDG_CONFIG_HOME/wa-gateway/gateway.yaml > ~/.config/wa-gateway/gateway.yaml
func getConfigPath() string {
	if envPath := os.Getenv("WAGW_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "wa-gateway", "gateway.yaml")
}

// getDataPath returns the path to the data directory.
// Priority: XDG_DATA_HOME/wa-gateway > ~/.local/share/wa-gateway
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "wa-gateway")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: wa-gateway <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                                   Start the gateway server")
		fmt.Println("  init                                    Create a new config file interactively")
		fmt.Println("  health                                  Check gateway health")
		fmt.Println("  token --tenant ID [--admin] [--ttl D]   Mint an API token for a tenant")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "health":
		err = runHealth(ctx)
	case "token":
		err = runToken(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	if !cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	}
	green.Print("    ▶ ")
	if cb := cfg.CallbackURL(); cb != "" {
		fmt.Printf("Webhooks:  %s\n", cb)
	} else {
		fmt.Print("Webhooks:  ")
		yellow.Println("not configured")
	}

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Print(" [funnel]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}
	if cfg.Auth.JWTSecret == "" {
		yellow.Println("    ! auth disabled: tenants are trusted from the X-Tenant-ID header")
	}

	fmt.Println()

	logger.Info("starting wa-gateway",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"database_driver", cfg.Database.Driver,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	for _, path := range []string{"/health", "/health/ready"} {
		url := fmt.Sprintf("http://%s%s", cfg.Server.HTTPAddr, path)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return fmt.Errorf("creating request: %w", err)
		}

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return fmt.Errorf("health check failed: %w", err)
		}
		resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("unhealthy: %s returned status %d", path, resp.StatusCode)
		}
	}

	fmt.Println("healthy")
	return nil
}

// tokenArgs are the parsed flags of the token command.
type tokenArgs struct {
	tenant string
	admin  bool
	ttl    time.Duration
	out    string
}

// parseTokenArgs supports both "--flag value" and "--flag=value" formats.
func parseTokenArgs(args []string) (tokenArgs, error) {
	ta := tokenArgs{ttl: 30 * 24 * time.Hour}

	value := func(i *int, name string) (string, error) {
		arg := args[*i]
		if v, ok := strings.CutPrefix(arg, name+"="); ok {
			return v, nil
		}
		if *i+1 >= len(args) {
			return "", fmt.Errorf("%s requires a value", name)
		}
		*i++
		return args[*i], nil
	}

	for i := 0; i < len(args); i++ {
		arg := args[i]
		flag, _, _ := strings.Cut(arg, "=")
		var err error
		switch flag {
		case "--tenant", "-t":
			ta.tenant, err = value(&i, flag)
		case "--out", "-o":
			ta.out, err = value(&i, flag)
		case "--ttl":
			var raw string
			if raw, err = value(&i, flag); err == nil {
				ta.ttl, err = time.ParseDuration(raw)
				if err == nil && ta.ttl <= 0 {
					err = errors.New("--ttl must be positive")
				}
			}
		case "--admin":
			ta.admin = true
		default:
			if strings.HasPrefix(arg, "-") {
				return ta, fmt.Errorf("unknown flag: %s", arg)
			}
			return ta, fmt.Errorf("unexpected argument: %s", arg)
		}
		if err != nil {
			return ta, err
		}
	}

	ta.tenant = strings.TrimSpace(ta.tenant)
	if ta.tenant == "" {
		return ta, errors.New("--tenant flag is required")
	}
	if _, err := identity.NameFor(ta.tenant); err != nil {
		return ta, err
	}
	return ta, nil
}

// runToken signs a bearer token whose subject is the tenant id.
func runToken(args []string) error {
	ta, err := parseTokenArgs(args)
	if err != nil {
		return err
	}

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("jwt_secret not configured in %s (required for tokens)", configPath)
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return fmt.Errorf("creating JWT verifier: %w", err)
	}

	var roles []string
	if ta.admin {
		roles = []string{auth.RoleAdmin}
	}
	token, err := verifier.Generate(ta.tenant, roles, ta.ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	if ta.out == "" {
		fmt.Println(token)
		return nil
	}
	if err := os.WriteFile(ta.out, []byte(token), 0600); err != nil {
		return fmt.Errorf("writing token file: %w", err)
	}
	green := color.New(color.FgGreen)
	green.Printf("  ✓ Saved token: %s\n", ta.out)
	fmt.Printf("  Tenant:  %s\n", ta.tenant)
	fmt.Printf("  Expires: %s\n", time.Now().Add(ta.ttl).UTC().Format("Jan 02, 2006"))
	return nil
}

func yes(s string) bool {
	s = strings.ToLower(s)
	return s == "yes" || s == "y"
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("wa-gateway configuration setup")
	fmt.Println("==============================")
	fmt.Println()

	defaultDbPath := filepath.Join(getDataPath(), "gateway.db")

	outputFile := prompt(reader, "Config file path", getConfigPath())
	if _, err := os.Stat(outputFile); err == nil {
		if !yes(prompt(reader, "File exists. Overwrite?", "no")) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Server Configuration ---")
	httpAddr := prompt(reader, "HTTP address", "localhost:8080")

	fmt.Println("\n--- Database Configuration ---")
	dbPath := prompt(reader, "SQLite database path", defaultDbPath)
	dbDriver := prompt(reader, "SQLite driver (sqlite/sqlite3)", "sqlite")

	fmt.Println("\n--- Messaging Gateway ---")
	baseURL := prompt(reader, "Shared gateway URL (leave empty for per-tenant config)", "")
	var apiKey string
	if baseURL != "" {
		apiKey = prompt(reader, "Shared gateway API key", "")
	}
	callbackBase := prompt(reader, "Public base URL for inbound webhooks (leave empty to skip)", "")

	fmt.Println("\n--- Tailscale Configuration ---")
	tailscaleEnabled := yes(prompt(reader, "Enable Tailscale?", "no"))
	var tsHostname, tsAuthKey string
	var tsEphemeral, tsFunnel bool
	if tailscaleEnabled {
		tsHostname = prompt(reader, "Tailscale hostname", "wa-gateway")
		tsAuthKey = prompt(reader, "Tailscale auth key (leave empty to use TS_AUTHKEY)", "")
		tsEphemeral = yes(prompt(reader, "Ephemeral node?", "no"))
		tsFunnel = yes(prompt(reader, "Enable Funnel (public HTTPS, needed for webhooks)?", "yes"))
	}

	fmt.Println("\n--- Authentication ---")
	var jwtSecret string
	if yes(prompt(reader, "Require bearer tokens on the API?", "yes")) {
		secretBytes := make([]byte, 32)
		if _, err := rand.Read(secretBytes); err != nil {
			return fmt.Errorf("generating JWT secret: %w", err)
		}
		jwtSecret = base64.StdEncoding.EncodeToString(secretBytes)
	}

	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	var cfg strings.Builder
	cfg.WriteString("# wa-gateway configuration\n")
	cfg.WriteString("# Generated by wa-gateway init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  http_addr: %q\n\n", httpAddr))

	cfg.WriteString("database:\n")
	cfg.WriteString(fmt.Sprintf("  driver: %q\n", dbDriver))
	cfg.WriteString(fmt.Sprintf("  path: %q\n\n", dbPath))

	cfg.WriteString("tailscale:\n")
	cfg.WriteString(fmt.Sprintf("  enabled: %t\n", tailscaleEnabled))
	if tailscaleEnabled {
		cfg.WriteString(fmt.Sprintf("  hostname: %q\n", tsHostname))
		if tsAuthKey != "" {
			cfg.WriteString(fmt.Sprintf("  auth_key: %q\n", tsAuthKey))
		}
		cfg.WriteString(fmt.Sprintf("  ephemeral: %t\n", tsEphemeral))
		cfg.WriteString(fmt.Sprintf("  funnel: %t\n", tsFunnel))
	}
	cfg.WriteString("\n")

	if jwtSecret != "" {
		cfg.WriteString("auth:\n")
		cfg.WriteString(fmt.Sprintf("  jwt_secret: %q\n\n", jwtSecret))
	}

	if baseURL != "" {
		cfg.WriteString("gateway:\n")
		cfg.WriteString(fmt.Sprintf("  base_url: %q\n", baseURL))
		cfg.WriteString(fmt.Sprintf("  api_key: %q\n", apiKey))
		cfg.WriteString("  timeout: \"15s\"\n\n")
	}

	cfg.WriteString("webhook:\n")
	if callbackBase != "" {
		cfg.WriteString(fmt.Sprintf("  callback_base_url: %q\n", callbackBase))
	}
	cfg.WriteString("  path: \"/webhooks/waha\"\n")
	cfg.WriteString("  sweep_schedule: \"@every 15m\"\n\n")

	cfg.WriteString("session:\n")
	cfg.WriteString("  settle_delay: \"2s\"\n")
	cfg.WriteString("  create_delay: \"1500ms\"\n")
	cfg.WriteString("  poll_interval: \"2s\"\n")
	cfg.WriteString("  max_poll_attempts: 15\n\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: %q\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: %q\n", logFormat))

	configDir := filepath.Dir(outputFile)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	// The file can hold the JWT secret and API key.
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	dataDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Printf("Data directory: %s\n", dataDir)
	fmt.Println("\nTo start the server:")
	fmt.Printf("  wa-gateway serve\n")
	if jwtSecret != "" {
		fmt.Println("\nTo mint a tenant token:")
		fmt.Printf("  wa-gateway token --tenant <tenant-id>\n")
	}

	return nil
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
