// ABOUTME: Gateway orchestrator wiring the session, pairing, dispatch and webhook components
// ABOUTME: Serves the internal HTTP API over TCP or a tailscale node and owns their lifecycle

package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/wa-gateway/internal/auth"
	"github.com/2389/wa-gateway/internal/clock"
	"github.com/2389/wa-gateway/internal/config"
	"github.com/2389/wa-gateway/internal/dedupe"
	"github.com/2389/wa-gateway/internal/dispatch"
	"github.com/2389/wa-gateway/internal/events"
	"github.com/2389/wa-gateway/internal/identity"
	"github.com/2389/wa-gateway/internal/pairing"
	"github.com/2389/wa-gateway/internal/session"
	"github.com/2389/wa-gateway/internal/store"
	"github.com/2389/wa-gateway/internal/tenantcfg"
	"github.com/2389/wa-gateway/internal/webhook"
)

// Gateway serves the internal API and routes inbound gateway webhooks.
type Gateway struct {
	config      *config.Config
	store       store.Store
	sessions    *session.Manager
	pairing     *pairing.Service
	dispatcher  *dispatch.Dispatcher
	registrar   *webhook.Registrar
	sweeper     *webhook.Sweeper
	broadcaster *events.Broadcaster
	dedupe      *dedupe.Cache
	verifier    *auth.JWTVerifier
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	clock       clock.Clock
	logger      *slog.Logger

	shutdownOnce sync.Once
	shutdownErr  error

	// heartbeat is the SSE keepalive interval
	heartbeat time.Duration
}

// Option customizes a Gateway built by NewWithStore.
type Option func(*options)

type options struct {
	clock      clock.Clock
	httpClient *http.Client
}

// WithClock replaces the wall clock used for settle delays and polling.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithHTTPClient sets the client used for outbound gateway calls.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// initStore opens the configured database. WAGW_DB_PATH overrides the path.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("WAGW_DB_PATH"); envPath != "" {
		dbPath = envPath
	}
	s, err := store.Open(cfg.Database.Driver, dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// New opens the store named in cfg and builds a Gateway on it.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}
	gw, err := NewWithStore(cfg, s, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	return gw, nil
}

// NewWithStore builds a Gateway on an already-open store. The gateway takes
// ownership of s and closes it on Shutdown.
func NewWithStore(cfg *config.Config, s store.Store, logger *slog.Logger, opts ...Option) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	o := options{clock: clock.Real{}}
	for _, opt := range opts {
		opt(&o)
	}
	if o.httpClient == nil {
		o.httpClient = &http.Client{Timeout: cfg.Gateway.Timeout}
	}

	resolver := tenantcfg.NewDefault(s, tenantcfg.Options{
		AmbientBaseURL: cfg.Gateway.BaseURL,
		AmbientAPIKey:  cfg.Gateway.APIKey,
		ScanLimit:      cfg.Session.EmergencyScanLimit,
	}, logger)

	callbackURL := cfg.CallbackURL()
	sessions := session.NewManager(resolver, s, session.Options{
		Namer: identity.Namer{
			Namespace:    cfg.Session.Namespace,
			PrefixLength: cfg.Session.PrefixLength,
		},
		CallbackURL:     callbackURL,
		TenantHeader:    cfg.Webhook.TenantHeader,
		PollInterval:    cfg.Session.PollInterval,
		MaxPollAttempts: cfg.Session.MaxPollAttempts,
		HTTPClient:      o.httpClient,
		Clock:           o.clock,
	}, logger)

	registrar := webhook.NewRegistrar(sessions, s, callbackURL, cfg.Webhook.TenantHeader, logger)
	if callbackURL == "" {
		logger.Warn("webhook.callback_base_url not set; sessions will be created without a webhook binding")
	}

	gw := &Gateway{
		config:   cfg,
		store:    s,
		sessions: sessions,
		pairing: pairing.NewService(sessions, pairing.Options{
			CreateDelay: cfg.Session.CreateDelay,
			Clock:       o.clock,
		}, logger),
		dispatcher: dispatch.NewDispatcher(sessions, dispatch.Options{
			SettleDelay: cfg.Session.SettleDelay,
			Clock:       o.clock,
		}, logger),
		registrar:   registrar,
		broadcaster: events.NewBroadcaster(logger),
		dedupe:      dedupe.New(cfg.Dedupe.TTL, cfg.Dedupe.MaxEntries, o.clock),
		clock:       o.clock,
		logger:      logger.With("component", "gateway"),
		heartbeat:   25 * time.Second,
	}

	if callbackURL != "" && cfg.Webhook.SweepSchedule != "" {
		sweeper, err := webhook.NewSweeper(registrar, s, s, cfg.Webhook.SweepSchedule, logger)
		if err != nil {
			return nil, err
		}
		gw.sweeper = sweeper
	}

	if cfg.Auth.JWTSecret != "" {
		verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			return nil, fmt.Errorf("creating JWT verifier: %w", err)
		}
		gw.verifier = verifier
		gw.logger.Info("internal API requires bearer tokens")
	} else {
		gw.logger.Warn("auth disabled - no jwt_secret configured; tenants are identified by header")
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return gw, nil
}

// Handler returns the gateway's HTTP handler.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// Broadcaster exposes the inbound event fan-out.
func (g *Gateway) Broadcaster() *events.Broadcaster {
	return g.broadcaster
}

// setupTCPListener creates a plain TCP listener on server.http_addr.
func (g *Gateway) setupTCPListener() (net.Listener, error) {
	g.logger.Info("starting gateway", "http_addr", g.config.Server.HTTPAddr)
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// setupListener creates the listener based on configuration (Tailscale or TCP).
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.http_addr is ignored when tailscale is enabled", "http_addr", g.config.Server.HTTPAddr)
		}
		return g.setupTailscaleListener(ctx)
	}
	return g.setupTCPListener()
}

// Run serves until ctx is canceled or the server fails, then shuts down.
// Returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := g.setupListener(ctx)
	if err != nil {
		return err
	}

	if g.sweeper != nil {
		if err := g.sweeper.Start(); err != nil {
			_ = ln.Close()
			return err
		}
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.logger.Error("server error", "error", err)
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		<-egCtx.Done()
		if ctx.Err() != nil {
			g.logger.Info("context canceled, initiating shutdown")
		}
		return g.gracefulShutdown()
	})
	return eg.Wait()
}

// gracefulShutdown performs shutdown with a fresh context and timeout,
// since the run context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "wa-gateway", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable (get one at https://login.tailscale.com/admin/settings/keys)")
	}
	return authKey, nil
}

// setupTailscaleListener joins the tailnet and returns the HTTP listener.
func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}

	g.logTailscaleStatus(tsCfg.Hostname, status)
	g.checkCallbackAgainstStatus(status)

	return g.createTailscaleHTTPListener(tsCfg)
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// checkCallbackAgainstStatus warns when the node is publicly reachable but the
// configured callback points somewhere else.
func (g *Gateway) checkCallbackAgainstStatus(status *ipnstate.Status) {
	if !g.config.Tailscale.Funnel || status.Self == nil || status.Self.DNSName == "" {
		return
	}
	public := "https://" + strings.TrimSuffix(status.Self.DNSName, ".")
	switch cb := g.config.Webhook.CallbackBaseURL; {
	case cb == "":
		g.logger.Warn("funnel enabled but webhook.callback_base_url not set", "suggested", public)
	case !strings.HasPrefix(cb, public):
		g.logger.Warn("webhook.callback_base_url does not match the funnel address", "configured", cb, "funnel", public)
	}
}

// createTailscaleHTTPListener creates the appropriate HTTP listener based on config.
func (g *Gateway) createTailscaleHTTPListener(tsCfg config.TailscaleConfig) (net.Listener, error) {
	switch {
	case tsCfg.Funnel:
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := g.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale funnel port: %w", err)
		}
		return ln, nil
	case tsCfg.HTTPS:
		return g.createTailscaleTLSListener()
	default:
		ln, err := g.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}
}

// createTailscaleTLSListener creates a TLS listener using Tailscale's auto-provisioned certs.
func (g *Gateway) createTailscaleTLSListener() (net.Listener, error) {
	g.logger.Info("enabling HTTPS with Tailscale certs on :443")
	ln, err := g.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
	}
	lc, err := g.tsnetServer.LocalClient()
	if err != nil {
		_ = ln.Close()
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("getting tailscale local client: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), nil
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown gracefully stops the server and releases resources. Later calls
// return the first call's result.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.shutdownOnce.Do(func() {
		g.logger.Info("shutting down gateway")

		var errs []error
		if g.sweeper != nil {
			g.sweeper.Stop(ctx)
		}
		// Streams end first so Shutdown does not wait on open SSE connections.
		g.broadcaster.Close()
		errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
		if g.tsnetServer != nil {
			errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
		}
		errs = appendCloseError(errs, "store close", g.store.Close())

		if len(errs) > 0 {
			g.shutdownErr = fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
		}
	})
	return g.shutdownErr
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK when the store is reachable.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := g.store.Ping(ctx); err != nil {
		g.logger.Warn("readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
