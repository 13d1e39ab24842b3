// ABOUTME: Per-tenant gateway credential resolution via an ordered strategy chain
// ABOUTME: Ambient config, then the tenant's persisted record, then an audited shared scan

package tenantcfg

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrConfigurationMissing is returned when no strategy yields a complete pair.
var ErrConfigurationMissing = errors.New("gateway configuration missing")

// Config is the endpoint and credential used for every gateway call of a tenant.
type Config struct {
	BaseURL string
	APIKey  string
	// Source names the strategy that produced the pair.
	Source string
}

// Complete reports whether both fields are usable.
func (c Config) Complete() bool {
	return c.BaseURL != "" && c.APIKey != ""
}

// Strategy is one tier of the fallback chain. A strategy that has nothing to
// offer returns ok=false with a nil error; errors abort the chain.
type Strategy interface {
	Name() string
	Lookup(ctx context.Context, tenantID string) (cfg Config, ok bool, err error)
}

// Resolver walks its strategies in order and returns the first complete pair.
type Resolver struct {
	strategies []Strategy
	logger     *slog.Logger
}

// NewResolver creates a resolver over the given strategies, in priority order.
func NewResolver(logger *slog.Logger, strategies ...Strategy) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		strategies: strategies,
		logger:     logger.With("component", "tenantcfg"),
	}
}

// Resolve returns the gateway configuration for tenantID. tenantID may be
// empty, in which case only tenant-independent strategies can succeed.
func (r *Resolver) Resolve(ctx context.Context, tenantID string) (Config, error) {
	for _, s := range r.strategies {
		cfg, ok, err := s.Lookup(ctx, tenantID)
		if err != nil {
			return Config{}, fmt.Errorf("resolving %s config for tenant %q: %w", s.Name(), tenantID, err)
		}
		if !ok || !cfg.Complete() {
			continue
		}
		cfg.Source = s.Name()
		r.logger.Debug("resolved gateway config", "tenant_id", tenantID, "source", cfg.Source)
		return cfg, nil
	}
	return Config{}, fmt.Errorf("%w for tenant %q", ErrConfigurationMissing, tenantID)
}
