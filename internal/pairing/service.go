// ABOUTME: QR Lifecycle Service walking a session from any state to a usable pairing payload
// ABOUTME: Bounded waits, one restart escalation, and a shared flow per tenant via singleflight

package pairing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/2389/wa-gateway/internal/clock"
	"github.com/2389/wa-gateway/internal/session"
	"github.com/2389/wa-gateway/internal/waha"
)

// Pairing errors.
var (
	ErrAlreadyConnected          = errors.New("session already connected")
	ErrPairingPayloadUnavailable = errors.New("pairing payload unavailable")
)

// Sessions is the slice of the Session Manager the flow drives.
type Sessions interface {
	Client(ctx context.Context, tenantID string) (*waha.Client, error)
	FindWorking(ctx context.Context, tenantID string) (*waha.Session, error)
	Get(ctx context.Context, tenantID string) (*waha.Session, error)
	Create(ctx context.Context, tenantID string) (*waha.Session, error)
	Start(ctx context.Context, tenantID, name string) error
	Restart(ctx context.Context, tenantID, name string) error
	Await(ctx context.Context, tenantID, name string, done func(waha.Status) bool) (*waha.Session, bool, error)
}

// Options tunes the service.
type Options struct {
	CreateDelay time.Duration // pause after creating a session
	Clock       clock.Clock
}

// Service produces pairing payloads.
type Service struct {
	sessions    Sessions
	clock       clock.Clock
	createDelay time.Duration
	group       singleflight.Group
	logger      *slog.Logger
}

// NewService creates a Service.
func NewService(sessions Sessions, opts Options, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.CreateDelay <= 0 {
		opts.CreateDelay = 1500 * time.Millisecond
	}
	return &Service{
		sessions:    sessions,
		clock:       opts.Clock,
		createDelay: opts.CreateDelay,
		logger:      logger.With("component", "pairing"),
	}
}

// Pair returns a pairing payload for the tenant's session. Concurrent calls
// for the same tenant share one flow and its result; the flow runs under the
// first caller's context.
func (s *Service) Pair(ctx context.Context, tenantID string) (Payload, error) {
	v, err, shared := s.group.Do(tenantID, func() (any, error) {
		return s.pair(ctx, tenantID)
	})
	if shared {
		s.logger.Debug("joined in-flight pairing flow", "tenant_id", tenantID)
	}
	if err != nil {
		return Payload{}, err
	}
	return v.(Payload), nil
}

func pairable(st waha.Status) bool {
	return st == waha.StatusAwaitingPairing || st == waha.StatusWorking
}

func (s *Service) pair(ctx context.Context, tenantID string) (Payload, error) {
	working, err := s.sessions.FindWorking(ctx, tenantID)
	if err != nil {
		return Payload{}, err
	}
	if working != nil {
		s.logger.Info("working session found; no pairing needed", "tenant_id", tenantID, "session", working.Name)
		return Payload{}, ErrAlreadyConnected
	}

	sess, err := s.sessions.Get(ctx, tenantID)
	if err != nil {
		return Payload{}, err
	}
	if sess.Status == waha.StatusNotFound {
		if _, err := s.sessions.Create(ctx, tenantID); err != nil {
			return Payload{}, err
		}
		if err := s.clock.Sleep(ctx, s.createDelay); err != nil {
			return Payload{}, err
		}
		if sess, err = s.sessions.Get(ctx, tenantID); err != nil {
			return Payload{}, err
		}
	}
	name := sess.Name

	restarted := false
	switch sess.Status {
	case waha.StatusWorking:
		return Payload{}, ErrAlreadyConnected
	case waha.StatusStopped:
		if err := s.sessions.Start(ctx, tenantID, name); err != nil {
			return Payload{}, err
		}
	case waha.StatusFailed:
		if err := s.sessions.Restart(ctx, tenantID, name); err != nil {
			return Payload{}, err
		}
		restarted = true
	}

	if sess.Status != waha.StatusAwaitingPairing {
		sess, err = s.waitPairable(ctx, tenantID, name, restarted)
		if err != nil {
			return Payload{}, err
		}
		if sess.Status == waha.StatusWorking {
			return Payload{}, ErrAlreadyConnected
		}
	}

	return s.Fetch(ctx, tenantID, name)
}

// waitPairable polls for AWAITING_PAIRING or WORKING. When the budget runs out
// and no restart has been tried in this flow, it restarts once and waits again.
func (s *Service) waitPairable(ctx context.Context, tenantID, name string, restarted bool) (*waha.Session, error) {
	sess, ok, err := s.sessions.Await(ctx, tenantID, name, pairable)
	if err != nil {
		return nil, err
	}
	if ok {
		return sess, nil
	}

	if !restarted {
		s.logger.Warn("session not ready after wait; restarting once", "tenant_id", tenantID, "session", name, "status", sess.Status)
		if err := s.sessions.Restart(ctx, tenantID, name); err != nil {
			return nil, err
		}
		if sess, ok, err = s.sessions.Await(ctx, tenantID, name, pairable); err != nil {
			return nil, err
		}
		if ok {
			return sess, nil
		}
	}

	s.logger.Error("session never became pairable", "tenant_id", tenantID, "session", name, "status", sess.Status)
	return nil, fmt.Errorf("%w: %s stuck in %s", session.ErrSessionUnrecoverable, name, sess.Status)
}

// Fetch reads the current pairing payload without driving the session.
func (s *Service) Fetch(ctx context.Context, tenantID, name string) (Payload, error) {
	c, err := s.sessions.Client(ctx, tenantID)
	if err != nil {
		return Payload{}, err
	}

	raw, err := c.GetQR(ctx, name)
	if st, notReady := waha.IsNotReady(err); notReady {
		if st == waha.StatusWorking {
			return Payload{}, ErrAlreadyConnected
		}
		return Payload{}, fmt.Errorf("%w: session is %s", ErrPairingPayloadUnavailable, st)
	}
	if err != nil {
		return Payload{}, err
	}

	p, err := ParsePayload(raw)
	if err != nil {
		s.logger.Warn("pairing payload rejected", "tenant_id", tenantID, "session", name, "error", err)
		return Payload{}, err
	}
	s.logger.Info("pairing payload issued", "tenant_id", tenantID, "session", name, "kind", p.Kind)
	return p, nil
}
