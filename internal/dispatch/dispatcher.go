// ABOUTME: Message Dispatcher sending text, image and file messages through a tenant's session
// ABOUTME: A not-ready session gets exactly one restart-and-retry; an unpaired one fails fast

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/2389/wa-gateway/internal/clock"
	"github.com/2389/wa-gateway/internal/waha"
)

// DirectSuffix routes to a direct contact.
const DirectSuffix = "@c.us"

// Dispatch errors.
var (
	ErrMustPairFirst    = errors.New("session must be paired before sending")
	ErrInvalidRecipient = errors.New("invalid recipient")
	ErrInvalidMessage   = errors.New("invalid message")
)

// Sessions is the slice of the Session Manager the dispatcher uses.
type Sessions interface {
	Client(ctx context.Context, tenantID string) (*waha.Client, error)
	SessionName(ctx context.Context, tenantID string) (string, error)
	Restart(ctx context.Context, tenantID, name string) error
}

// Result reports the outcome of one send.
type Result struct {
	Sent      bool   `json:"sent"`
	MessageID string `json:"message_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Media is an image or file attachment. Set URL or base64 Data.
type Media struct {
	URL      string `json:"url,omitempty"`
	Data     string `json:"data,omitempty"`
	Mimetype string `json:"mimetype,omitempty"`
	Filename string `json:"filename,omitempty"`
	Caption  string `json:"caption,omitempty"`
}

func (m Media) validate() error {
	if m.URL == "" && m.Data == "" {
		return fmt.Errorf("%w: media needs a url or data", ErrInvalidMessage)
	}
	return nil
}

// Options tunes the dispatcher.
type Options struct {
	SettleDelay time.Duration // wait after the recovery restart
	Clock       clock.Clock
}

// Dispatcher sends messages.
type Dispatcher struct {
	sessions Sessions
	settle   time.Duration
	clock    clock.Clock
	logger   *slog.Logger
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(sessions Sessions, opts Options, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.SettleDelay <= 0 {
		opts.SettleDelay = 2 * time.Second
	}
	return &Dispatcher{
		sessions: sessions,
		settle:   opts.SettleDelay,
		clock:    opts.Clock,
		logger:   logger.With("component", "dispatch"),
	}
}

// NormalizeRecipient returns a chat id. Addresses that already carry a routing
// suffix pass through; bare numbers get the direct-contact suffix.
func NormalizeRecipient(to string) (string, error) {
	to = strings.TrimSpace(to)
	if to == "" {
		return "", ErrInvalidRecipient
	}
	if strings.Contains(to, "@") {
		return to, nil
	}
	digits := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '+', '-', '(', ')', '.':
			return -1
		}
		return r
	}, to)
	if digits == "" {
		return "", ErrInvalidRecipient
	}
	return digits + DirectSuffix, nil
}

type sendFunc func(ctx context.Context, c *waha.Client, session, chatID string) (*waha.SendResult, error)

// SendText sends a text message.
func (d *Dispatcher) SendText(ctx context.Context, tenantID, to, text string) (Result, error) {
	if strings.TrimSpace(text) == "" {
		return failed(fmt.Errorf("%w: text is empty", ErrInvalidMessage))
	}
	return d.send(ctx, "text", tenantID, to, func(ctx context.Context, c *waha.Client, session, chatID string) (*waha.SendResult, error) {
		return c.SendText(ctx, waha.SendTextRequest{Session: session, ChatID: chatID, Text: text})
	})
}

// SendImage sends an image with an optional caption.
func (d *Dispatcher) SendImage(ctx context.Context, tenantID, to string, m Media) (Result, error) {
	if err := m.validate(); err != nil {
		return failed(err)
	}
	return d.send(ctx, "image", tenantID, to, func(ctx context.Context, c *waha.Client, session, chatID string) (*waha.SendResult, error) {
		return c.SendImage(ctx, fileRequest(session, chatID, m))
	})
}

// SendFile sends a document.
func (d *Dispatcher) SendFile(ctx context.Context, tenantID, to string, m Media) (Result, error) {
	if err := m.validate(); err != nil {
		return failed(err)
	}
	return d.send(ctx, "file", tenantID, to, func(ctx context.Context, c *waha.Client, session, chatID string) (*waha.SendResult, error) {
		return c.SendFile(ctx, fileRequest(session, chatID, m))
	})
}

func fileRequest(session, chatID string, m Media) waha.SendFileRequest {
	return waha.SendFileRequest{
		Session: session,
		ChatID:  chatID,
		File:    waha.File{Mimetype: m.Mimetype, URL: m.URL, Data: m.Data, Filename: m.Filename},
		Caption: m.Caption,
	}
}

func failed(err error) (Result, error) {
	return Result{Sent: false, Error: err.Error()}, err
}

func (d *Dispatcher) send(ctx context.Context, kind, tenantID, to string, fn sendFunc) (Result, error) {
	chatID, err := NormalizeRecipient(to)
	if err != nil {
		return failed(err)
	}
	c, err := d.sessions.Client(ctx, tenantID)
	if err != nil {
		return failed(err)
	}
	name, err := d.sessions.SessionName(ctx, tenantID)
	if err != nil {
		return failed(err)
	}

	res, err := fn(ctx, c, name, chatID)
	if err == nil {
		return d.sent(kind, tenantID, res), nil
	}

	state, notReady := waha.IsNotReady(err)
	if !notReady {
		return failed(err)
	}
	if state == waha.StatusAwaitingPairing {
		return failed(fmt.Errorf("%w: %w", ErrMustPairFirst, err))
	}

	d.logger.Warn("session not ready; restarting once before retry",
		"tenant_id", tenantID, "session", name, "state", state, "kind", kind)
	if err := d.sessions.Restart(ctx, tenantID, name); err != nil {
		return failed(fmt.Errorf("restarting session before retry: %w", err))
	}
	if err := d.clock.Sleep(ctx, d.settle); err != nil {
		return failed(err)
	}

	res, err = fn(ctx, c, name, chatID)
	if err != nil {
		if state, ok := waha.IsNotReady(err); ok && state == waha.StatusAwaitingPairing {
			return failed(fmt.Errorf("%w: %w", ErrMustPairFirst, err))
		}
		d.logger.Error("send failed after restart", "tenant_id", tenantID, "session", name, "kind", kind, "error", err)
		return failed(err)
	}
	return d.sent(kind, tenantID, res), nil
}

func (d *Dispatcher) sent(kind, tenantID string, res *waha.SendResult) Result {
	d.logger.Debug("message sent", "tenant_id", tenantID, "kind", kind, "message_id", res.MessageID)
	return Result{Sent: true, MessageID: res.MessageID}
}
