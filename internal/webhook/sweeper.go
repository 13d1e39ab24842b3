// ABOUTME: Scheduled sweep re-registering mis-bound tenant webhooks
// ABOUTME: Runs on a robfig/cron schedule over every tenant with a persisted session name

package webhook

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/2389/wa-gateway/internal/store"
)

// DefaultSchedule is used when no sweep schedule is configured.
const DefaultSchedule = "@every 15m"

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ValidateSchedule reports whether spec parses as a sweep schedule.
func ValidateSchedule(spec string) error {
	if _, err := cronParser.Parse(spec); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", spec, err)
	}
	return nil
}

// TenantLister finds tenants with a given setting.
type TenantLister interface {
	ListTenantsWithSetting(ctx context.Context, key string) (map[string]string, error)
}

// SweepResult summarizes one sweep.
type SweepResult struct {
	Checked   int
	Corrected int
	Failed    int
}

// Sweeper periodically verifies and repairs bindings.
type Sweeper struct {
	registrar *Registrar
	tenants   TenantLister
	audit     AuditWriter
	schedule  string
	timeout   time.Duration
	sched     *cron.Cron
	logger    *slog.Logger
}

// NewSweeper creates a sweeper. It does not start until Start is called.
func NewSweeper(registrar *Registrar, tenants TenantLister, audit AuditWriter, schedule string, logger *slog.Logger) (*Sweeper, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if err := ValidateSchedule(schedule); err != nil {
		return nil, err
	}
	return &Sweeper{
		registrar: registrar,
		tenants:   tenants,
		audit:     audit,
		schedule:  schedule,
		timeout:   5 * time.Minute,
		logger:    logger.With("component", "webhook_sweeper"),
	}, nil
}

// Start schedules the sweep.
func (s *Sweeper) Start() error {
	s.sched = cron.New(cron.WithParser(cronParser), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err := s.sched.AddFunc(s.schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		res := s.SweepOnce(ctx)
		s.logger.Info("webhook sweep finished", "checked", res.Checked, "corrected", res.Corrected, "failed", res.Failed)
	})
	if err != nil {
		return fmt.Errorf("scheduling webhook sweep: %w", err)
	}
	s.sched.Start()
	s.logger.Info("webhook sweep scheduled", "schedule", s.schedule)
	return nil
}

// Stop halts scheduling and waits for a running sweep to finish or ctx to end.
func (s *Sweeper) Stop(ctx context.Context) {
	if s.sched == nil {
		return
	}
	select {
	case <-s.sched.Stop().Done():
	case <-ctx.Done():
	}
}

// SweepOnce verifies every tenant that has a persisted session name and
// re-registers any binding that is missing or points at the wrong tenant.
func (s *Sweeper) SweepOnce(ctx context.Context) SweepResult {
	var res SweepResult
	if s.registrar.CallbackURL() == "" {
		s.logger.Error("skipping webhook sweep", "error", ErrCallbackNotConfigured)
		return res
	}

	bound, err := s.tenants.ListTenantsWithSetting(ctx, store.KeySessionName)
	if err != nil {
		s.logger.Error("listing tenants for webhook sweep", "error", err)
		res.Failed++
		return res
	}

	ids := make([]string, 0, len(bound))
	for id := range bound {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, tenantID := range ids {
		if ctx.Err() != nil {
			break
		}
		name := bound[tenantID]
		res.Checked++

		v, err := s.registrar.Verify(ctx, tenantID, name)
		if err != nil {
			s.logger.Warn("webhook verify failed", "tenant_id", tenantID, "session", name, "error", err)
			res.Failed++
			continue
		}
		if v.IsCorrect {
			continue
		}

		s.logger.Warn("webhook binding incorrect",
			"tenant_id", tenantID,
			"session", name,
			"configured", v.IsConfigured,
			"actual_tenant", v.ActualTenant,
		)
		if err := s.registrar.Ensure(ctx, tenantID, name); err != nil {
			s.logger.Error("webhook correction failed", "tenant_id", tenantID, "session", name, "error", err)
			res.Failed++
			continue
		}
		res.Corrected++
		if s.audit != nil {
			entry := &store.AuditEntry{
				Action:   store.AuditWebhookCorrected,
				TenantID: tenantID,
				Target:   name,
				Detail:   map[string]any{"was_configured": v.IsConfigured, "actual_tenant": v.ActualTenant},
			}
			if err := s.audit.AppendAuditLog(ctx, entry); err != nil {
				s.logger.Error("failed to audit webhook correction", "tenant_id", tenantID, "error", err)
			}
		}
	}
	return res
}
