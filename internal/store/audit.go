// ABOUTME: Audit log entity and store methods for tracking cross-tenant and lifecycle actions
// ABOUTME: Records emergency credential use, session lifecycle commands and webhook corrections

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AuditAction represents an auditable action.
type AuditAction string

const (
	// AuditEmergencyConfig records a tenant resolved with another tenant's credentials.
	AuditEmergencyConfig  AuditAction = "emergency_config"
	AuditSetTenantConfig  AuditAction = "set_tenant_config"
	AuditCreateSession    AuditAction = "create_session"
	AuditRestartSession   AuditAction = "restart_session"
	AuditLogoutSession    AuditAction = "logout_session"
	AuditRegisterWebhook  AuditAction = "register_webhook"
	AuditWebhookCorrected AuditAction = "webhook_corrected"
)

// SystemActor is the actor recorded for actions not triggered by a caller.
const SystemActor = "system"

// AuditEntry represents a single audit log entry.
type AuditEntry struct {
	ID        string         // UUID v4
	Actor     string         // tenant/principal id from the request, or SystemActor
	Action    AuditAction    // what action was performed
	TenantID  string         // tenant the action applied to
	Target    string         // session name, source tenant, callback URL...
	Timestamp time.Time      // when it happened
	Detail    map[string]any // additional context
}

// AuditFilter specifies filtering options for listing audit entries.
type AuditFilter struct {
	Since    *time.Time   // entries after this time
	TenantID *string      // filter by tenant
	Action   *AuditAction // filter by action type
	Limit    int          // max results (default 100, max 1000)
}

// AppendAuditLog appends a new entry to the audit log.
// Generates ID and Timestamp if not set.
func (s *SQLiteStore) AppendAuditLog(ctx context.Context, e *AuditEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.Actor == "" {
		e.Actor = SystemActor
	}

	var detailJSON *string
	if e.Detail != nil {
		data, err := json.Marshal(e.Detail)
		if err != nil {
			return fmt.Errorf("marshaling audit detail: %w", err)
		}
		str := string(data)
		detailJSON = &str
	}

	query := `
		INSERT INTO audit_log (audit_id, actor, action, tenant_id, target, ts, detail_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		e.ID,
		e.Actor,
		string(e.Action),
		e.TenantID,
		e.Target,
		e.Timestamp.UTC().Format(timestampLayout),
		detailJSON,
	)
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}

	s.logger.Debug("appended audit log",
		"id", e.ID,
		"actor", e.Actor,
		"action", e.Action,
		"tenant_id", e.TenantID,
	)
	return nil
}

// normalizeAuditLimit applies default (100) and cap (1000) to audit limit.
func normalizeAuditLimit(limit int) int {
	switch {
	case limit <= 0:
		return 100
	case limit > 1000:
		return 1000
	default:
		return limit
	}
}

// scanAuditEntry scans a row into an AuditEntry.
func scanAuditEntry(scanner interface{ Scan(dest ...any) error }) (AuditEntry, error) {
	var e AuditEntry
	var actionStr, tsStr string
	var detailJSON *string

	if err := scanner.Scan(
		&e.ID,
		&e.Actor,
		&actionStr,
		&e.TenantID,
		&e.Target,
		&tsStr,
		&detailJSON,
	); err != nil {
		return e, fmt.Errorf("scanning audit entry: %w", err)
	}

	e.Action = AuditAction(actionStr)
	var err error
	e.Timestamp, err = time.Parse(time.RFC3339Nano, tsStr)
	if err != nil {
		return e, fmt.Errorf("parsing timestamp: %w", err)
	}

	if detailJSON != nil {
		if err := json.Unmarshal([]byte(*detailJSON), &e.Detail); err != nil {
			return e, fmt.Errorf("unmarshaling detail: %w", err)
		}
	}
	return e, nil
}

const auditLogQuery = `
	SELECT audit_id, actor, action, tenant_id, target, ts, detail_json
	FROM audit_log
	WHERE (? IS NULL OR ts >= ?)
	  AND (? IS NULL OR tenant_id = ?)
	  AND (? IS NULL OR action = ?)
	ORDER BY ts DESC
	LIMIT ?
`

// ListAuditLog returns audit entries matching the filter criteria.
// Results are returned newest first (DESC by timestamp).
func (s *SQLiteStore) ListAuditLog(ctx context.Context, f AuditFilter) ([]AuditEntry, error) {
	limit := normalizeAuditLimit(f.Limit)

	var sinceStr, actionStr *string
	if f.Since != nil {
		v := f.Since.UTC().Format(timestampLayout)
		sinceStr = &v
	}
	if f.Action != nil {
		v := string(*f.Action)
		actionStr = &v
	}

	rows, err := s.db.QueryContext(ctx, auditLogQuery,
		sinceStr, sinceStr,
		f.TenantID, f.TenantID,
		actionStr, actionStr,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying audit log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []AuditEntry
	for rows.Next() {
		e, err := scanAuditEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit entries: %w", err)
	}

	if entries == nil {
		entries = []AuditEntry{}
	}
	return entries, nil
}
