// ABOUTME: Tenant settings store for per-tenant gateway credentials and session names
// ABOUTME: One JSON key/value record per tenant with read-modify-write upserts

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// GetTenantSettings retrieves the settings record for a tenant.
// Returns ErrNotFound if the tenant has no record.
func (s *SQLiteStore) GetTenantSettings(ctx context.Context, tenantID string) (*TenantSettings, error) {
	query := `
		SELECT tenant_id, settings_json, created_at, updated_at
		FROM tenant_settings
		WHERE tenant_id = ?
	`

	ts, err := scanTenantSettings(s.db.QueryRowContext(ctx, query, tenantID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying tenant settings: %w", err)
	}
	return ts, nil
}

// ListTenantSettings returns up to limit records, oldest first.
func (s *SQLiteStore) ListTenantSettings(ctx context.Context, limit int) ([]*TenantSettings, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT tenant_id, settings_json, created_at, updated_at
		FROM tenant_settings
		ORDER BY created_at, tenant_id
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("querying tenant settings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*TenantSettings
	for rows.Next() {
		ts, err := scanTenantSettings(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning tenant settings row: %w", err)
		}
		out = append(out, ts)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating tenant settings rows: %w", err)
	}

	return out, nil
}

// ListTenantsWithSetting returns tenantID -> value for tenants with a non-empty value under key.
func (s *SQLiteStore) ListTenantsWithSetting(ctx context.Context, key string) (map[string]string, error) {
	query := `
		SELECT tenant_id, json_extract(settings_json, '$."' || ? || '"')
		FROM tenant_settings
		WHERE COALESCE(json_extract(settings_json, '$."' || ? || '"'), '') != ''
	`

	rows, err := s.db.QueryContext(ctx, query, key, key)
	if err != nil {
		return nil, fmt.Errorf("querying tenants by setting: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]string)
	for rows.Next() {
		var tenantID, value string
		if err := rows.Scan(&tenantID, &value); err != nil {
			return nil, fmt.Errorf("scanning tenant setting: %w", err)
		}
		out[tenantID] = value
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating tenant settings: %w", err)
	}

	return out, nil
}

// SetTenantSetting upserts one key in the tenant's record.
// An empty value removes the key.
func (s *SQLiteStore) SetTenantSetting(ctx context.Context, tenantID, key, value string) error {
	if tenantID == "" || key == "" {
		return fmt.Errorf("tenant id and key are required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	values := make(map[string]string)
	var raw string
	err = tx.QueryRowContext(ctx,
		`SELECT settings_json FROM tenant_settings WHERE tenant_id = ?`, tenantID,
	).Scan(&raw)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return fmt.Errorf("reading tenant settings: %w", err)
	default:
		if err := decodeSettings(raw, values); err != nil {
			return fmt.Errorf("decoding tenant settings: %w", err)
		}
	}

	if value == "" {
		delete(values, key)
	} else {
		values[key] = value
	}

	data, err := json.Marshal(values)
	if err != nil {
		return fmt.Errorf("encoding tenant settings: %w", err)
	}

	now := time.Now().UTC().Format(timestampLayout)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO tenant_settings (tenant_id, settings_json, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(tenant_id) DO UPDATE SET
			settings_json = excluded.settings_json,
			updated_at = excluded.updated_at
	`, tenantID, string(data), now, now)
	if err != nil {
		return fmt.Errorf("upserting tenant settings: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing tenant settings: %w", err)
	}

	s.logger.Debug("set tenant setting", "tenant_id", tenantID, "key", key)
	return nil
}

// DeleteTenantSetting removes one key from the tenant's record.
// Returns ErrNotFound if the tenant has no record.
func (s *SQLiteStore) DeleteTenantSetting(ctx context.Context, tenantID, key string) error {
	if _, err := s.GetTenantSettings(ctx, tenantID); err != nil {
		return err
	}
	return s.SetTenantSetting(ctx, tenantID, key, "")
}

// scanTenantSettings scans a row into TenantSettings.
func scanTenantSettings(scanner interface{ Scan(dest ...any) error }) (*TenantSettings, error) {
	var ts TenantSettings
	var raw, createdAt, updatedAt string

	if err := scanner.Scan(&ts.TenantID, &raw, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	ts.Values = make(map[string]string)
	if err := decodeSettings(raw, ts.Values); err != nil {
		// A malformed record is skipped by readers rather than failing the whole scan.
		slog.Warn("failed to decode tenant settings", "tenant_id", ts.TenantID, "error", err)
	}

	if parsed, err := time.Parse(time.RFC3339Nano, createdAt); err != nil {
		slog.Warn("failed to parse tenant settings created_at", "tenant_id", ts.TenantID, "error", err)
	} else {
		ts.CreatedAt = parsed
	}
	if parsed, err := time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		slog.Warn("failed to parse tenant settings updated_at", "tenant_id", ts.TenantID, "error", err)
	} else {
		ts.UpdatedAt = parsed
	}

	return &ts, nil
}

// decodeSettings accepts string values and stringifies scalars written by other tools.
func decodeSettings(raw string, dst map[string]string) error {
	var generic map[string]any
	if err := json.Unmarshal([]byte(raw), &generic); err != nil {
		return err
	}
	for k, v := range generic {
		switch val := v.(type) {
		case string:
			dst[k] = val
		case nil:
		default:
			dst[k] = fmt.Sprint(val)
		}
	}
	return nil
}
