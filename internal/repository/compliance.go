package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/venuetix/notification-service/internal/notification"
)

// GetConsent retrieves the consent record for (tenant, recipient,
// channel, type). Absence is ErrNotFound; the compliance gate decides
// what absence means per notification type.
func (r *Postgres) GetConsent(ctx context.Context, tenantID, recipientID string, channel notification.Channel, typ notification.Type) (*notification.ConsentRecord, error) {
	if tenantID == "" {
		return nil, ErrMissingTenant
	}

	var rec notification.ConsentRecord
	var venueID sql.NullString
	var expiresAt, revokedAt sql.NullTime

	err := r.db.QueryRowContext(ctx, `
		SELECT tenant_id, recipient_id, channel, type, venue_id, granted_at, expires_at, revoked_at
		FROM consents
		WHERE tenant_id = $1 AND recipient_id = $2 AND channel = $3 AND type = $4
	`, tenantID, recipientID, channel, typ).Scan(
		&rec.TenantID, &rec.RecipientID, &rec.Channel, &rec.Type,
		&venueID, &rec.GrantedAt, &expiresAt, &revokedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get consent: %w", err)
	}

	rec.VenueID = nullableString(venueID)
	if expiresAt.Valid {
		rec.ExpiresAt = &expiresAt.Time
	}
	if revokedAt.Valid {
		rec.RevokedAt = &revokedAt.Time
	}

	return &rec, nil
}

// UpsertConsent records or refreshes a consent grant.
func (r *Postgres) UpsertConsent(ctx context.Context, rec notification.ConsentRecord) error {
	if rec.TenantID == "" {
		return ErrMissingTenant
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO consents (tenant_id, recipient_id, channel, type, venue_id, granted_at, expires_at, revoked_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (tenant_id, recipient_id, channel, type)
		DO UPDATE SET venue_id = $5, granted_at = $6, expires_at = $7, revoked_at = $8
	`, rec.TenantID, rec.RecipientID, rec.Channel, rec.Type,
		rec.VenueID, rec.GrantedAt, rec.ExpiresAt, rec.RevokedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert consent: %w", err)
	}

	return nil
}

// RevokeConsent marks a consent revoked without deleting its history.
func (r *Postgres) RevokeConsent(ctx context.Context, tenantID, recipientID string, channel notification.Channel, typ notification.Type, at time.Time) error {
	if tenantID == "" {
		return ErrMissingTenant
	}

	result, err := r.db.ExecContext(ctx, `
		UPDATE consents
		SET revoked_at = $5
		WHERE tenant_id = $1 AND recipient_id = $2 AND channel = $3 AND type = $4
			AND revoked_at IS NULL
	`, tenantID, recipientID, channel, typ, at)
	if err != nil {
		return fmt.Errorf("failed to revoke consent: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

// GetSuppression retrieves a suppression entry for (tenant, channel,
// recipient hash). Absence is ErrNotFound.
func (r *Postgres) GetSuppression(ctx context.Context, tenantID string, channel notification.Channel, recipientHash string) (*notification.SuppressionEntry, error) {
	if tenantID == "" {
		return nil, ErrMissingTenant
	}

	var entry notification.SuppressionEntry
	err := r.db.QueryRowContext(ctx, `
		SELECT tenant_id, channel, recipient_hash, reason, created_at
		FROM suppressions
		WHERE tenant_id = $1 AND channel = $2 AND recipient_hash = $3
	`, tenantID, channel, recipientHash).Scan(
		&entry.TenantID, &entry.Channel, &entry.RecipientHash,
		&entry.Reason, &entry.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get suppression: %w", err)
	}

	return &entry, nil
}

// AddSuppression records a suppression, refreshing the reason when the
// entry already exists (a later hard bounce outranks an old complaint).
func (r *Postgres) AddSuppression(ctx context.Context, entry notification.SuppressionEntry) error {
	if entry.TenantID == "" {
		return ErrMissingTenant
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO suppressions (tenant_id, channel, recipient_hash, reason, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tenant_id, channel, recipient_hash)
		DO UPDATE SET reason = $4, created_at = $5
	`, entry.TenantID, entry.Channel, entry.RecipientHash, entry.Reason, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to add suppression: %w", err)
	}

	return nil
}

// RemoveSuppression deletes a suppression entry.
func (r *Postgres) RemoveSuppression(ctx context.Context, tenantID string, channel notification.Channel, recipientHash string) error {
	if tenantID == "" {
		return ErrMissingTenant
	}

	result, err := r.db.ExecContext(ctx, `
		DELETE FROM suppressions
		WHERE tenant_id = $1 AND channel = $2 AND recipient_hash = $3
	`, tenantID, channel, recipientHash)
	if err != nil {
		return fmt.Errorf("failed to remove suppression: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

// ListSuppressions returns a tenant's suppression entries, newest first,
// optionally narrowed to one channel.
func (r *Postgres) ListSuppressions(ctx context.Context, tenantID string, channel *notification.Channel, limit int) ([]notification.SuppressionEntry, error) {
	if tenantID == "" {
		return nil, ErrMissingTenant
	}
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT tenant_id, channel, recipient_hash, reason, created_at
		FROM suppressions
		WHERE tenant_id = $1
	`
	args := []interface{}{tenantID}

	if channel != nil {
		query += " AND channel = $2"
		args = append(args, *channel)
	}

	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args)+1)
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list suppressions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []notification.SuppressionEntry
	for rows.Next() {
		var entry notification.SuppressionEntry
		err := rows.Scan(&entry.TenantID, &entry.Channel, &entry.RecipientHash,
			&entry.Reason, &entry.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan suppression row: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating suppression rows: %w", err)
	}

	return entries, nil
}
