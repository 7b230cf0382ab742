package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/venuetix/notification-service/internal/notification"
)

const requestColumns = `id, tenant_id, venue_id, recipient, channel, type, priority,
	subject, body_text, body_html, template_ref, idempotency_key,
	correlation_id, source, created_at, expires_at`

// CreateRequest inserts an accepted request, and its idempotency record
// when a key was supplied, in one transaction. A reused idempotency key
// returns ErrDuplicate with nothing written; the caller re-reads the
// existing record to decide between replay and conflict.
func (r *Postgres) CreateRequest(ctx context.Context, req *notification.Request, idem *notification.IdempotencyRecord) error {
	if req.TenantID == "" {
		return ErrMissingTenant
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if idem != nil {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO idempotency_keys (
				tenant_id, key, request_id, body_hash, response_code, status, expires_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, idem.TenantID, idem.Key, idem.RequestID, idem.BodyHash,
			idem.ResponseCode, idem.Status, idem.ExpiresAt)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicate
			}
			return fmt.Errorf("failed to insert idempotency key: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO notification_requests (
			id, tenant_id, venue_id, recipient, channel, type, priority,
			subject, body_text, body_html, template_ref, idempotency_key,
			correlation_id, source, created_at, expires_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11, $12,
			$13, $14, $15, $16
		)
	`, req.ID, req.TenantID, req.VenueID, req.Recipient, req.Channel, req.Type, req.Priority,
		req.Subject, req.BodyText, req.BodyHTML, req.TemplateRef, req.IdempotencyKey,
		req.CorrelationID, req.Source, req.CreatedAt, req.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to insert request: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit request: %w", err)
	}

	return nil
}

// CreateRequestWithJob inserts a request and stages a job.enqueue
// outbox row in the same transaction, for bus-driven requests where the
// queue write must not race the commit. The outbox publisher turns the
// row into the actual queue entry.
func (r *Postgres) CreateRequestWithJob(ctx context.Context, req *notification.Request, job notification.Job) error {
	if req.TenantID == "" {
		return ErrMissingTenant
	}

	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job payload: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO notification_requests (
			id, tenant_id, venue_id, recipient, channel, type, priority,
			subject, body_text, body_html, template_ref, idempotency_key,
			correlation_id, source, created_at, expires_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11, $12,
			$13, $14, $15, $16
		)
	`, req.ID, req.TenantID, req.VenueID, req.Recipient, req.Channel, req.Type, req.Priority,
		req.Subject, req.BodyText, req.BodyHTML, req.TemplateRef, req.IdempotencyKey,
		req.CorrelationID, req.Source, req.CreatedAt, req.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to insert request: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO outbox (id, event_type, payload, created_at)
		VALUES ($1, 'job.enqueue', $2, NOW())
	`, uuid.New(), payload)
	if err != nil {
		return fmt.Errorf("failed to stage job outbox row: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit request: %w", err)
	}

	return nil
}

// GetRequest retrieves a request scoped to its tenant.
func (r *Postgres) GetRequest(ctx context.Context, tenantID string, id uuid.UUID) (*notification.Request, error) {
	if tenantID == "" {
		return nil, ErrMissingTenant
	}

	row := r.db.QueryRowContext(ctx, `
		SELECT `+requestColumns+`
		FROM notification_requests
		WHERE tenant_id = $1 AND id = $2
	`, tenantID, id)

	req, err := scanRequest(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get request: %w", err)
	}

	return req, nil
}

// GetRequestByID retrieves a request without tenant scoping. Reserved
// for webhook reconciliation, where the tenant is only learnable from
// the request row itself; API reads go through GetRequest.
func (r *Postgres) GetRequestByID(ctx context.Context, id uuid.UUID) (*notification.Request, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+requestColumns+`
		FROM notification_requests
		WHERE id = $1
	`, id)

	req, err := scanRequest(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get request: %w", err)
	}

	return req, nil
}

// GetIdempotency retrieves an idempotency record for (tenant, key).
func (r *Postgres) GetIdempotency(ctx context.Context, tenantID, key string) (*notification.IdempotencyRecord, error) {
	if tenantID == "" {
		return nil, ErrMissingTenant
	}

	var rec notification.IdempotencyRecord
	err := r.db.QueryRowContext(ctx, `
		SELECT tenant_id, key, request_id, body_hash, response_code, status, expires_at
		FROM idempotency_keys
		WHERE tenant_id = $1 AND key = $2 AND expires_at > NOW()
	`, tenantID, key).Scan(
		&rec.TenantID, &rec.Key, &rec.RequestID, &rec.BodyHash,
		&rec.ResponseCode, &rec.Status, &rec.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get idempotency key: %w", err)
	}

	return &rec, nil
}

// PurgeExpiredIdempotency removes idempotency keys past their window.
func (r *Postgres) PurgeExpiredIdempotency(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM idempotency_keys WHERE expires_at <= NOW()
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to purge idempotency keys: %w", err)
	}
	return result.RowsAffected()
}

// RequestsWithoutAttempts returns unexpired requests older than the
// cutoff that have no attempt rows. These are requests whose enqueue was
// lost between the accept write and Redis; the janitor re-enqueues them.
func (r *Postgres) RequestsWithoutAttempts(ctx context.Context, olderThan time.Time, limit int) ([]notification.Request, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+requestColumns+`
		FROM notification_requests r
		WHERE r.created_at < $1
			AND (r.expires_at IS NULL OR r.expires_at > NOW())
			AND NOT EXISTS (
				SELECT 1 FROM attempts a WHERE a.request_id = r.id
			)
		ORDER BY r.created_at ASC
		LIMIT $2
	`, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to scan for stranded requests: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var requests []notification.Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan request row: %w", err)
		}
		requests = append(requests, *req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating request rows: %w", err)
	}

	return requests, nil
}

// scanner abstracts *sql.Row and *sql.Rows for shared scan code.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRequest(s scanner) (*notification.Request, error) {
	var req notification.Request
	var venueID, subject, bodyText, bodyHTML, templateRef, idemKey sql.NullString
	var expiresAt sql.NullTime

	err := s.Scan(
		&req.ID, &req.TenantID, &venueID, &req.Recipient, &req.Channel, &req.Type, &req.Priority,
		&subject, &bodyText, &bodyHTML, &templateRef, &idemKey,
		&req.CorrelationID, &req.Source, &req.CreatedAt, &expiresAt,
	)
	if err != nil {
		return nil, err
	}

	req.VenueID = nullableString(venueID)
	req.Subject = nullableString(subject)
	req.BodyText = nullableString(bodyText)
	req.BodyHTML = nullableString(bodyHTML)
	req.TemplateRef = nullableString(templateRef)
	req.IdempotencyKey = nullableString(idemKey)
	if expiresAt.Valid {
		req.ExpiresAt = &expiresAt.Time
	}

	return &req, nil
}

func nullableString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}
