package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/venuetix/notification-service/internal/notification"
)

const attemptColumns = `id, request_id, attempt_no, provider, provider_message_id, state,
	error_code, error_class, reason_code, latency_ms, started_at, finished_at`

// ClaimAttempt inserts the attempt row that marks this worker as the
// owner of (request_id, attempt_no). The unique constraint on that pair
// is the claim: a second worker inserting the same pair gets ErrDuplicate
// and must not call the provider.
func (r *Postgres) ClaimAttempt(ctx context.Context, job notification.Job, provider string) (*notification.Attempt, error) {
	attempt := &notification.Attempt{
		ID:        uuid.New(),
		RequestID: job.RequestID,
		AttemptNo: job.AttemptNo,
		Provider:  provider,
		State:     notification.StateSending,
		StartedAt: time.Now().UTC(),
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO attempts (id, request_id, attempt_no, provider, state, started_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, attempt.ID, attempt.RequestID, attempt.AttemptNo, attempt.Provider,
		attempt.State, attempt.StartedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, fmt.Errorf("failed to claim attempt: %w", err)
	}

	return attempt, nil
}

// MarkAttemptSent records provider acceptance. The state guard keeps a
// late worker from regressing an attempt a webhook already reconciled.
func (r *Postgres) MarkAttemptSent(ctx context.Context, attemptID uuid.UUID, providerMessageID string, latency time.Duration) error {
	return r.finishAttempt(ctx, attemptID, func(tx *sql.Tx) (int64, error) {
		result, err := tx.ExecContext(ctx, `
			UPDATE attempts
			SET state = $2,
				provider_message_id = $3,
				latency_ms = $4,
				finished_at = NOW()
			WHERE id = $1 AND state = $5
		`, attemptID, notification.StateSent, providerMessageID,
			latency.Milliseconds(), notification.StateSending)
		if err != nil {
			return 0, err
		}
		return result.RowsAffected()
	}, "notification."+string(notification.StateSent))
}

// MarkAttemptFailed records a provider failure with its classification.
func (r *Postgres) MarkAttemptFailed(ctx context.Context, attemptID uuid.UUID, errorCode string, errorClass notification.ErrorClass, latency time.Duration) error {
	return r.finishAttempt(ctx, attemptID, func(tx *sql.Tx) (int64, error) {
		result, err := tx.ExecContext(ctx, `
			UPDATE attempts
			SET state = $2,
				error_code = $3,
				error_class = $4,
				latency_ms = $5,
				finished_at = NOW()
			WHERE id = $1 AND state = $6
		`, attemptID, notification.StateFailed, errorCode, errorClass,
			latency.Milliseconds(), notification.StateSending)
		if err != nil {
			return 0, err
		}
		return result.RowsAffected()
	}, "notification."+string(notification.StateFailed))
}

// finishAttempt applies a terminal-ward update and stages the matching
// outbox event in the same transaction.
func (r *Postgres) finishAttempt(ctx context.Context, attemptID uuid.UUID, update func(*sql.Tx) (int64, error), eventType string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := update(tx)
	if err != nil {
		return fmt.Errorf("failed to update attempt: %w", err)
	}
	if rows == 0 {
		return ErrStaleTransition
	}

	if err := stageOutboxTx(ctx, tx, eventType, attemptID); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit attempt update: %w", err)
	}

	return nil
}

// AppendComplianceAttempt records a compliance verdict as a terminal
// attempt with no provider and a machine-readable reason code.
func (r *Postgres) AppendComplianceAttempt(ctx context.Context, job notification.Job, state notification.AttemptState, reasonCode string) (*notification.Attempt, error) {
	if !state.Terminal() {
		return nil, fmt.Errorf("compliance attempt state %q is not terminal", state)
	}

	now := time.Now().UTC()
	attempt := &notification.Attempt{
		ID:         uuid.New(),
		RequestID:  job.RequestID,
		AttemptNo:  job.AttemptNo,
		State:      state,
		ReasonCode: &reasonCode,
		StartedAt:  now,
		FinishedAt: &now,
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO attempts (id, request_id, attempt_no, provider, state, reason_code, started_at, finished_at)
		VALUES ($1, $2, $3, '', $4, $5, $6, $7)
	`, attempt.ID, attempt.RequestID, attempt.AttemptNo, attempt.State,
		reasonCode, attempt.StartedAt, attempt.FinishedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, fmt.Errorf("failed to insert compliance attempt: %w", err)
	}

	eventType := "notification." + string(state)
	if err := stageOutboxTx(ctx, tx, eventType, attempt.ID); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit compliance attempt: %w", err)
	}

	return attempt, nil
}

// ReconcileDeliveryState applies a webhook-reported state to the latest
// attempt for (provider, provider_message_id). A transaction-scoped
// advisory lock serializes concurrent webhooks for the same message, and
// the attempt state machine rejects regressions so out-of-order webhooks
// cannot move an attempt backwards.
func (r *Postgres) ReconcileDeliveryState(ctx context.Context, provider, providerMessageID string, newState notification.AttemptState, occurredAt time.Time) (*notification.Attempt, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	lockKey := provider + ":" + providerMessageID
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1)::bigint)`, lockKey); err != nil {
		return nil, fmt.Errorf("failed to acquire reconcile lock: %w", err)
	}

	row := tx.QueryRowContext(ctx, `
		SELECT `+attemptColumns+`
		FROM attempts
		WHERE provider = $1 AND provider_message_id = $2
		ORDER BY attempt_no DESC
		LIMIT 1
		FOR UPDATE
	`, provider, providerMessageID)

	attempt, err := scanAttempt(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load attempt for reconcile: %w", err)
	}

	if !attempt.State.CanTransition(newState) {
		return nil, ErrStaleTransition
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE attempts SET state = $2, finished_at = $3 WHERE id = $1
	`, attempt.ID, newState, occurredAt); err != nil {
		return nil, fmt.Errorf("failed to reconcile attempt state: %w", err)
	}

	eventType := "notification." + string(newState)
	if err := stageOutboxTx(ctx, tx, eventType, attempt.ID); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit reconcile: %w", err)
	}

	attempt.State = newState
	attempt.FinishedAt = &occurredAt
	return attempt, nil
}

// LatestAttempt returns the highest-numbered attempt for a request, or
// ErrNotFound when none exists yet.
func (r *Postgres) LatestAttempt(ctx context.Context, requestID uuid.UUID) (*notification.Attempt, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+attemptColumns+`
		FROM attempts
		WHERE request_id = $1
		ORDER BY attempt_no DESC
		LIMIT 1
	`, requestID)

	attempt, err := scanAttempt(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get latest attempt: %w", err)
	}

	return attempt, nil
}

// ListAttempts returns a request's attempts in order. Tenant scoping is
// the caller's job: resolve the request through GetRequest first.
func (r *Postgres) ListAttempts(ctx context.Context, requestID uuid.UUID) ([]notification.Attempt, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+attemptColumns+`
		FROM attempts
		WHERE request_id = $1
		ORDER BY attempt_no ASC
	`, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to list attempts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var attempts []notification.Attempt
	for rows.Next() {
		attempt, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan attempt row: %w", err)
		}
		attempts = append(attempts, *attempt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating attempt rows: %w", err)
	}

	return attempts, nil
}

// TimeoutStaleAttempts fails attempts stuck in sending past the cutoff,
// typically after a worker crash. Returns the failed attempts so the
// caller can schedule retries.
func (r *Postgres) TimeoutStaleAttempts(ctx context.Context, cutoff time.Time) ([]notification.Attempt, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		UPDATE attempts
		SET state = $1, error_code = 'worker_timeout', error_class = $2, finished_at = NOW()
		WHERE state = $3 AND started_at < $4
		RETURNING `+attemptColumns+`
	`, notification.StateFailed, notification.ErrClassTimeout, notification.StateSending, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to time out stale attempts: %w", err)
	}

	var attempts []notification.Attempt
	for rows.Next() {
		attempt, err := scanAttempt(rows)
		if err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("failed to scan timed-out attempt: %w", err)
		}
		attempts = append(attempts, *attempt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating timed-out attempts: %w", err)
	}
	_ = rows.Close()

	if len(attempts) > 0 {
		ids := make([]uuid.UUID, len(attempts))
		for i, a := range attempts {
			ids[i] = a.ID
		}
		if err := stageOutboxBatchTx(ctx, tx, "notification.failed", ids); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit stale attempt timeout: %w", err)
	}

	return attempts, nil
}

// stageOutboxTx stages one outbox event for an attempt. The payload is
// composed in SQL from the attempt and its request so every event carries
// tenant, channel and correlation id without a second round trip.
func stageOutboxTx(ctx context.Context, tx *sql.Tx, eventType string, attemptID uuid.UUID) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO outbox (id, event_type, payload, created_at)
		SELECT $1, $2, json_build_object(
			'request_id', a.request_id,
			'tenant_id', r.tenant_id,
			'attempt_no', a.attempt_no,
			'channel', r.channel,
			'type', r.type,
			'state', a.state,
			'provider', a.provider,
			'provider_message_id', a.provider_message_id,
			'error_code', a.error_code,
			'reason_code', a.reason_code,
			'correlation_id', r.correlation_id,
			'occurred_at', COALESCE(a.finished_at, NOW())
		), NOW()
		FROM attempts a
		JOIN notification_requests r ON r.id = a.request_id
		WHERE a.id = $3
	`, uuid.New(), eventType, attemptID)
	if err != nil {
		return fmt.Errorf("failed to stage outbox event: %w", err)
	}
	return nil
}

// stageOutboxBatchTx stages outbox events for several attempts at once.
func stageOutboxBatchTx(ctx context.Context, tx *sql.Tx, eventType string, attemptIDs []uuid.UUID) error {
	ids := make([]string, len(attemptIDs))
	for i, id := range attemptIDs {
		ids[i] = id.String()
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO outbox (id, event_type, payload, created_at)
		SELECT gen_random_uuid(), $1, json_build_object(
			'request_id', a.request_id,
			'tenant_id', r.tenant_id,
			'attempt_no', a.attempt_no,
			'channel', r.channel,
			'type', r.type,
			'state', a.state,
			'provider', a.provider,
			'provider_message_id', a.provider_message_id,
			'error_code', a.error_code,
			'reason_code', a.reason_code,
			'correlation_id', r.correlation_id,
			'occurred_at', COALESCE(a.finished_at, NOW())
		), NOW()
		FROM attempts a
		JOIN notification_requests r ON r.id = a.request_id
		WHERE a.id = ANY($2)
	`, eventType, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("failed to stage outbox events: %w", err)
	}
	return nil
}

func scanAttempt(s scanner) (*notification.Attempt, error) {
	var a notification.Attempt
	var providerMessageID, errorCode, errorClass, reasonCode sql.NullString
	var latencyMs sql.NullInt64
	var finishedAt sql.NullTime

	err := s.Scan(
		&a.ID, &a.RequestID, &a.AttemptNo, &a.Provider, &providerMessageID, &a.State,
		&errorCode, &errorClass, &reasonCode, &latencyMs, &a.StartedAt, &finishedAt,
	)
	if err != nil {
		return nil, err
	}

	a.ProviderMessageID = nullableString(providerMessageID)
	a.ErrorCode = nullableString(errorCode)
	a.ReasonCode = nullableString(reasonCode)
	if errorClass.Valid {
		ec := notification.ErrorClass(errorClass.String)
		a.ErrorClass = &ec
	}
	if latencyMs.Valid {
		ms := int(latencyMs.Int64)
		a.LatencyMs = &ms
	}
	if finishedAt.Valid {
		a.FinishedAt = &finishedAt.Time
	}

	return &a, nil
}
