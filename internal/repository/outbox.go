package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/venuetix/notification-service/internal/notification"
)

// InsertWebhookEvent records an inbound provider event, keyed by
// (provider, provider_event_id). Returns false when the event was already
// recorded, which is how redelivered webhooks are dropped.
func (r *Postgres) InsertWebhookEvent(ctx context.Context, evt notification.WebhookEvent) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		INSERT INTO webhook_events (provider, provider_event_id, payload, received_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (provider, provider_event_id) DO NOTHING
	`, evt.Provider, evt.ProviderEventID, evt.Payload, evt.ReceivedAt)
	if err != nil {
		return false, fmt.Errorf("failed to insert webhook event: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows == 1, nil
}

// PendingOutbox returns unpublished outbox events, oldest first.
func (r *Postgres) PendingOutbox(ctx context.Context, limit int) ([]notification.OutboxEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, event_type, payload, created_at, published_at, publish_attempts
		FROM outbox
		WHERE published_at IS NULL
		ORDER BY created_at ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get pending outbox events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []notification.OutboxEvent
	for rows.Next() {
		var evt notification.OutboxEvent
		err := rows.Scan(&evt.ID, &evt.EventType, &evt.Payload,
			&evt.CreatedAt, &evt.PublishedAt, &evt.PublishAttempts)
		if err != nil {
			return nil, fmt.Errorf("failed to scan outbox row: %w", err)
		}
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating outbox rows: %w", err)
	}

	return events, nil
}

// MarkOutboxPublished stamps events as delivered to the bus.
func (r *Postgres) MarkOutboxPublished(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}

	strs := make([]string, len(ids))
	for i, id := range ids {
		strs[i] = id.String()
	}

	_, err := r.db.ExecContext(ctx, `
		UPDATE outbox SET published_at = NOW() WHERE id = ANY($1)
	`, pq.Array(strs))
	if err != nil {
		return fmt.Errorf("failed to mark outbox events published: %w", err)
	}

	return nil
}

// BumpOutboxAttempts counts a failed publish so repeatedly failing events
// are visible in the table.
func (r *Postgres) BumpOutboxAttempts(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}

	strs := make([]string, len(ids))
	for i, id := range ids {
		strs[i] = id.String()
	}

	_, err := r.db.ExecContext(ctx, `
		UPDATE outbox SET publish_attempts = publish_attempts + 1 WHERE id = ANY($1)
	`, pq.Array(strs))
	if err != nil {
		return fmt.Errorf("failed to bump outbox attempts: %w", err)
	}

	return nil
}

// PurgePublishedOutbox removes published events older than the cutoff.
func (r *Postgres) PurgePublishedOutbox(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM outbox
		WHERE published_at IS NOT NULL AND published_at < NOW() - INTERVAL '7 days'
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to purge outbox: %w", err)
	}
	return result.RowsAffected()
}
