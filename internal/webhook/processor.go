// Package webhook turns verified provider callbacks into delivery state.
// Verification happens before any body parsing, dedupe happens on
// (provider, provider_event_id), and state only ever moves forward.
// Failures after the provider has been acknowledged go to an internal
// retry queue instead of surfacing as 5xx.
package webhook

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/venuetix/notification-service/internal/apperr"
	"github.com/venuetix/notification-service/internal/metrics"
	"github.com/venuetix/notification-service/internal/notification"
	"github.com/venuetix/notification-service/internal/provider"
	"github.com/venuetix/notification-service/internal/repository"
	"github.com/venuetix/notification-service/internal/telemetry"
)

// Repository is the slice of persistence the processor needs.
type Repository interface {
	InsertWebhookEvent(ctx context.Context, evt notification.WebhookEvent) (bool, error)
	ReconcileDeliveryState(ctx context.Context, provider, providerMessageID string, newState notification.AttemptState, occurredAt time.Time) (*notification.Attempt, error)
	GetRequestByID(ctx context.Context, id uuid.UUID) (*notification.Request, error)
	AddSuppression(ctx context.Context, entry notification.SuppressionEntry) error
}

// Processor handles inbound provider callbacks.
type Processor struct {
	registry *provider.Registry
	repo     Repository
	retries  *RetryQueue
	logger   *telemetry.Logger
	metrics  *metrics.Metrics
}

// NewProcessor wires the webhook pipeline. retries may be nil in tests;
// post-ack failures then surface as errors.
func NewProcessor(registry *provider.Registry, repo Repository, retries *RetryQueue, logger *telemetry.Logger, m *metrics.Metrics) *Processor {
	return &Processor{registry: registry, repo: repo, retries: retries, logger: logger, metrics: m}
}

// Handle verifies and processes one callback. An error return means the
// HTTP layer must not ack: unknown provider or bad signature map to
// 4xx, and a processing failure that also failed to enqueue for retry
// maps to 5xx.
func (p *Processor) Handle(ctx context.Context, providerName string, r *http.Request, body []byte) error {
	adapter, ok := p.registry.Get(providerName)
	if !ok {
		return apperr.NewNotFound("provider")
	}

	events, err := adapter.VerifyWebhook(r, body)
	if err != nil {
		p.metrics.WebhookEvents.WithLabelValues(providerName, "rejected").Inc()
		p.logger.WithContext(ctx).WithFields(logrus.Fields{
			"provider": providerName,
			"error":    err.Error(),
		}).Warn("Webhook verification failed")
		return err
	}

	for _, evt := range events {
		if err := p.Process(ctx, providerName, evt, body); err != nil {
			// The signature held, so the callback is acknowledged; the
			// event is parked for retry instead of bouncing back to the
			// provider.
			if p.retries == nil {
				return err
			}
			if qErr := p.retries.Push(ctx, providerName, evt); qErr != nil {
				return apperr.NewInternal("webhook event could not be queued for retry", qErr)
			}
			p.metrics.WebhookEvents.WithLabelValues(providerName, "retry_queued").Inc()
		}
	}
	return nil
}

// Process applies one verified event: dedupe, reconcile, suppress.
func (p *Processor) Process(ctx context.Context, providerName string, evt provider.Event, rawPayload []byte) error {
	log := p.logger.WithContext(ctx).WithFields(logrus.Fields{
		"provider":            providerName,
		"provider_event_id":   evt.ProviderEventID,
		"provider_message_id": evt.ProviderMessageID,
		"raw_status":          evt.RawStatus,
	})

	fresh, err := p.repo.InsertWebhookEvent(ctx, notification.WebhookEvent{
		Provider:        providerName,
		ProviderEventID: evt.ProviderEventID,
		Payload:         rawPayload,
		ReceivedAt:      time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	if !fresh {
		p.metrics.WebhookEvents.WithLabelValues(providerName, "duplicate").Inc()
		log.Debug("Webhook event already processed, skipped")
		return nil
	}

	return p.apply(ctx, providerName, evt, log)
}

// apply reconciles and suppresses for one deduplicated event. The retry
// worker re-enters here directly since its event already holds the
// dedupe row.
func (p *Processor) apply(ctx context.Context, providerName string, evt provider.Event, log *telemetry.ContextualLogger) error {
	if evt.State != "" && evt.ProviderMessageID != "" {
		attempt, err := p.repo.ReconcileDeliveryState(ctx, providerName, evt.ProviderMessageID, evt.State, evt.OccurredAt)
		switch {
		case errors.Is(err, repository.ErrNotFound):
			// The provider reported on a message this instance never
			// recorded; webhooks can arrive before the send commits.
			log.Warn("Webhook for unknown message, no attempt matched")
		case errors.Is(err, repository.ErrStaleTransition):
			p.metrics.WebhookEvents.WithLabelValues(providerName, "stale").Inc()
			log.Debug("Out-of-order webhook ignored")
		case err != nil:
			return err
		default:
			if evt.SuppressReason != "" {
				if err := p.suppress(ctx, attempt, evt); err != nil {
					return err
				}
			}
		}
	}

	p.metrics.WebhookEvents.WithLabelValues(providerName, "processed").Inc()
	return nil
}

// reprocess re-applies a parked event without the dedupe insert; the
// event's dedupe row was written before it was parked.
func (p *Processor) reprocess(ctx context.Context, providerName string, evt provider.Event) error {
	log := p.logger.WithContext(ctx).WithFields(logrus.Fields{
		"provider":            providerName,
		"provider_event_id":   evt.ProviderEventID,
		"provider_message_id": evt.ProviderMessageID,
	})
	return p.apply(ctx, providerName, evt, log)
}

// suppress adds the recipient to the tenant's suppression list. The
// tenant comes off the request the attempt belongs to.
func (p *Processor) suppress(ctx context.Context, attempt *notification.Attempt, evt provider.Event) error {
	req, err := p.repo.GetRequestByID(ctx, attempt.RequestID)
	if err != nil {
		return err
	}

	hash := evt.RecipientHash
	if hash == "" {
		hash = notification.HashAddress(req.Recipient.AddressFor(req.Channel))
	}

	entry := notification.SuppressionEntry{
		TenantID:      req.TenantID,
		Channel:       req.Channel,
		RecipientHash: hash,
		Reason:        evt.SuppressReason,
		CreatedAt:     time.Now().UTC(),
	}
	if err := p.repo.AddSuppression(ctx, entry); err != nil {
		return err
	}

	p.logger.WithContext(ctx).
		WithDispatch(req.TenantID, req.ID.String(), string(req.Channel)).
		WithField("reason", evt.SuppressReason).
		Info("Recipient suppressed from delivery feedback")
	return nil
}
