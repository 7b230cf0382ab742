package ingress

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"github.com/venuetix/notification-service/internal/notification"
	"github.com/venuetix/notification-service/internal/telemetry"
)

// jobEnqueueEvent marks outbox rows that carry a queue job rather than a
// status event.
const jobEnqueueEvent = "job.enqueue"

const (
	drainInterval = time.Second
	drainBatch    = 100
	purgeInterval = time.Hour
)

// OutboxRepository is the persistence slice the publisher drains.
type OutboxRepository interface {
	PendingOutbox(ctx context.Context, limit int) ([]notification.OutboxEvent, error)
	MarkOutboxPublished(ctx context.Context, ids []uuid.UUID) error
	BumpOutboxAttempts(ctx context.Context, ids []uuid.UUID) error
	PurgePublishedOutbox(ctx context.Context) (int64, error)
}

// JobEnqueuer accepts dispatch jobs staged through the outbox.
type JobEnqueuer interface {
	Enqueue(ctx context.Context, job notification.Job) error
}

// BusPublisher emits status events to the platform exchange.
type BusPublisher interface {
	Publish(ctx context.Context, routingKey string, body []byte) error
	Close() error
}

// WebhookSink delivers a signed payload to a customer endpoint.
type WebhookSink interface {
	Deliver(ctx context.Context, url string, body []byte) error
}

// AMQPPublisher publishes to a topic exchange, dialing lazily and
// redialing after a failed publish.
type AMQPPublisher struct {
	url      string
	exchange string

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewAMQPPublisher creates a publisher for the given exchange. The
// broker is not contacted until the first publish.
func NewAMQPPublisher(url, exchange string) *AMQPPublisher {
	return &AMQPPublisher{url: url, exchange: exchange}
}

// channel returns the live channel, dialing when needed. Caller holds
// the lock.
func (p *AMQPPublisher) channel() (*amqp.Channel, error) {
	if p.ch != nil && !p.conn.IsClosed() {
		return p.ch, nil
	}

	conn, err := amqp.Dial(p.url)
	if err != nil {
		return nil, fmt.Errorf("failed to dial broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(p.exchange, "topic", true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	p.conn = conn
	p.ch = ch
	return ch, nil
}

// Publish sends one persistent message. A failed publish drops the
// connection so the next call redials.
func (p *AMQPPublisher) Publish(ctx context.Context, routingKey string, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	ch, err := p.channel()
	if err != nil {
		return err
	}

	err = ch.PublishWithContext(ctx, p.exchange, routingKey, false, false, amqp.Publishing{
		ContentType:   "application/json",
		CorrelationId: telemetry.GetCorrelationID(ctx),
		Body:          body,
		DeliveryMode:  amqp.Persistent,
		Timestamp:     time.Now().UTC(),
	})
	if err != nil {
		p.reset()
		return fmt.Errorf("failed to publish %s: %w", routingKey, err)
	}
	return nil
}

// reset drops the connection. Caller holds the lock.
func (p *AMQPPublisher) reset() {
	if p.conn != nil {
		_ = p.conn.Close()
	}
	p.conn = nil
	p.ch = nil
}

// Close shuts the connection down.
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reset()
	return nil
}

// Publisher drains the outbox: job.enqueue rows become queue entries,
// everything else is a status event published to the bus and, when a
// sink is configured, delivered as a signed customer webhook. Rows are
// only stamped published after their side effect succeeded, so a crash
// between commit and publish replays the row instead of losing it.
type Publisher struct {
	repo    OutboxRepository
	queue   JobEnqueuer
	bus     BusPublisher
	sink    WebhookSink
	sinkURL string
	logger  *telemetry.Logger

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewPublisher wires the drain loop. sink may be nil when no customer
// webhook endpoint is configured.
func NewPublisher(repo OutboxRepository, queue JobEnqueuer, bus BusPublisher, sink WebhookSink, sinkURL string, logger *telemetry.Logger) *Publisher {
	return &Publisher{
		repo:    repo,
		queue:   queue,
		bus:     bus,
		sink:    sink,
		sinkURL: sinkURL,
		logger:  logger,
		stopCh:  make(chan struct{}),
	}
}

// Start launches the drain loop. Safe to call once.
func (p *Publisher) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.mu.Unlock()

	p.wg.Add(1)
	go p.run(ctx)
}

// Stop halts draining and waits for the in-flight batch.
func (p *Publisher) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	p.mu.Unlock()

	p.wg.Wait()
}

func (p *Publisher) run(ctx context.Context) {
	defer p.wg.Done()

	drain := time.NewTicker(drainInterval)
	defer drain.Stop()
	purge := time.NewTicker(purgeInterval)
	defer purge.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-drain.C:
			p.drain(ctx)
		case <-purge.C:
			if n, err := p.repo.PurgePublishedOutbox(ctx); err != nil {
				p.logger.WithContext(ctx).WithField("error", err.Error()).Error("Outbox purge failed")
			} else if n > 0 {
				p.logger.WithContext(ctx).WithField("purged", n).Debug("Purged published outbox rows")
			}
		}
	}
}

// drain publishes one batch. Failures bump the row's attempt counter
// and leave it pending for the next pass.
func (p *Publisher) drain(ctx context.Context) {
	events, err := p.repo.PendingOutbox(ctx, drainBatch)
	if err != nil {
		p.logger.WithContext(ctx).WithField("error", err.Error()).Error("Outbox read failed")
		return
	}
	if len(events) == 0 {
		return
	}

	var published, failed []uuid.UUID
	for _, evt := range events {
		if err := p.publish(ctx, evt); err != nil {
			p.logger.WithContext(ctx).WithFields(logrus.Fields{
				"outbox_id":  evt.ID.String(),
				"event_type": evt.EventType,
				"attempts":   evt.PublishAttempts,
				"error":      err.Error(),
			}).Error("Outbox publish failed")
			failed = append(failed, evt.ID)
			continue
		}
		published = append(published, evt.ID)
	}

	if err := p.repo.MarkOutboxPublished(ctx, published); err != nil {
		p.logger.WithContext(ctx).WithField("error", err.Error()).Error("Failed to mark outbox rows published")
	}
	if err := p.repo.BumpOutboxAttempts(ctx, failed); err != nil {
		p.logger.WithContext(ctx).WithField("error", err.Error()).Error("Failed to bump outbox attempts")
	}
}

func (p *Publisher) publish(ctx context.Context, evt notification.OutboxEvent) error {
	if evt.EventType == jobEnqueueEvent {
		var job notification.Job
		if err := json.Unmarshal(evt.Payload, &job); err != nil {
			return fmt.Errorf("outbox job payload is not valid JSON: %w", err)
		}
		return p.queue.Enqueue(ctx, job)
	}

	if err := p.bus.Publish(ctx, evt.EventType, evt.Payload); err != nil {
		return err
	}

	// Customer webhook delivery is best effort: the bus publish already
	// succeeded, so a sink failure must not re-publish the row.
	if p.sink != nil && p.sinkURL != "" {
		if err := p.sink.Deliver(ctx, p.sinkURL, evt.Payload); err != nil {
			p.logger.WithContext(ctx).WithFields(logrus.Fields{
				"outbox_id":  evt.ID.String(),
				"event_type": evt.EventType,
				"error":      err.Error(),
			}).Warn("Customer webhook delivery failed")
		}
	}
	return nil
}
