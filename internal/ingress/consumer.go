package ingress

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"github.com/venuetix/notification-service/internal/cache"
	"github.com/venuetix/notification-service/internal/config"
	"github.com/venuetix/notification-service/internal/metrics"
	"github.com/venuetix/notification-service/internal/notification"
	"github.com/venuetix/notification-service/internal/telemetry"
)

// Repository is the persistence slice the consumer needs: the atomic
// request+job write.
type Repository interface {
	CreateRequestWithJob(ctx context.Context, req *notification.Request, job notification.Job) error
}

// signatureHeader carries the optional bus message HMAC.
const signatureHeader = "x-signature"

// reconnectBase is the initial supervisor backoff; doubles to a cap.
const (
	reconnectBase = time.Second
	reconnectCap  = 30 * time.Second
)

// Consumer subscribes to the platform topic exchange and turns events
// into notification requests. A supervisor loop redials the broker on
// connection loss with capped exponential backoff.
type Consumer struct {
	cfg      config.IngressConfig
	queueURL string
	secret   string

	repo     Repository
	enricher *Enricher
	dedupe   *cache.EventDedupe
	logger   *telemetry.Logger
	metrics  *metrics.Metrics

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewConsumer wires the bus pipeline. secret is the optional bus
// signing secret; empty disables message verification.
func NewConsumer(cfg config.IngressConfig, queueURL, secret string, repo Repository, enricher *Enricher, dedupe *cache.EventDedupe, logger *telemetry.Logger, m *metrics.Metrics) *Consumer {
	return &Consumer{
		cfg:      cfg,
		queueURL: queueURL,
		secret:   secret,
		repo:     repo,
		enricher: enricher,
		dedupe:   dedupe,
		logger:   logger,
		metrics:  m,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the supervisor. Safe to call once.
func (c *Consumer) Start(ctx context.Context) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.mu.Unlock()

	c.wg.Add(1)
	go c.supervise(ctx)
}

// Stop closes the consumer and waits for the in-flight message.
func (c *Consumer) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	close(c.stopCh)
	c.mu.Unlock()

	c.wg.Wait()
}

// supervise redials until stopped. Each successful session resets the
// backoff.
func (c *Consumer) supervise(ctx context.Context) {
	defer c.wg.Done()

	backoff := reconnectBase
	for {
		select {
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		err := c.session(ctx)
		if err == nil {
			return
		}

		c.logger.WithContext(ctx).WithFields(logrus.Fields{
			"error":   err.Error(),
			"backoff": backoff.String(),
		}).Error("Bus consumer session ended, reconnecting")

		select {
		case <-time.After(backoff):
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		}
		backoff *= 2
		if backoff > reconnectCap {
			backoff = reconnectCap
		}
	}
}

// session runs one broker connection to completion. A nil return means
// a clean shutdown; an error triggers a reconnect.
func (c *Consumer) session(ctx context.Context) error {
	conn, err := amqp.Dial(c.queueURL)
	if err != nil {
		return fmt.Errorf("failed to dial broker: %w", err)
	}
	defer func() { _ = conn.Close() }()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := c.declare(ch); err != nil {
		return err
	}

	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set prefetch: %w", err)
	}

	deliveries, err := ch.Consume(c.cfg.Queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	c.logger.WithFields(logrus.Fields{
		"exchange": c.cfg.Exchange,
		"queue":    c.cfg.Queue,
		"prefetch": c.cfg.Prefetch,
	}).Info("Bus consumer connected")

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	for {
		select {
		case <-c.stopCh:
			return nil
		case <-ctx.Done():
			return nil
		case amqpErr := <-closed:
			return fmt.Errorf("broker connection closed: %v", amqpErr)
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("delivery channel closed")
			}
			c.handle(ctx, ch, d)
		}
	}
}

// declare sets up the topology: the shared topic exchange, this
// service's queue bound to the event families it routes, and the
// parking queue for undeliverable events.
func (c *Consumer) declare(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(c.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	if _, err := ch.QueueDeclare(c.cfg.Queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	for _, key := range []string{"payment.#", "refund.#", "dispute.#", "ticket.#", "event.#"} {
		if err := ch.QueueBind(c.cfg.Queue, key, c.cfg.Exchange, false, nil); err != nil {
			return fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}

	if _, err := ch.QueueDeclare(c.dlqName(), true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare bus DLQ: %w", err)
	}

	return nil
}

func (c *Consumer) dlqName() string {
	return c.cfg.Queue + ".dlq"
}

// handle processes one delivery. Every path ends in an explicit ack or
// reject; undeliverable events are parked on the bus DLQ, never
// requeue-looped.
func (c *Consumer) handle(ctx context.Context, ch *amqp.Channel, d amqp.Delivery) {
	ctx = telemetry.WithCorrelationID(ctx, d.CorrelationId)
	log := c.logger.WithContext(ctx).WithField("routing_key", d.RoutingKey)

	if !c.verify(d) {
		c.metrics.BusEvents.WithLabelValues(d.RoutingKey, "bad_signature").Inc()
		log.Warn("Bus message signature mismatch, dropped")
		_ = d.Reject(false)
		return
	}

	var evt BusEvent
	if err := json.Unmarshal(d.Body, &evt); err != nil || evt.EventID == "" || evt.TenantID == "" {
		c.metrics.BusEvents.WithLabelValues(d.RoutingKey, "malformed").Inc()
		log.Warn("Malformed bus event, parked on DLQ")
		c.park(ctx, ch, d, "malformed")
		return
	}
	log = log.WithFields(logrus.Fields{"event_id": evt.EventID, "event_type": evt.Type})

	if !KnownEventType(evt.Type) {
		c.metrics.BusEvents.WithLabelValues(evt.Type, "unknown").Inc()
		log.Warn("Unknown event type, parked on DLQ")
		c.park(ctx, ch, d, "unknown_type")
		return
	}

	first, err := c.dedupe.FirstDelivery(ctx, evt.EventID)
	if err != nil {
		// Dedupe store down: requeue once and let the broker redeliver
		// when Redis is back.
		log.WithField("error", err.Error()).Error("Event dedupe check failed, requeued")
		_ = d.Nack(false, true)
		return
	}
	if !first {
		c.metrics.BusEvents.WithLabelValues(evt.Type, "duplicate").Inc()
		_ = d.Ack(false)
		return
	}

	if err := c.process(ctx, evt, d.CorrelationId); err != nil {
		var missing *ErrMissingRecipient
		if errors.As(err, &missing) {
			c.metrics.BusEvents.WithLabelValues(evt.Type, "missing_data").Inc()
			log.WithField("error", err.Error()).Warn("Event lacks critical data, parked on DLQ")
			c.park(ctx, ch, d, "missing_data")
			return
		}
		c.metrics.BusEvents.WithLabelValues(evt.Type, "failed").Inc()
		log.WithField("error", err.Error()).Error("Event processing failed, requeued")
		_ = d.Nack(false, true)
		return
	}

	c.metrics.BusEvents.WithLabelValues(evt.Type, "processed").Inc()
	_ = d.Ack(false)
}

// verify checks the optional bus message HMAC (hex SHA-256 over the
// body).
func (c *Consumer) verify(d amqp.Delivery) bool {
	if c.secret == "" {
		return true
	}

	sigHeader, ok := d.Headers[signatureHeader]
	sig, _ := sigHeader.(string)
	if !ok || sig == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(c.secret))
	mac.Write(d.Body)
	want := mac.Sum(nil)

	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	return hmac.Equal(got, want)
}

// process resolves and persists every request an event produces. The
// bus ack happens only after all writes committed.
func (c *Consumer) process(ctx context.Context, evt BusEvent, correlationID string) error {
	targets, err := resolveTargets(evt)
	if err != nil {
		return err
	}
	if correlationID == "" {
		correlationID = telemetry.NewCorrelationID()
	}

	for _, tg := range targets {
		recipient, err := c.enricher.Resolve(ctx, evt.TenantID, tg.UserID)
		if err != nil {
			return &ErrMissingRecipient{EventType: evt.Type, Role: tg.Route.Role}
		}

		req := buildRequest(evt, tg, *recipient, correlationID)
		if req.Recipient.AddressFor(req.Channel) == "" {
			// The user has no contact field for this route's channel;
			// the remaining routes still go out.
			continue
		}

		job := notification.Job{
			ID:          uuid.New(),
			RequestID:   req.ID,
			TenantID:    req.TenantID,
			AttemptNo:   1,
			Priority:    req.Priority,
			ScheduledAt: time.Now().UTC(),
		}
		if err := c.repo.CreateRequestWithJob(ctx, req, job); err != nil {
			return err
		}

		c.logger.WithContext(ctx).
			WithDispatch(req.TenantID, req.ID.String(), string(req.Channel)).
			WithFields(logrus.Fields{
				"event_type": evt.Type,
				"recipient":  telemetry.RedactRecipient(string(req.Channel), req.Recipient.AddressFor(req.Channel)),
			}).
			Info("Bus event accepted as notification request")
	}
	return nil
}

// park publishes the raw message to the bus DLQ and acks the original.
// A failed park falls back to requeue so the event is not lost.
func (c *Consumer) park(ctx context.Context, ch *amqp.Channel, d amqp.Delivery, reason string) {
	err := ch.PublishWithContext(ctx, "", c.dlqName(), false, false, amqp.Publishing{
		ContentType:   d.ContentType,
		CorrelationId: d.CorrelationId,
		Body:          d.Body,
		Headers:       amqp.Table{"x-park-reason": reason},
		DeliveryMode:  amqp.Persistent,
	})
	if err != nil {
		c.logger.WithContext(ctx).WithField("error", err.Error()).Error("Bus DLQ publish failed, requeued")
		_ = d.Nack(false, true)
		return
	}
	c.metrics.DeadLettered.WithLabelValues("bus_" + reason).Inc()
	_ = d.Ack(false)
}
