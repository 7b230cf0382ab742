package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/venuetix/notification-service/internal/metrics"
	"github.com/venuetix/notification-service/internal/provider"
	"github.com/venuetix/notification-service/internal/telemetry"
)

const (
	retryKey = "notifications:webhook:retry"

	// maxRetryAttempts bounds how often a parked event is reprocessed
	// before it is dropped with a metric.
	maxRetryAttempts = 5

	retryBackoff = 5 * time.Second
)

// retryItem is one parked event on the internal retry list.
type retryItem struct {
	Provider string         `json:"provider"`
	Event    provider.Event `json:"event"`
	Attempts int            `json:"attempts"`
}

// RetryQueue parks webhook events whose post-ack processing failed and
// replays them until they succeed or exhaust their attempts.
type RetryQueue struct {
	client  *redis.Client
	logger  *telemetry.Logger
	metrics *metrics.Metrics

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewRetryQueue creates the queue over an existing Redis client.
func NewRetryQueue(client *redis.Client, logger *telemetry.Logger, m *metrics.Metrics) *RetryQueue {
	return &RetryQueue{
		client:  client,
		logger:  logger,
		metrics: m,
		stopCh:  make(chan struct{}),
	}
}

// Push parks one event.
func (q *RetryQueue) Push(ctx context.Context, providerName string, evt provider.Event) error {
	return q.push(ctx, retryItem{Provider: providerName, Event: evt, Attempts: 1})
}

func (q *RetryQueue) push(ctx context.Context, item retryItem) error {
	b, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to encode retry item: %w", err)
	}
	if err := q.client.LPush(ctx, retryKey, b).Err(); err != nil {
		return fmt.Errorf("failed to park webhook event: %w", err)
	}
	return nil
}

// Start launches workers that drain the retry list through the
// processor. The processor's retry queue must be this queue so repeated
// failures re-park with a bumped attempt count.
func (q *RetryQueue) Start(ctx context.Context, processor *Processor, workers int) {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return
	}
	q.running = true
	q.mu.Unlock()

	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, processor)
	}
}

// Stop halts the workers and waits for in-flight replays.
func (q *RetryQueue) Stop() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	q.running = false
	close(q.stopCh)
	q.mu.Unlock()

	q.wg.Wait()
}

func (q *RetryQueue) worker(ctx context.Context, processor *Processor) {
	defer q.wg.Done()

	for {
		select {
		case <-q.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		res, err := q.client.BRPop(ctx, time.Second, retryKey).Result()
		if err != nil {
			if err != redis.Nil && ctx.Err() == nil {
				q.logger.WithContext(ctx).WithField("error", err.Error()).Error("Webhook retry pop failed")
				time.Sleep(retryBackoff)
			}
			continue
		}
		if len(res) < 2 {
			continue
		}

		var item retryItem
		if err := json.Unmarshal([]byte(res[1]), &item); err != nil {
			continue
		}

		if err := processor.reprocess(ctx, item.Provider, item.Event); err == nil {
			continue
		}

		item.Attempts++
		if item.Attempts > maxRetryAttempts {
			q.metrics.DeadLettered.WithLabelValues("webhook_retry_exhausted").Inc()
			q.logger.WithContext(ctx).WithFields(logrus.Fields{
				"provider":          item.Provider,
				"provider_event_id": item.Event.ProviderEventID,
				"attempts":          item.Attempts,
			}).Error("Webhook event dropped after retry budget")
			continue
		}

		time.Sleep(retryBackoff)
		if err := q.push(ctx, item); err != nil {
			q.logger.WithContext(ctx).WithField("error", err.Error()).Error("Webhook event re-park failed")
		}
	}
}
