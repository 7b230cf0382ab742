// Package dispatch runs the delivery pipeline: dequeue, admission,
// compliance, rate limit, provider selection, breaker-wrapped send,
// retry or dead-letter. One Dispatcher owns the worker pool plus the
// delayed-promotion and janitor loops.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/venuetix/notification-service/internal/apperr"
	"github.com/venuetix/notification-service/internal/breaker"
	"github.com/venuetix/notification-service/internal/compliance"
	"github.com/venuetix/notification-service/internal/config"
	"github.com/venuetix/notification-service/internal/degrade"
	"github.com/venuetix/notification-service/internal/metrics"
	"github.com/venuetix/notification-service/internal/notification"
	"github.com/venuetix/notification-service/internal/provider"
	"github.com/venuetix/notification-service/internal/queue"
	"github.com/venuetix/notification-service/internal/ratelimit"
	"github.com/venuetix/notification-service/internal/repository"
	"github.com/venuetix/notification-service/internal/retrypolicy"
	"github.com/venuetix/notification-service/internal/telemetry"
)

// Repository is the slice of the persistence layer the dispatcher needs.
type Repository interface {
	GetRequest(ctx context.Context, tenantID string, id uuid.UUID) (*notification.Request, error)
	LatestAttempt(ctx context.Context, requestID uuid.UUID) (*notification.Attempt, error)
	ClaimAttempt(ctx context.Context, job notification.Job, provider string) (*notification.Attempt, error)
	MarkAttemptSent(ctx context.Context, attemptID uuid.UUID, providerMessageID string, latency time.Duration) error
	MarkAttemptFailed(ctx context.Context, attemptID uuid.UUID, errorCode string, errorClass notification.ErrorClass, latency time.Duration) error
	AppendComplianceAttempt(ctx context.Context, job notification.Job, state notification.AttemptState, reasonCode string) (*notification.Attempt, error)
	TimeoutStaleAttempts(ctx context.Context, cutoff time.Time) ([]notification.Attempt, error)
	PurgeExpiredIdempotency(ctx context.Context) (int64, error)
	RequestsWithoutAttempts(ctx context.Context, olderThan time.Time, limit int) ([]notification.Request, error)
}

// Gate is the compliance check surface.
type Gate interface {
	Check(ctx context.Context, req *notification.Request) compliance.Decision
}

// Limiter is the token bucket surface.
type Limiter interface {
	Allow(ctx context.Context, req ratelimit.Request) ratelimit.Result
}

// Selector picks the provider for one send.
type Selector interface {
	Select(ctx context.Context, tenantID string, channel notification.Channel) (provider.Adapter, error)
}

// staleAttemptAge is how long a sending attempt may sit without a
// finish before the janitor times it out.
const staleAttemptAge = 10 * time.Minute

// orphanAge is how long an accepted request may sit with no attempt
// before the janitor re-enqueues it.
const orphanAge = 10 * time.Minute

// errSendFailed makes transient provider outcomes count against the
// breaker without turning expected failures into flow control.
var errSendFailed = errors.New("provider send failed")

// Dispatcher owns the worker pool.
type Dispatcher struct {
	cfg      config.WorkerConfig
	queue    queue.Queue
	repo     Repository
	gate     Gate
	limiter  Limiter
	selector Selector
	degrade  *degrade.Controller
	breakers *breaker.Manager
	board    *provider.Board
	policy   retrypolicy.Policy
	logger   *telemetry.Logger
	metrics  *metrics.Metrics

	workerID string
	jobs     chan notification.Job

	stopCh    chan struct{}
	wg        sync.WaitGroup
	mu        sync.Mutex
	isRunning bool
}

// New wires the pipeline stages into a dispatcher.
func New(
	cfg config.WorkerConfig,
	q queue.Queue,
	repo Repository,
	gate Gate,
	limiter Limiter,
	selector Selector,
	controller *degrade.Controller,
	breakers *breaker.Manager,
	board *provider.Board,
	policy retrypolicy.Policy,
	logger *telemetry.Logger,
	m *metrics.Metrics,
) *Dispatcher {
	return &Dispatcher{
		cfg:      cfg,
		queue:    q,
		repo:     repo,
		gate:     gate,
		limiter:  limiter,
		selector: selector,
		degrade:  controller,
		breakers: breakers,
		board:    board,
		policy:   policy,
		logger:   logger,
		metrics:  m,
		workerID: uuid.New().String(),
		jobs:     make(chan notification.Job, cfg.Prefetch),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the feed loop, the processor pool, the delayed-job
// promoter and the janitor. Safe to call once.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	if d.isRunning {
		d.mu.Unlock()
		return
	}
	d.isRunning = true
	d.mu.Unlock()

	d.wg.Add(1)
	go d.feed(ctx)

	for i := 0; i < d.cfg.DispatchConcurrency; i++ {
		d.wg.Add(1)
		go d.worker(ctx)
	}

	d.wg.Add(1)
	go d.promoteLoop(ctx)

	d.wg.Add(1)
	go d.janitorLoop(ctx)

	d.logger.WithFields(logrus.Fields{
		"workers":   d.cfg.DispatchConcurrency,
		"prefetch":  d.cfg.Prefetch,
		"worker_id": d.workerID,
	}).Info("Dispatcher started")
}

// Stop drains the pool. In-flight jobs finish; queued jobs stay locked
// until their lock TTL expires and another instance picks them up.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.isRunning {
		d.mu.Unlock()
		return
	}
	d.isRunning = false
	close(d.stopCh)
	d.mu.Unlock()

	d.wg.Wait()
	d.logger.Info("Dispatcher stopped")
}

// feed polls the pending queue and hands jobs to the pool. Dequeue is a
// peek; the per-job lock in process keeps two instances off one job.
func (d *Dispatcher) feed(ctx context.Context) {
	defer d.wg.Done()
	defer close(d.jobs)

	ticker := time.NewTicker(d.cfg.DelayedPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		batch, err := d.queue.Dequeue(ctx, d.cfg.Prefetch)
		if err != nil {
			d.logger.WithContext(ctx).WithField("error", err.Error()).Error("Dequeue failed")
			continue
		}
		for _, job := range batch {
			select {
			case d.jobs <- job:
			case <-d.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()

	for job := range d.jobs {
		select {
		case <-d.stopCh:
			return
		default:
		}
		d.process(ctx, job)
	}
}

// process runs one job through the full pipeline.
func (d *Dispatcher) process(ctx context.Context, job notification.Job) {
	locked, err := d.queue.AcquireLock(ctx, job.ID, d.workerID, d.cfg.LockTTL)
	if err != nil || !locked {
		return
	}
	defer func() { _ = d.queue.ReleaseLock(ctx, job.ID, d.workerID) }()

	log := d.logger.WithContext(ctx).WithDispatch(job.TenantID, job.RequestID.String(), "")

	req, err := d.repo.GetRequest(ctx, job.TenantID, job.RequestID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			log.Warn("Job references unknown request, dropping")
			_ = d.queue.Ack(ctx, job)
		}
		return
	}
	log = d.logger.WithContext(ctx).WithDispatch(req.TenantID, req.ID.String(), string(req.Channel))

	if req.ExpiresAt != nil && req.ExpiresAt.Before(time.Now()) {
		_, _ = d.repo.AppendComplianceAttempt(ctx, job, notification.StateDropped, "expired")
		_ = d.queue.Ack(ctx, job)
		log.Info("Request expired before dispatch, dropped")
		return
	}

	// A terminal latest attempt means a lost-lock duplicate or a replay
	// of completed work.
	latest, err := d.repo.LatestAttempt(ctx, req.ID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return
	}
	if latest != nil && latest.State.Terminal() {
		_ = d.queue.Ack(ctx, job)
		return
	}

	if admission := d.degrade.Admit(req.Type, req.Priority); !admission.Allow {
		// Already-accepted work is deferred, not rejected.
		_ = d.queue.Reschedule(ctx, job, time.Now().Add(admission.RetryAfter))
		return
	}

	sendChannel := req.Channel
	if d.degrade.ChannelDown(req.Channel) {
		fb, ok := d.degrade.Fallback(req)
		if !ok {
			_ = d.queue.Reschedule(ctx, job, time.Now().Add(d.policy.Backoff(job.AttemptNo)))
			return
		}
		sendChannel = fb
		log.WithField("fallback_channel", string(fb)).Warn("Channel down, using fallback channel")
	}

	// Compliance runs against the channel actually used so a fallback
	// send still honors that channel's consent and suppressions.
	gateReq := *req
	gateReq.Channel = sendChannel
	switch decision := d.gate.Check(ctx, &gateReq); decision.Verdict {
	case compliance.VerdictReject:
		_, _ = d.repo.AppendComplianceAttempt(ctx, job, decision.State, decision.ReasonCode)
		_ = d.queue.Ack(ctx, job)
		log.WithField("reason", decision.ReasonCode).Info("Compliance gate rejected")
		return
	case compliance.VerdictReschedule:
		_ = d.queue.Reschedule(ctx, job, decision.ResumeAt)
		log.WithField("resume_at", decision.ResumeAt).Info("Deferred to quiet hours end")
		return
	}

	limit := d.limiter.Allow(ctx, ratelimit.Request{
		TenantID:      req.TenantID,
		Channel:       sendChannel,
		RecipientHash: notification.HashAddress(req.Recipient.AddressFor(sendChannel)),
		Principal:     req.Recipient.ID,
		Critical:      req.Type == notification.TypeCritical,
	})
	if !limit.Allowed {
		_ = d.queue.Reschedule(ctx, job, time.Now().Add(limit.RetryAfter))
		log.WithField("scope", limit.Scope).Info("Rate limited, rescheduled")
		return
	}

	adapter, err := d.selector.Select(ctx, req.TenantID, sendChannel)
	if err != nil {
		d.handleNoProvider(ctx, job, req, log)
		return
	}

	attempt, err := d.repo.ClaimAttempt(ctx, job, adapter.Name())
	if err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			// Another worker claimed this attempt number.
			_ = d.queue.Ack(ctx, job)
		}
		return
	}

	res := d.send(ctx, adapter, req)

	if res.Accepted {
		d.board.RecordSuccess(adapter.Name())
		if err := d.repo.MarkAttemptSent(ctx, attempt.ID, res.ProviderMessageID, res.Latency); err != nil {
			log.WithField("error", err.Error()).Error("Failed to persist sent attempt")
		}
		_ = d.queue.Ack(ctx, job)
		d.metrics.DispatchAttempts.WithLabelValues(string(sendChannel), adapter.Name(), "sent").Inc()
		d.metrics.DispatchLatency.WithLabelValues(string(sendChannel), adapter.Name()).Observe(res.Latency.Seconds())
		log.WithFields(logrus.Fields{
			"provider":   adapter.Name(),
			"attempt_no": job.AttemptNo,
			"latency_ms": res.Latency.Milliseconds(),
		}).Info("Notification sent")
		return
	}

	d.board.RecordFailure(adapter.Name(), probeFailThresholdLive, res.ErrorCode)
	if err := d.repo.MarkAttemptFailed(ctx, attempt.ID, res.ErrorCode, res.ErrorClass, res.Latency); err != nil {
		log.WithField("error", err.Error()).Error("Failed to persist failed attempt")
	}
	d.metrics.DispatchAttempts.WithLabelValues(string(sendChannel), adapter.Name(), string(res.ErrorClass)).Inc()

	d.settleFailure(ctx, job, req, adapter.Name(), res, log)
}

// probeFailThresholdLive is the failure streak from live sends that
// marks a provider unhealthy, higher than the probe threshold since
// live traffic failures can be payload-specific.
const probeFailThresholdLive = 5

// send runs one provider call under its breaker. Transient outcomes
// count as breaker failures; permanent rejections do not, since the
// provider is functioning.
func (d *Dispatcher) send(ctx context.Context, adapter provider.Adapter, req *notification.Request) provider.SendResult {
	payload := buildPayload(req)

	var res provider.SendResult
	err := d.breakers.Execute(ctx, adapter.Name(), func() error {
		res = adapter.Send(ctx, payload)
		if !res.Accepted && (res.ErrorClass == notification.ErrClassRetryable || res.ErrorClass == notification.ErrClassTimeout) {
			return errSendFailed
		}
		return nil
	})
	if err != nil && apperr.Is(err, apperr.KindCircuitOpen) {
		return provider.SendResult{
			ErrorClass: notification.ErrClassRetryable,
			ErrorCode:  "circuit_open",
		}
	}
	return res
}

func buildPayload(req *notification.Request) provider.Payload {
	p := provider.Payload{
		TenantID:      req.TenantID,
		RequestID:     req.ID,
		CorrelationID: req.CorrelationID,
		To:            req.Recipient,
	}
	if req.Subject != nil {
		p.Subject = *req.Subject
	}
	if req.BodyText != nil {
		p.BodyText = *req.BodyText
	}
	if req.BodyHTML != nil {
		p.BodyHTML = *req.BodyHTML
	}
	if req.TemplateRef != nil {
		p.TemplateRef = *req.TemplateRef
	}
	return p
}

// settleFailure applies the retry policy to a failed send: successor
// job with backoff, or the dead letter queue, or a clean stop for
// permanent errors.
func (d *Dispatcher) settleFailure(ctx context.Context, job notification.Job, req *notification.Request, providerName string, res provider.SendResult, log *telemetry.ContextualLogger) {
	decision := d.policy.Decide(res.ErrorClass, job.AttemptNo, req.Type, res.RetryAfter)

	if decision.GiveUp {
		if decision.DeadLetter {
			entry := notification.DLQEntry{
				Job:        job,
				TenantID:   req.TenantID,
				Type:       req.Type,
				Channel:    req.Channel,
				ErrorClass: res.ErrorClass,
				ErrorCode:  res.ErrorCode,
				Reason:     "retry budget exhausted",
				FailedAt:   time.Now().UTC(),
			}
			if err := d.queue.MoveToDLQ(ctx, entry); err != nil {
				log.WithField("error", err.Error()).Error("Failed to dead-letter job")
				return
			}
			d.metrics.DeadLettered.WithLabelValues("retry_exhausted").Inc()
			log.WithField("attempt_no", job.AttemptNo).Warn("Retry budget exhausted, dead-lettered")
		} else {
			_ = d.queue.Ack(ctx, job)
			log.WithFields(logrus.Fields{
				"provider":   providerName,
				"error_code": res.ErrorCode,
			}).Warn("Permanent provider failure, giving up")
		}
		return
	}

	parent := job.AttemptNo
	successor := notification.Job{
		ID:            uuid.New(),
		RequestID:     job.RequestID,
		TenantID:      job.TenantID,
		AttemptNo:     decision.NextAttemptNo,
		Priority:      job.Priority,
		ScheduledAt:   time.Now().UTC(),
		ParentAttempt: &parent,
	}
	if err := d.queue.EnqueueDelayed(ctx, successor, time.Now().Add(decision.RetryAfter)); err != nil {
		log.WithField("error", err.Error()).Error("Failed to schedule retry")
		return
	}
	_ = d.queue.Ack(ctx, job)
	log.WithFields(logrus.Fields{
		"provider":    providerName,
		"error_class": string(res.ErrorClass),
		"retry_after": decision.RetryAfter.String(),
		"next_no":     decision.NextAttemptNo,
	}).Info("Attempt failed, retry scheduled")
}

// handleNoProvider defers the job when no candidate can take it. The
// attempt number is not consumed; the request expiry bounds how long a
// job can circle this way.
func (d *Dispatcher) handleNoProvider(ctx context.Context, job notification.Job, req *notification.Request, log *telemetry.ContextualLogger) {
	if job.AttemptNo >= d.policy.Budget(req.Type) {
		entry := notification.DLQEntry{
			Job:        job,
			TenantID:   req.TenantID,
			Type:       req.Type,
			Channel:    req.Channel,
			ErrorClass: notification.ErrClassRetryable,
			ErrorCode:  "no_provider_available",
			Reason:     "no provider available",
			FailedAt:   time.Now().UTC(),
		}
		if err := d.queue.MoveToDLQ(ctx, entry); err != nil {
			log.WithField("error", err.Error()).Error("Failed to dead-letter job")
			return
		}
		d.metrics.DeadLettered.WithLabelValues("no_provider").Inc()
		log.Warn("No provider available and budget exhausted, dead-lettered")
		return
	}

	_ = d.queue.Reschedule(ctx, job, time.Now().Add(d.policy.Backoff(job.AttemptNo)))
	log.Warn("No provider available, rescheduled")
}

// promoteLoop moves due delayed jobs to the pending queue.
func (d *Dispatcher) promoteLoop(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.DelayedPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.queue.PromoteDelayed(ctx, time.Now()); err != nil {
				d.logger.WithContext(ctx).WithField("error", err.Error()).Error("Delayed promotion failed")
			}
		}
	}
}

// janitorLoop runs the periodic cleanups: stale sending attempts, DLQ
// retention, expired idempotency records, orphaned requests, and the
// queue depth gauges.
func (d *Dispatcher) janitorLoop(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.janitor(ctx)
		}
	}
}

func (d *Dispatcher) janitor(ctx context.Context) {
	log := d.logger.WithContext(ctx)

	if timedOut, err := d.repo.TimeoutStaleAttempts(ctx, time.Now().Add(-staleAttemptAge)); err != nil {
		log.WithField("error", err.Error()).Error("Stale attempt sweep failed")
	} else if len(timedOut) > 0 {
		log.WithField("count", len(timedOut)).Warn("Timed out stale sending attempts")
	}

	cutoff := time.Now().AddDate(0, 0, -d.cfg.DLQRetentionDays)
	if removed, err := d.queue.CleanupDLQ(ctx, cutoff); err != nil {
		log.WithField("error", err.Error()).Error("DLQ cleanup failed")
	} else if removed > 0 {
		log.WithField("count", removed).Info("Expired DLQ entries removed")
	}

	if _, err := d.repo.PurgeExpiredIdempotency(ctx); err != nil {
		log.WithField("error", err.Error()).Error("Idempotency purge failed")
	}

	// Requests that were accepted but whose enqueue was lost get a
	// fresh first job.
	orphans, err := d.repo.RequestsWithoutAttempts(ctx, time.Now().Add(-orphanAge), 100)
	if err != nil {
		log.WithField("error", err.Error()).Error("Orphan request scan failed")
	}
	for _, req := range orphans {
		job := notification.Job{
			ID:          uuid.New(),
			RequestID:   req.ID,
			TenantID:    req.TenantID,
			AttemptNo:   1,
			Priority:    req.Priority,
			ScheduledAt: time.Now().UTC(),
		}
		if err := d.queue.Enqueue(ctx, job); err != nil {
			log.WithField("error", err.Error()).Error("Orphan re-enqueue failed")
			continue
		}
		log.WithDispatch(req.TenantID, req.ID.String(), string(req.Channel)).
			Warn("Re-enqueued request with no attempts")
	}

	if stats, err := d.queue.Stats(ctx); err == nil {
		d.metrics.QueueDepth.WithLabelValues("pending").Set(float64(stats.PendingCount))
		d.metrics.QueueDepth.WithLabelValues("delayed").Set(float64(stats.DelayedCount))
		d.metrics.QueueDepth.WithLabelValues("dlq").Set(float64(stats.DLQCount))
	}
}
