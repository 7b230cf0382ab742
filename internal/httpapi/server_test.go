package httpapi

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

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
	"github.com/venuetix/notification-service/internal/telemetry"
	"github.com/venuetix/notification-service/internal/webhook"
)

const (
	testSigningKey  = "test-jwt-signing-key"
	testUnsubSecret = "test-unsubscribe-secret"
	testWebhookKey  = "whsec_test"
)

// fakeRepo is an in-memory Repository.
type fakeRepo struct {
	requests     map[uuid.UUID]*notification.Request
	idempotency  map[string]*notification.IdempotencyRecord
	attempts     map[uuid.UUID][]notification.Attempt
	suppressions []notification.SuppressionEntry
	removed      []string
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		requests:    make(map[uuid.UUID]*notification.Request),
		idempotency: make(map[string]*notification.IdempotencyRecord),
		attempts:    make(map[uuid.UUID][]notification.Attempt),
	}
}

func (f *fakeRepo) CreateRequest(ctx context.Context, req *notification.Request, idem *notification.IdempotencyRecord) error {
	if idem != nil {
		key := idem.TenantID + "/" + idem.Key
		if _, exists := f.idempotency[key]; exists {
			return repository.ErrDuplicate
		}
		f.idempotency[key] = idem
	}
	f.requests[req.ID] = req
	return nil
}

func (f *fakeRepo) GetIdempotency(ctx context.Context, tenantID, key string) (*notification.IdempotencyRecord, error) {
	rec, ok := f.idempotency[tenantID+"/"+key]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return rec, nil
}

func (f *fakeRepo) GetRequest(ctx context.Context, tenantID string, id uuid.UUID) (*notification.Request, error) {
	req, ok := f.requests[id]
	if !ok || req.TenantID != tenantID {
		return nil, repository.ErrNotFound
	}
	return req, nil
}

func (f *fakeRepo) LatestAttempt(ctx context.Context, requestID uuid.UUID) (*notification.Attempt, error) {
	attempts := f.attempts[requestID]
	if len(attempts) == 0 {
		return nil, repository.ErrNotFound
	}
	latest := attempts[len(attempts)-1]
	return &latest, nil
}

func (f *fakeRepo) ListAttempts(ctx context.Context, requestID uuid.UUID) ([]notification.Attempt, error) {
	return f.attempts[requestID], nil
}

func (f *fakeRepo) AddSuppression(ctx context.Context, entry notification.SuppressionEntry) error {
	f.suppressions = append(f.suppressions, entry)
	return nil
}

func (f *fakeRepo) RemoveSuppression(ctx context.Context, tenantID string, channel notification.Channel, recipientHash string) error {
	f.removed = append(f.removed, tenantID+"/"+string(channel)+"/"+recipientHash)
	return nil
}

func (f *fakeRepo) ListSuppressions(ctx context.Context, tenantID string, channel *notification.Channel, limit int) ([]notification.SuppressionEntry, error) {
	var out []notification.SuppressionEntry
	for _, e := range f.suppressions {
		if e.TenantID != tenantID {
			continue
		}
		if channel != nil && e.Channel != *channel {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// fakeAPIQueue is an in-memory queue.Queue.
type fakeAPIQueue struct {
	enqueued []notification.Job
	delayed  []notification.Job
	dlq      []notification.DLQEntry
	stats    queue.Stats
	replayed int
}

func (f *fakeAPIQueue) Enqueue(ctx context.Context, job notification.Job) error {
	f.enqueued = append(f.enqueued, job)
	return nil
}

func (f *fakeAPIQueue) EnqueueDelayed(ctx context.Context, job notification.Job, at time.Time) error {
	f.delayed = append(f.delayed, job)
	return nil
}

func (f *fakeAPIQueue) Dequeue(ctx context.Context, limit int) ([]notification.Job, error) {
	return nil, nil
}

func (f *fakeAPIQueue) Ack(ctx context.Context, job notification.Job) error { return nil }

func (f *fakeAPIQueue) Reschedule(ctx context.Context, job notification.Job, at time.Time) error {
	return nil
}

func (f *fakeAPIQueue) MoveToDLQ(ctx context.Context, entry notification.DLQEntry) error {
	f.dlq = append(f.dlq, entry)
	return nil
}

func (f *fakeAPIQueue) PromoteDelayed(ctx context.Context, now time.Time) (int, error) {
	return 0, nil
}

func (f *fakeAPIQueue) ReplayFromDLQ(ctx context.Context, filter notification.DLQFilter) (int, error) {
	f.replayed = len(f.dlq)
	return f.replayed, nil
}

func (f *fakeAPIQueue) DLQEntries(ctx context.Context, filter notification.DLQFilter) ([]notification.DLQEntry, error) {
	return f.dlq, nil
}

func (f *fakeAPIQueue) DLQStats(ctx context.Context) (*notification.DLQStats, error) {
	return &notification.DLQStats{TotalCount: int64(len(f.dlq))}, nil
}

func (f *fakeAPIQueue) CleanupDLQ(ctx context.Context, cutoff time.Time) (int, error) {
	return 0, nil
}

func (f *fakeAPIQueue) Stats(ctx context.Context) (*queue.Stats, error) {
	return &f.stats, nil
}

func (f *fakeAPIQueue) AcquireLock(ctx context.Context, jobID uuid.UUID, workerID string, ttl time.Duration) (bool, error) {
	return true, nil
}

func (f *fakeAPIQueue) ReleaseLock(ctx context.Context, jobID uuid.UUID, workerID string) error {
	return nil
}

func (f *fakeAPIQueue) Close() error { return nil }

// fakeWebhookRepo backs the webhook processor in API tests.
type fakeWebhookRepo struct {
	reconciled []string
}

func (f *fakeWebhookRepo) InsertWebhookEvent(ctx context.Context, evt notification.WebhookEvent) (bool, error) {
	return true, nil
}

func (f *fakeWebhookRepo) ReconcileDeliveryState(ctx context.Context, providerName, providerMessageID string, newState notification.AttemptState, occurredAt time.Time) (*notification.Attempt, error) {
	f.reconciled = append(f.reconciled, providerMessageID+":"+string(newState))
	return &notification.Attempt{RequestID: uuid.New(), State: newState}, nil
}

func (f *fakeWebhookRepo) GetRequestByID(ctx context.Context, id uuid.UUID) (*notification.Request, error) {
	return nil, repository.ErrNotFound
}

func (f *fakeWebhookRepo) AddSuppression(ctx context.Context, entry notification.SuppressionEntry) error {
	return nil
}

type fixture struct {
	server  *Server
	repo    *fakeRepo
	queue   *fakeAPIQueue
	whRepo  *fakeWebhookRepo
	degrade *degrade.Controller
	cfg     *config.Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := &config.Config{
		HTTPAddr:          ":0",
		Environment:       "test",
		JWTSigningKey:     testSigningKey,
		UnsubscribeSecret: testUnsubSecret,
		EnabledChannels:   []string{"email", "sms", "push"},
		RateLimit: config.RateLimitConfig{
			RecipientPerHour: 1000,
			UserPerHour:      1000,
			TenantChannelRPS: 1000,
			IPPerMinute:      1000,
		},
		Providers: map[string]config.ProviderConfig{
			"sendgrid": {
				Name:          "sendgrid",
				Channel:       "email",
				APIKey:        "sg-key",
				WebhookSecret: testWebhookKey,
				BaseURL:       "https://api.sendgrid.example",
			},
		},
	}

	m := metrics.NewForTesting()
	logger, err := telemetry.NewLogger(nil)
	require.NoError(t, err)
	repo := newFakeRepo()
	q := &fakeAPIQueue{}
	whRepo := &fakeWebhookRepo{}

	registry := provider.NewRegistry(cfg, http.DefaultClient)
	processor := webhook.NewProcessor(registry, whRepo, nil, logger, m)
	controller := degrade.NewController(logger, m)
	breakers := breaker.NewManager(breaker.DefaultConfig(), m)
	board := provider.NewBoard([]string{"sendgrid"})

	server := New(Deps{
		Config:   cfg,
		Logger:   logger,
		Metrics:  m,
		Gatherer: prometheus.NewRegistry(),
		Repo:     repo,
		Queue:    q,
		Limiter:  ratelimit.New(client, cfg.RateLimit, m),
		Degrade:  controller,
		Webhooks: processor,
		Breakers: breakers,
		Board:    board,
		Tokens:   compliance.NewTokenCodec(testUnsubSecret),
		Checks: map[string]CheckFunc{
			"redis": func(ctx context.Context) error { return client.Ping(ctx).Err() },
		},
	})

	return &fixture{server: server, repo: repo, queue: q, whRepo: whRepo, degrade: controller, cfg: cfg}
}

func bearerToken(t *testing.T, tenantID, scope string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"tenant_id": tenantID,
		"sub":       "api-client-1",
		"exp":       time.Now().Add(time.Hour).Unix(),
	}
	if scope != "" {
		claims["scope"] = scope
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSigningKey))
	require.NoError(t, err)
	return "Bearer " + token
}
