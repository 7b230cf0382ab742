package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/venuetix/notification-service/internal/notification"
	"github.com/venuetix/notification-service/internal/telemetry"
)

func testLogger(t *testing.T) *telemetry.Logger {
	t.Helper()
	logger, err := telemetry.NewLogger(nil)
	require.NoError(t, err)
	return logger
}

type fakeOutboxRepo struct {
	pending   []notification.OutboxEvent
	published []uuid.UUID
	bumped    []uuid.UUID
}

func (f *fakeOutboxRepo) PendingOutbox(ctx context.Context, limit int) ([]notification.OutboxEvent, error) {
	return f.pending, nil
}

func (f *fakeOutboxRepo) MarkOutboxPublished(ctx context.Context, ids []uuid.UUID) error {
	f.published = append(f.published, ids...)
	return nil
}

func (f *fakeOutboxRepo) BumpOutboxAttempts(ctx context.Context, ids []uuid.UUID) error {
	f.bumped = append(f.bumped, ids...)
	return nil
}

func (f *fakeOutboxRepo) PurgePublishedOutbox(ctx context.Context) (int64, error) {
	return 0, nil
}

type fakeEnqueuer struct {
	jobs []notification.Job
	err  error
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, job notification.Job) error {
	if f.err != nil {
		return f.err
	}
	f.jobs = append(f.jobs, job)
	return nil
}

type fakeBus struct {
	keys   []string
	bodies [][]byte
	err    error
}

func (f *fakeBus) Publish(ctx context.Context, routingKey string, body []byte) error {
	if f.err != nil {
		return f.err
	}
	f.keys = append(f.keys, routingKey)
	f.bodies = append(f.bodies, body)
	return nil
}

func (f *fakeBus) Close() error { return nil }

type fakeSink struct {
	urls []string
	err  error
}

func (f *fakeSink) Deliver(ctx context.Context, url string, body []byte) error {
	if f.err != nil {
		return f.err
	}
	f.urls = append(f.urls, url)
	return nil
}

func jobRow(t *testing.T, job notification.Job) notification.OutboxEvent {
	t.Helper()
	payload, err := json.Marshal(job)
	require.NoError(t, err)
	return notification.OutboxEvent{
		ID:        uuid.New(),
		EventType: jobEnqueueEvent,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
}

func statusRow(eventType string) notification.OutboxEvent {
	return notification.OutboxEvent{
		ID:        uuid.New(),
		EventType: eventType,
		Payload:   json.RawMessage(`{"request_id":"req-1","state":"sent"}`),
		CreatedAt: time.Now().UTC(),
	}
}

func TestDrainEnqueuesStagedJobs(t *testing.T) {
	job := notification.Job{
		ID:        uuid.New(),
		RequestID: uuid.New(),
		TenantID:  "tenant-a",
		AttemptNo: 1,
		Priority:  notification.PriorityHigh,
	}
	row := jobRow(t, job)
	repo := &fakeOutboxRepo{pending: []notification.OutboxEvent{row}}
	queue := &fakeEnqueuer{}

	pub := NewPublisher(repo, queue, &fakeBus{}, nil, "", testLogger(t))
	pub.drain(context.Background())

	require.Len(t, queue.jobs, 1)
	assert.Equal(t, job.ID, queue.jobs[0].ID)
	assert.Equal(t, job.TenantID, queue.jobs[0].TenantID)
	assert.Equal(t, []uuid.UUID{row.ID}, repo.published)
	assert.Empty(t, repo.bumped)
}

func TestDrainPublishesStatusEvents(t *testing.T) {
	row := statusRow("notification.sent")
	repo := &fakeOutboxRepo{pending: []notification.OutboxEvent{row}}
	bus := &fakeBus{}

	pub := NewPublisher(repo, &fakeEnqueuer{}, bus, nil, "", testLogger(t))
	pub.drain(context.Background())

	require.Len(t, bus.keys, 1)
	assert.Equal(t, "notification.sent", bus.keys[0])
	assert.Equal(t, []uuid.UUID{row.ID}, repo.published)
}

func TestDrainDeliversCustomerWebhook(t *testing.T) {
	row := statusRow("notification.delivered")
	repo := &fakeOutboxRepo{pending: []notification.OutboxEvent{row}}
	sink := &fakeSink{}

	pub := NewPublisher(repo, &fakeEnqueuer{}, &fakeBus{}, sink, "https://customer.example.com/hooks", testLogger(t))
	pub.drain(context.Background())

	require.Len(t, sink.urls, 1)
	assert.Equal(t, "https://customer.example.com/hooks", sink.urls[0])
	assert.Equal(t, []uuid.UUID{row.ID}, repo.published)
}

func TestDrainBumpsFailedRows(t *testing.T) {
	row := statusRow("notification.sent")
	repo := &fakeOutboxRepo{pending: []notification.OutboxEvent{row}}
	bus := &fakeBus{err: errors.New("broker unavailable")}

	pub := NewPublisher(repo, &fakeEnqueuer{}, bus, nil, "", testLogger(t))
	pub.drain(context.Background())

	assert.Empty(t, repo.published)
	assert.Equal(t, []uuid.UUID{row.ID}, repo.bumped)
}

func TestDrainSinkFailureDoesNotRepublish(t *testing.T) {
	row := statusRow("notification.sent")
	repo := &fakeOutboxRepo{pending: []notification.OutboxEvent{row}}
	sink := &fakeSink{err: errors.New("endpoint refused")}

	pub := NewPublisher(repo, &fakeEnqueuer{}, &fakeBus{}, sink, "https://customer.example.com/hooks", testLogger(t))
	pub.drain(context.Background())

	// The bus publish succeeded; a refusing customer endpoint must not
	// keep the row pending.
	assert.Equal(t, []uuid.UUID{row.ID}, repo.published)
	assert.Empty(t, repo.bumped)
}

func TestDrainMalformedJobPayload(t *testing.T) {
	row := notification.OutboxEvent{
		ID:        uuid.New(),
		EventType: jobEnqueueEvent,
		Payload:   json.RawMessage(`{"id":`),
		CreatedAt: time.Now().UTC(),
	}
	repo := &fakeOutboxRepo{pending: []notification.OutboxEvent{row}}
	queue := &fakeEnqueuer{}

	pub := NewPublisher(repo, queue, &fakeBus{}, nil, "", testLogger(t))
	pub.drain(context.Background())

	assert.Empty(t, queue.jobs)
	assert.Equal(t, []uuid.UUID{row.ID}, repo.bumped)
}

func TestDrainMixedBatch(t *testing.T) {
	job := notification.Job{ID: uuid.New(), RequestID: uuid.New(), TenantID: "tenant-a", AttemptNo: 1}
	rows := []notification.OutboxEvent{jobRow(t, job), statusRow("notification.failed")}
	repo := &fakeOutboxRepo{pending: rows}
	queue := &fakeEnqueuer{}
	bus := &fakeBus{}

	pub := NewPublisher(repo, queue, bus, nil, "", testLogger(t))
	pub.drain(context.Background())

	assert.Len(t, queue.jobs, 1)
	assert.Equal(t, []string{"notification.failed"}, bus.keys)
	assert.ElementsMatch(t, []uuid.UUID{rows[0].ID, rows[1].ID}, repo.published)
}
