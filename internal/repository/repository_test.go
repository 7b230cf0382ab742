package repository

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/venuetix/notification-service/internal/notification"
)

func newMockRepo(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return New(db), mock
}

func attemptRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "request_id", "attempt_no", "provider", "provider_message_id", "state",
		"error_code", "error_class", "reason_code", "latency_ms", "started_at", "finished_at",
	})
}

func TestCreateRequest_WithIdempotencyKey(t *testing.T) {
	repo, mock := newMockRepo(t)

	req := &notification.Request{
		ID:            uuid.New(),
		TenantID:      "tn_lyricopera",
		Recipient:     notification.Recipient{ID: "usr_510", Email: "alice@example.com"},
		Channel:       notification.ChannelEmail,
		Type:          notification.TypeTransactional,
		Priority:      notification.PriorityNormal,
		BodyText:      notification.Ptr("Your tickets are attached."),
		CorrelationID: "corr-1",
		Source:        notification.SourceAPI,
		CreatedAt:     time.Now().UTC(),
	}
	idem := &notification.IdempotencyRecord{
		TenantID:     req.TenantID,
		Key:          "order-4821-confirmation",
		RequestID:    req.ID,
		BodyHash:     "abc123",
		ResponseCode: 202,
		Status:       "completed",
		ExpiresAt:    time.Now().Add(24 * time.Hour),
	}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO idempotency_keys")).
		WithArgs(idem.TenantID, idem.Key, idem.RequestID, idem.BodyHash,
			idem.ResponseCode, idem.Status, idem.ExpiresAt).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO notification_requests")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.CreateRequest(context.Background(), req, idem))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateRequest_IdempotencyKeyReuse(t *testing.T) {
	repo, mock := newMockRepo(t)

	req := &notification.Request{ID: uuid.New(), TenantID: "tn_lyricopera"}
	idem := &notification.IdempotencyRecord{TenantID: "tn_lyricopera", Key: "order-4821"}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO idempotency_keys")).
		WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectRollback()

	err := repo.CreateRequest(context.Background(), req, idem)
	assert.ErrorIs(t, err, ErrDuplicate)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateRequest_MissingTenant(t *testing.T) {
	repo, _ := newMockRepo(t)

	err := repo.CreateRequest(context.Background(), &notification.Request{ID: uuid.New()}, nil)
	assert.ErrorIs(t, err, ErrMissingTenant)
}

func TestGetRequest_NotFound(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery("SELECT .+ FROM notification_requests").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.GetRequest(context.Background(), "tn_lyricopera", uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClaimAttempt(t *testing.T) {
	repo, mock := newMockRepo(t)

	job := notification.Job{
		ID:        uuid.New(),
		RequestID: uuid.New(),
		TenantID:  "tn_lyricopera",
		AttemptNo: 1,
	}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO attempts")).
		WithArgs(sqlmock.AnyArg(), job.RequestID, 1, "sendgrid",
			notification.StateSending, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	attempt, err := repo.ClaimAttempt(context.Background(), job, "sendgrid")
	require.NoError(t, err)

	assert.Equal(t, job.RequestID, attempt.RequestID)
	assert.Equal(t, 1, attempt.AttemptNo)
	assert.Equal(t, "sendgrid", attempt.Provider)
	assert.Equal(t, notification.StateSending, attempt.State)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimAttempt_AlreadyClaimed(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO attempts")).
		WillReturnError(&pq.Error{Code: "23505"})

	_, err := repo.ClaimAttempt(context.Background(), notification.Job{
		RequestID: uuid.New(),
		AttemptNo: 1,
	}, "sendgrid")
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestMarkAttemptSent(t *testing.T) {
	repo, mock := newMockRepo(t)
	attemptID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE attempts")).
		WithArgs(attemptID, notification.StateSent, "sg_msg_9917",
			int64(132), notification.StateSending).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO outbox")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.MarkAttemptSent(context.Background(), attemptID, "sg_msg_9917", 132*time.Millisecond)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkAttemptSent_AlreadyReconciled(t *testing.T) {
	repo, mock := newMockRepo(t)

	// A webhook moved the attempt past sending before the worker's own
	// update landed; the guarded update touches no rows.
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE attempts")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := repo.MarkAttemptSent(context.Background(), uuid.New(), "sg_msg_9917", time.Millisecond)
	assert.ErrorIs(t, err, ErrStaleTransition)
}

func TestAppendComplianceAttempt(t *testing.T) {
	repo, mock := newMockRepo(t)

	job := notification.Job{RequestID: uuid.New(), AttemptNo: 1, TenantID: "tn_lyricopera"}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO attempts")).
		WithArgs(sqlmock.AnyArg(), job.RequestID, 1, notification.StateSuppressed,
			"suppressed_recipient", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO outbox")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	attempt, err := repo.AppendComplianceAttempt(context.Background(), job,
		notification.StateSuppressed, "suppressed_recipient")
	require.NoError(t, err)

	assert.Equal(t, notification.StateSuppressed, attempt.State)
	assert.Empty(t, attempt.Provider)
	require.NotNil(t, attempt.ReasonCode)
	assert.Equal(t, "suppressed_recipient", *attempt.ReasonCode)
	require.NotNil(t, attempt.FinishedAt)
}

func TestAppendComplianceAttempt_RejectsNonTerminalState(t *testing.T) {
	repo, _ := newMockRepo(t)

	_, err := repo.AppendComplianceAttempt(context.Background(),
		notification.Job{RequestID: uuid.New(), AttemptNo: 1},
		notification.StateSending, "whatever")
	assert.Error(t, err)
}

func TestReconcileDeliveryState(t *testing.T) {
	repo, mock := newMockRepo(t)

	attemptID := uuid.New()
	requestID := uuid.New()
	started := time.Now().Add(-time.Minute)
	occurred := time.Now()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("SELECT pg_advisory_xact_lock")).
		WithArgs("sendgrid:sg_msg_9917").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT .+ FROM attempts").
		WithArgs("sendgrid", "sg_msg_9917").
		WillReturnRows(attemptRows().AddRow(
			attemptID, requestID, 1, "sendgrid", "sg_msg_9917", "sent",
			nil, nil, nil, 132, started, started,
		))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE attempts SET state")).
		WithArgs(attemptID, notification.StateDelivered, occurred).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO outbox")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	attempt, err := repo.ReconcileDeliveryState(context.Background(),
		"sendgrid", "sg_msg_9917", notification.StateDelivered, occurred)
	require.NoError(t, err)

	assert.Equal(t, notification.StateDelivered, attempt.State)
	assert.Equal(t, requestID, attempt.RequestID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReconcileDeliveryState_RejectsRegression(t *testing.T) {
	repo, mock := newMockRepo(t)

	// The attempt is already delivered; a late "sent" webhook must not
	// move it backwards.
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("SELECT pg_advisory_xact_lock")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT .+ FROM attempts").
		WillReturnRows(attemptRows().AddRow(
			uuid.New(), uuid.New(), 1, "sendgrid", "sg_msg_9917", "delivered",
			nil, nil, nil, 132, time.Now(), time.Now(),
		))
	mock.ExpectRollback()

	_, err := repo.ReconcileDeliveryState(context.Background(),
		"sendgrid", "sg_msg_9917", notification.StateSent, time.Now())
	assert.ErrorIs(t, err, ErrStaleTransition)
}

func TestReconcileDeliveryState_UnknownMessage(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("SELECT pg_advisory_xact_lock")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT .+ FROM attempts").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	_, err := repo.ReconcileDeliveryState(context.Background(),
		"sendgrid", "sg_unknown", notification.StateDelivered, time.Now())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLatestAttempt_None(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery("SELECT .+ FROM attempts").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.LatestAttempt(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetSuppression_Found(t *testing.T) {
	repo, mock := newMockRepo(t)

	hash := notification.HashAddress("alice@example.com")
	mock.ExpectQuery("SELECT .+ FROM suppressions").
		WithArgs("tn_lyricopera", notification.ChannelEmail, hash).
		WillReturnRows(sqlmock.NewRows([]string{
			"tenant_id", "channel", "recipient_hash", "reason", "created_at",
		}).AddRow("tn_lyricopera", "email", hash, "hard_bounce", time.Now()))

	entry, err := repo.GetSuppression(context.Background(), "tn_lyricopera",
		notification.ChannelEmail, hash)
	require.NoError(t, err)
	assert.Equal(t, "hard_bounce", entry.Reason)
}

func TestGetSuppression_NotFound(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery("SELECT .+ FROM suppressions").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.GetSuppression(context.Background(), "tn_lyricopera",
		notification.ChannelEmail, "deadbeef")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInsertWebhookEvent_Duplicate(t *testing.T) {
	repo, mock := newMockRepo(t)

	evt := notification.WebhookEvent{
		Provider:        "sendgrid",
		ProviderEventID: "evt_001",
		Payload:         []byte(`{"event":"delivered"}`),
		ReceivedAt:      time.Now(),
	}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO webhook_events")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	inserted, err := repo.InsertWebhookEvent(context.Background(), evt)
	require.NoError(t, err)
	assert.True(t, inserted)

	// Redelivery hits ON CONFLICT DO NOTHING.
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO webhook_events")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	inserted, err = repo.InsertWebhookEvent(context.Background(), evt)
	require.NoError(t, err)
	assert.False(t, inserted)
}

func TestPendingOutbox_MarkPublished(t *testing.T) {
	repo, mock := newMockRepo(t)

	id := uuid.New()
	mock.ExpectQuery("SELECT .+ FROM outbox").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "event_type", "payload", "created_at", "published_at", "publish_attempts",
		}).AddRow(id, "notification.sent", []byte(`{"state":"sent"}`), time.Now(), nil, 0))

	events, err := repo.PendingOutbox(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "notification.sent", events[0].EventType)
	assert.Nil(t, events[0].PublishedAt)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE outbox SET published_at")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.MarkOutboxPublished(context.Background(), []uuid.UUID{id}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTimeoutStaleAttempts(t *testing.T) {
	repo, mock := newMockRepo(t)

	attemptID := uuid.New()
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE attempts")).
		WillReturnRows(attemptRows().AddRow(
			attemptID, uuid.New(), 2, "twilio", nil, "failed",
			"worker_timeout", "timeout", nil, nil, time.Now().Add(-time.Hour), time.Now(),
		))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO outbox")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	attempts, err := repo.TimeoutStaleAttempts(context.Background(), time.Now().Add(-5*time.Minute))
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, attemptID, attempts[0].ID)
	require.NotNil(t, attempts[0].ErrorClass)
	assert.Equal(t, notification.ErrClassTimeout, *attempts[0].ErrorClass)
}
