package httpapi

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/venuetix/notification-service/internal/apperr"
	"github.com/venuetix/notification-service/internal/notification"
	"github.com/venuetix/notification-service/internal/ratelimit"
	"github.com/venuetix/notification-service/internal/repository"
	"github.com/venuetix/notification-service/internal/telemetry"
)

const (
	idempotencyHeader = "Idempotency-Key"
	idempotencyTTL    = 24 * time.Hour

	maxRequestBody = 256 << 10
	maxBatchSize   = 100
)

// createPayload is the wire shape of one notification submission.
type createPayload struct {
	Recipient   notification.Recipient `json:"recipient" binding:"required"`
	Channel     notification.Channel   `json:"channel" binding:"required,notifchannel"`
	Type        notification.Type      `json:"type" binding:"required,notiftype"`
	Priority    notification.Priority  `json:"priority" binding:"omitempty,notifpriority"`
	VenueID     *string                `json:"venue_id,omitempty"`
	Subject     *string                `json:"subject,omitempty"`
	BodyText    *string                `json:"body_text,omitempty"`
	BodyHTML    *string                `json:"body_html,omitempty"`
	TemplateRef *string                `json:"template_ref,omitempty"`
	NotBefore   *time.Time             `json:"not_before,omitempty"`
	TTLSeconds  int                    `json:"ttl_seconds,omitempty"`
}

func (p createPayload) toRequest(tenantID, correlationID string) *notification.Request {
	now := time.Now().UTC()
	priority := p.Priority
	if priority == "" {
		priority = notification.PriorityNormal
	}

	req := &notification.Request{
		ID:            uuid.New(),
		TenantID:      tenantID,
		VenueID:       p.VenueID,
		Recipient:     p.Recipient,
		Channel:       p.Channel,
		Type:          p.Type,
		Priority:      priority,
		Subject:       p.Subject,
		BodyText:      p.BodyText,
		BodyHTML:      p.BodyHTML,
		TemplateRef:   p.TemplateRef,
		CorrelationID: correlationID,
		Source:        notification.SourceAPI,
		CreatedAt:     now,
	}
	if p.TTLSeconds > 0 {
		req.ExpiresAt = notification.Ptr(now.Add(time.Duration(p.TTLSeconds) * time.Second))
	}
	return req
}

type acceptedResponse struct {
	RequestID     string `json:"request_id"`
	Status        string `json:"status"`
	CorrelationID string `json:"correlation_id"`
}

func readBody(c *gin.Context) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxRequestBody+1))
	if err != nil {
		return nil, apperr.NewValidation("body", "failed to read request body")
	}
	if len(body) > maxRequestBody {
		return nil, apperr.NewValidation("body", "request body too large").
			WithHTTPStatus(http.StatusRequestEntityTooLarge)
	}
	return body, nil
}

func bodyHash(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// createNotification accepts one request: 202 on accept, 200 when an
// idempotency key replays the original body, 409 when the key is reused
// with a different body.
func (s *Server) createNotification(c *gin.Context) {
	body, err := readBody(c)
	if err != nil {
		s.renderError(c, err)
		return
	}

	var payload createPayload
	if err := binding.JSON.BindBody(body, &payload); err != nil {
		s.renderError(c, apperr.NewValidation("body", err.Error()))
		return
	}

	resp, err := s.accept(c, payload, c.GetHeader(idempotencyHeader), bodyHash(body))
	if err != nil {
		if apperr.Is(err, apperr.KindIdempotencyReplay) {
			c.JSON(http.StatusOK, resp)
			return
		}
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, resp)
}

// accept runs the shared admission pipeline for one submission. On an
// idempotent replay it returns the stored response alongside a
// KindIdempotencyReplay error so the caller renders 200, not 202.
func (s *Server) accept(c *gin.Context, payload createPayload, idemKey, hash string) (*acceptedResponse, error) {
	ctx := c.Request.Context()
	tenantID := tenantFrom(c)
	correlationID := telemetry.GetCorrelationID(ctx)

	req := payload.toRequest(tenantID, correlationID)
	if err := req.Validate(); err != nil {
		return nil, err
	}

	if d := s.degrade.Admit(req.Type, req.Priority); !d.Allow {
		return nil, apperr.New(apperr.KindRateLimited, "SERVICE_DEGRADED", d.Reason).
			WithHTTPStatus(d.StatusCode).
			WithRetryAfter(d.RetryAfter)
	}

	result := s.limiter.Allow(ctx, ratelimit.Request{
		TenantID:      tenantID,
		Channel:       req.Channel,
		RecipientHash: notification.HashAddress(req.Recipient.AddressFor(req.Channel)),
		Principal:     principalFrom(c),
		Critical:      req.Type == notification.TypeCritical,
	})
	if !result.Allowed {
		return nil, apperr.NewRateLimited(result.Scope, result.RetryAfter)
	}

	var idem *notification.IdempotencyRecord
	if idemKey != "" {
		idem = &notification.IdempotencyRecord{
			TenantID:     tenantID,
			Key:          idemKey,
			RequestID:    req.ID,
			BodyHash:     hash,
			ResponseCode: http.StatusAccepted,
			Status:       "completed",
			ExpiresAt:    time.Now().UTC().Add(idempotencyTTL),
		}
	}

	if err := s.repo.CreateRequest(ctx, req, idem); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return s.replay(ctx, tenantID, idemKey, hash, correlationID)
		}
		return nil, apperr.NewDatabase("create request", err)
	}

	job := notification.Job{
		ID:          uuid.New(),
		RequestID:   req.ID,
		TenantID:    tenantID,
		AttemptNo:   1,
		Priority:    req.Priority,
		ScheduledAt: time.Now().UTC(),
		NotBefore:   payload.NotBefore,
	}

	var enqueueErr error
	if payload.NotBefore != nil && payload.NotBefore.After(time.Now()) {
		enqueueErr = s.queue.EnqueueDelayed(ctx, job, *payload.NotBefore)
	} else {
		enqueueErr = s.queue.Enqueue(ctx, job)
	}
	if enqueueErr != nil {
		// The request is durably accepted; the janitor re-enqueues
		// requests that have no attempts.
		s.logger.WithContext(ctx).WithFields(logrus.Fields{
			"request_id": req.ID.String(),
			"error":      enqueueErr.Error(),
		}).Error("Accepted request could not be enqueued")
	}

	return &acceptedResponse{
		RequestID:     req.ID.String(),
		Status:        string(notification.StateQueued),
		CorrelationID: correlationID,
	}, nil
}

// replay resolves an idempotency key collision: same body replays the
// original accept, a different body is a 409.
func (s *Server) replay(ctx context.Context, tenantID, key, hash, correlationID string) (*acceptedResponse, error) {
	rec, err := s.repo.GetIdempotency(ctx, tenantID, key)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			// The key's window expired between insert and read; the
			// caller should retry with a fresh key.
			return nil, apperr.NewIdempotencyConflict(key)
		}
		return nil, apperr.NewDatabase("get idempotency key", err)
	}
	if rec.BodyHash != hash {
		return nil, apperr.NewIdempotencyConflict(key)
	}

	resp := &acceptedResponse{
		RequestID:     rec.RequestID.String(),
		Status:        string(notification.StateQueued),
		CorrelationID: correlationID,
	}
	return resp, apperr.NewIdempotencyReplay(rec.RequestID.String())
}

type batchRequest struct {
	Notifications []createPayload `json:"notifications" binding:"required,min=1"`
}

type batchItem struct {
	Index      int             `json:"index"`
	StatusCode int             `json:"status_code"`
	RequestID  string          `json:"request_id,omitempty"`
	Error      *apperr.Problem `json:"error,omitempty"`
}

// createNotificationBatch accepts up to maxBatchSize submissions in one
// call, admitting each independently. Batch items do not carry
// idempotency keys; callers needing replay protection submit singly.
func (s *Server) createNotificationBatch(c *gin.Context) {
	body, err := readBody(c)
	if err != nil {
		s.renderError(c, err)
		return
	}

	var batch batchRequest
	if err := binding.JSON.BindBody(body, &batch); err != nil {
		s.renderError(c, apperr.NewValidation("body", err.Error()))
		return
	}
	if len(batch.Notifications) > maxBatchSize {
		s.renderError(c, apperr.NewValidation("notifications", "batch exceeds maximum size"))
		return
	}

	items := make([]batchItem, 0, len(batch.Notifications))
	for i, payload := range batch.Notifications {
		resp, err := s.accept(c, payload, "", "")
		if err != nil {
			ae := apperr.From(err).WithCorrelationID(telemetry.GetCorrelationID(c.Request.Context()))
			problem := ae.Problem(c.Request.URL.Path)
			items = append(items, batchItem{Index: i, StatusCode: ae.HTTPStatus, Error: &problem})
			continue
		}
		items = append(items, batchItem{Index: i, StatusCode: http.StatusAccepted, RequestID: resp.RequestID})
	}

	c.JSON(http.StatusOK, gin.H{"results": items})
}

type statusResponse struct {
	Request  *notification.Request  `json:"request"`
	Status   string                 `json:"status"`
	Attempts []notification.Attempt `json:"attempts"`
}

// getNotification returns a request with its derived status and full
// attempt history, scoped to the caller's tenant.
func (s *Server) getNotification(c *gin.Context) {
	ctx := c.Request.Context()

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		s.renderError(c, apperr.NewValidation("id", "id must be a UUID"))
		return
	}

	req, err := s.repo.GetRequest(ctx, tenantFrom(c), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.renderError(c, apperr.NewNotFound("notification"))
			return
		}
		s.renderError(c, apperr.NewDatabase("get request", err))
		return
	}

	latest, err := s.repo.LatestAttempt(ctx, id)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		s.renderError(c, apperr.NewDatabase("get latest attempt", err))
		return
	}

	attempts, err := s.repo.ListAttempts(ctx, id)
	if err != nil {
		s.renderError(c, apperr.NewDatabase("list attempts", err))
		return
	}

	c.JSON(http.StatusOK, statusResponse{
		Request:  req,
		Status:   notification.StatusOf(latest),
		Attempts: attempts,
	})
}

// handleProviderWebhook feeds a provider callback to the webhook
// processor. The processor verifies the signature before parsing.
func (s *Server) handleProviderWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		s.renderError(c, apperr.NewValidation("body", "failed to read webhook body"))
		return
	}

	if err := s.webhooks.Handle(c.Request.Context(), c.Param("provider"), c.Request, body); err != nil {
		s.renderError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// handleUnsubscribe stores a suppression from a signed token. The token
// carries its own tenant scope; no JWT is involved.
func (s *Server) handleUnsubscribe(c *gin.Context) {
	tok, err := s.tokens.Decode(c.Param("token"))
	if err != nil {
		s.renderError(c, err)
		return
	}

	entry := notification.SuppressionEntry{
		TenantID:      tok.TenantID,
		Channel:       tok.Channel,
		RecipientHash: tok.RecipientHash,
		Reason:        "unsubscribe",
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.repo.AddSuppression(c.Request.Context(), entry); err != nil {
		s.renderError(c, apperr.NewDatabase("add suppression", err))
		return
	}

	s.logger.WithContext(c.Request.Context()).WithFields(logrus.Fields{
		"tenant_id": tok.TenantID,
		"channel":   string(tok.Channel),
	}).Info("Unsubscribe token honored")
	c.Status(http.StatusNoContent)
}
