package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/venuetix/notification-service/internal/apperr"
	"github.com/venuetix/notification-service/internal/notification"
)

// dlqFilterFrom parses the common DLQ query parameters.
func dlqFilterFrom(c *gin.Context) (notification.DLQFilter, error) {
	var filter notification.DLQFilter

	if v := c.Query("type"); v != "" {
		typ := notification.Type(v)
		if !typ.Valid() {
			return filter, apperr.NewValidation("type", "unknown notification type")
		}
		filter.Type = &typ
	}
	if v := c.Query("channel"); v != "" {
		ch := notification.Channel(v)
		if !ch.Valid() {
			return filter, apperr.NewValidation("channel", "unknown channel")
		}
		filter.Channel = &ch
	}
	if v := c.Query("error_code"); v != "" {
		filter.ErrorCode = &v
	}
	if v := c.Query("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 1 {
			return filter, apperr.NewValidation("limit", "limit must be a positive integer")
		}
		filter.Limit = limit
	}
	if v := c.Query("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, apperr.NewValidation("since", "since must be RFC 3339")
		}
		filter.Since = &since
	}

	return filter, nil
}

func (s *Server) listDLQ(c *gin.Context) {
	filter, err := dlqFilterFrom(c)
	if err != nil {
		s.renderError(c, err)
		return
	}

	entries, err := s.queue.DLQEntries(c.Request.Context(), filter)
	if err != nil {
		s.renderError(c, apperr.NewInternal("failed to read dead letter queue", err))
		return
	}
	if entries == nil {
		entries = []notification.DLQEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

func (s *Server) replayDLQ(c *gin.Context) {
	var filter notification.DLQFilter
	if err := c.ShouldBindJSON(&filter); err != nil {
		s.renderError(c, apperr.NewValidation("body", err.Error()))
		return
	}

	replayed, err := s.queue.ReplayFromDLQ(c.Request.Context(), filter)
	if err != nil {
		s.renderError(c, apperr.NewInternal("failed to replay dead letter queue", err))
		return
	}

	s.logger.WithContext(c.Request.Context()).WithFields(logrus.Fields{
		"replayed": replayed,
		"tenant":   tenantFrom(c),
	}).Info("DLQ replay requested")
	c.JSON(http.StatusOK, gin.H{"replayed": replayed})
}

func (s *Server) dlqStats(c *gin.Context) {
	stats, err := s.queue.DLQStats(c.Request.Context())
	if err != nil {
		s.renderError(c, apperr.NewInternal("failed to read dead letter queue stats", err))
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) queueStats(c *gin.Context) {
	stats, err := s.queue.Stats(c.Request.Context())
	if err != nil {
		s.renderError(c, apperr.NewInternal("failed to read queue stats", err))
		return
	}
	c.JSON(http.StatusOK, stats)
}

// suppressionPayload accepts either a raw address, which is hashed
// server-side, or a precomputed recipient hash.
type suppressionPayload struct {
	Channel       notification.Channel `json:"channel" binding:"required"`
	Address       string               `json:"address,omitempty"`
	RecipientHash string               `json:"recipient_hash,omitempty"`
	Reason        string               `json:"reason,omitempty"`
}

func (p suppressionPayload) hash() string {
	if p.RecipientHash != "" {
		return p.RecipientHash
	}
	if p.Address != "" {
		return notification.HashAddress(p.Address)
	}
	return ""
}

func (s *Server) addSuppression(c *gin.Context) {
	var payload suppressionPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		s.renderError(c, apperr.NewValidation("body", err.Error()))
		return
	}
	if !payload.Channel.Valid() {
		s.renderError(c, apperr.NewValidation("channel", "unknown channel"))
		return
	}
	hash := payload.hash()
	if hash == "" {
		s.renderError(c, apperr.NewValidation("address", "one of address or recipient_hash is required"))
		return
	}

	reason := payload.Reason
	if reason == "" {
		reason = "manual"
	}

	entry := notification.SuppressionEntry{
		TenantID:      tenantFrom(c),
		Channel:       payload.Channel,
		RecipientHash: hash,
		Reason:        reason,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.repo.AddSuppression(c.Request.Context(), entry); err != nil {
		s.renderError(c, apperr.NewDatabase("add suppression", err))
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) removeSuppression(c *gin.Context) {
	payload := suppressionPayload{
		Channel:       notification.Channel(c.Query("channel")),
		Address:       c.Query("address"),
		RecipientHash: c.Query("recipient_hash"),
	}
	if !payload.Channel.Valid() {
		s.renderError(c, apperr.NewValidation("channel", "unknown channel"))
		return
	}
	hash := payload.hash()
	if hash == "" {
		s.renderError(c, apperr.NewValidation("address", "one of address or recipient_hash is required"))
		return
	}

	if err := s.repo.RemoveSuppression(c.Request.Context(), tenantFrom(c), payload.Channel, hash); err != nil {
		s.renderError(c, apperr.NewDatabase("remove suppression", err))
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) listSuppressions(c *gin.Context) {
	var channel *notification.Channel
	if v := c.Query("channel"); v != "" {
		ch := notification.Channel(v)
		if !ch.Valid() {
			s.renderError(c, apperr.NewValidation("channel", "unknown channel"))
			return
		}
		channel = &ch
	}

	limit := 100
	if v := c.Query("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 {
			s.renderError(c, apperr.NewValidation("limit", "limit must be a positive integer"))
			return
		}
		limit = parsed
	}

	entries, err := s.repo.ListSuppressions(c.Request.Context(), tenantFrom(c), channel, limit)
	if err != nil {
		s.renderError(c, apperr.NewDatabase("list suppressions", err))
		return
	}
	if entries == nil {
		entries = []notification.SuppressionEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}
