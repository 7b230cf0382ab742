package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/venuetix/notification-service/internal/config"
	"github.com/venuetix/notification-service/internal/notification"
)

// SendGrid is the primary email adapter (v3 mail send API, signed event
// webhook over timestamp||body).
type SendGrid struct {
	cfg     config.ProviderConfig
	client  *http.Client
	timeout time.Duration
}

// NewSendGrid creates the adapter from its credential block.
func NewSendGrid(cfg config.ProviderConfig, client *http.Client) *SendGrid {
	return &SendGrid{cfg: cfg, client: client, timeout: DefaultCallTimeout}
}

func (s *SendGrid) Name() string                  { return "sendgrid" }
func (s *SendGrid) Channel() notification.Channel { return notification.ChannelEmail }

type sgMailRequest struct {
	Personalizations []sgPersonalization `json:"personalizations"`
	From             sgAddress           `json:"from"`
	Subject          string              `json:"subject,omitempty"`
	Content          []sgContent         `json:"content,omitempty"`
	TemplateID       string              `json:"template_id,omitempty"`
	CustomArgs       map[string]string   `json:"custom_args,omitempty"`
}

type sgPersonalization struct {
	To []sgAddress `json:"to"`
}

type sgAddress struct {
	Email string `json:"email"`
}

type sgContent struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// Send submits one mail via the v3 API. SendGrid acknowledges with 202
// and the message id in the X-Message-Id header.
func (s *SendGrid) Send(ctx context.Context, p Payload) SendResult {
	mail := sgMailRequest{
		Personalizations: []sgPersonalization{{To: []sgAddress{{Email: p.To.Email}}}},
		From:             sgAddress{Email: "no-reply@venuetix.com"},
		Subject:          p.Subject,
		TemplateID:       p.TemplateRef,
		CustomArgs: map[string]string{
			"tenant_id":  p.TenantID,
			"request_id": p.RequestID.String(),
		},
	}
	if p.BodyText != "" {
		mail.Content = append(mail.Content, sgContent{Type: "text/plain", Value: p.BodyText})
	}
	if p.BodyHTML != "" {
		mail.Content = append(mail.Content, sgContent{Type: "text/html", Value: p.BodyHTML})
	}

	body, err := json.Marshal(mail)
	if err != nil {
		return failResult(notification.ErrClassValidation, "payload_encode_error", 0)
	}

	req, err := newJSONRequest(http.MethodPost, s.cfg.BaseURL+"/v3/mail/send", body, p.CorrelationID)
	if err != nil {
		return failResult(notification.ErrClassValidation, "request_build_error", 0)
	}
	req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)

	resp, failure := httpCall(ctx, s.client, req, s.timeout)
	if failure != nil {
		return *failure
	}

	return SendResult{
		Accepted:          true,
		ProviderMessageID: resp.Header.Get("X-Message-Id"),
		Latency:           resp.Latency,
	}
}

type sgEvent struct {
	EventID   string `json:"sg_event_id"`
	MessageID string `json:"sg_message_id"`
	Event     string `json:"event"`
	Timestamp int64  `json:"timestamp"`
	Email     string `json:"email"`
	Reason    string `json:"reason"`
}

// VerifyWebhook authenticates the event callback before interpreting
// any of it: HMAC-SHA256 over timestamp||body, then the ±5min window.
func (s *SendGrid) VerifyWebhook(r *http.Request, body []byte) ([]Event, error) {
	ts := r.Header.Get("X-Webhook-Timestamp")
	sig := r.Header.Get("X-Webhook-Signature")
	if err := verifyHMACSHA256Hex(s.cfg.WebhookSecret, ts, body, sig); err != nil {
		return nil, err
	}

	var raw []sgEvent
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, err
	}

	events := make([]Event, 0, len(raw))
	for _, e := range raw {
		evt := Event{
			ProviderEventID:   e.EventID,
			ProviderMessageID: e.MessageID,
			RawStatus:         e.Event,
			State:             s.TranslateStatus(e.Event),
			OccurredAt:        time.Unix(e.Timestamp, 0).UTC(),
		}
		switch e.Event {
		case "bounce":
			evt.SuppressReason = "hard_bounce"
		case "spamreport":
			evt.SuppressReason = "complaint"
		case "unsubscribe":
			evt.SuppressReason = "unsubscribe"
		}
		if evt.SuppressReason != "" && e.Email != "" {
			evt.RecipientHash = notification.HashAddress(e.Email)
		}
		events = append(events, evt)
	}
	return events, nil
}

// TranslateStatus maps SendGrid's event vocabulary. Engagement events
// (open, click) and non-terminal deferrals return "".
func (s *SendGrid) TranslateStatus(raw string) notification.AttemptState {
	switch raw {
	case "processed":
		return notification.StateSent
	case "delivered":
		return notification.StateDelivered
	case "bounce":
		return notification.StateBounced
	case "dropped":
		return notification.StateDropped
	case "spamreport":
		return notification.StateBounced
	default:
		return ""
	}
}

// HealthProbe hits the cheap credits endpoint with a short deadline.
func (s *SendGrid) HealthProbe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.BaseURL+"/v3/user/credits", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	setServiceHeaders(req, "")

	return probe(ctx, s.client, req)
}
