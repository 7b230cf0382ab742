package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/venuetix/notification-service/internal/config"
	"github.com/venuetix/notification-service/internal/notification"
)

// Mailgun is the backup email adapter: form-encoded messages API,
// webhook signed with HMAC-SHA256 over timestamp||token.
type Mailgun struct {
	cfg     config.ProviderConfig
	client  *http.Client
	timeout time.Duration
	domain  string
}

// NewMailgun creates the adapter from its credential block.
func NewMailgun(cfg config.ProviderConfig, client *http.Client) *Mailgun {
	return &Mailgun{cfg: cfg, client: client, timeout: DefaultCallTimeout, domain: "mg.venuetix.com"}
}

func (m *Mailgun) Name() string                  { return "mailgun" }
func (m *Mailgun) Channel() notification.Channel { return notification.ChannelEmail }

// Send posts a form-encoded message. Mailgun answers 200 with a JSON
// body carrying the queued message id.
func (m *Mailgun) Send(ctx context.Context, p Payload) SendResult {
	form := url.Values{}
	form.Set("from", "no-reply@"+m.domain)
	form.Set("to", p.To.Email)
	form.Set("subject", p.Subject)
	if p.BodyText != "" {
		form.Set("text", p.BodyText)
	}
	if p.BodyHTML != "" {
		form.Set("html", p.BodyHTML)
	}
	if p.TemplateRef != "" {
		form.Set("template", p.TemplateRef)
	}
	form.Set("v:tenant_id", p.TenantID)
	form.Set("v:request_id", p.RequestID.String())

	req, err := http.NewRequest(http.MethodPost,
		m.cfg.BaseURL+"/v3/"+m.domain+"/messages",
		strings.NewReader(form.Encode()))
	if err != nil {
		return failResult(notification.ErrClassValidation, "request_build_error", 0)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth("api", m.cfg.APIKey)
	setServiceHeaders(req, p.CorrelationID)

	resp, failure := httpCall(ctx, m.client, req, m.timeout)
	if failure != nil {
		return *failure
	}

	var ack struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(resp.Body, &ack)

	return SendResult{
		Accepted:          true,
		ProviderMessageID: strings.Trim(ack.ID, "<>"),
		Latency:           resp.Latency,
	}
}

// mgSignature mirrors Mailgun's timestamp/token/signature triple, read
// from headers so the body stays untouched until the signature holds.
type mgEventData struct {
	ID        string  `json:"id"`
	Event     string  `json:"event"`
	Severity  string  `json:"severity"`
	Timestamp float64 `json:"timestamp"`
	Recipient string  `json:"recipient"`
	Message   struct {
		Headers struct {
			MessageID string `json:"message-id"`
		} `json:"headers"`
	} `json:"message"`
}

// VerifyWebhook checks HMAC-SHA256(timestamp||token) from the signature
// headers, bounds the timestamp, and only then parses the event body.
func (m *Mailgun) VerifyWebhook(r *http.Request, body []byte) ([]Event, error) {
	ts := r.Header.Get("X-Mailgun-Timestamp")
	token := r.Header.Get("X-Mailgun-Token")
	sig := r.Header.Get("X-Mailgun-Signature")
	if err := verifyHMACSHA256Hex(m.cfg.WebhookSecret, ts, []byte(token), sig); err != nil {
		return nil, err
	}

	var payload struct {
		EventData mgEventData `json:"event-data"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, err
	}
	e := payload.EventData

	raw := e.Event
	if e.Event == "failed" && e.Severity == "permanent" {
		raw = "failed_permanent"
	}

	evt := Event{
		ProviderEventID:   e.ID,
		ProviderMessageID: e.Message.Headers.MessageID,
		RawStatus:         raw,
		State:             m.TranslateStatus(raw),
		OccurredAt:        time.Unix(int64(e.Timestamp), 0).UTC(),
	}
	switch raw {
	case "failed_permanent":
		evt.SuppressReason = "hard_bounce"
	case "complained":
		evt.SuppressReason = "complaint"
	case "unsubscribed":
		evt.SuppressReason = "unsubscribe"
	}
	if evt.SuppressReason != "" && e.Recipient != "" {
		evt.RecipientHash = notification.HashAddress(e.Recipient)
	}

	return []Event{evt}, nil
}

// TranslateStatus maps Mailgun's event vocabulary.
func (m *Mailgun) TranslateStatus(raw string) notification.AttemptState {
	switch raw {
	case "accepted":
		return notification.StateSent
	case "delivered":
		return notification.StateDelivered
	case "failed_permanent":
		return notification.StateBounced
	case "failed":
		return notification.StateFailed
	case "complained":
		return notification.StateBounced
	case "rejected":
		return notification.StateDropped
	default:
		return ""
	}
}

// HealthProbe checks the domain endpoint.
func (m *Mailgun) HealthProbe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.cfg.BaseURL+"/v4/domains/"+m.domain, nil)
	if err != nil {
		return err
	}
	req.SetBasicAuth("api", m.cfg.APIKey)
	setServiceHeaders(req, "")

	return probe(ctx, m.client, req)
}
