package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/venuetix/notification-service/internal/config"
	"github.com/venuetix/notification-service/internal/notification"
)

// Twilio is the primary SMS adapter: form-encoded Messages API, webhook
// signed with HMAC-SHA1 over the reconstructed URL plus sorted params.
type Twilio struct {
	cfg        config.ProviderConfig
	client     *http.Client
	timeout    time.Duration
	accountSID string
	fromNumber string
}

// NewTwilio creates the adapter. Account SID and sender number come
// from their own env vars since they are identity, not secrets.
func NewTwilio(cfg config.ProviderConfig, client *http.Client) *Twilio {
	return &Twilio{
		cfg:        cfg,
		client:     client,
		timeout:    DefaultCallTimeout,
		accountSID: envOr("TWILIO_ACCOUNT_SID", "ACnotconfigured"),
		fromNumber: envOr("TWILIO_FROM_NUMBER", "+15005550006"),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func (t *Twilio) Name() string                  { return "twilio" }
func (t *Twilio) Channel() notification.Channel { return notification.ChannelSMS }

// Send posts to the Messages resource. Twilio acknowledges with 201 and
// a JSON body carrying the message SID.
func (t *Twilio) Send(ctx context.Context, p Payload) SendResult {
	form := url.Values{}
	form.Set("To", p.To.Phone)
	form.Set("From", t.fromNumber)
	form.Set("Body", p.BodyText)

	endpoint := t.cfg.BaseURL + "/2010-04-01/Accounts/" + t.accountSID + "/Messages.json"
	req, err := http.NewRequest(http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return failResult(notification.ErrClassValidation, "request_build_error", 0)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(t.accountSID, t.cfg.APIKey)
	setServiceHeaders(req, p.CorrelationID)

	resp, failure := httpCall(ctx, t.client, req, t.timeout)
	if failure != nil {
		return *failure
	}

	var ack struct {
		SID string `json:"sid"`
	}
	_ = json.Unmarshal(resp.Body, &ack)

	return SendResult{
		Accepted:          true,
		ProviderMessageID: ack.SID,
		Latency:           resp.Latency,
	}
}

// VerifyWebhook validates X-Twilio-Signature over the full callback URL
// concatenated with the sorted form parameters. Status callbacks carry
// no separate event id, so the event is keyed on SID plus status; a
// redelivered callback therefore dedupes to the same key.
func (t *Twilio) VerifyWebhook(r *http.Request, body []byte) ([]Event, error) {
	form, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, err
	}

	requestURL := callbackURL(r)
	if err := verifyTwilioStyle(t.cfg.WebhookSecret, requestURL, form, r.Header.Get("X-Twilio-Signature")); err != nil {
		return nil, err
	}

	sid := form.Get("MessageSid")
	if sid == "" {
		sid = form.Get("SmsSid")
	}
	status := form.Get("MessageStatus")

	evt := Event{
		ProviderEventID:   sid + ":" + status,
		ProviderMessageID: sid,
		RawStatus:         status,
		State:             t.TranslateStatus(status),
		OccurredAt:        time.Now().UTC(),
	}
	if code := form.Get("ErrorCode"); code == "21610" {
		// 21610: recipient replied STOP.
		evt.SuppressReason = "unsubscribe"
		if to := form.Get("To"); to != "" {
			evt.RecipientHash = notification.HashAddress(to)
		}
	}

	return []Event{evt}, nil
}

// callbackURL reconstructs the externally visible URL Twilio signed.
func callbackURL(r *http.Request) string {
	scheme := "https"
	if r.TLS == nil {
		if fwd := r.Header.Get("X-Forwarded-Proto"); fwd != "" {
			scheme = fwd
		} else {
			scheme = "http"
		}
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

// TranslateStatus maps Twilio's status vocabulary.
func (t *Twilio) TranslateStatus(raw string) notification.AttemptState {
	switch raw {
	case "queued", "sending", "sent":
		return notification.StateSent
	case "delivered":
		return notification.StateDelivered
	case "undelivered":
		return notification.StateBounced
	case "failed":
		return notification.StateFailed
	default:
		return ""
	}
}

// HealthProbe fetches the account resource.
func (t *Twilio) HealthProbe(ctx context.Context) error {
	endpoint := t.cfg.BaseURL + "/2010-04-01/Accounts/" + t.accountSID + ".json"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.SetBasicAuth(t.accountSID, t.cfg.APIKey)
	setServiceHeaders(req, "")

	return probe(ctx, t.client, req)
}
