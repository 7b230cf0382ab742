package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/venuetix/notification-service/internal/config"
	"github.com/venuetix/notification-service/internal/notification"
)

// Vonage is the backup SMS adapter (JSON SMS API).
type Vonage struct {
	cfg     config.ProviderConfig
	client  *http.Client
	timeout time.Duration
}

// NewVonage creates the adapter from its credential block.
func NewVonage(cfg config.ProviderConfig, client *http.Client) *Vonage {
	return &Vonage{cfg: cfg, client: client, timeout: DefaultCallTimeout}
}

func (v *Vonage) Name() string                  { return "vonage" }
func (v *Vonage) Channel() notification.Channel { return notification.ChannelSMS }

// Send posts one SMS. Vonage returns 200 even for refused messages and
// signals the real outcome in the per-message status field, so the body
// is always inspected.
func (v *Vonage) Send(ctx context.Context, p Payload) SendResult {
	payload, err := json.Marshal(map[string]string{
		"from":    "Venuetix",
		"to":      p.To.Phone,
		"text":    p.BodyText,
		"api_key": "notification-service",
	})
	if err != nil {
		return failResult(notification.ErrClassValidation, "payload_encode_error", 0)
	}

	req, err := newJSONRequest(http.MethodPost, v.cfg.BaseURL+"/sms/json", payload, p.CorrelationID)
	if err != nil {
		return failResult(notification.ErrClassValidation, "request_build_error", 0)
	}
	req.Header.Set("Authorization", "Bearer "+v.cfg.APIKey)

	resp, failure := httpCall(ctx, v.client, req, v.timeout)
	if failure != nil {
		return *failure
	}

	var ack struct {
		Messages []struct {
			MessageID string `json:"message-id"`
			Status    string `json:"status"`
			ErrorText string `json:"error-text"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(resp.Body, &ack); err != nil || len(ack.Messages) == 0 {
		return failResult(notification.ErrClassRetryable, "response_decode_error", resp.Latency)
	}

	msg := ack.Messages[0]
	// Status "0" is success; "1" is throttled; everything else permanent.
	switch msg.Status {
	case "0":
		return SendResult{
			Accepted:          true,
			ProviderMessageID: msg.MessageID,
			Latency:           resp.Latency,
		}
	case "1":
		r := failResult(notification.ErrClassRateLimited, "vonage_throttled", resp.Latency)
		r.RetryAfter = time.Second
		return r
	default:
		return failResult(notification.ErrClassPermanent, "vonage_status_"+msg.Status, resp.Latency)
	}
}

type vonageReceipt struct {
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
	ErrCode   string `json:"err-code"`
	Timestamp string `json:"message-timestamp"`
	To        string `json:"to"`
}

// VerifyWebhook authenticates a delivery receipt via the shared signed
// header scheme, then parses it.
func (v *Vonage) VerifyWebhook(r *http.Request, body []byte) ([]Event, error) {
	ts := r.Header.Get("X-Webhook-Timestamp")
	sig := r.Header.Get("X-Webhook-Signature")
	if err := verifyHMACSHA256Hex(v.cfg.WebhookSecret, ts, body, sig); err != nil {
		return nil, err
	}

	var receipt vonageReceipt
	if err := json.Unmarshal(body, &receipt); err != nil {
		return nil, err
	}

	occurred := time.Now().UTC()
	if t, err := time.Parse("2006-01-02 15:04:05", receipt.Timestamp); err == nil {
		occurred = t.UTC()
	}

	evt := Event{
		ProviderEventID:   receipt.MessageID + ":" + receipt.Status,
		ProviderMessageID: receipt.MessageID,
		RawStatus:         receipt.Status,
		State:             v.TranslateStatus(receipt.Status),
		OccurredAt:        occurred,
	}
	if receipt.Status == "rejected" && receipt.To != "" {
		evt.SuppressReason = "carrier_rejected"
		evt.RecipientHash = notification.HashAddress(receipt.To)
	}

	return []Event{evt}, nil
}

// TranslateStatus maps Vonage's delivery receipt vocabulary.
func (v *Vonage) TranslateStatus(raw string) notification.AttemptState {
	switch raw {
	case "accepted", "buffered":
		return notification.StateSent
	case "delivered":
		return notification.StateDelivered
	case "expired", "failed":
		return notification.StateFailed
	case "rejected":
		return notification.StateDropped
	default:
		return ""
	}
}

// HealthProbe checks the account balance endpoint.
func (v *Vonage) HealthProbe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.cfg.BaseURL+"/account/get-balance", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+v.cfg.APIKey)
	setServiceHeaders(req, "")

	return probe(ctx, v.client, req)
}
