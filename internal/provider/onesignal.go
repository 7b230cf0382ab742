package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/venuetix/notification-service/internal/config"
	"github.com/venuetix/notification-service/internal/notification"
)

// OneSignal is the backup push adapter. Unlike FCM it posts delivery
// events back, authenticated with the shared signed header scheme.
type OneSignal struct {
	cfg     config.ProviderConfig
	client  *http.Client
	timeout time.Duration
	appID   string
}

// NewOneSignal creates the adapter from its credential block.
func NewOneSignal(cfg config.ProviderConfig, client *http.Client) *OneSignal {
	return &OneSignal{cfg: cfg, client: client, timeout: DefaultCallTimeout, appID: "venuetix"}
}

func (o *OneSignal) Name() string                  { return "onesignal" }
func (o *OneSignal) Channel() notification.Channel { return notification.ChannelPush }

// Send targets the subscription id directly. OneSignal answers 200 with
// the notification id; an empty id with an errors array means the
// target was invalid even though the status was 2xx.
func (o *OneSignal) Send(ctx context.Context, p Payload) SendResult {
	body, err := json.Marshal(map[string]any{
		"app_id":                   o.appID,
		"include_subscription_ids": []string{p.To.PushToken},
		"headings":                 map[string]string{"en": p.Subject},
		"contents":                 map[string]string{"en": p.BodyText},
		"data": map[string]string{
			"tenant_id":  p.TenantID,
			"request_id": p.RequestID.String(),
		},
	})
	if err != nil {
		return failResult(notification.ErrClassValidation, "payload_encode_error", 0)
	}

	req, err := newJSONRequest(http.MethodPost, o.cfg.BaseURL+"/notifications", body, p.CorrelationID)
	if err != nil {
		return failResult(notification.ErrClassValidation, "request_build_error", 0)
	}
	req.Header.Set("Authorization", "Basic "+o.cfg.APIKey)

	resp, failure := httpCall(ctx, o.client, req, o.timeout)
	if failure != nil {
		return *failure
	}

	var ack struct {
		ID     string          `json:"id"`
		Errors json.RawMessage `json:"errors"`
	}
	_ = json.Unmarshal(resp.Body, &ack)
	if ack.ID == "" {
		return failResult(notification.ErrClassPermanent, "invalid_subscription", resp.Latency)
	}

	return SendResult{
		Accepted:          true,
		ProviderMessageID: ack.ID,
		Latency:           resp.Latency,
	}
}

type osEvent struct {
	EventID        string `json:"event_id"`
	Event          string `json:"event"`
	NotificationID string `json:"notification_id"`
	Timestamp      int64  `json:"timestamp"`
	SubscriptionID string `json:"subscription_id"`
}

// VerifyWebhook authenticates the event callback with the shared signed
// header scheme before parsing.
func (o *OneSignal) VerifyWebhook(r *http.Request, body []byte) ([]Event, error) {
	ts := r.Header.Get("X-Webhook-Timestamp")
	sig := r.Header.Get("X-Webhook-Signature")
	if err := verifyHMACSHA256Hex(o.cfg.WebhookSecret, ts, body, sig); err != nil {
		return nil, err
	}

	var e osEvent
	if err := json.Unmarshal(body, &e); err != nil {
		return nil, err
	}

	evt := Event{
		ProviderEventID:   e.EventID,
		ProviderMessageID: e.NotificationID,
		RawStatus:         e.Event,
		State:             o.TranslateStatus(e.Event),
		OccurredAt:        time.Unix(e.Timestamp, 0).UTC(),
	}
	if e.Event == "message.unsubscribed" && e.SubscriptionID != "" {
		evt.SuppressReason = "unsubscribe"
		evt.RecipientHash = notification.HashAddress(e.SubscriptionID)
	}

	return []Event{evt}, nil
}

// TranslateStatus maps OneSignal's event vocabulary. Engagement events
// (clicked) return "".
func (o *OneSignal) TranslateStatus(raw string) notification.AttemptState {
	switch raw {
	case "message.sent":
		return notification.StateSent
	case "message.delivered":
		return notification.StateDelivered
	case "message.failed":
		return notification.StateFailed
	case "message.unsubscribed":
		return notification.StateDropped
	default:
		return ""
	}
}

// HealthProbe fetches the app resource.
func (o *OneSignal) HealthProbe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.cfg.BaseURL+"/apps/"+o.appID, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Basic "+o.cfg.APIKey)
	setServiceHeaders(req, "")

	return probe(ctx, o.client, req)
}
