package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/venuetix/notification-service/internal/config"
	"github.com/venuetix/notification-service/internal/notification"
)

// FCM is the primary push adapter (HTTP v1 messages:send). FCM has no
// delivery webhook; an accepted send is as far as its signal goes, so
// TranslateStatus only exists to satisfy the contract.
type FCM struct {
	cfg     config.ProviderConfig
	client  *http.Client
	timeout time.Duration
}

// NewFCM creates the adapter from its credential block.
func NewFCM(cfg config.ProviderConfig, client *http.Client) *FCM {
	return &FCM{cfg: cfg, client: client, timeout: DefaultCallTimeout}
}

func (f *FCM) Name() string                  { return "fcm" }
func (f *FCM) Channel() notification.Channel { return notification.ChannelPush }

// Send submits one message. A 404 on the token means the device
// uninstalled or rotated; that is permanent for this recipient and the
// webhook processor turns the code into a suppression.
func (f *FCM) Send(ctx context.Context, p Payload) SendResult {
	body, err := json.Marshal(map[string]any{
		"message": map[string]any{
			"token": p.To.PushToken,
			"notification": map[string]string{
				"title": p.Subject,
				"body":  p.BodyText,
			},
			"data": map[string]string{
				"tenant_id":  p.TenantID,
				"request_id": p.RequestID.String(),
			},
		},
	})
	if err != nil {
		return failResult(notification.ErrClassValidation, "payload_encode_error", 0)
	}

	req, err := newJSONRequest(http.MethodPost, f.cfg.BaseURL+"/v1/projects/venuetix/messages:send", body, p.CorrelationID)
	if err != nil {
		return failResult(notification.ErrClassValidation, "request_build_error", 0)
	}
	req.Header.Set("Authorization", "Bearer "+f.cfg.APIKey)

	resp, failure := httpCall(ctx, f.client, req, f.timeout)
	if failure != nil {
		if failure.ErrorCode == "http_404" {
			failure.ErrorCode = "token_not_registered"
		}
		return *failure
	}

	var ack struct {
		Name string `json:"name"`
	}
	_ = json.Unmarshal(resp.Body, &ack)

	// The name field is "projects/*/messages/{message_id}".
	id := ack.Name
	if i := strings.LastIndexByte(id, '/'); i >= 0 {
		id = id[i+1:]
	}

	return SendResult{
		Accepted:          true,
		ProviderMessageID: id,
		Latency:           resp.Latency,
	}
}

// VerifyWebhook always fails: FCM does not call back.
func (f *FCM) VerifyWebhook(r *http.Request, body []byte) ([]Event, error) {
	return nil, errUnsupportedWebhook
}

// TranslateStatus has no vocabulary to map.
func (f *FCM) TranslateStatus(raw string) notification.AttemptState {
	return ""
}

// HealthProbe validates a minimal message against the dry-run endpoint.
func (f *FCM) HealthProbe(ctx context.Context) error {
	body := []byte(`{"validate_only":true,"message":{"topic":"health"}}`)
	req, err := newJSONRequest(http.MethodPost, f.cfg.BaseURL+"/v1/projects/venuetix/messages:send", body, "")
	if err != nil {
		return err
	}
	req = req.WithContext(ctx)
	req.Header.Set("Authorization", "Bearer "+f.cfg.APIKey)

	return probe(ctx, f.client, req)
}
