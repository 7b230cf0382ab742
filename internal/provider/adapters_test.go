package provider

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/venuetix/notification-service/internal/config"
	"github.com/venuetix/notification-service/internal/notification"
)

func testPayload() Payload {
	return Payload{
		TenantID:      "tenant-a",
		RequestID:     uuid.New(),
		CorrelationID: "corr-1",
		To: notification.Recipient{
			ID:        "user-1",
			Email:     "alex@example.com",
			Phone:     "+15551234567",
			PushToken: "tok-1",
		},
		Subject:  "Your order",
		BodyText: "Thanks for your purchase.",
	}
}

func TestSendGridSend(t *testing.T) {
	var got sgMailRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v3/mail/send", r.URL.Path)
		assert.Equal(t, "Bearer sg-key", r.Header.Get("Authorization"))
		assert.Equal(t, "notification-service", r.Header.Get("X-Service-Identity"))
		assert.Equal(t, "corr-1", r.Header.Get("X-Correlation-Id"))

		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))

		w.Header().Set("X-Message-Id", "sg-msg-1")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	sg := NewSendGrid(config.ProviderConfig{APIKey: "sg-key", BaseURL: srv.URL}, srv.Client())
	res := sg.Send(context.Background(), testPayload())

	require.True(t, res.Accepted)
	assert.Equal(t, "sg-msg-1", res.ProviderMessageID)
	require.Len(t, got.Personalizations, 1)
	assert.Equal(t, "alex@example.com", got.Personalizations[0].To[0].Email)
	assert.Equal(t, "tenant-a", got.CustomArgs["tenant_id"])
}

func TestSendGridSendRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	sg := NewSendGrid(config.ProviderConfig{APIKey: "sg-key", BaseURL: srv.URL}, srv.Client())
	res := sg.Send(context.Background(), testPayload())

	assert.False(t, res.Accepted)
	assert.Equal(t, notification.ErrClassPermanent, res.ErrorClass)
	assert.Equal(t, "http_400", res.ErrorCode)
}

func TestSendGridWebhookRoundTrip(t *testing.T) {
	sg := NewSendGrid(config.ProviderConfig{WebhookSecret: "whsec"}, http.DefaultClient)

	body, err := json.Marshal([]sgEvent{
		{EventID: "evt-1", MessageID: "sg-msg-1", Event: "delivered", Timestamp: time.Now().Unix()},
		{EventID: "evt-2", MessageID: "sg-msg-2", Event: "bounce", Timestamp: time.Now().Unix(), Email: "alex@example.com"},
	})
	require.NoError(t, err)

	ts := epochNow()
	r := httptest.NewRequest(http.MethodPost, "/v1/webhooks/sendgrid", strings.NewReader(string(body)))
	r.Header.Set("X-Webhook-Timestamp", ts)
	r.Header.Set("X-Webhook-Signature", signHMACSHA256Hex("whsec", ts, body))

	events, err := sg.VerifyWebhook(r, body)
	require.NoError(t, err)
	require.Len(t, events, 2)

	assert.Equal(t, notification.StateDelivered, events[0].State)
	assert.Empty(t, events[0].SuppressReason)

	assert.Equal(t, notification.StateBounced, events[1].State)
	assert.Equal(t, "hard_bounce", events[1].SuppressReason)
	assert.Equal(t, notification.HashAddress("alex@example.com"), events[1].RecipientHash)
}

func TestSendGridWebhookRejectsBadSignature(t *testing.T) {
	sg := NewSendGrid(config.ProviderConfig{WebhookSecret: "whsec"}, http.DefaultClient)

	body := []byte(`[{"sg_event_id":"evt-1","event":"delivered"}]`)
	r := httptest.NewRequest(http.MethodPost, "/v1/webhooks/sendgrid", strings.NewReader(string(body)))
	r.Header.Set("X-Webhook-Timestamp", epochNow())
	r.Header.Set("X-Webhook-Signature", "deadbeef")

	_, err := sg.VerifyWebhook(r, body)
	assert.Error(t, err)
}

func TestTwilioWebhookRoundTrip(t *testing.T) {
	tw := NewTwilio(config.ProviderConfig{WebhookSecret: "auth-token"}, http.DefaultClient)

	form := url.Values{}
	form.Set("MessageSid", "SM123")
	form.Set("MessageStatus", "delivered")
	body := form.Encode()

	r := httptest.NewRequest(http.MethodPost, "https://api.venuetix.com/v1/webhooks/twilio", strings.NewReader(body))
	r.Header.Set("X-Twilio-Signature", signTwilioStyle("auth-token", "https://api.venuetix.com/v1/webhooks/twilio", form))

	events, err := tw.VerifyWebhook(r, []byte(body))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "SM123:delivered", events[0].ProviderEventID)
	assert.Equal(t, notification.StateDelivered, events[0].State)
}

func TestTwilioWebhookStopReply(t *testing.T) {
	tw := NewTwilio(config.ProviderConfig{WebhookSecret: "auth-token"}, http.DefaultClient)

	form := url.Values{}
	form.Set("MessageSid", "SM456")
	form.Set("MessageStatus", "failed")
	form.Set("ErrorCode", "21610")
	form.Set("To", "+15551234567")
	body := form.Encode()

	r := httptest.NewRequest(http.MethodPost, "https://api.venuetix.com/v1/webhooks/twilio", strings.NewReader(body))
	r.Header.Set("X-Twilio-Signature", signTwilioStyle("auth-token", "https://api.venuetix.com/v1/webhooks/twilio", form))

	events, err := tw.VerifyWebhook(r, []byte(body))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "unsubscribe", events[0].SuppressReason)
	assert.Equal(t, notification.HashAddress("+15551234567"), events[0].RecipientHash)
}

func TestVonageSendThrottled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"messages":[{"message-id":"","status":"1","error-text":"Throughput capacity exceeded"}]}`))
	}))
	defer srv.Close()

	v := NewVonage(config.ProviderConfig{APIKey: "vn-key", BaseURL: srv.URL}, srv.Client())
	res := v.Send(context.Background(), testPayload())

	assert.False(t, res.Accepted)
	assert.Equal(t, notification.ErrClassRateLimited, res.ErrorClass)
	assert.Equal(t, time.Second, res.RetryAfter)
}

func TestVonageSendAccepted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"messages":[{"message-id":"vn-1","status":"0"}]}`))
	}))
	defer srv.Close()

	v := NewVonage(config.ProviderConfig{APIKey: "vn-key", BaseURL: srv.URL}, srv.Client())
	res := v.Send(context.Background(), testPayload())

	require.True(t, res.Accepted)
	assert.Equal(t, "vn-1", res.ProviderMessageID)
}

func TestFCMSendStripsMessagePath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"name":"projects/venuetix/messages/fcm-msg-1"}`))
	}))
	defer srv.Close()

	f := NewFCM(config.ProviderConfig{APIKey: "fcm-key", BaseURL: srv.URL}, srv.Client())
	res := f.Send(context.Background(), testPayload())

	require.True(t, res.Accepted)
	assert.Equal(t, "fcm-msg-1", res.ProviderMessageID)
}

func TestFCMSendUnregisteredToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := NewFCM(config.ProviderConfig{APIKey: "fcm-key", BaseURL: srv.URL}, srv.Client())
	res := f.Send(context.Background(), testPayload())

	assert.False(t, res.Accepted)
	assert.Equal(t, notification.ErrClassPermanent, res.ErrorClass)
	assert.Equal(t, "token_not_registered", res.ErrorCode)
}

func TestFCMWebhookUnsupported(t *testing.T) {
	f := NewFCM(config.ProviderConfig{}, http.DefaultClient)
	r := httptest.NewRequest(http.MethodPost, "/v1/webhooks/fcm", nil)

	_, err := f.VerifyWebhook(r, nil)
	assert.Error(t, err)
}

func TestOneSignalSendInvalidSubscription(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"","errors":["All included players are not subscribed"]}`))
	}))
	defer srv.Close()

	o := NewOneSignal(config.ProviderConfig{APIKey: "os-key", BaseURL: srv.URL}, srv.Client())
	res := o.Send(context.Background(), testPayload())

	assert.False(t, res.Accepted)
	assert.Equal(t, notification.ErrClassPermanent, res.ErrorClass)
	assert.Equal(t, "invalid_subscription", res.ErrorCode)
}

func TestTranslateStatusUnknownIsEmpty(t *testing.T) {
	sg := NewSendGrid(config.ProviderConfig{}, http.DefaultClient)
	assert.Equal(t, notification.AttemptState(""), sg.TranslateStatus("open"))

	tw := NewTwilio(config.ProviderConfig{}, http.DefaultClient)
	assert.Equal(t, notification.AttemptState(""), tw.TranslateStatus("read"))
}

func TestRegistryBuildsEnabledChannelsOnly(t *testing.T) {
	cfg := &config.Config{
		EnabledChannels: []string{"email"},
		Providers: map[string]config.ProviderConfig{
			"sendgrid": {Name: "sendgrid", Channel: "email", APIKey: "k"},
			"twilio":   {Name: "twilio", Channel: "sms", APIKey: "k"},
		},
	}

	r := NewRegistry(cfg, http.DefaultClient)
	_, ok := r.Get("sendgrid")
	assert.True(t, ok)
	_, ok = r.Get("twilio")
	assert.False(t, ok)
	assert.Len(t, r.ForChannel(notification.ChannelEmail), 1)
}
