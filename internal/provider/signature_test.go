package provider

import (
	"fmt"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifyHMACSHA256HexRoundTrip(t *testing.T) {
	secret := "whsec_test"
	body := []byte(`{"event":"delivered"}`)
	ts := epochNow()

	sig := signHMACSHA256Hex(secret, ts, body)
	assert.NoError(t, verifyHMACSHA256Hex(secret, ts, body, sig))
}

func TestVerifyHMACSHA256HexRejectsTamper(t *testing.T) {
	secret := "whsec_test"
	ts := epochNow()
	sig := signHMACSHA256Hex(secret, ts, []byte("original"))

	assert.Error(t, verifyHMACSHA256Hex(secret, ts, []byte("tampered"), sig))
	assert.Error(t, verifyHMACSHA256Hex("wrong_secret", ts, []byte("original"), sig))
	assert.Error(t, verifyHMACSHA256Hex(secret, ts, []byte("original"), ""))
	assert.Error(t, verifyHMACSHA256Hex(secret, ts, []byte("original"), "not-hex"))
}

func TestVerifyHMACSHA256HexRejectsStaleTimestamp(t *testing.T) {
	secret := "whsec_test"
	body := []byte("payload")
	stale := fmt.Sprintf("%d", time.Now().Add(-TimestampTolerance-time.Minute).Unix())

	sig := signHMACSHA256Hex(secret, stale, body)
	require.Error(t, verifyHMACSHA256Hex(secret, stale, body, sig))

	future := fmt.Sprintf("%d", time.Now().Add(TimestampTolerance+time.Minute).Unix())
	sig = signHMACSHA256Hex(secret, future, body)
	require.Error(t, verifyHMACSHA256Hex(secret, future, body, sig))
}

func TestVerifyTwilioStyleRoundTrip(t *testing.T) {
	secret := "twilio_auth_token"
	requestURL := "https://api.venuetix.com/v1/webhooks/twilio"
	form := url.Values{}
	form.Set("MessageSid", "SM123")
	form.Set("MessageStatus", "delivered")
	form.Set("To", "+15551234567")

	sig := signTwilioStyle(secret, requestURL, form)
	assert.NoError(t, verifyTwilioStyle(secret, requestURL, form, sig))
}

func TestVerifyTwilioStyleRejectsTamper(t *testing.T) {
	secret := "twilio_auth_token"
	requestURL := "https://api.venuetix.com/v1/webhooks/twilio"
	form := url.Values{}
	form.Set("MessageSid", "SM123")
	form.Set("MessageStatus", "delivered")

	sig := signTwilioStyle(secret, requestURL, form)

	form.Set("MessageStatus", "failed")
	assert.Error(t, verifyTwilioStyle(secret, requestURL, form, sig))

	form.Set("MessageStatus", "delivered")
	assert.Error(t, verifyTwilioStyle(secret, "https://evil.example/hook", form, sig))
	assert.Error(t, verifyTwilioStyle(secret, requestURL, form, ""))
}
