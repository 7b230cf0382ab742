package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Signer signs outbound customer webhooks the same way this service
// expects inbound ones: hex HMAC-SHA256 over timestamp||body, carried
// in the X-Webhook-Timestamp and X-Webhook-Signature headers.
type Signer struct {
	secret string
	client *http.Client
}

// NewSigner creates a signer with the shared secret.
func NewSigner(secret string, client *http.Client) *Signer {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Signer{secret: secret, client: client}
}

// Sign returns the timestamp and signature for a body.
func (s *Signer) Sign(body []byte) (timestamp, signature string) {
	timestamp = strconv.FormatInt(time.Now().Unix(), 10)
	mac := hmac.New(sha256.New, []byte(s.secret))
	mac.Write([]byte(timestamp))
	mac.Write(body)
	return timestamp, hex.EncodeToString(mac.Sum(nil))
}

// Deliver posts a signed payload to a customer endpoint. Non-2xx is an
// error so the caller can apply its retry policy.
func (s *Signer) Deliver(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}

	ts, sig := s.Sign(body)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Timestamp", ts)
	req.Header.Set("X-Webhook-Signature", sig)

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook delivery refused with status %d", resp.StatusCode)
	}
	return nil
}
