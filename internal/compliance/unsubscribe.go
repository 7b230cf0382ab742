package compliance

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/venuetix/notification-service/internal/apperr"
	"github.com/venuetix/notification-service/internal/notification"
)

// UnsubscribeToken identifies one (tenant, recipient address, channel)
// for self-service suppression. Tokens are tenant-scoped: a token minted
// for one tenant can never suppress an address under another.
type UnsubscribeToken struct {
	TenantID      string
	Channel       notification.Channel
	RecipientHash string
	ExpiresAt     time.Time
}

// TokenCodec signs and verifies unsubscribe tokens with HMAC-SHA256.
type TokenCodec struct {
	secret []byte
}

// NewTokenCodec creates a codec over the configured signing secret.
func NewTokenCodec(secret string) *TokenCodec {
	return &TokenCodec{secret: []byte(secret)}
}

func (c *TokenCodec) sign(payload string) []byte {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte(payload))
	return mac.Sum(nil)
}

// Encode mints a token for the given scope.
func (c *TokenCodec) Encode(tok UnsubscribeToken) string {
	payload := fmt.Sprintf("%s|%s|%s|%d",
		tok.TenantID, tok.Channel, tok.RecipientHash, tok.ExpiresAt.Unix())
	sig := c.sign(payload)
	return base64.RawURLEncoding.EncodeToString([]byte(payload)) +
		"." + base64.RawURLEncoding.EncodeToString(sig)
}

// Decode verifies and parses a token. Tokens without a tenant scope
// (legacy format) are rejected outright.
func (c *TokenCodec) Decode(token string) (*UnsubscribeToken, error) {
	parts := strings.SplitN(token, ".", 2)
	if len(parts) != 2 {
		return nil, apperr.NewValidation("token", "malformed unsubscribe token")
	}

	payload, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, apperr.NewValidation("token", "malformed unsubscribe token")
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, apperr.NewValidation("token", "malformed unsubscribe token")
	}

	if !hmac.Equal(sig, c.sign(string(payload))) {
		return nil, apperr.NewAuth("unsubscribe token signature mismatch")
	}

	fields := strings.Split(string(payload), "|")
	if len(fields) != 4 || fields[0] == "" {
		return nil, apperr.NewValidation("token", "unsubscribe token is not tenant-scoped")
	}

	expiry, err := strconv.ParseInt(fields[3], 10, 64)
	if err != nil {
		return nil, apperr.NewValidation("token", "malformed unsubscribe token")
	}
	expiresAt := time.Unix(expiry, 0).UTC()
	if time.Now().After(expiresAt) {
		return nil, apperr.NewValidation("token", "unsubscribe token expired")
	}

	ch := notification.Channel(fields[1])
	if !ch.Valid() {
		return nil, apperr.NewValidation("token", "unsubscribe token channel is unknown")
	}

	return &UnsubscribeToken{
		TenantID:      fields[0],
		Channel:       ch,
		RecipientHash: fields[2],
		ExpiresAt:     expiresAt,
	}, nil
}
