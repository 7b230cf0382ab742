package ingress

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/venuetix/notification-service/internal/cache"
	"github.com/venuetix/notification-service/internal/notification"
)

// ContactsClient resolves a user id to their contact fields.
type ContactsClient interface {
	GetRecipient(ctx context.Context, tenantID, userID string) (*notification.Recipient, error)
}

// HTTPContactsClient talks to the contacts service.
type HTTPContactsClient struct {
	baseURL string
	client  *http.Client
	timeout time.Duration
}

// NewContactsClient creates the client with the enrichment timeout.
func NewContactsClient(baseURL string, timeout time.Duration) *HTTPContactsClient {
	return &HTTPContactsClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		timeout: timeout,
	}
}

// GetRecipient fetches contacts for a tenant-scoped user.
func (c *HTTPContactsClient) GetRecipient(ctx context.Context, tenantID, userID string) (*notification.Recipient, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	endpoint := fmt.Sprintf("%s/v1/tenants/%s/users/%s/contacts",
		c.baseURL, url.PathEscape(tenantID), url.PathEscape(userID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Service-Identity", "notification-service")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("contacts lookup failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("contacts for user %s not found", userID)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("contacts lookup returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}

	var recipient notification.Recipient
	if err := json.Unmarshal(body, &recipient); err != nil {
		return nil, fmt.Errorf("contacts response is not valid JSON: %w", err)
	}
	recipient.ID = userID
	return &recipient, nil
}

// Enricher resolves recipients through the contact cache first.
type Enricher struct {
	client ContactsClient
	cache  *cache.ContactCache
}

// NewEnricher wires the client and cache.
func NewEnricher(client ContactsClient, contactCache *cache.ContactCache) *Enricher {
	return &Enricher{client: client, cache: contactCache}
}

// Resolve returns the recipient for a tenant-scoped user, from cache
// when fresh enough.
func (e *Enricher) Resolve(ctx context.Context, tenantID, userID string) (*notification.Recipient, error) {
	if e.cache != nil {
		if recipient, ok := e.cache.Get(ctx, tenantID, userID); ok {
			return recipient, nil
		}
	}

	recipient, err := e.client.GetRecipient(ctx, tenantID, userID)
	if err != nil {
		return nil, err
	}

	if e.cache != nil {
		e.cache.Put(ctx, tenantID, userID, *recipient)
	}
	return recipient, nil
}
