package ingress

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/venuetix/notification-service/internal/cache"
	"github.com/venuetix/notification-service/internal/notification"
)

type stubContacts struct {
	recipient *notification.Recipient
	err       error
	calls     int
}

func (s *stubContacts) GetRecipient(ctx context.Context, tenantID, userID string) (*notification.Recipient, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	out := *s.recipient
	return &out, nil
}

func newContactCache(t *testing.T) *cache.ContactCache {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return cache.NewContactCache(cache.NewStore(client))
}

func TestContactsClientFetchesRecipient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/tenants/tenant-a/users/user-1/contacts", r.URL.Path)
		assert.Equal(t, "notification-service", r.Header.Get("X-Service-Identity"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"email":"fan@example.com","phone":"+15550001111","tz":"America/New_York"}`))
	}))
	defer srv.Close()

	client := NewContactsClient(srv.URL, 2*time.Second)
	recipient, err := client.GetRecipient(context.Background(), "tenant-a", "user-1")
	require.NoError(t, err)

	assert.Equal(t, "user-1", recipient.ID)
	assert.Equal(t, "fan@example.com", recipient.Email)
	assert.Equal(t, "+15550001111", recipient.Phone)
	assert.Equal(t, "America/New_York", recipient.Timezone)
}

func TestContactsClientNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := NewContactsClient(srv.URL, 2*time.Second)
	_, err := client.GetRecipient(context.Background(), "tenant-a", "user-missing")
	assert.Error(t, err)
}

func TestEnricherCachesLookups(t *testing.T) {
	stub := &stubContacts{recipient: &notification.Recipient{ID: "user-1", Email: "fan@example.com"}}
	enricher := NewEnricher(stub, newContactCache(t))

	first, err := enricher.Resolve(context.Background(), "tenant-a", "user-1")
	require.NoError(t, err)
	assert.Equal(t, "fan@example.com", first.Email)

	second, err := enricher.Resolve(context.Background(), "tenant-a", "user-1")
	require.NoError(t, err)
	assert.Equal(t, first.Email, second.Email)
	assert.Equal(t, 1, stub.calls)
}

func TestEnricherCacheScopedByTenant(t *testing.T) {
	stub := &stubContacts{recipient: &notification.Recipient{ID: "user-1", Email: "fan@example.com"}}
	enricher := NewEnricher(stub, newContactCache(t))

	_, err := enricher.Resolve(context.Background(), "tenant-a", "user-1")
	require.NoError(t, err)
	_, err = enricher.Resolve(context.Background(), "tenant-b", "user-1")
	require.NoError(t, err)

	assert.Equal(t, 2, stub.calls)
}

func TestEnricherPropagatesLookupFailure(t *testing.T) {
	stub := &stubContacts{err: errors.New("contacts service down")}
	enricher := NewEnricher(stub, newContactCache(t))

	_, err := enricher.Resolve(context.Background(), "tenant-a", "user-1")
	assert.Error(t, err)
}

func TestEnricherWorksWithoutCache(t *testing.T) {
	stub := &stubContacts{recipient: &notification.Recipient{ID: "user-1", Email: "fan@example.com"}}
	enricher := NewEnricher(stub, nil)

	_, err := enricher.Resolve(context.Background(), "tenant-a", "user-1")
	require.NoError(t, err)
	_, err = enricher.Resolve(context.Background(), "tenant-a", "user-1")
	require.NoError(t, err)
	assert.Equal(t, 2, stub.calls)
}
