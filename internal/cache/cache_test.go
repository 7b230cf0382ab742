package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/venuetix/notification-service/internal/notification"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewStore(client), mr
}

func TestStore_SetGetJSON(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	type payload struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}

	require.NoError(t, store.SetJSON(ctx, "example", payload{Name: "gate-open", Count: 3}, time.Minute))

	var got payload
	require.NoError(t, store.GetJSON(ctx, "example", &got))
	assert.Equal(t, "gate-open", got.Name)
	assert.Equal(t, 3, got.Count)
}

func TestStore_GetJSON_Miss(t *testing.T) {
	store, _ := newTestStore(t)

	var dest map[string]string
	err := store.GetJSON(context.Background(), "absent", &dest)
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestStore_GetJSON_Expired(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SetJSON(ctx, "short-lived", "value", time.Second))
	mr.FastForward(2 * time.Second)

	var dest string
	err := store.GetJSON(ctx, "short-lived", &dest)
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestStore_Delete(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SetJSON(ctx, "doomed", "value", time.Minute))
	require.NoError(t, store.Delete(ctx, "doomed"))

	var dest string
	assert.ErrorIs(t, store.GetJSON(ctx, "doomed", &dest), ErrCacheMiss)
}

func TestStore_MarkOnce(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	created, err := store.MarkOnce(ctx, "marker", time.Minute)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = store.MarkOnce(ctx, "marker", time.Minute)
	require.NoError(t, err)
	assert.False(t, created, "second marker attempt must report already seen")

	// After expiry the marker resets.
	mr.FastForward(2 * time.Minute)
	created, err = store.MarkOnce(ctx, "marker", time.Minute)
	require.NoError(t, err)
	assert.True(t, created)
}

func TestEventDedupe_FirstDelivery(t *testing.T) {
	store, _ := newTestStore(t)
	dedupe := NewEventDedupe(store, 24*time.Hour)
	ctx := context.Background()

	first, err := dedupe.FirstDelivery(ctx, "evt_01J8ZQ")
	require.NoError(t, err)
	assert.True(t, first)

	first, err = dedupe.FirstDelivery(ctx, "evt_01J8ZQ")
	require.NoError(t, err)
	assert.False(t, first, "redelivery of the same event must be flagged")

	// A different event ID is unaffected.
	first, err = dedupe.FirstDelivery(ctx, "evt_01J8ZR")
	require.NoError(t, err)
	assert.True(t, first)
}

func TestContactCache_PutGet(t *testing.T) {
	store, mr := newTestStore(t)
	cc := NewContactCache(store)
	ctx := context.Background()

	recipient := notification.Recipient{
		ID:       "usr_510",
		Email:    "alice@example.com",
		Timezone: "America/Chicago",
	}
	cc.Put(ctx, "tn_lyricopera", "usr_510", recipient)

	got, ok := cc.Get(ctx, "tn_lyricopera", "usr_510")
	require.True(t, ok)
	assert.Equal(t, "alice@example.com", got.Email)
	assert.Equal(t, "America/Chicago", got.Timezone)

	// Same user under another tenant is a separate entry.
	_, ok = cc.Get(ctx, "tn_symphonyhall", "usr_510")
	assert.False(t, ok)

	// Entries expire.
	mr.FastForward(ContactCacheTTL + time.Minute)
	_, ok = cc.Get(ctx, "tn_lyricopera", "usr_510")
	assert.False(t, ok)
}
