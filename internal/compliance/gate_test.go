package compliance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/venuetix/notification-service/internal/apperr"
	"github.com/venuetix/notification-service/internal/metrics"
	"github.com/venuetix/notification-service/internal/notification"
	"github.com/venuetix/notification-service/internal/repository"
)

type fakeStore struct {
	suppressions map[string]*notification.SuppressionEntry
	consents     map[string]*notification.ConsentRecord
	failWith     error
}

func suppressionKey(tenantID string, ch notification.Channel, hash string) string {
	return tenantID + "|" + string(ch) + "|" + hash
}

func consentKey(tenantID, recipientID string, ch notification.Channel, typ notification.Type) string {
	return tenantID + "|" + recipientID + "|" + string(ch) + "|" + string(typ)
}

func (f *fakeStore) GetSuppression(_ context.Context, tenantID string, ch notification.Channel, hash string) (*notification.SuppressionEntry, error) {
	if f.failWith != nil {
		return nil, f.failWith
	}
	if e, ok := f.suppressions[suppressionKey(tenantID, ch, hash)]; ok {
		return e, nil
	}
	return nil, repository.ErrNotFound
}

func (f *fakeStore) GetConsent(_ context.Context, tenantID, recipientID string, ch notification.Channel, typ notification.Type) (*notification.ConsentRecord, error) {
	if f.failWith != nil {
		return nil, f.failWith
	}
	if c, ok := f.consents[consentKey(tenantID, recipientID, ch, typ)]; ok {
		return c, nil
	}
	return nil, repository.ErrNotFound
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		suppressions: make(map[string]*notification.SuppressionEntry),
		consents:     make(map[string]*notification.ConsentRecord),
	}
}

func testGate(store Store) *Gate {
	return New(store, metrics.NewForTesting(), 8, 21)
}

func emailRequest(typ notification.Type) *notification.Request {
	return &notification.Request{
		ID:        uuid.New(),
		TenantID:  "t1",
		Recipient: notification.Recipient{ID: "u1", Email: "a@x.example"},
		Channel:   notification.ChannelEmail,
		Type:      typ,
		Priority:  notification.PriorityNormal,
	}
}

func TestCheck_TransactionalPassesWithoutConsent(t *testing.T) {
	g := testGate(newFakeStore())
	d := g.Check(context.Background(), emailRequest(notification.TypeTransactional))
	assert.Equal(t, VerdictAllow, d.Verdict)
}

func TestCheck_SuppressedRecipient(t *testing.T) {
	store := newFakeStore()
	hash := notification.HashAddress("a@x.example")
	store.suppressions[suppressionKey("t1", notification.ChannelEmail, hash)] = &notification.SuppressionEntry{
		TenantID: "t1", Channel: notification.ChannelEmail, RecipientHash: hash, Reason: "hard_bounce",
	}

	g := testGate(store)
	d := g.Check(context.Background(), emailRequest(notification.TypeTransactional))

	assert.Equal(t, VerdictReject, d.Verdict)
	assert.Equal(t, notification.StateSuppressed, d.State)
	assert.Equal(t, ReasonSuppressed, d.ReasonCode)
}

func TestCheck_MarketingRequiresConsent(t *testing.T) {
	g := testGate(newFakeStore())
	d := g.Check(context.Background(), emailRequest(notification.TypeMarketing))

	assert.Equal(t, VerdictReject, d.Verdict)
	assert.Equal(t, notification.StateRejected, d.State)
	assert.Equal(t, ReasonNoConsent, d.ReasonCode)
}

func TestCheck_EffectiveConsentAdmits(t *testing.T) {
	store := newFakeStore()
	store.consents[consentKey("t1", "u1", notification.ChannelEmail, notification.TypeMarketing)] = &notification.ConsentRecord{
		TenantID: "t1", RecipientID: "u1",
		Channel: notification.ChannelEmail, Type: notification.TypeMarketing,
		GrantedAt: time.Now().Add(-time.Hour),
	}

	g := testGate(store)
	d := g.Check(context.Background(), emailRequest(notification.TypeMarketing))
	assert.Equal(t, VerdictAllow, d.Verdict)
}

func TestCheck_ExpiredConsentRejects(t *testing.T) {
	store := newFakeStore()
	store.consents[consentKey("t1", "u1", notification.ChannelEmail, notification.TypeMarketing)] = &notification.ConsentRecord{
		TenantID: "t1", RecipientID: "u1",
		Channel: notification.ChannelEmail, Type: notification.TypeMarketing,
		GrantedAt: time.Now().Add(-48 * time.Hour),
		ExpiresAt: notification.Ptr(time.Now().Add(-time.Hour)),
	}

	g := testGate(store)
	d := g.Check(context.Background(), emailRequest(notification.TypeMarketing))

	assert.Equal(t, VerdictReject, d.Verdict)
	assert.Equal(t, ReasonConsentExpired, d.ReasonCode)
}

func TestCheck_RevokedConsentRejects(t *testing.T) {
	store := newFakeStore()
	store.consents[consentKey("t1", "u1", notification.ChannelEmail, notification.TypeMarketing)] = &notification.ConsentRecord{
		TenantID: "t1", RecipientID: "u1",
		Channel: notification.ChannelEmail, Type: notification.TypeMarketing,
		GrantedAt: time.Now().Add(-48 * time.Hour),
		RevokedAt: notification.Ptr(time.Now().Add(-time.Hour)),
	}

	g := testGate(store)
	d := g.Check(context.Background(), emailRequest(notification.TypeMarketing))

	assert.Equal(t, VerdictReject, d.Verdict)
	assert.Equal(t, ReasonConsentRevoked, d.ReasonCode)
}

func TestCheck_VenueScopedConsent(t *testing.T) {
	store := newFakeStore()
	store.consents[consentKey("t1", "u1", notification.ChannelEmail, notification.TypeMarketing)] = &notification.ConsentRecord{
		TenantID: "t1", RecipientID: "u1",
		Channel: notification.ChannelEmail, Type: notification.TypeMarketing,
		VenueID:   notification.Ptr("venue-a"),
		GrantedAt: time.Now().Add(-time.Hour),
	}
	g := testGate(store)

	t.Run("same venue admits", func(t *testing.T) {
		req := emailRequest(notification.TypeMarketing)
		req.VenueID = notification.Ptr("venue-a")
		assert.Equal(t, VerdictAllow, g.Check(context.Background(), req).Verdict)
	})

	t.Run("different venue rejects", func(t *testing.T) {
		req := emailRequest(notification.TypeMarketing)
		req.VenueID = notification.Ptr("venue-b")
		d := g.Check(context.Background(), req)
		assert.Equal(t, VerdictReject, d.Verdict)
		assert.Equal(t, ReasonVenueScope, d.ReasonCode)
	})

	t.Run("venueless send rejects", func(t *testing.T) {
		d := g.Check(context.Background(), emailRequest(notification.TypeMarketing))
		assert.Equal(t, VerdictReject, d.Verdict)
		assert.Equal(t, ReasonVenueScope, d.ReasonCode)
	})
}

func smsRequest(typ notification.Type, tz string) *notification.Request {
	return &notification.Request{
		ID:        uuid.New(),
		TenantID:  "t1",
		Recipient: notification.Recipient{ID: "u1", Phone: "+15550001122", Timezone: tz},
		Channel:   notification.ChannelSMS,
		Type:      typ,
		Priority:  notification.PriorityNormal,
	}
}

func TestCheck_SMSQuietHours(t *testing.T) {
	g := testGate(newFakeStore())

	// 23:15 in Los Angeles.
	la, err := time.LoadLocation("America/Los_Angeles")
	require.NoError(t, err)
	g.now = func() time.Time {
		return time.Date(2026, 3, 10, 23, 15, 0, 0, la)
	}

	d := g.Check(context.Background(), smsRequest(notification.TypeTransactional, "America/Los_Angeles"))
	require.Equal(t, VerdictReschedule, d.Verdict)
	assert.Equal(t, ReasonQuietHours, d.ReasonCode)

	resumed := d.ResumeAt.In(la)
	assert.Equal(t, 8, resumed.Hour())
	assert.Equal(t, 11, resumed.Day(), "rescheduled to 08:00 next day")
}

func TestCheck_SMSEarlyMorningReschedulesSameDay(t *testing.T) {
	g := testGate(newFakeStore())
	la, err := time.LoadLocation("America/Los_Angeles")
	require.NoError(t, err)
	g.now = func() time.Time {
		return time.Date(2026, 3, 10, 6, 30, 0, 0, la)
	}

	d := g.Check(context.Background(), smsRequest(notification.TypeTransactional, "America/Los_Angeles"))
	require.Equal(t, VerdictReschedule, d.Verdict)

	resumed := d.ResumeAt.In(la)
	assert.Equal(t, 8, resumed.Hour())
	assert.Equal(t, 10, resumed.Day())
}

func TestCheck_CriticalSMSIgnoresQuietHours(t *testing.T) {
	g := testGate(newFakeStore())
	la, _ := time.LoadLocation("America/Los_Angeles")
	g.now = func() time.Time {
		return time.Date(2026, 3, 10, 23, 15, 0, 0, la)
	}

	d := g.Check(context.Background(), smsRequest(notification.TypeCritical, "America/Los_Angeles"))
	assert.Equal(t, VerdictAllow, d.Verdict)
}

func TestCheck_BadTimezoneFailsClosed(t *testing.T) {
	g := testGate(newFakeStore())
	d := g.Check(context.Background(), smsRequest(notification.TypeTransactional, "Not/AZone"))

	assert.Equal(t, VerdictReject, d.Verdict)
	assert.Equal(t, ReasonComplianceError, d.ReasonCode)
}

func TestCheck_StoreErrorFailsClosed(t *testing.T) {
	store := newFakeStore()
	store.failWith = errors.New("connection refused")

	g := testGate(store)
	d := g.Check(context.Background(), emailRequest(notification.TypeTransactional))

	assert.Equal(t, VerdictReject, d.Verdict)
	assert.Equal(t, notification.StateRejected, d.State)
	assert.Equal(t, ReasonComplianceError, d.ReasonCode)
}

func TestTokenCodec_RoundTrip(t *testing.T) {
	codec := NewTokenCodec("super-secret-signing-key")

	tok := UnsubscribeToken{
		TenantID:      "t1",
		Channel:       notification.ChannelEmail,
		RecipientHash: notification.HashAddress("a@x.example"),
		ExpiresAt:     time.Now().Add(24 * time.Hour).Truncate(time.Second),
	}

	decoded, err := codec.Decode(codec.Encode(tok))
	require.NoError(t, err)
	assert.Equal(t, tok.TenantID, decoded.TenantID)
	assert.Equal(t, tok.Channel, decoded.Channel)
	assert.Equal(t, tok.RecipientHash, decoded.RecipientHash)
}

func TestTokenCodec_RejectsTampering(t *testing.T) {
	codec := NewTokenCodec("super-secret-signing-key")
	other := NewTokenCodec("different-secret")

	tok := UnsubscribeToken{
		TenantID:      "t1",
		Channel:       notification.ChannelEmail,
		RecipientHash: "abc",
		ExpiresAt:     time.Now().Add(time.Hour),
	}

	_, err := codec.Decode(other.Encode(tok))
	assert.True(t, apperr.Is(err, apperr.KindAuth))
}

func TestTokenCodec_RejectsExpired(t *testing.T) {
	codec := NewTokenCodec("super-secret-signing-key")
	tok := UnsubscribeToken{
		TenantID:      "t1",
		Channel:       notification.ChannelEmail,
		RecipientHash: "abc",
		ExpiresAt:     time.Now().Add(-time.Minute),
	}

	_, err := codec.Decode(codec.Encode(tok))
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestTokenCodec_RejectsMalformed(t *testing.T) {
	codec := NewTokenCodec("super-secret-signing-key")
	for _, bad := range []string{"", "nodot", "a.b", "!!!.???"} {
		_, err := codec.Decode(bad)
		assert.Error(t, err, bad)
	}
}
