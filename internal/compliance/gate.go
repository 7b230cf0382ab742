// Package compliance implements the pre-send checks: suppression list,
// consent (with expiry and venue scope), and SMS quiet hours. The gate
// is fail-closed: any internal error yields a non-retryable rejection
// rather than an unchecked send.
package compliance

import (
	"context"
	"errors"
	"time"

	"github.com/venuetix/notification-service/internal/metrics"
	"github.com/venuetix/notification-service/internal/notification"
	"github.com/venuetix/notification-service/internal/repository"
	"github.com/venuetix/notification-service/internal/telemetry"
)

// Machine-readable reason codes recorded on the attempt.
const (
	ReasonSuppressed      = "suppressed"
	ReasonNoConsent       = "no_consent"
	ReasonConsentExpired  = "consent_expired"
	ReasonConsentRevoked  = "consent_revoked"
	ReasonVenueScope      = "venue_scope_mismatch"
	ReasonQuietHours      = "quiet_hours"
	ReasonComplianceError = "compliance_error"
)

// Verdict is the gate's decision class.
type Verdict int

const (
	VerdictAllow Verdict = iota
	VerdictReject
	VerdictReschedule
)

// Decision is the outcome of a gate check. Reject carries the terminal
// attempt state and reason; Reschedule carries the next allowed time.
type Decision struct {
	Verdict    Verdict
	State      notification.AttemptState
	ReasonCode string
	ResumeAt   time.Time
}

func allow() Decision {
	return Decision{Verdict: VerdictAllow}
}

func reject(state notification.AttemptState, reason string) Decision {
	return Decision{Verdict: VerdictReject, State: state, ReasonCode: reason}
}

// Store is the read side of the compliance data the gate consults.
type Store interface {
	GetSuppression(ctx context.Context, tenantID string, channel notification.Channel, recipientHash string) (*notification.SuppressionEntry, error)
	GetConsent(ctx context.Context, tenantID, recipientID string, channel notification.Channel, typ notification.Type) (*notification.ConsentRecord, error)
}

// Gate runs the compliance checks in order: suppression, consent, quiet
// hours, venue scope.
type Gate struct {
	store   Store
	metrics *metrics.Metrics

	quietStart int // hour, recipient-local
	quietEnd   int

	now func() time.Time
}

// New creates a Gate. quietStart/quietEnd bound SMS sends in the
// recipient's local time, e.g. 8 and 21 for [08:00, 21:00).
func New(store Store, m *metrics.Metrics, quietStart, quietEnd int) *Gate {
	return &Gate{
		store:      store,
		metrics:    m,
		quietStart: quietStart,
		quietEnd:   quietEnd,
		now:        time.Now,
	}
}

// Check evaluates the request against all compliance rules. It never
// returns an error: internal failures become fail-closed rejections with
// reason compliance_error.
func (g *Gate) Check(ctx context.Context, req *notification.Request) Decision {
	d := g.check(ctx, req)
	if d.Verdict == VerdictReject && g.metrics != nil {
		g.metrics.ComplianceReject.WithLabelValues(d.ReasonCode).Inc()
	}
	return d
}

func (g *Gate) check(ctx context.Context, req *notification.Request) Decision {
	address := req.Recipient.AddressFor(req.Channel)
	hash := notification.HashAddress(address)

	// 1. Suppression list. A hit is terminal regardless of type.
	entry, err := g.store.GetSuppression(ctx, req.TenantID, req.Channel, hash)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return g.failClosed(ctx, req, "suppression lookup failed", err)
	}
	if entry != nil {
		return reject(notification.StateSuppressed, ReasonSuppressed)
	}

	// 2. Consent, for the types that need it.
	if req.Type.RequiresConsent() {
		consent, err := g.store.GetConsent(ctx, req.TenantID, req.Recipient.ID, req.Channel, req.Type)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return reject(notification.StateRejected, ReasonNoConsent)
			}
			return g.failClosed(ctx, req, "consent lookup failed", err)
		}

		now := g.now()
		if consent.RevokedAt != nil {
			return reject(notification.StateRejected, ReasonConsentRevoked)
		}
		if !consent.Effective(now) {
			return reject(notification.StateRejected, ReasonConsentExpired)
		}

		// 4. Venue scope: a consent narrowed to one venue is never
		// honored for a different venue, and never for a venueless send.
		if consent.VenueID != nil {
			if req.VenueID == nil || *req.VenueID != *consent.VenueID {
				return reject(notification.StateRejected, ReasonVenueScope)
			}
		}
	}

	// 3. SMS quiet hours, critical exempt.
	if req.Channel == notification.ChannelSMS && req.Type != notification.TypeCritical {
		resumeAt, ok, err := g.nextAllowedWindow(req.Recipient.Timezone)
		if err != nil {
			return g.failClosed(ctx, req, "quiet hours evaluation failed", err)
		}
		if !ok {
			return Decision{Verdict: VerdictReschedule, ReasonCode: ReasonQuietHours, ResumeAt: resumeAt}
		}
	}

	return allow()
}

// nextAllowedWindow reports whether the recipient's local time is inside
// the allowed window. When outside, it returns the next window start.
// An empty timezone falls back to UTC; an unparseable one is an error
// (fail-closed).
func (g *Gate) nextAllowedWindow(tz string) (time.Time, bool, error) {
	loc := time.UTC
	if tz != "" {
		var err error
		loc, err = time.LoadLocation(tz)
		if err != nil {
			return time.Time{}, false, err
		}
	}

	local := g.now().In(loc)
	hour := local.Hour()
	if hour >= g.quietStart && hour < g.quietEnd {
		return time.Time{}, true, nil
	}

	next := time.Date(local.Year(), local.Month(), local.Day(), g.quietStart, 0, 0, 0, loc)
	if hour >= g.quietEnd {
		next = next.AddDate(0, 0, 1)
	}
	return next.UTC(), false, nil
}

func (g *Gate) failClosed(ctx context.Context, req *notification.Request, msg string, err error) Decision {
	telemetry.LogFromContext(ctx).
		WithDispatch(req.TenantID, req.ID.String(), string(req.Channel)).
		WithField("error", err.Error()).
		Error("Compliance gate internal failure, rejecting: " + msg)
	return reject(notification.StateRejected, ReasonComplianceError)
}
