// Package notification defines the domain model for the multi-tenant
// dispatch pipeline: requests, jobs, attempts and the enums their state
// machines run on.
//
// Architecture:
//
//	HTTP API / Event Ingress → Repository (durable) → Redis Queue → Dispatcher → Provider
//	                                  ↓                    ↓              ↓
//	                            PostgreSQL             DLQ (Redis)   Webhook Ingress
//	                           (audit trail)         (failed items)  (reconciliation)
//
// A Request is the accepted, immutable intent to notify. Each delivery try
// is a Job on the queue; its outcome is an appended Attempt. Terminal
// delivery state arrives later through provider webhooks and is reconciled
// onto the matching Attempt.
package notification

import (
	"crypto/sha256"
	"database/sql/driver"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/venuetix/notification-service/internal/apperr"
)

// Channel represents a notification delivery channel.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
	ChannelPush  Channel = "push"
)

// Valid reports whether the channel is one of the closed set.
func (c Channel) Valid() bool {
	switch c {
	case ChannelEmail, ChannelSMS, ChannelPush:
		return true
	}
	return false
}

// Type represents the category of notification. The category drives
// consent requirements, retry budgets and degradation shedding.
type Type string

const (
	TypeTransactional Type = "transactional" // receipts, confirmations; no consent needed
	TypeMarketing     Type = "marketing"     // promotional; requires consent, shed first
	TypeOperational   Type = "operational"   // service notices; requires consent
	TypeCritical      Type = "critical"      // incidents, cancellations; bypasses quiet hours
)

// Valid reports whether the type is one of the closed set.
func (t Type) Valid() bool {
	switch t {
	case TypeTransactional, TypeMarketing, TypeOperational, TypeCritical:
		return true
	}
	return false
}

// RequiresConsent reports whether the compliance gate demands an effective
// consent record before sending.
func (t Type) RequiresConsent() bool {
	return t == TypeMarketing || t == TypeOperational
}

// AllowsChannelFallback reports whether the degradation controller may
// substitute a different channel when the requested one is down.
func (t Type) AllowsChannelFallback() bool {
	return t == TypeTransactional || t == TypeCritical
}

// Priority orders jobs on the queue.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Weight maps a priority to its queue score weight. Higher weights are
// dequeued first.
func (p Priority) Weight() int {
	switch p {
	case PriorityCritical:
		return 3
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	default:
		return 0
	}
}

// Valid reports whether the priority is one of the closed set.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// Source records which ingress path accepted the request.
type Source string

const (
	SourceAPI       Source = "api"
	SourceEvent     Source = "event"
	SourceScheduled Source = "scheduled"
)

// AttemptState is the lifecycle state of one delivery attempt.
type AttemptState string

const (
	StateQueued     AttemptState = "queued"
	StateSending    AttemptState = "sending"
	StateSent       AttemptState = "sent"       // provider acknowledged receipt
	StateDelivered  AttemptState = "delivered"  // confirmed by provider webhook
	StateBounced    AttemptState = "bounced"
	StateFailed     AttemptState = "failed"
	StateRejected   AttemptState = "rejected"   // compliance: consent missing or revoked
	StateDropped    AttemptState = "dropped"
	StateSuppressed AttemptState = "suppressed" // compliance: suppression list hit
)

// Terminal reports whether the state is final. Terminal attempts are never
// mutated again; webhook reconciliation refuses to regress them.
func (s AttemptState) Terminal() bool {
	switch s {
	case StateDelivered, StateBounced, StateFailed, StateRejected, StateDropped, StateSuppressed:
		return true
	}
	return false
}

// stateRank orders states for monotone transitions.
func (s AttemptState) stateRank() int {
	switch s {
	case StateQueued:
		return 0
	case StateSending:
		return 1
	case StateSent:
		return 2
	default:
		return 3
	}
}

// CanTransition reports whether an attempt may move from this state to
// another. Transitions are strictly monotone: a terminal state never
// changes and earlier pipeline states are never restored.
func (s AttemptState) CanTransition(to AttemptState) bool {
	if s.Terminal() {
		return false
	}
	return to.stateRank() > s.stateRank()
}

// ErrorClass categorizes attempt failures for retry decisions.
type ErrorClass string

const (
	ErrClassRetryable   ErrorClass = "retryable"
	ErrClassPermanent   ErrorClass = "permanent"
	ErrClassRateLimited ErrorClass = "rate_limited"
	ErrClassAuth        ErrorClass = "auth"
	ErrClassTimeout     ErrorClass = "timeout"
	ErrClassValidation  ErrorClass = "validation"
	ErrClassUnknown     ErrorClass = "unknown"
)

// ShouldRetry reports whether this class may trigger another attempt.
func (e ErrorClass) ShouldRetry() bool {
	switch e {
	case ErrClassRetryable, ErrClassRateLimited, ErrClassTimeout:
		return true
	default:
		return false
	}
}

// Recipient is the opaque addressee of a request. The channel decides
// which contact field must be present.
type Recipient struct {
	ID        string `json:"id"`
	Email     string `json:"email,omitempty"`
	Phone     string `json:"phone,omitempty"`
	PushToken string `json:"push_token,omitempty"`
	Timezone  string `json:"tz,omitempty"`
}

// AddressFor returns the contact field matching the channel.
func (r Recipient) AddressFor(channel Channel) string {
	switch channel {
	case ChannelEmail:
		return r.Email
	case ChannelSMS:
		return r.Phone
	case ChannelPush:
		return r.PushToken
	}
	return ""
}

// Value implements driver.Valuer for database storage.
func (r Recipient) Value() (driver.Value, error) {
	return json.Marshal(r)
}

// Scan implements sql.Scanner for database retrieval.
func (r *Recipient) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	b, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(b, r)
}

// Request is the accepted intent to notify. Immutable after insert.
type Request struct {
	ID             uuid.UUID  `json:"id" db:"id"`
	TenantID       string     `json:"tenant_id" db:"tenant_id"`
	VenueID        *string    `json:"venue_id,omitempty" db:"venue_id"`
	Recipient      Recipient  `json:"recipient" db:"recipient"`
	Channel        Channel    `json:"channel" db:"channel"`
	Type           Type       `json:"type" db:"type"`
	Priority       Priority   `json:"priority" db:"priority"`
	Subject        *string    `json:"subject,omitempty" db:"subject"`
	BodyText       *string    `json:"body_text,omitempty" db:"body_text"`
	BodyHTML       *string    `json:"body_html,omitempty" db:"body_html"`
	TemplateRef    *string    `json:"template_ref,omitempty" db:"template_ref"`
	IdempotencyKey *string    `json:"idempotency_key,omitempty" db:"idempotency_key"`
	CorrelationID  string     `json:"correlation_id" db:"correlation_id"`
	Source         Source     `json:"source" db:"source"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty" db:"expires_at"`
}

// Validate enforces the request invariants: a known channel and type, a
// channel-appropriate contact field, and exactly one content source
// (template_ref or body).
func (r *Request) Validate() error {
	if r.TenantID == "" {
		return apperr.NewValidation("tenant_id", "tenant_id is required")
	}
	if !r.Channel.Valid() {
		return apperr.NewValidation("channel", "channel must be one of email, sms, push")
	}
	if !r.Type.Valid() {
		return apperr.NewValidation("type", "type must be one of transactional, marketing, operational, critical")
	}
	if !r.Priority.Valid() {
		return apperr.NewValidation("priority", "priority must be one of low, normal, high, critical")
	}
	if r.Recipient.ID == "" {
		return apperr.NewValidation("recipient.id", "recipient id is required")
	}
	if r.Recipient.AddressFor(r.Channel) == "" {
		return apperr.NewValidation("recipient", "recipient has no contact field for channel "+string(r.Channel))
	}

	hasTemplate := r.TemplateRef != nil && *r.TemplateRef != ""
	hasBody := (r.BodyText != nil && *r.BodyText != "") || (r.BodyHTML != nil && *r.BodyHTML != "")
	if hasTemplate == hasBody {
		return apperr.NewValidation("body", "exactly one of template_ref or body_text/body_html must be set")
	}
	return nil
}

// Job is the executable unit the dispatcher consumes. It carries its
// tenant so queue-driven repository writes stay tenant-scoped without a
// prior lookup.
type Job struct {
	ID            uuid.UUID  `json:"id"`
	RequestID     uuid.UUID  `json:"request_id"`
	TenantID      string     `json:"tenant_id"`
	AttemptNo     int        `json:"attempt_no"`
	Priority      Priority   `json:"priority"`
	ScheduledAt   time.Time  `json:"scheduled_at"`
	NotBefore     *time.Time `json:"not_before,omitempty"`
	ParentAttempt *int       `json:"parent_attempt,omitempty"`
}

// Attempt is one provider call outcome, appended per try. Compliance
// rejections append an attempt with no provider and a reason code.
type Attempt struct {
	ID                uuid.UUID    `json:"id" db:"id"`
	RequestID         uuid.UUID    `json:"request_id" db:"request_id"`
	AttemptNo         int          `json:"attempt_no" db:"attempt_no"`
	Provider          string       `json:"provider,omitempty" db:"provider"`
	ProviderMessageID *string      `json:"provider_message_id,omitempty" db:"provider_message_id"`
	State             AttemptState `json:"state" db:"state"`
	ErrorCode         *string      `json:"error_code,omitempty" db:"error_code"`
	ErrorClass        *ErrorClass  `json:"error_class,omitempty" db:"error_class"`
	ReasonCode        *string      `json:"reason_code,omitempty" db:"reason_code"`
	LatencyMs         *int         `json:"latency_ms,omitempty" db:"latency_ms"`
	StartedAt         time.Time    `json:"started_at" db:"started_at"`
	FinishedAt        *time.Time   `json:"finished_at,omitempty" db:"finished_at"`
}

// ConsentRecord grants permission for a (recipient, channel, type) and
// optionally narrows to a single venue. Read-only to the pipeline.
type ConsentRecord struct {
	TenantID    string     `json:"tenant_id" db:"tenant_id"`
	RecipientID string     `json:"recipient_id" db:"recipient_id"`
	Channel     Channel    `json:"channel" db:"channel"`
	Type        Type       `json:"type" db:"type"`
	VenueID     *string    `json:"venue_id,omitempty" db:"venue_id"`
	GrantedAt   time.Time  `json:"granted_at" db:"granted_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty" db:"expires_at"`
	RevokedAt   *time.Time `json:"revoked_at,omitempty" db:"revoked_at"`
}

// Effective reports whether the consent currently authorizes sending.
func (c ConsentRecord) Effective(now time.Time) bool {
	if c.RevokedAt != nil {
		return false
	}
	if c.ExpiresAt != nil && !c.ExpiresAt.After(now) {
		return false
	}
	return true
}

// SuppressionEntry is a hard block for a (channel, address hash).
type SuppressionEntry struct {
	TenantID      string    `json:"tenant_id" db:"tenant_id"`
	Channel       Channel   `json:"channel" db:"channel"`
	RecipientHash string    `json:"recipient_hash" db:"recipient_hash"`
	Reason        string    `json:"reason" db:"reason"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}

// IdempotencyRecord guards request replay per (tenant, key).
type IdempotencyRecord struct {
	TenantID     string    `json:"tenant_id" db:"tenant_id"`
	Key          string    `json:"key" db:"key"`
	RequestID    uuid.UUID `json:"request_id" db:"request_id"`
	BodyHash     string    `json:"body_hash" db:"body_hash"`
	ResponseCode int       `json:"response_code" db:"response_code"`
	Status       string    `json:"status" db:"status"` // processing|completed|failed
	ExpiresAt    time.Time `json:"expires_at" db:"expires_at"`
}

// WebhookEvent dedupes inbound provider callbacks on (provider, event id).
type WebhookEvent struct {
	Provider        string    `json:"provider" db:"provider"`
	ProviderEventID string    `json:"provider_event_id" db:"provider_event_id"`
	Payload         []byte    `json:"-" db:"payload"`
	ReceivedAt      time.Time `json:"received_at" db:"received_at"`
}

// OutboxEvent is a status change staged in the same transaction as the
// write that produced it. A publisher drains the outbox to the bus and to
// customer webhooks so no event is emitted for a write that rolled back.
type OutboxEvent struct {
	ID              uuid.UUID       `json:"id" db:"id"`
	EventType       string          `json:"event_type" db:"event_type"`
	Payload         json.RawMessage `json:"payload" db:"payload"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
	PublishedAt     *time.Time      `json:"published_at,omitempty" db:"published_at"`
	PublishAttempts int             `json:"publish_attempts" db:"publish_attempts"`
}

// DLQEntry is a job that exhausted its retry budget, kept with full error
// context for inspection and replay.
type DLQEntry struct {
	Job        Job        `json:"job"`
	TenantID   string     `json:"tenant_id"`
	Type       Type       `json:"type"`
	Channel    Channel    `json:"channel"`
	ErrorClass ErrorClass `json:"error_class"`
	ErrorCode  string     `json:"error_code,omitempty"`
	Reason     string     `json:"reason"`
	FailedAt   time.Time  `json:"failed_at"`
}

// DLQFilter selects DLQ entries when querying or replaying.
type DLQFilter struct {
	Type      *Type      `json:"type,omitempty"`
	Channel   *Channel   `json:"channel,omitempty"`
	ErrorCode *string    `json:"error_code,omitempty"`
	Limit     int        `json:"limit,omitempty"`
	Since     *time.Time `json:"since,omitempty"`
}

// DLQStats holds dead letter queue statistics.
type DLQStats struct {
	TotalCount   int64            `json:"total_count"`
	CountByType  map[string]int64 `json:"count_by_type"`
	CountByError map[string]int64 `json:"count_by_error"`
	OldestItem   *time.Time       `json:"oldest_item,omitempty"`
}

// HashAddress returns the hex SHA-256 of a normalized recipient address.
// Suppression entries and recipient rate-limit buckets key on this hash so
// raw addresses stay out of shared stores.
func HashAddress(address string) string {
	normalized := strings.ToLower(strings.TrimSpace(address))
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// StatusOf derives the coarse request status for the status API from the
// latest attempt, or "queued" when none exists yet.
func StatusOf(latest *Attempt) string {
	if latest == nil {
		return string(StateQueued)
	}
	return string(latest.State)
}

// Ptr is a helper to create a pointer to a value.
func Ptr[T any](v T) *T {
	return &v
}
