// Package provider adapts heterogeneous delivery vendors to one
// contract. Each adapter sends through its vendor's API, verifies that
// vendor's webhook signatures, and translates vendor status vocabulary
// into the canonical attempt states. Adding a provider means adding a
// value that satisfies Adapter; the dispatcher never changes.
package provider

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/venuetix/notification-service/internal/config"
	"github.com/venuetix/notification-service/internal/notification"
)

// errUnsupportedWebhook is returned by adapters whose vendor never
// posts delivery callbacks.
var errUnsupportedWebhook = errors.New("provider does not deliver webhooks")

// Payload is the channel-agnostic content handed to an adapter.
// Templates arrive pre-rendered; TemplateRef is forwarded for providers
// with server-side templates.
type Payload struct {
	TenantID      string
	RequestID     uuid.UUID
	CorrelationID string

	To          notification.Recipient
	Subject     string
	BodyText    string
	BodyHTML    string
	TemplateRef string
}

// SendResult is the structured outcome of one provider call. Expected
// provider failures are values here, never Go errors: Accepted false
// with a classified ErrorClass.
type SendResult struct {
	Accepted          bool
	ProviderMessageID string

	ErrorClass notification.ErrorClass
	ErrorCode  string
	RetryAfter time.Duration

	Latency time.Duration
}

// Event is one verified, parsed webhook callback item.
type Event struct {
	ProviderEventID   string
	ProviderMessageID string
	RawStatus         string
	State             notification.AttemptState
	OccurredAt        time.Time

	// SuppressReason is set for events that must add the recipient to
	// the suppression list (hard bounces, spam complaints).
	SuppressReason string
	RecipientHash  string
}

// Adapter is the uniform contract over one vendor API.
type Adapter interface {
	Name() string
	Channel() notification.Channel

	// Send submits the payload. The context deadline bounds the call;
	// expected failures come back classified inside the SendResult.
	Send(ctx context.Context, p Payload) SendResult

	// VerifyWebhook authenticates a callback before its body is
	// interpreted, then parses it into events. The raw body is passed
	// separately because the HTTP layer has already drained it.
	VerifyWebhook(r *http.Request, body []byte) ([]Event, error)

	// TranslateStatus maps the vendor's status vocabulary to canonical
	// attempt states. Unknown or non-terminal vendor statuses return "".
	TranslateStatus(raw string) notification.AttemptState

	// HealthProbe performs a cheap side-effect-free check.
	HealthProbe(ctx context.Context) error
}

// Registry holds the configured adapters by name.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry builds adapters for every provider configured on an
// enabled channel. The shared client carries the connect timeout; each
// call still gets a per-request total deadline.
func NewRegistry(cfg *config.Config, client *http.Client) *Registry {
	r := &Registry{adapters: make(map[string]Adapter)}

	for name, pc := range cfg.Providers {
		if !cfg.ChannelEnabled(pc.Channel) {
			continue
		}
		switch name {
		case "sendgrid":
			r.adapters[name] = NewSendGrid(pc, client)
		case "mailgun":
			r.adapters[name] = NewMailgun(pc, client)
		case "twilio":
			r.adapters[name] = NewTwilio(pc, client)
		case "vonage":
			r.adapters[name] = NewVonage(pc, client)
		case "fcm":
			r.adapters[name] = NewFCM(pc, client)
		case "onesignal":
			r.adapters[name] = NewOneSignal(pc, client)
		}
	}

	return r
}

// Get returns the adapter registered under name.
func (r *Registry) Get(name string) (Adapter, bool) {
	a, ok := r.adapters[name]
	return a, ok
}

// Names returns every registered adapter name.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	return names
}

// ForChannel returns the adapters serving one channel.
func (r *Registry) ForChannel(ch notification.Channel) []Adapter {
	var out []Adapter
	for _, a := range r.adapters {
		if a.Channel() == ch {
			out = append(out, a)
		}
	}
	return out
}
