// Package ingress consumes the platform event bus and turns business
// events into notification requests: verify, dedupe, enrich, map, then
// persist request and job atomically through the outbox.
package ingress

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/venuetix/notification-service/internal/notification"
)

// BusEvent is the envelope every platform event shares.
type BusEvent struct {
	EventID    string          `json:"event_id"`
	Type       string          `json:"type"`
	TenantID   string          `json:"tenant_id"`
	VenueID    *string         `json:"venue_id,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
	Data       json.RawMessage `json:"data"`
}

// eventData is the union of the payload fields the mapper reads. Events
// carry only the fields relevant to their type.
type eventData struct {
	UserID         string `json:"user_id"`
	StaffUserID    string `json:"staff_user_id"`
	SenderUserID   string `json:"sender_user_id"`
	ReceiverUserID string `json:"receiver_user_id"`
}

// recipientRole names which payload field identifies the addressee.
type recipientRole string

const (
	roleUser     recipientRole = "user"
	roleStaff    recipientRole = "staff"
	roleSender   recipientRole = "sender"
	roleReceiver recipientRole = "receiver"
)

// route is one notification produced by an event type.
type route struct {
	Channel  notification.Channel
	Priority notification.Priority
	Type     notification.Type
	Role     recipientRole
}

// routes maps event types to the notifications they produce. An event
// type absent from this table is unknown and goes to the bus DLQ.
var routes = map[string][]route{
	"payment.completed": {
		{notification.ChannelEmail, notification.PriorityHigh, notification.TypeTransactional, roleUser},
		{notification.ChannelSMS, notification.PriorityHigh, notification.TypeTransactional, roleUser},
	},
	"payment.failed": {
		{notification.ChannelEmail, notification.PriorityHigh, notification.TypeTransactional, roleUser},
		{notification.ChannelSMS, notification.PriorityHigh, notification.TypeTransactional, roleUser},
	},
	"refund.processed": {
		{notification.ChannelEmail, notification.PriorityHigh, notification.TypeTransactional, roleUser},
	},
	"dispute.created": {
		{notification.ChannelEmail, notification.PriorityCritical, notification.TypeCritical, roleStaff},
	},
	"ticket.transferred": {
		{notification.ChannelEmail, notification.PriorityHigh, notification.TypeTransactional, roleSender},
		{notification.ChannelEmail, notification.PriorityHigh, notification.TypeTransactional, roleReceiver},
	},
	"event.reminder": {
		{notification.ChannelEmail, notification.PriorityNormal, notification.TypeOperational, roleUser},
	},
	"event.cancelled": {
		{notification.ChannelEmail, notification.PriorityCritical, notification.TypeCritical, roleUser},
		{notification.ChannelSMS, notification.PriorityCritical, notification.TypeCritical, roleUser},
	},
	"event.updated": {
		{notification.ChannelEmail, notification.PriorityNormal, notification.TypeOperational, roleUser},
	},
}

// KnownEventType reports whether the mapper can route the type.
func KnownEventType(eventType string) bool {
	_, ok := routes[eventType]
	return ok
}

// target is one (user, route) pair the mapper resolved from an event.
type target struct {
	UserID string
	Route  route
}

// ErrMissingRecipient means the event payload lacks the user id its
// routes require. Such events go to the bus DLQ.
type ErrMissingRecipient struct {
	EventType string
	Role      recipientRole
}

func (e *ErrMissingRecipient) Error() string {
	return fmt.Sprintf("event %s has no %s recipient", e.EventType, e.Role)
}

// resolveTargets extracts the addressees an event's routes need.
func resolveTargets(evt BusEvent) ([]target, error) {
	rs, ok := routes[evt.Type]
	if !ok {
		return nil, fmt.Errorf("unknown event type %q", evt.Type)
	}

	var data eventData
	if err := json.Unmarshal(evt.Data, &data); err != nil {
		return nil, fmt.Errorf("event data is not valid JSON: %w", err)
	}

	targets := make([]target, 0, len(rs))
	for _, r := range rs {
		var userID string
		switch r.Role {
		case roleUser:
			userID = data.UserID
		case roleStaff:
			userID = data.StaffUserID
		case roleSender:
			userID = data.SenderUserID
		case roleReceiver:
			userID = data.ReceiverUserID
		}
		if userID == "" {
			return nil, &ErrMissingRecipient{EventType: evt.Type, Role: r.Role}
		}
		targets = append(targets, target{UserID: userID, Route: r})
	}
	return targets, nil
}

// templateRef names the server-side template for one route. Template
// content itself lives with the providers.
func templateRef(eventType string, channel notification.Channel) string {
	return eventType + "." + string(channel)
}

// buildRequest turns one resolved target into a request. The recipient
// arrives enriched; a route whose channel has no contact field on the
// recipient is skipped by the caller.
func buildRequest(evt BusEvent, tg target, recipient notification.Recipient, correlationID string) *notification.Request {
	return &notification.Request{
		ID:            uuid.New(),
		TenantID:      evt.TenantID,
		VenueID:       evt.VenueID,
		Recipient:     recipient,
		Channel:       tg.Route.Channel,
		Type:          tg.Route.Type,
		Priority:      tg.Route.Priority,
		TemplateRef:   notification.Ptr(templateRef(evt.Type, tg.Route.Channel)),
		CorrelationID: correlationID,
		Source:        notification.SourceEvent,
		CreatedAt:     time.Now().UTC(),
	}
}
