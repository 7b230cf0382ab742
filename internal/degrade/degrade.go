// Package degrade derives one global health mode from dependency
// snapshots and gates admission on it. The controller is a small value
// over a snapshot ring, not a manager hierarchy: evaluation is a pure
// function of the latest observations.
package degrade

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/venuetix/notification-service/internal/metrics"
	"github.com/venuetix/notification-service/internal/notification"
	"github.com/venuetix/notification-service/internal/telemetry"
)

// Mode is the coarse global health level.
type Mode int

const (
	ModeNormal Mode = iota
	ModePartial
	ModeDegraded
	ModeCritical
)

func (m Mode) String() string {
	switch m {
	case ModePartial:
		return "PARTIAL"
	case ModeDegraded:
		return "DEGRADED"
	case ModeCritical:
		return "CRITICAL"
	default:
		return "NORMAL"
	}
}

// ChannelHealth counts a channel's configured and currently usable
// providers. Usable means breaker not open and board-healthy.
type ChannelHealth struct {
	Total     int
	Available int
}

// Snapshot is one evaluation's input, assembled by the caller from the
// breaker manager and the provider board.
type Snapshot struct {
	PostgresHealthy bool
	RedisHealthy    bool
	QueueHealthy    bool
	Channels        map[notification.Channel]ChannelHealth
}

// evaluate is the pure mode function over one snapshot.
func evaluate(s Snapshot) (Mode, string) {
	if !s.PostgresHealthy {
		return ModeCritical, "postgres unhealthy"
	}
	if !s.RedisHealthy {
		return ModeDegraded, "redis unhealthy"
	}
	if !s.QueueHealthy {
		return ModeDegraded, "queue unhealthy"
	}

	mode, reason := ModeNormal, "all dependencies healthy"
	for ch, h := range s.Channels {
		if h.Total == 0 {
			continue
		}
		if h.Available == 0 {
			return ModeDegraded, "all " + string(ch) + " providers down"
		}
		if h.Available < h.Total && mode == ModeNormal {
			mode, reason = ModePartial, string(ch)+" provider unavailable"
		}
	}
	return mode, reason
}

// evalWindow is the damping window: a candidate mode must win two of
// the last three evaluations before the controller switches to it.
const evalWindow = 3

// ShedRetryAfter is returned with 429 responses under load shedding.
const ShedRetryAfter = 60 * time.Second

// Controller holds the current mode and the recent evaluation ring.
type Controller struct {
	logger  *telemetry.Logger
	metrics *metrics.Metrics

	mu      sync.RWMutex
	mode    Mode
	recent  []Mode
	reasons []string
	latest  Snapshot
}

// NewController starts in NORMAL.
func NewController(logger *telemetry.Logger, m *metrics.Metrics) *Controller {
	return &Controller{logger: logger, metrics: m, mode: ModeNormal}
}

// Observe feeds one dependency snapshot. The mode changes only when the
// candidate wins at least two of the last three evaluations, damping
// single-probe flaps in either direction.
func (c *Controller) Observe(s Snapshot) {
	candidate, reason := evaluate(s)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.latest = s
	c.recent = append(c.recent, candidate)
	c.reasons = append(c.reasons, reason)
	if len(c.recent) > evalWindow {
		c.recent = c.recent[1:]
		c.reasons = c.reasons[1:]
	}

	if candidate == c.mode {
		return
	}
	votes := 0
	for _, m := range c.recent {
		if m == candidate {
			votes++
		}
	}
	if votes < 2 {
		return
	}

	from := c.mode
	c.mode = candidate
	c.metrics.ModeChanges.WithLabelValues(from.String(), candidate.String()).Inc()
	c.metrics.CurrentMode.Set(float64(candidate))
	c.logger.WithFields(logrus.Fields{
		"from":   from.String(),
		"to":     candidate.String(),
		"reason": reason,
	}).Warn("Degradation mode changed")
}

// Mode returns the current global mode.
func (c *Controller) Mode() Mode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mode
}

// ChannelDown reports whether every provider of a channel is currently
// unusable, per the latest snapshot.
func (c *Controller) ChannelDown(ch notification.Channel) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	h, ok := c.latest.Channels[ch]
	return ok && h.Total > 0 && h.Available == 0
}

// Decision is the admission outcome for one request or job.
type Decision struct {
	Allow      bool
	StatusCode int
	RetryAfter time.Duration
	Reason     string
}

var admit = Decision{Allow: true}

// Admit applies the mode's admission rules. CRITICAL rejects everything
// but critical notifications, which still have the durable outbox path.
// DEGRADED sheds marketing and low-priority traffic.
func (c *Controller) Admit(typ notification.Type, priority notification.Priority) Decision {
	switch c.Mode() {
	case ModeCritical:
		if typ == notification.TypeCritical {
			return admit
		}
		return Decision{
			StatusCode: 503,
			RetryAfter: ShedRetryAfter,
			Reason:     "service in CRITICAL mode",
		}
	case ModeDegraded:
		if typ == notification.TypeMarketing || priority == notification.PriorityLow {
			return Decision{
				StatusCode: 429,
				RetryAfter: ShedRetryAfter,
				Reason:     "load shedding in DEGRADED mode",
			}
		}
	}
	return admit
}

// Run feeds the controller from source on every tick until the context
// ends. The source closure assembles a snapshot from the breaker
// manager and provider board at the call site.
func (c *Controller) Run(ctx context.Context, interval time.Duration, source func() Snapshot) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.Observe(source())
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Observe(source())
		}
	}
}

// Fallback proposes a substitute channel when the requested one is
// fully down: email falls back to SMS for types that allow it, provided
// the recipient has a phone. Consent for the substitute channel is
// still the compliance gate's call.
func (c *Controller) Fallback(req *notification.Request) (notification.Channel, bool) {
	if !req.Type.AllowsChannelFallback() {
		return "", false
	}
	if !c.ChannelDown(req.Channel) {
		return "", false
	}
	if req.Channel == notification.ChannelEmail && req.Recipient.Phone != "" && !c.ChannelDown(notification.ChannelSMS) {
		return notification.ChannelSMS, true
	}
	return "", false
}
