// Package breaker isolates failing dependencies behind per-dependency
// circuit breakers. One breaker exists per provider plus one each for
// postgres, redis and rabbitmq; the degradation controller and the
// health endpoints read the same snapshots.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/venuetix/notification-service/internal/apperr"
	"github.com/venuetix/notification-service/internal/metrics"
	"github.com/venuetix/notification-service/internal/telemetry"
)

// State is the canonical three-state view of a breaker.
type State string

const (
	StateClosed   State = "closed"
	StateHalfOpen State = "half_open"
	StateOpen     State = "open"
)

func fromGobreaker(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// gaugeValue maps states onto the breaker_state gauge.
func gaugeValue(s State) float64 {
	switch s {
	case StateHalfOpen:
		return 1
	case StateOpen:
		return 2
	default:
		return 0
	}
}

// Config holds the thresholds shared by every dependency breaker.
// HalfOpenProbes doubles as the consecutive successes required to close:
// gobreaker closes a breaker once MaxRequests consecutive half-open
// calls succeed, so the two spec knobs collapse into one field.
type Config struct {
	FailureThreshold uint32
	MonitoringWindow time.Duration
	Cooldown         time.Duration
	HalfOpenProbes   uint32
}

// DefaultConfig returns the production defaults: trip after 5
// consecutive failures inside a 120s window, cool down 60s, then admit
// 2 probes.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		MonitoringWindow: 120 * time.Second,
		Cooldown:         60 * time.Second,
		HalfOpenProbes:   2,
	}
}

// Snapshot is a read-only view of one breaker for health endpoints and
// the degradation controller.
type Snapshot struct {
	Dependency          string    `json:"dependency"`
	State               State     `json:"state"`
	ConsecutiveFailures uint32    `json:"consecutive_failures"`
	LastStateChange     time.Time `json:"last_state_change"`
}

// Manager owns the breakers, keyed by dependency name. Breakers are
// created lazily on first use so providers added by config need no
// registration step.
type Manager struct {
	cfg     Config
	metrics *metrics.Metrics

	mu        sync.RWMutex
	breakers  map[string]*gobreaker.CircuitBreaker
	changedAt map[string]time.Time
}

// NewManager creates a Manager with the given thresholds.
func NewManager(cfg Config, m *metrics.Metrics) *Manager {
	return &Manager{
		cfg:       cfg,
		metrics:   m,
		breakers:  make(map[string]*gobreaker.CircuitBreaker),
		changedAt: make(map[string]time.Time),
	}
}

func (m *Manager) breaker(name string) *gobreaker.CircuitBreaker {
	m.mu.RLock()
	cb, ok := m.breakers[name]
	m.mu.RUnlock()
	if ok {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cb, ok := m.breakers[name]; ok {
		return cb
	}

	cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: m.cfg.HalfOpenProbes,
		Interval:    m.cfg.MonitoringWindow,
		Timeout:     m.cfg.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= m.cfg.FailureThreshold
		},
		OnStateChange: m.onStateChange,
	})
	m.breakers[name] = cb
	m.changedAt[name] = time.Now().UTC()
	return cb
}

func (m *Manager) onStateChange(name string, from, to gobreaker.State) {
	fromState, toState := fromGobreaker(from), fromGobreaker(to)

	m.mu.Lock()
	m.changedAt[name] = time.Now().UTC()
	m.mu.Unlock()

	telemetry.GetGlobalLogger().WithFields(map[string]interface{}{
		"dependency": name,
		"from":       string(fromState),
		"to":         string(toState),
	}).Warn("Circuit breaker state changed")

	if m.metrics != nil {
		m.metrics.BreakerTransitions.WithLabelValues(name, string(fromState), string(toState)).Inc()
		m.metrics.BreakerState.WithLabelValues(name).Set(gaugeValue(toState))
	}
}

// Execute runs fn through the named breaker. An open breaker, or a
// half-open breaker already at its probe budget, returns a circuit_open
// error without invoking fn. Context cancellation before the call is
// surfaced as-is.
func (m *Manager) Execute(ctx context.Context, name string, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	_, err := m.breaker(name).Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return apperr.NewCircuitOpen(name)
	}
	return err
}

// State returns the canonical state of the named breaker.
func (m *Manager) State(name string) State {
	return fromGobreaker(m.breaker(name).State())
}

// Allows reports whether the named breaker would currently pass a call
// through. Half-open counts as allowing: its probe budget is enforced
// at Execute time.
func (m *Manager) Allows(name string) bool {
	return m.State(name) != StateOpen
}

// Get returns the snapshot for one dependency.
func (m *Manager) Get(name string) Snapshot {
	cb := m.breaker(name)

	m.mu.RLock()
	changed := m.changedAt[name]
	m.mu.RUnlock()

	return Snapshot{
		Dependency:          name,
		State:               fromGobreaker(cb.State()),
		ConsecutiveFailures: cb.Counts().ConsecutiveFailures,
		LastStateChange:     changed,
	}
}

// Snapshot returns the state of every breaker created so far.
func (m *Manager) Snapshot() []Snapshot {
	m.mu.RLock()
	names := make([]string, 0, len(m.breakers))
	for name := range m.breakers {
		names = append(names, name)
	}
	m.mu.RUnlock()

	snaps := make([]Snapshot, 0, len(names))
	for _, name := range names {
		snaps = append(snaps, m.Get(name))
	}
	return snaps
}
