package provider

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/venuetix/notification-service/internal/breaker"
	"github.com/venuetix/notification-service/internal/config"
	"github.com/venuetix/notification-service/internal/metrics"
	"github.com/venuetix/notification-service/internal/notification"
	"github.com/venuetix/notification-service/internal/telemetry"
)

// ErrNoProviderAvailable means every candidate for the channel is down,
// open-circuited, or not configured. The job stays retryable.
var ErrNoProviderAvailable = errors.New("no provider available for channel")

// hardFailLimit is the board failure streak past which even the last
// remaining candidate is refused. Below it, an unhealthy provider is
// still used when nothing healthier exists.
const hardFailLimit = 10

// Selector picks the provider for one send: tenant-ordered candidates,
// filtered by breaker state and board health, highest surviving
// preference wins.
type Selector struct {
	cfg      *config.Config
	registry *Registry
	board    *Board
	breakers *breaker.Manager
	logger   *telemetry.Logger
	metrics  *metrics.Metrics
}

// NewSelector wires the selection policy to its inputs.
func NewSelector(cfg *config.Config, registry *Registry, board *Board, breakers *breaker.Manager, logger *telemetry.Logger, m *metrics.Metrics) *Selector {
	return &Selector{cfg: cfg, registry: registry, board: board, breakers: breakers, logger: logger, metrics: m}
}

// Select returns the adapter to use for the tenant and channel. A
// selection past the first candidate counts as a failover.
func (s *Selector) Select(ctx context.Context, tenantID string, channel notification.Channel) (Adapter, error) {
	candidates := s.cfg.ProvidersFor(tenantID, string(channel))
	if len(candidates) == 0 {
		return nil, ErrNoProviderAvailable
	}

	var fallback Adapter
	var fallbackIdx int

	for i, name := range candidates {
		adapter, ok := s.registry.Get(name)
		if !ok {
			continue
		}
		if !s.breakers.Allows(name) {
			continue
		}

		h := s.board.Get(name)
		if h.Healthy {
			s.noteFailover(ctx, tenantID, channel, candidates[0], name, i)
			return adapter, nil
		}
		// Unhealthy but closed-circuit candidates are kept as a last
		// resort unless their streak crossed the hard limit.
		if fallback == nil && h.ConsecutiveFailures < hardFailLimit {
			fallback = adapter
			fallbackIdx = i
		}
	}

	if fallback != nil {
		s.noteFailover(ctx, tenantID, channel, candidates[0], fallback.Name(), fallbackIdx)
		return fallback, nil
	}
	return nil, ErrNoProviderAvailable
}

func (s *Selector) noteFailover(ctx context.Context, tenantID string, channel notification.Channel, primary, chosen string, idx int) {
	if idx == 0 {
		return
	}
	s.metrics.ProviderFailover.Inc()
	s.logger.WithContext(ctx).WithFields(logrus.Fields{
		"tenant_id": tenantID,
		"channel":   string(channel),
		"primary":   primary,
		"selected":  chosen,
	}).Warn("Provider failover")
}
