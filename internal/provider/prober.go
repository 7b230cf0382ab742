package provider

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/venuetix/notification-service/internal/breaker"
	"github.com/venuetix/notification-service/internal/telemetry"
)

const (
	defaultProbeInterval = 30 * time.Second
	probeTimeout         = 5 * time.Second

	// probeFailThreshold is how many consecutive probe failures mark a
	// provider unhealthy on the board.
	probeFailThreshold = 3
)

// Prober runs periodic health probes against every registered adapter.
// Probes run under the provider's circuit breaker so a flood of probe
// failures opens the breaker just like live sends would.
type Prober struct {
	registry *Registry
	board    *Board
	breakers *breaker.Manager
	logger   *telemetry.Logger

	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	running  bool
}

// NewProber wires the probe loop to the board and breaker manager.
func NewProber(registry *Registry, board *Board, breakers *breaker.Manager, logger *telemetry.Logger) *Prober {
	return &Prober{
		registry: registry,
		board:    board,
		breakers: breakers,
		logger:   logger,
		interval: defaultProbeInterval,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the probe loop. Safe to call once.
func (p *Prober) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.mu.Unlock()

	p.wg.Add(1)
	go p.loop(ctx)
}

// Stop halts the loop and waits for in-flight probes.
func (p *Prober) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	p.mu.Unlock()

	p.wg.Wait()
}

func (p *Prober) loop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.probeAll(ctx)
	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.probeAll(ctx)
		}
	}
}

func (p *Prober) probeAll(ctx context.Context) {
	for _, name := range p.registry.Names() {
		adapter, ok := p.registry.Get(name)
		if !ok {
			continue
		}
		p.probeOne(ctx, adapter)
	}
}

func (p *Prober) probeOne(ctx context.Context, adapter Adapter) {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	name := adapter.Name()
	err := p.breakers.Execute(probeCtx, name, func() error {
		return adapter.HealthProbe(probeCtx)
	})
	if err != nil {
		p.board.RecordFailure(name, probeFailThreshold, err.Error())
		p.logger.WithContext(ctx).WithFields(logrus.Fields{
			"provider": name,
			"error":    err.Error(),
		}).Warn("Provider health probe failed")
		return
	}

	p.board.RecordSuccess(name)
}
