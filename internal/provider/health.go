package provider

import (
	"sync"
	"time"
)

// Health is the observed state of one provider.
type Health struct {
	Provider            string    `json:"provider"`
	Healthy             bool      `json:"healthy"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
	LastChangeAt        time.Time `json:"last_change_at"`
}

// Board tracks per-provider health from probe results and live send
// outcomes. Providers start healthy so a cold start does not refuse
// traffic before the first probe cycle.
type Board struct {
	mu      sync.RWMutex
	entries map[string]*Health
}

// NewBoard seeds one healthy entry per provider name.
func NewBoard(names []string) *Board {
	b := &Board{entries: make(map[string]*Health, len(names))}
	now := time.Now().UTC()
	for _, name := range names {
		b.entries[name] = &Health{Provider: name, Healthy: true, LastChangeAt: now}
	}
	return b
}

// RecordSuccess resets the failure streak and restores health.
func (b *Board) RecordSuccess(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	h := b.entry(name)
	if !h.Healthy || h.ConsecutiveFailures > 0 {
		h.LastChangeAt = time.Now().UTC()
	}
	h.Healthy = true
	h.ConsecutiveFailures = 0
	h.LastError = ""
}

// RecordFailure extends the failure streak. Health flips off once the
// streak reaches threshold; a threshold of zero flips immediately.
func (b *Board) RecordFailure(name string, threshold int, errText string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	h := b.entry(name)
	h.ConsecutiveFailures++
	h.LastError = errText
	if h.Healthy && h.ConsecutiveFailures >= threshold {
		h.Healthy = false
		h.LastChangeAt = time.Now().UTC()
	}
}

// Get returns a copy of one provider's health.
func (b *Board) Get(name string) Health {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if h, ok := b.entries[name]; ok {
		return *h
	}
	return Health{Provider: name, Healthy: true}
}

// Snapshot returns a copy of every entry, for the health endpoint.
func (b *Board) Snapshot() []Health {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Health, 0, len(b.entries))
	for _, h := range b.entries {
		out = append(out, *h)
	}
	return out
}

// entry must be called with the write lock held.
func (b *Board) entry(name string) *Health {
	h, ok := b.entries[name]
	if !ok {
		h = &Health{Provider: name, Healthy: true, LastChangeAt: time.Now().UTC()}
		b.entries[name] = h
	}
	return h
}
