// Package retrypolicy decides what happens after a failed delivery
// attempt: wait and try again, or give up. Backoff is exponential with
// jitter; a provider-supplied Retry-After wins over the computed wait.
package retrypolicy

import (
	"math/rand"
	"time"

	"github.com/venuetix/notification-service/internal/config"
	"github.com/venuetix/notification-service/internal/notification"
)

// Policy holds the backoff parameters and per-type attempt budgets.
type Policy struct {
	Base   time.Duration
	Cap    time.Duration
	Jitter float64

	// MaxAttempts keyed by notification type. Types absent from the map
	// use DefaultMaxAttempts.
	MaxAttempts map[notification.Type]int
}

// DefaultMaxAttempts applies when a type has no configured budget.
const DefaultMaxAttempts = 5

// Default returns the production policy: base 1s, cap 300s, jitter
// ±25%, budgets 5/3/3/8 for transactional/marketing/operational/critical.
func Default() Policy {
	return Policy{
		Base:   time.Second,
		Cap:    300 * time.Second,
		Jitter: 0.25,
		MaxAttempts: map[notification.Type]int{
			notification.TypeTransactional: 5,
			notification.TypeMarketing:     3,
			notification.TypeOperational:   3,
			notification.TypeCritical:      8,
		},
	}
}

// FromConfig builds a Policy from the loaded retry configuration.
func FromConfig(cfg config.RetryConfig) Policy {
	p := Policy{
		Base:        cfg.BaseDelay,
		Cap:         cfg.MaxDelay,
		Jitter:      cfg.JitterPct,
		MaxAttempts: make(map[notification.Type]int, len(cfg.MaxAttempts)),
	}
	for typ, n := range cfg.MaxAttempts {
		p.MaxAttempts[notification.Type(typ)] = n
	}
	return p
}

// Decision is the outcome of consulting the policy after a failure.
type Decision struct {
	// GiveUp means no further attempt is made. DeadLetter distinguishes
	// a retry budget exhausted on a transient cause (goes to the DLQ)
	// from a permanent error (terminates cleanly).
	GiveUp     bool
	DeadLetter bool

	// RetryAfter is the wait before the next attempt when not giving up.
	RetryAfter time.Duration

	// NextAttemptNo numbers the successor job.
	NextAttemptNo int
}

// Budget returns the attempt budget for a type.
func (p Policy) Budget(typ notification.Type) int {
	if n, ok := p.MaxAttempts[typ]; ok && n > 0 {
		return n
	}
	return DefaultMaxAttempts
}

// Decide evaluates a failed attempt. class is the failure class,
// attemptNo the attempt that just failed, and providerRetryAfter the
// Retry-After a rate-limiting provider supplied (zero when absent).
func (p Policy) Decide(class notification.ErrorClass, attemptNo int, typ notification.Type, providerRetryAfter time.Duration) Decision {
	if !class.ShouldRetry() {
		return Decision{GiveUp: true}
	}

	if attemptNo >= p.Budget(typ) {
		// Budget exhausted on a transient cause: the job is parked for
		// inspection rather than silently dropped.
		return Decision{GiveUp: true, DeadLetter: true}
	}

	wait := p.Backoff(attemptNo)
	if class == notification.ErrClassRateLimited && providerRetryAfter > 0 {
		wait = providerRetryAfter
		if wait > p.Cap {
			wait = p.Cap
		}
	}

	return Decision{
		RetryAfter:    wait,
		NextAttemptNo: attemptNo + 1,
	}
}

// Backoff computes the jittered exponential wait after the given attempt:
// min(base * 2^(attempt-1), cap) * (1 ± jitter).
func (p Policy) Backoff(attemptNo int) time.Duration {
	if attemptNo < 1 {
		attemptNo = 1
	}

	wait := p.Base
	for i := 1; i < attemptNo; i++ {
		wait *= 2
		if wait >= p.Cap {
			wait = p.Cap
			break
		}
	}

	if p.Jitter > 0 {
		delta := 1 + p.Jitter*(2*rand.Float64()-1)
		wait = time.Duration(float64(wait) * delta)
	}
	if wait > p.Cap {
		wait = p.Cap
	}
	return wait
}
