package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/venuetix/notification-service/internal/apperr"
	"github.com/venuetix/notification-service/internal/metrics"
)

func testManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	return NewManager(cfg, metrics.NewForTesting())
}

func TestExecute_PassesThroughWhenClosed(t *testing.T) {
	m := testManager(t, DefaultConfig())

	called := false
	err := m.Execute(context.Background(), "sendgrid", func() error {
		called = true
		return nil
	})

	require.NoError(t, err)
	assert.True(t, called)
	assert.Equal(t, StateClosed, m.State("sendgrid"))
}

func TestExecute_OpensAfterConsecutiveFailures(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 3
	m := testManager(t, cfg)

	boom := errors.New("provider down")
	for i := 0; i < 3; i++ {
		err := m.Execute(context.Background(), "twilio", func() error { return boom })
		require.ErrorIs(t, err, boom)
	}

	assert.Equal(t, StateOpen, m.State("twilio"))
	assert.False(t, m.Allows("twilio"))

	// Open circuit rejects without calling the function.
	called := false
	err := m.Execute(context.Background(), "twilio", func() error {
		called = true
		return nil
	})
	assert.True(t, apperr.Is(err, apperr.KindCircuitOpen))
	assert.False(t, called)
}

func TestExecute_HalfOpenClosesAfterProbeSuccesses(t *testing.T) {
	cfg := Config{
		FailureThreshold: 2,
		MonitoringWindow: time.Minute,
		Cooldown:         30 * time.Millisecond,
		HalfOpenProbes:   2,
	}
	m := testManager(t, cfg)

	boom := errors.New("down")
	for i := 0; i < 2; i++ {
		_ = m.Execute(context.Background(), "mailgun", func() error { return boom })
	}
	require.Equal(t, StateOpen, m.State("mailgun"))

	time.Sleep(cfg.Cooldown + 10*time.Millisecond)
	assert.Equal(t, StateHalfOpen, m.State("mailgun"))
	assert.True(t, m.Allows("mailgun"))

	for i := 0; i < int(cfg.HalfOpenProbes); i++ {
		require.NoError(t, m.Execute(context.Background(), "mailgun", func() error { return nil }))
	}
	assert.Equal(t, StateClosed, m.State("mailgun"))
}

func TestExecute_HalfOpenReopensOnFailure(t *testing.T) {
	cfg := Config{
		FailureThreshold: 1,
		MonitoringWindow: time.Minute,
		Cooldown:         20 * time.Millisecond,
		HalfOpenProbes:   2,
	}
	m := testManager(t, cfg)

	_ = m.Execute(context.Background(), "vonage", func() error { return errors.New("down") })
	require.Equal(t, StateOpen, m.State("vonage"))

	time.Sleep(cfg.Cooldown + 10*time.Millisecond)
	_ = m.Execute(context.Background(), "vonage", func() error { return errors.New("still down") })

	assert.Equal(t, StateOpen, m.State("vonage"))
}

func TestExecute_CancelledContext(t *testing.T) {
	m := testManager(t, DefaultConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := m.Execute(ctx, "fcm", func() error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
	// Cancellation before the call never counts as a dependency failure.
	assert.Equal(t, StateClosed, m.State("fcm"))
}

func TestSnapshot_CoversAllBreakers(t *testing.T) {
	m := testManager(t, DefaultConfig())

	_ = m.Execute(context.Background(), "sendgrid", func() error { return nil })
	_ = m.Execute(context.Background(), "twilio", func() error { return errors.New("x") })

	snaps := m.Snapshot()
	require.Len(t, snaps, 2)

	byName := map[string]Snapshot{}
	for _, s := range snaps {
		byName[s.Dependency] = s
	}
	assert.Equal(t, StateClosed, byName["sendgrid"].State)
	assert.Equal(t, uint32(0), byName["sendgrid"].ConsecutiveFailures)
	assert.Equal(t, uint32(1), byName["twilio"].ConsecutiveFailures)
	assert.False(t, byName["twilio"].LastStateChange.IsZero())
}
