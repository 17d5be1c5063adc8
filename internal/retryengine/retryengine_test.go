package retryengine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charging-platform/charge-point-gateway/internal/registry"
	"github.com/charging-platform/charge-point-gateway/internal/storage"
)

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:", storage.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRegisterPending_SourcesPolicyFromCharger(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.UpsertCharger(ctx, &storage.Charger{
		ChargerID: "CP001", MaxRetries: 7, RetryIntervalS: 2, RetryEnabled: true,
	}))

	reg := registry.New(s, nil)
	e := New(s, reg, nil)
	e.RegisterPending("m1", "CP001", "Reset", map[string]string{"type": "Hard"})

	e.mu.Lock()
	p := e.pending["m1"]
	e.mu.Unlock()
	require.NotNil(t, p)
	assert.Equal(t, 7, p.MaxRetries)
	assert.Equal(t, 2, p.RetryIntervalS)
}

func TestCorrelate_RemovesPendingOnce(t *testing.T) {
	e := New(nil, nil, nil)
	e.RegisterPending("m1", "CP001", "Reset", nil)
	assert.Equal(t, 1, e.PendingCount())

	e.Correlate("m1", true)
	assert.Equal(t, 0, e.PendingCount())

	// A late, duplicate response must not be counted again.
	e.Correlate("m1", false)
	assert.Equal(t, int64(0), e.GetStats().MessagesFailed)
}

func TestTick_TerminatesOnDisconnectedWhenNotQueueable(t *testing.T) {
	reg := registry.New(nil, nil)
	e := New(nil, reg, nil)
	e.RegisterPending("m1", "CP001", "Reset", nil)

	e.tick(context.Background())

	assert.Equal(t, 0, e.PendingCount())
	assert.Equal(t, int64(1), e.GetStats().MessagesFailed)
}

func TestTick_KeepsQueueWhileDisconnectedAction(t *testing.T) {
	reg := registry.New(nil, nil)
	e := New(nil, reg, nil)
	e.RegisterPending("m1", "CP001", "ChangeConfiguration", nil)

	e.tick(context.Background())

	assert.Equal(t, 1, e.PendingCount())
}

func TestTick_TerminatesOnResponseTimeout(t *testing.T) {
	reg := registry.New(nil, nil)
	e := New(nil, reg, nil)
	e.RegisterPending("m1", "CP001", "ChangeConfiguration", nil)

	e.mu.Lock()
	e.pending["m1"].ResponseTimeoutS = 1
	e.pending["m1"].FirstSentAt = time.Now().Add(-2 * time.Second)
	e.mu.Unlock()

	e.tick(context.Background())
	assert.Equal(t, 0, e.PendingCount())
}

func TestQueueWhileDisconnected(t *testing.T) {
	assert.True(t, QueueWhileDisconnected("ChangeConfiguration"))
	assert.False(t, QueueWhileDisconnected("Reset"))
}
