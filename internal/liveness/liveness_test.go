package liveness

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charging-platform/charge-point-gateway/internal/storage"
)

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:", storage.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestHeartbeatPass_FlagsStaleCharger(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.UpsertCharger(ctx, &storage.Charger{ChargerID: "CP001"}))
	require.NoError(t, s.SetChargerConnected(ctx, "CP001", true, time.Now()))

	stale := time.Now().Add(-20 * time.Minute)
	require.NoError(t, s.UpdateHeartbeat(ctx, "CP001", stale))

	mon := New(s, nil, nil)
	mon.heartbeatPass(ctx)

	c, err := s.GetCharger(ctx, "CP001")
	require.NoError(t, err)
	assert.False(t, c.IsConnected)

	events, err := s.ListConnectionEvents(ctx, "CP001", 10)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, storage.EventTimeout, events[0].EventType)
}

func TestHeartbeatPass_LeavesFreshCharger(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.UpsertCharger(ctx, &storage.Charger{ChargerID: "CP002"}))
	require.NoError(t, s.SetChargerConnected(ctx, "CP002", true, time.Now()))
	require.NoError(t, s.UpdateHeartbeat(ctx, "CP002", time.Now()))

	mon := New(s, nil, nil)
	mon.heartbeatPass(ctx)

	c, err := s.GetCharger(ctx, "CP002")
	require.NoError(t, err)
	assert.True(t, c.IsConnected)
}
