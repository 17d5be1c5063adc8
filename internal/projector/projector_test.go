package projector

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionLifecycle_ViaEvents(t *testing.T) {
	p := New(nil, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	p.SessionStarted(LiveSession{SessionID: "s1", ChargerID: "CP001", TransactionID: 1, Status: "Active"})
	time.Sleep(20 * time.Millisecond)

	data, ok := p.Snapshot(ctx)
	require.True(t, ok)
	assert.Len(t, data.ActiveSessions, 1)
	assert.Equal(t, 1, data.Statistics.ActiveSessions)

	p.MeterUpdate("s1", 2.5, 7.2, 230, 16)
	time.Sleep(20 * time.Millisecond)
	data, ok = p.Snapshot(ctx)
	require.True(t, ok)
	assert.InDelta(t, 2.5, data.ActiveSessions["s1"].EnergyDeliveredKWh, 0.001)

	p.SessionStopped("s1")
	time.Sleep(20 * time.Millisecond)
	data, ok = p.Snapshot(ctx)
	require.True(t, ok)
	assert.Len(t, data.ActiveSessions, 0)
}

func TestStatusUpdate_ViaEvents(t *testing.T) {
	p := New(nil, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	p.StatusUpdate(LiveCharger{ChargerID: "CP001", Status: "Available", IsConnected: true})
	time.Sleep(20 * time.Millisecond)

	data, ok := p.Snapshot(ctx)
	require.True(t, ok)
	require.Contains(t, data.ChargerStatus, "CP001")
	assert.Equal(t, "Available", data.ChargerStatus["CP001"].Status)
}

func TestCleanup_EvictsStaleSessions(t *testing.T) {
	p := New(nil, nil, nil)
	p.activeSessions["old"] = &LiveSession{SessionID: "old", lastTouched: time.Now().Add(-25 * time.Hour)}
	p.activeSessions["fresh"] = &LiveSession{SessionID: "fresh", lastTouched: time.Now()}

	p.cleanup()

	assert.NotContains(t, p.activeSessions, "old")
	assert.Contains(t, p.activeSessions, "fresh")
}
