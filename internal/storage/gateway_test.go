package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:", Options{})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUpsertAndGetCharger(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.UpsertCharger(ctx, &Charger{
		ChargerID: "CP001", Vendor: "Acme", Model: "X1", Status: "Available",
		MaxRetries: 3, RetryIntervalS: 5, RetryEnabled: true,
	})
	require.NoError(t, err)

	c, err := s.GetCharger(ctx, "CP001")
	require.NoError(t, err)
	assert.Equal(t, "Acme", c.Vendor)
	assert.Equal(t, "X1", c.Model)

	// Re-applying BootNotification with the same payload must be idempotent.
	err = s.UpsertCharger(ctx, &Charger{ChargerID: "CP001", Vendor: "Acme", Model: "X1"})
	require.NoError(t, err)
	c2, err := s.GetCharger(ctx, "CP001")
	require.NoError(t, err)
	assert.Equal(t, c.ChargerID, c2.ChargerID)
	assert.Equal(t, c.Vendor, c2.Vendor)
}

func TestGetCharger_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetCharger(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSessionLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	start := time.Now().UTC()
	require.NoError(t, s.CreateSession(ctx, &Session{
		SessionID: "sess-1", ChargerID: "CP001", ConnectorID: 1, TransactionID: 1,
		IDTag: "TAG1", StartTime: start, MeterStart: 1000,
	}))

	active, err := s.GetActiveSession(ctx, "CP001")
	require.NoError(t, err)
	assert.Equal(t, "sess-1", active.SessionID)
	assert.Equal(t, SessionStatusActive, active.Status)

	meterStop := 2500
	energy := float64(meterStop-1000) / 1000.0
	cost := energy * 0.15
	require.NoError(t, s.CloseSession(ctx, "sess-1", start.Add(time.Hour), meterStop, energy, cost, SessionStatusCompleted, "Local"))

	done, err := s.GetSessionByTransaction(ctx, "CP001", 1)
	require.NoError(t, err)
	assert.Equal(t, SessionStatusCompleted, done.Status)
	assert.InDelta(t, 1.5, done.EnergyDeliveredKWh, 0.0001)
	assert.InDelta(t, 0.225, done.Cost, 0.0001)

	_, err = s.GetActiveSession(ctx, "CP001")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFaultDanglingActiveSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateSession(ctx, &Session{
		SessionID: "sess-a", ChargerID: "CP002", ConnectorID: 1, TransactionID: 1,
		IDTag: "TAG1", StartTime: time.Now(), MeterStart: 0,
	}))

	require.NoError(t, s.FaultDanglingActiveSessions(ctx, "CP002", time.Now()))

	sess, err := s.GetSessionByTransaction(ctx, "CP002", 1)
	require.NoError(t, err)
	assert.Equal(t, SessionStatusFaulted, sess.Status)
}

func TestAppendMessageLog_NeverErrors(t *testing.T) {
	s := newTestStore(t)
	s.AppendMessageLog(context.Background(), &MessageLog{
		Timestamp: time.Now(), ChargerID: "CP001", Direction: DirectionIn,
		Action: "Heartbeat", MessageID: "m1", Status: LogStatusSuccess,
	})
	assert.Equal(t, int64(0), s.DroppedLogWrites())
}

func TestSystemConfigSeeded(t *testing.T) {
	s := newTestStore(t)
	rate := s.GetSystemConfigFloat(context.Background(), ConfigEnergyRatePerKWh, -1)
	assert.Equal(t, 0.15, rate)
}

func TestRFIDCardRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.UpsertRFIDCard(ctx, &RFIDCard{IDTag: "TAG1", Status: CardStatusActive}))

	card, err := s.GetRFIDCard(ctx, "TAG1")
	require.NoError(t, err)
	assert.Equal(t, CardStatusActive, card.Status)
}
