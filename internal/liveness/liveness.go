// Package liveness is the Liveness Monitor: it never sends heartbeats
// itself, it only observes. A heartbeat-timeout pass flags chargers that
// have gone quiet; a dead-socket sweep reclaims sockets whose writes are
// already broken.
package liveness

import (
	"context"
	"time"

	"github.com/charging-platform/charge-point-gateway/internal/logger"
	"github.com/charging-platform/charge-point-gateway/internal/registry"
	"github.com/charging-platform/charge-point-gateway/internal/storage"
)

// HeartbeatTimeout is the staleness threshold before a connected charger is
// considered gone, independent of the heartbeat interval advertised to the
// charger in BootNotification's response.
const HeartbeatTimeout = 600 * time.Second

const (
	heartbeatPassPeriod = 60 * time.Second
	deadSocketPeriod    = 10 * time.Second
)

// Monitor is the Liveness Monitor.
type Monitor struct {
	store    *storage.Store
	registry *registry.Registry
	log      *logger.Logger
}

// New constructs a Monitor.
func New(store *storage.Store, reg *registry.Registry, log *logger.Logger) *Monitor {
	return &Monitor{store: store, registry: reg, log: log}
}

// Run drives both passes, each on its own ticker, until ctx is canceled.
func (m *Monitor) Run(ctx context.Context) {
	heartbeatTicker := time.NewTicker(heartbeatPassPeriod)
	defer heartbeatTicker.Stop()
	sweepTicker := time.NewTicker(deadSocketPeriod)
	defer sweepTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeatTicker.C:
			m.heartbeatPass(ctx)
		case <-sweepTicker.C:
			m.deadSocketSweep(ctx)
		}
	}
}

// heartbeatPass flags any charger recorded connected whose last_heartbeat is
// older than HeartbeatTimeout: marks it disconnected and appends a TIMEOUT
// connection event.
func (m *Monitor) heartbeatPass(ctx context.Context) {
	if m.store == nil {
		return
	}
	chargers, err := m.store.ListConnectedChargers(ctx)
	if err != nil {
		if m.log != nil {
			m.log.Warnf("liveness: list connected chargers failed: %v", err)
		}
		return
	}

	now := time.Now()
	for _, c := range chargers {
		if c.LastHeartbeat == nil || now.Sub(*c.LastHeartbeat) <= HeartbeatTimeout {
			continue
		}
		if err := m.store.SetChargerConnected(ctx, c.ChargerID, false, now); err != nil {
			continue
		}
		m.store.AppendConnectionEvent(ctx, &storage.ConnectionEvent{
			Timestamp: now.UTC(), ChargerID: c.ChargerID, EventType: storage.EventTimeout,
			Reason: "heartbeat timeout",
		})
	}
}

// deadSocketSweep asks the Registry to ping every CP socket and reclaim any
// whose write is already broken.
func (m *Monitor) deadSocketSweep(ctx context.Context) {
	if m.registry == nil {
		return
	}
	m.registry.SweepDeadCPs(ctx)
}
