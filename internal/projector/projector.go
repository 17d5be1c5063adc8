// Package projector is the Session Projector: the in-memory read model
// backing the dashboard socket. Its two maps are owned exclusively by one
// goroutine and mutated only in response to events delivered on a channel —
// no other package ever locks them directly.
package projector

import (
	"context"
	"time"

	"github.com/charging-platform/charge-point-gateway/internal/logger"
	"github.com/charging-platform/charge-point-gateway/internal/registry"
	"github.com/charging-platform/charge-point-gateway/internal/storage"
)

const (
	statusRefreshPeriod = 30 * time.Second
	cleanupPeriod       = time.Hour
	sessionStaleAfter   = 24 * time.Hour
	eventChanSize       = 256
)

// LiveSession is the projector's view of an active transaction.
type LiveSession struct {
	SessionID          string    `json:"session_id"`
	TransactionID      int       `json:"transaction_id"`
	ChargerID          string    `json:"charger_id"`
	ConnectorID        int       `json:"connector_id"`
	IDTag              string    `json:"id_tag"`
	StartTime          time.Time `json:"start_time"`
	MeterStart         int       `json:"meter_start"`
	EnergyDeliveredKWh float64   `json:"energy_delivered_kwh"`
	PowerDeliveredKW   float64   `json:"power_delivered_kw"`
	Voltage            float64   `json:"voltage"`
	Current            float64   `json:"current"`
	Status             string    `json:"status"`
	lastTouched        time.Time
}

// LiveCharger is the projector's view of a charger's current state.
type LiveCharger struct {
	ChargerID          string     `json:"charger_id"`
	Status             string     `json:"status"`
	IsConnected        bool       `json:"is_connected"`
	LastHeartbeat      *time.Time `json:"last_heartbeat,omitempty"`
	Connectors         []string   `json:"connectors"`
	ActiveSessions     int        `json:"active_sessions"`
	TotalEnergyToday   float64    `json:"total_energy_today"`
	TotalSessionsToday int        `json:"total_sessions_today"`
}

// Event types fed into the projector's channel.
type eventKind int

const (
	evSessionStarted eventKind = iota
	evSessionStopped
	evMeterUpdate
	evStatusUpdate
	evSnapshotRequest
)

type event struct {
	kind     eventKind
	session  *LiveSession
	charger  *LiveCharger
	response chan InitialData
}

// Statistics summarizes the projector's current view for the dashboard's
// initial_data payload.
type Statistics struct {
	ConnectedChargers int `json:"connected_chargers"`
	ActiveSessions    int `json:"active_sessions"`
}

// Projector is the Session Projector.
type Projector struct {
	store    *storage.Store
	registry *registry.Registry
	log      *logger.Logger

	events chan event

	activeSessions map[string]*LiveSession // session_id -> session
	chargerStatus  map[string]*LiveCharger // charger_id -> charger
}

// New constructs a Projector. Call Run in its own goroutine to start
// consuming events and driving the periodic passes.
func New(store *storage.Store, reg *registry.Registry, log *logger.Logger) *Projector {
	return &Projector{
		store:          store,
		registry:       reg,
		log:            log,
		events:         make(chan event, eventChanSize),
		activeSessions: make(map[string]*LiveSession),
		chargerStatus:  make(map[string]*LiveCharger),
	}
}

// SessionStarted publishes a new active session.
func (p *Projector) SessionStarted(s LiveSession) {
	s.lastTouched = time.Now()
	select {
	case p.events <- event{kind: evSessionStarted, session: &s}:
	default:
	}
}

// SessionStopped removes a session from the active view.
func (p *Projector) SessionStopped(sessionID string) {
	select {
	case p.events <- event{kind: evSessionStopped, session: &LiveSession{SessionID: sessionID}}:
	default:
	}
}

// MeterUpdate updates a session's live meter readings.
func (p *Projector) MeterUpdate(sessionID string, energyKWh, powerKW, voltage, current float64) {
	select {
	case p.events <- event{kind: evMeterUpdate, session: &LiveSession{
		SessionID: sessionID, EnergyDeliveredKWh: energyKWh, PowerDeliveredKW: powerKW,
		Voltage: voltage, Current: current,
	}}:
	default:
	}
}

// StatusUpdate publishes a charger's current status snapshot.
func (p *Projector) StatusUpdate(c LiveCharger) {
	select {
	case p.events <- event{kind: evStatusUpdate, charger: &c}:
	default:
	}
}

// Run is the projector's single owning goroutine: it drains the event
// channel and drives the status refresher and hourly cleanup, until ctx is
// canceled.
func (p *Projector) Run(ctx context.Context) {
	refreshTicker := time.NewTicker(statusRefreshPeriod)
	defer refreshTicker.Stop()
	cleanupTicker := time.NewTicker(cleanupPeriod)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-p.events:
			p.apply(ev)
		case <-refreshTicker.C:
			p.refreshFromStorage(ctx)
		case <-cleanupTicker.C:
			p.cleanup()
		}
	}
}

func (p *Projector) apply(ev event) {
	switch ev.kind {
	case evSessionStarted:
		p.activeSessions[ev.session.SessionID] = ev.session
		p.pushDashboards("session_started", ev.session)
	case evSessionStopped:
		if _, ok := p.activeSessions[ev.session.SessionID]; ok {
			delete(p.activeSessions, ev.session.SessionID)
			p.pushDashboards("session_stopped", ev.session)
		}
	case evMeterUpdate:
		if s, ok := p.activeSessions[ev.session.SessionID]; ok {
			s.EnergyDeliveredKWh = ev.session.EnergyDeliveredKWh
			s.PowerDeliveredKW = ev.session.PowerDeliveredKW
			s.Voltage = ev.session.Voltage
			s.Current = ev.session.Current
			s.lastTouched = time.Now()
			p.pushDashboards("meter_update", s)
		}
	case evStatusUpdate:
		p.chargerStatus[ev.charger.ChargerID] = ev.charger
		p.pushDashboards("status_update", ev.charger)
	case evSnapshotRequest:
		ev.response <- p.snapshotLocked()
	}
}

func (p *Projector) pushDashboards(changeType string, data interface{}) {
	if p.registry == nil {
		return
	}
	p.registry.BroadcastToDashboards(map[string]interface{}{
		"type":      changeType,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"data":      data,
	})
}

// refreshFromStorage re-reads charger/connector state from the Persistence
// Gateway every 30s and republishes status_update for each charger, keeping
// the dashboard view correct even for chargers whose status changed via a
// path that didn't publish an event (e.g. a liveness timeout).
func (p *Projector) refreshFromStorage(ctx context.Context) {
	if p.store == nil {
		return
	}
	connected, err := p.store.ListConnectedChargers(ctx)
	if err != nil {
		return
	}
	seen := make(map[string]bool, len(connected))
	for _, c := range connected {
		seen[c.ChargerID] = true
		connectors, _ := p.store.ListConnectors(ctx, c.ChargerID)
		names := make([]string, 0, len(connectors))
		var totalEnergy float64
		for _, conn := range connectors {
			names = append(names, conn.Status)
			totalEnergy += conn.EnergyDeliveredKWh
		}
		live := LiveCharger{
			ChargerID: c.ChargerID, Status: c.Status, IsConnected: c.IsConnected,
			LastHeartbeat: c.LastHeartbeat, Connectors: names,
			TotalEnergyToday: totalEnergy,
		}
		p.chargerStatus[c.ChargerID] = &live
		p.pushDashboards("status_update", &live)
	}
	for id := range p.chargerStatus {
		if !seen[id] {
			p.chargerStatus[id].IsConnected = false
		}
	}
}

// cleanup evicts active_sessions entries that have not been touched in over
// 24h; a session this stale indicates a StopTransaction was lost and the
// projector must not hold it forever.
func (p *Projector) cleanup() {
	cutoff := time.Now().Add(-sessionStaleAfter)
	for id, s := range p.activeSessions {
		if s.lastTouched.Before(cutoff) {
			delete(p.activeSessions, id)
		}
	}
}

// InitialData is the snapshot sent to a dashboard socket immediately after
// it connects.
type InitialData struct {
	Type           string                  `json:"type"`
	Timestamp      string                  `json:"timestamp"`
	ActiveSessions map[string]*LiveSession `json:"active_sessions"`
	ChargerStatus  map[string]*LiveCharger `json:"charger_status"`
	Statistics     Statistics              `json:"statistics"`
}

// Snapshot asks the owning goroutine for the current view and blocks until
// it responds, so the dashboard socket never reads activeSessions or
// chargerStatus directly. Run must already be consuming events.
func (p *Projector) Snapshot(ctx context.Context) (InitialData, bool) {
	resp := make(chan InitialData, 1)
	select {
	case p.events <- event{kind: evSnapshotRequest, response: resp}:
	case <-ctx.Done():
		return InitialData{}, false
	}
	select {
	case data := <-resp:
		return data, true
	case <-ctx.Done():
		return InitialData{}, false
	}
}

func (p *Projector) snapshotLocked() InitialData {
	sessions := make(map[string]*LiveSession, len(p.activeSessions))
	for k, v := range p.activeSessions {
		cp := *v
		sessions[k] = &cp
	}
	chargers := make(map[string]*LiveCharger, len(p.chargerStatus))
	connected := 0
	for k, v := range p.chargerStatus {
		cp := *v
		chargers[k] = &cp
		if v.IsConnected {
			connected++
		}
	}
	return InitialData{
		Type:           "initial_data",
		Timestamp:      time.Now().UTC().Format(time.RFC3339),
		ActiveSessions: sessions,
		ChargerStatus:  chargers,
		Statistics: Statistics{
			ConnectedChargers: connected,
			ActiveSessions:    len(sessions),
		},
	}
}
