// Package registry is the Connection Registry: the single owner of every
// live WebSocket handle for charge points, master (observer) sockets and
// dashboard sockets. Every other component only knows a charger_id and asks
// the Registry to act on its behalf — no other package holds a socket.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/charging-platform/charge-point-gateway/internal/logger"
	"github.com/charging-platform/charge-point-gateway/internal/metrics"
	"github.com/charging-platform/charge-point-gateway/internal/storage"
)

// Direction values for the observer envelope.
const (
	DirectionIncoming = "incoming"
	DirectionOutgoing = "outgoing"
)

// PendingRegistrar lets the Registry hand a freshly-sent CALL to the Retry
// Engine without importing it directly (avoids an import cycle: the Retry
// Engine resends through the Registry).
type PendingRegistrar interface {
	RegisterPending(messageID, chargerID, action string, payload interface{})
}

type cpConn struct {
	conn         *websocket.Conn
	connectionID string
	connectedAt  time.Time
	writeMu      sync.Mutex
}

type masterConn struct {
	conn    *websocket.Conn
	id      string
	writeMu sync.Mutex
}

type dashboardConn struct {
	conn      *websocket.Conn
	id        string
	principal string
	writeMu   sync.Mutex
}

// Registry holds every live socket.
type Registry struct {
	mu         sync.RWMutex
	cps        map[string]*cpConn // charger_id -> connection
	masters    map[string]*masterConn
	dashboards map[string]*dashboardConn

	store    *storage.Store
	log      *logger.Logger
	pendings PendingRegistrar
}

// New constructs an empty Registry.
func New(store *storage.Store, log *logger.Logger) *Registry {
	return &Registry{
		cps:        make(map[string]*cpConn),
		masters:    make(map[string]*masterConn),
		dashboards: make(map[string]*dashboardConn),
		store:      store,
		log:        log,
	}
}

// SetPendingRegistrar wires the Retry Engine in after construction, since the
// engine itself is constructed with a reference back to the Registry.
func (r *Registry) SetPendingRegistrar(p PendingRegistrar) {
	r.pendings = p
}

// ForwardEnvelope is the observer fan-out shape written to every master
// socket.
type ForwardEnvelope struct {
	MessageType      string      `json:"message_type"`
	Timestamp        string      `json:"timestamp"`
	ChargerID        string      `json:"charger_id"`
	ConnectionID     string      `json:"connection_id"`
	Direction        string      `json:"direction"`
	OCPPMessage      interface{} `json:"ocpp_message"`
	ProcessingTimeMs int64       `json:"processing_time_ms"`
	Source           string      `json:"source"`
}

// AcceptCP registers a new CP socket. If charger_id is already registered,
// the existing socket invariant (at most one live CP socket per charger_id)
// is enforced by closing the new connection with 1003 and returning ok=false;
// the caller must not proceed to read/write on conn in that case.
func (r *Registry) AcceptCP(ctx context.Context, chargerID string, conn *websocket.Conn) (connectionID string, ok bool) {
	r.mu.Lock()
	if _, exists := r.cps[chargerID]; exists {
		r.mu.Unlock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseUnsupportedData, "already connected"),
			time.Now().Add(time.Second))
		conn.Close()
		return "", false
	}
	connectionID = uuid.NewString()
	r.cps[chargerID] = &cpConn{conn: conn, connectionID: connectionID, connectedAt: time.Now()}
	r.mu.Unlock()

	if r.store != nil {
		r.store.AppendConnectionEvent(ctx, &storage.ConnectionEvent{
			Timestamp: time.Now().UTC(), ChargerID: chargerID, EventType: storage.EventConnect,
			ConnectionID: connectionID, RemoteAddress: conn.RemoteAddr().String(),
		})
		_ = r.store.SetChargerConnected(ctx, chargerID, true, time.Now())
	}
	metrics.ActiveConnections.Inc()
	return connectionID, true
}

// DeregisterCP removes the charger's socket mapping and logs a disconnect.
func (r *Registry) DeregisterCP(ctx context.Context, chargerID, reason string) {
	r.mu.Lock()
	cp, exists := r.cps[chargerID]
	if exists {
		delete(r.cps, chargerID)
	}
	r.mu.Unlock()
	if !exists {
		return
	}
	cp.conn.Close()

	duration := time.Since(cp.connectedAt).Seconds()
	if r.store != nil {
		r.store.AppendConnectionEvent(ctx, &storage.ConnectionEvent{
			Timestamp: time.Now().UTC(), ChargerID: chargerID, EventType: storage.EventDisconnect,
			ConnectionID: cp.connectionID, Reason: reason, SessionDurationS: &duration,
		})
		_ = r.store.SetChargerConnected(ctx, chargerID, false, time.Now())
	}
	metrics.ActiveConnections.Dec()
}

// IsConnected reports whether a charger currently has a live CP socket.
func (r *Registry) IsConnected(chargerID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.cps[chargerID]
	return ok
}

// ConnectionID returns the connection_id for a charger's live socket, if any.
func (r *Registry) ConnectionID(chargerID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cp, ok := r.cps[chargerID]
	if !ok {
		return "", false
	}
	return cp.connectionID, true
}

// SendToCP serializes and writes frame to the charger's socket. If the
// message is an outbound CALL, it is handed to the Retry Engine for tracking
// on success. Returns false if the charger has no live socket or the write
// failed (the caller should not retry the write itself; the Registry already
// owns that socket's lifecycle).
func (r *Registry) SendToCP(ctx context.Context, chargerID string, frame []byte, isCall bool, messageID, action string, payload interface{}) bool {
	r.mu.RLock()
	cp, ok := r.cps[chargerID]
	r.mu.RUnlock()
	if !ok {
		return false
	}

	cp.writeMu.Lock()
	err := cp.conn.WriteMessage(websocket.TextMessage, frame)
	cp.writeMu.Unlock()
	if err != nil {
		if r.log != nil {
			r.log.Warnf("registry: write to %s failed: %v", chargerID, err)
		}
		return false
	}

	if isCall && r.pendings != nil {
		r.pendings.RegisterPending(messageID, chargerID, action, payload)
	}
	return true
}

// BroadcastToCPs writes frame to every connected CP, best-effort.
func (r *Registry) BroadcastToCPs(frame []byte) {
	r.mu.RLock()
	targets := make([]*cpConn, 0, len(r.cps))
	for _, cp := range r.cps {
		targets = append(targets, cp)
	}
	r.mu.RUnlock()

	var wg sync.WaitGroup
	for _, cp := range targets {
		wg.Add(1)
		go func(c *cpConn) {
			defer wg.Done()
			c.writeMu.Lock()
			_ = c.conn.WriteMessage(websocket.TextMessage, frame)
			c.writeMu.Unlock()
		}(cp)
	}
	wg.Wait()
}

// ForwardToMasters wraps an OCPP frame in the observer envelope and writes it
// to every currently attached master socket. Sockets whose write fails are
// dropped and deregistered.
func (r *Registry) ForwardToMasters(ctx context.Context, chargerID, connectionID string, ocppMessage interface{}, direction string, processingTimeMs int64) {
	env := ForwardEnvelope{
		MessageType:      "ocpp_forward",
		Timestamp:        time.Now().UTC().Format(time.RFC3339),
		ChargerID:        chargerID,
		ConnectionID:     connectionID,
		Direction:        direction,
		OCPPMessage:      ocppMessage,
		ProcessingTimeMs: processingTimeMs,
		Source:           "ocpp_handler",
	}
	body, err := json.Marshal(env)
	if err != nil {
		return
	}

	r.mu.RLock()
	targets := make([]*masterConn, 0, len(r.masters))
	for _, m := range r.masters {
		targets = append(targets, m)
	}
	r.mu.RUnlock()

	for _, m := range targets {
		m.writeMu.Lock()
		err := m.conn.WriteMessage(websocket.TextMessage, body)
		m.writeMu.Unlock()
		if err != nil {
			r.DeregisterMaster(m.id)
		}
	}
}

// RegisterMaster adds an observer ("master") socket and returns its id.
func (r *Registry) RegisterMaster(conn *websocket.Conn) string {
	id := uuid.NewString()
	r.mu.Lock()
	r.masters[id] = &masterConn{conn: conn, id: id}
	r.mu.Unlock()
	return id
}

// DeregisterMaster removes and closes a master socket.
func (r *Registry) DeregisterMaster(id string) {
	r.mu.Lock()
	m, ok := r.masters[id]
	if ok {
		delete(r.masters, id)
	}
	r.mu.Unlock()
	if ok {
		m.conn.Close()
	}
}

// WriteToMaster sends a direct reply on a master socket (e.g. the
// success/warning acknowledgement of a broadcast command).
func (r *Registry) WriteToMaster(id string, v interface{}) error {
	r.mu.RLock()
	m, ok := r.masters[id]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("registry: master %s not connected", id)
	}
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return m.conn.WriteMessage(websocket.TextMessage, body)
}

// RegisterDashboard adds an authenticated dashboard socket.
func (r *Registry) RegisterDashboard(conn *websocket.Conn, principal string) string {
	id := uuid.NewString()
	r.mu.Lock()
	r.dashboards[id] = &dashboardConn{conn: conn, id: id, principal: principal}
	r.mu.Unlock()
	return id
}

// DeregisterDashboard removes and closes a dashboard socket.
func (r *Registry) DeregisterDashboard(id string) {
	r.mu.Lock()
	d, ok := r.dashboards[id]
	if ok {
		delete(r.dashboards, id)
	}
	r.mu.Unlock()
	if ok {
		d.conn.Close()
	}
}

// BroadcastToDashboards pushes the Session Projector feed to every attached
// dashboard socket, dropping any whose write fails.
func (r *Registry) BroadcastToDashboards(v interface{}) {
	body, err := json.Marshal(v)
	if err != nil {
		return
	}
	r.mu.RLock()
	targets := make([]*dashboardConn, 0, len(r.dashboards))
	for _, d := range r.dashboards {
		targets = append(targets, d)
	}
	r.mu.RUnlock()

	for _, d := range targets {
		d.writeMu.Lock()
		err := d.conn.WriteMessage(websocket.TextMessage, body)
		d.writeMu.Unlock()
		if err != nil {
			r.DeregisterDashboard(d.id)
		}
	}
}

// WriteToDashboard sends the initial_data snapshot to a single, just-
// connected dashboard socket.
func (r *Registry) WriteToDashboard(id string, v interface{}) error {
	r.mu.RLock()
	d, ok := r.dashboards[id]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("registry: dashboard %s not connected", id)
	}
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	return d.conn.WriteMessage(websocket.TextMessage, body)
}

// SweepDeadCPs is the Liveness Monitor's dead-socket pass: it pings every CP
// socket and deregisters any whose write is broken.
func (r *Registry) SweepDeadCPs(ctx context.Context) {
	r.mu.RLock()
	targets := make(map[string]*cpConn, len(r.cps))
	for id, cp := range r.cps {
		targets[id] = cp
	}
	r.mu.RUnlock()

	for chargerID, cp := range targets {
		cp.writeMu.Lock()
		err := cp.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
		cp.writeMu.Unlock()
		if err != nil {
			r.DeregisterCP(ctx, chargerID, "dead socket")
		}
	}
}

// CloseAllCPs sends a close control frame with the given code/reason to
// every connected charge point and deregisters it. Used by the process
// shutdown sequence (§5: "each CP socket is closed with code 1001").
func (r *Registry) CloseAllCPs(ctx context.Context, code int, reason string) {
	for _, chargerID := range r.ConnectedChargerIDs() {
		r.mu.RLock()
		cp, ok := r.cps[chargerID]
		r.mu.RUnlock()
		if ok {
			cp.writeMu.Lock()
			_ = cp.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
			cp.writeMu.Unlock()
		}
		r.DeregisterCP(ctx, chargerID, reason)
	}
}

// Stats reports connection counts for the Admin Facade's /stats endpoint.
type Stats struct {
	ConnectedChargePoints int `json:"connected_charge_points"`
	MasterConnections     int `json:"master_connections"`
	DashboardConnections  int `json:"dashboard_connections"`
}

// GetStats snapshots connection counts.
func (r *Registry) GetStats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Stats{
		ConnectedChargePoints: len(r.cps),
		MasterConnections:     len(r.masters),
		DashboardConnections:  len(r.dashboards),
	}
}

// ConnectedChargerIDs lists every charger with a live socket.
func (r *Registry) ConnectedChargerIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.cps))
	for id := range r.cps {
		ids = append(ids, id)
	}
	return ids
}
