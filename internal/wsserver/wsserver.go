// Package wsserver hosts the three WSS listeners the distilled spec names:
// the per-charger CP endpoint (/ocpp/<charger_id>), the observer endpoint
// (/master) and the authenticated dashboard endpoint (/dashboard). It is the
// one package that accepts gorilla/websocket upgrades on the CP-facing side;
// every other component reaches a socket only through the Connection
// Registry. Grounded on the teacher's internal/transport/websocket.Manager
// (upgrader configuration, ping/pong/read-limit wiring, per-connection
// receive loop shape), generalized from one connection role to three and
// from the teacher's dispatcher hand-off to the Handler Set's Dispatch.
package wsserver

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/charging-platform/charge-point-gateway/internal/auth"
	"github.com/charging-platform/charge-point-gateway/internal/handlers"
	"github.com/charging-platform/charge-point-gateway/internal/logger"
	"github.com/charging-platform/charge-point-gateway/internal/projector"
	"github.com/charging-platform/charge-point-gateway/internal/registry"
)

// Config carries the OCPP WSS listener's address and session timing, mirror
// of config.OCPPConfig so this package doesn't import internal/config.
type Config struct {
	Host             string
	Port             int
	Subprotocols     []string
	HandshakeTimeout time.Duration
	PongTimeout      time.Duration
	MaxMessageSize   int64

	SSLKeyFile  string
	SSLCertFile string
}

// Addr returns the host:port this listener binds.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// TLSEnabled reports whether both cert and key were supplied.
func (c Config) TLSEnabled() bool {
	return c.SSLKeyFile != "" && c.SSLCertFile != ""
}

// buildTLSConfig matches the original's create_ssl_context: a single fixed
// cipher suite and the lowest TLS version the stdlib still offers, applied
// only when a certificate/key pair is configured; otherwise the listener
// serves plain WS.
func buildTLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion:   tls.VersionTLS10,
		CipherSuites: []uint16{tls.TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA},
	}
}

// Server hosts the three WSS endpoints behind a single HTTP server.
type Server struct {
	cfg      Config
	registry *registry.Registry
	handlers *handlers.Set
	proj     *projector.Projector
	verifier *auth.Verifier
	log      *logger.Logger

	upgrader   websocket.Upgrader
	httpServer *http.Server
}

// New constructs a Server. verifier may be nil only in tests that never hit
// /dashboard; production wiring always supplies one (security.secret_key has
// a default, so a Verifier always exists in cmd/centralstation).
func New(cfg Config, reg *registry.Registry, h *handlers.Set, proj *projector.Projector, verifier *auth.Verifier, log *logger.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		registry: reg,
		handlers: h,
		proj:     proj,
		verifier: verifier,
		log:      log,
	}
	s.upgrader = websocket.Upgrader{
		HandshakeTimeout: cfg.HandshakeTimeout,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
		Subprotocols:     cfg.Subprotocols,
		CheckOrigin:      func(r *http.Request) bool { return true },
	}
	return s
}

// Start binds the listener and begins serving in the background. It returns
// once the bind succeeds (or fails), matching §6's "non-zero exit on fatal
// bind/listen failure" contract: the caller decides what to do with a
// non-nil error.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ocpp/", s.serveCP)
	mux.HandleFunc("/master", s.serveMaster)
	mux.HandleFunc("/dashboard", s.serveDashboard)
	mux.HandleFunc("/health", s.serveHealth)

	s.httpServer = &http.Server{
		Addr:    s.cfg.Addr(),
		Handler: mux,
	}
	if s.cfg.TLSEnabled() {
		s.httpServer.TLSConfig = buildTLSConfig()
	}

	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("wsserver: listen %s: %w", s.cfg.Addr(), err)
	}

	go func() {
		var serveErr error
		if s.cfg.TLSEnabled() {
			serveErr = s.httpServer.ServeTLS(ln, s.cfg.SSLCertFile, s.cfg.SSLKeyFile)
		} else {
			serveErr = s.httpServer.Serve(ln)
		}
		if serveErr != nil && serveErr != http.ErrServerClosed && s.log != nil {
			s.log.Errorf("wsserver: serve failed: %v", serveErr)
		}
	}()
	if s.log != nil {
		s.log.Infof("wsserver: OCPP listener on %s (tls=%v)", s.cfg.Addr(), s.cfg.TLSEnabled())
	}
	return nil
}

// Shutdown refuses new accepts, closes every live CP socket with code 1001
// and stops the HTTP server, all within the caller's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.registry != nil {
		s.registry.CloseAllCPs(ctx, websocket.CloseGoingAway, "server shutting down")
	}
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) serveHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// serveCP upgrades a per-charger connection, enforces the single-writer and
// single-live-socket invariants via the Registry, and runs the strictly
// sequential receive->handle->respond loop for that charger until the
// socket closes.
func (s *Server) serveCP(w http.ResponseWriter, r *http.Request) {
	chargerID := strings.TrimPrefix(r.URL.Path, "/ocpp/")
	chargerID = strings.Trim(chargerID, "/")
	if chargerID == "" {
		http.Error(w, "missing charger id", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		if s.log != nil {
			s.log.Warnf("wsserver: upgrade failed for %s: %v", chargerID, err)
		}
		return
	}

	if conn.Subprotocol() == "" {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseProtocolError, "unsupported subprotocol"),
			time.Now().Add(time.Second))
		conn.Close()
		return
	}

	ctx := r.Context()
	connectionID, ok := s.registry.AcceptCP(ctx, chargerID, conn)
	if !ok {
		// Registry already closed the new socket with 1003; the existing
		// connection for this charger is untouched.
		return
	}

	conn.SetReadLimit(s.cfg.MaxMessageSize)
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout + 90*time.Second))
	})
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout + 90*time.Second))

	s.runCPReceiveLoop(ctx, chargerID, connectionID, conn)
}

func (s *Server) runCPReceiveLoop(ctx context.Context, chargerID, connectionID string, conn *websocket.Conn) {
	reason := "connection closed"
	defer func() {
		s.registry.DeregisterCP(ctx, chargerID, reason)
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				reason = err.Error()
			}
			return
		}

		respFrame := s.handlers.Dispatch(ctx, chargerID, connectionID, raw)
		if respFrame == nil {
			continue
		}
		if !s.registry.SendToCP(ctx, chargerID, respFrame, false, "", "", nil) {
			return
		}
		var generic []interface{}
		if json.Unmarshal(respFrame, &generic) == nil {
			s.registry.ForwardToMasters(ctx, chargerID, connectionID, generic, registry.DirectionOutgoing, 0)
		}
	}
}

// serveMaster attaches an observer socket: every inbound/outbound CP frame
// is fanned out to it (via the Registry), and anything the master itself
// sends is broadcast verbatim to every connected CP.
func (s *Server) serveMaster(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	id := s.registry.RegisterMaster(conn)
	defer s.registry.DeregisterMaster(id)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var generic interface{}
		if json.Unmarshal(raw, &generic) != nil {
			_ = s.registry.WriteToMaster(id, map[string]string{"status": "warning", "message": "malformed message, ignored"})
			continue
		}

		targets := s.registry.ConnectedChargerIDs()
		if len(targets) == 0 {
			_ = s.registry.WriteToMaster(id, map[string]string{"status": "warning", "message": "no charge points connected"})
			continue
		}
		s.registry.BroadcastToCPs(raw)
		_ = s.registry.WriteToMaster(id, map[string]string{
			"status":  "success",
			"message": fmt.Sprintf("broadcast to %d charge point(s)", len(targets)),
		})
	}
}

// serveDashboard verifies the Bearer JWT, attaches the socket, pushes the
// initial_data snapshot and then holds the connection open until it closes;
// all further traffic on this path is server->client (§4.H).
func (s *Server) serveDashboard(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get("Authorization")
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if s.verifier == nil {
		http.Error(w, "dashboard auth not configured", http.StatusServiceUnavailable)
		return
	}
	claims, err := s.verifier.ParseBearer(token)
	if err != nil {
		http.Error(w, "unauthorized: "+err.Error(), http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	id := s.registry.RegisterDashboard(conn, claims.Subject)
	defer s.registry.DeregisterDashboard(id)

	ctx := r.Context()
	if data, ok := s.proj.Snapshot(ctx); ok {
		_ = s.registry.WriteToDashboard(id, data)
	}

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
