// Package admin is the Admin Facade: the authenticated REST surface the
// back office uses to send outbound OCPP commands, inspect live connection
// state and manage the few persisted tables an operator edits directly
// (chargers, connectors, RFID cards, users). Grounded on the teacher's
// gorilla/mux router shape in Generativebots-ocx-backend-go-svc's
// internal/api and internal/handlers packages (factory functions closing
// over dependencies, mux.Vars path params, .Methods() route filters),
// applied to the Handler Set and Persistence Gateway instead of a Supabase
// client.
package admin

import (
	"crypto/tls"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/charging-platform/charge-point-gateway/internal/auth"
	"github.com/charging-platform/charge-point-gateway/internal/handlers"
	"github.com/charging-platform/charge-point-gateway/internal/logger"
	"github.com/charging-platform/charge-point-gateway/internal/registry"
	"github.com/charging-platform/charge-point-gateway/internal/storage"
)

// Facade wires the Admin Facade's HTTP router to the Handler Set, the
// Connection Registry and the Persistence Gateway.
type Facade struct {
	handlers *handlers.Set
	registry *registry.Registry
	store    *storage.Store
	verifier *auth.Verifier
	log      *logger.Logger

	router *mux.Router
}

// Config carries the Admin Facade listener's address and TLS material.
type Config struct {
	Host        string
	Port        int
	SSLKeyFile  string
	SSLCertFile string
}

func (c Config) addr() string { return c.Host + ":" + strconv.Itoa(c.Port) }

func (c Config) tlsEnabled() bool { return c.SSLKeyFile != "" && c.SSLCertFile != "" }

// New builds a Facade and registers every route. verifier may be nil in
// tests that never exercise an authenticated route.
func New(h *handlers.Set, reg *registry.Registry, store *storage.Store, verifier *auth.Verifier, log *logger.Logger) *Facade {
	f := &Facade{handlers: h, registry: reg, store: store, verifier: verifier, log: log}
	f.router = mux.NewRouter()
	f.registerRoutes()
	return f
}

// Router exposes the underlying mux.Router, e.g. for http.ListenAndServe or
// a test httptest.Server.
func (f *Facade) Router() *mux.Router { return f.router }

func (f *Facade) registerRoutes() {
	f.router.Use(f.requireAuth)

	f.router.HandleFunc("/ocpp/{command}", f.handleCommand).Methods(http.MethodPost)
	f.router.HandleFunc("/stats", f.handleStats).Methods(http.MethodGet)
	f.router.HandleFunc("/connections", f.handleConnections).Methods(http.MethodGet)
	f.router.HandleFunc("/connection-events", f.handleConnectionEvents).Methods(http.MethodGet)
	f.router.HandleFunc("/logs", f.handleLogs).Methods(http.MethodGet)

	f.router.HandleFunc("/admin/chargers", f.handleListChargers).Methods(http.MethodGet)
	f.router.HandleFunc("/admin/chargers/{chargerId}", f.handleGetCharger).Methods(http.MethodGet)
	f.router.HandleFunc("/admin/chargers/{chargerId}", f.handleUpsertCharger).Methods(http.MethodPut)

	f.router.HandleFunc("/admin/connectors/{chargerId}", f.handleListConnectors).Methods(http.MethodGet)
	f.router.HandleFunc("/admin/connectors/{chargerId}/{connectorId}", f.handleUpsertConnector).Methods(http.MethodPut)

	f.router.HandleFunc("/admin/rfid-cards", f.handleListRFIDCards).Methods(http.MethodGet)
	f.router.HandleFunc("/admin/rfid-cards", f.handleUpsertRFIDCard).Methods(http.MethodPost)

	f.router.HandleFunc("/admin/users", f.handleCreateUser).Methods(http.MethodPost)
}

// requireAuth enforces the Bearer JWT on every route but /health. The
// distilled spec scopes dashboard auth to the WSS /dashboard endpoint; the
// Admin Facade reuses the same Verifier because both surfaces are
// back-office-only and share one secret (security.secret_key).
func (f *Facade) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		if f.verifier == nil {
			next.ServeHTTP(w, r)
			return
		}
		if _, err := f.verifier.ParseBearer(r.Header.Get("Authorization")); err != nil {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"status": "Rejected", "detail": detail})
}

// handleCommand is the single route backing all 15 outbound CS->CP actions:
// POST /ocpp/{command}?charger_id=<id> with the action's JSON body.
func (f *Facade) handleCommand(w http.ResponseWriter, r *http.Request) {
	command := mux.Vars(r)["command"]
	chargerID := r.URL.Query().Get("charger_id")
	if chargerID == "" {
		writeError(w, http.StatusBadRequest, "charger_id query parameter is required")
		return
	}

	build, ok := handlers.OutboundBuilders[command]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown command: "+command)
		return
	}

	if _, err := f.store.GetCharger(r.Context(), chargerID); err != nil {
		writeError(w, http.StatusNotFound, "charger not found: "+chargerID)
		return
	}

	var body json.RawMessage
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "malformed request body: "+err.Error())
			return
		}
	}

	result, berr := build(r.Context(), f.handlers, chargerID, body)
	if berr != nil {
		writeError(w, berr.Status, berr.Detail)
		return
	}

	sendResult := f.handlers.SendCommand(r.Context(), chargerID, result)
	status := http.StatusOK
	if sendResult.Status == "Rejected" {
		status = http.StatusConflict
	}
	writeJSON(w, status, sendResult)
}

// handleStats reports connection counts for the back office's dashboard
// header.
func (f *Facade) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, f.registry.GetStats())
}

// handleConnections lists the charger ids currently live in the Connection
// Registry.
func (f *Facade) handleConnections(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"connected": f.registry.ConnectedChargerIDs(),
	})
}

// handleConnectionEvents returns the append-only connect/disconnect log for
// a single charger: GET /connection-events?charger_id=<id>&limit=<n>.
func (f *Facade) handleConnectionEvents(w http.ResponseWriter, r *http.Request) {
	chargerID := r.URL.Query().Get("charger_id")
	if chargerID == "" {
		writeError(w, http.StatusBadRequest, "charger_id query parameter is required")
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	events, err := f.store.ListConnectionEvents(r.Context(), chargerID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// handleLogs reports the health of the message audit trail. The Persistence
// Gateway appends each inbound CALL (with its reply) and each outbound CALL
// written by handlers.Set.SendCommand to message_logs; this endpoint returns
// only the dropped-write counter, so an operator can tell whether the audit
// trail is keeping up. It does not list or filter the log rows.
func (f *Facade) handleLogs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"dropped_log_writes": f.store.DroppedLogWrites(),
	})
}

func (f *Facade) handleListChargers(w http.ResponseWriter, r *http.Request) {
	chargers, err := f.store.ListConnectedChargers(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, chargers)
}

func (f *Facade) handleGetCharger(w http.ResponseWriter, r *http.Request) {
	chargerID := mux.Vars(r)["chargerId"]
	c, err := f.store.GetCharger(r.Context(), chargerID)
	if err != nil {
		writeError(w, http.StatusNotFound, "charger not found: "+chargerID)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (f *Facade) handleUpsertCharger(w http.ResponseWriter, r *http.Request) {
	chargerID := mux.Vars(r)["chargerId"]
	var c storage.Charger
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body: "+err.Error())
		return
	}
	c.ChargerID = chargerID
	if err := f.store.UpsertCharger(r.Context(), &c); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (f *Facade) handleListConnectors(w http.ResponseWriter, r *http.Request) {
	chargerID := mux.Vars(r)["chargerId"]
	conns, err := f.store.ListConnectors(r.Context(), chargerID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, conns)
}

func (f *Facade) handleUpsertConnector(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	chargerID := vars["chargerId"]
	connectorID, err := strconv.Atoi(vars["connectorId"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "connectorId must be an integer")
		return
	}
	var c storage.Connector
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body: "+err.Error())
		return
	}
	c.ChargerID = chargerID
	c.ConnectorID = connectorID
	c.UpdatedAt = time.Now().UTC()
	if err := f.store.UpsertConnector(r.Context(), &c); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (f *Facade) handleListRFIDCards(w http.ResponseWriter, r *http.Request) {
	cards, err := f.store.ListRFIDCards(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, cards)
}

func (f *Facade) handleUpsertRFIDCard(w http.ResponseWriter, r *http.Request) {
	var c storage.RFIDCard
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body: "+err.Error())
		return
	}
	if c.IDTag == "" {
		writeError(w, http.StatusBadRequest, "id_tag is required")
		return
	}
	if err := f.store.UpsertRFIDCard(r.Context(), &c); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

type createUserRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

// handleCreateUser hashes the submitted password with bcrypt before it ever
// reaches the Persistence Gateway; the Admin Facade never persists a
// plaintext password.
func (f *Facade) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body: "+err.Error())
		return
	}
	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "username and password are required")
		return
	}
	if req.Role == "" {
		req.Role = "operator"
	}
	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	user, err := f.store.CreateUser(r.Context(), req.Username, hash, req.Role)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

// Start binds the listener and begins serving in the background, mirroring
// wsserver.Server.Start's contract: it returns once the bind succeeds or
// fails, and logs (rather than returns) any later serve error.
func (f *Facade) Start(cfg Config) (*http.Server, error) {
	srv := &http.Server{Addr: cfg.addr(), Handler: f.router}
	if cfg.tlsEnabled() {
		srv.TLSConfig = buildTLSConfig()
	}

	ln, err := net.Listen("tcp", cfg.addr())
	if err != nil {
		return nil, err
	}

	go func() {
		var serveErr error
		if cfg.tlsEnabled() {
			serveErr = srv.ServeTLS(ln, cfg.SSLCertFile, cfg.SSLKeyFile)
		} else {
			serveErr = srv.Serve(ln)
		}
		if serveErr != nil && serveErr != http.ErrServerClosed && f.log != nil {
			f.log.Errorf("admin: serve failed: %v", serveErr)
		}
	}()
	if f.log != nil {
		f.log.Infof("admin: facade listening on %s (tls=%v)", cfg.addr(), cfg.tlsEnabled())
	}
	return srv, nil
}

// buildTLSConfig mirrors wsserver's fixed cipher suite: the Admin Facade is
// served over the same TLS material the original's Flask app used.
func buildTLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion:   tls.VersionTLS10,
		CipherSuites: []uint16{tls.TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA},
	}
}
