package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charging-platform/charge-point-gateway/internal/auth"
	"github.com/charging-platform/charge-point-gateway/internal/handlers"
	"github.com/charging-platform/charge-point-gateway/internal/projector"
	"github.com/charging-platform/charge-point-gateway/internal/registry"
	"github.com/charging-platform/charge-point-gateway/internal/retryengine"
	"github.com/charging-platform/charge-point-gateway/internal/storage"
)

func newTestFacade(t *testing.T) (*Facade, *storage.Store, *registry.Registry, *auth.Verifier) {
	t.Helper()
	store, err := storage.Open(":memory:", storage.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	reg := registry.New(store, nil)
	retry := retryengine.New(store, reg, nil)
	reg.SetPendingRegistrar(retry)
	proj := projector.New(store, reg, nil)
	h := handlers.New(store, nil, reg, retry, proj, nil)

	verifier, err := auth.NewVerifier("test-secret", "HS256")
	require.NoError(t, err)

	return New(h, reg, store, verifier, nil), store, reg, verifier
}

func authedRequest(t *testing.T, v *auth.Verifier, method, url string, body string) *http.Request {
	t.Helper()
	tok, err := v.IssueToken("operator-1", "admin", time.Hour)
	require.NoError(t, err)
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, url, strings.NewReader(body))
	} else {
		r = httptest.NewRequest(method, url, nil)
	}
	r.Header.Set("Authorization", "Bearer "+tok)
	return r
}

func TestUnauthenticatedRequestRejected(t *testing.T) {
	f, _, _, _ := newTestFacade(t)
	w := httptest.NewRecorder()
	f.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/stats", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestStats(t *testing.T) {
	f, _, _, v := newTestFacade(t)
	w := httptest.NewRecorder()
	f.Router().ServeHTTP(w, authedRequest(t, v, http.MethodGet, "/stats", ""))
	require.Equal(t, http.StatusOK, w.Code)

	var stats registry.Stats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, 0, stats.ConnectedChargePoints)
}

func TestCommandRejectedWhenChargerDisconnected(t *testing.T) {
	f, store, _, v := newTestFacade(t)
	require.NoError(t, store.UpsertCharger(context.Background(), &storage.Charger{ChargerID: "CP001"}))

	w := httptest.NewRecorder()
	f.Router().ServeHTTP(w, authedRequest(t, v, http.MethodPost, "/ocpp/Reset?charger_id=CP001", `{"type":"Hard"}`))
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestCommandRejectedWhenChargerUnknown(t *testing.T) {
	f, _, _, v := newTestFacade(t)
	w := httptest.NewRecorder()
	f.Router().ServeHTTP(w, authedRequest(t, v, http.MethodPost, "/ocpp/Reset?charger_id=CP404", `{"type":"Hard"}`))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCommandQueuedWhileDisconnectedForChangeConfiguration(t *testing.T) {
	f, store, _, v := newTestFacade(t)
	require.NoError(t, store.UpsertCharger(context.Background(), &storage.Charger{ChargerID: "CP001"}))

	w := httptest.NewRecorder()
	body := `{"key":"HeartbeatInterval","value":"60"}`
	f.Router().ServeHTTP(w, authedRequest(t, v, http.MethodPost, "/ocpp/ChangeConfiguration?charger_id=CP001", body))
	require.Equal(t, http.StatusOK, w.Code)

	var result handlers.SendResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Equal(t, "Accepted", result.Status)
}

func TestCommandUnknownAction(t *testing.T) {
	f, store, _, v := newTestFacade(t)
	require.NoError(t, store.UpsertCharger(context.Background(), &storage.Charger{ChargerID: "CP001"}))

	w := httptest.NewRecorder()
	f.Router().ServeHTTP(w, authedRequest(t, v, http.MethodPost, "/ocpp/NotARealAction?charger_id=CP001", ""))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestUpsertAndGetCharger(t *testing.T) {
	f, _, _, v := newTestFacade(t)

	w := httptest.NewRecorder()
	body := `{"vendor":"Acme","model":"X1"}`
	f.Router().ServeHTTP(w, authedRequest(t, v, http.MethodPut, "/admin/chargers/CP001", body))
	require.Equal(t, http.StatusOK, w.Code)

	w2 := httptest.NewRecorder()
	f.Router().ServeHTTP(w2, authedRequest(t, v, http.MethodGet, "/admin/chargers/CP001", ""))
	require.Equal(t, http.StatusOK, w2.Code)

	var c storage.Charger
	require.NoError(t, json.Unmarshal(w2.Body.Bytes(), &c))
	assert.Equal(t, "Acme", c.Vendor)
}

func TestCreateUserHashesPassword(t *testing.T) {
	f, store, _, v := newTestFacade(t)

	w := httptest.NewRecorder()
	body := `{"username":"alice","password":"hunter2","role":"admin"}`
	f.Router().ServeHTTP(w, authedRequest(t, v, http.MethodPost, "/admin/users", body))
	require.Equal(t, http.StatusCreated, w.Code)

	u, err := store.GetUserByUsername(context.Background(), "alice")
	require.NoError(t, err)
	assert.NotEqual(t, "hunter2", u.PasswordHash)
	assert.True(t, auth.CheckPassword(u.PasswordHash, "hunter2"))
}

func TestUpsertRFIDCardRequiresIDTag(t *testing.T) {
	f, _, _, v := newTestFacade(t)
	w := httptest.NewRecorder()
	f.Router().ServeHTTP(w, authedRequest(t, v, http.MethodPost, "/admin/rfid-cards", `{"status":"active"}`))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
