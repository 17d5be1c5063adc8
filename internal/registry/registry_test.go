package registry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

func dialCP(t *testing.T, reg *Registry, chargerID string) (*websocket.Conn, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		reg.AcceptCP(context.Background(), chargerID, conn)
	}))
	wsURL := "ws" + srv.URL[len("http"):]
	client, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	return client, srv
}

func TestAcceptCP_RejectsSecondConcurrentConnect(t *testing.T) {
	reg := New(nil, nil)

	client1, srv1 := dialCP(t, reg, "CP001")
	defer srv1.Close()
	defer client1.Close()
	time.Sleep(50 * time.Millisecond)
	assert.True(t, reg.IsConnected("CP001"))

	srv2 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		_, ok := reg.AcceptCP(context.Background(), "CP001", conn)
		assert.False(t, ok)
	}))
	defer srv2.Close()
	wsURL2 := "ws" + srv2.URL[len("http"):]
	client2, _, err := websocket.DefaultDialer.Dial(wsURL2, nil)
	require.NoError(t, err)
	defer client2.Close()

	time.Sleep(50 * time.Millisecond)
	_, _, err = client2.ReadMessage()
	assert.Error(t, err) // closed with 1003
}

func TestSendToCP_RegistersPendingOnCall(t *testing.T) {
	reg := New(nil, nil)
	client, srv := dialCP(t, reg, "CP001")
	defer srv.Close()
	defer client.Close()
	time.Sleep(50 * time.Millisecond)

	fake := &fakeRegistrar{}
	reg.SetPendingRegistrar(fake)

	ok := reg.SendToCP(context.Background(), "CP001", []byte(`[2,"m1","Reset",{}]`), true, "m1", "Reset", map[string]string{"type": "Hard"})
	require.True(t, ok)
	assert.Equal(t, 1, len(fake.calls))
	assert.Equal(t, "m1", fake.calls[0])
}

func TestSendToCP_NoConnection(t *testing.T) {
	reg := New(nil, nil)
	ok := reg.SendToCP(context.Background(), "CP999", []byte(`[]`), false, "", "", nil)
	assert.False(t, ok)
}

func TestDeregisterCP(t *testing.T) {
	reg := New(nil, nil)
	client, srv := dialCP(t, reg, "CP001")
	defer srv.Close()
	defer client.Close()
	time.Sleep(50 * time.Millisecond)
	require.True(t, reg.IsConnected("CP001"))

	reg.DeregisterCP(context.Background(), "CP001", "test")
	assert.False(t, reg.IsConnected("CP001"))
}

func TestMasterRegistryLifecycle(t *testing.T) {
	reg := New(nil, nil)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		id := reg.RegisterMaster(conn)
		assert.NotEmpty(t, id)
	}))
	defer srv.Close()
	wsURL := "ws" + srv.URL[len("http"):]
	client, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer client.Close()
	time.Sleep(50 * time.Millisecond)

	stats := reg.GetStats()
	assert.Equal(t, 1, stats.MasterConnections)
}

type fakeRegistrar struct {
	calls []string
}

func (f *fakeRegistrar) RegisterPending(messageID, chargerID, action string, payload interface{}) {
	f.calls = append(f.calls, messageID)
}
