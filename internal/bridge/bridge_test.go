package bridge

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendEvent_HTTPSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/ocpp/events", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	b := New(Config{APIBaseURL: srv.URL, APIKey: "secret", Exchange: "ocpp"}, nil, nil)
	b.SendEvent(context.Background(), EventHeartbeat, "CP001", map[string]string{"ok": "1"})

	stats := b.GetStats(context.Background())
	assert.Equal(t, int64(1), stats.EventsSent)
	assert.Equal(t, int64(0), stats.EventsFailed)
}

func TestSendEvent_FallsBackToRedisOnHTTPFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	db, mock := redismock.NewClientMock()
	mock.Regexp().ExpectLPush(`ocpp:events`, `.*`).SetVal(1)

	b := New(Config{APIBaseURL: srv.URL, Exchange: "ocpp"}, db, nil)
	b.SendEvent(context.Background(), EventHeartbeat, "CP001", map[string]string{"ok": "1"})

	stats := b.GetStats(context.Background())
	assert.Equal(t, int64(1), stats.EventsSent)
	assert.Equal(t, int64(1), stats.HTTPErrors)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSendEvent_NoSinkAtAllCountsFailed(t *testing.T) {
	b := New(Config{Exchange: "ocpp"}, nil, nil)
	b.SendEvent(context.Background(), EventHeartbeat, "CP001", nil)

	stats := b.GetStats(context.Background())
	assert.Equal(t, int64(0), stats.EventsSent)
	assert.Equal(t, int64(1), stats.EventsFailed)
}

func TestWriteResponse(t *testing.T) {
	db, mock := redismock.NewClientMock()
	mock.Regexp().ExpectLPush(`ocpp:responses:req-1`, `.*`).SetVal(1)

	b := New(Config{Exchange: "ocpp"}, db, nil)
	b.writeResponse(context.Background(), "req-1", CommandResponse{Status: "accepted", Message: "ok"})

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQueueSize(t *testing.T) {
	db, mock := redismock.NewClientMock()
	mock.ExpectLLen("ocpp:events").SetVal(7)

	b := New(Config{Exchange: "ocpp"}, db, nil)
	assert.Equal(t, int64(7), b.QueueSize(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}
