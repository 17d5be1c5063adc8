// Package bridge is the Event Bridge: it delivers outbound domain events to
// an external HTTP sink with a durable Redis-list fallback, and reads inbound
// back-office commands off a Redis list, writing a correlated response when
// requested. Grounded operation-for-operation on the Python reference
// implementation's mq_bridge module.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/charging-platform/charge-point-gateway/internal/logger"
	"github.com/charging-platform/charge-point-gateway/internal/metrics"
)

// Fixed event_type enumeration the spec allows on the outbound sink.
const (
	EventBootNotification   = "boot_notification"
	EventTransactionStart   = "transaction_start"
	EventTransactionStop    = "transaction_stop"
	EventStatusNotification = "status_notification"
	EventMeterValues        = "meter_values"
	EventHeartbeat          = "heartbeat"
	EventFaultNotification  = "fault_notification"
	EventRemoteCommandResult = "remote_command_result"
)

// EventMessage is the outbound envelope posted to <BASE>/ocpp/events or
// enqueued on <exchange>:events.
type EventMessage struct {
	EventType string      `json:"event_type"`
	ChargerID string      `json:"charger_id"`
	Data      interface{} `json:"data"`
	Timestamp string      `json:"timestamp"`
	Source    string      `json:"source"`
}

// Command is an inbound back-office instruction read from
// <exchange>:commands.
type Command struct {
	Command         string          `json:"command"`
	ChargerID       string          `json:"charger_id"`
	Payload         json.RawMessage `json:"payload"`
	RequestID       string          `json:"request_id,omitempty"`
	RequireResponse bool            `json:"require_response,omitempty"`
}

// CommandResponse is written to <exchange>:responses:<request_id>.
type CommandResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// CommandHandler executes an inbound Command against the Registry/Retry
// Engine and reports the outcome.
type CommandHandler func(ctx context.Context, cmd Command) CommandResponse

// Config configures the bridge.
type Config struct {
	APIBaseURL     string
	APIKey         string
	RedisURL       string
	Exchange       string
	HTTPTimeout    time.Duration
	LivenessPeriod time.Duration
}

// Bridge implements the Event Bridge component.
type Bridge struct {
	cfg        Config
	httpClient *http.Client
	redis      *redis.Client
	log        *logger.Logger

	eventsSent   int64
	eventsFailed int64
	httpRequests int64
	httpErrors   int64
}

// New constructs a Bridge. redisClient may be nil if no queue fallback/
// command queue is configured — HTTP delivery still works standalone, though
// the spec expects a queue to be present in production.
func New(cfg Config, redisClient *redis.Client, log *logger.Logger) *Bridge {
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 30 * time.Second
	}
	if cfg.LivenessPeriod <= 0 {
		cfg.LivenessPeriod = 60 * time.Second
	}
	return &Bridge{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.HTTPTimeout},
		redis:      redisClient,
		log:        log,
	}
}

// SendEvent delivers one outbound event: HTTP POST first, Redis list
// fallback on any failure. It never returns an error to the caller — event
// delivery must not block a handler's hot path.
func (b *Bridge) SendEvent(ctx context.Context, eventType, chargerID string, data interface{}) {
	msg := EventMessage{
		EventType: eventType,
		ChargerID: chargerID,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Source:    "ocpp_service",
	}

	if b.sendViaHTTP(ctx, msg) {
		atomic.AddInt64(&b.eventsSent, 1)
		return
	}
	if b.sendViaRedis(ctx, msg) {
		atomic.AddInt64(&b.eventsSent, 1)
		return
	}
	atomic.AddInt64(&b.eventsFailed, 1)
	if b.log != nil {
		b.log.Warnf("event bridge: failed to deliver %s for %s via HTTP and queue", eventType, chargerID)
	}
}

func (b *Bridge) sendViaHTTP(ctx context.Context, msg EventMessage) bool {
	if b.cfg.APIBaseURL == "" {
		return false
	}
	atomic.AddInt64(&b.httpRequests, 1)

	body, err := json.Marshal(msg)
	if err != nil {
		atomic.AddInt64(&b.httpErrors, 1)
		return false
	}
	url := b.cfg.APIBaseURL + "/ocpp/events"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		atomic.AddInt64(&b.httpErrors, 1)
		return false
	}
	req.Header.Set("Content-Type", "application/json")
	if b.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.cfg.APIKey)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		atomic.AddInt64(&b.httpErrors, 1)
		metrics.BridgeEventsTotal.WithLabelValues("http", "failed").Inc()
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		atomic.AddInt64(&b.httpErrors, 1)
		metrics.BridgeEventsTotal.WithLabelValues("http", "failed").Inc()
		return false
	}
	metrics.BridgeEventsTotal.WithLabelValues("http", "sent").Inc()
	return true
}

func (b *Bridge) sendViaRedis(ctx context.Context, msg EventMessage) bool {
	if b.redis == nil {
		return false
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return false
	}
	key := fmt.Sprintf("%s:events", b.cfg.Exchange)
	if err := b.redis.LPush(ctx, key, body).Err(); err != nil {
		if b.log != nil {
			b.log.Errorf("event bridge: redis fallback enqueue failed: %v", err)
		}
		metrics.BridgeEventsTotal.WithLabelValues("redis", "failed").Inc()
		return false
	}
	metrics.BridgeEventsTotal.WithLabelValues("redis", "sent").Inc()
	return true
}

// Per-event-type convenience helpers, matching the Python reference's
// send_* methods.

func (b *Bridge) SendBootNotification(ctx context.Context, chargerID string, data interface{}) {
	b.SendEvent(ctx, EventBootNotification, chargerID, data)
}
func (b *Bridge) SendTransactionStart(ctx context.Context, chargerID string, data interface{}) {
	b.SendEvent(ctx, EventTransactionStart, chargerID, data)
}
func (b *Bridge) SendTransactionStop(ctx context.Context, chargerID string, data interface{}) {
	b.SendEvent(ctx, EventTransactionStop, chargerID, data)
}
func (b *Bridge) SendStatusNotification(ctx context.Context, chargerID string, data interface{}) {
	b.SendEvent(ctx, EventStatusNotification, chargerID, data)
}
func (b *Bridge) SendMeterValues(ctx context.Context, chargerID string, data interface{}) {
	b.SendEvent(ctx, EventMeterValues, chargerID, data)
}
func (b *Bridge) SendHeartbeat(ctx context.Context, chargerID string, data interface{}) {
	b.SendEvent(ctx, EventHeartbeat, chargerID, data)
}
func (b *Bridge) SendFaultNotification(ctx context.Context, chargerID string, data interface{}) {
	b.SendEvent(ctx, EventFaultNotification, chargerID, data)
}
func (b *Bridge) SendRemoteCommandResult(ctx context.Context, chargerID string, data interface{}) {
	b.SendEvent(ctx, EventRemoteCommandResult, chargerID, data)
}

// RunCommandProcessor blocks, popping inbound commands off
// <exchange>:commands and dispatching them to handle, until ctx is canceled.
// It is the startup reader named in §4.B.
func (b *Bridge) RunCommandProcessor(ctx context.Context, handle CommandHandler) {
	if b.redis == nil {
		return
	}
	key := fmt.Sprintf("%s:commands", b.cfg.Exchange)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		result, err := b.redis.BRPop(ctx, 5*time.Second, key).Result()
		if err != nil {
			if err == redis.Nil || ctx.Err() != nil {
				continue
			}
			if b.log != nil {
				b.log.Errorf("event bridge: command queue read failed: %v", err)
			}
			time.Sleep(time.Second)
			continue
		}
		if len(result) < 2 {
			continue
		}

		var cmd Command
		if err := json.Unmarshal([]byte(result[1]), &cmd); err != nil {
			if b.log != nil {
				b.log.Warnf("event bridge: malformed command payload: %v", err)
			}
			continue
		}

		resp := handle(ctx, cmd)
		if cmd.RequireResponse && cmd.RequestID != "" {
			b.writeResponse(ctx, cmd.RequestID, resp)
		}
	}
}

func (b *Bridge) writeResponse(ctx context.Context, requestID string, resp CommandResponse) {
	body, err := json.Marshal(resp)
	if err != nil {
		return
	}
	key := fmt.Sprintf("%s:responses:%s", b.cfg.Exchange, requestID)
	if err := b.redis.LPush(ctx, key, body).Err(); err != nil && b.log != nil {
		b.log.Errorf("event bridge: failed to write response for %s: %v", requestID, err)
	}
}

// RunLiveness periodically pings the queue and the HTTP sink's health
// endpoint until ctx is canceled.
func (b *Bridge) RunLiveness(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.LivenessPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.checkLiveness(ctx)
		}
	}
}

func (b *Bridge) checkLiveness(ctx context.Context) {
	if b.redis != nil {
		if err := b.redis.Ping(ctx).Err(); err != nil && b.log != nil {
			b.log.Warnf("event bridge: redis liveness ping failed: %v", err)
		}
		metrics.BridgeQueueDepth.Set(float64(b.QueueSize(ctx)))
	}
	if b.cfg.APIBaseURL != "" {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.cfg.APIBaseURL+"/health", nil)
		if err == nil {
			if resp, err := b.httpClient.Do(req); err == nil {
				resp.Body.Close()
			} else if b.log != nil {
				b.log.Warnf("event bridge: http health check failed: %v", err)
			}
		}
	}
}

// QueueSize reports the current depth of the outbound events list.
func (b *Bridge) QueueSize(ctx context.Context) int64 {
	if b.redis == nil {
		return 0
	}
	n, err := b.redis.LLen(ctx, fmt.Sprintf("%s:events", b.cfg.Exchange)).Result()
	if err != nil {
		return 0
	}
	return n
}

// Stats reports the counters named in §4.B.
type Stats struct {
	EventsSent   int64 `json:"events_sent"`
	EventsFailed int64 `json:"events_failed"`
	HTTPRequests int64 `json:"http_requests"`
	HTTPErrors   int64 `json:"http_errors"`
	QueueSize    int64 `json:"queue_size"`
}

// GetStats snapshots the bridge's counters.
func (b *Bridge) GetStats(ctx context.Context) Stats {
	return Stats{
		EventsSent:   atomic.LoadInt64(&b.eventsSent),
		EventsFailed: atomic.LoadInt64(&b.eventsFailed),
		HTTPRequests: atomic.LoadInt64(&b.httpRequests),
		HTTPErrors:   atomic.LoadInt64(&b.httpErrors),
		QueueSize:    b.QueueSize(ctx),
	}
}

// NewRequestID generates a request_id for a back-office request awaiting a
// response on <exchange>:responses:<request_id>.
func NewRequestID() string {
	return uuid.NewString()
}
