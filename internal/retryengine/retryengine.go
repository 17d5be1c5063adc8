// Package retryengine is the Retry Engine: it tracks every outbound CALL
// awaiting a CALLRESULT/CALLERROR and resends it on an interval until a
// response arrives, the charger's retry budget is exhausted, its response
// timeout elapses, or it disconnects and the action isn't allowed to queue.
// Grounded on the teacher's ocpp16.Processor pendingRequests map + cleanup
// ticker, generalized from "wait for the first response" to full retry,
// timeout and disconnect-queueing policy.
package retryengine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charging-platform/charge-point-gateway/internal/logger"
	"github.com/charging-platform/charge-point-gateway/internal/metrics"
	"github.com/charging-platform/charge-point-gateway/internal/ocpp/framer"
	"github.com/charging-platform/charge-point-gateway/internal/registry"
	"github.com/charging-platform/charge-point-gateway/internal/storage"
)

// DefaultResponseTimeout is the response timeout given to every
// PendingOutbound, measured from its first send.
const DefaultResponseTimeout = 30 * time.Second

// queueWhileDisconnected lists the actions that may be sent to a charger
// that is currently offline: the Admin Facade still accepts the request and
// the Retry Engine waits for the charger to reconnect before the first
// attempt. Every other action requires a live socket at send time.
var queueWhileDisconnected = map[string]bool{
	"ChangeConfiguration": true,
}

// QueueWhileDisconnected reports whether action is allowed to sit in the
// Retry Engine without a live socket.
func QueueWhileDisconnected(action string) bool {
	return queueWhileDisconnected[action]
}

// Outcome is the terminal state recorded for a PendingOutbound.
type Outcome string

const (
	OutcomeSuccess      Outcome = "success"
	OutcomeExhausted    Outcome = "fail:exhausted"
	OutcomeTimeout      Outcome = "fail:timeout"
	OutcomeDisconnected Outcome = "fail:disconnected"
)

// PendingOutbound is an in-memory-only record of a CALL awaiting
// correlation. It is never persisted: a restart drops every outstanding
// retry, matching the spec's explicit exclusion of PendingOutbound from
// durable storage.
type PendingOutbound struct {
	MessageID        string
	ChargerID        string
	Action           string
	Payload          interface{}
	FirstSentAt      time.Time
	LastAttemptAt    time.Time
	RetryCount       int
	MaxRetries       int
	RetryIntervalS   int
	ResponseTimeoutS int
	RetryEnabled     bool
}

func (p *PendingOutbound) elapsedSinceFirstSent(now time.Time) time.Duration {
	return now.Sub(p.FirstSentAt)
}

// Engine is the Retry Engine.
type Engine struct {
	mu      sync.Mutex
	pending map[string]*PendingOutbound

	store    *storage.Store
	registry *registry.Registry
	log      *logger.Logger

	tickInterval time.Duration

	messagesSent   int64
	messagesFailed int64
}

// New constructs an Engine. registry must have SetPendingRegistrar(engine)
// called on it separately to close the loop (the Registry hands freshly
// sent CALLs to the engine; the engine resends through the Registry).
func New(store *storage.Store, reg *registry.Registry, log *logger.Logger) *Engine {
	return &Engine{
		pending:      make(map[string]*PendingOutbound),
		store:        store,
		registry:     reg,
		log:          log,
		tickInterval: time.Second,
	}
}

// RegisterPending implements registry.PendingRegistrar. It is called
// immediately after a CALL is successfully written to the charger's socket.
func (e *Engine) RegisterPending(messageID, chargerID, action string, payload interface{}) {
	now := time.Now()
	maxRetries, retryIntervalS, retryEnabled := e.policyFor(chargerID)
	responseTimeoutS := e.responseTimeoutFor(chargerID)

	e.mu.Lock()
	e.pending[messageID] = &PendingOutbound{
		MessageID:        messageID,
		ChargerID:        chargerID,
		Action:           action,
		Payload:          payload,
		FirstSentAt:      now,
		LastAttemptAt:    now,
		RetryCount:       0,
		MaxRetries:       maxRetries,
		RetryIntervalS:   retryIntervalS,
		ResponseTimeoutS: responseTimeoutS,
		RetryEnabled:     retryEnabled,
	}
	e.mu.Unlock()
	atomic.AddInt64(&e.messagesSent, 1)
}

// QueuePending is used by the Admin Facade to create a PendingOutbound for
// an action that targets a disconnected charger without ever having
// attempted a send (spec: "may be sent to disconnected charger — queued for
// retry").
func (e *Engine) QueuePending(messageID, chargerID, action string, payload interface{}) {
	maxRetries, retryIntervalS, retryEnabled := e.policyFor(chargerID)
	responseTimeoutS := e.responseTimeoutFor(chargerID)
	now := time.Now()

	e.mu.Lock()
	e.pending[messageID] = &PendingOutbound{
		MessageID: messageID, ChargerID: chargerID, Action: action, Payload: payload,
		FirstSentAt: now, LastAttemptAt: time.Time{},
		MaxRetries: maxRetries, RetryIntervalS: retryIntervalS,
		ResponseTimeoutS: responseTimeoutS, RetryEnabled: retryEnabled,
	}
	e.mu.Unlock()
}

func (e *Engine) policyFor(chargerID string) (maxRetries, retryIntervalS int, retryEnabled bool) {
	maxRetries, retryIntervalS, retryEnabled = 3, 5, true
	if e.store == nil {
		return
	}
	ctx := context.Background()
	if c, err := e.store.GetCharger(ctx, chargerID); err == nil {
		if c.MaxRetries > 0 {
			maxRetries = c.MaxRetries
		}
		if c.RetryIntervalS > 0 {
			retryIntervalS = c.RetryIntervalS
		}
		retryEnabled = c.RetryEnabled
		return
	}
	maxRetries = e.store.GetSystemConfigInt(ctx, storage.ConfigMaxRetries, maxRetries)
	retryIntervalS = e.store.GetSystemConfigInt(ctx, storage.ConfigRetryInterval, retryIntervalS)
	return
}

func (e *Engine) responseTimeoutFor(chargerID string) int {
	return int(DefaultResponseTimeout.Seconds())
}

// Correlate resolves a PendingOutbound when its CALLRESULT or CALLERROR
// arrives. A message_id with no matching pending entry (already terminated,
// or never registered) is a no-op: a late response must never be delivered
// after termination.
func (e *Engine) Correlate(messageID string, success bool) {
	e.mu.Lock()
	_, ok := e.pending[messageID]
	if ok {
		delete(e.pending, messageID)
	}
	e.mu.Unlock()
	if !ok {
		return
	}
	if !success {
		atomic.AddInt64(&e.messagesFailed, 1)
	}
}

// Run drives the single cooperative tick loop for this engine until ctx is
// canceled. One loop serves every pending message; there is no per-message
// goroutine.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

func (e *Engine) tick(ctx context.Context) {
	now := time.Now()

	e.mu.Lock()
	due := make([]*PendingOutbound, 0)
	for _, p := range e.pending {
		due = append(due, p)
	}
	e.mu.Unlock()

	metrics.RetryPending.Set(float64(len(due)))

	for _, p := range due {
		e.tickOne(ctx, p, now)
	}
}

func (e *Engine) tickOne(ctx context.Context, p *PendingOutbound, now time.Time) {
	if p.elapsedSinceFirstSent(now) >= time.Duration(p.ResponseTimeoutS)*time.Second {
		e.terminate(p.MessageID, OutcomeTimeout)
		return
	}

	connected := e.registry != nil && e.registry.IsConnected(p.ChargerID)
	if !connected {
		if !p.RetryEnabled || !queueWhileDisconnected[p.Action] {
			e.terminate(p.MessageID, OutcomeDisconnected)
		}
		return
	}

	if !p.LastAttemptAt.IsZero() && now.Sub(p.LastAttemptAt) < time.Duration(p.RetryIntervalS)*time.Second {
		return
	}

	if p.RetryCount >= p.MaxRetries {
		e.terminate(p.MessageID, OutcomeExhausted)
		return
	}

	frame, err := framer.EncodeCall(p.MessageID, p.Action, p.Payload)
	if err != nil {
		e.terminate(p.MessageID, OutcomeExhausted)
		return
	}

	ok := e.registry.SendToCP(ctx, p.ChargerID, frame, false, p.MessageID, p.Action, p.Payload)

	e.mu.Lock()
	if cur, exists := e.pending[p.MessageID]; exists {
		cur.LastAttemptAt = now
		if ok {
			cur.RetryCount++
		}
	}
	e.mu.Unlock()
}

func (e *Engine) terminate(messageID string, outcome Outcome) {
	e.mu.Lock()
	_, ok := e.pending[messageID]
	if ok {
		delete(e.pending, messageID)
	}
	e.mu.Unlock()
	if ok {
		metrics.RetryOutcomesTotal.WithLabelValues(string(outcome)).Inc()
	}
	if ok && outcome != OutcomeSuccess {
		atomic.AddInt64(&e.messagesFailed, 1)
		if e.log != nil {
			e.log.Warnf("retry engine: %s terminated (%s)", messageID, outcome)
		}
	}
}

// Stats reports the counters named in §4.F.
type Stats struct {
	PendingMessages int   `json:"pending_messages"`
	MessagesSent    int64 `json:"messages_sent"`
	MessagesFailed  int64 `json:"messages_failed"`
}

// GetStats snapshots the engine's counters.
func (e *Engine) GetStats() Stats {
	e.mu.Lock()
	n := len(e.pending)
	e.mu.Unlock()
	return Stats{
		PendingMessages: n,
		MessagesSent:    atomic.LoadInt64(&e.messagesSent),
		MessagesFailed:  atomic.LoadInt64(&e.messagesFailed),
	}
}

// PendingCount returns the number of outstanding PendingOutbound entries.
func (e *Engine) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}
