// Package handlers is the Handler Set: every inbound OCPP action a charge
// point can CALL, and every outbound CS->CP action the Admin Facade can
// build. Grounded on the teacher's ocpp16.Processor (message-type switch,
// per-action handler methods, sendActionEvent) generalized from a partial
// core-profile set to the complete action table and wired to the
// Persistence Gateway, Event Bridge, Connection Registry and Retry Engine
// instead of the teacher's Kafka event channel.
package handlers

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/charging-platform/charge-point-gateway/internal/bridge"
	"github.com/charging-platform/charge-point-gateway/internal/domain/ocpp16"
	"github.com/charging-platform/charge-point-gateway/internal/logger"
	"github.com/charging-platform/charge-point-gateway/internal/metrics"
	"github.com/charging-platform/charge-point-gateway/internal/ocpp/framer"
	"github.com/charging-platform/charge-point-gateway/internal/projector"
	"github.com/charging-platform/charge-point-gateway/internal/registry"
	"github.com/charging-platform/charge-point-gateway/internal/retryengine"
	"github.com/charging-platform/charge-point-gateway/internal/storage"
)

// Set holds every dependency an inbound handler or outbound builder needs.
type Set struct {
	store    *storage.Store
	bridge   *bridge.Bridge
	registry *registry.Registry
	retry    *retryengine.Engine
	proj     *projector.Projector
	validate *validator.Validate
	log      *logger.Logger

	txMu  sync.Mutex
	txSeq map[string]int // charger_id -> last allocated transaction_id
}

// New constructs a Set.
func New(store *storage.Store, br *bridge.Bridge, reg *registry.Registry, retry *retryengine.Engine, proj *projector.Projector, log *logger.Logger) *Set {
	return &Set{
		store:    store,
		bridge:   br,
		registry: reg,
		retry:    retry,
		proj:     proj,
		validate: validator.New(),
		log:      log,
		txSeq:    make(map[string]int),
	}
}

type inboundHandlerFunc func(ctx context.Context, s *Set, chargerID string, raw json.RawMessage) (interface{}, *framer.FrameError)

func formationError(msg string) *framer.FrameError {
	return &framer.FrameError{Code: framer.ErrorFormatViolation, Message: msg}
}

func propertyError(msg string) *framer.FrameError {
	return &framer.FrameError{Code: framer.ErrorPropertyConstraintViolation, Message: msg}
}

func (s *Set) decodeAndValidate(raw json.RawMessage, into interface{}) *framer.FrameError {
	if err := json.Unmarshal(raw, into); err != nil {
		return formationError("payload does not match expected shape: " + err.Error())
	}
	if err := s.validate.Struct(into); err != nil {
		return propertyError(err.Error())
	}
	return nil
}

// Dispatch processes one raw OCPP-J frame received from chargerID's socket.
// It returns the bytes to write back to the charger, or nil if no reply is
// expected (CALLRESULT/CALLERROR correlation, or an unrecoverable decode
// failure that was only logged).
func (s *Set) Dispatch(ctx context.Context, chargerID, connectionID string, raw []byte) []byte {
	start := time.Now()
	kind, call, result, cerr, err := framer.Decode(raw)
	if err != nil {
		fe, _ := err.(*framer.FrameError)
		if fe == nil || fe.MessageID == "" {
			if s.log != nil {
				s.log.Warnf("handlers: unrecoverable frame from %s: %v", chargerID, err)
			}
			return nil
		}
		frame, _ := framer.EncodeCallError(fe.MessageID, fe.Code, fe.Message, nil)
		return frame
	}

	switch kind {
	case framer.KindCall:
		return s.dispatchCall(ctx, chargerID, connectionID, call, start)
	case framer.KindCallResult:
		s.retry.Correlate(result.MessageID, true)
		s.registry.ForwardToMasters(ctx, chargerID, connectionID,
			[]interface{}{ocpp16.CallResult, result.MessageID, result.Payload},
			registry.DirectionIncoming, time.Since(start).Milliseconds())
		return nil
	case framer.KindCallError:
		s.retry.Correlate(cerr.MessageID, false)
		s.registry.ForwardToMasters(ctx, chargerID, connectionID,
			[]interface{}{ocpp16.CallError, cerr.MessageID, string(cerr.ErrorCode), cerr.ErrorDescription, cerr.ErrorDetails},
			registry.DirectionIncoming, time.Since(start).Milliseconds())
		return nil
	default:
		return nil
	}
}

func (s *Set) dispatchCall(ctx context.Context, chargerID, connectionID string, call *framer.Call, start time.Time) []byte {
	var respFrame []byte
	status := storage.LogStatusSuccess

	handler, ok := inboundHandlers[call.Action]
	if !ok {
		respFrame, _ = framer.EncodeCallError(call.MessageID, framer.ErrorNotImplemented,
			"action not implemented: "+call.Action, nil)
		status = storage.LogStatusError
	} else {
		payload, ferr := handler(ctx, s, chargerID, call.Payload)
		if ferr != nil {
			respFrame, _ = framer.EncodeCallError(call.MessageID, ferr.Code, ferr.Message, nil)
			status = storage.LogStatusError
		} else {
			respFrame, _ = framer.EncodeCallResult(call.MessageID, payload)
		}
	}

	processingMs := time.Since(start).Milliseconds()
	metrics.MessagesTotal.WithLabelValues("in", call.Action).Inc()
	metrics.MessageProcessingSeconds.WithLabelValues(call.Action).Observe(time.Since(start).Seconds())
	if s.store != nil {
		s.store.AppendMessageLog(ctx, &storage.MessageLog{
			Timestamp: time.Now().UTC(), ChargerID: chargerID, Direction: storage.DirectionIn,
			Action: call.Action, MessageID: call.MessageID, Status: status,
			ProcessingTimeMs: processingMs, RequestJSON: string(call.Payload), ResponseJSON: string(respFrame),
		})
	}
	if s.registry != nil {
		s.registry.ForwardToMasters(ctx, chargerID, connectionID,
			[]interface{}{ocpp16.Call, call.MessageID, call.Action, call.Payload},
			registry.DirectionIncoming, processingMs)
	}
	return respFrame
}

// nextTransactionID allocates a monotonically increasing id for chargerID,
// starting at 1. Transaction ids are tracked only in memory: a restart
// starts the sequence over, which is acceptable because StartTransaction
// always creates a fresh Session row keyed by (charger_id, transaction_id)
// and the Persistence Gateway is the system of record for historical ids.
func (s *Set) nextTransactionID(chargerID string) int {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	s.txSeq[chargerID]++
	return s.txSeq[chargerID]
}

func newMessageID() string {
	return uuid.NewString()
}
