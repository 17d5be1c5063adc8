package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/charging-platform/charge-point-gateway/internal/domain/ocpp16"
	"github.com/charging-platform/charge-point-gateway/internal/metrics"
	"github.com/charging-platform/charge-point-gateway/internal/ocpp/framer"
	"github.com/charging-platform/charge-point-gateway/internal/registry"
	"github.com/charging-platform/charge-point-gateway/internal/retryengine"
	"github.com/charging-platform/charge-point-gateway/internal/storage"
)

// BuildError is a validation or lookup failure the Admin Facade should turn
// into an HTTP 4xx response.
type BuildError struct {
	Status int
	Detail string
}

func (e *BuildError) Error() string { return e.Detail }

func badRequest(format string, args ...interface{}) *BuildError {
	return &BuildError{Status: 400, Detail: fmt.Sprintf(format, args...)}
}

func notFound(format string, args ...interface{}) *BuildError {
	return &BuildError{Status: 404, Detail: fmt.Sprintf(format, args...)}
}

// BuildResult is a fully-formed outbound action ready for SendCommand.
type BuildResult struct {
	Action                 string
	Payload                interface{}
	QueueWhileDisconnected bool
}

type buildFunc func(ctx context.Context, s *Set, chargerID string, body json.RawMessage) (*BuildResult, *BuildError)

// OutboundBuilders is the 1:1 map the Admin Facade's POST /ocpp/<command>
// route consults; the map key is the command name from the URL.
var OutboundBuilders = map[string]buildFunc{
	string(ocpp16.ActionRemoteStartTransaction): buildRemoteStartTransaction,
	string(ocpp16.ActionRemoteStopTransaction):  buildRemoteStopTransaction,
	string(ocpp16.ActionUnlockConnector):        buildUnlockConnector,
	string(ocpp16.ActionChangeAvailability):     buildChangeAvailability,
	string(ocpp16.ActionChangeConfiguration):    buildChangeConfiguration,
	string(ocpp16.ActionGetConfiguration):       buildGetConfiguration,
	string(ocpp16.ActionClearCache):             buildClearCache,
	string(ocpp16.ActionClearChargingProfile):   buildClearChargingProfile,
	string(ocpp16.ActionSetChargingProfile):     buildSetChargingProfile,
	string(ocpp16.ActionReset):                  buildReset,
	string(ocpp16.ActionSendLocalList):          buildSendLocalList,
	string(ocpp16.ActionGetLocalListVersion):    buildGetLocalListVersion,
	string(ocpp16.ActionGetDiagnostics):         buildGetDiagnostics,
	string(ocpp16.ActionUpdateFirmware):         buildUpdateFirmware,
	string(ocpp16.ActionTriggerMessage):         buildTriggerMessage,
}

func (s *Set) decodeBuilderBody(body json.RawMessage, into interface{}) *BuildError {
	if len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, into); err != nil {
		return badRequest("malformed request body: %v", err)
	}
	if err := s.validate.Struct(into); err != nil {
		return badRequest("invalid request: %v", err)
	}
	return nil
}

func buildRemoteStartTransaction(ctx context.Context, s *Set, chargerID string, body json.RawMessage) (*BuildResult, *BuildError) {
	var req ocpp16.RemoteStartTransactionRequest
	if berr := s.decodeBuilderBody(body, &req); berr != nil {
		return nil, berr
	}
	if s.registry != nil && !s.registry.IsConnected(chargerID) {
		return nil, notFound("charger %s is not connected", chargerID)
	}
	return &BuildResult{Action: string(ocpp16.ActionRemoteStartTransaction), Payload: req}, nil
}

func buildRemoteStopTransaction(ctx context.Context, s *Set, chargerID string, body json.RawMessage) (*BuildResult, *BuildError) {
	if s.store == nil {
		return nil, notFound("no active session for %s", chargerID)
	}
	sess, err := s.store.GetActiveSession(ctx, chargerID)
	if err != nil {
		return nil, notFound("no active session for %s", chargerID)
	}
	return &BuildResult{
		Action:  string(ocpp16.ActionRemoteStopTransaction),
		Payload: ocpp16.RemoteStopTransactionRequest{TransactionId: sess.TransactionID},
	}, nil
}

func buildUnlockConnector(ctx context.Context, s *Set, chargerID string, body json.RawMessage) (*BuildResult, *BuildError) {
	var req ocpp16.UnlockConnectorRequest
	if berr := s.decodeBuilderBody(body, &req); berr != nil {
		return nil, berr
	}
	if s.store != nil {
		if _, err := s.store.GetConnector(ctx, chargerID, req.ConnectorId); err != nil {
			return nil, notFound("connector %d not found for %s", req.ConnectorId, chargerID)
		}
	}
	return &BuildResult{Action: string(ocpp16.ActionUnlockConnector), Payload: req}, nil
}

func buildChangeAvailability(ctx context.Context, s *Set, chargerID string, body json.RawMessage) (*BuildResult, *BuildError) {
	var req ocpp16.ChangeAvailabilityRequest
	if berr := s.decodeBuilderBody(body, &req); berr != nil {
		return nil, berr
	}
	return &BuildResult{Action: string(ocpp16.ActionChangeAvailability), Payload: req}, nil
}

// buildChangeConfiguration is the only action the Retry Engine will queue
// against a disconnected charger: the Admin Facade still returns Accepted
// immediately and the Retry Engine delivers it the moment the charger
// reconnects.
func buildChangeConfiguration(ctx context.Context, s *Set, chargerID string, body json.RawMessage) (*BuildResult, *BuildError) {
	var req ocpp16.ChangeConfigurationRequest
	if berr := s.decodeBuilderBody(body, &req); berr != nil {
		return nil, berr
	}
	return &BuildResult{Action: string(ocpp16.ActionChangeConfiguration), Payload: req, QueueWhileDisconnected: true}, nil
}

func buildGetConfiguration(ctx context.Context, s *Set, chargerID string, body json.RawMessage) (*BuildResult, *BuildError) {
	var req ocpp16.GetConfigurationRequest
	if berr := s.decodeBuilderBody(body, &req); berr != nil {
		return nil, berr
	}
	return &BuildResult{Action: string(ocpp16.ActionGetConfiguration), Payload: req}, nil
}

func buildClearCache(ctx context.Context, s *Set, chargerID string, body json.RawMessage) (*BuildResult, *BuildError) {
	return &BuildResult{Action: string(ocpp16.ActionClearCache), Payload: ocpp16.ClearCacheRequest{}}, nil
}

func buildClearChargingProfile(ctx context.Context, s *Set, chargerID string, body json.RawMessage) (*BuildResult, *BuildError) {
	var req ocpp16.ClearChargingProfileRequest
	if berr := s.decodeBuilderBody(body, &req); berr != nil {
		return nil, berr
	}
	return &BuildResult{Action: string(ocpp16.ActionClearChargingProfile), Payload: req}, nil
}

func buildSetChargingProfile(ctx context.Context, s *Set, chargerID string, body json.RawMessage) (*BuildResult, *BuildError) {
	var req ocpp16.SetChargingProfileRequest
	if berr := s.decodeBuilderBody(body, &req); berr != nil {
		return nil, berr
	}
	return &BuildResult{Action: string(ocpp16.ActionSetChargingProfile), Payload: req}, nil
}

func buildReset(ctx context.Context, s *Set, chargerID string, body json.RawMessage) (*BuildResult, *BuildError) {
	var req ocpp16.ResetRequest
	if berr := s.decodeBuilderBody(body, &req); berr != nil {
		return nil, berr
	}
	return &BuildResult{Action: string(ocpp16.ActionReset), Payload: req}, nil
}

func buildSendLocalList(ctx context.Context, s *Set, chargerID string, body json.RawMessage) (*BuildResult, *BuildError) {
	var req ocpp16.SendLocalListRequest
	if berr := s.decodeBuilderBody(body, &req); berr != nil {
		return nil, berr
	}
	return &BuildResult{Action: string(ocpp16.ActionSendLocalList), Payload: req}, nil
}

func buildGetLocalListVersion(ctx context.Context, s *Set, chargerID string, body json.RawMessage) (*BuildResult, *BuildError) {
	return &BuildResult{Action: string(ocpp16.ActionGetLocalListVersion), Payload: ocpp16.GetLocalListVersionRequest{}}, nil
}

func buildGetDiagnostics(ctx context.Context, s *Set, chargerID string, body json.RawMessage) (*BuildResult, *BuildError) {
	var req ocpp16.GetDiagnosticsRequest
	if berr := s.decodeBuilderBody(body, &req); berr != nil {
		return nil, berr
	}
	return &BuildResult{Action: string(ocpp16.ActionGetDiagnostics), Payload: req}, nil
}

func buildUpdateFirmware(ctx context.Context, s *Set, chargerID string, body json.RawMessage) (*BuildResult, *BuildError) {
	var req ocpp16.UpdateFirmwareRequest
	if berr := s.decodeBuilderBody(body, &req); berr != nil {
		return nil, berr
	}
	return &BuildResult{Action: string(ocpp16.ActionUpdateFirmware), Payload: req}, nil
}

func buildTriggerMessage(ctx context.Context, s *Set, chargerID string, body json.RawMessage) (*BuildResult, *BuildError) {
	var req ocpp16.TriggerMessageRequest
	if berr := s.decodeBuilderBody(body, &req); berr != nil {
		return nil, berr
	}
	return &BuildResult{Action: string(ocpp16.ActionTriggerMessage), Payload: req}, nil
}

// SendResult is what the Admin Facade turns directly into its JSON response.
type SendResult struct {
	Status    string `json:"status"`
	MessageID string `json:"message_id,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

// SendCommand is the single choke point through which every outbound CALL
// leaves the Central Station: it checks connectivity, defers to the Retry
// Engine's queue-while-disconnected allow-list, serializes the frame,
// writes it through the Registry and logs + forwards it to observers.
func (s *Set) SendCommand(ctx context.Context, chargerID string, result *BuildResult) SendResult {
	messageID := newMessageID()

	connected := s.registry != nil && s.registry.IsConnected(chargerID)
	if !connected {
		if !result.QueueWhileDisconnected || !retryengine.QueueWhileDisconnected(result.Action) {
			return SendResult{Status: "Rejected", Detail: "charger not connected"}
		}
		if s.retry != nil {
			s.retry.QueuePending(messageID, chargerID, result.Action, result.Payload)
		}
		return SendResult{Status: "Accepted", MessageID: messageID}
	}

	frame, err := framer.EncodeCall(messageID, result.Action, result.Payload)
	if err != nil {
		return SendResult{Status: "Rejected", Detail: err.Error()}
	}

	start := time.Now()
	ok := s.registry.SendToCP(ctx, chargerID, frame, true, messageID, result.Action, result.Payload)
	if !ok {
		return SendResult{Status: "Rejected", Detail: "write to charge point failed"}
	}
	metrics.MessagesTotal.WithLabelValues("out", result.Action).Inc()

	if s.store != nil {
		s.store.AppendMessageLog(ctx, &storage.MessageLog{
			Timestamp: time.Now().UTC(), ChargerID: chargerID, Direction: storage.DirectionOut,
			Action: result.Action, MessageID: messageID, Status: storage.LogStatusPending,
			ProcessingTimeMs: time.Since(start).Milliseconds(), RequestJSON: mustJSON(result.Payload),
		})
	}
	if connID, ok := s.registry.ConnectionID(chargerID); ok {
		s.registry.ForwardToMasters(ctx, chargerID, connID,
			[]interface{}{ocpp16.Call, messageID, result.Action, result.Payload},
			registry.DirectionOutgoing, time.Since(start).Milliseconds())
	}

	return SendResult{Status: "Accepted", MessageID: messageID}
}

func mustJSON(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
