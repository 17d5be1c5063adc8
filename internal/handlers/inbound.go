package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/charging-platform/charge-point-gateway/internal/domain/ocpp16"
	"github.com/charging-platform/charge-point-gateway/internal/ocpp/framer"
	"github.com/charging-platform/charge-point-gateway/internal/projector"
	"github.com/charging-platform/charge-point-gateway/internal/storage"
)

var inboundHandlers = map[string]inboundHandlerFunc{
	string(ocpp16.ActionBootNotification):               handleBootNotification,
	string(ocpp16.ActionHeartbeat):                       handleHeartbeat,
	string(ocpp16.ActionStatusNotification):              handleStatusNotification,
	string(ocpp16.ActionMeterValues):                     handleMeterValues,
	string(ocpp16.ActionStartTransaction):                handleStartTransaction,
	string(ocpp16.ActionStopTransaction):                 handleStopTransaction,
	string(ocpp16.ActionAuthorize):                       handleAuthorize,
	string(ocpp16.ActionDataTransfer):                    handleDataTransfer,
	string(ocpp16.ActionDiagnosticsStatusNotification):   handleDiagnosticsStatusNotification,
	string(ocpp16.ActionFirmwareStatusNotification):       handleFirmwareStatusNotification,
	string(ocpp16.ActionGetCompositeSchedule):             handleGetCompositeSchedule,
	string(ocpp16.ActionCancelReservation):                handleCancelReservation,
	string(ocpp16.ActionReserveNow):                       handleReserveNow,
	string(ocpp16.ActionTriggerMessage):                   handleTriggerMessageEcho,
	string(ocpp16.ActionRemoteStartTransaction):           handleRemoteStartEcho,
	string(ocpp16.ActionRemoteStopTransaction):             handleRemoteStopEcho,
}

func handleBootNotification(ctx context.Context, s *Set, chargerID string, raw json.RawMessage) (interface{}, *framer.FrameError) {
	var req ocpp16.BootNotificationRequest
	if ferr := s.decodeAndValidate(raw, &req); ferr != nil {
		return nil, ferr
	}

	c := &storage.Charger{
		ChargerID: chargerID, Vendor: req.ChargePointVendor, Model: req.ChargePointModel,
		MaxRetries: 3, RetryIntervalS: 5, RetryEnabled: true, Status: "Available",
	}
	if req.ChargePointSerialNumber != nil {
		c.Serial = *req.ChargePointSerialNumber
	}
	if req.FirmwareVersion != nil {
		c.Firmware = *req.FirmwareVersion
	}
	if s.store != nil {
		if err := s.store.UpsertCharger(ctx, c); err != nil {
			return nil, &framer.FrameError{Code: framer.ErrorInternalError, Message: err.Error()}
		}
	}

	interval := 60
	if s.store != nil {
		interval = s.store.GetSystemConfigInt(ctx, storage.ConfigHeartbeatInterval, 60)
	}

	if s.bridge != nil {
		s.bridge.SendBootNotification(ctx, chargerID, req)
	}

	return ocpp16.BootNotificationResponse{
		Status:      ocpp16.RegistrationStatusAccepted,
		CurrentTime: ocpp16.DateTime{Time: time.Now().UTC()},
		Interval:    interval,
	}, nil
}

func handleHeartbeat(ctx context.Context, s *Set, chargerID string, raw json.RawMessage) (interface{}, *framer.FrameError) {
	now := time.Now().UTC()
	if s.store != nil {
		_ = s.store.UpdateHeartbeat(ctx, chargerID, now)
	}
	if s.bridge != nil {
		s.bridge.SendHeartbeat(ctx, chargerID, map[string]string{"timestamp": now.Format(time.RFC3339)})
	}
	return ocpp16.HeartbeatResponse{CurrentTime: ocpp16.DateTime{Time: now}}, nil
}

func handleStatusNotification(ctx context.Context, s *Set, chargerID string, raw json.RawMessage) (interface{}, *framer.FrameError) {
	var req ocpp16.StatusNotificationRequest
	if ferr := s.decodeAndValidate(raw, &req); ferr != nil {
		return nil, ferr
	}

	if s.store != nil {
		_ = s.store.UpsertConnector(ctx, &storage.Connector{
			ChargerID: chargerID, ConnectorID: req.ConnectorId,
			Status: string(req.Status), ErrorCode: string(req.ErrorCode),
		})
		if req.ConnectorId == 0 {
			if c, err := s.store.GetCharger(ctx, chargerID); err == nil {
				c.Status = string(req.Status)
				_ = s.store.UpsertCharger(ctx, c)
			}
		}
	}

	if s.proj != nil {
		s.proj.StatusUpdate(projector.LiveCharger{ChargerID: chargerID, Status: string(req.Status), IsConnected: true})
	}
	if s.bridge != nil {
		s.bridge.SendStatusNotification(ctx, chargerID, req)
	}
	return ocpp16.StatusNotificationResponse{}, nil
}

func handleMeterValues(ctx context.Context, s *Set, chargerID string, raw json.RawMessage) (interface{}, *framer.FrameError) {
	var req ocpp16.MeterValuesRequest
	if ferr := s.decodeAndValidate(raw, &req); ferr != nil {
		return nil, ferr
	}

	var energyKWh, powerKW, voltage, current float64
	var haveEnergy, havePower, haveVoltage, haveCurrent bool
	for _, mv := range req.MeterValue {
		for _, sv := range mv.SampledValue {
			if sv.Measurand == nil {
				continue
			}
			var v float64
			if _, err := fmt.Sscanf(sv.Value, "%f", &v); err != nil {
				continue
			}
			switch *sv.Measurand {
			case ocpp16.MeasurandEnergyActiveImportRegister:
				energyKWh = v / 1000.0
				haveEnergy = true
			case ocpp16.MeasurandPowerActiveImport:
				powerKW = v / 1000.0
				havePower = true
			case ocpp16.MeasurandVoltage:
				voltage = v
				haveVoltage = true
			case ocpp16.MeasurandCurrentImport:
				current = v
				haveCurrent = true
			}
		}
	}

	if haveEnergy && s.store != nil {
		_ = s.store.UpsertConnector(ctx, &storage.Connector{
			ChargerID: chargerID, ConnectorID: req.ConnectorId, EnergyDeliveredKWh: energyKWh,
		})
	}
	if (haveEnergy || havePower || haveVoltage || haveCurrent) && req.TransactionId != nil && s.proj != nil && s.store != nil {
		if sess, err := s.store.GetSessionByTransaction(ctx, chargerID, *req.TransactionId); err == nil {
			if !haveEnergy {
				energyKWh = sess.EnergyDeliveredKWh
			}
			s.proj.MeterUpdate(sess.SessionID, energyKWh, powerKW, voltage, current)
		}
	}
	if s.bridge != nil {
		s.bridge.SendMeterValues(ctx, chargerID, req)
	}
	return ocpp16.MeterValuesResponse{}, nil
}

func handleStartTransaction(ctx context.Context, s *Set, chargerID string, raw json.RawMessage) (interface{}, *framer.FrameError) {
	var req ocpp16.StartTransactionRequest
	if ferr := s.decodeAndValidate(raw, &req); ferr != nil {
		return nil, ferr
	}

	txID := s.nextTransactionID(chargerID)
	now := time.Now().UTC()

	if s.store != nil {
		_ = s.store.FaultDanglingActiveSessions(ctx, chargerID, now)
		sessionID := newMessageID()
		if err := s.store.CreateSession(ctx, &storage.Session{
			SessionID: sessionID, ChargerID: chargerID, ConnectorID: req.ConnectorId,
			TransactionID: txID, IDTag: req.IdTag, StartTime: now, MeterStart: req.MeterStart,
		}); err != nil {
			return nil, &framer.FrameError{Code: framer.ErrorInternalError, Message: err.Error()}
		}
		if s.proj != nil {
			s.proj.SessionStarted(projector.LiveSession{
				SessionID: sessionID, TransactionID: txID, ChargerID: chargerID,
				ConnectorID: req.ConnectorId, IDTag: req.IdTag, StartTime: now,
				MeterStart: req.MeterStart, Status: storage.SessionStatusActive,
			})
		}
	}
	if s.bridge != nil {
		s.bridge.SendTransactionStart(ctx, chargerID, req)
	}

	return ocpp16.StartTransactionResponse{
		IdTagInfo:     ocpp16.IdTagInfo{Status: ocpp16.AuthorizationStatusAccepted},
		TransactionId: txID,
	}, nil
}

func handleStopTransaction(ctx context.Context, s *Set, chargerID string, raw json.RawMessage) (interface{}, *framer.FrameError) {
	var req ocpp16.StopTransactionRequest
	if ferr := s.decodeAndValidate(raw, &req); ferr != nil {
		return nil, ferr
	}

	if s.store != nil {
		sess, err := s.store.GetSessionByTransaction(ctx, chargerID, req.TransactionId)
		if err == nil {
			rate := s.store.GetSystemConfigFloat(ctx, storage.ConfigEnergyRatePerKWh, 0.15)
			energyKWh := float64(req.MeterStop-sess.MeterStart) / 1000.0
			cost := energyKWh * rate
			reason := ""
			if req.Reason != nil {
				reason = string(*req.Reason)
			}
			_ = s.store.CloseSession(ctx, sess.SessionID, req.Timestamp.Time, req.MeterStop,
				energyKWh, cost, storage.SessionStatusCompleted, reason)
			if s.proj != nil {
				s.proj.SessionStopped(sess.SessionID)
			}
		}
	}
	if s.bridge != nil {
		s.bridge.SendTransactionStop(ctx, chargerID, req)
	}
	return ocpp16.StopTransactionResponse{}, nil
}

func handleAuthorize(ctx context.Context, s *Set, chargerID string, raw json.RawMessage) (interface{}, *framer.FrameError) {
	var req ocpp16.AuthorizeRequest
	if ferr := s.decodeAndValidate(raw, &req); ferr != nil {
		return nil, ferr
	}

	status := ocpp16.AuthorizationStatusInvalid
	if s.store != nil {
		if card, err := s.store.GetRFIDCard(ctx, req.IdTag); err == nil {
			switch {
			case card.ExpiryDate != nil && card.ExpiryDate.Before(time.Now()):
				status = ocpp16.AuthorizationStatusExpired
			case card.Status == storage.CardStatusBlocked:
				status = ocpp16.AuthorizationStatusBlocked
			case card.Status == storage.CardStatusInactive:
				status = ocpp16.AuthorizationStatusInvalid
			case card.Status == storage.CardStatusActive:
				status = ocpp16.AuthorizationStatusAccepted
			default:
				status = ocpp16.AuthorizationStatusInvalid
			}
		}
	}
	return ocpp16.AuthorizeResponse{IdTagInfo: ocpp16.IdTagInfo{Status: status}}, nil
}

func handleDataTransfer(ctx context.Context, s *Set, chargerID string, raw json.RawMessage) (interface{}, *framer.FrameError) {
	var req ocpp16.DataTransferRequest
	// DataTransfer's inner data may be arbitrary, possibly malformed, JSON:
	// it is accepted regardless, never rejected as a format violation.
	_ = json.Unmarshal(raw, &req)
	return ocpp16.DataTransferResponse{Status: ocpp16.DataTransferStatusAccepted}, nil
}

func handleDiagnosticsStatusNotification(ctx context.Context, s *Set, chargerID string, raw json.RawMessage) (interface{}, *framer.FrameError) {
	var req ocpp16.DiagnosticsStatusNotificationRequest
	_ = json.Unmarshal(raw, &req)
	if s.log != nil {
		s.log.Infof("diagnostics status for %s: %s", chargerID, req.Status)
	}
	return ocpp16.DiagnosticsStatusNotificationResponse{}, nil
}

func handleFirmwareStatusNotification(ctx context.Context, s *Set, chargerID string, raw json.RawMessage) (interface{}, *framer.FrameError) {
	var req ocpp16.FirmwareStatusNotificationRequest
	_ = json.Unmarshal(raw, &req)
	if s.log != nil {
		s.log.Infof("firmware status for %s: %s", chargerID, req.Status)
	}
	return ocpp16.FirmwareStatusNotificationResponse{}, nil
}

// handleGetCompositeSchedule answers with a flat, always-on synthetic
// schedule: this central station does not run smart-charging optimization,
// so any caller asking the CP to report its composite schedule back gets a
// single period starting at 0 with a 10000 W limit.
func handleGetCompositeSchedule(ctx context.Context, s *Set, chargerID string, raw json.RawMessage) (interface{}, *framer.FrameError) {
	var req ocpp16.GetCompositeScheduleRequest
	_ = json.Unmarshal(raw, &req)
	unit := ocpp16.ChargingRateUnitW
	return ocpp16.GetCompositeScheduleResponse{
		Status:      ocpp16.GetCompositeScheduleStatusAccepted,
		ConnectorId: &req.ConnectorId,
		ChargingSchedule: &ocpp16.ChargingSchedule{
			ChargingRateUnit: unit,
			ChargingSchedulePeriod: []ocpp16.ChargingSchedulePeriod{
				{StartPeriod: 0, Limit: 10000},
			},
		},
	}, nil
}

func handleCancelReservation(ctx context.Context, s *Set, chargerID string, raw json.RawMessage) (interface{}, *framer.FrameError) {
	return ocpp16.CancelReservationResponse{Status: ocpp16.CancelReservationStatusAccepted}, nil
}

func handleReserveNow(ctx context.Context, s *Set, chargerID string, raw json.RawMessage) (interface{}, *framer.FrameError) {
	return ocpp16.ReserveNowResponse{Status: ocpp16.ReservationStatusAccepted}, nil
}

// handleTriggerMessageEcho, handleRemoteStartEcho and handleRemoteStopEcho
// answer a charge point that sends these normally CS-initiated actions back
// as a CALL of its own — some field units run a bidirectional test harness
// that probes the Central Station with its own command set. The Central
// Station always accepts rather than rejecting with NotImplemented.
func handleTriggerMessageEcho(ctx context.Context, s *Set, chargerID string, raw json.RawMessage) (interface{}, *framer.FrameError) {
	return ocpp16.TriggerMessageResponse{Status: ocpp16.TriggerMessageStatusAccepted}, nil
}

func handleRemoteStartEcho(ctx context.Context, s *Set, chargerID string, raw json.RawMessage) (interface{}, *framer.FrameError) {
	return ocpp16.RemoteStartTransactionResponse{Status: ocpp16.RemoteStartStopStatusAccepted}, nil
}

func handleRemoteStopEcho(ctx context.Context, s *Set, chargerID string, raw json.RawMessage) (interface{}, *framer.FrameError) {
	return ocpp16.RemoteStopTransactionResponse{Status: ocpp16.RemoteStartStopStatusAccepted}, nil
}
