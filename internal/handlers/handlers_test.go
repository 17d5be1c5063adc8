package handlers

import (
	"context"
	"encoding/json"
	"testing"

	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charging-platform/charge-point-gateway/internal/domain/ocpp16"
	"github.com/charging-platform/charge-point-gateway/internal/ocpp/framer"
	"github.com/charging-platform/charge-point-gateway/internal/projector"
	"github.com/charging-platform/charge-point-gateway/internal/registry"
	"github.com/charging-platform/charge-point-gateway/internal/retryengine"
	"github.com/charging-platform/charge-point-gateway/internal/storage"
)

func newTestSet(t *testing.T) (*Set, *storage.Store) {
	t.Helper()
	store, err := storage.Open(":memory:", storage.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	reg := registry.New(store, nil)
	retry := retryengine.New(store, reg, nil)
	reg.SetPendingRegistrar(retry)
	proj := projector.New(store, reg, nil)

	return New(store, nil, reg, retry, proj, nil), store
}

func TestDispatch_BootNotification(t *testing.T) {
	s, store := newTestSet(t)
	ctx := context.Background()

	payload, _ := json.Marshal(ocpp16.BootNotificationRequest{
		ChargePointVendor: "Acme", ChargePointModel: "X1",
	})
	frame, _ := framer.EncodeCall("m1", string(ocpp16.ActionBootNotification), json.RawMessage(payload))

	resp := s.Dispatch(ctx, "CP001", "conn-1", frame)
	require.NotNil(t, resp)

	kind, _, result, _, err := framer.Decode(resp)
	require.NoError(t, err)
	assert.Equal(t, framer.KindCallResult, kind)
	assert.Equal(t, "m1", result.MessageID)

	var bnResp ocpp16.BootNotificationResponse
	require.NoError(t, json.Unmarshal(result.Payload, &bnResp))
	assert.Equal(t, ocpp16.RegistrationStatusAccepted, bnResp.Status)

	c, err := store.GetCharger(ctx, "CP001")
	require.NoError(t, err)
	assert.Equal(t, "Acme", c.Vendor)
}

func TestDispatch_UnknownAction(t *testing.T) {
	s, _ := newTestSet(t)
	frame, _ := framer.EncodeCall("m2", "SomeVendorExtension", json.RawMessage(`{}`))

	resp := s.Dispatch(context.Background(), "CP001", "conn-1", frame)
	kind, _, _, cerr, err := framer.Decode(resp)
	require.NoError(t, err)
	assert.Equal(t, framer.KindCallError, kind)
	assert.Equal(t, framer.ErrorNotImplemented, cerr.ErrorCode)
}

func TestStartStopTransaction_EnergyAndCost(t *testing.T) {
	s, store := newTestSet(t)
	ctx := context.Background()
	require.NoError(t, store.UpsertCharger(ctx, &storage.Charger{ChargerID: "CP001"}))

	startPayload, _ := json.Marshal(ocpp16.StartTransactionRequest{
		ConnectorId: 1, IdTag: "TAG1", MeterStart: 1000, Timestamp: ocpp16.DateTime{Time: time.Now()},
	})
	startFrame, _ := framer.EncodeCall("m1", string(ocpp16.ActionStartTransaction), json.RawMessage(startPayload))
	startResp := s.Dispatch(ctx, "CP001", "conn-1", startFrame)
	_, _, result, _, err := framer.Decode(startResp)
	require.NoError(t, err)
	var startOut ocpp16.StartTransactionResponse
	require.NoError(t, json.Unmarshal(result.Payload, &startOut))
	assert.Equal(t, 1, startOut.TransactionId)

	stopPayload, _ := json.Marshal(ocpp16.StopTransactionRequest{
		MeterStop: 2500, Timestamp: ocpp16.DateTime{Time: time.Now()}, TransactionId: startOut.TransactionId,
	})
	stopFrame, _ := framer.EncodeCall("m2", string(ocpp16.ActionStopTransaction), json.RawMessage(stopPayload))
	s.Dispatch(ctx, "CP001", "conn-1", stopFrame)

	sess, err := store.GetSessionByTransaction(ctx, "CP001", 1)
	require.NoError(t, err)
	assert.Equal(t, storage.SessionStatusCompleted, sess.Status)
	assert.InDelta(t, 1.5, sess.EnergyDeliveredKWh, 0.001)
	assert.InDelta(t, 0.225, sess.Cost, 0.001)
}

func TestMeterValues_ForwardsPowerVoltageCurrentToProjector(t *testing.T) {
	s, store := newTestSet(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.proj.Run(ctx)

	require.NoError(t, store.UpsertCharger(ctx, &storage.Charger{ChargerID: "CP001"}))

	startPayload, _ := json.Marshal(ocpp16.StartTransactionRequest{
		ConnectorId: 1, IdTag: "TAG1", MeterStart: 1000, Timestamp: ocpp16.DateTime{Time: time.Now()},
	})
	startFrame, _ := framer.EncodeCall("m1", string(ocpp16.ActionStartTransaction), json.RawMessage(startPayload))
	s.Dispatch(ctx, "CP001", "conn-1", startFrame)

	power := ocpp16.MeasurandPowerActiveImport
	voltage := ocpp16.MeasurandVoltage
	current := ocpp16.MeasurandCurrentImport
	txID := 1
	mvPayload, _ := json.Marshal(ocpp16.MeterValuesRequest{
		ConnectorId:   1,
		TransactionId: &txID,
		MeterValue: []ocpp16.MeterValue{{
			Timestamp: ocpp16.DateTime{Time: time.Now()},
			SampledValue: []ocpp16.SampledValue{
				{Value: "7200", Measurand: &power},
				{Value: "230", Measurand: &voltage},
				{Value: "16", Measurand: &current},
			},
		}},
	})
	mvFrame, _ := framer.EncodeCall("m2", string(ocpp16.ActionMeterValues), json.RawMessage(mvPayload))
	s.Dispatch(ctx, "CP001", "conn-1", mvFrame)

	time.Sleep(20 * time.Millisecond)
	data, ok := s.proj.Snapshot(ctx)
	require.True(t, ok)
	require.Len(t, data.ActiveSessions, 1)
	for _, live := range data.ActiveSessions {
		assert.InDelta(t, 7.2, live.PowerDeliveredKW, 0.001)
		assert.InDelta(t, 230, live.Voltage, 0.001)
		assert.InDelta(t, 16, live.Current, 0.001)
	}
}

func TestBuildRemoteStopTransaction_NoActiveSession(t *testing.T) {
	s, _ := newTestSet(t)
	_, berr := buildRemoteStopTransaction(context.Background(), s, "CP999", nil)
	require.NotNil(t, berr)
	assert.Equal(t, 404, berr.Status)
}

func TestSendCommand_RejectsWhenDisconnectedAndNotQueueable(t *testing.T) {
	s, _ := newTestSet(t)
	res := s.SendCommand(context.Background(), "CP001", &BuildResult{Action: string(ocpp16.ActionReset), Payload: ocpp16.ResetRequest{Type: ocpp16.ResetTypeSoft}})
	assert.Equal(t, "Rejected", res.Status)
}

func TestSendCommand_QueuesChangeConfigurationWhenDisconnected(t *testing.T) {
	s, _ := newTestSet(t)
	res := s.SendCommand(context.Background(), "CP001", &BuildResult{
		Action: string(ocpp16.ActionChangeConfiguration), QueueWhileDisconnected: true,
		Payload: ocpp16.ChangeConfigurationRequest{Key: "k", Value: "v"},
	})
	assert.Equal(t, "Accepted", res.Status)
	assert.NotEmpty(t, res.MessageID)
}
