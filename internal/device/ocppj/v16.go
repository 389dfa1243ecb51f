package ocppj

import (
	"context"
	"encoding/json"
	"strconv"

	"go.uber.org/zap"

	"github.com/evetech/cp-simulator/internal/device"
	"github.com/evetech/cp-simulator/internal/telemetry"
)

// V16 speaks OCPP-J 1.6 over WebSocket.
type V16 struct {
	client
}

// NewV16 builds a 1.6 device. protocols defaults to the 1.6/1.5
// sub-protocol pair when empty.
func NewV16(deviceID, serverAddress string, protocols []string, spec Spec, log *zap.Logger) *V16 {
	if len(protocols) == 0 {
		protocols = []string{"ocpp1.6", "ocpp1.5"}
	}
	d := &V16{client: client{
		Base:          device.NewBase(deviceID, log),
		serverAddress: serverAddress,
		protocols:     protocols,
		spec:          spec,
		ongoingStatus: "Charging",
	}}
	d.self = d
	return d
}

type bootNotificationReq struct {
	ChargePointVendor       string `json:"chargePointVendor,omitempty"`
	ChargePointModel        string `json:"chargePointModel,omitempty"`
	ChargeBoxSerialNumber   string `json:"chargeBoxSerialNumber,omitempty"`
	ChargePointSerialNumber string `json:"chargePointSerialNumber,omitempty"`
	FirmwareVersion         string `json:"firmwareVersion,omitempty"`
	ICCID                   string `json:"iccid,omitempty"`
	IMSI                    string `json:"imsi,omitempty"`
	MeterType               string `json:"meterType,omitempty"`
	MeterSerialNumber       string `json:"meterSerialNumber,omitempty"`
}

type statusResp struct {
	Status string `json:"status"`
}

type idTagInfoResp struct {
	IDTagInfo statusResp `json:"idTagInfo"`
}

// ActionRegister sends BootNotification with the configured station spec.
func (d *V16) ActionRegister(ctx context.Context) bool {
	const action = "BootNotification"
	d.actionStart(action)
	raw, ok := d.call(ctx, action, bootNotificationReq{
		ChargePointVendor:       d.spec.ChargePointVendor,
		ChargePointModel:        d.spec.ChargePointModel,
		ChargeBoxSerialNumber:   d.spec.ChargeBoxSerialNumber,
		ChargePointSerialNumber: d.spec.ChargePointSerialNumber,
		FirmwareVersion:         d.spec.FirmwareVersion,
		ICCID:                   d.spec.ICCID,
		IMSI:                    d.spec.IMSI,
		MeterType:               d.spec.MeterType,
		MeterSerialNumber:       d.spec.MeterSerialNumber,
	})
	if !ok {
		return false
	}
	var resp statusResp
	if json.Unmarshal(raw, &resp) != nil || resp.Status != "Accepted" {
		return d.respFailed(ctx, action, raw)
	}
	return d.actionEnd(action)
}

// ActionHeartbeat sends the 1.6 heartbeat; the action name keeps the legacy
// inner capital the firmware always used.
func (d *V16) ActionHeartbeat(ctx context.Context) bool {
	return d.heartbeat(ctx, "HeartBeat")
}

// ActionAuthorize succeeds iff idTagInfo.status is Accepted.
func (d *V16) ActionAuthorize(ctx context.Context, opts device.FlowOptions) bool {
	const action = "Authorize"
	d.actionStart(action)
	raw, ok := d.call(ctx, action, map[string]any{"idTag": opts.IDTag()})
	if !ok {
		return false
	}
	var resp idTagInfoResp
	if json.Unmarshal(raw, &resp) != nil || resp.IDTagInfo.Status != "Accepted" {
		return d.respFailed(ctx, action, raw)
	}
	return d.actionEnd(action)
}

// ActionStatusUpdate sends StatusNotification. The errorCode option
// overrides the NoError default.
func (d *V16) ActionStatusUpdate(ctx context.Context, status string, opts device.FlowOptions) bool {
	const action = "StatusNotification"
	d.actionStart(action)
	errorCode := "NoError"
	if v, ok := opts["errorCode"]; ok && v != nil {
		errorCode = valueToString(v, errorCode)
	}
	_, ok := d.call(ctx, action, map[string]any{
		"connectorId": opts.ConnectorID(),
		"errorCode":   errorCode,
		"status":      status,
	})
	if !ok {
		return false
	}
	return d.actionEnd(action)
}

// ActionChargeStart sends StartTransaction and records the server-assigned
// transaction id in the session.
func (d *V16) ActionChargeStart(ctx context.Context, opts device.FlowOptions) bool {
	const action = "StartTransaction"
	d.actionStart(action)
	opts.EnsureChargeWindow(device.UTCNow())
	start, _ := opts.ChargeStartTime()
	raw, ok := d.call(ctx, action, map[string]any{
		"timestamp":   device.Timestamp(start),
		"connectorId": opts.ConnectorID(),
		"meterStart":  opts.MeterStart(),
		"idTag":       opts.IDTag(),
	})
	if !ok {
		return false
	}
	var resp struct {
		TransactionID int        `json:"transactionId"`
		IDTagInfo     statusResp `json:"idTagInfo"`
	}
	if json.Unmarshal(raw, &resp) != nil || resp.IDTagInfo.Status != "Accepted" {
		return d.respFailed(ctx, action, raw)
	}
	if !d.Session.Begin(strconv.Itoa(resp.TransactionID), opts.MeterStart(), start) {
		d.Log().Warn("Charge start, transaction already in progress")
		return false
	}
	telemetry.ActiveSessions.Set(1)
	return d.actionEnd(action)
}

// ActionMeterValue sends one Energy.Active.Import.Register sample, computed
// from the charge window unless the ongoing loop scripted an override.
func (d *V16) ActionMeterValue(ctx context.Context, opts device.FlowOptions) bool {
	const action = "MeterValues"
	d.actionStart(action)
	now := device.UTCNow()
	value, ok := opts.MeterValueOverride()
	if !ok {
		value = opts.MeterValueAt(now)
	}
	ts, ok := opts.TimestampOverride()
	if !ok {
		ts = device.Timestamp(now)
	}
	txID, _ := strconv.Atoi(d.Session.TransactionID())
	_, sent := d.call(ctx, action, map[string]any{
		"connectorId":   opts.ConnectorID(),
		"transactionId": txID,
		"meterValue": []map[string]any{{
			"timestamp": ts,
			"sampledValue": []map[string]any{{
				"value":     strconv.Itoa(value),
				"context":   "Sample.Periodic",
				"measurand": "Energy.Active.Import.Register",
				"location":  "Outlet",
				"unit":      "Wh",
			}},
		}},
	})
	if !sent {
		return false
	}
	return d.actionEnd(action)
}

// ActionChargeStop sends StopTransaction for the recorded transaction.
func (d *V16) ActionChargeStop(ctx context.Context, opts device.FlowOptions) bool {
	const action = "StopTransaction"
	d.actionStart(action)
	now := device.UTCNow()
	stopTime, ok := opts.ChargeStopTime()
	if !ok {
		stopTime = device.Timestamp(now)
	}
	meterStop, ok := opts.MeterStop()
	if !ok {
		meterStop = opts.MeterValueAt(now)
	}
	txID, _ := strconv.Atoi(d.Session.TransactionID())
	raw, sent := d.call(ctx, action, map[string]any{
		"timestamp":     stopTime,
		"transactionId": txID,
		"meterStop":     meterStop,
		"idTag":         opts.IDTag(),
		"reason":        opts.StopReason(),
	})
	if !sent {
		return false
	}
	var resp idTagInfoResp
	if json.Unmarshal(raw, &resp) != nil || resp.IDTagInfo.Status != "Accepted" {
		return d.respFailed(ctx, action, raw)
	}
	return d.actionEnd(action)
}

// FlowCharge runs the full 1.6 charging sequence: authorize (skipped for
// remote starts), start transaction, Preparing, Charging, the ongoing loop,
// Finishing, stop transaction, Available.
func (d *V16) FlowCharge(ctx context.Context, autoStop bool, opts device.FlowOptions) bool {
	const flow = "flow_charge"
	d.flowStart(flow)
	opts = opts.Clone()

	if !opts.IsRemoteStarted() {
		if !d.ActionAuthorize(ctx, opts) {
			return d.chargeFailed(flow)
		}
	}
	opts.EnsureChargeWindow(device.UTCNow())
	if !d.ActionChargeStart(ctx, opts) {
		return d.chargeFailed(flow)
	}
	if !d.ActionStatusUpdate(ctx, "Preparing", opts) {
		return d.chargeFailed(flow)
	}
	if !d.ActionStatusUpdate(ctx, "Charging", opts) {
		return d.chargeFailed(flow)
	}
	if !d.FlowChargeOngoingLoop(ctx, d, autoStop, opts) {
		return d.chargeFailed(flow)
	}
	if !d.ActionStatusUpdate(ctx, "Finishing", opts) {
		return d.chargeFailed(flow)
	}
	if !d.ActionChargeStop(ctx, opts) {
		return d.chargeFailed(flow)
	}
	if !d.ActionStatusUpdate(ctx, "Available", opts) {
		return d.chargeFailed(flow)
	}
	d.Session.Clear()
	telemetry.ActiveSessions.Set(0)
	return d.flowEnd(flow)
}
