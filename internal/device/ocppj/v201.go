package ocppj

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/evetech/cp-simulator/internal/device"
	"github.com/evetech/cp-simulator/internal/telemetry"
)

// V201 speaks OCPP-J 2.0.1 over WebSocket. Transaction ids are generated
// client-side and every transaction event carries a sequence number.
type V201 struct {
	client
}

// NewV201 builds a 2.0.1 device.
func NewV201(deviceID, serverAddress string, protocols []string, spec Spec, log *zap.Logger) *V201 {
	if len(protocols) == 0 {
		protocols = []string{"ocpp2.0.1"}
	}
	d := &V201{client: client{
		Base:          device.NewBase(deviceID, log),
		serverAddress: serverAddress,
		protocols:     protocols,
		spec:          spec,
		ongoingStatus: "Occupied",
	}}
	d.self = d
	return d
}

func (d *V201) idToken(opts device.FlowOptions) map[string]any {
	return map[string]any{"idToken": opts.IDTag(), "type": "ISO14443"}
}

type idTokenInfoResp struct {
	IDTokenInfo *statusResp `json:"idTokenInfo"`
}

// ActionRegister sends BootNotification with the chargingStation block.
func (d *V201) ActionRegister(ctx context.Context) bool {
	const action = "BootNotification"
	d.actionStart(action)
	station := map[string]any{
		"vendorName": d.spec.ChargePointVendor,
		"model":      d.spec.ChargePointModel,
	}
	if d.spec.ChargePointSerialNumber != "" {
		station["serialNumber"] = d.spec.ChargePointSerialNumber
	}
	if d.spec.FirmwareVersion != "" {
		station["firmwareVersion"] = d.spec.FirmwareVersion
	}
	if d.spec.ICCID != "" || d.spec.IMSI != "" {
		station["modem"] = map[string]any{"iccid": d.spec.ICCID, "imsi": d.spec.IMSI}
	}
	raw, ok := d.call(ctx, action, map[string]any{
		"chargingStation": station,
		"reason":          "RemoteReset",
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

func (d *V201) ActionHeartbeat(ctx context.Context) bool {
	return d.heartbeat(ctx, "Heartbeat")
}

// ActionAuthorize succeeds iff idTokenInfo.status is Accepted; an absent
// idTokenInfo fails the action.
func (d *V201) ActionAuthorize(ctx context.Context, opts device.FlowOptions) bool {
	const action = "Authorize"
	d.actionStart(action)
	raw, ok := d.call(ctx, action, map[string]any{"idToken": d.idToken(opts)})
	if !ok {
		return false
	}
	var resp idTokenInfoResp
	if json.Unmarshal(raw, &resp) != nil || resp.IDTokenInfo == nil || resp.IDTokenInfo.Status != "Accepted" {
		return d.respFailed(ctx, action, raw)
	}
	return d.actionEnd(action)
}

// ActionStatusUpdate sends StatusNotification with the 2.0.1 field names.
func (d *V201) ActionStatusUpdate(ctx context.Context, status string, opts device.FlowOptions) bool {
	const action = "StatusNotification"
	d.actionStart(action)
	_, ok := d.call(ctx, action, map[string]any{
		"timestamp":       device.Timestamp(device.UTCNow()),
		"connectorStatus": status,
		"evseId":          opts.EVSEID(),
		"connectorId":     opts.ConnectorID(),
	})
	if !ok {
		return false
	}
	return d.actionEnd(action)
}

// transactionEvent builds the envelope shared by Started/Updated/Ended.
func (d *V201) transactionEvent(eventType, triggerReason string, seqNo int, opts device.FlowOptions, meterValue []map[string]any) map[string]any {
	payload := map[string]any{
		"eventType":     eventType,
		"timestamp":     device.Timestamp(device.UTCNow()),
		"triggerReason": triggerReason,
		"seqNo":         seqNo,
		"transactionInfo": map[string]any{
			"transactionId": d.Session.TransactionID(),
			"chargingState": "Charging",
		},
		"evse": map[string]any{
			"id":          opts.EVSEID(),
			"connectorId": opts.ConnectorID(),
		},
		"idToken": d.idToken(opts),
	}
	if meterValue != nil {
		payload["meterValue"] = meterValue
	}
	return payload
}

func sampledWh(value int, ts string) []map[string]any {
	return []map[string]any{{
		"timestamp": ts,
		"sampledValue": []map[string]any{{
			"value":     value,
			"context":   "Sample.Periodic",
			"measurand": "Energy.Active.Import.Register",
			"location":  "Outlet",
			"unitOfMeasure": map[string]any{
				"unit": "Wh",
			},
		}},
	}}
}

// ActionChargeStart generates the transaction id locally and sends
// TransactionEvent Started with seqNo 0.
func (d *V201) ActionChargeStart(ctx context.Context, opts device.FlowOptions) bool {
	const action = "TransactionEvent"
	d.actionStart(action)
	opts.EnsureChargeWindow(device.UTCNow())
	start, _ := opts.ChargeStartTime()
	if !d.Session.Begin(uuid.NewString(), opts.MeterStart(), start) {
		d.Log().Warn("Charge start, transaction already in progress")
		return false
	}
	telemetry.ActiveSessions.Set(1)
	payload := d.transactionEvent("Started", "Authorized", 0, opts,
		sampledWh(opts.MeterStart(), device.Timestamp(start)))
	raw, ok := d.call(ctx, action, payload)
	if !ok {
		return false
	}
	var resp idTokenInfoResp
	if json.Unmarshal(raw, &resp) == nil && resp.IDTokenInfo != nil && resp.IDTokenInfo.Status != "Accepted" {
		return d.respFailed(ctx, action, raw)
	}
	return d.actionEnd(action)
}

// ActionMeterValue sends TransactionEvent Updated with the next sequence
// number.
func (d *V201) ActionMeterValue(ctx context.Context, opts device.FlowOptions) bool {
	const action = "TransactionEvent"
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
	payload := d.transactionEvent("Updated", "ChargingStateChanged", d.Session.NextSeqNo(), opts,
		sampledWh(value, ts))
	if _, sent := d.call(ctx, action, payload); !sent {
		return false
	}
	return d.actionEnd(action)
}

// ActionChargeStop sends TransactionEvent Ended. The final register is
// reported in kWh, matching what the central system bills on.
func (d *V201) ActionChargeStop(ctx context.Context, opts device.FlowOptions) bool {
	const action = "TransactionEvent"
	d.actionStart(action)
	now := device.UTCNow()
	ts, ok := opts.ChargeStopTime()
	if !ok {
		ts = device.Timestamp(now)
	}
	meterStop, ok := opts.MeterStop()
	if !ok {
		meterStop = opts.MeterValueAt(now)
	}
	meterValue := []map[string]any{{
		"timestamp": ts,
		"sampledValue": []map[string]any{{
			"value":     strconv.FormatFloat(float64(meterStop)/1000, 'f', -1, 64),
			"context":   "Transaction.End",
			"measurand": "Energy.Active.Import.Register",
			"location":  "Outlet",
			"unitOfMeasure": map[string]any{
				"unit": "kWh",
			},
		}},
	}}
	payload := d.transactionEvent("Ended", "StopAuthorized", d.Session.NextSeqNo(), opts, meterValue)
	if _, sent := d.call(ctx, action, payload); !sent {
		return false
	}
	return d.actionEnd(action)
}

// FlowCharge runs the 2.0.1 sequence: authorize (skipped for remote
// starts), Occupied, TransactionEvent Started, the ongoing loop,
// TransactionEvent Ended, Available.
func (d *V201) FlowCharge(ctx context.Context, autoStop bool, opts device.FlowOptions) bool {
	const flow = "flow_charge"
	d.flowStart(flow)
	opts = opts.Clone()

	if !opts.IsRemoteStarted() {
		if !d.ActionAuthorize(ctx, opts) {
			return d.chargeFailed(flow)
		}
	}
	opts.EnsureChargeWindow(device.UTCNow())
	if !d.ActionStatusUpdate(ctx, "Occupied", opts) {
		return d.chargeFailed(flow)
	}
	if !d.ActionChargeStart(ctx, opts) {
		return d.chargeFailed(flow)
	}
	if !d.FlowChargeOngoingLoop(ctx, d, autoStop, opts) {
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
