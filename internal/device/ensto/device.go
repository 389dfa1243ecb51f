package ensto

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/evetech/cp-simulator/internal/device"
	"github.com/evetech/cp-simulator/internal/engine"
	"github.com/evetech/cp-simulator/internal/telemetry"
	"github.com/evetech/cp-simulator/internal/transport"
)

// Outbound message type ids.
const (
	msgRegister    = "1"
	msgStatus      = "2"
	msgChargeStart = "5"
	msgChargeStop  = "6"
	msgAuthorize   = "10"
	msgHeartbeat   = "24"
	msgMeterValue  = "43"
)

// Middleware-initiated message type ids.
const (
	reqOutOfOrder       = "20"
	reqChargingByServer = "11"
	reqHatchOpen        = "17"
	reqRestart          = "42"
	reqSettingsGprs     = "14"
	reqSettingsByServer = "15"
)

// inboundDelay spaces a commanded follow-up (remote start/stop, restart)
// from the ack that accepted it.
const inboundDelay = 2 * time.Second

// Spec is the station identity sent in the register message.
type Spec struct {
	Vendor string
	Model  string
	SW     string
}

// Device speaks the Ensto key/value dialect over TCP.
type Device struct {
	device.Base
	host string
	port int
	spec Spec

	mu  sync.Mutex
	eng *engine.Engine
}

// New builds an Ensto device.
func New(deviceID, host string, port int, spec Spec, log *zap.Logger) *Device {
	return &Device{
		Base: device.NewBase(deviceID, log),
		host: host,
		port: port,
		spec: spec,
	}
}

func (d *Device) engine() *engine.Engine {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.eng
}

// Initialize connects to the middleware, starts the reader loop and runs
// the boot handshake.
func (d *Device) Initialize(ctx context.Context) error {
	tcp := transport.NewTCP(d.host, d.port, d.Log())
	if err := tcp.Open(ctx); err != nil {
		d.HandleError(ctx, err.Error(), device.ReasonConnectionError)
		return err
	}
	eng := engine.New(tcp, Codec{DeviceID: d.ID()}, d.Log(), d.ResponseTimeout)
	eng.SetInboundHandler(d.handleInbound)
	eng.SetOnClose(func(err error) {
		d.HandleError(context.Background(),
			fmt.Sprintf("connection closed: %v", err),
			device.ReasonConnectionError)
	})
	d.mu.Lock()
	d.eng = eng
	d.mu.Unlock()

	go func() { _ = eng.Run(ctx) }()
	d.Sleep(ctx, time.Second)
	d.Log().Info("Connected", zap.String("host", d.host), zap.Int("port", d.port))

	if d.RegisterOnInitialize {
		if !d.ActionRegister(ctx) {
			return errors.New("register failed")
		}
	}
	if !d.ActionHeartbeat(ctx) {
		return errors.New("heartbeat failed")
	}
	return nil
}

// End stops the engine and closes the socket.
func (d *Device) End(ctx context.Context) error {
	d.mu.Lock()
	eng := d.eng
	d.eng = nil
	d.mu.Unlock()
	if eng != nil {
		eng.Stop()
	}
	return nil
}

// ReInitialize closes and reopens the connection.
func (d *Device) ReInitialize(ctx context.Context) error {
	if err := d.End(ctx); err != nil {
		return err
	}
	return d.Initialize(ctx)
}

// call sends one message and returns the correlated response Values.
func (d *Device) call(ctx context.Context, action string, payload *Values) (*Values, bool) {
	eng := d.engine()
	if eng == nil {
		return nil, d.callFailed(ctx, action, errors.New("not connected"))
	}
	resp, err := eng.Call(ctx, action, payload)
	if err != nil {
		return nil, d.callFailed(ctx, action, err)
	}
	vals, _ := resp.(*Values)
	return vals, true
}

func (d *Device) callFailed(ctx context.Context, action string, err error) bool {
	telemetry.ActionsTotal.WithLabelValues(action, telemetry.ResultFailed).Inc()
	reason := device.ReasonConnectionError
	if engine.IsTimeout(err) {
		reason = device.ReasonInvalidResponse
	}
	return d.HandleError(ctx, fmt.Sprintf("Action %s failed: %v", action, err), reason)
}

func (d *Device) respFailed(ctx context.Context, action string, resp *Values) bool {
	telemetry.ActionsTotal.WithLabelValues(action, telemetry.ResultFailed).Inc()
	detail := "<nil>"
	if resp != nil {
		detail = resp.String()
	}
	return d.HandleError(ctx,
		fmt.Sprintf("Action %s response failed: %s", action, detail),
		device.ReasonInvalidResponse)
}

func (d *Device) actionStart(action string) {
	d.Log().Info("Action start", zap.String("action", action))
}

func (d *Device) actionEnd(action string) bool {
	telemetry.ActionsTotal.WithLabelValues(action, telemetry.ResultOK).Inc()
	d.Log().Info("Action end", zap.String("action", action))
	return true
}

// ActionRegister announces the station. Success requires both chk and uv in
// the response.
func (d *Device) ActionRegister(ctx context.Context) bool {
	const action = "register"
	d.actionStart(action)
	payload := NewValues().
		Set("id", msgRegister).
		Set("vendor", d.spec.Vendor).
		Set("model", d.spec.Model).
		Set("sw", d.spec.SW).
		Set("isLoadTest", "1").
		Set("settings", "")
	resp, ok := d.call(ctx, action, payload)
	if !ok {
		return false
	}
	if !resp.Has("chk") || !resp.Has("uv") {
		return d.respFailed(ctx, action, resp)
	}
	return d.actionEnd(action)
}

// ActionHeartbeat sends the periodic keepalive. A response without time is
// tolerated with a warning.
func (d *Device) ActionHeartbeat(ctx context.Context) bool {
	const action = "heart_beat"
	d.actionStart(action)
	resp, ok := d.call(ctx, action, NewValues().Set("id", msgHeartbeat).Set("time", "1"))
	if !ok {
		return false
	}
	if !resp.Has("chk") {
		return d.respFailed(ctx, action, resp)
	}
	if !resp.Has("time") {
		d.Log().Warn("Heartbeat response has no time key")
	}
	return d.actionEnd(action)
}

// ActionAuthorize presents an rfid (preferred) or idtag credential. Success
// requires chk and success keys.
func (d *Device) ActionAuthorize(ctx context.Context, opts device.FlowOptions) bool {
	const action = "authorize"
	d.actionStart(action)
	payload := NewValues().Set("id", msgAuthorize)
	d.setCredential(payload, opts)
	resp, ok := d.call(ctx, action, payload)
	if !ok {
		return false
	}
	if !resp.Has("chk") || !resp.Has("success") {
		return d.respFailed(ctx, action, resp)
	}
	return d.actionEnd(action)
}

// setCredential picks rfid when configured, idtag otherwise. Nothing is
// sent when neither is set.
func (d *Device) setCredential(payload *Values, opts device.FlowOptions) {
	if rfid, ok := opts.RFID(); ok {
		payload.Set("rfid", rfid)
		return
	}
	if tag := opts.IDTag(); tag != "-" {
		payload.Set("idtag", tag)
	}
}

// ActionStatusUpdate reports the outlet state: "1" charging, "0" idle.
func (d *Device) ActionStatusUpdate(ctx context.Context, status string, opts device.FlowOptions) bool {
	const action = "status_update"
	d.actionStart(action)
	payload := NewValues().
		Set("id", msgStatus).
		Set("ping", "").
		Set("status", status)
	resp, ok := d.call(ctx, action, payload)
	if !ok {
		return false
	}
	if !resp.Has("chk") || !resp.Has("ack") {
		return d.respFailed(ctx, action, resp)
	}
	return d.actionEnd(action)
}

// ActionChargeStart opens the charge window: the session records the meter
// origin so later meter values report deltas against it.
func (d *Device) ActionChargeStart(ctx context.Context, opts device.FlowOptions) bool {
	const action = "charge_start"
	d.actionStart(action)
	start := device.UTCNow()
	payload := NewValues().
		Set("id", msgChargeStart).
		Set("chg", "2").
		Set("out", strconv.Itoa(opts.ConnectorID()))
	d.setCredential(payload, opts)
	resp, ok := d.call(ctx, action, payload)
	if !ok {
		return false
	}
	if !resp.Has("chk") || !resp.Has("ack") {
		return d.respFailed(ctx, action, resp)
	}
	if !d.Session.Begin("-1", opts.MeterStart(), start) {
		d.Log().Warn("Charge start, session already in progress")
		return false
	}
	telemetry.ActiveSessions.Set(1)
	return d.actionEnd(action)
}

// meterDelta is the consumed energy in Wh since the charge window opened.
func (d *Device) meterDelta(opts device.FlowOptions, now time.Time) int {
	started := d.Session.StartedAt()
	if started.IsZero() {
		started = now
	}
	elapsed := now.Sub(started).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	return int(math.Floor(elapsed / 60 * opts.ChargedKwhPerMinute() * 1000))
}

// ActionMeterValue reports the energy meter delta (eem, Wh) with a t=382
// record type marker.
func (d *Device) ActionMeterValue(ctx context.Context, opts device.FlowOptions) bool {
	const action = "meter_value"
	d.actionStart(action)
	now := device.UTCNow()
	delta, ok := opts.MeterValueOverride()
	if !ok {
		delta = d.meterDelta(opts, now)
	}
	payload := NewValues().
		Set("id", msgMeterValue).
		Set("out", strconv.Itoa(opts.ConnectorID())).
		Set("time", strconv.FormatFloat(float64(now.UnixNano())/1e9, 'f', 6, 64)).
		Set("t", "382").
		Set("eem", strconv.Itoa(delta))
	resp, sent := d.call(ctx, action, payload)
	if !sent {
		return false
	}
	if !resp.Has("chk") || !resp.Has("ack") {
		return d.respFailed(ctx, action, resp)
	}
	return d.actionEnd(action)
}

// ActionChargeStop closes the charge window, reporting consumption in kWh.
func (d *Device) ActionChargeStop(ctx context.Context, opts device.FlowOptions) bool {
	const action = "charge_stop"
	d.actionStart(action)
	now := device.UTCNow()
	kwh := float64(d.meterDelta(opts, now)) / 1000
	payload := NewValues().
		Set("id", msgChargeStop).
		Set("idtag", opts.IDTag()).
		Set("chg", "0").
		Set("out", strconv.Itoa(opts.ConnectorID())).
		Set("kwh", strconv.FormatFloat(kwh, 'f', -1, 64)).
		Set("timestamp", device.Timestamp(now))
	resp, sent := d.call(ctx, action, payload)
	if !sent {
		return false
	}
	if !resp.Has("chk") || !resp.Has("ack") {
		return d.respFailed(ctx, action, resp)
	}
	return d.actionEnd(action)
}

// ActionDataTransfer has no Ensto equivalent; it succeeds without traffic.
func (d *Device) ActionDataTransfer(ctx context.Context, opts device.FlowOptions) bool {
	return true
}

func (d *Device) flowStart(flow string) {
	d.Log().Info("Flow start", zap.String("flow", flow))
}

func (d *Device) flowEnd(flow string) bool {
	telemetry.FlowsTotal.WithLabelValues(flow, telemetry.ResultOK).Inc()
	d.Log().Info("Flow end", zap.String("flow", flow))
	return true
}

func (d *Device) flowFailed(flow string) bool {
	telemetry.FlowsTotal.WithLabelValues(flow, telemetry.ResultFailed).Inc()
	return false
}

func (d *Device) chargeFailed(flow string) bool {
	d.Session.Clear()
	telemetry.ActiveSessions.Set(0)
	return d.flowFailed(flow)
}

// FlowHeartbeat sends a single heartbeat.
func (d *Device) FlowHeartbeat(ctx context.Context) bool {
	const flow = "flow_heartbeat"
	d.flowStart(flow)
	if !d.ActionHeartbeat(ctx) {
		return d.flowFailed(flow)
	}
	return d.flowEnd(flow)
}

// FlowAuthorize presents the credential once.
func (d *Device) FlowAuthorize(ctx context.Context, opts device.FlowOptions) bool {
	const flow = "flow_authorize"
	d.flowStart(flow)
	if !d.ActionAuthorize(ctx, opts) {
		return d.flowFailed(flow)
	}
	return d.flowEnd(flow)
}

// FlowCharge runs the Ensto charge sequence: authorize (skipped for remote
// starts), status "1", charge start, status "1", the ongoing loop, status
// "0", charge stop.
func (d *Device) FlowCharge(ctx context.Context, autoStop bool, opts device.FlowOptions) bool {
	const flow = "flow_charge"
	d.flowStart(flow)
	opts = opts.Clone()

	if !opts.IsRemoteStarted() {
		if !d.ActionAuthorize(ctx, opts) {
			return d.chargeFailed(flow)
		}
	}
	if !d.ActionStatusUpdate(ctx, "1", opts) {
		return d.chargeFailed(flow)
	}
	if !d.ActionChargeStart(ctx, opts) {
		return d.chargeFailed(flow)
	}
	if !d.ActionStatusUpdate(ctx, "1", opts) {
		return d.chargeFailed(flow)
	}
	if !d.FlowChargeOngoingLoop(ctx, d, autoStop, opts) {
		return d.chargeFailed(flow)
	}
	if !d.ActionStatusUpdate(ctx, "0", opts) {
		return d.chargeFailed(flow)
	}
	if !d.ActionChargeStop(ctx, opts) {
		return d.chargeFailed(flow)
	}
	d.Session.Clear()
	telemetry.ActiveSessions.Set(0)
	return d.flowEnd(flow)
}

// FlowChargeOngoingActions emits one loop round: a meter delta (unless
// disabled) then the charging status ping.
func (d *Device) FlowChargeOngoingActions(ctx context.Context, opts device.FlowOptions) bool {
	if !opts.DisableOngoingMeterValues() {
		if !d.ActionMeterValue(ctx, opts) {
			d.Log().Warn("Charge loop, meter value failed")
		}
	}
	return d.ActionStatusUpdate(ctx, "1", opts)
}

// FlowChargeStop drops the session flag; the ongoing loop finishes the flow.
func (d *Device) FlowChargeStop(ctx context.Context) {
	d.Session.Clear()
	telemetry.ActiveSessions.Set(0)
}

// handleInbound answers middleware-initiated messages. A nil return leaves
// the message unanswered; the engine already tried the pending table.
func (d *Device) handleInbound(ctx context.Context, id, action string, payload any) any {
	req, _ := payload.(*Values)
	if req == nil {
		req = NewValues()
	}

	var resp *Values
	switch action {
	case reqOutOfOrder, reqHatchOpen:
		resp = NewValues().Set("ack", "1")

	case reqChargingByServer:
		resp = d.handleChargingByServer(ctx, req)

	case reqSettingsGprs, reqSettingsByServer:
		resp = d.handleSettings(req)

	case reqRestart:
		resp = NewValues().Set("ack", "1")
		d.RunAfter(ctx, inboundDelay, func(ctx context.Context) {
			if err := d.ReInitialize(ctx); err != nil {
				d.Log().Error("Restart, re-initialize failed", zap.Error(err))
			}
		})

	default:
		d.Log().Warn("Middleware request, unknown or not supported", zap.String("id", action))
		return nil
	}
	return resp
}

// handleChargingByServer implements the scmd remote start/stop command:
// scmd=1 starts a charge unless one is running, scmd=0 stops the running
// one, anything else is refused with nack.
func (d *Device) handleChargingByServer(ctx context.Context, req *Values) *Values {
	nack := NewValues().Set("nack", "1")
	scmd, _ := req.Get("scmd")
	switch scmd {
	case "1":
		if !d.Session.CanStart() {
			return nack
		}
		opts := device.FlowOptions{"is_remote_started": true}
		if tag, ok := req.Get("idtag"); ok {
			opts["idTag"] = tag
		}
		d.Log().Info("Middleware request, remote start", zap.Any("options", map[string]any(opts)))
		d.RunAfter(ctx, inboundDelay, func(ctx context.Context) {
			d.FlowCharge(ctx, false, opts)
		})
	case "0":
		if !d.Session.CanStop("-1") {
			return nack
		}
		d.RunAfter(ctx, inboundDelay, func(ctx context.Context) {
			d.FlowChargeStop(ctx)
		})
	default:
		return nack
	}
	return NewValues().Set("ack", "1")
}

// handleSettings answers the gprs/settings configuration messages: value 2
// is a write (acked, or upd-echoed for firmware updates), anything else is
// a read answered with the configuration snapshot.
func (d *Device) handleSettings(req *Values) *Values {
	gprs, _ := req.Get("gprs")
	settings, _ := req.Get("settings")
	if gprs == "2" || settings == "2" {
		if upd, _ := req.Get("upd"); upd == "1" {
			return NewValues().Set("upd", "1")
		}
		return NewValues().Set("ack", "1")
	}
	return NewValues().
		Set("type", "device-simulator").
		Set("server_host", d.host).
		Set("server_port", strconv.Itoa(d.port)).
		Set("identifier", d.ID())
}

// InteractiveCustom lets an operator type raw key/value lines on stdin and
// see the correlated responses.
func (d *Device) InteractiveCustom(ctx context.Context) {
	device.InteractiveLoop(ctx, os.Stdin, os.Stdout, func(ctx context.Context, frame string) (any, error) {
		eng := d.engine()
		if eng == nil {
			return nil, errors.New("not connected")
		}
		msg, err := Codec{DeviceID: d.ID()}.Decode([]byte(frame))
		if err != nil {
			return nil, err
		}
		return eng.CallRaw(ctx, msg.ID, msg.ID, []byte(frame))
	})
}
