// Package ocppj implements the OCPP-J 1.6 and 2.0.1 charge-point dialects
// on top of the shared protocol engine and WebSocket transport.
package ocppj

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/evetech/cp-simulator/internal/device"
	"github.com/evetech/cp-simulator/internal/engine"
	wire "github.com/evetech/cp-simulator/internal/ocppj"
	"github.com/evetech/cp-simulator/internal/telemetry"
	"github.com/evetech/cp-simulator/internal/transport"
)

// Spec carries the optional station identity fields sent in
// BootNotification. Empty fields are omitted from the payload.
type Spec struct {
	ChargePointVendor       string
	ChargePointModel        string
	ChargeBoxSerialNumber   string
	ChargePointSerialNumber string
	FirmwareVersion         string
	ICCID                   string
	IMSI                    string
	MeterType               string
	MeterSerialNumber       string
}

// dialect is the full surface a concrete OCPP-J version implements; the
// shared client calls back into it so flows and inbound handlers dispatch
// to the right payload shapes.
type dialect interface {
	device.Device
	device.OngoingActions
}

type client struct {
	device.Base
	serverAddress string
	protocols     []string
	spec          Spec
	// ongoingStatus is the status value sent with the periodic charge-loop
	// ping ("Charging" for 1.6, "Occupied" for 2.0.1).
	ongoingStatus string
	self          dialect

	mu  sync.Mutex
	eng *engine.Engine
}

func (c *client) engine() *engine.Engine {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.eng
}

// Initialize dials the central system, starts the reader loop and runs the
// boot handshake (BootNotification unless disabled, then a heartbeat).
func (c *client) Initialize(ctx context.Context) error {
	ws := transport.NewWebSocket(c.serverAddress, c.ID(), c.protocols, c.Log())
	if err := ws.Open(ctx); err != nil {
		c.HandleError(ctx, err.Error(), device.ReasonConnectionError)
		return err
	}
	eng := engine.New(ws, wire.Codec{}, c.Log(), c.ResponseTimeout)
	eng.SetInboundHandler(c.handleInbound)
	eng.SetOnClose(func(err error) {
		c.HandleError(context.Background(),
			fmt.Sprintf("websocket connection closed: %v", err),
			device.ReasonConnectionError)
	})
	c.mu.Lock()
	c.eng = eng
	c.mu.Unlock()

	go func() { _ = eng.Run(ctx) }()
	c.Sleep(ctx, time.Second)

	if c.RegisterOnInitialize {
		if !c.self.ActionRegister(ctx) {
			return errors.New("register failed")
		}
	}
	if !c.self.ActionHeartbeat(ctx) {
		return errors.New("heartbeat failed")
	}
	return nil
}

// End stops the engine and closes the connection. Pending calls fail.
func (c *client) End(ctx context.Context) error {
	c.mu.Lock()
	eng := c.eng
	c.eng = nil
	c.mu.Unlock()
	if eng != nil {
		eng.Stop()
	}
	return nil
}

// ReInitialize closes and reopens the connection, replaying the boot
// handshake.
func (c *client) ReInitialize(ctx context.Context) error {
	if err := c.End(ctx); err != nil {
		return err
	}
	return c.Initialize(ctx)
}

// call sends one action and returns the raw response payload. Transport
// errors and response timeouts are reported as error events before false is
// returned.
func (c *client) call(ctx context.Context, action string, payload any) (json.RawMessage, bool) {
	eng := c.engine()
	if eng == nil {
		return nil, c.callFailed(ctx, action, errors.New("not connected"))
	}
	resp, err := eng.Call(ctx, action, payload)
	if err != nil {
		return nil, c.callFailed(ctx, action, err)
	}
	raw, _ := resp.(json.RawMessage)
	return raw, true
}

// CallRaw pushes a hand-written frame through the correlation path; used by
// the interactive custom loop.
func (c *client) CallRaw(ctx context.Context, frame string) (any, error) {
	eng := c.engine()
	if eng == nil {
		return nil, errors.New("not connected")
	}
	id, action := wire.PeekCall([]byte(frame))
	return eng.CallRaw(ctx, action, id, []byte(frame))
}

func (c *client) callFailed(ctx context.Context, action string, err error) bool {
	telemetry.ActionsTotal.WithLabelValues(action, telemetry.ResultFailed).Inc()
	reason := device.ReasonConnectionError
	if engine.IsTimeout(err) {
		reason = device.ReasonInvalidResponse
	}
	return c.HandleError(ctx, fmt.Sprintf("Action %s failed: %v", action, err), reason)
}

func (c *client) respFailed(ctx context.Context, action string, raw json.RawMessage) bool {
	telemetry.ActionsTotal.WithLabelValues(action, telemetry.ResultFailed).Inc()
	return c.HandleError(ctx,
		fmt.Sprintf("Action %s response failed: %s", action, string(raw)),
		device.ReasonInvalidResponse)
}

func (c *client) actionStart(action string) {
	c.Log().Info("Action start", zap.String("action", action))
}

func (c *client) actionEnd(action string) bool {
	telemetry.ActionsTotal.WithLabelValues(action, telemetry.ResultOK).Inc()
	c.Log().Info("Action end", zap.String("action", action))
	return true
}

func (c *client) flowStart(flow string) {
	c.Log().Info("Flow start", zap.String("flow", flow))
}

func (c *client) flowEnd(flow string) bool {
	telemetry.FlowsTotal.WithLabelValues(flow, telemetry.ResultOK).Inc()
	c.Log().Info("Flow end", zap.String("flow", flow))
	return true
}

func (c *client) flowFailed(flow string) bool {
	telemetry.FlowsTotal.WithLabelValues(flow, telemetry.ResultFailed).Inc()
	return false
}

// chargeFailed aborts a charge flow: the session flag drops so remote stop
// and status checks see an idle device again.
func (c *client) chargeFailed(flow string) bool {
	c.Session.Clear()
	telemetry.ActiveSessions.Set(0)
	return c.flowFailed(flow)
}

// FlowHeartbeat sends a single heartbeat.
func (c *client) FlowHeartbeat(ctx context.Context) bool {
	const flow = "flow_heartbeat"
	c.flowStart(flow)
	if !c.self.ActionHeartbeat(ctx) {
		return c.flowFailed(flow)
	}
	return c.flowEnd(flow)
}

// FlowAuthorize sends a single authorize.
func (c *client) FlowAuthorize(ctx context.Context, opts device.FlowOptions) bool {
	const flow = "flow_authorize"
	c.flowStart(flow)
	if !c.self.ActionAuthorize(ctx, opts) {
		return c.flowFailed(flow)
	}
	return c.flowEnd(flow)
}

// FlowChargeStop ends the running session locally; the ongoing charge loop
// observes the flag and finishes the flow.
func (c *client) FlowChargeStop(ctx context.Context) {
	c.Session.Clear()
	telemetry.ActiveSessions.Set(0)
}

// FlowChargeOngoingActions emits one round of the periodic charge loop: a
// meter value (unless disabled) followed by a status ping.
func (c *client) FlowChargeOngoingActions(ctx context.Context, opts device.FlowOptions) bool {
	if !opts.DisableOngoingMeterValues() {
		if !c.self.ActionMeterValue(ctx, opts) {
			c.Log().Warn("Charge loop, meter value failed")
		}
	}
	return c.self.ActionStatusUpdate(ctx, c.ongoingStatus, opts)
}

// ActionHeartbeat is shared verbatim between 1.6 and 2.0.1 apart from the
// action name casing, which the dialect provides.
func (c *client) heartbeat(ctx context.Context, action string) bool {
	c.actionStart(action)
	if _, ok := c.call(ctx, action, map[string]any{}); !ok {
		return false
	}
	return c.actionEnd(action)
}

// InteractiveCustom lets an operator type raw OCPP-J frames on stdin and
// see the correlated responses.
func (c *client) InteractiveCustom(ctx context.Context) {
	device.InteractiveLoop(ctx, os.Stdin, os.Stdout, c.CallRaw)
}

// ActionDataTransfer forwards the option map as the DataTransfer payload.
func (c *client) ActionDataTransfer(ctx context.Context, opts device.FlowOptions) bool {
	const action = "DataTransfer"
	c.actionStart(action)
	if _, ok := c.call(ctx, action, map[string]any(opts)); !ok {
		return false
	}
	return c.actionEnd(action)
}
