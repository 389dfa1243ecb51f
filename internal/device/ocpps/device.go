package ocpps

import (
	"bufio"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/evetech/cp-simulator/internal/device"
	"github.com/evetech/cp-simulator/internal/engine"
	"github.com/evetech/cp-simulator/internal/telemetry"
)

// Spec is the station identity sent in BootNotification.
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

// Device speaks OCPP 1.5 over SOAP.
type Device struct {
	device.Base
	serverAddress string
	fromAddress   string
	spec          Spec

	client *soapClient
}

// New builds a SOAP device. fromAddress is the WS-Addressing From header,
// nominally the charge point's own service endpoint.
func New(deviceID, serverAddress, fromAddress string, spec Spec, log *zap.Logger) *Device {
	if fromAddress == "" {
		fromAddress = "http://localhost/ChargePointService"
	}
	return &Device{
		Base:          device.NewBase(deviceID, log),
		serverAddress: serverAddress,
		fromAddress:   fromAddress,
		spec:          spec,
	}
}

// Initialize builds the HTTP client and runs the boot handshake. There is
// no connection to hold open between actions.
func (d *Device) Initialize(ctx context.Context) error {
	d.Log().Info("Using central system SOAP endpoint", zap.String("url", d.serverAddress))
	d.client = newSOAPClient(d.serverAddress, d.fromAddress, d.ID(), d.ResponseTimeout, d.Log())
	d.Sleep(ctx, time.Second)

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

func (d *Device) End(ctx context.Context) error {
	d.client = nil
	return nil
}

func (d *Device) ReInitialize(ctx context.Context) error {
	if err := d.End(ctx); err != nil {
		return err
	}
	return d.Initialize(ctx)
}

// call posts one action, routing failures through the shared error policy.
func (d *Device) call(ctx context.Context, action string, payload, out any) bool {
	if d.client == nil {
		return d.callFailed(ctx, action, errors.New("not initialized"))
	}
	if err := d.client.call(ctx, action, payload, out); err != nil {
		return d.callFailed(ctx, action, err)
	}
	return true
}

func (d *Device) callFailed(ctx context.Context, action string, err error) bool {
	telemetry.ActionsTotal.WithLabelValues(action, telemetry.ResultFailed).Inc()
	reason := device.ReasonConnectionError
	if engine.IsTimeout(err) {
		reason = device.ReasonInvalidResponse
	}
	return d.HandleError(ctx, fmt.Sprintf("Action %s failed: %v", action, err), reason)
}

func (d *Device) respFailed(ctx context.Context, action string) bool {
	telemetry.ActionsTotal.WithLabelValues(action, telemetry.ResultFailed).Inc()
	return d.HandleError(ctx,
		fmt.Sprintf("Action %s response failed", action),
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

type bootNotificationReq struct {
	XMLName                 xml.Name `xml:"cs:bootNotificationRequest"`
	ChargePointVendor       string   `xml:"cs:chargePointVendor,omitempty"`
	ChargePointModel        string   `xml:"cs:chargePointModel,omitempty"`
	ChargeBoxSerialNumber   string   `xml:"cs:chargeBoxSerialNumber,omitempty"`
	ChargePointSerialNumber string   `xml:"cs:chargePointSerialNumber,omitempty"`
	FirmwareVersion         string   `xml:"cs:firmwareVersion,omitempty"`
	ICCID                   string   `xml:"cs:iccid,omitempty"`
	IMSI                    string   `xml:"cs:imsi,omitempty"`
	MeterType               string   `xml:"cs:meterType,omitempty"`
	MeterSerialNumber       string   `xml:"cs:meterSerialNumber,omitempty"`
}

type statusOnlyResp struct {
	Status string `xml:"status"`
}

type idTagInfoResp struct {
	IDTagInfo *struct {
		Status string `xml:"status"`
	} `xml:"idTagInfo"`
	TransactionID int `xml:"transactionId"`
}

// ActionRegister sends BootNotification; success requires status Accepted.
func (d *Device) ActionRegister(ctx context.Context) bool {
	const action = "BootNotification"
	d.actionStart(action)
	var resp statusOnlyResp
	ok := d.call(ctx, action, bootNotificationReq{
		ChargePointVendor:       d.spec.ChargePointVendor,
		ChargePointModel:        d.spec.ChargePointModel,
		ChargeBoxSerialNumber:   d.spec.ChargeBoxSerialNumber,
		ChargePointSerialNumber: d.spec.ChargePointSerialNumber,
		FirmwareVersion:         d.spec.FirmwareVersion,
		ICCID:                   d.spec.ICCID,
		IMSI:                    d.spec.IMSI,
		MeterType:               d.spec.MeterType,
		MeterSerialNumber:       d.spec.MeterSerialNumber,
	}, &resp)
	if !ok {
		return false
	}
	if resp.Status != "Accepted" {
		return d.respFailed(ctx, action)
	}
	return d.actionEnd(action)
}

type heartbeatReq struct {
	XMLName xml.Name `xml:"cs:heartbeatRequest"`
}

func (d *Device) ActionHeartbeat(ctx context.Context) bool {
	const action = "Heartbeat"
	d.actionStart(action)
	if !d.call(ctx, action, heartbeatReq{}, nil) {
		return false
	}
	return d.actionEnd(action)
}

type authorizeReq struct {
	XMLName xml.Name `xml:"cs:authorizeRequest"`
	IDTag   string   `xml:"cs:idTag"`
}

// ActionAuthorize succeeds iff idTagInfo.status is Accepted.
func (d *Device) ActionAuthorize(ctx context.Context, opts device.FlowOptions) bool {
	const action = "Authorize"
	d.actionStart(action)
	var resp idTagInfoResp
	if !d.call(ctx, action, authorizeReq{IDTag: opts.IDTag()}, &resp) {
		return false
	}
	if resp.IDTagInfo == nil || resp.IDTagInfo.Status != "Accepted" {
		return d.respFailed(ctx, action)
	}
	return d.actionEnd(action)
}

type statusNotificationReq struct {
	XMLName     xml.Name `xml:"cs:statusNotificationRequest"`
	ConnectorID int      `xml:"cs:connectorId"`
	Status      string   `xml:"cs:status"`
	ErrorCode   string   `xml:"cs:errorCode"`
}

func (d *Device) ActionStatusUpdate(ctx context.Context, status string, opts device.FlowOptions) bool {
	const action = "StatusNotification"
	d.actionStart(action)
	errorCode := "NoError"
	if v, ok := opts["errorCode"]; ok && v != nil {
		errorCode = fmt.Sprintf("%v", v)
	}
	if !d.call(ctx, action, statusNotificationReq{
		ConnectorID: opts.ConnectorID(),
		Status:      status,
		ErrorCode:   errorCode,
	}, nil) {
		return false
	}
	return d.actionEnd(action)
}

type startTransactionReq struct {
	XMLName     xml.Name `xml:"cs:startTransactionRequest"`
	ConnectorID int      `xml:"cs:connectorId"`
	IDTag       string   `xml:"cs:idTag"`
	Timestamp   string   `xml:"cs:timestamp"`
	MeterStart  int      `xml:"cs:meterStart"`
}

// ActionChargeStart sends StartTransaction and records the assigned
// transaction id.
func (d *Device) ActionChargeStart(ctx context.Context, opts device.FlowOptions) bool {
	const action = "StartTransaction"
	d.actionStart(action)
	opts.EnsureChargeWindow(device.UTCNow())
	start, _ := opts.ChargeStartTime()
	var resp idTagInfoResp
	if !d.call(ctx, action, startTransactionReq{
		ConnectorID: opts.ConnectorID(),
		IDTag:       opts.IDTag(),
		Timestamp:   device.Timestamp(start),
		MeterStart:  opts.MeterStart(),
	}, &resp) {
		return false
	}
	if resp.IDTagInfo == nil || resp.IDTagInfo.Status != "Accepted" {
		return d.respFailed(ctx, action)
	}
	if !d.Session.Begin(strconv.Itoa(resp.TransactionID), opts.MeterStart(), start) {
		d.Log().Warn("Charge start, transaction already in progress")
		return false
	}
	telemetry.ActiveSessions.Set(1)
	return d.actionEnd(action)
}

type meterSample struct {
	Context   string `xml:"context,attr"`
	Measurand string `xml:"measurand,attr"`
	Location  string `xml:"location,attr"`
	Unit      string `xml:"unit,attr"`
	Value     string `xml:",chardata"`
}

type meterValuesReq struct {
	XMLName       xml.Name `xml:"cs:meterValuesRequest"`
	ConnectorID   int      `xml:"cs:connectorId"`
	TransactionID int      `xml:"cs:transactionId"`
	Values        []struct {
		Timestamp string      `xml:"cs:timestamp"`
		Value     meterSample `xml:"cs:value"`
	} `xml:"cs:values"`
}

func (d *Device) ActionMeterValue(ctx context.Context, opts device.FlowOptions) bool {
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
	req := meterValuesReq{
		ConnectorID:   opts.ConnectorID(),
		TransactionID: txID,
	}
	req.Values = []struct {
		Timestamp string      `xml:"cs:timestamp"`
		Value     meterSample `xml:"cs:value"`
	}{{
		Timestamp: ts,
		Value: meterSample{
			Context:   "Sample.Periodic",
			Measurand: "Energy.Active.Import.Register",
			Location:  "Outlet",
			Unit:      "Wh",
			Value:     strconv.Itoa(value),
		},
	}}
	if !d.call(ctx, action, req, nil) {
		return false
	}
	return d.actionEnd(action)
}

type stopTransactionReq struct {
	XMLName       xml.Name `xml:"cs:stopTransactionRequest"`
	TransactionID int      `xml:"cs:transactionId"`
	IDTag         string   `xml:"cs:idTag"`
	Timestamp     string   `xml:"cs:timestamp"`
	MeterStop     int      `xml:"cs:meterStop"`
}

// ActionChargeStop sends StopTransaction. An absent idTagInfo is accepted;
// a present one must be Accepted.
func (d *Device) ActionChargeStop(ctx context.Context, opts device.FlowOptions) bool {
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
	var resp idTagInfoResp
	if !d.call(ctx, action, stopTransactionReq{
		TransactionID: txID,
		IDTag:         opts.IDTag(),
		Timestamp:     stopTime,
		MeterStop:     meterStop,
	}, &resp) {
		return false
	}
	if resp.IDTagInfo != nil && resp.IDTagInfo.Status != "Accepted" {
		return d.respFailed(ctx, action)
	}
	return d.actionEnd(action)
}

type dataTransferReq struct {
	XMLName  xml.Name `xml:"cs:dataTransferRequest"`
	VendorID string   `xml:"cs:vendorId,omitempty"`
	Data     string   `xml:"cs:data,omitempty"`
}

func (d *Device) ActionDataTransfer(ctx context.Context, opts device.FlowOptions) bool {
	const action = "DataTransfer"
	d.actionStart(action)
	req := dataTransferReq{}
	if v, ok := opts["vendorId"]; ok {
		req.VendorID = fmt.Sprintf("%v", v)
	}
	if v, ok := opts["data"]; ok {
		req.Data = fmt.Sprintf("%v", v)
	}
	if !d.call(ctx, action, req, nil) {
		return false
	}
	return d.actionEnd(action)
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

func (d *Device) FlowHeartbeat(ctx context.Context) bool {
	const flow = "flow_heartbeat"
	d.flowStart(flow)
	if !d.ActionHeartbeat(ctx) {
		return d.flowFailed(flow)
	}
	return d.flowEnd(flow)
}

func (d *Device) FlowAuthorize(ctx context.Context, opts device.FlowOptions) bool {
	const flow = "flow_authorize"
	d.flowStart(flow)
	if !d.ActionAuthorize(ctx, opts) {
		return d.flowFailed(flow)
	}
	return d.flowEnd(flow)
}

// FlowCharge runs the 1.5 sequence. The SOAP transport carries no remote
// start, so the authorize step is never skipped.
func (d *Device) FlowCharge(ctx context.Context, autoStop bool, opts device.FlowOptions) bool {
	const flow = "flow_charge"
	d.flowStart(flow)
	opts = opts.Clone()

	if !d.ActionAuthorize(ctx, opts) {
		return d.chargeFailed(flow)
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

// FlowChargeOngoingActions on SOAP sends meter values only; there is no
// status ping in the 1.5 loop.
func (d *Device) FlowChargeOngoingActions(ctx context.Context, opts device.FlowOptions) bool {
	if opts.DisableOngoingMeterValues() {
		return true
	}
	return d.ActionMeterValue(ctx, opts)
}

func (d *Device) FlowChargeStop(ctx context.Context) {
	d.Session.Clear()
	telemetry.ActiveSessions.Set(0)
}

// InteractiveCustom offers the small operator menu the socket dialects get
// from raw frames: heartbeats and arbitrary status notifications.
func (d *Device) InteractiveCustom(ctx context.Context) {
	sc := bufio.NewScanner(os.Stdin)
	fmt.Print("command (heartbeat | status <value> [errorCode]) > ")
	for sc.Scan() {
		parts := strings.Fields(sc.Text())
		if len(parts) == 0 || parts[0] == "exit" {
			return
		}
		switch parts[0] {
		case "heartbeat":
			d.ActionHeartbeat(ctx)
		case "status":
			if len(parts) < 2 {
				fmt.Println("usage: status <value> [errorCode]")
				break
			}
			opts := device.FlowOptions{}
			if len(parts) > 2 {
				opts["errorCode"] = parts[2]
			}
			d.ActionStatusUpdate(ctx, parts[1], opts)
		default:
			fmt.Println("unknown command")
		}
		fmt.Print("command (heartbeat | status <value> [errorCode]) > ")
	}
}
