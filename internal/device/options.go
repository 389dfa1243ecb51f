package device

import (
	"fmt"
	"math"
	"time"
)

// FlowOptions is the opaque option map forwarded from the simulation config
// into flows. Keys mirror the YAML `flow_charge_options` schema; values are
// whatever the YAML decoder produced, so every accessor coerces.
type FlowOptions map[string]any

// Clone returns a shallow copy so a flow can fill in defaults without
// mutating the configured map shared between runs.
func (o FlowOptions) Clone() FlowOptions {
	c := make(FlowOptions, len(o))
	for k, v := range o {
		c[k] = v
	}
	return c
}

func (o FlowOptions) stringVal(key string) (string, bool) {
	v, ok := o[key]
	if !ok || v == nil {
		return "", false
	}
	switch t := v.(type) {
	case string:
		return t, true
	default:
		return fmt.Sprintf("%v", t), true
	}
}

func (o FlowOptions) intVal(key string) (int, bool) {
	v, ok := o[key]
	if !ok || v == nil {
		return 0, false
	}
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	case uint64:
		return int(t), true
	default:
		return 0, false
	}
}

func (o FlowOptions) floatVal(key string) (float64, bool) {
	v, ok := o[key]
	if !ok || v == nil {
		return 0, false
	}
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	default:
		return 0, false
	}
}

// Bool coerces a truthy option; absent keys are false.
func (o FlowOptions) Bool(key string) bool {
	v, ok := o[key]
	if !ok || v == nil {
		return false
	}
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t == "1" || t == "true"
	case int:
		return t != 0
	case float64:
		return t != 0
	default:
		return false
	}
}

// IDTag returns the authorization credential, "-" when unset.
func (o FlowOptions) IDTag() string {
	if s, ok := o.stringVal("idTag"); ok {
		return s
	}
	return "-"
}

// RFID returns the Ensto rfid credential when present.
func (o FlowOptions) RFID() (string, bool) { return o.stringVal("rfid") }

// ConnectorID defaults to connector 1.
func (o FlowOptions) ConnectorID() int {
	if n, ok := o.intVal("connectorId"); ok {
		return n
	}
	return 1
}

// EVSEID defaults to EVSE 1 (OCPP 2.0.1 only).
func (o FlowOptions) EVSEID() int {
	if n, ok := o.intVal("evseId"); ok {
		return n
	}
	return 1
}

// MeterStart defaults to 1000 Wh.
func (o FlowOptions) MeterStart() int {
	if n, ok := o.intVal("meterStart"); ok {
		return n
	}
	return 1000
}

// ChargedKwhPerMinute defaults to 1.
func (o FlowOptions) ChargedKwhPerMinute() float64 {
	if f, ok := o.floatVal("chargedKwhPerMinute"); ok {
		return f
	}
	return 1
}

// StopReason defaults to "Local".
func (o FlowOptions) StopReason() string {
	if s, ok := o.stringVal("stopReason"); ok {
		return s
	}
	return "Local"
}

// ChargeStartTime parses the RFC 3339 start of the charge window.
func (o FlowOptions) ChargeStartTime() (time.Time, bool) {
	s, ok := o.stringVal("chargeStartTime")
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// MeterStop returns the configured final register value, if any.
func (o FlowOptions) MeterStop() (int, bool) { return o.intVal("meterStop") }

// ChargeStopTime returns the configured stop timestamp, if any.
func (o FlowOptions) ChargeStopTime() (string, bool) { return o.stringVal("chargeStopTime") }

// IsRemoteStarted reports whether the flow was triggered by the central
// system, in which case the Authorize step is skipped.
func (o FlowOptions) IsRemoteStarted() bool { return o.Bool("is_remote_started") }

// DisableOngoingMeterValues suppresses MeterValues inside the ongoing loop,
// leaving only the status ping.
func (o FlowOptions) DisableOngoingMeterValues() bool {
	return o.Bool("autoActionsLoopDisableMeterValues")
}

// EnsureChargeWindow fills chargeStartTime and meterStart defaults so the
// meter model has a fixed origin for the whole flow.
func (o FlowOptions) EnsureChargeWindow(now time.Time) {
	if _, ok := o["chargeStartTime"]; !ok {
		o["chargeStartTime"] = Timestamp(now)
	}
	if _, ok := o["meterStart"]; !ok {
		o["meterStart"] = 1000
	}
}

// MeterValueAt computes the cumulative register in Wh at t:
// meterStart + floor(elapsed minutes * chargedKwhPerMinute * 1000).
func (o FlowOptions) MeterValueAt(t time.Time) int {
	start, ok := o.ChargeStartTime()
	if !ok {
		start = t
	}
	elapsed := t.Sub(start).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	return o.MeterStart() + int(math.Floor(elapsed/60*o.ChargedKwhPerMinute()*1000))
}

// ScriptedMeterValue is one entry of the scripted meter-value mode.
type ScriptedMeterValue struct {
	MeterValue     int
	Timestamp      string
	SecondsToSleep int
}

// ScriptedMeterValues decodes the optional `meterValues` script. It reports
// ok=false when the option is absent and an error when it is present but
// malformed.
func (o FlowOptions) ScriptedMeterValues() ([]ScriptedMeterValue, bool, error) {
	raw, present := o["meterValues"]
	if !present {
		return nil, false, nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, true, fmt.Errorf("meterValues must be a list of maps with meterValue, timestamp and secondsToSleep keys")
	}
	out := make([]ScriptedMeterValue, 0, len(list))
	for _, item := range list {
		var entry FlowOptions
		switch m := item.(type) {
		case map[string]any:
			entry = FlowOptions(m)
		case FlowOptions:
			entry = m
		default:
			return nil, true, fmt.Errorf("meterValues must be a list of maps with meterValue, timestamp and secondsToSleep keys")
		}
		mv, ok1 := entry.intVal("meterValue")
		ts, ok2 := entry.stringVal("timestamp")
		sl, ok3 := entry.intVal("secondsToSleep")
		if !ok1 || !ok2 || !ok3 {
			return nil, true, fmt.Errorf("meterValues must be a list of maps with meterValue, timestamp and secondsToSleep keys")
		}
		out = append(out, ScriptedMeterValue{MeterValue: mv, Timestamp: ts, SecondsToSleep: sl})
	}
	return out, true, nil
}
