package ocppj

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/evetech/cp-simulator/internal/device"
)

// inboundDelay spaces a commanded follow-up (remote start, reset, trigger)
// from the response that acknowledged it.
const inboundDelay = 2 * time.Second

// defaultAccepted lists the central-system requests that are acknowledged
// with a plain Accepted status. Matching is case-insensitive; overrides may
// still attach follow-up work.
var defaultAccepted = map[string]bool{
	"clearcache":              true,
	"changeavailability":      true,
	"remotestarttransaction":  true,
	"remotestoptransaction":   true,
	"setchargingprofile":      true,
	"changeconfiguration":     true,
	"unlockconnector":         true,
	"updatefirmware":          true,
	"sendlocallist":           true,
	"cancelreservation":       true,
	"reservenow":              true,
	"reset":                   true,
	"datatransfer":            true,
	"requeststarttransaction": true,
	"requeststoptransaction":  true,
	"triggermessage":          true,
}

// handleInbound answers server-initiated requests. A nil return suppresses
// the response; unknown actions are logged and left unanswered so the
// central system times out the same way a real station would.
func (c *client) handleInbound(ctx context.Context, id, action string, payload any) any {
	raw, _ := payload.(json.RawMessage)
	var fields map[string]any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &fields); err != nil {
			c.Log().Warn("By-server request, invalid payload",
				zap.String("action", action), zap.Error(err))
		}
	}

	switch strings.ToLower(action) {
	case "getconfiguration":
		return map[string]any{
			"configurationKey": []map[string]any{
				{"key": "type", "value": "device-simulator", "readonly": true},
				{"key": "server_address", "value": c.serverAddress, "readonly": true},
				{"key": "identifier", "value": c.ID(), "readonly": false},
			},
		}
	case "getdiagnostics":
		return map[string]any{"fileName": "fake_file_name.log"}
	case "triggermessage":
		c.scheduleTrigger(ctx, stringField(fields, "requestedMessage"))
		return map[string]any{"status": "Accepted"}
	case "remotestarttransaction":
		if !c.Session.CanStart() {
			return map[string]any{"status": "Rejected"}
		}
		opts := device.FlowOptions{
			"connectorId":       fieldOrDefault(fields, "connectorId", 0),
			"idTag":             fieldOrDefault(fields, "idTag", "-"),
			"is_remote_started": true,
		}
		c.RunAfter(ctx, inboundDelay, func(ctx context.Context) {
			c.self.FlowCharge(ctx, false, opts)
		})
		return map[string]any{"status": "Accepted"}
	case "remotestoptransaction":
		if !c.Session.CanStop(valueToString(fields["transactionId"], "-1")) {
			return map[string]any{"status": "Rejected"}
		}
		c.RunAfter(ctx, inboundDelay, func(ctx context.Context) {
			c.self.FlowChargeStop(ctx)
		})
		return map[string]any{"status": "Accepted"}
	case "reset":
		c.RunAfter(ctx, inboundDelay, func(ctx context.Context) {
			if err := c.self.ReInitialize(ctx); err != nil {
				c.Log().Error("Reset, re-initialize failed", zap.Error(err))
			}
		})
		return map[string]any{"status": "Accepted"}
	}

	if defaultAccepted[strings.ToLower(action)] {
		return map[string]any{"status": "Accepted"}
	}

	c.Log().Warn("By-server request, unsupported action", zap.String("action", action))
	return nil
}

// scheduleTrigger queues the outbound action named by a TriggerMessage
// request. Unknown message names are logged and dropped; the Accepted
// response already went out.
func (c *client) scheduleTrigger(ctx context.Context, requested string) {
	var fn func(ctx context.Context)
	switch strings.ToLower(requested) {
	case "metervalues":
		fn = func(ctx context.Context) { c.self.ActionMeterValue(ctx, device.FlowOptions{}) }
	case "bootnotification":
		fn = func(ctx context.Context) { c.self.ActionRegister(ctx) }
	case "heartbeat":
		fn = func(ctx context.Context) { c.self.ActionHeartbeat(ctx) }
	case "statusnotification":
		fn = func(ctx context.Context) {
			status := "Available"
			if c.Session.InProgress() {
				status = c.ongoingStatus
			}
			c.self.ActionStatusUpdate(ctx, status, device.FlowOptions{})
		}
	default:
		c.Log().Warn("TriggerMessage, unsupported message", zap.String("requested", requested))
		return
	}
	c.RunAfter(ctx, inboundDelay, fn)
}

func stringField(fields map[string]any, key string) string {
	return valueToString(fields[key], "")
}

func fieldOrDefault(fields map[string]any, key string, def any) any {
	if v, ok := fields[key]; ok && v != nil {
		return v
	}
	return def
}

// valueToString renders JSON numbers without a decimal point so numeric
// transaction ids compare equal to the stored string form.
func valueToString(v any, def string) string {
	switch t := v.(type) {
	case nil:
		return def
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%v", t)
	default:
		return fmt.Sprintf("%v", t)
	}
}
