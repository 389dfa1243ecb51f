package device

import (
	"context"
	"time"
)

const (
	ongoingLoopInterval = 15 * time.Second
	ongoingLoopTail     = 5 * time.Second
	// autoStopLoopCount bounds the periodic loop when autoStop is requested.
	autoStopLoopCount = 5
)

// OngoingActions is the slice of a dialect the shared charge loop drives.
type OngoingActions interface {
	ActionMeterValue(ctx context.Context, opts FlowOptions) bool
	FlowChargeOngoingActions(ctx context.Context, opts FlowOptions) bool
}

// MeterValueOverride returns a scripted meter value injected by the ongoing
// loop, bypassing the computed register.
func (o FlowOptions) MeterValueOverride() (int, bool) { return o.intVal("meterValue") }

// TimestampOverride returns a scripted sample timestamp, if any.
func (o FlowOptions) TimestampOverride() (string, bool) { return o.stringVal("timestamp") }

// FlowChargeOngoingLoop runs the middle of a charge flow. In scripted mode
// it replays the configured meter values with their sleeps; in periodic mode
// it emits the dialect's ongoing actions every 15 seconds while the session
// is in progress, stopping after five rounds when autoStop is set.
func (b *Base) FlowChargeOngoingLoop(ctx context.Context, r OngoingActions, autoStop bool, opts FlowOptions) bool {
	script, scripted, err := opts.ScriptedMeterValues()
	if err != nil {
		return b.HandleError(ctx, err.Error(), ReasonInvalidResponse)
	}
	if scripted {
		for _, entry := range script {
			if !b.Sleep(ctx, time.Duration(entry.SecondsToSleep)*time.Second) {
				return false
			}
			step := opts.Clone()
			step["meterValue"] = entry.MeterValue
			step["timestamp"] = entry.Timestamp
			if !r.ActionMeterValue(ctx, step) {
				return false
			}
		}
		return true
	}

	counter := 0
	for b.Session.InProgress() {
		if !b.Sleep(ctx, ongoingLoopInterval) {
			return false
		}
		counter++
		if !r.FlowChargeOngoingActions(ctx, opts) {
			return false
		}
		if autoStop && counter >= autoStopLoopCount {
			break
		}
	}
	return b.Sleep(ctx, ongoingLoopTail)
}
