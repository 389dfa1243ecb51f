// Package simulator orchestrates a device: it schedules frequent flows on
// a logical clock, applies the error recovery policy, and offers the
// operator's interactive loop.
package simulator

import "fmt"

// Flow names a schedulable flow.
type Flow string

const (
	FlowHeartbeat Flow = "Heartbeat"
	FlowAuthorize Flow = "Authorize"
	FlowCharge    Flow = "Charge"
)

// ParseFlow validates a flow name from config.
func ParseFlow(s string) (Flow, error) {
	switch Flow(s) {
	case FlowHeartbeat, FlowAuthorize, FlowCharge:
		return Flow(s), nil
	default:
		return "", fmt.Errorf("unknown flow %q", s)
	}
}

// FrequentFlowOptions is the per-entry scheduling state. DelaySeconds at or
// below zero falls back to 60; Count below zero means unlimited.
type FrequentFlowOptions struct {
	DelaySeconds int
	Count        int

	runLastTime int
	runCounter  int
}

// NewFrequentFlowOptions builds an entry that fires on the first tick.
func NewFrequentFlowOptions(delaySeconds, count int) *FrequentFlowOptions {
	return &FrequentFlowOptions{
		DelaySeconds: delaySeconds,
		Count:        count,
		runLastTime:  -1,
	}
}

func (o *FrequentFlowOptions) effectiveDelay() int {
	if o.DelaySeconds <= 0 {
		return 60
	}
	return o.DelaySeconds
}

// due reports whether the entry should fire at the given tick.
func (o *FrequentFlowOptions) due(tick int) bool {
	if o.runLastTime >= 0 && tick-o.runLastTime < o.effectiveDelay() {
		return false
	}
	return o.Count < 0 || o.runCounter < o.Count
}

// exhausted reports whether the entry will never fire again.
func (o *FrequentFlowOptions) exhausted() bool {
	return o.Count >= 0 && o.runCounter >= o.Count
}

func (o *FrequentFlowOptions) mark(tick int) {
	o.runCounter++
	o.runLastTime = tick
}
