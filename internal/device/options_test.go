package device

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOptionDefaults(t *testing.T) {
	opts := FlowOptions{}
	assert.Equal(t, "-", opts.IDTag())
	assert.Equal(t, 1, opts.ConnectorID())
	assert.Equal(t, 1, opts.EVSEID())
	assert.Equal(t, 1000, opts.MeterStart())
	assert.Equal(t, 1.0, opts.ChargedKwhPerMinute())
	assert.Equal(t, "Local", opts.StopReason())
	assert.False(t, opts.IsRemoteStarted())
}

func TestOptionCoercion(t *testing.T) {
	// YAML decoding produces float64 for numbers and any-typed strings.
	opts := FlowOptions{
		"connectorId":         float64(3),
		"meterStart":          float64(500),
		"chargedKwhPerMinute": 2,
		"idTag":               "TAG-9",
		"is_remote_started":   true,
	}
	assert.Equal(t, 3, opts.ConnectorID())
	assert.Equal(t, 500, opts.MeterStart())
	assert.Equal(t, 2.0, opts.ChargedKwhPerMinute())
	assert.Equal(t, "TAG-9", opts.IDTag())
	assert.True(t, opts.IsRemoteStarted())
}

func TestCloneDoesNotMutateOriginal(t *testing.T) {
	opts := FlowOptions{"idTag": "TAG-1"}
	c := opts.Clone()
	c["idTag"] = "TAG-2"
	c["meterStart"] = 1
	assert.Equal(t, "TAG-1", opts.IDTag())
	assert.Equal(t, 1000, opts.MeterStart())
}

func TestEnsureChargeWindow(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	opts := FlowOptions{}
	opts.EnsureChargeWindow(now)
	start, ok := opts.ChargeStartTime()
	require.True(t, ok)
	assert.Equal(t, now, start)
	assert.Equal(t, 1000, opts.MeterStart())

	// Existing values survive.
	opts2 := FlowOptions{"chargeStartTime": "2024-01-01T00:00:00Z", "meterStart": 42}
	opts2.EnsureChargeWindow(now)
	start2, _ := opts2.ChargeStartTime()
	assert.Equal(t, 2024, start2.Year())
	assert.Equal(t, 1, int(start2.Month()))
	assert.Equal(t, 42, opts2.MeterStart())
}

func TestMeterValueAt(t *testing.T) {
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	opts := FlowOptions{
		"chargeStartTime":     Timestamp(start),
		"meterStart":          1000,
		"chargedKwhPerMinute": 1.0,
	}
	// 1 kWh per minute is 1000 Wh per 60 s.
	assert.Equal(t, 1000, opts.MeterValueAt(start))
	assert.Equal(t, 1500, opts.MeterValueAt(start.Add(30*time.Second)))
	assert.Equal(t, 2000, opts.MeterValueAt(start.Add(time.Minute)))
	assert.Equal(t, 11000, opts.MeterValueAt(start.Add(10*time.Minute)))
	// Clock skew before the window start clamps to the origin.
	assert.Equal(t, 1000, opts.MeterValueAt(start.Add(-time.Minute)))
}

func TestMeterMonotonicity(t *testing.T) {
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	opts := FlowOptions{"chargeStartTime": Timestamp(start), "chargedKwhPerMinute": 0.7}
	prev := 0
	for s := 0; s <= 600; s += 7 {
		v := opts.MeterValueAt(start.Add(time.Duration(s) * time.Second))
		assert.GreaterOrEqual(t, v, prev)
		prev = v
	}
}

func TestScriptedMeterValues(t *testing.T) {
	opts := FlowOptions{"meterValues": []any{
		map[string]any{"meterValue": float64(1100), "timestamp": "2024-05-01T12:01:00Z", "secondsToSleep": float64(1)},
		map[string]any{"meterValue": float64(1200), "timestamp": "2024-05-01T12:02:00Z", "secondsToSleep": float64(2)},
	}}
	script, present, err := opts.ScriptedMeterValues()
	require.NoError(t, err)
	require.True(t, present)
	require.Len(t, script, 2)
	assert.Equal(t, 1100, script[0].MeterValue)
	assert.Equal(t, "2024-05-01T12:02:00Z", script[1].Timestamp)
	assert.Equal(t, 2, script[1].SecondsToSleep)
}

func TestScriptedMeterValuesAbsent(t *testing.T) {
	_, present, err := FlowOptions{}.ScriptedMeterValues()
	require.NoError(t, err)
	assert.False(t, present)
}

func TestScriptedMeterValuesMalformed(t *testing.T) {
	_, present, err := FlowOptions{"meterValues": "nope"}.ScriptedMeterValues()
	assert.True(t, present)
	assert.Error(t, err)

	_, _, err = FlowOptions{"meterValues": []any{map[string]any{"meterValue": 1}}}.ScriptedMeterValues()
	assert.Error(t, err)
}
