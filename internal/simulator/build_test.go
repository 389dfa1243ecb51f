package simulator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/evetech/cp-simulator/internal/device/ensto"
	"github.com/evetech/cp-simulator/internal/device/ocppj"
	"github.com/evetech/cp-simulator/pkg/config"
)

func boolPtr(b bool) *bool { return &b }

func testConfig() *config.File {
	return &config.File{
		Devices: []config.Device{
			{
				Type:                  config.TypeOCPPJ,
				Name:                  "cp-16",
				SpecIdentifier:        "CP-16",
				ServerAddress:         "ws://localhost:8180/ocpp",
				SpecChargePointVendor: "VendorX",
			},
			{
				Type:           config.TypeOCPPJ,
				Name:           "cp-201",
				SpecIdentifier: "CP-201",
				ServerAddress:  "ws://localhost:8180/ocpp201",
				Protocols:      []string{"ocpp2.0.1"},
			},
			{
				Type:                   config.TypeEnsto,
				Name:                   "cp-ensto",
				SpecIdentifier:         "123456789012345",
				ServerHost:             "localhost",
				ServerPort:             3000,
				SpecVendor:             "Ensto",
				ErrorExit:              boolPtr(false),
				RegisterOnInitialize:   boolPtr(false),
				ResponseTimeoutSeconds: 25,
			},
		},
		Simulations: []config.Simulation{
			{
				Name:                "charge-ensto",
				DeviceName:          "cp-ensto",
				FlowChargeOptions:   map[string]any{"rfid": "RF1"},
				FrequentFlowEnabled: true,
				FrequentFlows: []config.FrequentFlow{
					{Flow: "Heartbeat", DelaySeconds: 30, Count: 10},
					{Flow: "Charge", DelaySeconds: 120, Count: 2},
				},
			},
			{Name: "bad-flow", DeviceName: "cp-16", FrequentFlows: []config.FrequentFlow{{Flow: "Teleport"}}},
			{Name: "no-device", DeviceName: "missing"},
		},
	}
}

func TestBuildDeviceSelectsDialect(t *testing.T) {
	f := testConfig()
	log := zap.NewNop()

	dev, err := BuildDevice(f.FindDevice("cp-16"), log)
	require.NoError(t, err)
	assert.IsType(t, &ocppj.V16{}, dev)

	dev, err = BuildDevice(f.FindDevice("cp-201"), log)
	require.NoError(t, err)
	assert.IsType(t, &ocppj.V201{}, dev)

	dev, err = BuildDevice(f.FindDevice("cp-ensto"), log)
	require.NoError(t, err)
	assert.IsType(t, &ensto.Device{}, dev)
}

func TestBuildDeviceAppliesSettings(t *testing.T) {
	f := testConfig()
	dev, err := BuildDevice(f.FindDevice("cp-ensto"), zap.NewNop())
	require.NoError(t, err)

	base := dev.Settings()
	assert.Equal(t, "123456789012345", dev.ID())
	assert.Equal(t, "cp-ensto", dev.Name())
	assert.False(t, base.ErrorExit)
	assert.False(t, base.RegisterOnInitialize)
	assert.Equal(t, 25*time.Second, base.ResponseTimeout)
}

func TestBuildDeviceDefaultsSurviveOmittedBooleans(t *testing.T) {
	f := testConfig()
	dev, err := BuildDevice(f.FindDevice("cp-16"), zap.NewNop())
	require.NoError(t, err)

	base := dev.Settings()
	assert.True(t, base.ErrorExit)
	assert.True(t, base.RegisterOnInitialize)
}

func TestBuildDeviceUnknownType(t *testing.T) {
	_, err := BuildDevice(&config.Device{Type: "modbus"}, zap.NewNop())
	assert.Error(t, err)
}

func TestBuildWiresSimulation(t *testing.T) {
	sim, err := Build(testConfig(), "charge-ensto", zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "charge-ensto", sim.Name())
	assert.True(t, sim.FrequentFlowEnabled)
	assert.False(t, sim.IsInteractive)
	assert.Equal(t, "RF1", sim.FlowChargeOptions["rfid"])
	require.Len(t, sim.entries, 2)
	assert.Equal(t, FlowHeartbeat, sim.entries[0].flow)
	assert.Equal(t, 30, sim.entries[0].opts.DelaySeconds)
	assert.Equal(t, FlowCharge, sim.entries[1].flow)
}

func TestBuildSimulationNotFound(t *testing.T) {
	_, err := Build(testConfig(), "nope", zap.NewNop())
	assert.ErrorIs(t, err, ErrSimulationNotFound)
	assert.EqualError(t, err, "Simulation not found")
}

func TestBuildDeviceNotFound(t *testing.T) {
	_, err := Build(testConfig(), "no-device", zap.NewNop())
	assert.Error(t, err)
}

func TestBuildUnknownFlow(t *testing.T) {
	_, err := Build(testConfig(), "bad-flow", zap.NewNop())
	assert.Error(t, err)
}
