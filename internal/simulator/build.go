package simulator

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/evetech/cp-simulator/internal/device"
	"github.com/evetech/cp-simulator/internal/device/ensto"
	"github.com/evetech/cp-simulator/internal/device/ocppj"
	"github.com/evetech/cp-simulator/internal/device/ocpps"
	"github.com/evetech/cp-simulator/pkg/config"
)

// ErrSimulationNotFound is reported when --simulation names nothing in the
// config file.
var ErrSimulationNotFound = fmt.Errorf("Simulation not found")

// BuildDevice constructs the dialect named by the device config.
func BuildDevice(cfg *config.Device, log *zap.Logger) (device.Device, error) {
	var dev device.Device
	switch cfg.Type {
	case config.TypeOCPPJ:
		spec := ocppjSpec(cfg)
		if containsProtocol(cfg.Protocols, "ocpp2.0.1") {
			dev = ocppj.NewV201(cfg.SpecIdentifier, cfg.ServerAddress, cfg.Protocols, spec, log)
		} else {
			dev = ocppj.NewV16(cfg.SpecIdentifier, cfg.ServerAddress, cfg.Protocols, spec, log)
		}
	case config.TypeOCPPS:
		dev = ocpps.New(cfg.SpecIdentifier, cfg.ServerAddress, cfg.FromAddress, ocpps.Spec{
			ChargePointVendor:       cfg.SpecChargePointVendor,
			ChargePointModel:        cfg.SpecChargePointModel,
			ChargeBoxSerialNumber:   cfg.SpecChargeBoxSerialNumber,
			ChargePointSerialNumber: cfg.SpecChargePointSerialNumber,
			FirmwareVersion:         cfg.SpecFirmwareVersion,
			ICCID:                   cfg.SpecICCID,
			IMSI:                    cfg.SpecIMSI,
			MeterType:               cfg.SpecMeterType,
			MeterSerialNumber:       cfg.SpecMeterSerialNumber,
		}, log)
	case config.TypeEnsto:
		dev = ensto.New(cfg.SpecIdentifier, cfg.ServerHost, cfg.ServerPort, ensto.Spec{
			Vendor: cfg.SpecVendor,
			Model:  cfg.SpecModel,
			SW:     cfg.SpecSW,
		}, log)
	default:
		return nil, fmt.Errorf("unknown device type %q", cfg.Type)
	}

	base := dev.Settings()
	base.SetName(cfg.Name)
	if cfg.RegisterOnInitialize != nil {
		base.RegisterOnInitialize = *cfg.RegisterOnInitialize
	}
	if cfg.ErrorExit != nil {
		base.ErrorExit = *cfg.ErrorExit
	}
	if cfg.ResponseTimeoutSeconds > 0 {
		base.ResponseTimeout = time.Duration(cfg.ResponseTimeoutSeconds) * time.Second
	}
	return dev, nil
}

func ocppjSpec(cfg *config.Device) ocppj.Spec {
	return ocppj.Spec{
		ChargePointVendor:       cfg.SpecChargePointVendor,
		ChargePointModel:        cfg.SpecChargePointModel,
		ChargeBoxSerialNumber:   cfg.SpecChargeBoxSerialNumber,
		ChargePointSerialNumber: cfg.SpecChargePointSerialNumber,
		FirmwareVersion:         cfg.SpecFirmwareVersion,
		ICCID:                   cfg.SpecICCID,
		IMSI:                    cfg.SpecIMSI,
		MeterType:               cfg.SpecMeterType,
		MeterSerialNumber:       cfg.SpecMeterSerialNumber,
	}
}

func containsProtocol(protocols []string, name string) bool {
	for _, p := range protocols {
		if p == name {
			return true
		}
	}
	return false
}

// Build resolves the named simulation from the config file into a wired
// simulator: device, frequent schedule and error policy.
func Build(f *config.File, simulationName string, log *zap.Logger) (*Simulator, error) {
	simCfg := f.FindSimulation(simulationName)
	if simCfg == nil {
		return nil, ErrSimulationNotFound
	}
	devCfg := f.FindDevice(simCfg.DeviceName)
	if devCfg == nil {
		return nil, fmt.Errorf("device %q not found", simCfg.DeviceName)
	}

	dev, err := BuildDevice(devCfg, log)
	if err != nil {
		return nil, err
	}
	if simCfg.ErrorExit != nil {
		dev.Settings().ErrorExit = *simCfg.ErrorExit
	}

	sim := New(simCfg.Name, dev, log)
	sim.FlowChargeOptions = device.FlowOptions(simCfg.FlowChargeOptions)
	sim.FrequentFlowEnabled = simCfg.FrequentFlowEnabled
	sim.IsInteractive = simCfg.IsInteractive
	for _, ff := range simCfg.FrequentFlows {
		flow, err := ParseFlow(ff.Flow)
		if err != nil {
			return nil, err
		}
		sim.AddFrequentFlow(flow, NewFrequentFlowOptions(ff.DelaySeconds, ff.Count))
	}
	return sim, nil
}
