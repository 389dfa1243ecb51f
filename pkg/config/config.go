// Package config reads the simulator's YAML configuration: the device
// definitions, the named simulations that drive them, and the optional
// observability endpoints.
package config

// File is the root of the YAML configuration.
type File struct {
	Devices     []Device     `mapstructure:"devices"`
	Simulations []Simulation `mapstructure:"simulations"`
	MetricsPort int          `mapstructure:"metrics_port"`
	Events      Events       `mapstructure:"events"`
}

// Events configures the optional NATS event bus. An empty URL disables
// publishing.
type Events struct {
	NATSURL string `mapstructure:"nats_url"`
}

// Device types.
const (
	TypeOCPPJ = "ocpp-j"
	TypeOCPPS = "ocpp-s"
	TypeEnsto = "ensto"
)

// Device describes one simulated charge point. Which fields apply depends
// on Type; pointer booleans distinguish "absent" from "false" so the
// device defaults (both true) survive an omitted key.
type Device struct {
	Type           string `mapstructure:"type"`
	Name           string `mapstructure:"name"`
	SpecIdentifier string `mapstructure:"spec_identifier"`

	// OCPP-J and OCPP-S.
	ServerAddress string   `mapstructure:"server_address"`
	FromAddress   string   `mapstructure:"from_address"`
	Protocols     []string `mapstructure:"protocols"`

	SpecChargePointVendor       string `mapstructure:"spec_chargePointVendor"`
	SpecChargePointModel        string `mapstructure:"spec_chargePointModel"`
	SpecChargeBoxSerialNumber   string `mapstructure:"spec_chargeBoxSerialNumber"`
	SpecChargePointSerialNumber string `mapstructure:"spec_chargePointSerialNumber"`
	SpecFirmwareVersion         string `mapstructure:"spec_firmwareVersion"`
	SpecICCID                   string `mapstructure:"spec_iccid"`
	SpecIMSI                    string `mapstructure:"spec_imsi"`
	SpecMeterType               string `mapstructure:"spec_meterType"`
	SpecMeterSerialNumber       string `mapstructure:"spec_meterSerialNumber"`

	// Ensto.
	ServerHost string `mapstructure:"server_host"`
	ServerPort int    `mapstructure:"server_port"`
	SpecVendor string `mapstructure:"spec_vendor"`
	SpecModel  string `mapstructure:"spec_model"`
	SpecSW     string `mapstructure:"spec_sw"`

	RegisterOnInitialize   *bool `mapstructure:"register_on_initialize"`
	ErrorExit              *bool `mapstructure:"error_exit"`
	ResponseTimeoutSeconds int   `mapstructure:"response_timeout_seconds"`
}

// Simulation names a device and the flows to run against it.
type Simulation struct {
	Name                string         `mapstructure:"name"`
	DeviceName          string         `mapstructure:"device_name"`
	FlowChargeOptions   map[string]any `mapstructure:"flow_charge_options"`
	FrequentFlowEnabled bool           `mapstructure:"frequent_flow_enabled"`
	IsInteractive       bool           `mapstructure:"is_interactive"`
	ErrorExit           *bool          `mapstructure:"error_exit"`
	FrequentFlows       []FrequentFlow `mapstructure:"frequent_flows"`
}

// FrequentFlow schedules one flow: every DelaySeconds, Count times in
// total. A non-positive delay falls back to 60 s; a negative count runs
// forever.
type FrequentFlow struct {
	Flow         string `mapstructure:"flow"`
	DelaySeconds int    `mapstructure:"delay_seconds"`
	Count        int    `mapstructure:"count"`
}

// FindDevice returns the device with the given name, nil when absent.
func (f *File) FindDevice(name string) *Device {
	for i := range f.Devices {
		if f.Devices[i].Name == name {
			return &f.Devices[i]
		}
	}
	return nil
}

// FindSimulation returns the simulation with the given name, nil when
// absent.
func (f *File) FindSimulation(name string) *Simulation {
	for i := range f.Simulations {
		if f.Simulations[i].Name == name {
			return &f.Simulations[i]
		}
	}
	return nil
}
