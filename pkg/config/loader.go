package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// DefaultResponseTimeoutSeconds applies when neither the device config nor
// the RESPONSE_TIMEOUT_SECONDS environment variable set one.
const DefaultResponseTimeoutSeconds = 10

// Load reads and decodes the YAML config at path. Device-level response
// timeouts missing from the file fall back to the environment, then the
// default.
func Load(path string) (*File, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetDefault("response_timeout_seconds", DefaultResponseTimeoutSeconds)
	if err := v.BindEnv("response_timeout_seconds", "RESPONSE_TIMEOUT_SECONDS"); err != nil {
		return nil, err
	}

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var f File
	if err := v.Unmarshal(&f); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}

	fallback := v.GetInt("response_timeout_seconds")
	for i := range f.Devices {
		if f.Devices[i].ResponseTimeoutSeconds <= 0 {
			f.Devices[i].ResponseTimeoutSeconds = fallback
		}
	}
	return &f, nil
}
