package relay

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type RelayConfig struct {
	Port        int  `yaml:"port"`
	RequireAuth bool `yaml:"require_auth"`

	// zero means use the default
	HelloTimeoutMillis int64 `yaml:"hello_timeout_millis"`
	PingTimeoutMillis  int64 `yaml:"ping_timeout_millis"`
	WriteTimeoutMillis int64 `yaml:"write_timeout_millis"`
	ReadTimeoutMillis  int64 `yaml:"read_timeout_millis"`
	ReadLimit          int64 `yaml:"read_limit"`
}

func DefaultRelayConfig() *RelayConfig {
	return &RelayConfig{
		Port: 8080,
	}
}

func LoadRelayConfig(path string) (*RelayConfig, error) {
	configYaml, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	config := DefaultRelayConfig()
	if err := yaml.Unmarshal(configYaml, config); err != nil {
		return nil, err
	}
	return config, nil
}

func (self *RelayConfig) Settings() *RelaySettings {
	settings := DefaultRelaySettings()
	settings.RequireAuth = self.RequireAuth
	if 0 < self.HelloTimeoutMillis {
		settings.HelloTimeout = time.Duration(self.HelloTimeoutMillis) * time.Millisecond
	}
	if 0 < self.PingTimeoutMillis {
		settings.PingTimeout = time.Duration(self.PingTimeoutMillis) * time.Millisecond
	}
	if 0 < self.WriteTimeoutMillis {
		settings.WriteTimeout = time.Duration(self.WriteTimeoutMillis) * time.Millisecond
	}
	if 0 < self.ReadTimeoutMillis {
		settings.ReadTimeout = time.Duration(self.ReadTimeoutMillis) * time.Millisecond
	}
	if 0 < self.ReadLimit {
		settings.ReadLimit = self.ReadLimit
	}
	return settings
}
