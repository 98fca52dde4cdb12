// Package config holds the node configuration.
//
// Each concern lives in its own file with a Default*Config constructor and a
// Validate method. Config aggregates them; Load reads JSON or YAML.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the complete node configuration.
type Config struct {
	Identity  IdentityConfig  `json:"identity" yaml:"identity"`
	Network   NetworkConfig   `json:"network" yaml:"network"`
	Relay     RelayConfig     `json:"relay" yaml:"relay"`
	Discovery DiscoveryConfig `json:"discovery" yaml:"discovery"`
	HolePunch HolePunchConfig `json:"hole_punch" yaml:"hole_punch"`
	Sync      SyncConfig      `json:"sync" yaml:"sync"`
	Storage   StorageConfig   `json:"storage" yaml:"storage"`
	Metrics   MetricsConfig   `json:"metrics" yaml:"metrics"`
}

// NewConfig returns the default configuration.
func NewConfig() *Config {
	return &Config{
		Identity:  DefaultIdentityConfig(),
		Network:   DefaultNetworkConfig(),
		Relay:     DefaultRelayConfig(),
		Discovery: DefaultDiscoveryConfig(),
		HolePunch: DefaultHolePunchConfig(),
		Sync:      DefaultSyncConfig(),
		Storage:   DefaultStorageConfig(),
		Metrics:   DefaultMetricsConfig(),
	}
}

// Validate checks every section.
func (c *Config) Validate() error {
	validators := []interface{ Validate() error }{
		&c.Identity, &c.Network, &c.Relay, &c.Discovery,
		&c.HolePunch, &c.Sync, &c.Storage, &c.Metrics,
	}
	for _, v := range validators {
		if err := v.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// FromJSON decodes data over the defaults.
func FromJSON(data []byte) (*Config, error) {
	cfg := NewConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, cfg.Validate()
}

// FromYAML decodes data over the defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := NewConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, cfg.Validate()
}

// Load reads a configuration file, choosing the decoder by extension.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FromYAML(data)
	default:
		return FromJSON(data)
	}
}
