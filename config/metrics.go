package config

import "errors"

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enable bool `json:"enable" yaml:"enable"`

	// ListenAddr is the host:port serving /metrics.
	ListenAddr string `json:"listen_addr" yaml:"listen_addr"`
}

// DefaultMetricsConfig returns metrics collected but not served.
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{ListenAddr: "127.0.0.1:9464"}
}

// Validate checks the section.
func (c *MetricsConfig) Validate() error {
	if c.Enable && c.ListenAddr == "" {
		return errors.New("metrics: listen_addr is required when enabled")
	}
	return nil
}
