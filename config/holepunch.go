package config

import (
	"errors"
	"time"
)

// HolePunchConfig controls the best-effort upgrade of relayed connections.
type HolePunchConfig struct {
	Enable  bool     `json:"enable" yaml:"enable"`
	Timeout Duration `json:"timeout" yaml:"timeout"`
	Retries int      `json:"retries" yaml:"retries"`
}

// DefaultHolePunchConfig returns hole punching disabled.
func DefaultHolePunchConfig() HolePunchConfig {
	return HolePunchConfig{
		Timeout: Duration(5 * time.Second),
		Retries: 3,
	}
}

// Validate checks the section.
func (c *HolePunchConfig) Validate() error {
	if c.Enable && (c.Timeout <= 0 || c.Retries < 1) {
		return errors.New("hole_punch: timeout and retries must be positive")
	}
	return nil
}
