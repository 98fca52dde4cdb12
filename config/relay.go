package config

import (
	"errors"
	"time"
)

// RelayConfig controls relay client and server behavior.
type RelayConfig struct {
	// StaticRelays are relay multiaddrs reserved on at start.
	StaticRelays []string `json:"static_relays,omitempty" yaml:"static_relays,omitempty"`

	// EnableServer makes this node relay circuits for others.
	EnableServer bool `json:"enable_server" yaml:"enable_server"`

	Server RelayServerConfig `json:"server" yaml:"server"`

	// ReservationRefresh re-reserves before the TTL runs out.
	ReservationRefresh Duration `json:"reservation_refresh" yaml:"reservation_refresh"`
}

// RelayServerConfig bounds the resources a relay hands out.
type RelayServerConfig struct {
	MaxReservations int      `json:"max_reservations" yaml:"max_reservations"`
	MaxCircuits     int      `json:"max_circuits" yaml:"max_circuits"`
	ReservationTTL  Duration `json:"reservation_ttl" yaml:"reservation_ttl"`

	// CircuitBytesPerSecond limits each circuit direction; zero is unlimited.
	CircuitBytesPerSecond int64 `json:"circuit_bytes_per_second" yaml:"circuit_bytes_per_second"`

	// CircuitDuration caps a circuit's lifetime; zero is unlimited.
	CircuitDuration Duration `json:"circuit_duration" yaml:"circuit_duration"`
}

// DefaultRelayConfig returns client-only defaults.
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		Server: RelayServerConfig{
			MaxReservations: 128,
			MaxCircuits:     16,
			ReservationTTL:  Duration(time.Hour),
		},
		ReservationRefresh: Duration(45 * time.Minute),
	}
}

// Validate checks the section.
func (c *RelayConfig) Validate() error {
	if c.EnableServer {
		if c.Server.MaxReservations < 1 || c.Server.MaxCircuits < 1 {
			return errors.New("relay: server limits must be at least 1")
		}
		if c.Server.ReservationTTL <= 0 {
			return errors.New("relay: reservation_ttl must be positive")
		}
	}
	if c.Server.CircuitBytesPerSecond < 0 {
		return errors.New("relay: circuit_bytes_per_second must not be negative")
	}
	return nil
}
