package config

import (
	"errors"
	"fmt"
	"time"

	ma "github.com/multiformats/go-multiaddr"
)

// NetworkConfig controls the transport and the peer state machine.
type NetworkConfig struct {
	// ListenAddrs are QUIC multiaddrs to listen on.
	ListenAddrs []string `json:"listen_addrs" yaml:"listen_addrs"`

	// BootstrapPeers are full multiaddrs (with /p2p/) dialed at start.
	BootstrapPeers []string `json:"bootstrap_peers,omitempty" yaml:"bootstrap_peers,omitempty"`

	DialTimeout     Duration `json:"dial_timeout" yaml:"dial_timeout"`
	IdentifyTimeout Duration `json:"identify_timeout" yaml:"identify_timeout"`

	// RequestTimeout bounds every request/response exchange.
	RequestTimeout Duration `json:"request_timeout" yaml:"request_timeout"`

	// PeerExpiry prunes peers unreachable for longer than this.
	PeerExpiry    Duration `json:"peer_expiry" yaml:"peer_expiry"`
	PruneInterval Duration `json:"prune_interval" yaml:"prune_interval"`

	// Workers is the size of the inbound handler pool.
	Workers int `json:"workers" yaml:"workers"`

	MaxFrameSize int `json:"max_frame_size" yaml:"max_frame_size"`

	// SeenCacheSize bounds the inbound duplicate filter.
	SeenCacheSize int `json:"seen_cache_size" yaml:"seen_cache_size"`

	IdleTimeout Duration `json:"idle_timeout" yaml:"idle_timeout"`
}

// DefaultNetworkConfig returns the default network settings.
func DefaultNetworkConfig() NetworkConfig {
	return NetworkConfig{
		ListenAddrs:     []string{"/ip4/0.0.0.0/udp/0/quic-v1"},
		DialTimeout:     Duration(15 * time.Second),
		IdentifyTimeout: Duration(10 * time.Second),
		RequestTimeout:  Duration(10 * time.Second),
		PeerExpiry:      Duration(72 * time.Hour),
		PruneInterval:   Duration(10 * time.Minute),
		Workers:         8,
		MaxFrameSize:    1 << 20,
		SeenCacheSize:   4096,
		IdleTimeout:     Duration(30 * time.Second),
	}
}

// Validate checks the section.
func (c *NetworkConfig) Validate() error {
	for _, s := range append(append([]string{}, c.ListenAddrs...), c.BootstrapPeers...) {
		if _, err := ma.NewMultiaddr(s); err != nil {
			return fmt.Errorf("network: invalid address %q: %w", s, err)
		}
	}
	if c.RequestTimeout <= 0 || c.DialTimeout <= 0 || c.IdentifyTimeout <= 0 {
		return errors.New("network: timeouts must be positive")
	}
	if c.Workers < 1 {
		return errors.New("network: workers must be at least 1")
	}
	if c.MaxFrameSize < 1024 {
		return errors.New("network: max_frame_size must be at least 1024")
	}
	if c.SeenCacheSize < 1 {
		return errors.New("network: seen_cache_size must be at least 1")
	}
	return nil
}
