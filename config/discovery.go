package config

import (
	"errors"
	"time"
)

// DiscoveryConfig selects discovery sources.
type DiscoveryConfig struct {
	EnableMDNS   bool     `json:"enable_mdns" yaml:"enable_mdns"`
	MDNSService  string   `json:"mdns_service" yaml:"mdns_service"`
	MDNSInterval Duration `json:"mdns_interval" yaml:"mdns_interval"`

	EnableDHT bool `json:"enable_dht" yaml:"enable_dht"`

	// DHTBucketSize is k, the contacts kept per distance bucket.
	DHTBucketSize int `json:"dht_bucket_size" yaml:"dht_bucket_size"`

	// DHTAlpha is the lookup concurrency.
	DHTAlpha int `json:"dht_alpha" yaml:"dht_alpha"`
}

// DefaultDiscoveryConfig returns the default discovery settings.
func DefaultDiscoveryConfig() DiscoveryConfig {
	return DiscoveryConfig{
		EnableMDNS:    true,
		MDNSService:   "_harbor._udp",
		MDNSInterval:  Duration(time.Minute),
		EnableDHT:     true,
		DHTBucketSize: 20,
		DHTAlpha:      3,
	}
}

// Validate checks the section.
func (c *DiscoveryConfig) Validate() error {
	if c.EnableMDNS {
		if c.MDNSService == "" {
			return errors.New("discovery: mdns_service is required")
		}
		if c.MDNSInterval <= 0 {
			return errors.New("discovery: mdns_interval must be positive")
		}
	}
	if c.EnableDHT && (c.DHTBucketSize < 1 || c.DHTAlpha < 1) {
		return errors.New("discovery: dht_bucket_size and dht_alpha must be at least 1")
	}
	return nil
}
