package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfig_IsValid(t *testing.T) {
	cfg := NewConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 256, cfg.Sync.OutboundQueueSize)
	assert.False(t, cfg.HolePunch.Enable)
}

func TestConfig_ValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"short passphrase", func(c *Config) { c.Identity.MinPassphraseLength = 4 }},
		{"bad listen addr", func(c *Config) { c.Network.ListenAddrs = []string{"not-an-addr"} }},
		{"zero timeout", func(c *Config) { c.Network.RequestTimeout = 0 }},
		{"no workers", func(c *Config) { c.Network.Workers = 0 }},
		{"relay server limits", func(c *Config) {
			c.Relay.EnableServer = true
			c.Relay.Server.MaxCircuits = 0
		}},
		{"mdns without service", func(c *Config) { c.Discovery.MDNSService = "" }},
		{"queue size", func(c *Config) { c.Sync.OutboundQueueSize = 0 }},
		{"no lamport skew", func(c *Config) { c.Sync.MaxLamportSkew = 0 }},
		{"empty data dir", func(c *Config) { c.Storage.DataDir = "" }},
		{"metrics without addr", func(c *Config) {
			c.Metrics.Enable = true
			c.Metrics.ListenAddr = ""
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestFromJSON_OverridesDefaults(t *testing.T) {
	cfg, err := FromJSON([]byte(`{
		"network": {"request_timeout": "3s", "peer_expiry": 60000000000},
		"sync": {"outbound_queue_size": 8}
	}`))
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, cfg.Network.RequestTimeout.Duration())
	assert.Equal(t, time.Minute, cfg.Network.PeerExpiry.Duration())
	assert.Equal(t, 8, cfg.Sync.OutboundQueueSize)
	assert.Equal(t, 4, cfg.Sync.FetchParallelism)
}

func TestLoad_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "harbor.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
relay:
  enable_server: true
  server:
    reservation_ttl: 30m
hole_punch:
  enable: true
  timeout: 2s
storage:
  in_memory: true
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.True(t, cfg.Relay.EnableServer)
	assert.Equal(t, 30*time.Minute, cfg.Relay.Server.ReservationTTL.Duration())
	assert.Equal(t, 2*time.Second, cfg.HolePunch.Timeout.Duration())
	assert.True(t, cfg.Storage.InMemory)
}

func TestDuration_RejectsGarbage(t *testing.T) {
	var d Duration
	assert.Error(t, d.UnmarshalJSON([]byte(`"soon"`)))
	assert.Error(t, d.UnmarshalJSON([]byte(`true`)))
}
