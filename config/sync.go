package config

import (
	"errors"
	"time"
)

// SyncConfig controls event propagation and reconciliation.
type SyncConfig struct {
	// OutboundQueueSize bounds events queued per unreachable peer.
	OutboundQueueSize int `json:"outbound_queue_size" yaml:"outbound_queue_size"`

	// FetchParallelism bounds concurrent content fetches during a sync.
	FetchParallelism int `json:"fetch_parallelism" yaml:"fetch_parallelism"`

	// ManifestLimit caps the entries in one manifest response.
	ManifestLimit int `json:"manifest_limit" yaml:"manifest_limit"`

	// Interval is the period of background syncs with identified peers;
	// zero syncs only on identify.
	Interval Duration `json:"interval" yaml:"interval"`

	// MediaChunkSize is the chunk size for media transfer.
	MediaChunkSize int `json:"media_chunk_size" yaml:"media_chunk_size"`

	// MaxLamportSkew is how far ahead of the local clock a remote event's
	// lamport may be. Events further ahead are rejected.
	MaxLamportSkew uint64 `json:"max_lamport_skew" yaml:"max_lamport_skew"`
}

// DefaultSyncConfig returns the default sync settings.
func DefaultSyncConfig() SyncConfig {
	return SyncConfig{
		OutboundQueueSize: 256,
		FetchParallelism:  4,
		ManifestLimit:     512,
		Interval:          Duration(5 * time.Minute),
		MediaChunkSize:    256 << 10,
		MaxLamportSkew:    1 << 32,
	}
}

// Validate checks the section.
func (c *SyncConfig) Validate() error {
	if c.OutboundQueueSize < 1 {
		return errors.New("sync: outbound_queue_size must be at least 1")
	}
	if c.FetchParallelism < 1 {
		return errors.New("sync: fetch_parallelism must be at least 1")
	}
	if c.ManifestLimit < 1 {
		return errors.New("sync: manifest_limit must be at least 1")
	}
	if c.MediaChunkSize < 1024 {
		return errors.New("sync: media_chunk_size must be at least 1024")
	}
	if c.MaxLamportSkew < 1 || c.MaxLamportSkew > 1<<63 {
		return errors.New("sync: max_lamport_skew must be between 1 and 2^63")
	}
	return nil
}
