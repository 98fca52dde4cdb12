package engine

import (
	"os"
	"path/filepath"
	"time"
)

// Config configures an engine instance.
type Config struct {
	// Path is the data directory. Ignored when InMemory is set.
	Path string

	// InMemory keeps all data in memory. Used by tests and ephemeral nodes.
	InMemory bool

	SyncWrites bool

	ReadOnly bool

	// GCInterval is the value-log GC period; zero disables GC.
	GCInterval time.Duration

	GCDiscardRatio float64

	// Logger receives the engine's internal log lines; nil discards them.
	Logger Logger
}

// Logger is the printf-style logger badger expects.
type Logger interface {
	Errorf(format string, args ...any)
	Warningf(format string, args ...any)
	Infof(format string, args ...any)
	Debugf(format string, args ...any)
}

// DefaultConfig returns a persistent configuration rooted at path.
func DefaultConfig(path string) *Config {
	return &Config{
		Path:           path,
		GCInterval:     10 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns a configuration with no on-disk footprint.
func InMemoryConfig() *Config {
	return &Config{InMemory: true}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if !c.InMemory && c.Path == "" {
		return ErrInvalidConfig
	}
	if c.GCDiscardRatio < 0 || c.GCDiscardRatio >= 1 {
		return ErrInvalidConfig
	}
	return nil
}

// EnsureDir makes Path absolute and creates it.
func (c *Config) EnsureDir() error {
	if c.InMemory {
		return nil
	}
	abs, err := filepath.Abs(c.Path)
	if err != nil {
		return err
	}
	c.Path = abs
	return os.MkdirAll(c.Path, 0o700)
}
