package config

import (
	"errors"
	"path/filepath"
)

// StorageConfig locates persisted state.
type StorageConfig struct {
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// InMemory keeps everything in memory; nothing survives a restart.
	InMemory bool `json:"in_memory" yaml:"in_memory"`
}

// DefaultStorageConfig returns ./harbor-data on disk.
func DefaultStorageConfig() StorageConfig {
	return StorageConfig{DataDir: "./harbor-data"}
}

// Validate checks the section.
func (c *StorageConfig) Validate() error {
	if !c.InMemory && c.DataDir == "" {
		return errors.New("storage: data_dir cannot be empty")
	}
	return nil
}

// DBPath is the database directory.
func (c *StorageConfig) DBPath() string {
	return filepath.Join(c.DataDir, "db")
}
