package config

import "errors"

// IdentityConfig controls how the identity is protected at rest.
type IdentityConfig struct {
	// MinPassphraseLength rejects shorter passphrases.
	MinPassphraseLength int `json:"min_passphrase_length" yaml:"min_passphrase_length"`

	// Argon2id parameters for the passphrase key.
	KDFTime    uint32 `json:"kdf_time" yaml:"kdf_time"`
	KDFMemory  uint32 `json:"kdf_memory_kib" yaml:"kdf_memory_kib"`
	KDFThreads uint8  `json:"kdf_threads" yaml:"kdf_threads"`
}

// DefaultIdentityConfig returns the interactive Argon2id profile.
func DefaultIdentityConfig() IdentityConfig {
	return IdentityConfig{
		MinPassphraseLength: 8,
		KDFTime:             3,
		KDFMemory:           64 * 1024,
		KDFThreads:          4,
	}
}

// Validate checks the section.
func (c *IdentityConfig) Validate() error {
	if c.MinPassphraseLength < 8 {
		return errors.New("identity: min_passphrase_length must be at least 8")
	}
	if c.KDFTime < 1 || c.KDFMemory < 8 || c.KDFThreads < 1 {
		return errors.New("identity: invalid kdf parameters")
	}
	return nil
}
