package logger

import (
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Environment variables read by ConfigFromEnv.
const (
	EnvLevel     = "HARBOR_LOG_LEVEL"
	EnvFormat    = "HARBOR_LOG_FORMAT"
	EnvAddSource = "HARBOR_LOG_ADD_SOURCE"
)

// Format selects the record encoding.
type Format int

const (
	// FormatText is logfmt-style key=value output.
	FormatText Format = iota
	// FormatJSON is one JSON object per record.
	FormatJSON
)

// Config is the parsed logging configuration.
type Config struct {
	DefaultLevel    slog.Level
	SubsystemLevels map[string]slog.Level
	Format          Format
	AddSource       bool
}

// LevelForSubsystem returns the configured level for subsystem.
func (c *Config) LevelForSubsystem(subsystem string) slog.Level {
	if lvl, ok := c.SubsystemLevels[subsystem]; ok {
		return lvl
	}
	return c.DefaultLevel
}

var (
	configCache *Config
	configOnce  sync.Once
)

// ConfigFromEnv parses the environment once and caches the result.
func ConfigFromEnv() *Config {
	configOnce.Do(func() {
		configCache = ParseConfig(os.Getenv(EnvLevel), os.Getenv(EnvFormat), os.Getenv(EnvAddSource))
	})
	return configCache
}

// ParseConfig builds a Config from the raw environment values.
//
// level has the form "sub=level,sub=level,default".
func ParseConfig(level, format, addSource string) *Config {
	cfg := &Config{
		DefaultLevel:    slog.LevelInfo,
		SubsystemLevels: make(map[string]slog.Level),
	}

	for _, part := range strings.Split(level, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if sub, name, ok := strings.Cut(part, "="); ok {
			if lvl, ok := parseLevel(name); ok {
				cfg.SubsystemLevels[strings.TrimSpace(sub)] = lvl
			}
			continue
		}
		if lvl, ok := parseLevel(part); ok {
			cfg.DefaultLevel = lvl
		}
	}

	if strings.EqualFold(strings.TrimSpace(format), "json") {
		cfg.Format = FormatJSON
	}
	cfg.AddSource = addSource == "1" || strings.EqualFold(addSource, "true")
	return cfg
}

func parseLevel(name string) (slog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug, true
	case "info":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	}
	return slog.LevelInfo, false
}

// ResetConfig drops the cached configuration. Tests only.
func ResetConfig() {
	configOnce = sync.Once{}
	configCache = nil
}
