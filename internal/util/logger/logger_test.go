package logger

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetOutputRedirectsExistingLoggers(t *testing.T) {
	log := Logger("logger-test")

	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(nopWriter{})

	log.Info("after switch", "key", "value")

	out := buf.String()
	assert.Contains(t, out, "after switch")
	assert.Contains(t, out, "key=value")
	assert.Contains(t, out, "subsystem=logger-test")
}

func TestParseConfig(t *testing.T) {
	cfg := ParseConfig("network=debug, syncengine=warn,error,bogus", "JSON", "true")

	assert.Equal(t, slog.LevelError, cfg.DefaultLevel)
	assert.Equal(t, slog.LevelDebug, cfg.LevelForSubsystem("network"))
	assert.Equal(t, slog.LevelWarn, cfg.LevelForSubsystem("syncengine"))
	assert.Equal(t, slog.LevelError, cfg.LevelForSubsystem("crypto"))
	assert.Equal(t, FormatJSON, cfg.Format)
	assert.True(t, cfg.AddSource)
}

func TestSetLevel(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(nopWriter{})

	log := Logger("logger-level")
	SetLevel("logger-level", slog.LevelError)
	log.Info("hidden")
	require.Empty(t, buf.String())

	SetLevel("logger-level", slog.LevelDebug)
	log.Debug("shown")
	assert.Contains(t, buf.String(), "shown")
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }
