// Package logger is harbor's subsystem logger.
//
// Every package owns one *slog.Logger named after its subsystem:
//
//	var log = logger.Logger("network")
//
//	log.Info("peer identified", "peer", id.ShortString(), "addrs", len(addrs))
//
// Levels are configured through HARBOR_LOG_LEVEL, either globally or per
// subsystem ("network=debug,syncengine=warn,info"), and the output format
// through HARBOR_LOG_FORMAT (text or json).
package logger

import (
	"io"
	"log/slog"
	"sync"
)

var (
	loggers  sync.Map // subsystem -> *slog.Logger
	handlers sync.Map // subsystem -> *subsystemHandler
)

// Logger returns the cached logger for a subsystem, creating it on first use.
func Logger(subsystem string) *slog.Logger {
	if l, ok := loggers.Load(subsystem); ok {
		return l.(*slog.Logger)
	}

	cfg := ConfigFromEnv()
	h := newHandler(subsystem, cfg.LevelForSubsystem(subsystem), cfg)
	actual, loaded := loggers.LoadOrStore(subsystem, slog.New(h))
	if !loaded {
		handlers.Store(subsystem, h)
	}
	return actual.(*slog.Logger)
}

// SetLevel changes the level of an existing subsystem logger at runtime.
func SetLevel(subsystem string, level slog.Level) {
	if h, ok := handlers.Load(subsystem); ok {
		h.(*subsystemHandler).setLevel(level)
	}
}

// SetGlobalLevel changes the level of every subsystem created so far.
func SetGlobalLevel(level slog.Level) {
	handlers.Range(func(_, v any) bool {
		v.(*subsystemHandler).setLevel(level)
		return true
	})
}

// SetOutput redirects all loggers, including ones already created.
func SetOutput(w io.Writer) {
	outputMu.Lock()
	output = w
	outputMu.Unlock()
}

// Discard returns a logger that drops every record. Used by tests.
func Discard() *slog.Logger {
	return slog.New(discardHandler{})
}
