// Package storage opens the node's database and hands it to the rest of the
// graph.
package storage

import (
	"context"

	"go.uber.org/fx"

	"github.com/dep2p/harbor/config"
	"github.com/dep2p/harbor/internal/core/storage/engine"
	"github.com/dep2p/harbor/internal/core/storage/engine/badger"
	"github.com/dep2p/harbor/internal/util/logger"
)

var log = logger.Logger("storage")

// Module provides an engine.Engine closed on shutdown.
func Module() fx.Option {
	return fx.Module("storage",
		fx.Provide(ProvideEngine),
	)
}

// ProvideEngine opens the engine described by the storage section.
func ProvideEngine(lc fx.Lifecycle, cfg *config.Config) (engine.Engine, error) {
	eng, err := Open(cfg.Storage)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			log.Info("closing storage engine")
			return eng.Close()
		},
	})
	return eng, nil
}

// Open opens a badger engine for the given section.
func Open(sc config.StorageConfig) (engine.Engine, error) {
	ec := engine.DefaultConfig(sc.DBPath())
	if sc.InMemory {
		ec = engine.InMemoryConfig()
	}
	eng, err := badger.New(ec)
	if err != nil {
		log.Error("open storage engine failed", "path", ec.Path, "err", err)
		return nil, err
	}
	log.Debug("storage engine opened", "path", ec.Path, "inMemory", ec.InMemory)
	return eng, nil
}
