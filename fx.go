package harbor

import (
	"log/slog"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/dep2p/harbor/config"
	"github.com/dep2p/harbor/internal/core/contact"
	"github.com/dep2p/harbor/internal/core/eventbus"
	"github.com/dep2p/harbor/internal/core/identity"
	"github.com/dep2p/harbor/internal/core/metrics"
	"github.com/dep2p/harbor/internal/core/storage"
	"github.com/dep2p/harbor/internal/core/store"
	"github.com/dep2p/harbor/internal/util/logger"
)

// buildFxApp assembles the components that live as long as the node:
// storage, the event bus, the identity keystore, contacts and metrics.
// Everything bound to an unlocked identity is built per session.
func buildFxApp(cfg *config.Config, n *Node) *fx.App {
	return fx.New(
		fx.Supply(cfg),

		// Storage and the typed store over it.
		storage.Module(),
		store.Module(),
		fx.Provide(func(s *store.Store) contact.PeerStore { return s }),

		eventbus.Module(),
		identity.Module(),
		contact.Module(),
		metrics.Module(),

		fx.Populate(
			&n.store,
			&n.bus,
			&n.identities,
			&n.contacts,
			&n.collector,
			&n.gatherer,
		),

		fx.WithLogger(fxLogger),
	)
}

// fxLogger reports the dependency graph at debug level.
func fxLogger() fxevent.Logger {
	l := &fxevent.SlogLogger{Logger: logger.Logger("fx")}
	l.UseLogLevel(slog.LevelDebug)
	return l
}
