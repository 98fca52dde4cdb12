package eventbus

import (
	pkgif "github.com/dep2p/harbor/pkg/interfaces"
	"go.uber.org/fx"
)

// Module provides the process event bus.
func Module() fx.Option {
	return fx.Module("eventbus",
		fx.Provide(func() pkgif.EventBus { return NewBus() }),
	)
}
