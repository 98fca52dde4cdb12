package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"

	"github.com/dep2p/harbor/internal/core/network"
	"github.com/dep2p/harbor/internal/core/syncengine"
)

// Module provides a registry-backed Collector as the network and sync
// measurement hooks.
func Module() fx.Option {
	return fx.Module("metrics",
		fx.Provide(
			prometheus.NewRegistry,
			func(r *prometheus.Registry) prometheus.Registerer { return r },
			func(r *prometheus.Registry) prometheus.Gatherer { return r },
			func(reg prometheus.Registerer) (*Collector, error) { return New(reg, nil) },
			func(c *Collector) network.Metrics { return c },
			func(c *Collector) syncengine.Metrics { return c },
		),
	)
}
