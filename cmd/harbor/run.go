package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/dep2p/harbor"
	"github.com/dep2p/harbor/internal/util/logger"
)

var log = logger.Logger("cmd")

func runCommand() *cobra.Command {
	var metricsAddr string
	c := &cobra.Command{
		Use:   "run",
		Short: "Run the node and print incoming events until interrupted",
		RunE: func(c *cobra.Command, _ []string) error {
			return withNode(c, func(ctx context.Context, node *harbor.Node) error {
				stop := serveMetrics(node, metricsAddr)
				defer stop()

				str, err := node.ContactString()
				if err != nil {
					return err
				}
				fmt.Println("contact:", str)

				sub, err := node.SubscribeAll()
				if err != nil {
					return err
				}
				defer sub.Close()
				for {
					select {
					case <-ctx.Done():
						return nil
					case e, ok := <-sub.Out():
						if !ok {
							return nil
						}
						fmt.Printf("%s %T %+v\n", time.Now().Format(time.TimeOnly), e, e)
					}
				}
			})
		},
	}
	c.Flags().StringVar(&metricsAddr, "metrics", "", "serve Prometheus metrics on this address, e.g. :9100")
	return c
}

// serveMetrics exposes the node's registry over HTTP. addr falls back to
// the metrics section of the configuration.
func serveMetrics(node *harbor.Node, addr string) (stop func()) {
	if addr == "" && node.Config().Metrics.Enable {
		addr = node.Config().Metrics.ListenAddr
	}
	if addr == "" {
		return func() {}
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(node.Metrics(), promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server failed", "addr", addr, "error", err)
		}
	}()
	log.Info("serving metrics", "addr", addr)
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
