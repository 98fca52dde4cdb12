package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dep2p/harbor"
	"github.com/dep2p/harbor/pkg/types"
)

func relayCommand() *cobra.Command {
	var (
		metricsAddr string
		interval    time.Duration
	)
	c := &cobra.Command{
		Use:   "relay",
		Short: "Run a relay that peers behind NAT can reserve circuits on",
		RunE: func(c *cobra.Command, _ []string) error {
			ctx := c.Context()
			if err := ensureIdentity(ctx, "relay"); err != nil {
				return err
			}
			return withNode(c, func(ctx context.Context, node *harbor.Node) error {
				stop := serveMetrics(node, metricsAddr)
				defer stop()

				info, err := node.Identity()
				if err != nil {
					return err
				}
				addrs, err := node.Addrs()
				if err != nil {
					return err
				}
				fmt.Println("relay", info.PeerID)
				for _, a := range addrs {
					fmt.Printf("  %s/p2p/%s\n", a, info.PeerID)
				}

				t := time.NewTicker(interval)
				defer t.Stop()
				for {
					select {
					case <-ctx.Done():
						return nil
					case <-t.C:
						st, err := node.NetworkStats(ctx)
						if err != nil {
							continue
						}
						bw := node.Bandwidth().Totals()
						log.Info("relay stats", "peers", st.Peers, "connected", st.Connected,
							"relayed", st.Relayed, "in", bw.TotalIn, "out", bw.TotalOut)
					}
				}
			}, harbor.WithRelayServer(true))
		},
	}
	c.Flags().StringVar(&metricsAddr, "metrics", "", "serve Prometheus metrics on this address")
	c.Flags().DurationVar(&interval, "stats-interval", 30*time.Second, "how often to log relay stats")
	return c
}

// ensureIdentity creates an identity named name when none is stored yet.
func ensureIdentity(ctx context.Context, name string) error {
	opts, err := options()
	if err != nil {
		return err
	}
	node, err := harbor.Open(ctx, opts...)
	if err != nil {
		return err
	}
	defer node.Close()
	ok, err := node.HasIdentity()
	if err != nil || ok {
		return err
	}
	pass, err := passphrase()
	if err != nil {
		return err
	}
	_, err = node.CreateIdentity(ctx, pass, types.Profile{DisplayName: name})
	if errors.Is(err, harbor.ErrIdentityExists) {
		return nil
	}
	return err
}
