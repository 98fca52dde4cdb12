package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dep2p/harbor"
	"github.com/dep2p/harbor/pkg/types"
)

func grantCommand() *cobra.Command {
	var (
		ttl    time.Duration
		revoke bool
	)
	c := &cobra.Command{
		Use:   "grant <peer> <chat|wall_read|call|all>",
		Short: "Grant or revoke a capability",
		Args:  cobra.ExactArgs(2),
		RunE: func(c *cobra.Command, args []string) error {
			id, err := types.ParsePeerID(args[0])
			if err != nil {
				return err
			}
			kinds := types.AllCapabilities
			if args[1] != "all" {
				k, err := types.ParseCapabilityKind(args[1])
				if err != nil {
					return err
				}
				kinds = []types.CapabilityKind{k}
			}
			// The network runs so the grant is pushed right away when the
			// peer is reachable; otherwise it is queued.
			return withNode(c, func(ctx context.Context, node *harbor.Node) error {
				for _, k := range kinds {
					if revoke {
						if err := node.RevokePermission(ctx, id, k); err != nil {
							return err
						}
						fmt.Printf("revoked %s from %s\n", k, id.ShortString())
						continue
					}
					if _, err := node.GrantPermission(ctx, id, k, ttl); err != nil {
						return err
					}
					fmt.Printf("granted %s to %s\n", k, id.ShortString())
				}
				return nil
			})
		},
	}
	c.Flags().DurationVar(&ttl, "ttl", 0, "grant lifetime (0 never expires)")
	c.Flags().BoolVar(&revoke, "revoke", false, "revoke instead of grant")
	return c
}
