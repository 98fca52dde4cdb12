package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/dep2p/harbor"
	"github.com/dep2p/harbor/pkg/types"
)

func contactCommand() *cobra.Command {
	c := &cobra.Command{
		Use:   "contact",
		Short: "Manage contacts",
	}
	c.AddCommand(
		&cobra.Command{
			Use:   "add <contact-string>",
			Short: "Add a contact from its harbor:// string",
			Args:  cobra.ExactArgs(1),
			RunE: func(c *cobra.Command, args []string) error {
				node, err := openNode(c.Context())
				if err != nil {
					return err
				}
				defer node.Close()
				rec, err := node.AddContactFromString(c.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Printf("added %s (%s)\n", rec.ID, rec.DisplayName)
				return nil
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "List contacts",
			RunE: func(c *cobra.Command, _ []string) error {
				node, err := openNode(c.Context())
				if err != nil {
					return err
				}
				defer node.Close()
				recs, err := node.ListContacts()
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "PEER\tNAME\tBLOCKED\tLAST SEEN")
				for _, r := range recs {
					fmt.Fprintf(w, "%s\t%s\t%v\t%s\n", r.ID, r.DisplayName, r.Blocked, r.LastSeen.Format("2006-01-02 15:04"))
				}
				return w.Flush()
			},
		},
		&cobra.Command{
			Use:   "block <peer>",
			Short: "Block a peer",
			Args:  cobra.ExactArgs(1),
			RunE: peerCommand(func(ctx context.Context, node *harbor.Node, id types.PeerID) error {
				return node.BlockContact(ctx, id)
			}),
		},
		&cobra.Command{
			Use:   "remove <peer>",
			Short: "Remove a contact",
			Args:  cobra.ExactArgs(1),
			RunE: peerCommand(func(ctx context.Context, node *harbor.Node, id types.PeerID) error {
				return node.RemoveContact(ctx, id)
			}),
		},
	)
	return c
}

// peerCommand runs fn for the peer named by the first argument on a node
// without starting the network.
func peerCommand(fn func(ctx context.Context, node *harbor.Node, id types.PeerID) error) func(*cobra.Command, []string) error {
	return func(c *cobra.Command, args []string) error {
		id, err := types.ParsePeerID(args[0])
		if err != nil {
			return err
		}
		node, err := openNode(c.Context())
		if err != nil {
			return err
		}
		defer node.Close()
		return fn(c.Context(), node, id)
	}
}
