package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/dep2p/harbor"
	"github.com/dep2p/harbor/pkg/types"
)

func sendCommand() *cobra.Command {
	var wait time.Duration
	c := &cobra.Command{
		Use:   "send <peer> <message...>",
		Short: "Send a direct message and wait for delivery",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(c *cobra.Command, args []string) error {
			id, err := types.ParsePeerID(args[0])
			if err != nil {
				return err
			}
			body := strings.Join(args[1:], " ")
			return withNode(c, func(ctx context.Context, node *harbor.Node) error {
				status, err := node.Subscribe(new(types.EvtMessageStatus))
				if err != nil {
					return err
				}
				defer status.Close()

				msg, err := node.SendMessage(ctx, id, body)
				if err != nil {
					return err
				}
				timeout := time.After(wait)
				for {
					select {
					case e := <-status.Out():
						st := e.(types.EvtMessageStatus)
						if st.MessageID == msg.ID {
							fmt.Printf("message %s %s\n", msg.ID, st.Status)
							return nil
						}
					case <-timeout:
						fmt.Printf("message %s queued; it is delivered when %s is reachable\n", msg.ID, id.ShortString())
						return nil
					case <-ctx.Done():
						return nil
					}
				}
			})
		},
	}
	c.Flags().DurationVar(&wait, "wait", 15*time.Second, "how long to wait for delivery")
	return c
}
