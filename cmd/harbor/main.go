// Command harbor runs a harbor peer from the terminal.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := rootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	c := &cobra.Command{
		Use:           "harbor",
		Short:         "Local-first peer-to-peer messaging node",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	addGlobalFlags(c.PersistentFlags())
	c.AddCommand(
		initCommand(),
		whoamiCommand(),
		runCommand(),
		relayCommand(),
		contactCommand(),
		grantCommand(),
		sendCommand(),
		postCommand(),
	)
	return c
}
