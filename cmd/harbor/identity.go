package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/dep2p/harbor"
	"github.com/dep2p/harbor/pkg/types"
)

func initCommand() *cobra.Command {
	var (
		name        string
		bio         string
		printConfig bool
	)
	c := &cobra.Command{
		Use:   "init",
		Short: "Create a new identity",
		RunE: func(c *cobra.Command, _ []string) error {
			if printConfig {
				out, err := yaml.Marshal(defaultConfig())
				if err != nil {
					return err
				}
				fmt.Print(string(out))
				return nil
			}
			opts, err := options()
			if err != nil {
				return err
			}
			pass, err := passphrase()
			if err != nil {
				return err
			}
			node, err := harbor.Open(c.Context(), opts...)
			if err != nil {
				return err
			}
			defer node.Close()
			info, err := node.CreateIdentity(c.Context(), pass, types.Profile{DisplayName: name, Bio: bio})
			if err != nil {
				return err
			}
			fmt.Printf("created identity %s (%s)\n", info.PeerID, info.Profile.DisplayName)
			return nil
		},
	}
	c.Flags().StringVar(&name, "name", "", "display name")
	c.Flags().StringVar(&bio, "bio", "", "short bio")
	c.Flags().BoolVar(&printConfig, "print-config", false, "print the default configuration and exit")
	return c
}

func whoamiCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the identity and contact string",
		RunE: func(c *cobra.Command, _ []string) error {
			node, err := openNode(c.Context())
			if err != nil {
				return err
			}
			defer node.Close()
			info, err := node.Identity()
			if err != nil {
				return err
			}
			str, err := node.ContactString()
			if err != nil {
				return err
			}
			fmt.Printf("peer:    %s\nname:    %s\ncontact: %s\n", info.PeerID, info.Profile.DisplayName, str)
			return nil
		},
	}
}
