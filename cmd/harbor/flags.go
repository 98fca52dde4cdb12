package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/dep2p/harbor"
	"github.com/dep2p/harbor/config"
	"github.com/dep2p/harbor/internal/util/logger"
)

// passphraseEnv is read when --passphrase is not given.
const passphraseEnv = "HARBOR_PASSPHRASE"

var global struct {
	configFile string
	dataDir    string
	listen     []string
	relays     []string
	passphrase string
	logLevel   string
}

func addGlobalFlags(fs *pflag.FlagSet) {
	fs.StringVar(&global.configFile, "config", "", "JSON or YAML configuration file")
	fs.StringVar(&global.dataDir, "data-dir", "", "data directory (overrides the config file)")
	fs.StringSliceVar(&global.listen, "listen", nil, "listen multiaddrs")
	fs.StringSliceVar(&global.relays, "relay", nil, "relay addresses to hold a reservation on")
	fs.StringVar(&global.passphrase, "passphrase", "", "identity passphrase (default $"+passphraseEnv+")")
	fs.StringVar(&global.logLevel, "log-level", "", "log levels, e.g. info or network=debug,warn")
}

// options turns the global flags into node options. Flags win over the
// config file.
func options() ([]harbor.Option, error) {
	if global.logLevel != "" {
		lc := logger.ParseConfig(global.logLevel, "", "")
		logger.SetGlobalLevel(lc.DefaultLevel)
		for sub, lvl := range lc.SubsystemLevels {
			logger.SetLevel(sub, lvl)
		}
	}
	var opts []harbor.Option
	if global.configFile != "" {
		opts = append(opts, harbor.WithConfigFile(global.configFile))
	}
	if global.dataDir != "" {
		opts = append(opts, harbor.WithDataDir(global.dataDir))
	}
	if len(global.listen) > 0 {
		opts = append(opts, harbor.WithListenAddrs(global.listen...))
	}
	if len(global.relays) > 0 {
		opts = append(opts, harbor.WithStaticRelays(global.relays...))
	}
	return opts, nil
}

func passphrase() (string, error) {
	if global.passphrase != "" {
		return global.passphrase, nil
	}
	if p := os.Getenv(passphraseEnv); p != "" {
		return p, nil
	}
	return "", fmt.Errorf("a passphrase is required: use --passphrase or $%s", passphraseEnv)
}

// openNode opens the node and unlocks its identity.
func openNode(ctx context.Context, extra ...harbor.Option) (*harbor.Node, error) {
	opts, err := options()
	if err != nil {
		return nil, err
	}
	node, err := harbor.Open(ctx, append(opts, extra...)...)
	if err != nil {
		return nil, err
	}
	pass, err := passphrase()
	if err != nil {
		_ = node.Close()
		return nil, err
	}
	if _, err := node.UnlockIdentity(ctx, pass); err != nil {
		_ = node.Close()
		if errors.Is(err, harbor.ErrNotFound) {
			return nil, errors.New("no identity yet: run `harbor init` first")
		}
		return nil, err
	}
	return node, nil
}

// withNode runs fn on an unlocked node with a started network.
func withNode(c *cobra.Command, fn func(ctx context.Context, node *harbor.Node) error, extra ...harbor.Option) error {
	ctx := c.Context()
	node, err := openNode(ctx, extra...)
	if err != nil {
		return err
	}
	defer node.Close()
	if err := node.StartNetwork(ctx); err != nil {
		return err
	}
	return fn(ctx, node)
}

// defaultConfig is printed by `harbor init --print-config`.
func defaultConfig() *config.Config { return config.NewConfig() }
