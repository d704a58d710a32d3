package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/narivals/rivals-ledger/internal/config"
	"github.com/narivals/rivals-ledger/internal/logging"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

type rootOptions struct {
	configFile string
	envPath    string
}

func main() {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:          "rivals",
		Short:        "Rivals token ledger: chat bot, HTTP API and admin tools",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.configFile, "config", "", "path to config.yaml")
	root.PersistentFlags().StringVar(&opts.envPath, "env-path", "", "directory holding .env files (default config/)")

	root.AddCommand(
		newServeCmd(opts),
		newMigrateCmd(opts),
		newRewardCmd(),
		newLinksCmd(opts),
		&cobra.Command{
			Use:   "version",
			Short: "Print the build version",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintln(cmd.OutOrStdout(), version)
			},
		},
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// load reads the config and installs the default logger.
func (o *rootOptions) load() (*config.Config, error) {
	cfg, err := config.Load(o.configFile, o.envPath)
	if err != nil {
		return nil, err
	}
	if _, err := logging.Setup(cfg.LogLevel, cfg.Debug); err != nil {
		return nil, err
	}
	return cfg, nil
}
