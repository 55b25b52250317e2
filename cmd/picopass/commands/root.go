// Package commands implements the picopass command line.
package commands

import (
	"os"

	"github.com/spf13/cobra"

	"picopass/internal/config"
)

var (
	configFile string
	cfg        *config.Config
)

// Execute runs the root command.
func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "picopass",
		Short:        "PicoPass session daemon and tools",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if configFile != "" {
				if err := os.Setenv(config.ConfigFileEnv, configFile); err != nil {
					return err
				}
			}
			c, err := config.Load()
			if err != nil {
				return err
			}
			cfg = c
			return nil
		},
	}

	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "YAML config file (overrides "+config.ConfigFileEnv+")")

	root.AddCommand(serveCmd(), portsCmd(), licenseCmd(), vaultCmd())
	return root
}
