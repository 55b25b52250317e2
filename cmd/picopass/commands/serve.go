package commands

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"picopass/internal/app"
)

func serveCmd() *cobra.Command {
	var (
		port      int
		vaultPath string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the session daemon and the local UI API",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
			}
			if vaultPath != "" {
				cfg.Vault.Path = vaultPath
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			application, err := app.NewApplication(cfg, app.Options{})
			if err != nil {
				return err
			}
			defer application.Close()

			return application.Run(ctx)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "listen port (overrides config)")
	cmd.Flags().StringVar(&vaultPath, "vault", "", "vault file (overrides config)")
	return cmd
}
