package commands

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"picopass/internal/license"
)

func licenseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "license",
		Short: "License key tools",
	}
	cmd.AddCommand(demoKeyCmd(), checkKeyCmd(), installKeyCmd())
	return cmd
}

func demoKeyCmd() *cobra.Command {
	var (
		tier    string
		seats   int
		user    string
		expires string
	)

	cmd := &cobra.Command{
		Use:   "demo-key",
		Short: "Generate a product key for testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			var expiry *time.Time
			if expires != "" {
				t, err := time.Parse("2006-01-02", expires)
				if err != nil {
					return fmt.Errorf("invalid --expires (want YYYY-MM-DD): %w", err)
				}
				expiry = &t
			}
			key, err := license.GenerateProductKey(user, tier, seats, expiry)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), key)
			return nil
		},
	}

	cmd.Flags().StringVar(&tier, "tier", "single", "single or multi")
	cmd.Flags().IntVar(&seats, "seats", 1, "seat count for the multi tier")
	cmd.Flags().StringVar(&user, "user", "DEMO", "user id embedded in the key")
	cmd.Flags().StringVar(&expires, "expires", "", "expiry date YYYY-MM-DD (default lifetime)")
	return cmd
}

func checkKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check KEY",
		Short: "Validate a product key offline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pk, err := license.ParseProductKey(args[0])
			if err != nil {
				return err
			}
			expiry := "lifetime"
			if pk.ValidUntil != nil {
				expiry = pk.ValidUntil.Format("2006-01-02")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "user:    %s\ntier:    %s\nseats:   %d\nexpires: %s\n",
				pk.UserID, pk.Tier, pk.Seats, expiry)
			return nil
		},
	}
}

func installKeyCmd() *cobra.Command {
	var ledger string

	cmd := &cobra.Command{
		Use:   "install KEY",
		Short: "Store a product key in the local seat ledger",
		Long: `Store a product key in the local seat ledger. The stored key takes
precedence over license.key from the configuration on the next start.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if ledger == "" {
				ledger = cfg.License.LedgerPath
			}
			logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: slog.LevelWarn}))
			authority, err := license.OpenLocalAuthority(ledger, "", logger)
			if err != nil {
				return err
			}
			defer authority.Close()

			if err := authority.InstallProductKey(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Product key installed in %s\n", ledger)
			return nil
		},
	}

	cmd.Flags().StringVar(&ledger, "ledger", "", "seat ledger (default from config)")
	return cmd
}
