package commands

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"picopass/internal/vault"
)

const minPasswordLength = 8

func vaultCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vault",
		Short: "Vault file tools",
	}
	cmd.AddCommand(vaultInitCmd())
	return cmd
}

func vaultInitCmd() *cobra.Command {
	var (
		path          string
		password      string
		passwordStdin bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create an empty vault protected by a master password",
		RunE: func(cmd *cobra.Command, args []string) error {
			if path == "" {
				path = cfg.Vault.Path
			}

			var pw []byte
			switch {
			case passwordStdin:
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadBytes('\n')
				if err != nil && len(line) == 0 {
					return fmt.Errorf("failed to read password from stdin: %w", err)
				}
				pw = bytes.TrimRight(line, "\r\n")
			case password != "":
				pw = []byte(password)
			default:
				return errors.New("master password required (--password or --password-stdin)")
			}
			if len(pw) < minPasswordLength {
				vault.Wipe(pw)
				return fmt.Errorf("master password must be at least %d characters", minPasswordLength)
			}

			if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
				return fmt.Errorf("failed to create vault directory: %w", err)
			}
			if _, err := vault.CreateFileStore(path, pw, vault.DefaultKDFParams()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Vault created at %s\n", path)
			return nil
		},
	}

	cmd.Flags().StringVar(&path, "path", "", "vault file (default from config)")
	cmd.Flags().StringVarP(&password, "password", "p", "", "master password")
	cmd.Flags().BoolVar(&passwordStdin, "password-stdin", false, "read the master password from stdin")
	return cmd
}
