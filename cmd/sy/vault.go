package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zulandar/senderyard/internal/vault"
)

func newVaultCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vault",
		Short: "Secret encryption helpers",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "keygen",
		Short: "Print a new random vault key",
		Long:  "Prints a base64 32-byte key suitable for vault.key or SENDERYARD_VAULT_KEY.",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := vault.GenerateKey()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), key)
			return nil
		},
	})
	return cmd
}
