package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/zalando/go-keyring"

	"github.com/nextlevelbuilder/messagesforcar/internal/config"
)

func secretsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secrets",
		Short: "Store secrets in the OS keyring (referenced as \"keyring:<name>\" in config)",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "set <name>",
		Short: "Store a secret",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			value, err := promptSecret(args[0])
			if err != nil || value == "" {
				fmt.Println("Cancelled.")
				return
			}
			if err := keyring.Set(config.KeyringService, args[0], value); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("Stored. Reference it in config as \"keyring:%s\".\n", args[0])
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a stored secret",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			err := keyring.Delete(config.KeyringService, args[0])
			switch {
			case errors.Is(err, keyring.ErrNotFound):
				fmt.Printf("No secret named %q.\n", args[0])
			case err != nil:
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			default:
				fmt.Println("Deleted.")
			}
		},
	})

	return cmd
}
