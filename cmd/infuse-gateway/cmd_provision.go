package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func newProvisionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "provision",
		Short: "Store the cloud API credential",
		Long: `Read the cloud API password from the terminal (without echo) and store
it alongside the gateway configuration, for use by the shared-secret fetch
during device handshakes.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.Cloud.SharedSecretURL == "" {
				return fmt.Errorf("no cloud.shared_secret_url configured; nothing to provision")
			}

			fmt.Fprintf(os.Stderr, "Cloud API password for %s: ", cfg.Cloud.BasicAuthUser)
			password, err := term.ReadPassword(int(os.Stdin.Fd()))
			fmt.Fprintln(os.Stderr)
			if err != nil {
				return fmt.Errorf("reading password: %w", err)
			}

			path := credentialPath()
			if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
				return err
			}
			if err := os.WriteFile(path, password, 0600); err != nil {
				return err
			}
			fmt.Printf("Credential stored at %s\n", path)
			return nil
		},
	}
}
