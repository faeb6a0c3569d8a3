// Package commands implements the relayctl client: key generation, key
// registration, and sending or receiving end-to-end encrypted messages.
package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var (
	home       string
	identity   string
	token      string
	keysURL    string
	gatewayURL string
)

// Execute runs the root command
func Execute() error {
	root := &cobra.Command{
		Use:          "relayctl",
		Short:        "End-to-end encrypted relay client",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if home == "" {
				dir, err := os.UserHomeDir()
				if err != nil {
					return err
				}
				home = filepath.Join(dir, ".relayctl")
			}
			if token == "" {
				token = os.Getenv("RELAY_TOKEN")
			}
			return os.MkdirAll(home, 0o700)
		},
	}

	root.PersistentFlags().StringVar(&home, "home", "", "key directory (default ~/.relayctl)")
	root.PersistentFlags().StringVarP(&identity, "identity", "u", "", "your identity")
	root.PersistentFlags().StringVar(&token, "token", "", "bearer token (default $RELAY_TOKEN)")
	root.PersistentFlags().StringVar(&keysURL, "keys", "http://localhost:8081", "key-service base URL")
	root.PersistentFlags().StringVar(&gatewayURL, "gateway", "ws://localhost:8082/ws", "gateway WebSocket URL")

	root.AddCommand(keygenCmd(), registerCmd(), sendCmd(), listenCmd())
	return root.Execute()
}

func requireIdentity() error {
	if identity == "" {
		return fmt.Errorf("identity required (-u)")
	}
	return nil
}

func requireToken() error {
	if token == "" {
		return fmt.Errorf("token required (--token or RELAY_TOKEN)")
	}
	return nil
}
