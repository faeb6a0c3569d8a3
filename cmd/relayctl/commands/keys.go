package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/burhanwani/WhatsAppSimulator/internal/crypto"
)

func keygenCmd() *cobra.Command {
	var bits int
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an RSA key pair for your identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireIdentity(); err != nil {
				return err
			}
			key, err := crypto.GenerateKeyPair(bits)
			if err != nil {
				return err
			}
			if err := writeKeyPair(home, identity, key); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "key pair written to %s\n", keyDir(home, identity))
			return nil
		},
	}
	cmd.Flags().IntVar(&bits, "bits", 2048, "RSA modulus size")
	return cmd
}

func registerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "register",
		Short: "Upload your public key to the key registry",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireIdentity(); err != nil {
				return err
			}
			if err := requireToken(); err != nil {
				return err
			}
			pub, err := readPublicKey(home, identity)
			if err != nil {
				return err
			}
			rec, err := newKeysClient(keysURL, token).Register(cmd.Context(), identity, pub)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "registered %s at %s\n", rec.UserID, rec.RegisteredAt.Format(time.RFC3339))
			return nil
		},
	}
}
