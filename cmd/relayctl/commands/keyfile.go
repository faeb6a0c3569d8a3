package commands

import (
	"crypto/rsa"
	"fmt"
	"os"
	"path/filepath"

	"github.com/burhanwani/WhatsAppSimulator/internal/crypto"
)

const (
	privateKeyFile = "private.pem"
	publicKeyFile  = "public.pem"
)

func keyDir(dir, id string) string {
	return filepath.Join(dir, id)
}

// writeKeyPair stores the PEM pair for id under dir
func writeKeyPair(dir, id string, key *rsa.PrivateKey) error {
	privPEM, err := crypto.EncodePrivateKey(key)
	if err != nil {
		return err
	}
	pubPEM, err := crypto.EncodePublicKey(&key.PublicKey)
	if err != nil {
		return err
	}

	path := keyDir(dir, id)
	if err := os.MkdirAll(path, 0o700); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(path, privateKeyFile), []byte(privPEM), 0o600); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(path, publicKeyFile), []byte(pubPEM), 0o644)
}

func readPublicKey(dir, id string) (string, error) {
	b, err := os.ReadFile(filepath.Join(keyDir(dir, id), publicKeyFile))
	if err != nil {
		return "", fmt.Errorf("no key pair for %q, run keygen first: %w", id, err)
	}
	return string(b), nil
}

func readPrivateKey(dir, id string) (*rsa.PrivateKey, error) {
	b, err := os.ReadFile(filepath.Join(keyDir(dir, id), privateKeyFile))
	if err != nil {
		return nil, fmt.Errorf("no key pair for %q, run keygen first: %w", id, err)
	}
	return crypto.ParsePrivateKey(string(b))
}
