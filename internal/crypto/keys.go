// Package crypto implements the two encryption layers of the relay:
// the client-side hybrid RSA-OAEP/AES-GCM scheme and the server-side
// envelope encryption used before messages are persisted.
package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"strings"

	apperrors "github.com/burhanwani/WhatsAppSimulator/pkg/errors"
)

// Accepted RSA modulus sizes for registered public keys
const (
	MinRSABits     = 2048
	MaxRSABits     = 8192
	DefaultRSABits = 2048
)

// GenerateKeyPair creates a new RSA private key of the given size
func GenerateKeyPair(bits int) (*rsa.PrivateKey, error) {
	if bits < MinRSABits || bits > MaxRSABits {
		return nil, fmt.Errorf("key size %d outside [%d, %d]", bits, MinRSABits, MaxRSABits)
	}
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key pair: %w", err)
	}
	return key, nil
}

// EncodePublicKey returns pub as a PKIX "PUBLIC KEY" PEM block
func EncodePublicKey(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("failed to marshal public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

// ParsePublicKey accepts a PKIX PEM block or raw base64 DER and returns the
// RSA key inside. Anything else is an InvalidKeyFormat error.
func ParsePublicKey(material string) (*rsa.PublicKey, error) {
	der, err := publicKeyDER(material)
	if err != nil {
		return nil, apperrors.InvalidKeyFormatError(err)
	}

	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, apperrors.InvalidKeyFormatError(err)
	}
	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, apperrors.InvalidKeyFormatError(fmt.Errorf("key type %T is not RSA", parsed))
	}

	bits := pub.N.BitLen()
	if bits < MinRSABits || bits > MaxRSABits {
		return nil, apperrors.InvalidKeyFormatError(fmt.Errorf("modulus of %d bits outside [%d, %d]", bits, MinRSABits, MaxRSABits))
	}
	return pub, nil
}

// NormalizePublicKey validates material and re-encodes it as PEM
func NormalizePublicKey(material string) (string, error) {
	pub, err := ParsePublicKey(material)
	if err != nil {
		return "", err
	}
	return EncodePublicKey(pub)
}

func publicKeyDER(material string) ([]byte, error) {
	trimmed := strings.TrimSpace(material)
	if trimmed == "" {
		return nil, fmt.Errorf("empty key material")
	}

	if strings.HasPrefix(trimmed, "-----BEGIN") {
		block, rest := pem.Decode([]byte(trimmed))
		if block == nil {
			return nil, fmt.Errorf("malformed PEM")
		}
		if block.Type != "PUBLIC KEY" {
			return nil, fmt.Errorf("unexpected PEM block %q", block.Type)
		}
		if len(strings.TrimSpace(string(rest))) != 0 {
			return nil, fmt.Errorf("trailing data after PEM block")
		}
		return block.Bytes, nil
	}

	der, err := base64.StdEncoding.DecodeString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("neither PEM nor base64 DER: %w", err)
	}
	return der, nil
}

// EncodePrivateKey returns key as a PKCS#8 "PRIVATE KEY" PEM block
func EncodePrivateKey(key *rsa.PrivateKey) (string, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return "", fmt.Errorf("failed to marshal private key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})), nil
}

// ParsePrivateKey reads a PKCS#8 (or PKCS#1) PEM encoded RSA private key
func ParsePrivateKey(material string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(strings.TrimSpace(material)))
	if block == nil {
		return nil, fmt.Errorf("malformed private key PEM")
	}

	switch block.Type {
	case "PRIVATE KEY":
		parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		key, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("key type %T is not RSA", parsed)
		}
		return key, nil
	case "RSA PRIVATE KEY":
		key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		return key, nil
	default:
		return nil, fmt.Errorf("unexpected PEM block %q", block.Type)
	}
}
