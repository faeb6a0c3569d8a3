package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"fmt"

	"github.com/burhanwani/WhatsAppSimulator/internal/domain"
	apperrors "github.com/burhanwani/WhatsAppSimulator/pkg/errors"
)

const (
	symmetricKeySize = 32 // AES-256
	gcmNonceSize     = 12
)

// Encrypt seals plaintext for the holder of the private key paired with pub.
// Every call uses a fresh AES-256 key and nonce; the key is wrapped with
// RSA-OAEP(SHA-256) and the nonce is prepended to the ciphertext.
func Encrypt(plaintext []byte, pub *rsa.PublicKey) (domain.HybridEnvelope, error) {
	if pub == nil {
		return domain.HybridEnvelope{}, apperrors.EncryptionFailedError(fmt.Errorf("nil public key"))
	}

	key := make([]byte, symmetricKeySize)
	if _, err := rand.Read(key); err != nil {
		return domain.HybridEnvelope{}, apperrors.EncryptionFailedError(err)
	}

	gcm, err := newGCM(key)
	if err != nil {
		return domain.HybridEnvelope{}, apperrors.EncryptionFailedError(err)
	}

	nonce := make([]byte, gcmNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return domain.HybridEnvelope{}, apperrors.EncryptionFailedError(err)
	}
	payload := gcm.Seal(nonce, nonce, plaintext, nil)

	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, key, nil)
	if err != nil {
		return domain.HybridEnvelope{}, apperrors.EncryptionFailedError(err)
	}

	return domain.HybridEnvelope{
		CipherPayload:       payload,
		WrappedSymmetricKey: wrapped,
	}, nil
}

// Decrypt opens an envelope produced by Encrypt.
// A key that cannot be unwrapped is DecryptionFailed; a payload that fails
// GCM authentication is IntegrityFailed.
func Decrypt(env domain.HybridEnvelope, priv *rsa.PrivateKey) ([]byte, error) {
	if priv == nil {
		return nil, apperrors.DecryptionFailedError(fmt.Errorf("nil private key"))
	}

	key, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, env.WrappedSymmetricKey, nil)
	if err != nil {
		return nil, apperrors.DecryptionFailedError(err)
	}
	if len(key) != symmetricKeySize {
		return nil, apperrors.DecryptionFailedError(fmt.Errorf("unwrapped key has %d bytes", len(key)))
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, apperrors.DecryptionFailedError(err)
	}

	if len(env.CipherPayload) < gcmNonceSize+gcm.Overhead() {
		return nil, apperrors.IntegrityFailedError(fmt.Errorf("payload truncated"))
	}
	nonce, ciphertext := env.CipherPayload[:gcmNonceSize], env.CipherPayload[gcmNonceSize:]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, apperrors.IntegrityFailedError(err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
