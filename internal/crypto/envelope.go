package crypto

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	apperrors "github.com/burhanwani/WhatsAppSimulator/pkg/errors"
)

// MasterKeySize is the required length of the local master key
const MasterKeySize = 32

const (
	wrappedKeyVersion = 1
	kekInfo           = "relay/data-key-wrap/v1"
	dataKeyAD         = "relay/data-key"
	blobAD            = "relay/stored-message"
)

// KeyProvider issues and opens data keys. Implementations may be a remote
// KMS; the master key never leaves the provider.
type KeyProvider interface {
	// GenerateDataKey returns a fresh data key and the same key sealed under the master key
	GenerateDataKey(ctx context.Context) (plaintext, wrapped []byte, err error)
	// DecryptDataKey opens a key previously returned by GenerateDataKey
	DecryptDataKey(ctx context.Context, wrapped []byte) ([]byte, error)
}

// LocalKeyProvider keeps the master key in process memory and seals data
// keys with XChaCha20-Poly1305 under an HKDF-derived key-encryption key.
type LocalKeyProvider struct {
	kek []byte
}

// NewLocalKeyProvider derives the key-encryption key from masterKey
func NewLocalKeyProvider(masterKey []byte) (*LocalKeyProvider, error) {
	if len(masterKey) != MasterKeySize {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", MasterKeySize, len(masterKey))
	}

	kek := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, masterKey, nil, []byte(kekInfo)), kek); err != nil {
		return nil, fmt.Errorf("failed to derive key-encryption key: %w", err)
	}
	return &LocalKeyProvider{kek: kek}, nil
}

// GenerateDataKey implements KeyProvider
func (p *LocalKeyProvider) GenerateDataKey(ctx context.Context) ([]byte, []byte, error) {
	dataKey := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(dataKey); err != nil {
		return nil, nil, fmt.Errorf("failed to generate data key: %w", err)
	}

	aead, err := chacha20poly1305.NewX(p.kek)
	if err != nil {
		return nil, nil, err
	}
	nonce := make([]byte, aead.NonceSize(), 1+aead.NonceSize()+len(dataKey)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	wrapped := append([]byte{wrappedKeyVersion}, nonce...)
	wrapped = aead.Seal(wrapped, nonce, dataKey, []byte(dataKeyAD))
	return dataKey, wrapped, nil
}

// DecryptDataKey implements KeyProvider
func (p *LocalKeyProvider) DecryptDataKey(ctx context.Context, wrapped []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(p.kek)
	if err != nil {
		return nil, err
	}
	if len(wrapped) < 1+aead.NonceSize()+aead.Overhead() {
		return nil, fmt.Errorf("wrapped data key truncated")
	}
	if wrapped[0] != wrappedKeyVersion {
		return nil, fmt.Errorf("unsupported wrapped key version %d", wrapped[0])
	}

	nonce := wrapped[1 : 1+aead.NonceSize()]
	dataKey, err := aead.Open(nil, nonce, wrapped[1+aead.NonceSize():], []byte(dataKeyAD))
	if err != nil {
		return nil, fmt.Errorf("failed to open data key: %w", err)
	}
	return dataKey, nil
}

// Envelope applies at-rest encryption on top of already end-to-end
// encrypted blobs. Each call uses a new data key.
type Envelope struct {
	provider KeyProvider
}

// NewEnvelope creates an Envelope backed by provider
func NewEnvelope(provider KeyProvider) *Envelope {
	return &Envelope{provider: provider}
}

// WrapForStorage seals blob under a fresh data key and returns the sealed
// blob together with the data key wrapped by the master key.
func (e *Envelope) WrapForStorage(ctx context.Context, blob []byte) (wrappedBlob, wrappedDataKey []byte, err error) {
	dataKey, wrappedKey, err := e.provider.GenerateDataKey(ctx)
	if err != nil {
		return nil, nil, apperrors.EncryptionFailedError(err)
	}
	defer zero(dataKey)

	aead, err := chacha20poly1305.NewX(dataKey)
	if err != nil {
		return nil, nil, apperrors.EncryptionFailedError(err)
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(blob)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, apperrors.EncryptionFailedError(err)
	}

	return aead.Seal(nonce, nonce, blob, []byte(blobAD)), wrappedKey, nil
}

// UnwrapFromStorage reverses WrapForStorage
func (e *Envelope) UnwrapFromStorage(ctx context.Context, wrappedBlob, wrappedDataKey []byte) ([]byte, error) {
	dataKey, err := e.provider.DecryptDataKey(ctx, wrappedDataKey)
	if err != nil {
		return nil, apperrors.UnwrapFailedError(err)
	}
	defer zero(dataKey)

	aead, err := chacha20poly1305.NewX(dataKey)
	if err != nil {
		return nil, apperrors.UnwrapFailedError(err)
	}
	if len(wrappedBlob) < aead.NonceSize()+aead.Overhead() {
		return nil, apperrors.IntegrityFailedError(fmt.Errorf("stored blob truncated"))
	}

	nonce, sealed := wrappedBlob[:aead.NonceSize()], wrappedBlob[aead.NonceSize():]
	blob, err := aead.Open(nil, nonce, sealed, []byte(blobAD))
	if err != nil {
		return nil, apperrors.IntegrityFailedError(err)
	}
	return blob, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
