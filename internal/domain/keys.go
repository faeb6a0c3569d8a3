package domain

import (
	"time"
)

// Identity is an opaque user identifier issued by the external identity
// provider. It comes into being on first key upload and is never deleted.
type Identity string

// String returns the raw identifier
func (i Identity) String() string { return string(i) }

// PublicKeyRecord is the single live public key of an identity
// Maps to CockroachDB public_keys table
type PublicKeyRecord struct {
	Owner        Identity  `json:"user_id" db:"user_id"`
	PublicKey    string    `json:"public_key" db:"public_key"` // PEM (PKIX) as uploaded
	RegisteredAt time.Time `json:"registered_at" db:"registered_at"`
}

// KeyUploadRequest is the body of PUT /keys/:id
type KeyUploadRequest struct {
	PublicKey string `json:"publicKey"`
}

// LegacyKeyUploadRequest is the body of POST /keys
type LegacyKeyUploadRequest struct {
	UserID    string `json:"user_id" binding:"required"`
	PublicKey string `json:"public_key"`
}

// KeyResponse is returned by GET /keys/:id
type KeyResponse struct {
	UserID       string    `json:"userId"`
	PublicKey    string    `json:"publicKey"`
	RegisteredAt time.Time `json:"registeredAt"`
}
