// Package store persists serialized auth states. Backends store opaque
// blobs by key; AuthStateStore encodes and decodes auth.AuthState on top of
// any backend.
package store

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
)

// ErrNotFound is returned by Load when the key has no stored value.
var ErrNotFound = errors.New("store: key not found")

// Store is a key/blob persistence backend.
type Store interface {
	Save(ctx context.Context, key string, blob []byte) error
	Load(ctx context.Context, key string) ([]byte, error)
	Remove(ctx context.Context, key string) error
}

// Key builds the storage key of a client at an issuer.
func Key(issuer, clientID string) string {
	return issuer + "|" + clientID
}

// KeyHash returns a short, filesystem-safe digest of key.
func KeyHash(key string) string {
	sum := sha256.Sum256([]byte(key))
	return fmt.Sprintf("%x", sum[:8])
}
