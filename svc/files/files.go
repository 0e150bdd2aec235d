// Package files stores secret attachments outside the record store. Blobs
// are client-side ciphertext; the storage never sees plaintext.
package files

import (
	"context"
	"errors"
	"regexp"

	"github.com/google/uuid"
)

var (
	ErrNotFound   = errors.New("blob not found")
	ErrInvalidKey = errors.New("invalid blob key")
)

type Storage interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	// Delete is idempotent: a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

var keyPattern = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)

func NewKey() string {
	return uuid.New().String()
}

// ValidKey rejects anything that is not a key produced by NewKey, which
// keeps traversal sequences away from the disk adapter.
func ValidKey(key string) bool {
	return keyPattern.MatchString(key)
}
