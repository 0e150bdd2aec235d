package kms

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"vanish/metrics"
)

// Wrapper wraps fresh data keys under the master key.
type Wrapper interface {
	EncryptWithContext(ctx context.Context, plaintext []byte, encContext EncryptionContext) ([]byte, error)
}

// Envelope seals each secret with its own data key. The key is wrapped by
// the KMS and stored next to the record; the record id is bound in as
// additional data so sealed fields cannot be moved between records.
type Envelope struct {
	wrap  Wrapper
	cache *DEKCache
}

func NewEnvelope(wrap Wrapper, cache *DEKCache) *Envelope {
	return &Envelope{wrap: wrap, cache: cache}
}

// Seal encrypts each field under a new data key. Empty fields stay empty.
func (e *Envelope) Seal(ctx context.Context, id string, fields ...[]byte) ([]byte, [][]byte, error) {
	dek, err := GenerateDEK()
	if err != nil {
		return nil, nil, err
	}
	defer wipeBytes(dek)
	encCtx := EncryptionContext{"secret_id": id}
	wrapped, err := e.wrap.EncryptWithContext(ctx, dek, encCtx)
	if err != nil {
		return nil, nil, fmt.Errorf("wrap data key: %w", err)
	}
	out := make([][]byte, len(fields))
	for i, f := range fields {
		if len(f) == 0 {
			continue
		}
		if out[i], err = AEADSeal(f, dek, []byte(id)); err != nil {
			return nil, nil, err
		}
	}
	metrics.SealOps.WithLabelValues("seal").Inc()
	return wrapped, out, nil
}

// Open reverses Seal. A record stored without a wrapped key is returned
// unchanged, so sealing can be switched on for an existing store.
func (e *Envelope) Open(ctx context.Context, id string, wrapped []byte, fields ...[]byte) ([][]byte, error) {
	if len(wrapped) == 0 {
		return fields, nil
	}
	encCtx := EncryptionContext{"secret_id": id}
	dek, err := e.cache.Unwrap(ctx, wrapped, encCtx)
	if err != nil {
		return nil, fmt.Errorf("unwrap data key: %w", err)
	}
	defer wipeBytes(dek)
	out := make([][]byte, len(fields))
	for i, f := range fields {
		if len(f) == 0 {
			continue
		}
		if out[i], err = AEADOpen(f, dek, []byte(id)); err != nil {
			return nil, ErrDecryptionFailed
		}
	}
	metrics.SealOps.WithLabelValues("open").Inc()
	return out, nil
}

// Forget evicts the cached data key of a deleted secret.
func (e *Envelope) Forget(id string, wrapped []byte) {
	if len(wrapped) == 0 {
		return
	}
	e.cache.Forget(wrapped, EncryptionContext{"secret_id": id})
}
func GenerateDEK() ([]byte, error) {
	dek := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(dek); err != nil {
		return nil, err
	}
	return dek, nil
}
func AEADSeal(plaintext, dek, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(dek)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, aad), nil
}
func AEADOpen(ciphertext, dek, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(dek)
	if err != nil {
		return nil, err
	}
	nonceSize := aead.NonceSize()
	if len(ciphertext) < nonceSize+aead.Overhead() {
		return nil, errors.New("ciphertext too short")
	}
	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	return aead.Open(nil, nonce, ciphertext, aad)
}
