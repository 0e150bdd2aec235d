// Package e2e implements the client-side half of secret sharing: key
// generation with optional password splitting, and authenticated encryption
// of payloads so the server only ever stores ciphertext.
//
// A key is KeyLength bytes. Without a password the whole key is random and
// travels in the link fragment. With a password the random fragment is
// shortened by the password length and the full key is fragment+password,
// so neither the link nor the server alone can decrypt.
package e2e

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/text/unicode/norm"
)

const (
	KeyLength = 32
	NonceSize = 24
)

const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789_-"

var (
	ErrPasswordTooLong = fmt.Errorf("password must be shorter than %d bytes", KeyLength)
	ErrInvalidKey      = fmt.Errorf("key must be exactly %d bytes", KeyLength)
)

// DecryptionError is returned for any ciphertext that does not
// authenticate under the given key. No plaintext is ever returned with it.
type DecryptionError struct {
	Reason string
}

func (e *DecryptionError) Error() string {
	return "decryption failed: " + e.Reason
}

func IsDecryptionError(err error) bool {
	var de *DecryptionError
	return errors.As(err, &de)
}

// GenerateKey returns the random fragment of a key. Its length is
// KeyLength minus the byte length of the normalised password.
func GenerateKey(password string) (string, error) {
	password = normalize(password)
	n := KeyLength - len(password)
	if n < 1 {
		return "", ErrPasswordTooLong
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	for i := range buf {
		buf[i] = alphabet[buf[i]&63]
	}
	return string(buf), nil
}

// JoinKey rebuilds the full key from the link fragment and the password.
func JoinKey(fragment, password string) string {
	return fragment + normalize(password)
}

// Encrypt seals plaintext under key and returns base64(nonce || box).
func Encrypt(plaintext []byte, key string) (string, error) {
	k, err := keyBytes(key)
	if err != nil {
		return "", err
	}
	var nonce [NonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("read nonce: %w", err)
	}
	sealed := secretbox.Seal(nonce[:], plaintext, &nonce, k)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func Decrypt(encoded, key string) ([]byte, error) {
	k, err := keyBytes(key)
	if err != nil {
		return nil, err
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, &DecryptionError{Reason: "malformed encoding"}
	}
	if len(raw) < NonceSize+secretbox.Overhead {
		return nil, &DecryptionError{Reason: "ciphertext too short"}
	}
	var nonce [NonceSize]byte
	copy(nonce[:], raw[:NonceSize])
	plaintext, ok := secretbox.Open(nil, raw[NonceSize:], &nonce, k)
	if !ok {
		return nil, &DecryptionError{Reason: "authentication failed"}
	}
	return plaintext, nil
}
func keyBytes(key string) (*[KeyLength]byte, error) {
	if len(key) != KeyLength {
		return nil, ErrInvalidKey
	}
	var k [KeyLength]byte
	copy(k[:], key)
	return &k, nil
}
func normalize(s string) string {
	return norm.NFC.String(s)
}
