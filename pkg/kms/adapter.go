// Package kms wraps data keys under a master key held by Vault transit,
// AWS KMS or a local key, and seals stored secret payloads with them.
package kms

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

var (
	ErrProviderUnavailable = errors.New("kms provider unavailable")
	ErrDecryptionFailed    = errors.New("decryption failed")
	ErrRequiresPrimary     = errors.New("KMS_REQUIRE_PRIMARY is enabled, cannot use fallback provider")
	ErrSecretNotFound      = errors.New("secret not found")
)

type EncryptionContext map[string]string

type Provider interface {
	EncryptWithContext(ctx context.Context, plaintext []byte, encContext []byte) ([]byte, error)
	DecryptWithContext(ctx context.Context, ciphertext []byte, encContext []byte) ([]byte, error)
	GetSecret(ctx context.Context, key string) (string, error)
}

// Config selects and configures providers. Vault wins over AWS when both
// are reachable; the local key is only a fallback.
type Config struct {
	VaultAddr       string
	VaultToken      string
	VaultTokenFile  string
	VaultMountPath  string
	VaultKeyID      string
	VaultSecretPath string
	AWSRegion       string
	AWSKeyID        string
	LocalKey        string
	RequirePrimary  bool
	FailClosed      bool
	CallTimeout     time.Duration
}

type Adapter struct {
	primary        Provider
	fallback       Provider
	failClosed     bool
	requirePrimary bool
	timeout        time.Duration
}

func NewAdapter(ctx context.Context, c Config) (*Adapter, error) {
	var primary, fallback Provider
	if c.VaultAddr != "" {
		if vp, err := newVaultProvider(ctx, c); err == nil {
			primary = vp
		} else if c.RequirePrimary {
			return nil, fmt.Errorf("vault provider: %w", err)
		}
	}
	if primary == nil && c.AWSRegion != "" {
		if ap, err := newAWSProvider(ctx, c); err == nil {
			primary = ap
		}
	}
	if !c.RequirePrimary && primary == nil && c.LocalKey != "" {
		lp, err := newLocalProvider(c.LocalKey)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize local provider: %w", err)
		}
		fallback = lp
	}
	if primary == nil && fallback == nil {
		if c.RequirePrimary {
			return nil, fmt.Errorf("KMS_REQUIRE_PRIMARY=true but no primary provider available (checked Vault, AWS KMS)")
		}
		return nil, fmt.Errorf("no KMS providers available (checked Vault, AWS KMS, local key)")
	}
	timeout := c.CallTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Adapter{
		primary:        primary,
		fallback:       fallback,
		failClosed:     c.FailClosed,
		requirePrimary: c.RequirePrimary,
		timeout:        timeout,
	}, nil
}

// Name reports which provider serves requests, for startup logs.
func (a *Adapter) Name() string {
	switch {
	case a.primary != nil:
		return fmt.Sprintf("%T", a.primary)
	case a.fallback != nil:
		return fmt.Sprintf("%T", a.fallback)
	}
	return "none"
}
func (a *Adapter) EncryptWithContext(ctx context.Context, plaintext []byte, encContext EncryptionContext) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	contextBytes := serializeEncryptionContext(encContext)
	if a.primary != nil {
		ciphertext, err := a.primary.EncryptWithContext(ctx, plaintext, contextBytes)
		if err == nil {
			return ciphertext, nil
		}
		if a.requirePrimary {
			return nil, fmt.Errorf("primary KMS encrypt failed (KMS_REQUIRE_PRIMARY=true): %w", err)
		}
		if a.failClosed {
			return nil, fmt.Errorf("kms encrypt failed (fail-closed): %w", err)
		}
	}
	if a.fallback != nil {
		return a.fallback.EncryptWithContext(ctx, plaintext, contextBytes)
	}
	return nil, ErrProviderUnavailable
}
func (a *Adapter) DecryptWithContext(ctx context.Context, ciphertext []byte, encContext EncryptionContext) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	contextBytes := serializeEncryptionContext(encContext)
	if a.primary != nil {
		plaintext, err := a.primary.DecryptWithContext(ctx, ciphertext, contextBytes)
		if err == nil {
			return plaintext, nil
		}
		if a.requirePrimary {
			return nil, fmt.Errorf("primary KMS decrypt failed (KMS_REQUIRE_PRIMARY=true): %w", err)
		}
		if a.failClosed {
			return nil, fmt.Errorf("kms decrypt failed (fail-closed): %w", err)
		}
	}
	if a.fallback != nil {
		return a.fallback.DecryptWithContext(ctx, ciphertext, contextBytes)
	}
	return nil, ErrProviderUnavailable
}
func (a *Adapter) GetSecret(ctx context.Context, key string) (string, error) {
	if a.primary != nil {
		val, err := a.primary.GetSecret(ctx, key)
		if err == nil && val != "" {
			return val, nil
		}
		if a.requirePrimary {
			return "", fmt.Errorf("primary KMS GetSecret failed (KMS_REQUIRE_PRIMARY=true): %w", err)
		}
		if a.failClosed {
			return "", fmt.Errorf("get secret failed (fail-closed): %w", err)
		}
	}
	if a.fallback != nil {
		return a.fallback.GetSecret(ctx, key)
	}
	return "", ErrProviderUnavailable
}

// serializeEncryptionContext is order independent so the same map always
// yields the same AAD.
func serializeEncryptionContext(ctx EncryptionContext) []byte {
	if len(ctx) == 0 {
		return nil
	}
	keys := make([]string, 0, len(ctx))
	for k := range ctx {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var buf bytes.Buffer
	for _, k := range keys {
		buf.WriteString(k)
		buf.WriteByte('=')
		buf.WriteString(ctx[k])
		buf.WriteByte(';')
	}
	return buf.Bytes()
}
