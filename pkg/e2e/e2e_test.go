package e2e

import (
	"bytes"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
)

func TestGenerateKeyLength(t *testing.T) {
	tests := []struct {
		password string
		want     int
	}{
		{"", 32},
		{"pw", 30},
		{"correct horse", 19},
		{strings.Repeat("x", 31), 1},
	}
	for _, tt := range tests {
		frag, err := GenerateKey(tt.password)
		if err != nil {
			t.Fatalf("GenerateKey(%q): %v", tt.password, err)
		}
		if len(frag) != tt.want {
			t.Errorf("GenerateKey(%q) fragment length = %d, want %d", tt.password, len(frag), tt.want)
		}
		if len(JoinKey(frag, tt.password)) != KeyLength {
			t.Errorf("joined key for %q is not %d bytes", tt.password, KeyLength)
		}
		for _, r := range frag {
			if !strings.ContainsRune(alphabet, r) {
				t.Errorf("fragment contains non URL-safe rune %q", r)
			}
		}
	}
}

func TestGenerateKeyRejectsLongPassword(t *testing.T) {
	if _, err := GenerateKey(strings.Repeat("p", 32)); !errors.Is(err, ErrPasswordTooLong) {
		t.Errorf("expected ErrPasswordTooLong, got %v", err)
	}
}

func TestGenerateKeyIsRandom(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		k, err := GenerateKey("")
		if err != nil {
			t.Fatal(err)
		}
		if seen[k] {
			t.Fatalf("duplicate key after %d draws", i)
		}
		seen[k] = true
	}
}

func TestRoundTrip(t *testing.T) {
	frag, err := GenerateKey("pw")
	if err != nil {
		t.Fatal(err)
	}
	key := JoinKey(frag, "pw")
	for _, p := range [][]byte{[]byte("hello"), {}, bytes.Repeat([]byte{0xff}, 64*1024)} {
		enc, err := Encrypt(p, key)
		if err != nil {
			t.Fatalf("Encrypt: %v", err)
		}
		got, err := Decrypt(enc, key)
		if err != nil {
			t.Fatalf("Decrypt: %v", err)
		}
		if !bytes.Equal(got, p) {
			t.Errorf("round trip mismatch for %d bytes", len(p))
		}
	}
}

func TestDecryptWithWrongKeyFails(t *testing.T) {
	k1, _ := GenerateKey("")
	k2, _ := GenerateKey("")
	enc, err := Encrypt([]byte("hello"), k1)
	if err != nil {
		t.Fatal(err)
	}
	got, err := Decrypt(enc, k2)
	if !IsDecryptionError(err) {
		t.Fatalf("expected DecryptionError, got %v", err)
	}
	if got != nil {
		t.Error("no plaintext may be returned on failure")
	}
}

func TestDecryptWithWrongPasswordFails(t *testing.T) {
	frag, _ := GenerateKey("right")
	enc, _ := Encrypt([]byte("hello"), JoinKey(frag, "right"))
	if _, err := Decrypt(enc, JoinKey(frag, "wrong")); !IsDecryptionError(err) {
		t.Errorf("expected DecryptionError, got %v", err)
	}
}

func TestDecryptDetectsTampering(t *testing.T) {
	key, _ := GenerateKey("")
	enc, _ := Encrypt([]byte("attack at dawn"), key)
	raw, _ := base64.StdEncoding.DecodeString(enc)
	raw[len(raw)-1] ^= 0x01
	if _, err := Decrypt(base64.StdEncoding.EncodeToString(raw), key); !IsDecryptionError(err) {
		t.Errorf("tampered ciphertext: expected DecryptionError, got %v", err)
	}
	if _, err := Decrypt("not base64!", key); !IsDecryptionError(err) {
		t.Errorf("malformed input: expected DecryptionError, got %v", err)
	}
	if _, err := Decrypt(base64.StdEncoding.EncodeToString(raw[:10]), key); !IsDecryptionError(err) {
		t.Errorf("short input: expected DecryptionError, got %v", err)
	}
}

func TestEncryptUsesFreshNonce(t *testing.T) {
	key, _ := GenerateKey("")
	a, _ := Encrypt([]byte("same"), key)
	b, _ := Encrypt([]byte("same"), key)
	if a == b {
		t.Error("two encryptions of the same plaintext must differ")
	}
	ra, _ := base64.StdEncoding.DecodeString(a)
	rb, _ := base64.StdEncoding.DecodeString(b)
	if bytes.Equal(ra[:NonceSize], rb[:NonceSize]) {
		t.Error("nonce reused")
	}
}

func TestInvalidKeyLength(t *testing.T) {
	if _, err := Encrypt([]byte("x"), "short"); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("expected ErrInvalidKey, got %v", err)
	}
	if _, err := Decrypt("AAAA", strings.Repeat("k", 33)); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("expected ErrInvalidKey, got %v", err)
	}
}

func TestJoinKeyNormalizesPassword(t *testing.T) {
	composed := "café"
	decomposed := "café"
	frag, err := GenerateKey(decomposed)
	if err != nil {
		t.Fatal(err)
	}
	if JoinKey(frag, composed) != JoinKey(frag, decomposed) {
		t.Error("equivalent unicode passwords must produce the same key")
	}
}
