package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	appErrors "github.com/unclebandit/salonflow-messaging/internal/errors"
)

const (
	// Version prefixes every envelope produced by this package.
	Version = "v1"

	// MaskSentinel is what callers see instead of a stored secret. Writing
	// it back means "leave the stored value unchanged".
	MaskSentinel = "********"

	separator = ":"
	tagSize   = 16
)

var b64 = base64.StdEncoding

// Vault encrypts provider credentials with AES-256-GCM.
type Vault struct {
	aead cipher.AEAD
}

// NewVault builds a vault from a 32-byte key.
func NewVault(key []byte) (*Vault, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("vault key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCMWithTagSize(block, tagSize)
	if err != nil {
		return nil, err
	}
	return &Vault{aead: aead}, nil
}

// NewVaultFromBase64 decodes a standard base64 key and builds a vault.
func NewVaultFromBase64(encoded string) (*Vault, error) {
	key, err := b64.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("decode vault key: %w", err)
	}
	return NewVault(key)
}

// Encrypt seals plaintext into "v1:<nonce>:<tag>:<ciphertext>".
func (v *Vault) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", errors.New("vault: refusing to encrypt an empty secret")
	}

	nonce := make([]byte, v.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	sealed := v.aead.Seal(nil, nonce, []byte(plaintext), nil)
	ct, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	return strings.Join([]string{
		Version,
		b64.EncodeToString(nonce),
		b64.EncodeToString(tag),
		b64.EncodeToString(ct),
	}, separator), nil
}

// Decrypt opens an envelope. Any authentication failure is fatal.
func (v *Vault) Decrypt(envelope string) (string, error) {
	parts := strings.Split(envelope, separator)
	if len(parts) != 4 || parts[0] != Version {
		return "", fmt.Errorf("vault: malformed envelope")
	}

	nonce, err := b64.DecodeString(parts[1])
	if err != nil || len(nonce) != v.aead.NonceSize() {
		return "", fmt.Errorf("vault: malformed nonce")
	}
	tag, err := b64.DecodeString(parts[2])
	if err != nil || len(tag) != tagSize {
		return "", fmt.Errorf("vault: malformed tag")
	}
	ct, err := b64.DecodeString(parts[3])
	if err != nil {
		return "", fmt.Errorf("vault: malformed ciphertext")
	}

	plaintext, err := v.aead.Open(nil, nonce, append(ct, tag...), nil)
	if err != nil {
		return "", appErrors.ErrTamperedSecret
	}
	return string(plaintext), nil
}

// IsEnvelope reports whether s already has the versioned encrypted shape.
func IsEnvelope(s string) bool {
	parts := strings.Split(s, separator)
	if len(parts) != 4 || parts[0] != Version {
		return false
	}
	for _, p := range parts[1:] {
		if _, err := b64.DecodeString(p); err != nil {
			return false
		}
	}
	return true
}

// Resolve returns the value to persist for a secret field given what is
// stored and what the caller submitted.
func (v *Vault) Resolve(stored, submitted string) (string, error) {
	switch {
	case submitted == MaskSentinel:
		return stored, nil
	case submitted == "":
		return "", nil
	case IsEnvelope(submitted):
		return submitted, nil
	}
	return v.Encrypt(submitted)
}

// Mask hides a stored secret, returning the sentinel and whether one is set.
func Mask(stored string) (string, bool) {
	if stored == "" {
		return "", false
	}
	return MaskSentinel, true
}
