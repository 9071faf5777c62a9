// Package vault encrypts sender credentials and session cookies at rest.
//
// Sealed blobs are laid out as a one-byte version, a 24-byte random nonce
// and the XChaCha20-Poly1305 ciphertext. The sender ID is bound in as
// additional data so a blob copied between senders fails to open.
package vault

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const version1 byte = 1

var hkdfInfo = []byte("senderyard vault v1")

// ErrCorrupt is returned when a blob cannot be opened: wrong key, wrong
// sender, truncated data or an unknown version.
var ErrCorrupt = errors.New("vault: corrupt or foreign ciphertext")

// Vault seals and opens secrets with a single symmetric key.
type Vault struct {
	key []byte
}

// New derives a vault key from secret. A secret that is base64 for exactly
// 32 bytes is used as the key directly; any other non-empty string is run
// through HKDF-SHA256.
func New(secret string) (*Vault, error) {
	if secret == "" {
		return nil, errors.New("vault: key is required")
	}
	if raw, err := base64.StdEncoding.DecodeString(secret); err == nil && len(raw) == chacha20poly1305.KeySize {
		return &Vault{key: raw}, nil
	}

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, hkdfInfo), key); err != nil {
		return nil, fmt.Errorf("vault: derive key: %w", err)
	}
	return &Vault{key: key}, nil
}

// Encrypt seals plaintext for senderID. Empty plaintext seals to nil.
func (v *Vault) Encrypt(senderID string, plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, nil
	}
	aead, err := chacha20poly1305.NewX(v.key)
	if err != nil {
		return nil, fmt.Errorf("vault: init cipher: %w", err)
	}

	out := make([]byte, 1+aead.NonceSize(), 1+aead.NonceSize()+len(plaintext)+aead.Overhead())
	out[0] = version1
	if _, err := rand.Read(out[1:]); err != nil {
		return nil, fmt.Errorf("vault: nonce: %w", err)
	}
	return aead.Seal(out, out[1:], plaintext, []byte(senderID)), nil
}

// Decrypt opens a blob sealed by Encrypt. A nil or empty blob opens to nil.
func (v *Vault) Decrypt(senderID string, blob []byte) ([]byte, error) {
	if len(blob) == 0 {
		return nil, nil
	}
	aead, err := chacha20poly1305.NewX(v.key)
	if err != nil {
		return nil, fmt.Errorf("vault: init cipher: %w", err)
	}
	if blob[0] != version1 || len(blob) < 1+aead.NonceSize()+aead.Overhead() {
		return nil, ErrCorrupt
	}

	nonce := blob[1 : 1+aead.NonceSize()]
	plaintext, err := aead.Open(nil, nonce, blob[1+aead.NonceSize():], []byte(senderID))
	if err != nil {
		return nil, ErrCorrupt
	}
	return plaintext, nil
}

// GenerateKey returns a fresh random key in the base64 form New accepts.
func GenerateKey() (string, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("vault: generate key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
