// Package vault provides authenticated symmetric encryption for Slot 9
// (Shadow) payloads of the knowledge store.
//
// Algorithm: AES-256-GCM. A fresh 96-bit nonce is generated per call to
// Encrypt and prefixed to the ciphertext; Decrypt splits it back off
// before authenticating. There is no key export and no plaintext
// caching — the only state held past construction is the derived
// cipher; the raw key is not retained.
//
// A Vault constructed without a key is "locked": Encrypt and Decrypt
// both fail with ErrLocked, and the knowledge store maps this into
// VaultLocked at the slot-9 boundary.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

// KeySize is the required raw key length in bytes (AES-256).
const KeySize = 32

var (
	// ErrLocked is returned by Encrypt/Decrypt when no key is configured.
	ErrLocked = errors.New("vault: locked (no master key configured)")

	// ErrBadCiphertext is returned by Decrypt when the ciphertext is too
	// short to contain a nonce, or authentication fails (tampering or
	// wrong key).
	ErrBadCiphertext = errors.New("vault: bad ciphertext")

	// ErrKeySize is returned by New when the supplied key is not exactly
	// KeySize bytes.
	ErrKeySize = fmt.Errorf("vault: key must be %d bytes", KeySize)
)

// Vault performs authenticated encryption for Shadow-slot payloads.
// Safe for concurrent use; the underlying cipher.AEAD is stateless
// across calls once constructed.
type Vault struct {
	aead cipher.AEAD // nil means locked
}

// New constructs a Vault from a raw 32-byte key. Returns ErrKeySize if
// the key is the wrong length.
func New(key []byte) (*Vault, error) {
	if len(key) != KeySize {
		return nil, ErrKeySize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("vault: new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: new GCM: %w", err)
	}
	return &Vault{aead: aead}, nil
}

// Locked returns a Vault with no key configured. Every Encrypt/Decrypt
// call fails with ErrLocked until the process is restarted with a key
// (the vault never accepts a key after construction — it is "effectively
// immutable", per design).
func Locked() *Vault {
	return &Vault{}
}

// IsUnlocked reports whether the vault has a configured key.
func (v *Vault) IsUnlocked() bool {
	return v.aead != nil
}

// Encrypt authenticates and encrypts plaintext, returning
// nonce||ciphertext||tag. Each call draws a fresh random nonce.
func (v *Vault) Encrypt(plaintext []byte) ([]byte, error) {
	if v.aead == nil {
		return nil, ErrLocked
	}
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("vault: read nonce: %w", err)
	}
	out := v.aead.Seal(nonce, nonce, plaintext, nil)
	return out, nil
}

// Decrypt verifies and decrypts a buffer produced by Encrypt. Returns
// ErrBadCiphertext if the buffer is malformed or authentication fails.
func (v *Vault) Decrypt(ciphertext []byte) ([]byte, error) {
	if v.aead == nil {
		return nil, ErrLocked
	}
	nonceSize := v.aead.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, ErrBadCiphertext
	}
	nonce, sealed := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := v.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrBadCiphertext
	}
	return plaintext, nil
}
