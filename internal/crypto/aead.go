package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
)

const (
	// IVSize is the GCM standard nonce size.
	IVSize = 12
	// TagSize is the GCM authentication tag size.
	TagSize = 16
)

var (
	// ErrInvalidIV is returned when an IV is not exactly IVSize bytes.
	ErrInvalidIV = errors.New("invalid iv")
	// ErrInvalidKey is returned when a key is not exactly KeySize bytes.
	ErrInvalidKey = errors.New("invalid key")
	// ErrAuthenticationFailed is the only error Decrypt reports for a bad key,
	// a modified ciphertext or a modified tag.
	ErrAuthenticationFailed = errors.New("authentication failed")
)

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidKey, len(key), KeySize)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create AEAD: %w", err)
	}
	return aead, nil
}

// Encrypt seals plaintext under key and iv. aad is authenticated but not
// encrypted. The iv must never be reused with the same key.
func Encrypt(key, iv, plaintext, aad []byte) (ciphertext, tag []byte, err error) {
	if len(iv) != IVSize {
		return nil, nil, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidIV, len(iv), IVSize)
	}
	aead, err := newGCM(key)
	if err != nil {
		return nil, nil, err
	}
	sealed := aead.Seal(nil, iv, plaintext, aad)
	n := len(sealed) - aead.Overhead()
	return sealed[:n:n], sealed[n:], nil
}

// Decrypt opens ciphertext and tag under key and iv. Plaintext is only
// returned when authentication succeeds.
func Decrypt(key, iv, ciphertext, tag, aad []byte) ([]byte, error) {
	if len(iv) != IVSize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidIV, len(iv), IVSize)
	}
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(tag) != aead.Overhead() {
		return nil, ErrAuthenticationFailed
	}
	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)
	plain, err := aead.Open(nil, iv, sealed, aad)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	return plain, nil
}

// NewIV returns IVSize fresh random bytes.
func NewIV() ([]byte, error) {
	iv := make([]byte, IVSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("generate iv: %w", err)
	}
	return iv, nil
}
