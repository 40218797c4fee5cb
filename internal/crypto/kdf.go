// Package crypto holds the cryptographic primitives of the vault: scrypt key
// derivation and AES-256-GCM authenticated encryption.
package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/scrypt"

	"github.com/atinyakov/cfvault/internal/models"
)

const (
	// KeySize is the length of derived keys (AES-256).
	KeySize = 32
	// SaltSize is the length of every KDF salt.
	SaltSize = 32

	// KDFAlgo names the only supported key derivation function.
	KDFAlgo = "scrypt"

	// MinN and MaxN bound the scrypt CPU/memory cost accepted from a container.
	MinN = 1 << 10
	MaxN = 1 << 20
	// MaxRP bounds the scrypt r and p parameters accepted from a container.
	MaxRP = 16
)

// ErrInvalidSalt is returned when a salt is not exactly SaltSize bytes.
var ErrInvalidSalt = errors.New("invalid salt")

// ErrInvalidKDFParams is returned for cost parameters outside the accepted bounds.
var ErrInvalidKDFParams = errors.New("invalid kdf parameters")

// DefaultKDFParams are the cost parameters used for new containers.
var DefaultKDFParams = models.KDFParams{Algo: KDFAlgo, N: 1 << 15, R: 8, P: 1}

// ValidateKDFParams reports whether p describes a supported scrypt configuration.
func ValidateKDFParams(p models.KDFParams) error {
	if p.Algo != KDFAlgo {
		return fmt.Errorf("%w: unsupported algorithm %q", ErrInvalidKDFParams, p.Algo)
	}
	if p.N < MinN || p.N > MaxN || p.N&(p.N-1) != 0 {
		return fmt.Errorf("%w: n=%d", ErrInvalidKDFParams, p.N)
	}
	if p.R < 1 || p.R > MaxRP || p.P < 1 || p.P > MaxRP {
		return fmt.Errorf("%w: r=%d p=%d", ErrInvalidKDFParams, p.R, p.P)
	}
	return nil
}

// ExceedsCost reports whether deriving a key with p needs more memory or
// work than limit. Memory grows with n*r and work with n*r*p.
func ExceedsCost(p, limit models.KDFParams) bool {
	mem, maxMem := int64(p.N)*int64(p.R), int64(limit.N)*int64(limit.R)
	return mem > maxMem || mem*int64(p.P) > maxMem*int64(limit.P)
}

// DeriveKey turns a passphrase and salt into a KeySize key.
// The same passphrase, salt and params always yield the same key.
func DeriveKey(passphrase, salt []byte, p models.KDFParams) ([]byte, error) {
	if len(salt) != SaltSize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidSalt, len(salt), SaltSize)
	}
	if err := ValidateKDFParams(p); err != nil {
		return nil, err
	}
	key, err := scrypt.Key(passphrase, salt, p.N, p.R, p.P, KeySize)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

// NewSalt returns SaltSize fresh random bytes.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	return salt, nil
}
