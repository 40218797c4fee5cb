// Package vault implements the password-protected credential store: a
// single encrypted container file holding one CredentialRecord.
//
// Every Store call derives a fresh key from the passphrase and a new random
// salt, encrypts the record with AES-256-GCM under a new random nonce, and
// atomically replaces the container on disk. Load reverses the process and
// never returns plaintext that failed authentication.
package vault

import (
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/atinyakov/cfvault/internal/crypto"
	"github.com/atinyakov/cfvault/internal/metrics"
	"github.com/atinyakov/cfvault/internal/models"
)

// Store owns the container file at a single path.
type Store struct {
	path    string
	kdf     models.KDFParams
	log     *zap.Logger
	metrics *metrics.Metrics
}

// Option configures a Store.
type Option func(*Store)

// WithKDFParams overrides the scrypt cost used for new containers. Load
// rejects containers that ask for more than this cost.
func WithKDFParams(p models.KDFParams) Option {
	return func(s *Store) { s.kdf = p }
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}

// WithMetrics records operation counts and KDF timings in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// New returns a Store for the container at path.
func New(path string, opts ...Option) *Store {
	s := &Store{
		path: path,
		kdf:  crypto.DefaultKDFParams,
		log:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Path returns the container location.
func (s *Store) Path() string {
	return s.path
}

// Store encrypts record under passphrase and replaces any existing container.
func (s *Store) Store(record models.CredentialRecord, passphrase []byte) (err error) {
	const op = "store"
	defer func() { s.metrics.ObserveOperation(op, err) }()

	if err := crypto.ValidateKDFParams(s.kdf); err != nil {
		return s.fail(op, KindCorruptContainer, err)
	}

	salt, err := crypto.NewSalt()
	if err != nil {
		return s.fail(op, KindIO, err)
	}
	iv, err := crypto.NewIV()
	if err != nil {
		return s.fail(op, KindIO, err)
	}

	key, err := s.deriveKey(passphrase, salt, s.kdf)
	if err != nil {
		return s.fail(op, kindOfCryptoErr(err), err)
	}
	defer crypto.Release(key)

	plain, err := record.Canonical()
	if err != nil {
		return s.fail(op, KindCorruptContainer, err)
	}
	defer crypto.Zero(plain)

	c := models.Container{
		Version: FormatVersion,
		KDF:     s.kdf,
		Salt:    salt,
		IV:      iv,
	}
	c.Ciphertext, c.AuthTag, err = crypto.Encrypt(key, iv, plain, additionalData(c))
	if err != nil {
		return s.fail(op, kindOfCryptoErr(err), err)
	}

	data, err := encodeContainer(c)
	if err != nil {
		return s.fail(op, KindCorruptContainer, err)
	}
	if err := writeFileAtomic(s.path, data); err != nil {
		return s.fail(op, KindIO, err)
	}

	s.log.Info("vault container stored", zap.String("path", s.path), zap.Int("fields", len(record)))
	return nil
}

// Load decrypts the container with passphrase and returns the record.
// The caller owns the returned record and should Wipe it when done.
func (s *Store) Load(passphrase []byte) (rec models.CredentialRecord, err error) {
	const op = "load"
	defer func() { s.metrics.ObserveOperation(op, err) }()

	c, err := s.readContainer(op)
	if err != nil {
		return nil, err
	}

	// The header is not authenticated until after derivation.
	if crypto.ExceedsCost(c.KDF, s.kdf) {
		return nil, s.fail(op, KindCorruptContainer, fmt.Errorf("%w: n=%d r=%d p=%d above configured cost",
			errMalformed, c.KDF.N, c.KDF.R, c.KDF.P))
	}

	key, err := s.deriveKey(passphrase, c.Salt, c.KDF)
	if err != nil {
		return nil, s.fail(op, kindOfCryptoErr(err), err)
	}
	defer crypto.Release(key)

	plain, err := crypto.Decrypt(key, c.IV, c.Ciphertext, c.AuthTag, additionalData(c))
	if err != nil {
		if errors.Is(err, crypto.ErrAuthenticationFailed) {
			s.log.Warn("vault container rejected", zap.String("path", s.path))
		}
		return nil, s.fail(op, kindOfCryptoErr(err), err)
	}
	defer crypto.Zero(plain)

	rec, err = models.ParseRecord(plain)
	if err != nil {
		return nil, s.fail(op, KindCorruptContainer, err)
	}

	s.log.Debug("vault container loaded", zap.String("path", s.path))
	return rec, nil
}

// Inspect returns the container header without decrypting it.
func (s *Store) Inspect() (models.Container, error) {
	return s.readContainer("inspect")
}

// Exists reports whether a container is present. No decryption is attempted.
func (s *Store) Exists() bool {
	fi, err := os.Stat(s.path)
	return err == nil && fi.Mode().IsRegular()
}

// Remove deletes the container. Removing a missing container succeeds.
func (s *Store) Remove() (err error) {
	const op = "remove"
	defer func() { s.metrics.ObserveOperation(op, err) }()

	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return s.fail(op, KindIO, err)
	}
	s.log.Info("vault container removed", zap.String("path", s.path))
	return nil
}

func (s *Store) readContainer(op string) (models.Container, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return models.Container{}, &Error{Kind: KindNotFound, Op: op, Path: s.path}
		}
		return models.Container{}, s.fail(op, KindIO, err)
	}
	c, err := decodeContainer(data)
	if err != nil {
		return models.Container{}, s.fail(op, KindCorruptContainer, err)
	}
	return c, nil
}

func (s *Store) deriveKey(passphrase, salt []byte, p models.KDFParams) ([]byte, error) {
	start := time.Now()
	key, err := crypto.DeriveKey(passphrase, salt, p)
	s.metrics.ObserveKDF(time.Since(start))
	if err != nil {
		return nil, err
	}
	crypto.Pin(key)
	return key, nil
}

func (s *Store) fail(op string, kind Kind, err error) error {
	s.log.Debug("vault operation failed",
		zap.String("op", op),
		zap.String("path", s.path),
		zap.Stringer("kind", kind),
		zap.Error(err),
	)
	return &Error{Kind: kind, Op: op, Path: s.path, Err: err}
}

func kindOfCryptoErr(err error) Kind {
	switch {
	case errors.Is(err, crypto.ErrAuthenticationFailed):
		return KindWrongPassphraseOrTampered
	case errors.Is(err, crypto.ErrInvalidSalt):
		return KindInvalidSalt
	case errors.Is(err, crypto.ErrInvalidIV):
		return KindInvalidIV
	case errors.Is(err, crypto.ErrInvalidKDFParams):
		return KindCorruptContainer
	default:
		return KindIO
	}
}
