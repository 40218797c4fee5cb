package vault

import (
	"errors"
	"fmt"
)

// Kind classifies vault failures so callers can branch without matching
// error strings.
type Kind int

const (
	// KindUnknown is never produced by the store; it is the zero value.
	KindUnknown Kind = iota
	// KindInvalidSalt means a malformed salt reached key derivation.
	KindInvalidSalt
	// KindInvalidIV means a malformed nonce reached the cipher.
	KindInvalidIV
	// KindWrongPassphraseOrTampered covers both a wrong passphrase and a
	// modified container. The two are deliberately indistinguishable.
	KindWrongPassphraseOrTampered
	// KindNotFound means no container exists at the vault path.
	KindNotFound
	// KindCorruptContainer means the container could not be parsed, or the
	// authenticated plaintext was not a valid record.
	KindCorruptContainer
	// KindIO wraps filesystem failures.
	KindIO
)

func (k Kind) String() string {
	switch k {
	case KindInvalidSalt:
		return "invalid salt"
	case KindInvalidIV:
		return "invalid iv"
	case KindWrongPassphraseOrTampered:
		return "wrong passphrase or tampered container"
	case KindNotFound:
		return "not found"
	case KindCorruptContainer:
		return "corrupt container"
	case KindIO:
		return "i/o error"
	default:
		return "unknown error"
	}
}

// Error is returned by every Store operation.
type Error struct {
	// Kind classifies the failure.
	Kind Kind
	// Op is the store operation that failed ("store", "load", "remove", "inspect").
	Op string
	// Path is the container location.
	Path string
	// Err is the underlying cause, if any.
	Err error
}

// Sentinels for errors.Is. They match any *Error of the same Kind.
var (
	ErrInvalidSalt               = &Error{Kind: KindInvalidSalt}
	ErrInvalidIV                 = &Error{Kind: KindInvalidIV}
	ErrWrongPassphraseOrTampered = &Error{Kind: KindWrongPassphraseOrTampered}
	ErrNotFound                  = &Error{Kind: KindNotFound}
	ErrCorruptContainer          = &Error{Kind: KindCorruptContainer}
	ErrIO                        = &Error{Kind: KindIO}
)

func (e *Error) Error() string {
	// Same text for a wrong passphrase and a tampered file, with no cause.
	if e.Kind == KindWrongPassphraseOrTampered {
		return "vault: " + e.Kind.String()
	}
	msg := "vault: " + e.Kind.String()
	if e.Op != "" {
		msg = fmt.Sprintf("vault: %s %s: %s", e.Op, e.Path, e.Kind)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	if e.Kind == KindWrongPassphraseOrTampered {
		return nil
	}
	return e.Err
}

// Is reports whether target is a *Error of the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the Kind of err, or KindUnknown if err is not a vault error.
func KindOf(err error) Kind {
	var ve *Error
	if errors.As(err, &ve) {
		return ve.Kind
	}
	return KindUnknown
}
