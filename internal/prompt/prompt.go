// Package prompt reads passphrases and credential records from the user.
package prompt

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/atinyakov/cfvault/internal/crypto"
	"github.com/atinyakov/cfvault/internal/models"
)

var (
	// ErrEmptyPassphrase is returned for an empty passphrase.
	ErrEmptyPassphrase = errors.New("passphrase must not be empty")
	// ErrPassphraseMismatch is returned when confirmation differs.
	ErrPassphraseMismatch = errors.New("passphrases do not match")
	// ErrInvalidField is returned for a field not in key=value form.
	ErrInvalidField = errors.New("field must be key=value")
)

// Prompter asks questions on out and reads answers from in. Secrets are
// read without echo when in is a terminal.
type Prompter struct {
	in     *os.File
	reader *bufio.Reader
	out    io.Writer
}

// New returns a Prompter reading from in and writing prompts to out.
func New(in *os.File, out io.Writer) *Prompter {
	return &Prompter{in: in, reader: bufio.NewReader(in), out: out}
}

// Passphrase reads one passphrase. The caller should crypto.Zero it.
func (p *Prompter) Passphrase(label string) ([]byte, error) {
	fmt.Fprintf(p.out, "%s: ", label)
	pass, err := p.readSecret()
	if err != nil {
		return nil, err
	}
	if len(pass) == 0 {
		return nil, ErrEmptyPassphrase
	}
	return pass, nil
}

// NewPassphrase reads a passphrase twice and checks both entries match.
func (p *Prompter) NewPassphrase() ([]byte, error) {
	pass, err := p.Passphrase("New vault passphrase")
	if err != nil {
		return nil, err
	}
	confirm, err := p.Passphrase("Repeat passphrase")
	if err != nil {
		crypto.Zero(pass)
		return nil, err
	}
	defer crypto.Zero(confirm)
	if !bytes.Equal(pass, confirm) {
		crypto.Zero(pass)
		return nil, ErrPassphraseMismatch
	}
	return pass, nil
}

// Record asks for the well-known credential fields followed by any extra
// key=value fields, ending at an empty line.
func (p *Prompter) Record() (models.CredentialRecord, error) {
	rec := models.CredentialRecord{}

	fmt.Fprint(p.out, "Enter API token: ")
	token, err := p.readSecret()
	if err != nil {
		return nil, err
	}
	if len(token) == 0 {
		return nil, errors.New("api token must not be empty")
	}
	rec[models.KeyAPIToken] = string(token)
	crypto.Zero(token)

	for _, q := range []struct{ label, key string }{
		{"Enter token ID", models.KeyTokenID},
		{"Enter account ID", models.KeyAccountID},
		{"Enter zone ID", models.KeyZoneID},
	} {
		fmt.Fprintf(p.out, "%s (optional): ", q.label)
		v, err := p.readLine()
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		if v != "" {
			rec[q.key] = v
		}
	}

	for {
		fmt.Fprint(p.out, "Extra field key=value (empty to finish): ")
		line, err := p.readLine()
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		if line == "" {
			return rec, nil
		}
		k, v, err := splitField(line)
		if err != nil {
			fmt.Fprintf(p.out, "%v\n", err)
			continue
		}
		rec[k] = v
	}
}

// ParseFields builds a record from key=value arguments.
func ParseFields(args []string) (models.CredentialRecord, error) {
	rec := make(models.CredentialRecord, len(args))
	for _, a := range args {
		k, v, err := splitField(a)
		if err != nil {
			return nil, err
		}
		if _, dup := rec[k]; dup {
			return nil, fmt.Errorf("duplicate field %q", k)
		}
		rec[k] = v
	}
	return rec, nil
}

func splitField(s string) (string, string, error) {
	k, v, ok := strings.Cut(s, "=")
	k = strings.TrimSpace(k)
	if !ok || k == "" {
		return "", "", ErrInvalidField
	}
	return k, v, nil
}

func (p *Prompter) readSecret() ([]byte, error) {
	fd := int(p.in.Fd())
	if term.IsTerminal(fd) {
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(p.out)
		if err != nil {
			return nil, fmt.Errorf("read passphrase: %w", err)
		}
		return b, nil
	}
	line, err := p.reader.ReadBytes('\n')
	if err != nil && !(errors.Is(err, io.EOF) && len(line) > 0) {
		return nil, fmt.Errorf("read passphrase: %w", err)
	}
	return bytes.TrimRight(line, "\r\n"), nil
}

func (p *Prompter) readLine() (string, error) {
	line, err := p.reader.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && len(line) > 0) {
		if errors.Is(err, io.EOF) {
			return "", io.EOF
		}
		return "", err
	}
	return strings.TrimSpace(line), nil
}
