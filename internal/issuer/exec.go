// Package issuer implements the credential lifecycle calls of the rotation
// service by running operator-configured commands.
//
// Commands never receive secrets on the command line. The scope of a new
// credential is passed as JSON in VAULT_SCOPE, and existing credentials in
// VAULT_CREDENTIAL_ID and VAULT_CREDENTIAL_VALUE. The issue command must
// print {"id": "...", "value": "..."} on stdout.
package issuer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/atinyakov/cfvault/internal/crypto"
	"github.com/atinyakov/cfvault/internal/models"
)

// Environment variables set for issuer commands.
const (
	EnvScope           = "VAULT_SCOPE"
	EnvCredentialID    = "VAULT_CREDENTIAL_ID"
	EnvCredentialValue = "VAULT_CREDENTIAL_VALUE"
)

const maxStderr = 512

var (
	// ErrNoCommand is returned when a required command is not configured.
	ErrNoCommand = errors.New("issuer command not configured")
	// ErrTimeout is returned when a command exceeds its deadline.
	ErrTimeout = errors.New("issuer command timed out")
	// ErrMalformedOutput is returned when the issue command prints something
	// other than a credential.
	ErrMalformedOutput = errors.New("malformed issuer output")
)

// Commands holds the argv of each lifecycle command.
type Commands struct {
	Issue  []string `json:"issue" yaml:"issue"`
	Verify []string `json:"verify" yaml:"verify"`
	Revoke []string `json:"revoke" yaml:"revoke"`
}

// ExecIssuer runs Commands with a per-call timeout.
type ExecIssuer struct {
	cmds    Commands
	timeout time.Duration
	log     *zap.Logger
}

// Option configures an ExecIssuer.
type Option func(*ExecIssuer)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *ExecIssuer) {
		if l != nil {
			e.log = l
		}
	}
}

// NewExecIssuer returns an issuer for cmds. Issue and Revoke are required;
// an empty Verify skips verification.
func NewExecIssuer(cmds Commands, timeout time.Duration, opts ...Option) (*ExecIssuer, error) {
	if len(cmds.Issue) == 0 {
		return nil, fmt.Errorf("issue: %w", ErrNoCommand)
	}
	if len(cmds.Revoke) == 0 {
		return nil, fmt.Errorf("revoke: %w", ErrNoCommand)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	e := &ExecIssuer{cmds: cmds, timeout: timeout, log: zap.NewNop()}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Issue runs the issue command and parses the credential it prints.
func (e *ExecIssuer) Issue(ctx context.Context, scope map[string]string) (models.Credential, error) {
	encoded, err := json.Marshal(scope)
	if err != nil {
		return models.Credential{}, fmt.Errorf("encode scope: %w", err)
	}
	out, err := e.run(ctx, "issue", e.cmds.Issue, EnvScope+"="+string(encoded))
	if err != nil {
		return models.Credential{}, err
	}
	defer crypto.Zero(out)

	var cred models.Credential
	dec := json.NewDecoder(bytes.NewReader(out))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cred); err != nil {
		return models.Credential{}, fmt.Errorf("issue: %w", ErrMalformedOutput)
	}
	if cred.Value == "" {
		return models.Credential{}, fmt.Errorf("issue: %w: empty value", ErrMalformedOutput)
	}
	e.log.Info("credential issued", zap.String("credential_id", cred.ID))
	return cred, nil
}

// Verify runs the verify command against cred. It is a no-op when no
// verify command is configured.
func (e *ExecIssuer) Verify(ctx context.Context, cred models.Credential) error {
	if len(e.cmds.Verify) == 0 {
		e.log.Warn("no verify command configured, skipping verification", zap.String("credential_id", cred.ID))
		return nil
	}
	out, err := e.run(ctx, "verify", e.cmds.Verify, credentialEnv(cred)...)
	crypto.Zero(out)
	return err
}

// Revoke runs the revoke command against cred.
func (e *ExecIssuer) Revoke(ctx context.Context, cred models.Credential) error {
	out, err := e.run(ctx, "revoke", e.cmds.Revoke, credentialEnv(cred)...)
	crypto.Zero(out)
	if err == nil {
		e.log.Info("credential revoked", zap.String("credential_id", cred.ID))
	}
	return err
}

func (e *ExecIssuer) run(ctx context.Context, op string, argv []string, env ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(), env...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second

	start := time.Now()
	err := cmd.Run()
	e.log.Debug("issuer command finished",
		zap.String("op", op),
		zap.String("command", argv[0]),
		zap.Duration("took", time.Since(start)),
		zap.Error(err),
	)
	if err != nil {
		crypto.Zero(stdout.Bytes())
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%s: %w after %s", op, ErrTimeout, e.timeout)
		}
		if msg := firstLine(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%s: %w: %s", op, err, msg)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return stdout.Bytes(), nil
}

func credentialEnv(cred models.Credential) []string {
	return []string{
		EnvCredentialID + "=" + cred.ID,
		EnvCredentialValue + "=" + cred.Value,
	}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > maxStderr {
		s = s[:maxStderr]
	}
	return s
}
