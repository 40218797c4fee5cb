package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atinyakov/cfvault/internal/crypto"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"CONFIG", "VAULT_PATH", "VAULT_DATABASE_DSN", "VAULT_LOG_LEVEL",
		"VAULT_ISSUE_CMD", "VAULT_VERIFY_CMD", "VAULT_REVOKE_CMD",
	} {
		t.Setenv(k, "")
	}
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestParse_Defaults(t *testing.T) {
	clearEnv(t)

	opts, err := Parse([]string{"show"})
	require.NoError(t, err)

	assert.Equal(t, DefaultVaultPath(), opts.VaultPath)
	assert.Equal(t, "info", opts.LogLevel)
	assert.Empty(t, opts.DatabaseDSN)
	assert.Equal(t, crypto.DefaultKDFParams, opts.KDF)
	assert.Equal(t, Duration(30*time.Second), opts.IssuerTimeout)
	assert.Equal(t, uint64(2), opts.RevokeRetries)
	assert.Equal(t, []string{"show"}, opts.Args)
	assert.False(t, opts.Reveal)
}

func TestParse_Flags(t *testing.T) {
	clearEnv(t)

	opts, err := Parse([]string{
		"--vault", "/tmp/v.vault",
		"-d", "postgres://localhost/journal",
		"--log-level", "debug",
		"--scrypt-n", "16384",
		"--issue-cmd", "/usr/local/bin/cf-token issue",
		"--revoke-cmd", "/usr/local/bin/cf-token revoke",
		"--issuer-timeout", "5s",
		"--reveal",
		"show",
	})
	require.NoError(t, err)

	assert.Equal(t, "/tmp/v.vault", opts.VaultPath)
	assert.Equal(t, "postgres://localhost/journal", opts.DatabaseDSN)
	assert.Equal(t, "debug", opts.LogLevel)
	assert.Equal(t, 16384, opts.KDF.N)
	assert.Equal(t, []string{"/usr/local/bin/cf-token", "issue"}, opts.Issuer.Issue)
	assert.Equal(t, []string{"/usr/local/bin/cf-token", "revoke"}, opts.Issuer.Revoke)
	assert.Empty(t, opts.Issuer.Verify)
	assert.Equal(t, Duration(5*time.Second), opts.IssuerTimeout)
	assert.True(t, opts.Reveal)
	assert.Equal(t, []string{"show"}, opts.Args)
}

func TestParse_JSONFile(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "config.json", `{
		"vault_path": "/srv/cf.vault",
		"log_level": "warn",
		"issuer": {"issue": ["issue.sh"], "verify": ["verify.sh"], "revoke": ["revoke.sh"]},
		"issuer_timeout": "10s",
		"journal_retention": "168h"
	}`)

	opts, err := Parse([]string{"-c", path, "rotate"})
	require.NoError(t, err)

	assert.Equal(t, "/srv/cf.vault", opts.VaultPath)
	assert.Equal(t, "warn", opts.LogLevel)
	assert.Equal(t, []string{"verify.sh"}, opts.Issuer.Verify)
	assert.Equal(t, Duration(10*time.Second), opts.IssuerTimeout)
	assert.Equal(t, Duration(7*24*time.Hour), opts.JournalRetention)
}

func TestParse_YAMLFileFromEnv(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "config.yaml", `
vault_path: /srv/cf.vault
database_dsn: postgres://db/journal
kdf:
  algo: scrypt
  n: 65536
  r: 8
  p: 2
issuer:
  issue: [issue.sh, --zone, z1]
  revoke: [revoke.sh]
revoke_retries: 5
`)
	t.Setenv("CONFIG", path)

	opts, err := Parse(nil)
	require.NoError(t, err)

	assert.Equal(t, "postgres://db/journal", opts.DatabaseDSN)
	assert.Equal(t, 65536, opts.KDF.N)
	assert.Equal(t, 2, opts.KDF.P)
	assert.Equal(t, []string{"issue.sh", "--zone", "z1"}, opts.Issuer.Issue)
	assert.Equal(t, uint64(5), opts.RevokeRetries)
	assert.Equal(t, path, opts.Config)
}

func TestParse_Precedence(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "config.json", `{"vault_path": "/from/file", "log_level": "warn", "database_dsn": "file-dsn"}`)
	t.Setenv("VAULT_PATH", "/from/env")
	t.Setenv("VAULT_LOG_LEVEL", "error")

	opts, err := Parse([]string{"--config", path, "--log-level", "debug"})
	require.NoError(t, err)

	// env beats file, explicit flag beats env
	assert.Equal(t, "/from/env", opts.VaultPath)
	assert.Equal(t, "debug", opts.LogLevel)
	assert.Equal(t, "file-dsn", opts.DatabaseDSN)
}

func TestParse_EnvCommands(t *testing.T) {
	clearEnv(t)
	t.Setenv("VAULT_ISSUE_CMD", "cf issue --json")
	t.Setenv("VAULT_REVOKE_CMD", "cf revoke")

	opts, err := Parse([]string{"rotate"})
	require.NoError(t, err)
	assert.Equal(t, []string{"cf", "issue", "--json"}, opts.Issuer.Issue)
	assert.Equal(t, []string{"cf", "revoke"}, opts.Issuer.Revoke)
}

func TestParse_Errors(t *testing.T) {
	clearEnv(t)
	badJSON := writeFile(t, "bad.json", `{"vault_path": `)
	badDuration := writeFile(t, "bad.yml", "issuer_timeout: soon\n")

	tests := []struct {
		name string
		args []string
	}{
		{"unknown flag", []string{"--nope"}},
		{"missing config file", []string{"-c", filepath.Join(t.TempDir(), "missing.json")}},
		{"malformed json", []string{"-c", badJSON}},
		{"malformed duration", []string{"-c", badDuration}},
		{"scrypt n not a power of two", []string{"--scrypt-n", "1000"}},
		{"scrypt n too large", []string{"--scrypt-n", "2097152"}},
		{"empty vault path", []string{"--vault", ""}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.args)
			assert.Error(t, err)
		})
	}
}

func TestParse_Help(t *testing.T) {
	clearEnv(t)
	_, err := Parse([]string{"--help"})
	assert.ErrorIs(t, err, pflag.ErrHelp)
}
