// Package config provides functionality for managing configuration options
// for vaultctl using command-line flags, a config file and environment
// variables.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/atinyakov/cfvault/internal/crypto"
	"github.com/atinyakov/cfvault/internal/issuer"
	"github.com/atinyakov/cfvault/internal/models"
)

// Duration is a time.Duration read from strings such as "30s" in config files.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Options holds the configuration values for vaultctl.
type Options struct {
	// VaultPath is the location of the encrypted container.
	VaultPath string `json:"vault_path" yaml:"vault_path"`

	// DatabaseDSN is the rotation journal connection string. Empty disables the journal.
	DatabaseDSN string `json:"database_dsn" yaml:"database_dsn"`

	// LogLevel is a zap level name.
	LogLevel string `json:"log_level" yaml:"log_level"`

	// MetricsFile, when set, receives Prometheus metrics in text format on exit.
	MetricsFile string `json:"metrics_file" yaml:"metrics_file"`

	// KDF is the scrypt cost used when writing containers.
	KDF models.KDFParams `json:"kdf" yaml:"kdf"`

	// Issuer holds the issue, verify and revoke commands.
	Issuer issuer.Commands `json:"issuer" yaml:"issuer"`

	// IssuerTimeout bounds each issuer command.
	IssuerTimeout Duration `json:"issuer_timeout" yaml:"issuer_timeout"`

	// RevokeRetries is how often a failed revoke of the old credential is retried.
	RevokeRetries uint64 `json:"revoke_retries" yaml:"revoke_retries"`

	// JournalRetention is how long resolved rotations are kept by prune.
	JournalRetention Duration `json:"journal_retention" yaml:"journal_retention"`

	// Config is the path to the config file.
	Config string `json:"-" yaml:"-"`

	// Reveal prints secret values in show.
	Reveal bool `json:"-" yaml:"-"`

	// Note is attached to journal resolve events.
	Note string `json:"-" yaml:"-"`

	// Args are the positional arguments: the command and its operands.
	Args []string `json:"-" yaml:"-"`
}

// DefaultVaultPath returns ~/.cfvault/credentials.vault.
func DefaultVaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".cfvault", "credentials.vault")
	}
	return filepath.Join(home, ".cfvault", "credentials.vault")
}

// Parse builds Options from args (without the program name). Values are
// layered as defaults, then the config file, then environment variables,
// then flags given explicitly on the command line.
func Parse(args []string) (*Options, error) {
	opts := &Options{
		VaultPath:        DefaultVaultPath(),
		LogLevel:         "info",
		KDF:              crypto.DefaultKDFParams,
		IssuerTimeout:    Duration(30 * time.Second),
		RevokeRetries:    2,
		JournalRetention: Duration(30 * 24 * time.Hour),
	}

	var (
		flagOpts                    Options
		issueCmd, verifyCmd, revoke string
		issuerTimeout, retention    time.Duration
	)
	fs := pflag.NewFlagSet("vaultctl", pflag.ContinueOnError)
	fs.StringVarP(&flagOpts.VaultPath, "vault", "v", opts.VaultPath, "path to the encrypted vault file")
	fs.StringVarP(&flagOpts.DatabaseDSN, "database-dsn", "d", "", "rotation journal database DSN")
	fs.StringVar(&flagOpts.LogLevel, "log-level", opts.LogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&flagOpts.MetricsFile, "metrics-file", "", "write Prometheus metrics to this file on exit")
	fs.IntVar(&flagOpts.KDF.N, "scrypt-n", opts.KDF.N, "scrypt CPU/memory cost, a power of two")
	fs.IntVar(&flagOpts.KDF.R, "scrypt-r", opts.KDF.R, "scrypt block size")
	fs.IntVar(&flagOpts.KDF.P, "scrypt-p", opts.KDF.P, "scrypt parallelism")
	fs.StringVar(&issueCmd, "issue-cmd", "", "command that prints a new credential as JSON")
	fs.StringVar(&verifyCmd, "verify-cmd", "", "command that checks a credential")
	fs.StringVar(&revoke, "revoke-cmd", "", "command that revokes a credential")
	fs.DurationVar(&issuerTimeout, "issuer-timeout", time.Duration(opts.IssuerTimeout), "timeout for each issuer command")
	fs.Uint64Var(&flagOpts.RevokeRetries, "revoke-retries", opts.RevokeRetries, "retries for revoking the old credential")
	fs.DurationVar(&retention, "journal-retention", time.Duration(opts.JournalRetention), "age after which resolved rotations are pruned")
	fs.StringVarP(&opts.Config, "config", "c", "", "path to config file (JSON or YAML)")
	fs.BoolVar(&opts.Reveal, "reveal", false, "show secret values")
	fs.StringVar(&opts.Note, "note", "", "note recorded when resolving a rotation")
	fs.SortFlags = false

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	opts.Args = fs.Args()

	if configPath := os.Getenv("CONFIG"); configPath != "" && !fs.Changed("config") {
		opts.Config = configPath
	}
	if opts.Config != "" {
		if err := loadFile(opts.Config, opts); err != nil {
			return nil, err
		}
	}

	applyEnv(opts)

	if fs.Changed("vault") {
		opts.VaultPath = flagOpts.VaultPath
	}
	if fs.Changed("database-dsn") {
		opts.DatabaseDSN = flagOpts.DatabaseDSN
	}
	if fs.Changed("log-level") {
		opts.LogLevel = flagOpts.LogLevel
	}
	if fs.Changed("metrics-file") {
		opts.MetricsFile = flagOpts.MetricsFile
	}
	if fs.Changed("scrypt-n") {
		opts.KDF.N = flagOpts.KDF.N
	}
	if fs.Changed("scrypt-r") {
		opts.KDF.R = flagOpts.KDF.R
	}
	if fs.Changed("scrypt-p") {
		opts.KDF.P = flagOpts.KDF.P
	}
	if fs.Changed("issue-cmd") {
		opts.Issuer.Issue = strings.Fields(issueCmd)
	}
	if fs.Changed("verify-cmd") {
		opts.Issuer.Verify = strings.Fields(verifyCmd)
	}
	if fs.Changed("revoke-cmd") {
		opts.Issuer.Revoke = strings.Fields(revoke)
	}
	if fs.Changed("issuer-timeout") {
		opts.IssuerTimeout = Duration(issuerTimeout)
	}
	if fs.Changed("revoke-retries") {
		opts.RevokeRetries = flagOpts.RevokeRetries
	}
	if fs.Changed("journal-retention") {
		opts.JournalRetention = Duration(retention)
	}

	if opts.KDF.Algo == "" {
		opts.KDF.Algo = crypto.KDFAlgo
	}
	if err := crypto.ValidateKDFParams(opts.KDF); err != nil {
		return nil, fmt.Errorf("invalid kdf settings: %w", err)
	}
	if opts.VaultPath == "" {
		return nil, errors.New("vault path must not be empty")
	}
	return opts, nil
}

func loadFile(path string, opts *Options) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("error while reading config file: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, opts)
	default:
		err = json.Unmarshal(data, opts)
	}
	if err != nil {
		return fmt.Errorf("error while parsing config file: %w", err)
	}
	return nil
}

func applyEnv(opts *Options) {
	if v := os.Getenv("VAULT_PATH"); v != "" {
		opts.VaultPath = v
	}
	if v := os.Getenv("VAULT_DATABASE_DSN"); v != "" {
		opts.DatabaseDSN = v
	}
	if v := os.Getenv("VAULT_LOG_LEVEL"); v != "" {
		opts.LogLevel = v
	}
	if v := os.Getenv("VAULT_ISSUE_CMD"); v != "" {
		opts.Issuer.Issue = strings.Fields(v)
	}
	if v := os.Getenv("VAULT_VERIFY_CMD"); v != "" {
		opts.Issuer.Verify = strings.Fields(v)
	}
	if v := os.Getenv("VAULT_REVOKE_CMD"); v != "" {
		opts.Issuer.Revoke = strings.Fields(v)
	}
}
