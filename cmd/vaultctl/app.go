package main

import (
	"cmp"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"go.uber.org/zap"

	"github.com/atinyakov/cfvault/internal/config"
	"github.com/atinyakov/cfvault/internal/crypto"
	"github.com/atinyakov/cfvault/internal/db"
	"github.com/atinyakov/cfvault/internal/issuer"
	"github.com/atinyakov/cfvault/internal/metrics"
	"github.com/atinyakov/cfvault/internal/models"
	"github.com/atinyakov/cfvault/internal/prompt"
	"github.com/atinyakov/cfvault/internal/repository"
	"github.com/atinyakov/cfvault/internal/service"
	"github.com/atinyakov/cfvault/internal/vault"
)

const usage = `Usage: vaultctl [flags] <command> [args]

Commands:
  store [key=value ...]      encrypt a credential record (prompts when no fields are given)
  show [--reveal]            decrypt and print the record, apiToken masked unless --reveal
  exists                     exit 0 if the vault file exists, 1 otherwise
  remove                     delete the vault file
  info                       print the container header without decrypting
  rotate                     issue, verify and store a new credential, then revoke the old one
  journal [list]             list rotations that may have left an old credential valid
  journal history <id>       print every event of a rotation
  journal resolve <id>       mark a rotation as handled (see --note)
  prune                      delete resolved journal entries older than --journal-retention
  version                    print build information

The passphrase is read from VAULT_PASSPHRASE or prompted for without echo.
Run vaultctl --help for the flag list.
`

const masked = "********"

var (
	errUsage     = errors.New("invalid usage")
	errNoJournal = errors.New("rotation journal disabled: set --database-dsn or VAULT_DATABASE_DSN")
)

// exitError ends the process with code without logging.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

type app struct {
	opts    *config.Options
	log     *zap.Logger
	metrics *metrics.Metrics
	out     io.Writer
	prompt  *prompt.Prompter
	getenv  func(string) string

	// openDB connects to the rotation journal database.
	openDB func(dsn string) (*sql.DB, error)

	version   string
	buildDate string
}

func newApp(opts *config.Options, log *zap.Logger, m *metrics.Metrics, in *os.File, out io.Writer) *app {
	return &app{
		opts:    opts,
		log:     log,
		metrics: m,
		out:     out,
		prompt:  prompt.New(in, os.Stderr),
		getenv:  os.Getenv,
		openDB:  db.InitPostgres,
	}
}

func (a *app) command() string {
	if len(a.opts.Args) == 0 {
		return ""
	}
	return a.opts.Args[0]
}

func (a *app) run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	args := a.opts.Args
	if len(args) == 0 {
		return fmt.Errorf("%w: missing command", errUsage)
	}
	switch args[0] {
	case "store":
		return a.store(args[1:])
	case "show":
		return a.show()
	case "exists":
		return a.exists()
	case "remove":
		return a.remove()
	case "info":
		return a.info()
	case "rotate":
		return a.rotate(ctx)
	case "journal":
		return a.journal(ctx, args[1:])
	case "prune":
		return a.prune(ctx)
	case "version":
		fmt.Fprintf(a.out, "vaultctl\nVersion: %s\nBuild Date: %s\n", a.version, a.buildDate)
		return nil
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, args[0])
	}
}

func (a *app) vault() *vault.Store {
	return vault.New(a.opts.VaultPath,
		vault.WithKDFParams(a.opts.KDF),
		vault.WithLogger(a.log),
		vault.WithMetrics(a.metrics),
	)
}

// passphrase returns VAULT_PASSPHRASE or prompts. confirm asks twice.
func (a *app) passphrase(confirm bool) ([]byte, error) {
	if v := a.getenv("VAULT_PASSPHRASE"); v != "" {
		return []byte(v), nil
	}
	if confirm {
		return a.prompt.NewPassphrase()
	}
	return a.prompt.Passphrase("Vault passphrase")
}

func (a *app) store(fields []string) error {
	var (
		rec models.CredentialRecord
		err error
	)
	if len(fields) > 0 {
		rec, err = prompt.ParseFields(fields)
	} else {
		rec, err = a.prompt.Record()
	}
	if err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	defer rec.Wipe()

	pass, err := a.passphrase(true)
	if err != nil {
		return err
	}
	defer crypto.Zero(pass)

	if err := a.vault().Store(rec, pass); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "stored %d fields in %s\n", len(rec), a.opts.VaultPath)
	return nil
}

func (a *app) show() error {
	pass, err := a.passphrase(false)
	if err != nil {
		return err
	}
	defer crypto.Zero(pass)

	rec, err := a.vault().Load(pass)
	if err != nil {
		return err
	}
	defer rec.Wipe()

	keys := make([]string, 0, len(rec))
	for k := range rec {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	w := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	for _, k := range keys {
		v := rec[k]
		if k == models.KeyAPIToken && !a.opts.Reveal {
			v = masked
		}
		fmt.Fprintf(w, "%s\t%s\n", k, v)
	}
	return w.Flush()
}

func (a *app) exists() error {
	if a.vault().Exists() {
		fmt.Fprintln(a.out, "vault exists:", a.opts.VaultPath)
		return nil
	}
	fmt.Fprintln(a.out, "no vault at", a.opts.VaultPath)
	return &exitError{code: 1}
}

func (a *app) remove() error {
	if err := a.vault().Remove(); err != nil {
		return err
	}
	fmt.Fprintln(a.out, "removed", a.opts.VaultPath)
	return nil
}

func (a *app) info() error {
	c, err := a.vault().Inspect()
	if err != nil {
		return err
	}
	fi, err := os.Stat(a.opts.VaultPath)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "path\t%s\n", a.opts.VaultPath)
	fmt.Fprintf(w, "mode\t%s\n", fi.Mode().Perm())
	fmt.Fprintf(w, "modified\t%s\n", fi.ModTime().UTC().Format(time.RFC3339))
	fmt.Fprintf(w, "version\t%d\n", c.Version)
	fmt.Fprintf(w, "kdf\t%s N=%d r=%d p=%d\n", c.KDF.Algo, c.KDF.N, c.KDF.R, c.KDF.P)
	fmt.Fprintf(w, "salt\t%d bytes\n", len(c.Salt))
	fmt.Fprintf(w, "iv\t%d bytes\n", len(c.IV))
	fmt.Fprintf(w, "ciphertext\t%d bytes\n", len(c.Ciphertext))
	return w.Flush()
}

func (a *app) rotate(ctx context.Context) error {
	iss, err := issuer.NewExecIssuer(a.opts.Issuer, time.Duration(a.opts.IssuerTimeout), issuer.WithLogger(a.log))
	if err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}

	opts := []service.RotationOption{
		service.WithLogger(a.log),
		service.WithMetrics(a.metrics),
		service.WithRevokeRetries(a.opts.RevokeRetries, 500*time.Millisecond),
	}
	if a.opts.DatabaseDSN != "" {
		conn, err := a.openDB(a.opts.DatabaseDSN)
		if err != nil {
			// The journal is an audit aid; rotation proceeds without it.
			a.log.Warn("rotation journal unavailable", zap.Error(err))
		} else {
			defer conn.Close()
			opts = append(opts, service.WithJournal(repository.NewPostgresJournalRepository(conn)))
		}
	}

	pass, err := a.passphrase(false)
	if err != nil {
		return err
	}
	defer crypto.Zero(pass)

	res, err := service.NewRotationService(a.vault(), iss, opts...).Rotate(ctx, pass)
	fmt.Fprintf(a.out, "rotation %s: %s\n", res.ID, res.State)
	if res.OldCredentialID != "" || res.NewCredentialID != "" {
		fmt.Fprintf(a.out, "old credential: %s\nnew credential: %s\n", idOrUnknown(res.OldCredentialID), idOrUnknown(res.NewCredentialID))
	}
	if errors.Is(err, service.ErrRevokeFailed) {
		fmt.Fprintf(a.out, "WARNING: the vault holds the new credential but old credential %s is still valid; revoke it manually\n",
			idOrUnknown(res.OldCredentialID))
	}
	if errors.Is(err, service.ErrUnusedNotRevoked) {
		fmt.Fprintf(a.out, "WARNING: new credential %s was not stored but is still valid; revoke it manually\n",
			idOrUnknown(res.NewCredentialID))
	}
	return err
}

func (a *app) journal(ctx context.Context, args []string) error {
	if a.opts.DatabaseDSN == "" {
		return errNoJournal
	}
	conn, err := a.openDB(a.opts.DatabaseDSN)
	if err != nil {
		return err
	}
	defer conn.Close()
	repo := repository.NewPostgresJournalRepository(conn)

	sub := "list"
	if len(args) > 0 {
		sub = args[0]
	}
	switch {
	case sub == "list":
		events, err := repo.ListUnresolved(ctx)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			fmt.Fprintln(a.out, "no unresolved rotations")
			return nil
		}
		return a.printEvents(events)
	case sub == "history" && len(args) == 2:
		events, err := repo.History(ctx, args[1])
		if err != nil {
			return err
		}
		return a.printEvents(events)
	case sub == "resolve" && len(args) == 2:
		if err := repo.Resolve(ctx, args[1], cmp.Or(a.opts.Note, "resolved by operator")); err != nil {
			return err
		}
		fmt.Fprintln(a.out, "resolved", args[1])
		return nil
	default:
		return fmt.Errorf("%w: journal %s", errUsage, strings.Join(args, " "))
	}
}

func (a *app) prune(ctx context.Context) error {
	if a.opts.DatabaseDSN == "" {
		return errNoJournal
	}
	conn, err := a.openDB(a.opts.DatabaseDSN)
	if err != nil {
		return err
	}
	defer conn.Close()

	removed, err := db.PruneRotationJournal(ctx, conn, time.Duration(a.opts.JournalRetention), a.log)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "pruned %d journal events\n", removed)
	return nil
}

func (a *app) printEvents(events []models.RotationEvent) error {
	w := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ROTATION\tSTATE\tFAILED AT\tOLD\tNEW\tORPHANED\tAT\tERROR")
	for _, ev := range events {
		orphaned := "-"
		if ev.Orphaned {
			orphaned = "yes"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			ev.RotationID, ev.State, cmp.Or(string(ev.FailedAt), "-"),
			idOrUnknown(ev.OldCredentialID), idOrUnknown(ev.NewCredentialID), orphaned,
			ev.CreatedAt.UTC().Format(time.RFC3339), cmp.Or(ev.Error, "-"))
	}
	return w.Flush()
}

func idOrUnknown(id string) string {
	return cmp.Or(id, "<unknown>")
}
