package main

import (
	"bytes"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atinyakov/cfvault/internal/config"
	"github.com/atinyakov/cfvault/internal/crypto"
	"github.com/atinyakov/cfvault/internal/issuer"
	"github.com/atinyakov/cfvault/internal/models"
	"github.com/atinyakov/cfvault/internal/service"
	"github.com/atinyakov/cfvault/internal/vault"
)

const testPassphrase = "hunter2 hunter2"

type testApp struct {
	*app
	out  *bytes.Buffer
	path string
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()
	stdin, err := os.Open(os.DevNull)
	require.NoError(t, err)
	t.Cleanup(func() { stdin.Close() })

	opts := &config.Options{
		VaultPath:     filepath.Join(t.TempDir(), "vault", "credentials.vault"),
		KDF:           models.KDFParams{Algo: crypto.KDFAlgo, N: crypto.MinN, R: 8, P: 1},
		IssuerTimeout: config.Duration(5 * time.Second),
		RevokeRetries: 0,
	}
	out := &bytes.Buffer{}
	a := newApp(opts, zap.NewNop(), nil, stdin, out)
	a.getenv = func(k string) string {
		if k == "VAULT_PASSPHRASE" {
			return testPassphrase
		}
		return ""
	}
	a.openDB = func(string) (*sql.DB, error) {
		return nil, errors.New("no database in tests")
	}
	return &testApp{app: a, out: out, path: opts.VaultPath}
}

func (ta *testApp) exec(args ...string) error {
	ta.out.Reset()
	ta.opts.Args = args
	return ta.run()
}

func TestStoreAndShow(t *testing.T) {
	ta := newTestApp(t)

	require.NoError(t, ta.exec("store", "apiToken=secret-token", "accountId=acc-1"))
	assert.Contains(t, ta.out.String(), "stored 2 fields")

	require.NoError(t, ta.exec("show"))
	assert.Contains(t, ta.out.String(), "accountId")
	assert.Contains(t, ta.out.String(), masked)
	assert.NotContains(t, ta.out.String(), "secret-token")

	ta.opts.Reveal = true
	require.NoError(t, ta.exec("show"))
	assert.Contains(t, ta.out.String(), "secret-token")
}

func TestStore_InvalidField(t *testing.T) {
	ta := newTestApp(t)
	err := ta.exec("store", "no-equals-sign")
	assert.ErrorIs(t, err, errUsage)
	assert.NoFileExists(t, ta.path)
}

func TestShow_WrongPassphrase(t *testing.T) {
	ta := newTestApp(t)
	require.NoError(t, ta.exec("store", "apiToken=x"))

	ta.getenv = func(string) string { return "not it" }
	err := ta.exec("show")
	assert.ErrorIs(t, err, vault.ErrWrongPassphraseOrTampered)
}

func TestExistsAndRemove(t *testing.T) {
	ta := newTestApp(t)

	var exit *exitError
	require.ErrorAs(t, ta.exec("exists"), &exit)
	assert.Equal(t, 1, exit.code)

	require.NoError(t, ta.exec("store", "apiToken=x"))
	require.NoError(t, ta.exec("exists"))

	require.NoError(t, ta.exec("remove"))
	require.ErrorAs(t, ta.exec("exists"), &exit)
	require.NoError(t, ta.exec("remove"))
}

func TestInfo(t *testing.T) {
	ta := newTestApp(t)
	assert.ErrorIs(t, ta.exec("info"), vault.ErrNotFound)

	require.NoError(t, ta.exec("store", "apiToken=x"))
	require.NoError(t, ta.exec("info"))
	out := ta.out.String()
	assert.Contains(t, out, "scrypt N=1024 r=8 p=1")
	assert.Contains(t, out, "-rw-------")
	assert.Regexp(t, regexp.MustCompile(`salt\s+32 bytes`), out)
}

func issuerScripts(t *testing.T, revokeExit int) (issuer.Commands, string) {
	t.Helper()
	revoked := filepath.Join(t.TempDir(), "revoked")
	revokeScript := `echo "$VAULT_CREDENTIAL_ID" >> "$0"`
	if revokeExit != 0 {
		revokeScript = `echo "revoke failed" >&2; exit 1`
	}
	return issuer.Commands{
		Issue:  []string{"sh", "-c", `echo '{"id":"new-id","value":"new-token"}'`},
		Verify: []string{"sh", "-c", `test "$VAULT_CREDENTIAL_VALUE" = new-token`},
		Revoke: []string{"sh", "-c", revokeScript, revoked},
	}, revoked
}

func TestRotate(t *testing.T) {
	ta := newTestApp(t)
	require.NoError(t, ta.exec("store", "apiToken=old-token", "tokenId=old-id", "zoneId=z1"))

	cmds, revoked := issuerScripts(t, 0)
	ta.opts.Issuer = cmds
	require.NoError(t, ta.exec("rotate"))
	assert.Contains(t, ta.out.String(), ": done")
	assert.Contains(t, ta.out.String(), "old credential: old-id")

	got, err := os.ReadFile(revoked)
	require.NoError(t, err)
	assert.Equal(t, "old-id\n", string(got))

	rec, err := ta.vault().Load([]byte(testPassphrase))
	require.NoError(t, err)
	assert.Equal(t, "new-token", rec[models.KeyAPIToken])
	assert.Equal(t, "z1", rec[models.KeyZoneID])
}

func TestRotate_RevokeFailureWarns(t *testing.T) {
	ta := newTestApp(t)
	require.NoError(t, ta.exec("store", "apiToken=old-token", "tokenId=old-id"))

	cmds, _ := issuerScripts(t, 1)
	ta.opts.Issuer = cmds
	err := ta.exec("rotate")
	assert.ErrorIs(t, err, service.ErrRevokeFailed)
	assert.Contains(t, ta.out.String(), "WARNING")
	assert.Contains(t, ta.out.String(), "old-id is still valid")

	rec, err := ta.vault().Load([]byte(testPassphrase))
	require.NoError(t, err)
	assert.Equal(t, "new-token", rec[models.KeyAPIToken])
}

func TestRotate_UnusedCredentialWarns(t *testing.T) {
	ta := newTestApp(t)
	require.NoError(t, ta.exec("store", "apiToken=old-token", "tokenId=old-id"))

	cmds, _ := issuerScripts(t, 1)
	cmds.Verify = []string{"sh", "-c", "exit 1"}
	ta.opts.Issuer = cmds
	err := ta.exec("rotate")
	assert.ErrorIs(t, err, service.ErrUnusedNotRevoked)
	assert.Contains(t, ta.out.String(), "new credential new-id was not stored but is still valid")

	rec, err := ta.vault().Load([]byte(testPassphrase))
	require.NoError(t, err)
	assert.Equal(t, "old-token", rec[models.KeyAPIToken])
}

func TestRotate_MissingIssuer(t *testing.T) {
	ta := newTestApp(t)
	assert.ErrorIs(t, ta.exec("rotate"), errUsage)
}

func TestRotate_JournalUnavailableStillRotates(t *testing.T) {
	ta := newTestApp(t)
	require.NoError(t, ta.exec("store", "apiToken=old-token", "tokenId=old-id"))
	ta.opts.Issuer, _ = issuerScripts(t, 0)
	ta.opts.DatabaseDSN = "postgres://unreachable"

	require.NoError(t, ta.exec("rotate"))
}

func TestRotate_Journaled(t *testing.T) {
	ta := newTestApp(t)
	require.NoError(t, ta.exec("store", "apiToken=old-token", "tokenId=old-id"))
	ta.opts.Issuer, _ = issuerScripts(t, 0)
	ta.opts.DatabaseDSN = "postgres://journal"

	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	ta.openDB = func(string) (*sql.DB, error) { return conn, nil }

	for _, state := range []string{"issuing", "verifying", "swapping", "revoking", "done"} {
		mock.ExpectExec("INSERT INTO rotation_events").
			WithArgs(sqlmock.AnyArg(), state, "", "old-id", sqlmock.AnyArg(), "", false, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
	}
	mock.ExpectClose()

	require.NoError(t, ta.exec("rotate"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestJournal(t *testing.T) {
	ta := newTestApp(t)
	assert.ErrorIs(t, ta.exec("journal"), errNoJournal)
	assert.ErrorIs(t, ta.exec("prune"), errNoJournal)

	ta.opts.DatabaseDSN = "postgres://journal"
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	ta.openDB = func(string) (*sql.DB, error) { return conn, nil }

	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectQuery("FROM rotation_events e").
		WillReturnRows(sqlmock.NewRows([]string{"rotation_id", "state", "failed_at", "old_credential_id", "new_credential_id", "error", "orphaned", "created_at"}).
			AddRow("rot-1", "failed", "revoking", "old-id", "new-id", "revoke failed", true, at))
	mock.ExpectClose()

	require.NoError(t, ta.exec("journal", "list"))
	out := ta.out.String()
	assert.True(t, strings.HasPrefix(out, "ROTATION"))
	assert.Contains(t, out, "rot-1")
	assert.Contains(t, out, "2024-03-01T12:00:00Z")
	assert.Contains(t, out, "ORPHANED")
	assert.Contains(t, out, "yes")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestJournal_BadSubcommand(t *testing.T) {
	ta := newTestApp(t)
	ta.opts.DatabaseDSN = "postgres://journal"
	conn, _, err := sqlmock.New()
	require.NoError(t, err)
	ta.openDB = func(string) (*sql.DB, error) { return conn, nil }

	assert.ErrorIs(t, ta.exec("journal", "resolve"), errUsage)
}

func TestPrune(t *testing.T) {
	ta := newTestApp(t)
	ta.opts.DatabaseDSN = "postgres://journal"
	ta.opts.JournalRetention = config.Duration(time.Hour)
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	ta.openDB = func(string) (*sql.DB, error) { return conn, nil }

	mock.ExpectExec("DELETE FROM rotation_events").
		WillReturnResult(sqlmock.NewResult(0, 4))
	mock.ExpectClose()

	require.NoError(t, ta.exec("prune"))
	assert.Contains(t, ta.out.String(), "pruned 4 journal events")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRun_Usage(t *testing.T) {
	ta := newTestApp(t)
	assert.ErrorIs(t, ta.exec(), errUsage)
	assert.ErrorIs(t, ta.exec("explode"), errUsage)

	ta.version, ta.buildDate = "1.2.3", "2024-03-01"
	require.NoError(t, ta.exec("version"))
	assert.Contains(t, ta.out.String(), "Version: 1.2.3")
}

func TestPassphrase_PromptsWithoutEnv(t *testing.T) {
	ta := newTestApp(t)
	ta.getenv = func(string) string { return "" }

	// stdin is /dev/null, so the prompt reads EOF
	_, err := ta.passphrase(false)
	assert.Error(t, err)
}
