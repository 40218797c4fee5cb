// Package service provides the credential rotation workflow, delegating
// storage to a VaultStore and token lifecycle calls to an Issuer.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/atinyakov/cfvault/internal/metrics"
	"github.com/atinyakov/cfvault/internal/models"
)

// VaultStore defines the vault operations required by the rotation service.
type VaultStore interface {
	// Load decrypts and returns the current record.
	Load(passphrase []byte) (models.CredentialRecord, error)
	// Store atomically replaces the stored record.
	Store(record models.CredentialRecord, passphrase []byte) error
}

// Issuer is the cloud-provider integration that mints, checks and revokes
// credentials. Each call is expected to enforce its own timeout.
type Issuer interface {
	// Issue mints a new credential with the given scope.
	Issue(ctx context.Context, scope map[string]string) (models.Credential, error)
	// Verify performs a cheap authenticated call with cred.
	Verify(ctx context.Context, cred models.Credential) error
	// Revoke invalidates cred.
	Revoke(ctx context.Context, cred models.Credential) error
}

// Journal persists rotation transitions so an operator can find
// credentials that were replaced but never revoked.
type Journal interface {
	Record(ctx context.Context, ev models.RotationEvent) error
}

type nopJournal struct{}

func (nopJournal) Record(context.Context, models.RotationEvent) error { return nil }

var (
	// ErrRotationFailed matches every error returned by Rotate.
	ErrRotationFailed = errors.New("rotation failed")
	// ErrRevokeFailed means the new credential is stored but the old one
	// is still valid.
	ErrRevokeFailed = errors.New("old credential not revoked")
	// ErrNoCurrentCredential means the vault record has no apiToken.
	ErrNoCurrentCredential = errors.New("vault holds no current credential")
	// ErrEmptyCredential means the issuer returned a credential without a value.
	ErrEmptyCredential = errors.New("issuer returned an empty credential")
	// ErrUnusedNotRevoked means a rotation failed after issuing and the new
	// credential it will not use is still valid.
	ErrUnusedNotRevoked = errors.New("unused new credential not revoked")
)

// RotationError reports the state in which a rotation stopped.
type RotationError struct {
	// FailedAt is the state whose work failed.
	FailedAt models.RotationState
	// Err is the cause.
	Err error
}

func (e *RotationError) Error() string {
	return fmt.Sprintf("rotation failed at %s: %v", e.FailedAt, e.Err)
}

// Unwrap exposes both ErrRotationFailed and the cause to errors.Is.
func (e *RotationError) Unwrap() []error {
	return []error{ErrRotationFailed, e.Err}
}

// RotationResult describes how far a rotation got.
type RotationResult struct {
	// ID identifies the attempt in logs and the journal.
	ID string
	// State is StateDone or StateFailed once Rotate returns.
	State models.RotationState
	// FailedAt is the state whose work failed, empty on success.
	FailedAt models.RotationState
	// Swapped is true once the vault holds the new credential.
	Swapped bool
	// Orphaned is true when a credential that is no longer stored, old or
	// unused new, could not be revoked.
	Orphaned bool
	// OldCredentialID identifies the replaced credential.
	OldCredentialID string
	// NewCredentialID identifies the issued credential.
	NewCredentialID string
}

// RotationService runs the rotation state machine
// idle -> issuing -> verifying -> swapping -> revoking -> done.
type RotationService struct {
	store   VaultStore
	issuer  Issuer
	journal Journal
	log     *zap.Logger
	metrics *metrics.Metrics

	now   func() time.Time
	newID func() string

	revokeRetries  uint64
	revokeInterval time.Duration
}

// RotationOption configures a RotationService.
type RotationOption func(*RotationService)

// WithJournal records every transition in j.
func WithJournal(j Journal) RotationOption {
	return func(s *RotationService) {
		if j != nil {
			s.journal = j
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) RotationOption {
	return func(s *RotationService) {
		if l != nil {
			s.log = l
		}
	}
}

// WithMetrics records rotation outcomes in m.
func WithMetrics(m *metrics.Metrics) RotationOption {
	return func(s *RotationService) { s.metrics = m }
}

// WithClock overrides the time source used for rotatedAt and journal rows.
func WithClock(now func() time.Time) RotationOption {
	return func(s *RotationService) { s.now = now }
}

// WithRevokeRetries sets how many times a failed revoke of the old
// credential is retried and the first backoff interval.
func WithRevokeRetries(retries uint64, initial time.Duration) RotationOption {
	return func(s *RotationService) {
		s.revokeRetries = retries
		s.revokeInterval = initial
	}
}

// NewRotationService constructs a RotationService.
func NewRotationService(store VaultStore, issuer Issuer, opts ...RotationOption) *RotationService {
	s := &RotationService{
		store:          store,
		issuer:         issuer,
		journal:        nopJournal{},
		log:            zap.NewNop(),
		now:            time.Now,
		newID:          uuid.NewString,
		revokeRetries:  2,
		revokeInterval: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Scope returns the fields of rec that describe what a credential may
// access, i.e. everything but the secret, its id and the rotation stamp.
func Scope(rec models.CredentialRecord) map[string]string {
	scope := make(map[string]string, len(rec))
	for k, v := range rec {
		switch k {
		case models.KeyAPIToken, models.KeyTokenID, models.KeyRotatedAt:
			continue
		}
		scope[k] = v
	}
	return scope
}

// Rotate replaces the credential in the vault with a freshly issued one.
//
// The new credential is stored only after it verifies, and the old one is
// revoked only after the store succeeded. A failed revoke is reported as a
// RotationError at StateRevoking with res.Swapped set: the vault already
// holds the working new credential and is never rolled back.
func (s *RotationService) Rotate(ctx context.Context, passphrase []byte) (res *RotationResult, err error) {
	res = &RotationResult{ID: s.newID(), State: models.StateIdle}
	log := s.log.With(zap.String("rotation_id", res.ID))
	defer func() { s.metrics.ObserveRotation(err) }()

	current, err := s.store.Load(passphrase)
	if err != nil {
		return res, s.fail(ctx, log, res, models.StateIdle, fmt.Errorf("load current credential: %w", err))
	}
	defer current.Wipe()

	old := models.Credential{ID: current[models.KeyTokenID], Value: current[models.KeyAPIToken]}
	if old.Value == "" {
		return res, s.fail(ctx, log, res, models.StateIdle, ErrNoCurrentCredential)
	}
	res.OldCredentialID = old.ID
	if err := ctx.Err(); err != nil {
		return res, s.fail(ctx, log, res, models.StateIdle, err)
	}

	s.enter(ctx, log, res, models.StateIssuing)
	fresh, err := s.issuer.Issue(ctx, Scope(current))
	if err != nil {
		return res, s.fail(ctx, log, res, models.StateIssuing, fmt.Errorf("issue credential: %w", err))
	}
	if fresh.Value == "" {
		return res, s.fail(ctx, log, res, models.StateIssuing, ErrEmptyCredential)
	}
	res.NewCredentialID = fresh.ID

	s.enter(ctx, log, res, models.StateVerifying)
	if err := s.issuer.Verify(ctx, fresh); err != nil {
		cause := s.discard(ctx, log, res, fresh, fmt.Errorf("verify credential: %w", err))
		return res, s.fail(ctx, log, res, models.StateVerifying, cause)
	}

	s.enter(ctx, log, res, models.StateSwapping)
	next := current.Clone()
	next[models.KeyAPIToken] = fresh.Value
	if fresh.ID != "" {
		next[models.KeyTokenID] = fresh.ID
	} else {
		delete(next, models.KeyTokenID)
	}
	next[models.KeyRotatedAt] = s.now().UTC().Format(time.RFC3339)
	err = s.store.Store(next, passphrase)
	next.Wipe()
	if err != nil {
		cause := s.discard(ctx, log, res, fresh, fmt.Errorf("store new credential: %w", err))
		return res, s.fail(ctx, log, res, models.StateSwapping, cause)
	}
	res.Swapped = true

	s.enter(ctx, log, res, models.StateRevoking)
	if err := s.revoke(ctx, log, old); err != nil {
		log.Error("old credential is still valid and must be revoked manually",
			zap.String("old_credential_id", old.ID),
			zap.Error(err),
		)
		res.Orphaned = true
		return res, s.fail(ctx, log, res, models.StateRevoking, fmt.Errorf("%w: %w", ErrRevokeFailed, err))
	}

	s.enter(ctx, log, res, models.StateDone)
	return res, nil
}

func (s *RotationService) enter(ctx context.Context, log *zap.Logger, res *RotationResult, state models.RotationState) {
	res.State = state
	s.metrics.ObserveTransition(string(state))
	log.Info("rotation state changed",
		zap.String("state", string(state)),
		zap.String("old_credential_id", res.OldCredentialID),
		zap.String("new_credential_id", res.NewCredentialID),
	)
	s.record(ctx, log, models.RotationEvent{
		RotationID:      res.ID,
		State:           state,
		OldCredentialID: res.OldCredentialID,
		NewCredentialID: res.NewCredentialID,
		CreatedAt:       s.now().UTC(),
	})
}

func (s *RotationService) fail(ctx context.Context, log *zap.Logger, res *RotationResult, at models.RotationState, cause error) error {
	res.State = models.StateFailed
	res.FailedAt = at
	s.metrics.ObserveTransition(string(models.StateFailed))
	log.Warn("rotation state changed",
		zap.String("state", string(models.StateFailed)),
		zap.String("failed_at", string(at)),
		zap.Bool("swapped", res.Swapped),
		zap.Bool("orphaned", res.Orphaned),
		zap.Error(cause),
	)
	s.record(ctx, log, models.RotationEvent{
		RotationID:      res.ID,
		State:           models.StateFailed,
		FailedAt:        at,
		OldCredentialID: res.OldCredentialID,
		NewCredentialID: res.NewCredentialID,
		Error:           cause.Error(),
		Orphaned:        res.Orphaned,
		CreatedAt:       s.now().UTC(),
	})
	return &RotationError{FailedAt: at, Err: cause}
}

// record journals ev. The journal is an audit aid; its failures never
// change the outcome of a rotation.
func (s *RotationService) record(ctx context.Context, log *zap.Logger, ev models.RotationEvent) {
	// Journal writes must survive a cancelled rotation context.
	jctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.journal.Record(jctx, ev); err != nil {
		log.Warn("failed to journal rotation event", zap.String("state", string(ev.State)), zap.Error(err))
	}
}

// discard makes one attempt to revoke a credential that will not be used
// and returns cause, extended with the revoke failure if there was one.
func (s *RotationService) discard(ctx context.Context, log *zap.Logger, res *RotationResult, cred models.Credential, cause error) error {
	err := s.issuer.Revoke(ctx, cred)
	if err == nil {
		return cause
	}
	log.Error("unused new credential is still valid and must be revoked manually",
		zap.String("new_credential_id", cred.ID),
		zap.Error(err),
	)
	res.Orphaned = true
	return fmt.Errorf("%w; %w: %w", cause, ErrUnusedNotRevoked, err)
}

func (s *RotationService) revoke(ctx context.Context, log *zap.Logger, cred models.Credential) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = s.revokeInterval
	eb.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(eb, s.revokeRetries), ctx)

	return backoff.RetryNotify(func() error {
		return s.issuer.Revoke(ctx, cred)
	}, b, func(err error, next time.Duration) {
		log.Warn("revoke failed, retrying",
			zap.String("old_credential_id", cred.ID),
			zap.Duration("backoff", next),
			zap.Error(err),
		)
	})
}
