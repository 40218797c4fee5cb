// Package models defines the core data structures for stored credentials,
// the persisted vault container and rotation journal events.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Well-known CredentialRecord keys used by the rotation workflow.
const (
	// KeyAPIToken holds the secret value of the current credential.
	KeyAPIToken = "apiToken"
	// KeyTokenID holds the provider-side identifier of the current credential.
	KeyTokenID = "tokenId"
	// KeyAccountID is the account the credential belongs to.
	KeyAccountID = "accountId"
	// KeyZoneID is the zone the credential is scoped to.
	KeyZoneID = "zoneId"
	// KeyRotatedAt is the RFC3339 timestamp of the last successful swap.
	KeyRotatedAt = "rotatedAt"
)

// CredentialRecord is an opaque set of string fields protected by the vault.
// The vault enforces no schema; callers decide which keys are present.
type CredentialRecord map[string]string

// Canonical returns the deterministic byte form of the record.
// encoding/json writes map keys in sorted order, so equal records always
// produce identical bytes.
func (r CredentialRecord) Canonical() ([]byte, error) {
	if r == nil {
		r = CredentialRecord{}
	}
	b, err := json.Marshal(map[string]string(r))
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}
	return b, nil
}

// ParseRecord decodes bytes produced by Canonical.
func ParseRecord(b []byte) (CredentialRecord, error) {
	var m map[string]string
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("unmarshal record: %w", err)
	}
	if m == nil {
		return nil, fmt.Errorf("unmarshal record: not an object")
	}
	return CredentialRecord(m), nil
}

// Clone returns an independent copy of the record.
func (r CredentialRecord) Clone() CredentialRecord {
	out := make(CredentialRecord, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Wipe removes every entry so the record no longer references its values.
func (r CredentialRecord) Wipe() {
	for k := range r {
		delete(r, k)
	}
}

// Credential is a single issued token as seen by the rotation workflow.
type Credential struct {
	// ID is the provider-side identifier, safe to log.
	ID string `json:"id"`
	// Value is the secret itself.
	Value string `json:"value"`
}

// String implements fmt.Stringer without exposing the secret value.
func (c Credential) String() string {
	if c.ID == "" {
		return "credential(<unknown id>)"
	}
	return "credential(" + c.ID + ")"
}

// KDFParams are the scrypt cost parameters recorded in a container.
type KDFParams struct {
	Algo string `json:"algo"`
	N    int    `json:"n"`
	R    int    `json:"r"`
	P    int    `json:"p"`
}

// Container is the persisted unit written by the vault store.
// All parameters needed to decrypt travel with the ciphertext; only the
// passphrase is external.
type Container struct {
	// Version is the container format version.
	Version int `json:"version"`
	// KDF describes how the key was derived from the passphrase.
	KDF KDFParams `json:"kdf"`
	// Salt is the random KDF salt, regenerated on every store.
	Salt []byte `json:"salt"`
	// IV is the AEAD nonce, regenerated on every store.
	IV []byte `json:"iv"`
	// AuthTag is the AEAD authentication tag.
	AuthTag []byte `json:"authTag"`
	// Ciphertext is the encrypted canonical CredentialRecord.
	Ciphertext []byte `json:"ciphertext"`
}

// RotationState names a step of the credential rotation state machine.
type RotationState string

const (
	// StateIdle is the state before any work is done.
	StateIdle RotationState = "idle"
	// StateIssuing requests a new credential from the issuer.
	StateIssuing RotationState = "issuing"
	// StateVerifying checks that the new credential works.
	StateVerifying RotationState = "verifying"
	// StateSwapping stores the new credential in the vault.
	StateSwapping RotationState = "swapping"
	// StateRevoking revokes the old credential.
	StateRevoking RotationState = "revoking"
	// StateDone is terminal success.
	StateDone RotationState = "done"
	// StateFailed is terminal failure.
	StateFailed RotationState = "failed"
)

// RotationEvent is one journaled transition of a rotation.
// It never carries secret values.
type RotationEvent struct {
	// RotationID groups the events of one rotation attempt.
	RotationID string `json:"rotation_id"`
	// State is the state entered.
	State RotationState `json:"state"`
	// FailedAt is set on StateFailed events to the step that failed.
	FailedAt RotationState `json:"failed_at,omitempty"`
	// OldCredentialID identifies the credential being replaced.
	OldCredentialID string `json:"old_credential_id"`
	// NewCredentialID identifies the replacement, once issued.
	NewCredentialID string `json:"new_credential_id,omitempty"`
	// Error is the failure message, if any.
	Error string `json:"error,omitempty"`
	// Orphaned is set on StateFailed events when a credential the rotation
	// replaced or issued could not be revoked and may still be valid.
	Orphaned bool `json:"orphaned,omitempty"`
	// CreatedAt is when the transition happened.
	CreatedAt time.Time `json:"created_at"`
}
