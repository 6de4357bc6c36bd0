// Package keymeld is the facade for the external MuSig2 signing service.
// The coordinator never touches MuSig2 algebra itself: it initializes a
// keygen session per competition, registers the participants, waits for the
// ceremony to complete, and finally asks the service to batch-sign the DLC.
// Nonces, partial signatures and the signed contract are opaque byte blobs
// end to end.
package keymeld

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	// ErrDisabled is returned by every operation when the keymeld
	// integration is turned off in the configuration.
	ErrDisabled = errors.New("keymeld integration is disabled")

	// ErrSessionNotFound is returned when the service has no session
	// with the requested ID.
	ErrSessionNotFound = errors.New("keymeld session not found")

	// ErrTimeout is returned when a session did not complete within the
	// configured deadline.
	ErrTimeout = errors.New("keymeld session timed out")
)

// sessionNamespace is the UUIDv5 namespace for deriving session IDs from
// competition IDs. Deterministic derivation keeps session IDs stable across
// coordinator restarts, so a rehydrated competition resumes the same
// ceremony instead of opening a duplicate.
var sessionNamespace = uuid.MustParse(
	"8f3c1f84-94c5-4be1-9d4e-5a95a3a55a01",
)

// SessionID derives the stable keygen session ID for a competition.
func SessionID(competitionID uuid.UUID) uuid.UUID {
	return uuid.NewSHA1(sessionNamespace, competitionID[:])
}

// SessionStatus enumerates the observable states of a keygen session.
type SessionStatus string

const (
	// SessionPending means the session exists but not all participants
	// have joined.
	SessionPending SessionStatus = "pending"

	// SessionComplete means key generation finished and the aggregated
	// key is available.
	SessionComplete SessionStatus = "complete"

	// SessionFailed means the ceremony failed and must be restarted.
	SessionFailed SessionStatus = "failed"
)

// KeygenSession is the service's view of a keygen ceremony.
type KeygenSession struct {
	ID     uuid.UUID     `json:"id"`
	Status SessionStatus `json:"status"`

	// AggregatedPubkey is the MuSig2 aggregate key, present once the
	// session completes. Opaque to the coordinator.
	AggregatedPubkey []byte `json:"aggregated_pubkey,omitempty"`

	// PublicNonces are the aggregated public nonces for the signing
	// round, opaque to the coordinator.
	PublicNonces []byte `json:"public_nonces,omitempty"`
}

// SignResult is the outcome of a batch signing request: the fully signed
// DLC contract, opaque to the coordinator.
type SignResult struct {
	SignedContract []byte `json:"signed_contract"`
}

// Keymeld is the signing-service facade. Implementations must be safe for
// concurrent use.
type Keymeld interface {
	// Enabled reports whether the integration is active. When false,
	// every other method returns ErrDisabled.
	Enabled() bool

	// InitKeygenSession opens (or resumes) the keygen session for a
	// competition with the expected number of participants.
	InitKeygenSession(ctx context.Context, competitionID uuid.UUID,
		numParticipants int) (*KeygenSession, error)

	// RegisterParticipant adds a participant pubkey to the session.
	RegisterParticipant(ctx context.Context, sessionID uuid.UUID,
		participantPubkey string) error

	// WaitForKeygen polls the session until it completes, fails, or the
	// configured keygen timeout elapses.
	WaitForKeygen(ctx context.Context,
		sessionID uuid.UUID) (*KeygenSession, error)

	// SignDLCBatch submits the contract parameters and attestation
	// locking data for batch signing and waits for the result within
	// the configured signing timeout.
	SignDLCBatch(ctx context.Context, sessionID uuid.UUID,
		contractParameters []byte) (*SignResult, error)
}
