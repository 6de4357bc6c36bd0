// Package lifecycle implements the competition state machine: one concrete
// type per phase, each exposing only the transitions its invariants allow.
// Transitions consume the current state and return the next, stamping the
// matching lifecycle timestamp on the underlying competition as they go.
// The dynamic Status wrapper (status.go) carries a state of unknown phase,
// and the Engine (engine.go) drives competitions through their phases
// against the external facades.
package lifecycle

import (
	"time"

	"github.com/btcsuite/btcd/wire"

	"github.com/5day4cast/coordinator/compdb"
	"github.com/5day4cast/coordinator/oracle"
)

// baseState carries the competition data every phase shares.
type baseState struct {
	comp *compdb.Competition
}

// Competition returns the underlying competition.
func (b baseState) Competition() *compdb.Competition {
	return b.comp
}

// Created is the initial phase: the competition exists and is waiting for
// its first entry.
type Created struct {
	baseState
}

// NewCreated wraps a freshly persisted competition.
func NewCreated(comp *compdb.Competition) *Created {
	return &Created{baseState{comp: comp}}
}

// FirstEntryAdded transitions to CollectingEntries once the first entry
// lands. The entry itself is already persisted; the phase change is purely
// derived.
func (s *Created) FirstEntryAdded() *CollectingEntries {
	return &CollectingEntries{s.baseState}
}

// IsExpired reports whether the entry window closed before any entry
// arrived.
func (s *Created) IsExpired(now time.Time) bool {
	return !now.Before(s.comp.Params.StartObservation)
}

// CollectingEntries is the phase where tickets are sold and entries
// collected until every slot is filled and paid.
type CollectingEntries struct {
	baseState
}

// AllEntriesCollected transitions to AwaitingEscrow once every slot is
// filled and every ticket paid. While underfilled it returns
// ErrNotAllEntriesPaid and the receiver remains the current state.
func (s *CollectingEntries) AllEntriesCollected() (*AwaitingEscrow, error) {
	if !s.comp.HasFullEntries() || !s.comp.HasAllEntriesPaid() {
		return nil, ErrNotAllEntriesPaid
	}

	return &AwaitingEscrow{s.baseState}, nil
}

// IsExpired reports whether the entry window closed before the competition
// filled.
func (s *CollectingEntries) IsExpired(now time.Time) bool {
	return !now.Before(s.comp.Params.StartObservation)
}

// AwaitingEscrow is the phase where all entries are paid and the escrow
// transactions are working toward their confirmation depth.
type AwaitingEscrow struct {
	baseState
}

// EscrowConfirmed transitions once every escrow output reached the
// required depth, stamping the phase timestamp.
func (s *AwaitingEscrow) EscrowConfirmed(now time.Time) *EscrowConfirmed {
	s.comp.EscrowConfirmedAt = &now
	return &EscrowConfirmed{s.baseState}
}

// EscrowConfirmed is a pass-through phase: the engine immediately creates
// the oracle event.
type EscrowConfirmed struct {
	baseState
}

// EventCreated stores the oracle's announcement and advances.
func (s *EscrowConfirmed) EventCreated(event *oracle.Event,
	now time.Time) (*EventCreated, error) {

	if event == nil || event.Announcement.Nonce == "" {
		return nil, &MissingDataError{Field: "event_announcement"}
	}
	if event.ID != s.comp.ID {
		return nil, &VerificationError{
			Msg: "oracle event id does not match competition",
		}
	}

	announcement := event.Announcement
	s.comp.EventAnnouncement = &announcement
	s.comp.EventCreatedAt = &now

	return &EventCreated{s.baseState}, nil
}

// EventCreated is a pass-through phase: the engine immediately submits the
// collected entries to the oracle.
type EventCreated struct {
	baseState
}

// EntriesSubmitted stamps the submission timestamp and advances.
func (s *EventCreated) EntriesSubmitted(now time.Time) *EntriesSubmitted {
	s.comp.EntriesSubmittedAt = &now
	return &EntriesSubmitted{s.baseState}
}

// EntriesSubmitted is a pass-through phase: the engine immediately builds
// the DLC contract and funding PSBT.
type EntriesSubmitted struct {
	baseState
}

// ContractCreated stores the contract artifacts and advances.
func (s *EntriesSubmitted) ContractCreated(contractParams []byte,
	fundingOutpoint *wire.OutPoint, fundingPSBTBase64 string,
	now time.Time) (*ContractCreated, error) {

	if len(contractParams) == 0 {
		return nil, &MissingDataError{Field: "contract_parameters"}
	}
	if fundingOutpoint == nil {
		return nil, &MissingDataError{Field: "funding_outpoint"}
	}
	if fundingPSBTBase64 == "" {
		return nil, &MissingDataError{Field: "funding_psbt"}
	}

	s.comp.ContractParameters = contractParams
	s.comp.FundingOutpoint = fundingOutpoint
	s.comp.FundingPSBTBase64 = fundingPSBTBase64
	s.comp.ContractedAt = &now

	return &ContractCreated{s.baseState}, nil
}

// ContractCreated is the phase where contract parameters exist and the
// coordinator's public nonces are pending.
type ContractCreated struct {
	baseState
}

// NoncesGenerated stores the aggregated public nonces and advances to
// AwaitingSignatures.
func (s *ContractCreated) NoncesGenerated(
	publicNonces []byte) (*AwaitingSignatures, error) {

	if len(publicNonces) == 0 {
		return nil, &MissingDataError{Field: "public_nonces"}
	}

	s.comp.PublicNonces = publicNonces
	return &AwaitingSignatures{s.baseState}, nil
}

// AwaitingSignatures is the phase where the signing service runs the
// MuSig2 ceremony across all participants.
type AwaitingSignatures struct {
	baseState
}

// SigningComplete stores the fully signed contract and advances.
func (s *AwaitingSignatures) SigningComplete(signedContract []byte,
	now time.Time) (*SigningComplete, error) {

	if len(signedContract) == 0 {
		return nil, &MissingDataError{Field: "signed_contract"}
	}

	s.comp.SignedContract = signedContract
	s.comp.SignedAt = &now

	return &SigningComplete{s.baseState}, nil
}

// IsExpired reports whether the signing deadline has passed.
func (s *AwaitingSignatures) IsExpired(now time.Time) bool {
	return now.After(s.comp.Params.SigningDeadline)
}

// SigningComplete is a pass-through phase: the engine immediately signs
// and broadcasts the funding transaction.
type SigningComplete struct {
	baseState
}

// FundingBroadcasted records the broadcast funding transaction. A funding
// broadcast without contract parameters and a signed contract would break
// funds safety, so both are re-checked here.
func (s *SigningComplete) FundingBroadcasted(tx *wire.MsgTx,
	now time.Time) (*FundingBroadcasted, error) {

	if len(s.comp.ContractParameters) == 0 {
		return nil, &MissingDataError{Field: "contract_parameters"}
	}
	if len(s.comp.SignedContract) == 0 {
		return nil, &MissingDataError{Field: "signed_contract"}
	}
	if tx == nil {
		return nil, &MissingDataError{Field: "funding_transaction"}
	}

	s.comp.FundingTransaction = tx
	s.comp.FundingBroadcastedAt = &now

	return &FundingBroadcasted{s.baseState}, nil
}

// FundingBroadcasted is the phase where the funding transaction is working
// toward its confirmation depth.
type FundingBroadcasted struct {
	baseState
}

// FundingConfirmed stamps the confirmation timestamp and advances.
func (s *FundingBroadcasted) FundingConfirmed(
	now time.Time) *FundingConfirmed {

	s.comp.FundingConfirmedAt = &now
	return &FundingConfirmed{s.baseState}
}

// FundingConfirmed is a pass-through phase: the engine immediately settles
// any HODL invoices still held in-flight.
type FundingConfirmed struct {
	baseState
}

// FundingSettled stamps the settlement timestamp and advances.
func (s *FundingConfirmed) FundingSettled(now time.Time) *FundingSettled {
	s.comp.FundingSettledAt = &now
	return &FundingSettled{s.baseState}
}

// FundingSettled is a pass-through phase leading into the attestation
// wait.
type FundingSettled struct {
	baseState
}

// AwaitAttestation advances into the attestation wait. The transition is
// pure: no timestamp exists for the waiting phase itself.
func (s *FundingSettled) AwaitAttestation() *AwaitingAttestation {
	return &AwaitingAttestation{s.baseState}
}

// AwaitingAttestation is the phase where the coordinator polls the oracle
// for an attestation until one appears or the event expires.
type AwaitingAttestation struct {
	baseState
}

// Attested stores the oracle's attestation scalar and advances.
func (s *AwaitingAttestation) Attested(attestation []byte,
	now time.Time) (*Attested, error) {

	if len(attestation) == 0 {
		return nil, &MissingDataError{Field: "attestation"}
	}
	if s.comp.FundingConfirmedAt == nil {
		return nil, &VerificationError{
			Msg: "attestation before funding confirmation",
		}
	}

	s.comp.Attestation = attestation
	s.comp.AttestedAt = &now

	return &Attested{s.baseState}, nil
}

// Expired takes the refund path after the oracle's event expiry passed
// without an attestation.
func (s *AwaitingAttestation) Expired(now time.Time) *ExpiryBroadcasted {
	s.comp.ExpiryBroadcastedAt = &now
	return &ExpiryBroadcasted{s.baseState}
}

// IsExpired compares the blockchain-time notion of now against the
// oracle's declared event expiry.
func (s *AwaitingAttestation) IsExpired(blockchainTime int64) bool {
	if s.comp.EventAnnouncement == nil {
		return false
	}
	expiry := s.comp.EventAnnouncement.Expiry
	if expiry == nil {
		return false
	}
	return blockchainTime > int64(*expiry)
}

// Attested is the phase where the attestation is in hand and the outcome
// transaction can be published.
type Attested struct {
	baseState
}

// OutcomeBroadcasted records the broadcast outcome transaction and
// advances.
func (s *Attested) OutcomeBroadcasted(tx *wire.MsgTx,
	now time.Time) (*OutcomeBroadcasted, error) {

	if tx == nil {
		return nil, &MissingDataError{Field: "outcome_transaction"}
	}

	s.comp.OutcomeTransaction = tx
	s.comp.OutcomeBroadcastedAt = &now

	return &OutcomeBroadcasted{s.baseState}, nil
}

// OutcomeBroadcasted is the phase where the outcome transaction is on the
// network and the delta spends wait out their relative timelock.
type OutcomeBroadcasted struct {
	baseState
}

// DeltaBroadcasted stamps the delta timestamp and advances.
func (s *OutcomeBroadcasted) DeltaBroadcasted(
	now time.Time) *DeltaBroadcasted {

	s.comp.DeltaBroadcastedAt = &now
	return &DeltaBroadcasted{s.baseState}
}

// DeltaBroadcasted is the phase where the split transactions are out and
// only completion bookkeeping remains.
type DeltaBroadcasted struct {
	baseState
}

// Completed finishes the competition.
func (s *DeltaBroadcasted) Completed(now time.Time) *Completed {
	s.comp.CompletedAt = &now
	return &Completed{s.baseState}
}

// ExpiryBroadcasted is the refund phase: the expiry transaction is out and
// participants reclaim their collateral.
type ExpiryBroadcasted struct {
	baseState
}

// Completed finishes the competition down the refund path.
func (s *ExpiryBroadcasted) Completed(now time.Time) *Completed {
	s.comp.CompletedAt = &now
	return &Completed{s.baseState}
}

// Completed is the successful terminal phase.
type Completed struct {
	baseState
}

// Failed is the terminal phase for unrecoverable errors.
type Failed struct {
	baseState

	// Err is the error that killed the competition.
	Err error

	// PreviousState names the phase the competition failed out of.
	PreviousState string
}

// Cancelled is the terminal phase for abandoned competitions.
type Cancelled struct {
	baseState

	// Reason describes why the competition was cancelled.
	Reason string

	// PreviousState names the phase the competition was cancelled from.
	PreviousState string
}
