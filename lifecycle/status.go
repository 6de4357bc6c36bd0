package lifecycle

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/5day4cast/coordinator/compdb"
)

// Canonical state names, used in logs, API projections and the Failed
// state's previous-state bookkeeping.
const (
	StateCreated            = "created"
	StateCollectingEntries  = "collecting_entries"
	StateAwaitingEscrow     = "awaiting_escrow"
	StateEscrowConfirmed    = "escrow_confirmed"
	StateEventCreated       = "event_created"
	StateEntriesSubmitted   = "entries_submitted"
	StateContractCreated    = "contract_created"
	StateAwaitingSignatures = "awaiting_signatures"
	StateSigningComplete    = "signing_complete"
	StateFundingBroadcasted = "funding_broadcasted"
	StateFundingConfirmed   = "funding_confirmed"
	StateFundingSettled     = "funding_settled"
	StateAwaitingAttestation = "awaiting_attestation"
	StateAttested           = "attested"
	StateOutcomeBroadcasted = "outcome_broadcasted"
	StateDeltaBroadcasted   = "delta_broadcasted"
	StateExpiryBroadcasted  = "expiry_broadcasted"
	StateCompleted          = "completed"
	StateFailed             = "failed"
	StateCancelled          = "cancelled"
)

// Status is the dynamic wrapper over the concrete phase types, used
// wherever the phase isn't statically known: rehydration from the store,
// the engine's tick loop and API projections. Concrete transitions still
// require a type switch down to the phase type, so no caller can invoke a
// transition its phase doesn't expose.
type Status interface {
	// Competition returns the underlying competition data.
	Competition() *compdb.Competition

	// StateName returns the canonical name of the phase.
	StateName() string

	// IsTerminal reports whether no further transitions are possible.
	IsTerminal() bool

	// IsImmediateTransition reports whether the engine should advance
	// again within the same tick rather than wait for external input.
	IsImmediateTransition() bool
}

// CompetitionID returns the competition's ID regardless of phase.
func CompetitionID(s Status) uuid.UUID {
	return s.Competition().ID
}

// StateName implementations.

// StateName returns the canonical phase name.
func (s *Created) StateName() string { return StateCreated }

// StateName returns the canonical phase name.
func (s *CollectingEntries) StateName() string { return StateCollectingEntries }

// StateName returns the canonical phase name.
func (s *AwaitingEscrow) StateName() string { return StateAwaitingEscrow }

// StateName returns the canonical phase name.
func (s *EscrowConfirmed) StateName() string { return StateEscrowConfirmed }

// StateName returns the canonical phase name.
func (s *EventCreated) StateName() string { return StateEventCreated }

// StateName returns the canonical phase name.
func (s *EntriesSubmitted) StateName() string { return StateEntriesSubmitted }

// StateName returns the canonical phase name.
func (s *ContractCreated) StateName() string { return StateContractCreated }

// StateName returns the canonical phase name.
func (s *AwaitingSignatures) StateName() string { return StateAwaitingSignatures }

// StateName returns the canonical phase name.
func (s *SigningComplete) StateName() string { return StateSigningComplete }

// StateName returns the canonical phase name.
func (s *FundingBroadcasted) StateName() string { return StateFundingBroadcasted }

// StateName returns the canonical phase name.
func (s *FundingConfirmed) StateName() string { return StateFundingConfirmed }

// StateName returns the canonical phase name.
func (s *FundingSettled) StateName() string { return StateFundingSettled }

// StateName returns the canonical phase name.
func (s *AwaitingAttestation) StateName() string { return StateAwaitingAttestation }

// StateName returns the canonical phase name.
func (s *Attested) StateName() string { return StateAttested }

// StateName returns the canonical phase name.
func (s *OutcomeBroadcasted) StateName() string { return StateOutcomeBroadcasted }

// StateName returns the canonical phase name.
func (s *DeltaBroadcasted) StateName() string { return StateDeltaBroadcasted }

// StateName returns the canonical phase name.
func (s *ExpiryBroadcasted) StateName() string { return StateExpiryBroadcasted }

// StateName returns the canonical phase name.
func (s *Completed) StateName() string { return StateCompleted }

// StateName returns the canonical phase name.
func (s *Failed) StateName() string { return StateFailed }

// StateName returns the canonical phase name.
func (s *Cancelled) StateName() string { return StateCancelled }

// IsTerminal reports whether the phase permits further transitions.
func (b baseState) IsTerminal() bool { return false }

// IsTerminal reports that Completed is terminal.
func (s *Completed) IsTerminal() bool { return true }

// IsTerminal reports that Failed is terminal.
func (s *Failed) IsTerminal() bool { return true }

// IsTerminal reports that Cancelled is terminal.
func (s *Cancelled) IsTerminal() bool { return true }

// IsImmediateTransition defaults to false: most phases block on external
// input (payments, confirmations, attestations).
func (b baseState) IsImmediateTransition() bool { return false }

// IsImmediateTransition marks the pass-through phases whose next action is
// synchronous and deterministic from persisted data.
func (s *EscrowConfirmed) IsImmediateTransition() bool { return true }

// IsImmediateTransition marks EventCreated pass-through.
func (s *EventCreated) IsImmediateTransition() bool { return true }

// IsImmediateTransition marks EntriesSubmitted pass-through.
func (s *EntriesSubmitted) IsImmediateTransition() bool { return true }

// IsImmediateTransition marks SigningComplete pass-through.
func (s *SigningComplete) IsImmediateTransition() bool { return true }

// IsImmediateTransition marks FundingConfirmed pass-through.
func (s *FundingConfirmed) IsImmediateTransition() bool { return true }

// IsImmediateTransition marks FundingSettled pass-through.
func (s *FundingSettled) IsImmediateTransition() bool { return true }

// Fail transitions any state to Failed, recording the error on the
// competition's append-only error list and stamping the failure timestamp.
// The source state's data is never mutated beyond the terminal marker.
func Fail(s Status, failErr error, now time.Time) *Failed {
	comp := s.Competition()
	comp.FailedAt = &now
	comp.Errors = append(comp.Errors, fmt.Sprintf("%s: %v", s.StateName(),
		failErr))

	log.Errorf("Competition %v failed in state %v: %v", comp.ID,
		s.StateName(), failErr)

	return &Failed{
		baseState:     baseState{comp: comp},
		Err:           failErr,
		PreviousState: s.StateName(),
	}
}

// Cancel transitions any state to Cancelled.
func Cancel(s Status, reason string, now time.Time) *Cancelled {
	comp := s.Competition()
	comp.CancelledAt = &now

	log.Infof("Competition %v cancelled in state %v: %v", comp.ID,
		s.StateName(), reason)

	return &Cancelled{
		baseState:     baseState{comp: comp},
		Reason:        reason,
		PreviousState: s.StateName(),
	}
}

// StatusFromCompetition rehydrates the dynamic wrapper from a persisted
// competition. The mapping is pure: timestamps (and presence of derived
// artifacts) in, state out. The furthest-along phase with a marker wins.
func StatusFromCompetition(comp *compdb.Competition) Status {
	base := baseState{comp: comp}

	switch {
	case comp.CancelledAt != nil:
		return &Cancelled{
			baseState: base,
			Reason:    "loaded from store",
		}

	case comp.FailedAt != nil:
		var failErr error = ErrInvalidStateTransition
		if len(comp.Errors) > 0 {
			failErr = fmt.Errorf("%s", comp.Errors[len(comp.Errors)-1])
		}
		return &Failed{baseState: base, Err: failErr}

	case comp.CompletedAt != nil:
		return &Completed{base}

	case comp.DeltaBroadcastedAt != nil:
		return &DeltaBroadcasted{base}

	case comp.ExpiryBroadcastedAt != nil:
		return &ExpiryBroadcasted{base}

	case comp.OutcomeBroadcastedAt != nil:
		return &OutcomeBroadcasted{base}

	case comp.AttestedAt != nil || len(comp.Attestation) > 0:
		return &Attested{base}

	case comp.FundingSettledAt != nil:
		return &FundingSettled{base}

	case comp.FundingConfirmedAt != nil:
		return &FundingConfirmed{base}

	case comp.FundingBroadcastedAt != nil:
		return &FundingBroadcasted{base}

	case comp.SignedAt != nil:
		return &SigningComplete{base}

	case comp.ContractedAt != nil && len(comp.PublicNonces) > 0:
		return &AwaitingSignatures{base}

	case comp.ContractedAt != nil:
		return &ContractCreated{base}

	case comp.EntriesSubmittedAt != nil:
		return &EntriesSubmitted{base}

	case comp.EventCreatedAt != nil:
		return &EventCreated{base}

	case comp.EscrowConfirmedAt != nil:
		return &EscrowConfirmed{base}

	case comp.HasFullEntries() && comp.HasAllEntriesPaid():
		return &AwaitingEscrow{base}

	case comp.TotalEntries > 0:
		return &CollectingEntries{base}

	default:
		return &Created{base}
	}
}
