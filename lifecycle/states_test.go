package lifecycle

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/5day4cast/coordinator/compdb"
	"github.com/5day4cast/coordinator/ids"
	"github.com/5day4cast/coordinator/oracle"
)

// testCompetition builds an in-memory competition without touching the
// store.
func testCompetition(t *testing.T) *compdb.Competition {
	t.Helper()

	now := time.Now().UTC()
	return &compdb.Competition{
		ID:        ids.MustNew(),
		CreatedAt: now,
		Params: compdb.CompetitionParams{
			SigningDeadline:       now.Add(time.Hour),
			StartObservation:      now.Add(2 * time.Hour),
			EndObservation:        now.Add(26 * time.Hour),
			Locations:             []string{"KSEA"},
			ValuesPerEntry:        1,
			TotalAllowedEntries:   2,
			EntryFee:              btcutil.Amount(5000),
			TotalCompetitionPool:  btcutil.Amount(10000),
			NumberOfPlacesWin:     1,
			CoordinatorFeePercent: 5,
		},
		Errors: []string{},
	}
}

func testOutpoint(t *testing.T) *wire.OutPoint {
	t.Helper()

	hash, err := chainhash.NewHashFromStr(
		"000000000019d6689c085ae165831e934ff763ae46a2a6c172b3f1b60a8ce26f",
	)
	require.NoError(t, err)
	return wire.NewOutPoint(hash, 0)
}

// TestCollectingEntriesUnderfilled asserts AllEntriesCollected refuses to
// advance an underfilled competition and leaves its state untouched.
func TestCollectingEntriesUnderfilled(t *testing.T) {
	t.Parallel()

	comp := testCompetition(t)
	comp.TotalEntries = 1

	state := &CollectingEntries{baseState{comp: comp}}
	next, err := state.AllEntriesCollected()
	require.ErrorIs(t, err, ErrNotAllEntriesPaid)
	require.Nil(t, next)

	// Nothing about the competition changed.
	require.Nil(t, comp.EscrowConfirmedAt)
	require.Equal(t, 1, comp.TotalEntries)

	// Once full and paid, the transition goes through.
	comp.TotalEntries = 2
	comp.PaidEntries = 2
	next, err = state.AllEntriesCollected()
	require.NoError(t, err)
	require.Equal(t, StateAwaitingEscrow, next.StateName())
}

// TestCanonicalPathStampsTimestamps drives the full happy path through the
// typestate API and asserts every phase timestamp lands in order.
func TestCanonicalPathStampsTimestamps(t *testing.T) {
	t.Parallel()

	comp := testCompetition(t)
	comp.TotalEntries = 2
	comp.PaidEntries = 2

	now := time.Now().UTC()
	tick := func() time.Time {
		now = now.Add(time.Second)
		return now
	}

	expiry := uint32(now.Add(24 * time.Hour).Unix())
	event := &oracle.Event{
		ID: comp.ID,
		Announcement: oracle.EventAnnouncement{
			Nonce:  "deadbeef",
			Expiry: &expiry,
		},
	}

	created := NewCreated(comp)
	collecting := created.FirstEntryAdded()

	awaitingEscrow, err := collecting.AllEntriesCollected()
	require.NoError(t, err)

	escrowConfirmed := awaitingEscrow.EscrowConfirmed(tick())
	eventCreated, err := escrowConfirmed.EventCreated(event, tick())
	require.NoError(t, err)

	entriesSubmitted := eventCreated.EntriesSubmitted(tick())
	contractCreated, err := entriesSubmitted.ContractCreated(
		[]byte(`{}`), testOutpoint(t), "cHNidP8=", tick(),
	)
	require.NoError(t, err)

	awaitingSigs, err := contractCreated.NoncesGenerated([]byte{0x01})
	require.NoError(t, err)

	signingComplete, err := awaitingSigs.SigningComplete(
		[]byte(`{"outcome_txs":[]}`), tick(),
	)
	require.NoError(t, err)

	fundingTx := wire.NewMsgTx(2)
	fundingBroadcasted, err := signingComplete.FundingBroadcasted(
		fundingTx, tick(),
	)
	require.NoError(t, err)

	fundingConfirmed := fundingBroadcasted.FundingConfirmed(tick())
	fundingSettled := fundingConfirmed.FundingSettled(tick())
	awaitingAttestation := fundingSettled.AwaitAttestation()

	attested, err := awaitingAttestation.Attested([]byte{0x05}, tick())
	require.NoError(t, err)

	outcomeTx := wire.NewMsgTx(2)
	outcomeBroadcasted, err := attested.OutcomeBroadcasted(
		outcomeTx, tick(),
	)
	require.NoError(t, err)

	deltaBroadcasted := outcomeBroadcasted.DeltaBroadcasted(tick())
	completed := deltaBroadcasted.Completed(tick())
	require.True(t, completed.IsTerminal())

	// Timestamps were stamped along the path, in order.
	stamps := []*time.Time{
		comp.EscrowConfirmedAt, comp.EventCreatedAt,
		comp.EntriesSubmittedAt, comp.ContractedAt, comp.SignedAt,
		comp.FundingBroadcastedAt, comp.FundingConfirmedAt,
		comp.FundingSettledAt, comp.AttestedAt,
		comp.OutcomeBroadcastedAt, comp.DeltaBroadcastedAt,
		comp.CompletedAt,
	}
	for i, stamp := range stamps {
		require.NotNil(t, stamp, "timestamp %d missing", i)
		if i > 0 {
			require.True(t, stamps[i-1].Before(*stamp),
				"timestamp %d out of order", i)
		}
	}
	require.Nil(t, comp.ExpiryBroadcastedAt)
	require.Nil(t, comp.FailedAt)
	require.Nil(t, comp.CancelledAt)
}

// TestTransitionRequiresData asserts MissingDataError for transitions whose
// target invariants can't hold.
func TestTransitionRequiresData(t *testing.T) {
	t.Parallel()

	comp := testCompetition(t)
	now := time.Now().UTC()

	escrowConfirmed := &EscrowConfirmed{baseState{comp: comp}}
	_, err := escrowConfirmed.EventCreated(nil, now)
	var missing *MissingDataError
	require.ErrorAs(t, err, &missing)

	// Funding broadcast without a signed contract is refused.
	signingComplete := &SigningComplete{baseState{comp: comp}}
	comp.ContractParameters = []byte(`{}`)
	_, err = signingComplete.FundingBroadcasted(wire.NewMsgTx(2), now)
	require.ErrorAs(t, err, &missing)
	require.Equal(t, "signed_contract", missing.Field)
	require.Nil(t, comp.FundingBroadcastedAt)
}

// TestEventIDMismatch asserts a Verification error when the oracle returns
// an event for a different competition.
func TestEventIDMismatch(t *testing.T) {
	t.Parallel()

	comp := testCompetition(t)
	state := &EscrowConfirmed{baseState{comp: comp}}

	event := &oracle.Event{
		ID:           ids.MustNew(),
		Announcement: oracle.EventAnnouncement{Nonce: "aa"},
	}

	_, err := state.EventCreated(event, time.Now().UTC())
	var verification *VerificationError
	require.ErrorAs(t, err, &verification)
}

// TestAttestationExpiry asserts IsExpired is exactly "blockchain time past
// the announced expiry".
func TestAttestationExpiry(t *testing.T) {
	t.Parallel()

	comp := testCompetition(t)
	expiry := uint32(1000)
	comp.EventAnnouncement = &oracle.EventAnnouncement{
		Nonce:  "aa",
		Expiry: &expiry,
	}

	state := &AwaitingAttestation{baseState{comp: comp}}
	require.False(t, state.IsExpired(999))
	require.False(t, state.IsExpired(1000))
	require.True(t, state.IsExpired(1001))

	// No announcement or expiry means no expiry.
	comp.EventAnnouncement.Expiry = nil
	require.False(t, state.IsExpired(5000))
}

// TestFailRecordsError asserts Fail stamps the terminal marker, appends to
// the error list and remembers the previous state.
func TestFailRecordsError(t *testing.T) {
	t.Parallel()

	comp := testCompetition(t)
	comp.TotalEntries = 1
	state := &CollectingEntries{baseState{comp: comp}}

	failed := Fail(state, ErrCompetitionExpired, time.Now().UTC())
	require.True(t, failed.IsTerminal())
	require.Equal(t, StateCollectingEntries, failed.PreviousState)
	require.NotNil(t, comp.FailedAt)
	require.Len(t, comp.Errors, 1)
	require.Contains(t, comp.Errors[0], StateCollectingEntries)
}

// TestRehydrationIsTotal asserts StatusFromCompetition maps each cumulative
// set of markers along the canonical path to the matching state.
func TestRehydrationIsTotal(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()

	// Each step sets one more marker and names the expected state.
	steps := []struct {
		name  string
		apply func(*compdb.Competition)
	}{
		{StateCreated, func(c *compdb.Competition) {}},
		{StateCollectingEntries, func(c *compdb.Competition) {
			c.TotalEntries = 1
		}},
		{StateAwaitingEscrow, func(c *compdb.Competition) {
			c.TotalEntries = 2
			c.PaidEntries = 2
		}},
		{StateEscrowConfirmed, func(c *compdb.Competition) {
			c.EscrowConfirmedAt = &now
		}},
		{StateEventCreated, func(c *compdb.Competition) {
			c.EventCreatedAt = &now
		}},
		{StateEntriesSubmitted, func(c *compdb.Competition) {
			c.EntriesSubmittedAt = &now
		}},
		{StateContractCreated, func(c *compdb.Competition) {
			c.ContractedAt = &now
		}},
		{StateAwaitingSignatures, func(c *compdb.Competition) {
			c.PublicNonces = []byte{0x01}
		}},
		{StateSigningComplete, func(c *compdb.Competition) {
			c.SignedAt = &now
		}},
		{StateFundingBroadcasted, func(c *compdb.Competition) {
			c.FundingBroadcastedAt = &now
		}},
		{StateFundingConfirmed, func(c *compdb.Competition) {
			c.FundingConfirmedAt = &now
		}},
		{StateFundingSettled, func(c *compdb.Competition) {
			c.FundingSettledAt = &now
		}},
		{StateAttested, func(c *compdb.Competition) {
			c.AttestedAt = &now
			c.Attestation = []byte{0x05}
		}},
		{StateOutcomeBroadcasted, func(c *compdb.Competition) {
			c.OutcomeBroadcastedAt = &now
		}},
		{StateDeltaBroadcasted, func(c *compdb.Competition) {
			c.DeltaBroadcastedAt = &now
		}},
		{StateCompleted, func(c *compdb.Competition) {
			c.CompletedAt = &now
		}},
	}

	comp := testCompetition(t)
	for _, step := range steps {
		step.apply(comp)

		status := StatusFromCompetition(comp)
		require.Equal(t, step.name, status.StateName())
		require.Equal(t, comp.ID, CompetitionID(status))
	}

	// Off-path markers win over the canonical markers they follow.
	expired := testCompetition(t)
	expired.FundingSettledAt = &now
	expired.ExpiryBroadcastedAt = &now
	require.Equal(t, StateExpiryBroadcasted,
		StatusFromCompetition(expired).StateName())

	failed := testCompetition(t)
	failed.SignedAt = &now
	failed.FailedAt = &now
	require.Equal(t, StateFailed,
		StatusFromCompetition(failed).StateName())

	cancelled := testCompetition(t)
	cancelled.CancelledAt = &now
	require.Equal(t, StateCancelled,
		StatusFromCompetition(cancelled).StateName())
}

// TestImmediateTransitionClassification pins down exactly which states are
// pass-through.
func TestImmediateTransitionClassification(t *testing.T) {
	t.Parallel()

	comp := testCompetition(t)
	base := baseState{comp: comp}

	immediate := []Status{
		&EscrowConfirmed{base}, &EventCreated{base},
		&EntriesSubmitted{base}, &SigningComplete{base},
		&FundingConfirmed{base}, &FundingSettled{base},
	}
	for _, s := range immediate {
		require.True(t, s.IsImmediateTransition(), s.StateName())
	}

	waiting := []Status{
		&Created{base}, &CollectingEntries{base},
		&AwaitingEscrow{base}, &ContractCreated{base},
		&AwaitingSignatures{base}, &FundingBroadcasted{base},
		&AwaitingAttestation{base}, &Attested{base},
		&OutcomeBroadcasted{base}, &DeltaBroadcasted{base},
		&ExpiryBroadcasted{base}, &Completed{base},
	}
	for _, s := range waiting {
		require.False(t, s.IsImmediateTransition(), s.StateName())
	}
}
