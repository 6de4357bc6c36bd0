package compdb

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/5day4cast/coordinator/oracle"
)

// TestCompetitionRoundTrip persists every artifact field and reads it back.
func TestCompetitionRoundTrip(t *testing.T) {
	t.Parallel()

	db := makeTestDB(t)
	comp, err := db.CreateCompetition(testParams())
	require.NoError(t, err)

	now := time.Now().UTC().Truncate(time.Microsecond)
	expiry := uint32(now.Add(24 * time.Hour).Unix())

	comp.EscrowConfirmedAt = &now
	comp.EventCreatedAt = &now
	comp.EventAnnouncement = &oracle.EventAnnouncement{
		Nonce:           "aabbcc",
		OutcomeMessages: []string{"place-1", "refund"},
		Expiry:          &expiry,
	}

	hash, err := chainhash.NewHashFromStr(
		"000000000019d6689c085ae165831e934ff763ae46a2a6c172b3f1b60a8ce26f",
	)
	require.NoError(t, err)
	comp.FundingOutpoint = wire.NewOutPoint(hash, 1)
	comp.FundingPSBTBase64 = "cHNidP8="
	comp.ContractParameters = []byte(`{"outcomes":2}`)
	comp.PublicNonces = []byte{0x01, 0x02}
	comp.SignedContract = []byte{0x03, 0x04}
	comp.Attestation = []byte{0x05}
	comp.Errors = append(comp.Errors, "transient oracle blip")

	fundingTx := wire.NewMsgTx(2)
	fundingTx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: *wire.NewOutPoint(hash, 0),
	})
	fundingTx.AddTxOut(wire.NewTxOut(10000, []byte{0x00, 0x14}))
	comp.FundingTransaction = fundingTx

	require.NoError(t, db.UpdateCompetition(comp))

	loaded, err := db.GetCompetition(comp.ID)
	require.NoError(t, err)

	require.Equal(t, comp.EscrowConfirmedAt.Unix(),
		loaded.EscrowConfirmedAt.Unix())
	require.Equal(t, comp.EventAnnouncement, loaded.EventAnnouncement)
	require.Equal(t, comp.FundingOutpoint, loaded.FundingOutpoint)
	require.Equal(t, comp.FundingPSBTBase64, loaded.FundingPSBTBase64)
	require.Equal(t, comp.ContractParameters, loaded.ContractParameters)
	require.Equal(t, comp.PublicNonces, loaded.PublicNonces)
	require.Equal(t, comp.SignedContract, loaded.SignedContract)
	require.Equal(t, comp.Attestation, loaded.Attestation)
	require.Equal(t, comp.Errors, loaded.Errors)
	require.Equal(t, fundingTx.TxHash(),
		loaded.FundingTransaction.TxHash())
	require.Nil(t, loaded.OutcomeTransaction)
}

// TestTerminalCompetitionIsAppendOnly asserts no update lands on a row that
// has reached a terminal state.
func TestTerminalCompetitionIsAppendOnly(t *testing.T) {
	t.Parallel()

	db := makeTestDB(t)
	comp, err := db.CreateCompetition(testParams())
	require.NoError(t, err)

	now := time.Now().UTC()
	comp.CancelledAt = &now
	require.NoError(t, db.UpdateCompetition(comp))

	// Any further write must be refused.
	comp.EscrowConfirmedAt = &now
	require.ErrorIs(t, db.UpdateCompetition(comp), ErrCompetitionTerminal)

	loaded, err := db.GetCompetition(comp.ID)
	require.NoError(t, err)
	require.Nil(t, loaded.EscrowConfirmedAt)
	require.NotNil(t, loaded.CancelledAt)
}

// TestActiveCompetitions asserts terminal competitions drop out of the
// engine's working set.
func TestActiveCompetitions(t *testing.T) {
	t.Parallel()

	db := makeTestDB(t)

	active, err := db.CreateCompetition(testParams())
	require.NoError(t, err)

	done, err := db.CreateCompetition(testParams())
	require.NoError(t, err)

	now := time.Now().UTC()
	done.CompletedAt = &now
	require.NoError(t, db.UpdateCompetition(done))

	comps, err := db.GetActiveCompetitions()
	require.NoError(t, err)
	require.Len(t, comps, 1)
	require.Equal(t, active.ID, comps[0].ID)
}

// TestEntryCounters asserts the derived entry/paid/settled counters track
// ticket state.
func TestEntryCounters(t *testing.T) {
	t.Parallel()

	db := makeTestDB(t)
	comp, err := db.CreateCompetition(testParams())
	require.NoError(t, err)

	over := oracle.Over
	choices := []oracle.WeatherChoices{
		{Stations: "KSEA", WindSpeed: &over, TempHigh: &over},
	}

	preimage1, hash1 := newPaymentCreds(t)
	ticket1, err := db.CreateTicket(comp.ID, testPubkey, hash1, preimage1)
	require.NoError(t, err)

	// Entry submission requires a paid ticket.
	_, err = db.AddEntry(comp.ID, ticket1.ID, testPubkey, choices)
	require.ErrorIs(t, err, ErrTicketNotPaid)

	_, err = db.MarkTicketPaid(hash1, comp.ID)
	require.NoError(t, err)

	_, err = db.AddEntry(comp.ID, ticket1.ID, testPubkey, choices)
	require.NoError(t, err)

	// A second entry on the same ticket is rejected.
	_, err = db.AddEntry(comp.ID, ticket1.ID, testPubkey, choices)
	require.ErrorIs(t, err, ErrDuplicateEntry)

	loaded, err := db.GetCompetition(comp.ID)
	require.NoError(t, err)
	require.Equal(t, 1, loaded.TotalEntries)
	require.Equal(t, 1, loaded.PaidEntries)
	require.Equal(t, 0, loaded.SettledEntries)
	require.False(t, loaded.HasFullEntries())

	require.NoError(t, db.MarkTicketSettled(ticket1.ID))

	loaded, err = db.GetCompetition(comp.ID)
	require.NoError(t, err)
	require.Equal(t, 1, loaded.SettledEntries)
}
