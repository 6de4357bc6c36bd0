package lifecycle

import (
	"bytes"
	"context"
	"encoding/hex"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/stretchr/testify/require"

	"github.com/5day4cast/coordinator/bitcoinclient"
	"github.com/5day4cast/coordinator/compdb"
	"github.com/5day4cast/coordinator/keymeld"
	"github.com/5day4cast/coordinator/lnclient"
	"github.com/5day4cast/coordinator/oracle"
)

const (
	playerOne = "npub1playerone000000000000000000000000000000000000000000000000"
	playerTwo = "npub1playertwo000000000000000000000000000000000000000000000000"
)

// testHarness wires the engine against every mock facade.
type testHarness struct {
	t *testing.T

	db      *compdb.DB
	bitcoin *bitcoinclient.MockBitcoin
	ln      *lnclient.MockLn
	oracle  *oracle.MockOracle
	keymeld *keymeld.MockKeymeld
	clock   *clock.TestClock

	engine *Engine
}

func newTestHarness(t *testing.T, escrowEnabled bool) *testHarness {
	t.Helper()

	db, err := compdb.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	bitcoin, err := bitcoinclient.NewMockBitcoin()
	require.NoError(t, err)

	h := &testHarness{
		t:       t,
		db:      db,
		bitcoin: bitcoin,
		ln:      lnclient.NewMockLn(),
		oracle:  oracle.NewMockOracle(),
		keymeld: keymeld.NewMockKeymeld(),
		clock:   clock.NewTestClock(time.Now().UTC()),
	}

	h.engine = NewEngine(&Config{
		Store:                      db,
		Bitcoin:                    bitcoin,
		Ln:                         h.ln,
		Oracle:                     h.oracle,
		Keymeld:                    h.keymeld,
		Clock:                      h.clock,
		Ticker:                     ticker.NewForce(time.Hour),
		RequiredConfirmations:      1,
		RelativeLocktimeBlockDelta: 1,
		EscrowEnabled:              escrowEnabled,
	})

	// The settlement transactions live inside the signed contract the
	// mock signing service hands back.
	contract := &keymeld.SignedContract{
		OutcomeTxs: []string{
			txHex(t, 1), txHex(t, 2),
		},
		DeltaTxs: []string{txHex(t, 3)},
		ExpiryTx: txHex(t, 4),
	}
	raw, err := contract.Encode()
	require.NoError(t, err)
	h.keymeld.SignedContract = raw

	return h
}

// txHex builds a unique minimal transaction and returns its raw hex.
func txHex(t *testing.T, seed byte) string {
	t.Helper()

	tx := wire.NewMsgTx(2)
	var prev chainhash.Hash
	prev[0] = seed
	tx.AddTxIn(&wire.TxIn{PreviousOutPoint: *wire.NewOutPoint(&prev, 0)})
	tx.AddTxOut(wire.NewTxOut(1000, []byte{0x00, 0x14, seed}))

	var buf bytes.Buffer
	require.NoError(t, tx.Serialize(&buf))
	return hex.EncodeToString(buf.Bytes())
}

// createCompetition persists a two-player, one-winner competition.
func (h *testHarness) createCompetition() *compdb.Competition {
	h.t.Helper()

	now := h.clock.Now().UTC()
	comp, err := h.db.CreateCompetition(&compdb.CompetitionParams{
		SigningDeadline:       now.Add(time.Hour),
		StartObservation:      now.Add(2 * time.Hour),
		EndObservation:        now.Add(26 * time.Hour),
		Locations:             []string{"KSEA"},
		ValuesPerEntry:        1,
		TotalAllowedEntries:   2,
		EntryFee:              btcutil.Amount(5000),
		CoordinatorFeePercent: 5,
		TotalCompetitionPool:  btcutil.Amount(10000),
		NumberOfPlacesWin:     1,
	})
	require.NoError(h.t, err)

	return comp
}

// buyTicketAndEnter reserves a ticket, pays its invoice and submits an
// entry for the given player.
func (h *testHarness) buyTicketAndEnter(comp *compdb.Competition,
	pubkey string) *compdb.Entry {

	h.t.Helper()
	ctx := context.Background()

	reservation, err := h.engine.ReserveTicket(ctx, comp.ID, pubkey)
	require.NoError(h.t, err)
	require.NotEmpty(h.t, reservation.PaymentRequest)

	// The player pays; the HODL invoice locks in as accepted.
	hash := mustHash(h.t, reservation.Ticket.Hash)
	require.NoError(h.t, h.ln.AcceptInvoice(hash))

	// The invoice subsystem marks the ticket paid (escrow-disabled
	// protocol: the invoice stays in-flight).
	paid, err := h.db.MarkTicketPaid(reservation.Ticket.Hash, comp.ID)
	require.NoError(h.t, err)
	require.True(h.t, paid)

	over := oracle.Over
	entry, err := h.engine.SubmitEntry(
		ctx, comp.ID, reservation.Ticket.ID, pubkey,
		[]oracle.WeatherChoices{{Stations: "KSEA", WindSpeed: &over}},
	)
	require.NoError(h.t, err)

	return entry
}

func mustHash(t *testing.T, hashHex string) lntypes.Hash {
	t.Helper()

	hash, err := lntypes.MakeHashFromStr(hashHex)
	require.NoError(t, err)
	return hash
}

// processUntilBlocked runs handler ticks until the competition stops
// advancing.
func (h *testHarness) processUntilBlocked(compID uuid.UUID) *compdb.Competition {
	h.t.Helper()
	ctx := context.Background()

	var lastState string
	for i := 0; i < 10; i++ {
		require.NoError(h.t, h.engine.ProcessCompetition(ctx, compID))

		comp, err := h.db.GetCompetition(compID)
		require.NoError(h.t, err)

		state := StatusFromCompetition(comp).StateName()
		if state == lastState {
			return comp
		}
		lastState = state
	}

	comp, err := h.db.GetCompetition(compID)
	require.NoError(h.t, err)
	return comp
}

// TestHappyPathToFundingSettled drives a two-player competition from
// creation through funding settlement with escrow disabled.
func TestHappyPathToFundingSettled(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, false)
	comp := h.createCompetition()

	h.buyTicketAndEnter(comp, playerOne)
	h.buyTicketAndEnter(comp, playerTwo)

	final := h.processUntilBlocked(comp.ID)
	status := StatusFromCompetition(final)
	require.Equal(t, StateFundingSettled, status.StateName())

	// The canonical-path timestamps form a strict prefix up to funding
	// settlement.
	require.NotNil(t, final.EscrowConfirmedAt)
	require.NotNil(t, final.EventCreatedAt)
	require.NotNil(t, final.EntriesSubmittedAt)
	require.NotNil(t, final.ContractedAt)
	require.NotNil(t, final.SignedAt)
	require.NotNil(t, final.FundingBroadcastedAt)
	require.NotNil(t, final.FundingConfirmedAt)
	require.NotNil(t, final.FundingSettledAt)
	require.Nil(t, final.AttestedAt)
	require.Nil(t, final.OutcomeBroadcastedAt)

	// Every HODL invoice settled once funding confirmed.
	tickets, err := h.db.GetCompetitionTickets(comp.ID)
	require.NoError(t, err)
	require.Len(t, tickets, 2)
	for _, ticket := range tickets {
		require.Equal(t, compdb.TicketSettled, ticket.Status)

		state, err := h.ln.InvoiceState(mustHash(t, ticket.Hash))
		require.NoError(t, err)
		require.Equal(t, lnclient.InvoiceSettled, state)
	}

	// The funding transaction, outpoint and PSBT were persisted.
	require.NotNil(t, final.FundingTransaction)
	require.NotNil(t, final.FundingOutpoint)
	require.NotEmpty(t, final.FundingPSBTBase64)
}

// TestAttestationToCompletion continues the happy path through attestation,
// outcome, delta and completion.
func TestAttestationToCompletion(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, false)
	comp := h.createCompetition()

	h.buyTicketAndEnter(comp, playerOne)
	h.buyTicketAndEnter(comp, playerTwo)
	h.processUntilBlocked(comp.ID)

	// The oracle publishes data and an attestation.
	wind := 15.0
	forecastWind := 10.0
	h.oracle.SetForecasts(comp.ID, map[string]oracle.Forecast{
		"KSEA": {StationID: "KSEA", WindSpeed: &forecastWind},
	})
	h.oracle.SetObservations(comp.ID, map[string]oracle.Observation{
		"KSEA": {StationID: "KSEA", WindSpeed: &wind},
	})
	require.NoError(t, h.oracle.Attest(comp.ID, []byte{0x05}))

	final := h.processUntilBlocked(comp.ID)
	require.Equal(t, StateOutcomeBroadcasted,
		StatusFromCompetition(final).StateName())
	require.NotNil(t, final.OutcomeTransaction)
	require.Equal(t, []byte{0x05}, final.Attestation)

	// Once the relative timelock passes, the deltas go out and the
	// competition completes.
	h.bitcoin.MineBlocks(5)

	final = h.processUntilBlocked(comp.ID)
	require.Equal(t, StateCompleted,
		StatusFromCompetition(final).StateName())
	require.NotNil(t, final.DeltaBroadcastedAt)
	require.NotNil(t, final.CompletedAt)
}

// TestAttestationExpiryRefund drives the refund path: the oracle never
// attests and blockchain time passes the event expiry.
func TestAttestationExpiryRefund(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, false)
	comp := h.createCompetition()

	h.buyTicketAndEnter(comp, playerOne)
	h.buyTicketAndEnter(comp, playerTwo)
	h.processUntilBlocked(comp.ID)

	// Force the persisted announcement's expiry below the mock's
	// blockchain time.
	stored, err := h.db.GetCompetition(comp.ID)
	require.NoError(t, err)
	expired := uint32(1)
	stored.EventAnnouncement.Expiry = &expired
	require.NoError(t, h.db.UpdateCompetition(stored))

	final := h.processUntilBlocked(comp.ID)
	require.Equal(t, StateCompleted,
		StatusFromCompetition(final).StateName())

	// The refund path was taken: expiry stamped, no attestation
	// persisted, outcome never broadcast.
	require.NotNil(t, final.ExpiryBroadcastedAt)
	require.Nil(t, final.Attestation)
	require.Nil(t, final.AttestedAt)
	require.Nil(t, final.OutcomeBroadcastedAt)
	require.NotNil(t, final.CompletedAt)
}

// TestEntryWindowExpiryCancels asserts a competition that never fills is
// cancelled once the observation window opens.
func TestEntryWindowExpiryCancels(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, false)
	comp := h.createCompetition()

	h.buyTicketAndEnter(comp, playerOne)

	// Jump past the start of the observation window.
	h.clock.SetTime(comp.Params.StartObservation.Add(time.Minute))

	final := h.processUntilBlocked(comp.ID)
	require.Equal(t, StateCancelled,
		StatusFromCompetition(final).StateName())
	require.NotNil(t, final.CancelledAt)
}

// TestReserveTicketSlotsBounded asserts reservation fails once all ticket
// slots are taken, and the orphaned invoice is cancelled.
func TestReserveTicketSlotsBounded(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, false)
	comp := h.createCompetition()
	ctx := context.Background()

	_, err := h.engine.ReserveTicket(ctx, comp.ID, playerOne)
	require.NoError(t, err)
	_, err = h.engine.ReserveTicket(ctx, comp.ID, playerOne)
	require.NoError(t, err)

	_, err = h.engine.ReserveTicket(ctx, comp.ID, playerTwo)
	require.ErrorIs(t, err, compdb.ErrNoTicketsAvailable)

	// The invoice created for the failed reservation was cancelled.
	require.Len(t, h.ln.CancelCalls, 1)
}
