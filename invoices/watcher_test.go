package invoices

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/stretchr/testify/require"

	"github.com/5day4cast/coordinator/bitcoinclient"
	"github.com/5day4cast/coordinator/compdb"
	"github.com/5day4cast/coordinator/lifecycle"
	"github.com/5day4cast/coordinator/lnclient"
)

// watcherHarness wires a Watcher against the mocks and a fresh store.
type watcherHarness struct {
	t *testing.T

	db      *compdb.DB
	bitcoin *bitcoinclient.MockBitcoin
	ln      *lnclient.MockLn
	watcher *Watcher

	userKeyHex string
}

func newWatcherHarness(t *testing.T, escrowEnabled bool) *watcherHarness {
	t.Helper()

	db, err := compdb.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	bitcoin, err := bitcoinclient.NewMockBitcoin()
	require.NoError(t, err)

	userKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	h := &watcherHarness{
		t:       t,
		db:      db,
		bitcoin: bitcoin,
		ln:      lnclient.NewMockLn(),
		userKeyHex: hexEncode(
			userKey.PubKey().SerializeCompressed(),
		),
	}

	h.watcher = NewWatcher(&WatcherConfig{
		Store:         db,
		Bitcoin:       bitcoin,
		Ln:            h.ln,
		Ticker:        ticker.NewForce(time.Hour),
		EscrowEnabled: escrowEnabled,
		RetryDelay:    time.Millisecond,
	})

	return h
}

func hexEncode(b []byte) string {
	const hextable = "0123456789abcdef"
	out := make([]byte, 0, len(b)*2)
	for _, c := range b {
		out = append(out, hextable[c>>4], hextable[c&0x0f])
	}
	return string(out)
}

// newPaidTicket creates a competition plus a reserved ticket whose HODL
// invoice has been accepted.
func (h *watcherHarness) newPaidTicket() *compdb.Ticket {
	h.t.Helper()

	now := time.Now().UTC()
	comp, err := h.db.CreateCompetition(&compdb.CompetitionParams{
		SigningDeadline:      now.Add(time.Hour),
		StartObservation:     now.Add(2 * time.Hour),
		EndObservation:       now.Add(26 * time.Hour),
		Locations:            []string{"KSEA"},
		ValuesPerEntry:       1,
		TotalAllowedEntries:  2,
		EntryFee:             btcutil.Amount(5000),
		TotalCompetitionPool: btcutil.Amount(10000),
		NumberOfPlacesWin:    1,
	})
	require.NoError(h.t, err)

	preimageHex, hashHex, hash, err := lifecycle.NewPaymentCredentials()
	require.NoError(h.t, err)

	_, err = h.ln.AddHoldInvoice(
		context.Background(), hash, comp.Params.EntryFee, "entry",
		time.Hour,
	)
	require.NoError(h.t, err)

	ticket, err := h.db.CreateTicket(
		comp.ID, h.userKeyHex, hashHex, preimageHex,
	)
	require.NoError(h.t, err)

	require.NoError(h.t, h.ln.AcceptInvoice(hash))

	return ticket
}

// TestAcceptanceProtocolWithEscrow drives the full acceptance path: mark
// paid, broadcast escrow, settle the invoice.
func TestAcceptanceProtocolWithEscrow(t *testing.T) {
	t.Parallel()

	h := newWatcherHarness(t, true)
	ticket := h.newPaidTicket()

	require.NoError(t,
		h.watcher.HandlePendingTickets(context.Background()))

	// The ticket settled and carries the broadcast escrow tx.
	loaded, err := h.db.GetTicket(ticket.ID)
	require.NoError(t, err)
	require.Equal(t, compdb.TicketSettled, loaded.Status)
	require.NotEmpty(t, loaded.EscrowTransaction)

	// The HODL invoice was settled with the right preimage.
	require.Len(t, h.ln.SettleCalls, 1)
	require.Equal(t, ticket.Hash,
		h.ln.SettleCalls[0].Hash().String())

	// Exactly one escrow transaction hit the network.
	require.Len(t, h.bitcoin.BroadcastTxs(), 1)
}

// TestEscrowDisabledKeepsInvoiceInFlight asserts the escrow-disabled
// protocol stops at Paid without settling.
func TestEscrowDisabledKeepsInvoiceInFlight(t *testing.T) {
	t.Parallel()

	h := newWatcherHarness(t, false)
	ticket := h.newPaidTicket()

	require.NoError(t,
		h.watcher.HandlePendingTickets(context.Background()))

	loaded, err := h.db.GetTicket(ticket.ID)
	require.NoError(t, err)
	require.Equal(t, compdb.TicketPaid, loaded.Status)

	require.Empty(t, h.ln.SettleCalls)
	require.Empty(t, h.bitcoin.BroadcastTxs())

	state, err := h.ln.InvoiceState(mustHash(t, ticket.Hash))
	require.NoError(t, err)
	require.Equal(t, lnclient.InvoiceAccepted, state)
}

// TestEscrowExhaustionResetsTicket scripts every broadcast to fail and
// asserts the full retry budget is spent before the ticket recycles.
func TestEscrowExhaustionResetsTicket(t *testing.T) {
	t.Parallel()

	h := newWatcherHarness(t, true)
	ticket := h.newPaidTicket()

	h.bitcoin.FailBroadcasts(1000)

	require.NoError(t,
		h.watcher.HandlePendingTickets(context.Background()))

	// 2 regeneration attempts, each with 3 broadcast retries.
	require.Equal(t, 6, h.bitcoin.BroadcastCalls)

	// The wallet was resynced before each regeneration.
	require.Equal(t, 2, h.bitcoin.SyncCalls)

	// The HODL invoice was cancelled exactly once and never settled.
	require.Len(t, h.ln.CancelCalls, 1)
	require.Equal(t, ticket.Hash, h.ln.CancelCalls[0].String())
	require.Empty(t, h.ln.SettleCalls)

	// The ticket recycled with fresh credentials.
	reset, err := h.db.GetTicket(ticket.ID)
	require.NoError(t, err)
	require.Equal(t, compdb.TicketReserved, reset.Status)
	require.NotEqual(t, ticket.Hash, reset.Hash)
	require.NotEqual(t, ticket.EncryptedPreimage, reset.EncryptedPreimage)
	require.Equal(t, ticket.CompetitionID, reset.CompetitionID)
	require.Equal(t, ticket.ReservedBy, reset.ReservedBy)
}

// TestConcurrentMarkPaidRace races the subscriber's mark-paid against the
// watcher's sweep and asserts exactly one escrow broadcast and one invoice
// settlement.
func TestConcurrentMarkPaidRace(t *testing.T) {
	t.Parallel()

	h := newWatcherHarness(t, true)
	ticket := h.newPaidTicket()

	subscriber := NewSubscriber(&SubscriberConfig{
		Store: h.db,
		Ln:    h.ln,
	})

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		subscriber.handleUpdate(lnclient.InvoiceUpdate{
			PaymentHash: mustHash(t, ticket.Hash),
			State:       lnclient.InvoiceAccepted,
		})
	}()
	go func() {
		defer wg.Done()
		err := h.watcher.HandlePendingTickets(context.Background())
		require.NoError(t, err)
	}()
	wg.Wait()

	// However the race resolved, the escrow protocol ran exactly once:
	// the subscriber never broadcasts, and the watcher does the escrow
	// work whether or not it won the mark-paid race.
	require.NoError(t,
		h.watcher.HandlePendingTickets(context.Background()))

	require.Len(t, h.bitcoin.BroadcastTxs(), 1)
	require.Len(t, h.ln.SettleCalls, 1)

	loaded, err := h.db.GetTicket(ticket.ID)
	require.NoError(t, err)
	require.Equal(t, compdb.TicketSettled, loaded.Status)

	// Further sweeps change nothing.
	require.NoError(t,
		h.watcher.HandlePendingTickets(context.Background()))
	require.Len(t, h.bitcoin.BroadcastTxs(), 1)
	require.Len(t, h.ln.SettleCalls, 1)
}

// TestEscrowTxPersisted asserts the watcher stores the generated escrow
// transaction on the ticket after a successful broadcast.
func TestEscrowTxPersisted(t *testing.T) {
	t.Parallel()

	h := newWatcherHarness(t, true)
	ticket := h.newPaidTicket()

	// First sweep generates and persists the escrow tx.
	require.NoError(t,
		h.watcher.HandlePendingTickets(context.Background()))

	first, err := h.db.GetTicket(ticket.ID)
	require.NoError(t, err)
	require.NotEmpty(t, first.EscrowTransaction)
}

func mustHash(t *testing.T, hashHex string) lntypes.Hash {
	t.Helper()

	hash, err := lntypes.MakeHashFromStr(hashHex)
	require.NoError(t, err)
	return hash
}
