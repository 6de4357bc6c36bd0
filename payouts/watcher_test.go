package payouts

import (
	"context"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/stretchr/testify/require"

	"github.com/5day4cast/coordinator/compdb"
	"github.com/5day4cast/coordinator/lifecycle"
	"github.com/5day4cast/coordinator/lnclient"
	"github.com/5day4cast/coordinator/oracle"
)

const testPubkey = "02c6047f9441ed7d6d3045406e95c07cd85c778e4b8cef3ca7abac09b95c709ee5"

// payoutHarness wires the watcher and subscriber against a store seeded
// with one winning entry.
type payoutHarness struct {
	t *testing.T

	db         *compdb.DB
	ln         *lnclient.MockLn
	watcher    *Watcher
	subscriber *Subscriber

	payout *compdb.Payout
	hash   lntypes.Hash
}

func newPayoutHarness(t *testing.T) *payoutHarness {
	t.Helper()

	db, err := compdb.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	h := &payoutHarness{
		t:  t,
		db: db,
		ln: lnclient.NewMockLn(),
	}

	h.watcher = NewWatcher(&WatcherConfig{
		Store:  db,
		Ln:     h.ln,
		Params: &chaincfg.RegressionNetParams,
		Ticker: ticker.NewForce(time.Hour),
	})
	h.subscriber = NewSubscriber(&SubscriberConfig{
		Store: db,
		Ln:    h.ln,
	})

	h.payout, h.hash = h.seedPayout()

	return h
}

// seedPayout builds competition → ticket → entry → payout.
func (h *payoutHarness) seedPayout() (*compdb.Payout, lntypes.Hash) {
	h.t.Helper()

	now := time.Now().UTC()
	comp, err := h.db.CreateCompetition(&compdb.CompetitionParams{
		SigningDeadline:      now.Add(time.Hour),
		StartObservation:     now.Add(2 * time.Hour),
		EndObservation:       now.Add(26 * time.Hour),
		Locations:            []string{"KSEA"},
		ValuesPerEntry:       1,
		TotalAllowedEntries:  1,
		EntryFee:             btcutil.Amount(5000),
		TotalCompetitionPool: btcutil.Amount(10000),
		NumberOfPlacesWin:    1,
	})
	require.NoError(h.t, err)

	preimageHex, hashHex, _, err := lifecycle.NewPaymentCredentials()
	require.NoError(h.t, err)

	ticket, err := h.db.CreateTicket(
		comp.ID, testPubkey, hashHex, preimageHex,
	)
	require.NoError(h.t, err)

	_, err = h.db.MarkTicketPaid(hashHex, comp.ID)
	require.NoError(h.t, err)

	over := oracle.Over
	entry, err := h.db.AddEntry(
		comp.ID, ticket.ID, testPubkey,
		[]oracle.WeatherChoices{{Stations: "KSEA", WindSpeed: &over}},
	)
	require.NoError(h.t, err)

	// The winner's own invoice hash.
	_, payoutHashHex, payoutHash, err := lifecycle.NewPaymentCredentials()
	require.NoError(h.t, err)

	payout, err := h.db.CreatePayout(
		entry.ID, comp.ID, "lnmockpayreq", payoutHashHex,
		btcutil.Amount(9500),
	)
	require.NoError(h.t, err)

	return payout, payoutHash
}

// TestPollerMarksSucceeded asserts the poller resolves a successful
// payment.
func TestPollerMarksSucceeded(t *testing.T) {
	t.Parallel()

	h := newPayoutHarness(t)
	h.ln.SetPayment(h.hash, lnclient.PaymentSucceeded, "")

	require.NoError(t,
		h.watcher.HandlePendingPayouts(context.Background()))

	loaded, err := h.db.GetPayout(h.payout.ID)
	require.NoError(t, err)
	require.Equal(t, compdb.PayoutSucceeded, loaded.Status)
	require.NotNil(t, loaded.ResolvedAt)
	require.False(t, loaded.RequiresOnchainResolution)
}

// TestPollerMarksFailedForOnchain asserts a terminal failure flags the
// payout for on-chain resolution.
func TestPollerMarksFailedForOnchain(t *testing.T) {
	t.Parallel()

	h := newPayoutHarness(t)
	h.ln.SetPayment(h.hash, lnclient.PaymentFailed, "no route")

	require.NoError(t,
		h.watcher.HandlePendingPayouts(context.Background()))

	loaded, err := h.db.GetPayout(h.payout.ID)
	require.NoError(t, err)
	require.Equal(t, compdb.PayoutFailed, loaded.Status)
	require.Equal(t, "no route", loaded.FailureReason)
	require.True(t, loaded.RequiresOnchainResolution)
}

// TestPollerSkipsInFlight asserts non-terminal payments leave the payout
// pending.
func TestPollerSkipsInFlight(t *testing.T) {
	t.Parallel()

	h := newPayoutHarness(t)
	h.ln.SetPayment(h.hash, lnclient.PaymentInFlight, "")

	require.NoError(t,
		h.watcher.HandlePendingPayouts(context.Background()))

	loaded, err := h.db.GetPayout(h.payout.ID)
	require.NoError(t, err)
	require.Equal(t, compdb.PayoutPending, loaded.Status)
}

// TestSubscriberResolvesTerminalUpdates asserts the push path resolves
// payouts and ignores non-terminal noise.
func TestSubscriberResolvesTerminalUpdates(t *testing.T) {
	t.Parallel()

	h := newPayoutHarness(t)

	// Non-terminal updates are ignored.
	h.subscriber.handleUpdate(lnclient.PaymentUpdate{
		PaymentHash: h.hash,
		Status:      lnclient.PaymentInFlight,
	})

	loaded, err := h.db.GetPayout(h.payout.ID)
	require.NoError(t, err)
	require.Equal(t, compdb.PayoutPending, loaded.Status)

	// A terminal success resolves the payout.
	h.subscriber.handleUpdate(lnclient.PaymentUpdate{
		PaymentHash: h.hash,
		Status:      lnclient.PaymentSucceeded,
	})

	loaded, err = h.db.GetPayout(h.payout.ID)
	require.NoError(t, err)
	require.Equal(t, compdb.PayoutSucceeded, loaded.Status)
}

// TestSubscriberPollerRaceIsIdempotent races both actors over the same
// terminal update; the payout resolves exactly once.
func TestSubscriberPollerRaceIsIdempotent(t *testing.T) {
	t.Parallel()

	h := newPayoutHarness(t)
	h.ln.SetPayment(h.hash, lnclient.PaymentSucceeded, "")

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.subscriber.handleUpdate(lnclient.PaymentUpdate{
			PaymentHash: h.hash,
			Status:      lnclient.PaymentSucceeded,
		})
	}()

	require.NoError(t,
		h.watcher.HandlePendingPayouts(context.Background()))
	<-done

	loaded, err := h.db.GetPayout(h.payout.ID)
	require.NoError(t, err)
	require.Equal(t, compdb.PayoutSucceeded, loaded.Status)
}

// TestUnknownPayoutIgnored asserts updates for hashes with no payout row
// are dropped quietly.
func TestUnknownPayoutIgnored(t *testing.T) {
	t.Parallel()

	h := newPayoutHarness(t)

	var unknown lntypes.Hash
	unknown[0] = 0xff
	h.subscriber.handleUpdate(lnclient.PaymentUpdate{
		PaymentHash: unknown,
		Status:      lnclient.PaymentSucceeded,
	})

	loaded, err := h.db.GetPayout(h.payout.ID)
	require.NoError(t, err)
	require.Equal(t, compdb.PayoutPending, loaded.Status)

}
