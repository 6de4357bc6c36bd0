package compdb

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

const testPubkey = "npub1testuserpubkey000000000000000000000000000000000000000000"

// TestTicketLifecycle drives a ticket through the full
// reserved→paid→settled path.
func TestTicketLifecycle(t *testing.T) {
	t.Parallel()

	db := makeTestDB(t)
	comp, err := db.CreateCompetition(testParams())
	require.NoError(t, err)

	preimage, hash := newPaymentCreds(t)
	ticket, err := db.CreateTicket(comp.ID, testPubkey, hash, preimage)
	require.NoError(t, err)
	require.Equal(t, TicketReserved, ticket.Status)

	// The ticket is now the invoice watcher's problem.
	pending, err := db.GetPendingTickets()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, ticket.ID, pending[0].ID)

	// Payment accepted.
	paid, err := db.MarkTicketPaid(hash, comp.ID)
	require.NoError(t, err)
	require.True(t, paid)

	loaded, err := db.GetTicketByHash(hash)
	require.NoError(t, err)
	require.Equal(t, TicketPaid, loaded.Status)
	require.NotNil(t, loaded.PaidAt)

	// HODL preimage revealed.
	require.NoError(t, db.MarkTicketSettled(ticket.ID))

	loaded, err = db.GetTicket(ticket.ID)
	require.NoError(t, err)
	require.Equal(t, TicketSettled, loaded.Status)
	require.NotNil(t, loaded.SettledAt)

	// Settled tickets are no longer pending.
	pending, err = db.GetPendingTickets()
	require.NoError(t, err)
	require.Empty(t, pending)
}

// TestMarkTicketPaidIdempotent asserts exactly one of two racing mark-paid
// calls observes the state change.
func TestMarkTicketPaidIdempotent(t *testing.T) {
	t.Parallel()

	db := makeTestDB(t)
	comp, err := db.CreateCompetition(testParams())
	require.NoError(t, err)

	preimage, hash := newPaymentCreds(t)
	_, err = db.CreateTicket(comp.ID, testPubkey, hash, preimage)
	require.NoError(t, err)

	const numRacers = 2
	results := make([]bool, numRacers)

	var wg sync.WaitGroup
	for i := 0; i < numRacers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			paid, err := db.MarkTicketPaid(hash, comp.ID)
			require.NoError(t, err)
			results[i] = paid
		}(i)
	}
	wg.Wait()

	var transitions int
	for _, transitioned := range results {
		if transitioned {
			transitions++
		}
	}
	require.Equal(t, 1, transitions)
}

// TestTicketReset asserts the reset path swaps the payment credentials but
// preserves the competition binding and reservation.
func TestTicketReset(t *testing.T) {
	t.Parallel()

	db := makeTestDB(t)
	comp, err := db.CreateCompetition(testParams())
	require.NoError(t, err)

	preimage, hash := newPaymentCreds(t)
	ticket, err := db.CreateTicket(comp.ID, testPubkey, hash, preimage)
	require.NoError(t, err)

	paid, err := db.MarkTicketPaid(hash, comp.ID)
	require.NoError(t, err)
	require.True(t, paid)

	require.NoError(t, db.UpdateTicketEscrowTransaction(
		ticket.ID, "deadbeef",
	))

	newPreimage, newHash := newPaymentCreds(t)
	require.NoError(t, db.ResetTicketAfterFailedEscrow(
		ticket.ID, newPreimage, newHash,
	))

	reset, err := db.GetTicket(ticket.ID)
	require.NoError(t, err)
	require.Equal(t, TicketReserved, reset.Status)
	require.Equal(t, newHash, reset.Hash)
	require.Equal(t, newPreimage, reset.EncryptedPreimage)
	require.NotEqual(t, hash, reset.Hash)
	require.NotEqual(t, preimage, reset.EncryptedPreimage)
	require.Empty(t, reset.EscrowTransaction)
	require.Nil(t, reset.PaidAt)

	// The binding survives.
	require.Equal(t, comp.ID, reset.CompetitionID)
	require.Equal(t, testPubkey, reset.ReservedBy)

	// The old hash no longer resolves.
	_, err = db.GetTicketByHash(hash)
	require.ErrorIs(t, err, ErrTicketNotFound)
}

// TestTicketSlotsExhausted asserts reservations stop once every slot is
// held by a live ticket, and resume after a cancellation.
func TestTicketSlotsExhausted(t *testing.T) {
	t.Parallel()

	db := makeTestDB(t)
	comp, err := db.CreateCompetition(testParams())
	require.NoError(t, err)

	var last *Ticket
	for i := 0; i < comp.Params.TotalAllowedEntries; i++ {
		preimage, hash := newPaymentCreds(t)
		last, err = db.CreateTicket(comp.ID, testPubkey, hash, preimage)
		require.NoError(t, err)
	}

	preimage, hash := newPaymentCreds(t)
	_, err = db.CreateTicket(comp.ID, testPubkey, hash, preimage)
	require.ErrorIs(t, err, ErrNoTicketsAvailable)

	// Cancelling frees up a slot.
	require.NoError(t, db.MarkTicketCancelled(last.ID))
	_, err = db.CreateTicket(comp.ID, testPubkey, hash, preimage)
	require.NoError(t, err)
}

// TestMarkSettledRequiresPaid asserts settlement is refused for a ticket
// that never completed payment.
func TestMarkSettledRequiresPaid(t *testing.T) {
	t.Parallel()

	db := makeTestDB(t)
	comp, err := db.CreateCompetition(testParams())
	require.NoError(t, err)

	preimage, hash := newPaymentCreds(t)
	ticket, err := db.CreateTicket(comp.ID, testPubkey, hash, preimage)
	require.NoError(t, err)

	require.ErrorIs(t, db.MarkTicketSettled(ticket.ID), ErrTicketNotPaid)
}
