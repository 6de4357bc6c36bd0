package lifecycle

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/google/uuid"

	"github.com/5day4cast/coordinator/compdb"
	"github.com/5day4cast/coordinator/lnclient"
	"github.com/5day4cast/coordinator/oracle"
	"github.com/5day4cast/coordinator/scoring"
)

// payoutFeeLimitPercent bounds routing fees on winner payouts.
const payoutFeeLimitPercent = 1

// TicketReservation is the result of reserving a ticket: the row plus the
// invoice the player must pay.
type TicketReservation struct {
	Ticket         *compdb.Ticket
	PaymentRequest string
}

// ReserveTicket reserves a ticket slot for a competition: a fresh
// preimage/hash pair is generated, a HODL invoice registered for the hash,
// and the ticket persisted in Reserved. If the store refuses the slot the
// invoice is cancelled so nothing dangles on the Lightning node.
func (e *Engine) ReserveTicket(ctx context.Context, competitionID uuid.UUID,
	userPubkey string) (*TicketReservation, error) {

	comp, err := e.cfg.Store.GetCompetition(competitionID)
	if err != nil {
		return nil, err
	}

	status := StatusFromCompetition(comp)
	switch status.(type) {
	case *Created, *CollectingEntries:
	default:
		return nil, fmt.Errorf("%w: competition is %v",
			ErrInvalidStateTransition, status.StateName())
	}

	if !e.now().Before(comp.Params.StartObservation) {
		return nil, ErrCompetitionExpired
	}

	preimageHex, hashHex, hash, err := NewPaymentCredentials()
	if err != nil {
		return nil, err
	}

	memo := fmt.Sprintf("competition %s entry", competitionID)
	payReq, err := e.cfg.Ln.AddHoldInvoice(
		ctx, hash, comp.Params.EntryFee, memo, e.cfg.InvoiceExpiry,
	)
	if err != nil {
		return nil, fmt.Errorf("unable to add hold invoice: %w", err)
	}

	ticket, err := e.cfg.Store.CreateTicket(
		competitionID, userPubkey, hashHex, preimageHex,
	)
	if err != nil {
		// Don't leave the HODL invoice payable with no ticket
		// behind it.
		if cancelErr := e.cfg.Ln.CancelHoldInvoice(
			ctx, hash,
		); cancelErr != nil {
			log.Errorf("Unable to cancel orphaned invoice %v: %v",
				hash, cancelErr)
		}
		return nil, err
	}

	return &TicketReservation{
		Ticket:         ticket,
		PaymentRequest: payReq,
	}, nil
}

// SubmitEntry validates and persists a prediction slate against a paid
// ticket, then nudges the competition in case this was the final entry.
func (e *Engine) SubmitEntry(ctx context.Context, competitionID,
	ticketID uuid.UUID, userPubkey string,
	choices []oracle.WeatherChoices) (*compdb.Entry, error) {

	comp, err := e.cfg.Store.GetCompetition(competitionID)
	if err != nil {
		return nil, err
	}

	if !e.now().Before(comp.Params.StartObservation) {
		return nil, ErrCompetitionExpired
	}

	var picks int
	for _, choice := range choices {
		if !comp.HasLocation(choice.Stations) {
			return nil, fmt.Errorf("unknown station %q",
				choice.Stations)
		}
		picks += choice.NumPicks()
	}
	if picks != comp.Params.ValuesPerEntry {
		return nil, fmt.Errorf("entry must carry exactly %d values, "+
			"got %d", comp.Params.ValuesPerEntry, picks)
	}

	entry, err := e.cfg.Store.AddEntry(
		competitionID, ticketID, userPubkey, choices,
	)
	if err != nil {
		return nil, err
	}

	// The final entry may complete the collection phase; process
	// immediately instead of waiting a tick.
	go func() {
		err := e.ProcessCompetition(context.Background(), competitionID)
		if err != nil {
			log.Warnf("Post-entry processing of %v failed: %v",
				competitionID, err)
		}
	}()

	return entry, nil
}

// Leaderboard returns the ranked entries of a competition along with the
// oracle data used to score them.
func (e *Engine) Leaderboard(ctx context.Context,
	competitionID uuid.UUID) ([]scoring.ScoredEntry, error) {

	entries, err := e.cfg.Store.GetCompetitionEntries(competitionID)
	if err != nil {
		return nil, err
	}

	forecasts, err := e.cfg.Oracle.GetForecasts(ctx, competitionID)
	if err != nil {
		return nil, fmt.Errorf("unable to fetch forecasts: %w", err)
	}
	observations, err := e.cfg.Oracle.GetObservations(ctx, competitionID)
	if err != nil {
		return nil, fmt.Errorf("unable to fetch observations: %w", err)
	}

	return scoring.ScoreEntries(entries, forecasts, observations), nil
}

// SubmitPayout accepts a winner's Lightning invoice, verifies the entry
// actually ranks within the paying places, records the payout intent and
// dispatches the payment. Resolution is observed by the payout watcher.
func (e *Engine) SubmitPayout(ctx context.Context, entryID uuid.UUID,
	paymentRequest string) (*compdb.Payout, error) {

	entry, err := e.cfg.Store.GetEntry(entryID)
	if err != nil {
		return nil, err
	}

	comp, err := e.cfg.Store.GetCompetition(entry.CompetitionID)
	if err != nil {
		return nil, err
	}
	if comp.OutcomeBroadcastedAt == nil {
		return nil, fmt.Errorf("%w: outcome not broadcast yet",
			ErrInvalidStateTransition)
	}

	ranked, err := e.Leaderboard(ctx, comp.ID)
	if err != nil {
		return nil, err
	}

	place := -1
	for i, scored := range ranked {
		if scored.EntryID == entryID {
			place = i
			break
		}
	}
	if place < 0 || place >= comp.Params.NumberOfPlacesWin {
		return nil, fmt.Errorf("entry %v did not place", entryID)
	}

	amount := winnerShare(comp)

	hash, err := lnclient.ExtractPaymentHash(
		paymentRequest, e.cfg.Bitcoin.Network(),
	)
	if err != nil {
		return nil, fmt.Errorf("invalid payout invoice: %w", err)
	}

	payout, err := e.cfg.Store.CreatePayout(
		entryID, comp.ID, paymentRequest, hash.String(), amount,
	)
	if err != nil {
		return nil, err
	}

	feeLimit := amount * payoutFeeLimitPercent / 100
	if feeLimit < 10 {
		feeLimit = 10
	}

	err = e.cfg.Ln.SendPayment(ctx, paymentRequest, feeLimit)
	if err != nil {
		// The payout row stays Pending: the watcher retries the
		// lookup and the payer can be paid on-chain as a last
		// resort.
		log.Errorf("Unable to dispatch payout %v: %v", payout.ID, err)
	}

	return payout, nil
}

// winnerShare computes a single winning place's cut: the pool net of the
// coordinator fee, split evenly across the paying places.
func winnerShare(comp *compdb.Competition) btcutil.Amount {
	pool := int64(comp.Params.TotalCompetitionPool)
	net := pool - pool*int64(comp.Params.CoordinatorFeePercent)/100

	places := comp.Params.NumberOfPlacesWin
	if places < 1 {
		places = 1
	}

	return btcutil.Amount(net / int64(places))
}
