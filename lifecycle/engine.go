package lifecycle

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/davecgh/go-spew/spew"
	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/ticker"

	"github.com/5day4cast/coordinator/bitcoinclient"
	"github.com/5day4cast/coordinator/compdb"
	"github.com/5day4cast/coordinator/keymeld"
	"github.com/5day4cast/coordinator/lnclient"
	"github.com/5day4cast/coordinator/oracle"
)

const (
	// maxStepsPerTick bounds how many transitions a single competition
	// may take within one handler tick, a backstop against transition
	// loops.
	maxStepsPerTick = 25

	// defaultInvoiceExpiry is how long a ticket's HODL invoice stays
	// payable.
	defaultInvoiceExpiry = time.Hour
)

// Config bundles everything the engine needs to drive competitions.
type Config struct {
	Store   *compdb.DB
	Bitcoin bitcoinclient.Bitcoin
	Ln      lnclient.Ln
	Oracle  oracle.Oracle
	Keymeld keymeld.Keymeld

	Clock clock.Clock

	// Ticker paces the periodic handler tick.
	Ticker ticker.Ticker

	// RequiredConfirmations is the depth at which escrow and funding
	// outputs count as confirmed.
	RequiredConfirmations uint32

	// RelativeLocktimeBlockDelta is the refund timeout, in blocks, used
	// across the contract's timelocked paths.
	RelativeLocktimeBlockDelta uint16

	// EscrowEnabled selects the acceptance protocol: with escrow, paid
	// tickets get an on-chain escrow before their invoice settles.
	EscrowEnabled bool

	// InvoiceExpiry bounds how long ticket invoices stay payable. Zero
	// means defaultInvoiceExpiry.
	InvoiceExpiry time.Duration
}

// Engine is the competition handler: a periodic tick that picks up every
// active competition, rehydrates its state and pushes it as far along the
// canonical path as external conditions allow. At most one transition
// attempt per competition is in flight at any time.
type Engine struct {
	started uint32
	stopped uint32

	cfg *Config

	// compLocks holds the per-competition locks that serialize
	// transition attempts between the tick handler and API calls.
	compLocksMtx sync.Mutex
	compLocks    map[uuid.UUID]*sync.Mutex

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewEngine creates a lifecycle engine.
func NewEngine(cfg *Config) *Engine {
	if cfg.InvoiceExpiry == 0 {
		cfg.InvoiceExpiry = defaultInvoiceExpiry
	}

	return &Engine{
		cfg:       cfg,
		compLocks: make(map[uuid.UUID]*sync.Mutex),
		quit:      make(chan struct{}),
	}
}

// Start launches the periodic competition handler.
func (e *Engine) Start() error {
	if !atomic.CompareAndSwapUint32(&e.started, 0, 1) {
		return nil
	}

	log.Infof("Starting lifecycle engine")

	e.cfg.Ticker.Resume()

	e.wg.Add(1)
	go e.tickHandler()

	return nil
}

// Stop signals the engine to shut down and blocks until the tick handler
// exits. An in-flight tick is allowed to finish so no on-chain side effect
// is stranded halfway.
func (e *Engine) Stop() error {
	if !atomic.CompareAndSwapUint32(&e.stopped, 0, 1) {
		return nil
	}

	log.Infof("Lifecycle engine shutting down")

	e.cfg.Ticker.Stop()
	close(e.quit)
	e.wg.Wait()

	return nil
}

// tickHandler drives the periodic competition handler tick.
//
// NOTE: This MUST be run as a goroutine.
func (e *Engine) tickHandler() {
	defer e.wg.Done()

	for {
		select {
		case <-e.cfg.Ticker.Ticks():
			if err := e.ProcessAll(context.Background()); err != nil {
				log.Errorf("Competition tick failed: %v", err)
			}

		case <-e.quit:
			return
		}
	}
}

// ProcessAll runs one handler tick over every active competition.
func (e *Engine) ProcessAll(ctx context.Context) error {
	comps, err := e.cfg.Store.GetActiveCompetitions()
	if err != nil {
		return fmt.Errorf("unable to load active competitions: %w",
			err)
	}

	for _, comp := range comps {
		select {
		case <-e.quit:
			return nil
		default:
		}

		if err := e.ProcessCompetition(ctx, comp.ID); err != nil {
			log.Errorf("Unable to process competition %v: %v",
				comp.ID, err)
		}
	}

	return nil
}

// compLock returns the per-competition transition lock.
func (e *Engine) compLock(id uuid.UUID) *sync.Mutex {
	e.compLocksMtx.Lock()
	defer e.compLocksMtx.Unlock()

	mtx, ok := e.compLocks[id]
	if !ok {
		mtx = &sync.Mutex{}
		e.compLocks[id] = mtx
	}
	return mtx
}

// ProcessCompetition rehydrates one competition and advances it until it
// blocks on external input, fails, or reaches a terminal state. Transitions
// for a given competition are serialized by its lock.
func (e *Engine) ProcessCompetition(ctx context.Context, id uuid.UUID) error {
	mtx := e.compLock(id)
	mtx.Lock()
	defer mtx.Unlock()

	comp, err := e.cfg.Store.GetCompetition(id)
	if err != nil {
		return err
	}

	status := StatusFromCompetition(comp)

	for steps := 0; steps < maxStepsPerTick; steps++ {
		if status.IsTerminal() {
			return nil
		}

		next, err := e.step(ctx, status)
		switch {
		// Fatal: record the failure and stop driving this
		// competition. The error never mutates the source state
		// beyond the terminal marker.
		case err != nil:
			failed := Fail(status, err, e.now())
			if dbErr := e.cfg.Store.UpdateCompetition(
				failed.Competition(),
			); dbErr != nil {
				return fmt.Errorf("unable to persist "+
					"failure: %v (original: %w)", dbErr,
					err)
			}
			return nil

		// Blocked on external input; wait for the next tick.
		case next == nil:
			return nil
		}

		if err := e.cfg.Store.UpdateCompetition(
			next.Competition(),
		); err != nil {
			return fmt.Errorf("unable to persist transition to "+
				"%v: %w", next.StateName(), err)
		}

		log.Infof("Competition %v advanced %v -> %v", id,
			status.StateName(), next.StateName())

		status = next
	}

	log.Warnf("Competition %v hit the per-tick step limit", id)

	return nil
}

// step attempts a single transition for the given state. It returns the
// next state when one was taken, nil when the competition is blocked on
// external input, or an error when the competition must fail.
func (e *Engine) step(ctx context.Context, status Status) (Status, error) {
	switch s := status.(type) {
	case *Created:
		if s.IsExpired(e.now()) {
			return Cancel(s, "entry window closed with no entries",
				e.now()), nil
		}
		if s.Competition().TotalEntries > 0 {
			return s.FirstEntryAdded(), nil
		}
		return nil, nil

	case *CollectingEntries:
		if s.IsExpired(e.now()) {
			return Cancel(s, "entry window closed underfilled",
				e.now()), nil
		}

		next, err := s.AllEntriesCollected()
		if errors.Is(err, ErrNotAllEntriesPaid) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return next, nil

	case *AwaitingEscrow:
		return e.stepAwaitingEscrow(ctx, s)

	case *EscrowConfirmed:
		return e.stepEscrowConfirmed(ctx, s)

	case *EventCreated:
		return e.stepEventCreated(ctx, s)

	case *EntriesSubmitted:
		return e.stepEntriesSubmitted(ctx, s)

	case *ContractCreated:
		return e.stepContractCreated(ctx, s)

	case *AwaitingSignatures:
		return e.stepAwaitingSignatures(ctx, s)

	case *SigningComplete:
		return e.stepSigningComplete(ctx, s)

	case *FundingBroadcasted:
		return e.stepFundingBroadcasted(ctx, s)

	case *FundingConfirmed:
		return e.stepFundingConfirmed(ctx, s)

	case *FundingSettled:
		return s.AwaitAttestation(), nil

	case *AwaitingAttestation:
		return e.stepAwaitingAttestation(ctx, s)

	case *Attested:
		return e.stepAttested(ctx, s)

	case *OutcomeBroadcasted:
		return e.stepOutcomeBroadcasted(ctx, s)

	case *DeltaBroadcasted:
		return e.stepDeltaBroadcasted(ctx, s)

	case *ExpiryBroadcasted:
		return e.stepExpiryBroadcasted(ctx, s)

	default:
		return nil, nil
	}
}

// stepAwaitingEscrow waits for every ticket's escrow transaction to reach
// the required depth. With escrow disabled there is nothing to wait for.
func (e *Engine) stepAwaitingEscrow(ctx context.Context,
	s *AwaitingEscrow) (Status, error) {

	if !e.cfg.EscrowEnabled {
		return s.EscrowConfirmed(e.now()), nil
	}

	tickets, err := e.cfg.Store.GetCompetitionTickets(s.Competition().ID)
	if err != nil {
		return nil, err
	}

	best, err := e.cfg.Bitcoin.BestHeight(ctx)
	if err != nil {
		log.Warnf("Unable to query chain height: %v", err)
		return nil, nil
	}

	for _, t := range tickets {
		if t.Status != compdb.TicketPaid &&
			t.Status != compdb.TicketSettled {

			continue
		}
		if t.EscrowTransaction == "" {
			log.Debugf("Ticket %v paid but escrow tx missing", t.ID)
			return nil, nil
		}

		txid, err := escrowTxid(t.EscrowTransaction)
		if err != nil {
			return nil, err
		}

		confHeight, err := e.cfg.Bitcoin.ConfirmationHeight(ctx, txid)
		if err != nil || confHeight == 0 {
			return nil, nil
		}
		if best-confHeight+1 < e.cfg.RequiredConfirmations {
			return nil, nil
		}
	}

	return s.EscrowConfirmed(e.now()), nil
}

// stepEscrowConfirmed creates the oracle event.
func (e *Engine) stepEscrowConfirmed(ctx context.Context,
	s *EscrowConfirmed) (Status, error) {

	comp := s.Competition()
	event, err := e.cfg.Oracle.CreateEvent(ctx, &oracle.CreateEventRequest{
		ID:                     comp.ID,
		SigningDeadline:        comp.Params.SigningDeadline,
		ObservationStart:       comp.Params.StartObservation,
		ObservationEnd:         comp.Params.EndObservation,
		Locations:              comp.Params.Locations,
		TotalAllowedEntries:    comp.Params.TotalAllowedEntries,
		NumberOfValuesPerEntry: comp.Params.ValuesPerEntry,
		NumberOfPlacesWin:      comp.Params.NumberOfPlacesWin,
	})
	if err != nil {
		if oracle.IsTransient(err) {
			log.Warnf("Oracle unavailable, retrying event "+
				"creation for %v: %v", comp.ID, err)
			return nil, nil
		}
		return nil, err
	}

	return s.EventCreated(event, e.now())
}

// stepEventCreated submits the full entry set to the oracle.
func (e *Engine) stepEventCreated(ctx context.Context,
	s *EventCreated) (Status, error) {

	comp := s.Competition()
	entries, err := e.cfg.Store.GetCompetitionEntries(comp.ID)
	if err != nil {
		return nil, err
	}

	eventEntries := make([]oracle.EventEntry, 0, len(entries))
	for _, entry := range entries {
		eventEntries = append(eventEntries, oracle.EventEntry{
			ID:                   entry.ID,
			EventID:              comp.ID,
			ExpectedObservations: entry.Choices,
		})
	}

	err = e.cfg.Oracle.SubmitEntries(ctx, comp.ID, eventEntries)
	if err != nil {
		if oracle.IsTransient(err) {
			log.Warnf("Oracle unavailable, retrying entry "+
				"submission for %v: %v", comp.ID, err)
			return nil, nil
		}
		return nil, err
	}

	return s.EntriesSubmitted(e.now()), nil
}

// stepEntriesSubmitted runs the keygen ceremony and builds the contract
// parameters plus the unsigned funding PSBT.
func (e *Engine) stepEntriesSubmitted(ctx context.Context,
	s *EntriesSubmitted) (Status, error) {

	comp := s.Competition()
	entries, err := e.cfg.Store.GetCompetitionEntries(comp.ID)
	if err != nil {
		return nil, err
	}

	session, err := e.cfg.Keymeld.InitKeygenSession(
		ctx, comp.ID, len(entries)+1,
	)
	if err != nil {
		return nil, fmt.Errorf("keymeld keygen init: %w", err)
	}

	for _, entry := range entries {
		err := e.cfg.Keymeld.RegisterParticipant(
			ctx, session.ID, entry.UserPubkey,
		)
		if err != nil {
			return nil, fmt.Errorf("keymeld register: %w", err)
		}
	}

	session, err = e.cfg.Keymeld.WaitForKeygen(ctx, session.ID)
	if err != nil {
		return nil, fmt.Errorf("keymeld keygen: %w", err)
	}

	params, err := buildContractParameters(
		comp, entries, session.AggregatedPubkey,
		e.cfg.RelativeLocktimeBlockDelta,
	)
	if err != nil {
		return nil, err
	}

	pkScript, err := fundingPkScript(session.AggregatedPubkey)
	if err != nil {
		return nil, err
	}

	feeRates, err := e.cfg.Bitcoin.EstimateFeeRates(ctx)
	if err != nil {
		log.Warnf("Unable to estimate fees for funding psbt: %v", err)
		return nil, nil
	}
	satPerVByte := uint64(1)
	if rate, ok := feeRates[1]; ok && rate > 1 {
		satPerVByte = uint64(rate + 0.5)
	}

	packet, err := e.cfg.Bitcoin.FundPSBT(
		ctx, pkScript, comp.Params.TotalCompetitionPool, satPerVByte,
	)
	if err != nil {
		return nil, fmt.Errorf("unable to fund funding psbt: %w", err)
	}

	unsignedTxid := packet.UnsignedTx.TxHash()
	outpoint, err := fundingOutpoint(packet, pkScript)
	if err != nil {
		return nil, err
	}

	psbtB64, err := psbtToBase64(packet)
	if err != nil {
		return nil, err
	}

	log.Infof("Built funding psbt %v for competition %v", unsignedTxid,
		comp.ID)

	return s.ContractCreated(params, outpoint, psbtB64, e.now())
}

// stepContractCreated fetches the aggregated public nonces from the keygen
// session.
func (e *Engine) stepContractCreated(ctx context.Context,
	s *ContractCreated) (Status, error) {

	sessionID := keymeld.SessionID(s.Competition().ID)
	session, err := e.cfg.Keymeld.WaitForKeygen(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("keymeld nonces: %w", err)
	}

	return s.NoncesGenerated(session.PublicNonces)
}

// stepAwaitingSignatures drives the batch signing ceremony.
func (e *Engine) stepAwaitingSignatures(ctx context.Context,
	s *AwaitingSignatures) (Status, error) {

	if s.IsExpired(e.now()) {
		return nil, fmt.Errorf("signing deadline passed: %w",
			ErrCompetitionExpired)
	}

	sessionID := keymeld.SessionID(s.Competition().ID)
	result, err := e.cfg.Keymeld.SignDLCBatch(
		ctx, sessionID, s.Competition().ContractParameters,
	)
	if err != nil {
		if errors.Is(err, keymeld.ErrTimeout) {
			log.Warnf("Keymeld signing timed out for %v, will "+
				"retry", s.Competition().ID)
			return nil, nil
		}
		return nil, fmt.Errorf("keymeld signing: %w", err)
	}

	return s.SigningComplete(result.SignedContract, e.now())
}

// stepSigningComplete signs and broadcasts the funding transaction.
func (e *Engine) stepSigningComplete(ctx context.Context,
	s *SigningComplete) (Status, error) {

	comp := s.Competition()
	packet, err := psbtFromBase64(comp.FundingPSBTBase64)
	if err != nil {
		return nil, err
	}

	signed, err := e.cfg.Bitcoin.SignPSBT(ctx, packet)
	if err != nil {
		return nil, fmt.Errorf("unable to sign funding psbt: %w", err)
	}

	if err := psbt.MaybeFinalizeAll(signed); err != nil {
		return nil, fmt.Errorf("unable to finalize funding psbt: %w",
			err)
	}

	fundingTx, err := psbt.Extract(signed)
	if err != nil {
		return nil, fmt.Errorf("unable to extract funding tx: %w", err)
	}

	if err := e.cfg.Bitcoin.Broadcast(ctx, fundingTx); err != nil {
		log.Warnf("Funding broadcast failed for %v, will retry: %v",
			comp.ID, err)
		return nil, nil
	}

	return s.FundingBroadcasted(fundingTx, e.now())
}

// stepFundingBroadcasted waits for the funding transaction to reach its
// confirmation depth.
func (e *Engine) stepFundingBroadcasted(ctx context.Context,
	s *FundingBroadcasted) (Status, error) {

	comp := s.Competition()
	if comp.FundingTransaction == nil {
		return nil, &MissingDataError{Field: "funding_transaction"}
	}

	txid := comp.FundingTransaction.TxHash()
	confHeight, err := e.cfg.Bitcoin.ConfirmationHeight(ctx, &txid)
	if err != nil || confHeight == 0 {
		return nil, nil
	}

	best, err := e.cfg.Bitcoin.BestHeight(ctx)
	if err != nil {
		return nil, nil
	}
	if best-confHeight+1 < e.cfg.RequiredConfirmations {
		return nil, nil
	}

	return s.FundingConfirmed(e.now()), nil
}

// stepFundingConfirmed settles every HODL invoice that is still in flight.
// With escrow enabled the invoice watcher already settled them; without,
// this is where the payers' funds finally clear.
func (e *Engine) stepFundingConfirmed(ctx context.Context,
	s *FundingConfirmed) (Status, error) {

	comp := s.Competition()
	tickets, err := e.cfg.Store.GetCompetitionTickets(comp.ID)
	if err != nil {
		return nil, err
	}

	allSettled := true
	for _, t := range tickets {
		if t.Status != compdb.TicketPaid {
			continue
		}

		preimage, err := preimageFromHex(t.EncryptedPreimage)
		if err != nil {
			return nil, err
		}

		err = e.cfg.Ln.SettleHoldInvoice(ctx, preimage)
		if err != nil {
			log.Warnf("Unable to settle invoice for ticket %v, "+
				"will retry: %v", t.ID, err)
			allSettled = false
			continue
		}

		if err := e.cfg.Store.MarkTicketSettled(t.ID); err != nil {
			return nil, err
		}
	}

	if !allSettled {
		return nil, nil
	}

	return s.FundingSettled(e.now()), nil
}

// stepAwaitingAttestation polls the oracle for an attestation, falling to
// the refund path once blockchain time passes the event expiry.
func (e *Engine) stepAwaitingAttestation(ctx context.Context,
	s *AwaitingAttestation) (Status, error) {

	comp := s.Competition()
	event, err := e.cfg.Oracle.GetEvent(ctx, comp.ID)
	if err != nil {
		log.Warnf("Unable to poll oracle event %v: %v", comp.ID, err)
		return nil, nil
	}

	if len(event.Attestation) > 0 {
		return s.Attested(event.Attestation, e.now())
	}

	blockchainTime, err := e.cfg.Bitcoin.ConfirmedBlockchainTime(
		ctx, e.cfg.RequiredConfirmations,
	)
	if err != nil {
		log.Warnf("Unable to query blockchain time: %v", err)
		return nil, nil
	}

	if !s.IsExpired(blockchainTime) {
		return nil, nil
	}

	// Event expired unattested: publish the refund spend before the
	// transition so the timestamp never claims an un-broadcast expiry.
	contract, err := keymeld.DecodeSignedContract(comp.SignedContract)
	if err != nil {
		return nil, err
	}
	if contract.ExpiryTx != "" {
		expiryTx, err := txFromHex(contract.ExpiryTx)
		if err != nil {
			return nil, err
		}
		if err := e.cfg.Bitcoin.Broadcast(ctx, expiryTx); err != nil {
			log.Warnf("Expiry broadcast failed for %v, will "+
				"retry: %v", comp.ID, err)
			return nil, nil
		}
	}

	log.Infof("Competition %v expired unattested, refund path engaged",
		comp.ID)

	return s.Expired(e.now()), nil
}

// stepAttested selects and broadcasts the outcome transaction matching the
// attested result.
func (e *Engine) stepAttested(ctx context.Context,
	s *Attested) (Status, error) {

	comp := s.Competition()
	contract, err := keymeld.DecodeSignedContract(comp.SignedContract)
	if err != nil {
		return nil, err
	}

	log.Tracef("Competition %v signed contract: %v", comp.ID,
		spew.Sdump(contract))

	entries, err := e.cfg.Store.GetCompetitionEntries(comp.ID)
	if err != nil {
		return nil, err
	}

	forecasts, err := e.cfg.Oracle.GetForecasts(ctx, comp.ID)
	if err != nil {
		log.Warnf("Unable to fetch forecasts for %v: %v", comp.ID, err)
		return nil, nil
	}
	observations, err := e.cfg.Oracle.GetObservations(ctx, comp.ID)
	if err != nil {
		log.Warnf("Unable to fetch observations for %v: %v", comp.ID,
			err)
		return nil, nil
	}

	winIdx, err := winningEntryIndex(entries, forecasts, observations)
	if err != nil {
		return nil, err
	}
	if winIdx >= len(contract.OutcomeTxs) {
		return nil, &VerificationError{
			Msg: "signed contract lacks outcome for winner",
		}
	}

	outcomeTx, err := txFromHex(contract.OutcomeTxs[winIdx])
	if err != nil {
		return nil, err
	}

	if err := e.cfg.Bitcoin.Broadcast(ctx, outcomeTx); err != nil {
		log.Warnf("Outcome broadcast failed for %v, will retry: %v",
			comp.ID, err)
		return nil, nil
	}

	return s.OutcomeBroadcasted(outcomeTx, e.now())
}

// stepOutcomeBroadcasted waits out the relative timelock on the outcome
// output, then publishes the delta spends.
func (e *Engine) stepOutcomeBroadcasted(ctx context.Context,
	s *OutcomeBroadcasted) (Status, error) {

	comp := s.Competition()
	if comp.OutcomeTransaction == nil {
		return nil, &MissingDataError{Field: "outcome_transaction"}
	}

	txid := comp.OutcomeTransaction.TxHash()
	confHeight, err := e.cfg.Bitcoin.ConfirmationHeight(ctx, &txid)
	if err != nil || confHeight == 0 {
		return nil, nil
	}

	best, err := e.cfg.Bitcoin.BestHeight(ctx)
	if err != nil {
		return nil, nil
	}
	if best < confHeight+uint32(e.cfg.RelativeLocktimeBlockDelta) {
		return nil, nil
	}

	contract, err := keymeld.DecodeSignedContract(comp.SignedContract)
	if err != nil {
		return nil, err
	}

	for _, rawHex := range contract.DeltaTxs {
		deltaTx, err := txFromHex(rawHex)
		if err != nil {
			return nil, err
		}
		if err := e.cfg.Bitcoin.Broadcast(ctx, deltaTx); err != nil {
			log.Warnf("Delta broadcast failed for %v, will "+
				"retry: %v", comp.ID, err)
			return nil, nil
		}
	}

	return s.DeltaBroadcasted(e.now()), nil
}

// stepDeltaBroadcasted completes the competition once the delta spends are
// on chain.
func (e *Engine) stepDeltaBroadcasted(ctx context.Context,
	s *DeltaBroadcasted) (Status, error) {

	comp := s.Competition()
	contract, err := keymeld.DecodeSignedContract(comp.SignedContract)
	if err != nil {
		return nil, err
	}

	for _, rawHex := range contract.DeltaTxs {
		deltaTx, err := txFromHex(rawHex)
		if err != nil {
			return nil, err
		}

		txid := deltaTx.TxHash()
		confHeight, err := e.cfg.Bitcoin.ConfirmationHeight(
			ctx, &txid,
		)
		if err != nil || confHeight == 0 {
			return nil, nil
		}
	}

	return s.Completed(e.now()), nil
}

// stepExpiryBroadcasted completes the competition down the refund path
// once the expiry spend confirms.
func (e *Engine) stepExpiryBroadcasted(ctx context.Context,
	s *ExpiryBroadcasted) (Status, error) {

	comp := s.Competition()
	contract, err := keymeld.DecodeSignedContract(comp.SignedContract)
	if err != nil {
		return nil, err
	}

	if contract.ExpiryTx != "" {
		expiryTx, err := txFromHex(contract.ExpiryTx)
		if err != nil {
			return nil, err
		}

		txid := expiryTx.TxHash()
		confHeight, err := e.cfg.Bitcoin.ConfirmationHeight(
			ctx, &txid,
		)
		if err != nil || confHeight == 0 {
			return nil, nil
		}
	}

	return s.Completed(e.now()), nil
}

// now returns the engine clock's current UTC time.
func (e *Engine) now() time.Time {
	return e.cfg.Clock.Now().UTC()
}

// escrowTxid computes the txid of a stored raw escrow transaction.
func escrowTxid(rawHex string) (*chainhash.Hash, error) {
	tx, err := txFromHex(rawHex)
	if err != nil {
		return nil, fmt.Errorf("invalid escrow tx: %w", err)
	}

	txid := tx.TxHash()
	return &txid, nil
}

// preimageFromHex parses a stored preimage, zeroing the intermediate
// buffer.
func preimageFromHex(preimageHex string) (lntypes.Preimage, error) {
	raw, err := hex.DecodeString(preimageHex)
	if err != nil {
		return lntypes.Preimage{}, fmt.Errorf("invalid preimage: %w",
			err)
	}
	defer zeroBytes(raw)

	return lntypes.MakePreimage(raw)
}

// zeroBytes wipes a secret buffer.
func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// NewPaymentCredentials generates a fresh (preimage, hash) pair for a
// ticket. Both are returned hex encoded for storage; the raw preimage
// bytes are wiped before returning.
func NewPaymentCredentials() (string, string, lntypes.Hash, error) {
	var raw [32]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", "", lntypes.Hash{}, fmt.Errorf("unable to draw "+
			"preimage: %w", err)
	}
	defer zeroBytes(raw[:])

	hash := sha256.Sum256(raw[:])

	return hex.EncodeToString(raw[:]), hex.EncodeToString(hash[:]),
		lntypes.Hash(hash), nil
}

// fundingOutpoint locates the pool output within the funded PSBT's
// unsigned transaction.
func fundingOutpoint(packet *psbt.Packet,
	pkScript []byte) (*wire.OutPoint, error) {

	unsignedTxid := packet.UnsignedTx.TxHash()
	for i, txOut := range packet.UnsignedTx.TxOut {
		if strings.EqualFold(
			hex.EncodeToString(txOut.PkScript),
			hex.EncodeToString(pkScript),
		) {
			return wire.NewOutPoint(&unsignedTxid, uint32(i)), nil
		}
	}

	return nil, &MissingDataError{Field: "funding_output"}
}

func psbtToBase64(packet *psbt.Packet) (string, error) {
	var buf strings.Builder
	b64 := base64.NewEncoder(base64.StdEncoding, &buf)
	if err := packet.Serialize(b64); err != nil {
		return "", fmt.Errorf("unable to serialize psbt: %w", err)
	}
	if err := b64.Close(); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func psbtFromBase64(encoded string) (*psbt.Packet, error) {
	packet, err := psbt.NewFromRawBytes(strings.NewReader(encoded), true)
	if err != nil {
		return nil, fmt.Errorf("unable to decode funding psbt: %w",
			err)
	}
	return packet, nil
}
