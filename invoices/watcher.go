// Package invoices drives ticket payment acceptance. Two cooperating
// actors watch the Lightning node: a push Subscriber that reacts to
// invoice updates the moment they arrive, and a polling Watcher that
// sweeps every Reserved or Paid ticket on an interval. Both funnel into the same
// idempotent mark-paid store call, so their race is harmless; only the
// Watcher runs the full acceptance protocol of escrow broadcast, invoice
// settlement and ticket reset.
package invoices

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/wire"
	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/ticker"

	"github.com/5day4cast/coordinator/bitcoinclient"
	"github.com/5day4cast/coordinator/compdb"
	"github.com/5day4cast/coordinator/escrow"
	"github.com/5day4cast/coordinator/lifecycle"
	"github.com/5day4cast/coordinator/lnclient"
)

const (
	// maxBroadcastRetries bounds broadcast attempts per transaction.
	maxBroadcastRetries = 3

	// maxEscrowRegenerationRetries bounds how often the escrow
	// transaction is rebuilt with fresh UTXOs after broadcast failure.
	maxEscrowRegenerationRetries = 2

	// retryDelay is the base unit of the backoff schedules: broadcast
	// retries back off exponentially (1s, 2s, 4s), regeneration
	// attempts linearly.
	retryDelay = time.Second
)

// WatcherConfig bundles the watcher's collaborators.
type WatcherConfig struct {
	Store   *compdb.DB
	Bitcoin bitcoinclient.Bitcoin
	Ln      lnclient.Ln

	// Ticker paces the polling loop.
	Ticker ticker.Ticker

	// EscrowEnabled selects the acceptance protocol.
	EscrowEnabled bool

	// CSVDelay is the relative timelock on the escrow refund path.
	CSVDelay uint16

	// RetryDelay overrides the base backoff unit. Zero means the
	// production default of one second.
	RetryDelay time.Duration
}

// Watcher polls every Reserved or Paid ticket's invoice and runs the full
// acceptance protocol when one is accepted.
type Watcher struct {
	started uint32
	stopped uint32

	cfg *WatcherConfig

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewWatcher creates an invoice watcher.
func NewWatcher(cfg *WatcherConfig) *Watcher {
	if cfg.CSVDelay == 0 {
		cfg.CSVDelay = escrow.DefaultCSVDelay
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = retryDelay
	}

	return &Watcher{
		cfg:  cfg,
		quit: make(chan struct{}),
	}
}

// Start launches the polling loop.
func (w *Watcher) Start() error {
	if !atomic.CompareAndSwapUint32(&w.started, 0, 1) {
		return nil
	}

	log.Infof("Starting invoice watcher")

	w.cfg.Ticker.Resume()

	w.wg.Add(1)
	go w.watchLoop()

	return nil
}

// Stop signals the watcher to exit and waits for the loop to drain. An
// in-flight acceptance protocol is awaited so no invoice is left both
// uncancelled and untracked.
func (w *Watcher) Stop() error {
	if !atomic.CompareAndSwapUint32(&w.stopped, 0, 1) {
		return nil
	}

	log.Infof("Invoice watcher shutting down")

	w.cfg.Ticker.Stop()
	close(w.quit)
	w.wg.Wait()

	return nil
}

// watchLoop is the watcher's main goroutine.
//
// NOTE: This MUST be run as a goroutine.
func (w *Watcher) watchLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.cfg.Ticker.Ticks():
			if err := w.HandlePendingTickets(
				context.Background(),
			); err != nil {
				log.Errorf("Invoice tick failed: %v", err)
			}

		case <-w.quit:
			return
		}
	}
}

// HandlePendingTickets runs one watcher sweep: every Reserved or Paid
// ticket's invoice is looked up, and accepted ones go through the acceptance
// protocol. Invalid ticket hashes and invoice lookup failures are logged and
// skipped; store failures and undecodable stored payment credentials abort
// the sweep.
func (w *Watcher) HandlePendingTickets(ctx context.Context) error {
	tickets, err := w.cfg.Store.GetPendingTickets()
	if err != nil {
		return fmt.Errorf("unable to load pending tickets: %w", err)
	}

	log.Tracef("Checking %d pending tickets", len(tickets))

	for _, t := range tickets {
		select {
		case <-w.quit:
			return nil
		default:
		}

		hash, err := lntypes.MakeHashFromStr(t.Hash)
		if err != nil {
			log.Errorf("Ticket %v has invalid hash: %v", t.ID, err)
			continue
		}

		invoice, err := w.cfg.Ln.LookupInvoice(ctx, hash)
		if err != nil {
			log.Debugf("Unable to look up invoice for ticket "+
				"%v: %v", t.ID, err)
			continue
		}

		if invoice.State != lnclient.InvoiceAccepted {
			continue
		}

		log.Infof("Invoice accepted for ticket %v", t.ID)

		if err := w.handleAcceptedTicket(ctx, t); err != nil {
			return err
		}
	}

	return nil
}

// handleAcceptedTicket runs the acceptance protocol for one ticket whose
// invoice just locked in.
func (w *Watcher) handleAcceptedTicket(ctx context.Context,
	t *compdb.Ticket) error {

	transitioned, err := w.cfg.Store.MarkTicketPaid(t.Hash, t.CompetitionID)
	if err != nil {
		return fmt.Errorf("unable to mark ticket %v paid: %w", t.ID,
			err)
	}
	if !transitioned {
		// The subscriber (or a racing sweep) marked the ticket paid
		// already. The subscriber never broadcasts escrow, so the
		// heavy work may still be ours: reload and carry on unless
		// the ticket already settled.
		log.Debugf("Ticket %v already paid", t.ID)

		fresh, err := w.cfg.Store.GetTicket(t.ID)
		if err != nil {
			return err
		}
		if fresh.Status != compdb.TicketPaid {
			return nil
		}
		t = fresh
	}

	if !w.cfg.EscrowEnabled {
		// Escrow disabled: the HODL invoice stays in-flight until
		// the funding transaction broadcasts, at which point the
		// lifecycle engine settles it.
		log.Infof("Ticket %v paid, invoice held until funding", t.ID)
		return nil
	}

	// A paid ticket that already carries an escrow transaction had its
	// broadcast succeed on an earlier pass; only the settle remains.
	if !transitioned && t.EscrowTransaction != "" {
		return w.settleInvoiceAndMarkTicket(ctx, t)
	}

	txid, err := w.broadcastEscrowWithUTXORetries(ctx, t)
	if err != nil {
		log.Errorf("Escrow broadcast exhausted for ticket %v: %v",
			t.ID, err)
		return w.cancelInvoiceAndResetTicket(ctx, t)
	}

	log.Infof("Escrow transaction %v broadcast for ticket %v in "+
		"competition %v", txid, t.ID, t.CompetitionID)

	return w.settleInvoiceAndMarkTicket(ctx, t)
}

// settleInvoiceAndMarkTicket reveals the HODL preimage and finalizes the
// ticket.
func (w *Watcher) settleInvoiceAndMarkTicket(ctx context.Context,
	t *compdb.Ticket) error {

	preimage, err := preimageFromHex(t.EncryptedPreimage)
	if err != nil {
		return fmt.Errorf("ticket %v preimage invalid: %w", t.ID, err)
	}

	if err := w.cfg.Ln.SettleHoldInvoice(ctx, preimage); err != nil {
		log.Errorf("Unable to settle invoice for ticket %v: %v", t.ID,
			err)
		return nil
	}

	if err := w.cfg.Store.MarkTicketSettled(t.ID); err != nil {
		return fmt.Errorf("unable to mark ticket %v settled: %w",
			t.ID, err)
	}

	log.Infof("Ticket %v settled for competition %v", t.ID,
		t.CompetitionID)

	return nil
}

// cancelInvoiceAndResetTicket cancels the held invoice and recycles the
// ticket with fresh payment credentials so another payment attempt can
// succeed.
func (w *Watcher) cancelInvoiceAndResetTicket(ctx context.Context,
	t *compdb.Ticket) error {

	hash, err := lntypes.MakeHashFromStr(t.Hash)
	if err != nil {
		return err
	}

	if err := w.cfg.Ln.CancelHoldInvoice(ctx, hash); err != nil {
		// Keep going: the reset matters more than the cancel, and
		// the invoice will expire on its own.
		log.Errorf("Unable to cancel invoice for ticket %v: %v", t.ID,
			err)
	}

	preimageHex, hashHex, _, err := lifecycle.NewPaymentCredentials()
	if err != nil {
		return err
	}

	err = w.cfg.Store.ResetTicketAfterFailedEscrow(
		t.ID, preimageHex, hashHex,
	)
	if err != nil {
		return fmt.Errorf("unable to reset ticket %v: %w", t.ID, err)
	}

	log.Infof("Ticket %v reset with fresh payment credentials after "+
		"escrow failure", t.ID)

	return nil
}

// broadcastEscrowWithUTXORetries tries the stored escrow transaction
// first, then rebuilds it against fresh UTXOs up to the regeneration
// limit.
func (w *Watcher) broadcastEscrowWithUTXORetries(ctx context.Context,
	t *compdb.Ticket) (*wire.MsgTx, error) {

	// An escrow transaction from an earlier attempt may still be
	// broadcastable.
	if t.EscrowTransaction != "" {
		tx, err := txFromHex(t.EscrowTransaction)
		if err != nil {
			log.Warnf("Stored escrow tx for ticket %v is "+
				"invalid, regenerating: %v", t.ID, err)
		} else if err := w.broadcastWithRetries(ctx, tx, t.ID); err != nil {
			log.Warnf("Stored escrow tx for ticket %v failed to "+
				"broadcast, regenerating: %v", t.ID, err)
		} else {
			return tx, nil
		}
	}

	comp, err := w.cfg.Store.GetCompetition(t.CompetitionID)
	if err != nil {
		return nil, fmt.Errorf("unable to load competition: %w", err)
	}

	if t.ReservedBy == "" {
		return nil, fmt.Errorf("ticket %v has no reservation", t.ID)
	}
	userKey, err := parseUserKey(t.ReservedBy)
	if err != nil {
		return nil, err
	}

	paymentHash, err := hashFromPreimageHex(t.EncryptedPreimage)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := uint32(1); attempt <= maxEscrowRegenerationRetries; attempt++ {
		log.Infof("Regenerating escrow tx for ticket %v (attempt "+
			"%d/%d)", t.ID, attempt, maxEscrowRegenerationRetries)

		// Refresh the wallet's UTXO view so the rebuild picks
		// different inputs.
		if err := w.cfg.Bitcoin.Sync(ctx); err != nil {
			log.Warnf("Wallet sync before regeneration failed: %v",
				err)
		}

		tx, err := escrow.GenerateTx(
			ctx, w.cfg.Bitcoin, t.ID, userKey, paymentHash,
			comp.Params.EntryFee, w.cfg.CSVDelay,
		)
		if err != nil {
			lastErr = err
			log.Warnf("Unable to regenerate escrow tx for ticket "+
				"%v: %v", t.ID, err)
			w.sleep(w.cfg.RetryDelay * time.Duration(attempt))
			continue
		}

		if err := w.broadcastWithRetries(ctx, tx, t.ID); err != nil {
			lastErr = err
			w.sleep(2 * w.cfg.RetryDelay * time.Duration(attempt))
			continue
		}

		// Persist the new raw transaction so a later restart can
		// re-broadcast instead of rebuilding.
		rawHex, err := txToHex(tx)
		if err != nil {
			return nil, err
		}
		err = w.cfg.Store.UpdateTicketEscrowTransaction(t.ID, rawHex)
		if err != nil {
			log.Warnf("Unable to persist escrow tx for ticket "+
				"%v: %v", t.ID, err)
		}

		return tx, nil
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no broadcast attempt succeeded")
	}

	return nil, fmt.Errorf("escrow broadcast failed after %d "+
		"regeneration attempts: %w", maxEscrowRegenerationRetries,
		lastErr)
}

// broadcastWithRetries publishes a transaction with exponential backoff:
// 1s, 2s, 4s.
func (w *Watcher) broadcastWithRetries(ctx context.Context, tx *wire.MsgTx,
	ticketID uuid.UUID) error {

	var lastErr error
	for attempt := uint32(1); attempt <= maxBroadcastRetries; attempt++ {
		err := w.cfg.Bitcoin.Broadcast(ctx, tx)
		if err == nil {
			log.Debugf("Broadcast %v for ticket %v (attempt "+
				"%d/%d)", tx.TxHash(), ticketID, attempt,
				maxBroadcastRetries)
			return nil
		}

		lastErr = err
		log.Warnf("Broadcast failed for ticket %v (attempt %d/%d): %v",
			ticketID, attempt, maxBroadcastRetries, err)

		w.sleep(w.cfg.RetryDelay * (1 << (attempt - 1)))
	}

	return fmt.Errorf("broadcast failed after %d attempts: %w",
		maxBroadcastRetries, lastErr)
}

// sleep waits for the given duration unless the watcher is shutting down.
func (w *Watcher) sleep(d time.Duration) {
	select {
	case <-time.After(d):
	case <-w.quit:
	}
}

func preimageFromHex(preimageHex string) (lntypes.Preimage, error) {
	raw, err := hex.DecodeString(preimageHex)
	if err != nil {
		return lntypes.Preimage{}, err
	}
	defer func() {
		for i := range raw {
			raw[i] = 0
		}
	}()

	return lntypes.MakePreimage(raw)
}

// hashFromPreimageHex recomputes the payment hash from the stored
// preimage.
func hashFromPreimageHex(preimageHex string) ([32]byte, error) {
	preimage, err := preimageFromHex(preimageHex)
	if err != nil {
		return [32]byte{}, err
	}

	return [32]byte(preimage.Hash()), nil
}

func parseUserKey(pubkeyHex string) (*btcec.PublicKey, error) {
	raw, err := hex.DecodeString(pubkeyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid user pubkey: %w", err)
	}

	key, err := btcec.ParsePubKey(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid user pubkey: %w", err)
	}

	return key, nil
}

func txFromHex(rawHex string) (*wire.MsgTx, error) {
	raw, err := hex.DecodeString(rawHex)
	if err != nil {
		return nil, err
	}

	tx := &wire.MsgTx{}
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	return tx, nil
}

func txToHex(tx *wire.MsgTx) (string, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf.Bytes()), nil
}
