// Package payouts observes the resolution of winner payments. Like the
// invoice subsystem it runs a pair of actors: a push Subscriber joined to
// the node's payment stream and a polling Watcher sweeping Pending payout
// rows. A payment that fails terminally flags its payout for on-chain
// resolution through the contract's sellback path; the store transition is
// idempotent so the two actors may race freely.
package payouts

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/ticker"

	"github.com/5day4cast/coordinator/compdb"
	"github.com/5day4cast/coordinator/lnclient"
)

// WatcherConfig bundles the payout watcher's collaborators.
type WatcherConfig struct {
	Store *compdb.DB
	Ln    lnclient.Ln

	// Params names the network for BOLT11 decoding.
	Params *chaincfg.Params

	// Ticker paces the polling loop.
	Ticker ticker.Ticker

	Clock clock.Clock
}

// Watcher polls Pending payouts and resolves them against the node's
// payment records.
type Watcher struct {
	started uint32
	stopped uint32

	cfg *WatcherConfig

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewWatcher creates a payout watcher.
func NewWatcher(cfg *WatcherConfig) *Watcher {
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
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

	log.Infof("Starting payout watcher")

	w.cfg.Ticker.Resume()

	w.wg.Add(1)
	go w.watchLoop()

	return nil
}

// Stop signals the watcher to exit and waits for the loop to drain.
func (w *Watcher) Stop() error {
	if !atomic.CompareAndSwapUint32(&w.stopped, 0, 1) {
		return nil
	}

	log.Infof("Payout watcher shutting down")

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
			if err := w.HandlePendingPayouts(
				context.Background(),
			); err != nil {
				log.Errorf("Payout tick failed: %v", err)
			}

		case <-w.quit:
			return
		}
	}
}

// HandlePendingPayouts runs one sweep over every Pending payout.
// Per-payout lookup failures are logged and skipped; store-write failures
// abort the sweep.
func (w *Watcher) HandlePendingPayouts(ctx context.Context) error {
	payouts, err := w.cfg.Store.GetPendingPayouts()
	if err != nil {
		return fmt.Errorf("unable to load pending payouts: %w", err)
	}

	log.Tracef("Checking %d pending payouts", len(payouts))

	for _, payout := range payouts {
		select {
		case <-w.quit:
			return nil
		default:
		}

		if err := w.handlePayout(ctx, payout); err != nil {
			return err
		}
	}

	return nil
}

// handlePayout resolves a single pending payout.
func (w *Watcher) handlePayout(ctx context.Context,
	payout *compdb.Payout) error {

	hash, err := w.paymentHash(payout)
	if err != nil {
		// An unparseable invoice can never resolve over Lightning;
		// fail the payout so the winner falls back to the on-chain
		// path.
		log.Errorf("Invalid invoice for payout %v: %v", payout.ID, err)

		return w.cfg.Store.MarkPayoutFailed(
			payout.ID, w.cfg.Clock.Now().UTC(),
			fmt.Sprintf("invalid invoice: %v", err),
		)
	}

	payment, err := w.cfg.Ln.LookupPayment(ctx, hash)
	if err != nil {
		log.Debugf("Unable to look up payment for payout %v: %v",
			payout.ID, err)
		return nil
	}

	switch payment.Status {
	case lnclient.PaymentSucceeded:
		log.Infof("Payment succeeded for payout %v", payout.ID)

		return w.cfg.Store.MarkPayoutSucceeded(
			payout.ID, w.cfg.Clock.Now().UTC(),
		)

	case lnclient.PaymentFailed:
		log.Warnf("Payment failed for payout %v (entry %v): %v; "+
			"will resolve on-chain", payout.ID, payout.EntryID,
			payment.FailureReason)

		return w.cfg.Store.MarkPayoutFailed(
			payout.ID, w.cfg.Clock.Now().UTC(),
			payment.FailureReason,
		)

	default:
		log.Debugf("Payment still unresolved for payout %v: %v",
			payout.ID, payment.Status)
		return nil
	}
}

// paymentHash returns the payout's join key against the payment stream,
// preferring the hash recorded at creation and falling back to decoding
// the invoice.
func (w *Watcher) paymentHash(payout *compdb.Payout) (lntypes.Hash, error) {
	if payout.PaymentHash != "" {
		return lntypes.MakeHashFromStr(payout.PaymentHash)
	}

	return lnclient.ExtractPaymentHash(
		payout.PayoutPaymentRequest, w.cfg.Params,
	)
}

// resubscribeDelay is how long the subscriber waits before reopening a
// dead stream.
const resubscribeDelay = 5 * time.Second

// SubscriberConfig bundles the payment subscriber's collaborators.
type SubscriberConfig struct {
	Store *compdb.DB
	Ln    lnclient.Ln

	Clock clock.Clock
}

// Subscriber consumes the node's payment stream and resolves payouts on
// terminal updates.
type Subscriber struct {
	started uint32
	stopped uint32

	cfg *SubscriberConfig

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewSubscriber creates a payment subscriber.
func NewSubscriber(cfg *SubscriberConfig) *Subscriber {
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}

	return &Subscriber{
		cfg:  cfg,
		quit: make(chan struct{}),
	}
}

// Start launches the subscription loop.
func (s *Subscriber) Start() error {
	if !atomic.CompareAndSwapUint32(&s.started, 0, 1) {
		return nil
	}

	log.Infof("Starting payment subscriber")

	s.wg.Add(1)
	go s.subscribeLoop()

	return nil
}

// Stop signals the subscriber to exit and waits for the loop to drain.
func (s *Subscriber) Stop() error {
	if !atomic.CompareAndSwapUint32(&s.stopped, 0, 1) {
		return nil
	}

	log.Infof("Payment subscriber shutting down")

	close(s.quit)
	s.wg.Wait()

	return nil
}

// subscribeLoop keeps a payment subscription open, reconnecting with a
// delay whenever the stream dies.
//
// NOTE: This MUST be run as a goroutine.
func (s *Subscriber) subscribeLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.quit:
			return
		default:
		}

		if err := s.runSubscription(); err != nil {
			log.Errorf("Payment subscription error: %v", err)
		}

		select {
		case <-time.After(resubscribeDelay):
		case <-s.quit:
			return
		}
	}
}

// runSubscription consumes one subscription stream until it closes or the
// subscriber shuts down.
func (s *Subscriber) runSubscription() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates, err := s.cfg.Ln.SubscribePayments(ctx)
	if err != nil {
		return err
	}

	log.Debugf("Payment subscription connected")

	for {
		select {
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			s.handleUpdate(update)

		case <-s.quit:
			return nil
		}
	}
}

// handleUpdate joins a terminal payment update to its payout and resolves
// it.
func (s *Subscriber) handleUpdate(update lnclient.PaymentUpdate) {
	if !update.Status.IsTerminal() {
		return
	}

	hashHex := update.PaymentHash.String()

	payout, err := s.cfg.Store.GetPayoutByPaymentHash(hashHex)
	if err != nil {
		log.Debugf("No payout for payment %v", hashHex)
		return
	}

	switch update.Status {
	case lnclient.PaymentSucceeded:
		log.Infof("Payment succeeded for payout %v (subscription)",
			payout.ID)

		err = s.cfg.Store.MarkPayoutSucceeded(
			payout.ID, s.cfg.Clock.Now().UTC(),
		)

	case lnclient.PaymentFailed:
		reason := update.FailureReason
		if reason == "" {
			reason = "unknown"
		}
		log.Warnf("Payment failed for payout %v: %v", payout.ID,
			reason)

		err = s.cfg.Store.MarkPayoutFailed(
			payout.ID, s.cfg.Clock.Now().UTC(), reason,
		)
	}

	if err != nil {
		log.Errorf("Unable to resolve payout %v: %v", payout.ID, err)
	}
}
