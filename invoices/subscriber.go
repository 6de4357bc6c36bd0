package invoices

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/5day4cast/coordinator/compdb"
	"github.com/5day4cast/coordinator/lnclient"
)

// resubscribeDelay is how long the subscriber waits before reopening a
// dead stream.
const resubscribeDelay = 5 * time.Second

// SubscriberConfig bundles the subscriber's collaborators.
type SubscriberConfig struct {
	Store *compdb.DB
	Ln    lnclient.Ln
}

// Subscriber owns the push stream of invoice updates from the Lightning
// node. It reacts to acceptance events by marking the matching ticket
// paid, one-shot per event. The heavier escrow work stays with the
// Watcher: the idempotent mark-paid call decides which actor owns the
// follow-up.
type Subscriber struct {
	started uint32
	stopped uint32

	cfg *SubscriberConfig

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewSubscriber creates an invoice subscriber.
func NewSubscriber(cfg *SubscriberConfig) *Subscriber {
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

	log.Infof("Starting invoice subscriber")

	s.wg.Add(1)
	go s.subscribeLoop()

	return nil
}

// Stop signals the subscriber to exit and waits for the loop to drain.
func (s *Subscriber) Stop() error {
	if !atomic.CompareAndSwapUint32(&s.stopped, 0, 1) {
		return nil
	}

	log.Infof("Invoice subscriber shutting down")

	close(s.quit)
	s.wg.Wait()

	return nil
}

// subscribeLoop keeps an invoice subscription open, reconnecting with a
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
			log.Errorf("Invoice subscription error: %v", err)
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

	updates, err := s.cfg.Ln.SubscribeInvoices(ctx)
	if err != nil {
		return err
	}

	log.Debugf("Invoice subscription connected")

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

// handleUpdate marks the ticket behind an accepted invoice as paid.
func (s *Subscriber) handleUpdate(update lnclient.InvoiceUpdate) {
	if update.State != lnclient.InvoiceAccepted {
		return
	}

	hashHex := update.PaymentHash.String()

	ticket, err := s.cfg.Store.GetTicketByHash(hashHex)
	if err != nil {
		if errors.Is(err, compdb.ErrTicketNotFound) {
			log.Debugf("No ticket for accepted invoice %v",
				hashHex)
			return
		}
		log.Warnf("Unable to look up ticket for %v: %v", hashHex, err)
		return
	}

	log.Infof("Invoice accepted for ticket %v (subscription)", ticket.ID)

	transitioned, err := s.cfg.Store.MarkTicketPaid(
		ticket.Hash, ticket.CompetitionID,
	)
	if err != nil {
		log.Errorf("Unable to mark ticket %v paid: %v", ticket.ID, err)
		return
	}
	if !transitioned {
		log.Debugf("Ticket %v already paid", ticket.ID)
	}
}
