package main

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/healthcheck"
	"github.com/lightningnetwork/lnd/ticker"

	"github.com/5day4cast/coordinator/auth"
	"github.com/5day4cast/coordinator/bitcoinclient"
	"github.com/5day4cast/coordinator/compdb"
	"github.com/5day4cast/coordinator/invoices"
	"github.com/5day4cast/coordinator/keymeld"
	"github.com/5day4cast/coordinator/lifecycle"
	"github.com/5day4cast/coordinator/lnclient"
	"github.com/5day4cast/coordinator/oracle"
	"github.com/5day4cast/coordinator/payouts"
)

// server is the main coordinator daemon. It owns the store, the external
// facades, the lifecycle engine and the background actors, and acts as the
// composition root handed to the REST layer. All cross-task state lives
// behind the store or per-resource locks; the server itself is shared
// immutably after Start.
type server struct {
	started  int32 // atomic
	shutdown int32 // atomic

	cfg    *config
	params *chaincfg.Params

	db *compdb.DB

	bitcoin bitcoinclient.Bitcoin
	ln      lnclient.Ln
	oracle  oracle.Oracle
	keymeld keymeld.Keymeld

	engine *lifecycle.Engine

	invoiceWatcher    *invoices.Watcher
	invoiceSubscriber *invoices.Subscriber
	payoutWatcher     *payouts.Watcher
	payoutSubscriber  *payouts.Subscriber

	registry *auth.Registry

	healthMonitor *healthcheck.Monitor

	restServer *restServer

	metrics *metricsCollector

	wg   sync.WaitGroup
	quit chan struct{}
}

// newServer wires the coordinator's subsystems together. The facades are
// passed in so integration tests can substitute mocks.
func newServer(cfg *config, params *chaincfg.Params, db *compdb.DB,
	bitcoin bitcoinclient.Bitcoin, ln lnclient.Ln, orc oracle.Oracle,
	km keymeld.Keymeld) (*server, error) {

	s := &server{
		cfg:     cfg,
		params:  params,
		db:      db,
		bitcoin: bitcoin,
		ln:      ln,
		oracle:  orc,
		keymeld: km,
		metrics: newMetricsCollector(),
		quit:    make(chan struct{}),
	}

	sysClock := clock.NewDefaultClock()

	s.engine = lifecycle.NewEngine(&lifecycle.Config{
		Store:                      db,
		Bitcoin:                    bitcoin,
		Ln:                         ln,
		Oracle:                     orc,
		Keymeld:                    km,
		Clock:                      sysClock,
		Ticker:                     ticker.New(cfg.syncInterval()),
		RequiredConfirmations:      cfg.RequiredConfirmations,
		RelativeLocktimeBlockDelta: cfg.RelativeLocktimeBlockDelta,
		EscrowEnabled:              cfg.EscrowEnabled,
	})

	s.invoiceWatcher = invoices.NewWatcher(&invoices.WatcherConfig{
		Store:         db,
		Bitcoin:       bitcoin,
		Ln:            ln,
		Ticker:        ticker.New(cfg.syncInterval()),
		EscrowEnabled: cfg.EscrowEnabled,
		CSVDelay:      cfg.RelativeLocktimeBlockDelta,
	})
	s.invoiceSubscriber = invoices.NewSubscriber(&invoices.SubscriberConfig{
		Store: db,
		Ln:    ln,
	})

	s.payoutWatcher = payouts.NewWatcher(&payouts.WatcherConfig{
		Store:  db,
		Ln:     ln,
		Params: params,
		Ticker: ticker.New(cfg.syncInterval()),
		Clock:  sysClock,
	})
	s.payoutSubscriber = payouts.NewSubscriber(&payouts.SubscriberConfig{
		Store: db,
		Ln:    ln,
		Clock: sysClock,
	})

	s.registry = auth.NewRegistry(db, sysClock)

	// Liveness probes for the external backends. A failing check logs
	// loudly but does not kill the daemon: the watchers already
	// tolerate backend outages per tick.
	interval := cfg.refreshBlocksInterval()
	checks := []*healthcheck.Observation{
		healthcheck.NewObservation(
			"lightning backend",
			func() error {
				ctx, cancel := context.WithTimeout(
					context.Background(), 10*time.Second,
				)
				defer cancel()
				return s.ln.Ping(ctx)
			},
			interval, 10*time.Second, interval, 3,
		),
		healthcheck.NewObservation(
			"chain backend",
			func() error {
				ctx, cancel := context.WithTimeout(
					context.Background(), 10*time.Second,
				)
				defer cancel()
				return s.bitcoin.Sync(ctx)
			},
			interval, 10*time.Second, interval, 3,
		),
	}
	s.healthMonitor = healthcheck.NewMonitor(&healthcheck.Config{
		Checks: checks,
		Shutdown: func(format string, params ...interface{}) {
			cordLog.Criticalf("Health check failed: "+format,
				params...)
		},
	})

	restServer, err := newRESTServer(s)
	if err != nil {
		return nil, err
	}
	s.restServer = restServer

	return s, nil
}

// Start brings up every subsystem: background actors first, the REST
// surface last so no request observes a half-started server.
func (s *server) Start() error {
	if atomic.AddInt32(&s.started, 1) != 1 {
		return nil
	}

	cordLog.Infof("Starting coordinator server on %v", s.params.Name)

	if err := s.engine.Start(); err != nil {
		return fmt.Errorf("unable to start lifecycle engine: %w", err)
	}
	if err := s.invoiceWatcher.Start(); err != nil {
		return fmt.Errorf("unable to start invoice watcher: %w", err)
	}
	if err := s.invoiceSubscriber.Start(); err != nil {
		return fmt.Errorf("unable to start invoice subscriber: %w",
			err)
	}
	if err := s.payoutWatcher.Start(); err != nil {
		return fmt.Errorf("unable to start payout watcher: %w", err)
	}
	if err := s.payoutSubscriber.Start(); err != nil {
		return fmt.Errorf("unable to start payout subscriber: %w", err)
	}
	if err := s.healthMonitor.Start(); err != nil {
		return fmt.Errorf("unable to start health monitor: %w", err)
	}

	s.wg.Add(1)
	go s.blockSyncLoop()

	if err := s.restServer.Start(); err != nil {
		return fmt.Errorf("unable to start REST server: %w", err)
	}

	return nil
}

// Stop gracefully shuts the server down: the REST surface first, then the
// remaining subsystems in reverse start order, with the block sync loop
// stopped last. Background
// actors are awaited so in-flight facade calls complete and no on-chain or
// Lightning side effect is stranded.
func (s *server) Stop() error {
	if atomic.AddInt32(&s.shutdown, 1) != 1 {
		return nil
	}

	cordLog.Infof("Coordinator server shutting down")

	s.restServer.Stop()

	if err := s.healthMonitor.Stop(); err != nil {
		cordLog.Warnf("Health monitor stop: %v", err)
	}
	s.payoutSubscriber.Stop()
	s.payoutWatcher.Stop()
	s.invoiceSubscriber.Stop()
	s.invoiceWatcher.Stop()
	s.engine.Stop()

	close(s.quit)
	s.wg.Wait()

	return nil
}

// blockSyncLoop periodically refreshes the wallet's chain view and the
// operational metrics.
//
// NOTE: This MUST be run as a goroutine.
func (s *server) blockSyncLoop() {
	defer s.wg.Done()

	syncTicker := time.NewTicker(s.cfg.refreshBlocksInterval())
	defer syncTicker.Stop()

	for {
		select {
		case <-syncTicker.C:
			ctx, cancel := context.WithTimeout(
				context.Background(), 30*time.Second,
			)

			if err := s.bitcoin.Sync(ctx); err != nil {
				cordLog.Warnf("Chain sync failed: %v", err)
			} else if height, err := s.bitcoin.BestHeight(
				ctx,
			); err == nil {
				cordLog.Debugf("Chain synced at height %d",
					height)
			}
			cancel()

			s.metrics.refresh(s.db)

		case <-s.quit:
			return
		}
	}
}
