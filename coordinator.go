// coordinator is the daemon that runs ticketed DLC prediction
// competitions: players buy in over Lightning HODL invoices, an oracle
// attests to the outcome, and a pre-signed set of transactions settles the
// pooled collateral on chain. The coordinator holds no unilateral custody;
// it is one co-signer in the n-of-n aggregate over the funding output.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	flags "github.com/jessevdk/go-flags"

	"github.com/5day4cast/coordinator/auth"
	"github.com/5day4cast/coordinator/bitcoinclient"
	"github.com/5day4cast/coordinator/compdb"
	"github.com/5day4cast/coordinator/keymeld"
	"github.com/5day4cast/coordinator/lnclient"
	"github.com/5day4cast/coordinator/oracle"
)

const appName = "coordinator"

// appVersion follows the usual major.minor.patch scheme.
const appVersion = "0.4.1"

// version returns the application version as a properly formed string.
func version() string {
	return appVersion
}

func main() {
	if err := coordinatorMain(); err != nil {
		// Usage errors already printed their own message.
		if e, ok := err.(*flags.Error); ok &&
			e.Type == flags.ErrHelp {

			os.Exit(0)
		}

		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	os.Exit(0)
}

// coordinatorMain is the true entry point. Startup failures return an
// error (non-zero exit); a signal-driven shutdown returns nil (exit 0).
func coordinatorMain() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if err := initLogRotator(cfg.LogFile); err != nil {
		return err
	}
	defer closeLogRotator()

	if err := setLogLevels(cfg.DebugLevel); err != nil {
		return err
	}

	params, err := cfg.chainParams()
	if err != nil {
		return err
	}

	cordLog.Infof("Version %s, network %s", version(), params.Name)

	db, err := compdb.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("unable to open store: %w", err)
	}
	defer db.Close()

	coordKey, err := loadOrCreateCoordinatorKey(cfg.CoordinatorKeyFile)
	if err != nil {
		return fmt.Errorf("unable to load coordinator key: %w", err)
	}

	bitcoin, err := bitcoinclient.NewRPCClient(&bitcoinclient.RPCConfig{
		Host:   cfg.Bitcoind.Host,
		User:   cfg.Bitcoind.User,
		Pass:   cfg.Bitcoind.Pass,
		Wallet: cfg.Bitcoind.Wallet,
	}, params, coordKey.PubKey())
	if err != nil {
		return fmt.Errorf("unable to connect to bitcoind: %w", err)
	}

	ln, err := lnclient.NewGRPCClient(&lnclient.GRPCConfig{
		Host:         cfg.Lnd.Host,
		TLSCertPath:  cleanAndExpandPath(cfg.Lnd.TLSCertPath),
		MacaroonPath: cleanAndExpandPath(cfg.Lnd.MacaroonPath),
	}, params)
	if err != nil {
		return fmt.Errorf("unable to connect to lnd: %w", err)
	}
	defer ln.Close()

	orc, err := oracle.NewClient(cfg.OracleURL, oracleSigner(coordKey))
	if err != nil {
		return fmt.Errorf("unable to create oracle client: %w", err)
	}

	km, err := keymeld.NewClient(keymeldClientConfig(cfg))
	if err != nil {
		return fmt.Errorf("unable to create keymeld client: %w", err)
	}

	srv, err := newServer(cfg, params, db, bitcoin, ln, orc, km)
	if err != nil {
		return fmt.Errorf("unable to create server: %w", err)
	}

	if err := srv.Start(); err != nil {
		return fmt.Errorf("unable to start server: %w", err)
	}

	// Block until an interrupt arrives, then propagate the shutdown.
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	sig := <-interrupt

	cordLog.Infof("Received %v, shutting down", sig)

	return srv.Stop()
}

// oracleSigner adapts the coordinator key into the oracle client's request
// signer.
func oracleSigner(coordKey *btcec.PrivateKey) oracle.RequestSigner {
	return func(method, requestURL string, body []byte) (string, error) {
		return auth.Sign(
			coordKey, method, requestURL, body, time.Now().UTC(),
		)
	}
}

// keymeldClientConfig maps the daemon configuration onto the keymeld
// client's own config type.
func keymeldClientConfig(cfg *config) *keymeld.Config {
	return &keymeld.Config{
		URL:     cfg.Keymeld.URL,
		Enabled: cfg.Keymeld.Enabled,
		KeygenTimeout: time.Duration(
			cfg.Keymeld.KeygenTimeoutSecs) * time.Second,
		SigningTimeout: time.Duration(
			cfg.Keymeld.SigningTimeoutSecs) * time.Second,
		MaxPollingAttempts: int(cfg.Keymeld.MaxPollingAttempts),
		InitialPollingDelay: time.Duration(
			cfg.Keymeld.InitialPollingDelayMs) * time.Millisecond,
		MaxPollingDelay: time.Duration(
			cfg.Keymeld.MaxPollingDelayMs) * time.Millisecond,
		PollingBackoffMultiplier: cfg.Keymeld.PollingBackoffMultiplier,
	}
}
