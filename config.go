package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	flags "github.com/jessevdk/go-flags"
)

const (
	defaultConfigFilename = "coordinator.conf"
	defaultLogFilename    = "coordinator.log"
	defaultDataDirname    = "data"

	defaultLogLevel = "info"

	defaultRESTListen      = "localhost:9090"
	defaultAdminRESTListen = "localhost:9095"

	defaultRequiredConfirmations      = 1
	defaultRelativeLocktimeBlockDelta = 144

	defaultSyncIntervalSecs  = 30
	defaultRefreshBlocksSecs = 60
)

var (
	coordinatorHomeDir = btcutil.AppDataDir("coordinator", false)

	defaultConfigFile = filepath.Join(
		coordinatorHomeDir, defaultConfigFilename,
	)
	defaultDataDir = filepath.Join(coordinatorHomeDir, defaultDataDirname)
	defaultLogFile = filepath.Join(
		coordinatorHomeDir, "logs", defaultLogFilename,
	)
	defaultKeyFile = filepath.Join(
		coordinatorHomeDir, "coordinator_key.pem",
	)
)

// bitcoindConfig groups the bitcoind connection options.
type bitcoindConfig struct {
	Host   string `long:"host" description:"bitcoind RPC host:port"`
	User   string `long:"user" description:"bitcoind RPC user"`
	Pass   string `long:"pass" description:"bitcoind RPC password"`
	Wallet string `long:"wallet" description:"bitcoind wallet name"`
}

// lndConfig groups the lnd connection options.
type lndConfig struct {
	Host         string `long:"host" description:"lnd gRPC host:port"`
	TLSCertPath  string `long:"tlscertpath" description:"Path to lnd's TLS certificate"`
	MacaroonPath string `long:"macaroonpath" description:"Path to an lnd macaroon with invoice and payment permissions"`
}

// keymeldConfig groups the keymeld signing-service options.
type keymeldConfig struct {
	Enabled                  bool    `long:"enabled" description:"Enable the keymeld MuSig2 signing service"`
	URL                      string  `long:"url" description:"Keymeld gateway URL"`
	KeygenTimeoutSecs        uint32  `long:"keygentimeout" description:"Keygen ceremony timeout in seconds"`
	SigningTimeoutSecs       uint32  `long:"signingtimeout" description:"Signing ceremony timeout in seconds"`
	MaxPollingAttempts       uint32  `long:"maxpollingattempts" description:"Max session polls before giving up"`
	InitialPollingDelayMs    uint32  `long:"initialpollingdelay" description:"Initial session poll delay in milliseconds"`
	MaxPollingDelayMs        uint32  `long:"maxpollingdelay" description:"Poll delay cap in milliseconds"`
	PollingBackoffMultiplier float64 `long:"pollingbackoffmultiplier" description:"Poll delay growth factor"`
}

// config defines the configuration options for the coordinator.
//
// See loadConfig for further details regarding the configuration loading
// and parsing process.
type config struct {
	ShowVersion bool   `short:"V" long:"version" description:"Display version information and exit"`
	ConfigFile  string `short:"C" long:"configfile" description:"Path to configuration file"`
	DataDir     string `short:"b" long:"datadir" description:"The directory to store coordinator's data within"`
	LogFile     string `long:"logfile" description:"Path to the log file"`
	DebugLevel  string `short:"d" long:"debuglevel" description:"Logging level {trace, debug, info, warn, error, critical}"`

	TestNet bool `long:"testnet" description:"Use the test network"`
	Signet  bool `long:"signet" description:"Use the signet test network"`
	RegTest bool `long:"regtest" description:"Use the regression test network"`

	RESTListen      string `long:"restlisten" description:"Address to listen on for the public REST API"`
	AdminRESTListen string `long:"adminrestlisten" description:"Address to listen on for the admin REST API"`

	CoordinatorKeyFile string `long:"coordinatorkeyfile" description:"Path to the coordinator's PEM encoded private key; generated if missing"`

	EscrowEnabled              bool   `long:"escrowenabled" description:"Broadcast a per-ticket escrow transaction before settling ticket invoices"`
	RequiredConfirmations      uint32 `long:"requiredconfirmations" description:"Confirmations required on escrow and funding outputs"`
	RelativeLocktimeBlockDelta uint16 `long:"relativelocktimeblockdelta" description:"Relative refund timeout in blocks"`

	SyncIntervalSecs  uint32 `long:"syncinterval" description:"Invoice and payout poll interval in seconds"`
	RefreshBlocksSecs uint32 `long:"refreshblocks" description:"Block state refresh interval in seconds"`

	OracleURL string `long:"oracleurl" description:"Base URL of the attestation oracle"`

	Bitcoind *bitcoindConfig `group:"bitcoind" namespace:"bitcoind"`
	Lnd      *lndConfig      `group:"lnd" namespace:"lnd"`
	Keymeld  *keymeldConfig  `group:"keymeld" namespace:"keymeld"`
}

// newDefaultConfig returns the default option values.
func newDefaultConfig() *config {
	return &config{
		ConfigFile:                 defaultConfigFile,
		DataDir:                    defaultDataDir,
		LogFile:                    defaultLogFile,
		DebugLevel:                 defaultLogLevel,
		RESTListen:                 defaultRESTListen,
		AdminRESTListen:            defaultAdminRESTListen,
		CoordinatorKeyFile:         defaultKeyFile,
		RequiredConfirmations:      defaultRequiredConfirmations,
		RelativeLocktimeBlockDelta: defaultRelativeLocktimeBlockDelta,
		SyncIntervalSecs:           defaultSyncIntervalSecs,
		RefreshBlocksSecs:          defaultRefreshBlocksSecs,
		Bitcoind: &bitcoindConfig{
			Host: "localhost:8332",
			User: "bitcoinrpc",
		},
		Lnd: &lndConfig{
			Host: "localhost:10009",
		},
		Keymeld: &keymeldConfig{
			KeygenTimeoutSecs:        3600,
			SigningTimeoutSecs:       300,
			MaxPollingAttempts:       60,
			InitialPollingDelayMs:    500,
			MaxPollingDelayMs:        5000,
			PollingBackoffMultiplier: 1.5,
		},
	}
}

// chainParams resolves the selected network flags to chain parameters.
func (c *config) chainParams() (*chaincfg.Params, error) {
	var numNets int
	params := &chaincfg.MainNetParams

	if c.TestNet {
		numNets++
		params = &chaincfg.TestNet3Params
	}
	if c.Signet {
		numNets++
		params = &chaincfg.SigNetParams
	}
	if c.RegTest {
		numNets++
		params = &chaincfg.RegressionNetParams
	}

	if numNets > 1 {
		return nil, fmt.Errorf("testnet, signet and regtest are " +
			"mutually exclusive")
	}

	return params, nil
}

// syncInterval returns the poll cadence as a duration.
func (c *config) syncInterval() time.Duration {
	return time.Duration(c.SyncIntervalSecs) * time.Second
}

// refreshBlocksInterval returns the block refresh cadence as a duration.
func (c *config) refreshBlocksInterval() time.Duration {
	return time.Duration(c.RefreshBlocksSecs) * time.Second
}

// loadConfig initializes and parses the config using a config file and
// command line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified
//     options
//  4. Parse CLI options and overwrite/add any specified options
func loadConfig() (*config, error) {
	cfg := newDefaultConfig()

	// Pre-parse the command line options to pick up an alternative
	// config file.
	preCfg := *cfg
	if _, err := flags.Parse(&preCfg); err != nil {
		return nil, err
	}

	if preCfg.ShowVersion {
		fmt.Println(appName, "version", version())
		os.Exit(0)
	}

	// Load the configuration file, ignoring a missing file at the
	// default location.
	configFile := cleanAndExpandPath(preCfg.ConfigFile)
	err := flags.IniParse(configFile, cfg)
	if err != nil {
		if _, ok := err.(*os.PathError); !ok ||
			configFile != defaultConfigFile {

			return nil, fmt.Errorf("unable to parse config "+
				"file: %w", err)
		}
	}

	// Parse the command line again to pick up overrides.
	if _, err := flags.Parse(cfg); err != nil {
		return nil, err
	}

	cfg.DataDir = cleanAndExpandPath(cfg.DataDir)
	cfg.LogFile = cleanAndExpandPath(cfg.LogFile)
	cfg.CoordinatorKeyFile = cleanAndExpandPath(cfg.CoordinatorKeyFile)

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("unable to create data dir: %w", err)
	}

	if cfg.OracleURL == "" {
		return nil, fmt.Errorf("oracleurl is required")
	}
	if cfg.Keymeld.Enabled && cfg.Keymeld.URL == "" {
		return nil, fmt.Errorf("keymeld.url is required when " +
			"keymeld is enabled")
	}

	return cfg, nil
}

// cleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	if path == "" {
		return ""
	}

	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err == nil {
			path = strings.Replace(path, "~", home, 1)
		}
	}

	return filepath.Clean(os.ExpandEnv(path))
}
