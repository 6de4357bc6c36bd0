package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/btcsuite/btclog"
	"github.com/jrick/logrotate/rotator"

	"github.com/5day4cast/coordinator/auth"
	"github.com/5day4cast/coordinator/bitcoinclient"
	"github.com/5day4cast/coordinator/compdb"
	"github.com/5day4cast/coordinator/escrow"
	"github.com/5day4cast/coordinator/invoices"
	"github.com/5day4cast/coordinator/keymeld"
	"github.com/5day4cast/coordinator/lifecycle"
	"github.com/5day4cast/coordinator/lnclient"
	"github.com/5day4cast/coordinator/oracle"
	"github.com/5day4cast/coordinator/payouts"
)

// logWriter duplicates log output to stdout and the rotating log file.
type logWriter struct{}

func (logWriter) Write(p []byte) (int, error) {
	os.Stdout.Write(p)
	if logRotator != nil {
		logRotator.Write(p)
	}
	return len(p), nil
}

var (
	logRotator *rotator.Rotator
	backendLog = btclog.NewBackend(logWriter{})

	cordLog = backendLog.Logger("CORD")
	restLog = backendLog.Logger("REST")
	cmdbLog = backendLog.Logger("CMDB")
	lcycLog = backendLog.Logger("LCYC")
	invcLog = backendLog.Logger("INVC")
	paytLog = backendLog.Logger("PAYT")
	btccLog = backendLog.Logger("BTCC")
	lndcLog = backendLog.Logger("LNDC")
	orclLog = backendLog.Logger("ORCL")
	kmldLog = backendLog.Logger("KMLD")
	authLog = backendLog.Logger("AUTH")
	escrLog = backendLog.Logger("ESCR")
)

// subsystemLoggers maps each subsystem identifier to its logger.
var subsystemLoggers = map[string]btclog.Logger{
	"CORD": cordLog,
	"REST": restLog,
	"CMDB": cmdbLog,
	"LCYC": lcycLog,
	"INVC": invcLog,
	"PAYT": paytLog,
	"BTCC": btccLog,
	"LNDC": lndcLog,
	"ORCL": orclLog,
	"KMLD": kmldLog,
	"AUTH": authLog,
	"ESCR": escrLog,
}

func init() {
	compdb.UseLogger(cmdbLog)
	lifecycle.UseLogger(lcycLog)
	invoices.UseLogger(invcLog)
	payouts.UseLogger(paytLog)
	bitcoinclient.UseLogger(btccLog)
	lnclient.UseLogger(lndcLog)
	oracle.UseLogger(orclLog)
	keymeld.UseLogger(kmldLog)
	auth.UseLogger(authLog)
	escrow.UseLogger(escrLog)
}

// initLogRotator initializes the rotating file logger. The log file
// directory is created if needed.
func initLogRotator(logFile string) error {
	logDir, _ := filepath.Split(logFile)
	if err := os.MkdirAll(logDir, 0700); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	r, err := rotator.New(logFile, 10*1024, false, 3)
	if err != nil {
		return fmt.Errorf("failed to create file rotator: %w", err)
	}

	logRotator = r
	return nil
}

// closeLogRotator flushes and closes the log file.
func closeLogRotator() {
	if logRotator != nil {
		logRotator.Close()
	}
}

// setLogLevels sets the log level for every subsystem.
func setLogLevels(levelStr string) error {
	level, ok := btclog.LevelFromString(levelStr)
	if !ok {
		return fmt.Errorf("invalid log level %q", levelStr)
	}

	for _, logger := range subsystemLoggers {
		logger.SetLevel(level)
	}

	return nil
}
