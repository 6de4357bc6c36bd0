// Package compdb is the durable store for the coordinator. Competitions,
// entries, tickets, payouts and users live in a single sqlite database with
// write-ahead journaling. Reads run against their own connection pool while
// all writes funnel through a single-connection pool, serializing them the
// way sqlite wants while letting readers proceed concurrently.
//
// The package only ever exposes typed queries: no raw rows or SQL leak into
// the rest of the coordinator.
package compdb

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migsqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/lightningnetwork/lnd/clock"

	_ "modernc.org/sqlite" // Register the pure-Go sqlite driver.
)

const (
	dbName           = "coordinator.db"
	dbFilePermission = 0700

	// defaultBusyTimeout is how long a connection blocks on a locked
	// database before returning SQLITE_BUSY.
	defaultBusyTimeout = 5 * time.Second
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB is the primary datastore for the coordinator daemon. It wraps two
// connection pools over the same sqlite file: a read pool sized to the
// machine and a write pool capped at a single connection.
type DB struct {
	reads  *sql.DB
	writes *sql.DB

	clock clock.Clock

	dbPath string
}

// Open opens the coordinator database rooted at dbPath, creating the
// directory and schema as needed. Any pending schema migrations are applied
// before the handle is returned.
func Open(dbPath string) (*DB, error) {
	return OpenWithClock(dbPath, clock.NewDefaultClock())
}

// OpenWithClock is like Open but with an injectable clock, used by tests to
// control row timestamps.
func OpenWithClock(dbPath string, c clock.Clock) (*DB, error) {
	if err := os.MkdirAll(dbPath, dbFilePermission); err != nil {
		return nil, fmt.Errorf("unable to create db dir: %w", err)
	}

	path := filepath.Join(dbPath, dbName)
	dsn := fmt.Sprintf(
		"file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)"+
			"&_pragma=foreign_keys(ON)&_pragma=synchronous(NORMAL)",
		path, defaultBusyTimeout.Milliseconds(),
	)

	writes, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to open write pool: %w", err)
	}

	// sqlite permits a single writer at a time. Capping the pool at one
	// connection serializes writes in the driver instead of bouncing off
	// SQLITE_BUSY.
	writes.SetMaxOpenConns(1)

	reads, err := sql.Open("sqlite", dsn)
	if err != nil {
		writes.Close()
		return nil, fmt.Errorf("unable to open read pool: %w", err)
	}
	reads.SetMaxOpenConns(runtime.NumCPU())

	db := &DB{
		reads:  reads,
		writes: writes,
		clock:  c,
		dbPath: dbPath,
	}

	if err := db.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

// migrate applies any pending schema migrations using the write pool.
func (d *DB) migrate() error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("unable to load migrations: %w", err)
	}

	driver, err := migsqlite.WithInstance(d.writes, &migsqlite.Config{})
	if err != nil {
		return fmt.Errorf("unable to init migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("unable to init migrations: %w", err)
	}

	err = m.Up()
	if err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("unable to apply migrations: %w", err)
	}

	version, _, _ := m.Version()
	log.Infof("Database open at %v, schema version %d", d.dbPath, version)

	return nil
}

// Close shuts down both connection pools.
func (d *DB) Close() error {
	var firstErr error
	if err := d.reads.Close(); err != nil {
		firstErr = err
	}
	if err := d.writes.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Path returns the directory the database lives in.
func (d *DB) Path() string {
	return d.dbPath
}

// now returns the current UTC time truncated to microseconds, the precision
// we round-trip through sqlite.
func (d *DB) now() time.Time {
	return d.clock.Now().UTC().Truncate(time.Microsecond)
}

// timeToDB serializes a timestamp for storage.
func timeToDB(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// nullTimeToDB serializes an optional timestamp for storage.
func nullTimeToDB(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: timeToDB(*t), Valid: true}
}

// timeFromDB parses a stored timestamp.
func timeFromDB(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid stored time %q: %w",
			s, err)
	}
	return t.UTC(), nil
}

// nullTimeFromDB parses an optional stored timestamp.
func nullTimeFromDB(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := timeFromDB(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
