package compdb

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/stretchr/testify/require"
)

// makeTestDB creates a fresh database rooted in a temp dir that is cleaned
// up with the test.
func makeTestDB(t *testing.T) *DB {
	t.Helper()

	db, err := Open(t.TempDir())
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})

	return db
}

// testParams returns a two-player competition parameter set used across
// the store tests.
func testParams() *CompetitionParams {
	now := time.Now().UTC()
	return &CompetitionParams{
		SigningDeadline:       now.Add(time.Hour),
		StartObservation:      now.Add(2 * time.Hour),
		EndObservation:        now.Add(26 * time.Hour),
		Locations:             []string{"KSEA", "KPDX"},
		ValuesPerEntry:        2,
		TotalAllowedEntries:   2,
		EntryFee:              btcutil.Amount(5000),
		CoordinatorFeePercent: 5,
		TotalCompetitionPool:  btcutil.Amount(10000),
		NumberOfPlacesWin:     1,
	}
}

// newPaymentCreds generates a (preimage, hash) hex pair the way the
// Lightning layer would.
func newPaymentCreds(t *testing.T) (string, string) {
	t.Helper()

	var preimage [32]byte
	_, err := rand.Read(preimage[:])
	require.NoError(t, err)

	hash := sha256.Sum256(preimage[:])
	return hex.EncodeToString(preimage[:]), hex.EncodeToString(hash[:])
}

// TestOpenIsIdempotent ensures reopening an existing database applies no
// duplicate migrations and keeps the data.
func TestOpenIsIdempotent(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	db, err := Open(dir)
	require.NoError(t, err)

	comp, err := db.CreateCompetition(testParams())
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = Open(dir)
	require.NoError(t, err)
	defer db.Close()

	loaded, err := db.GetCompetition(comp.ID)
	require.NoError(t, err)
	require.Equal(t, comp.ID, loaded.ID)
	require.Equal(t, comp.Params.Locations, loaded.Params.Locations)
}
