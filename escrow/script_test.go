package escrow

import (
	"context"
	"crypto/sha256"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/stretchr/testify/require"

	"github.com/5day4cast/coordinator/bitcoinclient"
	"github.com/5day4cast/coordinator/ids"
)

func testKeys(t *testing.T) (*btcec.PrivateKey, *btcec.PrivateKey) {
	t.Helper()

	coord, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	user, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	return coord, user
}

// TestWitnessScriptDeterministic asserts identical inputs always produce
// byte-identical scripts, and that a different payment hash produces a
// different script.
func TestWitnessScriptDeterministic(t *testing.T) {
	t.Parallel()

	coord, user := testKeys(t)
	var hash [32]byte
	copy(hash[:], []byte("payment-hash-payment-hash-pay-ha"))

	script1, err := WitnessScript(
		coord.PubKey(), user.PubKey(), hash, DefaultCSVDelay,
	)
	require.NoError(t, err)

	script2, err := WitnessScript(
		coord.PubKey(), user.PubKey(), hash, DefaultCSVDelay,
	)
	require.NoError(t, err)

	require.Equal(t, script1, script2)

	// A different payment hash must change the script.
	hash[0] ^= 0xff
	script3, err := WitnessScript(
		coord.PubKey(), user.PubKey(), hash, DefaultCSVDelay,
	)
	require.NoError(t, err)
	require.NotEqual(t, script1, script3)
}

// TestPkScriptIsP2WSH asserts the output script has the v0 witness script
// hash shape.
func TestPkScriptIsP2WSH(t *testing.T) {
	t.Parallel()

	coord, user := testKeys(t)
	var hash [32]byte

	witnessScript, err := WitnessScript(
		coord.PubKey(), user.PubKey(), hash, DefaultCSVDelay,
	)
	require.NoError(t, err)

	pkScript, err := PkScript(witnessScript)
	require.NoError(t, err)

	require.Len(t, pkScript, 34)
	require.Equal(t, byte(txscript.OP_0), pkScript[0])
	require.Equal(t, byte(0x20), pkScript[1])

	expected := sha256.Sum256(witnessScript)
	require.Equal(t, expected[:], pkScript[2:])

	addr, err := Address(witnessScript, &chaincfg.RegressionNetParams)
	require.NoError(t, err)
	require.Equal(t, pkScript[2:], addr.ScriptAddress())
}

// TestRefundWitnessShape asserts the refund stack selects the timelock
// branch and carries the preimage.
func TestRefundWitnessShape(t *testing.T) {
	t.Parallel()

	coord, user := testKeys(t)
	var hash [32]byte

	witnessScript, err := WitnessScript(
		coord.PubKey(), user.PubKey(), hash, DefaultCSVDelay,
	)
	require.NoError(t, err)

	sig := []byte{0x30, 0x01}
	preimage := make([]byte, 32)

	witness := RefundWitness(witnessScript, sig, preimage)
	require.Len(t, witness, 4)
	require.Equal(t, sig, witness[0])
	require.Equal(t, preimage, witness[1])
	require.Nil(t, witness[2])
	require.Equal(t, witnessScript, witness[3])
}

// TestGenerateTx drives escrow construction against the mock wallet and
// asserts the resulting transaction pays the right script and amount.
func TestGenerateTx(t *testing.T) {
	t.Parallel()

	bitcoin, err := bitcoinclient.NewMockBitcoin()
	require.NoError(t, err)

	_, user := testKeys(t)
	var hash [32]byte
	copy(hash[:], []byte("escrow-generate-tx-payment-hash!"))

	ticketID := ids.MustNew()
	const amount = 5000

	tx, err := GenerateTx(
		context.Background(), bitcoin, ticketID, user.PubKey(), hash,
		amount, DefaultCSVDelay,
	)
	require.NoError(t, err)

	_, witnessScript, err := Output(
		bitcoin.PublicKey(), user.PubKey(), hash, amount,
		DefaultCSVDelay,
	)
	require.NoError(t, err)

	pkScript, err := PkScript(witnessScript)
	require.NoError(t, err)

	outpoint, err := FindOutpoint(tx, pkScript, amount)
	require.NoError(t, err)
	require.Equal(t, tx.TxHash(), outpoint.Hash)
}
