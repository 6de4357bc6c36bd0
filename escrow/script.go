// Package escrow builds the hashlocked P2WSH output that holds a player's
// entry fee between invoice acceptance and the DLC funding sweep. The
// output has two spend paths: the cooperative 2-of-2 used to sweep funds
// into the funding transaction, and a unilateral user refund gated on the
// ticket preimage plus a relative timelock. A player whose invoice was
// settled therefore always has an exit if the coordinator disappears.
package escrow

import (
	"bytes"
	"crypto/sha256"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// DefaultCSVDelay is the relative timelock, in blocks, on the user refund
// path. Roughly one day.
const DefaultCSVDelay = 144

// WitnessScript constructs the escrow redeem script for the given keys and
// payment hash:
//
// Possible Input Scripts:
//
//	COOP:   <> <coord sig> <user sig> 1
//	REFUND: <user sig> <preimage> 0
//
// OP_IF
//	// Cooperative sweep into the funding transaction.
//	2 <pubkey1> <pubkey2> 2 OP_CHECKMULTISIG
// OP_ELSE
//	// User refund after the relative timelock, gated on the ticket
//	// preimage so only a settled payer can use it.
//	<csvDelay> OP_CHECKSEQUENCEVERIFY OP_DROP
//	OP_SIZE 32 OP_EQUALVERIFY
//	OP_SHA256 <payment hash> OP_EQUALVERIFY
//	<user key> OP_CHECKSIG
// OP_ENDIF
//
// The multisig keys are sorted lexicographically so identical inputs always
// produce byte-identical scripts.
func WitnessScript(coordinatorKey, userKey *btcec.PublicKey,
	paymentHash [32]byte, csvDelay uint16) ([]byte, error) {

	coordPub := coordinatorKey.SerializeCompressed()
	userPub := userKey.SerializeCompressed()

	// Swap to sort pubkeys if needed. The signatures on the witness
	// stack must appear in the same order as their keys in the script.
	keyA, keyB := coordPub, userPub
	if bytes.Compare(keyA, keyB) == 1 {
		keyA, keyB = keyB, keyA
	}

	builder := txscript.NewScriptBuilder()

	builder.AddOp(txscript.OP_IF)

	builder.AddOp(txscript.OP_2)
	builder.AddData(keyA)
	builder.AddData(keyB)
	builder.AddOp(txscript.OP_2)
	builder.AddOp(txscript.OP_CHECKMULTISIG)

	builder.AddOp(txscript.OP_ELSE)

	builder.AddInt64(int64(csvDelay))
	builder.AddOp(txscript.OP_CHECKSEQUENCEVERIFY)
	builder.AddOp(txscript.OP_DROP)

	// Require exactly 32-byte preimages to rule out over-sized preimage
	// games.
	builder.AddOp(txscript.OP_SIZE)
	builder.AddInt64(32)
	builder.AddOp(txscript.OP_EQUALVERIFY)
	builder.AddOp(txscript.OP_SHA256)
	builder.AddData(paymentHash[:])
	builder.AddOp(txscript.OP_EQUALVERIFY)

	builder.AddData(userPub)
	builder.AddOp(txscript.OP_CHECKSIG)

	builder.AddOp(txscript.OP_ENDIF)

	return builder.Script()
}

// PkScript wraps the witness script in a v0 P2WSH output script.
func PkScript(witnessScript []byte) ([]byte, error) {
	scriptHash := sha256.Sum256(witnessScript)

	builder := txscript.NewScriptBuilder()
	builder.AddOp(txscript.OP_0)
	builder.AddData(scriptHash[:])
	return builder.Script()
}

// Address derives the P2WSH address for the escrow output on the given
// network.
func Address(witnessScript []byte,
	params *chaincfg.Params) (btcutil.Address, error) {

	scriptHash := sha256.Sum256(witnessScript)
	return btcutil.NewAddressWitnessScriptHash(scriptHash[:], params)
}

// Output builds the escrow TxOut for the given parameters.
func Output(coordinatorKey, userKey *btcec.PublicKey, paymentHash [32]byte,
	amount btcutil.Amount, csvDelay uint16) (*wire.TxOut, []byte, error) {

	witnessScript, err := WitnessScript(
		coordinatorKey, userKey, paymentHash, csvDelay,
	)
	if err != nil {
		return nil, nil, err
	}

	pkScript, err := PkScript(witnessScript)
	if err != nil {
		return nil, nil, err
	}

	return wire.NewTxOut(int64(amount), pkScript), witnessScript, nil
}

// CooperativeWitness assembles the witness stack for the 2-of-2 sweep path.
// Signature order must match the sorted key order within the script.
func CooperativeWitness(witnessScript []byte, coordinatorKey,
	userKey *btcec.PublicKey, coordinatorSig, userSig []byte) [][]byte {

	witness := make([][]byte, 5)

	// A nil element eats the extra pop of OP_CHECKMULTISIG.
	witness[0] = nil

	coordPub := coordinatorKey.SerializeCompressed()
	userPub := userKey.SerializeCompressed()
	if bytes.Compare(coordPub, userPub) == 1 {
		witness[1] = userSig
		witness[2] = coordinatorSig
	} else {
		witness[1] = coordinatorSig
		witness[2] = userSig
	}

	// Selects the OP_IF branch.
	witness[3] = []byte{0x01}
	witness[4] = witnessScript

	return witness
}

// RefundWitness assembles the witness stack for the user refund path. The
// spending input's sequence must encode at least the script's CSV delay.
func RefundWitness(witnessScript []byte, userSig,
	preimage []byte) [][]byte {

	witness := make([][]byte, 4)
	witness[0] = userSig
	witness[1] = preimage
	witness[2] = nil // Selects the OP_ELSE branch.
	witness[3] = witnessScript

	return witness
}

// FindOutpoint locates the escrow output within a transaction by amount and
// P2WSH shape, returning its outpoint.
func FindOutpoint(tx *wire.MsgTx, pkScript []byte,
	amount btcutil.Amount) (*wire.OutPoint, error) {

	txid := tx.TxHash()
	for i, txOut := range tx.TxOut {
		if txOut.Value != int64(amount) {
			continue
		}
		if !bytes.Equal(txOut.PkScript, pkScript) {
			continue
		}

		return wire.NewOutPoint(&txid, uint32(i)), nil
	}

	return nil, fmt.Errorf("escrow output not found in %v", txid)
}
