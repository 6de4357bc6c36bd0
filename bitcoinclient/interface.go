// Package bitcoinclient provides the coordinator's view of the Bitcoin
// network and its wallet: address derivation, PSBT funding and signing,
// broadcast, confirmation tracking and fee estimation. The lifecycle engine
// and the invoice watcher only ever speak through the Bitcoin interface, so
// the backing implementation (bitcoind RPC in production, the in-memory
// mock in tests) is swappable.
package bitcoinclient

import (
	"context"
	"errors"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

var (
	// ErrNoSpendableUTXO is returned when the wallet holds no confirmed
	// output large enough for the requested amount.
	ErrNoSpendableUTXO = errors.New("no spendable utxo of sufficient " +
		"value")

	// ErrTxNotFound is returned when the queried transaction is unknown
	// to the backend.
	ErrTxNotFound = errors.New("transaction not found")
)

// UTXO is a single spendable wallet output.
type UTXO struct {
	OutPoint      wire.OutPoint
	Amount        btcutil.Amount
	PkScript      []byte
	Confirmations int64
}

// Bitcoin is the facade the coordinator drives for all on-chain concerns.
// Implementations must be safe for concurrent use; wallet-mutating calls
// (funding, signing, sending) are internally serialized.
type Bitcoin interface {
	// Network returns the chain parameters the backend runs on.
	Network() *chaincfg.Params

	// PublicKey returns the coordinator's public key used in escrow and
	// funding scripts.
	PublicKey() *btcec.PublicKey

	// NextAddress derives a fresh wallet address.
	NextAddress(ctx context.Context) (btcutil.Address, error)

	// Broadcast publishes a transaction to the network.
	Broadcast(ctx context.Context, tx *wire.MsgTx) error

	// ConfirmationHeight returns the block height a transaction
	// confirmed at, or zero if it is still unconfirmed.
	ConfirmationHeight(ctx context.Context,
		txid *chainhash.Hash) (uint32, error)

	// BestHeight returns the current chain tip height.
	BestHeight(ctx context.Context) (uint32, error)

	// ConfirmedBlockchainTime returns the header timestamp of the block
	// the given depth below the tip, a reorg-safe notion of "now" for
	// comparing against oracle event expiries.
	ConfirmedBlockchainTime(ctx context.Context, depth uint32) (int64,
		error)

	// EstimateFeeRates returns fee estimates in sat/vB keyed by
	// confirmation target in blocks.
	EstimateFeeRates(ctx context.Context) (map[uint32]float64, error)

	// FundPSBT creates a PSBT paying amount to the given script at the
	// given fee rate, with inputs and change chosen by the wallet.
	FundPSBT(ctx context.Context, pkScript []byte, amount btcutil.Amount,
		satPerVByte uint64) (*psbt.Packet, error)

	// SignPSBT signs every wallet input of the packet and returns the
	// processed packet. Finalization is left to the caller.
	SignPSBT(ctx context.Context, packet *psbt.Packet) (*psbt.Packet,
		error)

	// GetSpendableUTXO returns a confirmed wallet output worth at least
	// amount, or ErrNoSpendableUTXO.
	GetSpendableUTXO(ctx context.Context,
		amount btcutil.Amount) (*UTXO, error)

	// Sync refreshes the wallet's view of the chain.
	Sync(ctx context.Context) error

	// Balance returns the confirmed wallet balance.
	Balance(ctx context.Context) (btcutil.Amount, error)

	// ListUTXOs returns all spendable wallet outputs.
	ListUTXOs(ctx context.Context) ([]*UTXO, error)

	// SendToAddress pays amount to addr from the wallet and returns the
	// txid.
	SendToAddress(ctx context.Context, addr btcutil.Address,
		amount btcutil.Amount) (*chainhash.Hash, error)
}
