package bitcoinclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"
)

// RPCConfig describes how to reach the bitcoind wallet backing the
// coordinator.
type RPCConfig struct {
	Host string
	User string
	Pass string

	// Wallet is the bitcoind wallet name, appended to the RPC endpoint
	// when set.
	Wallet string
}

// RPCClient implements the Bitcoin facade against a bitcoind node with an
// attached wallet. The coordinator's identity key lives outside bitcoind
// and is supplied at construction.
type RPCClient struct {
	cfg    *RPCConfig
	client *rpcclient.Client
	params *chaincfg.Params

	pubKey *btcec.PublicKey

	// walletMtx serializes wallet-mutating RPCs so concurrent funding
	// attempts can't double-spend the same inputs.
	walletMtx sync.Mutex
}

// NewRPCClient connects to bitcoind and verifies the chain matches the
// expected network parameters.
func NewRPCClient(cfg *RPCConfig, params *chaincfg.Params,
	pubKey *btcec.PublicKey) (*RPCClient, error) {

	host := cfg.Host
	if cfg.Wallet != "" {
		host = fmt.Sprintf("%s/wallet/%s", strings.TrimRight(host, "/"),
			cfg.Wallet)
	}

	client, err := rpcclient.New(&rpcclient.ConnConfig{
		Host:         host,
		User:         cfg.User,
		Pass:         cfg.Pass,
		HTTPPostMode: true,
		DisableTLS:   true,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to bitcoind: %w", err)
	}

	info, err := client.GetBlockChainInfo()
	if err != nil {
		return nil, fmt.Errorf("unable to query bitcoind: %w", err)
	}

	log.Infof("Connected to bitcoind on chain %v at height %d", info.Chain,
		info.Blocks)

	return &RPCClient{
		cfg:    cfg,
		client: client,
		params: params,
		pubKey: pubKey,
	}, nil
}

// Network returns the chain parameters.
func (r *RPCClient) Network() *chaincfg.Params {
	return r.params
}

// PublicKey returns the coordinator public key.
func (r *RPCClient) PublicKey() *btcec.PublicKey {
	return r.pubKey
}

// NextAddress derives a fresh bech32 address from the bitcoind wallet.
func (r *RPCClient) NextAddress(_ context.Context) (btcutil.Address, error) {
	addr, err := r.client.GetNewAddress("")
	if err != nil {
		return nil, fmt.Errorf("unable to derive address: %w", err)
	}
	return addr, nil
}

// Broadcast publishes the transaction via sendrawtransaction.
func (r *RPCClient) Broadcast(_ context.Context, tx *wire.MsgTx) error {
	txid, err := r.client.SendRawTransaction(tx, false)
	if err != nil {
		return fmt.Errorf("unable to broadcast %v: %w", tx.TxHash(),
			err)
	}

	log.Debugf("Broadcast transaction %v", txid)
	return nil
}

// ConfirmationHeight returns the height a transaction confirmed at, or
// zero while unconfirmed.
func (r *RPCClient) ConfirmationHeight(ctx context.Context,
	txid *chainhash.Hash) (uint32, error) {

	res, err := r.client.GetRawTransactionVerbose(txid)
	if err != nil {
		return 0, ErrTxNotFound
	}
	if res.Confirmations == 0 {
		return 0, nil
	}

	best, err := r.BestHeight(ctx)
	if err != nil {
		return 0, err
	}

	return best - uint32(res.Confirmations) + 1, nil
}

// BestHeight returns the chain tip height.
func (r *RPCClient) BestHeight(_ context.Context) (uint32, error) {
	count, err := r.client.GetBlockCount()
	if err != nil {
		return 0, fmt.Errorf("unable to query block count: %w", err)
	}
	return uint32(count), nil
}

// ConfirmedBlockchainTime returns the timestamp of the header depth blocks
// below the tip.
func (r *RPCClient) ConfirmedBlockchainTime(ctx context.Context,
	depth uint32) (int64, error) {

	best, err := r.BestHeight(ctx)
	if err != nil {
		return 0, err
	}

	height := int64(best)
	if uint32(height) > depth {
		height -= int64(depth)
	}

	hash, err := r.client.GetBlockHash(height)
	if err != nil {
		return 0, fmt.Errorf("unable to query block hash: %w", err)
	}

	header, err := r.client.GetBlockHeader(hash)
	if err != nil {
		return 0, fmt.Errorf("unable to query block header: %w", err)
	}

	return header.Timestamp.Unix(), nil
}

// EstimateFeeRates queries estimatesmartfee for the 1, 3 and 6 block
// targets and converts to sat/vB.
func (r *RPCClient) EstimateFeeRates(
	_ context.Context) (map[uint32]float64, error) {

	targets := []uint32{1, 3, 6}
	rates := make(map[uint32]float64, len(targets))

	for _, target := range targets {
		res, err := r.client.EstimateSmartFee(
			int64(target), &btcjson.EstimateModeConservative,
		)
		if err != nil {
			return nil, fmt.Errorf("unable to estimate fee for "+
				"target %d: %w", target, err)
		}

		// Nodes with an empty mempool may decline to estimate; fall
		// back to the floor rate rather than failing the caller.
		if res.FeeRate == nil {
			rates[target] = 1
			continue
		}

		// estimatesmartfee reports BTC/kvB.
		rates[target] = *res.FeeRate * btcutil.SatoshiPerBitcoin / 1000
	}

	return rates, nil
}

// walletCreateFundedPsbtResult mirrors the bitcoind response shape.
type walletCreateFundedPsbtResult struct {
	Psbt      string  `json:"psbt"`
	Fee       float64 `json:"fee"`
	ChangePos int     `json:"changepos"`
}

// walletProcessPsbtResult mirrors the bitcoind response shape.
type walletProcessPsbtResult struct {
	Psbt     string `json:"psbt"`
	Complete bool   `json:"complete"`
}

// FundPSBT asks the bitcoind wallet to build a funded PSBT paying amount to
// the given output script.
func (r *RPCClient) FundPSBT(_ context.Context, pkScript []byte,
	amount btcutil.Amount, satPerVByte uint64) (*psbt.Packet, error) {

	r.walletMtx.Lock()
	defer r.walletMtx.Unlock()

	addr, err := addressFromScript(pkScript, r.params)
	if err != nil {
		return nil, err
	}

	outputs := map[string]float64{
		addr.String(): amount.ToBTC(),
	}
	options := map[string]interface{}{
		// bitcoind takes sat/vB directly with this option set.
		"fee_rate": satPerVByte,
	}

	params, err := marshalParams(
		[]interface{}{}, outputs, 0, options, false,
	)
	if err != nil {
		return nil, err
	}

	raw, err := r.client.RawRequest("walletcreatefundedpsbt", params)
	if err != nil {
		return nil, fmt.Errorf("walletcreatefundedpsbt failed: %w", err)
	}

	var res walletCreateFundedPsbtResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("invalid psbt response: %w", err)
	}

	return decodePsbt(res.Psbt)
}

// SignPSBT signs all wallet inputs of the packet.
func (r *RPCClient) SignPSBT(_ context.Context,
	packet *psbt.Packet) (*psbt.Packet, error) {

	r.walletMtx.Lock()
	defer r.walletMtx.Unlock()

	encoded, err := encodePsbt(packet)
	if err != nil {
		return nil, err
	}

	params, err := marshalParams(encoded, true)
	if err != nil {
		return nil, err
	}

	raw, err := r.client.RawRequest("walletprocesspsbt", params)
	if err != nil {
		return nil, fmt.Errorf("walletprocesspsbt failed: %w", err)
	}

	var res walletProcessPsbtResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("invalid psbt response: %w", err)
	}

	return decodePsbt(res.Psbt)
}

// GetSpendableUTXO scans the wallet for a confirmed output of at least the
// requested amount.
func (r *RPCClient) GetSpendableUTXO(ctx context.Context,
	amount btcutil.Amount) (*UTXO, error) {

	utxos, err := r.ListUTXOs(ctx)
	if err != nil {
		return nil, err
	}

	for _, utxo := range utxos {
		if utxo.Amount >= amount && utxo.Confirmations > 0 {
			return utxo, nil
		}
	}

	return nil, ErrNoSpendableUTXO
}

// Sync is a no-op for bitcoind, which tracks the chain continuously. It
// still pings the node so callers notice a dead backend.
func (r *RPCClient) Sync(_ context.Context) error {
	if _, err := r.client.GetBlockCount(); err != nil {
		return fmt.Errorf("bitcoind unreachable: %w", err)
	}
	return nil
}

// Balance returns the confirmed wallet balance.
func (r *RPCClient) Balance(_ context.Context) (btcutil.Amount, error) {
	balance, err := r.client.GetBalance("*")
	if err != nil {
		return 0, fmt.Errorf("unable to query balance: %w", err)
	}
	return balance, nil
}

// ListUTXOs lists the wallet's spendable outputs.
func (r *RPCClient) ListUTXOs(_ context.Context) ([]*UTXO, error) {
	unspent, err := r.client.ListUnspentMin(1)
	if err != nil {
		return nil, fmt.Errorf("unable to list unspent: %w", err)
	}

	utxos := make([]*UTXO, 0, len(unspent))
	for _, u := range unspent {
		txid, err := chainhash.NewHashFromStr(u.TxID)
		if err != nil {
			return nil, err
		}

		amount, err := btcutil.NewAmount(u.Amount)
		if err != nil {
			return nil, err
		}

		utxos = append(utxos, &UTXO{
			OutPoint:      *wire.NewOutPoint(txid, u.Vout),
			Amount:        amount,
			Confirmations: u.Confirmations,
		})
	}

	return utxos, nil
}

// SendToAddress pays amount to addr from the wallet.
func (r *RPCClient) SendToAddress(_ context.Context, addr btcutil.Address,
	amount btcutil.Amount) (*chainhash.Hash, error) {

	r.walletMtx.Lock()
	defer r.walletMtx.Unlock()

	txid, err := r.client.SendToAddress(addr, amount)
	if err != nil {
		return nil, fmt.Errorf("unable to send to %v: %w", addr, err)
	}

	log.Infof("Sent %v to %v in %v", amount, addr, txid)
	return txid, nil
}

// addressFromScript converts an output script back to its address form,
// which is what the bitcoind wallet RPCs want.
func addressFromScript(pkScript []byte,
	params *chaincfg.Params) (btcutil.Address, error) {

	// P2WSH program: OP_0 <32-byte script hash>.
	if len(pkScript) == 34 && pkScript[0] == 0x00 && pkScript[1] == 0x20 {
		return btcutil.NewAddressWitnessScriptHash(
			pkScript[2:], params,
		)
	}

	// P2WPKH program: OP_0 <20-byte key hash>.
	if len(pkScript) == 22 && pkScript[0] == 0x00 && pkScript[1] == 0x14 {
		return btcutil.NewAddressWitnessPubKeyHash(
			pkScript[2:], params,
		)
	}

	return nil, fmt.Errorf("unsupported output script %x", pkScript)
}

func marshalParams(args ...interface{}) ([]json.RawMessage, error) {
	params := make([]json.RawMessage, 0, len(args))
	for _, arg := range args {
		raw, err := json.Marshal(arg)
		if err != nil {
			return nil, err
		}
		params = append(params, raw)
	}
	return params, nil
}

func encodePsbt(packet *psbt.Packet) (string, error) {
	var buf bytes.Buffer
	if err := packet.Serialize(&buf); err != nil {
		return "", fmt.Errorf("unable to serialize psbt: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func decodePsbt(encoded string) (*psbt.Packet, error) {
	packet, err := psbt.NewFromRawBytes(
		strings.NewReader(encoded), true,
	)
	if err != nil {
		return nil, fmt.Errorf("unable to decode psbt: %w", err)
	}
	return packet, nil
}

// A compile time check to ensure RPCClient implements the Bitcoin facade.
var _ Bitcoin = (*RPCClient)(nil)
