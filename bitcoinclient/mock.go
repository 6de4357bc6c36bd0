package bitcoinclient

import (
	"context"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// MockBitcoin is an in-memory Bitcoin facade for tests. Broadcast behavior,
// heights and confirmation depths are all scriptable.
type MockBitcoin struct {
	mu sync.Mutex

	params *chaincfg.Params
	priv   *btcec.PrivateKey

	height        uint32
	confirmations map[chainhash.Hash]uint32
	broadcast     []*wire.MsgTx

	// BroadcastErr, when non-nil, fails every Broadcast call. Use
	// FailBroadcasts for a bounded failure run.
	BroadcastErr error

	// failBroadcastsLeft fails the next N broadcasts before succeeding.
	failBroadcastsLeft int

	// BroadcastCalls counts Broadcast invocations, including failures.
	BroadcastCalls int

	// SyncCalls counts Sync invocations.
	SyncCalls int

	feeRates map[uint32]float64
	balance  btcutil.Amount
}

// NewMockBitcoin creates a mock on regtest parameters with a random
// coordinator key and sane fee estimates.
func NewMockBitcoin() (*MockBitcoin, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, err
	}

	return &MockBitcoin{
		params:        &chaincfg.RegressionNetParams,
		priv:          priv,
		height:        100,
		confirmations: make(map[chainhash.Hash]uint32),
		feeRates:      map[uint32]float64{1: 2.5, 3: 1.5, 6: 1},
		balance:       btcutil.Amount(100_000_000),
	}, nil
}

// Network returns the regtest parameters.
func (m *MockBitcoin) Network() *chaincfg.Params {
	return m.params
}

// PublicKey returns the mock coordinator public key.
func (m *MockBitcoin) PublicKey() *btcec.PublicKey {
	return m.priv.PubKey()
}

// PrivateKey exposes the mock's key for tests that need to countersign.
func (m *MockBitcoin) PrivateKey() *btcec.PrivateKey {
	return m.priv
}

// NextAddress derives a P2WPKH address for the mock key.
func (m *MockBitcoin) NextAddress(_ context.Context) (btcutil.Address, error) {
	hash := btcutil.Hash160(m.priv.PubKey().SerializeCompressed())
	return btcutil.NewAddressWitnessPubKeyHash(hash, m.params)
}

// Broadcast records the transaction, honoring any scripted failures.
func (m *MockBitcoin) Broadcast(_ context.Context, tx *wire.MsgTx) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.BroadcastCalls++

	if m.BroadcastErr != nil {
		return m.BroadcastErr
	}
	if m.failBroadcastsLeft > 0 {
		m.failBroadcastsLeft--
		return fmt.Errorf("mock broadcast rejected")
	}

	m.broadcast = append(m.broadcast, tx.Copy())
	m.confirmations[tx.TxHash()] = m.height

	return nil
}

// FailBroadcasts scripts the next n Broadcast calls to fail.
func (m *MockBitcoin) FailBroadcasts(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.failBroadcastsLeft = n
}

// BroadcastTxs returns a copy of all successfully broadcast transactions.
func (m *MockBitcoin) BroadcastTxs() []*wire.MsgTx {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*wire.MsgTx, len(m.broadcast))
	for i, tx := range m.broadcast {
		out[i] = tx.Copy()
	}
	return out
}

// ConfirmationHeight returns the recorded confirmation height for a txid.
func (m *MockBitcoin) ConfirmationHeight(_ context.Context,
	txid *chainhash.Hash) (uint32, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	height, ok := m.confirmations[*txid]
	if !ok {
		return 0, ErrTxNotFound
	}
	return height, nil
}

// SetConfirmationHeight overrides the confirmation height of a txid.
func (m *MockBitcoin) SetConfirmationHeight(txid chainhash.Hash,
	height uint32) {

	m.mu.Lock()
	defer m.mu.Unlock()

	m.confirmations[txid] = height
}

// BestHeight returns the scripted tip height.
func (m *MockBitcoin) BestHeight(_ context.Context) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.height, nil
}

// MineBlocks advances the scripted tip.
func (m *MockBitcoin) MineBlocks(n uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.height += n
}

// ConfirmedBlockchainTime maps heights onto a synthetic ten-minute block
// schedule anchored at unix time zero, keeping expiry tests deterministic.
func (m *MockBitcoin) ConfirmedBlockchainTime(_ context.Context,
	depth uint32) (int64, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	height := m.height
	if height > depth {
		height -= depth
	}
	return int64(height) * 600, nil
}

// EstimateFeeRates returns the scripted fee table.
func (m *MockBitcoin) EstimateFeeRates(
	_ context.Context) (map[uint32]float64, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[uint32]float64, len(m.feeRates))
	for k, v := range m.feeRates {
		out[k] = v
	}
	return out, nil
}

// SetFeeRate overrides a fee estimate.
func (m *MockBitcoin) SetFeeRate(target uint32, satPerVByte float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.feeRates[target] = satPerVByte
}

// FundPSBT builds a minimal packet spending a synthetic wallet input into
// the requested output. No change output is added.
func (m *MockBitcoin) FundPSBT(_ context.Context, pkScript []byte,
	amount btcutil.Amount, _ uint64) (*psbt.Packet, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.balance < amount {
		return nil, ErrNoSpendableUTXO
	}

	tx := wire.NewMsgTx(2)

	var prev chainhash.Hash
	copy(prev[:], []byte("mock-wallet-input"))
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: *wire.NewOutPoint(&prev, 0),
	})
	tx.AddTxOut(wire.NewTxOut(int64(amount), pkScript))

	return psbt.NewFromUnsignedTx(tx)
}

// SignPSBT marks the packet's inputs as signed with empty finalized
// witnesses, enough for the coordinator to extract a broadcastable tx.
func (m *MockBitcoin) SignPSBT(_ context.Context,
	packet *psbt.Packet) (*psbt.Packet, error) {

	for i := range packet.Inputs {
		packet.Inputs[i].FinalScriptWitness = []byte{0x01, 0x00}
	}
	return packet, nil
}

// GetSpendableUTXO returns a synthetic confirmed output when the balance
// allows it.
func (m *MockBitcoin) GetSpendableUTXO(_ context.Context,
	amount btcutil.Amount) (*UTXO, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.balance < amount {
		return nil, ErrNoSpendableUTXO
	}

	var txid chainhash.Hash
	copy(txid[:], []byte("mock-utxo"))

	return &UTXO{
		OutPoint:      *wire.NewOutPoint(&txid, 0),
		Amount:        m.balance,
		Confirmations: 6,
	}, nil
}

// Sync counts the call and succeeds.
func (m *MockBitcoin) Sync(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.SyncCalls++
	return nil
}

// Balance returns the scripted balance.
func (m *MockBitcoin) Balance(_ context.Context) (btcutil.Amount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.balance, nil
}

// SetBalance overrides the scripted balance.
func (m *MockBitcoin) SetBalance(amount btcutil.Amount) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.balance = amount
}

// ListUTXOs returns the single synthetic output.
func (m *MockBitcoin) ListUTXOs(ctx context.Context) ([]*UTXO, error) {
	utxo, err := m.GetSpendableUTXO(ctx, 0)
	if err != nil {
		return nil, err
	}
	return []*UTXO{utxo}, nil
}

// SendToAddress debits the balance and fabricates a txid.
func (m *MockBitcoin) SendToAddress(_ context.Context, _ btcutil.Address,
	amount btcutil.Amount) (*chainhash.Hash, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.balance < amount {
		return nil, ErrNoSpendableUTXO
	}
	m.balance -= amount

	var txid chainhash.Hash
	copy(txid[:], []byte("mock-send"))
	return &txid, nil
}

// A compile time check to ensure MockBitcoin implements the Bitcoin facade.
var _ Bitcoin = (*MockBitcoin)(nil)
