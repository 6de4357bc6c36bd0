package lnclient

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightningnetwork/lnd/lntypes"
)

// MockLn is an in-memory Ln facade for tests. Invoice acceptance and
// payment resolution are driven by the test through AcceptInvoice,
// ResolvePayment and friends; both push streams deliver the same events
// the test injects.
type MockLn struct {
	mu sync.Mutex

	invoices map[lntypes.Hash]*Invoice
	payments map[lntypes.Hash]*Payment

	invoiceSubs []chan InvoiceUpdate
	paymentSubs []chan PaymentUpdate

	// SettleCalls records the preimage of every successful settle and
	// CancelCalls the hash of every successful cancel, in order.
	SettleCalls []lntypes.Preimage
	CancelCalls []lntypes.Hash

	// SendPaymentErr, when set, fails SendPayment.
	SendPaymentErr error

	// sendRequests records the payment requests handed to SendPayment.
	sendRequests []string

	payReqCounter int
}

// NewMockLn creates an empty mock Lightning node.
func NewMockLn() *MockLn {
	return &MockLn{
		invoices: make(map[lntypes.Hash]*Invoice),
		payments: make(map[lntypes.Hash]*Payment),
	}
}

// Ping always succeeds.
func (m *MockLn) Ping(_ context.Context) error {
	return nil
}

// AddHoldInvoice registers a synthetic HODL invoice.
func (m *MockLn) AddHoldInvoice(_ context.Context, hash lntypes.Hash,
	amount btcutil.Amount, _ string, _ time.Duration) (string, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.invoices[hash]; ok {
		return "", fmt.Errorf("invoice for %v already exists", hash)
	}

	m.payReqCounter++
	payReq := fmt.Sprintf("lnmock1%06d%v", m.payReqCounter, hash)

	m.invoices[hash] = &Invoice{
		PaymentHash:    hash,
		PaymentRequest: payReq,
		Amount:         amount,
		State:          InvoiceOpen,
	}

	return payReq, nil
}

// SettleHoldInvoice marks the invoice for the preimage's hash settled. The
// call fails if the invoice is not currently accepted, mirroring lnd.
func (m *MockLn) SettleHoldInvoice(_ context.Context,
	preimage lntypes.Preimage) error {

	m.mu.Lock()
	defer m.mu.Unlock()

	hash := preimage.Hash()
	invoice, ok := m.invoices[hash]
	if !ok {
		return ErrInvoiceNotFound
	}
	if invoice.State != InvoiceAccepted {
		return fmt.Errorf("invoice %v not accepted", hash)
	}

	invoice.State = InvoiceSettled
	m.SettleCalls = append(m.SettleCalls, preimage)
	m.notifyInvoiceLocked(hash, InvoiceSettled)

	return nil
}

// CancelHoldInvoice cancels the invoice for the hash.
func (m *MockLn) CancelHoldInvoice(_ context.Context,
	hash lntypes.Hash) error {

	m.mu.Lock()
	defer m.mu.Unlock()

	invoice, ok := m.invoices[hash]
	if !ok {
		return ErrInvoiceNotFound
	}

	invoice.State = InvoiceCancelled
	m.CancelCalls = append(m.CancelCalls, hash)
	m.notifyInvoiceLocked(hash, InvoiceCancelled)

	return nil
}

// AddInvoice registers a synthetic regular invoice.
func (m *MockLn) AddInvoice(_ context.Context, amount btcutil.Amount,
	_ string) (string, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	m.payReqCounter++
	return fmt.Sprintf("lnmockreg1%06d", m.payReqCounter), nil
}

// LookupInvoice returns the current invoice state.
func (m *MockLn) LookupInvoice(_ context.Context,
	hash lntypes.Hash) (*Invoice, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	invoice, ok := m.invoices[hash]
	if !ok {
		return nil, ErrInvoiceNotFound
	}

	out := *invoice
	return &out, nil
}

// LookupPayment returns the current payment state.
func (m *MockLn) LookupPayment(_ context.Context,
	hash lntypes.Hash) (*Payment, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	payment, ok := m.payments[hash]
	if !ok {
		return nil, ErrPaymentNotFound
	}

	out := *payment
	return &out, nil
}

// SendPayment records the request; the test resolves it later via
// ResolvePayment.
func (m *MockLn) SendPayment(_ context.Context, paymentRequest string,
	_ btcutil.Amount) error {

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.SendPaymentErr != nil {
		return m.SendPaymentErr
	}

	m.sendRequests = append(m.sendRequests, paymentRequest)
	return nil
}

// SentPaymentRequests returns the recorded SendPayment inputs.
func (m *MockLn) SentPaymentRequests() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]string(nil), m.sendRequests...)
}

// SubscribeInvoices registers a new invoice update stream.
func (m *MockLn) SubscribeInvoices(
	ctx context.Context) (<-chan InvoiceUpdate, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	sub := make(chan InvoiceUpdate, 16)
	m.invoiceSubs = append(m.invoiceSubs, sub)
	return sub, nil
}

// SubscribePayments registers a new payment update stream.
func (m *MockLn) SubscribePayments(
	ctx context.Context) (<-chan PaymentUpdate, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	sub := make(chan PaymentUpdate, 16)
	m.paymentSubs = append(m.paymentSubs, sub)
	return sub, nil
}

// AcceptInvoice transitions an open invoice to Accepted and notifies
// subscribers, simulating a payer's HTLC locking in.
func (m *MockLn) AcceptInvoice(hash lntypes.Hash) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	invoice, ok := m.invoices[hash]
	if !ok {
		return ErrInvoiceNotFound
	}
	if invoice.State != InvoiceOpen {
		return fmt.Errorf("invoice %v not open", hash)
	}

	invoice.State = InvoiceAccepted
	m.notifyInvoiceLocked(hash, InvoiceAccepted)

	return nil
}

// InvoiceState returns the state of the invoice for the hash.
func (m *MockLn) InvoiceState(hash lntypes.Hash) (InvoiceState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	invoice, ok := m.invoices[hash]
	if !ok {
		return 0, ErrInvoiceNotFound
	}
	return invoice.State, nil
}

// SetPayment injects a payment record, used to script LookupPayment.
func (m *MockLn) SetPayment(hash lntypes.Hash, status PaymentStatus,
	failureReason string) {

	m.mu.Lock()
	defer m.mu.Unlock()

	m.payments[hash] = &Payment{
		PaymentHash:   hash,
		Status:        status,
		FailureReason: failureReason,
	}
}

// ResolvePayment injects a terminal payment state and pushes it to every
// payment subscriber.
func (m *MockLn) ResolvePayment(hash lntypes.Hash, status PaymentStatus,
	failureReason string) {

	m.mu.Lock()
	defer m.mu.Unlock()

	m.payments[hash] = &Payment{
		PaymentHash:   hash,
		Status:        status,
		FailureReason: failureReason,
	}

	update := PaymentUpdate{
		PaymentHash:   hash,
		Status:        status,
		FailureReason: failureReason,
	}
	for _, sub := range m.paymentSubs {
		select {
		case sub <- update:
		default:
		}
	}
}

// notifyInvoiceLocked pushes an invoice update to every subscriber. The
// caller holds the mutex.
func (m *MockLn) notifyInvoiceLocked(hash lntypes.Hash, state InvoiceState) {
	update := InvoiceUpdate{PaymentHash: hash, State: state}
	for _, sub := range m.invoiceSubs {
		select {
		case sub <- update:
		default:
		}
	}
}

// A compile time check to ensure MockLn implements the Ln facade.
var _ Ln = (*MockLn)(nil)
