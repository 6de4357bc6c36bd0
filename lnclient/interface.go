// Package lnclient provides the coordinator's Lightning facade. Ticket
// purchases ride on HODL invoices: the invoice is accepted (funds held
// in-flight) when the player pays, and only settled once the coordinator
// has safely escrowed or swept the funds. Winner payouts go out as regular
// Lightning payments. The production implementation speaks gRPC to an lnd
// node; tests use the in-memory mock.
package lnclient

import (
	"context"
	"errors"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightningnetwork/lnd/lntypes"
)

var (
	// ErrInvoiceNotFound is returned when no invoice matches the queried
	// payment hash.
	ErrInvoiceNotFound = errors.New("invoice not found")

	// ErrPaymentNotFound is returned when no payment matches the queried
	// payment hash.
	ErrPaymentNotFound = errors.New("payment not found")
)

// InvoiceState mirrors the lifecycle of an invoice on the Lightning node.
type InvoiceState uint8

const (
	// InvoiceOpen means the invoice exists but no payment has arrived.
	InvoiceOpen InvoiceState = iota

	// InvoiceAccepted means an HTLC satisfying the invoice is locked in
	// but the preimage has not been released. Only HODL invoices linger
	// here.
	InvoiceAccepted

	// InvoiceSettled means the preimage was released and the payment is
	// final.
	InvoiceSettled

	// InvoiceCancelled means the invoice was cancelled and any held
	// HTLCs returned.
	InvoiceCancelled
)

// String returns a human readable invoice state.
func (s InvoiceState) String() string {
	switch s {
	case InvoiceOpen:
		return "open"
	case InvoiceAccepted:
		return "accepted"
	case InvoiceSettled:
		return "settled"
	case InvoiceCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// PaymentStatus mirrors the lifecycle of an outgoing payment.
type PaymentStatus uint8

const (
	// PaymentUnknown means the node has no record of the payment.
	PaymentUnknown PaymentStatus = iota

	// PaymentInitiated means the payment exists but no HTLC is out yet.
	PaymentInitiated

	// PaymentInFlight means HTLCs are locked in along the route.
	PaymentInFlight

	// PaymentSucceeded means the preimage was obtained.
	PaymentSucceeded

	// PaymentFailed means the payment failed terminally.
	PaymentFailed
)

// String returns a human readable payment status.
func (s PaymentStatus) String() string {
	switch s {
	case PaymentInitiated:
		return "initiated"
	case PaymentInFlight:
		return "in_flight"
	case PaymentSucceeded:
		return "succeeded"
	case PaymentFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether the payment has resolved one way or the
// other.
func (s PaymentStatus) IsTerminal() bool {
	return s == PaymentSucceeded || s == PaymentFailed
}

// Invoice is the facade's view of a single invoice.
type Invoice struct {
	PaymentHash    lntypes.Hash
	PaymentRequest string
	Amount         btcutil.Amount
	State          InvoiceState
}

// Payment is the facade's view of a single outgoing payment.
type Payment struct {
	PaymentHash   lntypes.Hash
	Status        PaymentStatus
	FailureReason string
}

// InvoiceUpdate is a single event on the invoice subscription stream.
type InvoiceUpdate struct {
	PaymentHash lntypes.Hash
	State       InvoiceState
}

// PaymentUpdate is a single event on the payment subscription stream.
type PaymentUpdate struct {
	PaymentHash   lntypes.Hash
	Status        PaymentStatus
	FailureReason string
}

// Ln is the Lightning facade. Implementations must be safe for concurrent
// use.
type Ln interface {
	// Ping verifies connectivity with the Lightning node.
	Ping(ctx context.Context) error

	// AddHoldInvoice registers a HODL invoice for the given payment
	// hash; the preimage stays with the caller. Returns the BOLT11
	// payment request.
	AddHoldInvoice(ctx context.Context, hash lntypes.Hash,
		amount btcutil.Amount, memo string,
		expiry time.Duration) (string, error)

	// SettleHoldInvoice releases the preimage for an accepted HODL
	// invoice, finalizing the payment.
	SettleHoldInvoice(ctx context.Context,
		preimage lntypes.Preimage) error

	// CancelHoldInvoice cancels a HODL invoice, returning any held
	// HTLCs to the payer.
	CancelHoldInvoice(ctx context.Context, hash lntypes.Hash) error

	// AddInvoice registers a regular invoice and returns the BOLT11
	// payment request.
	AddInvoice(ctx context.Context, amount btcutil.Amount,
		memo string) (string, error)

	// LookupInvoice returns the current state of an invoice.
	LookupInvoice(ctx context.Context, hash lntypes.Hash) (*Invoice,
		error)

	// LookupPayment returns the current state of an outgoing payment.
	LookupPayment(ctx context.Context, hash lntypes.Hash) (*Payment,
		error)

	// SendPayment dispatches a payment for the given BOLT11 invoice.
	// The call returns once the payment is underway; resolution is
	// observed via LookupPayment or SubscribePayments.
	SendPayment(ctx context.Context, paymentRequest string,
		feeLimit btcutil.Amount) error

	// SubscribeInvoices opens a push stream of invoice updates. The
	// returned channel closes when the subscription dies; callers are
	// expected to resubscribe.
	SubscribeInvoices(ctx context.Context) (<-chan InvoiceUpdate, error)

	// SubscribePayments opens a push stream of payment updates, with
	// the same close-and-resubscribe contract as SubscribeInvoices.
	SubscribePayments(ctx context.Context) (<-chan PaymentUpdate, error)
}
