package lnclient

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lnrpc/invoicesrpc"
	"github.com/lightningnetwork/lnd/lnrpc/routerrpc"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/macaroons"
	"github.com/lightningnetwork/lnd/zpay32"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"gopkg.in/macaroon.v2"
)

const (
	// defaultPaymentTimeout bounds pathfinding for outgoing payments.
	defaultPaymentTimeout = int32(60)

	// subscriptionBufferSize is the per-subscription channel depth.
	// Updates beyond this buffer block the forwarding goroutine, which
	// in turn backpressures the gRPC stream.
	subscriptionBufferSize = 32
)

// GRPCConfig describes how to reach the lnd node backing the coordinator.
type GRPCConfig struct {
	Host         string
	TLSCertPath  string
	MacaroonPath string
}

// GRPCClient implements the Ln facade over lnd's gRPC surface.
type GRPCClient struct {
	conn     *grpc.ClientConn
	client   lnrpc.LightningClient
	invoices invoicesrpc.InvoicesClient
	router   routerrpc.RouterClient

	params *chaincfg.Params
}

// NewGRPCClient dials lnd with TLS and macaroon credentials.
func NewGRPCClient(cfg *GRPCConfig,
	params *chaincfg.Params) (*GRPCClient, error) {

	creds, err := credentials.NewClientTLSFromFile(cfg.TLSCertPath, "")
	if err != nil {
		return nil, fmt.Errorf("unable to load tls cert: %w", err)
	}

	macBytes, err := os.ReadFile(cfg.MacaroonPath)
	if err != nil {
		return nil, fmt.Errorf("unable to read macaroon: %w", err)
	}
	mac := &macaroon.Macaroon{}
	if err := mac.UnmarshalBinary(macBytes); err != nil {
		return nil, fmt.Errorf("unable to decode macaroon: %w", err)
	}
	macCred, err := macaroons.NewMacaroonCredential(mac)
	if err != nil {
		return nil, fmt.Errorf("unable to build macaroon "+
			"credential: %w", err)
	}

	conn, err := grpc.Dial(
		cfg.Host,
		grpc.WithTransportCredentials(creds),
		grpc.WithPerRPCCredentials(macCred),
	)
	if err != nil {
		return nil, fmt.Errorf("unable to dial lnd: %w", err)
	}

	return &GRPCClient{
		conn:     conn,
		client:   lnrpc.NewLightningClient(conn),
		invoices: invoicesrpc.NewInvoicesClient(conn),
		router:   routerrpc.NewRouterClient(conn),
		params:   params,
	}, nil
}

// Close tears down the gRPC connection.
func (g *GRPCClient) Close() error {
	return g.conn.Close()
}

// Ping verifies the node is reachable and unlocked.
func (g *GRPCClient) Ping(ctx context.Context) error {
	_, err := g.client.GetInfo(ctx, &lnrpc.GetInfoRequest{})
	if err != nil {
		return fmt.Errorf("lnd unreachable: %w", err)
	}
	return nil
}

// AddHoldInvoice registers a HODL invoice for the given hash.
func (g *GRPCClient) AddHoldInvoice(ctx context.Context, hash lntypes.Hash,
	amount btcutil.Amount, memo string,
	expiry time.Duration) (string, error) {

	resp, err := g.invoices.AddHoldInvoice(ctx,
		&invoicesrpc.AddHoldInvoiceRequest{
			Hash:   hash[:],
			Value:  int64(amount),
			Memo:   memo,
			Expiry: int64(expiry.Seconds()),
		},
	)
	if err != nil {
		return "", fmt.Errorf("unable to add hold invoice: %w", err)
	}

	log.Infof("Added hold invoice for hash %v, amount %v", hash, amount)

	return resp.PaymentRequest, nil
}

// SettleHoldInvoice releases the preimage of an accepted HODL invoice.
func (g *GRPCClient) SettleHoldInvoice(ctx context.Context,
	preimage lntypes.Preimage) error {

	_, err := g.invoices.SettleInvoice(ctx, &invoicesrpc.SettleInvoiceMsg{
		Preimage: preimage[:],
	})
	if err != nil {
		return fmt.Errorf("unable to settle hold invoice: %w", err)
	}

	log.Infof("Settled hold invoice for hash %v", preimage.Hash())

	return nil
}

// CancelHoldInvoice cancels a HODL invoice.
func (g *GRPCClient) CancelHoldInvoice(ctx context.Context,
	hash lntypes.Hash) error {

	_, err := g.invoices.CancelInvoice(ctx, &invoicesrpc.CancelInvoiceMsg{
		PaymentHash: hash[:],
	})
	if err != nil {
		return fmt.Errorf("unable to cancel hold invoice: %w", err)
	}

	log.Infof("Cancelled hold invoice for hash %v", hash)

	return nil
}

// AddInvoice registers a regular invoice.
func (g *GRPCClient) AddInvoice(ctx context.Context, amount btcutil.Amount,
	memo string) (string, error) {

	resp, err := g.client.AddInvoice(ctx, &lnrpc.Invoice{
		Value: int64(amount),
		Memo:  memo,
	})
	if err != nil {
		return "", fmt.Errorf("unable to add invoice: %w", err)
	}

	return resp.PaymentRequest, nil
}

// LookupInvoice fetches the current state of an invoice by payment hash.
func (g *GRPCClient) LookupInvoice(ctx context.Context,
	hash lntypes.Hash) (*Invoice, error) {

	resp, err := g.client.LookupInvoice(ctx, &lnrpc.PaymentHash{
		RHash: hash[:],
	})
	if err != nil {
		return nil, ErrInvoiceNotFound
	}

	return &Invoice{
		PaymentHash:    hash,
		PaymentRequest: resp.PaymentRequest,
		Amount:         btcutil.Amount(resp.Value),
		State:          invoiceStateFromRPC(resp.State),
	}, nil
}

// LookupPayment fetches the current state of an outgoing payment. lnd only
// exposes payment state via the tracking stream, so we read a single update
// and hang up.
func (g *GRPCClient) LookupPayment(ctx context.Context,
	hash lntypes.Hash) (*Payment, error) {

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := g.router.TrackPaymentV2(ctx,
		&routerrpc.TrackPaymentRequest{
			PaymentHash:       hash[:],
			NoInflightUpdates: false,
		},
	)
	if err != nil {
		return nil, ErrPaymentNotFound
	}

	update, err := stream.Recv()
	if err != nil {
		return nil, ErrPaymentNotFound
	}

	return &Payment{
		PaymentHash:   hash,
		Status:        paymentStatusFromRPC(update.Status),
		FailureReason: failureReasonFromRPC(update.FailureReason),
	}, nil
}

// SendPayment dispatches a payment for a BOLT11 invoice. The resolution
// stream is drained in the background; terminal state is observed by the
// payout watcher via LookupPayment and the payment subscription.
func (g *GRPCClient) SendPayment(ctx context.Context, paymentRequest string,
	feeLimit btcutil.Amount) error {

	// Validate the invoice before handing it to the router so obviously
	// broken requests fail synchronously.
	if _, err := zpay32.Decode(paymentRequest, g.params); err != nil {
		return fmt.Errorf("invalid payment request: %w", err)
	}

	stream, err := g.router.SendPaymentV2(ctx,
		&routerrpc.SendPaymentRequest{
			PaymentRequest: paymentRequest,
			TimeoutSeconds: defaultPaymentTimeout,
			FeeLimitSat:    int64(feeLimit),
		},
	)
	if err != nil {
		return fmt.Errorf("unable to send payment: %w", err)
	}

	go func() {
		for {
			if _, err := stream.Recv(); err != nil {
				return
			}
		}
	}()

	return nil
}

// SubscribeInvoices opens a push stream of invoice updates.
func (g *GRPCClient) SubscribeInvoices(
	ctx context.Context) (<-chan InvoiceUpdate, error) {

	stream, err := g.client.SubscribeInvoices(ctx,
		&lnrpc.InvoiceSubscription{})
	if err != nil {
		return nil, fmt.Errorf("unable to subscribe invoices: %w", err)
	}

	updates := make(chan InvoiceUpdate, subscriptionBufferSize)
	go func() {
		defer close(updates)

		for {
			invoice, err := stream.Recv()
			if err != nil {
				log.Debugf("Invoice stream closed: %v", err)
				return
			}

			hash, err := lntypes.MakeHash(invoice.RHash)
			if err != nil {
				log.Warnf("Invalid hash on invoice stream: %v",
					err)
				continue
			}

			select {
			case updates <- InvoiceUpdate{
				PaymentHash: hash,
				State:       invoiceStateFromRPC(invoice.State),
			}:
			case <-ctx.Done():
				return
			}
		}
	}()

	return updates, nil
}

// SubscribePayments opens a push stream of payment updates.
func (g *GRPCClient) SubscribePayments(
	ctx context.Context) (<-chan PaymentUpdate, error) {

	stream, err := g.router.TrackPayments(ctx,
		&routerrpc.TrackPaymentsRequest{NoInflightUpdates: true})
	if err != nil {
		return nil, fmt.Errorf("unable to subscribe payments: %w", err)
	}

	updates := make(chan PaymentUpdate, subscriptionBufferSize)
	go func() {
		defer close(updates)

		for {
			payment, err := stream.Recv()
			if err != nil {
				log.Debugf("Payment stream closed: %v", err)
				return
			}

			hash, err := lntypes.MakeHashFromStr(payment.PaymentHash)
			if err != nil {
				log.Warnf("Invalid hash on payment stream: %v",
					err)
				continue
			}

			select {
			case updates <- PaymentUpdate{
				PaymentHash: hash,
				Status: paymentStatusFromRPC(
					payment.Status,
				),
				FailureReason: failureReasonFromRPC(
					payment.FailureReason,
				),
			}:
			case <-ctx.Done():
				return
			}
		}
	}()

	return updates, nil
}

func invoiceStateFromRPC(state lnrpc.Invoice_InvoiceState) InvoiceState {
	switch state {
	case lnrpc.Invoice_ACCEPTED:
		return InvoiceAccepted
	case lnrpc.Invoice_SETTLED:
		return InvoiceSettled
	case lnrpc.Invoice_CANCELED:
		return InvoiceCancelled
	default:
		return InvoiceOpen
	}
}

func paymentStatusFromRPC(status lnrpc.Payment_PaymentStatus) PaymentStatus {
	switch status {
	case lnrpc.Payment_IN_FLIGHT:
		return PaymentInFlight
	case lnrpc.Payment_SUCCEEDED:
		return PaymentSucceeded
	case lnrpc.Payment_FAILED:
		return PaymentFailed
	default:
		return PaymentUnknown
	}
}

func failureReasonFromRPC(reason lnrpc.PaymentFailureReason) string {
	if reason == lnrpc.PaymentFailureReason_FAILURE_REASON_NONE {
		return ""
	}
	return reason.String()
}

// A compile time check to ensure GRPCClient implements the Ln facade.
var _ Ln = (*GRPCClient)(nil)
