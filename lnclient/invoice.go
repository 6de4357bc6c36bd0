package lnclient

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/zpay32"
)

// ExtractPaymentHash decodes a BOLT11 payment request and returns its
// payment hash. The payout subsystem uses this as the join key between a
// winner's submitted invoice and the node's payment records.
func ExtractPaymentHash(paymentRequest string,
	params *chaincfg.Params) (lntypes.Hash, error) {

	invoice, err := zpay32.Decode(paymentRequest, params)
	if err != nil {
		return lntypes.Hash{}, fmt.Errorf("unable to decode payment "+
			"request: %w", err)
	}
	if invoice.PaymentHash == nil {
		return lntypes.Hash{}, fmt.Errorf("payment request carries " +
			"no payment hash")
	}

	return lntypes.Hash(*invoice.PaymentHash), nil
}

// InvoiceAmount decodes a BOLT11 payment request and returns the invoice
// amount in satoshis, or zero for amountless invoices.
func InvoiceAmount(paymentRequest string,
	params *chaincfg.Params) (int64, error) {

	invoice, err := zpay32.Decode(paymentRequest, params)
	if err != nil {
		return 0, fmt.Errorf("unable to decode payment request: %w",
			err)
	}
	if invoice.MilliSat == nil {
		return 0, nil
	}

	return int64(invoice.MilliSat.ToSatoshis()), nil
}
