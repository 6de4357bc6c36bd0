package escrow

import (
	"context"
	"fmt"
	"math"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/wire"
	"github.com/google/uuid"

	"github.com/5day4cast/coordinator/bitcoinclient"
)

// psbtKeyTypeProprietary is the BIP174 proprietary key type.
const psbtKeyTypeProprietary = 0xfc

var (
	// proprietaryPrefix namespaces the coordinator's proprietary PSBT
	// keys.
	proprietaryPrefix = []byte("competition")

	// proprietaryTicketKey tags a funding PSBT with the ticket it pays
	// for. The tag stays off-chain; it exists so a PSBT found in the
	// wallet can always be traced back to its ticket.
	proprietaryTicketKey = []byte("ticket_id")
)

// TicketProprietaryKey builds the raw PSBT key bytes for the ticket tag:
// 0xFC || len(prefix) || prefix || subtype || keydata.
func TicketProprietaryKey() []byte {
	key := make([]byte, 0, 2+len(proprietaryPrefix)+1+
		len(proprietaryTicketKey))
	key = append(key, psbtKeyTypeProprietary)
	key = append(key, byte(len(proprietaryPrefix)))
	key = append(key, proprietaryPrefix...)
	key = append(key, 0x00)
	key = append(key, proprietaryTicketKey...)
	return key
}

// GenerateTx builds, signs and extracts an escrow funding transaction for a
// ticket: a wallet-funded payment of amount into the escrow P2WSH derived
// from (coordinator key, user key, payment hash). The fee rate is the
// ceiling of the one-block estimate. The returned transaction is ready for
// broadcast.
func GenerateTx(ctx context.Context, bitcoin bitcoinclient.Bitcoin,
	ticketID uuid.UUID, userKey *btcec.PublicKey, paymentHash [32]byte,
	amount btcutil.Amount, csvDelay uint16) (*wire.MsgTx, error) {

	feeRates, err := bitcoin.EstimateFeeRates(ctx)
	if err != nil {
		return nil, fmt.Errorf("unable to estimate fees: %w", err)
	}

	feeRate, ok := feeRates[1]
	if !ok || feeRate < 1 {
		feeRate = 1
	}
	satPerVByte := uint64(math.Ceil(feeRate))

	txOut, _, err := Output(
		bitcoin.PublicKey(), userKey, paymentHash, amount, csvDelay,
	)
	if err != nil {
		return nil, fmt.Errorf("unable to build escrow output: %w",
			err)
	}

	log.Debugf("Funding escrow output for ticket %v at %d sat/vB",
		ticketID, satPerVByte)

	packet, err := bitcoin.FundPSBT(ctx, txOut.PkScript, amount,
		satPerVByte)
	if err != nil {
		return nil, fmt.Errorf("unable to fund escrow psbt: %w", err)
	}

	// Tag the packet with the ticket before signing so the tag is part
	// of what the wallet sees.
	packet.Unknowns = append(packet.Unknowns, &psbt.Unknown{
		Key:   TicketProprietaryKey(),
		Value: ticketID[:],
	})

	signed, err := bitcoin.SignPSBT(ctx, packet)
	if err != nil {
		return nil, fmt.Errorf("unable to sign escrow psbt: %w", err)
	}

	if err := psbt.MaybeFinalizeAll(signed); err != nil {
		return nil, fmt.Errorf("unable to finalize escrow psbt: %w",
			err)
	}

	finalTx, err := psbt.Extract(signed)
	if err != nil {
		return nil, fmt.Errorf("unable to extract escrow tx: %w", err)
	}

	log.Debugf("Generated escrow transaction %v for ticket %v",
		finalTx.TxHash(), ticketID)

	return finalTx, nil
}
