package keymeld

import (
	"encoding/json"
	"fmt"
)

// SignedContract is the decoded form of the signed-contract blob the
// service returns from SignDLCBatch. The cryptographic content stays
// opaque; what the coordinator needs out of it are the pre-signed
// transactions it must eventually broadcast: one outcome transaction per
// outcome (selectable only with a valid attestation), the delta spends
// that split funds to individual winners, and the expiry refund.
type SignedContract struct {
	// OutcomeTxs holds raw transaction hex, parallel to the submitted
	// entry order: index i is the outcome where entry i wins.
	OutcomeTxs []string `json:"outcome_txs"`

	// DeltaTxs are the post-outcome split transactions.
	DeltaTxs []string `json:"delta_txs"`

	// ExpiryTx is the refund spend usable after event expiry.
	ExpiryTx string `json:"expiry_tx"`

	// Attachments carries any additional service-defined data, opaque
	// to the coordinator.
	Attachments json.RawMessage `json:"attachments,omitempty"`
}

// DecodeSignedContract parses the opaque signed-contract blob.
func DecodeSignedContract(raw []byte) (*SignedContract, error) {
	var contract SignedContract
	if err := json.Unmarshal(raw, &contract); err != nil {
		return nil, fmt.Errorf("invalid signed contract: %w", err)
	}
	return &contract, nil
}

// Encode serializes the contract back to its blob form. Used by the mock
// and the test harness.
func (s *SignedContract) Encode() ([]byte, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("unable to encode signed contract: %w",
			err)
	}
	return raw, nil
}
