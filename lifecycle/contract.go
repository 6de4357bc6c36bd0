package lifecycle

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/google/uuid"

	"github.com/5day4cast/coordinator/compdb"
	"github.com/5day4cast/coordinator/escrow"
	"github.com/5day4cast/coordinator/oracle"
	"github.com/5day4cast/coordinator/scoring"
)

// contractEntry binds an entry to its participant key inside the contract
// parameters.
type contractEntry struct {
	EntryID uuid.UUID `json:"entry_id"`
	Pubkey  string    `json:"pubkey"`
}

// contractParameters is the coordinator's contribution to the DLC
// parameters handed to the signing service. The oracle's locking points
// and the aggregated key flow through opaque.
type contractParameters struct {
	CompetitionID         uuid.UUID       `json:"competition_id"`
	AggregatedPubkey      []byte          `json:"aggregated_pubkey"`
	OracleNonce           string          `json:"oracle_nonce"`
	LockingPoints         json.RawMessage `json:"locking_points,omitempty"`
	PoolSats              int64           `json:"pool_sats"`
	CoordinatorFeePercent uint32          `json:"coordinator_fee_percent"`
	NumberOfPlacesWin     int             `json:"number_of_places_win"`
	RelativeLocktimeDelta uint16          `json:"relative_locktime_delta"`
	Entries               []contractEntry `json:"entries"`
}

// buildContractParameters assembles the opaque contract blob for a
// competition from its announcement, entries and the aggregated key.
func buildContractParameters(comp *compdb.Competition,
	entries []*compdb.Entry, aggregatedPubkey []byte,
	relativeLocktimeDelta uint16) ([]byte, error) {

	if comp.EventAnnouncement == nil {
		return nil, &MissingDataError{Field: "event_announcement"}
	}

	params := contractParameters{
		CompetitionID:         comp.ID,
		AggregatedPubkey:      aggregatedPubkey,
		OracleNonce:           comp.EventAnnouncement.Nonce,
		LockingPoints:         comp.EventAnnouncement.LockingPoints,
		PoolSats:              int64(comp.Params.TotalCompetitionPool),
		CoordinatorFeePercent: comp.Params.CoordinatorFeePercent,
		NumberOfPlacesWin:     comp.Params.NumberOfPlacesWin,
		RelativeLocktimeDelta: relativeLocktimeDelta,
	}

	for _, entry := range entries {
		params.Entries = append(params.Entries, contractEntry{
			EntryID: entry.ID,
			Pubkey:  entry.UserPubkey,
		})
	}

	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("unable to encode contract "+
			"parameters: %w", err)
	}

	return raw, nil
}

// fundingPkScript builds the funding output script: a P2WSH wrapping a
// single CHECKSIG against the MuSig2 aggregate key. The n-of-n property
// lives inside the aggregate; on-chain the output looks like any other
// single-key script.
func fundingPkScript(aggregatedPubkey []byte) ([]byte, error) {
	if len(aggregatedPubkey) == 0 {
		return nil, &MissingDataError{Field: "aggregated_pubkey"}
	}

	builder := txscript.NewScriptBuilder()
	builder.AddData(aggregatedPubkey)
	builder.AddOp(txscript.OP_CHECKSIG)

	witnessScript, err := builder.Script()
	if err != nil {
		return nil, err
	}

	return escrow.PkScript(witnessScript)
}

// txFromHex decodes a raw transaction from the signed-contract envelope.
func txFromHex(rawHex string) (*wire.MsgTx, error) {
	raw, err := hex.DecodeString(rawHex)
	if err != nil {
		return nil, fmt.Errorf("invalid tx hex: %w", err)
	}

	tx := &wire.MsgTx{}
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("invalid tx: %w", err)
	}

	return tx, nil
}

// winningEntryIndex computes the index (in submission order) of the
// top-ranked entry, which selects the outcome transaction to publish. The
// attestation scalar itself stays opaque: the pre-signed outcome
// transaction already commits to it.
func winningEntryIndex(entries []*compdb.Entry,
	forecasts map[string]oracle.Forecast,
	observations map[string]oracle.Observation) (int, error) {

	if len(entries) == 0 {
		return 0, &MissingDataError{Field: "entries"}
	}

	ranked := scoring.ScoreEntries(entries, forecasts, observations)
	if len(ranked) == 0 {
		return 0, &MissingDataError{Field: "ranking"}
	}

	for i, entry := range entries {
		if entry.ID == ranked[0].EntryID {
			return i, nil
		}
	}

	return 0, &VerificationError{Msg: "ranked winner not in entry set"}
}
