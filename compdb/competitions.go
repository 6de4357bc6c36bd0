package compdb

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/google/uuid"

	"github.com/5day4cast/coordinator/ids"
	"github.com/5day4cast/coordinator/oracle"
)

// CompetitionParams are the submission parameters fixed at creation time.
type CompetitionParams struct {
	// SigningDeadline is the instant by which all participants must have
	// completed the signing ceremony.
	SigningDeadline time.Time

	// StartObservation and EndObservation bound the observation window
	// the oracle scores against.
	StartObservation time.Time
	EndObservation   time.Time

	// Locations is the ordered set of station IDs entries may predict.
	Locations []string

	// ValuesPerEntry is the exact number of predictions each entry must
	// carry.
	ValuesPerEntry int

	// TotalAllowedEntries caps the number of tickets sold.
	TotalAllowedEntries int

	// EntryFee is the price of a single ticket.
	EntryFee btcutil.Amount

	// CoordinatorFeePercent is the coordinator's cut of the pool.
	CoordinatorFeePercent uint32

	// TotalCompetitionPool is the full prize pool swept into the DLC
	// funding output.
	TotalCompetitionPool btcutil.Amount

	// NumberOfPlacesWin is how many ranked entries share the pool.
	NumberOfPlacesWin int
}

// Competition is a single contest, from creation through settlement. The
// nullable timestamps trace the lifecycle; the artifact fields accumulate
// as the ceremony progresses. The ID doubles as the oracle event ID.
type Competition struct {
	ID        uuid.UUID
	CreatedAt time.Time

	Params CompetitionParams

	// Derived counters populated on load.
	TotalEntries   int
	PaidEntries    int
	SettledEntries int

	// Lifecycle timestamps, one per phase along the canonical path plus
	// the off-path terminals. A set timestamp implies every
	// earlier-path timestamp is also set.
	EscrowConfirmedAt    *time.Time
	EventCreatedAt       *time.Time
	EntriesSubmittedAt   *time.Time
	ContractedAt         *time.Time
	SignedAt             *time.Time
	FundingBroadcastedAt *time.Time
	FundingConfirmedAt   *time.Time
	FundingSettledAt     *time.Time
	AttestedAt           *time.Time
	OutcomeBroadcastedAt *time.Time
	DeltaBroadcastedAt   *time.Time
	ExpiryBroadcastedAt  *time.Time
	CompletedAt          *time.Time
	FailedAt             *time.Time
	CancelledAt          *time.Time

	// Artifacts.
	EventAnnouncement  *oracle.EventAnnouncement
	FundingOutpoint    *wire.OutPoint
	FundingPSBTBase64  string
	ContractParameters []byte
	PublicNonces       []byte
	SignedContract     []byte
	FundingTransaction *wire.MsgTx
	OutcomeTransaction *wire.MsgTx
	Attestation        []byte

	// Errors is the append-only list of failures recorded against this
	// competition.
	Errors []string
}

// IsTerminal reports whether the competition has reached a state that
// permits no further mutation.
func (c *Competition) IsTerminal() bool {
	return c.CompletedAt != nil || c.FailedAt != nil || c.CancelledAt != nil
}

// HasFullEntries reports whether every ticket slot has an entry.
func (c *Competition) HasFullEntries() bool {
	return c.TotalEntries >= c.Params.TotalAllowedEntries
}

// HasAllEntriesPaid reports whether every entry's ticket completed payment.
func (c *Competition) HasAllEntriesPaid() bool {
	return c.PaidEntries >= c.Params.TotalAllowedEntries
}

// HasAllEntriesSettled reports whether every HODL invoice behind the
// entries has been settled.
func (c *Competition) HasAllEntriesSettled() bool {
	return c.SettledEntries >= c.Params.TotalAllowedEntries
}

// HasLocation reports whether stationID belongs to the competition's
// location set.
func (c *Competition) HasLocation(stationID string) bool {
	for _, loc := range c.Params.Locations {
		if loc == stationID {
			return true
		}
	}
	return false
}

// competitionColumns is the scan order shared by every competition query.
const competitionColumns = `
	c.id, c.created_at, c.signing_deadline, c.start_observation,
	c.end_observation, c.locations, c.values_per_entry,
	c.total_allowed_entries, c.entry_fee_sats, c.coordinator_fee_percent,
	c.total_competition_pool_sats, c.number_of_places_win,
	c.escrow_confirmed_at, c.event_created_at, c.entries_submitted_at,
	c.contracted_at, c.signed_at, c.funding_broadcasted_at,
	c.funding_confirmed_at, c.funding_settled_at, c.attested_at,
	c.outcome_broadcasted_at, c.delta_broadcasted_at,
	c.expiry_broadcasted_at, c.completed_at, c.failed_at, c.cancelled_at,
	c.event_announcement, c.funding_outpoint, c.funding_psbt_base64,
	c.contract_parameters, c.public_nonces, c.signed_contract,
	c.funding_transaction, c.outcome_transaction, c.attestation, c.errors,
	(SELECT COUNT(*) FROM entries e WHERE e.competition_id = c.id),
	(SELECT COUNT(*) FROM tickets t WHERE t.competition_id = c.id
		AND t.status IN ('paid', 'settled')),
	(SELECT COUNT(*) FROM tickets t WHERE t.competition_id = c.id
		AND t.status = 'settled')`

// CreateCompetition persists a new competition in the Created phase and
// returns it.
func (d *DB) CreateCompetition(params *CompetitionParams) (*Competition, error) {
	id, err := ids.New()
	if err != nil {
		return nil, err
	}

	comp := &Competition{
		ID:        id,
		CreatedAt: d.now(),
		Params:    *params,
		Errors:    []string{},
	}

	locations, err := json.Marshal(params.Locations)
	if err != nil {
		return nil, fmt.Errorf("unable to encode locations: %w", err)
	}

	_, err = d.writes.Exec(`
		INSERT INTO competitions (
			id, created_at, signing_deadline, start_observation,
			end_observation, locations, values_per_entry,
			total_allowed_entries, entry_fee_sats,
			coordinator_fee_percent, total_competition_pool_sats,
			number_of_places_win
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		comp.ID.String(), timeToDB(comp.CreatedAt),
		timeToDB(params.SigningDeadline),
		timeToDB(params.StartObservation),
		timeToDB(params.EndObservation),
		string(locations), params.ValuesPerEntry,
		params.TotalAllowedEntries, int64(params.EntryFee),
		params.CoordinatorFeePercent,
		int64(params.TotalCompetitionPool), params.NumberOfPlacesWin,
	)
	if err != nil {
		return nil, fmt.Errorf("unable to insert competition: %w", err)
	}

	log.Infof("Created competition %v: %d entries at %v each, pool %v",
		comp.ID, params.TotalAllowedEntries, params.EntryFee,
		params.TotalCompetitionPool)

	return comp, nil
}

// GetCompetition fetches a single competition by ID.
func (d *DB) GetCompetition(id uuid.UUID) (*Competition, error) {
	row := d.reads.QueryRow(`
		SELECT`+competitionColumns+`
		FROM competitions c WHERE c.id = ?`, id.String())

	comp, err := scanCompetition(row)
	if err == sql.ErrNoRows {
		return nil, ErrCompetitionNotFound
	}
	return comp, err
}

// GetCompetitions returns all competitions ordered newest first.
func (d *DB) GetCompetitions() ([]*Competition, error) {
	return d.queryCompetitions(`
		SELECT` + competitionColumns + `
		FROM competitions c ORDER BY c.id DESC`)
}

// GetActiveCompetitions returns every competition that has not yet reached
// a terminal state, in creation order. This is the working set of the
// lifecycle engine's tick.
func (d *DB) GetActiveCompetitions() ([]*Competition, error) {
	return d.queryCompetitions(`
		SELECT` + competitionColumns + `
		FROM competitions c
		WHERE c.completed_at IS NULL AND c.failed_at IS NULL
			AND c.cancelled_at IS NULL
		ORDER BY c.id ASC`)
}

func (d *DB) queryCompetitions(query string,
	args ...interface{}) ([]*Competition, error) {

	rows, err := d.reads.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("unable to query competitions: %w", err)
	}
	defer rows.Close()

	var comps []*Competition
	for rows.Next() {
		comp, err := scanCompetition(rows)
		if err != nil {
			return nil, err
		}
		comps = append(comps, comp)
	}

	return comps, rows.Err()
}

// UpdateCompetition persists the mutable portion of a competition: the
// lifecycle timestamps, artifacts and error list. The write is refused if
// the stored row has already reached a terminal state, keeping terminal
// rows append-only.
func (d *DB) UpdateCompetition(comp *Competition) error {
	announcement, err := nullJSON(comp.EventAnnouncement)
	if err != nil {
		return fmt.Errorf("unable to encode announcement: %w", err)
	}

	errList, err := json.Marshal(comp.Errors)
	if err != nil {
		return fmt.Errorf("unable to encode errors: %w", err)
	}

	fundingTx, err := txToDB(comp.FundingTransaction)
	if err != nil {
		return err
	}
	outcomeTx, err := txToDB(comp.OutcomeTransaction)
	if err != nil {
		return err
	}

	res, err := d.writes.Exec(`
		UPDATE competitions SET
			escrow_confirmed_at = ?, event_created_at = ?,
			entries_submitted_at = ?, contracted_at = ?,
			signed_at = ?, funding_broadcasted_at = ?,
			funding_confirmed_at = ?, funding_settled_at = ?,
			attested_at = ?, outcome_broadcasted_at = ?,
			delta_broadcasted_at = ?, expiry_broadcasted_at = ?,
			completed_at = ?, failed_at = ?, cancelled_at = ?,
			event_announcement = ?, funding_outpoint = ?,
			funding_psbt_base64 = ?, contract_parameters = ?,
			public_nonces = ?, signed_contract = ?,
			funding_transaction = ?, outcome_transaction = ?,
			attestation = ?, errors = ?
		WHERE id = ? AND completed_at IS NULL AND failed_at IS NULL
			AND cancelled_at IS NULL`,
		nullTimeToDB(comp.EscrowConfirmedAt),
		nullTimeToDB(comp.EventCreatedAt),
		nullTimeToDB(comp.EntriesSubmittedAt),
		nullTimeToDB(comp.ContractedAt),
		nullTimeToDB(comp.SignedAt),
		nullTimeToDB(comp.FundingBroadcastedAt),
		nullTimeToDB(comp.FundingConfirmedAt),
		nullTimeToDB(comp.FundingSettledAt),
		nullTimeToDB(comp.AttestedAt),
		nullTimeToDB(comp.OutcomeBroadcastedAt),
		nullTimeToDB(comp.DeltaBroadcastedAt),
		nullTimeToDB(comp.ExpiryBroadcastedAt),
		nullTimeToDB(comp.CompletedAt),
		nullTimeToDB(comp.FailedAt),
		nullTimeToDB(comp.CancelledAt),
		announcement, outpointToDB(comp.FundingOutpoint),
		nullString(comp.FundingPSBTBase64), comp.ContractParameters,
		comp.PublicNonces, comp.SignedContract, fundingTx, outcomeTx,
		comp.Attestation, string(errList), comp.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("unable to update competition %v: %w",
			comp.ID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		// Distinguish a missing row from an append-only violation.
		var one int
		err := d.reads.QueryRow(
			`SELECT 1 FROM competitions WHERE id = ?`,
			comp.ID.String(),
		).Scan(&one)
		if err == sql.ErrNoRows {
			return ErrCompetitionNotFound
		}
		if err != nil {
			return err
		}
		return ErrCompetitionTerminal
	}

	return nil
}

// scanner abstracts *sql.Row and *sql.Rows for shared scanning.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanCompetition(row scanner) (*Competition, error) {
	var (
		comp Competition

		idStr, createdAt, signingDeadline     string
		startObservation, endObservation      string
		locations, errList                    string
		entryFee, pool                        int64
		timestamps                            [15]sql.NullString
		announcement, outpoint, psbt          sql.NullString
		contractParams, nonces, signed        []byte
		fundingTx, outcomeTx, attestation     []byte
	)

	err := row.Scan(
		&idStr, &createdAt, &signingDeadline, &startObservation,
		&endObservation, &locations, &comp.Params.ValuesPerEntry,
		&comp.Params.TotalAllowedEntries, &entryFee,
		&comp.Params.CoordinatorFeePercent, &pool,
		&comp.Params.NumberOfPlacesWin,
		&timestamps[0], &timestamps[1], &timestamps[2], &timestamps[3],
		&timestamps[4], &timestamps[5], &timestamps[6], &timestamps[7],
		&timestamps[8], &timestamps[9], &timestamps[10],
		&timestamps[11], &timestamps[12], &timestamps[13],
		&timestamps[14],
		&announcement, &outpoint, &psbt, &contractParams, &nonces,
		&signed, &fundingTx, &outcomeTx, &attestation, &errList,
		&comp.TotalEntries, &comp.PaidEntries, &comp.SettledEntries,
	)
	if err != nil {
		return nil, err
	}

	if comp.ID, err = uuid.Parse(idStr); err != nil {
		return nil, err
	}
	if comp.CreatedAt, err = timeFromDB(createdAt); err != nil {
		return nil, err
	}
	if comp.Params.SigningDeadline, err = timeFromDB(signingDeadline); err != nil {
		return nil, err
	}
	if comp.Params.StartObservation, err = timeFromDB(startObservation); err != nil {
		return nil, err
	}
	if comp.Params.EndObservation, err = timeFromDB(endObservation); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(locations), &comp.Params.Locations); err != nil {
		return nil, fmt.Errorf("invalid locations: %w", err)
	}
	comp.Params.EntryFee = btcutil.Amount(entryFee)
	comp.Params.TotalCompetitionPool = btcutil.Amount(pool)

	dests := []**time.Time{
		&comp.EscrowConfirmedAt, &comp.EventCreatedAt,
		&comp.EntriesSubmittedAt, &comp.ContractedAt, &comp.SignedAt,
		&comp.FundingBroadcastedAt, &comp.FundingConfirmedAt,
		&comp.FundingSettledAt, &comp.AttestedAt,
		&comp.OutcomeBroadcastedAt, &comp.DeltaBroadcastedAt,
		&comp.ExpiryBroadcastedAt, &comp.CompletedAt, &comp.FailedAt,
		&comp.CancelledAt,
	}
	for i, dest := range dests {
		t, err := nullTimeFromDB(timestamps[i])
		if err != nil {
			return nil, err
		}
		*dest = t
	}

	if announcement.Valid {
		var ann oracle.EventAnnouncement
		err := json.Unmarshal([]byte(announcement.String), &ann)
		if err != nil {
			return nil, fmt.Errorf("invalid announcement: %w", err)
		}
		comp.EventAnnouncement = &ann
	}

	if comp.FundingOutpoint, err = outpointFromDB(outpoint); err != nil {
		return nil, err
	}
	comp.FundingPSBTBase64 = stringOrEmpty(psbt)
	comp.ContractParameters = contractParams
	comp.PublicNonces = nonces
	comp.SignedContract = signed
	comp.Attestation = attestation

	if comp.FundingTransaction, err = txFromDB(fundingTx); err != nil {
		return nil, err
	}
	if comp.OutcomeTransaction, err = txFromDB(outcomeTx); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(errList), &comp.Errors); err != nil {
		return nil, fmt.Errorf("invalid error list: %w", err)
	}

	return &comp, nil
}

func stringOrEmpty(s sql.NullString) string {
	if !s.Valid {
		return ""
	}
	return s.String
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullJSON(ann *oracle.EventAnnouncement) (sql.NullString, error) {
	if ann == nil {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(ann)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func outpointToDB(op *wire.OutPoint) sql.NullString {
	if op == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: op.String(), Valid: true}
}

func outpointFromDB(s sql.NullString) (*wire.OutPoint, error) {
	if !s.Valid {
		return nil, nil
	}

	parts := strings.Split(s.String, ":")
	if len(parts) != 2 {
		return nil, fmt.Errorf("invalid outpoint %q", s.String)
	}

	hash, err := chainhash.NewHashFromStr(parts[0])
	if err != nil {
		return nil, fmt.Errorf("invalid outpoint txid: %w", err)
	}
	vout, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid outpoint index: %w", err)
	}

	return wire.NewOutPoint(hash, uint32(vout)), nil
}

func txToDB(tx *wire.MsgTx) ([]byte, error) {
	if tx == nil {
		return nil, nil
	}

	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return nil, fmt.Errorf("unable to serialize tx: %w", err)
	}
	return buf.Bytes(), nil
}

func txFromDB(raw []byte) (*wire.MsgTx, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	tx := &wire.MsgTx{}
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("unable to deserialize tx: %w", err)
	}
	return tx, nil
}
