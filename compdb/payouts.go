package compdb

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/google/uuid"

	"github.com/5day4cast/coordinator/ids"
)

// PayoutStatus enumerates the lifecycle of a winner payout.
type PayoutStatus string

const (
	// PayoutPending means the Lightning payment has been initiated but
	// not yet resolved.
	PayoutPending PayoutStatus = "pending"

	// PayoutSucceeded means the winner received their Lightning payment.
	PayoutSucceeded PayoutStatus = "succeeded"

	// PayoutFailed means the Lightning payment failed terminally. The
	// winner falls back to the contract's on-chain sellback path.
	PayoutFailed PayoutStatus = "failed"
)

// Payout is the intent to pay a winning entry over Lightning.
type Payout struct {
	ID            uuid.UUID
	EntryID       uuid.UUID
	CompetitionID uuid.UUID

	// PayoutPaymentRequest is the BOLT11 invoice the winner submitted.
	PayoutPaymentRequest string

	// PaymentHash is the hex payment hash extracted from the invoice at
	// creation, the join key against the Lightning payment stream.
	PaymentHash string

	Amount btcutil.Amount

	Status        PayoutStatus
	FailureReason string

	// RequiresOnchainResolution is set when the Lightning path failed
	// and the winner must be made whole via the contract's sellback or
	// reclaim script.
	RequiresOnchainResolution bool

	CreatedAt  time.Time
	ResolvedAt *time.Time
}

// CreatePayout records the intent to pay a winning entry.
func (d *DB) CreatePayout(entryID, competitionID uuid.UUID, paymentRequest,
	paymentHash string, amount btcutil.Amount) (*Payout, error) {

	id, err := ids.New()
	if err != nil {
		return nil, err
	}

	payout := &Payout{
		ID:                   id,
		EntryID:              entryID,
		CompetitionID:        competitionID,
		PayoutPaymentRequest: paymentRequest,
		PaymentHash:          paymentHash,
		Amount:               amount,
		Status:               PayoutPending,
		CreatedAt:            d.now(),
	}

	_, err = d.writes.Exec(`
		INSERT INTO payouts (
			id, entry_id, competition_id, payout_payment_request,
			payment_hash, amount_sats, status, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		payout.ID.String(), entryID.String(), competitionID.String(),
		paymentRequest, paymentHash, int64(amount),
		string(PayoutPending), timeToDB(payout.CreatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("unable to insert payout: %w", err)
	}

	log.Infof("Created payout %v for entry %v: %v", payout.ID, entryID,
		amount)

	return payout, nil
}

const payoutColumns = `
	id, entry_id, competition_id, payout_payment_request, payment_hash,
	amount_sats, status, failure_reason, requires_onchain_resolution,
	created_at, resolved_at`

// GetPayout fetches a payout by ID.
func (d *DB) GetPayout(id uuid.UUID) (*Payout, error) {
	row := d.reads.QueryRow(`
		SELECT`+payoutColumns+`
		FROM payouts WHERE id = ?`, id.String())

	payout, err := scanPayout(row)
	if err == sql.ErrNoRows {
		return nil, ErrPayoutNotFound
	}
	return payout, err
}

// GetPayoutByPaymentHash fetches a payout by the hex payment hash of its
// invoice.
func (d *DB) GetPayoutByPaymentHash(hash string) (*Payout, error) {
	row := d.reads.QueryRow(`
		SELECT`+payoutColumns+`
		FROM payouts WHERE payment_hash = ?`, hash)

	payout, err := scanPayout(row)
	if err == sql.ErrNoRows {
		return nil, ErrPayoutNotFound
	}
	return payout, err
}

// GetPendingPayouts returns every payout still awaiting resolution, the
// payout watcher's poll set.
func (d *DB) GetPendingPayouts() ([]*Payout, error) {
	rows, err := d.reads.Query(`
		SELECT` + payoutColumns + `
		FROM payouts WHERE status = 'pending'
		ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("unable to query pending payouts: %w",
			err)
	}
	defer rows.Close()

	var payouts []*Payout
	for rows.Next() {
		payout, err := scanPayout(rows)
		if err != nil {
			return nil, err
		}
		payouts = append(payouts, payout)
	}

	return payouts, rows.Err()
}

// MarkPayoutSucceeded resolves a pending payout as paid. Idempotent under
// the subscriber/poller race: only the first caller transitions the row.
func (d *DB) MarkPayoutSucceeded(id uuid.UUID, at time.Time) error {
	_, err := d.writes.Exec(`
		UPDATE payouts SET status = 'succeeded', resolved_at = ?
		WHERE id = ? AND status = 'pending'`,
		timeToDB(at), id.String(),
	)
	if err != nil {
		return fmt.Errorf("unable to mark payout succeeded: %w", err)
	}
	return nil
}

// MarkPayoutFailed resolves a pending payout as terminally failed and flags
// it for on-chain resolution.
func (d *DB) MarkPayoutFailed(id uuid.UUID, at time.Time, reason string) error {
	_, err := d.writes.Exec(`
		UPDATE payouts SET
			status = 'failed', resolved_at = ?, failure_reason = ?,
			requires_onchain_resolution = 1
		WHERE id = ? AND status = 'pending'`,
		timeToDB(at), reason, id.String(),
	)
	if err != nil {
		return fmt.Errorf("unable to mark payout failed: %w", err)
	}
	return nil
}

func scanPayout(row scanner) (*Payout, error) {
	var (
		payout                    Payout
		idStr, entryID, compID    string
		status, createdAt         string
		amount                    int64
		failureReason, resolvedAt sql.NullString
		requiresOnchain           int
	)

	err := row.Scan(
		&idStr, &entryID, &compID, &payout.PayoutPaymentRequest,
		&payout.PaymentHash, &amount, &status, &failureReason,
		&requiresOnchain, &createdAt, &resolvedAt,
	)
	if err != nil {
		return nil, err
	}

	if payout.ID, err = uuid.Parse(idStr); err != nil {
		return nil, err
	}
	if payout.EntryID, err = uuid.Parse(entryID); err != nil {
		return nil, err
	}
	if payout.CompetitionID, err = uuid.Parse(compID); err != nil {
		return nil, err
	}
	payout.Amount = btcutil.Amount(amount)
	payout.Status = PayoutStatus(status)
	payout.FailureReason = stringOrEmpty(failureReason)
	payout.RequiresOnchainResolution = requiresOnchain != 0

	if payout.CreatedAt, err = timeFromDB(createdAt); err != nil {
		return nil, err
	}
	if payout.ResolvedAt, err = nullTimeFromDB(resolvedAt); err != nil {
		return nil, err
	}

	return &payout, nil
}
