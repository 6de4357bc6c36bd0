package compdb

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/5day4cast/coordinator/ids"
)

// TicketStatus enumerates the payment lifecycle of a single ticket.
type TicketStatus string

const (
	// TicketReserved is the initial status: a HODL invoice exists for
	// the ticket but no payment has been accepted yet.
	TicketReserved TicketStatus = "reserved"

	// TicketPaid means the HODL invoice is accepted and, when escrow is
	// enabled, the escrow transaction has been broadcast.
	TicketPaid TicketStatus = "paid"

	// TicketSettled means the HODL preimage has been revealed and the
	// payment is final.
	TicketSettled TicketStatus = "settled"

	// TicketCancelled means the reservation was abandoned and the HODL
	// invoice cancelled.
	TicketCancelled TicketStatus = "cancelled"

	// TicketExpired means the competition expired before the ticket was
	// paid.
	TicketExpired TicketStatus = "expired"
)

// Ticket binds a Lightning payment to the right to enter a competition. The
// payment hash is the join key against the Lightning invoice; the preimage
// stays with the coordinator until settlement.
type Ticket struct {
	ID            uuid.UUID
	CompetitionID uuid.UUID

	// Hash is the hex payment hash of the HODL invoice.
	Hash string

	// EncryptedPreimage is the hex preimage held until settlement.
	EncryptedPreimage string

	// EscrowTransaction is the raw hex of the broadcast escrow tx, if
	// one exists.
	EscrowTransaction string

	// ReservedBy is the pubkey of the user holding the reservation.
	ReservedBy string

	Status    TicketStatus
	CreatedAt time.Time
	PaidAt    *time.Time
	SettledAt *time.Time
}

// CreateTicket reserves a new ticket slot for a competition, failing with
// ErrNoTicketsAvailable once every slot is taken by a live ticket. The
// caller supplies the payment hash and preimage it registered with the
// Lightning backend.
func (d *DB) CreateTicket(competitionID uuid.UUID, reservedBy, hash,
	encryptedPreimage string) (*Ticket, error) {

	id, err := ids.New()
	if err != nil {
		return nil, err
	}

	ticket := &Ticket{
		ID:                id,
		CompetitionID:     competitionID,
		Hash:              hash,
		EncryptedPreimage: encryptedPreimage,
		ReservedBy:        reservedBy,
		Status:            TicketReserved,
		CreatedAt:         d.now(),
	}

	// The slot check and the insert ride the same write connection, so
	// the count can't go stale between them.
	res, err := d.writes.Exec(`
		INSERT INTO tickets (
			id, competition_id, hash, encrypted_preimage,
			reserved_by, status, created_at
		)
		SELECT ?, ?, ?, ?, ?, ?, ?
		WHERE (
			SELECT COUNT(*) FROM tickets
			WHERE competition_id = ?2
				AND status IN ('reserved', 'paid', 'settled')
		) < (
			SELECT total_allowed_entries FROM competitions
			WHERE id = ?2
		)`,
		ticket.ID.String(), competitionID.String(), hash,
		encryptedPreimage, nullString(reservedBy),
		string(TicketReserved), timeToDB(ticket.CreatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("unable to create ticket: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, ErrNoTicketsAvailable
	}

	log.Infof("Reserved ticket %v for competition %v (hash=%v)",
		ticket.ID, competitionID, hash)

	return ticket, nil
}

const ticketColumns = `
	id, competition_id, hash, encrypted_preimage, escrow_transaction,
	reserved_by, status, created_at, paid_at, settled_at`

// GetTicket fetches a ticket by ID.
func (d *DB) GetTicket(id uuid.UUID) (*Ticket, error) {
	row := d.reads.QueryRow(`
		SELECT`+ticketColumns+`
		FROM tickets WHERE id = ?`, id.String())

	ticket, err := scanTicket(row)
	if err == sql.ErrNoRows {
		return nil, ErrTicketNotFound
	}
	return ticket, err
}

// GetTicketByHash fetches a ticket by its hex payment hash.
func (d *DB) GetTicketByHash(hash string) (*Ticket, error) {
	row := d.reads.QueryRow(`
		SELECT`+ticketColumns+`
		FROM tickets WHERE hash = ?`, hash)

	ticket, err := scanTicket(row)
	if err == sql.ErrNoRows {
		return nil, ErrTicketNotFound
	}
	return ticket, err
}

// GetPendingTickets returns all tickets that still need payment work:
// Reserved tickets waiting on acceptance, plus Paid tickets whose escrow
// or settlement hasn't completed. This is the invoice watcher's poll set.
func (d *DB) GetPendingTickets() ([]*Ticket, error) {
	rows, err := d.reads.Query(`
		SELECT` + ticketColumns + `
		FROM tickets
		WHERE status IN ('reserved', 'paid')
			AND competition_id IN (
				SELECT id FROM competitions
				WHERE completed_at IS NULL
					AND failed_at IS NULL
					AND cancelled_at IS NULL
			)
		ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("unable to query pending tickets: %w",
			err)
	}
	defer rows.Close()

	return collectTickets(rows)
}

// GetCompetitionTickets returns every ticket of a competition.
func (d *DB) GetCompetitionTickets(competitionID uuid.UUID) ([]*Ticket, error) {
	rows, err := d.reads.Query(`
		SELECT`+ticketColumns+`
		FROM tickets WHERE competition_id = ?
		ORDER BY id ASC`, competitionID.String())
	if err != nil {
		return nil, fmt.Errorf("unable to query tickets: %w", err)
	}
	defer rows.Close()

	return collectTickets(rows)
}

// MarkTicketPaid transitions the ticket with the given payment hash from
// Reserved to Paid. The call is idempotent: racing callers observe exactly
// one state change, with the loser told paid=false.
func (d *DB) MarkTicketPaid(hash string, competitionID uuid.UUID) (bool, error) {
	res, err := d.writes.Exec(`
		UPDATE tickets SET status = 'paid', paid_at = ?
		WHERE hash = ? AND competition_id = ? AND status = 'reserved'`,
		timeToDB(d.now()), hash, competitionID.String(),
	)
	if err != nil {
		return false, fmt.Errorf("unable to mark ticket paid: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected == 0 {
		// Either the ticket doesn't exist or it has already advanced
		// past Reserved. The latter is the benign race.
		var status string
		err := d.reads.QueryRow(`
			SELECT status FROM tickets
			WHERE hash = ? AND competition_id = ?`,
			hash, competitionID.String(),
		).Scan(&status)
		if err == sql.ErrNoRows {
			return false, ErrTicketNotFound
		}
		if err != nil {
			return false, err
		}
		return false, nil
	}

	log.Debugf("Ticket with hash %v marked paid for competition %v", hash,
		competitionID)

	return true, nil
}

// MarkTicketSettled transitions a Paid ticket to Settled after a successful
// HODL settle call.
func (d *DB) MarkTicketSettled(id uuid.UUID) error {
	res, err := d.writes.Exec(`
		UPDATE tickets SET status = 'settled', settled_at = ?
		WHERE id = ? AND status = 'paid'`,
		timeToDB(d.now()), id.String(),
	)
	if err != nil {
		return fmt.Errorf("unable to mark ticket settled: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrTicketNotPaid
	}

	return nil
}

// MarkTicketCancelled transitions a ticket to Cancelled.
func (d *DB) MarkTicketCancelled(id uuid.UUID) error {
	_, err := d.writes.Exec(`
		UPDATE tickets SET status = 'cancelled'
		WHERE id = ? AND status IN ('reserved', 'paid')`, id.String())
	if err != nil {
		return fmt.Errorf("unable to cancel ticket: %w", err)
	}
	return nil
}

// UpdateTicketEscrowTransaction persists the raw hex of the escrow
// transaction broadcast for a ticket.
func (d *DB) UpdateTicketEscrowTransaction(id uuid.UUID, rawTxHex string) error {
	res, err := d.writes.Exec(`
		UPDATE tickets SET escrow_transaction = ?
		WHERE id = ?`, rawTxHex, id.String())
	if err != nil {
		return fmt.Errorf("unable to update escrow tx: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrTicketNotFound
	}

	return nil
}

// ResetTicketAfterFailedEscrow returns a ticket to the Reserved state with
// fresh payment credentials after escrow broadcast exhaustion. The
// competition binding and the reservation survive; the hash, preimage and
// any stale escrow transaction do not.
func (d *DB) ResetTicketAfterFailedEscrow(id uuid.UUID, newPreimage,
	newHash string) error {

	res, err := d.writes.Exec(`
		UPDATE tickets SET
			status = 'reserved', hash = ?, encrypted_preimage = ?,
			escrow_transaction = NULL, paid_at = NULL
		WHERE id = ?`,
		newHash, newPreimage, id.String(),
	)
	if err != nil {
		return fmt.Errorf("unable to reset ticket: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrTicketNotFound
	}

	log.Infof("Reset ticket %v with fresh payment hash %v after escrow "+
		"failure", id, newHash)

	return nil
}

func collectTickets(rows *sql.Rows) ([]*Ticket, error) {
	var tickets []*Ticket
	for rows.Next() {
		ticket, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, ticket)
	}
	return tickets, rows.Err()
}

func scanTicket(row scanner) (*Ticket, error) {
	var (
		ticket                  Ticket
		idStr, compID, status   string
		createdAt               string
		escrowTx, reservedBy    sql.NullString
		paidAt, settledAt       sql.NullString
	)

	err := row.Scan(
		&idStr, &compID, &ticket.Hash, &ticket.EncryptedPreimage,
		&escrowTx, &reservedBy, &status, &createdAt, &paidAt,
		&settledAt,
	)
	if err != nil {
		return nil, err
	}

	if ticket.ID, err = uuid.Parse(idStr); err != nil {
		return nil, err
	}
	if ticket.CompetitionID, err = uuid.Parse(compID); err != nil {
		return nil, err
	}
	ticket.EscrowTransaction = stringOrEmpty(escrowTx)
	ticket.ReservedBy = stringOrEmpty(reservedBy)
	ticket.Status = TicketStatus(status)

	if ticket.CreatedAt, err = timeFromDB(createdAt); err != nil {
		return nil, err
	}
	if ticket.PaidAt, err = nullTimeFromDB(paidAt); err != nil {
		return nil, err
	}
	if ticket.SettledAt, err = nullTimeFromDB(settledAt); err != nil {
		return nil, err
	}

	return &ticket, nil
}
