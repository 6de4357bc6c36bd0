package compdb

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/5day4cast/coordinator/ids"
	"github.com/5day4cast/coordinator/oracle"
)

// Entry is a single participant's prediction slate for a competition. An
// entry only ever exists behind a ticket that has completed payment.
type Entry struct {
	ID            uuid.UUID
	CompetitionID uuid.UUID
	TicketID      uuid.UUID
	UserPubkey    string

	// Choices is the participant's slate, one element per station.
	Choices []oracle.WeatherChoices

	SubmittedAt time.Time
}

// AddEntry persists a new entry. The write is refused unless the ticket is
// Paid or Settled, belongs to the competition, and is reserved by the
// submitting pubkey; a second entry for the same ticket is rejected.
func (d *DB) AddEntry(competitionID, ticketID uuid.UUID, userPubkey string,
	choices []oracle.WeatherChoices) (*Entry, error) {

	ticket, err := d.GetTicket(ticketID)
	if err != nil {
		return nil, err
	}
	if ticket.CompetitionID != competitionID {
		return nil, ErrTicketNotFound
	}
	if ticket.Status != TicketPaid && ticket.Status != TicketSettled {
		return nil, ErrTicketNotPaid
	}
	if ticket.ReservedBy != userPubkey {
		return nil, ErrTicketNotReserved
	}

	id, err := ids.New()
	if err != nil {
		return nil, err
	}

	entry := &Entry{
		ID:            id,
		CompetitionID: competitionID,
		TicketID:      ticketID,
		UserPubkey:    userPubkey,
		Choices:       choices,
		SubmittedAt:   d.now(),
	}

	rawChoices, err := json.Marshal(choices)
	if err != nil {
		return nil, fmt.Errorf("unable to encode choices: %w", err)
	}

	_, err = d.writes.Exec(`
		INSERT INTO entries (
			id, competition_id, ticket_id, user_pubkey, choices,
			submitted_at
		) VALUES (?, ?, ?, ?, ?, ?)`,
		entry.ID.String(), competitionID.String(), ticketID.String(),
		userPubkey, string(rawChoices), timeToDB(entry.SubmittedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateEntry
		}
		return nil, fmt.Errorf("unable to insert entry: %w", err)
	}

	log.Infof("Added entry %v to competition %v for ticket %v", entry.ID,
		competitionID, ticketID)

	return entry, nil
}

const entryColumns = `
	id, competition_id, ticket_id, user_pubkey, choices, submitted_at`

// GetEntry fetches a single entry by ID.
func (d *DB) GetEntry(id uuid.UUID) (*Entry, error) {
	row := d.reads.QueryRow(`
		SELECT`+entryColumns+`
		FROM entries WHERE id = ?`, id.String())

	entry, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, ErrEntryNotFound
	}
	return entry, err
}

// GetCompetitionEntries returns a competition's entries in submission
// order, which is also ID order.
func (d *DB) GetCompetitionEntries(competitionID uuid.UUID) ([]*Entry, error) {
	rows, err := d.reads.Query(`
		SELECT`+entryColumns+`
		FROM entries WHERE competition_id = ?
		ORDER BY id ASC`, competitionID.String())
	if err != nil {
		return nil, fmt.Errorf("unable to query entries: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}

	return entries, rows.Err()
}

func scanEntry(row scanner) (*Entry, error) {
	var (
		entry                        Entry
		idStr, compID, ticketID      string
		rawChoices, submittedAt      string
	)

	err := row.Scan(
		&idStr, &compID, &ticketID, &entry.UserPubkey, &rawChoices,
		&submittedAt,
	)
	if err != nil {
		return nil, err
	}

	if entry.ID, err = uuid.Parse(idStr); err != nil {
		return nil, err
	}
	if entry.CompetitionID, err = uuid.Parse(compID); err != nil {
		return nil, err
	}
	if entry.TicketID, err = uuid.Parse(ticketID); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(rawChoices), &entry.Choices); err != nil {
		return nil, fmt.Errorf("invalid choices: %w", err)
	}
	if entry.SubmittedAt, err = timeFromDB(submittedAt); err != nil {
		return nil, err
	}

	return &entry, nil
}

// isUniqueViolation detects sqlite unique constraint failures without
// depending on driver-specific error types.
func isUniqueViolation(err error) bool {
	return err != nil &&
		strings.Contains(err.Error(), "UNIQUE constraint failed")
}
