// Package ids provides the time-ordered identifiers used throughout the
// coordinator. Competitions, entries, tickets and payouts are all keyed by
// UUIDv7 values whose leading 48 bits encode the millisecond creation time.
// The embedded timestamp doubles as the scoring tiebreaker, so the helpers
// here are the single source of truth for extracting it.
package ids

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// New generates a fresh time-ordered identifier. The returned UUID sorts
// lexicographically by creation time, which lets the store rely on primary
// key order for "earliest first" scans.
func New() (uuid.UUID, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.Nil, fmt.Errorf("unable to generate id: %w", err)
	}
	return id, nil
}

// MustNew generates a new identifier, panicking on failure. Generation can
// only fail if the system entropy source is broken, in which case the
// process has bigger problems.
func MustNew() uuid.UUID {
	id, err := New()
	if err != nil {
		panic(err)
	}
	return id
}

// TimestampMillis extracts the millisecond unix timestamp embedded in the
// first 48 bits of a UUIDv7. The value is returned verbatim for any UUID
// version, matching the ordering semantics of the scoring tiebreaker.
func TimestampMillis(id uuid.UUID) uint64 {
	var buf [8]byte
	copy(buf[2:], id[0:6])
	return binary.BigEndian.Uint64(buf[:])
}

// Parse wraps uuid.Parse so callers outside the store don't need to import
// the uuid package for the common decode-and-validate path.
func Parse(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid id %q: %w", s, err)
	}
	return id, nil
}
