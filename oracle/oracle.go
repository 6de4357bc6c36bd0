// Package oracle implements the client facade for the attestation oracle.
// The coordinator creates one oracle event per competition, submits the
// collected entries, and then polls the event until the oracle publishes an
// attestation scalar. The attestation algebra itself is opaque to the
// coordinator: the scalar is carried around as raw bytes and only ever
// handed to the signing service.
package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SignOption is a participant's prediction for a single metric relative to
// the forecasted value.
type SignOption string

const (
	// Over predicts the observed value will exceed the forecast.
	Over SignOption = "over"

	// Par predicts the observed value will match the forecast exactly.
	Par SignOption = "par"

	// Under predicts the observed value will come in below the forecast.
	Under SignOption = "under"
)

// ParseSignOption decodes the string form used on the wire and in the
// store, rejecting anything outside the three valid picks.
func ParseSignOption(s string) (SignOption, error) {
	switch SignOption(s) {
	case Over, Par, Under:
		return SignOption(s), nil
	default:
		return "", fmt.Errorf("invalid sign option: %q", s)
	}
}

// WeatherChoices is a participant's slate of predictions for one weather
// station. A nil metric means the participant made no pick for it.
type WeatherChoices struct {
	Stations string `json:"stations"`

	WindSpeed *SignOption `json:"wind_speed,omitempty"`
	TempHigh  *SignOption `json:"temp_high,omitempty"`
	TempLow   *SignOption `json:"temp_low,omitempty"`
}

// NumPicks returns how many metrics this slate actually predicts.
func (w *WeatherChoices) NumPicks() int {
	var n int
	if w.WindSpeed != nil {
		n++
	}
	if w.TempHigh != nil {
		n++
	}
	if w.TempLow != nil {
		n++
	}
	return n
}

// Forecast is the oracle's published forecast for a station over the
// observation window.
type Forecast struct {
	StationID string `json:"station_id"`

	WindSpeed *float64 `json:"wind_speed,omitempty"`
	TempHigh  *float64 `json:"temp_high,omitempty"`
	TempLow   *float64 `json:"temp_low,omitempty"`
}

// Observation is the measured outcome for a station after the observation
// window closes.
type Observation struct {
	StationID string `json:"station_id"`

	WindSpeed *float64 `json:"wind_speed,omitempty"`
	TempHigh  *float64 `json:"temp_high,omitempty"`
	TempLow   *float64 `json:"temp_low,omitempty"`
}

// EventAnnouncement carries the oracle's locking conditions for an event:
// the nonce it committed to, the set of outcome messages it may attest to,
// and the unix time after which the event expires unattested. The locking
// points are opaque to the coordinator and flow through to the signing
// service untouched.
type EventAnnouncement struct {
	Nonce           string          `json:"nonce"`
	OutcomeMessages []string        `json:"outcome_messages"`
	LockingPoints   json.RawMessage `json:"locking_points,omitempty"`
	Expiry          *uint32         `json:"expiry,omitempty"`
}

// Event is an oracle event as returned by the oracle API. Attestation is
// nil until the oracle has signed off on the final result.
type Event struct {
	ID           uuid.UUID         `json:"id"`
	Announcement EventAnnouncement `json:"event_announcement"`

	// Attestation is the oracle's published scalar, opaque to the
	// coordinator. Present only once the oracle considers the event
	// final.
	Attestation []byte `json:"attestation,omitempty"`
}

// CreateEventRequest describes the event the coordinator asks the oracle to
// run for a competition. The event ID is the competition ID, which keeps
// the two stores joinable without a mapping table.
type CreateEventRequest struct {
	ID                   uuid.UUID `json:"id"`
	SigningDeadline      time.Time `json:"signing_date"`
	ObservationStart     time.Time `json:"observation_date"`
	ObservationEnd       time.Time `json:"observation_end_date"`
	Locations            []string  `json:"locations"`
	TotalAllowedEntries  int       `json:"total_allowed_entries"`
	NumberOfValuesPerEntry int     `json:"number_of_values_per_entry"`
	NumberOfPlacesWin    int       `json:"number_of_places_win"`
}

// EventEntry is a single competition entry in the shape the oracle accepts.
type EventEntry struct {
	ID                   uuid.UUID        `json:"id"`
	EventID              uuid.UUID        `json:"event_id"`
	ExpectedObservations []WeatherChoices `json:"expected_observations"`
}

// Oracle is the facade the lifecycle engine drives. Implementations must be
// safe for concurrent use.
type Oracle interface {
	// CreateEvent registers a new event with the oracle and returns the
	// announcement the oracle committed to.
	CreateEvent(ctx context.Context, req *CreateEventRequest) (*Event, error)

	// GetEvent fetches the current view of an event. The returned event
	// carries an attestation once the oracle has published one.
	GetEvent(ctx context.Context, id uuid.UUID) (*Event, error)

	// SubmitEntries uploads the full set of entries for an event. The
	// oracle scores against exactly this set.
	SubmitEntries(ctx context.Context, eventID uuid.UUID, entries []EventEntry) error

	// GetForecasts returns the per-station forecasts for an event.
	GetForecasts(ctx context.Context, id uuid.UUID) (map[string]Forecast, error)

	// GetObservations returns the per-station observations recorded for
	// an event so far.
	GetObservations(ctx context.Context, id uuid.UUID) (map[string]Observation, error)
}
