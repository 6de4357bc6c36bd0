package oracle

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// MockOracle is an in-memory Oracle used by the unit tests and by the
// regtest harness. Attestations are injected by the test via Attest.
type MockOracle struct {
	mu sync.Mutex

	events       map[uuid.UUID]*Event
	entries      map[uuid.UUID][]EventEntry
	forecasts    map[uuid.UUID]map[string]Forecast
	observations map[uuid.UUID]map[string]Observation

	// CreateErr, when set, is returned from CreateEvent to simulate an
	// oracle outage.
	CreateErr error
}

// NewMockOracle creates an empty mock oracle.
func NewMockOracle() *MockOracle {
	return &MockOracle{
		events:       make(map[uuid.UUID]*Event),
		entries:      make(map[uuid.UUID][]EventEntry),
		forecasts:    make(map[uuid.UUID]map[string]Forecast),
		observations: make(map[uuid.UUID]map[string]Observation),
	}
}

// CreateEvent registers the event with a synthetic announcement. The expiry
// is derived from the observation end so expiry tests can manipulate it.
func (m *MockOracle) CreateEvent(_ context.Context,
	req *CreateEventRequest) (*Event, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.CreateErr != nil {
		return nil, m.CreateErr
	}

	if _, ok := m.events[req.ID]; ok {
		return nil, fmt.Errorf("event %v already exists", req.ID)
	}

	expiry := uint32(req.ObservationEnd.Unix())
	event := &Event{
		ID: req.ID,
		Announcement: EventAnnouncement{
			Nonce:           fmt.Sprintf("mock-nonce-%s", req.ID),
			OutcomeMessages: outcomeMessages(req.NumberOfPlacesWin),
			Expiry:          &expiry,
		},
	}
	m.events[req.ID] = event

	return cloneEvent(event), nil
}

// GetEvent returns the current event state.
func (m *MockOracle) GetEvent(_ context.Context, id uuid.UUID) (*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	event, ok := m.events[id]
	if !ok {
		return nil, ErrEventNotFound
	}

	return cloneEvent(event), nil
}

// SubmitEntries records the submitted entry set.
func (m *MockOracle) SubmitEntries(_ context.Context, eventID uuid.UUID,
	entries []EventEntry) error {

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.events[eventID]; !ok {
		return ErrEventNotFound
	}

	m.entries[eventID] = append([]EventEntry(nil), entries...)
	return nil
}

// GetForecasts returns the forecasts injected via SetForecasts.
func (m *MockOracle) GetForecasts(_ context.Context,
	id uuid.UUID) (map[string]Forecast, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]Forecast, len(m.forecasts[id]))
	for k, v := range m.forecasts[id] {
		out[k] = v
	}
	return out, nil
}

// GetObservations returns the observations injected via SetObservations.
func (m *MockOracle) GetObservations(_ context.Context,
	id uuid.UUID) (map[string]Observation, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]Observation, len(m.observations[id]))
	for k, v := range m.observations[id] {
		out[k] = v
	}
	return out, nil
}

// Attest publishes an attestation scalar for the event.
func (m *MockOracle) Attest(id uuid.UUID, attestation []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	event, ok := m.events[id]
	if !ok {
		return ErrEventNotFound
	}

	event.Attestation = append([]byte(nil), attestation...)
	return nil
}

// SetExpiry overrides the event expiry, letting tests force the refund
// path.
func (m *MockOracle) SetExpiry(id uuid.UUID, expiry uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	event, ok := m.events[id]
	if !ok {
		return ErrEventNotFound
	}

	event.Announcement.Expiry = &expiry
	return nil
}

// SetForecasts injects forecast data for an event.
func (m *MockOracle) SetForecasts(id uuid.UUID, forecasts map[string]Forecast) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.forecasts[id] = forecasts
}

// SetObservations injects observation data for an event.
func (m *MockOracle) SetObservations(id uuid.UUID,
	observations map[string]Observation) {

	m.mu.Lock()
	defer m.mu.Unlock()

	m.observations[id] = observations
}

// SubmittedEntries returns the entries uploaded for an event.
func (m *MockOracle) SubmittedEntries(id uuid.UUID) []EventEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]EventEntry(nil), m.entries[id]...)
}

func outcomeMessages(places int) []string {
	msgs := make([]string, 0, places+1)
	for i := 0; i < places; i++ {
		msgs = append(msgs, fmt.Sprintf("place-%d", i+1))
	}
	msgs = append(msgs, "refund")
	return msgs
}

func cloneEvent(e *Event) *Event {
	out := *e
	out.Attestation = append([]byte(nil), e.Attestation...)
	return &out
}

// A compile time check to ensure MockOracle implements the Oracle facade.
var _ Oracle = (*MockOracle)(nil)
