package keymeld

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// MockKeymeld is an in-memory Keymeld facade for tests. Sessions complete
// immediately unless the test scripts otherwise.
type MockKeymeld struct {
	mu sync.Mutex

	enabled  bool
	sessions map[uuid.UUID]*KeygenSession

	// participants records registered pubkeys per session.
	participants map[uuid.UUID][]string

	// SignErr, when set, fails SignDLCBatch.
	SignErr error

	// SignedContract is returned from SignDLCBatch.
	SignedContract []byte
}

// NewMockKeymeld creates an enabled mock with an empty but well-formed
// signed contract. Tests that exercise the settlement path replace it via
// SignedContract.
func NewMockKeymeld() *MockKeymeld {
	contract, _ := (&SignedContract{}).Encode()

	return &MockKeymeld{
		enabled:        true,
		sessions:       make(map[uuid.UUID]*KeygenSession),
		participants:   make(map[uuid.UUID][]string),
		SignedContract: contract,
	}
}

// Enabled reports the scripted toggle.
func (m *MockKeymeld) Enabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.enabled
}

// SetEnabled flips the toggle.
func (m *MockKeymeld) SetEnabled(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.enabled = enabled
}

// InitKeygenSession creates or resumes a session. Resuming an existing
// session returns the same ID, matching the deterministic derivation
// contract.
func (m *MockKeymeld) InitKeygenSession(_ context.Context,
	competitionID uuid.UUID, _ int) (*KeygenSession, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.enabled {
		return nil, ErrDisabled
	}

	id := SessionID(competitionID)
	if session, ok := m.sessions[id]; ok {
		out := *session
		return &out, nil
	}

	session := &KeygenSession{
		ID:               id,
		Status:           SessionComplete,
		AggregatedPubkey: []byte("mock-aggregated-pubkey"),
		PublicNonces:     []byte("mock-public-nonces"),
	}
	m.sessions[id] = session

	out := *session
	return &out, nil
}

// RegisterParticipant records the pubkey.
func (m *MockKeymeld) RegisterParticipant(_ context.Context,
	sessionID uuid.UUID, participantPubkey string) error {

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.enabled {
		return ErrDisabled
	}
	if _, ok := m.sessions[sessionID]; !ok {
		return ErrSessionNotFound
	}

	m.participants[sessionID] = append(
		m.participants[sessionID], participantPubkey,
	)
	return nil
}

// Participants returns the registered pubkeys for a session.
func (m *MockKeymeld) Participants(sessionID uuid.UUID) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]string(nil), m.participants[sessionID]...)
}

// WaitForKeygen returns the session immediately.
func (m *MockKeymeld) WaitForKeygen(_ context.Context,
	sessionID uuid.UUID) (*KeygenSession, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.enabled {
		return nil, ErrDisabled
	}

	session, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if session.Status == SessionFailed {
		return nil, fmt.Errorf("keygen session failed")
	}

	out := *session
	return &out, nil
}

// SignDLCBatch returns the scripted contract.
func (m *MockKeymeld) SignDLCBatch(_ context.Context, sessionID uuid.UUID,
	_ []byte) (*SignResult, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.enabled {
		return nil, ErrDisabled
	}
	if m.SignErr != nil {
		return nil, m.SignErr
	}
	if _, ok := m.sessions[sessionID]; !ok {
		return nil, ErrSessionNotFound
	}

	return &SignResult{
		SignedContract: append([]byte(nil), m.SignedContract...),
	}, nil
}

// A compile time check to ensure MockKeymeld implements the Keymeld facade.
var _ Keymeld = (*MockKeymeld)(nil)
