package keymeld

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
)

// Config tunes the keymeld client: endpoint, feature toggle and the polling
// schedule for the two ceremonies.
type Config struct {
	// URL of the keymeld gateway server.
	URL string

	// Enabled toggles the integration.
	Enabled bool

	// KeygenTimeout bounds the whole keygen ceremony.
	KeygenTimeout time.Duration

	// SigningTimeout bounds the batch signing ceremony.
	SigningTimeout time.Duration

	// MaxPollingAttempts caps how often a session is polled before
	// giving up, independent of the timeout.
	MaxPollingAttempts int

	// InitialPollingDelay is the first poll interval.
	InitialPollingDelay time.Duration

	// MaxPollingDelay caps the backed-off poll interval.
	MaxPollingDelay time.Duration

	// PollingBackoffMultiplier grows the poll interval between
	// attempts.
	PollingBackoffMultiplier float64
}

// DefaultConfig returns the production defaults: hour-long keygen, five
// minute signing, 1.5x backoff capped at five seconds.
func DefaultConfig() *Config {
	return &Config{
		Enabled:                  true,
		KeygenTimeout:            3600 * time.Second,
		SigningTimeout:           300 * time.Second,
		MaxPollingAttempts:       60,
		InitialPollingDelay:      500 * time.Millisecond,
		MaxPollingDelay:          5 * time.Second,
		PollingBackoffMultiplier: 1.5,
	}
}

// Client is the production HTTP implementation of the Keymeld facade.
type Client struct {
	cfg     *Config
	baseURL *url.URL
	client  *http.Client
}

// NewClient creates a keymeld client. The returned client honors the
// Enabled toggle on every call.
func NewClient(cfg *Config) (*Client, error) {
	c := &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: 30 * time.Second},
	}

	if cfg.Enabled {
		u, err := url.Parse(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid keymeld url %q: %w",
				cfg.URL, err)
		}
		c.baseURL = u
	}

	return c, nil
}

// Enabled reports whether the integration is active.
func (c *Client) Enabled() bool {
	return c.cfg.Enabled
}

// InitKeygenSession opens or resumes the keygen session for a competition.
// Session IDs are derived deterministically, so re-initializing after a
// restart lands on the same session.
func (c *Client) InitKeygenSession(ctx context.Context,
	competitionID uuid.UUID, numParticipants int) (*KeygenSession, error) {

	if !c.cfg.Enabled {
		return nil, ErrDisabled
	}

	sessionID := SessionID(competitionID)
	req := struct {
		SessionID       uuid.UUID `json:"session_id"`
		NumParticipants int       `json:"num_participants"`
	}{
		SessionID:       sessionID,
		NumParticipants: numParticipants,
	}

	var session KeygenSession
	err := c.do(ctx, http.MethodPost, "/v1/keygen/sessions", req, &session)
	if err != nil {
		return nil, fmt.Errorf("unable to init keygen session: %w",
			err)
	}

	log.Infof("Keygen session %v initialized for competition %v "+
		"(%d participants)", sessionID, competitionID, numParticipants)

	return &session, nil
}

// RegisterParticipant adds a participant to a session.
func (c *Client) RegisterParticipant(ctx context.Context,
	sessionID uuid.UUID, participantPubkey string) error {

	if !c.cfg.Enabled {
		return ErrDisabled
	}

	req := struct {
		Pubkey string `json:"pubkey"`
	}{
		Pubkey: participantPubkey,
	}

	path := fmt.Sprintf("/v1/keygen/sessions/%s/participants", sessionID)
	if err := c.do(ctx, http.MethodPost, path, req, nil); err != nil {
		return fmt.Errorf("unable to register participant: %w", err)
	}

	return nil
}

// WaitForKeygen polls the session until completion, failure or timeout.
func (c *Client) WaitForKeygen(ctx context.Context,
	sessionID uuid.UUID) (*KeygenSession, error) {

	if !c.cfg.Enabled {
		return nil, ErrDisabled
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.KeygenTimeout)
	defer cancel()

	session, err := c.pollSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("keygen session %v: %w", sessionID, err)
	}

	return session, nil
}

// SignDLCBatch submits the contract for batch signing and polls for the
// result.
func (c *Client) SignDLCBatch(ctx context.Context, sessionID uuid.UUID,
	contractParameters []byte) (*SignResult, error) {

	if !c.cfg.Enabled {
		return nil, ErrDisabled
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.SigningTimeout)
	defer cancel()

	req := struct {
		ContractParameters json.RawMessage `json:"contract_parameters"`
	}{
		ContractParameters: contractParameters,
	}

	path := fmt.Sprintf("/v1/sessions/%s/sign-batch", sessionID)
	var result SignResult
	if err := c.do(ctx, http.MethodPost, path, req, &result); err != nil {
		return nil, fmt.Errorf("unable to sign dlc batch: %w", err)
	}

	if len(result.SignedContract) == 0 {
		// The service accepted the batch but signing is still in
		// flight; poll the session for the result.
		if err := c.pollSignResult(ctx, sessionID, &result); err != nil {
			return nil, err
		}
	}

	log.Infof("Keymeld signed dlc batch for session %v", sessionID)

	return &result, nil
}

// pollSession polls a keygen session with exponential backoff until it
// reaches a terminal status.
func (c *Client) pollSession(ctx context.Context,
	sessionID uuid.UUID) (*KeygenSession, error) {

	delay := c.cfg.InitialPollingDelay

	for attempt := 0; attempt < c.cfg.MaxPollingAttempts; attempt++ {
		var session KeygenSession
		path := fmt.Sprintf("/v1/keygen/sessions/%s", sessionID)
		err := c.do(ctx, http.MethodGet, path, nil, &session)
		if err != nil {
			return nil, err
		}

		switch session.Status {
		case SessionComplete:
			return &session, nil
		case SessionFailed:
			return nil, fmt.Errorf("keygen session failed")
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ErrTimeout
		}

		delay = time.Duration(
			float64(delay) * c.cfg.PollingBackoffMultiplier,
		)
		if delay > c.cfg.MaxPollingDelay {
			delay = c.cfg.MaxPollingDelay
		}
	}

	return nil, ErrTimeout
}

// pollSignResult polls the signing endpoint until the contract is ready.
func (c *Client) pollSignResult(ctx context.Context, sessionID uuid.UUID,
	result *SignResult) error {

	delay := c.cfg.InitialPollingDelay

	for attempt := 0; attempt < c.cfg.MaxPollingAttempts; attempt++ {
		path := fmt.Sprintf("/v1/sessions/%s/sign-result", sessionID)
		err := c.do(ctx, http.MethodGet, path, nil, result)
		if err != nil && err != ErrSessionNotFound {
			return err
		}

		if len(result.SignedContract) != 0 {
			return nil
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ErrTimeout
		}

		delay = time.Duration(
			float64(delay) * c.cfg.PollingBackoffMultiplier,
		)
		if delay > c.cfg.MaxPollingDelay {
			delay = c.cfg.MaxPollingDelay
		}
	}

	return ErrTimeout
}

func (c *Client) do(ctx context.Context, method, path string,
	body, result interface{}) error {

	endpoint := c.baseURL.JoinPath(path).String()

	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("unable to encode request: %w", err)
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrSessionNotFound

	case resp.StatusCode >= http.StatusBadRequest:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("keymeld returned %d: %s", resp.StatusCode,
			msg)
	}

	if result == nil {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("unable to decode keymeld response: %w", err)
	}

	return nil
}

// A compile time check to ensure Client implements the Keymeld facade.
var _ Keymeld = (*Client)(nil)
