package oracle

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

const (
	// defaultRequestTimeout bounds any single oracle round trip.
	defaultRequestTimeout = 30 * time.Second
)

// RequestSigner produces the value of the Authorization header for an
// outbound oracle request. The coordinator signs (method, URL, body hash)
// with its nostr identity key; the concrete envelope lives in the auth
// package so the oracle client stays free of key material.
type RequestSigner func(method, requestURL string, body []byte) (string, error)

// Client is the production HTTP implementation of the Oracle facade.
type Client struct {
	baseURL *url.URL
	client  *http.Client
	sign    RequestSigner
}

// NewClient creates an oracle client against the given base URL. The signer
// may be nil for oracles that don't require authenticated requests.
func NewClient(baseURL string, sign RequestSigner) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid oracle url %q: %w", baseURL, err)
	}

	return &Client{
		baseURL: u,
		client:  &http.Client{Timeout: defaultRequestTimeout},
		sign:    sign,
	}, nil
}

// CreateEvent registers a new event with the oracle.
func (c *Client) CreateEvent(ctx context.Context,
	req *CreateEventRequest) (*Event, error) {

	var event Event
	err := c.do(ctx, http.MethodPost, "/oracle/events", req, &event)
	if err != nil {
		return nil, fmt.Errorf("unable to create oracle event: %w", err)
	}

	log.Infof("Created oracle event %v, expiry=%v", event.ID,
		event.Announcement.Expiry)

	return &event, nil
}

// GetEvent fetches the current state of an event, including its
// attestation once the oracle has published one.
func (c *Client) GetEvent(ctx context.Context, id uuid.UUID) (*Event, error) {
	var event Event
	path := fmt.Sprintf("/oracle/events/%s", id)
	if err := c.do(ctx, http.MethodGet, path, nil, &event); err != nil {
		return nil, fmt.Errorf("unable to fetch oracle event %v: %w",
			id, err)
	}

	return &event, nil
}

// SubmitEntries uploads the final set of entries for an event.
func (c *Client) SubmitEntries(ctx context.Context, eventID uuid.UUID,
	entries []EventEntry) error {

	payload := struct {
		EventID uuid.UUID    `json:"event_id"`
		Entries []EventEntry `json:"entries"`
	}{
		EventID: eventID,
		Entries: entries,
	}

	path := fmt.Sprintf("/oracle/events/%s/entries", eventID)
	if err := c.do(ctx, http.MethodPost, path, payload, nil); err != nil {
		return fmt.Errorf("unable to submit %d entries for event %v: %w",
			len(entries), eventID, err)
	}

	log.Debugf("Submitted %d entries for oracle event %v", len(entries),
		eventID)

	return nil
}

// GetForecasts returns the per-station forecasts for an event.
func (c *Client) GetForecasts(ctx context.Context,
	id uuid.UUID) (map[string]Forecast, error) {

	var forecasts []Forecast
	path := fmt.Sprintf("/oracle/events/%s/forecasts", id)
	if err := c.do(ctx, http.MethodGet, path, nil, &forecasts); err != nil {
		return nil, fmt.Errorf("unable to fetch forecasts: %w", err)
	}

	byStation := make(map[string]Forecast, len(forecasts))
	for _, f := range forecasts {
		byStation[f.StationID] = f
	}

	return byStation, nil
}

// GetObservations returns the per-station observations for an event.
func (c *Client) GetObservations(ctx context.Context,
	id uuid.UUID) (map[string]Observation, error) {

	var observations []Observation
	path := fmt.Sprintf("/oracle/events/%s/observations", id)
	err := c.do(ctx, http.MethodGet, path, nil, &observations)
	if err != nil {
		return nil, fmt.Errorf("unable to fetch observations: %w", err)
	}

	byStation := make(map[string]Observation, len(observations))
	for _, o := range observations {
		byStation[o.StationID] = o
	}

	return byStation, nil
}

// do performs a single JSON round trip against the oracle, mapping the
// response status onto the package error taxonomy.
func (c *Client) do(ctx context.Context, method, path string,
	body, result interface{}) error {

	endpoint := c.baseURL.JoinPath(path).String()

	var (
		reqBody  io.Reader
		rawBody  []byte
		err      error
	)
	if body != nil {
		rawBody, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("unable to encode request: %w", err)
		}
		reqBody = bytes.NewReader(rawBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	if c.sign != nil {
		authHeader, err := c.sign(method, endpoint, rawBody)
		if err != nil {
			return fmt.Errorf("unable to sign oracle request: %w",
				err)
		}
		req.Header.Set("Authorization", authHeader)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return &TransientError{Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrEventNotFound

	case resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= http.StatusInternalServerError:

		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &TransientError{
			Err: fmt.Errorf("oracle returned %d: %s",
				resp.StatusCode, msg),
		}

	case resp.StatusCode >= http.StatusBadRequest:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("oracle rejected request with %d: %s",
			resp.StatusCode, msg)
	}

	if result == nil {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("unable to decode oracle response: %w", err)
	}

	return nil
}

// A compile time check to ensure Client implements the Oracle facade.
var _ Oracle = (*Client)(nil)
