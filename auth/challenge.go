package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/clock"
)

// challengeTTL is how long a forgot-password challenge stays redeemable.
const challengeTTL = 300 * time.Second

// ErrChallengeNotFound is returned when a reset names an unknown, expired
// or already-consumed challenge.
var ErrChallengeNotFound = errors.New("challenge not found or expired")

type challengeEntry struct {
	username string
	issuedAt time.Time
}

// ChallengeStore holds outstanding forgot-password challenges in memory.
// Entries older than the TTL are evicted on every write; a challenge is
// consumed on successful redemption so it can't be replayed.
type ChallengeStore struct {
	mtx        sync.RWMutex
	challenges map[string]challengeEntry

	clock clock.Clock
}

// NewChallengeStore creates an empty challenge store.
func NewChallengeStore(c clock.Clock) *ChallengeStore {
	if c == nil {
		c = clock.NewDefaultClock()
	}

	return &ChallengeStore{
		challenges: make(map[string]challengeEntry),
		clock:      c,
	}
}

// Issue creates a fresh 32-byte challenge bound to a username.
func (c *ChallengeStore) Issue(username string) (string, error) {
	var raw [32]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", fmt.Errorf("unable to draw challenge: %w", err)
	}
	challenge := hex.EncodeToString(raw[:])

	c.mtx.Lock()
	defer c.mtx.Unlock()

	c.evictExpired()
	c.challenges[challenge] = challengeEntry{
		username: username,
		issuedAt: c.clock.Now(),
	}

	return challenge, nil
}

// Redeem consumes a challenge, returning the username it was issued for.
// A second redemption of the same challenge fails.
func (c *ChallengeStore) Redeem(challenge string) (string, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	c.evictExpired()

	entry, ok := c.challenges[challenge]
	if !ok {
		return "", ErrChallengeNotFound
	}

	delete(c.challenges, challenge)
	return entry.username, nil
}

// Peek returns the username bound to a live challenge without consuming
// it.
func (c *ChallengeStore) Peek(challenge string) (string, error) {
	c.mtx.RLock()
	defer c.mtx.RUnlock()

	entry, ok := c.challenges[challenge]
	if !ok {
		return "", ErrChallengeNotFound
	}
	if c.clock.Now().Sub(entry.issuedAt) > challengeTTL {
		return "", ErrChallengeNotFound
	}

	return entry.username, nil
}

// evictExpired drops entries past their TTL. The caller holds the write
// lock.
func (c *ChallengeStore) evictExpired() {
	now := c.clock.Now()
	for challenge, entry := range c.challenges {
		if now.Sub(entry.issuedAt) > challengeTTL {
			delete(c.challenges, challenge)
		}
	}
}
