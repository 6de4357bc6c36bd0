package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/lightningnetwork/lnd/clock"

	"github.com/5day4cast/coordinator/compdb"
)

// Registry implements the user registration and login flows on top of the
// store.
type Registry struct {
	store      *compdb.DB
	challenges *ChallengeStore
	clock      clock.Clock
}

// NewRegistry creates a user registry.
func NewRegistry(store *compdb.DB, c clock.Clock) *Registry {
	if c == nil {
		c = clock.NewDefaultClock()
	}

	return &Registry{
		store:      store,
		challenges: NewChallengeStore(c),
		clock:      c,
	}
}

// Register handles the pubkey-only flow: the caller proved control of the
// npub via a signed attestation and supplies client-encrypted key
// material.
func (r *Registry) Register(npub, encryptedBitcoinPrivateKey,
	network string) (*compdb.User, error) {

	if _, err := DecodeNpub(npub); err != nil {
		return nil, fmt.Errorf("invalid pubkey: %w", err)
	}

	return r.store.CreateUser(npub, encryptedBitcoinPrivateKey, network)
}

// Login fetches the stored key material for an attested npub.
func (r *Registry) Login(npub string) (*compdb.User, error) {
	return r.store.GetUser(npub)
}

// UsernameRegistration is the input to the username+password flow.
type UsernameRegistration struct {
	Username                   string
	Password                   string
	EncryptedNsec              string
	NostrPubkey                string
	EncryptedBitcoinPrivateKey string
	Network                    string
}

// RegisterUsername handles the username+password flow. When the username
// is already taken the call reports success and echoes the caller's own
// pubkey, so registration can't be used to enumerate usernames.
func (r *Registry) RegisterUsername(
	reg *UsernameRegistration) (*compdb.User, error) {

	if err := ValidateUsername(reg.Username); err != nil {
		return nil, err
	}
	if err := ValidatePasswordStrength(reg.Password); err != nil {
		return nil, err
	}

	passwordHash, err := HashPassword(reg.Password)
	if err != nil {
		return nil, err
	}

	user, err := r.store.CreateUsernameUser(
		reg.NostrPubkey, reg.Username, passwordHash,
		reg.EncryptedNsec, reg.EncryptedBitcoinPrivateKey,
		reg.Network,
	)
	if errors.Is(err, compdb.ErrUsernameTaken) {
		// Enumeration resistance: collisions look exactly like
		// success from the outside.
		return &compdb.User{
			NostrPubkey: reg.NostrPubkey,
			Username:    reg.Username,
		}, nil
	}

	return user, err
}

// LoginUsername verifies a username+password pair, always spending a full
// password verification even for unknown users.
func (r *Registry) LoginUsername(username,
	password string) (*compdb.User, error) {

	user, err := r.store.GetUserByUsername(username)
	switch {
	case errors.Is(err, compdb.ErrUserNotFound):
		VerifyPasswordOrDummy(password, "")
		return nil, ErrInvalidCredentials

	case err != nil:
		return nil, err
	}

	if !VerifyPasswordOrDummy(password, user.PasswordHash) {
		return nil, ErrInvalidCredentials
	}

	return user, nil
}

// ChangePassword verifies the current password and installs the new hash
// plus the nsec re-encrypted under the new password.
func (r *Registry) ChangePassword(npub, currentPassword, newPassword,
	newEncryptedNsec string) error {

	user, err := r.store.GetUser(npub)
	if err != nil {
		return err
	}

	if !VerifyPasswordOrDummy(currentPassword, user.PasswordHash) {
		return ErrInvalidCredentials
	}

	if err := ValidatePasswordStrength(newPassword); err != nil {
		return err
	}

	newHash, err := HashPassword(newPassword)
	if err != nil {
		return err
	}

	return r.store.UpdateUserPassword(npub, newHash, newEncryptedNsec)
}

// ForgotPasswordChallenge issues a reset challenge for a username. The
// challenge is issued whether or not the username exists, so the endpoint
// leaks nothing; redemption fails naturally for unknown users.
func (r *Registry) ForgotPasswordChallenge(username string) (string, error) {
	return r.challenges.Issue(username)
}

// ResetPassword redeems a challenge: the caller must present an
// attestation over the challenge string signed by the account's own key.
// The challenge is consumed regardless of the signature outcome, so a
// failed attempt can't be retried against the same challenge.
func (r *Registry) ResetPassword(challenge, signedAttestation, newPassword,
	newEncryptedNsec string) error {

	username, err := r.challenges.Redeem(challenge)
	if err != nil {
		return err
	}

	user, err := r.store.GetUserByUsername(username)
	if err != nil {
		return ErrInvalidCredentials
	}

	err = VerifyChallenge(
		signedAttestation, challenge, user.NostrPubkey,
		r.clock.Now(),
	)
	if err != nil {
		return ErrInvalidCredentials
	}

	if err := ValidatePasswordStrength(newPassword); err != nil {
		return err
	}

	newHash, err := HashPassword(newPassword)
	if err != nil {
		return err
	}

	return r.store.UpdateUserPassword(
		user.NostrPubkey, newHash, newEncryptedNsec,
	)
}

// Now exposes the registry clock, used by the REST layer to validate
// attestation freshness against the same time source.
func (r *Registry) Now() time.Time {
	return r.clock.Now()
}
