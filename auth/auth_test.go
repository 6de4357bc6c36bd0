package auth

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/require"

	"github.com/5day4cast/coordinator/compdb"
)

// TestPasswordHashRoundTrip asserts hashing and verification agree, and
// that salts are unique per call.
func TestPasswordHashRoundTrip(t *testing.T) {
	t.Parallel()

	const password = "Correct-Horse-9"

	hash1, err := HashPassword(password)
	require.NoError(t, err)
	hash2, err := HashPassword(password)
	require.NoError(t, err)

	require.NotEqual(t, hash1, hash2)
	require.True(t, VerifyPassword(password, hash1))
	require.True(t, VerifyPassword(password, hash2))
	require.False(t, VerifyPassword("wrong", hash1))
}

// TestPasswordStrengthBoundary pins the exact boundary cases from the
// policy.
func TestPasswordStrengthBoundary(t *testing.T) {
	t.Parallel()

	// Nine characters, all classes present: too short.
	require.Error(t, ValidatePasswordStrength("aB1!aB1!a"))

	// Ten characters, all classes present: accepted.
	require.NoError(t, ValidatePasswordStrength("aB1!aB1!aa"))

	// Missing character classes.
	require.Error(t, ValidatePasswordStrength("alllowercase1!"))
	require.Error(t, ValidatePasswordStrength("ALLUPPERCASE1!"))
	require.Error(t, ValidatePasswordStrength("NoDigitsHere!"))
	require.Error(t, ValidatePasswordStrength("NoSymbols123"))
}

func TestUsernameValidation(t *testing.T) {
	t.Parallel()

	require.NoError(t, ValidateUsername("alice"))
	require.NoError(t, ValidateUsername("a_b-c123"))

	require.Error(t, ValidateUsername("ab"))
	require.Error(t, ValidateUsername("1starts-with-digit"))
	require.Error(t, ValidateUsername("_starts-with-underscore"))
	require.Error(t, ValidateUsername("has space"))
	require.Error(t, ValidateUsername(
		"way-too-long-username-over-32-characters"))
}

// TestNsecEncryptionRoundTrip asserts the encrypt/decrypt laws: same
// password restores the input, a different password fails, and two
// encryptions of the same input differ.
func TestNsecEncryptionRoundTrip(t *testing.T) {
	t.Parallel()

	const (
		nsec     = "nsec1vl029mgpspedva04g90vltkh6fvh240zqtv9k0t9af8935ke9laqsnlfe5"
		password = "Abcdefg1!x"
	)

	encrypted1, err := EncryptNsecWithPassword(nsec, password)
	require.NoError(t, err)
	encrypted2, err := EncryptNsecWithPassword(nsec, password)
	require.NoError(t, err)
	require.NotEqual(t, encrypted1, encrypted2)

	decrypted, err := DecryptNsecWithPassword(encrypted1, password)
	require.NoError(t, err)
	require.Equal(t, nsec, decrypted)

	_, err = DecryptNsecWithPassword(encrypted1, "wrong-password")
	require.ErrorIs(t, err, ErrDecryptionFailed)

	_, err = DecryptNsecWithPassword("not base64!!!", password)
	require.ErrorIs(t, err, ErrInvalidCiphertext)
}

// TestAttestationRoundTrip signs a request attestation and verifies it,
// including tamper and staleness rejection.
func TestAttestationRoundTrip(t *testing.T) {
	t.Parallel()

	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	now := time.Now().UTC()
	body := []byte(`{"foo":"bar"}`)

	header, err := Sign(priv, "POST", "/competitions/x/entries", body, now)
	require.NoError(t, err)

	npub, err := Verify(header, "POST", "/competitions/x/entries", body,
		now)
	require.NoError(t, err)
	require.Contains(t, npub, "npub1")

	// Wrong method or tampered body fail verification.
	_, err = Verify(header, "GET", "/competitions/x/entries", body, now)
	require.ErrorIs(t, err, ErrBadAttestation)
	_, err = Verify(header, "POST", "/competitions/x/entries",
		[]byte(`{}`), now)
	require.ErrorIs(t, err, ErrBadAttestation)

	// Stale attestations are rejected.
	_, err = Verify(header, "POST", "/competitions/x/entries", body,
		now.Add(10*time.Minute))
	require.ErrorIs(t, err, ErrStaleAttestation)
}

func TestNpubRoundTrip(t *testing.T) {
	t.Parallel()

	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	pubHex := pubkeyHex(t, priv)

	npub, err := EncodeNpub(pubHex)
	require.NoError(t, err)

	decoded, err := DecodeNpub(npub)
	require.NoError(t, err)
	require.Equal(t, pubHex, decoded)
}

func pubkeyHex(t *testing.T, priv *btcec.PrivateKey) string {
	t.Helper()

	const hextable = "0123456789abcdef"
	// Serialize as x-only (drop the parity byte).
	raw := priv.PubKey().SerializeCompressed()[1:]

	out := make([]byte, 0, 64)
	for _, c := range raw {
		out = append(out, hextable[c>>4], hextable[c&0x0f])
	}
	return string(out)
}

// registryHarness wires a Registry against a fresh store and a test clock.
func registryHarness(t *testing.T) (*Registry, *clock.TestClock) {
	t.Helper()

	db, err := compdb.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	testClock := clock.NewTestClock(time.Now().UTC())
	return NewRegistry(db, testClock), testClock
}

// TestUsernameRegistrationCollision asserts a duplicate registration looks
// like success but leaves the original account untouched.
func TestUsernameRegistrationCollision(t *testing.T) {
	t.Parallel()

	registry, _ := registryHarness(t)

	first, err := registry.RegisterUsername(&UsernameRegistration{
		Username:                   "alice",
		Password:                   "Abcdefg1!x",
		EncryptedNsec:              "blob-one",
		NostrPubkey:                "npub1alice",
		EncryptedBitcoinPrivateKey: "enc-key-one",
		Network:                    "regtest",
	})
	require.NoError(t, err)
	require.Equal(t, "npub1alice", first.NostrPubkey)

	// A second registration of the same username reports success with
	// the caller's own pubkey.
	second, err := registry.RegisterUsername(&UsernameRegistration{
		Username:                   "alice",
		Password:                   "Hijklmn2@y",
		EncryptedNsec:              "blob-two",
		NostrPubkey:                "npub1mallory",
		EncryptedBitcoinPrivateKey: "enc-key-two",
		Network:                    "regtest",
	})
	require.NoError(t, err)
	require.Equal(t, "npub1mallory", second.NostrPubkey)

	// Alice still logs in with her original password.
	user, err := registry.LoginUsername("alice", "Abcdefg1!x")
	require.NoError(t, err)
	require.Equal(t, "npub1alice", user.NostrPubkey)
	require.Equal(t, "blob-one", user.EncryptedNsec)

	// Mallory's password does not work.
	_, err = registry.LoginUsername("alice", "Hijklmn2@y")
	require.ErrorIs(t, err, ErrInvalidCredentials)
}

// TestLoginUnknownUser asserts unknown usernames fail with the same error
// as wrong passwords.
func TestLoginUnknownUser(t *testing.T) {
	t.Parallel()

	registry, _ := registryHarness(t)

	_, err := registry.LoginUsername("nobody", "Whatever1!x")
	require.ErrorIs(t, err, ErrInvalidCredentials)
}

// TestPasswordResetFlow drives the full forgot-password scenario: issue a
// challenge, sign it with the account key, reset, and verify the old
// password is dead and the challenge consumed.
func TestPasswordResetFlow(t *testing.T) {
	t.Parallel()

	registry, testClock := registryHarness(t)

	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	npub, err := EncodeNpub(pubkeyHex(t, priv))
	require.NoError(t, err)

	_, err = registry.RegisterUsername(&UsernameRegistration{
		Username:                   "bob",
		Password:                   "Abcdefg1!x",
		EncryptedNsec:              "old-blob",
		NostrPubkey:                npub,
		EncryptedBitcoinPrivateKey: "enc-key",
		Network:                    "regtest",
	})
	require.NoError(t, err)

	challenge, err := registry.ForgotPasswordChallenge("bob")
	require.NoError(t, err)
	require.Len(t, challenge, 64)

	// The client signs the challenge with the account key. A challenge
	// attestation carries the challenge itself as content.
	signed := signChallenge(t, priv, challenge, testClock.Now())

	err = registry.ResetPassword(
		challenge, signed, "Newpass3#zz", "new-blob",
	)
	require.NoError(t, err)

	// New password works, old one is dead.
	user, err := registry.LoginUsername("bob", "Newpass3#zz")
	require.NoError(t, err)
	require.Equal(t, "new-blob", user.EncryptedNsec)

	_, err = registry.LoginUsername("bob", "Abcdefg1!x")
	require.ErrorIs(t, err, ErrInvalidCredentials)

	// The challenge was consumed: a second reset fails.
	err = registry.ResetPassword(
		challenge, signed, "Another4$aa", "third-blob",
	)
	require.ErrorIs(t, err, ErrChallengeNotFound)
}

// TestPasswordResetWrongKey asserts a challenge signed by the wrong key is
// rejected.
func TestPasswordResetWrongKey(t *testing.T) {
	t.Parallel()

	registry, testClock := registryHarness(t)

	accountKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	attackerKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	npub, err := EncodeNpub(pubkeyHex(t, accountKey))
	require.NoError(t, err)

	_, err = registry.RegisterUsername(&UsernameRegistration{
		Username:                   "carol",
		Password:                   "Abcdefg1!x",
		EncryptedNsec:              "blob",
		NostrPubkey:                npub,
		EncryptedBitcoinPrivateKey: "enc-key",
		Network:                    "regtest",
	})
	require.NoError(t, err)

	challenge, err := registry.ForgotPasswordChallenge("carol")
	require.NoError(t, err)

	signed := signChallenge(t, attackerKey, challenge, testClock.Now())

	err = registry.ResetPassword(challenge, signed, "Newpass3#zz", "b")
	require.ErrorIs(t, err, ErrInvalidCredentials)
}

// TestChallengeExpiry asserts challenges die after their TTL.
func TestChallengeExpiry(t *testing.T) {
	t.Parallel()

	testClock := clock.NewTestClock(time.Now().UTC())
	store := NewChallengeStore(testClock)

	challenge, err := store.Issue("dave")
	require.NoError(t, err)

	username, err := store.Peek(challenge)
	require.NoError(t, err)
	require.Equal(t, "dave", username)

	testClock.SetTime(testClock.Now().Add(301 * time.Second))

	_, err = store.Peek(challenge)
	require.ErrorIs(t, err, ErrChallengeNotFound)

	// Expired entries are evicted on the next write.
	_, err = store.Issue("erin")
	require.NoError(t, err)
	_, err = store.Redeem(challenge)
	require.ErrorIs(t, err, ErrChallengeNotFound)
}

// signChallenge builds a challenge attestation the way a client would.
func signChallenge(t *testing.T, priv *btcec.PrivateKey, challenge string,
	now time.Time) string {

	t.Helper()

	header, err := SignContent(priv, challenge, now)
	require.NoError(t, err)
	return header
}
