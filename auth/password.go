// Package auth implements the coordinator's user-facing security surface:
// argon2id password handling, password-encrypted nostr key material,
// signed-attestation request authentication and the forgot-password
// challenge flow. Key material only ever transits this package encrypted;
// plaintext secrets live in short-lived buffers that are wiped after use.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

var (
	// ErrInvalidCredentials is returned on any authentication failure.
	// The message is deliberately generic.
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// Argon2id parameters. These follow the RFC 9106 low-memory profile.
const (
	argonTime    = 3
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonKeyLen  = 32
	argonSaltLen = 16
)

// dummyHash is verified against when a login names an unknown user, so the
// request spends the same time as a real verification and usernames can't
// be probed through response timing.
var dummyHash = func() string {
	hash, err := HashPassword("timing-attack-padding-0000")
	if err != nil {
		panic(err)
	}
	return hash
}()

// HashPassword derives an argon2id hash with a unique salt, returned in
// PHC string format.
func HashPassword(password string) (string, error) {
	salt := make([]byte, argonSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("unable to draw salt: %w", err)
	}

	key := argon2.IDKey(
		[]byte(password), salt, argonTime, argonMemory, argonThreads,
		argonKeyLen,
	)

	return fmt.Sprintf(
		"$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, argonMemory, argonTime, argonThreads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// VerifyPassword checks a password against a PHC argon2id hash in constant
// time with respect to the derived key.
func VerifyPassword(password, phcHash string) bool {
	parts := strings.Split(phcHash, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return false
	}

	var memory, time uint32
	var threads uint8
	_, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &time,
		&threads)
	if err != nil {
		return false
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false
	}

	got := argon2.IDKey(
		[]byte(password), salt, time, memory, threads,
		uint32(len(want)),
	)

	return subtle.ConstantTimeCompare(got, want) == 1
}

// VerifyPasswordOrDummy verifies against the stored hash, or against the
// dummy hash when none exists, keeping the work factor constant for
// unknown users. It returns false for the dummy case regardless of the
// password.
func VerifyPasswordOrDummy(password, phcHash string) bool {
	if phcHash == "" {
		VerifyPassword(password, dummyHash)
		return false
	}
	return VerifyPassword(password, phcHash)
}

// ValidatePasswordStrength enforces the registration password policy: at
// least ten characters with lowercase, uppercase, digit and symbol all
// present.
func ValidatePasswordStrength(password string) error {
	if len(password) < 10 {
		return errors.New("password must be at least 10 characters")
	}

	var lower, upper, digit, symbol bool
	for _, c := range password {
		switch {
		case c >= 'a' && c <= 'z':
			lower = true
		case c >= 'A' && c <= 'Z':
			upper = true
		case c >= '0' && c <= '9':
			digit = true
		default:
			symbol = true
		}
	}

	switch {
	case !lower:
		return errors.New("password must contain a lowercase letter")
	case !upper:
		return errors.New("password must contain an uppercase letter")
	case !digit:
		return errors.New("password must contain a number")
	case !symbol:
		return errors.New("password must contain a special character")
	}

	return nil
}

// ValidateUsername enforces the username policy: 3-32 characters from
// [A-Za-z0-9_-], starting with a letter.
func ValidateUsername(username string) error {
	if len(username) < 3 {
		return errors.New("username must be at least 3 characters")
	}
	if len(username) > 32 {
		return errors.New("username must be at most 32 characters")
	}

	first := username[0]
	isLetter := (first >= 'a' && first <= 'z') ||
		(first >= 'A' && first <= 'Z')
	if !isLetter {
		return errors.New("username must start with a letter")
	}

	for _, c := range username {
		valid := (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') ||
			(c >= '0' && c <= '9') || c == '_' || c == '-'
		if !valid {
			return errors.New("username can only contain " +
				"letters, numbers, underscores, and hyphens")
		}
	}

	return nil
}
