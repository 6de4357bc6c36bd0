package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"
)

// Password-encrypted nsec blob layout:
// base64(salt[32] || nonce[24] || ciphertext || tag[16]).
const (
	nsecSaltLen = 32
	nsecKeyLen  = 32

	// scrypt parameters: N=2^17, r=8, p=1. Roughly 128 MiB and a
	// second of work per derivation, sized against GPU brute force.
	scryptN = 1 << 17
	scryptR = 8
	scryptP = 1
)

var (
	// ErrInvalidCiphertext is returned when a blob fails to parse.
	ErrInvalidCiphertext = errors.New("invalid encrypted blob")

	// ErrDecryptionFailed is returned on authentication failure, which
	// almost always means a wrong password.
	ErrDecryptionFailed = errors.New("decryption failed")
)

func deriveNsecKey(password, salt []byte) ([]byte, error) {
	key, err := scrypt.Key(password, salt, scryptN, scryptR, scryptP,
		nsecKeyLen)
	if err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}
	return key, nil
}

// EncryptNsecWithPassword encrypts a bech32 nsec under a password using
// scrypt for key derivation and XChaCha20-Poly1305 for the ciphertext.
// Each call draws a fresh salt and nonce, so encrypting the same input
// twice yields different blobs.
func EncryptNsecWithPassword(nsec, password string) (string, error) {
	salt := make([]byte, nsecSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("unable to draw salt: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("unable to draw nonce: %w", err)
	}

	key, err := deriveNsecKey([]byte(password), salt)
	if err != nil {
		return "", err
	}
	defer wipe(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", err
	}

	ciphertext := aead.Seal(nil, nonce, []byte(nsec), nil)

	blob := make([]byte, 0, nsecSaltLen+len(nonce)+len(ciphertext))
	blob = append(blob, salt...)
	blob = append(blob, nonce...)
	blob = append(blob, ciphertext...)

	return base64.StdEncoding.EncodeToString(blob), nil
}

// DecryptNsecWithPassword reverses EncryptNsecWithPassword. A wrong
// password fails the AEAD authentication and surfaces as
// ErrDecryptionFailed.
func DecryptNsecWithPassword(encryptedBlob, password string) (string, error) {
	blob, err := base64.StdEncoding.DecodeString(encryptedBlob)
	if err != nil {
		return "", ErrInvalidCiphertext
	}

	minLen := nsecSaltLen + chacha20poly1305.NonceSizeX +
		chacha20poly1305.Overhead
	if len(blob) < minLen {
		return "", ErrInvalidCiphertext
	}

	salt := blob[:nsecSaltLen]
	nonce := blob[nsecSaltLen : nsecSaltLen+chacha20poly1305.NonceSizeX]
	ciphertext := blob[nsecSaltLen+chacha20poly1305.NonceSizeX:]

	key, err := deriveNsecKey([]byte(password), salt)
	if err != nil {
		return "", err
	}
	defer wipe(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", err
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}

	return string(plaintext), nil
}

// wipe zeroes a secret buffer.
func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
