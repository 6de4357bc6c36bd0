package auth

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil/bech32"
)

const (
	// attestationKind is the event kind used for HTTP authentication,
	// matching NIP-98 style auth events.
	attestationKind = 27235

	// attestationMaxAge bounds how old a signed attestation may be
	// before it is rejected, limiting replay.
	attestationMaxAge = 5 * time.Minute

	// npubHRP is the bech32 prefix for nostr public keys.
	npubHRP = "npub"
)

var (
	// ErrBadAttestation is returned for any malformed or unverifiable
	// signed attestation.
	ErrBadAttestation = errors.New("invalid signed attestation")

	// ErrStaleAttestation is returned when the attestation timestamp
	// falls outside the accepted window.
	ErrStaleAttestation = errors.New("attestation expired")
)

// Attestation is a nostr-style signed event covering an HTTP request: the
// content commits to (method, URL, optional body hash) and the signature
// binds the caller's key to it.
type Attestation struct {
	ID        string     `json:"id"`
	Pubkey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig"`
}

// RequestContent builds the canonical content string an attestation must
// carry for a given request.
func RequestContent(method, url string, body []byte) string {
	content := fmt.Sprintf("%s %s", method, url)
	if len(body) > 0 {
		bodyHash := sha256.Sum256(body)
		content = fmt.Sprintf("%s %x", content, bodyHash)
	}
	return content
}

// eventID computes the canonical nostr event ID: the sha256 of the
// serialized [0, pubkey, created_at, kind, tags, content] array.
func (a *Attestation) eventID() (string, error) {
	canonical, err := json.Marshal([]interface{}{
		0, a.Pubkey, a.CreatedAt, a.Kind, a.Tags, a.Content,
	})
	if err != nil {
		return "", err
	}

	id := sha256.Sum256(canonical)
	return hex.EncodeToString(id[:]), nil
}

// Sign creates an attestation for a request using the given private key.
// Used by the coordinator's own outbound calls (oracle) and by the test
// harness playing the client side.
func Sign(priv *btcec.PrivateKey, method, url string, body []byte,
	now time.Time) (string, error) {

	return SignContent(priv, RequestContent(method, url, body), now)
}

// SignContent creates an attestation over an arbitrary content string,
// used for forgot-password challenges.
func SignContent(priv *btcec.PrivateKey, content string,
	now time.Time) (string, error) {

	pubkey := hex.EncodeToString(
		schnorr.SerializePubKey(priv.PubKey()),
	)

	att := &Attestation{
		Pubkey:    pubkey,
		CreatedAt: now.Unix(),
		Kind:      attestationKind,
		Tags:      [][]string{},
		Content:   content,
	}

	id, err := att.eventID()
	if err != nil {
		return "", err
	}
	att.ID = id

	rawID, err := hex.DecodeString(id)
	if err != nil {
		return "", err
	}

	sig, err := schnorr.Sign(priv, rawID)
	if err != nil {
		return "", fmt.Errorf("unable to sign attestation: %w", err)
	}
	att.Sig = hex.EncodeToString(sig.Serialize())

	raw, err := json.Marshal(att)
	if err != nil {
		return "", err
	}

	return base64.StdEncoding.EncodeToString(raw), nil
}

// Verify parses a base64 attestation header, checks its freshness, ID and
// signature, and confirms it covers the given request. It returns the
// caller's pubkey in npub form.
func Verify(header, method, url string, body []byte,
	now time.Time) (string, error) {

	raw, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return "", ErrBadAttestation
	}

	var att Attestation
	if err := json.Unmarshal(raw, &att); err != nil {
		return "", ErrBadAttestation
	}

	age := now.Unix() - att.CreatedAt
	if age > int64(attestationMaxAge.Seconds()) || age < -60 {
		return "", ErrStaleAttestation
	}

	if att.Content != RequestContent(method, url, body) {
		return "", ErrBadAttestation
	}

	wantID, err := att.eventID()
	if err != nil || wantID != att.ID {
		return "", ErrBadAttestation
	}

	if err := verifySignature(att.Pubkey, att.ID, att.Sig); err != nil {
		return "", err
	}

	return EncodeNpub(att.Pubkey)
}

// VerifyChallenge checks a signed attestation over an arbitrary challenge
// string (the forgot-password flow) against a specific npub.
func VerifyChallenge(header, challenge, expectedNpub string,
	now time.Time) error {

	raw, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return ErrBadAttestation
	}

	var att Attestation
	if err := json.Unmarshal(raw, &att); err != nil {
		return ErrBadAttestation
	}

	if att.Content != challenge {
		return ErrBadAttestation
	}

	wantID, err := att.eventID()
	if err != nil || wantID != att.ID {
		return ErrBadAttestation
	}

	if err := verifySignature(att.Pubkey, att.ID, att.Sig); err != nil {
		return err
	}

	npub, err := EncodeNpub(att.Pubkey)
	if err != nil {
		return err
	}
	if npub != expectedNpub {
		return ErrBadAttestation
	}

	return nil
}

func verifySignature(pubkeyHex, idHex, sigHex string) error {
	rawPub, err := hex.DecodeString(pubkeyHex)
	if err != nil {
		return ErrBadAttestation
	}
	pubkey, err := schnorr.ParsePubKey(rawPub)
	if err != nil {
		return ErrBadAttestation
	}

	rawID, err := hex.DecodeString(idHex)
	if err != nil {
		return ErrBadAttestation
	}
	rawSig, err := hex.DecodeString(sigHex)
	if err != nil {
		return ErrBadAttestation
	}
	sig, err := schnorr.ParseSignature(rawSig)
	if err != nil {
		return ErrBadAttestation
	}

	if !sig.Verify(rawID, pubkey) {
		return ErrBadAttestation
	}

	return nil
}

// EncodeNpub converts a hex x-only pubkey to its bech32 npub form, the
// canonical user identity in the store.
func EncodeNpub(pubkeyHex string) (string, error) {
	raw, err := hex.DecodeString(pubkeyHex)
	if err != nil || len(raw) != 32 {
		return "", ErrBadAttestation
	}

	converted, err := bech32.ConvertBits(raw, 8, 5, true)
	if err != nil {
		return "", err
	}

	return bech32.Encode(npubHRP, converted)
}

// DecodeNpub converts a bech32 npub back to its hex x-only pubkey form.
func DecodeNpub(npub string) (string, error) {
	hrp, data, err := bech32.Decode(npub)
	if err != nil || hrp != npubHRP {
		return "", fmt.Errorf("invalid npub")
	}

	raw, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil || len(raw) != 32 {
		return "", fmt.Errorf("invalid npub")
	}

	return hex.EncodeToString(raw), nil
}
