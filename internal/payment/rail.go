package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/DukeRupert/tollgate/internal/domain"
)

// Rail identifies a payment channel.
type Rail string

const (
	RailA Rail = "railA" // Crypto invoice provider, HMAC-signed webhook
	RailB Rail = "railB" // In-chat star purchases via the bot webhook
)

// Source returns the ledger source recorded for credits from this rail.
func (r Rail) Source() domain.Source {
	switch r {
	case RailA:
		return domain.SourceRailA
	case RailB:
		return domain.SourceRailB
	default:
		return ""
	}
}

// Valid checks if the rail is one of the known values.
func (r Rail) Valid() bool {
	return r == RailA || r == RailB
}

// ErrBadSignature is returned when a notification fails authentication.
var ErrBadSignature = errors.New("payment notification signature invalid")

// Verifier checks that a notification body really came from its rail.
type Verifier interface {
	Verify(body []byte, signature string) error
}

// HMACVerifier checks rail A signatures: hex(HMAC-SHA256(key, body)) where
// key is the SHA-256 digest of the API token.
type HMACVerifier struct {
	key []byte
}

// NewHMACVerifier derives the signing key from the API token.
func NewHMACVerifier(apiToken string) *HMACVerifier {
	sum := sha256.Sum256([]byte(apiToken))
	return &HMACVerifier{key: sum[:]}
}

// Sign returns the signature for body. Used by tests and tooling.
func (v *HMACVerifier) Sign(body []byte) string {
	mac := hmac.New(sha256.New, v.key)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify compares the signature over the raw body in constant time.
func (v *HMACVerifier) Verify(body []byte, signature string) error {
	got, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil || len(got) != sha256.Size {
		return ErrBadSignature
	}
	mac := hmac.New(sha256.New, v.key)
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return ErrBadSignature
	}
	return nil
}

// SecretTokenVerifier checks rail B deliveries, which carry the webhook
// secret configured with the chat platform in a request header.
type SecretTokenVerifier struct {
	secret []byte
}

// NewSecretTokenVerifier creates a verifier for the shared secret.
func NewSecretTokenVerifier(secret string) *SecretTokenVerifier {
	return &SecretTokenVerifier{secret: []byte(secret)}
}

// Verify compares the header value in constant time. The body is not signed.
func (v *SecretTokenVerifier) Verify(_ []byte, signature string) error {
	if len(v.secret) == 0 {
		return ErrBadSignature
	}
	if subtle.ConstantTimeCompare([]byte(signature), v.secret) != 1 {
		return ErrBadSignature
	}
	return nil
}
