// internal/types/ids.go
package types

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
)

// PublicID identifies a session on the wire. It carries no secrecy of its
// own; possession of it grants nothing without the matching Owner.
type PublicID string

// Owner is a session's proof-of-possession secret, bound at creation.
// A reconnect that does not present the exact Owner for a PublicID is
// rejected (spec: owner mismatch, close code 4003).
type Owner string

// NewPublicID mints a fresh, random session identifier rendered as a
// hex-dashed string.
func NewPublicID() PublicID {
	return PublicID(uuid.New().String())
}

// NewOwner mints a fresh 256-bit proof-of-possession secret, URL-safe
// base64 encoded. Mirrors secrets.token_urlsafe(32) from the Python
// original this broker replaces.
func NewOwner() (Owner, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return Owner(base64.RawURLEncoding.EncodeToString(buf)), nil
}

// Fingerprint returns a one-way BLAKE3 digest of id, safe to expose on
// debug endpoints in place of the Owner secret.
func Fingerprint(id PublicID) string {
	h := blake3.New()
	h.Write([]byte(id))
	return hex.EncodeToString(h.Sum(nil)[:8])
}
