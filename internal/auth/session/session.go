// Package session issues and tracks opaque bearer sessions created after a
// successful challenge-response authentication.
package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"
)

// Session store errors.
var (
	// ErrSessionNotFound indicates that a session is absent or expired.
	// The two cases are deliberately indistinguishable.
	ErrSessionNotFound = errors.New("session not found")

	// ErrStoreUnavailable indicates that the backing store could not be
	// reached. This is a server-side condition, not a client error.
	ErrStoreUnavailable = errors.New("session store unavailable")
)

// idSize is the session identifier entropy in bytes (256 bits).
const idSize = 32

// DefaultTTL is the default session lifetime.
const DefaultTTL = 24 * time.Hour

// Session is the server-side record behind an opaque bearer credential.
type Session struct {
	// ID is the opaque credential transported via cookie.
	ID string `json:"session_id"`

	// KeyFingerprint is the fingerprint of the certificate the session
	// was issued for.
	KeyFingerprint string `json:"fingerprint"`

	// Username is the identity extracted from the certificate. May be
	// empty for anonymous-but-authenticated clients.
	Username string `json:"username,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the session has passed its expiry at the given time.
func (s *Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// Store is the session ledger. Multiple concurrent sessions per fingerprint
// are permitted; issuing never invalidates earlier sessions.
type Store interface {
	// Issue creates a fresh session for the given fingerprint and identity.
	Issue(ctx context.Context, fingerprint, username string) (*Session, error)

	// Lookup returns the session with the given id. Expired sessions are
	// treated as absent.
	Lookup(ctx context.Context, id string) (*Session, error)

	// Revoke removes the session with the given id. Revoking an absent or
	// expired session is a no-op.
	Revoke(ctx context.Context, id string) error

	// Close releases store resources.
	Close() error
}

// newSessionID generates a fresh 256-bit session identifier.
func newSessionID() (string, error) {
	buf := make([]byte, idSize)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating session id: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
