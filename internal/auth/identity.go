package auth

import (
	"context"
	"time"
)

// Identity is what downstream handlers receive after successful session
// gating. It carries only the fingerprint and extracted identity, never the
// live session record.
type Identity struct {
	// Fingerprint is the SHA-256 fingerprint of the authenticated
	// certificate.
	Fingerprint string `json:"fingerprint"`

	// Username is the identity extracted from the certificate subject.
	// Empty for anonymous-but-authenticated clients.
	Username string `json:"username,omitempty"`

	// ExpiresAt is when the backing session expires.
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// Context key type for identity.
type identityContextKey struct{}

// ContextWithIdentity adds an identity to the context.
func ContextWithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, identity)
}

// IdentityFromContext extracts the identity from the context.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	identity, ok := ctx.Value(identityContextKey{}).(*Identity)
	return identity, ok && identity != nil
}
