package auth

import (
	"errors"
	"fmt"

	"github.com/vyrodovalexey/certgate/internal/auth/cert"
	"github.com/vyrodovalexey/certgate/internal/auth/challenge"
	"github.com/vyrodovalexey/certgate/internal/auth/session"
	"github.com/vyrodovalexey/certgate/internal/auth/signature"
)

// Flow-level sentinel errors.
var (
	// ErrCertificateMismatch indicates that the certificate submitted at
	// login differs from the one the challenge was issued for.
	ErrCertificateMismatch = errors.New("certificate does not match challenge")

	// ErrUnauthenticated indicates an absent or expired session. The two
	// cases are deliberately indistinguishable.
	ErrUnauthenticated = errors.New("unauthenticated")
)

// Machine-readable rejection reasons reported to clients.
const (
	ReasonMalformedCertificate     = "malformed_certificate"
	ReasonUntrustedCertificate     = "untrusted_certificate"
	ReasonExpiredCertificate       = "expired_certificate"
	ReasonChallengeNotFound        = "challenge_not_found"
	ReasonCertificateMismatch      = "certificate_mismatch"
	ReasonInvalidSignatureEncoding = "invalid_signature_encoding"
	ReasonInvalidSignature         = "invalid_signature"
	ReasonUnauthenticated          = "unauthenticated"
	ReasonTrustAnchorUnavailable   = "trust_anchor_unavailable"
	ReasonStoreUnavailable         = "session_store_unavailable"
	ReasonInternal                 = "internal_error"
)

// FlowError carries the operation and rejection reason alongside the cause.
type FlowError struct {
	Op     string
	Reason string
	Cause  error
}

// Error implements the error interface.
func (e *FlowError) Error() string {
	return fmt.Sprintf("auth %s rejected (%s): %v", e.Op, e.Reason, e.Cause)
}

// Unwrap returns the underlying error.
func (e *FlowError) Unwrap() error {
	return e.Cause
}

// wrapFlowError annotates a flow failure with its operation and reason.
func wrapFlowError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &FlowError{
		Op:     op,
		Reason: Reason(err),
		Cause:  err,
	}
}

// Reason maps an error to its machine-readable rejection reason.
func Reason(err error) string {
	switch {
	case errors.Is(err, cert.ErrMalformedCertificate):
		return ReasonMalformedCertificate
	case errors.Is(err, cert.ErrUntrustedCertificate):
		return ReasonUntrustedCertificate
	case errors.Is(err, cert.ErrExpiredCertificate):
		return ReasonExpiredCertificate
	case errors.Is(err, challenge.ErrChallengeNotFound):
		return ReasonChallengeNotFound
	case errors.Is(err, ErrCertificateMismatch):
		return ReasonCertificateMismatch
	case errors.Is(err, signature.ErrInvalidSignatureEncoding):
		return ReasonInvalidSignatureEncoding
	case errors.Is(err, signature.ErrInvalidSignature), errors.Is(err, signature.ErrUnsupportedKeyType):
		return ReasonInvalidSignature
	case errors.Is(err, ErrUnauthenticated):
		return ReasonUnauthenticated
	case errors.Is(err, cert.ErrTrustAnchorUnavailable):
		return ReasonTrustAnchorUnavailable
	case errors.Is(err, session.ErrStoreUnavailable):
		return ReasonStoreUnavailable
	default:
		return ReasonInternal
	}
}

// IsServerError reports whether the error is a server-side infrastructure
// failure rather than a client authentication rejection. Server errors map
// to 5xx-equivalent outcomes and are logged distinctly.
func IsServerError(err error) bool {
	return errors.Is(err, cert.ErrTrustAnchorUnavailable) ||
		errors.Is(err, session.ErrStoreUnavailable)
}
