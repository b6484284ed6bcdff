package cert

import (
	"context"
	"crypto"
	"crypto/sha256"
	"crypto/x509"
	"encoding/asn1"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/vyrodovalexey/certgate/internal/observability"
)

// Client certificate validation errors.
var (
	// ErrMalformedCertificate indicates that the submitted PEM did not
	// parse as a single well-formed X.509 certificate.
	ErrMalformedCertificate = errors.New("malformed certificate")

	// ErrUntrustedCertificate indicates that the certificate was not
	// signed by the configured trust anchor.
	ErrUntrustedCertificate = errors.New("certificate not signed by trusted CA")

	// ErrExpiredCertificate indicates that the current time lies outside
	// the certificate validity window. Not-yet-valid certificates map to
	// the same error.
	ErrExpiredCertificate = errors.New("certificate expired or not yet valid")
)

// emailAddressOID is the PKCS#9 emailAddress attribute in a subject DN.
var emailAddressOID = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 1}

// CertificateInfo is the validated handle derived from a client certificate.
// It carries everything the protocol needs downstream; raw certificate bytes
// are never retained.
type CertificateInfo struct {
	// SubjectDN is the subject distinguished name.
	SubjectDN string `json:"subject_dn,omitempty"`

	// SerialNumber is the certificate serial number.
	SerialNumber string `json:"serial_number,omitempty"`

	// NotBefore is when the certificate becomes valid.
	NotBefore time.Time `json:"not_before,omitempty"`

	// NotAfter is when the certificate expires.
	NotAfter time.Time `json:"not_after,omitempty"`

	// Fingerprint is the lowercase hex SHA-256 digest of the DER encoding.
	// It is the stable identity handle used throughout the protocol.
	Fingerprint string `json:"fingerprint,omitempty"`

	// Username is the identity extracted from the certificate subject:
	// the Common Name, falling back to the emailAddress attribute. Empty
	// when neither is present (anonymous-but-authenticated).
	Username string `json:"username,omitempty"`

	// PublicKey is the certificate's public key, used for signature
	// verification. Never serialized.
	PublicKey crypto.PublicKey `json:"-"`
}

// Verifier validates client certificates against the trust anchor.
type Verifier interface {
	// Verify parses PEM bytes holding exactly one certificate and
	// validates trust and temporal validity. It has no side effects and
	// is safe to invoke repeatedly for the same certificate.
	Verify(ctx context.Context, pemBytes []byte) (*CertificateInfo, error)
}

// verifier implements the Verifier interface.
type verifier struct {
	anchor *TrustAnchor
	logger observability.Logger
	now    func() time.Time
}

// VerifierOption is a functional option for the verifier.
type VerifierOption func(*verifier)

// WithVerifierLogger sets the logger for the verifier.
func WithVerifierLogger(logger observability.Logger) VerifierOption {
	return func(v *verifier) {
		v.logger = logger
	}
}

// WithVerifierClock sets the time source, used in tests.
func WithVerifierClock(now func() time.Time) VerifierOption {
	return func(v *verifier) {
		v.now = now
	}
}

// NewVerifier creates a new certificate verifier bound to a trust anchor.
func NewVerifier(anchor *TrustAnchor, opts ...VerifierOption) (Verifier, error) {
	if anchor == nil {
		return nil, fmt.Errorf("trust anchor is required")
	}

	v := &verifier{
		anchor: anchor,
		logger: observability.NopLogger(),
		now:    time.Now,
	}

	for _, opt := range opts {
		opt(v)
	}

	return v, nil
}

// Verify validates a client certificate and returns certificate information.
func (v *verifier) Verify(_ context.Context, pemBytes []byte) (*CertificateInfo, error) {
	clientCert, err := parseSinglePEMCertificate(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedCertificate, err)
	}

	caCert, err := v.anchor.Certificate()
	if err != nil {
		return nil, err
	}

	// Single-level chain: the client certificate must be signed directly
	// by the trust anchor. There are no intermediate CAs in this system.
	if err := clientCert.CheckSignatureFrom(caCert); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUntrustedCertificate, err)
	}

	now := v.now()
	if now.Before(clientCert.NotBefore) || now.After(clientCert.NotAfter) {
		return nil, ErrExpiredCertificate
	}

	info := extractInfo(clientCert)

	v.logger.Debug("certificate validated",
		observability.String("subject", info.SubjectDN),
		observability.String("fingerprint", info.Fingerprint),
	)

	return info, nil
}

// extractInfo extracts the protocol-facing fields from the certificate.
func extractInfo(clientCert *x509.Certificate) *CertificateInfo {
	return &CertificateInfo{
		SubjectDN:    clientCert.Subject.String(),
		SerialNumber: clientCert.SerialNumber.String(),
		NotBefore:    clientCert.NotBefore,
		NotAfter:     clientCert.NotAfter,
		Fingerprint:  Fingerprint(clientCert),
		Username:     extractUsername(clientCert),
		PublicKey:    clientCert.PublicKey,
	}
}

// Fingerprint calculates the lowercase hex SHA-256 fingerprint of a
// certificate's DER encoding.
func Fingerprint(clientCert *x509.Certificate) string {
	hash := sha256.Sum256(clientCert.Raw)
	return hex.EncodeToString(hash[:])
}

// extractUsername derives the identity from the subject: Common Name first,
// then the emailAddress attribute, then the email SAN. Empty when absent.
func extractUsername(clientCert *x509.Certificate) string {
	if cn := clientCert.Subject.CommonName; cn != "" {
		return cn
	}
	for _, name := range clientCert.Subject.Names {
		if name.Type.Equal(emailAddressOID) {
			if email, ok := name.Value.(string); ok && email != "" {
				return email
			}
		}
	}
	if len(clientCert.EmailAddresses) > 0 {
		return clientCert.EmailAddresses[0]
	}
	return ""
}

// Ensure verifier implements Verifier.
var _ Verifier = (*verifier)(nil)
