// Package cert validates client certificates against a single trust anchor.
package cert

import (
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/vyrodovalexey/certgate/internal/observability"
)

// ErrTrustAnchorUnavailable indicates that the trust anchor could not be
// loaded. This is a server-side condition, not a client error.
var ErrTrustAnchorUnavailable = errors.New("trust anchor unavailable")

// TrustAnchor holds the CA certificate used as the sole root of trust.
// The certificate is loaded lazily from a PEM file and cached; Reload
// refreshes the cached certificate, keeping the previous one when the
// file has become unreadable.
type TrustAnchor struct {
	path   string
	logger observability.Logger

	mu     sync.RWMutex
	cached *x509.Certificate
}

// TrustAnchorOption is a functional option for the trust anchor.
type TrustAnchorOption func(*TrustAnchor)

// WithAnchorLogger sets the logger for the trust anchor.
func WithAnchorLogger(logger observability.Logger) TrustAnchorOption {
	return func(a *TrustAnchor) {
		a.logger = logger
	}
}

// NewTrustAnchor creates a trust anchor backed by the given PEM file.
// The file is not read until the anchor is first used.
func NewTrustAnchor(path string, opts ...TrustAnchorOption) *TrustAnchor {
	a := &TrustAnchor{
		path:   path,
		logger: observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(a)
	}

	return a
}

// Certificate returns the cached CA certificate, loading it on first use.
func (a *TrustAnchor) Certificate() (*x509.Certificate, error) {
	a.mu.RLock()
	cached := a.cached
	a.mu.RUnlock()

	if cached != nil {
		return cached, nil
	}

	return a.load()
}

// Reload re-reads the CA file. On failure the previously cached
// certificate, if any, stays in effect.
func (a *TrustAnchor) Reload() error {
	_, err := a.load()
	if err != nil {
		a.logger.Warn("trust anchor reload failed, keeping cached certificate",
			observability.String("path", a.path),
			observability.Error(err),
		)
		return err
	}

	a.logger.Info("trust anchor reloaded",
		observability.String("path", a.path),
	)
	return nil
}

// load reads and parses the CA file, updating the cache on success.
func (a *TrustAnchor) load() (*x509.Certificate, error) {
	data, err := os.ReadFile(a.path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %w", ErrTrustAnchorUnavailable, a.path, err)
	}

	caCert, err := parseSinglePEMCertificate(data)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %w", ErrTrustAnchorUnavailable, a.path, err)
	}

	a.mu.Lock()
	a.cached = caCert
	a.mu.Unlock()

	return caCert, nil
}

// parseSinglePEMCertificate decodes PEM bytes expected to hold exactly one
// X.509 certificate.
func parseSinglePEMCertificate(data []byte) (*x509.Certificate, error) {
	block, rest := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, errors.New("no certificate PEM block found")
	}
	if next, _ := pem.Decode(rest); next != nil && next.Type == "CERTIFICATE" {
		return nil, errors.New("more than one certificate PEM block found")
	}

	return x509.ParseCertificate(block.Bytes)
}
