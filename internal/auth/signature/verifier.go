// Package signature verifies proof-of-possession signatures over challenge
// nonces.
package signature

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
)

// Signature verification errors.
var (
	// ErrInvalidSignatureEncoding indicates that the transported signature
	// was not valid base64. This is distinct from a failed verification.
	ErrInvalidSignatureEncoding = errors.New("signature is not valid base64")

	// ErrInvalidSignature indicates that the signature did not verify
	// against the public key.
	ErrInvalidSignature = errors.New("signature verification failed")

	// ErrUnsupportedKeyType indicates a public key algorithm the verifier
	// does not handle.
	ErrUnsupportedKeyType = errors.New("unsupported public key type")
)

// Verify checks that sigBase64 is a valid signature over the UTF-8 bytes of
// nonce, produced by the private key matching pub. RSA keys are verified as
// PKCS#1 v1.5 and EC keys as ASN.1 ECDSA, both over a SHA-256 digest.
//
// Verify is a pure function and safe for concurrent use.
func Verify(nonce string, sigBase64 string, pub crypto.PublicKey) error {
	sig, err := decode(sigBase64)
	if err != nil {
		return err
	}

	digest := sha256.Sum256([]byte(nonce))

	switch key := pub.(type) {
	case *rsa.PublicKey:
		if err := rsa.VerifyPKCS1v15(key, crypto.SHA256, digest[:], sig); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidSignature, err)
		}
		return nil

	case *ecdsa.PublicKey:
		if !ecdsa.VerifyASN1(key, digest[:], sig) {
			return ErrInvalidSignature
		}
		return nil

	default:
		return fmt.Errorf("%w: %T", ErrUnsupportedKeyType, pub)
	}
}

// decode decodes a base64 signature, accepting standard and URL-safe
// alphabets with or without padding.
func decode(sigBase64 string) ([]byte, error) {
	encodings := []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	}

	for _, enc := range encodings {
		if sig, err := enc.DecodeString(sigBase64); err == nil {
			return sig, nil
		}
	}

	return nil, ErrInvalidSignatureEncoding
}
