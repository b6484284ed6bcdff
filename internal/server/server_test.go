package server

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/certgate/internal/auth"
	"github.com/vyrodovalexey/certgate/internal/auth/cert"
	"github.com/vyrodovalexey/certgate/internal/auth/challenge"
	"github.com/vyrodovalexey/certgate/internal/auth/session"
	"github.com/vyrodovalexey/certgate/internal/config"
	"github.com/vyrodovalexey/certgate/internal/health"
)

type testClient struct {
	cert *x509.Certificate
	key  *ecdsa.PrivateKey
	pem  string
}

type testServer struct {
	srv    *Server
	cfg    *config.Config
	caCert *x509.Certificate
	caKey  *ecdsa.PrivateKey
}

func newTestCA(t *testing.T) (*x509.Certificate, *ecdsa.PrivateKey) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Test CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)
	parsed, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	return parsed, key
}

func newTestClient(t *testing.T, caCert *x509.Certificate, caKey *ecdsa.PrivateKey, cn string) testClient {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, caCert, &key.PublicKey, caKey)
	require.NoError(t, err)
	parsed, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	return testClient{
		cert: parsed,
		key:  key,
		pem:  string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})),
	}
}

func newTestServer(t *testing.T, mutate ...func(*config.Config)) *testServer {
	t.Helper()

	caCert, caKey := newTestCA(t)
	anchorPath := filepath.Join(t.TempDir(), "ca.pem")
	require.NoError(t, os.WriteFile(anchorPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: caCert.Raw}), 0o600))

	cfg := config.Default()
	cfg.Auth.CAFile = anchorPath
	cfg.Server.RateLimit.Enabled = false
	for _, m := range mutate {
		m(cfg)
	}

	anchor := cert.NewTrustAnchor(anchorPath)
	verifier, err := cert.NewVerifier(anchor)
	require.NoError(t, err)

	ledger := challenge.NewLedger(challenge.WithSweepInterval(0))
	t.Cleanup(ledger.Close)

	sessions := session.NewMemoryStore(session.WithSweepInterval(0))
	t.Cleanup(func() { sessions.Close() })

	flow, err := auth.NewFlow(verifier, ledger, sessions,
		auth.WithFlowMetrics(auth.NewMetricsWithRegisterer("certgate", prometheus.NewRegistry())),
	)
	require.NoError(t, err)

	checker := health.NewChecker("test")
	checker.RegisterCheck("trust_anchor", health.TrustAnchorCheck(anchor))

	return &testServer{
		srv:    NewServer(cfg, flow, checker, nil),
		cfg:    cfg,
		caCert: caCert,
		caKey:  caKey,
	}
}

func (ts *testServer) do(t *testing.T, method, path string, payload any, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if payload != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(payload))
	}

	req := httptest.NewRequest(method, path, &buf)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, c := range cookies {
		req.AddCookie(c)
	}

	rec := httptest.NewRecorder()
	ts.srv.Engine().ServeHTTP(rec, req)
	return rec
}

func signNonce(t *testing.T, key *ecdsa.PrivateKey, nonce string) string {
	t.Helper()

	digest := sha256.Sum256([]byte(nonce))
	sig, err := ecdsa.SignASN1(rand.Reader, key, digest[:])
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(sig)
}

// challengeOf runs the challenge endpoint and decodes its response.
func (ts *testServer) challengeOf(t *testing.T, client testClient) auth.ChallengeResult {
	t.Helper()

	rec := ts.do(t, http.MethodPost, "/api/auth/challenge", body{"certificate": client.pem})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var result auth.ChallengeResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	return result
}

// body is a JSON request body.
type body = map[string]any

func sessionCookie(t *testing.T, rec *httptest.ResponseRecorder, name string) *http.Cookie {
	t.Helper()

	for _, c := range rec.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	t.Fatalf("no %s cookie in response", name)
	return nil
}

func TestAuthenticationRoundTrip(t *testing.T) {
	ts := newTestServer(t)
	client := newTestClient(t, ts.caCert, ts.caKey, "alice@example.com")

	ch := ts.challengeOf(t, client)
	assert.NotEmpty(t, ch.ChallengeID)
	assert.NotEmpty(t, ch.Nonce)
	assert.Equal(t, "alice@example.com", ch.Username)

	rec := ts.do(t, http.MethodPost, "/api/auth/login", body{
		"challengeId": ch.ChallengeID,
		"signature":   signNonce(t, client.key, ch.Nonce),
		"certificate": client.pem,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	cookie := sessionCookie(t, rec, ts.cfg.Auth.CookieName)
	assert.True(t, cookie.HttpOnly)
	assert.Equal(t, http.SameSiteStrictMode, cookie.SameSite)
	assert.NotEmpty(t, cookie.Value)

	// The cookie admits the client to the protected surface.
	rec = ts.do(t, http.MethodGet, "/api/protected/whoami", nil, cookie)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "alice@example.com")

	// Session introspection returns the same identity.
	rec = ts.do(t, http.MethodGet, "/api/auth/session", nil, cookie)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), ch.Fingerprint)

	// Logout revokes the session and clears the cookie.
	rec = ts.do(t, http.MethodPost, "/api/auth/logout", nil, cookie)
	require.Equal(t, http.StatusNoContent, rec.Code)
	cleared := sessionCookie(t, rec, ts.cfg.Auth.CookieName)
	assert.Empty(t, cleared.Value)

	rec = ts.do(t, http.MethodGet, "/api/protected/whoami", nil, cookie)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Session introspection reports unauthenticated after logout.
	rec = ts.do(t, http.MethodGet, "/api/auth/session", nil, cookie)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), `"authenticated":false`)
}

func TestChallengeRejectsUntrustedCertificate(t *testing.T) {
	ts := newTestServer(t)

	foreignCA, foreignKey := newTestCA(t)
	foreign := newTestClient(t, foreignCA, foreignKey, "mallory@example.com")

	rec := ts.do(t, http.MethodPost, "/api/auth/challenge", body{"certificate": foreign.pem})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "untrusted_certificate")
}

func TestChallengeRejectsMalformedCertificate(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/auth/challenge", body{"certificate": "not a pem"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "malformed_certificate")
}

func TestChallengeRejectsMissingBody(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/auth/challenge", body{})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_request_body")
}

func TestLoginInvalidSignatureBurnsChallenge(t *testing.T) {
	ts := newTestServer(t)
	client := newTestClient(t, ts.caCert, ts.caKey, "alice@example.com")

	ch := ts.challengeOf(t, client)

	wrongKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	rec := ts.do(t, http.MethodPost, "/api/auth/login", body{
		"challengeId": ch.ChallengeID,
		"signature":   signNonce(t, wrongKey, ch.Nonce),
		"certificate": client.pem,
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_signature")

	// A later attempt with the correct key finds the challenge gone.
	rec = ts.do(t, http.MethodPost, "/api/auth/login", body{
		"challengeId": ch.ChallengeID,
		"signature":   signNonce(t, client.key, ch.Nonce),
		"certificate": client.pem,
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "challenge_not_found")
}

func TestLoginCertificateMismatch(t *testing.T) {
	ts := newTestServer(t)
	alice := newTestClient(t, ts.caCert, ts.caKey, "alice@example.com")
	bob := newTestClient(t, ts.caCert, ts.caKey, "bob@example.com")

	ch := ts.challengeOf(t, alice)

	rec := ts.do(t, http.MethodPost, "/api/auth/login", body{
		"challengeId": ch.ChallengeID,
		"signature":   signNonce(t, bob.key, ch.Nonce),
		"certificate": bob.pem,
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "certificate_mismatch")
}

func TestLoginMalformedSignatureEncoding(t *testing.T) {
	ts := newTestServer(t)
	client := newTestClient(t, ts.caCert, ts.caKey, "alice@example.com")

	ch := ts.challengeOf(t, client)

	rec := ts.do(t, http.MethodPost, "/api/auth/login", body{
		"challengeId": ch.ChallengeID,
		"signature":   "*** not base64 ***",
		"certificate": client.pem,
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_signature_encoding")
}

func TestSessionEndpointWithoutCookie(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/auth/session", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "unauthenticated")
}

func TestProtectedRejectsGarbageCookie(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/protected/whoami", nil, &http.Cookie{
		Name:  ts.cfg.Auth.CookieName,
		Value: "forged-session-id",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLogoutWithoutCookieSucceeds(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/auth/logout", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestRateLimitOnAuthEndpoints(t *testing.T) {
	ts := newTestServer(t, func(cfg *config.Config) {
		cfg.Server.RateLimit = config.RateLimitConfig{Enabled: true, RPS: 1, Burst: 2}
	})

	limited := false
	for i := 0; i < 5; i++ {
		rec := ts.do(t, http.MethodPost, "/api/auth/challenge", body{"certificate": "x"})
		if rec.Code == http.StatusTooManyRequests {
			limited = true
			break
		}
	}
	assert.True(t, limited, "expected a 429 once the burst was exhausted")
}

func TestHealthEndpoints(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequestIDPropagation(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/healthz", nil)
	assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(RequestIDHeader, "caller-supplied")
	rr := httptest.NewRecorder()
	ts.srv.Engine().ServeHTTP(rr, req)
	assert.Equal(t, "caller-supplied", rr.Header().Get(RequestIDHeader))
}

func TestStaticFileServing(t *testing.T) {
	staticDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(staticDir, "index.html"), []byte("<html>login</html>"), 0o600))

	ts := newTestServer(t, func(cfg *config.Config) {
		cfg.Server.StaticDir = staticDir
	})

	rec := ts.do(t, http.MethodGet, "/index.html", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "login")
}
