package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vyrodovalexey/certgate/internal/auth"
	"github.com/vyrodovalexey/certgate/internal/auth/cert"
	"github.com/vyrodovalexey/certgate/internal/auth/challenge"
	"github.com/vyrodovalexey/certgate/internal/auth/session"
	"github.com/vyrodovalexey/certgate/internal/auth/signature"
	"github.com/vyrodovalexey/certgate/internal/observability"
)

// CookieConfig controls the session cookie issued at login.
type CookieConfig struct {
	Name   string
	Secure bool
	MaxAge time.Duration
}

// Handlers implements the authentication HTTP endpoints.
type Handlers struct {
	flow   *auth.Flow
	cookie CookieConfig
	logger observability.Logger
}

// NewHandlers creates the endpoint handlers.
func NewHandlers(flow *auth.Flow, cookie CookieConfig, logger observability.Logger) *Handlers {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Handlers{
		flow:   flow,
		cookie: cookie,
		logger: logger,
	}
}

// challengeRequest is the body of POST /api/auth/challenge.
type challengeRequest struct {
	Certificate string `json:"certificate" binding:"required"`
}

// loginRequest is the body of POST /api/auth/login.
type loginRequest struct {
	ChallengeID string `json:"challengeId" binding:"required"`
	Signature   string `json:"signature" binding:"required"`
	Certificate string `json:"certificate" binding:"required"`
}

// Challenge handles POST /api/auth/challenge.
func (h *Handlers) Challenge(c *gin.Context) {
	var req challengeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":  "Bad Request",
			"reason": "invalid_request_body",
		})
		return
	}

	result, err := h.flow.Challenge(c.Request.Context(), []byte(req.Certificate))
	if err != nil {
		status, body := errorResponse(err)
		c.JSON(status, body)
		return
	}

	c.JSON(http.StatusOK, result)
}

// Login handles POST /api/auth/login. On success it sets the session cookie
// and returns the authenticated identity.
func (h *Handlers) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":  "Bad Request",
			"reason": "invalid_request_body",
		})
		return
	}

	result, err := h.flow.Login(c.Request.Context(), req.ChallengeID, req.Signature, []byte(req.Certificate))
	if err != nil {
		status, body := errorResponse(err)
		c.JSON(status, body)
		return
	}

	h.setSessionCookie(c, result.Session.ID, int(h.cookie.MaxAge.Seconds()))

	c.JSON(http.StatusOK, gin.H{
		"fingerprint": result.Fingerprint,
		"username":    result.Username,
		"validTo":     result.ValidTo,
		"expiresAt":   result.Session.ExpiresAt,
	})
}

// Logout handles POST /api/auth/logout. Always clears the cookie; revocation
// of an absent session still succeeds.
func (h *Handlers) Logout(c *gin.Context) {
	sessionID, err := c.Cookie(h.cookie.Name)
	if err != nil {
		sessionID = ""
	}

	if err := h.flow.Logout(c.Request.Context(), sessionID); err != nil {
		status, body := errorResponse(err)
		c.JSON(status, body)
		return
	}

	h.setSessionCookie(c, "", -1)
	c.Status(http.StatusNoContent)
}

// Session handles GET /api/auth/session, returning the identity behind the
// presented cookie.
func (h *Handlers) Session(c *gin.Context) {
	sessionID, err := c.Cookie(h.cookie.Name)
	if err != nil {
		sessionID = ""
	}

	identity, err := h.flow.Check(c.Request.Context(), sessionID)
	if err != nil {
		status, body := errorResponse(err)
		body["authenticated"] = false
		c.JSON(status, body)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"authenticated": true,
		"fingerprint":   identity.Fingerprint,
		"username":      identity.Username,
		"expiresAt":     identity.ExpiresAt,
	})
}

// setSessionCookie writes the session cookie with the hardening attributes
// applied uniformly for issue and clear.
func (h *Handlers) setSessionCookie(c *gin.Context, value string, maxAge int) {
	c.SetSameSite(http.SameSiteStrictMode)
	c.SetCookie(h.cookie.Name, value, maxAge, "/", "", h.cookie.Secure, true)
}

// errorResponse maps a flow error to an HTTP status and response body. The
// body carries the machine-readable reason; details that could aid probing
// stay in the server logs.
func errorResponse(err error) (int, gin.H) {
	reason := auth.Reason(err)

	var status int
	switch {
	case errors.Is(err, cert.ErrMalformedCertificate),
		errors.Is(err, signature.ErrInvalidSignatureEncoding):
		status = http.StatusBadRequest
	case errors.Is(err, cert.ErrUntrustedCertificate),
		errors.Is(err, cert.ErrExpiredCertificate),
		errors.Is(err, challenge.ErrChallengeNotFound),
		errors.Is(err, auth.ErrCertificateMismatch),
		errors.Is(err, signature.ErrInvalidSignature),
		errors.Is(err, signature.ErrUnsupportedKeyType),
		errors.Is(err, auth.ErrUnauthenticated):
		status = http.StatusUnauthorized
	case errors.Is(err, cert.ErrTrustAnchorUnavailable),
		errors.Is(err, session.ErrStoreUnavailable):
		status = http.StatusServiceUnavailable
	default:
		status = http.StatusInternalServerError
	}

	return status, gin.H{
		"error":  http.StatusText(status),
		"reason": reason,
	}
}
