// Package auth orchestrates the certificate-bound challenge-response
// authentication protocol.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/certgate/internal/audit"
	"github.com/vyrodovalexey/certgate/internal/auth/cert"
	"github.com/vyrodovalexey/certgate/internal/auth/challenge"
	"github.com/vyrodovalexey/certgate/internal/auth/session"
	"github.com/vyrodovalexey/certgate/internal/auth/signature"
	"github.com/vyrodovalexey/certgate/internal/observability"
)

// flowTracerName is the OpenTelemetry tracer name for flow operations.
const flowTracerName = "certgate/auth"

// ChallengeResult is the outcome of a successful challenge request.
type ChallengeResult struct {
	ChallengeID string    `json:"challengeId"`
	Nonce       string    `json:"challenge"`
	Fingerprint string    `json:"fingerprint"`
	Username    string    `json:"username,omitempty"`
	ValidTo     time.Time `json:"validTo"`
}

// LoginResult is the outcome of a successful login completion.
type LoginResult struct {
	Session     *session.Session `json:"-"`
	Fingerprint string           `json:"fingerprint"`
	Username    string           `json:"username,omitempty"`
	ValidTo     time.Time        `json:"validTo"`
}

// Flow orchestrates the challenge-response authentication protocol: trust
// verification, challenge issuance, signature verification, and session
// management.
//
// A challenge is consumed by the first terminal decision for it, valid or
// invalid; only a transient trust-anchor failure leaves it available for
// retry within its TTL.
type Flow struct {
	verifier   cert.Verifier
	challenges *challenge.Ledger
	sessions   session.Store
	logger     observability.Logger
	metrics    *Metrics
	auditor    audit.Logger
}

// FlowOption is a functional option for the flow.
type FlowOption func(*Flow)

// WithFlowLogger sets the logger.
func WithFlowLogger(logger observability.Logger) FlowOption {
	return func(f *Flow) {
		f.logger = logger
	}
}

// WithFlowMetrics sets the metrics.
func WithFlowMetrics(metrics *Metrics) FlowOption {
	return func(f *Flow) {
		f.metrics = metrics
	}
}

// WithFlowAuditor sets the audit logger.
func WithFlowAuditor(auditor audit.Logger) FlowOption {
	return func(f *Flow) {
		f.auditor = auditor
	}
}

// NewFlow creates the authentication flow.
func NewFlow(verifier cert.Verifier, challenges *challenge.Ledger, sessions session.Store, opts ...FlowOption) (*Flow, error) {
	if verifier == nil {
		return nil, fmt.Errorf("certificate verifier is required")
	}
	if challenges == nil {
		return nil, fmt.Errorf("challenge ledger is required")
	}
	if sessions == nil {
		return nil, fmt.Errorf("session store is required")
	}

	f := &Flow{
		verifier:   verifier,
		challenges: challenges,
		sessions:   sessions,
		logger:     observability.NopLogger(),
		auditor:    audit.NopLogger(),
	}

	for _, opt := range opts {
		opt(f)
	}

	if f.metrics == nil {
		f.metrics = NewMetrics("certgate")
	}

	return f, nil
}

// Challenge validates the submitted certificate and issues a challenge
// bound to its fingerprint.
func (f *Flow) Challenge(ctx context.Context, certPEM []byte) (*ChallengeResult, error) {
	start := time.Now()
	ctx, span := otel.Tracer(flowTracerName).Start(ctx, "auth.Challenge",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	defer span.End()

	info, err := f.verifier.Verify(ctx, certPEM)
	if err != nil {
		return nil, f.reject(ctx, "challenge", audit.ActionChallenge, nil, err, start)
	}

	record, err := f.challenges.Issue(info.Fingerprint)
	if err != nil {
		return nil, f.reject(ctx, "challenge", audit.ActionChallenge, info, err, start)
	}

	span.SetAttributes(attribute.String("auth.fingerprint", info.Fingerprint))
	f.metrics.RecordOperation("challenge", "success", time.Since(start))
	f.metrics.RecordChallengeIssued()
	f.auditor.Record(ctx, audit.Event{
		Action:      audit.ActionChallenge,
		Outcome:     audit.OutcomeSuccess,
		Fingerprint: info.Fingerprint,
		Username:    info.Username,
	})

	f.logger.WithContext(ctx).Debug("challenge issued",
		observability.String("fingerprint", info.Fingerprint),
		observability.String("challenge_id", record.ID),
	)

	return &ChallengeResult{
		ChallengeID: record.ID,
		Nonce:       record.Nonce,
		Fingerprint: info.Fingerprint,
		Username:    info.Username,
		ValidTo:     info.NotAfter,
	}, nil
}

// Login completes an authentication attempt: it re-validates the submitted
// certificate, checks that it matches the challenge binding, verifies the
// signature over the nonce, and issues a session.
func (f *Flow) Login(ctx context.Context, challengeID, sigBase64 string, certPEM []byte) (*LoginResult, error) {
	start := time.Now()
	ctx, span := otel.Tracer(flowTracerName).Start(ctx, "auth.Login",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	defer span.End()

	record, err := f.challenges.Lookup(challengeID)
	if err != nil {
		return nil, f.reject(ctx, "login", audit.ActionLogin, nil, err, start)
	}

	// Re-validate the certificate: it may have expired, or been swapped,
	// between challenge issuance and login.
	info, err := f.verifier.Verify(ctx, certPEM)
	if err != nil {
		// Trust-anchor unavailability is transient; the challenge stays
		// valid so the client can retry within its TTL.
		if !errors.Is(err, cert.ErrTrustAnchorUnavailable) {
			f.discardChallenge(challengeID)
		}
		return nil, f.reject(ctx, "login", audit.ActionLogin, nil, err, start)
	}

	if info.Fingerprint != record.BoundFingerprint {
		f.discardChallenge(challengeID)
		return nil, f.reject(ctx, "login", audit.ActionLogin, info, ErrCertificateMismatch, start)
	}

	if err := signature.Verify(record.Nonce, sigBase64, info.PublicKey); err != nil {
		f.discardChallenge(challengeID)
		return nil, f.reject(ctx, "login", audit.ActionLogin, info, err, start)
	}

	// Consume the challenge; losing the race against a concurrent login
	// or sweep means someone else reached the terminal decision first.
	if _, err := f.challenges.Consume(challengeID); err != nil {
		return nil, f.reject(ctx, "login", audit.ActionLogin, info, err, start)
	}

	sess, err := f.sessions.Issue(ctx, info.Fingerprint, info.Username)
	if err != nil {
		return nil, f.reject(ctx, "login", audit.ActionLogin, info, err, start)
	}

	span.SetAttributes(attribute.String("auth.fingerprint", info.Fingerprint))
	f.metrics.RecordOperation("login", "success", time.Since(start))
	f.metrics.RecordSessionIssued()
	f.auditor.Record(ctx, audit.Event{
		Action:      audit.ActionLogin,
		Outcome:     audit.OutcomeSuccess,
		Fingerprint: info.Fingerprint,
		Username:    info.Username,
	})

	f.logger.WithContext(ctx).Info("login completed",
		observability.String("fingerprint", info.Fingerprint),
		observability.String("username", info.Username),
	)

	return &LoginResult{
		Session:     sess,
		Fingerprint: info.Fingerprint,
		Username:    info.Username,
		ValidTo:     info.NotAfter,
	}, nil
}

// Logout revokes the session with the given id. Idempotent: revoking an
// absent, expired, or already-revoked session succeeds.
func (f *Flow) Logout(ctx context.Context, sessionID string) error {
	start := time.Now()
	ctx, span := otel.Tracer(flowTracerName).Start(ctx, "auth.Logout",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	defer span.End()

	if sessionID == "" {
		f.metrics.RecordOperation("logout", "success", time.Since(start))
		return nil
	}

	if err := f.sessions.Revoke(ctx, sessionID); err != nil {
		f.metrics.RecordOperation("logout", "failure", time.Since(start))
		return err
	}

	f.metrics.RecordOperation("logout", "success", time.Since(start))
	f.metrics.RecordSessionRevoked()
	f.auditor.Record(ctx, audit.Event{
		Action:  audit.ActionLogout,
		Outcome: audit.OutcomeSuccess,
	})

	return nil
}

// Check gates a request on its session id. Absent and expired sessions
// yield the same ErrUnauthenticated so session lifecycle is not leaked.
func (f *Flow) Check(ctx context.Context, sessionID string) (*Identity, error) {
	start := time.Now()
	ctx, span := otel.Tracer(flowTracerName).Start(ctx, "auth.Check",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	defer span.End()

	if sessionID == "" {
		f.metrics.RecordOperation("check", "failure", time.Since(start))
		return nil, ErrUnauthenticated
	}

	sess, err := f.sessions.Lookup(ctx, sessionID)
	if err != nil {
		f.metrics.RecordOperation("check", "failure", time.Since(start))
		if errors.Is(err, session.ErrSessionNotFound) {
			return nil, ErrUnauthenticated
		}
		return nil, err
	}

	f.metrics.RecordOperation("check", "success", time.Since(start))

	return &Identity{
		Fingerprint: sess.KeyFingerprint,
		Username:    sess.Username,
		ExpiresAt:   sess.ExpiresAt,
	}, nil
}

// discardChallenge consumes a challenge after a terminal failure.
func (f *Flow) discardChallenge(challengeID string) {
	_, _ = f.challenges.Consume(challengeID)
}

// reject records a failed operation and returns the original error.
func (f *Flow) reject(ctx context.Context, operation string, action audit.Action, info *cert.CertificateInfo, err error, start time.Time) error {
	reason := Reason(err)

	f.metrics.RecordOperation(operation, "failure", time.Since(start))
	f.metrics.RecordRejection(operation, reason)

	event := audit.Event{
		Action:  action,
		Outcome: audit.OutcomeFailure,
		Reason:  reason,
	}
	if info != nil {
		event.Fingerprint = info.Fingerprint
		event.Username = info.Username
	}

	log := f.logger.WithContext(ctx)
	if IsServerError(err) {
		event.Outcome = audit.OutcomeError
		log.Error("authentication infrastructure failure",
			observability.String("operation", operation),
			observability.String("reason", reason),
			observability.Error(err),
		)
	} else {
		log.Debug("authentication rejected",
			observability.String("operation", operation),
			observability.String("reason", reason),
		)
	}

	f.auditor.Record(ctx, event)

	return wrapFlowError(operation, err)
}
