// Package audit records security-relevant authentication events.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/vyrodovalexey/certgate/internal/observability"
)

// Action represents the audited action.
type Action string

// Audited actions.
const (
	ActionChallenge Action = "challenge"
	ActionLogin     Action = "login"
	ActionLogout    Action = "logout"
)

// Outcome represents the result of an audited action.
type Outcome string

// Outcomes.
const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeError   Outcome = "error"
)

// Event is a single audit record.
type Event struct {
	// ID uniquely identifies the event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Action is the audited action.
	Action Action `json:"action"`

	// Outcome is the result of the action.
	Outcome Outcome `json:"outcome"`

	// Fingerprint identifies the client certificate, when known.
	Fingerprint string `json:"fingerprint,omitempty"`

	// Username is the extracted identity, when known.
	Username string `json:"username,omitempty"`

	// Reason is the machine-readable rejection reason on failure.
	Reason string `json:"reason,omitempty"`

	// RequestID correlates the event with a request log line.
	RequestID string `json:"request_id,omitempty"`
}

// Logger records audit events.
type Logger interface {
	// Record logs an audit event, filling in ID and Timestamp when unset.
	Record(ctx context.Context, event Event)
}

// logger writes audit events through the structured logger.
type logger struct {
	logger observability.Logger
	now    func() time.Time
}

// NewLogger creates an audit logger writing through the given structured
// logger.
func NewLogger(log observability.Logger) Logger {
	return &logger{
		logger: log.With(observability.String("log_type", "audit")),
		now:    time.Now,
	}
}

// Record logs an audit event.
func (l *logger) Record(ctx context.Context, event Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = l.now()
	}
	if event.RequestID == "" {
		event.RequestID = observability.RequestIDFromContext(ctx)
	}

	fields := []observability.Field{
		observability.String("event_id", event.ID),
		observability.Time("event_time", event.Timestamp),
		observability.String("action", string(event.Action)),
		observability.String("outcome", string(event.Outcome)),
	}
	if event.Fingerprint != "" {
		fields = append(fields, observability.String("fingerprint", event.Fingerprint))
	}
	if event.Username != "" {
		fields = append(fields, observability.String("username", event.Username))
	}
	if event.Reason != "" {
		fields = append(fields, observability.String("reason", event.Reason))
	}
	if event.RequestID != "" {
		fields = append(fields, observability.String("request_id", event.RequestID))
	}

	if event.Outcome == OutcomeError {
		l.logger.Error("audit event", fields...)
		return
	}
	l.logger.Info("audit event", fields...)
}

// NopLogger returns an audit logger that discards all events.
func NopLogger() Logger {
	return nopLogger{}
}

type nopLogger struct{}

func (nopLogger) Record(context.Context, Event) {}
