package audit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/vyrodovalexey/certgate/internal/observability"
)

// observedLogger returns a Logger backed by an in-memory zap observer.
func observedLogger(t *testing.T) (Logger, *observer.ObservedLogs) {
	t.Helper()

	core, logs := observer.New(zap.DebugLevel)
	zl := zap.New(core)

	return NewLogger(wrapZap(zl)), logs
}

// wrapZap adapts a raw zap logger to the observability.Logger interface.
type zapAdapter struct {
	l *zap.Logger
}

func wrapZap(l *zap.Logger) observability.Logger { return &zapAdapter{l: l} }

func (a *zapAdapter) Debug(msg string, fields ...observability.Field) { a.l.Debug(msg, fields...) }
func (a *zapAdapter) Info(msg string, fields ...observability.Field)  { a.l.Info(msg, fields...) }
func (a *zapAdapter) Warn(msg string, fields ...observability.Field)  { a.l.Warn(msg, fields...) }
func (a *zapAdapter) Error(msg string, fields ...observability.Field) { a.l.Error(msg, fields...) }
func (a *zapAdapter) Fatal(msg string, fields ...observability.Field) { a.l.Fatal(msg, fields...) }
func (a *zapAdapter) With(fields ...observability.Field) observability.Logger {
	return &zapAdapter{l: a.l.With(fields...)}
}
func (a *zapAdapter) WithContext(context.Context) observability.Logger { return a }
func (a *zapAdapter) Sync() error                                      { return a.l.Sync() }

func TestRecordFillsDefaults(t *testing.T) {
	logger, logs := observedLogger(t)

	logger.Record(context.Background(), Event{
		Action:      ActionLogin,
		Outcome:     OutcomeSuccess,
		Fingerprint: "fp-1",
		Username:    "alice@example.com",
	})

	entries := logs.All()
	require.Len(t, entries, 1)

	fields := entries[0].ContextMap()
	assert.NotEmpty(t, fields["event_id"])
	assert.Equal(t, "login", fields["action"])
	assert.Equal(t, "success", fields["outcome"])
	assert.Equal(t, "fp-1", fields["fingerprint"])
	assert.Equal(t, "alice@example.com", fields["username"])
	assert.Equal(t, "audit", fields["log_type"])
}

func TestRecordCarriesRequestID(t *testing.T) {
	logger, logs := observedLogger(t)

	ctx := observability.ContextWithRequestID(context.Background(), "req-42")
	logger.Record(ctx, Event{Action: ActionLogout, Outcome: OutcomeSuccess})

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "req-42", entries[0].ContextMap()["request_id"])
}

func TestRecordErrorOutcomeUsesErrorLevel(t *testing.T) {
	logger, logs := observedLogger(t)

	logger.Record(context.Background(), Event{
		Action:  ActionLogin,
		Outcome: OutcomeError,
		Reason:  "trust_anchor_unavailable",
	})

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, zap.ErrorLevel, entries[0].Level)
	assert.Equal(t, "trust_anchor_unavailable", entries[0].ContextMap()["reason"])
}

func TestNopLogger(t *testing.T) {
	NopLogger().Record(context.Background(), Event{Action: ActionLogin})
}
