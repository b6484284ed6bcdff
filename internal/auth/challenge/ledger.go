// Package challenge issues and tracks short-lived, single-use authentication
// challenges bound to a certificate fingerprint.
package challenge

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vyrodovalexey/certgate/internal/observability"
)

// ErrChallengeNotFound indicates that a challenge is absent or expired.
// The two cases are deliberately indistinguishable.
var ErrChallengeNotFound = errors.New("challenge not found")

// Token sizes in bytes.
const (
	// idSize is the challenge identifier entropy (128 bits).
	idSize = 16

	// nonceSize is the signed nonce entropy (256 bits).
	nonceSize = 32
)

// DefaultTTL is the default challenge lifetime.
const DefaultTTL = 60 * time.Second

// Challenge binds a nonce to a certificate fingerprint for the duration of
// one authentication attempt.
type Challenge struct {
	// ID identifies the record.
	ID string `json:"challenge_id"`

	// Nonce is the material the client signs.
	Nonce string `json:"nonce"`

	// BoundFingerprint is the fingerprint of the certificate the challenge
	// was issued for.
	BoundFingerprint string `json:"fingerprint"`

	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the challenge has passed its expiry at the given time.
func (c *Challenge) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// Ledger owns the challenge records. All mutating operations are atomic with
// respect to each other; a Consume racing a sweep on the same record leaves
// exactly one winner.
type Ledger struct {
	mu         sync.Mutex
	challenges map[string]*Challenge

	ttl           time.Duration
	sweepInterval time.Duration
	logger        observability.Logger
	now           func() time.Time

	stopCh  chan struct{}
	stopped sync.Once
}

// LedgerOption is a functional option for the ledger.
type LedgerOption func(*Ledger)

// WithTTL sets the challenge lifetime.
func WithTTL(ttl time.Duration) LedgerOption {
	return func(l *Ledger) {
		l.ttl = ttl
	}
}

// WithSweepInterval sets the background sweep period. Zero disables the
// background sweep; lazy expiry still applies.
func WithSweepInterval(interval time.Duration) LedgerOption {
	return func(l *Ledger) {
		l.sweepInterval = interval
	}
}

// WithLedgerLogger sets the logger for the ledger.
func WithLedgerLogger(logger observability.Logger) LedgerOption {
	return func(l *Ledger) {
		l.logger = logger
	}
}

// WithClock sets the time source, used in tests.
func WithClock(now func() time.Time) LedgerOption {
	return func(l *Ledger) {
		l.now = now
	}
}

// NewLedger creates a challenge ledger and starts its background sweep
// unless the sweep interval is zero.
func NewLedger(opts ...LedgerOption) *Ledger {
	l := &Ledger{
		challenges:    make(map[string]*Challenge),
		ttl:           DefaultTTL,
		sweepInterval: time.Minute,
		logger:        observability.NopLogger(),
		now:           time.Now,
		stopCh:        make(chan struct{}),
	}

	for _, opt := range opts {
		opt(l)
	}

	if l.sweepInterval > 0 {
		go l.sweepLoop()
	}

	return l
}

// Issue creates a fresh challenge bound to the given fingerprint.
func (l *Ledger) Issue(fingerprint string) (*Challenge, error) {
	nonce, err := randomToken(nonceSize, base64.RawURLEncoding.EncodeToString)
	if err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	now := l.now()
	record := &Challenge{
		Nonce:            nonce,
		BoundFingerprint: fingerprint,
		CreatedAt:        now,
		ExpiresAt:        now.Add(l.ttl),
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Collision on a 128-bit identifier is negligible; the retry loop is
	// a correctness backstop, not an expected path.
	for {
		id, err := randomToken(idSize, hex.EncodeToString)
		if err != nil {
			return nil, fmt.Errorf("generating challenge id: %w", err)
		}
		if _, exists := l.challenges[id]; exists {
			continue
		}
		record.ID = id
		break
	}

	l.challenges[record.ID] = record

	l.logger.Debug("challenge issued",
		observability.String("challenge_id", record.ID),
		observability.String("fingerprint", fingerprint),
		observability.Time("expires_at", record.ExpiresAt),
	)

	copied := *record
	return &copied, nil
}

// Lookup returns the challenge with the given id. Expired entries are
// treated as absent and removed on discovery.
func (l *Ledger) Lookup(id string) (*Challenge, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	record, ok := l.challenges[id]
	if !ok {
		return nil, ErrChallengeNotFound
	}
	if record.Expired(l.now()) {
		delete(l.challenges, id)
		return nil, ErrChallengeNotFound
	}

	copied := *record
	return &copied, nil
}

// Consume removes and returns the challenge with the given id. Expired
// entries are treated as absent.
func (l *Ledger) Consume(id string) (*Challenge, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	record, ok := l.challenges[id]
	if !ok {
		return nil, ErrChallengeNotFound
	}
	delete(l.challenges, id)

	if record.Expired(l.now()) {
		return nil, ErrChallengeNotFound
	}

	copied := *record
	return &copied, nil
}

// Sweep removes all expired challenges and returns the number removed.
func (l *Ledger) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for id, record := range l.challenges {
		if record.Expired(now) {
			delete(l.challenges, id)
			removed++
		}
	}

	if removed > 0 {
		l.logger.Debug("challenge sweep completed",
			observability.Int("removed", removed),
		)
	}

	return removed
}

// Len returns the number of live records, including not-yet-swept expired ones.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.challenges)
}

// Close stops the background sweep. Safe to call more than once.
func (l *Ledger) Close() {
	l.stopped.Do(func() {
		close(l.stopCh)
	})
}

// sweepLoop drives periodic sweeps until the ledger is closed.
func (l *Ledger) sweepLoop() {
	ticker := time.NewTicker(l.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.Sweep()
		case <-l.stopCh:
			return
		}
	}
}

// randomToken draws size bytes from crypto/rand and encodes them.
func randomToken(size int, encode func([]byte) string) (string, error) {
	buf := make([]byte, size)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return encode(buf), nil
}
