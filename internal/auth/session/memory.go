package session

import (
	"context"
	"sync"
	"time"

	"github.com/vyrodovalexey/certgate/internal/observability"
)

// MemoryStore is the in-memory session ledger. All mutating operations are
// atomic with respect to each other, including the background sweep.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*Session

	ttl           time.Duration
	sweepInterval time.Duration
	logger        observability.Logger
	now           func() time.Time

	stopCh  chan struct{}
	stopped sync.Once
}

// MemoryStoreOption is a functional option for the memory store.
type MemoryStoreOption func(*MemoryStore)

// WithTTL sets the session lifetime.
func WithTTL(ttl time.Duration) MemoryStoreOption {
	return func(s *MemoryStore) {
		s.ttl = ttl
	}
}

// WithSweepInterval sets the background sweep period. Zero disables the
// background sweep; lazy expiry still applies.
func WithSweepInterval(interval time.Duration) MemoryStoreOption {
	return func(s *MemoryStore) {
		s.sweepInterval = interval
	}
}

// WithStoreLogger sets the logger for the store.
func WithStoreLogger(logger observability.Logger) MemoryStoreOption {
	return func(s *MemoryStore) {
		s.logger = logger
	}
}

// WithClock sets the time source, used in tests.
func WithClock(now func() time.Time) MemoryStoreOption {
	return func(s *MemoryStore) {
		s.now = now
	}
}

// NewMemoryStore creates an in-memory session store and starts its
// background sweep unless the sweep interval is zero.
func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	s := &MemoryStore{
		sessions:      make(map[string]*Session),
		ttl:           DefaultTTL,
		sweepInterval: time.Minute,
		logger:        observability.NopLogger(),
		now:           time.Now,
		stopCh:        make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.sweepInterval > 0 {
		go s.sweepLoop()
	}

	return s
}

// Issue creates a fresh session for the given fingerprint and identity.
func (s *MemoryStore) Issue(_ context.Context, fingerprint, username string) (*Session, error) {
	id, err := newSessionID()
	if err != nil {
		return nil, err
	}

	now := s.now()
	record := &Session{
		ID:             id,
		KeyFingerprint: fingerprint,
		Username:       username,
		CreatedAt:      now,
		ExpiresAt:      now.Add(s.ttl),
	}

	s.mu.Lock()
	s.sessions[id] = record
	s.mu.Unlock()

	s.logger.Debug("session issued",
		observability.String("fingerprint", fingerprint),
		observability.String("username", username),
		observability.Time("expires_at", record.ExpiresAt),
	)

	copied := *record
	return &copied, nil
}

// Lookup returns the session with the given id, removing it if it has
// expired since the last sweep.
func (s *MemoryStore) Lookup(_ context.Context, id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if record.Expired(s.now()) {
		delete(s.sessions, id)
		return nil, ErrSessionNotFound
	}

	copied := *record
	return &copied, nil
}

// Revoke removes the session with the given id. Idempotent.
func (s *MemoryStore) Revoke(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, id)
	return nil
}

// Sweep removes all expired sessions and returns the number removed.
func (s *MemoryStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for id, record := range s.sessions {
		if record.Expired(now) {
			delete(s.sessions, id)
			removed++
		}
	}

	if removed > 0 {
		s.logger.Debug("session sweep completed",
			observability.Int("removed", removed),
		)
	}

	return removed
}

// Len returns the number of live records, including not-yet-swept expired ones.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Close stops the background sweep. Safe to call more than once.
func (s *MemoryStore) Close() error {
	s.stopped.Do(func() {
		close(s.stopCh)
	})
	return nil
}

// sweepLoop drives periodic sweeps until the store is closed.
func (s *MemoryStore) sweepLoop() {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Sweep()
		case <-s.stopCh:
			return
		}
	}
}

// Ensure MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
