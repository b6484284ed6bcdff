package challenge

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndLookup(t *testing.T) {
	l := NewLedger(WithSweepInterval(0))
	defer l.Close()

	issued, err := l.Issue("fp-1")
	require.NoError(t, err)

	assert.Len(t, issued.ID, 32)    // 128 bits, hex
	assert.NotEmpty(t, issued.Nonce)
	assert.Equal(t, "fp-1", issued.BoundFingerprint)
	assert.Equal(t, DefaultTTL, issued.ExpiresAt.Sub(issued.CreatedAt))

	found, err := l.Lookup(issued.ID)
	require.NoError(t, err)
	assert.Equal(t, issued.Nonce, found.Nonce)

	// Distinct issues get distinct ids and nonces.
	other, err := l.Issue("fp-1")
	require.NoError(t, err)
	assert.NotEqual(t, issued.ID, other.ID)
	assert.NotEqual(t, issued.Nonce, other.Nonce)
}

func TestConsumeIsDestructive(t *testing.T) {
	l := NewLedger(WithSweepInterval(0))
	defer l.Close()

	issued, err := l.Issue("fp-1")
	require.NoError(t, err)

	consumed, err := l.Consume(issued.ID)
	require.NoError(t, err)
	assert.Equal(t, issued.ID, consumed.ID)

	_, err = l.Consume(issued.ID)
	assert.ErrorIs(t, err, ErrChallengeNotFound)

	_, err = l.Lookup(issued.ID)
	assert.ErrorIs(t, err, ErrChallengeNotFound)
}

func TestUnknownID(t *testing.T) {
	l := NewLedger(WithSweepInterval(0))
	defer l.Close()

	_, err := l.Lookup("nope")
	assert.ErrorIs(t, err, ErrChallengeNotFound)

	_, err = l.Consume("nope")
	assert.ErrorIs(t, err, ErrChallengeNotFound)
}

func TestLazyExpiry(t *testing.T) {
	current := time.Now()
	l := NewLedger(
		WithSweepInterval(0),
		WithTTL(60*time.Second),
		WithClock(func() time.Time { return current }),
	)
	defer l.Close()

	issued, err := l.Issue("fp-1")
	require.NoError(t, err)

	// One second past expiry, without any sweep.
	current = current.Add(61 * time.Second)

	_, err = l.Lookup(issued.ID)
	assert.ErrorIs(t, err, ErrChallengeNotFound)

	// The discovering lookup removed the record.
	assert.Zero(t, l.Len())
}

func TestConsumeExpired(t *testing.T) {
	current := time.Now()
	l := NewLedger(
		WithSweepInterval(0),
		WithClock(func() time.Time { return current }),
	)
	defer l.Close()

	issued, err := l.Issue("fp-1")
	require.NoError(t, err)

	current = current.Add(DefaultTTL + time.Second)

	_, err = l.Consume(issued.ID)
	assert.ErrorIs(t, err, ErrChallengeNotFound)
	assert.Zero(t, l.Len())
}

func TestSweep(t *testing.T) {
	current := time.Now()
	l := NewLedger(
		WithSweepInterval(0),
		WithClock(func() time.Time { return current }),
	)
	defer l.Close()

	for i := 0; i < 3; i++ {
		_, err := l.Issue("fp-old")
		require.NoError(t, err)
	}

	current = current.Add(DefaultTTL + time.Second)

	fresh, err := l.Issue("fp-new")
	require.NoError(t, err)

	assert.Equal(t, 3, l.Sweep())
	assert.Equal(t, 1, l.Len())

	_, err = l.Lookup(fresh.ID)
	assert.NoError(t, err)
}

func TestBackgroundSweep(t *testing.T) {
	l := NewLedger(
		WithTTL(10*time.Millisecond),
		WithSweepInterval(20*time.Millisecond),
	)
	defer l.Close()

	_, err := l.Issue("fp-1")
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return l.Len() == 0
	}, time.Second, 10*time.Millisecond)
}

func TestConcurrentConsume(t *testing.T) {
	l := NewLedger(WithSweepInterval(0))
	defer l.Close()

	issued, err := l.Issue("fp-1")
	require.NoError(t, err)

	const workers = 16
	var wg sync.WaitGroup
	wins := make(chan struct{}, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Consume(issued.ID); err == nil {
				wins <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(wins)

	assert.Len(t, wins, 1)
}
