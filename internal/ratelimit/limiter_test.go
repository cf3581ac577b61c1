package ratelimit

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func newTestLimiter(start time.Time) (*Limiter, *fakeClock) {
	clock := &fakeClock{now: start}
	cfg := DefaultConfig()
	cfg.Now = clock.Now
	return New(cfg), clock
}

func TestUnknownKeyIsAllowed(t *testing.T) {
	l, _ := newTestLimiter(time.Date(2026, 3, 10, 9, 15, 0, 0, time.UTC))

	d := l.Check("example.com", "account-1", 1)
	assert.True(t, d.Allowed)

	_, ok := l.Tracking("example.com", "account-1")
	assert.False(t, ok)
}

func TestDailyWarmupCap(t *testing.T) {
	l, _ := newTestLimiter(time.Date(2026, 3, 10, 9, 15, 0, 0, time.UTC))

	for i := 0; i < 50; i++ {
		require.True(t, l.Check("example.com", "account-1", 1).Allowed, "send %d", i+1)
		l.RecordSuccess("example.com", "account-1")
	}

	d := l.Check("example.com", "account-1", 1)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonDailyCap, d.Reason)
	assert.Greater(t, d.RetryAfter, time.Duration(0))
	assert.Equal(t, 14*time.Hour+45*time.Minute, d.RetryAfter)

	tr, ok := l.Tracking("example.com", "account-1")
	require.True(t, ok)
	assert.Equal(t, 50, tr.SentToday)
	assert.Equal(t, 50, tr.SentThisHour)
	assert.Equal(t, 0, tr.FailureCount)
}

func TestOlderAccountsGetWiderCaps(t *testing.T) {
	l, _ := newTestLimiter(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC))

	for i := 0; i < 50; i++ {
		l.RecordSuccess("example.com", "account-1")
	}
	assert.False(t, l.Check("example.com", "account-1", 1).Allowed)
	assert.True(t, l.Check("example.com", "account-1", 40).Allowed)
}

func TestHourlyCapAndRollover(t *testing.T) {
	start := time.Date(2026, 3, 10, 9, 59, 0, 0, time.UTC)
	l, clock := newTestLimiter(start)

	// age 3 tier: daily 100, hourly 50
	for i := 0; i < 50; i++ {
		l.RecordSuccess("example.com", "account-1")
	}
	d := l.Check("example.com", "account-1", 3)
	require.False(t, d.Allowed)
	assert.Equal(t, ReasonHourlyCap, d.Reason)
	assert.Equal(t, time.Minute, d.RetryAfter)

	clock.Set(start.Add(time.Minute))
	d = l.Check("example.com", "account-1", 3)
	assert.True(t, d.Allowed)

	tr, _ := l.Tracking("example.com", "account-1")
	assert.Equal(t, 0, tr.SentThisHour)
	assert.Equal(t, 50, tr.SentToday)
}

func TestMidnightResetsOnce(t *testing.T) {
	start := time.Date(2026, 3, 10, 23, 30, 0, 0, time.UTC)
	l, clock := newTestLimiter(start)

	l.RecordSuccess("example.com", "account-1")
	clock.Set(start.Add(45 * time.Minute))
	l.RecordSuccess("example.com", "account-1")

	tr, _ := l.Tracking("example.com", "account-1")
	assert.Equal(t, 1, tr.SentToday)

	// a clock stepping backwards across midnight must not reopen the old day
	clock.Set(start.Add(10 * time.Minute))
	l.RecordSuccess("example.com", "account-1")
	clock.Set(start.Add(50 * time.Minute))

	tr, _ = l.Tracking("example.com", "account-1")
	assert.Equal(t, 2, tr.SentToday)
}

func TestFailureCircuitBreaker(t *testing.T) {
	start := time.Date(2026, 3, 10, 9, 20, 0, 0, time.UTC)
	clock := &fakeClock{now: start}
	l := New(Config{FailureThreshold: 2, FailureWindow: time.Hour, Now: clock.Now})

	for i := 0; i < 2; i++ {
		l.RecordFailure("example.com", "account-1")
	}
	assert.True(t, l.Check("example.com", "account-1", 1).Allowed)

	l.RecordFailure("example.com", "account-1")
	d := l.Check("example.com", "account-1", 1)
	require.False(t, d.Allowed)
	assert.Equal(t, ReasonFailureTrips, d.Reason)
	assert.Equal(t, 40*time.Minute, d.RetryAfter)

	tr, _ := l.Tracking("example.com", "account-1")
	assert.Equal(t, 3, tr.FailureCount)
	assert.Equal(t, 0, tr.SentToday)

	clock.Set(start.Add(41 * time.Minute))
	assert.True(t, l.Check("example.com", "account-1", 1).Allowed)
}

func TestRecordSuccessDoesNotTouchFailures(t *testing.T) {
	l, _ := newTestLimiter(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC))

	l.RecordFailure("example.com", "account-1")
	l.RecordSuccess("example.com", "account-1")

	tr, _ := l.Tracking("example.com", "account-1")
	assert.Equal(t, 1, tr.FailureCount)
	assert.Equal(t, 1, tr.SentToday)
	assert.False(t, tr.LastSentAt.IsZero())
}

func TestKeysAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC))

	for i := 0; i < 50; i++ {
		l.RecordSuccess("example.com", "account-1")
	}
	assert.False(t, l.Check("example.com", "account-1", 1).Allowed)
	assert.True(t, l.Check("example.com", "account-2", 1).Allowed)
	assert.True(t, l.Check("other.io", "account-1", 1).Allowed)
}

func TestConcurrentRecordsAreNotLost(t *testing.T) {
	l, _ := newTestLimiter(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				l.RecordSuccess("example.com", "account-1")
				l.RecordFailure("example.com", "account-1")
			}
		}()
	}
	wg.Wait()

	tr, _ := l.Tracking("example.com", "account-1")
	assert.Equal(t, 500, tr.SentToday)
	assert.Equal(t, 500, tr.FailureCount)
}

func TestPruneAndReset(t *testing.T) {
	start := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	l, clock := newTestLimiter(start)

	l.RecordSuccess("example.com", "old")
	clock.Set(start.Add(3 * time.Hour))
	l.RecordSuccess("example.com", "fresh")

	assert.Equal(t, 1, l.Prune(2*time.Hour))
	assert.Equal(t, 1, l.Len())

	l.Reset()
	assert.Equal(t, 0, l.Len())
}

func TestConcurrentReservationsRespectCap(t *testing.T) {
	l, _ := newTestLimiter(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC))
	for i := 0; i < 49; i++ {
		l.RecordSuccess("example.com", "account-1")
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Reserve("example.com", "account-1", 1).Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, allowed)

	d := l.Check("example.com", "account-1", 1)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonDailyCap, d.Reason)

	l.RecordSuccess("example.com", "account-1")
	tr, _ := l.Tracking("example.com", "account-1")
	assert.Equal(t, 50, tr.SentToday)
	assert.False(t, l.Reserve("example.com", "account-1", 1).Allowed)
}

func TestReleaseAndFailureSettleReservations(t *testing.T) {
	l, _ := newTestLimiter(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC))
	for i := 0; i < 49; i++ {
		l.RecordSuccess("example.com", "account-1")
	}

	require.True(t, l.Reserve("example.com", "account-1", 1).Allowed)
	assert.False(t, l.Reserve("example.com", "account-1", 1).Allowed)
	l.Release("example.com", "account-1")

	require.True(t, l.Reserve("example.com", "account-1", 1).Allowed)
	l.RecordFailure("example.com", "account-1")
	assert.True(t, l.Check("example.com", "account-1", 1).Allowed)

	tr, _ := l.Tracking("example.com", "account-1")
	assert.Equal(t, 49, tr.SentToday)
	assert.Equal(t, 1, tr.FailureCount)

	// settling with nothing reserved is a no-op
	l.Release("example.com", "account-1")
	l.Release("nobody.io", "account-1")
	assert.True(t, l.Check("example.com", "account-1", 1).Allowed)
}

func TestPruneKeepsInFlightKeys(t *testing.T) {
	start := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	l, clock := newTestLimiter(start)

	require.True(t, l.Reserve("example.com", "slow", 1).Allowed)
	clock.Set(start.Add(3 * time.Hour))
	assert.Zero(t, l.Prune(time.Hour))

	l.Release("example.com", "slow")
	assert.Equal(t, 1, l.Prune(time.Hour))
}
