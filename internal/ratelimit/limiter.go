// Package ratelimit tracks send volume and failures per sending domain and
// account and decides whether the next send may go out. It performs no I/O
// and never retries on its own.
package ratelimit

import (
	"strings"
	"sync"
	"time"
)

type Reason string

const (
	ReasonNone         Reason = ""
	ReasonDailyCap     Reason = "daily_cap"
	ReasonHourlyCap    Reason = "hourly_cap"
	ReasonFailureTrips Reason = "failure_threshold"
)

// Decision is the result of Check. When Allowed is false RetryAfter is
// always positive.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
	Reason     Reason
	Tier       Tier
}

// RateTracking is a read-only snapshot of a key's counters.
type RateTracking struct {
	Domain       string    `json:"domain"`
	AccountID    string    `json:"account_id"`
	SentToday    int       `json:"sent_today"`
	SentThisHour int       `json:"sent_this_hour"`
	FailureCount int       `json:"failure_count"`
	LastSentAt   time.Time `json:"last_sent_at,omitempty"`
}

type Config struct {
	Schedule         Schedule
	FailureThreshold int
	FailureWindow    time.Duration
	Now              func() time.Time
}

func DefaultConfig() Config {
	return Config{
		Schedule:         DefaultSchedule(),
		FailureThreshold: 10,
		FailureWindow:    time.Hour,
	}
}

type entry struct {
	mu           sync.Mutex
	domain       string
	accountID    string
	sentToday    int
	sentThisHour int
	failureCount int
	// pending counts reserved sends whose outcome is not recorded yet.
	pending      int
	lastSentAt   time.Time
	lastActivity time.Time

	dayStart     time.Time
	hourStart    time.Time
	failureStart time.Time
}

type Limiter struct {
	cfg Config

	mu      sync.RWMutex
	entries map[string]*entry
}

func New(cfg Config) *Limiter {
	def := DefaultConfig()
	if len(cfg.Schedule) == 0 {
		cfg.Schedule = def.Schedule
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = def.FailureWindow
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Limiter{
		cfg:     cfg,
		entries: make(map[string]*entry),
	}
}

func key(domain, accountID string) string {
	return strings.ToLower(domain) + "|" + accountID
}

func (l *Limiter) lookup(domain, accountID string) *entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.entries[key(domain, accountID)]
}

func (l *Limiter) getOrCreate(domain, accountID string) *entry {
	k := key(domain, accountID)
	if e := l.lookup(domain, accountID); e != nil {
		return e
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.entries[k]; ok {
		return e
	}
	e := &entry{domain: strings.ToLower(domain), accountID: accountID}
	l.entries[k] = e
	return e
}

// Check decides whether one more send would be admitted. It reserves
// nothing. Unknown keys start at zero and are not denied.
func (l *Limiter) Check(domain, accountID string, accountAgeInDays int) Decision {
	now := l.cfg.Now().UTC()
	tier := l.cfg.Schedule.TierFor(accountAgeInDays)

	e := l.lookup(domain, accountID)
	if e == nil {
		return Decision{Allowed: true, Tier: tier}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	l.roll(e, now)
	return l.decide(e, tier, now)
}

// Reserve is Check plus a claim on the admitted slot, taken under the same
// lock. Every allowed reservation must be settled by RecordSuccess,
// RecordFailure or Release.
func (l *Limiter) Reserve(domain, accountID string, accountAgeInDays int) Decision {
	now := l.cfg.Now().UTC()
	tier := l.cfg.Schedule.TierFor(accountAgeInDays)
	e := l.getOrCreate(domain, accountID)

	e.mu.Lock()
	defer e.mu.Unlock()
	l.roll(e, now)
	d := l.decide(e, tier, now)
	if d.Allowed {
		e.pending++
		e.lastActivity = now
	}
	return d
}

// Release drops a reservation whose send never reached an outcome.
func (l *Limiter) Release(domain, accountID string) {
	e := l.lookup(domain, accountID)
	if e == nil {
		return
	}
	e.mu.Lock()
	e.settle()
	e.mu.Unlock()
}

// decide applies the failure brake and both caps. In-flight reservations
// count as sent. Caller holds e.mu.
func (l *Limiter) decide(e *entry, tier Tier, now time.Time) Decision {
	switch {
	case e.failureCount > l.cfg.FailureThreshold:
		return Decision{
			Reason:     ReasonFailureTrips,
			RetryAfter: positive(e.failureStart.Add(l.cfg.FailureWindow).Sub(now)),
			Tier:       tier,
		}
	case e.sentToday+e.pending+1 > tier.Daily:
		return Decision{
			Reason:     ReasonDailyCap,
			RetryAfter: positive(dayStart(now).Add(24 * time.Hour).Sub(now)),
			Tier:       tier,
		}
	case e.sentThisHour+e.pending+1 > tier.Hourly:
		return Decision{
			Reason:     ReasonHourlyCap,
			RetryAfter: positive(hourStart(now).Add(time.Hour).Sub(now)),
			Tier:       tier,
		}
	}
	return Decision{Allowed: true, Tier: tier}
}

// RecordSuccess counts a delivered send and settles its reservation, if
// any. Failure counts are untouched.
func (l *Limiter) RecordSuccess(domain, accountID string) {
	now := l.cfg.Now().UTC()
	e := l.getOrCreate(domain, accountID)

	e.mu.Lock()
	defer e.mu.Unlock()
	l.roll(e, now)
	e.settle()
	e.sentToday++
	e.sentThisHour++
	e.lastSentAt = now
	e.lastActivity = now
}

// RecordFailure counts a failed send and settles its reservation, if any.
// Send counters are untouched.
func (l *Limiter) RecordFailure(domain, accountID string) {
	now := l.cfg.Now().UTC()
	e := l.getOrCreate(domain, accountID)

	e.mu.Lock()
	defer e.mu.Unlock()
	l.roll(e, now)
	e.settle()
	e.failureCount++
	e.lastActivity = now
}

// Tracking returns the current counters for a key. ok is false when the key
// has no history.
func (l *Limiter) Tracking(domain, accountID string) (RateTracking, bool) {
	e := l.lookup(domain, accountID)
	if e == nil {
		return RateTracking{}, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	l.roll(e, l.cfg.Now().UTC())
	return RateTracking{
		Domain:       e.domain,
		AccountID:    e.accountID,
		SentToday:    e.sentToday,
		SentThisHour: e.sentThisHour,
		FailureCount: e.failureCount,
		LastSentAt:   e.lastSentAt,
	}, true
}

// Prune drops keys with no activity for longer than idle and reports how
// many were removed. Keys with a send in flight are kept.
func (l *Limiter) Prune(idle time.Duration) int {
	cutoff := l.cfg.Now().UTC().Add(-idle)

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for k, e := range l.entries {
		e.mu.Lock()
		stale := e.pending == 0 && e.lastActivity.Before(cutoff)
		e.mu.Unlock()
		if stale {
			delete(l.entries, k)
			removed++
		}
	}
	return removed
}

func (l *Limiter) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

func (l *Limiter) Reset() {
	l.mu.Lock()
	l.entries = make(map[string]*entry)
	l.mu.Unlock()
}

func (l *Limiter) Schedule() Schedule {
	return l.cfg.Schedule
}

// roll resets each counter once when its window start has moved. Caller
// holds e.mu.
func (l *Limiter) roll(e *entry, now time.Time) {
	if day := dayStart(now); !day.Equal(e.dayStart) {
		if day.After(e.dayStart) {
			e.sentToday = 0
		}
		e.dayStart = maxTime(day, e.dayStart)
	}
	if hour := hourStart(now); !hour.Equal(e.hourStart) {
		if hour.After(e.hourStart) {
			e.sentThisHour = 0
		}
		e.hourStart = maxTime(hour, e.hourStart)
	}
	if fw := now.Truncate(l.cfg.FailureWindow); !fw.Equal(e.failureStart) {
		if fw.After(e.failureStart) {
			e.failureCount = 0
		}
		e.failureStart = maxTime(fw, e.failureStart)
	}
}

func (e *entry) settle() {
	if e.pending > 0 {
		e.pending--
	}
}

func dayStart(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func hourStart(t time.Time) time.Time {
	return t.UTC().Truncate(time.Hour)
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

func positive(d time.Duration) time.Duration {
	if d < time.Millisecond {
		return time.Millisecond
	}
	return d
}
