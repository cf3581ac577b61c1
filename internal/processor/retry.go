package processor

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

type RetryPolicy struct {
	MaxRetries int
	Schedule   []time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		Schedule:   []time.Duration{5 * time.Second, 15 * time.Second, 45 * time.Second},
	}
}

// Delay is the wait before retry number attempt+1. The last schedule entry
// is reused once attempts run past the schedule.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if len(p.Schedule) == 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= len(p.Schedule) {
		return p.Schedule[len(p.Schedule)-1]
	}
	return p.Schedule[attempt]
}

// BackOff returns a backoff.BackOff positioned after `attempts` failed
// attempts. It yields backoff.Stop once MaxRetries is spent.
func (p RetryPolicy) BackOff(attempts int) backoff.BackOff {
	return &scheduleBackOff{policy: p, start: attempts, attempt: attempts}
}

// Next reports the delay for the job's next retry, or false when the job
// has exhausted its retries.
func (p RetryPolicy) Next(attempts int) (time.Duration, bool) {
	d := p.BackOff(attempts).NextBackOff()
	return d, d != backoff.Stop
}

type scheduleBackOff struct {
	policy  RetryPolicy
	start   int
	attempt int
}

func (b *scheduleBackOff) NextBackOff() time.Duration {
	if b.attempt >= b.policy.MaxRetries {
		return backoff.Stop
	}
	d := b.policy.Delay(b.attempt)
	b.attempt++
	return d
}

func (b *scheduleBackOff) Reset() {
	b.attempt = b.start
}
