package processor

import (
	"errors"
	"fmt"
	"time"

	"SendLane/internal/ratelimit"
)

// RateLimitToken appears in every rate-limit error message.
const RateLimitToken = "RATE_LIMITED"

// RateLimitError signals a recoverable denial by the sender rate limiter.
type RateLimitError struct {
	Domain     string
	AccountID  string
	Reason     ratelimit.Reason
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: %s/%s %s, retry after %s",
		RateLimitToken, e.Domain, e.AccountID, e.Reason, e.RetryAfter)
}

// RetryAfterMs is the retry hint in milliseconds, always > 0.
func (e *RateLimitError) RetryAfterMs() int64 {
	ms := e.RetryAfter.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	return ms
}

// IsRateLimitError reports whether err carries a rate-limit denial and
// returns its retry hint.
func IsRateLimitError(err error) (time.Duration, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl.RetryAfter, true
	}
	return 0, false
}
