package email

import (
	"context"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"SendLane/internal/models"
)

type BreakerConfig struct {
	// MaxRequests is how many probes pass while half-open.
	MaxRequests uint32
	Interval    time.Duration
	// Timeout is how long the breaker stays open before probing.
	Timeout time.Duration
	// MinRequests and FailureRatio decide when the breaker trips.
	MinRequests  uint32
	FailureRatio float64
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:  1,
		Interval:     time.Minute,
		Timeout:      30 * time.Second,
		MinRequests:  5,
		FailureRatio: 0.6,
	}
}

// BreakerProvider fails sends fast while the wrapped provider keeps
// failing. An open breaker returns gobreaker.ErrOpenState, which the
// processor treats like any other provider failure.
type BreakerProvider struct {
	next Provider
	cb   *gobreaker.CircuitBreaker
}

func NewBreakerProvider(next Provider, cfg BreakerConfig, logger *zap.Logger) *BreakerProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        next.Name(),
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio >= cfg.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("provider circuit breaker state changed",
				zap.String("provider", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return &BreakerProvider{next: next, cb: cb}
}

func (b *BreakerProvider) Name() string { return b.next.Name() }

func (b *BreakerProvider) State() gobreaker.State { return b.cb.State() }

func (b *BreakerProvider) Send(ctx context.Context, job *models.EmailJob) (*SendResult, error) {
	out, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.Send(ctx, job)
	})
	if err != nil {
		return nil, err
	}
	return out.(*SendResult), nil
}

func (b *BreakerProvider) Validate(ctx context.Context) ValidationResult {
	return b.next.Validate(ctx)
}

func (b *BreakerProvider) Health(ctx context.Context) HealthResult {
	res := b.next.Health(ctx)
	if b.cb.State() == gobreaker.StateOpen {
		res.Healthy = false
		if res.Error == "" {
			res.Error = "circuit breaker open"
		}
	}
	return res
}
