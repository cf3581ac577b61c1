package worker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"SendLane/internal/email"
	"SendLane/internal/models"
	"SendLane/internal/processor"
	"SendLane/internal/queue"
	"SendLane/internal/ratelimit"
)

type recordingProvider struct {
	mu   sync.Mutex
	sent []string
}

func (r *recordingProvider) Name() string { return "recording" }

func (r *recordingProvider) Send(_ context.Context, job *models.EmailJob) (*email.SendResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, job.Subject)
	return &email.SendResult{MessageID: job.JobID}, nil
}

func (r *recordingProvider) Validate(context.Context) email.ValidationResult {
	return email.ValidationResult{Valid: true}
}

func (r *recordingProvider) Health(context.Context) email.HealthResult {
	return email.HealthResult{Healthy: true}
}

func (r *recordingProvider) Sent() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.sent...)
}

type fixture struct {
	store    *queue.Store
	proc     *processor.Processor
	provider *recordingProvider
}

func newFixture() *fixture {
	store := queue.New(zap.NewNop())
	provider := &recordingProvider{}
	limiter := ratelimit.New(ratelimit.DefaultConfig())
	proc := processor.New(store, limiter, provider, processor.Config{})
	return &fixture{store: store, proc: proc, provider: provider}
}

func (f *fixture) add(t *testing.T, subject string, prio models.Priority) {
	t.Helper()
	job := models.CreateEmailJob(models.NewEmailJob{
		To:        "user@example.com",
		From:      "sender@sendlane.dev",
		Subject:   subject,
		Text:      "hello",
		AccountID: "acct-1",
		Priority:  prio,
	})
	_, err := f.store.AddEmail(job)
	require.NoError(t, err)
}

func runPool(t *testing.T, p *Pool) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	return func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("pool did not stop")
		}
	}
}

func fastConfig() Config {
	return Config{
		WorkersPerLane: 1,
		FairnessCap:    100,
		PollInterval:   20 * time.Millisecond,
		YieldInterval:  5 * time.Millisecond,
	}
}

func TestPoolDrainsAllLanes(t *testing.T) {
	f := newFixture()
	f.add(t, "bulk", models.PriorityLow)
	f.add(t, "normal", models.PriorityNormal)
	f.add(t, "high", models.PriorityHigh)

	stop := runPool(t, NewPool(fastConfig(), f.store, f.proc, nil, nil))
	defer stop()

	require.Eventually(t, func() bool {
		return len(f.provider.Sent()) == 3
	}, 2*time.Second, 10*time.Millisecond)

	for _, lane := range queue.Lanes() {
		assert.Equal(t, 1, f.store.Stats(lane).Completed, lane)
	}
}

func TestPoolHigherLanesGoFirst(t *testing.T) {
	f := newFixture()
	for i := 0; i < 5; i++ {
		f.add(t, fmt.Sprintf("bulk-%d", i), models.PriorityLow)
	}
	for i := 0; i < 5; i++ {
		f.add(t, fmt.Sprintf("high-%d", i), models.PriorityHigh)
	}

	stop := runPool(t, NewPool(fastConfig(), f.store, f.proc, nil, nil))
	defer stop()

	require.Eventually(t, func() bool {
		return len(f.provider.Sent()) == 10
	}, 2*time.Second, 10*time.Millisecond)

	// the last high job can race the first bulk one once the high lane is empty
	for _, subject := range f.provider.Sent()[:4] {
		assert.True(t, strings.HasPrefix(subject, "high-"), subject)
	}
}

func TestPoolWaitsWhileProcessorPaused(t *testing.T) {
	f := newFixture()
	f.proc.Pause()
	f.add(t, "paused", models.PriorityNormal)

	stop := runPool(t, NewPool(fastConfig(), f.store, f.proc, nil, nil))
	defer stop()

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, f.provider.Sent())
	assert.Equal(t, 1, f.store.Stats(queue.Normal).Waiting)

	f.proc.Resume()
	require.Eventually(t, func() bool {
		return len(f.provider.Sent()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPoolSkipsPausedLane(t *testing.T) {
	f := newFixture()
	f.store.Pause(queue.Bulk)
	f.add(t, "bulk", models.PriorityLow)
	f.add(t, "normal", models.PriorityNormal)

	stop := runPool(t, NewPool(fastConfig(), f.store, f.proc, nil, nil))
	defer stop()

	require.Eventually(t, func() bool {
		return len(f.provider.Sent()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, f.store.Stats(queue.Bulk).Waiting)

	f.store.Resume(queue.Bulk)
	require.Eventually(t, func() bool {
		return len(f.provider.Sent()) == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestShouldYieldFairnessCap(t *testing.T) {
	f := newFixture()
	cfg := fastConfig()
	cfg.FairnessCap = 2
	p := NewPool(cfg, f.store, f.proc, nil, nil)

	deferrals := 0
	assert.False(t, p.shouldYield(0, &deferrals), "top lane never yields")

	// nothing ready anywhere
	assert.False(t, p.shouldYield(2, &deferrals))

	f.add(t, "high", models.PriorityHigh)
	f.add(t, "bulk", models.PriorityLow)

	assert.True(t, p.shouldYield(2, &deferrals))
	assert.True(t, p.shouldYield(2, &deferrals))
	assert.False(t, p.shouldYield(2, &deferrals), "cap reached")
	assert.Equal(t, 2, deferrals)

	// normal lane has nothing of its own, so it does not count a deferral
	normalDeferrals := 0
	assert.False(t, p.shouldYield(1, &normalDeferrals))
	assert.Zero(t, normalDeferrals)
}
