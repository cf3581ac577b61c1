package processor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"SendLane/internal/email"
	"SendLane/internal/models"
	"SendLane/internal/queue"
	"SendLane/internal/ratelimit"
)

type mockProvider struct {
	mu    sync.Mutex
	fail  error
	sent  []string
	calls int
}

func (m *mockProvider) Name() string { return "mock" }

func (m *mockProvider) Send(_ context.Context, job *models.EmailJob) (*email.SendResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.fail != nil {
		return nil, m.fail
	}
	m.sent = append(m.sent, job.JobID)
	return &email.SendResult{MessageID: "msg-" + job.JobID, Response: "ok"}, nil
}

func (m *mockProvider) Validate(context.Context) email.ValidationResult {
	return email.ValidationResult{Valid: true}
}

func (m *mockProvider) Health(context.Context) email.HealthResult {
	return email.HealthResult{Healthy: true, Latency: time.Millisecond}
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	store    *queue.Store
	limiter  *ratelimit.Limiter
	provider *mockProvider
	proc     *Processor
	clock    *clock
}

func setup(t *testing.T) *fixture {
	t.Helper()
	c := &clock{now: time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)}

	store := queue.New(nil, queue.WithClock(c.Now))
	lcfg := ratelimit.DefaultConfig()
	lcfg.Now = c.Now
	limiter := ratelimit.New(lcfg)
	provider := &mockProvider{}

	proc := New(store, limiter, provider, Config{Now: c.Now})
	return &fixture{store: store, limiter: limiter, provider: provider, proc: proc, clock: c}
}

func wellFormed(id string) *models.EmailJob {
	return models.CreateEmailJob(models.NewEmailJob{
		JobID:     id,
		To:        "lead@prospect.io",
		From:      "rep@example.com",
		Subject:   "Intro",
		HTML:      "<p>hi</p>",
		AccountID: "account-1",
	})
}

func recordStages(p *Processor) *[]models.Stage {
	var mu sync.Mutex
	stages := &[]models.Stage{}
	p.Subscribe(func(evt models.ProcessingEvent) {
		mu.Lock()
		*stages = append(*stages, evt.Stage)
		mu.Unlock()
	})
	return stages
}

func TestProcessJobValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*models.EmailJob)
		field  string
	}{
		{"no recipient", func(j *models.EmailJob) { j.To = "" }, "recipient"},
		{"no sender", func(j *models.EmailJob) { j.From = "" }, "sender"},
		{"no subject", func(j *models.EmailJob) { j.Subject = "" }, "subject"},
		{"no body", func(j *models.EmailJob) { j.HTML, j.Text = "", "" }, "html or text"},
		{"no account", func(j *models.EmailJob) { j.AccountID = "" }, "account"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setup(t)
			stages := recordStages(f.proc)

			job := wellFormed("job-1")
			tt.mutate(job)

			res, err := f.proc.ProcessJob(context.Background(), job)
			require.NoError(t, err)
			assert.False(t, res.Success)
			assert.Contains(t, res.Error, tt.field)
			assert.Equal(t, 0, f.provider.calls, "invalid jobs never reach the provider")
			assert.Equal(t, []models.Stage{models.StageValidating, models.StageFailed}, *stages)
		})
	}
}

func TestProcessJobSuccess(t *testing.T) {
	f := setup(t)
	stages := recordStages(f.proc)

	res, err := f.proc.ProcessJob(context.Background(), wellFormed("job-1"))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "msg-job-1", res.MessageID)

	assert.Equal(t, []models.Stage{models.StageValidating, models.StageSending, models.StageSent}, *stages)

	tr, ok := f.limiter.Tracking("example.com", "account-1")
	require.True(t, ok)
	assert.Equal(t, 1, tr.SentToday)
}

func TestStatsAfterConsecutiveSuccesses(t *testing.T) {
	f := setup(t)

	const n = 7
	for i := 0; i < n; i++ {
		_, err := f.proc.ProcessJob(context.Background(), wellFormed(fmt.Sprintf("job-%d", i)))
		require.NoError(t, err)
	}

	st := f.proc.Stats()
	assert.EqualValues(t, n, st.Processed)
	assert.EqualValues(t, n, st.Succeeded)
	assert.Equal(t, 1.0, st.SuccessRate)
	assert.True(t, st.IsRunning)

	f.proc.ResetStats()
	assert.Equal(t, 0.0, f.proc.Stats().SuccessRate)
}

func TestProcessJobRateLimited(t *testing.T) {
	f := setup(t)
	for i := 0; i < 50; i++ {
		f.limiter.RecordSuccess("example.com", "account-1")
	}
	stages := recordStages(f.proc)

	res, err := f.proc.ProcessJob(context.Background(), wellFormed("job-51"))
	require.Error(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, err.Error(), "RATE_LIMITED")

	retryAfter, ok := IsRateLimitError(err)
	require.True(t, ok)
	assert.Greater(t, retryAfter, time.Duration(0))

	var rl *RateLimitError
	require.True(t, errors.As(err, &rl))
	assert.Greater(t, rl.RetryAfterMs(), int64(0))

	assert.Equal(t, 0, f.provider.calls)
	assert.Equal(t, []models.Stage{models.StageValidating, models.StageRateLimited}, *stages)

	tr, _ := f.limiter.Tracking("example.com", "account-1")
	assert.Equal(t, 50, tr.SentToday)
	assert.EqualValues(t, 0, f.proc.Stats().Processed)
}

func TestProcessJobProviderErrorPropagates(t *testing.T) {
	f := setup(t)
	cause := errors.New("connection reset")
	f.provider.fail = cause
	stages := recordStages(f.proc)

	res, err := f.proc.ProcessJob(context.Background(), wellFormed("job-1"))
	assert.Same(t, cause, err)
	assert.False(t, res.Success)

	_, isRL := IsRateLimitError(err)
	assert.False(t, isRL)

	tr, _ := f.limiter.Tracking("example.com", "account-1")
	assert.Equal(t, 1, tr.FailureCount)
	assert.Equal(t, 0, tr.SentToday)
	assert.Equal(t, []models.Stage{models.StageValidating, models.StageSending, models.StageFailed}, *stages)

	st := f.proc.Stats()
	assert.EqualValues(t, 1, st.Failed)
	assert.Equal(t, 0.0, st.SuccessRate)
}

func TestListenerPanicDoesNotAbortProcessing(t *testing.T) {
	f := setup(t)
	f.proc.Subscribe(func(models.ProcessingEvent) { panic("broken dashboard") })
	stages := recordStages(f.proc)

	res, err := f.proc.ProcessJob(context.Background(), wellFormed("job-1"))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Len(t, *stages, 3)
}

func TestDeliverRetriesThenDeadLetters(t *testing.T) {
	f := setup(t)
	f.provider.fail = errors.New("503 service unavailable")

	_, err := f.store.AddEmail(wellFormed("job-1"))
	require.NoError(t, err)

	var delays []time.Duration
	for {
		rec, ok := f.store.Dequeue(queue.Normal)
		require.True(t, ok)

		out := f.proc.Deliver(context.Background(), rec)
		if out.Kind == OutcomeDeadLettered {
			break
		}
		require.Equal(t, OutcomeRetrying, out.Kind)
		delays = append(delays, out.Delay)

		next, ok := f.store.NextDelayed(queue.Normal)
		require.True(t, ok)
		assert.Equal(t, f.clock.Now().Add(out.Delay), next)

		_, early := f.store.Dequeue(queue.Normal)
		require.False(t, early, "job must wait out its backoff")
		f.clock.Advance(out.Delay)
	}

	assert.Equal(t, []time.Duration{5 * time.Second, 15 * time.Second, 45 * time.Second}, delays)
	assert.Equal(t, 4, f.provider.calls)

	failed := f.store.FailedJobs()
	require.Len(t, failed, 1)
	assert.Equal(t, queue.StateFailed, failed[0].State)
	assert.Equal(t, 3, failed[0].Job.AttemptCount)
	assert.Contains(t, failed[0].LastError, "503")

	require.True(t, f.proc.RequeueJob("job-1"))
	rec, ok := f.store.Job("job-1")
	require.True(t, ok)
	assert.Equal(t, queue.Normal, rec.Queue)
	assert.Equal(t, 0, rec.Job.AttemptCount)
}

func TestDeliverCustomSchedule(t *testing.T) {
	f := setup(t)
	f.proc = New(f.store, f.limiter, f.provider, Config{
		Now:   f.clock.Now,
		Retry: RetryPolicy{MaxRetries: 4, Schedule: []time.Duration{time.Second, 2 * time.Second}},
	})
	f.provider.fail = errors.New("timeout")

	_, err := f.store.AddEmail(wellFormed("job-1"))
	require.NoError(t, err)

	var delays []time.Duration
	for i := 0; i < 10; i++ {
		rec, ok := f.store.Dequeue(queue.Normal)
		require.True(t, ok)
		out := f.proc.Deliver(context.Background(), rec)
		if out.Kind == OutcomeDeadLettered {
			break
		}
		delays = append(delays, out.Delay)
		f.clock.Advance(out.Delay)
	}
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 2 * time.Second, 2 * time.Second}, delays)
}

func TestDeliverRateLimitedDefersWithoutChargingAttempt(t *testing.T) {
	f := setup(t)
	for i := 0; i < 50; i++ {
		f.limiter.RecordSuccess("example.com", "account-1")
	}

	_, err := f.store.AddEmail(wellFormed("job-1"))
	require.NoError(t, err)
	rec, _ := f.store.Dequeue(queue.Normal)

	out := f.proc.Deliver(context.Background(), rec)
	require.Equal(t, OutcomeDeferred, out.Kind)
	assert.Equal(t, 15*time.Hour, out.Delay)

	rec, ok := f.store.Job("job-1")
	require.True(t, ok)
	assert.Equal(t, queue.StateDelayed, rec.State)
	assert.Equal(t, 0, rec.Job.AttemptCount)
	assert.True(t, strings.Contains(rec.LastError, "RATE_LIMITED"))
}

func TestDeliverRejectsInvalidJob(t *testing.T) {
	f := setup(t)
	job := wellFormed("job-1")
	job.Subject = ""
	_, err := f.store.AddEmail(job)
	require.NoError(t, err)

	rec, _ := f.store.Dequeue(queue.Normal)
	out := f.proc.Deliver(context.Background(), rec)
	assert.Equal(t, OutcomeRejected, out.Kind)

	failed := f.store.FailedJobs()
	require.Len(t, failed, 1)
	assert.Contains(t, failed[0].LastError, "subject")
	assert.Equal(t, 0, failed[0].Job.AttemptCount)
}

func TestDeliverSuccessCompletes(t *testing.T) {
	f := setup(t)
	_, err := f.store.AddEmail(wellFormed("job-1"))
	require.NoError(t, err)

	rec, _ := f.store.Dequeue(queue.Normal)
	out := f.proc.Deliver(context.Background(), rec)
	assert.Equal(t, OutcomeSent, out.Kind)
	assert.Equal(t, "msg-job-1", out.MessageID)
	assert.Equal(t, 1, f.store.Stats(queue.Normal).Completed)
}

func TestDeliverInterruptedByShutdown(t *testing.T) {
	f := setup(t)
	f.provider.fail = context.Canceled
	_, err := f.store.AddEmail(wellFormed("job-1"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec, _ := f.store.Dequeue(queue.Normal)
	out := f.proc.Deliver(ctx, rec)
	assert.Equal(t, OutcomeInterrupted, out.Kind)

	rec, _ = f.store.Job("job-1")
	assert.Equal(t, 0, rec.Job.AttemptCount)
	assert.Equal(t, 1, f.store.Ready(queue.Normal))

	// the reserved slot is handed back without counting a failure
	tr, _ := f.limiter.Tracking("example.com", "account-1")
	assert.Equal(t, 0, tr.FailureCount)
	for i := 0; i < 49; i++ {
		f.limiter.RecordSuccess("example.com", "account-1")
	}
	assert.True(t, f.limiter.Check("example.com", "account-1", 1).Allowed)
}

func TestPauseResumeAndDelegations(t *testing.T) {
	f := setup(t)

	f.proc.Pause()
	assert.False(t, f.proc.IsRunning())
	assert.False(t, f.proc.Stats().IsRunning)
	f.proc.Resume()
	assert.True(t, f.proc.IsRunning())

	assert.False(t, f.proc.RemoveJob("unknown-id"))
	assert.False(t, f.proc.RequeueJob("unknown-id"))
	assert.Equal(t, queue.Stats{}, f.proc.QueueStats()[queue.Normal])

	assert.True(t, f.proc.ValidateProvider(context.Background()).Valid)
	assert.True(t, f.proc.CheckProviderHealth(context.Background()).Healthy)
}

type slowProvider struct {
	mockProvider
	delay time.Duration
}

func (s *slowProvider) Send(ctx context.Context, job *models.EmailJob) (*email.SendResult, error) {
	time.Sleep(s.delay)
	return s.mockProvider.Send(ctx, job)
}

func TestConcurrentSendsStayWithinDailyCap(t *testing.T) {
	f := setup(t)
	provider := &slowProvider{delay: 20 * time.Millisecond}
	proc := New(f.store, f.limiter, provider, Config{Now: f.clock.Now})

	for i := 0; i < 49; i++ {
		f.limiter.RecordSuccess("example.com", "account-1")
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			proc.ProcessJob(context.Background(), wellFormed(fmt.Sprintf("job-%d", i)))
		}(i)
	}
	wg.Wait()

	provider.mu.Lock()
	calls := provider.calls
	provider.mu.Unlock()
	assert.Equal(t, 1, calls)

	tr, _ := f.limiter.Tracking("example.com", "account-1")
	assert.Equal(t, 50, tr.SentToday)

	st := proc.Stats()
	assert.EqualValues(t, 1, st.Succeeded)
}

func TestRetriesWithoutScheduleUseDefaultDelays(t *testing.T) {
	f := setup(t)
	f.provider.fail = errors.New("451 try again later")
	proc := New(f.store, f.limiter, f.provider, Config{
		Retry: RetryPolicy{MaxRetries: 5},
		Now:   f.clock.Now,
	})

	assert.Equal(t, 5, proc.RetryPolicy().MaxRetries)
	assert.Equal(t, DefaultRetryPolicy().Schedule, proc.RetryPolicy().Schedule)

	_, err := f.store.AddEmail(wellFormed("job-1"))
	require.NoError(t, err)
	rec, ok := f.store.Dequeue(queue.Normal)
	require.True(t, ok)

	out := proc.Deliver(context.Background(), rec)
	assert.Equal(t, OutcomeRetrying, out.Kind)
	assert.Equal(t, 5*time.Second, out.Delay)
	assert.Zero(t, f.store.Ready(queue.Normal))
}
