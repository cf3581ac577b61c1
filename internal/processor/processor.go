// Package processor turns queued email jobs into terminal outcomes:
// validate, rate-check, send, then retry with backoff or dead-letter.
package processor

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"SendLane/internal/email"
	"SendLane/internal/events"
	"SendLane/internal/metrics"
	"SendLane/internal/models"
	"SendLane/internal/queue"
	"SendLane/internal/ratelimit"
)

type Result struct {
	Success   bool   `json:"success"`
	MessageID string `json:"message_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

type Stats struct {
	Processed   int64   `json:"processed"`
	Succeeded   int64   `json:"succeeded"`
	Failed      int64   `json:"failed"`
	SuccessRate float64 `json:"success_rate"`
	IsRunning   bool    `json:"is_running"`
}

type Config struct {
	Retry       RetryPolicy
	SendTimeout time.Duration
	Logger      *zap.Logger
	Now         func() time.Time
}

type Processor struct {
	store    *queue.Store
	limiter  *ratelimit.Limiter
	provider email.Provider

	retry       RetryPolicy
	sendTimeout time.Duration
	bus         *events.Bus[models.ProcessingEvent]
	log         *zap.Logger
	now         func() time.Time

	running   atomic.Bool
	processed atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
}

func New(store *queue.Store, limiter *ratelimit.Limiter, provider email.Provider, cfg Config) *Processor {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if len(cfg.Retry.Schedule) == 0 {
		if cfg.Retry.MaxRetries <= 0 {
			cfg.Retry = DefaultRetryPolicy()
		} else {
			// retries always wait; never spin on an empty schedule
			cfg.Retry.Schedule = DefaultRetryPolicy().Schedule
		}
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 30 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	p := &Processor{
		store:       store,
		limiter:     limiter,
		provider:    provider,
		retry:       cfg.Retry,
		sendTimeout: cfg.SendTimeout,
		bus:         events.NewBus[models.ProcessingEvent](cfg.Logger),
		log:         cfg.Logger.With(zap.String("component", "processor")),
		now:         cfg.Now,
	}
	p.running.Store(true)
	return p
}

func (p *Processor) Subscribe(fn events.Listener[models.ProcessingEvent]) func() {
	return p.bus.Subscribe(fn)
}

func (p *Processor) emit(jobID string, stage models.Stage, msg string) {
	p.bus.Emit(models.ProcessingEvent{
		JobID:     jobID,
		Stage:     stage,
		Message:   msg,
		Timestamp: p.now().UTC(),
	})
}

// ProcessJob runs exactly one attempt: validate, rate-check, send.
//
// A validation failure is returned as an unsuccessful Result with a nil
// error. A rate-limit denial returns a *RateLimitError. A provider failure
// returns the provider's error unchanged.
func (p *Processor) ProcessJob(ctx context.Context, job *models.EmailJob) (Result, error) {
	if job == nil {
		return Result{Error: "job is nil"}, nil
	}

	p.emit(job.JobID, models.StageValidating, "validating job")
	if err := job.Validate(); err != nil {
		p.processed.Add(1)
		p.failed.Add(1)
		metrics.EmailFailures.WithLabelValues(metrics.FailureValidation).Inc()
		p.log.Warn("job rejected", zap.String("job_id", job.JobID), zap.Error(err))
		p.emit(job.JobID, models.StageFailed, err.Error())
		return Result{Error: err.Error()}, nil
	}

	domain := job.Domain()
	// the slot stays reserved until the send settles
	decision := p.limiter.Reserve(domain, job.AccountID, job.AccountAgeInDays)
	if !decision.Allowed {
		rlErr := &RateLimitError{
			Domain:     domain,
			AccountID:  job.AccountID,
			Reason:     decision.Reason,
			RetryAfter: decision.RetryAfter,
		}
		metrics.RateLimited.WithLabelValues(string(decision.Reason)).Inc()
		p.log.Info("send rate limited",
			zap.String("job_id", job.JobID),
			zap.String("domain", domain),
			zap.String("account_id", job.AccountID),
			zap.String("reason", string(decision.Reason)),
			zap.Duration("retry_after", decision.RetryAfter),
		)
		p.emit(job.JobID, models.StageRateLimited, rlErr.Error())
		return Result{}, rlErr
	}

	p.emit(job.JobID, models.StageSending, fmt.Sprintf("sending via %s", p.provider.Name()))

	sendCtx, cancel := context.WithTimeout(ctx, p.sendTimeout)
	start := time.Now()
	res, err := p.provider.Send(sendCtx, job)
	cancel()
	metrics.SendDuration.Observe(time.Since(start).Seconds())

	if err == nil && res == nil {
		err = fmt.Errorf("%s returned no result", p.provider.Name())
	}
	if err != nil {
		if ctx.Err() != nil {
			p.limiter.Release(domain, job.AccountID)
		} else {
			p.limiter.RecordFailure(domain, job.AccountID)
		}
		p.processed.Add(1)
		p.failed.Add(1)
		metrics.EmailFailures.WithLabelValues(metrics.FailureProvider).Inc()
		p.log.Error("email send failed",
			zap.String("job_id", job.JobID),
			zap.String("to", email.RedactAddress(job.To)),
			zap.Int("attempt", job.AttemptCount),
			zap.Error(err),
		)
		p.emit(job.JobID, models.StageFailed, err.Error())
		return Result{Error: err.Error()}, err
	}

	messageID := res.MessageID
	if messageID == "" {
		messageID = job.JobID
	}

	p.limiter.RecordSuccess(domain, job.AccountID)
	p.processed.Add(1)
	p.succeeded.Add(1)
	metrics.EmailsSent.Inc()
	p.log.Info("email sent successfully",
		zap.String("job_id", job.JobID),
		zap.String("to", email.RedactAddress(job.To)),
		zap.String("message_id", messageID),
	)
	p.emit(job.JobID, models.StageSent, fmt.Sprintf("accepted as %s", messageID))

	return Result{Success: true, MessageID: messageID}, nil
}

type OutcomeKind string

const (
	OutcomeSent         OutcomeKind = "sent"
	OutcomeRejected     OutcomeKind = "rejected"
	OutcomeDeferred     OutcomeKind = "deferred"
	OutcomeRetrying     OutcomeKind = "retrying"
	OutcomeDeadLettered OutcomeKind = "dead_lettered"
	OutcomeInterrupted  OutcomeKind = "interrupted"
)

type Outcome struct {
	Kind      OutcomeKind
	MessageID string
	Delay     time.Duration
	Err       error
}

// Deliver is the queue-driven path for a dequeued record. It runs one
// attempt and moves the record to its next state.
func (p *Processor) Deliver(ctx context.Context, rec queue.Record) Outcome {
	job := rec.Job
	id := job.JobID

	res, err := p.ProcessJob(ctx, job)

	switch {
	case err == nil && res.Success:
		p.store.Complete(id)
		return Outcome{Kind: OutcomeSent, MessageID: res.MessageID}

	case err == nil:
		p.store.Fail(id, res.Error)
		return Outcome{Kind: OutcomeRejected, Err: errors.New(res.Error)}
	}

	if retryAfter, ok := IsRateLimitError(err); ok {
		p.store.Delay(id, p.now().Add(retryAfter), err.Error(), false)
		return Outcome{Kind: OutcomeDeferred, Delay: retryAfter, Err: err}
	}

	if ctx.Err() != nil {
		// shutting down; hand the job back without charging an attempt
		p.store.Delay(id, p.now(), err.Error(), false)
		return Outcome{Kind: OutcomeInterrupted, Err: err}
	}

	if delay, ok := p.retry.Next(job.AttemptCount); ok {
		p.store.Delay(id, p.now().Add(delay), err.Error(), true)
		metrics.Retries.WithLabelValues(rec.Queue).Inc()
		p.log.Info("email send scheduled for retry",
			zap.String("job_id", id),
			zap.Int("attempt", job.AttemptCount+1),
			zap.Duration("delay", delay),
		)
		return Outcome{Kind: OutcomeRetrying, Delay: delay, Err: err}
	}

	p.store.Fail(id, err.Error())
	return Outcome{Kind: OutcomeDeadLettered, Err: err}
}

func (p *Processor) Pause() {
	if p.running.CompareAndSwap(true, false) {
		p.log.Info("processor paused")
	}
}

func (p *Processor) Resume() {
	if p.running.CompareAndSwap(false, true) {
		p.log.Info("processor resumed")
	}
}

func (p *Processor) IsRunning() bool {
	return p.running.Load()
}

func (p *Processor) Stats() Stats {
	processed := p.processed.Load()
	succeeded := p.succeeded.Load()
	st := Stats{
		Processed: processed,
		Succeeded: succeeded,
		Failed:    p.failed.Load(),
		IsRunning: p.IsRunning(),
	}
	if processed > 0 {
		st.SuccessRate = float64(succeeded) / float64(processed)
	}
	return st
}

func (p *Processor) ResetStats() {
	p.processed.Store(0)
	p.succeeded.Store(0)
	p.failed.Store(0)
}

func (p *Processor) ValidateProvider(ctx context.Context) email.ValidationResult {
	return p.provider.Validate(ctx)
}

func (p *Processor) CheckProviderHealth(ctx context.Context) email.HealthResult {
	return p.provider.Health(ctx)
}

// RequeueJob re-admits a dead-letter job. Unknown ids return false.
func (p *Processor) RequeueJob(id string) bool {
	return p.store.RetryJob(id)
}

func (p *Processor) RemoveJob(id string) bool {
	return p.store.RemoveJob(id)
}

func (p *Processor) QueueStats() map[string]queue.Stats {
	return p.store.AllStats()
}

func (p *Processor) RetryPolicy() RetryPolicy {
	return p.retry
}
