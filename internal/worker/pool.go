package worker

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"SendLane/internal/email"
	"SendLane/internal/processor"
	"SendLane/internal/queue"
)

type Config struct {
	// WorkersPerLane is the number of concurrent workers on each of the
	// high, normal and bulk lanes.
	WorkersPerLane int
	// FairnessCap is how many times in a row a lower-lane worker yields to
	// ready higher-lane work before it takes a job anyway.
	FairnessCap   int
	PollInterval  time.Duration
	YieldInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		WorkersPerLane: 1,
		FairnessCap:    5,
		PollInterval:   time.Second,
		YieldInterval:  50 * time.Millisecond,
	}
}

type Pool struct {
	cfg     Config
	store   *queue.Store
	proc    *processor.Processor
	limiter *rate.Limiter
	log     *zap.Logger
}

// NewPool wires the workers. A nil limiter disables provider throttling.
func NewPool(cfg Config, store *queue.Store, proc *processor.Processor, limiter *rate.Limiter, logger *zap.Logger) *Pool {
	def := DefaultConfig()
	if cfg.WorkersPerLane <= 0 {
		cfg.WorkersPerLane = def.WorkersPerLane
	}
	if cfg.FairnessCap <= 0 {
		cfg.FairnessCap = def.FairnessCap
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.YieldInterval <= 0 {
		cfg.YieldInterval = def.YieldInterval
	}
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 1)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		cfg:     cfg,
		store:   store,
		proc:    proc,
		limiter: limiter,
		log:     logger.With(zap.String("component", "worker")),
	}
}

// Run blocks until ctx is cancelled and every worker has returned.
func (p *Pool) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	for rank, lane := range queue.Lanes() {
		for i := 0; i < p.cfg.WorkersPerLane; i++ {
			w := &laneWorker{pool: p, lane: lane, rank: rank, id: i}
			g.Go(func() error {
				return w.run(gctx)
			})
		}
	}

	return g.Wait()
}

type laneWorker struct {
	pool      *Pool
	lane      string
	rank      int
	id        int
	deferrals int
}

func (w *laneWorker) run(ctx context.Context) error {
	p := w.pool
	log := p.log.With(zap.String("queue", w.lane), zap.Int("worker_id", w.id))
	log.Info("worker started")

	for {
		if ctx.Err() != nil {
			log.Info("worker shutting down")
			return nil
		}

		if !p.proc.IsRunning() {
			p.wait(ctx, w.lane, p.cfg.PollInterval)
			continue
		}

		if p.shouldYield(w.rank, &w.deferrals) {
			p.sleep(ctx, p.cfg.YieldInterval)
			continue
		}

		rec, ok := p.store.Dequeue(w.lane)
		if !ok {
			p.wait(ctx, w.lane, p.cfg.PollInterval)
			continue
		}
		w.deferrals = 0

		// ----------------------------
		// Provider throughput
		// ----------------------------
		if err := p.limiter.Wait(ctx); err != nil {
			log.Warn("rate limiter stopped by context", zap.Error(err))
			p.store.Delay(rec.Job.JobID, time.Now(), "", false)
			return nil
		}

		out := p.proc.Deliver(ctx, rec)
		fields := []zap.Field{
			zap.String("job_id", rec.Job.JobID),
			zap.String("to", email.RedactAddress(rec.Job.To)),
			zap.String("outcome", string(out.Kind)),
		}
		if out.Delay > 0 {
			fields = append(fields, zap.Duration("delay", out.Delay))
		}
		if out.Err != nil {
			fields = append(fields, zap.Error(out.Err))
		}
		log.Debug("job handled", fields...)
	}
}

// shouldYield reports whether a worker on the lane with the given rank
// should let higher lanes go first. After FairnessCap consecutive yields
// it lets one job through.
func (p *Pool) shouldYield(rank int, deferrals *int) bool {
	if rank == 0 {
		return false
	}
	busy := false
	for _, higher := range queue.Lanes()[:rank] {
		if p.store.Ready(higher) > 0 {
			busy = true
			break
		}
	}
	if !busy || *deferrals >= p.cfg.FairnessCap {
		return false
	}
	if p.store.Ready(queue.Lanes()[rank]) == 0 {
		return false
	}
	*deferrals++
	return true
}

// wait parks the worker until the lane is signalled, its earliest delayed
// job comes due, limit elapses, or ctx ends.
func (p *Pool) wait(ctx context.Context, lane string, limit time.Duration) {
	d := limit
	if next, ok := p.store.NextDelayed(lane); ok {
		if until := time.Until(next); until < d {
			d = until
		}
	}
	if d < 10*time.Millisecond {
		d = 10 * time.Millisecond
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-p.store.Notify(lane):
	case <-timer.C:
	}
}

func (p *Pool) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
