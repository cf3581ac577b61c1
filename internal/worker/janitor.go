package worker

import (
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"SendLane/internal/queue"
	"SendLane/internal/ratelimit"
)

type JanitorConfig struct {
	// Schedule is a cron expression; "@every 5m" style descriptors work too.
	Schedule string
	// CompletedRetention is how long finished jobs stay queryable.
	CompletedRetention time.Duration
	// LimiterIdle drops rate tracking for senders quiet this long.
	LimiterIdle time.Duration
}

func DefaultJanitorConfig() JanitorConfig {
	return JanitorConfig{
		Schedule:           "@every 5m",
		CompletedRetention: time.Hour,
		LimiterIdle:        48 * time.Hour,
	}
}

// Janitor periodically trims completed jobs and idle limiter state.
type Janitor struct {
	cfg     JanitorConfig
	cron    *cron.Cron
	store   *queue.Store
	limiter *ratelimit.Limiter
	log     *zap.Logger
	now     func() time.Time
}

func NewJanitor(cfg JanitorConfig, store *queue.Store, limiter *ratelimit.Limiter, logger *zap.Logger) (*Janitor, error) {
	def := DefaultJanitorConfig()
	if cfg.Schedule == "" {
		cfg.Schedule = def.Schedule
	}
	if cfg.CompletedRetention <= 0 {
		cfg.CompletedRetention = def.CompletedRetention
	}
	if cfg.LimiterIdle <= 0 {
		cfg.LimiterIdle = def.LimiterIdle
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	j := &Janitor{
		cfg:     cfg,
		cron:    cron.New(),
		store:   store,
		limiter: limiter,
		log:     logger.With(zap.String("component", "janitor")),
		now:     time.Now,
	}
	if _, err := j.cron.AddFunc(cfg.Schedule, j.Sweep); err != nil {
		return nil, err
	}
	return j, nil
}

func (j *Janitor) Start() {
	j.cron.Start()
	j.log.Info("janitor started", zap.String("schedule", j.cfg.Schedule))
}

// Stop waits for a running sweep to finish.
func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
	j.log.Info("janitor stopped")
}

// Sweep runs one cleanup pass.
func (j *Janitor) Sweep() {
	cleaned := j.store.Clean(j.now().Add(-j.cfg.CompletedRetention))
	pruned := 0
	if j.limiter != nil {
		pruned = j.limiter.Prune(j.cfg.LimiterIdle)
	}
	if cleaned > 0 || pruned > 0 {
		j.log.Info("janitor sweep",
			zap.Int("completed_removed", cleaned),
			zap.Int("limiter_keys_pruned", pruned),
		)
	}
}
