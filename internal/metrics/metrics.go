package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	EmailsSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "emails_sent_total",
			Help: "Total emails accepted by the provider",
		},
	)

	EmailFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "email_failures_total",
			Help: "Total failed send attempts by kind",
		},
		[]string{"kind"},
	)

	RateLimited = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "email_rate_limited_total",
			Help: "Send attempts deferred by the sender rate limiter",
		},
		[]string{"reason"},
	)

	Retries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "email_retries_total",
			Help: "Jobs re-enqueued after a provider failure",
		},
		[]string{"queue"},
	)

	JobsEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "email_jobs_enqueued_total",
			Help: "Jobs added to a queue",
		},
		[]string{"queue"},
	)

	DeadLettered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "email_dead_lettered_total",
			Help: "Jobs moved to the dead-letter queue",
		},
		[]string{"origin"},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "email_queue_jobs",
			Help: "Jobs per queue and state",
		},
		[]string{"queue", "state"},
	)

	SendDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "email_send_duration_seconds",
			Help:    "Provider send latency",
			Buckets: prometheus.DefBuckets,
		},
	)
)

const (
	FailureValidation = "validation"
	FailureProvider   = "provider"
)

var initOnce sync.Once

func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(EmailsSent)
		prometheus.MustRegister(EmailFailures)
		prometheus.MustRegister(RateLimited)
		prometheus.MustRegister(Retries)
		prometheus.MustRegister(JobsEnqueued)
		prometheus.MustRegister(DeadLettered)
		prometheus.MustRegister(QueueDepth)
		prometheus.MustRegister(SendDuration)
	})
}
