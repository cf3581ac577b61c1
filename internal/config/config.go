package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"SendLane/internal/ratelimit"
)

type Config struct {
	// ----------------------------
	// Provider
	// ----------------------------
	Provider string `envconfig:"EMAIL_PROVIDER" default:"smtp"`

	SMTPHost     string `envconfig:"SMTP_HOST" default:"localhost"`
	SMTPPort     int    `envconfig:"SMTP_PORT" default:"1025"`
	SMTPUser     string `envconfig:"SMTP_USER" default:""`
	SMTPPassword string `envconfig:"SMTP_PASSWORD" default:""`
	SMTPHostname string `envconfig:"SMTP_HOSTNAME" default:"sendlane.local"`
	DefaultFrom  string `envconfig:"DEFAULT_FROM" default:"noreply@sendlane.dev"`

	AWSRegion           string `envconfig:"AWS_REGION" default:"us-east-1"`
	AWSAccessKeyID      string `envconfig:"AWS_ACCESS_KEY_ID" default:""`
	AWSSecretAccessKey  string `envconfig:"AWS_SECRET_ACCESS_KEY" default:""`
	SESConfigurationSet string `envconfig:"SES_CONFIGURATION_SET" default:""`

	BreakerTimeout      time.Duration `envconfig:"BREAKER_TIMEOUT" default:"30s"`
	BreakerMinRequests  uint32        `envconfig:"BREAKER_MIN_REQUESTS" default:"5"`
	BreakerFailureRatio float64       `envconfig:"BREAKER_FAILURE_RATIO" default:"0.6"`

	// ----------------------------
	// Workers
	// ----------------------------
	WorkersPerLane  int             `envconfig:"WORKERS_PER_LANE" default:"1"`
	RateLimit       int             `envconfig:"RATE_LIMIT" default:"10"`
	RetryAttempts   int             `envconfig:"RETRY_ATTEMPTS" default:"3"`
	BackoffSchedule []time.Duration `envconfig:"BACKOFF_SCHEDULE" default:"5s,15s,45s"`
	SendTimeout     time.Duration   `envconfig:"SEND_TIMEOUT" default:"30s"`
	FairnessCap     int             `envconfig:"FAIRNESS_CAP" default:"5"`
	PollInterval    time.Duration   `envconfig:"POLL_INTERVAL" default:"1s"`

	// ----------------------------
	// Sender rate limits
	// ----------------------------
	FailureThreshold int           `envconfig:"FAILURE_THRESHOLD" default:"10"`
	FailureWindow    time.Duration `envconfig:"FAILURE_WINDOW" default:"1h"`
	WarmupFile       string        `envconfig:"WARMUP_FILE" default:""`

	// ----------------------------
	// Janitor
	// ----------------------------
	JanitorSchedule    string        `envconfig:"JANITOR_SCHEDULE" default:"@every 5m"`
	CompletedRetention time.Duration `envconfig:"COMPLETED_RETENTION" default:"1h"`
	LimiterIdle        time.Duration `envconfig:"LIMITER_IDLE" default:"48h"`

	// ----------------------------
	// HTTP API
	// ----------------------------
	APIPort      string `envconfig:"API_PORT" default:"8080"`
	MaxUploadMiB int64  `envconfig:"MAX_UPLOAD_MIB" default:"10"`

	// ----------------------------
	// Metrics
	// ----------------------------
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`

	// ----------------------------
	// Optional sinks
	// ----------------------------
	DatabaseURL   string `envconfig:"DATABASE_URL" default:""`
	RedisURL      string `envconfig:"REDIS_URL" default:""`
	EventsChannel string `envconfig:"EVENTS_CHANNEL" default:"sendlane:events"`
	EventsKeep    int64  `envconfig:"EVENTS_KEEP" default:"500"`
}

// Load reads an optional .env file, then the environment.
func Load(files ...string) (*Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		// a missing .env is normal outside local development
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Provider {
	case "smtp", "ses":
	default:
		return fmt.Errorf("EMAIL_PROVIDER must be smtp or ses, got %q", c.Provider)
	}
	if c.RetryAttempts < 0 {
		return errors.New("RETRY_ATTEMPTS must not be negative")
	}
	if c.RetryAttempts > 0 && len(c.BackoffSchedule) == 0 {
		return errors.New("BACKOFF_SCHEDULE must list at least one delay")
	}
	for _, d := range c.BackoffSchedule {
		if d <= 0 {
			return fmt.Errorf("BACKOFF_SCHEDULE entries must be positive, got %s", d)
		}
	}
	if c.WorkersPerLane <= 0 {
		return errors.New("WORKERS_PER_LANE must be positive")
	}
	if c.RateLimit < 0 {
		return errors.New("RATE_LIMIT must not be negative")
	}
	return nil
}

// Schedule returns the warm-up schedule from WARMUP_FILE, or the built-in
// one when no file is configured.
func (c *Config) Schedule() (ratelimit.Schedule, error) {
	if c.WarmupFile == "" {
		return ratelimit.DefaultSchedule(), nil
	}
	return ratelimit.LoadScheduleFile(c.WarmupFile)
}
