package email

import (
	"context"
	"strings"
	"time"

	"SendLane/internal/models"
)

type SendResult struct {
	MessageID string `json:"message_id"`
	Response  string `json:"response"`
}

type ValidationResult struct {
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

type HealthResult struct {
	Healthy bool          `json:"healthy"`
	Latency time.Duration `json:"latency"`
	Error   string        `json:"error,omitempty"`
}

// Provider delivers a single job. Send returns an error for any failure,
// including timeouts; the pipeline decides whether to retry.
type Provider interface {
	Name() string
	Send(ctx context.Context, job *models.EmailJob) (*SendResult, error)
	Validate(ctx context.Context) ValidationResult
	Health(ctx context.Context) HealthResult
}

// RedactAddress masks the local part of an address for logging.
// "john.doe@example.com" -> "jo***@example.com"
func RedactAddress(addr string) string {
	at := strings.LastIndex(addr, "@")
	if at < 0 {
		return "***@***"
	}
	name := addr[:at]
	if len(name) > 2 {
		return name[:2] + "***" + addr[at:]
	}
	return "***" + addr[at:]
}
