package models

import (
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// Valid reports whether p is one of the known priorities. Empty is treated
// as normal by the queue and therefore valid.
func (p Priority) Valid() bool {
	switch p {
	case "", PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow:
		return true
	}
	return false
}

const (
	DefaultAccountID        = "default"
	DefaultAccountAgeInDays = 1
	DefaultTextBody         = "This message has no content."
)

type EmailJob struct {
	JobID   string `json:"job_id"`
	To      string `json:"to"`
	From    string `json:"from"`
	Subject string `json:"subject"`
	HTML    string `json:"html,omitempty"`
	Text    string `json:"text,omitempty"`

	AccountID        string   `json:"account_id"`
	AccountAgeInDays int      `json:"account_age_in_days"`
	Priority         Priority `json:"priority"`

	Tags     []string          `json:"tags"`
	Metadata map[string]string `json:"metadata"`

	AttemptCount int       `json:"attempt_count"`
	CreatedAt    time.Time `json:"created_at"`
}

// Domain returns the sending domain, the part of From after '@'.
func (j *EmailJob) Domain() string {
	at := strings.LastIndex(j.From, "@")
	if at < 0 {
		return ""
	}
	return strings.ToLower(j.From[at+1:])
}

// Clone returns a copy that shares no slices or maps with j.
func (j *EmailJob) Clone() *EmailJob {
	c := *j
	if j.Tags != nil {
		c.Tags = append([]string(nil), j.Tags...)
	}
	if j.Metadata != nil {
		c.Metadata = make(map[string]string, len(j.Metadata))
		for k, v := range j.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// ValidationError names the first job field that failed validation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid email job: %s %s", e.Field, e.Reason)
}

// Validate checks the job invariants in a fixed order so the reported field
// is deterministic.
func (j *EmailJob) Validate() error {
	switch {
	case strings.TrimSpace(j.To) == "":
		return &ValidationError{Field: "recipient", Reason: "is required"}
	case !ValidAddress(j.To):
		return &ValidationError{Field: "recipient", Reason: "is not a valid email address"}
	case strings.TrimSpace(j.From) == "":
		return &ValidationError{Field: "sender", Reason: "is required"}
	case !ValidAddress(j.From):
		return &ValidationError{Field: "sender", Reason: "is not a valid email address"}
	case strings.TrimSpace(j.Subject) == "":
		return &ValidationError{Field: "subject", Reason: "is required"}
	case j.HTML == "" && j.Text == "":
		return &ValidationError{Field: "html or text", Reason: "is required"}
	case strings.TrimSpace(j.AccountID) == "":
		return &ValidationError{Field: "account", Reason: "is required"}
	case j.AccountAgeInDays < 0:
		return &ValidationError{Field: "account", Reason: "age must not be negative"}
	case !j.Priority.Valid():
		return &ValidationError{Field: "priority", Reason: fmt.Sprintf("%q is unknown", j.Priority)}
	}
	return nil
}

// ValidAddress accepts a bare local@domain address. Display names are rejected.
func ValidAddress(addr string) bool {
	parsed, err := mail.ParseAddress(addr)
	if err != nil || parsed.Address != addr || parsed.Name != "" {
		return false
	}
	at := strings.LastIndex(addr, "@")
	return at > 0 && at < len(addr)-1 && strings.Contains(addr[at+1:], ".")
}

// GenerateJobID returns an id of the form email-<unix millis>-<random>.
func GenerateJobID() string {
	random := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("email-%d-%s", time.Now().UnixMilli(), random)
}

// JobOption adjusts how CreateEmailJob fills defaults.
type JobOption func(*jobOptions)

type jobOptions struct {
	defaultBody bool
	now         func() time.Time
}

// WithDefaultBody fills Text with a placeholder when neither body is given.
func WithDefaultBody() JobOption {
	return func(o *jobOptions) { o.defaultBody = true }
}

// NewEmailJob is the input to CreateEmailJob. AccountAgeInDays is a pointer
// so an explicit zero survives defaulting.
type NewEmailJob struct {
	JobID            string            `json:"job_id"`
	To               string            `json:"to"`
	From             string            `json:"from"`
	Subject          string            `json:"subject"`
	HTML             string            `json:"html"`
	Text             string            `json:"text"`
	AccountID        string            `json:"account_id"`
	AccountAgeInDays *int              `json:"account_age_in_days"`
	Priority         Priority          `json:"priority"`
	Tags             []string          `json:"tags"`
	Metadata         map[string]string `json:"metadata"`
}

// CreateEmailJob fills defaults. It does not validate; callers decide when
// to run Validate.
func CreateEmailJob(in NewEmailJob, opts ...JobOption) *EmailJob {
	o := jobOptions{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	job := &EmailJob{
		JobID:            in.JobID,
		To:               strings.TrimSpace(in.To),
		From:             strings.TrimSpace(in.From),
		Subject:          in.Subject,
		HTML:             in.HTML,
		Text:             in.Text,
		AccountID:        in.AccountID,
		AccountAgeInDays: DefaultAccountAgeInDays,
		Priority:         in.Priority,
		Tags:             append([]string{}, in.Tags...),
		Metadata:         make(map[string]string, len(in.Metadata)),
		CreatedAt:        o.now().UTC(),
	}

	if job.JobID == "" {
		job.JobID = GenerateJobID()
	}
	if job.AccountID == "" {
		job.AccountID = DefaultAccountID
	}
	if in.AccountAgeInDays != nil {
		job.AccountAgeInDays = *in.AccountAgeInDays
	}
	if job.Priority == "" {
		job.Priority = PriorityNormal
	}
	for k, v := range in.Metadata {
		job.Metadata[k] = v
	}
	if o.defaultBody && job.HTML == "" && job.Text == "" {
		job.Text = DefaultTextBody
	}

	return job
}
