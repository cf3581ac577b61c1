package email

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gopkg.in/gomail.v2"

	"SendLane/internal/models"
)

// SMTPProvider sends through an SMTP relay.
type SMTPProvider struct {
	Host     string
	Port     int
	Username string
	Password string
	// Hostname is used on the right-hand side of generated Message-Ids.
	Hostname string
}

func (s *SMTPProvider) Name() string { return "smtp" }

func (s *SMTPProvider) dialer() *gomail.Dialer {
	return gomail.NewDialer(s.Host, s.Port, s.Username, s.Password)
}

func (s *SMTPProvider) messageID(job *models.EmailJob) string {
	host := s.Hostname
	if host == "" {
		host = job.Domain()
	}
	return fmt.Sprintf("<%s@%s>", job.JobID, host)
}

// buildMessage renders the job's headers and bodies. HTML is the primary
// part when both bodies are present.
func (s *SMTPProvider) buildMessage(job *models.EmailJob) *gomail.Message {
	m := gomail.NewMessage()
	m.SetHeader("From", job.From)
	m.SetHeader("To", job.To)
	m.SetHeader("Subject", job.Subject)
	m.SetHeader("Message-Id", s.messageID(job))
	m.SetHeader("X-Job-Id", job.JobID)
	m.SetHeader("X-Account-Id", job.AccountID)
	if len(job.Tags) > 0 {
		m.SetHeader("X-Tags", strings.Join(job.Tags, ","))
	}

	switch {
	case job.HTML != "" && job.Text != "":
		m.SetBody("text/plain", job.Text)
		m.AddAlternative("text/html", job.HTML)
	case job.HTML != "":
		m.SetBody("text/html", job.HTML)
	default:
		m.SetBody("text/plain", job.Text)
	}
	return m
}

// Send dials the relay for every message. gomail has no context support,
// so the dial runs in a goroutine and ctx only bounds how long we wait.
func (s *SMTPProvider) Send(ctx context.Context, job *models.EmailJob) (*SendResult, error) {
	m := s.buildMessage(job)

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.dialer().DialAndSend(m)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return nil, fmt.Errorf("smtp send error: %w", err)
		}
	case <-ctx.Done():
		return nil, fmt.Errorf("smtp send error: %w", ctx.Err())
	}

	return &SendResult{
		MessageID: s.messageID(job),
		Response:  "250 accepted",
	}, nil
}

func (s *SMTPProvider) Validate(ctx context.Context) ValidationResult {
	if s.Host == "" {
		return ValidationResult{Error: "smtp host is not configured"}
	}
	if s.Port <= 0 || s.Port > 65535 {
		return ValidationResult{Error: fmt.Sprintf("smtp port %d is out of range", s.Port)}
	}
	if err := s.probe(ctx); err != nil {
		return ValidationResult{Error: err.Error()}
	}
	return ValidationResult{Valid: true}
}

func (s *SMTPProvider) Health(ctx context.Context) HealthResult {
	start := time.Now()
	err := s.probe(ctx)
	res := HealthResult{Healthy: err == nil, Latency: time.Since(start)}
	if err != nil {
		res.Error = err.Error()
	}
	return res
}

func (s *SMTPProvider) probe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		closer, err := s.dialer().Dial()
		if err == nil {
			err = closer.Close()
		}
		errCh <- err
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("smtp dial: %w", err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("smtp dial: %w", ctx.Err())
	}
}
