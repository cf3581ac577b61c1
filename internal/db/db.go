// Package db journals queue activity to Postgres so job history outlives
// the in-memory queue.
package db

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"SendLane/internal/events"
	"SendLane/internal/models"
	"SendLane/internal/queue"
)

var ErrNotFound = errors.New("job not found in journal")

type executor interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// JobLookup resolves the job behind a queue event.
type JobLookup interface {
	Job(id string) (queue.Record, bool)
}

// Entry is a journalled job row.
type Entry struct {
	JobID     string    `json:"job_id"`
	Queue     string    `json:"queue"`
	Recipient string    `json:"to"`
	Subject   string    `json:"subject"`
	AccountID string    `json:"account_id"`
	Priority  string    `json:"priority"`
	Status    string    `json:"status"`
	Attempts  int       `json:"attempts"`
	ErrorMsg  string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

const schema = `
CREATE TABLE IF NOT EXISTS email_jobs (
	job_id      TEXT PRIMARY KEY,
	queue       TEXT NOT NULL,
	to_email    TEXT NOT NULL,
	from_email  TEXT NOT NULL,
	subject     TEXT NOT NULL,
	account_id  TEXT NOT NULL,
	priority    TEXT NOT NULL,
	tags        JSONB NOT NULL DEFAULT '[]',
	status      TEXT NOT NULL,
	retries     INT NOT NULL DEFAULT 0,
	error_msg   TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL
)`

const statusRemoved = "removed"

type Store struct {
	Pool *pgxpool.Pool

	exec   executor
	lookup JobLookup
	log    *zap.Logger
	events chan models.QueueEvent
	retry  func() backoff.BackOff
}

// New connects to Postgres, retrying the first ping with exponential
// backoff so the service can start alongside its database.
func New(ctx context.Context, conn string, lookup JobLookup, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	pool, err := pgxpool.New(ctx, conn)
	if err != nil {
		return nil, err
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 30 * time.Second
	err = backoff.RetryNotify(func() error {
		return pool.Ping(ctx)
	}, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
		logger.Warn("database not ready", zap.Error(err), zap.Duration("retry_in", next))
	})
	if err != nil {
		pool.Close()
		return nil, err
	}

	s := newStore(pool, lookup, logger)
	s.Pool = pool
	return s, nil
}

func newStore(exec executor, lookup JobLookup, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		exec:   exec,
		lookup: lookup,
		log:    logger.With(zap.String("component", "journal")),
		events: make(chan models.QueueEvent, 1024),
		retry: func() backoff.BackOff {
			return backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3)
		},
	}
}

func (s *Store) Close() {
	if s.Pool != nil {
		s.Pool.Close()
	}
}

func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.exec.Exec(ctx, schema)
	return err
}

func (s *Store) InsertEmail(ctx context.Context, queueName string, job *models.EmailJob) error {
	tagsJSON, err := json.Marshal(job.Tags)
	if err != nil {
		return err
	}

	_, err = s.exec.Exec(ctx,
		`INSERT INTO email_jobs
		 (job_id, queue, to_email, from_email, subject, account_id, priority, tags, status, retries, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,NOW())
		 ON CONFLICT (job_id) DO UPDATE
		 SET queue=EXCLUDED.queue,
		     status=EXCLUDED.status,
		     retries=EXCLUDED.retries,
		     error_msg='',
		     updated_at=NOW()`,
		job.JobID,
		queueName,
		job.To,
		job.From,
		job.Subject,
		job.AccountID,
		string(job.Priority),
		tagsJSON,
		string(queue.StateWaiting),
		job.AttemptCount,
		job.CreatedAt,
	)
	return err
}

func (s *Store) UpdateStatus(
	ctx context.Context,
	jobID string,
	status string,
	attempts int,
) error {

	_, err := s.exec.Exec(ctx,
		`UPDATE email_jobs
		 SET status=$1,
		     retries=$2,
		     updated_at=NOW()
		 WHERE job_id=$3`,
		status,
		attempts,
		jobID,
	)
	return err
}

func (s *Store) UpdateFailure(
	ctx context.Context,
	jobID string,
	queueName string,
	status string,
	attempts int,
	errorMsg string,
) error {

	_, err := s.exec.Exec(ctx,
		`UPDATE email_jobs
		 SET queue=$1,
		     status=$2,
		     retries=$3,
		     error_msg=$4,
		     updated_at=NOW()
		 WHERE job_id=$5`,
		queueName,
		status,
		attempts,
		errorMsg,
		jobID,
	)
	return err
}

func (s *Store) MarkRemoved(ctx context.Context, jobID string) error {
	_, err := s.exec.Exec(ctx,
		`UPDATE email_jobs
		 SET status=$1,
		     updated_at=NOW()
		 WHERE job_id=$2`,
		statusRemoved,
		jobID,
	)
	return err
}

// MarkAbandoned flags every unfinished row as removed.
func (s *Store) MarkAbandoned(ctx context.Context) error {
	_, err := s.exec.Exec(ctx,
		`UPDATE email_jobs
		 SET status=$1,
		     updated_at=NOW()
		 WHERE status NOT IN ($2, $3, $1)`,
		statusRemoved,
		string(queue.StateCompleted),
		string(queue.StateFailed),
	)
	return err
}

func (s *Store) Get(ctx context.Context, jobID string) (Entry, error) {
	var e Entry
	err := s.exec.QueryRow(ctx,
		`SELECT job_id, queue, to_email, subject, account_id, priority, status, retries, error_msg, created_at, updated_at
		 FROM email_jobs
		 WHERE job_id=$1`,
		jobID,
	).Scan(
		&e.JobID,
		&e.Queue,
		&e.Recipient,
		&e.Subject,
		&e.AccountID,
		&e.Priority,
		&e.Status,
		&e.Attempts,
		&e.ErrorMsg,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	return e, err
}

// Listener feeds queue events to Run. It never blocks the queue: when the
// buffer is full the event is dropped and logged.
func (s *Store) Listener() events.Listener[models.QueueEvent] {
	return func(evt models.QueueEvent) {
		select {
		case s.events <- evt:
		default:
			s.log.Warn("journal buffer full, dropping event",
				zap.String("type", string(evt.Type)),
				zap.String("job_id", evt.JobID),
			)
		}
	}
}

// Run applies buffered events until ctx is cancelled, then drains what is
// already queued.
func (s *Store) Run(ctx context.Context) {
	for {
		select {
		case evt := <-s.events:
			s.applyWithRetry(ctx, evt)
		case <-ctx.Done():
			s.drain()
			return
		}
	}
}

func (s *Store) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case evt := <-s.events:
			s.applyWithRetry(ctx, evt)
		default:
			return
		}
	}
}

func (s *Store) applyWithRetry(ctx context.Context, evt models.QueueEvent) {
	err := backoff.Retry(func() error {
		return s.Apply(ctx, evt)
	}, backoff.WithContext(s.retry(), ctx))
	if err != nil {
		s.log.Error("journal write failed",
			zap.String("type", string(evt.Type)),
			zap.String("job_id", evt.JobID),
			zap.Error(err),
		)
	}
}

// Apply writes one queue event.
func (s *Store) Apply(ctx context.Context, evt models.QueueEvent) error {
	switch evt.Type {
	case models.EventJobAdded, models.EventJobRetried:
		rec, ok := s.lookup.Job(evt.JobID)
		if !ok {
			// already gone again; nothing to record
			return nil
		}
		return s.InsertEmail(ctx, rec.Queue, rec.Job)

	case models.EventJobActive:
		return s.UpdateStatus(ctx, evt.JobID, string(queue.StateActive), evt.Attempt)

	case models.EventJobCompleted:
		return s.UpdateStatus(ctx, evt.JobID, string(queue.StateCompleted), evt.Attempt)

	case models.EventJobDelayed:
		return s.UpdateFailure(ctx, evt.JobID, evt.Queue, string(queue.StateDelayed), evt.Attempt, evt.Error)

	case models.EventJobFailed:
		return s.UpdateFailure(ctx, evt.JobID, evt.Queue, string(queue.StateFailed), evt.Attempt, evt.Error)

	case models.EventJobRemoved:
		return s.MarkRemoved(ctx, evt.JobID)

	case models.EventQueueObliterated:
		return s.MarkAbandoned(ctx)
	}
	return nil
}
