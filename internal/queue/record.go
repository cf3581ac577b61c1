package queue

import (
	"errors"
	"time"

	"SendLane/internal/models"
)

const (
	HighPriority = "email:high"
	Normal       = "email:normal"
	Bulk         = "email:bulk"
	DeadLetter   = "email:dead-letter"
)

var (
	ErrDuplicateJob = errors.New("job id already queued")
	ErrNilJob       = errors.New("job is nil")
	ErrUnknownQueue = errors.New("unknown queue")
)

// Names lists every queue, highest priority first.
func Names() []string {
	return []string{HighPriority, Normal, Bulk, DeadLetter}
}

// Lanes lists the queues that workers consume, highest priority first.
func Lanes() []string {
	return []string{HighPriority, Normal, Bulk}
}

// LaneFor routes a priority to its queue. Unknown priorities go to the
// normal lane where validation rejects them.
func LaneFor(p models.Priority) string {
	switch p {
	case models.PriorityCritical, models.PriorityHigh:
		return HighPriority
	case models.PriorityLow:
		return Bulk
	default:
		return Normal
	}
}

type State string

const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateDelayed   State = "delayed"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Record is a job plus its queue-local state. Values handed out by the
// store are copies.
type Record struct {
	Job          *models.EmailJob `json:"job"`
	Queue        string           `json:"queue"`
	State        State            `json:"state"`
	DelayedUntil time.Time        `json:"delayed_until,omitempty"`
	LastError    string           `json:"last_error,omitempty"`
	OriginQueue  string           `json:"origin_queue,omitempty"`
	EnqueuedAt   time.Time        `json:"enqueued_at"`
	FinishedAt   time.Time        `json:"finished_at,omitempty"`
}

func (r *Record) eligible(now time.Time) bool {
	switch r.State {
	case StateWaiting:
		return true
	case StateDelayed:
		return !now.Before(r.DelayedUntil)
	}
	return false
}

func (r *Record) snapshot() Record {
	c := *r
	c.Job = r.Job.Clone()
	return c
}

type Stats struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Delayed   int `json:"delayed"`
}

func (s Stats) add(o Stats) Stats {
	return Stats{
		Waiting:   s.Waiting + o.Waiting,
		Active:    s.Active + o.Active,
		Completed: s.Completed + o.Completed,
		Failed:    s.Failed + o.Failed,
		Delayed:   s.Delayed + o.Delayed,
	}
}

type AddResult struct {
	ID    string `json:"id"`
	Queue string `json:"queue"`
}

type Snapshot struct {
	Name    string   `json:"name"`
	Paused  bool     `json:"paused"`
	Records []Record `json:"records"`
}
