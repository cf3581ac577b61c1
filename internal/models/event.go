package models

import "time"

type Stage string

const (
	StageValidating  Stage = "validating"
	StageRateLimited Stage = "rate_limited"
	StageSending     Stage = "sending"
	StageSent        Stage = "sent"
	StageFailed      Stage = "failed"
)

// ProcessingEvent is one observation of a processing attempt. Events are
// passed by value and never mutated after emission.
type ProcessingEvent struct {
	JobID     string    `json:"job_id"`
	Stage     Stage     `json:"stage"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

type QueueEventType string

const (
	EventJobAdded         QueueEventType = "job:added"
	EventJobActive        QueueEventType = "job:active"
	EventJobCompleted     QueueEventType = "job:completed"
	EventJobDelayed       QueueEventType = "job:delayed"
	EventJobFailed        QueueEventType = "job:failed"
	EventJobRemoved       QueueEventType = "job:removed"
	EventJobRetried       QueueEventType = "job:retried"
	EventQueuePaused      QueueEventType = "queue:paused"
	EventQueueResumed     QueueEventType = "queue:resumed"
	EventQueueObliterated QueueEventType = "queue:obliterated"
)

type QueueEvent struct {
	Type      QueueEventType `json:"type"`
	Queue     string         `json:"queue,omitempty"`
	JobID     string         `json:"job_id,omitempty"`
	Attempt   int            `json:"attempt,omitempty"`
	Error     string         `json:"error,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}
