// Package queue stages email jobs across the high, normal, bulk and
// dead-letter lanes.
package queue

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"SendLane/internal/events"
	"SendLane/internal/metrics"
	"SendLane/internal/models"
)

type lane struct {
	name   string
	paused bool
	// items holds waiting, active, delayed and (dead-letter only) failed
	// records in insertion order.
	items  []*Record
	done   []*Record
	notify chan struct{}
}

func (l *lane) remove(r *Record) bool {
	for i, it := range l.items {
		if it == r {
			l.items = append(l.items[:i], l.items[i+1:]...)
			return true
		}
	}
	for i, it := range l.done {
		if it == r {
			l.done = append(l.done[:i], l.done[i+1:]...)
			return true
		}
	}
	return false
}

func (l *lane) stats() Stats {
	var s Stats
	for _, r := range l.items {
		switch r.State {
		case StateWaiting:
			s.Waiting++
		case StateActive:
			s.Active++
		case StateDelayed:
			s.Delayed++
		case StateFailed:
			s.Failed++
		}
	}
	s.Completed = len(l.done)
	return s
}

func (l *lane) signal() {
	select {
	case l.notify <- struct{}{}:
	default:
	}
}

type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store is an in-process queue store. A single mutex guards all lanes and
// the id index so cross-lane moves are atomic.
type Store struct {
	mu    sync.Mutex
	lanes map[string]*lane
	index map[string]*Record

	bus *events.Bus[models.QueueEvent]
	log *zap.Logger
	now func() time.Time
}

func New(logger *zap.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		lanes: make(map[string]*lane),
		index: make(map[string]*Record),
		bus:   events.NewBus[models.QueueEvent](logger),
		log:   logger.With(zap.String("component", "queue")),
		now:   time.Now,
	}
	for _, name := range Names() {
		s.lanes[name] = &lane{name: name, notify: make(chan struct{}, 1)}
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Subscribe(fn events.Listener[models.QueueEvent]) func() {
	return s.bus.Subscribe(fn)
}

func (s *Store) emit(evt models.QueueEvent) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = s.now().UTC()
	}
	s.bus.Emit(evt)
}

// AddEmail routes job by priority and stores a private copy of it. A job
// without an id gets one.
func (s *Store) AddEmail(job *models.EmailJob) (AddResult, error) {
	if job == nil {
		return AddResult{}, ErrNilJob
	}
	job = job.Clone()
	if job.JobID == "" {
		job.JobID = models.GenerateJobID()
	}
	name := LaneFor(job.Priority)

	s.mu.Lock()
	if _, exists := s.index[job.JobID]; exists {
		s.mu.Unlock()
		return AddResult{}, ErrDuplicateJob
	}
	rec := &Record{
		Job:        job,
		Queue:      name,
		State:      StateWaiting,
		EnqueuedAt: s.now().UTC(),
	}
	l := s.lanes[name]
	l.items = append(l.items, rec)
	s.index[job.JobID] = rec
	s.observe(l)
	s.mu.Unlock()

	metrics.JobsEnqueued.WithLabelValues(name).Inc()
	s.log.Debug("job added", zap.String("job_id", job.JobID), zap.String("queue", name))
	// emit before waking workers so job:added precedes job:active
	s.emit(models.QueueEvent{Type: models.EventJobAdded, Queue: name, JobID: job.JobID})
	l.signal()

	return AddResult{ID: job.JobID, Queue: name}, nil
}

// Dequeue marks the first eligible record of the lane active and returns
// it. Paused and dead-letter lanes never yield records.
func (s *Store) Dequeue(name string) (Record, bool) {
	s.mu.Lock()
	l, ok := s.lanes[name]
	if !ok || l.paused || name == DeadLetter {
		s.mu.Unlock()
		return Record{}, false
	}

	now := s.now()
	var picked *Record
	for _, r := range l.items {
		if r.eligible(now) {
			picked = r
			break
		}
	}
	if picked == nil {
		s.mu.Unlock()
		return Record{}, false
	}
	picked.State = StateActive
	picked.DelayedUntil = time.Time{}
	out := picked.snapshot()
	s.observe(l)
	s.mu.Unlock()

	s.emit(models.QueueEvent{
		Type:    models.EventJobActive,
		Queue:   name,
		JobID:   out.Job.JobID,
		Attempt: out.Job.AttemptCount,
	})
	return out, true
}

// Ready counts records of an unpaused lane that Dequeue would hand out now.
func (s *Store) Ready(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.lanes[name]
	if !ok || l.paused || name == DeadLetter {
		return 0
	}
	now := s.now()
	n := 0
	for _, r := range l.items {
		if r.eligible(now) {
			n++
		}
	}
	return n
}

// NextDelayed returns the earliest DelayedUntil in the lane.
func (s *Store) NextDelayed(name string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.lanes[name]
	if !ok {
		return time.Time{}, false
	}
	var next time.Time
	for _, r := range l.items {
		if r.State != StateDelayed {
			continue
		}
		if next.IsZero() || r.DelayedUntil.Before(next) {
			next = r.DelayedUntil
		}
	}
	return next, !next.IsZero()
}

// Complete moves an active or waiting record to the lane's completed list.
func (s *Store) Complete(id string) bool {
	s.mu.Lock()
	rec, ok := s.index[id]
	if !ok || rec.Queue == DeadLetter || rec.State == StateCompleted {
		s.mu.Unlock()
		return false
	}
	l := s.lanes[rec.Queue]
	l.remove(rec)
	rec.State = StateCompleted
	rec.LastError = ""
	rec.FinishedAt = s.now().UTC()
	l.done = append(l.done, rec)
	s.observe(l)
	name, attempt := rec.Queue, rec.Job.AttemptCount
	s.mu.Unlock()

	s.emit(models.QueueEvent{Type: models.EventJobCompleted, Queue: name, JobID: id, Attempt: attempt})
	return true
}

// Delay re-enqueues a record at the tail of its lane, eligible once until
// has passed. bumpAttempt increments the job's AttemptCount.
func (s *Store) Delay(id string, until time.Time, lastErr string, bumpAttempt bool) bool {
	s.mu.Lock()
	rec, ok := s.index[id]
	if !ok || rec.Queue == DeadLetter || rec.State == StateCompleted {
		s.mu.Unlock()
		return false
	}
	l := s.lanes[rec.Queue]
	l.remove(rec)
	rec.State = StateDelayed
	rec.DelayedUntil = until
	if lastErr != "" {
		rec.LastError = lastErr
	}
	if bumpAttempt {
		rec.Job.AttemptCount++
	}
	l.items = append(l.items, rec)
	s.observe(l)
	name, attempt := rec.Queue, rec.Job.AttemptCount
	s.mu.Unlock()

	s.emit(models.QueueEvent{
		Type:    models.EventJobDelayed,
		Queue:   name,
		JobID:   id,
		Attempt: attempt,
		Error:   lastErr,
	})
	return true
}

// Fail moves a record to the dead-letter queue in the failed state.
func (s *Store) Fail(id string, lastErr string) bool {
	s.mu.Lock()
	rec, ok := s.index[id]
	if !ok || rec.Queue == DeadLetter {
		s.mu.Unlock()
		return false
	}
	src := s.lanes[rec.Queue]
	src.remove(rec)
	s.observe(src)

	rec.OriginQueue = rec.Queue
	rec.Queue = DeadLetter
	rec.State = StateFailed
	rec.DelayedUntil = time.Time{}
	rec.LastError = lastErr
	rec.FinishedAt = s.now().UTC()
	dlq := s.lanes[DeadLetter]
	dlq.items = append(dlq.items, rec)
	s.observe(dlq)
	origin, attempt := rec.OriginQueue, rec.Job.AttemptCount
	s.mu.Unlock()

	metrics.DeadLettered.WithLabelValues(origin).Inc()
	s.log.Warn("job dead-lettered",
		zap.String("job_id", id),
		zap.String("origin", origin),
		zap.Int("attempts", attempt),
		zap.String("error", lastErr),
	)
	s.emit(models.QueueEvent{
		Type:    models.EventJobFailed,
		Queue:   DeadLetter,
		JobID:   id,
		Attempt: attempt,
		Error:   lastErr,
	})
	return true
}

func (s *Store) FailedJobs() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	dlq := s.lanes[DeadLetter]
	out := make([]Record, 0, len(dlq.items))
	for _, r := range dlq.items {
		out = append(out, r.snapshot())
	}
	return out
}

// RetryJob re-admits a dead-letter job to the lane it failed from with a
// fresh attempt budget.
func (s *Store) RetryJob(id string) bool {
	s.mu.Lock()
	rec, ok := s.index[id]
	if !ok || rec.Queue != DeadLetter {
		s.mu.Unlock()
		return false
	}
	dlq := s.lanes[DeadLetter]
	dlq.remove(rec)
	s.observe(dlq)

	target := rec.OriginQueue
	if target == "" {
		target = LaneFor(rec.Job.Priority)
	}
	rec.Queue = target
	rec.OriginQueue = ""
	rec.State = StateWaiting
	rec.FinishedAt = time.Time{}
	rec.Job.AttemptCount = 0
	l := s.lanes[target]
	l.items = append(l.items, rec)
	s.observe(l)
	s.mu.Unlock()

	s.emit(models.QueueEvent{Type: models.EventJobRetried, Queue: target, JobID: id})
	l.signal()
	return true
}

func (s *Store) RemoveJob(id string) bool {
	s.mu.Lock()
	rec, ok := s.index[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	l := s.lanes[rec.Queue]
	l.remove(rec)
	delete(s.index, id)
	s.observe(l)
	name := rec.Queue
	s.mu.Unlock()

	s.emit(models.QueueEvent{Type: models.EventJobRemoved, Queue: name, JobID: id})
	return true
}

func (s *Store) Job(id string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.index[id]
	if !ok {
		return Record{}, false
	}
	return rec.snapshot(), true
}

// Queue returns every record of the named queue, pending ones first in
// queue order followed by completed ones.
func (s *Store) Queue(name string) (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.lanes[name]
	if !ok {
		return Snapshot{}, false
	}
	snap := Snapshot{Name: name, Paused: l.paused}
	for _, r := range l.items {
		snap.Records = append(snap.Records, r.snapshot())
	}
	for _, r := range l.done {
		snap.Records = append(snap.Records, r.snapshot())
	}
	return snap, true
}

// Stats returns zeroes for unknown queue names.
func (s *Store) Stats(name string) Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.lanes[name]
	if !ok {
		return Stats{}
	}
	return l.stats()
}

// AllStats reports every queue plus a "total" entry.
func (s *Store) AllStats() map[string]Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]Stats, len(s.lanes)+1)
	var total Stats
	for name, l := range s.lanes {
		st := l.stats()
		out[name] = st
		total = total.add(st)
	}
	out["total"] = total
	return out
}

func (s *Store) Pause(name string) bool {
	return s.setPaused(name, true)
}

func (s *Store) Resume(name string) bool {
	return s.setPaused(name, false)
}

func (s *Store) PauseAll() {
	for _, name := range Names() {
		s.setPaused(name, true)
	}
}

func (s *Store) ResumeAll() {
	for _, name := range Names() {
		s.setPaused(name, false)
	}
}

func (s *Store) IsPaused(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.lanes[name]
	return ok && l.paused
}

func (s *Store) setPaused(name string, paused bool) bool {
	s.mu.Lock()
	l, ok := s.lanes[name]
	if !ok {
		s.mu.Unlock()
		return false
	}
	changed := l.paused != paused
	l.paused = paused
	s.mu.Unlock()

	if !changed {
		return true
	}
	evt := models.EventQueuePaused
	if !paused {
		evt = models.EventQueueResumed
	}
	s.log.Info("queue state changed", zap.String("queue", name), zap.Bool("paused", paused))
	s.emit(models.QueueEvent{Type: evt, Queue: name})
	if !paused {
		l.signal()
	}
	return true
}

// Obliterate empties every queue. Pause flags are kept.
func (s *Store) Obliterate() {
	s.mu.Lock()
	for _, l := range s.lanes {
		l.items = nil
		l.done = nil
		s.observe(l)
	}
	s.index = make(map[string]*Record)
	s.mu.Unlock()

	s.emit(models.QueueEvent{Type: models.EventQueueObliterated})
}

// Clean drops completed records finished before cutoff.
func (s *Store) Clean(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for _, l := range s.lanes {
		kept := l.done[:0]
		for _, r := range l.done {
			if r.FinishedAt.Before(cutoff) {
				delete(s.index, r.Job.JobID)
				removed++
				continue
			}
			kept = append(kept, r)
		}
		l.done = kept
		s.observe(l)
	}
	return removed
}

// Notify fires after a job becomes available on the lane. Delayed jobs do
// not fire it when their delay expires; see NextDelayed.
func (s *Store) Notify(name string) <-chan struct{} {
	l, ok := s.lanes[name]
	if !ok {
		return nil
	}
	return l.notify
}

// IDs returns every tracked job id, sorted.
func (s *Store) IDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.index))
	for id := range s.index {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// observe publishes the lane's depth gauges. Caller holds s.mu.
func (s *Store) observe(l *lane) {
	st := l.stats()
	metrics.QueueDepth.WithLabelValues(l.name, string(StateWaiting)).Set(float64(st.Waiting))
	metrics.QueueDepth.WithLabelValues(l.name, string(StateActive)).Set(float64(st.Active))
	metrics.QueueDepth.WithLabelValues(l.name, string(StateDelayed)).Set(float64(st.Delayed))
	metrics.QueueDepth.WithLabelValues(l.name, string(StateCompleted)).Set(float64(st.Completed))
	metrics.QueueDepth.WithLabelValues(l.name, string(StateFailed)).Set(float64(st.Failed))
}
