package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"SendLane/internal/models"
)

const (
	publishTimeout = 2 * time.Second
	bufferSize     = 1024
)

// Envelope is the JSON document written to Redis for every event.
type Envelope struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

type pending struct {
	kind    string
	jobID   string
	payload any
}

// RedisPublisher forwards events to a Redis pub/sub channel and keeps the
// most recent MaxLen of them in a list for dashboards that connect late.
// Its listeners only buffer; Run does the publishing.
type RedisPublisher struct {
	rdb     *redis.Client
	channel string
	listKey string
	maxLen  int64
	log     *zap.Logger
	buf     chan pending
}

func NewRedisPublisher(rdb *redis.Client, channel string, maxLen int64, logger *zap.Logger) *RedisPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxLen <= 0 {
		maxLen = 1000
	}
	return &RedisPublisher{
		rdb:     rdb,
		channel: channel,
		listKey: channel + ":recent",
		maxLen:  maxLen,
		log:     logger.With(zap.String("component", "redis_events")),
		buf:     make(chan pending, bufferSize),
	}
}

func (p *RedisPublisher) ListKey() string {
	return p.listKey
}

func (p *RedisPublisher) Publish(ctx context.Context, kind string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", kind, err)
	}
	msg, err := json.Marshal(Envelope{Kind: kind, Payload: body})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	pipe := p.rdb.TxPipeline()
	pipe.Publish(ctx, p.channel, msg)
	pipe.RPush(ctx, p.listKey, msg)
	pipe.LTrim(ctx, p.listKey, -p.maxLen, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish to %s: %w", p.channel, err)
	}
	return nil
}

func (p *RedisPublisher) ProcessingListener() Listener[models.ProcessingEvent] {
	return func(evt models.ProcessingEvent) {
		p.enqueue(pending{kind: "processing", jobID: evt.JobID, payload: evt})
	}
}

func (p *RedisPublisher) QueueListener() Listener[models.QueueEvent] {
	return func(evt models.QueueEvent) {
		p.enqueue(pending{kind: "queue", jobID: evt.JobID, payload: evt})
	}
}

// enqueue never blocks the emitter: when the buffer is full the event is
// dropped and logged.
func (p *RedisPublisher) enqueue(evt pending) {
	select {
	case p.buf <- evt:
	default:
		p.log.Warn("event buffer full, dropping event",
			zap.String("kind", evt.kind),
			zap.String("job_id", evt.jobID),
		)
	}
}

// Run publishes buffered events until ctx is cancelled, then flushes what
// is already queued.
func (p *RedisPublisher) Run(ctx context.Context) {
	for {
		select {
		case evt := <-p.buf:
			p.publishLogged(context.Background(), evt)
		case <-ctx.Done():
			p.flush()
			return
		}
	}
}

func (p *RedisPublisher) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for ctx.Err() == nil {
		select {
		case evt := <-p.buf:
			p.publishLogged(ctx, evt)
		default:
			return
		}
	}
	if n := len(p.buf); n > 0 {
		p.log.Warn("dropping unpublished events on shutdown", zap.Int("count", n))
	}
}

func (p *RedisPublisher) publishLogged(parent context.Context, evt pending) {
	ctx, cancel := context.WithTimeout(parent, publishTimeout)
	defer cancel()

	if err := p.Publish(ctx, evt.kind, evt.payload); err != nil {
		p.log.Warn("event publish failed",
			zap.String("kind", evt.kind),
			zap.String("job_id", evt.jobID),
			zap.Error(err),
		)
	}
}
