package redisstream

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/codeclash/exec-engine/internal/domain"
)

// Queue is a Redis Streams job queue with a consumer group and a parallel
// dead-letter stream.
type Queue struct {
	rdb    *redis.Client
	stream string
	dlq    string
	group  string
	maxLen int64

	mu         sync.Mutex
	groupReady bool
}

// New builds a queue for the given pool name. Streams are keyed by pool so
// distinct sandboxing strategies read from distinct streams.
func New(rdb *redis.Client, pool string, maxLen int64) *Queue {
	if maxLen <= 0 {
		maxLen = 10000
	}
	return &Queue{
		rdb:    rdb,
		stream: "jobs:" + pool,
		dlq:    "jobs:" + pool + ":dlq",
		group:  pool + "-workers",
		maxLen: maxLen,
	}
}

func (q *Queue) ensureGroup(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.groupReady {
		return nil
	}
	err := q.rdb.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("op=queue.ensure_group: %w: %v", domain.ErrQueueUnavailable, err)
	}
	q.groupReady = true
	return nil
}

// Push appends the envelope to the stream with approximate trimming and
// returns the stream-assigned message id.
func (q *Queue) Push(ctx context.Context, env domain.JobEnvelope) (string, error) {
	if err := q.ensureGroup(ctx); err != nil {
		return "", err
	}
	fields, err := encodeEnvelope(env)
	if err != nil {
		return "", err
	}
	id, err := q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: fields,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("op=queue.push: %w: %v", domain.ErrQueueUnavailable, err)
	}
	return id, nil
}

// Claim reads up to max never-delivered messages for the named consumer,
// blocking up to block when the stream is empty. Messages stay on the pending
// list until acked.
func (q *Queue) Claim(ctx context.Context, consumer string, max int, block time.Duration) ([]domain.ClaimedJob, error) {
	if err := q.ensureGroup(ctx); err != nil {
		return nil, err
	}
	if max <= 0 {
		return nil, nil
	}
	streams, err := q.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: consumer,
		Streams:  []string{q.stream, ">"},
		Count:    int64(max),
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("op=queue.claim: %w: %v", domain.ErrQueueUnavailable, err)
	}
	var out []domain.ClaimedJob
	for _, s := range streams {
		for _, msg := range s.Messages {
			env, err := decodeEnvelope(msg.Values)
			if err != nil {
				// A malformed message can never be handled; drop it from the
				// pending list and move it to the DLQ raw.
				_ = q.rdb.XAck(ctx, q.stream, q.group, msg.ID).Err()
				_, _ = q.rdb.XAdd(ctx, &redis.XAddArgs{
					Stream: q.dlq,
					MaxLen: q.maxLen,
					Approx: true,
					Values: map[string]interface{}{fieldReason: "malformed envelope: " + err.Error()},
				}).Result()
				continue
			}
			out = append(out, domain.ClaimedJob{MessageID: msg.ID, Envelope: env})
		}
	}
	return out, nil
}

// Ack removes the message from the pending list. Acking an already-acked
// message is a no-op.
func (q *Queue) Ack(ctx context.Context, messageID string) error {
	if err := q.rdb.XAck(ctx, q.stream, q.group, messageID).Err(); err != nil {
		return fmt.Errorf("op=queue.ack: %w", err)
	}
	return nil
}

// PushDeadLetter appends the exhausted job to the DLQ stream.
func (q *Queue) PushDeadLetter(ctx context.Context, env domain.DLQEnvelope) (string, error) {
	fields, err := encodeEnvelope(env.JobEnvelope)
	if err != nil {
		return "", err
	}
	fields[fieldReason] = env.Reason
	fields[fieldAttempts] = strconv.Itoa(env.Attempts)
	id, err := q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: q.dlq,
		MaxLen: q.maxLen,
		Approx: true,
		Values: fields,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("op=queue.push_dlq: %w", err)
	}
	return id, nil
}

// Depth returns the approximate number of entries in the job stream.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	n, err := q.rdb.XLen(ctx, q.stream).Result()
	if err != nil {
		return 0, fmt.Errorf("op=queue.depth: %w", err)
	}
	return n, nil
}

// DeadLetter is one decoded DLQ entry for the admin endpoint.
type DeadLetter struct {
	MessageID string             `json:"messageId"`
	Envelope  domain.JobEnvelope `json:"envelope"`
	Reason    string             `json:"reason"`
	Attempts  int                `json:"attempts"`
}

// ReadDeadLetters returns up to limit DLQ entries, newest first.
func (q *Queue) ReadDeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 50
	}
	msgs, err := q.rdb.XRevRangeN(ctx, q.dlq, "+", "-", int64(limit)).Result()
	if err != nil {
		return nil, fmt.Errorf("op=queue.read_dlq: %w", err)
	}
	out := make([]DeadLetter, 0, len(msgs))
	for _, msg := range msgs {
		dl := DeadLetter{MessageID: msg.ID}
		if v, ok := msg.Values[fieldReason].(string); ok {
			dl.Reason = v
		}
		if v, ok := msg.Values[fieldAttempts].(string); ok {
			dl.Attempts, _ = strconv.Atoi(v)
		}
		if env, err := decodeEnvelope(msg.Values); err == nil {
			dl.Envelope = env
		}
		out = append(out, dl)
	}
	return out, nil
}

// Ping probes the stream store for health checks.
func (q *Queue) Ping(ctx context.Context) error {
	return q.rdb.Ping(ctx).Err()
}
