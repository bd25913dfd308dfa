// Package queue carries invocation envelopes over a Redis list and keeps
// each job's status and response under a per-job key with a TTL.
package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"comfyworker/internal/pkg/errors"
)

type Status string

const (
	StatusInQueue    Status = "IN_QUEUE"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// Envelope is one queued invocation.
type Envelope struct {
	ID    string          `json:"id"`
	Input json.RawMessage `json:"input"`
}

// Record is what GET /status returns for a job.
type Record struct {
	ID        string          `json:"id"`
	Status    Status          `json:"status"`
	Output    json.RawMessage `json:"output,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type RedisQueue struct {
	rdb       *redis.Client
	queueName string
	resultTTL time.Duration
}

func NewRedisQueue(rdb *redis.Client, queueName string, resultTTL time.Duration) *RedisQueue {
	if resultTTL <= 0 {
		resultTTL = time.Hour
	}
	return &RedisQueue{rdb: rdb, queueName: queueName, resultTTL: resultTTL}
}

// ResultKey is the key holding the record of job id.
func ResultKey(queueName, id string) string {
	return queueName + ":result:" + id
}

// Push records the job as queued and LPUSHes its envelope.
func (q *RedisQueue) Push(ctx context.Context, env Envelope) error {
	if env.ID == "" {
		return errors.ValidationField("id", "job id is required")
	}
	data, err := json.Marshal(env)
	if err != nil {
		return errors.Wrap(err, "queue.push", "failed to encode envelope")
	}
	if err := q.SetStatus(ctx, env.ID, StatusInQueue, nil); err != nil {
		return err
	}
	if err := q.rdb.LPush(ctx, q.queueName, data).Err(); err != nil {
		return errors.WrapWithCode(err, errors.CodeUnavailable, "queue.push", "queue push failed")
	}
	return nil
}

// Pop blocks up to timeout for the next envelope (BRPOP). It returns nil
// and no error when the wait times out.
func (q *RedisQueue) Pop(ctx context.Context, timeout time.Duration) (*Envelope, error) {
	res, err := q.rdb.BRPop(ctx, timeout, q.queueName).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(res) < 2 {
		return nil, nil
	}
	return DecodeEnvelope([]byte(res[1]))
}

// DecodeEnvelope parses a queued item. An item without an id is rejected.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errors.WrapWithCode(err, errors.CodeValidation, "queue.decode", "invalid envelope")
	}
	if env.ID == "" {
		return nil, errors.ValidationField("id", "envelope has no id")
	}
	return &env, nil
}

// SetStatus overwrites the job record and refreshes its TTL.
func (q *RedisQueue) SetStatus(ctx context.Context, id string, status Status, output json.RawMessage) error {
	data, err := json.Marshal(Record{ID: id, Status: status, Output: output, UpdatedAt: time.Now().UTC()})
	if err != nil {
		return errors.Wrap(err, "queue.status", "failed to encode record")
	}
	if err := q.rdb.Set(ctx, ResultKey(q.queueName, id), data, q.resultTTL).Err(); err != nil {
		return errors.WrapWithCode(err, errors.CodeUnavailable, "queue.status", "failed to store job status")
	}
	return nil
}

// Status returns the record of job id, or a NotFound error once it has
// expired or was never queued.
func (q *RedisQueue) Status(ctx context.Context, id string) (*Record, error) {
	data, err := q.rdb.Get(ctx, ResultKey(q.queueName, id)).Bytes()
	if err == redis.Nil {
		return nil, errors.NotFound("job", id)
	}
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.CodeUnavailable, "queue.status", "failed to read job status")
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, errors.Wrap(err, "queue.status", "corrupt job record")
	}
	return &rec, nil
}

func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.rdb.Ping(ctx).Err()
}
