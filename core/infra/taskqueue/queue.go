package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/driftmail/driftmail/core/infra/redisutil"
)

// Task is one delayed unit of work handed to the queue.
type Task struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	FireAt     time.Time       `json:"fire_at"`
	// Deliveries counts queue-level delivery attempts, not domain retries.
	Deliveries int `json:"deliveries"`
}

// ErrTaskNotFound is returned when a task body is missing.
var ErrTaskNotFound = errors.New("task not found")

// Queue is a Redis-backed delayed task queue with at-least-once delivery.
// Scheduled tasks live in a ZSET scored by fire time; claimed tasks move to
// an inflight ZSET scored by their visibility deadline so a crashed consumer
// never strands work.
type Queue struct {
	client *redis.Client
}

// NewRedisQueue constructs a queue over the Redis at url.
func NewRedisQueue(url string) (*Queue, error) {
	if url == "" {
		url = "redis://localhost:6379"
	}
	client, err := redisutil.NewClient(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return &Queue{client: client}, nil
}

// Close closes the underlying Redis client.
func (q *Queue) Close() error {
	if q == nil || q.client == nil {
		return nil
	}
	return q.client.Close()
}

// Enqueue schedules a named task to fire at or after now + delay.
// State is durable before Enqueue returns.
func (q *Queue) Enqueue(ctx context.Context, name string, payload any, delay time.Duration) (string, error) {
	if name == "" {
		return "", fmt.Errorf("task name required")
	}
	if delay < 0 {
		delay = 0
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal task payload: %w", err)
	}
	now := time.Now().UTC()
	task := &Task{
		ID:         uuid.NewString(),
		Name:       name,
		Payload:    raw,
		EnqueuedAt: now,
		FireAt:     now.Add(delay),
	}
	body, err := json.Marshal(task)
	if err != nil {
		return "", fmt.Errorf("marshal task: %w", err)
	}
	pipe := q.client.TxPipeline()
	pipe.Set(ctx, taskKey(task.ID), body, 0)
	pipe.ZAdd(ctx, scheduledKey(), redis.Z{Score: float64(task.FireAt.UnixMilli()), Member: task.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return "", err
	}
	return task.ID, nil
}

// Due returns IDs of tasks whose fire time is at or before now.
func (q *Queue) Due(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	return q.client.ZRangeByScore(ctx, scheduledKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", now.UnixMilli()),
		Count: limit,
	}).Result()
}

// claimScript moves a member from the scheduled set to the inflight set
// in one server-side step, so the task is never absent from both.
var claimScript = redis.NewScript(`
if redis.call("ZREM", KEYS[1], ARGV[1]) == 1 then
	redis.call("ZADD", KEYS[2], ARGV[2], ARGV[1])
	return 1
end
return 0
`)

// Claim atomically moves a due task to the inflight set. Only one caller
// wins the claim; the loser sees false.
func (q *Queue) Claim(ctx context.Context, taskID string, deadline time.Time) (*Task, bool, error) {
	moved, err := claimScript.Run(ctx, q.client,
		[]string{scheduledKey(), inflightKey()},
		taskID, deadline.UnixMilli(),
	).Int()
	if err != nil {
		return nil, false, err
	}
	if moved == 0 {
		return nil, false, nil
	}
	task, err := q.getTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, ErrTaskNotFound) {
			// Body gone; drop the dangling member.
			_ = q.client.ZRem(ctx, inflightKey(), taskID).Err()
			return nil, false, nil
		}
		return nil, false, err
	}
	task.Deliveries++
	if body, merr := json.Marshal(task); merr == nil {
		_ = q.client.Set(ctx, taskKey(taskID), body, 0).Err()
	}
	return task, true, nil
}

// Ack removes a completed task entirely.
func (q *Queue) Ack(ctx context.Context, taskID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, inflightKey(), taskID)
	pipe.Del(ctx, taskKey(taskID))
	_, err := pipe.Exec(ctx)
	return err
}

// Requeue returns an inflight task to the scheduled set after delay.
func (q *Queue) Requeue(ctx context.Context, taskID string, delay time.Duration) error {
	if delay < 0 {
		delay = 0
	}
	fireAt := time.Now().UTC().Add(delay)
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, inflightKey(), taskID)
	pipe.ZAdd(ctx, scheduledKey(), redis.Z{Score: float64(fireAt.UnixMilli()), Member: taskID})
	_, err := pipe.Exec(ctx)
	return err
}

// Bury moves a task to the dead set for operator inspection.
func (q *Queue) Bury(ctx context.Context, taskID string) error {
	now := time.Now().UTC()
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, inflightKey(), taskID)
	pipe.ZRem(ctx, scheduledKey(), taskID)
	pipe.ZAdd(ctx, deadKey(), redis.Z{Score: float64(now.UnixMilli()), Member: taskID})
	_, err := pipe.Exec(ctx)
	return err
}

// ListDead returns recently buried task IDs.
func (q *Queue) ListDead(ctx context.Context, limit int64) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	return q.client.ZRevRange(ctx, deadKey(), 0, limit-1).Result()
}

// Expired returns inflight task IDs whose visibility deadline passed.
func (q *Queue) Expired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	return q.client.ZRangeByScore(ctx, inflightKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", now.UnixMilli()),
		Count: limit,
	}).Result()
}

// GetTask loads a task body by ID.
func (q *Queue) GetTask(ctx context.Context, taskID string) (*Task, error) {
	return q.getTask(ctx, taskID)
}

func (q *Queue) getTask(ctx context.Context, taskID string) (*Task, error) {
	data, err := q.client.Get(ctx, taskKey(taskID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrTaskNotFound
		}
		return nil, err
	}
	var task Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("unmarshal task: %w", err)
	}
	return &task, nil
}

// TryAcquireLock takes a best-effort dispatch lock.
func (q *Queue) TryAcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if key == "" {
		return false, fmt.Errorf("lock key required")
	}
	return q.client.SetNX(ctx, lockKey(key), "1", ttl).Result()
}

// ReleaseLock drops a previously acquired lock.
func (q *Queue) ReleaseLock(ctx context.Context, key string) error {
	if key == "" {
		return fmt.Errorf("lock key required")
	}
	return q.client.Del(ctx, lockKey(key)).Err()
}

func taskKey(id string) string {
	return "tq:task:" + id
}

func scheduledKey() string {
	return "tq:scheduled"
}

func inflightKey() string {
	return "tq:inflight"
}

func deadKey() string {
	return "tq:dead"
}

func lockKey(key string) string {
	return "tq:lock:" + key
}
