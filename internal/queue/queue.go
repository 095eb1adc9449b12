// Package queue is the Redis-backed task substrate for document
// processing. Tasks move between a pending list and a processing list via
// an atomic claim, so a worker crash between claim and ack leaves the
// task visible to the stale-claim reaper instead of losing it. Delivery
// is at-least-once; the pipeline's writes are upserts, so redelivery is
// safe.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultMaxDeliveries bounds redelivery before a task is marked failed.
const DefaultMaxDeliveries = 3

// Task states stored in the per-task status hash.
const (
	StatePending    = "pending"
	StateProcessing = "processing"
	StateDone       = "done"
	StateFailed     = "failed"
)

// Task is one unit of pipeline work.
type Task struct {
	ID          string `json:"id"`
	DocumentKey string `json:"document_key"`
	SourceURI   string `json:"source_uri"`
	Payload     []byte `json:"payload,omitempty"`

	// Deliveries counts claims, including the current one.
	Deliveries int `json:"-"`

	// raw is the exact list entry this task was claimed as, needed to
	// remove it from the processing list on ack.
	raw string
}

// TaskStatus is the queryable state of a task.
type TaskStatus struct {
	State      string
	Attempts   int
	Error      string
	EnqueuedAt time.Time
	UpdatedAt  time.Time
}

// Options configures the queue connection.
type Options struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces all queue keys. Defaults to "knograph".
	Prefix        string
	MaxDeliveries int
}

// Queue is a Redis list-claim task queue.
type Queue struct {
	client        redis.UniversalClient
	prefix        string
	maxDeliveries int
}

// New creates a queue over its own Redis client.
func New(opts Options) *Queue {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return NewWithClient(client, opts)
}

// NewWithClient wraps an existing client. Useful for testing.
func NewWithClient(client redis.UniversalClient, opts Options) *Queue {
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "knograph"
	}
	maxDeliveries := opts.MaxDeliveries
	if maxDeliveries <= 0 {
		maxDeliveries = DefaultMaxDeliveries
	}
	return &Queue{client: client, prefix: prefix, maxDeliveries: maxDeliveries}
}

// Close releases the Redis connection.
func (q *Queue) Close() error {
	return q.client.Close()
}

func (q *Queue) pendingKey() string    { return q.prefix + ":pending" }
func (q *Queue) processingKey() string { return q.prefix + ":processing" }
func (q *Queue) taskKey(id string) string {
	return q.prefix + ":task:" + id
}

// Enqueue registers a task and pushes it onto the pending list. A task
// without an ID gets one assigned.
func (q *Queue) Enqueue(ctx context.Context, task *Task) error {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}

	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task %s: %w", task.ID, err)
	}

	now := time.Now()
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.taskKey(task.ID), map[string]any{
		"state":       StatePending,
		"attempts":    0,
		"error":       "",
		"enqueued_at": now.UnixMilli(),
		"updated_at":  now.UnixMilli(),
	})
	pipe.LPush(ctx, q.pendingKey(), string(data))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("enqueue task %s: %w", task.ID, err)
	}
	return nil
}

// Claim atomically moves the oldest pending task onto the processing
// list and returns it. Returns (nil, nil) when the queue is empty.
func (q *Queue) Claim(ctx context.Context) (*Task, error) {
	raw, err := q.client.RPopLPush(ctx, q.pendingKey(), q.processingKey()).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim: %w", err)
	}

	var task Task
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		// Undecodable entry: drop it from processing so it cannot wedge
		// the reaper.
		q.client.LRem(ctx, q.processingKey(), 1, raw)
		return nil, fmt.Errorf("claim: undecodable task entry: %w", err)
	}
	task.raw = raw

	now := time.Now()
	attempts, err := q.client.HIncrBy(ctx, q.taskKey(task.ID), "attempts", 1).Result()
	if err != nil {
		return nil, fmt.Errorf("claim task %s: %w", task.ID, err)
	}
	task.Deliveries = int(attempts)
	q.client.HSet(ctx, q.taskKey(task.ID), map[string]any{
		"state":      StateProcessing,
		"updated_at": now.UnixMilli(),
	})
	return &task, nil
}

// Ack removes a claimed task from the processing list and marks it done.
func (q *Queue) Ack(ctx context.Context, task *Task) error {
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.processingKey(), 1, task.raw)
	pipe.HSet(ctx, q.taskKey(task.ID), map[string]any{
		"state":      StateDone,
		"updated_at": time.Now().UnixMilli(),
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("ack task %s: %w", task.ID, err)
	}
	return nil
}

// Nack records a processing failure. Under the delivery budget the task
// is re-queued as pending; over it, it is marked failed and dropped.
func (q *Queue) Nack(ctx context.Context, task *Task, cause error) error {
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}

	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.processingKey(), 1, task.raw)
	if task.Deliveries >= q.maxDeliveries {
		pipe.HSet(ctx, q.taskKey(task.ID), map[string]any{
			"state":      StateFailed,
			"error":      reason,
			"updated_at": time.Now().UnixMilli(),
		})
	} else {
		pipe.HSet(ctx, q.taskKey(task.ID), map[string]any{
			"state":      StatePending,
			"error":      reason,
			"updated_at": time.Now().UnixMilli(),
		})
		pipe.LPush(ctx, q.pendingKey(), task.raw)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("nack task %s: %w", task.ID, err)
	}
	return nil
}

// Status reads a task's current state.
func (q *Queue) Status(ctx context.Context, taskID string) (*TaskStatus, error) {
	fields, err := q.client.HGetAll(ctx, q.taskKey(taskID)).Result()
	if err != nil {
		return nil, fmt.Errorf("status of task %s: %w", taskID, err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("task %s not found", taskID)
	}

	status := &TaskStatus{
		State: fields["state"],
		Error: fields["error"],
	}
	if v, err := strconv.Atoi(fields["attempts"]); err == nil {
		status.Attempts = v
	}
	if ms, err := strconv.ParseInt(fields["enqueued_at"], 10, 64); err == nil {
		status.EnqueuedAt = time.UnixMilli(ms)
	}
	if ms, err := strconv.ParseInt(fields["updated_at"], 10, 64); err == nil {
		status.UpdatedAt = time.UnixMilli(ms)
	}
	return status, nil
}

// ReapStale re-queues processing entries whose status has not moved for
// longer than maxAge, recovering tasks orphaned by a crashed worker.
// Returns the number of tasks re-queued.
func (q *Queue) ReapStale(ctx context.Context, maxAge time.Duration) (int, error) {
	entries, err := q.client.LRange(ctx, q.processingKey(), 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("reap: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	reaped := 0
	for _, raw := range entries {
		var task Task
		if err := json.Unmarshal([]byte(raw), &task); err != nil {
			q.client.LRem(ctx, q.processingKey(), 1, raw)
			continue
		}

		fields, err := q.client.HGetAll(ctx, q.taskKey(task.ID)).Result()
		if err != nil {
			continue
		}
		ms, err := strconv.ParseInt(fields["updated_at"], 10, 64)
		if err != nil || time.UnixMilli(ms).After(cutoff) {
			continue
		}

		pipe := q.client.TxPipeline()
		pipe.LRem(ctx, q.processingKey(), 1, raw)
		pipe.LPush(ctx, q.pendingKey(), raw)
		pipe.HSet(ctx, q.taskKey(task.ID), map[string]any{
			"state":      StatePending,
			"updated_at": time.Now().UnixMilli(),
		})
		if _, err := pipe.Exec(ctx); err != nil {
			return reaped, fmt.Errorf("reap task %s: %w", task.ID, err)
		}
		reaped++
	}
	return reaped, nil
}

// PendingLength reports how many tasks are waiting to be claimed.
func (q *Queue) PendingLength(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.pendingKey()).Result()
}
