// Package verification hands disputed subtasks to the external
// rendering/comparison pipeline and tracks the two file uploads the
// pipeline waits for. The pipeline itself (Conductor and Verifier
// workers) lives outside this service; this package owns the queue
// contract and the idempotency guards the core's retry behavior depends
// on.
package verification

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lane names a pipeline work queue. Delivery is at-least-once on every
// lane, so all consumers must be idempotent.
type Lane string

const (
	LaneCore      Lane = "core"
	LaneConductor Lane = "conductor"
	LaneVerifier  Lane = "verifier"
)

func (l Lane) key() string { return "concent:queue:" + string(l) }

// Task is one unit of pipeline work.
type Task struct {
	Name      string          `json:"name"`
	SubtaskID string          `json:"subtask_id"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	QueuedAt  time.Time       `json:"queued_at"`
}

// Queue submits pipeline tasks over Redis lists, one list per lane.
// Fire-and-forget: a successful push is the only acknowledgement.
type Queue struct {
	rdb     *redis.Client
	timeout time.Duration
}

// NewQueue builds a queue client. timeout bounds every submission; queue
// pushes can happen while a subtask row lock is held.
func NewQueue(addr string, timeout time.Duration) *Queue {
	return &Queue{
		rdb:     redis.NewClient(&redis.Options{Addr: addr}),
		timeout: timeout,
	}
}

// NewQueueWithClient builds a queue over an existing Redis client.
func NewQueueWithClient(rdb *redis.Client, timeout time.Duration) *Queue {
	return &Queue{rdb: rdb, timeout: timeout}
}

// Submit pushes one task onto a lane.
func (q *Queue) Submit(ctx context.Context, lane Lane, task Task) error {
	task.QueuedAt = time.Now().UTC()
	raw, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("verification: failed to marshal task: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()
	if err := q.rdb.LPush(ctx, lane.key(), raw).Err(); err != nil {
		return fmt.Errorf("verification: failed to submit to lane %s: %w", lane, err)
	}
	return nil
}

// Receive blocks for up to wait for the next task on a lane. Returns
// (nil, nil) on timeout.
func (q *Queue) Receive(ctx context.Context, lane Lane, wait time.Duration) (*Task, error) {
	res, err := q.rdb.BRPop(ctx, wait, lane.key()).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("verification: failed to receive from lane %s: %w", lane, err)
	}
	var task Task
	if err := json.Unmarshal([]byte(res[1]), &task); err != nil {
		return nil, fmt.Errorf("verification: corrupt task on lane %s: %w", lane, err)
	}
	return &task, nil
}
