// queue.go
//
// Redis-backed webhook task queue. Receipt pushes a Task onto a list; retries
// park the Task in a sorted set scored by its due time until a worker
// promotes it back onto the list. Workers drain the list with BLPop.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/redis/go-redis/v9"
)

// QueueKey is the Redis list of ready tasks.
const QueueKey = "ledgersync:webhook:queue"

// DelayedKey is the sorted set of tasks waiting for their retry time.
const DelayedKey = "ledgersync:webhook:delayed"

// DefaultMaxQueueSize caps the ready list. 0 = unlimited.
const DefaultMaxQueueSize int64 = 10000

// promoteBatch bounds how many due tasks one promotion moves.
const promoteBatch = 100

// ErrQueueFull is returned by Enqueue when the ready list has reached its cap.
var ErrQueueFull = errors.New("webhook queue full")

// Task is the serialized queue entry. The log row is the source of truth;
// Payload saves the worker a read on the common path.
type Task struct {
	LogID   uuid.UUID       `json:"log_id"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Scheduler accepts tasks for immediate or delayed execution.
type Scheduler interface {
	Enqueue(ctx context.Context, t Task) error
	EnqueueAfter(ctx context.Context, t Task, delay time.Duration) error
}

// Queue is the Redis implementation of Scheduler plus the worker loop.
type Queue struct {
	rdb          *redis.Client
	maxQueueSize int64
	now          func() time.Time
}

// NewQueue returns a Queue on rdb. maxSize caps the ready list (0 = unlimited).
func NewQueue(rdb *redis.Client, maxSize int64) *Queue {
	return &Queue{rdb: rdb, maxQueueSize: maxSize, now: time.Now}
}

// enqueueScript atomically checks the list length and pushes only if under
// the cap. Returns 1 if enqueued, 0 if rejected.
// KEYS[1] = queue key, ARGV[1] = max size (0 = skip check), ARGV[2] = payload.
var enqueueScript = redis.NewScript(`
local max = tonumber(ARGV[1])
if max > 0 and redis.call('LLEN', KEYS[1]) >= max then
    return 0
end
redis.call('RPUSH', KEYS[1], ARGV[2])
return 1
`)

// promoteScript moves up to ARGV[2] members of KEYS[1] scored at or below
// ARGV[1] onto the list KEYS[2]. Returns the number moved.
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, member in ipairs(due) do
    redis.call('ZREM', KEYS[1], member)
    redis.call('RPUSH', KEYS[2], member)
end
return #due
`)

// Enqueue pushes t onto the ready list. Returns ErrQueueFull at the cap.
func (q *Queue) Enqueue(ctx context.Context, t Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshaling webhook task: %w", err)
	}
	ok, err := enqueueScript.Run(ctx, q.rdb, []string{QueueKey}, q.maxQueueSize, data).Int64()
	if err != nil {
		return fmt.Errorf("enqueuing webhook task: %w", err)
	}
	if ok == 0 {
		return ErrQueueFull
	}
	return nil
}

// EnqueueAfter parks t until delay has elapsed. A task already parked is
// rescheduled rather than duplicated.
func (q *Queue) EnqueueAfter(ctx context.Context, t Task, delay time.Duration) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshaling webhook task: %w", err)
	}
	due := q.now().Add(delay).UnixMilli()
	if err := q.rdb.ZAdd(ctx, DelayedKey, redis.Z{Score: float64(due), Member: data}).Err(); err != nil {
		return fmt.Errorf("scheduling webhook task: %w", err)
	}
	return nil
}

// promoteDue moves every due delayed task onto the ready list.
func (q *Queue) promoteDue(ctx context.Context) (int64, error) {
	now := strconv.FormatInt(q.now().UnixMilli(), 10)
	n, err := promoteScript.Run(ctx, q.rdb, []string{DelayedKey, QueueKey}, now, promoteBatch).Int64()
	if err != nil {
		return 0, fmt.Errorf("promoting delayed webhook tasks: %w", err)
	}
	return n, nil
}

// Depth returns the ready and delayed task counts.
func (q *Queue) Depth(ctx context.Context) (ready, delayed int64, err error) {
	pipe := q.rdb.Pipeline()
	r := pipe.LLen(ctx, QueueKey)
	d := pipe.ZCard(ctx, DelayedKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, fmt.Errorf("reading queue depth: %w", err)
	}
	return r.Val(), d.Val(), nil
}

// RunWorker drains the queue, calling handle for each task, until ctx is
// cancelled. Safe to run several workers concurrently.
func (q *Queue) RunWorker(ctx context.Context, handle func(ctx context.Context, t Task)) {
	for {
		if _, err := q.promoteDue(ctx); err != nil && ctx.Err() == nil {
			slog.Error("webhook worker: promotion failed", "error", err)
		}

		// BLPop blocks up to 2s then returns redis.Nil -- keeps the loop
		// responsive to ctx cancellation and to newly due retries.
		res, err := q.rdb.BLPop(ctx, 2*time.Second, QueueKey).Result()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			slog.Error("webhook worker: queue pop failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		// res[0] = key name, res[1] = payload
		var t Task
		if err := json.Unmarshal([]byte(res[1]), &t); err != nil {
			slog.Error("webhook worker: bad task payload", "error", err)
			continue
		}
		handle(ctx, t)
	}
}
